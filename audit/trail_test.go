package audit

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type ndjsonRecord struct {
	RecordType    string          `json:"record_type"`
	SchemaVersion string          `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

func readNDJSON(t *testing.T, path string) []ndjsonRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var out []ndjsonRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec ndjsonRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		out = append(out, rec)
	}
	return out
}

func sampleRecord(id string) Record {
	return Record{
		Type:       TypeClassification,
		Time:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		RequestID:  id,
		Filename:   "report.pdf",
		MimeType:   "application/pdf",
		Encoding:   "binary",
		Strategy:   "memory",
		Bytes:      1234,
		Digest:     "sha256:ab",
		DurationMS: 4,
	}
}

func TestTrailJSONLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	trail, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	trail.Record(context.Background(), sampleRecord("a"))
	trail.Record(context.Background(), Record{Type: TypeFailure, RequestID: "b", ErrorKind: "NotFound"})
	if got := trail.Summary(); got.Classified != 1 || got.Failed != 1 {
		t.Fatalf("summary = %+v", got)
	}
	if err := trail.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := trail.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	trail.Record(context.Background(), sampleRecord("late"))

	records := readNDJSON(t, path)
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].RecordType != TypeClassification || records[1].RecordType != TypeFailure || records[2].RecordType != TypeSummary {
		t.Fatalf("unexpected order: %+v", records)
	}
	var first Record
	if err := json.Unmarshal(records[0].Payload, &first); err != nil {
		t.Fatal(err)
	}
	if first.RequestID != "a" || first.MimeType != "application/pdf" || records[0].SchemaVersion != SchemaVersion {
		t.Fatalf("unexpected record %+v", first)
	}
	var summary Summary
	if err := json.Unmarshal(records[2].Payload, &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Classified != 1 || summary.Failed != 1 || summary.EndTime.Before(summary.StartTime) {
		t.Fatalf("unexpected summary %+v", summary)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("audit file mode %o", perm)
	}
}

func TestTrailCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.csv")
	trail, err := Open(Options{Path: path, Format: "CSV"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	trail.Record(context.Background(), sampleRecord("a"))
	if err := trail.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header, record and summary rows, got %d", len(rows))
	}
	if rows[0][0] != "record_type" || rows[1][3] != "a" || rows[1][9] != "1234" || rows[1][10] != "sha256:ab" {
		t.Fatalf("unexpected rows: %v", rows)
	}
	if rows[2][0] != TypeSummary || !strings.Contains(rows[2][14], `"classified":1`) {
		t.Fatalf("unexpected summary row: %v", rows[2])
	}
}

func TestTrailRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.ndjson")
	trail, err := Open(Options{Path: path, MaxFileSize: 10})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	trail.Record(context.Background(), sampleRecord("a"))
	trail.Record(context.Background(), sampleRecord("b"))
	if err := trail.Close(); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"audit.ndjson", "audit.1.ndjson", "audit.2.ndjson"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	if got := readNDJSON(t, filepath.Join(dir, "audit.2.ndjson")); len(got) != 1 || got[0].RecordType != TypeSummary {
		t.Fatalf("last file should hold only the summary: %+v", got)
	}
}

func TestTrailConcurrentRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	trail, err := Open(Options{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			trail.Record(context.Background(), sampleRecord("c"))
		}()
	}
	wg.Wait()
	if err := trail.Close(); err != nil {
		t.Fatal(err)
	}
	if got := readNDJSON(t, path); len(got) != 21 {
		t.Fatalf("expected 21 lines, got %d", len(got))
	}
}

func TestOpenRejectsUnknownFormat(t *testing.T) {
	if _, err := Open(Options{Path: filepath.Join(t.TempDir(), "a.xml"), Format: "xml"}); err == nil {
		t.Fatal("expected format error")
	}
}

func TestOpenWithoutPathOnlyCounts(t *testing.T) {
	trail, err := Open(Options{})
	if err != nil {
		t.Fatal(err)
	}
	trail.Record(context.Background(), sampleRecord("a"))
	if trail.Summary().Classified != 1 {
		t.Fatal("record not counted")
	}
	if err := trail.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDiscard(t *testing.T) {
	var r Recorder = Discard{}
	r.Record(context.Background(), sampleRecord("a"))
}
