package audit

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"magicer/logger"
)

const (
	SchemaVersion = "1"
	TypeSummary   = "summary"
)

// Options configures a Trail. An empty Path writes no file.
type Options struct {
	Path        string
	Format      string
	MaxFileSize int64
	Otel        OtelOptions
}

// Summary is written once when the trail is closed.
type Summary struct {
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Classified int64     `json:"classified"`
	Failed     int64     `json:"failed"`
}

type envelope struct {
	RecordType    string `json:"record_type"`
	SchemaVersion string `json:"schema_version"`
	Payload       any    `json:"payload"`
}

// Trail appends audit records to a rotating NDJSON or CSV file and forwards
// them to an OTLP collector when one is configured.
type Trail struct {
	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	csvw    *csv.Writer
	format  string
	base    string
	ext     string
	index   int
	maxSize int64
	otel    *otelExporter
	summary Summary
	closed  bool
}

var csvHeader = []string{
	"record_type",
	"schema_version",
	"time",
	"request_id",
	"filename",
	"mime_type",
	"description",
	"encoding",
	"strategy",
	"bytes",
	"digest",
	"duration_ms",
	"error_kind",
	"error",
	"summary",
}

// Open creates the trail. An unusable OTEL configuration only disables export.
func Open(opts Options) (*Trail, error) {
	format := strings.ToLower(opts.Format)
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		return nil, fmt.Errorf("unsupported audit format %q", opts.Format)
	}
	ext := filepath.Ext(opts.Path)
	t := &Trail{
		format:  format,
		base:    strings.TrimSuffix(opts.Path, ext),
		ext:     ext,
		maxSize: opts.MaxFileSize,
		summary: Summary{StartTime: time.Now().UTC()},
	}
	exp, err := newOtelExporter(opts.Otel)
	if err != nil {
		logger.Warnf("OTEL export disabled: %v", err)
	} else if exp != nil {
		logger.Infof("Exporting audit records to %s", exp.Endpoint())
		t.otel = exp
	}
	if opts.Path != "" {
		if err := t.openFile(); err != nil {
			t.otel.Shutdown()
			return nil, err
		}
	}
	return t, nil
}

func (t *Trail) fileName() string {
	if t.index > 0 {
		return fmt.Sprintf("%s.%d%s", t.base, t.index, t.ext)
	}
	return t.base + t.ext
}

func (t *Trail) openFile() error {
	f, err := os.OpenFile(t.fileName(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("opening audit file: %w", err)
	}
	t.file = f
	t.buf = bufio.NewWriterSize(f, 64*1024)
	t.csvw = nil
	if t.format == "csv" {
		t.csvw = csv.NewWriter(t.buf)
		if info, err := f.Stat(); err == nil && info.Size() == 0 {
			if err := t.csvw.Write(csvHeader); err != nil {
				return err
			}
		}
	}
	return t.flush()
}

// Record implements Recorder.
func (t *Trail) Record(ctx context.Context, r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	switch r.Type {
	case TypeFailure:
		t.summary.Failed++
	default:
		t.summary.Classified++
	}
	if t.file != nil {
		if err := t.writeLocked(r.Type, r); err != nil {
			logger.Warnf("Failed to write audit record: %v", err)
		}
		t.rotateIfNeeded()
	}
	t.otel.Emit(ctx, r)
}

// Summary returns the running counters.
func (t *Trail) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary
}

func (t *Trail) writeLocked(recordType string, payload any) error {
	if t.csvw != nil {
		if err := t.csvw.Write(csvRow(recordType, payload)); err != nil {
			return err
		}
		return t.flush()
	}
	line, err := jsonMarshal(envelope{RecordType: recordType, SchemaVersion: SchemaVersion, Payload: payload})
	if err != nil {
		return err
	}
	if _, err := t.buf.Write(line); err != nil {
		return err
	}
	if err := t.buf.WriteByte('\n'); err != nil {
		return err
	}
	return t.flush()
}

func (t *Trail) rotateIfNeeded() {
	if t.maxSize <= 0 {
		return
	}
	info, err := t.file.Stat()
	if err != nil || info.Size() < t.maxSize {
		return
	}
	t.closeFile()
	t.index++
	if err := t.openFile(); err != nil {
		logger.Errorf("Audit rotation failed, file output stopped: %v", err)
		t.file = nil
	}
}

func (t *Trail) flush() error {
	if t.csvw != nil {
		t.csvw.Flush()
		if err := t.csvw.Error(); err != nil {
			return err
		}
	}
	return t.buf.Flush()
}

func (t *Trail) closeFile() {
	if t.file == nil {
		return
	}
	_ = t.flush()
	_ = t.file.Sync()
	_ = t.file.Close()
	t.file = nil
}

// Close writes the summary record and releases the file and exporter.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.summary.EndTime = time.Now().UTC()
	var err error
	if t.file != nil {
		err = t.writeLocked(TypeSummary, t.summary)
		t.closeFile()
	}
	t.otel.EmitSummary(t.summary)
	t.otel.Shutdown()
	return err
}

func csvRow(recordType string, payload any) []string {
	row := make([]string, len(csvHeader))
	row[0] = recordType
	row[1] = SchemaVersion
	switch v := payload.(type) {
	case Record:
		row[2] = v.Time.UTC().Format(time.RFC3339Nano)
		row[3] = v.RequestID
		row[4] = v.Filename
		row[5] = v.MimeType
		row[6] = v.Description
		row[7] = v.Encoding
		row[8] = v.Strategy
		row[9] = strconv.FormatInt(v.Bytes, 10)
		row[10] = v.Digest
		row[11] = strconv.FormatInt(v.DurationMS, 10)
		row[12] = v.ErrorKind
		row[13] = v.Error
	case Summary:
		row[2] = v.EndTime.Format(time.RFC3339Nano)
		if data, err := jsonMarshal(v); err == nil {
			row[14] = string(data)
		}
	}
	return row
}
