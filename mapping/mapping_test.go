package mapping

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeTemp(t *testing.T, data []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.bin")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestMapReadsContent(t *testing.T) {
	want := []byte("%PDF-1.4\nhello mapping")
	m, err := Map(writeTemp(t, want))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer m.Close()

	if m.Len() != len(want) {
		t.Fatalf("Len = %d, want %d", m.Len(), len(want))
	}
	var got []byte
	if err := m.Read(func(b []byte) error {
		got = append(got, b...)
		return nil
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if m.Faulted() {
		t.Fatal("unexpected fault flag")
	}
}

func TestMapEmptyFileSkipsMapping(t *testing.T) {
	called := false
	orig := mapRegion
	mapRegion = func(f *os.File, size int64) ([]byte, func([]byte) error, error) {
		called = true
		return orig(f, size)
	}
	defer func() { mapRegion = orig }()

	m, err := Map(writeTemp(t, nil))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if called {
		t.Fatal("zero-length file should not be mapped")
	}
	if m.Len() != 0 {
		t.Fatalf("Len = %d, want 0", m.Len())
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestMapPropagatesMappingError(t *testing.T) {
	orig := mapRegion
	mapRegion = func(*os.File, int64) ([]byte, func([]byte) error, error) {
		return nil, nil, errors.New("no address space")
	}
	defer func() { mapRegion = orig }()

	if _, err := Map(writeTemp(t, []byte("abc"))); err == nil {
		t.Fatal("expected mapping error")
	}
}

func TestMapRejectsDirectory(t *testing.T) {
	d, err := os.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if _, err := Map(d); err == nil {
		t.Fatal("expected error for directory")
	}
}

func TestCloseReleasesOnce(t *testing.T) {
	releases := 0
	orig := mapRegion
	mapRegion = func(*os.File, int64) ([]byte, func([]byte) error, error) {
		return []byte("data"), func([]byte) error { releases++; return nil }, nil
	}
	defer func() { mapRegion = orig }()

	m, err := Map(writeTemp(t, []byte("data")))
	if err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if err := m.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if releases != 1 {
		t.Fatalf("released %d times, want 1", releases)
	}
	if err := m.Read(func([]byte) error { return nil }); !errors.Is(err, fs.ErrClosed) {
		t.Fatalf("Read after Close = %v, want fs.ErrClosed", err)
	}
}

func TestReadPassesThroughCallbackError(t *testing.T) {
	m, err := Map(writeTemp(t, []byte("abc")))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	sentinel := errors.New("boom")
	if err := m.Read(func([]byte) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("got %v, want %v", err, sentinel)
	}
}

func TestReadRepanicsOnOrdinaryPanic(t *testing.T) {
	m, err := Map(writeTemp(t, []byte("abc")))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	defer func() {
		if r := recover(); r != "plain" {
			t.Fatalf("recovered %v, want plain", r)
		}
		if m.Faulted() {
			t.Fatal("ordinary panic must not set fault flag")
		}
	}()
	_ = m.Read(func([]byte) error { panic("plain") })
}

func TestReadTrapsTruncationFault(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("relies on SIGBUS semantics of truncated mappings")
	}
	size := os.Getpagesize() * 4
	f := writeTemp(t, bytes.Repeat([]byte{0xAB}, size))
	m, err := Map(f)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer m.Close()

	if err := os.Truncate(f.Name(), 0); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	before := FaultCount()

	var sum int
	err = m.Read(func(b []byte) error {
		for _, c := range b {
			sum += int(c)
		}
		return nil
	})
	if !errors.Is(err, ErrFault) {
		t.Fatalf("Read = %v, want ErrFault", err)
	}
	if !m.Faulted() {
		t.Fatal("fault flag not set")
	}
	if FaultCount() != before+1 {
		t.Fatalf("FaultCount = %d, want %d", FaultCount(), before+1)
	}

	// The flag is cleared at the start of the next read.
	_ = m.Read(func([]byte) error { return nil })
	if m.Faulted() {
		t.Fatal("fault flag should be cleared before a read")
	}
}
