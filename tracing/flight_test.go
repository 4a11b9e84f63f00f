package tracing

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteFlightRecorderWithoutStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flight.out")
	if err := WriteFlightRecorder(path); err != nil {
		t.Fatalf("WriteFlightRecorder() returned error without recorder: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatal("expected no file to be written when recorder is disabled")
	}
}

func TestFlightRecorderWritesWindow(t *testing.T) {
	if err := StartFlightRecorder(1<<20, time.Second); err != nil {
		t.Fatalf("StartFlightRecorder: %v", err)
	}
	defer StopFlightRecorder()
	// A second start is ignored.
	if err := StartFlightRecorder(1<<20, time.Second); err != nil {
		t.Fatalf("second StartFlightRecorder: %v", err)
	}

	path := filepath.Join(t.TempDir(), "flight.out")
	if err := WriteFlightRecorder(path); err != nil {
		t.Fatalf("WriteFlightRecorder: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("flight recorder wrote nothing")
	}
}
