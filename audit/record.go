package audit

import (
	"context"
	"time"
)

const (
	TypeClassification = "classification"
	TypeFailure        = "failure"
)

// Record is one audit line: a finished classification or a failed one.
type Record struct {
	Type        string    `json:"type"`
	Time        time.Time `json:"time"`
	RequestID   string    `json:"request_id"`
	Filename    string    `json:"filename,omitempty"`
	MimeType    string    `json:"mime_type,omitempty"`
	Description string    `json:"description,omitempty"`
	Encoding    string    `json:"encoding,omitempty"`
	Strategy    string    `json:"strategy,omitempty"`
	Bytes       int64     `json:"bytes,omitempty"`
	Digest      string    `json:"digest,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Recorder receives audit records. Implementations must be safe for
// concurrent use and must not block the request path for long.
type Recorder interface {
	Record(ctx context.Context, r Record)
}

// Discard drops every record.
type Discard struct{}

func (Discard) Record(context.Context, Record) {}
