package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the presentation layer.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindPermissionDenied
	KindStorageExhausted
	KindEngine
	KindDeadlineExceeded
	KindRetriesExceeded
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindStorageExhausted:
		return "storage_exhausted"
	case KindEngine:
		return "engine"
	case KindDeadlineExceeded:
		return "deadline_exceeded"
	case KindRetriesExceeded:
		return "retries_exceeded"
	default:
		return "internal"
	}
}

var (
	ErrEmptyValue       = errors.New("value is empty")
	ErrTooLong          = errors.New("value exceeds maximum length")
	ErrInvalidCharacter = errors.New("value contains an invalid character")
	ErrAbsolutePath     = errors.New("absolute paths are not allowed")
	ErrPathTraversal    = errors.New("path traversal detected")
	ErrInvalidPath      = errors.New("malformed path")
	ErrEmptyContent     = errors.New("content cannot be empty")
	ErrInvalidMime      = errors.New("malformed mime type")
)

// Error is the typed failure returned by the classification core. It is
// created where the problem is detected and translated once by the caller.
type Error struct {
	Kind      Kind
	Op        string
	Msg       string
	RequestID string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a typed failure wrapping err.
func Errorf(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Wrap lifts err into a typed failure. Already typed failures keep their kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the failure kind carried by err, KindInternal when untyped.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// WithRequestID stamps the originating correlation id on a typed failure.
func WithRequestID(err error, id RequestID) error {
	if err == nil {
		return nil
	}
	var de *Error
	if !errors.As(err, &de) {
		de = &Error{Kind: KindInternal, Err: err}
		err = de
	}
	if de.RequestID == "" {
		de.RequestID = id.String()
	}
	return err
}
