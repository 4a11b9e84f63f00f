// Package engine hosts the classification engine and the adapter that
// serializes and time-bounds access to it.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Result is what the engine reports for one input.
type Result struct {
	MIME        string
	Description string
	Encoding    string
}

// Engine classifies bytes or a file. Implementations are not safe for
// concurrent use; Adapter is the only intended caller.
type Engine interface {
	Buffer(b []byte) (Result, error)
	File(path string) (Result, error)
	Close() error
}

var ErrClosed = errors.New("engine closed")

const (
	mimeEmpty  = "application/x-empty"
	mimeBinary = "application/octet-stream"
)

// splitMIME separates a detector's "type/subtype; charset=x" into the bare
// type and the charset, which becomes the encoding label.
func splitMIME(v string) (string, string) {
	base, params, _ := strings.Cut(v, ";")
	base = strings.ToLower(strings.TrimSpace(base))
	for p := range strings.SplitSeq(params, ";") {
		k, val, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok && strings.EqualFold(k, "charset") {
			return base, strings.ToLower(strings.Trim(val, `"`))
		}
	}
	return base, ""
}

func textDescription(charset string) string {
	switch charset {
	case "", "us-ascii":
		return "ASCII text"
	case "utf-8":
		return "UTF-8 Unicode text"
	case "utf-16le", "utf-16be":
		return "Unicode text, " + strings.ToUpper(charset)
	default:
		return fmt.Sprintf("%s text", charset)
	}
}
