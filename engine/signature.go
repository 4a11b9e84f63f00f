package engine

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/cloudflare/ahocorasick"
	"github.com/gabriel-vasile/mimetype"
	"github.com/h2non/filetype"
)

// DefaultScanLimit bounds how much of an input the engine inspects.
const DefaultScanLimit = 1 << 20

// SignatureEngine classifies content with a signature database, then the
// filetype matchers, then mimetype's detector tree. It keeps a reusable scan
// buffer and an Aho-Corasick matcher whose Match is not thread safe, so one
// instance must never be called concurrently.
type SignatureEngine struct {
	db        *Database
	scanLimit int
	search    *ahocorasick.Matcher
	scratch   []byte
	closed    bool
}

func NewSignatureEngine(db *Database, scanLimit int) (*SignatureEngine, error) {
	if db == nil {
		return nil, fmt.Errorf("signature engine: nil database")
	}
	if scanLimit <= 0 {
		scanLimit = DefaultScanLimit
	}
	e := &SignatureEngine{db: db, scanLimit: scanLimit}
	if len(db.Search) > 0 {
		patterns := make([]string, len(db.Search))
		for i, r := range db.Search {
			patterns[i] = r.Pattern
		}
		e.search = ahocorasick.NewStringMatcher(patterns)
	}
	return e, nil
}

// Open loads the database at path (embedded default when empty) and builds
// an engine over it. A database that fails to load is fatal.
func Open(path string, scanLimit int) (*SignatureEngine, *Database, error) {
	db, err := LoadDatabase(path)
	if err != nil {
		return nil, nil, err
	}
	e, err := NewSignatureEngine(db, scanLimit)
	if err != nil {
		return nil, nil, err
	}
	return e, db, nil
}

func (e *SignatureEngine) Buffer(b []byte) (Result, error) {
	if e.closed {
		return Result{}, ErrClosed
	}
	return e.classify(b, bytes.NewReader(b), int64(len(b)), "buffer"), nil
}

func (e *SignatureEngine) File(path string) (Result, error) {
	if e.closed {
		return Result{}, ErrClosed
	}
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Result{}, fmt.Errorf("classify %s: is a directory", path)
	}

	if e.scratch == nil {
		e.scratch = make([]byte, e.scanLimit)
	}
	n, err := io.ReadFull(f, e.scratch)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}
	return e.classify(e.scratch[:n], f, info.Size(), path), nil
}

func (e *SignatureEngine) Close() error {
	e.closed = true
	e.scratch = nil
	return nil
}

func (e *SignatureEngine) classify(b []byte, src io.ReadSeeker, size int64, name string) Result {
	window := b[:min(len(b), e.scanLimit)]
	if len(window) == 0 {
		return Result{MIME: mimeEmpty, Description: e.describe(mimeEmpty, ""), Encoding: "binary"}
	}

	detected := mimetype.Detect(window)
	fallback, charset := splitMIME(detected.String())
	encoding := charset
	if encoding == "" {
		encoding = "binary"
	}

	res := Result{Encoding: encoding}
	if r, ok := e.matchMagic(window); ok {
		res.MIME, res.Description = r.MIME, r.Description
	} else if r, ok := e.matchSearch(window); ok {
		res.MIME, res.Description = r.MIME, r.Description
	} else if kind, err := filetype.Match(window); err == nil && kind != filetype.Unknown && kind.MIME.Value != "" {
		res.MIME = kind.MIME.Value
		res.Description = e.describe(res.MIME, "")
		if res.Description == "" {
			res.Description = strings.ToUpper(kind.Extension) + " data"
		}
	} else {
		res.MIME = fallback
		res.Description = e.describe(res.MIME, charset)
	}
	if res.Description == "" {
		if ext := strings.TrimPrefix(detected.Extension(), "."); ext != "" {
			res.Description = strings.ToUpper(ext) + " data"
		} else {
			res.Description = "data"
		}
	}
	return enrich(res, window, src, size, name)
}

func (e *SignatureEngine) matchMagic(window []byte) (MagicRule, bool) {
	for _, r := range e.db.Magic {
		end := r.Offset + len(r.magic)
		if end <= len(window) && bytes.Equal(window[r.Offset:end], r.magic) {
			return r, true
		}
	}
	return MagicRule{}, false
}

func (e *SignatureEngine) matchSearch(window []byte) (SearchRule, bool) {
	if e.search == nil {
		return SearchRule{}, false
	}
	hits := e.search.Match(window[:min(len(window), e.db.SearchWindow)])
	if len(hits) == 0 {
		return SearchRule{}, false
	}
	return e.db.Search[slices.Min(hits)], true
}

func (e *SignatureEngine) describe(mime, charset string) string {
	if d, ok := e.db.Describe[mime]; ok && d != "" {
		return d
	}
	if d, ok := builtinDescriptions[mime]; ok {
		return d
	}
	if strings.HasPrefix(mime, "text/") {
		return textDescription(charset)
	}
	if mime == mimeBinary {
		return "data"
	}
	return ""
}

var builtinDescriptions = map[string]string{
	"application/pdf":  "PDF document",
	"image/png":        "PNG image data",
	"image/jpeg":       "JPEG image data",
	"image/gif":        "GIF image data",
	"application/zip":  "Zip archive data",
	"application/gzip": "gzip compressed data",
	mimeEmpty:          "empty",
}
