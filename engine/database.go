package engine

import (
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

//go:embed signatures.yaml
var defaultDatabase []byte

const defaultSearchWindow = 4096

// MagicRule matches a byte sequence at a fixed offset.
type MagicRule struct {
	Name        string `yaml:"name"`
	Offset      int    `yaml:"offset"`
	Bytes       string `yaml:"bytes"`
	MIME        string `yaml:"mime"`
	Description string `yaml:"description"`

	magic []byte
}

// SearchRule matches a literal anywhere inside the search window.
type SearchRule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	MIME        string `yaml:"mime"`
	Description string `yaml:"description"`
}

// Database is a loaded signature database.
type Database struct {
	Version      int               `yaml:"version"`
	SearchWindow int               `yaml:"search_window"`
	Magic        []MagicRule       `yaml:"magic"`
	Search       []SearchRule      `yaml:"search"`
	Describe     map[string]string `yaml:"describe"`

	source      string
	fingerprint uint64
}

// LoadDatabase reads a signature database from path, or the embedded default
// when path is empty.
func LoadDatabase(path string) (*Database, error) {
	if path == "" {
		return ParseDatabase(defaultDatabase, "embedded")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signature database %s: %w", path, err)
	}
	return ParseDatabase(data, path)
}

// ParseDatabase decodes and validates a signature database.
func ParseDatabase(data []byte, source string) (*Database, error) {
	var db Database
	if err := yaml.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("parse signature database %s: %w", source, err)
	}
	if len(db.Magic) == 0 && len(db.Search) == 0 {
		return nil, fmt.Errorf("signature database %s: no rules", source)
	}
	if db.SearchWindow <= 0 {
		db.SearchWindow = defaultSearchWindow
	}

	var errs []error
	for i := range db.Magic {
		r := &db.Magic[i]
		magic, err := hex.DecodeString(strings.ReplaceAll(r.Bytes, " ", ""))
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("magic rule %q: bytes: %w", r.Name, err))
		case len(magic) == 0:
			errs = append(errs, fmt.Errorf("magic rule %q: empty bytes", r.Name))
		case r.Offset < 0:
			errs = append(errs, fmt.Errorf("magic rule %q: negative offset", r.Name))
		case !validMIME(r.MIME):
			errs = append(errs, fmt.Errorf("magic rule %q: invalid mime %q", r.Name, r.MIME))
		}
		r.magic = magic
	}
	for _, r := range db.Search {
		if r.Pattern == "" {
			errs = append(errs, fmt.Errorf("search rule %q: empty pattern", r.Name))
		}
		if !validMIME(r.MIME) {
			errs = append(errs, fmt.Errorf("search rule %q: invalid mime %q", r.Name, r.MIME))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("signature database %s: %w", source, err)
	}

	db.source = source
	db.fingerprint = xxhash.Sum64(data)
	return &db, nil
}

func (db *Database) Source() string { return db.source }

// Fingerprint identifies the database contents, as a hex string.
func (db *Database) Fingerprint() string {
	return fmt.Sprintf("%016x", db.fingerprint)
}

func (db *Database) Rules() int { return len(db.Magic) + len(db.Search) }

func validMIME(v string) bool {
	typ, sub, ok := strings.Cut(v, "/")
	return ok && typ != "" && sub != "" && !strings.Contains(sub, "/")
}
