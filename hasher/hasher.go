// Package hasher computes content digests while content streams through
// ingestion, so the audit trail can identify what was classified without a
// second read.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"lukechampine.com/blake3"
)

const (
	SHA256 = "sha256"
	BLAKE3 = "blake3"
)

// Digest is a running hash. A nil Digest ignores writes and sums to "".
type Digest struct {
	name string
	h    hash.Hash
}

// New returns a digest for algorithm, or nil when algorithm is empty.
func New(algorithm string) (*Digest, error) {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "":
		return nil, nil
	case SHA256:
		return &Digest{name: SHA256, h: sha256.New()}, nil
	case BLAKE3:
		return &Digest{name: BLAKE3, h: blake3.New(32, nil)}, nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %s", algorithm)
	}
}

// Supported lists the accepted algorithm names.
func Supported() []string {
	return []string{SHA256, BLAKE3}
}

func (d *Digest) Write(p []byte) {
	if d == nil {
		return
	}
	// hash.Hash writes never fail.
	_, _ = d.h.Write(p)
}

// Sum renders "<algorithm>:<hex>".
func (d *Digest) Sum() string {
	if d == nil {
		return ""
	}
	return d.name + ":" + hex.EncodeToString(d.h.Sum(nil))
}
