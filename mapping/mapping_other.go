//go:build !unix

package mapping

import (
	"errors"
	"io"
	"os"

	"golang.org/x/exp/mmap"
)

// Without unix.Mmap the region is read through x/exp/mmap into a private
// buffer, so the view stays valid for the mapping's lifetime.
func mapFile(f *os.File, size int64) ([]byte, func([]byte) error, error) {
	r, err := mmap.Open(f.Name())
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()
	n := int64(r.Len())
	if n > size {
		n = size
	}
	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}
	return buf, func([]byte) error { return nil }, nil
}
