// Package mapping provides read-only memory mappings of whole files with
// storage-fault containment.
//
// A mapped file that is truncated, or whose backing storage disappears, after
// the mapping was established raises SIGBUS on the next access to a missing
// page. Read arms the runtime's panic-on-fault mode for the calling goroutine
// so such a fault unwinds into an ErrFault return instead of terminating the
// process.
package mapping

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// ErrFault reports that the backing storage faulted during a read. Results
// computed from the mapping are unreliable; callers fall back to a buffered
// read.
var ErrFault = errors.New("storage fault while reading mapped file")

var faults atomic.Int64

// mapRegion is replaced in tests.
var mapRegion = mapFile

// Mapping is a read-only view over a file. It is owned by exactly one
// classification call and released once by Close.
type Mapping struct {
	name    string
	data    []byte
	release func([]byte) error

	once    sync.Once
	closed  atomic.Bool
	faulted atomic.Bool
}

// Map maps the whole of f. A zero-length file yields an empty mapping without
// a system mapping call. f may be closed once Map returns.
func Map(f *os.File) (*Mapping, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("mapping %s: is a directory", f.Name())
	}
	size := info.Size()
	if size == 0 {
		return &Mapping{name: f.Name()}, nil
	}
	if size > math.MaxInt {
		return nil, fmt.Errorf("mapping %s: %d bytes exceeds address space", f.Name(), size)
	}
	data, release, err := mapRegion(f, size)
	if err != nil {
		return nil, fmt.Errorf("mapping %s (%d bytes): %w", f.Name(), size, err)
	}
	return &Mapping{name: f.Name(), data: data, release: release}, nil
}

func (m *Mapping) Name() string { return m.name }

func (m *Mapping) Len() int { return len(m.data) }

// Bytes returns the mapped region. The slice is invalid after Close and must
// only be read inside Read when the backing file may change underneath.
func (m *Mapping) Bytes() []byte { return m.data }

// Read calls fn with the mapped bytes on the current goroutine with fault
// trapping armed. The fault flag is cleared before fn runs and set if a
// fault unwinds it.
func (m *Mapping) Read(fn func([]byte) error) (err error) {
	if m.closed.Load() {
		return fmt.Errorf("reading %s: %w", m.name, fs.ErrClosed)
	}
	m.faulted.Store(false)

	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		r := recover()
		if r == nil {
			return
		}
		addr, ok := r.(interface{ Addr() uintptr })
		if !ok {
			panic(r)
		}
		m.faulted.Store(true)
		faults.Add(1)
		err = fmt.Errorf("%w: %s at %#x", ErrFault, m.name, addr.Addr())
	}()

	return fn(m.data)
}

// Faulted reports whether the last Read was interrupted by a storage fault.
func (m *Mapping) Faulted() bool { return m.faulted.Load() }

// Close releases the mapping. Only the first call has an effect.
func (m *Mapping) Close() error {
	var err error
	m.once.Do(func() {
		m.closed.Store(true)
		if m.release != nil && m.data != nil {
			if relErr := m.release(m.data); relErr != nil {
				err = fmt.Errorf("unmapping %s: %w", m.name, relErr)
			}
		}
		m.data = nil
	})
	return err
}

// FaultCount is the number of faults trapped since process start.
func FaultCount() int64 { return faults.Load() }
