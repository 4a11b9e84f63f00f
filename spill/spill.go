package spill

import (
	"bufio"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"magicer/domain"
	"magicer/logger"

	"github.com/google/uuid"
)

const (
	filePrefix = "spill_"
	fileSuffix = ".tmp"

	// MaxCreateAttempts bounds retries on name collisions.
	MaxCreateAttempts = 10

	defaultBufferSize = 64 * 1024
)

// ErrRetriesExceeded is returned when every candidate name collided.
var ErrRetriesExceeded = errors.New("temp file name retries exceeded")

// generateName is swapped in tests to force collisions.
var generateName = func() string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s%d_%s_%s%s", filePrefix, time.Now().UnixNano(), token, rand.Text()[:8], fileSuffix)
}

// Store creates spill files inside one directory.
type Store struct {
	dir        string
	bufferSize int

	created atomic.Int64
	live    atomic.Int64

	mu   sync.Mutex
	open map[string]struct{}
}

func NewStore(dir string, bufferSize int) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("spill directory is empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating spill directory %s: %w", dir, err)
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Store{dir: dir, bufferSize: bufferSize, open: make(map[string]struct{})}, nil
}

func (s *Store) Dir() string { return s.dir }

// Created counts files ever created by this store.
func (s *Store) Created() int64 { return s.created.Load() }

// Live counts files created and not yet removed.
func (s *Store) Live() int64 { return s.live.Load() }

// Create opens a new, uniquely named, owner-only file. The caller owns the
// returned File and must Close it; Close removes the file.
func (s *Store) Create() (*File, error) {
	for attempt := 1; attempt <= MaxCreateAttempts; attempt++ {
		path := filepath.Join(s.dir, generateName())
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
		if errors.Is(err, fs.ErrExist) {
			logger.Debugf("Spill name collision on attempt %d: %s", attempt, path)
			continue
		}
		if err != nil {
			return nil, domain.Wrap(domain.KindInternal, "spill.create", fmt.Errorf("opening %s: %w", path, err))
		}
		if err := f.Chmod(0600); err != nil {
			f.Close()
			os.Remove(path)
			return nil, domain.Wrap(domain.KindInternal, "spill.create", fmt.Errorf("restricting %s: %w", path, err))
		}
		s.created.Add(1)
		s.live.Add(1)
		s.mu.Lock()
		s.open[path] = struct{}{}
		s.mu.Unlock()
		return s.newFile(path, f), nil
	}
	return nil, &domain.Error{
		Kind: domain.KindRetriesExceeded,
		Op:   "spill.create",
		Msg:  fmt.Sprintf("%d attempts in %s", MaxCreateAttempts, s.dir),
		Err:  ErrRetriesExceeded,
	}
}

func (s *Store) forget(path string) {
	s.mu.Lock()
	delete(s.open, path)
	s.mu.Unlock()
}

func (s *Store) inUse(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[path]
	return ok
}

// Sweep removes spill files older than maxAge, left behind by a process that
// died before running its cleanup. Files this store still has open are kept
// whatever their age.
func (s *Store) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("reading spill directory %s: %w", s.dir, err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		path := filepath.Join(s.dir, name)
		if s.inUse(path) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	return removed, nil
}

// File is an owned spill file. Close is idempotent and deletes the file.
type File struct {
	path    string
	f       *os.File
	buf     *bufio.Writer
	store   *Store
	once    sync.Once
	cleanup runtime.Cleanup
	closed  atomic.Bool
}

func (s *Store) newFile(path string, f *os.File) *File {
	sf := &File{
		path:  path,
		f:     f,
		buf:   bufio.NewWriterSize(f, s.bufferSize),
		store: s,
	}
	// Safety net for an owner that forgets Close; the normal path stops it.
	sf.cleanup = runtime.AddCleanup(sf, func(path string) {
		s.forget(path)
		if err := os.Remove(path); err == nil {
			logger.Warnf("Removed leaked spill file %s", path)
		}
	}, path)
	return sf
}

func (f *File) Path() string { return f.path }

func (f *File) Write(p []byte) (int, error) {
	if f.closed.Load() {
		return 0, fs.ErrClosed
	}
	n, err := f.buf.Write(p)
	if err != nil {
		return n, fmt.Errorf("writing spill file %s: %w", f.path, err)
	}
	return n, nil
}

// Sync flushes buffered writes and forces them to stable storage.
func (f *File) Sync() error {
	if f.closed.Load() {
		return fs.ErrClosed
	}
	if err := f.buf.Flush(); err != nil {
		return fmt.Errorf("flushing spill file %s: %w", f.path, err)
	}
	if err := f.f.Sync(); err != nil {
		return fmt.Errorf("syncing spill file %s: %w", f.path, err)
	}
	return nil
}

// OSFile exposes the underlying descriptor for mapping after Sync.
func (f *File) OSFile() *os.File { return f.f }

// Close releases the descriptor and deletes the file. Safe to call more than
// once; a file already removed by someone else is not an error.
func (f *File) Close() error {
	var err error
	f.once.Do(func() {
		f.closed.Store(true)
		f.cleanup.Stop()
		closeErr := f.f.Close()
		removeErr := os.Remove(f.path)
		if errors.Is(removeErr, fs.ErrNotExist) {
			removeErr = nil
		}
		f.store.live.Add(-1)
		f.store.forget(f.path)
		err = errors.Join(closeErr, removeErr)
	})
	return err
}
