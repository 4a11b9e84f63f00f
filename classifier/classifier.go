// Package classifier decides how submitted content reaches the engine:
// buffered in memory, spilled to a temporary file and memory mapped, or
// mapped straight from the sandbox.
package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"magicer/audit"
	"magicer/domain"
	"magicer/engine"
	"magicer/hasher"
	"magicer/logger"
	"magicer/mapping"
	"magicer/sandbox"
	"magicer/spill"
	"magicer/systeminfo"
	"magicer/tracing"
)

const defaultChunkSize = 64 * 1024

// Seams for tests.
var (
	freeSpaceMB = systeminfo.FreeSpaceMB
	openMapping = mapping.Map
	confined    = (*sandbox.Resolver).Confined
)

// Engine is the serialized, deadline-bound classification capability.
type Engine interface {
	ClassifyBuffer(ctx context.Context, b []byte) (engine.Result, error)
	ClassifyFile(ctx context.Context, path string) (engine.Result, error)
	ClassifyMapping(ctx context.Context, m *mapping.Mapping) (engine.Result, error)
}

type Options struct {
	// Threshold is the largest payload kept in memory, in bytes. Zero spills
	// every non-empty payload.
	Threshold int64
	// MinFreeSpaceMB must be available in the spill directory before a
	// spill file is created.
	MinFreeSpaceMB uint64
	ChunkSize      int
	// MmapFallback retries with a buffered read when mapping fails or faults.
	MmapFallback bool
	// FollowSymlinks allows sandbox paths whose symlinks lead outside the root.
	FollowSymlinks bool
	// Digest names the hash recorded for submitted content ("" disables it).
	Digest string
	// Timeout bounds a mapped classification including its buffered
	// fallback, so the fallback only gets what is left.
	Timeout  time.Duration
	Recorder audit.Recorder
}

type Service struct {
	engine   Engine
	resolver *sandbox.Resolver
	store    *spill.Store
	opts     Options
}

func New(e Engine, resolver *sandbox.Resolver, store *spill.Store, opts Options) *Service {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Threshold < 0 {
		opts.Threshold = 0
	}
	if opts.Recorder == nil {
		opts.Recorder = audit.Discard{}
	}
	return &Service{engine: e, resolver: resolver, store: store, opts: opts}
}

// ClassifyContent reads r to the end and classifies what it read. Content
// stays in memory until it would exceed the threshold; from then on it is
// written to a spill file which is mapped once r is drained.
func (s *Service) ClassifyContent(ctx context.Context, id domain.RequestID, filename string, r io.Reader) (domain.Outcome, error) {
	a := begin("classify.content", id, filename)
	name, err := domain.NewFilename(filename)
	if err != nil {
		return s.fail(ctx, a, validation(a.op, err, "filename"))
	}
	digest, err := hasher.New(s.opts.Digest)
	if err != nil {
		return s.fail(ctx, a, domain.Wrap(domain.KindInternal, a.op, err))
	}

	ctx, endTask := tracing.StartTask(ctx, a.op)
	defer endTask()

	in, err := s.ingest(ctx, a.op, r, digest)
	if in.spill != nil {
		defer func() {
			if cerr := in.spill.Close(); cerr != nil {
				logger.Warnf("Removing spill file %s: %v", in.spill.Path(), cerr)
			}
		}()
	}
	a.strategy, a.size = in.strategy(), in.size
	if err != nil {
		return s.fail(ctx, a, err)
	}
	if in.size == 0 {
		a.strategy = ""
		return s.fail(ctx, a, validation(a.op, domain.ErrEmptyContent, "request body"))
	}
	a.digest = digest.Sum()

	var res engine.Result
	if in.spill == nil {
		res, err = s.engine.ClassifyBuffer(ctx, in.buf)
	} else {
		res, err = s.classifySpill(ctx, a.op, in.spill)
	}
	if err != nil {
		return s.fail(ctx, a, err)
	}
	return s.succeed(ctx, a, name, res)
}

// ClassifyBytes classifies a payload that is already in memory. Payloads
// above the threshold take the spill path like streamed content.
func (s *Service) ClassifyBytes(ctx context.Context, id domain.RequestID, filename string, data []byte) (domain.Outcome, error) {
	if int64(len(data)) > s.opts.Threshold {
		return s.ClassifyContent(ctx, id, filename, bytes.NewReader(data))
	}
	a := begin("classify.bytes", id, filename)
	name, err := domain.NewFilename(filename)
	if err != nil {
		return s.fail(ctx, a, validation(a.op, err, "filename"))
	}
	if len(data) == 0 {
		return s.fail(ctx, a, validation(a.op, domain.ErrEmptyContent, "request body"))
	}
	digest, err := hasher.New(s.opts.Digest)
	if err != nil {
		return s.fail(ctx, a, domain.Wrap(domain.KindInternal, a.op, err))
	}
	digest.Write(data)
	a.strategy, a.size, a.digest = domain.StrategyMemory, int64(len(data)), digest.Sum()

	ctx, endTask := tracing.StartTask(ctx, a.op)
	defer endTask()

	res, err := s.engine.ClassifyBuffer(ctx, data)
	if err != nil {
		return s.fail(ctx, a, err)
	}
	return s.succeed(ctx, a, name, res)
}

// ClassifyPath classifies a file inside the sandbox.
func (s *Service) ClassifyPath(ctx context.Context, id domain.RequestID, filename, relPath string) (domain.Outcome, error) {
	a := begin("classify.path", id, filename)
	name, err := domain.NewFilename(filename)
	if err != nil {
		return s.fail(ctx, a, validation(a.op, err, "filename"))
	}
	rel, err := domain.NewRelativePath(relPath)
	if err != nil {
		return s.fail(ctx, a, validation(a.op, err, "path"))
	}
	resolved, err := s.resolver.Resolve(rel)
	if err != nil {
		return s.fail(ctx, a, err)
	}
	if !s.opts.FollowSymlinks && !confined(s.resolver, resolved) {
		return s.fail(ctx, a, escaped(a.op, rel))
	}

	ctx, endTask := tracing.StartTask(ctx, a.op)
	defer endTask()

	var f *os.File
	if s.opts.FollowSymlinks {
		f, err = os.Open(resolved)
	} else {
		f, err = s.resolver.Open(rel)
	}
	if err != nil {
		if !s.opts.FollowSymlinks && !s.resolver.Confined(resolved) {
			return s.fail(ctx, a, escaped(a.op, rel))
		}
		return s.fail(ctx, a, openError(a.op, rel, err))
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return s.fail(ctx, a, openError(a.op, rel, err))
	}
	if info.IsDir() {
		return s.fail(ctx, a, domain.Errorf(domain.KindValidation, a.op, domain.ErrInvalidPath, "%s is a directory", rel))
	}

	a.strategy, a.size = domain.StrategyPath, info.Size()
	res, err := s.classifyMapped(ctx, a.op, f, resolved)
	if err != nil {
		return s.fail(ctx, a, err)
	}
	return s.succeed(ctx, a, name, res)
}

// attempt carries what the log line and audit record of one call report.
type attempt struct {
	op       string
	id       domain.RequestID
	filename string
	strategy domain.Strategy
	size     int64
	digest   string
	start    time.Time
}

func begin(op string, id domain.RequestID, filename string) attempt {
	return attempt{op: op, id: id, filename: filename, start: time.Now()}
}

type ingested struct {
	buf   []byte
	spill *spill.File
	size  int64
}

func (in ingested) strategy() domain.Strategy {
	if in.spill != nil {
		return domain.StrategySpill
	}
	return domain.StrategyMemory
}

// ingest drains r chunk by chunk. The threshold is checked before each
// chunk is kept, so at most Threshold bytes are ever buffered. The returned
// spill file, if any, belongs to the caller even when err is set.
func (s *Service) ingest(ctx context.Context, op string, r io.Reader, digest *hasher.Digest) (ingested, error) {
	defer tracing.StartRegion(ctx, "ingest")()

	var in ingested
	chunk := make([]byte, s.opts.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return in, domain.Errorf(domain.KindDeadlineExceeded, op, err, "request ended while reading content")
		}
		n, rerr := r.Read(chunk)
		if n > 0 {
			digest.Write(chunk[:n])
			if in.spill == nil && int64(len(in.buf)+n) > s.opts.Threshold {
				f, err := s.startSpill(ctx, op, in.buf)
				if err != nil {
					return in, err
				}
				in.spill, in.buf = f, nil
			}
			if in.spill != nil {
				if _, err := in.spill.Write(chunk[:n]); err != nil {
					return in, domain.Wrap(domain.KindInternal, op, err)
				}
			} else {
				in.buf = append(in.buf, chunk[:n]...)
			}
			in.size += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return in, domain.Errorf(domain.KindInternal, op, rerr, "reading content")
		}
	}
	if in.spill != nil {
		if err := in.spill.Sync(); err != nil {
			return in, domain.Wrap(domain.KindInternal, op, err)
		}
	}
	return in, nil
}

// startSpill checks free space, then creates a spill file holding prefix.
// Nothing is created when space is short.
func (s *Service) startSpill(ctx context.Context, op string, prefix []byte) (*spill.File, error) {
	free, err := freeSpaceMB(ctx, s.store.Dir())
	if err != nil {
		return nil, domain.Errorf(domain.KindInternal, op, err, "checking free space")
	}
	if free < s.opts.MinFreeSpaceMB {
		return nil, domain.Errorf(domain.KindStorageExhausted, op, nil,
			"%d MB free in spill directory, %d MB required", free, s.opts.MinFreeSpaceMB)
	}
	f, err := s.store.Create()
	if err != nil {
		return nil, err
	}
	if len(prefix) > 0 {
		if _, err := f.Write(prefix); err != nil {
			f.Close()
			return nil, domain.Wrap(domain.KindInternal, op, err)
		}
	}
	logger.Debugf("Spilling content to %s", f.Path())
	return f, nil
}

func (s *Service) classifySpill(ctx context.Context, op string, f *spill.File) (engine.Result, error) {
	return s.classifyMapped(ctx, op, f.OSFile(), f.Path())
}

// classifyMapped maps f and classifies the mapping, falling back to a
// buffered read of path when mapping fails or the storage faults and the
// fallback is enabled.
func (s *Service) classifyMapped(ctx context.Context, op string, f *os.File, path string) (engine.Result, error) {
	defer tracing.StartRegion(ctx, "classify.mapped")()
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	m, err := openMapping(f)
	if err != nil {
		if !s.opts.MmapFallback {
			return engine.Result{}, domain.Errorf(domain.KindInternal, op, err, "memory mapping failed")
		}
		logger.Warnf("Memory mapping failed, falling back to buffered read: %v", err)
		return s.engine.ClassifyFile(ctx, path)
	}

	res, err := s.engine.ClassifyMapping(ctx, m)
	if errors.Is(err, mapping.ErrFault) {
		if !s.opts.MmapFallback {
			return engine.Result{}, domain.Errorf(domain.KindInternal, op, err, "storage fault during classification")
		}
		logger.Warnf("Storage fault while reading mapping, falling back to buffered read: %v", err)
		return s.engine.ClassifyFile(ctx, path)
	}
	return res, err
}

func (s *Service) succeed(ctx context.Context, a attempt, name domain.Filename, res engine.Result) (domain.Outcome, error) {
	mime, err := domain.ParseMimeType(res.MIME)
	if err != nil {
		return s.fail(ctx, a, domain.Errorf(domain.KindEngine, a.op, err, "engine returned %q", res.MIME))
	}
	out := domain.NewOutcome(domain.Request{ID: a.id, Filename: name}, mime, res.Description, res.Encoding, a.strategy)
	elapsed := time.Since(a.start)

	fields := map[string]any{
		"request_id":  a.id.String(),
		"filename":    name.String(),
		"strategy":    string(a.strategy),
		"bytes":       a.size,
		"mime_type":   mime.String(),
		"duration_ms": elapsed.Milliseconds(),
	}
	if a.digest != "" {
		fields["digest"] = a.digest
	}
	logger.WithFields(fields).Info("Classified content")

	s.opts.Recorder.Record(ctx, audit.Record{
		Type:        audit.TypeClassification,
		Time:        out.AnalyzedAt,
		RequestID:   a.id.String(),
		Filename:    name.String(),
		MimeType:    mime.String(),
		Description: out.Description,
		Encoding:    out.Encoding,
		Strategy:    string(a.strategy),
		Bytes:       a.size,
		Digest:      a.digest,
		DurationMS:  elapsed.Milliseconds(),
	})
	return out, nil
}

func (s *Service) fail(ctx context.Context, a attempt, err error) (domain.Outcome, error) {
	err = domain.WithRequestID(err, a.id)
	kind := domain.KindOf(err)
	elapsed := time.Since(a.start)

	entry := logger.WithFields(map[string]any{
		"request_id":  a.id.String(),
		"op":          a.op,
		"error_kind":  kind.String(),
		"duration_ms": elapsed.Milliseconds(),
	})
	if a.strategy != "" {
		entry = entry.WithField("strategy", string(a.strategy))
	}
	switch kind {
	case domain.KindInternal, domain.KindEngine, domain.KindRetriesExceeded:
		entry.Errorf("Classification failed: %v", err)
	default:
		entry.Warnf("Classification rejected: %v", err)
	}

	s.opts.Recorder.Record(ctx, audit.Record{
		Type:       audit.TypeFailure,
		Time:       time.Now().UTC(),
		RequestID:  a.id.String(),
		Filename:   a.filename,
		Strategy:   string(a.strategy),
		Bytes:      a.size,
		Digest:     a.digest,
		DurationMS: elapsed.Milliseconds(),
		ErrorKind:  kind.String(),
		Error:      err.Error(),
	})
	return domain.Outcome{}, err
}

func validation(op string, err error, field string) error {
	return domain.Errorf(domain.KindValidation, op, err, "invalid %s", field)
}

func escaped(op string, rel domain.RelativePath) error {
	return domain.Errorf(domain.KindPermissionDenied, op, nil, "%s resolves outside the sandbox", rel)
}

func openError(op string, rel domain.RelativePath, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return domain.Errorf(domain.KindNotFound, op, err, "%s not found", rel)
	case errors.Is(err, fs.ErrPermission):
		return domain.Errorf(domain.KindPermissionDenied, op, err, "%s is not readable", rel)
	default:
		return domain.Errorf(domain.KindInternal, op, fmt.Errorf("open %s: %w", rel, err), "opening file")
	}
}
