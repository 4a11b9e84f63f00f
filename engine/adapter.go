package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"magicer/domain"
	"magicer/logger"
	"magicer/mapping"
)

// AdapterOptions tunes the worker pool in front of the engine.
type AdapterOptions struct {
	// Workers is the number of goroutines taking jobs off the queue. The
	// engine itself runs one call at a time regardless.
	Workers int
	// Timeout bounds each call in addition to the caller's context.
	Timeout time.Duration
}

type jobResult struct {
	res Result
	err error
}

type job struct {
	ctx     context.Context
	op      string
	run     func(Engine) (Result, error)
	release func()
	done    chan jobResult
}

// Adapter owns one engine and serializes every call into it through a mutex.
// Calls run on dedicated worker goroutines so a slow classification only
// costs the caller its deadline.
type Adapter struct {
	engine  Engine
	timeout time.Duration

	mu   sync.Mutex
	jobs chan *job
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	pending   atomic.Int64
	inflight  atomic.Int64
	completed atomic.Int64
	abandoned atomic.Int64
}

func NewAdapter(e Engine, opts AdapterOptions) *Adapter {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	a := &Adapter{
		engine:  e,
		timeout: opts.Timeout,
		jobs:    make(chan *job),
		quit:    make(chan struct{}),
	}
	for range workers {
		a.wg.Add(1)
		go a.worker()
	}
	return a
}

// ClassifyBuffer classifies b. b must not be modified until the call
// returns; after a deadline it may still be read by an abandoned job.
func (a *Adapter) ClassifyBuffer(ctx context.Context, b []byte) (Result, error) {
	return a.do(ctx, "classify buffer", func(e Engine) (Result, error) {
		return e.Buffer(b)
	}, nil)
}

// ClassifyFile lets the engine read path itself.
func (a *Adapter) ClassifyFile(ctx context.Context, path string) (Result, error) {
	return a.do(ctx, "classify file", func(e Engine) (Result, error) {
		return e.File(path)
	}, nil)
}

// ClassifyMapping classifies the mapped bytes and takes ownership of m: it
// is closed once no worker can touch it, which may be after a deadline has
// already been reported to the caller. A storage fault surfaces as an error
// wrapping mapping.ErrFault.
func (a *Adapter) ClassifyMapping(ctx context.Context, m *mapping.Mapping) (Result, error) {
	release := func() {
		if err := m.Close(); err != nil {
			logger.Warnf("release mapping %s: %v", m.Name(), err)
		}
	}
	return a.do(ctx, "classify mapping", func(e Engine) (Result, error) {
		var res Result
		err := m.Read(func(b []byte) error {
			var err error
			res, err = e.Buffer(b)
			return err
		})
		return res, err
	}, release)
}

func (a *Adapter) do(ctx context.Context, op string, run func(Engine) (Result, error), release func()) (Result, error) {
	a.pending.Add(1)
	defer a.pending.Add(-1)

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	j := &job{ctx: ctx, op: op, run: run, release: release, done: make(chan jobResult, 1)}
	a.inflight.Add(1)
	select {
	case a.jobs <- j:
	case <-ctx.Done():
		a.inflight.Add(-1)
		if release != nil {
			release()
		}
		return Result{}, deadlineError(op, ctx.Err())
	case <-a.quit:
		a.inflight.Add(-1)
		if release != nil {
			release()
		}
		return Result{}, domain.Errorf(domain.KindEngine, op, ErrClosed, "engine is shut down")
	}

	select {
	case r := <-j.done:
		return r.res, r.err
	case <-ctx.Done():
		a.abandoned.Add(1)
		return Result{}, deadlineError(op, ctx.Err())
	}
}

func (a *Adapter) worker() {
	defer a.wg.Done()
	for {
		select {
		case j := <-a.jobs:
			a.execute(j)
		case <-a.quit:
			return
		}
	}
}

func (a *Adapter) execute(j *job) {
	defer a.inflight.Add(-1)
	if j.release != nil {
		defer j.release()
	}
	// Work whose caller already gave up is skipped rather than run.
	if err := j.ctx.Err(); err != nil {
		j.done <- jobResult{err: deadlineError(j.op, err)}
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := j.ctx.Err(); err != nil {
		j.done <- jobResult{err: deadlineError(j.op, err)}
		return
	}

	res, err := a.invoke(j)
	a.completed.Add(1)
	j.done <- jobResult{res: res, err: err}
}

func (a *Adapter) invoke(j *job) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("engine panic during %s: %v\n%s", j.op, r, debug.Stack())
			err = domain.Errorf(domain.KindEngine, j.op, nil, "engine panicked: %v", r)
		}
	}()
	res, err = j.run(a.engine)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, mapping.ErrFault) {
		return Result{}, err
	}
	return Result{}, domain.Wrap(domain.KindEngine, j.op, err)
}

// Pending is the number of calls queued or running.
func (a *Adapter) Pending() int64 { return a.pending.Load() }

// InFlight is the number of jobs handed to a worker and not yet finished,
// including calls whose caller stopped waiting.
func (a *Adapter) InFlight() int64 { return a.inflight.Load() }

// Completed is the number of engine calls that ran to completion.
func (a *Adapter) Completed() int64 { return a.completed.Load() }

// Abandoned is the number of calls whose caller stopped waiting.
func (a *Adapter) Abandoned() int64 { return a.abandoned.Load() }

// Close stops the workers and closes the engine once the running call, if
// any, returns.
func (a *Adapter) Close() error {
	var err error
	a.once.Do(func() {
		close(a.quit)
		a.wg.Wait()
		a.mu.Lock()
		defer a.mu.Unlock()
		err = a.engine.Close()
	})
	return err
}

func deadlineError(op string, cause error) error {
	if errors.Is(cause, context.Canceled) {
		return domain.Errorf(domain.KindDeadlineExceeded, op, cause, "request cancelled before classification finished")
	}
	return domain.Errorf(domain.KindDeadlineExceeded, op, cause, "classification did not finish before the deadline")
}

func (r Result) String() string {
	if r.Encoding == "" {
		return fmt.Sprintf("%s (%s)", r.MIME, r.Description)
	}
	return fmt.Sprintf("%s; charset=%s (%s)", r.MIME, r.Encoding, r.Description)
}
