// Package diag watches the classification engine for stalls and dumps
// diagnostics when calls are queued but none completes.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"magicer/logger"
)

type profileWriter interface {
	WriteTo(w io.Writer, debug int) error
}

type Options struct {
	StallThreshold time.Duration
	Dir            string
	// CompletedFn counts finished engine calls; PendingFn counts queued or
	// running ones. A stall needs pending work and a completed count that
	// has not moved for StallThreshold.
	CompletedFn        func() int64
	PendingFn          func() int64
	SnapshotFn         func() any
	DumpFlightRecorder func(path string) error
	NowFn              func() time.Time
	ProfileLookupFn    func(name string) profileWriter
}

type Controller struct {
	opts Options

	mu             sync.Mutex
	lastProgressAt time.Time
	lastCompleted  int64
	lastDumpAt     time.Time
	dumps          int

	stopCh chan struct{}
	doneCh chan struct{}
}

func lookupProfile(name string) profileWriter {
	if p := pprof.Lookup(name); p != nil {
		return p
	}
	return nil
}

func NewController(opts Options) *Controller {
	if opts.NowFn == nil {
		opts.NowFn = time.Now
	}
	if opts.ProfileLookupFn == nil {
		opts.ProfileLookupFn = lookupProfile
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	return &Controller{opts: opts}
}

// artifact names a dump file for the stall observed at now.
func (c *Controller) artifact(now time.Time, kind, ext string) string {
	return filepath.Join(c.opts.Dir, "magicer-"+kind+"-"+now.UTC().Format("20060102-150405.000")+ext)
}

// Start runs the watchdog until ctx ends or Close is called. It does
// nothing without a threshold or counters.
func (c *Controller) Start(ctx context.Context) {
	if c == nil || c.opts.StallThreshold <= 0 || c.opts.CompletedFn == nil || c.opts.PendingFn == nil {
		return
	}
	if c.stopCh != nil {
		return
	}

	c.mu.Lock()
	c.lastCompleted = c.opts.CompletedFn()
	c.lastProgressAt = c.opts.NowFn()
	c.lastDumpAt = time.Time{}
	c.mu.Unlock()

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	// Probe at half the threshold, between 250ms and 2s.
	interval := min(max(c.opts.StallThreshold/2, 250*time.Millisecond), 2*time.Second)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(c.doneCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.runProbe(c.opts.NowFn())
			}
		}
	}()
}

func (c *Controller) Close() {
	if c == nil || c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
	c.stopCh = nil
	c.doneCh = nil
}

// Dumps is the number of stall dumps written so far.
func (c *Controller) Dumps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dumps
}

func (c *Controller) runProbe(now time.Time) {
	completed := c.opts.CompletedFn()
	pending := c.opts.PendingFn()

	c.mu.Lock()
	// An idle engine is not stalled.
	if completed != c.lastCompleted || pending == 0 {
		c.lastCompleted = completed
		c.lastProgressAt = now
		c.mu.Unlock()
		return
	}
	stalledFor := now.Sub(c.lastProgressAt)
	threshold := c.opts.StallThreshold
	shouldDump := stalledFor >= threshold &&
		(c.lastDumpAt.IsZero() || now.Sub(c.lastDumpAt) >= threshold)
	if shouldDump {
		c.lastDumpAt = now
		c.dumps++
	}
	c.mu.Unlock()

	if shouldDump {
		logger.Warnf("Engine stalled for %s with %d pending calls", stalledFor.Round(time.Millisecond), pending)
		if err := c.dumpStallArtifacts(now, completed, pending, stalledFor); err != nil {
			logger.Warnf("Diagnostics stall dump failed: %v", err)
		}
	}
}

func (c *Controller) dumpStallArtifacts(now time.Time, completed, pending int64, stalledFor time.Duration) error {
	if err := os.MkdirAll(c.opts.Dir, 0700); err != nil {
		return err
	}
	event := map[string]any{
		"event":               "engine_stall_threshold_exceeded",
		"timestamp":           now.UTC().Format(time.RFC3339Nano),
		"completed_calls":     completed,
		"pending_calls":       pending,
		"threshold_ms":        c.opts.StallThreshold.Milliseconds(),
		"observed_stalled_ms": stalledFor.Milliseconds(),
	}
	if c.opts.SnapshotFn != nil {
		event["process"] = c.opts.SnapshotFn()
	}
	b, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.artifact(now, "engine-stall", ".json"), b, 0600); err != nil {
		return err
	}

	if _, err := c.writeProfile(now, "goroutine", 2); err != nil {
		logger.Warnf("Diagnostics goroutine profile dump failed: %v", err)
	}
	if c.opts.DumpFlightRecorder != nil {
		if err := c.opts.DumpFlightRecorder(c.artifact(now, "flight", ".out")); err != nil {
			logger.Warnf("Diagnostics flight recorder dump failed: %v", err)
		}
	}
	return nil
}

func (c *Controller) writeProfile(now time.Time, name string, debug int) (string, error) {
	profile := c.opts.ProfileLookupFn(name)
	if profile == nil {
		return "", fmt.Errorf("pprof profile %q unavailable", name)
	}
	path := c.artifact(now, name+"-profile", ".pprof")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := profile.WriteTo(f, debug); err != nil {
		return "", err
	}
	return path, nil
}
