package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"magicer/audit"
	"magicer/classifier"
	"magicer/config"
	"magicer/diag"
	"magicer/engine"
	"magicer/logger"
	"magicer/sandbox"
	"magicer/server"
	"magicer/spill"
	"magicer/systeminfo"
	"magicer/tracing"
	"magicer/version"

	"github.com/gin-gonic/gin"
)

func main() {
	// Initialize configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.LogLevel)
	logger.SetFormat(cfg.LogFormat)

	if err := tracing.Start(cfg.TraceFile); err != nil {
		logger.Warnf("Failed to start trace: %v", err)
	} else {
		defer tracing.Stop()
	}

	if cfg.TraceFlight {
		if err := tracing.StartFlightRecorder(cfg.TraceFlightMaxBytes, cfg.TraceFlightMinAge); err != nil {
			logger.Warnf("Failed to start flight recorder: %v", err)
		} else {
			defer tracing.StopFlightRecorder()
		}
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx, cfg); err != nil {
		logger.Errorf("magicer stopped: %v", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete.")
}

func run(ctx context.Context, cfg *config.Config) error {
	eng, db, err := engine.Open(cfg.MagicDatabasePath, cfg.EngineScanLimit)
	if err != nil {
		return fmt.Errorf("loading signature database: %w", err)
	}
	logger.Infof("Loaded signature database %s (%d rules, fingerprint %s)", db.Source(), db.Rules(), db.Fingerprint())

	adapter := engine.NewAdapter(eng, engine.AdapterOptions{
		Workers: cfg.EngineWorkers,
		Timeout: cfg.AnalysisTimeout,
	})
	defer adapter.Close()

	resolver, err := sandbox.NewResolver(cfg.SandboxDir)
	if err != nil {
		return err
	}
	store, err := spill.NewStore(cfg.TempDir, cfg.WriteBufferSizeKB*1024)
	if err != nil {
		return err
	}
	sweepSpill(store, cfg.TempFileMaxAge)
	go runJanitor(ctx, store, cfg.TempFileMaxAge)

	trail, err := audit.Open(audit.Options{
		Path:        cfg.AuditFile,
		Format:      cfg.AuditFormat,
		MaxFileSize: cfg.AuditMaxFileSize,
		Otel: audit.OtelOptions{
			Endpoint:        cfg.OtelEndpoint,
			FromEnv:         cfg.OtelFromEnv,
			Headers:         cfg.OtelHeaders,
			ServiceName:     cfg.OtelServiceName,
			Version:         version.Version,
			Timeout:         cfg.OtelTimeout,
			ExportFilenames: cfg.OtelExportFilenames,
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := trail.Close(); err != nil {
			logger.Warnf("Failed to close audit trail: %v", err)
		}
		s := trail.Summary()
		logger.Infof("Served %d classifications, %d failures", s.Classified, s.Failed)
	}()

	svc := classifier.New(adapter, resolver, store, classifier.Options{
		Threshold:      cfg.ThresholdBytes(),
		MinFreeSpaceMB: cfg.MinFreeSpaceMB,
		ChunkSize:      cfg.ReadChunkSizeKB * 1024,
		MmapFallback:   cfg.MmapFallbackEnabled,
		FollowSymlinks: cfg.SandboxFollowSymlinks,
		Digest:         cfg.ContentDigest,
		Timeout:        cfg.AnalysisTimeout,
		Recorder:       trail,
	})

	watchdog := diag.NewController(diagOptions(cfg, adapter))
	watchdog.Start(ctx)
	defer watchdog.Close()

	hostname := ""
	if info, err := systeminfo.Host(ctx); err == nil {
		hostname = info.Hostname
	} else {
		logger.Warnf("Failed to read host information: %v", err)
	}

	if !logger.IsDebug() {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(svc, server.Options{
		AuthUsername:      cfg.AuthUsername,
		AuthPassword:      cfg.AuthPassword,
		MaxBodyBytes:      cfg.MaxBodyBytes(),
		MaxConnections:    cfg.MaxConnections,
		RequestsPerSecond: cfg.MaxRequestsPerSecond,
		SignatureDB:       db.Fingerprint(),
		Hostname:          hostname,
	})

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Addr(), err)
	}
	httpServer := &http.Server{
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	logger.Infof("magicer %s listening on %s", version.Version, ln.Addr())
	return serve(ctx, httpServer, ln, cfg.ShutdownTimeout)
}

// serve runs srv until ctx is cancelled, then drains in-flight requests for
// at most grace.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func diagOptions(cfg *config.Config, adapter *engine.Adapter) diag.Options {
	opts := diag.Options{
		StallThreshold: cfg.DiagStallThreshold,
		Dir:            cfg.DiagDir,
		CompletedFn:    adapter.Completed,
		PendingFn:      adapter.InFlight,
		SnapshotFn: func() any {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return map[string]any{
				"process":          systeminfo.Self(ctx),
				"abandoned_calls":  adapter.Abandoned(),
				"engine_workers":   cfg.EngineWorkers,
				"analysis_timeout": cfg.AnalysisTimeout.String(),
			}
		},
	}
	if cfg.TraceFlight {
		opts.DumpFlightRecorder = tracing.WriteFlightRecorder
	}
	return opts
}

func sweepSpill(store *spill.Store, maxAge time.Duration) {
	removed, err := store.Sweep(maxAge)
	if err != nil {
		logger.Warnf("Spill directory sweep failed: %v", err)
	}
	if removed > 0 {
		logger.Infof("Removed %d stale spill files from %s", removed, filepath.Clean(store.Dir()))
	}
}

// runJanitor sweeps stale spill files every maxAge/2 until ctx ends.
func runJanitor(ctx context.Context, store *spill.Store, maxAge time.Duration) {
	interval := maxAge / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepSpill(store, maxAge)
		}
	}
}

func handleSignals(cancelFunc context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	handleSignalEvent(cancelFunc, sigChan)
}

func handleSignalEvent(cancelFunc context.CancelFunc, sigChan <-chan os.Signal) {
	sig := <-sigChan
	logger.Infof("Signal %s received. Shutting down...", sig)
	cancelFunc()
}
