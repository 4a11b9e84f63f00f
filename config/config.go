package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"magicer/hasher"
	"magicer/version"
)

const envPrefix = "MAGICER_"

// Largest sizes whose byte counts still fit the integer types they become.
const (
	maxSizeMB = math.MaxInt64 >> 20
	maxSizeKB = math.MaxInt >> 10
)

type Config struct {
	Host                    string            `json:"host"`
	Port                    int               `json:"port"`
	ReadTimeout             time.Duration     `json:"read_timeout"`
	WriteTimeout            time.Duration     `json:"write_timeout"`
	IdleTimeout             time.Duration     `json:"idle_timeout"`
	ShutdownTimeout         time.Duration     `json:"shutdown_timeout"`
	AnalysisTimeout         time.Duration     `json:"analysis_timeout"`
	MaxBodySizeMB           int64             `json:"max_body_size_mb"`
	MaxConnections          int               `json:"max_connections"`
	MaxRequestsPerSecond    float64           `json:"max_requests_per_second"`
	LargeFileThresholdMB    int64             `json:"large_file_threshold_mb"`
	LargeFileThresholdBytes int64             `json:"large_file_threshold_bytes"`
	WriteBufferSizeKB       int               `json:"write_buffer_size_kb"`
	ReadChunkSizeKB         int               `json:"read_chunk_size_kb"`
	TempDir                 string            `json:"temp_dir"`
	MinFreeSpaceMB          uint64            `json:"min_free_space_mb"`
	TempFileMaxAge          time.Duration     `json:"temp_file_max_age"`
	MmapFallbackEnabled     bool              `json:"mmap_fallback_enabled"`
	SandboxDir              string            `json:"sandbox_dir"`
	SandboxFollowSymlinks   bool              `json:"sandbox_follow_symlinks"`
	AuthUsername            string            `json:"auth_username"`
	AuthPassword            string            `json:"auth_password"`
	MagicDatabasePath       string            `json:"magic_database_path"`
	EngineWorkers           int               `json:"engine_workers"`
	EngineScanLimit         int               `json:"engine_scan_limit"`
	ContentDigest           string            `json:"content_digest"`
	LogLevel                string            `json:"log_level"`
	LogFormat               string            `json:"log_format"`
	AuditFile               string            `json:"audit_file"`
	AuditFormat             string            `json:"audit_format"`
	AuditMaxFileSize        int64             `json:"audit_max_file_size"`
	OtelEndpoint            string            `json:"otel_endpoint"`
	OtelFromEnv             bool              `json:"otel_from_env"`
	OtelHeaders             map[string]string `json:"otel_headers"`
	OtelServiceName         string            `json:"otel_service_name"`
	OtelTimeout             time.Duration     `json:"otel_timeout"`
	OtelExportFilenames     bool              `json:"otel_export_filenames"`
	DiagStallThreshold      time.Duration     `json:"diag_stall_threshold"`
	DiagDir                 string            `json:"diag_dir"`
	TraceFile               string            `json:"trace_file"`
	TraceFlight             bool              `json:"trace_flight"`
	TraceFlightMaxBytes     uint64            `json:"trace_flight_max_bytes"`
	TraceFlightMinAge       time.Duration     `json:"trace_flight_min_age"`
	ConfigFile              string            `json:"-"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Host:                    "127.0.0.1",
		Port:                    8080,
		ReadTimeout:             60 * time.Second,
		WriteTimeout:            60 * time.Second,
		IdleTimeout:             75 * time.Second,
		ShutdownTimeout:         15 * time.Second,
		AnalysisTimeout:         30 * time.Second,
		MaxBodySizeMB:           100,
		MaxConnections:          1000,
		MaxRequestsPerSecond:    0,
		LargeFileThresholdMB:    10,
		LargeFileThresholdBytes: -1,
		WriteBufferSizeKB:       64,
		ReadChunkSizeKB:         64,
		TempDir:                 "/tmp/magicer",
		MinFreeSpaceMB:          1024,
		TempFileMaxAge:          time.Hour,
		MmapFallbackEnabled:     true,
		SandboxDir:              "/tmp/magicer/files",
		EngineWorkers:           2,
		EngineScanLimit:         1 << 20,
		ContentDigest:           "sha256",
		LogLevel:                "info",
		LogFormat:               "json",
		AuditFormat:             "json",
		AuditMaxFileSize:        100 * 1024 * 1024,
		OtelHeaders:             map[string]string{},
		OtelServiceName:         "magicer",
		OtelTimeout:             5 * time.Second,
		DiagDir:                 ".",
		TraceFile:               "trace.out",
	}
}

// LoadConfig reads the process arguments and environment.
func LoadConfig() (*Config, error) {
	return Load(os.Args[1:], os.Getenv)
}

// Load builds a configuration from defaults, then the JSON file named by
// --config or MAGICER_CONFIG_PATH, then MAGICER_* variables, then flags given
// on the command line. The result is validated and its directories created.
func Load(args []string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("magicer", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFile := fs.String("config", "", "Path to JSON configuration file (default: none).")
	showVersion := fs.Bool("version", false, "Print version and exit.")
	cfg.bindFlags(fs)
	fs.Usage = func() { displayHelp(fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs.Usage()
		}
		return nil, err
	}
	if *showVersion {
		fmt.Printf("magicer version %s\n", version.Version)
		os.Exit(0)
	}

	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	path := *configFile
	if path == "" {
		path = getenv(envPrefix + "CONFIG_PATH")
	}
	if path != "" {
		cfg.ConfigFile = path
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if f.Name == "config" || f.Name == "version" {
			return
		}
		if _, ok := explicit[f.Name]; ok {
			return
		}
		key := envKey(f.Name)
		if v, ok := lookup(getenv, key); ok {
			if err := fs.Set(f.Name, v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	})
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return nil, fmt.Errorf("flag --%s: %w", name, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := cfg.ensureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Listen address.")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Listen port.")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "HTTP read timeout.")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "HTTP write timeout.")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "HTTP keep-alive idle timeout.")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Grace period for in-flight requests on shutdown.")
	fs.DurationVar(&cfg.AnalysisTimeout, "analysis-timeout", cfg.AnalysisTimeout, "Deadline for a single classification call.")
	fs.Int64Var(&cfg.MaxBodySizeMB, "max-body-size-mb", cfg.MaxBodySizeMB, "Largest accepted request body in MB.")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "Concurrent requests served before answering 503.")
	fs.Float64Var(&cfg.MaxRequestsPerSecond, "max-requests-per-second", cfg.MaxRequestsPerSecond, "Request rate limit (0 disables).")
	fs.Int64Var(&cfg.LargeFileThresholdMB, "large-file-threshold-mb", cfg.LargeFileThresholdMB, "Content above this size in MB is spilled to disk.")
	fs.Int64Var(&cfg.LargeFileThresholdBytes, "large-file-threshold-bytes", cfg.LargeFileThresholdBytes, "Spill threshold in bytes; overrides the MB value when zero or positive.")
	fs.IntVar(&cfg.WriteBufferSizeKB, "write-buffer-size-kb", cfg.WriteBufferSizeKB, "Spill file write buffer in KB.")
	fs.IntVar(&cfg.ReadChunkSizeKB, "read-chunk-size-kb", cfg.ReadChunkSizeKB, "Request body read chunk in KB.")
	fs.StringVar(&cfg.TempDir, "temp-dir", cfg.TempDir, "Directory for spill files.")
	fs.Uint64Var(&cfg.MinFreeSpaceMB, "min-free-space-mb", cfg.MinFreeSpaceMB, "Free space required in temp-dir before spilling, in MB.")
	fs.DurationVar(&cfg.TempFileMaxAge, "temp-file-max-age", cfg.TempFileMaxAge, "Age after which orphaned spill files are removed.")
	fs.BoolVar(&cfg.MmapFallbackEnabled, "mmap-fallback-enabled", cfg.MmapFallbackEnabled, "Fall back to buffered reads when memory mapping fails.")
	fs.StringVar(&cfg.SandboxDir, "sandbox-dir", cfg.SandboxDir, "Root directory for path-based classification.")
	fs.BoolVar(&cfg.SandboxFollowSymlinks, "sandbox-follow-symlinks", cfg.SandboxFollowSymlinks, "Allow symlinks that lead outside the sandbox.")
	fs.StringVar(&cfg.AuthUsername, "auth-username", cfg.AuthUsername, "Basic auth user (empty disables auth).")
	fs.StringVar(&cfg.AuthPassword, "auth-password", cfg.AuthPassword, "Basic auth password.")
	fs.StringVar(&cfg.MagicDatabasePath, "magic-database-path", cfg.MagicDatabasePath, "Signature database file (empty uses the built-in one).")
	fs.IntVar(&cfg.EngineWorkers, "engine-workers", cfg.EngineWorkers, "Worker goroutines feeding the engine.")
	fs.IntVar(&cfg.EngineScanLimit, "engine-scan-limit", cfg.EngineScanLimit, "Bytes of each input inspected by the engine.")
	fs.StringVar(&cfg.ContentDigest, "content-digest", cfg.ContentDigest, "Digest recorded for submitted content: sha256, blake3, or empty to disable.")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error, fatal, or panic.")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: json or text.")
	fs.StringVar(&cfg.AuditFile, "audit-file", cfg.AuditFile, "Audit trail file (empty disables the file).")
	fs.StringVar(&cfg.AuditFormat, "audit-format", cfg.AuditFormat, "Audit file format: json or csv.")
	fs.Int64Var(&cfg.AuditMaxFileSize, "audit-max-file-size", cfg.AuditMaxFileSize, "Audit file size in bytes before rotation (0 disables).")
	fs.StringVar(&cfg.OtelEndpoint, "otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint for audit records.")
	fs.BoolVar(&cfg.OtelFromEnv, "otel-from-env", cfg.OtelFromEnv, "Fall back to OTEL_EXPORTER_OTLP_* variables for the endpoint.")
	fs.Var((*headersValue)(&cfg.OtelHeaders), "otel-headers", "Comma-separated OTEL headers (key=value).")
	fs.StringVar(&cfg.OtelServiceName, "otel-service-name", cfg.OtelServiceName, "OTEL service name.")
	fs.DurationVar(&cfg.OtelTimeout, "otel-timeout", cfg.OtelTimeout, "OTEL export timeout.")
	fs.BoolVar(&cfg.OtelExportFilenames, "otel-export-filenames", cfg.OtelExportFilenames, "Include client filenames in OTEL records.")
	fs.DurationVar(&cfg.DiagStallThreshold, "diag-stall-threshold", cfg.DiagStallThreshold, "Dump diagnostics when the engine makes no progress for this long (0 disables).")
	fs.StringVar(&cfg.DiagDir, "diag-dir", cfg.DiagDir, "Diagnostics output directory.")
	fs.StringVar(&cfg.TraceFile, "trace-file", cfg.TraceFile, "Runtime trace output when built with the trace tag.")
	fs.BoolVar(&cfg.TraceFlight, "trace-flight", cfg.TraceFlight, "Keep a flight recorder trace for stall dumps.")
	fs.Uint64Var(&cfg.TraceFlightMaxBytes, "trace-flight-max-bytes", cfg.TraceFlightMaxBytes, "Flight recorder buffer size (0 for runtime default).")
	fs.DurationVar(&cfg.TraceFlightMinAge, "trace-flight-min-age", cfg.TraceFlightMinAge, "Minimum age of retained flight recorder events.")
}

func displayHelp(fs *flag.FlagSet) {
	fmt.Println("magicer - content type detection service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  magicer [options]")
	fmt.Println()
	fmt.Println("Every option can also be set as MAGICER_<OPTION> (e.g. MAGICER_LOG_LEVEL).")
	fmt.Println()
	fmt.Println("Options:")
	fs.SetOutput(os.Stdout)
	fs.PrintDefaults()
	fs.SetOutput(io.Discard)
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid config file format: %w", err)
	}
	return nil
}

func (cfg *Config) validate() error {
	if strings.TrimSpace(cfg.DiagDir) == "" {
		cfg.DiagDir = "."
	}
	if strings.TrimSpace(cfg.AuditFormat) == "" {
		cfg.AuditFormat = "json"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if strings.TrimSpace(cfg.Host) == "" {
		return fmt.Errorf("host must not be empty")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	for name, d := range map[string]time.Duration{
		"read-timeout":      cfg.ReadTimeout,
		"write-timeout":     cfg.WriteTimeout,
		"idle-timeout":      cfg.IdleTimeout,
		"shutdown-timeout":  cfg.ShutdownTimeout,
		"analysis-timeout":  cfg.AnalysisTimeout,
		"temp-file-max-age": cfg.TempFileMaxAge,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.MaxBodySizeMB <= 0 || cfg.MaxBodySizeMB > maxSizeMB {
		return fmt.Errorf("max-body-size-mb must be between 1 and %d", int64(maxSizeMB))
	}
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("max-connections must be positive")
	}
	if cfg.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("max-requests-per-second must be zero or positive")
	}
	if cfg.LargeFileThresholdMB < 0 || cfg.LargeFileThresholdMB > maxSizeMB {
		return fmt.Errorf("large-file-threshold-mb must be between 0 and %d", int64(maxSizeMB))
	}
	if cfg.WriteBufferSizeKB <= 0 || cfg.ReadChunkSizeKB <= 0 ||
		cfg.WriteBufferSizeKB > maxSizeKB || cfg.ReadChunkSizeKB > maxSizeKB {
		return fmt.Errorf("write-buffer-size-kb and read-chunk-size-kb must be between 1 and %d", maxSizeKB)
	}
	if strings.TrimSpace(cfg.TempDir) == "" {
		return fmt.Errorf("temp-dir must not be empty")
	}
	if strings.TrimSpace(cfg.SandboxDir) == "" {
		return fmt.Errorf("sandbox-dir must not be empty")
	}
	if (cfg.AuthUsername == "") != (cfg.AuthPassword == "") {
		return fmt.Errorf("auth-username and auth-password must be set together")
	}
	if cfg.EngineWorkers < 1 {
		return fmt.Errorf("engine-workers must be at least 1")
	}
	if cfg.EngineScanLimit <= 0 {
		return fmt.Errorf("engine-scan-limit must be positive")
	}
	if _, err := hasher.New(cfg.ContentDigest); err != nil {
		return err
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error", "fatal", "panic"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.AuditFormat != "json" && cfg.AuditFormat != "csv" {
		return fmt.Errorf("invalid audit format: %s", cfg.AuditFormat)
	}
	if cfg.AuditMaxFileSize < 0 {
		return fmt.Errorf("audit-max-file-size must be zero or positive")
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	if cfg.OtelEndpoint != "" {
		if !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
			return fmt.Errorf("otel-endpoint must include scheme (http or https)")
		}
	}
	if cfg.DiagStallThreshold < 0 {
		return fmt.Errorf("diag-stall-threshold must be zero or positive")
	}
	if cfg.TraceFlightMinAge < 0 {
		return fmt.Errorf("trace-flight-min-age must be zero or positive")
	}
	return nil
}

func (cfg *Config) ensureDirs() error {
	for _, dir := range []string{cfg.TempDir, cfg.SandboxDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// Addr is the listen address.
func (cfg *Config) Addr() string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

// ThresholdBytes is the in-memory limit for submitted content.
func (cfg *Config) ThresholdBytes() int64 {
	if cfg.LargeFileThresholdBytes >= 0 {
		return cfg.LargeFileThresholdBytes
	}
	return cfg.LargeFileThresholdMB * 1024 * 1024
}

func (cfg *Config) MaxBodyBytes() int64 {
	return cfg.MaxBodySizeMB * 1024 * 1024
}

func (cfg *Config) AuthEnabled() bool {
	return cfg.AuthUsername != "" && cfg.AuthPassword != ""
}

func envKey(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func lookup(getenv func(string) string, key string) (string, bool) {
	v := getenv(key)
	return v, v != ""
}

// headersValue parses "k=v,k2=v2" into a map.
type headersValue map[string]string

func (h *headersValue) String() string {
	if h == nil || len(*h) == 0 {
		return ""
	}
	keys := make([]string, 0, len(*h))
	for k := range *h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+(*h)[k])
	}
	return strings.Join(parts, ",")
}

func (h *headersValue) Set(input string) error {
	*h = parseHeaders(input)
	return nil
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	items := strings.Split(input, ",")
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}
