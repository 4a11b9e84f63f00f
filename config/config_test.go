package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func env(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func baseArgs(t *testing.T) []string {
	dir := t.TempDir()
	return []string{
		"--temp-dir", filepath.Join(dir, "spill"),
		"--sandbox-dir", filepath.Join(dir, "files"),
	}
}

func TestParseHeaders(t *testing.T) {
	res := parseHeaders("a=1, b = 2 ,bad,=x,")
	if len(res) != 2 || res["a"] != "1" || res["b"] != "2" {
		t.Fatalf("unexpected result: %v", res)
	}
	if res := parseHeaders(""); len(res) != 0 {
		t.Fatalf("expected empty map")
	}
}

func TestHeadersValueRoundTrip(t *testing.T) {
	h := headersValue{}
	if err := h.Set("z=2,a=1"); err != nil {
		t.Fatal(err)
	}
	if got := h.String(); got != "a=1,z=2" {
		t.Fatalf("String = %q", got)
	}
}

func TestLoadDefaultsCreatesDirectories(t *testing.T) {
	args := baseArgs(t)
	cfg, err := Load(args, env(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 || cfg.AnalysisTimeout != 30*time.Second || !cfg.MmapFallbackEnabled {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ThresholdBytes() != 10*1024*1024 {
		t.Fatalf("ThresholdBytes = %d", cfg.ThresholdBytes())
	}
	if cfg.MaxBodyBytes() != 100*1024*1024 {
		t.Fatalf("MaxBodyBytes = %d", cfg.MaxBodyBytes())
	}
	for _, dir := range []string{cfg.TempDir, cfg.SandboxDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("directory %s not created: %v", dir, err)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Fatalf("directory %s mode %o", dir, perm)
		}
	}
	if cfg.AuthEnabled() {
		t.Fatal("auth should be disabled by default")
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "magicer.json")
	content := `{"port": 9000, "log_level": "warn", "engine_workers": 3, "otel_headers": {"x": "1"}}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	args := append(baseArgs(t), "--config", path, "--log-level", "debug")
	cfg, err := Load(args, env(map[string]string{
		"MAGICER_PORT":             "9100",
		"MAGICER_LOG_LEVEL":        "error",
		"MAGICER_ANALYSIS_TIMEOUT": "5s",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("env should override file, port = %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("flag should override env, log level = %s", cfg.LogLevel)
	}
	if cfg.EngineWorkers != 3 {
		t.Fatalf("file value lost, workers = %d", cfg.EngineWorkers)
	}
	if cfg.AnalysisTimeout != 5*time.Second {
		t.Fatalf("analysis timeout = %v", cfg.AnalysisTimeout)
	}
	if cfg.OtelHeaders["x"] != "1" {
		t.Fatalf("headers = %v", cfg.OtelHeaders)
	}
	if cfg.ConfigFile != path {
		t.Fatalf("ConfigFile = %q", cfg.ConfigFile)
	}
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "magicer.json")
	if err := os.WriteFile(path, []byte(`{"large_file_threshold_bytes": 4096}`), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(baseArgs(t), env(map[string]string{"MAGICER_CONFIG_PATH": path}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ThresholdBytes() != 4096 {
		t.Fatalf("ThresholdBytes = %d", cfg.ThresholdBytes())
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"port": "nope"`), 0600); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{"missing file", []string{"--config", filepath.Join(dir, "none.json")}, nil, "could not read config file"},
		{"malformed file", []string{"--config", bad}, nil, "invalid config file format"},
		{"bad env value", nil, map[string]string{"MAGICER_PORT": "eighty"}, "MAGICER_PORT"},
		{"unknown flag", []string{"--scan-files"}, nil, "flag provided but not defined"},
		{"bad port", []string{"--port", "70000"}, nil, "invalid port"},
		{"half auth", []string{"--auth-username", "admin"}, nil, "must be set together"},
		{"bad log format", []string{"--log-format", "xml"}, nil, "invalid log format"},
		{"bad audit format", []string{"--audit-format", "xml"}, nil, "invalid audit format"},
		{"otel scheme", []string{"--otel-endpoint", "collector:4318"}, nil, "must include scheme"},
		{"bad digest", []string{"--content-digest", "md4"}, nil, "unsupported digest"},
		{"zero workers", []string{"--engine-workers", "0"}, nil, "engine-workers"},
		{"zero timeout", []string{"--analysis-timeout", "0s"}, nil, "analysis-timeout"},
		{"body size overflows", []string{"--max-body-size-mb", "9007199254740992"}, nil, "max-body-size-mb"},
		{"threshold overflows", nil, map[string]string{"MAGICER_LARGE_FILE_THRESHOLD_MB": "9223372036854775807"}, "large-file-threshold-mb"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			args := append(baseArgs(t), tc.args...)
			_, err := Load(args, env(tc.env))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestSizeLimitsStayPositive(t *testing.T) {
	args := append(baseArgs(t), "--max-body-size-mb", strconv.FormatInt(maxSizeMB, 10),
		"--large-file-threshold-mb", strconv.FormatInt(maxSizeMB, 10))
	cfg, err := Load(args, env(nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxBodyBytes() <= 0 || cfg.ThresholdBytes() <= 0 {
		t.Fatalf("MaxBodyBytes = %d, ThresholdBytes = %d; want positive", cfg.MaxBodyBytes(), cfg.ThresholdBytes())
	}
}

func TestEnvKey(t *testing.T) {
	if got := envKey("min-free-space-mb"); got != "MAGICER_MIN_FREE_SPACE_MB" {
		t.Fatalf("envKey = %q", got)
	}
}

func TestValidateNormalizes(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = " INFO "
	cfg.LogFormat = "TEXT"
	cfg.DiagDir = ""
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" || cfg.DiagDir != "." {
		t.Fatalf("not normalized: %+v", cfg)
	}
}
