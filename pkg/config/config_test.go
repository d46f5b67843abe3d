package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "./data" || cfg.ArtifactsDir != "./artifacts" {
		t.Errorf("dirs = %s, %s", cfg.DataDir, cfg.ArtifactsDir)
	}
	if cfg.LockTimeout != 5*time.Second {
		t.Errorf("LockTimeout = %v", cfg.LockTimeout)
	}
	if cfg.LockPollInterval != 10*time.Millisecond {
		t.Errorf("LockPollInterval = %v", cfg.LockPollInterval)
	}
	if cfg.IndexPersistInterval != time.Minute {
		t.Errorf("IndexPersistInterval = %v", cfg.IndexPersistInterval)
	}
	if cfg.WALRetention != 168*time.Hour {
		t.Errorf("WALRetention = %v", cfg.WALRetention)
	}
	if cfg.JournalPath != "" {
		t.Errorf("JournalPath = %q, want journaling disabled", cfg.JournalPath)
	}
	if cfg.MaxParallel != 8 {
		t.Errorf("MaxParallel = %d", cfg.MaxParallel)
	}
	if cfg.Logging.Level != "info" || cfg.Tracing.Exporter != "none" {
		t.Errorf("logging/tracing defaults = %+v %+v", cfg.Logging, cfg.Tracing)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toolstore.yaml")
	content := `data_dir: /var/lib/toolstore
lock_timeout: 2s
wal_retention: 0s
journal_path: /var/lib/toolstore/runs.db
logging:
  level: debug
  format: json
metrics:
  enabled: true
  listen_address: 127.0.0.1:9464
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TOOLSTORE_MAX_PARALLEL", "3")
	t.Setenv("TOOLSTORE_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "/var/lib/toolstore" {
		t.Errorf("DataDir = %s", cfg.DataDir)
	}
	if cfg.LockTimeout != 2*time.Second {
		t.Errorf("LockTimeout = %v", cfg.LockTimeout)
	}
	if cfg.WALRetention != 0 {
		t.Errorf("WALRetention = %v, want pruning disabled", cfg.WALRetention)
	}
	if cfg.MaxParallel != 3 {
		t.Errorf("MaxParallel = %d, want env override", cfg.MaxParallel)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %s, want env override", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %s", cfg.Logging.Format)
	}

	tc := cfg.Telemetry()
	if tc.Logging.Level != "warn" || tc.Logging.Format != "json" {
		t.Errorf("telemetry logging = %+v", tc.Logging)
	}
	if !tc.Metrics.Enabled || tc.Metrics.ListenAddress != "127.0.0.1:9464" {
		t.Errorf("telemetry metrics = %+v", tc.Metrics)
	}
}

func TestTelemetryProfile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TOOLSTORE_ENVIRONMENT", "production")
	t.Setenv("TOOLSTORE_LOGGING_FORMAT", "json")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	tc := cfg.Telemetry()
	if tc.Environment != "production" {
		t.Errorf("Environment = %s", tc.Environment)
	}
	if !tc.Logging.EnableSampling || tc.Logging.TimeFormat != "unix" {
		t.Errorf("production logging profile not applied: %+v", tc.Logging)
	}
	if tc.Tracing.Enabled {
		t.Error("tracing settings should override the profile")
	}
	if err := tc.Validate(); err != nil {
		t.Error(err)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{name: "zero lock timeout", content: "lock_timeout: 0s\n"},
		{name: "bad log level", content: "logging:\n  level: loud\n"},
		{name: "too many branches", content: "max_parallel: 1000\n"},
		{name: "bad sampling rate", content: "tracing:\n  sampling_rate: 2\n"},
		{name: "malformed yaml", content: "data_dir: [\n"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("case %d: expected error", i)
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("an explicitly named config file must exist")
	}
}
