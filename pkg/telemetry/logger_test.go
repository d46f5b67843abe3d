package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Level = "debug"
	cfg.Writer = &buf

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatal(err)
	}
	logger.NewComponentLogger("runtime").
		WithTool("tasks.create").
		WithRunID("run-1").
		WithCaller("u1", "admin").
		WithError(errors.New("boom")).
		Warn("Invocation failed")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	want := map[string]interface{}{
		"level":       "warn",
		"component":   "runtime",
		"tool":        "tasks.create",
		"run_id":      "run-1",
		"caller_id":   "u1",
		"caller_role": "admin",
		"error":       "boom",
		"message":     "Invocation failed",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("%s = %v, want %v", k, line[k], v)
		}
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Level = "warn"
	cfg.Writer = &buf

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Debugf("hidden %d", 1)
	if buf.Len() != 0 {
		t.Errorf("messages below warn must be dropped, got %q", buf.String())
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Writer = &buf
	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx := logger.WithContext(context.Background())
	FromContext(ctx).Info("from context")
	if buf.Len() == 0 {
		t.Error("logger stored in context was not returned")
	}

	FromContext(context.Background()).Error("discarded")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "production", mutate: func(c *Config) { *c = *ProductionConfig() }},
		{name: "development", mutate: func(c *Config) { *c = *DevelopmentConfig() }},
		{name: "no service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, wantErr: true},
		{name: "otlp without endpoint", mutate: func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, wantErr: true},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{name: "metrics without address", mutate: func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddress = "" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
