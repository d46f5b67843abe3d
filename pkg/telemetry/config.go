package telemetry

import (
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
)

// Environment names accepted by ConfigFor.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the telemetry configuration of one toolstore process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// ResourceAttributes are added to the otel resource of every span.
	ResourceAttributes map[string]string
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path. Writer, when set, wins.
	Output string
	Writer io.Writer

	EnableCaller bool

	// Burst sampling: SamplingInitial lines per second, then every
	// SamplingThereafter-th line.
	EnableSampling     bool
	SamplingInitial    int `validate:"gte=0"`
	SamplingThereafter int `validate:"gte=0"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled  bool
	Exporter string `validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector address, e.g. localhost:4317.
	Endpoint string `validate:"required_if=Enabled true Exporter otlp"`

	SamplingRate       float64 `validate:"gte=0,lte=1"`
	MaxExportBatchSize int     `validate:"gte=0"`
	ExportTimeout      time.Duration
	Headers            map[string]string
	Insecure           bool
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string `validate:"required_if=Enabled true"`
	Path          string
	Namespace     string

	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the in-process event publisher.
type EventsConfig struct {
	Enabled       bool
	BufferSize    int `validate:"required_if=Enabled true,gte=0"`
	FlushInterval time.Duration
	MaxBatchSize  int `validate:"gte=0"`
	EnableAsync   bool

	// MinLevel drops events below this level (debug, info, warn, error).
	MinLevel string `validate:"omitempty,oneof=debug info warn error"`
}

// DefaultConfig returns the configuration used when nothing is set:
// console logs at info, tracing and metrics off, async events on.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "toolstore",
		ServiceVersion: "dev",
		Environment:    EnvDevelopment,
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "toolstore",
			DefaultHistogramBuckets: []float64{
				0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
			MinLevel:      "debug",
		},
		ResourceAttributes: make(map[string]string),
	}
}

// ProductionConfig logs sampled JSON and exports a tenth of all traces over OTLP.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = EnvProduction
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "localhost:4317"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig logs at debug with callers and prints every span to stdout.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// ConfigFor returns the base configuration of an environment. Unknown names
// get DefaultConfig with Environment set.
func ConfigFor(environment string) *Config {
	switch environment {
	case EnvProduction:
		return ProductionConfig()
	case "", EnvDevelopment:
		return DefaultConfig()
	}
	cfg := DefaultConfig()
	cfg.Environment = environment
	return cfg
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
