package config

import (
	"time"

	"github.com/openfroyo/toolstore/pkg/engine"
)

// Config is the application configuration.
type Config struct {
	// Environment selects the telemetry profile (development or production).
	Environment string `mapstructure:"environment" validate:"omitempty,oneof=development production"`

	// DataDir is the storage engine's root directory.
	DataDir string `mapstructure:"data_dir" validate:"required"`

	// ArtifactsDir holds compiled plans, rule sets, workflows and entity schemas.
	ArtifactsDir string `mapstructure:"artifacts_dir" validate:"required"`

	// PolicyPaths are extra .rego or .json rule set files and directories.
	PolicyPaths []string `mapstructure:"policy_paths"`

	// LockTimeout bounds how long a writer waits for a collection lock.
	LockTimeout time.Duration `mapstructure:"lock_timeout" validate:"gt=0"`

	// LockPollInterval is how often a waiting writer re-checks the lock.
	LockPollInterval time.Duration `mapstructure:"lock_poll_interval" validate:"gt=0"`

	// IndexPersistInterval is the period of index snapshot persistence.
	IndexPersistInterval time.Duration `mapstructure:"index_persist_interval" validate:"gt=0"`

	// WALRetention is the age after which WAL entries are pruned; 0 keeps them.
	WALRetention time.Duration `mapstructure:"wal_retention" validate:"gte=0"`

	// JournalPath is the SQLite run journal; empty disables journaling.
	JournalPath string `mapstructure:"journal_path"`

	// MaxParallel bounds concurrent branches of a parallel step.
	MaxParallel int `mapstructure:"max_parallel" validate:"gte=1,lte=256"`

	// ScriptTimeout bounds one Starlark compensation script.
	ScriptTimeout time.Duration `mapstructure:"script_timeout" validate:"gt=0"`

	Logging LoggingSettings `mapstructure:"logging"`
	Metrics MetricsSettings `mapstructure:"metrics"`
	Tracing TracingSettings `mapstructure:"tracing"`
}

// LoggingSettings maps onto telemetry.LoggingConfig.
type LoggingSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
	Output string `mapstructure:"output"`
	Caller bool   `mapstructure:"caller"`
}

// MetricsSettings maps onto telemetry.MetricsConfig.
type MetricsSettings struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address" validate:"required_if=Enabled true"`
	Namespace     string `mapstructure:"namespace"`
}

// TracingSettings maps onto telemetry.TracingConfig.
type TracingSettings struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `mapstructure:"endpoint"`
	SamplingRate float64 `mapstructure:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `mapstructure:"insecure"`
}

// Document is one artifact read from disk before it is decoded.
type Document struct {
	Kind   string
	Path   string
	Index  int
	Body   map[string]interface{}
	Source []byte
}

// Artifacts is everything loaded from an artifacts directory.
type Artifacts struct {
	Plans     []*engine.Plan
	RuleSets  []engine.RuleSet
	Workflows []*engine.Workflow
	Schemas   []engine.EntitySchema
}
