package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openfroyo/toolstore/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. TOOLSTORE_DATA_DIR.
const EnvPrefix = "TOOLSTORE"

const (
	configFileName = "toolstore"
	configFileType = "yaml"
)

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", telemetry.EnvDevelopment)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("artifacts_dir", "./artifacts")
	v.SetDefault("policy_paths", []string{})
	v.SetDefault("lock_timeout", 5*time.Second)
	v.SetDefault("lock_poll_interval", 10*time.Millisecond)
	v.SetDefault("index_persist_interval", 60*time.Second)
	v.SetDefault("wal_retention", 168*time.Hour)
	v.SetDefault("journal_path", "")
	v.SetDefault("max_parallel", 8)
	v.SetDefault("script_timeout", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.caller", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_address", ":9090")
	v.SetDefault("metrics.namespace", "toolstore")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sampling_rate", 1.0)
	v.SetDefault("tracing.insecure", true)
}

// Load reads configuration from path (or, when empty, toolstore.yaml in the
// working directory if present), applies TOOLSTORE_* environment overrides and
// validates the result. A missing default config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates a prepared viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration's field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Telemetry maps the settings onto the environment's telemetry profile.
func (c *Config) Telemetry() *telemetry.Config {
	tc := telemetry.ConfigFor(c.Environment)
	tc.Logging.Level = c.Logging.Level
	tc.Logging.Format = c.Logging.Format
	tc.Logging.Output = c.Logging.Output
	tc.Logging.EnableCaller = c.Logging.Caller
	tc.Metrics.Enabled = c.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Metrics.ListenAddress
	if c.Metrics.Namespace != "" {
		tc.Metrics.Namespace = c.Metrics.Namespace
	}
	tc.Tracing.Enabled = c.Tracing.Enabled
	tc.Tracing.Exporter = c.Tracing.Exporter
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Tracing.SamplingRate
	tc.Tracing.Insecure = c.Tracing.Insecure
	return tc
}
