// Package config loads the runtime configuration tree.
//
// Sources are layered: built-in defaults, then hive.yaml (explicit path,
// $HIVE_CONFIG, working directory, or ~/.hive), then HIVE_* environment
// overrides. The merged result is validated before use.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"hive/internal/errkind"
	"hive/internal/observability"
)

// Config is the root configuration tree.
type Config struct {
	Database      DatabaseConfig       `mapstructure:"database" yaml:"database"`
	Swarm         SwarmConfig          `mapstructure:"swarm" yaml:"swarm"`
	Tasks         TasksConfig          `mapstructure:"tasks" yaml:"tasks"`
	Bus           BusConfig            `mapstructure:"bus" yaml:"bus"`
	Lease         LeaseConfig          `mapstructure:"lease" yaml:"lease"`
	Memory        MemoryConfig         `mapstructure:"memory" yaml:"memory"`
	Embedding     EmbeddingConfig      `mapstructure:"embedding" yaml:"embedding"`
	Runner        RunnerConfig         `mapstructure:"runner" yaml:"runner"`
	Observability observability.Config `mapstructure:"observability" yaml:"observability"`
}

// DatabaseConfig locates and tunes the SQLite store.
type DatabaseConfig struct {
	Path        string        `mapstructure:"path" yaml:"path" validate:"required"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout" validate:"gt=0"`
}

// SwarmConfig holds the agent lifecycle policies.
type SwarmConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" validate:"gt=0"`
	StaleMultiplier   int           `mapstructure:"stale_multiplier" yaml:"stale_multiplier" validate:"gte=2"`
	ClaimBackoffMin   time.Duration `mapstructure:"claim_backoff_min" yaml:"claim_backoff_min" validate:"gt=0"`
	ClaimBackoffMax   time.Duration `mapstructure:"claim_backoff_max" yaml:"claim_backoff_max" validate:"gtefield=ClaimBackoffMin"`
	JanitorInterval   time.Duration `mapstructure:"janitor_interval" yaml:"janitor_interval" validate:"gt=0"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout" validate:"gte=0"`
}

// TasksConfig holds task retry policy defaults.
type TasksConfig struct {
	DefaultMaxRetries int           `mapstructure:"default_max_retries" yaml:"default_max_retries" validate:"gte=0"`
	RetryBase         time.Duration `mapstructure:"retry_base" yaml:"retry_base" validate:"gt=0"`
}

// BusConfig tunes message delivery.
type BusConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	DefaultTTL   time.Duration `mapstructure:"default_ttl" yaml:"default_ttl" validate:"gte=0"`
}

// LeaseConfig tunes file leasing.
type LeaseConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl" yaml:"default_ttl" validate:"gt=0"`
}

// MemoryConfig bounds the memory store.
type MemoryConfig struct {
	MaxEntries      int `mapstructure:"max_entries" yaml:"max_entries" validate:"gt=0"`
	SearchBatchSize int `mapstructure:"search_batch_size" yaml:"search_batch_size" validate:"gt=0"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider   string        `mapstructure:"provider" yaml:"provider" validate:"oneof=none openai ollama"`
	Model      string        `mapstructure:"model" yaml:"model"`
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	Dimensions int           `mapstructure:"dimensions" yaml:"dimensions" validate:"gte=0"`
	BatchSize  int           `mapstructure:"batch_size" yaml:"batch_size" validate:"gt=0"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	CacheSize  int           `mapstructure:"cache_size" yaml:"cache_size" validate:"gte=0"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl" validate:"gte=0"`
}

// RunnerConfig configures the subprocess executor used by `hive agent run`.
type RunnerConfig struct {
	Command     string        `mapstructure:"command" yaml:"command"`
	Args        []string      `mapstructure:"args" yaml:"args"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	WorkDir     string        `mapstructure:"work_dir" yaml:"work_dir"`
	Environment []string      `mapstructure:"environment" yaml:"environment"`
}

// Load reads the configuration, layering file and environment over defaults.
// path may be empty; standard locations are searched.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("hive")
	v.SetConfigType("yaml")
	switch {
	case path != "":
		v.SetConfigFile(path)
	case os.Getenv("HIVE_CONFIG") != "":
		v.SetConfigFile(os.Getenv("HIVE_CONFIG"))
	default:
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.hive")
	}

	v.SetEnvPrefix("HIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing file in the search path means run on defaults; an explicit
		// path or a malformed file is an error.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errkind.Wrap(errkind.KindValidation, "config.load", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errkind.Wrap(errkind.KindValidation, "config.load", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration tree against its constraints.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return errkind.Wrap(errkind.KindValidation, "config.validate", err)
	}
	return nil
}

