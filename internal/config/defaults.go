package config

import (
	"time"

	"github.com/spf13/viper"

	"hive/internal/observability"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "hive.db",
			BusyTimeout: 5 * time.Second,
		},
		Swarm: SwarmConfig{
			HeartbeatInterval: 30 * time.Second,
			StaleMultiplier:   3,
			ClaimBackoffMin:   500 * time.Millisecond,
			ClaimBackoffMax:   5 * time.Second,
			JanitorInterval:   30 * time.Second,
			DrainTimeout:      10 * time.Second,
		},
		Tasks: TasksConfig{
			DefaultMaxRetries: 2,
			RetryBase:         30 * time.Second,
		},
		Bus: BusConfig{
			PollInterval: 2 * time.Second,
			DefaultTTL:   0, // messages do not expire unless asked to
		},
		Lease: LeaseConfig{
			DefaultTTL: 5 * time.Minute,
		},
		Memory: MemoryConfig{
			MaxEntries:      10000,
			SearchBatchSize: 100,
		},
		Embedding: EmbeddingConfig{
			Provider:  "none",
			BatchSize: 32,
			Timeout:   30 * time.Second,
			CacheSize: 512,
			CacheTTL:  5 * time.Minute,
		},
		Runner: RunnerConfig{
			Timeout: 30 * time.Minute,
		},
		Observability: observability.DefaultConfig(),
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.busy_timeout", d.Database.BusyTimeout)

	v.SetDefault("swarm.heartbeat_interval", d.Swarm.HeartbeatInterval)
	v.SetDefault("swarm.stale_multiplier", d.Swarm.StaleMultiplier)
	v.SetDefault("swarm.claim_backoff_min", d.Swarm.ClaimBackoffMin)
	v.SetDefault("swarm.claim_backoff_max", d.Swarm.ClaimBackoffMax)
	v.SetDefault("swarm.janitor_interval", d.Swarm.JanitorInterval)
	v.SetDefault("swarm.drain_timeout", d.Swarm.DrainTimeout)

	v.SetDefault("tasks.default_max_retries", d.Tasks.DefaultMaxRetries)
	v.SetDefault("tasks.retry_base", d.Tasks.RetryBase)

	v.SetDefault("bus.poll_interval", d.Bus.PollInterval)
	v.SetDefault("bus.default_ttl", d.Bus.DefaultTTL)

	v.SetDefault("lease.default_ttl", d.Lease.DefaultTTL)

	v.SetDefault("memory.max_entries", d.Memory.MaxEntries)
	v.SetDefault("memory.search_batch_size", d.Memory.SearchBatchSize)

	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.base_url", d.Embedding.BaseURL)
	v.SetDefault("embedding.api_key", d.Embedding.APIKey)
	v.SetDefault("embedding.dimensions", d.Embedding.Dimensions)
	v.SetDefault("embedding.batch_size", d.Embedding.BatchSize)
	v.SetDefault("embedding.timeout", d.Embedding.Timeout)
	v.SetDefault("embedding.cache_size", d.Embedding.CacheSize)
	v.SetDefault("embedding.cache_ttl", d.Embedding.CacheTTL)

	v.SetDefault("runner.command", d.Runner.Command)
	v.SetDefault("runner.args", d.Runner.Args)
	v.SetDefault("runner.timeout", d.Runner.Timeout)
	v.SetDefault("runner.work_dir", d.Runner.WorkDir)
	v.SetDefault("runner.environment", d.Runner.Environment)

	v.SetDefault("observability.logging.level", d.Observability.Logging.Level)
	v.SetDefault("observability.logging.format", d.Observability.Logging.Format)
	v.SetDefault("observability.metrics.enabled", d.Observability.Metrics.Enabled)
	v.SetDefault("observability.metrics.prometheus_port", d.Observability.Metrics.PrometheusPort)
	v.SetDefault("observability.tracing.enabled", d.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.otlp_endpoint", d.Observability.Tracing.OTLPEndpoint)
	v.SetDefault("observability.tracing.sample_rate", d.Observability.Tracing.SampleRate)
	v.SetDefault("observability.tracing.service_name", d.Observability.Tracing.ServiceName)
	v.SetDefault("observability.tracing.service_version", d.Observability.Tracing.ServiceVersion)
}
