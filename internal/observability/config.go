package observability

// Config represents the complete observability configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json, text
}

// DefaultConfig returns the default observability configuration.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:        false,
			PrometheusPort: 9464,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1.0,
			ServiceName:    "hive",
			ServiceVersion: "0.1.0",
		},
	}
}
