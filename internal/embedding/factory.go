package embedding

import (
	"hive/internal/errkind"
	"hive/internal/logging"
)

// New builds the configured provider. Remote variants come wrapped in the
// circuit breaker; "none" and the empty string select the null provider.
func New(cfg Config, logger logging.Logger) (Provider, error) {
	const op = "embedding.new"

	switch ProviderType(cfg.Provider) {
	case TypeNone, "":
		return NewNone(), nil
	case TypeOllama:
		ollama := NewOllama(cfg.Model, cfg.BaseURL, cfg.Timeout, logger)
		return WithBreaker(ollama, cfg.HealthTTL, logger), nil
	case TypeOpenAI:
		if cfg.APIKey == "" {
			return nil, errkind.New(errkind.KindValidation, op, "openai provider requires an api key")
		}
		oai := NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Dimensions)
		return WithBreaker(oai, cfg.HealthTTL, logger), nil
	default:
		return nil, errkind.New(errkind.KindValidation, op,
			"unknown embedding provider %q", cfg.Provider)
	}
}
