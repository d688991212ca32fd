package embedding

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker"

	"hive/internal/errkind"
	"hive/internal/logging"
)

const healthCacheKey = "healthy"

// BreakerProvider wraps a remote provider in a circuit breaker and caches
// health probes. An open breaker reports unavailable, which steers the
// memory store onto its text-search fallback instead of hammering a dead
// endpoint.
type BreakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
	health  *cache.Cache
	logger  logging.Logger
}

var _ Provider = (*BreakerProvider)(nil)

// WithBreaker wraps provider. healthTTL bounds how long a health probe
// result is trusted; zero selects 30 s.
func WithBreaker(provider Provider, healthTTL time.Duration, logger logging.Logger) *BreakerProvider {
	if healthTTL <= 0 {
		healthTTL = 30 * time.Second
	}
	logger = logging.OrNop(logger)

	settings := gobreaker.Settings{
		Name: string(provider.Type()) + "-embeddings",
		// Trip after 5 consecutive failures, probe again after 30 s.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding breaker %s: %s -> %s", name, from, to)
		},
	}
	return &BreakerProvider{
		inner:   provider,
		breaker: gobreaker.NewCircuitBreaker(settings),
		health:  cache.New(healthTTL, 2*healthTTL),
		logger:  logger,
	}
}

// Generate embeds one text through the breaker.
func (b *BreakerProvider) Generate(ctx context.Context, text string) (*Result, error) {
	out, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Generate(ctx, text)
	})
	if err != nil {
		return nil, b.classify("embedding.generate", err)
	}
	return out.(*Result), nil
}

// GenerateBatch embeds texts through the breaker.
func (b *BreakerProvider) GenerateBatch(ctx context.Context, texts []string) ([]*Result, error) {
	out, err := b.breaker.Execute(func() (any, error) {
		return b.inner.GenerateBatch(ctx, texts)
	})
	if err != nil {
		return nil, b.classify("embedding.generate_batch", err)
	}
	if out == nil {
		return nil, nil
	}
	return out.([]*Result), nil
}

// HealthCheck probes the inner provider, caching the result.
func (b *BreakerProvider) HealthCheck(ctx context.Context) bool {
	if cached, found := b.health.Get(healthCacheKey); found {
		return cached.(bool)
	}
	healthy := b.inner.HealthCheck(ctx)
	b.health.SetDefault(healthCacheKey, healthy)
	return healthy
}

func (b *BreakerProvider) Type() ProviderType { return b.inner.Type() }

// Available is false while the breaker is open, otherwise the cached health.
func (b *BreakerProvider) Available(ctx context.Context) bool {
	if b.breaker.State() == gobreaker.StateOpen {
		return false
	}
	return b.HealthCheck(ctx)
}

func (b *BreakerProvider) classify(op string, err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errkind.Wrap(errkind.KindExternalUnavailable, op, err)
	}
	if errkind.KindOf(err) != "" {
		return err
	}
	return errkind.Wrap(errkind.KindExternalUnavailable, op, err)
}
