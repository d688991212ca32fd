// Package embedding supplies the vector embedding providers the memory
// store composes with.
//
// The core depends only on the Provider interface; the factory selects a
// concrete variant from configuration. Remote providers are wrapped in a
// circuit breaker, and an unavailable provider is a signal to degrade, not
// an error the memory store surfaces.
package embedding

import (
	"context"
	"time"
)

// ProviderType names the configured variant.
type ProviderType string

const (
	TypeOpenAI ProviderType = "openai"
	TypeOllama ProviderType = "ollama"
	TypeNone   ProviderType = "none"
)

// Result is one generated embedding.
type Result struct {
	Embedding  []float32 `json:"embedding"`
	Model      string    `json:"model"`
	TokensUsed int       `json:"tokens_used"`
}

// Provider generates embeddings for text.
type Provider interface {
	// Generate embeds one text.
	Generate(ctx context.Context, text string) (*Result, error)

	// GenerateBatch embeds texts in order; the result has one entry per input.
	GenerateBatch(ctx context.Context, texts []string) ([]*Result, error)

	// HealthCheck probes the backing service.
	HealthCheck(ctx context.Context) bool

	// Type identifies the variant.
	Type() ProviderType

	// Available reports whether the provider can serve requests right now.
	Available(ctx context.Context) bool
}

// Config selects and tunes a provider.
type Config struct {
	Provider   string
	Model      string
	BaseURL    string
	APIKey     string
	Dimensions int
	Timeout    time.Duration
	// HealthTTL caches health probe results for this long.
	HealthTTL time.Duration
}
