package embedding

import (
	"context"

	"hive/internal/errkind"
)

// NoneProvider is the explicit null provider. Its presence lets callers
// hold a non-nil Provider and still take the degradation path.
type NoneProvider struct{}

var _ Provider = (*NoneProvider)(nil)

// NewNone returns the null provider.
func NewNone() *NoneProvider {
	return &NoneProvider{}
}

func (*NoneProvider) Generate(context.Context, string) (*Result, error) {
	return nil, errkind.New(errkind.KindExternalUnavailable, "embedding.generate",
		"no embedding provider configured")
}

func (*NoneProvider) GenerateBatch(context.Context, []string) ([]*Result, error) {
	return nil, errkind.New(errkind.KindExternalUnavailable, "embedding.generate_batch",
		"no embedding provider configured")
}

func (*NoneProvider) HealthCheck(context.Context) bool { return false }

func (*NoneProvider) Type() ProviderType { return TypeNone }

func (*NoneProvider) Available(context.Context) bool { return false }
