package embedding

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"hive/internal/errkind"
)

const defaultOpenAIModel = "text-embedding-3-small"

// OpenAIProvider generates embeddings through the OpenAI API or any
// compatible endpoint selected by base URL.
type OpenAIProvider struct {
	client     openai.Client
	model      string
	dimensions int
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAI constructs an OpenAI-backed provider.
func NewOpenAI(apiKey, model, baseURL string, dimensions int) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{
		client:     openai.NewClient(opts...),
		model:      model,
		dimensions: dimensions,
	}
}

// Generate embeds one text.
func (p *OpenAIProvider) Generate(ctx context.Context, text string) (*Result, error) {
	results, err := p.GenerateBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// GenerateBatch embeds texts in one API call.
func (p *OpenAIProvider) GenerateBatch(ctx context.Context, texts []string) ([]*Result, error) {
	const op = "embedding.openai.generate_batch"

	if len(texts) == 0 {
		return nil, nil
	}

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(p.model),
	}
	if p.dimensions > 0 {
		params.Dimensions = openai.Int(int64(p.dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindExternalUnavailable, op, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, errkind.New(errkind.KindExternalUnavailable, op,
			"got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	// Token usage is reported per request; attribute it to the first result.
	out := make([]*Result, len(resp.Data))
	for i, item := range resp.Data {
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		out[i] = &Result{Embedding: vec, Model: resp.Model}
	}
	out[0].TokensUsed = int(resp.Usage.TotalTokens)
	return out, nil
}

// HealthCheck embeds a trivial probe string.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) bool {
	_, err := p.Generate(ctx, "ping")
	return err == nil
}

func (p *OpenAIProvider) Type() ProviderType { return TypeOpenAI }

// Available mirrors HealthCheck; the cached wrapper adds the TTL.
func (p *OpenAIProvider) Available(ctx context.Context) bool {
	return p.HealthCheck(ctx)
}
