package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hive/internal/errkind"
	"hive/internal/logging"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaProvider talks to a local Ollama server. The batched /api/embed
// endpoint is preferred; older servers that 404 on it get the one-at-a-time
// /api/embeddings fallback.
type OllamaProvider struct {
	baseURL string
	model   string
	client  *http.Client
	logger  logging.Logger
}

var _ Provider = (*OllamaProvider)(nil)

// NewOllama constructs an Ollama-backed provider.
func NewOllama(model, baseURL string, timeout time.Duration, logger logging.Logger) *OllamaProvider {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaProvider{
		baseURL: baseURL,
		model:   strings.TrimSpace(model),
		client:  &http.Client{Timeout: timeout},
		logger:  logging.OrNop(logger),
	}
}

// Generate embeds one text.
func (o *OllamaProvider) Generate(ctx context.Context, text string) (*Result, error) {
	results, err := o.GenerateBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// GenerateBatch embeds texts in order.
func (o *OllamaProvider) GenerateBatch(ctx context.Context, texts []string) ([]*Result, error) {
	const op = "embedding.ollama.generate_batch"

	if len(texts) == 0 {
		return nil, nil
	}
	if o.model == "" {
		return nil, errkind.New(errkind.KindValidation, op, "ollama provider requires a model name")
	}

	vectors, fallback, err := o.embedBatch(ctx, texts)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindExternalUnavailable, op, err)
	}
	if fallback {
		o.logger.Debug("ollama /api/embed unavailable, using /api/embeddings per text")
		vectors, err = o.embedOneByOne(ctx, texts)
		if err != nil {
			return nil, errkind.Wrap(errkind.KindExternalUnavailable, op, err)
		}
	}

	out := make([]*Result, len(vectors))
	for i, vec := range vectors {
		out[i] = &Result{Embedding: vec, Model: o.model}
	}
	return out, nil
}

// embedBatch calls /api/embed. A 404 signals an older server; the caller
// falls back to the legacy endpoint.
func (o *OllamaProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, bool, error) {
	status, body, err := o.postJSON(ctx, "/api/embed", map[string]any{
		"model": o.model,
		"input": texts,
	})
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusNotFound {
		return nil, true, nil
	}
	if status != http.StatusOK {
		return nil, false, fmt.Errorf("ollama /api/embed failed: %s", strings.TrimSpace(body))
	}

	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
		Error      string      `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, false, err
	}
	if resp.Error != "" {
		return nil, false, fmt.Errorf("ollama /api/embed error: %s", resp.Error)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, false, fmt.Errorf("ollama /api/embed returned %d embeddings for %d inputs",
			len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, false, nil
}

func (o *OllamaProvider) embedOneByOne(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		status, body, err := o.postJSON(ctx, "/api/embeddings", map[string]any{
			"model":  o.model,
			"prompt": text,
		})
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("ollama /api/embeddings failed: %s", strings.TrimSpace(body))
		}
		var resp struct {
			Embedding []float32 `json:"embedding"`
			Error     string    `json:"error"`
		}
		if err := json.Unmarshal([]byte(body), &resp); err != nil {
			return nil, err
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("ollama /api/embeddings error: %s", resp.Error)
		}
		out = append(out, resp.Embedding)
	}
	return out, nil
}

// HealthCheck probes the server root, which Ollama answers on any version.
func (o *OllamaProvider) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (o *OllamaProvider) Type() ProviderType { return TypeOllama }

// Available mirrors HealthCheck; the cached wrapper adds the TTL.
func (o *OllamaProvider) Available(ctx context.Context) bool {
	return o.HealthCheck(ctx)
}

func (o *OllamaProvider) postJSON(ctx context.Context, path string, payload any) (int, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("ollama request failed: %w (try `ollama serve`)", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(respBody), nil
}
