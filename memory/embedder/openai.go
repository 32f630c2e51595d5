package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAI calls an OpenAI-compatible embeddings endpoint
// (POST {base_url}/embeddings with bearer authentication). Any service that
// speaks the same wire format works by pointing BaseURL at it.
type OpenAI struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
	dims    int
}

// OpenAIOption customizes the OpenAI provider.
type OpenAIOption func(*OpenAI)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(p *OpenAI) { p.client = c }
}

// NewOpenAI creates a provider for the given endpoint, model, and vector
// width. dims must match the width the model actually produces; the store
// validates it against its configured vector width at open time.
func NewOpenAI(baseURL, apiKey, model string, dims int, opts ...OpenAIOption) *OpenAI {
	p := &OpenAI{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		dims:    dims,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements Provider.
func (p *OpenAI) Name() string { return "openai" }

// Dimensions implements Provider.
func (p *OpenAI) Dimensions() int { return p.dims }

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed implements Provider.
func (p *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embeddingsRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedder: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedder: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, wrapProviderErr(fmt.Errorf("embedder: request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, wrapProviderErr(fmt.Errorf("embedder: API error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, wrapProviderErr(fmt.Errorf("embedder: decode response: %w", err))
	}

	if len(parsed.Data) != len(texts) {
		return nil, wrapProviderErr(fmt.Errorf("embedder: expected %d vectors, got %d", len(texts), len(parsed.Data)))
	}

	// The API is documented to return data in input order, but index is
	// authoritative.
	vecs := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(vecs) {
			return nil, wrapProviderErr(fmt.Errorf("embedder: vector index %d out of range", item.Index))
		}
		vecs[item.Index] = item.Embedding
	}

	for i, v := range vecs {
		if p.dims > 0 && len(v) != p.dims {
			return nil, wrapProviderErr(fmt.Errorf("embedder: vector %d has width %d, want %d", i, len(v), p.dims))
		}
	}

	return vecs, nil
}
