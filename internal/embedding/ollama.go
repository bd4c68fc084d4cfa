package embedding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/jsonx"
)

// OllamaEmbedder calls an Ollama-compatible /api/embeddings endpoint.
type OllamaEmbedder struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewOllamaEmbedder builds an embedder from config. The per-call deadline
// comes from the caller's context; the HTTP client timeout is a backstop.
func NewOllamaEmbedder(cfg config.EmbeddingConfig) *OllamaEmbedder {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	dim := cfg.Dimension
	if dim == 0 {
		dim = 768
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &OllamaEmbedder{
		baseURL:   baseURL,
		model:     model,
		dimension: dim,
		client:    &http.Client{Timeout: timeout * 2},
	}
}

// Embed returns the L2-normalized embedding of text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := jsonx.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embedding service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service status %d: %s", resp.StatusCode, payload)
	}

	var result ollamaEmbedResponse
	if err := jsonx.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}

	vec := make([]float32, len(result.Embedding))
	var sumSq float64
	for i, v := range result.Embedding {
		vec[i] = float32(v)
		sumSq += v * v
	}
	norm := float32(math.Sqrt(sumSq))
	if norm > 1e-9 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// EnsureModel pulls the embedding model if the host does not have it yet.
// Called once at startup, not on the request path.
func (e *OllamaEmbedder) EnsureModel(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := jsonx.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("decode model list: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == e.model || m.Name == e.model+":latest" {
			return nil
		}
	}

	pull, err := jsonx.Marshal(struct {
		Name string `json:"name"`
	}{Name: e.model})
	if err != nil {
		return err
	}
	pullReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/api/pull", bytes.NewReader(pull))
	if err != nil {
		return err
	}
	pullReq.Header.Set("Content-Type", "application/json")

	pullResp, err := e.client.Do(pullReq)
	if err != nil {
		return fmt.Errorf("pull model %s: %w", e.model, err)
	}
	defer pullResp.Body.Close()
	if pullResp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(pullResp.Body, 512))
		return fmt.Errorf("pull model %s: status %d: %s", e.model, pullResp.StatusCode, payload)
	}
	// Drain the progress stream so the pull completes.
	_, _ = io.Copy(io.Discard, pullResp.Body)
	return nil
}

// Dimension returns the configured embedding dimension.
func (e *OllamaEmbedder) Dimension() int {
	return e.dimension
}

// Close is a no-op for the HTTP client.
func (e *OllamaEmbedder) Close() error {
	return nil
}
