package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPConfig configures the OpenAI-compatible embedding client.
type HTTPConfig struct {
	BaseURL    string        `json:"base_url" yaml:"base_url"`
	APIKey     string        `json:"api_key" yaml:"api_key"`
	Model      string        `json:"model" yaml:"model"`
	Dimensions int           `json:"dimensions" yaml:"dimensions"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
}

// DefaultHTTPConfig returns the default client configuration.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		BaseURL:    "https://api.openai.com/v1",
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		Timeout:    30 * time.Second,
		MaxRetries: 2,
	}
}

// HTTPProvider calls an OpenAI-compatible /embeddings endpoint. Any service
// speaking that wire format works; only BaseURL and Model change.
type HTTPProvider struct {
	config *HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPProvider creates a client for an OpenAI-compatible embedding API.
func NewHTTPProvider(config *HTTPConfig) *HTTPProvider {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	return &HTTPProvider{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: slog.Default().With("component", "embedding-provider"),
	}
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed implements Provider.
func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements BatchProvider, returning one vector per input text.
func (p *HTTPProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embeddingRequest{Input: texts, Model: p.config.Model})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		vecs, err := p.doRequest(ctx, body, len(texts))
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		p.logger.Warn("Embedding request failed", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (p *HTTPProvider) doRequest(ctx context.Context, body []byte, want int) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := "unknown error"
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, fmt.Errorf("embedding API status %d: %s", resp.StatusCode, msg)
	}
	if len(parsed.Data) != want {
		return nil, fmt.Errorf("embedding API returned %d vectors, want %d", len(parsed.Data), want)
	}

	vecs := make([][]float32, want)
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= want {
			return nil, fmt.Errorf("embedding API returned out-of-range index %d", d.Index)
		}
		vecs[d.Index] = Normalize(d.Embedding)
	}
	return vecs, nil
}

// Dimensions implements Provider.
func (p *HTTPProvider) Dimensions() int { return p.config.Dimensions }
