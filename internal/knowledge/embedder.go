package knowledge

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	emberrors "ember/internal/errors"
	"ember/internal/httpclient"
	"ember/internal/shared/jsonx"
)

// Embedder turns text into fixed-dimension vectors. Embeddings are
// deterministic per (model, text), which makes them safe to cache.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds up to 100 texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	Dimensions() int
}

// EmbedderConfig configures the HTTP embedder.
type EmbedderConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	CacheSize  int
	Timeout    time.Duration
}

func (c *EmbedderConfig) normalize() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.Dimensions <= 0 {
		c.Dimensions = 1536
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 10000
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
}

// HTTPEmbedder speaks the OpenAI-compatible /embeddings endpoint with an LRU
// cache in front of it.
type HTTPEmbedder struct {
	cfg    EmbedderConfig
	client *http.Client
	cache  *lru.Cache[string, []float32]
	retry  emberrors.RetryConfig
}

// NewHTTPEmbedder builds an embedder against an OpenAI-compatible endpoint.
func NewHTTPEmbedder(cfg EmbedderConfig) (*HTTPEmbedder, error) {
	cfg.normalize()
	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &HTTPEmbedder{
		cfg:    cfg,
		client: httpclient.NewWithBreaker(cfg.Timeout, nil, "embeddings"),
		cache:  cache,
		retry: emberrors.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    8 * time.Second,
		},
	}, nil
}

func (e *HTTPEmbedder) Dimensions() int { return e.cfg.Dimensions }

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, emberrors.NewValidationError("texts", "no texts provided")
	}
	if len(texts) > 100 {
		return nil, emberrors.NewValidationError("texts", fmt.Sprintf("batch size %d exceeds limit 100", len(texts)))
	}

	results := make([][]float32, len(texts))
	var missIndexes []int
	var missTexts []string
	for i, text := range texts {
		if cached, ok := e.cache.Get(text); ok {
			results[i] = cached
			continue
		}
		missIndexes = append(missIndexes, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	var vectors [][]float32
	err := emberrors.Retry(ctx, e.retry, func(ctx context.Context) error {
		var callErr error
		vectors, callErr = e.callAPI(ctx, missTexts)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}

	for i, idx := range missIndexes {
		e.cache.Add(texts[idx], vectors[i])
		results[idx] = vectors[i]
	}
	return results, nil
}

func (e *HTTPEmbedder) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := jsonx.Marshal(map[string]any{
		"model": e.cfg.Model,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &emberrors.TransientError{Err: err, Message: "embedding request failed"}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := httpclient.ReadAllWithLimit(resp.Body, 4096)
		apiErr := fmt.Errorf("embedding API status %d: %s", resp.StatusCode, string(detail))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &emberrors.TransientError{Err: apiErr, StatusCode: resp.StatusCode}
		}
		return nil, &emberrors.PermanentError{Err: apiErr, StatusCode: resp.StatusCode}
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := jsonx.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}

	vectors := make([][]float32, len(texts))
	for _, item := range apiResp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding response index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("embedding response missing vector for input %d", i)
		}
	}
	return vectors, nil
}
