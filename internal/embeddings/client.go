package embeddings

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/taskweave/taskweave/internal/metrics"
	"github.com/taskweave/taskweave/internal/tracing"
)

// Config configures the embedding service client.
type Config struct {
	BaseURL   string
	Model     string
	Timeout   time.Duration
	CacheSize int
}

// Client calls an external embedding HTTP service and caches vectors
// in-process. The wire contract is POST {base_url}/embeddings with
// {"texts": [...], "model": "..."} returning {"embeddings": [[...]]}.
type Client struct {
	cfg   Config
	http  *http.Client
	cache *lru.Cache[string, []float32]
	log   *zap.Logger
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// NewClient builds a client with defaults applied.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("embeddings base URL is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		cache: cache,
		log:   logger,
	}, nil
}

// Embed returns the vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(c.cfg.Model, text)
	if v, ok := c.cache.Get(key); ok {
		metrics.EmbeddingRequests.WithLabelValues("cache_hit").Inc()
		return v, nil
	}

	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds several texts in one request, consulting the cache
// per text first.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if v, ok := c.cache.Get(cacheKey(c.cfg.Model, text)); ok {
			results[i] = v
			metrics.EmbeddingRequests.WithLabelValues("cache_hit").Inc()
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	ctx, span := tracing.StartSpan(ctx, "embeddings.batch")
	defer span.End()

	url := c.cfg.BaseURL + "/embeddings"
	payload, _ := json.Marshal(embedRequest{Texts: missing, Model: c.cfg.Model})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.EmbeddingRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.EmbeddingRequests.WithLabelValues("error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(body))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		metrics.EmbeddingRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(er.Embeddings) != len(missing) {
		metrics.EmbeddingRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(er.Embeddings), len(missing))
	}

	for i, emb := range er.Embeddings {
		out := make([]float32, len(emb))
		for j, f := range emb {
			out[j] = float32(f)
		}
		results[missingIdx[i]] = out
		c.cache.Add(cacheKey(c.cfg.Model, missing[i]), out)
	}
	metrics.EmbeddingRequests.WithLabelValues("ok").Inc()
	return results, nil
}

// Func exposes the client as a plain embedding function, the shape the
// semantic index expects.
func (c *Client) Func() func(ctx context.Context, text string) ([]float32, error) {
	return c.Embed
}

func cacheKey(model, text string) string {
	h := sha256.Sum256([]byte(model + "|" + text))
	return hex.EncodeToString(h[:16])
}
