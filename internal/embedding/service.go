package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/aichat/internal/config"
	"github.com/hyperjump/aichat/internal/provider"
)

// DefaultModel is used when neither the caller nor the config names an embedding model.
const DefaultModel = "text-embedding-3-small"

// DefaultCacheSize is the number of vectors kept by a Service.
const DefaultCacheSize = 2048

// Provider names reported in Result.
const (
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"
)

// Service embeds text through the openai provider's credential pool. Without a
// key, or when the call fails, it returns local hash vectors instead.
type Service struct {
	httpClient *http.Client
	logger     *zap.Logger
	limiter    *provider.Limiter
	cache      *EmbeddingCache
	local      *HashEmbedder
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger used for fallback warnings.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) ServiceOption {
	return func(s *Service) { s.httpClient = c }
}

// WithLimiter shares the provider rate limiter with embeddings calls.
func WithLimiter(l *provider.Limiter) ServiceOption {
	return func(s *Service) { s.limiter = l }
}

// WithCacheSize sets the vector cache capacity.
func WithCacheSize(n int) ServiceOption {
	return func(s *Service) { s.cache = NewEmbeddingCache(n) }
}

// NewService creates an embeddings service.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{
		httpClient: &http.Client{},
		cache:      NewEmbeddingCache(DefaultCacheSize),
		local:      NewHashEmbedder(LocalDimensions),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveModel returns model, else the configured embeddings model, else DefaultModel.
func ResolveModel(cfg *config.Runtime, model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	if cfg != nil && strings.TrimSpace(cfg.DefaultModels.Embeddings) != "" {
		return strings.TrimSpace(cfg.DefaultModels.Embeddings)
	}
	return DefaultModel
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedTexts returns one vector per text, in input order. Only a cancelled
// context is reported as an error; provider failures degrade to hash vectors.
func (s *Service) EmbedTexts(ctx context.Context, texts []string, cfg *config.Runtime, model string) (Result, error) {
	model = ResolveModel(cfg, model)
	if len(texts) == 0 {
		return Result{Vectors: [][]float32{}, Provider: ProviderOpenAI, Model: model}, nil
	}

	var pool config.PoolConfig
	hasKey := false
	if cfg != nil {
		if p, _, ok := cfg.ResolvePool("openai", ""); ok && strings.TrimSpace(p.APIKey) != "" {
			pool, hasKey = p, true
		}
	}
	if !hasKey {
		return s.localResult(ctx, texts)
	}

	vectors := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if v, ok := s.cache.Get(model, t); ok {
			vectors[i] = v
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) > 0 {
		var rps float64
		var burst int
		if cfg != nil {
			rps, burst = cfg.Providers["openai"].RequestsPerSecond, cfg.Providers["openai"].Burst
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx, "openai", rps, burst); err != nil {
				return Result{}, err
			}
		}
		got, err := s.call(ctx, provider.BaseURL("openai", pool.BaseURL), strings.TrimSpace(pool.APIKey), model, missing)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			if s.logger != nil {
				s.logger.Warn("embeddings request failed, using local hash vectors",
					zap.String("model", model), zap.Int("texts", len(texts)), zap.Error(err))
			}
			return s.localResult(ctx, texts)
		}
		for j, v := range got {
			vectors[missingIdx[j]] = v
			s.cache.Set(model, missing[j], v)
		}
	}
	return Result{Vectors: vectors, Provider: ProviderOpenAI, Model: model}, nil
}

func (s *Service) localResult(ctx context.Context, texts []string) (Result, error) {
	vectors, err := s.local.Embed(ctx, texts)
	if err != nil {
		return Result{}, err
	}
	return Result{Vectors: vectors, Provider: ProviderLocal, Model: LocalModel}, nil
}

func (s *Service) call(ctx context.Context, baseURL, apiKey, model string, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(embeddingsRequest{Model: model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embeddings request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &provider.HTTPError{Provider: "openai", Status: resp.StatusCode, Body: string(b)}
	}

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings response has %d vectors for %d inputs", len(parsed.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, d := range parsed.Data {
		idx := i
		if d.Index >= 0 && d.Index < len(out) && out[d.Index] == nil {
			idx = d.Index
		}
		out[idx] = d.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("embeddings response is missing vector %d", i)
		}
	}
	return out, nil
}

// Bind returns an Embedder that embeds under cfg and model. Model reports the
// requested model even when vectors come from the local fallback.
func (s *Service) Bind(cfg *config.Runtime, model string) Embedder {
	return &boundEmbedder{svc: s, cfg: cfg, model: ResolveModel(cfg, model)}
}

type boundEmbedder struct {
	svc   *Service
	cfg   *config.Runtime
	model string
}

func (b *boundEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	res, err := b.svc.EmbedTexts(ctx, texts, b.cfg, b.model)
	if err != nil {
		return nil, err
	}
	return res.Vectors, nil
}

func (b *boundEmbedder) Model() string {
	return b.model
}
