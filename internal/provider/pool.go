package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/aichat/internal/config"
	"github.com/hyperjump/aichat/internal/models"
	"github.com/hyperjump/aichat/pkg/utils"
)

// DefaultMaxIdle is how long an unused client stays cached.
const DefaultMaxIdle = 15 * time.Minute

// Default models per wire protocol when neither the route nor the config names one.
const (
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-5-sonnet-latest"
)

// Built is a client together with the fully resolved route it serves.
type Built struct {
	Route  models.RouteTarget
	Client ChatCompleter
}

type poolEntry struct {
	client   ChatCompleter
	lastUsed time.Time
}

// Pool builds clients for route targets and caches them by
// (provider, pool, model, key prefix, base URL).
type Pool struct {
	mu       sync.Mutex
	cache    map[string]*poolEntry
	maxIdle  time.Duration
	now      func() time.Time
	limiter  *Limiter
	recorder CallRecorder
	logger   *zap.Logger
	options  []Option
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets a logger for client construction and eviction.
func WithPoolLogger(l *zap.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// WithPoolRecorder sets the call recorder handed to every client.
func WithPoolRecorder(r CallRecorder) PoolOption {
	return func(p *Pool) { p.recorder = r }
}

// WithPoolLimiter sets the rate limiter shared by every client.
func WithPoolLimiter(l *Limiter) PoolOption {
	return func(p *Pool) { p.limiter = l }
}

// WithClientOptions adds options passed to every client the pool builds.
func WithClientOptions(opts ...Option) PoolOption {
	return func(p *Pool) { p.options = append(p.options, opts...) }
}

// WithMaxIdle overrides the idle eviction window.
func WithMaxIdle(d time.Duration) PoolOption {
	return func(p *Pool) { p.maxIdle = d }
}

// NewPool creates an empty client pool.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		cache:   make(map[string]*poolEntry),
		maxIdle: DefaultMaxIdle,
		now:     time.Now,
		limiter: NewLimiter(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns a client for target under cfg. Pool resolution: the target's
// poolId when it names a pool, else the provider's defaultPoolId, else the
// first pool by id. A missing provider, no pools or an empty key is a
// *ConfigError.
func (p *Pool) Get(target models.RouteTarget, cfg *config.Runtime) (Built, error) {
	provider := target.Provider
	if !config.IsSupportedProvider(provider) {
		return Built{}, &ConfigError{Provider: provider, Message: "unsupported provider"}
	}
	poolCfg, poolID, ok := cfg.ResolvePool(provider, target.PoolID)
	if !ok {
		return Built{}, &ConfigError{Provider: provider, Message: "no credential pool configured"}
	}
	if target.PoolID != "" && poolID != target.PoolID && p.logger != nil {
		p.logger.Debug("unknown pool, using fallback pool",
			zap.String("provider", provider), zap.String("requested", target.PoolID), zap.String("pool", poolID))
	}
	apiKey := strings.TrimSpace(poolCfg.APIKey)
	if apiKey == "" {
		return Built{}, &ConfigError{Provider: provider, Message: fmt.Sprintf("missing apiKey for pool %q", poolID)}
	}

	model := target.Model
	if model == "" {
		model = cfg.DefaultModels.General
	}
	if model == "" {
		model = DefaultOpenAIModel
		if provider == "anthropic" {
			model = DefaultAnthropicModel
		}
	}

	route := target
	route.Model = model
	route.PoolID = poolID

	key := strings.Join([]string{provider, poolID, model, prefix(apiKey, 6), poolCfg.BaseURL}, "|")

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.evictLocked(now)
	if e, ok := p.cache[key]; ok {
		e.lastUsed = now
		return Built{Route: route, Client: e.client}, nil
	}

	client := p.build(provider, apiKey, model, poolCfg.BaseURL, cfg.Providers[provider])
	p.cache[key] = &poolEntry{client: client, lastUsed: now}
	if p.logger != nil {
		p.logger.Debug("provider client created",
			zap.String("provider", provider),
			zap.String("pool", poolID),
			zap.String("model", model),
			zap.String("api_key", utils.RedactKey(apiKey)))
	}
	return Built{Route: route, Client: client}, nil
}

func (p *Pool) build(provider, apiKey, model, baseURL string, pc config.ProviderConfig) ChatCompleter {
	opts := append([]Option(nil), p.options...)
	if p.recorder != nil {
		opts = append(opts, WithRecorder(p.recorder))
	}
	if p.limiter != nil && pc.RequestsPerSecond > 0 {
		limiter, rps, burst := p.limiter, pc.RequestsPerSecond, pc.Burst
		opts = append(opts, WithWait(func(ctx context.Context) error {
			return limiter.Wait(ctx, provider, rps, burst)
		}))
	}
	if provider == "anthropic" {
		return NewAnthropicClient(apiKey, model, baseURL, opts...)
	}
	return NewOpenAIClient(provider, apiKey, model, baseURL, opts...)
}

func (p *Pool) evictLocked(now time.Time) {
	for k, e := range p.cache {
		if now.Sub(e.lastUsed) > p.maxIdle {
			delete(p.cache, k)
			if p.logger != nil {
				p.logger.Debug("provider client evicted", zap.String("key", k[:strings.Index(k, "|")]))
			}
		}
	}
}

// Len returns the number of cached clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cache)
}

// Run evicts idle clients periodically until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	interval := p.maxIdle / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			p.evictLocked(p.now())
			p.mu.Unlock()
		}
	}
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
