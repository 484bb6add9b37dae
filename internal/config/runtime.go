package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/aichat/internal/models"
)

// Model roles used by DefaultModels.
const (
	RoleGeneral    = "general"
	RoleFast       = "fast"
	RoleReasoning  = "reasoning"
	RoleTools      = "tools"
	RoleEmbeddings = "embeddings"
)

const (
	DefaultLongTextChars = 12000
	DefaultMaxAttempts   = 2
	DefaultBaseDelayMs   = 250
	DefaultPoolID        = "default"
)

// SupportedProviders lists the provider ids the engine can build clients for.
var SupportedProviders = []string{"openai", "anthropic", "openrouter", "xai", "ollama", "lmstudio", "llamacpp"}

// IsSupportedProvider reports whether p is a known provider id.
func IsSupportedProvider(p string) bool {
	for _, s := range SupportedProviders {
		if s == p {
			return true
		}
	}
	return false
}

// Runtime is the hot-reloadable AI engine configuration. On disk it is JSON
// with camelCase keys; yaml.v3 decodes it directly.
type Runtime struct {
	Env             string                                    `json:"env" yaml:"env"`
	DefaultProvider string                                    `json:"defaultProvider" yaml:"defaultProvider"`
	DefaultModels   DefaultModels                             `json:"defaultModels" yaml:"defaultModels"`
	Providers       map[string]ProviderConfig                 `json:"providers" yaml:"providers"`
	Routing         map[models.Capability][]models.RouteTarget `json:"routing" yaml:"routing"`
	Thresholds      Thresholds                                `json:"thresholds" yaml:"thresholds"`
	Retries         Retries                                   `json:"retries" yaml:"retries"`
	Metrics         MetricsConfig                             `json:"metrics" yaml:"metrics"`
}

// DefaultModels maps model roles to model names.
type DefaultModels struct {
	General    string `json:"general,omitempty" yaml:"general,omitempty"`
	Fast       string `json:"fast,omitempty" yaml:"fast,omitempty"`
	Reasoning  string `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
	Tools      string `json:"tools,omitempty" yaml:"tools,omitempty"`
	Embeddings string `json:"embeddings,omitempty" yaml:"embeddings,omitempty"`
}

// ForRole returns the model configured for role, or "".
func (m DefaultModels) ForRole(role string) string {
	switch role {
	case RoleGeneral:
		return m.General
	case RoleFast:
		return m.Fast
	case RoleReasoning:
		return m.Reasoning
	case RoleTools:
		return m.Tools
	case RoleEmbeddings:
		return m.Embeddings
	}
	return ""
}

func (m DefaultModels) isZero() bool {
	return m == DefaultModels{}
}

// ProviderConfig holds the credential pools of one provider. APIKey and BaseURL
// are the legacy flat form and are folded into the "default" pool on normalize.
type ProviderConfig struct {
	DefaultPoolID     string                `json:"defaultPoolId,omitempty" yaml:"defaultPoolId,omitempty"`
	Pools             map[string]PoolConfig `json:"pools,omitempty" yaml:"pools,omitempty"`
	APIKey            string                `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	BaseURL           string                `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	RequestsPerSecond float64               `json:"requestsPerSecond,omitempty" yaml:"requestsPerSecond,omitempty"`
	Burst             int                   `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// PoolConfig is one credential set for a provider.
type PoolConfig struct {
	APIKey  string `json:"apiKey" yaml:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
}

// Thresholds controls size-based routing.
type Thresholds struct {
	LongTextChars        int      `json:"longTextChars,omitempty" yaml:"longTextChars,omitempty"`
	LongContextProviders []string `json:"longContextProviders,omitempty" yaml:"longContextProviders,omitempty"`
}

// Retries controls per-target retry.
type Retries struct {
	MaxAttempts int `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	BaseDelayMs int `json:"baseDelayMs,omitempty" yaml:"baseDelayMs,omitempty"`
}

// MetricsConfig toggles metrics collection.
type MetricsConfig struct {
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// EnabledOrDefault returns whether metrics are collected; defaults to true.
func (m MetricsConfig) EnabledOrDefault() bool {
	if m.Enabled != nil {
		return *m.Enabled
	}
	return true
}

// ParseRuntime decodes a runtime config document and normalizes it.
func ParseRuntime(data []byte) (*Runtime, error) {
	var raw Runtime
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse runtime config: %w", err)
	}
	return NormalizeRuntime(&raw), nil
}

// NormalizeRuntime returns a copy of raw with defaults filled in. A nil raw
// yields the default config. DefaultModels is replaced as a whole only when
// empty so a partial set keeps falling back to the general model.
func NormalizeRuntime(raw *Runtime) *Runtime {
	var cfg Runtime
	if raw != nil {
		cfg = *raw.Clone()
	}
	if cfg.Env == "" {
		cfg.Env = envFromProcess()
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "openai"
	}
	if cfg.DefaultModels.isZero() {
		cfg.DefaultModels = DefaultModels{
			General:    "gpt-4o-mini",
			Fast:       "gpt-4o-mini",
			Reasoning:  "gpt-4o",
			Embeddings: "text-embedding-3-small",
		}
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	for name, p := range cfg.Providers {
		cfg.Providers[name] = foldLegacyPool(p)
	}
	if cfg.Routing == nil {
		cfg.Routing = map[models.Capability][]models.RouteTarget{}
	}
	if cfg.Thresholds.LongTextChars <= 0 {
		cfg.Thresholds.LongTextChars = DefaultLongTextChars
	}
	if len(cfg.Thresholds.LongContextProviders) == 0 {
		cfg.Thresholds.LongContextProviders = []string{"anthropic"}
	}
	if cfg.Retries.MaxAttempts <= 0 {
		cfg.Retries.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Retries.BaseDelayMs < 0 {
		cfg.Retries.BaseDelayMs = 0
	} else if cfg.Retries.BaseDelayMs == 0 {
		cfg.Retries.BaseDelayMs = DefaultBaseDelayMs
	}
	return &cfg
}

func envFromProcess() string {
	switch strings.ToLower(os.Getenv("AICHAT_ENV")) {
	case "prod", "production":
		return "prod"
	case "test":
		return "test"
	}
	return "dev"
}

func foldLegacyPool(p ProviderConfig) ProviderConfig {
	if strings.TrimSpace(p.APIKey) == "" && strings.TrimSpace(p.BaseURL) == "" {
		return p
	}
	if p.Pools == nil {
		p.Pools = map[string]PoolConfig{}
	}
	if _, ok := p.Pools[DefaultPoolID]; !ok {
		p.Pools[DefaultPoolID] = PoolConfig{APIKey: p.APIKey, BaseURL: p.BaseURL}
	}
	if p.DefaultPoolID == "" {
		p.DefaultPoolID = DefaultPoolID
	}
	p.APIKey = ""
	p.BaseURL = ""
	return p
}

// Clone returns a deep copy of r.
func (r *Runtime) Clone() *Runtime {
	out := *r
	if r.Providers != nil {
		out.Providers = make(map[string]ProviderConfig, len(r.Providers))
		for name, p := range r.Providers {
			if p.Pools != nil {
				pools := make(map[string]PoolConfig, len(p.Pools))
				for id, pool := range p.Pools {
					pools[id] = pool
				}
				p.Pools = pools
			}
			out.Providers[name] = p
		}
	}
	if r.Routing != nil {
		out.Routing = make(map[models.Capability][]models.RouteTarget, len(r.Routing))
		for c, list := range r.Routing {
			out.Routing[c] = append([]models.RouteTarget(nil), list...)
		}
	}
	out.Thresholds.LongContextProviders = append([]string(nil), r.Thresholds.LongContextProviders...)
	if r.Metrics.Enabled != nil {
		v := *r.Metrics.Enabled
		out.Metrics.Enabled = &v
	}
	return &out
}

// RoutingTargets returns the configured route list for capability.
func (r *Runtime) RoutingTargets(c models.Capability) []models.RouteTarget {
	var out []models.RouteTarget
	for _, t := range r.Routing[c] {
		if t.Provider != "" {
			out = append(out, t)
		}
	}
	return out
}

// HasUsableKey reports whether any pool of provider has a non-blank API key.
func (r *Runtime) HasUsableKey(provider string) bool {
	p, ok := r.Providers[provider]
	if !ok {
		return false
	}
	for _, pool := range p.Pools {
		if strings.TrimSpace(pool.APIKey) != "" {
			return true
		}
	}
	return strings.TrimSpace(p.APIKey) != ""
}

// ResolvePool picks the credential pool for provider: the requested id when
// it names a pool, else the provider's defaultPoolId, else the
// lexicographically first pool. ok is false only when the provider has no pools.
func (r *Runtime) ResolvePool(provider, poolID string) (pool PoolConfig, id string, ok bool) {
	p, found := r.Providers[provider]
	if !found {
		return PoolConfig{}, "", false
	}
	p = foldLegacyPool(p)
	if len(p.Pools) == 0 {
		return PoolConfig{}, "", false
	}
	if poolID = strings.TrimSpace(poolID); poolID != "" {
		if pool, ok = p.Pools[poolID]; ok {
			return pool, poolID, true
		}
	}
	if p.DefaultPoolID != "" {
		if pool, ok = p.Pools[p.DefaultPoolID]; ok {
			return pool, p.DefaultPoolID, true
		}
	}
	ids := make([]string, 0, len(p.Pools))
	for k := range p.Pools {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	return p.Pools[ids[0]], ids[0], true
}

// MergeRuntime applies per-request overrides from llmConfig onto a copy of
// base. Recognized keys: provider, api_key, base_url, model, pool_id,
// default_models and routing. Unknown providers are ignored.
func MergeRuntime(base *Runtime, llmConfig models.LLMConfig) *Runtime {
	if len(llmConfig) == 0 {
		return base
	}
	next := NormalizeRuntime(base)

	provider := llmConfig.String("provider")
	supported := provider != "" && IsSupportedProvider(provider)
	if supported {
		next.DefaultProvider = provider
	}

	if apiKey := llmConfig.String("api_key"); supported && apiKey != "" {
		poolID := llmConfig.String("pool_id")
		if poolID == "" {
			poolID = DefaultPoolID
		}
		prev := next.Providers[provider]
		pools := map[string]PoolConfig{}
		for id, p := range prev.Pools {
			pools[id] = p
		}
		pools[poolID] = PoolConfig{APIKey: apiKey, BaseURL: llmConfig.String("base_url")}
		prev.Pools = pools
		prev.DefaultPoolID = poolID
		next.Providers[provider] = prev
	}

	if dm, ok := llmConfig.Object("default_models"); ok {
		set := func(dst *string, key string) {
			if s, ok := dm[key].(string); ok && strings.TrimSpace(s) != "" {
				*dst = strings.TrimSpace(s)
			}
		}
		set(&next.DefaultModels.General, RoleGeneral)
		set(&next.DefaultModels.Fast, RoleFast)
		set(&next.DefaultModels.Reasoning, RoleReasoning)
		set(&next.DefaultModels.Tools, RoleTools)
		set(&next.DefaultModels.Embeddings, RoleEmbeddings)
	}

	if routing, ok := llmConfig.Object("routing"); ok {
		for _, c := range models.Capabilities {
			list, ok := routing[string(c)].([]any)
			if !ok {
				continue
			}
			if targets := parseTargets(list); len(targets) > 0 {
				next.Routing[c] = targets
			}
		}
	}

	if model := llmConfig.String("model"); model != "" {
		next.DefaultModels.General = model
	}
	return next
}

func parseTargets(list []any) []models.RouteTarget {
	var out []models.RouteTarget
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		p, _ := m["provider"].(string)
		if !IsSupportedProvider(p) {
			continue
		}
		t := models.RouteTarget{Provider: p}
		if s, ok := m["model"].(string); ok {
			t.Model = strings.TrimSpace(s)
		}
		if s, ok := m["poolId"].(string); ok {
			t.PoolID = strings.TrimSpace(s)
		}
		if tags, ok := m["tags"].([]any); ok {
			for _, tag := range tags {
				if s, ok := tag.(string); ok && strings.TrimSpace(s) != "" {
					t.Tags = append(t.Tags, s)
				}
			}
		}
		out = append(out, t)
	}
	return out
}
