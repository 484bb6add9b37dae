// Package router decides which provider targets serve a request.
package router

import (
	"github.com/hyperjump/aichat/internal/config"
	"github.com/hyperjump/aichat/internal/models"
)

// Decision reasons.
const (
	ReasonConfig      = "routing.config"
	ReasonDefault     = "routing.default"
	ReasonLongContext = "routing.long-context"
)

// Target tags.
const (
	TagDefault     = "default"
	TagFallback    = "fallback"
	TagLongContext = "long-context"
)

// genericFallbacks are tried after the default provider when they hold a key.
var genericFallbacks = []string{"anthropic", "openai"}

// RoleFor maps a capability to the model role used to pick its default model.
func RoleFor(c models.Capability) string {
	switch c {
	case models.CapabilityInline:
		return config.RoleFast
	case models.CapabilityEditorAction:
		return config.RoleReasoning
	case models.CapabilityEmbeddings:
		return config.RoleEmbeddings
	case models.CapabilityTools:
		return config.RoleTools
	}
	return config.RoleGeneral
}

// Decide returns the route decision for req under cfg. It has no side
// effects; the same inputs always give the same decision.
func Decide(req models.Request, cfg *config.Runtime) models.RouteDecision {
	base := baseRoute(req.Capability(), cfg)
	if req.SizeHint() < longTextChars(cfg) {
		return base
	}
	provider, ok := longContextProvider(cfg)
	if !ok {
		return base
	}

	model := cfg.DefaultModels.General
	if model == "" {
		model = base.Primary.Model
	}
	fallbacks := make([]models.RouteTarget, 0, len(base.Fallbacks)+1)
	for _, f := range base.Fallbacks {
		if f.Provider != provider {
			fallbacks = append(fallbacks, f)
		}
	}
	if base.Primary.Provider != provider {
		fallbacks = append(fallbacks, base.Primary)
	}
	return models.RouteDecision{
		Primary:   models.RouteTarget{Provider: provider, Model: model, Tags: []string{TagLongContext}},
		Fallbacks: fallbacks,
		Reason:    ReasonLongContext,
	}
}

func baseRoute(c models.Capability, cfg *config.Runtime) models.RouteDecision {
	if list := cfg.RoutingTargets(c); len(list) > 0 {
		return models.RouteDecision{
			Primary:   list[0],
			Fallbacks: append([]models.RouteTarget{}, list[1:]...),
			Reason:    ReasonConfig,
		}
	}

	provider := cfg.DefaultProvider
	if provider == "" {
		provider = "openai"
	}
	model := cfg.DefaultModels.ForRole(RoleFor(c))
	if model == "" {
		model = cfg.DefaultModels.General
	}
	fallbacks := []models.RouteTarget{}
	for _, p := range genericFallbacks {
		if p != provider && cfg.HasUsableKey(p) {
			fallbacks = append(fallbacks, models.RouteTarget{
				Provider: p,
				Model:    cfg.DefaultModels.General,
				Tags:     []string{TagFallback},
			})
		}
	}
	return models.RouteDecision{
		Primary:   models.RouteTarget{Provider: provider, Model: model, Tags: []string{TagDefault}},
		Fallbacks: fallbacks,
		Reason:    ReasonDefault,
	}
}

func longTextChars(cfg *config.Runtime) int {
	if cfg.Thresholds.LongTextChars > 0 {
		return cfg.Thresholds.LongTextChars
	}
	return config.DefaultLongTextChars
}

// longContextProvider returns the first configured long-context provider that
// holds a usable key.
func longContextProvider(cfg *config.Runtime) (string, bool) {
	for _, p := range cfg.Thresholds.LongContextProviders {
		if cfg.HasUsableKey(p) {
			return p, true
		}
	}
	return "", false
}
