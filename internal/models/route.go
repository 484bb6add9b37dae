package models

// Capability is the kind of AI operation requested.
type Capability string

const (
	CapabilityChat         Capability = "chat"
	CapabilityInline       Capability = "inline"
	CapabilityEditorAction Capability = "editorAction"
	CapabilityTools        Capability = "tools"
	CapabilityEmbeddings   Capability = "embeddings"
)

// Capabilities lists every capability in a stable order.
var Capabilities = []Capability{
	CapabilityChat,
	CapabilityInline,
	CapabilityEditorAction,
	CapabilityTools,
	CapabilityEmbeddings,
}

// RouteTarget is a concrete provider/model/pool selection for one request.
type RouteTarget struct {
	Provider string   `json:"provider" yaml:"provider"`
	Model    string   `json:"model,omitempty" yaml:"model,omitempty"`
	PoolID   string   `json:"poolId,omitempty" yaml:"poolId,omitempty"`
	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// HasTag reports whether the target carries tag.
func (t RouteTarget) HasTag(tag string) bool {
	for _, x := range t.Tags {
		if x == tag {
			return true
		}
	}
	return false
}

// RouteDecision is the router output: a primary target, ordered fallbacks, and
// a diagnostic reason.
type RouteDecision struct {
	Primary   RouteTarget   `json:"primary"`
	Fallbacks []RouteTarget `json:"fallbacks"`
	Reason    string        `json:"reason"`
}

// Targets returns the primary followed by the fallbacks.
func (d RouteDecision) Targets() []RouteTarget {
	out := make([]RouteTarget, 0, 1+len(d.Fallbacks))
	out = append(out, d.Primary)
	return append(out, d.Fallbacks...)
}
