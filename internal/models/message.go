// Package models defines the data structures shared by the engine: conversation
// messages, tool calls, route targets, and the capability requests served over HTTP.
package models

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart is one element of a multi-part message body.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image attached to a message.
type ImageURL struct {
	URL string `json:"url"`
}

// Message is a provider-neutral conversation message. Content is used for plain
// text; Parts is set when the body carries several parts (attachments).
type Message struct {
	ID         int64         `json:"id,omitempty"`
	Role       Role          `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
}

// Text returns the message body as plain text. Multi-part bodies are joined by newlines.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	texts := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// BodyForEstimate returns the text used for token estimation. Structured bodies
// are serialized first so their overhead is counted.
func (m Message) BodyForEstimate() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	b, err := json.Marshal(m.Parts)
	if err != nil {
		return m.Text()
	}
	return string(b)
}

// ToolCall is a model request to run a named tool.
type ToolCall struct {
	ID       string       `json:"id"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its arguments.
type FunctionCall struct {
	Name      string    `json:"name"`
	Arguments Arguments `json:"arguments"`
}

// Arguments is a tool-call argument payload. Value holds the decoded JSON value
// (map[string]any, []any, string, float64, bool). When the model produced text
// that does not decode, Value is nil and Raw keeps the text for repair.
type Arguments struct {
	Value any
	Raw   string
}

// ObjectArguments wraps a decoded argument object.
func ObjectArguments(v map[string]any) Arguments {
	return Arguments{Value: v}
}

// ArgumentsFromString decodes s as JSON. An empty string is an empty object;
// undecodable text is kept in Raw.
func ArgumentsFromString(s string) Arguments {
	if strings.TrimSpace(s) == "" {
		return Arguments{Value: map[string]any{}}
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil || v == nil {
		return Arguments{Raw: s}
	}
	return Arguments{Value: v}
}

// IsRaw reports whether the payload still needs repair.
func (a Arguments) IsRaw() bool {
	return a.Value == nil
}

// Object returns the payload as an object when it is one.
func (a Arguments) Object() (map[string]any, bool) {
	m, ok := a.Value.(map[string]any)
	return m, ok
}

// String returns the JSON encoding of Value, or Raw when undecoded.
func (a Arguments) String() string {
	if a.Value == nil {
		if a.Raw == "" {
			return "{}"
		}
		return a.Raw
	}
	b, err := json.Marshal(a.Value)
	if err != nil {
		return a.Raw
	}
	return string(b)
}

// MarshalJSON encodes Value as-is, or Raw as a JSON string.
func (a Arguments) MarshalJSON() ([]byte, error) {
	if a.Value == nil {
		return json.Marshal(a.Raw)
	}
	return json.Marshal(a.Value)
}

// UnmarshalJSON accepts either a JSON value or a string holding (possibly broken) JSON.
func (a *Arguments) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = ArgumentsFromString(s)
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v == nil {
		*a = Arguments{Value: map[string]any{}}
		return nil
	}
	*a = Arguments{Value: v}
	return nil
}

// ToolDefinition describes a tool offered to the model. Parameters is a JSON
// Schema value that encodes to the provider's parameter object.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}
