package models

import (
	"errors"
	"strings"
)

// Selection is a 1-based editor selection range.
type Selection struct {
	StartLine   int `json:"startLine"`
	StartColumn int `json:"startColumn"`
	EndLine     int `json:"endLine"`
	EndColumn   int `json:"endColumn"`
}

// EditorContext describes what the user sees in the editor.
type EditorContext struct {
	FilePath     string     `json:"filePath,omitempty"`
	LanguageID   string     `json:"languageId,omitempty"`
	CursorLine   int        `json:"cursorLine,omitempty"`
	CursorColumn int        `json:"cursorColumn,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
	VisibleText  string     `json:"visibleText,omitempty"`
	SelectedText string     `json:"selectedText,omitempty"`
}

// Attachment is metadata for a file attached to a chat message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// LLMConfig carries per-request overrides sent by the client.
type LLMConfig map[string]any

// String returns the trimmed string at key, or "" when absent or not a string.
func (c LLMConfig) String(key string) string {
	if c == nil {
		return ""
	}
	s, ok := c[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// Number returns the numeric value at key.
func (c LLMConfig) Number(key string) (float64, bool) {
	if c == nil {
		return 0, false
	}
	switch v := c[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Bool reports whether key holds boolean true.
func (c LLMConfig) Bool(key string) bool {
	if c == nil {
		return false
	}
	b, ok := c[key].(bool)
	return ok && b
}

// Object returns the nested object at key.
func (c LLMConfig) Object(key string) (map[string]any, bool) {
	if c == nil {
		return nil, false
	}
	m, ok := c[key].(map[string]any)
	return m, ok
}

// RequestBase holds fields common to every capability request.
type RequestBase struct {
	RequestID     string `json:"requestId,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	WorkspaceID   string `json:"workspaceId,omitempty"`
	WorkspaceRoot string `json:"workspaceRoot,omitempty"`
}

// Request is implemented by every capability request. SizeHint is the payload
// size the router compares against the long-text threshold.
type Request interface {
	Capability() Capability
	SizeHint() int
}

// ChatRequest is a streamed conversation turn.
type ChatRequest struct {
	RequestBase
	Message       string         `json:"message"`
	Mode          string         `json:"mode,omitempty"`
	Attachments   []Attachment   `json:"attachments,omitempty"`
	ToolOverrides []string       `json:"toolOverrides,omitempty"`
	Editor        *EditorContext `json:"editor,omitempty"`
	LLMConfig     LLMConfig      `json:"llmConfig,omitempty"`
}

func (r *ChatRequest) Capability() Capability { return CapabilityChat }
func (r *ChatRequest) SizeHint() int          { return len(r.Message) }

// Validate checks the request has something to send.
func (r *ChatRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" && len(r.Attachments) == 0 {
		return errors.New("message is required")
	}
	return nil
}

// InlineRequest asks for a completion at the cursor.
type InlineRequest struct {
	RequestBase
	Editor    EditorContext `json:"editor"`
	MaxTokens int           `json:"maxTokens,omitempty"`
	LLMConfig LLMConfig     `json:"llmConfig,omitempty"`
}

func (r *InlineRequest) Capability() Capability { return CapabilityInline }
func (r *InlineRequest) SizeHint() int          { return len(r.Editor.VisibleText) }

// EditorActionRequest asks the model to transform or explain visible code.
type EditorActionRequest struct {
	RequestBase
	Action      string        `json:"action"`
	Instruction string        `json:"instruction"`
	Editor      EditorContext `json:"editor"`
	LLMConfig   LLMConfig     `json:"llmConfig,omitempty"`
}

func (r *EditorActionRequest) Capability() Capability { return CapabilityEditorAction }
func (r *EditorActionRequest) SizeHint() int {
	return len(r.Instruction) + len(r.Editor.VisibleText)
}

// Validate checks the action kind.
func (r *EditorActionRequest) Validate() error {
	switch r.Action {
	case "refactor", "explain", "optimize":
		return nil
	case "":
		return errors.New("action is required")
	default:
		return errors.New("action must be one of refactor, explain, optimize")
	}
}

// ToolsRequest runs a single tool directly.
type ToolsRequest struct {
	RequestBase
	ToolName string    `json:"toolName"`
	Args     Arguments `json:"args"`
}

func (r *ToolsRequest) Capability() Capability { return CapabilityTools }
func (r *ToolsRequest) SizeHint() int          { return 0 }

// EmbeddingsRequest embeds a batch of texts.
type EmbeddingsRequest struct {
	RequestBase
	Texts     []string  `json:"texts"`
	Model     string    `json:"model,omitempty"`
	LLMConfig LLMConfig `json:"llmConfig,omitempty"`
}

func (r *EmbeddingsRequest) Capability() Capability { return CapabilityEmbeddings }
func (r *EmbeddingsRequest) SizeHint() int {
	n := 0
	for _, t := range r.Texts {
		n += len(t)
	}
	return n
}

// Usage reports token counts when the provider returns them.
type Usage struct {
	PromptTokens     int `json:"promptTokens,omitempty"`
	CompletionTokens int `json:"completionTokens,omitempty"`
	TotalTokens      int `json:"totalTokens,omitempty"`
}

// ResponseBase holds fields common to every non-streamed response.
type ResponseBase struct {
	RequestID  string      `json:"requestId"`
	Capability Capability  `json:"capability"`
	Route      RouteTarget `json:"route"`
	LatencyMs  int64       `json:"latencyMs"`
	Usage      *Usage      `json:"usage,omitempty"`
}

// InlineSuggestion is one completion candidate.
type InlineSuggestion struct {
	Text string `json:"text"`
	Kind string `json:"kind,omitempty"`
}

// InlineResponse answers an InlineRequest.
type InlineResponse struct {
	ResponseBase
	Suggestions []InlineSuggestion `json:"suggestions"`
}

// EditorActionResponse answers an EditorActionRequest.
type EditorActionResponse struct {
	ResponseBase
	Content string `json:"content"`
}

// ToolsResponse answers a ToolsRequest.
type ToolsResponse struct {
	ResponseBase
	Result any `json:"result"`
}

// EmbeddingsResponse answers an EmbeddingsRequest.
type EmbeddingsResponse struct {
	ResponseBase
	Vectors [][]float32 `json:"vectors"`
}
