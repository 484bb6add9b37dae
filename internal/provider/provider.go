// Package provider implements chat completion clients for OpenAI-compatible
// and Anthropic APIs, and the pool that builds and caches them per route.
package provider

import (
	"context"
	"net/http"
	"strings"

	"github.com/hyperjump/aichat/internal/models"
)

// ChatOptions are per-call generation parameters.
type ChatOptions struct {
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	// SessionID tags call records written through a CallRecorder.
	SessionID string
}

// Float returns a pointer to v, for optional ChatOptions fields.
func Float(v float64) *float64 { return &v }

// ChatCompleter is a chat model bound to one provider, model and credential.
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, msgs []models.Message, tools []models.ToolDefinition, opts ChatOptions) (models.Message, error)
	// StreamChatCompletion calls onChunk for each text delta as it arrives and
	// returns the assembled assistant message. An error from onChunk aborts the stream.
	StreamChatCompletion(ctx context.Context, msgs []models.Message, tools []models.ToolDefinition, opts ChatOptions, onChunk func(string) error) (models.Message, error)
	CheckHealth(ctx context.Context) bool
}

// CallRecord describes one provider call for the request log.
type CallRecord struct {
	SessionID string
	Provider  string
	Method    string
	URL       string
	Request   any
	Response  any
	Status    int
	Success   bool
	Error     string
}

// CallRecorder persists provider call records.
type CallRecorder interface {
	RecordCall(ctx context.Context, rec CallRecord)
}

// Option configures a client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	recorder   CallRecorder
	wait       func(ctx context.Context) error
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithRecorder sets where call records are written.
func WithRecorder(r CallRecorder) Option {
	return func(o *clientOptions) { o.recorder = r }
}

// WithWait sets a function called before every request, typically a rate limiter.
func WithWait(fn func(ctx context.Context) error) Option {
	return func(o *clientOptions) { o.wait = fn }
}

func buildOptions(opts []Option) clientOptions {
	o := clientOptions{httpClient: &http.Client{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o clientOptions) record(ctx context.Context, rec CallRecord) {
	if o.recorder != nil && rec.SessionID != "" {
		o.recorder.RecordCall(ctx, rec)
	}
}

func (o clientOptions) waitTurn(ctx context.Context) error {
	if o.wait == nil {
		return ctx.Err()
	}
	return o.wait(ctx)
}

// Default base URLs for OpenAI-compatible providers.
var defaultBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"xai":        "https://api.x.ai/v1",
	"ollama":     "http://localhost:11434/v1",
	"lmstudio":   "http://localhost:1234/v1",
	"llamacpp":   "http://localhost:8080/v1",
}

// BaseURL returns configured when set, else the provider's default.
func BaseURL(provider, configured string) string {
	if u := strings.TrimRight(strings.TrimSpace(configured), "/"); u != "" {
		return u
	}
	return defaultBaseURLs[provider]
}
