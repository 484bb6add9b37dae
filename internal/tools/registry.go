// Package tools implements the workspace tools the model may call: file
// access, editing, search, shell and semantic search.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"

	"github.com/hyperjump/aichat/internal/models"
	"github.com/hyperjump/aichat/internal/session"
	"github.com/hyperjump/aichat/pkg/utils"
)

// ErrNoWorkspace is returned by tools that need a workspace root when none is bound.
var ErrNoWorkspace = errors.New("workspace root is not bound")

// Context carries per-call information to a tool.
type Context struct {
	SessionID     string
	WorkspaceRoot string
}

// Tool is one callable workspace tool.
type Tool interface {
	Name() string
	Description() string
	Schema() *jsonschema.Schema
	Execute(ctx context.Context, tc Context, args map[string]any) (any, error)
}

// NotFoundError reports a call to an unregistered tool.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool %s not found", e.Name)
}

// ValidationError reports arguments that do not match the tool schema.
type ValidationError struct {
	Name string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %v", e.Name, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// LogSink receives tool execution records.
type LogSink interface {
	AddLog(ctx context.Context, e session.LogEntry) error
}

type registered struct {
	tool     Tool
	resolved *jsonschema.Resolved
}

// Registry holds tools by name and validates arguments before execution.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]registered
	logs   LogSink
	logger *zap.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogSink sets where tool executions are recorded per session.
func WithLogSink(s LogSink) RegistryOption {
	return func(r *Registry) { r.logs = s }
}

// WithLogger sets a logger for tool executions.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{tools: make(map[string]registered)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds t, replacing any tool with the same name. The schema is
// resolved once here; a schema that does not resolve is an error.
func (r *Registry) Register(t Tool) error {
	resolved, err := t.Schema().Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve schema for %s: %w", t.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name()]; dup && r.logger != nil {
		r.logger.Warn("tool already registered, overwriting", zap.String("tool", t.Name()))
	}
	r.tools[t.Name()] = registered{tool: t, resolved: resolved}
	return nil
}

// Get returns the tool named name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.tool, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the model-facing definitions of the named tools in the
// given order. Unknown names are skipped.
func (r *Registry) Definitions(names []string) []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDefinition, 0, len(names))
	for _, n := range names {
		e, ok := r.tools[n]
		if !ok {
			continue
		}
		out = append(out, models.ToolDefinition{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Parameters:  e.tool.Schema(),
		})
	}
	return out
}

// Execute validates args against the tool schema and runs the tool. Every
// outcome is written to the session log when a session id is set.
func (r *Registry) Execute(ctx context.Context, tc Context, name string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	start := time.Now()
	logData := map[string]any{"tool": name, "args": args, "timestamp": start.UTC().Format(time.RFC3339Nano)}

	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		err := &NotFoundError{Name: name}
		r.record(ctx, tc, name, logData, map[string]any{"error": err.Error()}, 404, err)
		return nil, err
	}

	if verr := e.resolved.Validate(args); verr != nil {
		err := &ValidationError{Name: name, Err: verr}
		r.record(ctx, tc, name, logData, map[string]any{"error": err.Error()}, 400, err)
		return nil, err
	}

	if r.logger != nil {
		r.logger.Debug("executing tool", zap.String("tool", name), zap.String("session", tc.SessionID))
	}
	result, err := e.tool.Execute(ctx, tc, args)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		r.record(ctx, tc, name, logData, map[string]any{"error": err.Error(), "duration": duration}, 500, err)
		return nil, err
	}
	r.record(ctx, tc, name, logData, map[string]any{"result": result, "duration": duration}, 200, nil)
	if r.logger != nil {
		r.logger.Debug("tool executed",
			zap.String("tool", name),
			zap.Int64("duration_ms", duration),
			zap.String("preview", utils.Truncate(fmt.Sprint(result), 400)))
	}
	return result, nil
}

func (r *Registry) record(ctx context.Context, tc Context, name string, req, resp any, status int, err error) {
	if err != nil && r.logger != nil {
		r.logger.Warn("tool failed", zap.String("tool", name), zap.Error(err))
	}
	if r.logs == nil || tc.SessionID == "" {
		return
	}
	entry := session.LogEntry{
		SessionID:    tc.SessionID,
		Provider:     "system",
		Method:       "tool_execution",
		URL:          name,
		RequestBody:  req,
		ResponseBody: resp,
		StatusCode:   status,
		Success:      err == nil,
	}
	if err != nil {
		entry.ParseError = err.Error()
	}
	if lerr := r.logs.AddLog(context.WithoutCancel(ctx), entry); lerr != nil && r.logger != nil {
		r.logger.Warn("failed to record tool execution", zap.String("tool", name), zap.Error(lerr))
	}
}
