// Package engine serves the AI capabilities: it routes each request, builds
// context, runs it against provider targets with retry and fallback, and
// records metrics and request logs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/aichat/internal/agent"
	"github.com/hyperjump/aichat/internal/config"
	"github.com/hyperjump/aichat/internal/embedding"
	"github.com/hyperjump/aichat/internal/metrics"
	"github.com/hyperjump/aichat/internal/models"
	"github.com/hyperjump/aichat/internal/provider"
	"github.com/hyperjump/aichat/internal/router"
	"github.com/hyperjump/aichat/internal/session"
	"github.com/hyperjump/aichat/internal/tools"
	"github.com/hyperjump/aichat/pkg/utils"
)

const (
	inlineContextChars = 5000
	editorContextChars = 6500
	inlineMaxTokens    = 128
	editorMaxTokens    = 1024
)

const (
	inlineSystemPrompt = "You are an IDE inline completion engine. Output only the code to insert."
	editorSystemPrompt = "You are an IDE editor assistant. Follow the instruction and respond with the result."
)

// InvalidRequestError reports a request that cannot be served as sent.
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string { return e.Message }

// ClientSource builds provider clients for route targets.
type ClientSource interface {
	Get(target models.RouteTarget, cfg *config.Runtime) (provider.Built, error)
}

// SessionStore persists conversations and the request log.
type SessionStore interface {
	agent.MessageStore
	AddLog(ctx context.Context, e session.LogEntry) error
}

// Engine serves every capability. It is safe for concurrent use; turns of
// the same session run one at a time.
type Engine struct {
	runtime          RuntimeSource
	clients          ClientSource
	tools            agent.ToolRunner
	sessions         SessionStore
	retriever        *Retriever
	embeddings       *embedding.Service
	contexts         *ContextManager
	metrics          metrics.Recorder
	locks            *utils.KeyedMutex
	logger           *zap.Logger
	workspaceRoot    string
	ragEnabled       bool
	contextMaxLength int
	sleep            func(ctx context.Context, d time.Duration) error
	now              func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSessions sets the session store used for history, summaries and logs.
func WithSessions(s SessionStore) Option {
	return func(e *Engine) { e.sessions = s }
}

// WithTools sets the tool runner used by chat turns and the tools capability.
func WithTools(r agent.ToolRunner) Option {
	return func(e *Engine) { e.tools = r }
}

// WithRetriever enables retrieval from workspace indexes.
func WithRetriever(r *Retriever) Option {
	return func(e *Engine) { e.retriever = r }
}

// WithEmbeddings sets the embedding service.
func WithEmbeddings(s *embedding.Service) Option {
	return func(e *Engine) { e.embeddings = s }
}

// WithWorkspaceRoot sets the root used when a request names none.
func WithWorkspaceRoot(root string) Option {
	return func(e *Engine) { e.workspaceRoot = root }
}

// WithRAG turns retrieval on for every chat turn. Requests can also ask for
// it with llmConfig.rag.
func WithRAG(enabled bool) Option {
	return func(e *Engine) { e.ragEnabled = enabled }
}

// WithContextMaxLength sets the default model context length in tokens.
func WithContextMaxLength(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.contextMaxLength = n
		}
	}
}

// WithSleep replaces the retry backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// New creates an engine.
func New(runtime RuntimeSource, clients ClientSource, opts ...Option) *Engine {
	e := &Engine{
		runtime:          runtime,
		clients:          clients,
		metrics:          metrics.NewCollector(),
		locks:            utils.NewKeyedMutex(),
		logger:           zap.NewNop(),
		contextMaxLength: agent.DefaultContextMaxLength,
		sleep:            sleepContext,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.embeddings == nil {
		e.embeddings = embedding.NewService(embedding.WithLogger(e.logger))
	}
	var lister MessageLister
	if e.sessions != nil {
		lister = e.sessions
	}
	e.contexts = NewContextManager(lister)
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Metrics returns a snapshot of the collected metrics.
func (e *Engine) Metrics() metrics.Snapshot {
	return e.metrics.Snapshot()
}

// Contexts returns the context manager.
func (e *Engine) Contexts() *ContextManager {
	return e.contexts
}

func requestID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func (e *Engine) root(requested string) string {
	if requested != "" {
		return requested
	}
	return e.workspaceRoot
}

func (e *Engine) record(cfg *config.Runtime, c models.Capability, route models.RouteTarget, ok bool, started time.Time) int64 {
	latency := e.now().Sub(started).Milliseconds()
	if cfg.Metrics.EnabledOrDefault() {
		e.metrics.Record(metrics.Sample{
			Capability: string(c),
			Provider:   route.Provider,
			Model:      route.Model,
			OK:         ok,
			LatencyMs:  latency,
		})
	}
	return latency
}

func (e *Engine) recordError(cfg *config.Runtime, err error) {
	if err != nil && cfg.Metrics.EnabledOrDefault() {
		e.metrics.RecordError(err.Error())
	}
}

// attempt runs one call against a built client. It reports whether output
// already reached the caller, in which case the failure is final.
type attempt func(ctx context.Context, built provider.Built) (yielded bool, err error)

// run tries the decision targets in order, each up to the configured number of
// attempts with a linear backoff. A target whose client cannot be built, or
// whose failure is not transient, is skipped right away. It returns the route
// that served the request, or the last one tried.
func (e *Engine) run(ctx context.Context, cfg *config.Runtime, decision models.RouteDecision, fn attempt) (models.RouteTarget, error) {
	maxAttempts := cfg.Retries.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultMaxAttempts
	}
	baseDelay := time.Duration(max(cfg.Retries.BaseDelayMs, 0)) * time.Millisecond

	used := decision.Primary
	var lastErr error
	for _, target := range decision.Targets() {
		used = target
		built, err := e.clients.Get(target, cfg)
		if err != nil {
			lastErr = err
			e.recordError(cfg, err)
			e.logger.Warn("route target unavailable", zap.String("provider", target.Provider), zap.Error(err))
			continue
		}
		used = built.Route

		for n := 1; n <= maxAttempts; n++ {
			yielded, err := fn(ctx, built)
			if err == nil {
				return used, nil
			}
			lastErr = err
			if yielded || ctx.Err() != nil {
				e.recordError(cfg, err)
				return used, err
			}
			if !provider.IsTransient(err) || n == maxAttempts {
				break
			}
			e.logger.Debug("retrying provider call",
				zap.String("provider", used.Provider),
				zap.String("model", used.Model),
				zap.Int("attempt", n),
				zap.Error(err))
			if err := e.sleep(ctx, time.Duration(n)*baseDelay); err != nil {
				e.recordError(cfg, lastErr)
				return used, lastErr
			}
		}
		e.recordError(cfg, lastErr)
		e.logger.Warn("route target failed", zap.String("provider", used.Provider), zap.String("model", used.Model), zap.Error(lastErr))
	}
	if lastErr == nil {
		lastErr = errors.New("no route target available")
	}
	return used, lastErr
}

func contextMaxLength(llm models.LLMConfig, fallback int) int {
	if n, ok := llm.Number("context_max_length"); ok && n > 0 {
		return int(n)
	}
	return fallback
}

func chatOptions(llm models.LLMConfig, sessionID string) provider.ChatOptions {
	opts := provider.ChatOptions{SessionID: sessionID}
	if n, ok := llm.Number("output_max_tokens"); ok && n > 0 {
		opts.MaxTokens = int(n)
	}
	if t, ok := llm.Number("temperature"); ok {
		opts.Temperature = provider.Float(t)
	}
	if p, ok := llm.Number("top_p"); ok {
		opts.TopP = provider.Float(min(1.0, max(0.1, p)))
	}
	return opts
}

func (e *Engine) ragRequested(llm models.LLMConfig) bool {
	return e.retriever != nil && (e.ragEnabled || llm.Bool("rag"))
}

// ChatStream runs a chat turn and passes its output to write as it arrives.
// Once anything has been written, a failure is returned as is and no other
// target is tried.
func (e *Engine) ChatStream(ctx context.Context, req *models.ChatRequest, write func(string) error) error {
	if err := req.Validate(); err != nil {
		return &InvalidRequestError{Message: err.Error()}
	}
	started := e.now()
	id := requestID(req.RequestID)
	cfg := config.MergeRuntime(e.runtime.Get(), req.LLMConfig)
	decision := router.Decide(req, cfg)
	ctxMax := contextMaxLength(req.LLMConfig, e.contextMaxLength)
	root := e.root(req.WorkspaceRoot)

	if req.SessionID != "" {
		unlock := e.locks.Lock(req.SessionID)
		defer unlock()
	}

	editorContext := e.contexts.BuildSystemContext(req.Editor, root, SystemContextMaxChars(ctxMax))
	var (
		summary, rag string
		prepared     bool
	)
	prepare := func(ctx context.Context, client provider.ChatCompleter) string {
		if !prepared {
			prepared = true
			summary = e.contexts.BuildSessionSummary(ctx, req.SessionID, client)
			if e.ragRequested(req.LLMConfig) && root != "" {
				rag = e.retriever.Addendum(ctx, cfg, root, req.Message, req.LLMConfig.String("rag_embedding_model"), RAGMaxChars(ctxMax))
			}
		}
		var parts []string
		if summary != "" {
			parts = append(parts, "Session summary:\n"+summary)
		}
		if rag != "" {
			parts = append(parts, rag)
		}
		if editorContext != "" {
			parts = append(parts, editorContext)
		}
		return strings.Join(parts, "\n\n")
	}

	yielded := false
	emit := func(s string) error {
		yielded = true
		if write == nil {
			return nil
		}
		return write(s)
	}

	used, err := e.run(ctx, cfg, decision, func(ctx context.Context, built provider.Built) (bool, error) {
		opts := []agent.Option{
			agent.WithSession(req.SessionID),
			agent.WithWorkspace(root),
			agent.WithContextMaxLength(ctxMax),
			agent.WithLogger(e.logger),
		}
		if e.sessions != nil {
			opts = append(opts, agent.WithStore(e.sessions))
		}
		a := agent.New(built.Client, e.tools, opts...)
		if err := a.LoadHistory(ctx); err != nil {
			return false, err
		}
		a.SetMode(req.Mode, req.ToolOverrides)
		a.SetSystemContext(prepare(ctx, built.Client))
		err := a.Chat(ctx, req.Message, req.Attachments, chatOptions(req.LLMConfig, req.SessionID), emit)
		return yielded, err
	})

	ok := err == nil
	latency := e.record(cfg, models.CapabilityChat, used, ok, started)
	e.logChat(ctx, req.SessionID, id, used, decision, ok, err)
	e.logger.Info("chat turn finished",
		zap.String("request_id", id),
		zap.String("session", req.SessionID),
		zap.String("provider", used.Provider),
		zap.String("model", used.Model),
		zap.Bool("ok", ok),
		zap.Int64("latency_ms", latency))
	return err
}

func (e *Engine) logChat(ctx context.Context, sessionID, id string, used models.RouteTarget, decision models.RouteDecision, ok bool, err error) {
	if e.sessions == nil || sessionID == "" {
		return
	}
	entry := session.LogEntry{
		SessionID:    sessionID,
		Provider:     "ai-engine",
		Method:       "chat",
		RequestBody:  map[string]any{"requestId": id, "route": used, "decision": decision},
		ResponseBody: map[string]any{"ok": ok},
		StatusCode:   200,
		Success:      ok,
	}
	if !ok {
		entry.StatusCode = 500
		entry.ParseError = "failed"
		if err != nil {
			entry.ParseError = err.Error()
		}
	}
	if err := e.sessions.AddLog(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Warn("failed to write chat log", zap.String("session", sessionID), zap.Error(err))
	}
}

// complete runs a single non-streamed completion with retry and fallback.
func (e *Engine) complete(ctx context.Context, req models.Request, base models.RequestBase, llm models.LLMConfig, msgs []models.Message, opts provider.ChatOptions) (models.ResponseBase, string, error) {
	started := e.now()
	cfg := config.MergeRuntime(e.runtime.Get(), llm)
	decision := router.Decide(req, cfg)

	var text string
	used, err := e.run(ctx, cfg, decision, func(ctx context.Context, built provider.Built) (bool, error) {
		resp, err := built.Client.ChatCompletion(ctx, msgs, nil, opts)
		if err != nil {
			return false, err
		}
		text = resp.Text()
		return false, nil
	})
	latency := e.record(cfg, req.Capability(), used, err == nil, started)
	if err != nil {
		return models.ResponseBase{}, "", err
	}
	return models.ResponseBase{
		RequestID:  requestID(base.RequestID),
		Capability: req.Capability(),
		Route:      used,
		LatencyMs:  latency,
	}, text, nil
}

// Inline returns a completion for the code before the cursor.
func (e *Engine) Inline(ctx context.Context, req *models.InlineRequest) (*models.InlineResponse, error) {
	editorCtx := e.contexts.BuildSystemContext(&req.Editor, e.root(req.WorkspaceRoot), inlineContextChars)
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: inlineSystemPrompt},
		{Role: models.RoleUser, Content: editorCtx + "\n\nCursor is at the end of the visible text. Continue the code with best effort." + "\n\n" + req.Editor.VisibleText},
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = inlineMaxTokens
	}
	base, text, err := e.complete(ctx, req, req.RequestBase, req.LLMConfig, msgs, provider.ChatOptions{
		MaxTokens:   maxTokens,
		Temperature: provider.Float(0.2),
		SessionID:   req.SessionID,
	})
	if err != nil {
		return nil, err
	}
	return &models.InlineResponse{
		ResponseBase: base,
		Suggestions:  []models.InlineSuggestion{{Text: strings.TrimLeft(text, " \t\r\n"), Kind: "insert"}},
	}, nil
}

// EditorAction refactors, explains or optimizes the visible code.
func (e *Engine) EditorAction(ctx context.Context, req *models.EditorActionRequest) (*models.EditorActionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, &InvalidRequestError{Message: err.Error()}
	}
	editorCtx := e.contexts.BuildSystemContext(&req.Editor, e.root(req.WorkspaceRoot), editorContextChars)
	user := fmt.Sprintf("%s\n\nAction: %s\nInstruction: %s\n\nVisible text:\n%s", editorCtx, req.Action, req.Instruction, req.Editor.VisibleText)
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: editorSystemPrompt},
		{Role: models.RoleUser, Content: user},
	}
	base, text, err := e.complete(ctx, req, req.RequestBase, req.LLMConfig, msgs, provider.ChatOptions{
		MaxTokens:   editorMaxTokens,
		Temperature: provider.Float(0.2),
		SessionID:   req.SessionID,
	})
	if err != nil {
		return nil, err
	}
	return &models.EditorActionResponse{ResponseBase: base, Content: text}, nil
}

// Tools runs one tool directly.
func (e *Engine) Tools(ctx context.Context, req *models.ToolsRequest) (*models.ToolsResponse, error) {
	if req.ToolName == "" {
		return nil, &InvalidRequestError{Message: "toolName is required"}
	}
	if e.tools == nil {
		return nil, &tools.NotFoundError{Name: req.ToolName}
	}
	started := e.now()
	cfg := config.NormalizeRuntime(e.runtime.Get())
	route := router.Decide(req, cfg).Primary

	args, err := agent.RepairArguments(req.ToolName, req.Args)
	if err != nil {
		return nil, &tools.ValidationError{Name: req.ToolName, Err: err}
	}
	result, err := e.tools.Execute(ctx, tools.Context{SessionID: req.SessionID, WorkspaceRoot: e.root(req.WorkspaceRoot)}, req.ToolName, args)
	latency := e.record(cfg, models.CapabilityTools, route, err == nil, started)
	if err != nil {
		e.recordError(cfg, err)
		return nil, err
	}
	return &models.ToolsResponse{
		ResponseBase: models.ResponseBase{
			RequestID:  requestID(req.RequestID),
			Capability: models.CapabilityTools,
			Route:      route,
			LatencyMs:  latency,
		},
		Result: result,
	}, nil
}

// Embeddings embeds texts. The route reports the provider and model that
// produced the vectors, which is "local" when the hash fallback was used.
func (e *Engine) Embeddings(ctx context.Context, req *models.EmbeddingsRequest) (*models.EmbeddingsResponse, error) {
	started := e.now()
	cfg := config.MergeRuntime(e.runtime.Get(), req.LLMConfig)
	res, err := e.embeddings.EmbedTexts(ctx, req.Texts, cfg, req.Model)
	route := models.RouteTarget{Provider: res.Provider, Model: res.Model}
	latency := e.record(cfg, models.CapabilityEmbeddings, route, err == nil, started)
	if err != nil {
		e.recordError(cfg, err)
		return nil, err
	}
	return &models.EmbeddingsResponse{
		ResponseBase: models.ResponseBase{
			RequestID:  requestID(req.RequestID),
			Capability: models.CapabilityEmbeddings,
			Route:      route,
			LatencyMs:  latency,
		},
		Vectors: res.Vectors,
	}, nil
}

// CheckHealth sends a ping through the chat route. llmConfig.check_model, then
// llmConfig.model, override the routed model.
func (e *Engine) CheckHealth(ctx context.Context, llm models.LLMConfig) (bool, models.RouteTarget, error) {
	cfg := config.MergeRuntime(e.runtime.Get(), llm)
	target := router.Decide(&models.ChatRequest{Message: "ping"}, cfg).Primary
	if m := strings.TrimSpace(llm.String("check_model")); m != "" {
		target.Model = m
	} else if m := strings.TrimSpace(llm.String("model")); m != "" {
		target.Model = m
	}
	built, err := e.clients.Get(target, cfg)
	if err != nil {
		return false, target, err
	}
	ok := built.Client.CheckHealth(ctx)
	e.logger.Debug("health check", zap.String("provider", built.Route.Provider), zap.String("model", built.Route.Model), zap.Bool("ok", ok))
	return ok, built.Route, nil
}
