// Package agent runs one conversation turn: it streams the model reply,
// executes the tools the model asks for and loops until the model stops
// calling tools.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/aichat/internal/models"
	"github.com/hyperjump/aichat/internal/provider"
	"github.com/hyperjump/aichat/internal/tools"
)

const (
	// DefaultContextMaxLength is the history budget in estimated tokens.
	DefaultContextMaxLength = 128000
	// DefaultMaxRounds bounds model calls per turn.
	DefaultMaxRounds = 50
)

// ErrTooManyRounds is returned when the model keeps calling tools past the round limit.
var ErrTooManyRounds = errors.New("tool call round limit reached")

// MessageStore persists the conversation of a session.
type MessageStore interface {
	GetMessages(ctx context.Context, sessionID string) ([]models.Message, error)
	AddMessage(ctx context.Context, sessionID string, msg models.Message, mode string) (models.Message, error)
}

// ToolRunner offers tool definitions to the model and executes its calls.
type ToolRunner interface {
	Names() []string
	Definitions(names []string) []models.ToolDefinition
	Execute(ctx context.Context, tc tools.Context, name string, args map[string]any) (any, error)
}

// Agent holds the history of one session for the duration of a turn.
type Agent struct {
	client           provider.ChatCompleter
	runner           ToolRunner
	store            MessageStore
	logger           *zap.Logger
	sessionID        string
	workspaceRoot    string
	contextMaxLength int
	maxRounds        int

	mode          string
	active        []string
	activeSet     map[string]bool
	systemPrompt  string
	systemContext string
	history       []models.Message
}

// Option configures an Agent.
type Option func(*Agent)

// WithStore sets where messages are loaded from and saved to.
func WithStore(s MessageStore) Option {
	return func(a *Agent) { a.store = s }
}

// WithSession binds the agent to a session id.
func WithSession(id string) Option {
	return func(a *Agent) { a.sessionID = id }
}

// WithWorkspace sets the root tools operate in.
func WithWorkspace(root string) Option {
	return func(a *Agent) { a.workspaceRoot = root }
}

// WithContextMaxLength sets the history budget in estimated tokens.
func WithContextMaxLength(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.contextMaxLength = n
		}
	}
}

// WithMaxRounds sets how many model calls one turn may make.
func WithMaxRounds(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxRounds = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// New creates an agent in chat mode.
func New(client provider.ChatCompleter, runner ToolRunner, opts ...Option) *Agent {
	a := &Agent{
		client:           client,
		runner:           runner,
		logger:           zap.NewNop(),
		contextMaxLength: DefaultContextMaxLength,
		maxRounds:        DefaultMaxRounds,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.SetMode(ModeChat, nil)
	return a
}

// LoadHistory replaces the history with the stored messages of the session.
func (a *Agent) LoadHistory(ctx context.Context) error {
	if a.store == nil || a.sessionID == "" {
		return nil
	}
	msgs, err := a.store.GetMessages(ctx, a.sessionID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	a.history = a.history[:0]
	for _, m := range msgs {
		if m.Role != models.RoleSystem {
			a.history = append(a.history, m)
		}
	}
	a.ensureSystemPrompt()
	return nil
}

// SetMode selects the prompt and the tools the model may call.
func (a *Agent) SetMode(mode string, overrides []string) {
	if mode == "" {
		mode = ModeChat
	}
	a.mode = mode
	var available []string
	if a.runner != nil {
		available = a.runner.Names()
	}
	a.active = ModeTools(mode, available, overrides)
	a.activeSet = make(map[string]bool, len(a.active))
	for _, n := range a.active {
		a.activeSet[n] = true
	}
	a.systemPrompt = SystemPrompt(mode, a.active)
	a.logger.Debug("agent mode set", zap.String("mode", mode), zap.Strings("tools", a.active))
	a.ensureSystemPrompt()
}

// SetSystemContext appends text (session summary, retrieved code, editor
// state) to the system prompt.
func (a *Agent) SetSystemContext(text string) {
	a.systemContext = text
	a.ensureSystemPrompt()
}

// Mode returns the current mode.
func (a *Agent) Mode() string { return a.mode }

// ActiveTools returns the tools the model may call in the current mode.
func (a *Agent) ActiveTools() []string {
	return append([]string(nil), a.active...)
}

// History returns a copy of the conversation.
func (a *Agent) History() []models.Message {
	return append([]models.Message(nil), a.history...)
}

func (a *Agent) ensureSystemPrompt() {
	content := a.systemPrompt
	if a.systemContext != "" {
		content += "\n\n" + a.systemContext
	}
	if len(a.history) > 0 && a.history[0].Role == models.RoleSystem {
		a.history[0].Content = content
		return
	}
	a.history = append([]models.Message{{Role: models.RoleSystem, Content: content}}, a.history...)
}

func (a *Agent) save(ctx context.Context, m models.Message) {
	if a.store == nil || a.sessionID == "" {
		return
	}
	if _, err := a.store.AddMessage(context.WithoutCancel(ctx), a.sessionID, m, a.mode); err != nil {
		a.logger.Warn("failed to save message", zap.String("session", a.sessionID), zap.Error(err))
	}
}

// UserMessage builds the user message for input, listing attachments as extra text parts.
func UserMessage(input string, attachments []models.Attachment) models.Message {
	m := models.Message{Role: models.RoleUser, Content: input}
	if len(attachments) == 0 {
		return m
	}
	m.Content = ""
	m.Parts = []models.ContentPart{{Type: "text", Text: input}}
	for _, att := range attachments {
		m.Parts = append(m.Parts, models.ContentPart{Type: "text", Text: fmt.Sprintf("[Attachment: %s]", att.Name)})
	}
	return m
}

// Chat runs one turn. Text deltas and tool progress lines are passed to
// onChunk as they arrive. The user message is persisted once the model
// produces output, so a turn retried on another route is stored once.
func (a *Agent) Chat(ctx context.Context, input string, attachments []models.Attachment, opts provider.ChatOptions, onChunk func(string) error) error {
	a.ensureSystemPrompt()
	user := UserMessage(input, attachments)
	a.history = append(a.history, user)
	userSaved := false
	saveUser := func() {
		if !userSaved {
			userSaved = true
			a.save(ctx, user)
		}
	}
	emit := func(s string) error {
		saveUser()
		if onChunk == nil {
			return nil
		}
		return onChunk(s)
	}
	if opts.SessionID == "" {
		opts.SessionID = a.sessionID
	}

	var defs []models.ToolDefinition
	if len(a.active) > 0 {
		defs = a.runner.Definitions(a.active)
	}

	for round := 0; ; round++ {
		if round >= a.maxRounds {
			return ErrTooManyRounds
		}
		a.history = Trim(a.history, a.contextMaxLength)

		resp, err := a.client.StreamChatCompletion(ctx, a.history, defs, opts, emit)
		if err != nil {
			return err
		}
		saveUser()
		resp.Role = models.RoleAssistant
		a.history = append(a.history, resp)
		a.save(ctx, resp)

		if len(resp.ToolCalls) == 0 {
			return nil
		}
		for _, call := range resp.ToolCalls {
			if err := emit(fmt.Sprintf("\n[Executing %s...]\n", call.Function.Name)); err != nil {
				return err
			}
			content := a.runTool(ctx, call)
			msg := models.Message{
				Role:       models.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
				Content:    content,
			}
			a.history = append(a.history, msg)
			a.save(ctx, msg)
		}
	}
}

func (a *Agent) runTool(ctx context.Context, call models.ToolCall) string {
	name := call.Function.Name
	args, err := RepairArguments(name, call.Function.Arguments)
	if err == nil && !a.activeSet[name] {
		err = fmt.Errorf("tool %s is not enabled in %s mode", name, a.mode)
	}
	var result any
	if err == nil {
		a.logger.Debug("executing tool call", zap.String("id", call.ID), zap.String("tool", name))
		result, err = a.runner.Execute(ctx, tools.Context{SessionID: a.sessionID, WorkspaceRoot: a.workspaceRoot}, name, args)
	}
	out := FormatToolResult(result, err)
	a.logger.Debug("tool result", zap.String("id", call.ID), zap.String("tool", name), zap.Int("size", len(out)))
	return out
}

// FormatToolResult serializes a tool outcome for a tool message. Errors and
// plain text become {"message": ...}; JSON text and values are re-encoded.
func FormatToolResult(result any, err error) string {
	if err != nil {
		return encodeMessage("Error: " + err.Error())
	}
	if s, ok := result.(string); ok {
		var v any
		if json.Unmarshal([]byte(s), &v) == nil {
			if b, err := json.Marshal(v); err == nil {
				return string(b)
			}
		}
		return encodeMessage(s)
	}
	b, err := json.Marshal(result)
	if err != nil {
		return encodeMessage(fmt.Sprint(result))
	}
	return string(b)
}

func encodeMessage(s string) string {
	b, _ := json.Marshal(map[string]string{"message": s})
	return string(b)
}
