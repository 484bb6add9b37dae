package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/aichat/internal/models"
	"github.com/hyperjump/aichat/internal/provider"
	"github.com/hyperjump/aichat/internal/tools"
)

type scripted struct {
	chunks []string
	msg    models.Message
	err    error
}

type scriptedClient struct {
	mu        sync.Mutex
	responses []scripted
	calls     [][]models.Message
	defs      [][]models.ToolDefinition
}

func (c *scriptedClient) ChatCompletion(ctx context.Context, msgs []models.Message, defs []models.ToolDefinition, opts provider.ChatOptions) (models.Message, error) {
	return c.StreamChatCompletion(ctx, msgs, defs, opts, func(string) error { return nil })
}

func (c *scriptedClient) StreamChatCompletion(_ context.Context, msgs []models.Message, defs []models.ToolDefinition, _ provider.ChatOptions, onChunk func(string) error) (models.Message, error) {
	c.mu.Lock()
	c.calls = append(c.calls, append([]models.Message(nil), msgs...))
	c.defs = append(c.defs, defs)
	var next scripted
	if len(c.responses) > 0 {
		next = c.responses[0]
		c.responses = c.responses[1:]
	} else {
		next = scripted{chunks: []string{"done"}}
	}
	c.mu.Unlock()

	for _, ch := range next.chunks {
		if err := onChunk(ch); err != nil {
			return models.Message{}, err
		}
	}
	if next.err != nil {
		return models.Message{}, next.err
	}
	msg := next.msg
	msg.Role = models.RoleAssistant
	if msg.Content == "" {
		msg.Content = strings.Join(next.chunks, "")
	}
	return msg, nil
}

func (c *scriptedClient) CheckHealth(context.Context) bool { return true }

type memoryStore struct {
	mu   sync.Mutex
	msgs map[string][]models.Message
}

func newMemoryStore() *memoryStore {
	return &memoryStore{msgs: map[string][]models.Message{}}
}

func (s *memoryStore) GetMessages(_ context.Context, sessionID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.msgs[sessionID]...), nil
}

func (s *memoryStore) AddMessage(_ context.Context, sessionID string, m models.Message, _ string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = int64(len(s.msgs[sessionID]) + 1)
	s.msgs[sessionID] = append(s.msgs[sessionID], m)
	return m, nil
}

func (s *memoryStore) roles(sessionID string) []models.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Role
	for _, m := range s.msgs[sessionID] {
		out = append(out, m.Role)
	}
	return out
}

func toolCall(id, name, raw string) models.ToolCall {
	return models.ToolCall{ID: id, Function: models.FunctionCall{Name: name, Arguments: models.ArgumentsFromString(raw)}}
}

func newRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, tools.RegisterDefaults(r, tools.Options{}))
	return r
}

func collect(out *[]string) func(string) error {
	return func(s string) error {
		*out = append(*out, s)
		return nil
	}
}

func TestChatStreamsAndRunsTools(t *testing.T) {
	root := t.TempDir()
	store := newMemoryStore()
	client := &scriptedClient{responses: []scripted{
		{chunks: []string{"Writing ", "file."}, msg: models.Message{ToolCalls: []models.ToolCall{
			toolCall("call_1", tools.WriteFile, "```json\n{\"path\":\"hello.txt\",\"content\":\"hi\"}\n```"),
		}}},
		{chunks: []string{"All ", "done."}},
	}}
	a := New(client, newRegistry(t), WithStore(store), WithSession("s1"), WithWorkspace(root))
	a.SetMode(ModeAgent, nil)

	var chunks []string
	require.NoError(t, a.Chat(context.Background(), "create hello.txt", nil, provider.ChatOptions{}, collect(&chunks)))

	assert.Equal(t, []string{"Writing ", "file.", "\n[Executing write_file...]\n", "All ", "done."}, chunks)
	data, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	history := a.History()
	roles := make([]models.Role, len(history))
	for i, m := range history {
		roles[i] = m.Role
	}
	assert.Equal(t, []models.Role{models.RoleSystem, models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}, roles)
	assert.Equal(t, "call_1", history[3].ToolCallID)
	assert.Contains(t, history[3].Content, `"status":"ok"`)

	assert.Equal(t, []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}, store.roles("s1"))

	require.Len(t, client.defs, 2)
	assert.NotEmpty(t, client.defs[0])
	assert.Contains(t, client.calls[0][0].Content, "Active tools in this mode:")
}

func TestChatModeGatesTools(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.txt"), []byte("x"), 0644))
	client := &scriptedClient{responses: []scripted{
		{msg: models.Message{ToolCalls: []models.ToolCall{toolCall("c1", tools.ReadFile, `{"path":"secret.txt"}`)}}},
		{chunks: []string{"ok"}},
	}}
	a := New(client, newRegistry(t), WithWorkspace(root))

	require.NoError(t, a.Chat(context.Background(), "read it", nil, provider.ChatOptions{}, nil))
	assert.Empty(t, client.defs[0])
	history := a.History()
	toolMsg := history[3]
	require.Equal(t, models.RoleTool, toolMsg.Role)
	assert.Equal(t, `{"message":"Error: tool read_file is not enabled in chat mode"}`, toolMsg.Content)
}

func TestChatReportsToolErrorsAsResults(t *testing.T) {
	client := &scriptedClient{responses: []scripted{
		{msg: models.Message{ToolCalls: []models.ToolCall{
			toolCall("c1", tools.ReadFile, `{}`),
			toolCall("c2", "no_such_tool", `{}`),
			toolCall("c3", tools.EditFile, `not json at all`),
		}}},
		{chunks: []string{"sorry"}},
	}}
	a := New(client, newRegistry(t), WithWorkspace(t.TempDir()))
	a.SetMode(ModeAgent, nil)

	require.NoError(t, a.Chat(context.Background(), "go", nil, provider.ChatOptions{}, nil))
	history := a.History()
	require.Len(t, history, 7)
	assert.Contains(t, history[3].Content, "Error: invalid arguments for tool read_file")
	assert.Contains(t, history[4].Content, "not enabled in agent mode")
	assert.Contains(t, history[5].Content, "Error: could not parse arguments for edit_file")
}

func TestChatShellFallbackArguments(t *testing.T) {
	root := t.TempDir()
	client := &scriptedClient{responses: []scripted{
		{msg: models.Message{ToolCalls: []models.ToolCall{toolCall("c1", tools.ExecuteShell, "echo hi null")}}},
		{chunks: []string{"ran"}},
	}}
	a := New(client, newRegistry(t), WithWorkspace(root))
	a.SetMode(ModeCanva, nil)

	require.NoError(t, a.Chat(context.Background(), "run", nil, provider.ChatOptions{}, nil))
	assert.Equal(t, `{"message":"hi\n"}`, a.History()[3].Content)
}

func TestChatPersistsUserMessageOnlyOnceOutputStarts(t *testing.T) {
	store := newMemoryStore()
	boom := errors.New("boom")

	client := &scriptedClient{responses: []scripted{{err: boom}}}
	a := New(client, nil, WithStore(store), WithSession("s1"))
	err := a.Chat(context.Background(), "hello", nil, provider.ChatOptions{}, nil)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, store.roles("s1"))

	client = &scriptedClient{responses: []scripted{{chunks: []string{"par"}, err: boom}}}
	a = New(client, nil, WithStore(store), WithSession("s1"))
	err = a.Chat(context.Background(), "hello", nil, provider.ChatOptions{}, nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []models.Role{models.RoleUser}, store.roles("s1"))
}

func TestChatStopsWhenChunkConsumerFails(t *testing.T) {
	client := &scriptedClient{responses: []scripted{{chunks: []string{"a", "b"}}}}
	a := New(client, nil)
	stop := errors.New("client gone")
	err := a.Chat(context.Background(), "hi", nil, provider.ChatOptions{}, func(string) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestChatRoundLimit(t *testing.T) {
	var responses []scripted
	for i := 0; i < 5; i++ {
		responses = append(responses, scripted{msg: models.Message{ToolCalls: []models.ToolCall{toolCall("c", tools.ListFiles, `{}`)}}})
	}
	client := &scriptedClient{responses: responses}
	a := New(client, newRegistry(t), WithWorkspace(t.TempDir()), WithMaxRounds(3))
	a.SetMode(ModeAgent, nil)
	err := a.Chat(context.Background(), "loop", nil, provider.ChatOptions{}, nil)
	assert.ErrorIs(t, err, ErrTooManyRounds)
	assert.Len(t, client.calls, 3)
}

func TestLoadHistoryAndSystemContext(t *testing.T) {
	store := newMemoryStore()
	_, _ = store.AddMessage(context.Background(), "s1", models.Message{Role: models.RoleUser, Content: "earlier"}, ModeChat)
	_, _ = store.AddMessage(context.Background(), "s1", models.Message{Role: models.RoleAssistant, Content: "reply"}, ModeChat)

	client := &scriptedClient{}
	a := New(client, nil, WithStore(store), WithSession("s1"))
	require.NoError(t, a.LoadHistory(context.Background()))
	a.SetSystemContext("Session summary:\nprior work")

	require.NoError(t, a.Chat(context.Background(), "now", nil, provider.ChatOptions{}, nil))
	sent := client.calls[0]
	require.Len(t, sent, 4)
	assert.Equal(t, models.RoleSystem, sent[0].Role)
	assert.True(t, strings.HasPrefix(sent[0].Content, Prompt(ModeChat)))
	assert.True(t, strings.HasSuffix(sent[0].Content, "\n\nSession summary:\nprior work"))
	assert.Equal(t, "earlier", sent[1].Content)
	assert.Equal(t, "now", sent[3].Content)
}

func TestUserMessageAttachments(t *testing.T) {
	m := UserMessage("look", []models.Attachment{{Name: "shot.png"}, {Name: "log.txt"}})
	require.Len(t, m.Parts, 3)
	assert.Equal(t, "[Attachment: shot.png]", m.Parts[1].Text)
	assert.Equal(t, "look\n[Attachment: shot.png]\n[Attachment: log.txt]", m.Text())

	assert.Equal(t, "plain", UserMessage("plain", nil).Content)
}

func TestFormatToolResult(t *testing.T) {
	assert.Equal(t, `{"message":"Error: boom"}`, FormatToolResult(nil, errors.New("boom")))
	assert.Equal(t, `{"message":"plain text"}`, FormatToolResult("plain text", nil))
	assert.Equal(t, `{"a":1}`, FormatToolResult(`{ "a": 1 }`, nil))
	assert.Equal(t, `{"ok":true}`, FormatToolResult(map[string]any{"ok": true}, nil))
}
