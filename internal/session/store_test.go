package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperjump/aichat/internal/models"
	"github.com/hyperjump/aichat/internal/provider"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestStore_Messages(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	user, err := store.AddMessage(ctx, "s1", models.Message{Role: models.RoleUser, Parts: []models.ContentPart{
		{Type: "text", Text: "hello"},
		{Type: "text", Text: "[Attachment: a.txt]"},
	}}, "chat")
	if err != nil {
		t.Fatal(err)
	}
	if user.ID == 0 {
		t.Error("ID should be assigned")
	}

	call := models.ToolCall{ID: "call_1", Function: models.FunctionCall{
		Name:      "read_file",
		Arguments: models.ObjectArguments(map[string]any{"path": "main.go"}),
	}}
	if _, err := store.AddMessage(ctx, "s1", models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call}}, "agent"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddMessage(ctx, "s1", models.Message{Role: models.RoleTool, ToolCallID: "call_1", Name: "read_file", Content: "package main"}, "agent"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddMessage(ctx, "other", models.Message{Role: models.RoleUser, Content: "x"}, ""); err != nil {
		t.Fatal(err)
	}

	msgs, err := store.GetMessages(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Text() != "hello\n[Attachment: a.txt]" {
		t.Errorf("parts not restored: %q", msgs[0].Text())
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].Function.Name != "read_file" {
		t.Fatalf("tool calls not restored: %+v", msgs[1].ToolCalls)
	}
	args, ok := msgs[1].ToolCalls[0].Function.Arguments.Object()
	if !ok || args["path"] != "main.go" {
		t.Errorf("arguments = %#v", msgs[1].ToolCalls[0].Function.Arguments)
	}
	if msgs[2].Role != models.RoleTool || msgs[2].ToolCallID != "call_1" || msgs[2].Name != "read_file" {
		t.Errorf("tool message = %+v", msgs[2])
	}
	if !(msgs[0].ID < msgs[1].ID && msgs[1].ID < msgs[2].ID) {
		t.Error("messages should be ordered by id")
	}

	n, err := store.CountMessages(ctx, "s1")
	if err != nil || n != 3 {
		t.Errorf("CountMessages = %d, %v", n, err)
	}
	empty, err := store.GetMessages(ctx, "missing")
	if err != nil || len(empty) != 0 {
		t.Errorf("missing session = %v, %v", empty, err)
	}
}

func TestStore_LogsNewestFirst(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.AddLog(ctx, LogEntry{SessionID: "s1", Provider: "system", Method: "tool_execution", URL: "read_file",
		RequestBody: map[string]any{"path": "a"}, ResponseBody: map[string]any{"result": "ok"}, StatusCode: 200, Success: true}); err != nil {
		t.Fatal(err)
	}
	store.RecordCall(ctx, provider.CallRecord{SessionID: "s1", Provider: "openai", Method: "chat_completion",
		Status: 500, Success: false, Error: "boom"})

	logs, err := store.GetLogs(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	if logs[0].Provider != "openai" || logs[0].Success || logs[0].ParseError != "boom" || logs[0].StatusCode != 500 {
		t.Errorf("newest log = %+v", logs[0])
	}
	if logs[1].Method != "tool_execution" || !logs[1].Success {
		t.Errorf("oldest log = %+v", logs[1])
	}
	raw, ok := logs[1].RequestBody.(json.RawMessage)
	if !ok || string(raw) != `{"path":"a"}` {
		t.Errorf("request body = %#v", logs[1].RequestBody)
	}
	if logs[0].RequestBody != nil {
		t.Errorf("nil request body should stay nil, got %#v", logs[0].RequestBody)
	}
	if logs[1].CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddMessage(context.Background(), "s", models.Message{Role: models.RoleUser, Content: "persist"}, ""); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	msgs, err := store.GetMessages(context.Background(), "s")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "persist" {
		t.Errorf("got %+v", msgs)
	}
}

func TestDiskUsageBytes(t *testing.T) {
	dir := t.TempDir()
	f1 := filepath.Join(dir, "f1.txt")
	if err := os.WriteFile(f1, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "a"), []byte("ab"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := DiskUsageBytes(f1, sub, filepath.Join(dir, "missing"), "")
	if err != nil {
		t.Fatal(err)
	}
	if got != 7 {
		t.Errorf("got %d bytes, want 7", got)
	}
}

func TestDatabaseSize(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.AddMessage(context.Background(), "s", models.Message{Role: models.RoleUser, Content: "x"}, ""); err != nil {
		t.Fatal(err)
	}
	n, err := DatabaseSize(path)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Error("database size should be positive")
	}
}
