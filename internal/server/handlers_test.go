package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/aichat/internal/config"
	"github.com/hyperjump/aichat/internal/engine"
	"github.com/hyperjump/aichat/internal/models"
	"github.com/hyperjump/aichat/internal/provider"
	"github.com/hyperjump/aichat/internal/tools"
	"github.com/hyperjump/aichat/internal/workspace"
)

type echoClient struct {
	reply string
}

func (c *echoClient) ChatCompletion(_ context.Context, _ []models.Message, _ []models.ToolDefinition, _ provider.ChatOptions) (models.Message, error) {
	return models.Message{Role: models.RoleAssistant, Content: c.reply}, nil
}

func (c *echoClient) StreamChatCompletion(_ context.Context, _ []models.Message, _ []models.ToolDefinition, _ provider.ChatOptions, onChunk func(string) error) (models.Message, error) {
	for _, part := range strings.SplitAfter(c.reply, " ") {
		if err := onChunk(part); err != nil {
			return models.Message{}, err
		}
	}
	return models.Message{Role: models.RoleAssistant, Content: c.reply}, nil
}

func (c *echoClient) CheckHealth(context.Context) bool { return true }

type clientSource struct {
	client provider.ChatCompleter
	err    error
}

func (s clientSource) Get(target models.RouteTarget, _ *config.Runtime) (provider.Built, error) {
	if s.err != nil {
		return provider.Built{}, s.err
	}
	return provider.Built{Route: target, Client: s.client}, nil
}

type staticRuntime struct{}

func (staticRuntime) Get() *config.Runtime { return config.NormalizeRuntime(nil) }

func newTestServer(t *testing.T, clients engine.ClientSource) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	registry := tools.NewRegistry()
	if err := tools.RegisterDefaults(registry, tools.Options{}); err != nil {
		t.Fatal(err)
	}
	eng := engine.New(staticRuntime{}, clients,
		engine.WithTools(registry),
		engine.WithWorkspaceRoot(root),
		engine.WithSleep(func(context.Context, time.Duration) error { return nil }))
	cfg := &config.Config{
		Workspace: config.WorkspaceConfig{Root: root},
		Storage:   config.StorageConfig{DatabasePath: filepath.Join(root, "sessions.db")},
	}
	return NewServer(eng, nil, cfg, zap.NewNop()), root
}

func do(t *testing.T, srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out.Error
}

func TestHandleChatStream(t *testing.T) {
	srv, _ := newTestServer(t, clientSource{client: &echoClient{reply: "hello there"}})
	w := do(t, srv, http.MethodPost, "/ai/chat/stream", `{"message":"hi"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type: got %q", ct)
	}
	if got := w.Body.String(); got != "hello there" {
		t.Errorf("body: got %q", got)
	}
}

func TestHandleChatStream_AppendsError(t *testing.T) {
	srv, _ := newTestServer(t, clientSource{err: &provider.ConfigError{Provider: "openai", Message: "missing api key"}})
	w := do(t, srv, http.MethodPost, "/ai/chat/stream", `{"message":"hi"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if got := w.Body.String(); got != "\nError: openai: missing api key" {
		t.Errorf("body: got %q", got)
	}
}

func TestHandleChatStream_BadRequest(t *testing.T) {
	srv, _ := newTestServer(t, clientSource{client: &echoClient{}})

	w := do(t, srv, http.MethodPost, "/ai/chat/stream", `{not json`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid body status: got %d", w.Code)
	}
	w = do(t, srv, http.MethodPost, "/ai/chat/stream", `{"message":"   "}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty message status: got %d", w.Code)
	}
	if msg := decodeError(t, w); msg != "message is required" {
		t.Errorf("error: got %q", msg)
	}
}

func TestHandleInline(t *testing.T) {
	srv, _ := newTestServer(t, clientSource{client: &echoClient{reply: "  x + 1"}})
	w := do(t, srv, http.MethodPost, "/ai/inline", `{"editor":{"filePath":"a.go","visibleText":"return "}}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}
	var out models.InlineResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Suggestions) != 1 || out.Suggestions[0].Text != "x + 1" {
		t.Errorf("suggestions: got %+v", out.Suggestions)
	}
	if out.Capability != models.CapabilityInline || out.RequestID == "" {
		t.Errorf("response base: got %+v", out.ResponseBase)
	}
}

func TestHandleEditorAction_InvalidAction(t *testing.T) {
	srv, _ := newTestServer(t, clientSource{client: &echoClient{}})
	w := do(t, srv, http.MethodPost, "/ai/editor-action", `{"action":"translate","instruction":"x"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d", w.Code)
	}
	if msg := decodeError(t, w); !strings.Contains(msg, "refactor") {
		t.Errorf("error: got %q", msg)
	}
}

func TestHandleTools(t *testing.T) {
	srv, _ := newTestServer(t, clientSource{client: &echoClient{}})
	other := t.TempDir()

	body := `{"toolName":"write_file","args":{"path":"out.txt","content":"data"}}`
	w := do(t, srv, http.MethodPost, "/ai/tools", body, map[string]string{HeaderWorkspaceRoot: other})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}
	data, err := os.ReadFile(filepath.Join(other, "out.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "data" {
		t.Errorf("file content: got %q", data)
	}

	w = do(t, srv, http.MethodPost, "/ai/tools", `{"toolName":"nope","args":{}}`, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown tool status: got %d", w.Code)
	}

	w = do(t, srv, http.MethodPost, "/ai/tools", `{"toolName":"read_file","args":{}}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid args status: got %d", w.Code)
	}
}

func TestHandleEmbeddings(t *testing.T) {
	srv, _ := newTestServer(t, clientSource{client: &echoClient{}})
	w := do(t, srv, http.MethodPost, "/ai/embeddings", `{"texts":["a","b","c"]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out models.EmbeddingsResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Vectors) != 3 {
		t.Errorf("vectors: got %d", len(out.Vectors))
	}
	if out.Route.Provider != "local" {
		t.Errorf("route: got %+v", out.Route)
	}
}

func TestHandleMetrics(t *testing.T) {
	srv, _ := newTestServer(t, clientSource{client: &echoClient{reply: "ok"}})
	do(t, srv, http.MethodPost, "/ai/chat/stream", `{"message":"hi"}`, nil)

	w := do(t, srv, http.MethodGet, "/ai-engine/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		Counters                 map[string]int64 `json:"counters"`
		P95LatencyMsByCapability map[string]int64 `json:"p95LatencyMsByCapability"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Counters["capability.chat.ok"] != 1 {
		t.Errorf("counters: got %v", out.Counters)
	}
	if _, ok := out.P95LatencyMsByCapability["chat"]; !ok {
		t.Errorf("p95: got %v", out.P95LatencyMsByCapability)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t, clientSource{client: &echoClient{}})
	w := do(t, srv, http.MethodPost, "/ai-engine/health", `{"check_model":"ping-model"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		OK    bool               `json:"ok"`
		Route models.RouteTarget `json:"route"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !out.OK || out.Route.Model != "ping-model" {
		t.Errorf("health: got %+v", out)
	}

	srv, _ = newTestServer(t, clientSource{err: &provider.ConfigError{Provider: "openai", Message: "missing api key"}})
	w = do(t, srv, http.MethodPost, "/ai-engine/health", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("config error status: got %d", w.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	srv, root := newTestServer(t, clientSource{client: &echoClient{}})
	if err := os.WriteFile(filepath.Join(root, "sessions.db"), make([]byte, 128), 0644); err != nil {
		t.Fatal(err)
	}
	w := do(t, srv, http.MethodGet, "/ai-engine/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["workspace_root"] != root {
		t.Errorf("workspace_root: got %v", out["workspace_root"])
	}
	if out["database_size_bytes"] != float64(128) {
		t.Errorf("database_size_bytes: got %v", out["database_size_bytes"])
	}
	if _, ok := out["index"]; ok {
		t.Error("index stats without an index manager")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&engine.InvalidRequestError{Message: "bad"}, http.StatusBadRequest},
		{&tools.ValidationError{Name: "x", Err: errors.New("bad")}, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", tools.ErrNoWorkspace), http.StatusBadRequest},
		{&tools.NotFoundError{Name: "x"}, http.StatusNotFound},
		{workspace.ErrAccessDenied, http.StatusForbidden},
		{&provider.ConfigError{Message: "missing"}, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{&provider.HTTPError{Provider: "openai", Status: 503}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v): got %d, want %d", tt.err, got, tt.want)
		}
	}
}
