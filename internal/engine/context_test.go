package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/aichat/internal/config"
	"github.com/hyperjump/aichat/internal/embedding"
	"github.com/hyperjump/aichat/internal/indexer"
	"github.com/hyperjump/aichat/internal/models"
)

func TestOutline(t *testing.T) {
	src := strings.Join([]string{
		"import x from 'y'",
		"export default class App {}",
		"export const handler = () => {}",
		"  function helper() {}",
		"interface Props {}",
		"export type Id = string",
		"const handler = 2",
	}, "\n")
	exports, decls := Outline(src)
	assert.Equal(t, []string{"App", "handler", "Id"}, exports)
	assert.Equal(t, []string{"const handler", "function helper", "interface Props", "type Id"}, decls)
}

func TestOutlineCapsEntries(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString("export const v")
		b.WriteString(strings.Repeat("x", i))
		b.WriteString(" = 1\n")
	}
	exports, decls := Outline(b.String())
	assert.Len(t, exports, outlineMaxEntries)
	assert.Len(t, decls, outlineMaxEntries)
}

func TestBuildSystemContext(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "app.ts"), []byte("export function start() {}\n"), 0644))

	m := NewContextManager(nil)
	editor := &models.EditorContext{
		FilePath:     "src/app.ts",
		LanguageID:   "typescript",
		Selection:    &models.Selection{StartLine: 1, StartColumn: 2, EndLine: 3, EndColumn: 4},
		SelectedText: strings.Repeat("s", 2000),
	}
	got := m.BuildSystemContext(editor, root, 20000)

	parts := strings.Split(got, "\n\n")
	require.GreaterOrEqual(t, len(parts), 6)
	assert.Equal(t, "Active file: src/app.ts", parts[0])
	assert.Equal(t, "Language: typescript", parts[1])
	assert.Equal(t, "Selection: 1:2-3:4", parts[2])
	assert.True(t, strings.HasPrefix(parts[3], "Selected text:\n"+strings.Repeat("s", selectedTextMaxChars)))
	assert.Contains(t, got, "File outline:\nExports: start\nTop-level: function start")
	assert.Contains(t, got, "Project structure snapshot:\n")
	assert.Contains(t, got, "app.ts")

	short := m.BuildSystemContext(editor, root, 50)
	assert.LessOrEqual(t, len(short), 50+len("\n[...truncated...]"))
}

func TestBuildSystemContextWithoutEditor(t *testing.T) {
	m := NewContextManager(nil)
	assert.Empty(t, m.BuildSystemContext(nil, "", 1000))
	assert.Empty(t, m.BuildSystemContext(&models.EditorContext{}, "", 1000))
	assert.Empty(t, m.BuildSystemContext(nil, filepath.Join(t.TempDir(), "missing"), 1000))
}

func TestOutlineOnlyForScriptFiles(t *testing.T) {
	m := NewContextManager(nil)
	got := m.BuildSystemContext(&models.EditorContext{FilePath: "main.go", VisibleText: "export const x = 1"}, "", 1000)
	assert.NotContains(t, got, "File outline")
	got = m.BuildSystemContext(&models.EditorContext{FilePath: "view.jsx", VisibleText: "export const x = 1"}, "", 1000)
	assert.Contains(t, got, "File outline:\nExports: x")
}

func TestBuildSessionSummaryCaches(t *testing.T) {
	store := newMemorySessions()
	for i := 0; i < 25; i++ {
		_, _ = store.AddMessage(context.Background(), "s1", models.Message{Role: models.RoleUser, Content: "m"}, "chat")
	}
	client := &scriptedClient{responses: []scripted{{msg: models.Message{Content: "first"}}, {msg: models.Message{Content: "second"}}}}
	m := NewContextManager(store)

	assert.Equal(t, "first", m.BuildSessionSummary(context.Background(), "s1", client))
	assert.Equal(t, "first", m.BuildSessionSummary(context.Background(), "s1", client))
	require.Equal(t, 1, client.callCount())
	prompt := client.calls[0]
	assert.Equal(t, strings.TrimSuffix(strings.Repeat("user: m\n", 5), "\n"), prompt[1].Content)
	assert.Equal(t, 0.2, *client.opts[0].Temperature)

	_, _ = store.AddMessage(context.Background(), "s1", models.Message{Role: models.RoleAssistant, Content: "new"}, "chat")
	assert.Equal(t, "second", m.BuildSessionSummary(context.Background(), "s1", client))
}

func TestBuildSessionSummarySkipsShortSessions(t *testing.T) {
	store := newMemorySessions()
	for i := 0; i < 20; i++ {
		_, _ = store.AddMessage(context.Background(), "s1", models.Message{Role: models.RoleUser, Content: "m"}, "chat")
	}
	client := &scriptedClient{}
	m := NewContextManager(store)
	assert.Empty(t, m.BuildSessionSummary(context.Background(), "s1", client))
	assert.Empty(t, m.BuildSessionSummary(context.Background(), "", client))
	assert.Zero(t, client.callCount())

	_, _ = store.AddMessage(context.Background(), "s1", models.Message{Role: models.RoleUser, Content: "m"}, "chat")
	client.responses = []scripted{{err: unavailable()}}
	assert.Empty(t, m.BuildSessionSummary(context.Background(), "s1", client))
}

func newTestRetriever(t *testing.T) (*Retriever, *indexer.Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	manager := indexer.NewManager(ctx, indexer.WithSaveDelay(10*time.Millisecond), indexer.WithCoalesceDelay(10*time.Millisecond))
	r := NewRetriever(ctx, staticRuntime{cfg: config.NormalizeRuntime(nil)}, manager, embedding.NewService(), nil)
	t.Cleanup(func() {
		cancel()
		r.Wait()
		_ = manager.Close()
	})
	return r, manager
}

func TestRetrieverSearch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "parser.go"), []byte("package main\n\nfunc parseConfig() {}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.md"), []byte("shopping list: apples\n"), 0644))

	r, _ := newTestRetriever(t)
	stats, err := r.Refresh(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)

	hits, err := r.Search(context.Background(), root, "parseConfig", 5, 100)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "parser.go", hits[0].FilePath)

	addendum := r.Addendum(context.Background(), config.NormalizeRuntime(nil), root, "parseConfig", "", 2000)
	assert.Contains(t, addendum, "parser.go")
	assert.Empty(t, r.Addendum(context.Background(), nil, "", "parseConfig", "", 2000))
}
