package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/aichat/internal/embedding"
)

// countingEmbedder records every input it embeds and returns hash vectors.
type countingEmbedder struct {
	model string
	mu    sync.Mutex
	calls int
	texts []string
	fail  bool
}

func (e *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.texts = append(e.texts, texts...)
	fail := e.fail
	e.mu.Unlock()
	if fail {
		return nil, errors.New("provider down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embedding.HashVector(t, 16)
	}
	return out, nil
}

func (e *countingEmbedder) Model() string { return e.model }

func (e *countingEmbedder) embedded() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.texts)
}

func writeLines(t *testing.T, path string, n int, edit func(i int) string) {
	t.Helper()
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("var v%03d = %03d", i+1, i+1)
		if edit != nil {
			if s := edit(i + 1); s != "" {
				lines[i] = s
			}
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		t.Fatal(err)
	}
}

func bumpMtime(t *testing.T, path string, d time.Duration) {
	t.Helper()
	ts := time.Now().Add(d)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatal(err)
	}
}

func vectorsByRange(ix *Index, key string) map[string][]float32 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := map[string][]float32{}
	for _, c := range ix.data.Files[key].Chunks {
		out[fmt.Sprintf("%d-%d", c.StartLine, c.EndLine)] = c.Vector
	}
	return out
}

func TestReindexIfStale_ReusesUnchangedVectors(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "src", "main.go")
	writeLines(t, file, 200, nil)

	ix, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	emb := &countingEmbedder{model: "m1"}
	ctx := context.Background()
	if err := ix.ReindexIfStale(ctx, root, "src/main.go", emb); err != nil {
		t.Fatal(err)
	}
	if got := emb.embedded(); got != 3 {
		t.Fatalf("first pass embedded %d chunks, want 3", got)
	}
	key := fileKey(ix.Root(), "src/main.go")
	before := vectorsByRange(ix, key)

	writeLines(t, file, 200, func(i int) string {
		if i == 100 {
			return "var changed = 1"
		}
		return ""
	})
	bumpMtime(t, file, time.Minute)
	if err := ix.ReindexIfStale(ctx, root, "src/main.go", emb); err != nil {
		t.Fatal(err)
	}
	if got := emb.embedded() - 3; got != 1 {
		t.Errorf("second pass embedded %d chunks, want 1", got)
	}
	after := vectorsByRange(ix, key)
	for _, r := range []string{"1-80", "137-200"} {
		if fmt.Sprint(before[r]) != fmt.Sprint(after[r]) {
			t.Errorf("chunk %s vector changed", r)
		}
	}
	if fmt.Sprint(before["69-148"]) == fmt.Sprint(after["69-148"]) {
		t.Error("edited chunk kept its old vector")
	}
}

func TestReindexIfStale_UnchangedIsNoop(t *testing.T) {
	root := t.TempDir()
	writeLines(t, filepath.Join(root, "a.go"), 10, nil)
	ix, _ := New(root)
	emb := &countingEmbedder{model: "m"}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := ix.ReindexIfStale(ctx, root, "a.go", emb); err != nil {
			t.Fatal(err)
		}
	}
	if emb.calls != 1 {
		t.Errorf("embed calls = %d, want 1", emb.calls)
	}
}

func TestReindexIfStale_SkipsAndRemoves(t *testing.T) {
	root := t.TempDir()
	ix, _ := New(root)
	emb := &countingEmbedder{model: "m"}
	ctx := context.Background()

	big := filepath.Join(root, "big.txt")
	if err := os.WriteFile(big, []byte(strings.Repeat("a", MaxFileSize+1)), 0644); err != nil {
		t.Fatal(err)
	}
	bin := filepath.Join(root, "nul.txt")
	if err := os.WriteFile(bin, []byte("abc\x00def"), 0644); err != nil {
		t.Fatal(err)
	}
	for _, rel := range []string{"big.txt", "nul.txt"} {
		if err := ix.ReindexIfStale(ctx, root, rel, emb); err != nil {
			t.Fatal(err)
		}
	}
	if emb.calls != 0 || ix.Stats().Files != 0 {
		t.Errorf("calls=%d files=%d, want nothing indexed", emb.calls, ix.Stats().Files)
	}

	gone := filepath.Join(root, "gone.md")
	writeLines(t, gone, 5, nil)
	if err := ix.ReindexIfStale(ctx, root, "gone.md", emb); err != nil {
		t.Fatal(err)
	}
	if ix.Stats().Files != 1 {
		t.Fatalf("files = %d, want 1", ix.Stats().Files)
	}
	if err := os.Remove(gone); err != nil {
		t.Fatal(err)
	}
	if err := ix.ReindexIfStale(ctx, root, "gone.md", emb); err != nil {
		t.Fatal(err)
	}
	if ix.Stats().Files != 0 {
		t.Errorf("record of deleted file kept")
	}
}

func TestReindexIfStale_EmptiedOrBinaryFileDropsRecord(t *testing.T) {
	root := t.TempDir()
	ix, _ := New(root)
	emb := &countingEmbedder{model: "m"}
	ctx := context.Background()

	for i, content := range []string{"", "abc\x00def"} {
		rel := fmt.Sprintf("f%d.go", i)
		path := filepath.Join(root, rel)
		writeLines(t, path, 5, nil)
		if err := ix.ReindexIfStale(ctx, root, rel, emb); err != nil {
			t.Fatal(err)
		}
		if ix.Stats().Files != 1 {
			t.Fatalf("%s: files = %d, want 1", rel, ix.Stats().Files)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		bumpMtime(t, path, time.Minute)
		if err := ix.ReindexIfStale(ctx, root, rel, emb); err != nil {
			t.Fatal(err)
		}
		if ix.Stats().Files != 0 {
			t.Errorf("%s: record kept after content became %q", rel, content)
		}
	}
}

// blockingEmbedder holds every call briefly and records peak concurrency.
type blockingEmbedder struct {
	mu     sync.Mutex
	active int
	peak   int
	calls  int
}

func (e *blockingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.active++
	if e.active > e.peak {
		e.peak = e.active
	}
	e.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	e.mu.Lock()
	e.active--
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embedding.HashVector(t, 16)
	}
	return out, nil
}

func (e *blockingEmbedder) Model() string { return "m" }

func TestReindexIfStale_SerializesSameFile(t *testing.T) {
	root := t.TempDir()
	writeLines(t, filepath.Join(root, "a.go"), 10, nil)
	ix, _ := New(root)
	emb := &blockingEmbedder{}
	if err := ix.EnsureLoaded(emb.Model()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ix.ReindexIfStale(context.Background(), root, "a.go", emb)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if emb.peak != 1 {
		t.Errorf("peak concurrent embeds for one file = %d, want 1", emb.peak)
	}
	if emb.calls != 1 {
		t.Errorf("embed calls = %d, want 1 (later calls see a fresh record)", emb.calls)
	}
}

func TestReindexIfStale_EmbeddingFailureUsesHashVectors(t *testing.T) {
	root := t.TempDir()
	writeLines(t, filepath.Join(root, "a.py"), 5, nil)
	ix, _ := New(root)
	emb := &countingEmbedder{model: "m", fail: true}
	if err := ix.ReindexIfStale(context.Background(), root, "a.py", emb); err != nil {
		t.Fatal(err)
	}
	s := ix.Stats()
	if s.Chunks != 1 || s.Dims != embedding.LocalDimensions {
		t.Errorf("stats = %+v, want one chunk of %d dims", s, embedding.LocalDimensions)
	}
}

func TestEnsureLoaded_CorruptStoreStartsEmpty(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, StoreDir, StoreFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	ix, _ := New(root)
	if err := ix.EnsureLoaded("m"); err != nil {
		t.Fatal(err)
	}
	if ix.Stats().Files != 0 {
		t.Error("expected empty store")
	}
	if s := readStore(path); s == nil || s.EmbeddingModel != "m" {
		t.Error("fresh store was not written")
	}
}

func TestEnsureLoaded_PersistsAndModelChangeResets(t *testing.T) {
	root := t.TempDir()
	writeLines(t, filepath.Join(root, "a.go"), 20, nil)
	ctx := context.Background()

	ix, _ := New(root)
	emb := &countingEmbedder{model: "m1"}
	if err := ix.RefreshAll(ctx, emb); err != nil {
		t.Fatal(err)
	}
	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, _ := New(root)
	again := &countingEmbedder{model: "m1"}
	if err := reopened.RefreshAll(ctx, again); err != nil {
		t.Fatal(err)
	}
	if again.calls != 0 {
		t.Errorf("reopened index re-embedded %d times", again.calls)
	}
	if reopened.Stats().Files != 1 {
		t.Errorf("files = %d, want 1", reopened.Stats().Files)
	}

	if err := reopened.EnsureLoaded("m2"); err != nil {
		t.Fatal(err)
	}
	if s := reopened.Stats(); s.Files != 0 || s.EmbeddingModel != "m2" {
		t.Errorf("after model change stats = %+v", s)
	}
}

func TestRefreshAll_FiltersAndBounds(t *testing.T) {
	root := t.TempDir()
	writeLines(t, filepath.Join(root, "a.go"), 5, nil)
	writeLines(t, filepath.Join(root, "b.ts"), 5, nil)
	writeLines(t, filepath.Join(root, "image.png"), 5, nil)
	writeLines(t, filepath.Join(root, "node_modules", "x", "index.js"), 5, nil)

	ix, _ := New(root)
	emb := &countingEmbedder{model: "m"}
	if err := ix.RefreshAll(context.Background(), emb); err != nil {
		t.Fatal(err)
	}
	if got := ix.Stats().Files; got != 2 {
		t.Errorf("files = %d, want 2", got)
	}

	bounded, _ := New(t.TempDir(), WithMaxChunks(1))
	for i := 0; i < 5; i++ {
		writeLines(t, filepath.Join(bounded.Root(), fmt.Sprintf("f%d.go", i)), 5, nil)
	}
	if err := bounded.RefreshAll(context.Background(), emb); err != nil {
		t.Fatal(err)
	}
	if got := bounded.ChunkCount(); got > refreshWorkers {
		t.Errorf("chunk limit ignored: %d chunks", got)
	}
}

// fixedEmbedder returns the same vector for every input.
type fixedEmbedder struct{ v []float32 }

func (e fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = e.v
	}
	return out, nil
}

func (e fixedEmbedder) Model() string { return "fixed" }

func seedStore(ix *Index, files map[string][]ChunkRecord) {
	s := newStore(ix.root, "fixed", time.Unix(0, 0))
	for path, chunks := range files {
		s.Files[fileKey(ix.root, path)] = &FileRecord{WorkspaceRoot: ix.root, Path: path, Chunks: chunks}
	}
	ix.data = s
}

func TestQueryTopK_Deterministic(t *testing.T) {
	ix, _ := New(t.TempDir())
	seedStore(ix, map[string][]ChunkRecord{
		"a.go": {
			{ID: "c2", StartLine: 1, EndLine: 2, Text: "parse config", Vector: []float32{1, 0}},
			{ID: "c1", StartLine: 3, EndLine: 4, Text: "parse config", Vector: []float32{1, 0}},
		},
		"b.go": {
			{ID: "c3", StartLine: 1, EndLine: 2, Text: "parse only", Vector: []float32{1, 0}},
			{ID: "c4", StartLine: 3, EndLine: 4, Text: "config loader", Vector: []float32{0, 1}},
			{ID: "c5", StartLine: 5, EndLine: 6, Text: "unrelated", Vector: []float32{1, 0}},
			{ID: "c6", StartLine: 7, EndLine: 8, Text: "parse config", Vector: nil},
		},
	})
	emb := fixedEmbedder{v: []float32{1, 0}}

	var first []Result
	for run := 0; run < 5; run++ {
		got, err := ix.QueryTopK(context.Background(), "parse the config", emb, 10, 100)
		if err != nil {
			t.Fatal(err)
		}
		ids := make([]string, len(got))
		for i, r := range got {
			ids[i] = r.ID
		}
		if want := "c1,c2,c3,c4"; strings.Join(ids, ",") != want {
			t.Fatalf("run %d order = %v, want %s", run, ids, want)
		}
		for i := 1; i < len(got); i++ {
			if got[i].Score > got[i-1].Score {
				t.Fatalf("scores not descending: %v", got)
			}
		}
		if first == nil {
			first = got
		}
	}
	if first[0].FilePath != "a.go" || first[0].StartLine != 3 {
		t.Errorf("first result = %+v", first[0])
	}
}

func TestBuildAddendum(t *testing.T) {
	ix, _ := New(t.TempDir())
	seedStore(ix, map[string][]ChunkRecord{
		"a.go": {{ID: "x", StartLine: 1, EndLine: 9, Text: strings.Repeat("router ", 400), Vector: []float32{1}}},
	})
	got, err := ix.BuildAddendum(context.Background(), "router", fixedEmbedder{v: []float32{1}}, 5000, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "Relevant code snippets (retrieved):\n\na.go:1-9\nrouter ") {
		t.Errorf("unexpected addendum start: %q", got[:60])
	}
	if !strings.Contains(got, "[...truncated...]") {
		t.Error("long snippet not truncated")
	}

	short, _ := ix.BuildAddendum(context.Background(), "router", fixedEmbedder{v: []float32{1}}, 50, 4)
	if len(short) != 50+len("\n[...truncated...]") {
		t.Errorf("block not clipped: %d chars", len(short))
	}
	empty, _ := ix.BuildAddendum(context.Background(), "   ", fixedEmbedder{v: []float32{1}}, 50, 4)
	if empty != "" {
		t.Error("blank query should give no addendum")
	}
}

func TestQueryTokens(t *testing.T) {
	got := QueryTokens("How do I use the RouteDecision for the router and the_router? router again")
	want := []string{"how", "routedecision", "router", "the_router", "again"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("QueryTokens = %v, want %v", got, want)
	}
}

func TestNotifyFileChanged_Coalesces(t *testing.T) {
	root := t.TempDir()
	writeLines(t, filepath.Join(root, "a.go"), 5, nil)
	ix, _ := New(root, WithCoalesceDelay(20*time.Millisecond), WithSaveDelay(time.Millisecond))
	emb := &countingEmbedder{model: "m"}
	ix.SetEmbedder(emb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ix.Start(ctx)

	for i := 0; i < 10; i++ {
		if !ix.NotifyFileChanged(root, "a.go") {
			t.Fatal("notification rejected")
		}
	}
	if ix.NotifyFileChanged(root, "logo.png") {
		t.Error("non-indexable path accepted")
	}

	deadline := time.Now().Add(3 * time.Second)
	for ix.ChunkCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ix.ChunkCount() == 0 {
		t.Fatal("file was not indexed")
	}
	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}
	emb.mu.Lock()
	calls := emb.calls
	emb.mu.Unlock()
	if calls != 1 {
		t.Errorf("embed calls = %d, want 1", calls)
	}
	if ix.NotifyFileChanged(root, "a.go") {
		t.Error("closed index accepted a notification")
	}
}

func TestManager_RoutesNotifications(t *testing.T) {
	root := t.TempDir()
	m := NewManager(context.Background())
	defer m.Close()
	ix, err := m.Get(root)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := m.Get(root)
	if ix != again {
		t.Error("Get returned a different index for the same root")
	}
	if m.NotifyFileChanged(t.TempDir(), "a.go") {
		t.Error("notification for unknown root accepted")
	}
	if !m.NotifyFileChanged(root, "a.go") {
		t.Error("notification for known root rejected")
	}
}
