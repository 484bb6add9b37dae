package indexer

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/aichat/internal/embedding"
	"github.com/hyperjump/aichat/internal/workspace"
	"github.com/hyperjump/aichat/pkg/utils"
)

const (
	// MaxFileSize is the largest file the index reads.
	MaxFileSize = 400_000
	// DefaultMaxChunks bounds the store during a full refresh.
	DefaultMaxChunks = 20000

	defaultSaveDelay     = 400 * time.Millisecond
	defaultCoalesceDelay = 250 * time.Millisecond
	refreshWorkers       = 4
	changeQueueSize      = 256
)

// Index is the semantic index of one workspace root. Reindexing of a single
// file is serialized; different files reindex concurrently. FileRecords are
// replaced wholesale and never mutated once stored.
type Index struct {
	root      string
	storePath string
	logger    *zap.Logger
	now       func() time.Time
	maxChunks int
	saveDelay time.Duration
	coalesce  time.Duration

	loadMu sync.Mutex
	mu     sync.RWMutex
	data   *Store

	files *utils.KeyedMutex

	saveMu    sync.Mutex
	saveTimer *time.Timer
	writeMu   sync.Mutex

	embedMu  sync.RWMutex
	embedder embedding.Embedder

	changes   chan fileRef
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	sem       chan struct{}
	wg        sync.WaitGroup
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets a logger for index events.
func WithLogger(l *zap.Logger) Option {
	return func(ix *Index) { ix.logger = l }
}

// WithMaxChunks bounds how many chunks a full refresh accumulates.
func WithMaxChunks(n int) Option {
	return func(ix *Index) {
		if n > 0 {
			ix.maxChunks = n
		}
	}
}

// WithSaveDelay sets the write-back debounce.
func WithSaveDelay(d time.Duration) Option {
	return func(ix *Index) { ix.saveDelay = d }
}

// WithCoalesceDelay sets how long change notifications are collected before
// reindexing.
func WithCoalesceDelay(d time.Duration) Option {
	return func(ix *Index) { ix.coalesce = d }
}

// New creates the index for root. The store lives at <root>/.aichat/rag_index.json
// and is loaded lazily.
func New(root string, opts ...Option) (*Index, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("absolute root: %w", err)
	}
	ix := &Index{
		root:      abs,
		storePath: filepath.Join(abs, StoreDir, StoreFile),
		now:       time.Now,
		maxChunks: DefaultMaxChunks,
		saveDelay: defaultSaveDelay,
		coalesce:  defaultCoalesceDelay,
		files:     utils.NewKeyedMutex(),
		changes:   make(chan fileRef, changeQueueSize),
		done:      make(chan struct{}),
		sem:       make(chan struct{}, refreshWorkers),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix, nil
}

// Root returns the absolute workspace root.
func (ix *Index) Root() string { return ix.root }

// StorePath returns the index file path.
func (ix *Index) StorePath() string { return ix.storePath }

func fileKey(root, rel string) string {
	return root + "|" + rel
}

func normalizeRoot(root string) string {
	if abs, err := filepath.Abs(root); err == nil {
		return abs
	}
	return filepath.Clean(root)
}

func mtimeMs(info os.FileInfo) float64 {
	return float64(info.ModTime().UnixNano()) / 1e6
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// EnsureLoaded makes model the active embedding model. The on-disk store is
// used when its model matches; otherwise a fresh store is started and saved.
func (ix *Index) EnsureLoaded(model string) error {
	ix.loadMu.Lock()
	defer ix.loadMu.Unlock()

	ix.mu.RLock()
	cur := ix.data
	ix.mu.RUnlock()
	if cur != nil && cur.EmbeddingModel == model {
		return nil
	}

	if s := readStore(ix.storePath); s != nil && s.EmbeddingModel == model {
		if s.Root == "" {
			s.Root = ix.root
		}
		ix.mu.Lock()
		ix.data = s
		ix.mu.Unlock()
		if ix.logger != nil {
			ix.logger.Debug("index loaded", zap.String("root", ix.root), zap.Int("files", len(s.Files)))
		}
		return nil
	}

	if ix.logger != nil {
		ix.logger.Info("starting empty index", zap.String("root", ix.root), zap.String("model", model))
	}
	ix.mu.Lock()
	ix.data = newStore(ix.root, model, ix.now())
	ix.mu.Unlock()
	return ix.saveNow()
}

// ReindexIfStale brings the record of rel up to date. A missing file drops its
// record; oversized files and files whose (mtime, size) match the stored
// record are left alone.
func (ix *Index) ReindexIfStale(ctx context.Context, root, rel string, emb embedding.Embedder) error {
	root = normalizeRoot(root)
	rel = utils.NormalizeRelPath(rel)
	model := emb.Model()
	if err := ix.EnsureLoaded(model); err != nil {
		return err
	}
	key := fileKey(root, rel)
	unlock := ix.files.Lock(key)
	defer unlock()

	abs := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		ix.removeFile(key)
		return nil
	}
	if !info.Mode().IsRegular() || info.Size() > MaxFileSize {
		return nil
	}

	ix.mu.RLock()
	prev := ix.data.Files[key]
	ix.mu.RUnlock()
	mtime := mtimeMs(info)
	if prev != nil && prev.MtimeMs == mtime && prev.Size == info.Size() && len(prev.Chunks) > 0 {
		return nil
	}
	return ix.reindexFile(ctx, root, rel, abs, mtime, info.Size(), prev, emb)
}

func (ix *Index) removeFile(key string) {
	ix.mu.Lock()
	_, ok := ix.data.Files[key]
	if ok {
		delete(ix.data.Files, key)
		ix.data.UpdatedAt = ix.now().UTC().Format(time.RFC3339Nano)
	}
	ix.mu.Unlock()
	if ok {
		if ix.logger != nil {
			ix.logger.Debug("index record removed", zap.String("key", key))
		}
		ix.scheduleSave()
	}
}

func (ix *Index) reindexFile(ctx context.Context, root, rel, abs string, mtime float64, size int64, prev *FileRecord, emb embedding.Embedder) error {
	content, err := os.ReadFile(abs)
	if err != nil {
		if ix.logger != nil {
			ix.logger.Debug("index read failed", zap.String("path", abs), zap.Error(err))
		}
		return nil
	}
	key := fileKey(root, rel)
	if len(content) == 0 || bytes.IndexByte(content, 0) >= 0 {
		ix.removeFile(key)
		return nil
	}

	prevVectors := map[string][]float32{}
	if prev != nil {
		for _, c := range prev.Chunks {
			if _, seen := prevVectors[c.TextHash]; !seen && len(c.Vector) > 0 {
				prevVectors[c.TextHash] = c.Vector
			}
		}
	}

	model := emb.Model()
	chunks := ChunkLines(string(content), ReindexChunkOptions)
	next := make([]ChunkRecord, len(chunks))
	var inputs []string
	var pending []int
	for i, c := range chunks {
		body := fmt.Sprintf("file:%s:%d-%d\n%s", rel, c.StartLine, c.EndLine, c.Text)
		hash := sha256Hex(body)
		next[i] = ChunkRecord{
			ID:        sha1Hex(fmt.Sprintf("%s:%d:%d:%s", key, c.StartLine, c.EndLine, hash)),
			StartLine: c.StartLine,
			EndLine:   c.EndLine,
			Text:      c.Text,
			TextHash:  hash,
		}
		if v, ok := prevVectors[hash]; ok {
			next[i].Vector = v
			continue
		}
		inputs = append(inputs, embedding.FormatInput(model, body))
		pending = append(pending, i)
	}

	var vectors [][]float32
	if len(inputs) > 0 {
		vectors, err = ix.embed(ctx, emb, inputs)
		if err != nil {
			return err
		}
		for j, i := range pending {
			if j < len(vectors) {
				next[i].Vector = vectors[j]
			}
		}
	}

	kept := next[:0]
	for _, c := range next {
		if len(c.Vector) > 0 {
			kept = append(kept, c)
		}
	}
	record := &FileRecord{WorkspaceRoot: root, Path: rel, MtimeMs: mtime, Size: size, Chunks: kept}

	ix.mu.Lock()
	if ix.data.EmbeddingModel != model {
		ix.mu.Unlock()
		return nil
	}
	if ix.data.Dims <= 0 && len(vectors) > 0 && len(vectors[0]) > 0 {
		ix.data.Dims = len(vectors[0])
	}
	ix.data.Files[key] = record
	ix.data.UpdatedAt = ix.now().UTC().Format(time.RFC3339Nano)
	ix.mu.Unlock()

	if ix.logger != nil {
		ix.logger.Debug("file indexed",
			zap.String("path", rel),
			zap.Int("chunks", len(kept)),
			zap.Int("embedded", len(inputs)))
	}
	ix.scheduleSave()
	return nil
}

// embed calls emb and degrades to local hash vectors on failure. Only
// cancellation is returned as an error.
func (ix *Index) embed(ctx context.Context, emb embedding.Embedder, inputs []string) ([][]float32, error) {
	vectors, err := emb.Embed(ctx, inputs)
	if err == nil && len(vectors) == len(inputs) {
		return vectors, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if ix.logger != nil {
		ix.logger.Warn("embedding failed, using local hash vectors", zap.String("model", emb.Model()), zap.Error(err))
	}
	ix.mu.RLock()
	dims := ix.data.Dims
	ix.mu.RUnlock()
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = embedding.HashVector(in, dims)
	}
	return out, nil
}

// RefreshAll walks the workspace and reindexes every stale indexable file. It
// stops dispatching files once the store holds the configured maximum number
// of chunks.
func (ix *Index) RefreshAll(ctx context.Context, emb embedding.Embedder) error {
	if err := ix.EnsureLoaded(emb.Model()); err != nil {
		return err
	}
	structure, err := workspace.Walk(ix.root)
	if err != nil {
		return fmt.Errorf("list workspace: %w", err)
	}

	jobs := make(chan string)
	var limited atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < refreshWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rel := range jobs {
				if ix.ChunkCount() >= ix.maxChunks {
					limited.Store(true)
					continue
				}
				if err := ix.ReindexIfStale(ctx, ix.root, rel, emb); err != nil && ix.logger != nil {
					ix.logger.Debug("reindex failed", zap.String("path", rel), zap.Error(err))
				}
			}
		}()
	}

	for _, rel := range structure.Files() {
		if ctx.Err() != nil {
			break
		}
		if !ShouldIndexFile(rel) {
			continue
		}
		if ix.ChunkCount() >= ix.maxChunks {
			limited.Store(true)
			break
		}
		select {
		case jobs <- rel:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()

	if limited.Load() && ix.logger != nil {
		ix.logger.Warn("index refresh stopped at chunk limit", zap.String("root", ix.root), zap.Int("max_chunks", ix.maxChunks))
	}
	return ctx.Err()
}

// ChunkCount returns the number of stored chunks.
func (ix *Index) ChunkCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.data == nil {
		return 0
	}
	n := 0
	for _, f := range ix.data.Files {
		n += len(f.Chunks)
	}
	return n
}

// Stats summarizes the loaded store.
type Stats struct {
	Root           string `json:"root"`
	EmbeddingModel string `json:"embeddingModel"`
	Dims           int    `json:"dims"`
	Files          int    `json:"files"`
	Chunks         int    `json:"chunks"`
	UpdatedAt      string `json:"updatedAt"`
}

// Stats returns counts for the loaded store. It is zero before EnsureLoaded.
func (ix *Index) Stats() Stats {
	chunks := ix.ChunkCount()
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.data == nil {
		return Stats{Root: ix.root}
	}
	return Stats{
		Root:           ix.root,
		EmbeddingModel: ix.data.EmbeddingModel,
		Dims:           ix.data.Dims,
		Files:          len(ix.data.Files),
		Chunks:         chunks,
		UpdatedAt:      ix.data.UpdatedAt,
	}
}

func (ix *Index) scheduleSave() {
	ix.saveMu.Lock()
	defer ix.saveMu.Unlock()
	if ix.saveTimer != nil {
		return
	}
	ix.saveTimer = time.AfterFunc(ix.saveDelay, func() {
		ix.saveMu.Lock()
		ix.saveTimer = nil
		ix.saveMu.Unlock()
		if err := ix.saveNow(); err != nil && ix.logger != nil {
			ix.logger.Warn("index save failed", zap.String("path", ix.storePath), zap.Error(err))
		}
	})
}

func (ix *Index) saveNow() error {
	ix.mu.RLock()
	if ix.data == nil {
		ix.mu.RUnlock()
		return nil
	}
	payload, err := json.MarshalIndent(ix.data, "", "  ")
	ix.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()
	return writeStore(ix.storePath, payload)
}

// Flush cancels a pending debounced save and writes the store now.
func (ix *Index) Flush() error {
	ix.saveMu.Lock()
	if ix.saveTimer != nil {
		ix.saveTimer.Stop()
		ix.saveTimer = nil
	}
	ix.saveMu.Unlock()
	return ix.saveNow()
}
