package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/aichat/internal/config"
	"github.com/hyperjump/aichat/internal/embedding"
	"github.com/hyperjump/aichat/internal/indexer"
)

// AddendumTopK is how many snippets a chat turn receives.
const AddendumTopK = 4

// RuntimeSource returns the current engine runtime config.
type RuntimeSource interface {
	Get() *config.Runtime
}

// Retriever queries workspace indexes with embeddings bound to the current
// runtime config. The first use of a root starts a background refresh of it.
type Retriever struct {
	runtime    RuntimeSource
	indexes    *indexer.Manager
	embeddings *embedding.Service
	logger     *zap.Logger
	ctx        context.Context

	mu      sync.Mutex
	started map[string]bool
	wg      sync.WaitGroup
}

// NewRetriever creates a retriever. Background refreshes stop when ctx ends.
func NewRetriever(ctx context.Context, runtime RuntimeSource, indexes *indexer.Manager, embeddings *embedding.Service, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		ctx:        ctx,
		runtime:    runtime,
		indexes:    indexes,
		embeddings: embeddings,
		logger:     logger,
		started:    map[string]bool{},
	}
}

func (r *Retriever) index(root string, cfg *config.Runtime, model string) (*indexer.Index, embedding.Embedder, error) {
	ix, err := r.indexes.Get(root)
	if err != nil {
		return nil, nil, err
	}
	emb := r.embeddings.Bind(cfg, model)
	ix.SetEmbedder(emb)
	r.kickoff(ix, emb)
	return ix, emb, nil
}

func (r *Retriever) kickoff(ix *indexer.Index, emb embedding.Embedder) {
	r.mu.Lock()
	if r.started[ix.Root()] {
		r.mu.Unlock()
		return
	}
	r.started[ix.Root()] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := ix.RefreshAll(r.ctx, emb); err != nil {
			r.logger.Warn("initial index refresh failed", zap.String("root", ix.Root()), zap.Error(err))
			r.mu.Lock()
			delete(r.started, ix.Root())
			r.mu.Unlock()
			return
		}
		r.logger.Info("initial index refresh done", zap.String("root", ix.Root()), zap.Int("chunks", ix.ChunkCount()))
	}()
}

// Search returns the top-K chunks of root for query.
func (r *Retriever) Search(ctx context.Context, root, query string, topK, maxCandidates int) ([]indexer.Result, error) {
	ix, emb, err := r.index(root, r.runtime.Get(), "")
	if err != nil {
		return nil, err
	}
	return ix.QueryTopK(ctx, query, emb, topK, maxCandidates)
}

// Addendum returns retrieved snippets for query formatted for the system
// context, or "" when retrieval finds nothing or fails.
func (r *Retriever) Addendum(ctx context.Context, cfg *config.Runtime, root, query, model string, maxChars int) string {
	if root == "" {
		return ""
	}
	ix, emb, err := r.index(root, cfg, model)
	if err != nil {
		r.logger.Warn("index unavailable", zap.String("root", root), zap.Error(err))
		return ""
	}
	out, err := ix.BuildAddendum(ctx, query, emb, maxChars, AddendumTopK)
	if err != nil {
		r.logger.Debug("retrieval failed", zap.String("root", root), zap.Error(err))
		return ""
	}
	return out
}

// Refresh reindexes every stale file of root and returns the index stats.
func (r *Retriever) Refresh(ctx context.Context, root string) (indexer.Stats, error) {
	ix, err := r.indexes.Get(root)
	if err != nil {
		return indexer.Stats{}, err
	}
	emb := r.embeddings.Bind(r.runtime.Get(), "")
	ix.SetEmbedder(emb)
	if err := ix.RefreshAll(ctx, emb); err != nil {
		return indexer.Stats{}, err
	}
	if err := ix.Flush(); err != nil {
		return indexer.Stats{}, err
	}
	r.mu.Lock()
	r.started[ix.Root()] = true
	r.mu.Unlock()
	return ix.Stats(), nil
}

// Wait blocks until background refreshes have finished.
func (r *Retriever) Wait() {
	r.wg.Wait()
}
