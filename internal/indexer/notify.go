package indexer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/aichat/internal/embedding"
	"github.com/hyperjump/aichat/pkg/utils"
)

type fileRef struct {
	root string
	rel  string
}

// SetEmbedder sets the embedder used for change notifications. Until one is
// set, notifications are collected and dropped at flush time.
func (ix *Index) SetEmbedder(e embedding.Embedder) {
	ix.embedMu.Lock()
	ix.embedder = e
	ix.embedMu.Unlock()
}

func (ix *Index) currentEmbedder() embedding.Embedder {
	ix.embedMu.RLock()
	defer ix.embedMu.RUnlock()
	return ix.embedder
}

// NotifyFileChanged queues rel under root for reindexing. Paths outside the
// allow-list are ignored. It blocks while the queue is full and returns false
// once the index is closed.
func (ix *Index) NotifyFileChanged(root, rel string) bool {
	rel = utils.NormalizeRelPath(rel)
	if !ShouldIndexFile(rel) {
		return false
	}
	select {
	case <-ix.done:
		return false
	default:
	}
	select {
	case ix.changes <- fileRef{root: normalizeRoot(root), rel: rel}:
		return true
	case <-ix.done:
		return false
	}
}

// Start launches the goroutine that coalesces change notifications. Calling
// it again has no effect.
func (ix *Index) Start(ctx context.Context) {
	ix.startOnce.Do(func() {
		ix.wg.Add(1)
		go func() {
			defer ix.wg.Done()
			ix.run(ctx)
		}()
	})
}

// run drains the change queue into a pending set. The first change after an
// idle period arms the coalescing timer; when it fires the whole set is
// reindexed.
func (ix *Index) run(ctx context.Context) {
	pending := map[string]fileRef{}
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ix.done:
			return
		case ref := <-ix.changes:
			pending[fileKey(ref.root, ref.rel)] = ref
			if fire == nil {
				timer = time.NewTimer(ix.coalesce)
				fire = timer.C
			}
		case <-fire:
			fire = nil
			batch := pending
			pending = map[string]fileRef{}
			ix.flush(ctx, batch)
		}
	}
}

func (ix *Index) flush(ctx context.Context, batch map[string]fileRef) {
	emb := ix.currentEmbedder()
	if emb == nil {
		if ix.logger != nil {
			ix.logger.Debug("no embedder set, dropping changes", zap.Int("files", len(batch)))
		}
		return
	}
	for _, ref := range batch {
		ref := ref
		select {
		case ix.sem <- struct{}{}:
		case <-ctx.Done():
			return
		case <-ix.done:
			return
		}
		ix.wg.Add(1)
		go func() {
			defer ix.wg.Done()
			defer func() { <-ix.sem }()
			if err := ix.ReindexIfStale(ctx, ref.root, ref.rel, emb); err != nil && ix.logger != nil {
				ix.logger.Debug("reindex failed", zap.String("path", ref.rel), zap.Error(err))
			}
		}()
	}
}

// Close stops the coalescing goroutine, waits for in-flight reindexing and
// writes the store.
func (ix *Index) Close() error {
	ix.closeOnce.Do(func() { close(ix.done) })
	ix.wg.Wait()
	ix.mu.RLock()
	loaded := ix.data != nil
	ix.mu.RUnlock()
	if !loaded {
		return nil
	}
	return ix.Flush()
}
