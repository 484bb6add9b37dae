package indexer

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hyperjump/aichat/internal/embedding"
	"github.com/hyperjump/aichat/internal/vector"
	"github.com/hyperjump/aichat/pkg/utils"
)

// QueryInstruction prefixes queries so instruction-tuned embedding models
// treat them as code search.
const QueryInstruction = "Instruct: Given a code search query, retrieve relevant code snippets that answer the query.\nQuery: "

// Candidate bounds for QueryTopK.
const (
	MinCandidates      = 50
	MaxCandidates      = 5000
	AddendumCandidates = 2500
)

const (
	maxQueryTokens  = 16
	snippetMaxChars = 1800
	addendumHeader  = "Relevant code snippets (retrieved):"
)

var queryTokenPattern = regexp.MustCompile(`[a-z_][a-z0-9_]{2,}`)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "this": true, "that": true,
	"from": true, "into": true, "your": true, "you": true, "are": true, "not": true,
	"can": true, "will": true, "use": true, "using": true,
}

// QueryTokens returns up to 16 distinct lowercase identifier-like tokens of
// text, without stopwords, in order of appearance.
func QueryTokens(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range queryTokenPattern.FindAllString(strings.ToLower(text), -1) {
		if stopwords[m] || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
		if len(out) >= maxQueryTokens {
			break
		}
	}
	return out
}

// preScore counts tokens found in the path or the text. With no tokens every
// chunk scores 1.
func preScore(tokens []string, path, text string) int {
	if len(tokens) == 0 {
		return 1
	}
	lowerPath := strings.ToLower(path)
	lower := strings.ToLower(text)
	hits := 0
	for _, t := range tokens {
		if strings.Contains(lowerPath, t) || strings.Contains(lower, t) {
			hits++
		}
	}
	return hits
}

// Result is one retrieved chunk.
type Result struct {
	ID        string  `json:"id"`
	FilePath  string  `json:"filePath"`
	StartLine int     `json:"startLine"`
	EndLine   int     `json:"endLine"`
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
}

type candidate struct {
	path  string
	chunk *ChunkRecord
	pre   int
}

// QueryTopK embeds query and ranks stored chunks by cosine similarity plus a
// small prefilter bonus. Chunks sharing no token with the query are skipped
// and at most maxCandidates (clamped to [50, 5000]) are scored. Ties break on
// prefilter score, then chunk id.
func (ix *Index) QueryTopK(ctx context.Context, query string, emb embedding.Embedder, topK, maxCandidates int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	model := emb.Model()
	if err := ix.EnsureLoaded(model); err != nil {
		return nil, err
	}
	vectors, err := ix.embed(ctx, emb, []string{embedding.FormatInput(model, QueryInstruction+query)})
	if err != nil {
		return nil, err
	}
	qv := vectors[0]
	tokens := QueryTokens(query)
	limit := utils.ClampInt(maxCandidates, MinCandidates, MaxCandidates)

	ix.mu.RLock()
	keys := make([]string, 0, len(ix.data.Files))
	for k := range ix.data.Files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var candidates []candidate
collect:
	for _, k := range keys {
		f := ix.data.Files[k]
		for i := range f.Chunks {
			c := &f.Chunks[i]
			if len(c.Vector) == 0 {
				continue
			}
			pre := preScore(tokens, f.Path, c.Text)
			if pre <= 0 {
				continue
			}
			candidates = append(candidates, candidate{path: f.Path, chunk: c, pre: pre})
			if len(candidates) >= limit {
				break collect
			}
		}
	}
	ix.mu.RUnlock()

	hits := make([]vector.Hit, len(candidates))
	for i, c := range candidates {
		hits[i] = vector.Hit{ID: c.chunk.ID, Index: i, Score: vector.Score(qv, c.chunk.Vector, c.pre), PreScore: c.pre}
	}
	ranked := vector.TopK(hits, topK)
	out := make([]Result, len(ranked))
	for i, h := range ranked {
		c := candidates[h.Index]
		out[i] = Result{
			ID:        c.chunk.ID,
			FilePath:  c.path,
			StartLine: c.chunk.StartLine,
			EndLine:   c.chunk.EndLine,
			Text:      c.chunk.Text,
			Score:     h.Score,
		}
	}
	return out, nil
}

// BuildAddendum formats the top-K results for prompt injection. Each snippet is
// cut at 1800 characters and the whole block at maxChars. An empty string
// means nothing relevant was found.
func (ix *Index) BuildAddendum(ctx context.Context, query string, emb embedding.Embedder, maxChars, topK int) (string, error) {
	items, err := ix.QueryTopK(ctx, query, emb, topK, AddendumCandidates)
	if err != nil || len(items) == 0 {
		return "", err
	}
	return FormatAddendum(items, maxChars), nil
}

// FormatAddendum renders results as "path:start-end" headed snippets.
func FormatAddendum(items []Result, maxChars int) string {
	parts := make([]string, 0, len(items)+1)
	parts = append(parts, addendumHeader)
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%s:%d-%d\n%s", it.FilePath, it.StartLine, it.EndLine, utils.Clip(it.Text, snippetMaxChars)))
	}
	return utils.Clip(strings.Join(parts, "\n\n"), maxChars)
}
