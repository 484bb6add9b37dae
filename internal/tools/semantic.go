package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/hyperjump/aichat/internal/indexer"
)

// SemanticSearchFunc queries the semantic index of root.
type SemanticSearchFunc func(ctx context.Context, root, query string, topK, maxCandidates int) ([]indexer.Result, error)

const (
	defaultBudgetTokens  = 4000
	semanticCandidates   = 1000
	budgetTruncateMarker = "\n[...truncated due to budget...]"
)

// PackedHit is one snippet in a semantic search context pack.
type PackedHit struct {
	File    string `json:"file"`
	Lines   string `json:"lines"`
	Content string `json:"content"`
}

type semanticSearchTool struct {
	search SemanticSearchFunc
}

func (semanticSearchTool) Name() string { return SemanticSearch }
func (semanticSearchTool) Description() string {
	return "Semantic search across the entire workspace to find relevant code snippets, definitions, and logic. Uses vector embeddings to match concepts even without exact keyword matches."
}
func (semanticSearchTool) Schema() *jsonschema.Schema {
	return objectSchema([]string{"query"}, map[string]*jsonschema.Schema{
		"query":         stringProp("The natural language query or technical question to search for"),
		"scopes":        stringListProp("Optional file paths or globs to restrict search to specific areas"),
		"budget_tokens": {Type: "number", Description: "Maximum token budget for the search results (default 4000)"},
		"mode": {
			Type:        "string",
			Enum:        []any{"precise", "balanced", "comprehensive"},
			Description: "Strategy for retrieval. precise=fewer high-quality hits, comprehensive=more hits with less context.",
		},
		"top_k": {Type: "number", Description: "Manual override for number of hits to retrieve"},
	})
}

func (t semanticSearchTool) Execute(ctx context.Context, tc Context, args map[string]any) (any, error) {
	if tc.WorkspaceRoot == "" {
		return nil, ErrNoWorkspace
	}
	if t.search == nil {
		return nil, fmt.Errorf("semantic index is not available")
	}
	query := stringArg(args, "query")
	budget := intArg(args, "budget_tokens", 0)
	if budget <= 0 {
		budget = defaultBudgetTokens
	}
	mode := stringArg(args, "mode")
	if mode == "" {
		mode = "balanced"
	}
	topK := intArg(args, "top_k", 0)
	if topK <= 0 {
		topK = 8
	}
	switch mode {
	case "precise":
		topK = 4
	case "comprehensive":
		topK = 15
	}

	items, err := t.search(ctx, tc.WorkspaceRoot, query, topK*2, semanticCandidates)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return map[string]any{"status": "ok", "message": "No relevant context found.", "context_pack": ""}, nil
	}

	if scopes := stringsArg(args, "scopes"); len(scopes) > 0 {
		filtered := items[:0:0]
		for _, it := range items {
			if inScopes(scopes, it.FilePath) {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > topK {
		items = items[:topK]
	}

	packed, used := packHits(items, budget*4)
	parts := make([]string, len(packed))
	for i, p := range packed {
		parts[i] = fmt.Sprintf("--- %s:%s ---\n%s", p.File, p.Lines, p.Content)
	}
	return map[string]any{
		"status":       "ok",
		"query":        query,
		"mode":         mode,
		"hits":         len(packed),
		"context_pack": strings.Join(parts, "\n\n"),
		"metadata": map[string]any{
			"budget_tokens":      budget,
			"used_approx_tokens": (used + 3) / 4,
		},
	}, nil
}

// inScopes matches a path against scopes as case-insensitive substrings or globs.
func inScopes(scopes []string, file string) bool {
	lower := strings.ToLower(file)
	for _, s := range scopes {
		if strings.Contains(lower, strings.ToLower(s)) || matchGlobs([]string{s}, file) {
			return true
		}
	}
	return false
}

// packHits takes hits in order until charLimit is reached. The first hit
// that overflows may be added truncated when less than 80% of the budget is used.
func packHits(items []indexer.Result, charLimit int) ([]PackedHit, int) {
	var packed []PackedHit
	used := 0
	for _, it := range items {
		header := fmt.Sprintf("File: %s (lines %d-%d)", it.FilePath, it.StartLine, it.EndLine)
		lines := fmt.Sprintf("%d-%d", it.StartLine, it.EndLine)
		size := len(header) + len(it.Text) + 10
		if used+size > charLimit && len(packed) > 0 {
			if float64(used) < float64(charLimit)*0.8 {
				remaining := charLimit - used - len(header) - 50
				if remaining > 200 {
					packed = append(packed, PackedHit{File: it.FilePath, Lines: lines, Content: it.Text[:min(remaining, len(it.Text))] + budgetTruncateMarker})
				}
			}
			break
		}
		packed = append(packed, PackedHit{File: it.FilePath, Lines: lines, Content: it.Text})
		used += size
	}
	return packed, used
}
