package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/hyperjump/aichat/internal/workspace"
)

const (
	defaultSearchResults = 200
	defaultContextLines  = 2
)

// SearchMatch is one search_in_files hit.
type SearchMatch struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Match   string `json:"match"`
	Context string `json:"context"`
}

type searchInFilesTool struct{}

func (searchInFilesTool) Name() string { return SearchInFiles }
func (searchInFilesTool) Description() string {
	return "Search text or regex across one or many workspace files, returning file paths, line numbers, and context."
}
func (searchInFilesTool) Schema() *jsonschema.Schema {
	return objectSchema([]string{"query"}, map[string]*jsonschema.Schema{
		"query":          stringProp("Search term or regex pattern"),
		"path":           stringProp("Optional sub-folder to scope the search"),
		"paths":          stringListProp("Specific sub-folders to search"),
		"files":          stringListProp("Specific files (relative to workspace) to search"),
		"file_globs":     stringListProp("Glob patterns to include (e.g. **/*.ts, src/*.css)"),
		"regex":          boolProp("Treat query as regex (defaults to false)"),
		"case_sensitive": boolProp("Case sensitive search (default false)"),
		"context_lines":  intProp("Number of context lines before/after match", jsonschema.Ptr(0.0), jsonschema.Ptr(20.0)),
		"max_results":    intProp("Maximum results to return (default 200)", jsonschema.Ptr(1.0), jsonschema.Ptr(1000.0)),
	})
}

func (searchInFilesTool) Execute(ctx context.Context, tc Context, args map[string]any) (any, error) {
	if tc.WorkspaceRoot == "" {
		return nil, ErrNoWorkspace
	}
	query := stringArg(args, "query")
	isRegex := boolArg(args, "regex", false)
	pattern := query
	if !isRegex {
		pattern = regexp.QuoteMeta(query)
	}
	if !boolArg(args, "case_sensitive", false) {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	maxResults := intArg(args, "max_results", defaultSearchResults)
	contextLines := intArg(args, "context_lines", defaultContextLines)

	candidates, err := searchCandidates(tc, args)
	if err != nil {
		return nil, err
	}
	globs := stringsArg(args, "file_globs")

	results := []SearchMatch{}
	for _, rel := range candidates {
		if len(results) >= maxResults || ctx.Err() != nil {
			break
		}
		if !matchGlobs(globs, rel) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(tc.WorkspaceRoot, filepath.FromSlash(rel)))
		if err != nil || bytes.IndexByte(data, 0) >= 0 {
			continue
		}
		results = appendMatches(results, rel, string(data), re, contextLines, maxResults)
	}
	return map[string]any{
		"status":    "ok",
		"query":     query,
		"regex":     isRegex,
		"results":   results,
		"truncated": len(results) >= maxResults,
	}, nil
}

// searchCandidates lists the files to scan: explicit files first, then the
// scoped folders (or the whole workspace), without duplicates.
func searchCandidates(tc Context, args map[string]any) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(rel string) {
		if !seen[rel] {
			seen[rel] = true
			out = append(out, rel)
		}
	}
	for _, f := range stringsArg(args, "files") {
		full, err := resolveExisting(tc, f)
		if err != nil {
			continue
		}
		add(relTo(tc, full))
	}

	dirs := stringsArg(args, "paths")
	if len(dirs) == 0 {
		if p := stringArg(args, "path"); p != "" {
			dirs = []string{p}
		}
	}
	if len(dirs) == 0 && len(out) == 0 {
		dirs = []string{""}
	}
	for _, d := range dirs {
		full, err := resolvePath(tc, d)
		if err != nil {
			return nil, err
		}
		s, err := workspace.Walk(full)
		if err != nil {
			continue
		}
		prefix := relTo(tc, full)
		files := s.Files()
		sort.Strings(files)
		for _, f := range files {
			if prefix != "." && prefix != "" {
				f = path.Join(prefix, f)
			}
			add(f)
		}
	}
	return out, nil
}

// matchGlobs reports whether rel matches any pattern, case-insensitively. A
// pattern without a slash also matches the file's base name.
func matchGlobs(globs []string, rel string) bool {
	if len(globs) == 0 {
		return true
	}
	lower := strings.ToLower(rel)
	for _, g := range globs {
		g = strings.ToLower(strings.TrimPrefix(g, "./"))
		if ok, _ := doublestar.Match(g, lower); ok {
			return true
		}
		if !strings.Contains(g, "/") {
			if ok, _ := doublestar.Match(g, path.Base(lower)); ok {
				return true
			}
		}
	}
	return false
}

func appendMatches(results []SearchMatch, rel, content string, re *regexp.Regexp, contextLines, maxResults int) []SearchMatch {
	lines := strings.Split(content, "\n")
	offsets := make([]int, len(lines))
	acc := 0
	for i, l := range lines {
		offsets[i] = acc
		acc += len(l) + 1
	}
	for _, loc := range re.FindAllStringIndex(content, -1) {
		if len(results) >= maxResults {
			break
		}
		if loc[0] == loc[1] {
			continue
		}
		lineIdx := sort.Search(len(offsets), func(i int) bool { return offsets[i] > loc[0] }) - 1
		line := lineIdx + 1
		column := utf8.RuneCountInString(content[offsets[lineIdx]:loc[0]]) + 1
		start := max(1, line-contextLines)
		end := min(len(lines), line+contextLines)
		results = append(results, SearchMatch{
			Path:    rel,
			Line:    line,
			Column:  column,
			Match:   content[loc[0]:loc[1]],
			Context: strings.Join(lines[start-1:end], "\n"),
		})
	}
	return results
}
