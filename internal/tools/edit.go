package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

type editKind string

const (
	editSearchReplace editKind = "search_replace"
	editLineRange     editKind = "line_range_replace"
	editInsertBefore  editKind = "insert_before"
	editInsertAfter   editKind = "insert_after"
)

// fileEdit is one normalized edit_file operation.
type fileEdit struct {
	kind       editKind
	search     string
	replace    string
	occurrence int
	startLine  int
	endLine    int
	line       int
	text       string
}

type editFileTool struct{ fileEnv }

func (editFileTool) Name() string { return EditFile }
func (editFileTool) Description() string {
	return "Apply precise edits to a workspace file (search/replace, line range replace, insert before/after lines). Supports multiple, non-contiguous edits in one call."
}

func editObjectSchema() *jsonschema.Schema {
	one := jsonschema.Ptr(1.0)
	zero := jsonschema.Ptr(0.0)
	return objectSchema(nil, map[string]*jsonschema.Schema{
		"search":             stringProp("Exact contiguous block to replace"),
		"replace":            stringProp("Replacement text (empty string to delete)"),
		"description":        stringProp("Optional description of the change"),
		"start_line":         intProp("Start line (1-based) for a line range replace", one, nil),
		"end_line":           intProp("End line (inclusive). Defaults to start_line", one, nil),
		"insert_before_line": intProp("Insert text before this line number", one, nil),
		"insert_after_line":  intProp("Insert text after this line number (0 means before first line)", zero, nil),
		"text":               stringProp("Text to insert or replace when using line-based edits"),
		"occurrence":         intProp("Nth occurrence to replace for search-based edits (default 1)", one, nil),
	})
}

func (editFileTool) Schema() *jsonschema.Schema {
	s := objectSchema([]string{"path"}, map[string]*jsonschema.Schema{
		"path": stringProp("Relative file path inside the workspace"),
		"edits": {
			Description: "Edits to apply. Can be an array, a single edit object, or a string when paired with replace.",
			AnyOf: []*jsonschema.Schema{
				{Type: "array", Items: editObjectSchema(), MinItems: jsonschema.Ptr(1)},
				editObjectSchema(),
				{Type: "string"},
			},
		},
		"search":      stringProp("Shorthand: exact text to replace (paired with top-level replace)"),
		"replace":     stringProp("Shorthand: replacement text when using top-level search"),
		"description": stringProp("Optional description for shorthand edit"),
	})
	s.AnyOf = []*jsonschema.Schema{
		{Required: []string{"edits"}},
		{Required: []string{"search", "replace"}},
	}
	return s
}

func (t editFileTool) Execute(_ context.Context, tc Context, args map[string]any) (any, error) {
	rel := stringArg(args, "path")
	full, err := resolveExisting(tc, rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	edits, warnings, err := normalizeEdits(args)
	if err != nil {
		return nil, err
	}
	content, details, err := applyEdits(string(data), edits)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return nil, err
	}
	t.changed(tc.WorkspaceRoot, relTo(tc, full))
	return map[string]any{
		"status":   "ok",
		"path":     rel,
		"applied":  len(details),
		"details":  details,
		"warnings": warnings,
		"message":  fmt.Sprintf("Edited %s (%d changes applied)", rel, len(details)),
	}, nil
}

// normalizeEdits accepts an edits array, a single edit object, a JSON string
// holding either, or the top-level search/replace shorthand.
func normalizeEdits(args map[string]any) ([]fileEdit, []string, error) {
	warnings := []string{}
	var raw []any

	switch v := args["edits"].(type) {
	case []any:
		raw = v
	case map[string]any:
		raw = []any{v}
	case string:
		trimmed := strings.TrimSpace(v)
		var parsed any
		if trimmed != "" {
			if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
				warnings = append(warnings, "Failed to parse string edits as JSON: "+err.Error())
				parsed = nil
			}
		}
		switch p := parsed.(type) {
		case []any:
			raw = p
		case map[string]any:
			raw = []any{p}
		case string:
			if hasArg(args, "replace") {
				raw = []any{map[string]any{"search": p, "replace": args["replace"]}}
			}
		default:
			if hasArg(args, "replace") {
				raw = []any{map[string]any{"search": v, "replace": args["replace"]}}
			} else {
				warnings = append(warnings, "String 'edits' provided but no 'replace' given; supply replace or use JSON edits array.")
			}
		}
	}

	if len(raw) == 0 && hasArg(args, "search") && hasArg(args, "replace") {
		raw = []any{map[string]any{"search": args["search"], "replace": args["replace"]}}
	}
	if len(raw) == 0 {
		return nil, warnings, errors.New("no valid edits provided; supply 'edits' or top-level 'search' and 'replace'")
	}

	var edits []fileEdit
	for _, item := range raw {
		switch e := item.(type) {
		case nil:
			continue
		case string:
			if hasArg(args, "replace") {
				edits = append(edits, fileEdit{kind: editSearchReplace, search: e, replace: textValue(args["replace"]), occurrence: 1})
			} else {
				warnings = append(warnings, "String edit provided without replacement; skipped.")
			}
		case map[string]any:
			if edit, ok := editFromObject(e); ok {
				edits = append(edits, edit)
			} else {
				warnings = append(warnings, "Unsupported edit shape encountered; skipped.")
			}
		default:
			warnings = append(warnings, "Unsupported edit shape encountered; skipped.")
		}
	}
	if len(edits) == 0 {
		return nil, warnings, errors.New("no actionable edits after normalization")
	}
	return edits, warnings, nil
}

func editFromObject(e map[string]any) (fileEdit, bool) {
	text := func() string {
		if hasArg(e, "text") {
			return textValue(e["text"])
		}
		return textValue(e["replace"])
	}
	switch {
	case hasArg(e, "search") && hasArg(e, "replace"):
		return fileEdit{
			kind:       editSearchReplace,
			search:     textValue(e["search"]),
			replace:    textValue(e["replace"]),
			occurrence: max(1, intArg(e, "occurrence", 1)),
		}, true
	case hasArg(e, "start_line") || hasArg(e, "end_line"):
		start := intArg(e, "start_line", 0)
		end := intArg(e, "end_line", 0)
		if start == 0 {
			start = end
		}
		if end == 0 {
			end = start
		}
		return fileEdit{kind: editLineRange, startLine: start, endLine: end, text: text()}, true
	case hasArg(e, "insert_before_line"):
		return fileEdit{kind: editInsertBefore, line: intArg(e, "insert_before_line", 1), text: text()}, true
	case hasArg(e, "insert_after_line"):
		return fileEdit{kind: editInsertAfter, line: intArg(e, "insert_after_line", 0), text: text()}, true
	}
	return fileEdit{}, false
}

// applyEdits applies edits in order; each edit sees the result of the previous one.
func applyEdits(content string, edits []fileEdit) (string, []map[string]any, error) {
	var details []map[string]any
	for _, e := range edits {
		switch e.kind {
		case editSearchReplace:
			idx := nthIndex(content, e.search, e.occurrence)
			if idx < 0 {
				return "", nil, fmt.Errorf("search content not found (occurrence %d): %q", e.occurrence, preview(e.search))
			}
			content = content[:idx] + e.replace + content[idx+len(e.search):]
			details = append(details, map[string]any{"type": string(e.kind), "occurrence": e.occurrence, "preview": preview(e.search)})
		case editLineRange:
			lines := strings.Split(content, "\n")
			start := max(1, e.startLine)
			end := max(start, e.endLine)
			if start > len(lines)+1 {
				return "", nil, fmt.Errorf("start_line %d is beyond file length (%d lines)", start, len(lines))
			}
			end = min(end, len(lines))
			out := append([]string{}, lines[:start-1]...)
			out = append(out, strings.Split(e.text, "\n")...)
			out = append(out, lines[end:]...)
			content = strings.Join(out, "\n")
			details = append(details, map[string]any{"type": string(e.kind), "start_line": start, "end_line": max(start, e.endLine)})
		case editInsertBefore:
			lines := strings.Split(content, "\n")
			line := max(1, e.line)
			if line > len(lines)+1 {
				return "", nil, fmt.Errorf("insert_before_line %d is beyond file length (%d lines)", line, len(lines))
			}
			content = insertLines(lines, line-1, e.text)
			details = append(details, map[string]any{"type": string(e.kind), "line": line})
		case editInsertAfter:
			lines := strings.Split(content, "\n")
			line := max(0, e.line)
			if line > len(lines) {
				return "", nil, fmt.Errorf("insert_after_line %d is beyond file length (%d lines)", line, len(lines))
			}
			content = insertLines(lines, line, e.text)
			details = append(details, map[string]any{"type": string(e.kind), "line": line})
		}
	}
	return content, details, nil
}

func insertLines(lines []string, at int, text string) string {
	out := append([]string{}, lines[:at]...)
	out = append(out, strings.Split(text, "\n")...)
	out = append(out, lines[at:]...)
	return strings.Join(out, "\n")
}

// nthIndex returns the byte offset of the n-th non-overlapping occurrence of needle.
func nthIndex(haystack, needle string, n int) int {
	if needle == "" {
		return -1
	}
	from := 0
	idx := -1
	for count := 0; count < n; count++ {
		i := strings.Index(haystack[from:], needle)
		if i < 0 {
			return -1
		}
		idx = from + i
		from = idx + len(needle)
	}
	return idx
}

func preview(s string) string {
	if len(s) > 80 {
		return s[:80]
	}
	return s
}
