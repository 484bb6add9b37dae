package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/hyperjump/aichat/internal/models"
	"github.com/hyperjump/aichat/internal/tools"
)

var (
	trailingNull = regexp.MustCompile(`(?i)(?:^|[,\s])null\s*$`)
	openingFence = regexp.MustCompile("^```[a-zA-Z]*\n?")
)

// CleanArguments strips the usual model artifacts from a raw argument string:
// a trailing null, surrounding code fences, and text after the last } or ].
// The null must stand alone, so a command ending in /dev/null is kept.
func CleanArguments(raw string) string {
	s := strings.TrimSpace(raw)
	if loc := trailingNull.FindStringIndex(s); loc != nil {
		s = strings.TrimRight(s[:loc[0]], ", \t\r\n")
	}
	if strings.HasPrefix(s, "```") {
		s = openingFence.ReplaceAllString(s, "")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	if last := max(strings.LastIndex(s, "}"), strings.LastIndex(s, "]")); last >= 0 && last < len(s)-1 {
		s = s[:last+1]
	}
	return s
}

func parseObject(s string) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// RepairArguments turns tool-call arguments into an argument object. Raw text
// is cleaned, parsed, retried wrapped in braces, and for the shell tool finally
// taken as the literal command.
func RepairArguments(toolName string, args models.Arguments) (map[string]any, error) {
	raw := args.Raw
	switch v := args.Value.(type) {
	case map[string]any:
		return v, nil
	case string:
		raw = v
	case nil:
	default:
		return nil, fmt.Errorf("arguments for %s must be an object, got %T", toolName, v)
	}

	cleaned := CleanArguments(raw)
	if cleaned == "" {
		return map[string]any{}, nil
	}
	if m, ok := parseObject(cleaned); ok {
		return m, nil
	}
	if !strings.HasPrefix(cleaned, "{") && strings.Contains(cleaned, ":") {
		if m, ok := parseObject("{" + strings.TrimSuffix(cleaned, "}") + "}"); ok {
			return m, nil
		}
	}
	if toolName == tools.ExecuteShell {
		return map[string]any{"command": cleaned}, nil
	}
	return nil, fmt.Errorf("could not parse arguments for %s: %s", toolName, cleaned)
}
