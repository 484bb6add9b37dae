package engine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hyperjump/aichat/internal/models"
	"github.com/hyperjump/aichat/internal/provider"
	"github.com/hyperjump/aichat/internal/workspace"
	"github.com/hyperjump/aichat/pkg/utils"
)

const (
	contextCacheSize     = 64
	selectedTextMaxChars = 1600
	projectRawMaxChars   = 20000
	projectMaxChars      = 2500
	outlineMaxEntries    = 40
	summaryKeepMessages  = 20
	summaryPromptChars   = 12000
	summaryMaxTokens     = 512
)

const summarySystemPrompt = "Summarize the conversation history for an IDE AI assistant. Keep concrete requirements, decisions, file paths, commands, and unresolved questions. Be concise."

var (
	exportDecl   = regexp.MustCompile(`(?m)^\s*export\s+(?:default\s+)?(const|function|class|interface|type)\s+([A-Za-z_$][\w$]*)`)
	topLevelDecl = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(const|function|class|interface|type)\s+([A-Za-z_$][\w$]*)`)
	tsLikeLangs  = map[string]bool{"typescript": true, "javascript": true, "typescriptreact": true, "javascriptreact": true}
	tsLikeExts   = map[string]bool{".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".mjs": true, ".cjs": true}
)

// MessageLister reads the stored conversation of a session.
type MessageLister interface {
	GetMessages(ctx context.Context, sessionID string) ([]models.Message, error)
}

type cached struct {
	key  string
	text string
}

// ContextManager builds the editor, project and session context spliced into
// prompts. Outlines, project snapshots and session summaries are cached by
// content hash.
type ContextManager struct {
	messages  MessageLister
	outlines  *lru.Cache[string, cached]
	projects  *lru.Cache[string, cached]
	summaries *lru.Cache[string, cached]
}

// NewContextManager creates a context manager. messages may be nil, in which
// case no session summaries are produced.
func NewContextManager(messages MessageLister) *ContextManager {
	outlines, _ := lru.New[string, cached](contextCacheSize)
	projects, _ := lru.New[string, cached](contextCacheSize)
	summaries, _ := lru.New[string, cached](contextCacheSize)
	return &ContextManager{messages: messages, outlines: outlines, projects: projects, summaries: summaries}
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SystemContextMaxChars is the context budget for a chat turn given the model
// context length in tokens.
func SystemContextMaxChars(contextMaxLength int) int {
	if contextMaxLength <= 0 {
		contextMaxLength = 128000
	}
	return utils.ClampInt(int(float64(contextMaxLength)*4*0.06), 6000, 18000)
}

// RAGMaxChars is the share of the system context given to retrieved code.
func RAGMaxChars(contextMaxLength int) int {
	return utils.ClampInt(int(float64(SystemContextMaxChars(contextMaxLength))*0.4), 1500, 5000)
}

// BuildSystemContext describes the active file, its selection and outline,
// and a snapshot of the project tree under root, cut at maxChars.
func (m *ContextManager) BuildSystemContext(editor *models.EditorContext, root string, maxChars int) string {
	var parts []string
	if editor != nil && editor.FilePath != "" {
		parts = append(parts, "Active file: "+editor.FilePath)
		if editor.LanguageID != "" {
			parts = append(parts, "Language: "+editor.LanguageID)
		}
		if s := editor.Selection; s != nil {
			parts = append(parts, fmt.Sprintf("Selection: %d:%d-%d:%d", s.StartLine, s.StartColumn, s.EndLine, s.EndColumn))
		}
		if strings.TrimSpace(editor.SelectedText) != "" {
			parts = append(parts, "Selected text:\n"+utils.Clip(editor.SelectedText, selectedTextMaxChars))
		}
		if outline := m.fileOutline(editor, root); outline != "" {
			parts = append(parts, outline)
		}
	}
	if project := m.projectSummary(root); project != "" {
		parts = append(parts, project)
	}
	return utils.Clip(strings.Join(parts, "\n\n"), maxChars)
}

func isTSLike(languageID, path string) bool {
	if tsLikeLangs[strings.ToLower(languageID)] {
		return true
	}
	return tsLikeExts[strings.ToLower(filepath.Ext(path))]
}

// Outline lists exported names and top-level declarations of TS/JS source.
func Outline(source string) (exports, decls []string) {
	exports = uniqueMatches(exportDecl, source, func(m []string) string { return m[2] })
	decls = uniqueMatches(topLevelDecl, source, func(m []string) string { return m[1] + " " + m[2] })
	return exports, decls
}

func uniqueMatches(re *regexp.Regexp, source string, label func([]string) string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range re.FindAllStringSubmatch(source, -1) {
		v := label(m)
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
		if len(out) >= outlineMaxEntries {
			break
		}
	}
	return out
}

func editorFileContent(editor *models.EditorContext, root string) string {
	if editor.VisibleText != "" || root == "" {
		return editor.VisibleText
	}
	path := editor.FilePath
	if !filepath.IsAbs(path) || !workspace.Within(root, path) {
		full, err := workspace.Resolve(root, path)
		if err != nil {
			return ""
		}
		path = full
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func (m *ContextManager) fileOutline(editor *models.EditorContext, root string) string {
	content := editorFileContent(editor, root)
	if content == "" {
		return ""
	}
	key := root + ":" + editor.FilePath
	h := sha1Hex(content)
	if c, ok := m.outlines.Get(key); ok && c.key == h {
		return c.text
	}

	outline := ""
	if isTSLike(editor.LanguageID, editor.FilePath) {
		exports, decls := Outline(content)
		var lines []string
		if len(exports) > 0 {
			lines = append(lines, "Exports: "+strings.Join(exports, ", "))
		}
		if len(decls) > 0 {
			lines = append(lines, "Top-level: "+strings.Join(decls, ", "))
		}
		if len(lines) > 0 {
			outline = "File outline:\n" + strings.Join(lines, "\n")
		}
	}
	m.outlines.Add(key, cached{key: h, text: outline})
	return outline
}

func (m *ContextManager) projectSummary(root string) string {
	if root == "" {
		return ""
	}
	s, err := workspace.Walk(root)
	if err != nil {
		return ""
	}
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	raw := string(b)
	if len(raw) > projectRawMaxChars {
		raw = raw[:projectRawMaxChars]
	}
	h := sha1Hex(raw)
	if c, ok := m.projects.Get(root); ok && c.key == h {
		return c.text
	}
	summary := "Project structure snapshot:\n" + utils.Clip(raw, projectMaxChars)
	m.projects.Add(root, cached{key: h, text: summary})
	return summary
}

// BuildSessionSummary asks client to summarize everything but the newest
// messages of a long session. Short sessions and failures yield "".
func (m *ContextManager) BuildSessionSummary(ctx context.Context, sessionID string, client provider.ChatCompleter) string {
	if sessionID == "" || m.messages == nil || client == nil {
		return ""
	}
	msgs, err := m.messages.GetMessages(ctx, sessionID)
	if err != nil || len(msgs) <= summaryKeepMessages {
		return ""
	}
	older := msgs[:len(msgs)-summaryKeepMessages]
	key := fmt.Sprintf("%d:%d", len(older), older[len(older)-1].ID)
	if c, ok := m.summaries.Get(sessionID); ok && c.key == key {
		return c.text
	}

	lines := make([]string, len(older))
	for i, msg := range older {
		lines[i] = fmt.Sprintf("%s: %s", msg.Role, msg.BodyForEstimate())
	}
	prompt := []models.Message{
		{Role: models.RoleSystem, Content: summarySystemPrompt},
		{Role: models.RoleUser, Content: utils.Clip(strings.Join(lines, "\n"), summaryPromptChars)},
	}
	resp, err := client.ChatCompletion(ctx, prompt, nil, provider.ChatOptions{
		MaxTokens:   summaryMaxTokens,
		Temperature: provider.Float(0.2),
		SessionID:   sessionID,
	})
	if err != nil {
		return ""
	}
	summary := resp.Text()
	m.summaries.Add(sessionID, cached{key: key, text: summary})
	return summary
}
