package agent

import (
	"strings"

	"github.com/hyperjump/aichat/internal/tools"
)

// Conversation modes.
const (
	ModeChat  = "chat"
	ModePlan  = "plan"
	ModeCanva = "canva"
	ModeAgent = "agent"
)

const toolGuidance = "You have full read/write access to the project's real file system. You may create, modify, " +
	"or delete any files as needed using the tools. " +
	"Always persist code changes to disk so the user can run and preview them. " +
	"Never describe edits hypothetically. Use the tools (read_file, write_file, edit_file, execute_shell, etc.) to perform the work, then report back. " +
	"You can emit multiple tool_calls in a single assistant message (parallel when supported); batch related edits and executions to reduce round trips."

var modePrompts = map[string]string{
	ModeChat: "You are in Chat mode. Provide concise, helpful answers without invoking tools. Keep responses focused on the user message.",
	ModePlan: "You are in Plan mode. Always return structured project plans, roadmaps, Gantt-ready milestones, or TODO lists. Prefer Markdown lists and tables.",
	ModeCanva: "You are in CANVA mode: a hands-on frontend/full-stack builder. " +
		"Goal: ship working UI/UX with real files updated. " +
		"Tool policy: prefer tool calls over prose. Read existing files, write edits, run shells when needed. " +
		"Batch related file edits or searches into one response with multiple tool_calls when useful. " +
		"Workflow: (1) inspect key files if unsure, (2) plan briefly, (3) apply changes with tools, (4) summarize what changed. " +
		"Be concise in text; do not paste large code unless necessary. " +
		toolGuidance,
	ModeAgent: "You are in AGENT mode: full autonomy with all tools (files, shell, semantic search). " +
		"Take multi-step actions to complete tasks end-to-end. " +
		"Always use tools to gather context and apply changes; avoid speculative descriptions. " +
		"You may issue multiple tool_calls in one response to cover all needed actions before the next LLM call. " +
		"If you need to explore, list quick next tool calls; then execute them. " +
		"Report concise progress and what you changed. " +
		toolGuidance,
}

// Prompt returns the system prompt of mode. Unknown modes get the chat prompt.
func Prompt(mode string) string {
	if p, ok := modePrompts[mode]; ok {
		return p
	}
	return modePrompts[ModeChat]
}

// ModeTools returns the tool names mode may call, in offer order, restricted
// to available. A non-empty overrides list further filters the set.
func ModeTools(mode string, available, overrides []string) []string {
	var wanted []string
	switch mode {
	case ModeAgent:
		wanted = append(append(append([]string{}, tools.FileTools...), tools.ExecuteShell, tools.SemanticSearch), available...)
	case ModeCanva:
		wanted = append(append([]string{}, tools.FileTools...), tools.ExecuteShell)
	default:
		return nil
	}

	have := make(map[string]bool, len(available))
	for _, n := range available {
		have[n] = true
	}
	allow := make(map[string]bool, len(overrides))
	for _, n := range overrides {
		allow[n] = true
	}
	seen := map[string]bool{}
	var out []string
	for _, n := range wanted {
		if seen[n] || !have[n] || (len(overrides) > 0 && !allow[n]) {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// SystemPrompt is the mode prompt followed by the active tool list, when any.
func SystemPrompt(mode string, active []string) string {
	base := Prompt(mode)
	if len(active) == 0 {
		return base
	}
	return base + "\n\nActive tools in this mode: " + strings.Join(active, ", ") +
		". Prefer taking real actions with these tools instead of only replying in text."
}
