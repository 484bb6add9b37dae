// Package embedding turns text into vectors through an OpenAI-compatible
// embeddings endpoint, with a deterministic local fallback and caching.
package embedding

import (
	"context"
	"strings"
)

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Model is the embedding model name the vectors belong to.
	Model() string
}

// Result is the outcome of an embeddings call.
type Result struct {
	Vectors  [][]float32
	Provider string
	Model    string
}

const qwen3EOT = "<|endoftext|>"

// IsQwen3Model reports whether model is a qwen3 embedding model, which expects
// an end-of-text marker on every input.
func IsQwen3Model(model string) bool {
	return strings.Contains(strings.ToLower(model), "qwen3-embedding")
}

// FormatInput appends the end-of-text marker for models that need it.
func FormatInput(model, text string) string {
	if !IsQwen3Model(model) || strings.HasSuffix(text, qwen3EOT) {
		return text
	}
	return text + qwen3EOT
}
