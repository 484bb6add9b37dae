package embedding

import (
	"context"
	"crypto/sha256"
)

const (
	// LocalDimensions is the size of local hash vectors.
	LocalDimensions = 384
	// LocalModel names the local hash embedding.
	LocalModel = "local-hash-384"
)

// HashVector returns a deterministic vector derived from the sha256 of text.
// Each component is (b-128)/128 for the digest bytes cycled to dims.
func HashVector(text string, dims int) []float32 {
	if dims <= 0 {
		dims = LocalDimensions
	}
	sum := sha256.Sum256([]byte(text))
	out := make([]float32, dims)
	for i := range out {
		out[i] = (float32(sum[i%len(sum)]) - 128) / 128
	}
	return out
}

// HashEmbedder embeds text with HashVector. It never fails and needs no network,
// which makes it the fallback when no provider key is configured, and the
// embedder of choice in tests.
type HashEmbedder struct {
	dimensions int
	model      string
}

// NewHashEmbedder returns a hash embedder of the given dimensions.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = LocalDimensions
	}
	return &HashEmbedder{dimensions: dimensions, model: LocalModel}
}

// WithModel returns a copy that reports model as its name.
func (e *HashEmbedder) WithModel(model string) *HashEmbedder {
	c := *e
	c.model = model
	return &c
}

// Embed returns one hash vector per text.
func (e *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = HashVector(t, e.dimensions)
	}
	return out, nil
}

// Model returns the model name.
func (e *HashEmbedder) Model() string {
	return e.model
}

// Dimensions returns the embedding dimension.
func (e *HashEmbedder) Dimensions() int {
	return e.dimensions
}
