// Package indexer maintains the per-workspace semantic index: line-window
// chunking, incremental re-embedding with vector reuse, debounced persistence
// and top-K retrieval.
package indexer

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// ChunkOptions bounds a chunk window.
type ChunkOptions struct {
	MaxLines int
	MaxChars int
	Overlap  int
}

// DefaultChunkOptions are the general-purpose window limits.
var DefaultChunkOptions = ChunkOptions{MaxLines: 80, MaxChars: 2400, Overlap: 10}

// ReindexChunkOptions are the limits used when indexing workspace files.
var ReindexChunkOptions = ChunkOptions{MaxLines: 80, MaxChars: 2600, Overlap: 12}

// minShrinkLines is the smallest window the chunker shrinks to when a window
// exceeds MaxChars.
const minShrinkLines = 10

// shrinkStep is how many lines a too-large window loses per step.
const shrinkStep = 5

// Chunk is a line range of a file. Lines are 1-based and inclusive.
type Chunk struct {
	StartLine int
	EndLine   int
	Text      string
}

var lineBreak = regexp.MustCompile(`\r?\n`)

// ChunkLines splits text into overlapping line windows. Whitespace-only
// windows are dropped; the next window starts at max(start+1, end-Overlap).
// Character limits count runes.
func ChunkLines(text string, opts ChunkOptions) []Chunk {
	if opts.MaxLines <= 0 {
		opts.MaxLines = DefaultChunkOptions.MaxLines
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultChunkOptions.MaxChars
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	lines := lineBreak.Split(text, -1)
	var chunks []Chunk
	i := 0
	for i < len(lines) {
		start := i
		end := start + opts.MaxLines
		if end > len(lines) {
			end = len(lines)
		}
		out := strings.Join(lines[start:end], "\n")
		for utf8.RuneCountInString(out) > opts.MaxChars && end > start+minShrinkLines {
			end -= shrinkStep
			out = strings.Join(lines[start:end], "\n")
		}
		if strings.TrimSpace(out) != "" {
			chunks = append(chunks, Chunk{StartLine: start + 1, EndLine: end, Text: out})
		}
		if end >= len(lines) {
			break
		}
		next := end - opts.Overlap
		if next < start+1 {
			next = start + 1
		}
		i = next
	}
	return chunks
}
