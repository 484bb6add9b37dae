// Package cli provides output helpers for the aichatd command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hyperjump/aichat/internal/indexer"
	"github.com/hyperjump/aichat/internal/models"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat maps a flag value to an OutputFormat. Unknown values are text.
func ParseFormat(s string) OutputFormat {
	if strings.EqualFold(strings.TrimSpace(s), string(OutputJSON)) {
		return OutputJSON
	}
	return OutputText
}

// QueryResults is what the query command prints.
type QueryResults struct {
	Root      string           `json:"root"`
	Query     string           `json:"query"`
	QueryTime int64            `json:"query_time_ms"`
	Results   []indexer.Result `json:"results"`
}

// WriteQueryResults writes semantic index hits to w in the given format.
func WriteQueryResults(w io.Writer, res *QueryResults, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, res)
	}
	fmt.Fprintf(w, "\nFound %d results in %dms for %q\n\n", len(res.Results), res.QueryTime, res.Query)
	for i, r := range res.Results {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Score: %.4f\n", i+1, r.Score)
		fmt.Fprintf(w, "File: %s:%d-%d\n", r.FilePath, r.StartLine, r.EndLine)
		fmt.Fprintf(w, "\n%s\n\n", Truncate(r.Text, 200))
	}
	return nil
}

// WriteIndexStats writes index statistics to w in the given format.
func WriteIndexStats(w io.Writer, stats indexer.Stats, took time.Duration, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, stats)
	}
	fmt.Fprintf(w, "Indexed %s in %s\n", stats.Root, took.Round(time.Millisecond))
	fmt.Fprintf(w, "  Files:           %d\n", stats.Files)
	fmt.Fprintf(w, "  Chunks:          %d\n", stats.Chunks)
	fmt.Fprintf(w, "  Embedding model: %s (%d dims)\n", stats.EmbeddingModel, stats.Dims)
	return nil
}

// HealthResult is what the health command prints.
type HealthResult struct {
	OK    bool               `json:"ok"`
	Route models.RouteTarget `json:"route"`
	Error string             `json:"error,omitempty"`
}

// WriteHealth writes a provider health check result to w in the given format.
func WriteHealth(w io.Writer, res *HealthResult, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, res)
	}
	route := res.Route.Provider
	if res.Route.Model != "" {
		route += "/" + res.Route.Model
	}
	switch {
	case res.Error != "":
		fmt.Fprintf(w, "unhealthy: %s (%s)\n", route, res.Error)
	case res.OK:
		fmt.Fprintf(w, "ok: %s\n", route)
	default:
		fmt.Fprintf(w, "unhealthy: %s\n", route)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Truncate truncates s to maxLen and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
