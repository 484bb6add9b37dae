package indexer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StoreVersion is the on-disk format version.
const StoreVersion = 1

// StoreDir and StoreFile locate the index inside a workspace.
const (
	StoreDir  = ".aichat"
	StoreFile = "rag_index.json"
)

// ChunkRecord is one embedded chunk.
type ChunkRecord struct {
	ID        string    `json:"id"`
	StartLine int       `json:"startLine"`
	EndLine   int       `json:"endLine"`
	Text      string    `json:"text"`
	TextHash  string    `json:"textHash"`
	Vector    []float32 `json:"vector"`
}

// FileRecord is the indexed state of one file.
type FileRecord struct {
	WorkspaceRoot string        `json:"workspaceRoot"`
	Path          string        `json:"path"`
	MtimeMs       float64       `json:"mtimeMs"`
	Size          int64         `json:"size"`
	Chunks        []ChunkRecord `json:"chunks"`
}

// Store is the persisted index of one workspace root. Files is keyed by
// "root|relPath".
type Store struct {
	Version        int                    `json:"version"`
	Root           string                 `json:"root"`
	EmbeddingModel string                 `json:"embeddingModel"`
	Dims           int                    `json:"dims"`
	CreatedAt      string                 `json:"createdAt"`
	UpdatedAt      string                 `json:"updatedAt"`
	Files          map[string]*FileRecord `json:"files"`
}

func newStore(root, model string, now time.Time) *Store {
	ts := now.UTC().Format(time.RFC3339Nano)
	return &Store{
		Version:        StoreVersion,
		Root:           root,
		EmbeddingModel: model,
		CreatedAt:      ts,
		UpdatedAt:      ts,
		Files:          map[string]*FileRecord{},
	}
}

// readStore loads a store file. A missing, unreadable or malformed file, or
// one with another version, returns nil.
func readStore(path string) *Store {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var s Store
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	if s.Version != StoreVersion || s.Files == nil {
		return nil
	}
	return &s
}

// writeStore writes data to path through a temporary file and rename. When the
// rename fails the file is written in place.
func writeStore(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write index temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		defer os.Remove(tmp)
		if werr := os.WriteFile(path, data, 0644); werr != nil {
			return fmt.Errorf("write index file: %w", werr)
		}
	}
	return nil
}
