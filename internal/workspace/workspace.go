// Package workspace lists project files and confines paths to a workspace root.
package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrAccessDenied is returned when a path resolves outside the workspace root.
var ErrAccessDenied = errors.New("access denied: path is outside the workspace")

// ignoredDirs are never listed or indexed.
var ignoredDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"__pycache__":  true,
	".aichat":      true,
}

// IsIgnoredDir reports whether a directory name is skipped by walks.
func IsIgnoredDir(name string) bool {
	return ignoredDirs[name]
}

// Entry is one file or directory in the project listing.
type Entry struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// Structure is the project listing returned by Walk.
type Structure struct {
	Root            string   `json:"root"`
	Entries         []Entry  `json:"entries"`
	EntryCandidates []string `json:"entry_candidates"`
}

var entryPriority = []string{"index.html", "main.py", "app.jsx", "src/App.jsx", "src/index.ts"}

// Walk lists every file and directory under root with forward-slash relative
// paths. Unreadable directories are skipped.
func Walk(root string) (*Structure, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("workspace root is not a directory")
	}

	s := &Structure{Root: abs, Entries: []Entry{}}
	_ = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != abs {
				return filepath.SkipDir
			}
			return nil
		}
		if path == abs {
			return nil
		}
		if d.IsDir() && IsIgnoredDir(d.Name()) {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			return nil
		}
		typ := "file"
		if d.IsDir() {
			typ = "dir"
		}
		s.Entries = append(s.Entries, Entry{Path: filepath.ToSlash(rel), Type: typ})
		return nil
	})
	s.EntryCandidates = entryCandidates(s.Entries)
	return s, nil
}

func entryCandidates(entries []Entry) []string {
	candidates := []string{}
	for _, p := range entryPriority {
		suffix := strings.ToLower(p)
		for _, e := range entries {
			if strings.HasSuffix(strings.ToLower(e.Path), suffix) {
				candidates = append(candidates, p)
				break
			}
		}
	}
	if len(candidates) == 0 {
		for _, e := range entries {
			if e.Type == "file" {
				candidates = append(candidates, e.Path)
				break
			}
		}
	}
	return candidates
}

// Files returns the relative paths of all files in the structure.
func (s *Structure) Files() []string {
	var out []string
	for _, e := range s.Entries {
		if e.Type == "file" {
			out = append(out, e.Path)
		}
	}
	return out
}

// Resolve joins rel onto root and rejects results that escape root. Leading
// slashes on rel are treated as workspace-relative.
func Resolve(root, rel string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	rel = strings.TrimLeft(filepath.FromSlash(rel), `/\`)
	full := filepath.Clean(filepath.Join(absRoot, rel))
	if !Within(absRoot, full) {
		return "", ErrAccessDenied
	}
	return full, nil
}

// Within reports whether path is root or inside it.
func Within(root, path string) bool {
	r, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return r == "." || (r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator)))
}

// Rel returns path relative to root with forward slashes.
func Rel(root, path string) (string, error) {
	r, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	if !Within(root, path) {
		return "", ErrAccessDenied
	}
	return filepath.ToSlash(r), nil
}
