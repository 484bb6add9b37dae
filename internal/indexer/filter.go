package indexer

import (
	"path"
	"strings"

	"github.com/hyperjump/aichat/pkg/utils"
)

var excludedPrefixes = []string{".git/", ".aichat/"}

var excludedSegments = []string{
	"/node_modules/", "/dist/", "/build/", "/out/", "/release/",
	"/debug/", "/.venv/", "/venv/", "/__pycache__/",
}

var excludedSuffixes = []string{".gguf", ".bin", ".exe", ".dll", ".so", ".dylib"}

var allowedExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".mjs": true, ".cjs": true,
	".json": true, ".md": true, ".py": true, ".go": true, ".rs": true, ".java": true,
	".cs": true, ".cpp": true, ".c": true, ".h": true, ".hpp": true,
	".toml": true, ".yaml": true, ".yml": true, ".txt": true,
}

// ShouldIndexFile reports whether a workspace-relative path belongs in the
// index. Vendor and build directories are excluded at any depth, including
// the top level.
func ShouldIndexFile(rel string) bool {
	p := strings.ToLower(utils.NormalizeRelPath(rel))
	if p == "" {
		return false
	}
	for _, prefix := range excludedPrefixes {
		if strings.HasPrefix(p, prefix) {
			return false
		}
	}
	rooted := "/" + p
	for _, seg := range excludedSegments {
		if strings.Contains(rooted, seg) {
			return false
		}
	}
	for _, suffix := range excludedSuffixes {
		if strings.HasSuffix(p, suffix) {
			return false
		}
	}
	return allowedExtensions[path.Ext(p)]
}
