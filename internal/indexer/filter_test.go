package indexer

import "testing"

func TestShouldIndexFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"src/main.go", true},
		{"/src/App.TSX", true},
		{"docs\\guide.md", true},
		{"config.yaml", true},
		{"", false},
		{".git/config", false},
		{".aichat/rag_index.json", false},
		{"web/node_modules/react/index.js", false},
		{"node_modules/react/index.js", false},
		{"dist/bundle.js", false},
		{"pkg/build/out.js", false},
		{"py/.venv/lib/x.py", false},
		{"py/__pycache__/x.py", false},
		{"models/q.gguf", false},
		{"lib/native.so", false},
		{"image.png", false},
		{"Makefile", false},
	}
	for _, tt := range tests {
		if got := ShouldIndexFile(tt.path); got != tt.want {
			t.Errorf("ShouldIndexFile(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
