package utils

import (
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	if Truncate("hello", 10) != "hello" {
		t.Error("short string unchanged")
	}
	if Truncate("hello world", 5) != "hello..." {
		t.Errorf("got %s", Truncate("hello world", 5))
	}
	if Truncate("x", 0) != "x" {
		t.Error("maxLen 0 returns as-is")
	}
}

func TestClip(t *testing.T) {
	if Clip("", 10) != "" {
		t.Error("empty stays empty")
	}
	if Clip("short", 10) != "short" {
		t.Error("short string unchanged")
	}
	if got := Clip("abcdefgh", 3); got != "abc"+TruncatedMarker {
		t.Errorf("got %q", got)
	}
	// "日" is three bytes; a cut inside it backs off to the rune start.
	for n, want := range map[int]string{2: "a", 3: "a", 4: "a日", 5: "a日"} {
		got := Clip("a日本語", n)
		if got != want+TruncatedMarker {
			t.Errorf("Clip(%d) = %q, want %q", n, got, want+TruncatedMarker)
		}
		if !utf8.ValidString(got) {
			t.Errorf("Clip(%d) produced invalid UTF-8: %q", n, got)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"four ascii", "abcd", 1},
		{"five ascii rounds up", "abcde", 2},
		{"two non-ascii", "日本", 1},
		{"mixed", "ab日", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.in); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeRelPath(t *testing.T) {
	if got := NormalizeRelPath(`\src\main.go`); got != "src/main.go" {
		t.Errorf("got %q", got)
	}
	if got := NormalizeRelPath("//a/b"); got != "a/b" {
		t.Errorf("got %q", got)
	}
}

func TestClampInt(t *testing.T) {
	if ClampInt(1, 5, 10) != 5 || ClampInt(20, 5, 10) != 10 || ClampInt(7, 5, 10) != 7 {
		t.Error("ClampInt out of range")
	}
}
