package whitelist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse_MatchVectors(t *testing.T) {
	wl, err := Parse(strings.NewReader("^test_1$\n ^test_2$\n^test_2\\/.*\n# ^test_3"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wl.Len() != 3 {
		t.Fatalf("expected 3 patterns, got %d", wl.Len())
	}

	tests := []struct {
		path string
		want bool
	}{
		{"test_1", true},
		{"test_1/subdirectory", false},
		{"test_2", true},
		{"test_2/subdirectory", true},
		{"test_3", false},
	}
	for _, tt := range tests {
		if got := wl.Allows(tt.path); got != tt.want {
			t.Errorf("Allows(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestParse_AnchorsAtStart(t *testing.T) {
	wl, err := Parse(strings.NewReader("data"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wl.Allows("/osfstorage/data/x") {
		t.Error("pattern must anchor at the start of the path")
	}
	if !wl.Allows("dataset/x") {
		t.Error("pattern without $ should match any path it prefixes")
	}
}

func TestParse_SkipsCommentsAndBlanks(t *testing.T) {
	wl, err := Parse(strings.NewReader("\n  \n# comment\n\n^a$\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wl.Len() != 1 {
		t.Errorf("expected 1 pattern, got %d", wl.Len())
	}
	if wl.Allows("b") {
		t.Error("blank lines must not become match-everything patterns")
	}
	if !wl.Allows("a") {
		t.Error("Allows(a) = false, want true")
	}
}

func TestParse_BadPattern(t *testing.T) {
	_, err := Parse(strings.NewReader("^ok$\n([unclosed"))
	if err == nil {
		t.Fatal("expected error for invalid pattern")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error should name the offending line, got: %v", err)
	}
}

func TestAllows_NilList(t *testing.T) {
	var wl *List
	if !wl.Allows("/anything") {
		t.Error("nil whitelist must allow every path")
	}
	if wl.Len() != 0 {
		t.Errorf("nil whitelist Len = %d, want 0", wl.Len())
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whitelist.txt")
	if err := os.WriteFile(path, []byte("^/osfstorage/.*\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	wl, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !wl.Allows("/osfstorage/data.csv") {
		t.Error("Allows(/osfstorage/data.csv) = false, want true")
	}
	if wl.Allows("/s3/data.csv") {
		t.Error("Allows(/s3/data.csv) = true, want false")
	}

	if _, err := Load(filepath.Join(dir, "missing.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}
