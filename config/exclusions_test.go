package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadExclusions verifies the one-username-per-line format.
func TestLoadExclusions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "excluded_users.txt")
	content := "alice\n\n  bob  \r\nservice-account\n\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing exclusions: %v", err)
	}

	ex, err := LoadExclusions(path)
	if err != nil {
		t.Fatalf("LoadExclusions() error = %v", err)
	}

	if len(ex) != 3 {
		t.Fatalf("len(exclusions) = %d, want 3", len(ex))
	}
	for _, username := range []string{"alice", "bob", "service-account"} {
		if !ex.Excluded(username) {
			t.Errorf("Excluded(%q) = false, want true", username)
		}
	}
	if ex.Excluded("carol") {
		t.Error("Excluded(carol) = true, want false")
	}
	if ex.Excluded("") {
		t.Error("Excluded(\"\") = true, want false")
	}
}

// TestLoadExclusions_Missing verifies a missing file is not an error.
func TestLoadExclusions_Missing(t *testing.T) {
	ex, err := LoadExclusions(filepath.Join(t.TempDir(), "absent.txt"))
	if err != nil {
		t.Fatalf("LoadExclusions() error = %v", err)
	}
	if len(ex) != 0 {
		t.Errorf("len(exclusions) = %d, want 0", len(ex))
	}

	ex, err = LoadExclusions("")
	if err != nil {
		t.Fatalf("LoadExclusions(\"\") error = %v", err)
	}
	if len(ex) != 0 {
		t.Errorf("len(exclusions) = %d, want 0", len(ex))
	}
}
