package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSecret_Inline(t *testing.T) {
	b, err := LoadSecret("  inline-secret  ")
	if err != nil {
		t.Fatalf("LoadSecret: %v", err)
	}
	if string(b) != "inline-secret" {
		t.Errorf("secret = %q", b)
	}
}

func TestLoadSecret_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.key")
	if err := os.WriteFile(path, []byte("from-file-secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	b, err := LoadSecret("file:" + path)
	if err != nil {
		t.Fatalf("LoadSecret: %v", err)
	}
	if string(b) != "from-file-secret" {
		t.Errorf("secret = %q", b)
	}
}

func TestLoadSecret_Errors(t *testing.T) {
	empty := filepath.Join(t.TempDir(), "empty.key")
	if err := os.WriteFile(empty, []byte("  \n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadSecret(""); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("empty value: want ErrEmptySecret, got %v", err)
	}
	if _, err := LoadSecret("file:" + empty); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("empty file: want ErrEmptySecret, got %v", err)
	}
	if _, err := LoadSecret("file:/nonexistent/secret"); err == nil {
		t.Error("missing file should fail")
	}
}
