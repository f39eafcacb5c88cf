package fsx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name    string
		path    string
		content string
		mode    os.FileMode
	}{
		{name: "creates_parents", path: filepath.Join(dir, "keys", "attend.secret"), content: "first\n", mode: 0o600},
		{name: "overwrites", path: filepath.Join(dir, "keys", "attend.secret"), content: "second\n", mode: 0o600},
		{name: "public_mode", path: filepath.Join(dir, "keys", "attend.pub"), content: "pub\n", mode: 0o644},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := WriteFileAtomic(tc.path, []byte(tc.content), tc.mode); err != nil {
				t.Fatalf("write: %v", err)
			}
			raw, err := os.ReadFile(tc.path)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(raw) != tc.content {
				t.Fatalf("expected %q got %q", tc.content, string(raw))
			}
			info, err := os.Stat(tc.path)
			if err != nil {
				t.Fatalf("stat: %v", err)
			}
			if info.Mode().Perm() != tc.mode {
				t.Fatalf("expected mode %#o got %#o", tc.mode, info.Mode().Perm())
			}
		})
	}

	entries, err := os.ReadDir(filepath.Join(dir, "keys"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestWriteFileAtomicParentIsFile(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "ledger.jsonl")
	if err := os.WriteFile(parent, []byte("x"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := WriteFileAtomic(filepath.Join(parent, "child"), []byte("y"), 0o600); err == nil {
		t.Fatalf("expected error when parent is a regular file")
	}
}
