package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/shiv248/coedit/internal/protocol"
)

func TestSlugToRelPathRejectsInvalidSegments(t *testing.T) {
	if _, err := SlugToRelPath("valid/path"); err != nil {
		t.Fatalf("expected valid slug to pass, got %v", err)
	}
	if _, err := SlugToRelPath("../secret"); err == nil {
		t.Fatalf("expected parent-component slug to be rejected")
	}
	if _, err := SlugToRelPath(""); err == nil {
		t.Fatalf("expected empty slug to be rejected")
	}
}

func TestWalAppendEventAppendsJSONLines(t *testing.T) {
	dir := t.TempDir()
	slug := "wal-doc"

	cursorOpID := uuid.New()
	if err := WalAppendEvent(dir, slug, protocol.NewDocEventCursor(uuid.New(), &cursorOpID, protocol.CursorState{Position: 0}), 123); err != nil {
		t.Fatalf("WalAppendEvent (cursor): %v", err)
	}
	imeOpID := uuid.New()
	ime := protocol.NewImeCancel(protocol.TextRange{Start: 0, End: 0})
	if err := WalAppendEvent(dir, slug, protocol.NewDocEventIme(uuid.New(), &imeOpID, ime), 456); err != nil {
		t.Fatalf("WalAppendEvent (ime): %v", err)
	}

	path, err := WalPath(dir, slug)
	if err != nil {
		t.Fatalf("WalPath: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := splitNonEmptyLines(string(data))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	for _, line := range lines {
		var entry protocol.WalEntryV2
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid json line %q: %v", line, err)
		}
	}
}

func TestPersistPasswordHashWritesAndRemovesFile(t *testing.T) {
	dir := t.TempDir()
	slug := "pwd"

	hash := "hash"
	if err := PersistPasswordHash(dir, slug, &hash); err != nil {
		t.Fatalf("PersistPasswordHash (write): %v", err)
	}
	path, err := PasswordPath(dir, slug)
	if err != nil {
		t.Fatalf("PasswordPath: %v", err)
	}
	got, ok, err := ReadPasswordHash(dir, slug)
	if err != nil || !ok {
		t.Fatalf("ReadPasswordHash: got=%q ok=%v err=%v", got, ok, err)
	}
	if got != hash {
		t.Fatalf("hash = %q, want %q", got, hash)
	}

	if err := PersistPasswordHash(dir, slug, nil); err != nil {
		t.Fatalf("PersistPasswordHash (remove): %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected password file removed, stat err = %v", err)
	}
}

func TestCollectPendingWalSlugsFindsNestedNonEmptyFiles(t *testing.T) {
	dir := t.TempDir()

	writeFile := func(rel string, content string) {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	writeFile("bulk/a.jsonl", `{"version":2}`+"\n")
	writeFile("bulk/b.jsonl", "")
	writeFile("top.jsonl", `{"version":2}`+"\n")
	writeFile("ignore.md", "not a wal file")

	slugs, err := CollectPendingWalSlugs(dir)
	if err != nil {
		t.Fatalf("CollectPendingWalSlugs: %v", err)
	}
	if len(slugs) != 2 {
		t.Fatalf("expected 2 pending slugs, got %v", slugs)
	}
	want := map[string]bool{"bulk/a": true, "top": true}
	for _, s := range slugs {
		if !want[s] {
			t.Fatalf("unexpected slug %q in %v", s, slugs)
		}
	}
}

func splitNonEmptyLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if line := s[start:i]; line != "" {
				out = append(out, line)
			}
			start = i + 1
		}
	}
	if start < len(s) && s[start:] != "" {
		out = append(out, s[start:])
	}
	return out
}
