// Package storage implements the on-disk layout for documents: slug path
// resolution, the append-only write-ahead log, snapshot files, and
// persisted password hashes.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shiv248/coedit/internal/protocol"
)

// SlugToRelPath validates slug and converts it into a relative filesystem
// path. A slug may name nested documents ("dir/sub/doc") but must not climb
// out of the data directory: "." and ".." path segments are rejected, as is
// an empty slug.
func SlugToRelPath(slug string) (string, error) {
	trimmed := strings.Trim(slug, "/")
	if trimmed == "" {
		return "", fmt.Errorf("storage: slug must not be empty")
	}
	parts := strings.Split(trimmed, "/")
	for _, part := range parts {
		switch part {
		case "", ".", "..":
			return "", fmt.Errorf("storage: slug contains invalid path segments")
		}
	}
	return filepath.Join(parts...), nil
}

func slugPathWithExtension(base, slug, ext string) (string, error) {
	rel, err := SlugToRelPath(slug)
	if err != nil {
		return "", err
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel)) + "." + ext
	return filepath.Join(base, rel), nil
}

// SnapshotPath is the .md file a document's content is flushed to.
func SnapshotPath(snapDir, slug string) (string, error) {
	return slugPathWithExtension(snapDir, slug, "md")
}

// PasswordPath is the .pwd file a document's password hash is persisted to.
func PasswordPath(snapDir, slug string) (string, error) {
	return slugPathWithExtension(snapDir, slug, "pwd")
}

// WalPath is the .jsonl file a document's write-ahead log is appended to.
func WalPath(walDir, slug string) (string, error) {
	return slugPathWithExtension(walDir, slug, "jsonl")
}

// WalAppendEvent appends one v2 WAL entry to slug's log, creating parent
// directories and the file itself as needed.
func WalAppendEvent(walDir, slug string, event protocol.DocEvent, ts uint64) error {
	path, err := WalPath(walDir, slug)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	entry := protocol.WalEntryV2{Version: protocol.CurrentWalVersion, Ts: ts, Event: event}
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	body = append(body, '\n')
	_, err = f.Write(body)
	return err
}

// ReadWalLines reads and parses every line of slug's WAL file. A missing
// file is not an error: it reports no lines. A line that fails to parse is
// skipped; the caller is expected to log it.
func ReadWalLines(walDir, slug string) ([]protocol.WalLine, []error, error) {
	path, err := WalPath(walDir, slug)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	var lines []protocol.WalLine
	var parseErrs []error
	for _, raw := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		var line protocol.WalLine
		if err := json.Unmarshal([]byte(trimmed), &line); err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("storage: parse wal entry for slug %q: %w", slug, err))
			continue
		}
		lines = append(lines, line)
	}
	return lines, parseErrs, nil
}

// ReadSnapshot reads slug's snapshot file. A missing file reports ("", false, nil).
func ReadSnapshot(snapDir, slug string) (string, bool, error) {
	path, err := SnapshotPath(snapDir, slug)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

// WriteSnapshot overwrites slug's snapshot file with content.
func WriteSnapshot(snapDir, slug, content string) error {
	path, err := SnapshotPath(snapDir, slug)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// CollectPendingWalSlugs walks walDir and returns the slug for every
// non-empty .jsonl file found, recursing into subdirectories so nested
// slugs are discovered too.
func CollectPendingWalSlugs(walDir string) ([]string, error) {
	if _, err := os.Stat(walDir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var slugs []string
	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				if err := walk(path); err != nil {
					return err
				}
				continue
			}
			if filepath.Ext(path) != ".jsonl" {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return err
			}
			if info.Size() == 0 {
				continue
			}
			rel, err := filepath.Rel(walDir, path)
			if err != nil {
				return err
			}
			rel = strings.TrimSuffix(rel, filepath.Ext(rel))
			slugs = append(slugs, filepath.ToSlash(rel))
		}
		return nil
	}
	if err := walk(walDir); err != nil {
		return nil, err
	}
	return slugs, nil
}

// HashPassword returns the hex-encoded SHA-256 digest of password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// PersistPasswordHash writes hash to slug's password file, or removes the
// file entirely when hash is nil (password protection disabled).
func PersistPasswordHash(snapDir, slug string, hash *string) error {
	path, err := PasswordPath(snapDir, slug)
	if err != nil {
		return err
	}
	if hash == nil {
		if _, err := os.Stat(path); err == nil {
			return os.Remove(path)
		} else if !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(*hash), 0o644)
}

// ReadPasswordHash reads slug's persisted password hash, trimmed of
// surrounding whitespace. A missing file reports ("", false, nil).
func ReadPasswordHash(snapDir, slug string) (string, bool, error) {
	path, err := PasswordPath(snapDir, slug)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(string(data)), true, nil
}
