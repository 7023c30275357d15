// Package local provides a filesystem-backed registry store. Each entry is
// one JSON file holding all of its versions, laid out as
// {root}/{kind}/{sanitized-id}.json.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"goa.design/flow/registry/store"
)

// Store persists entries under a root directory. Saves replace entry files
// atomically through a temp file and rename, so concurrent readers always
// observe a complete entry.
type Store struct {
	root string
}

var _ store.Store = (*Store)(nil)

// New creates a store rooted at dir. The directory is created on first save.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Load reads the entry file for (kind, id).
func (s *Store) Load(ctx context.Context, kind store.Kind, id string) (*store.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	raw, err := os.ReadFile(s.path(kind, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read entry %s/%s: %w", kind, id, err)
	}
	var entry store.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode entry %s/%s: %w", kind, id, err)
	}
	return &entry, nil
}

// Save writes the entry file for (kind, entry.ID), creating directories as
// needed.
func (s *Store) Save(ctx context.Context, kind store.Kind, entry *store.Entry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	dir := filepath.Join(s.root, string(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s directory: %w", kind, err)
	}
	raw, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("encode entry %s/%s: %w", kind, entry.ID, err)
	}
	tmp, err := os.CreateTemp(dir, ".entry-*.json")
	if err != nil {
		return fmt.Errorf("create temp entry file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write entry %s/%s: %w", kind, entry.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close entry %s/%s: %w", kind, entry.ID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(kind, entry.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace entry %s/%s: %w", kind, entry.ID, err)
	}
	return nil
}

// Delete removes the entry file for (kind, id).
func (s *Store) Delete(ctx context.Context, kind store.Kind, id string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := os.Remove(s.path(kind, id)); err != nil {
		if os.IsNotExist(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("remove entry %s/%s: %w", kind, id, err)
	}
	return nil
}

// List returns the ids of all entries of the kind. Ids come from the entry
// files themselves since sanitizing is lossy; unreadable files are skipped.
func (s *Store) List(ctx context.Context, kind store.Kind) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	dir := filepath.Join(s.root, string(kind))
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s directory: %w", kind, err)
	}
	var ids []string
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, de.Name()))
		if err != nil {
			continue
		}
		var entry store.Entry
		if err := json.Unmarshal(raw, &entry); err != nil || entry.ID == "" {
			continue
		}
		ids = append(ids, entry.ID)
	}
	return ids, nil
}

func (s *Store) path(kind store.Kind, id string) string {
	return filepath.Join(s.root, string(kind), sanitize(id)+".json")
}

// sanitize maps an entity id to a safe file name. Any rune outside
// [a-zA-Z0-9._-] becomes an underscore.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}
