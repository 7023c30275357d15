package local

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/flow/registry/store"
)

func testEntry(id string) *store.Entry {
	return &store.Entry{
		ID: id,
		Versions: map[string]*store.VersionRecord{
			"1.0.0": {
				Version:   "1.0.0",
				Spec:      json.RawMessage(`{"name":"` + id + `"}`),
				CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			},
		},
		UpdatedAt: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestSaveAndLoad(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, store.Workflows, testEntry("support")))

	entry, err := s.Load(ctx, store.Workflows, "support")
	require.NoError(t, err)
	require.Equal(t, "support", entry.ID)
	rec := entry.Versions["1.0.0"]
	require.NotNil(t, rec)
	require.JSONEq(t, `{"name":"support"}`, string(rec.Spec))
	require.Equal(t, testEntry("support").UpdatedAt, entry.UpdatedAt)
}

func TestLoadMissing(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.Load(context.Background(), store.Workflows, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestFileLayout(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, store.Tools, testEntry("weather")))

	raw, err := os.ReadFile(filepath.Join(root, "tools", "weather.json"))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "weather", decoded["id"])
	require.Contains(t, decoded["versions"], "1.0.0")
}

func TestSanitizesIDs(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, store.Workflows, testEntry("team/bot v2")))

	_, err := os.Stat(filepath.Join(root, "workflows", "team_bot_v2.json"))
	require.NoError(t, err)

	entry, err := s.Load(ctx, store.Workflows, "team/bot v2")
	require.NoError(t, err)
	require.Equal(t, "team/bot v2", entry.ID)
}

func TestSaveReplacesExisting(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, store.Workflows, testEntry("support")))

	updated := testEntry("support")
	updated.Versions["1.0.1"] = &store.VersionRecord{
		Version: "1.0.1",
		Spec:    json.RawMessage(`{"name":"support","rev":2}`),
	}
	require.NoError(t, s.Save(ctx, store.Workflows, updated))

	entry, err := s.Load(ctx, store.Workflows, "support")
	require.NoError(t, err)
	require.Len(t, entry.Versions, 2)
}

func TestDelete(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, store.Workflows, testEntry("support")))
	require.NoError(t, s.Delete(ctx, store.Workflows, "support"))

	_, err := s.Load(ctx, store.Workflows, "support")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, store.Workflows, "support"), store.ErrNotFound)
}

func TestListReadsIDsFromEntries(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	ids, err := s.List(ctx, store.Workflows)
	require.NoError(t, err)
	require.Empty(t, ids)

	require.NoError(t, s.Save(ctx, store.Workflows, testEntry("plain")))
	require.NoError(t, s.Save(ctx, store.Workflows, testEntry("team/bot")))

	ids, err = s.List(ctx, store.Workflows)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"plain", "team/bot"}, ids)
}

func TestListSkipsForeignFiles(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, store.Workflows, testEntry("support")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "workflows", "junk.json"), []byte("not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "workflows", "notes.txt"), []byte("x"), 0o644))

	ids, err := s.List(ctx, store.Workflows)
	require.NoError(t, err)
	require.Equal(t, []string{"support"}, ids)
}
