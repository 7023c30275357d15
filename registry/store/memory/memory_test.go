package memory

import (
	"context"
	"encoding/json"
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
	}
}

func TestSaveAndLoad(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, store.Workflows, testEntry("support")))

	entry, err := s.Load(ctx, store.Workflows, "support")
	require.NoError(t, err)
	require.Equal(t, "support", entry.ID)
	require.Contains(t, entry.Versions, "1.0.0")
}

func TestLoadMissing(t *testing.T) {
	s := New()

	_, err := s.Load(context.Background(), store.Workflows, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestKindsAreIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, store.Workflows, testEntry("same-id")))

	_, err := s.Load(ctx, store.Tools, "same-id")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLoadReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, store.Workflows, testEntry("support")))

	entry, err := s.Load(ctx, store.Workflows, "support")
	require.NoError(t, err)
	entry.Versions["1.0.0"].IsPublished = true
	entry.Versions["2.0.0"] = &store.VersionRecord{Version: "2.0.0"}

	fresh, err := s.Load(ctx, store.Workflows, "support")
	require.NoError(t, err)
	require.False(t, fresh.Versions["1.0.0"].IsPublished)
	require.NotContains(t, fresh.Versions, "2.0.0")
}

func TestSaveDetachesCaller(t *testing.T) {
	s := New()
	ctx := context.Background()

	entry := testEntry("support")
	require.NoError(t, s.Save(ctx, store.Workflows, entry))
	entry.Versions["1.0.0"].IsPublished = true

	fresh, err := s.Load(ctx, store.Workflows, "support")
	require.NoError(t, err)
	require.False(t, fresh.Versions["1.0.0"].IsPublished)
}

func TestDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, store.Workflows, testEntry("support")))
	require.NoError(t, s.Delete(ctx, store.Workflows, "support"))

	_, err := s.Load(ctx, store.Workflows, "support")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, store.Workflows, "support"), store.ErrNotFound)
}

func TestList(t *testing.T) {
	s := New()
	ctx := context.Background()

	ids, err := s.List(ctx, store.Workflows)
	require.NoError(t, err)
	require.Empty(t, ids)

	require.NoError(t, s.Save(ctx, store.Workflows, testEntry("a")))
	require.NoError(t, s.Save(ctx, store.Workflows, testEntry("b")))

	ids, err = s.List(ctx, store.Workflows)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestHonorsCancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Load(ctx, store.Workflows, "support")
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, s.Save(ctx, store.Workflows, testEntry("support")), context.Canceled)
}
