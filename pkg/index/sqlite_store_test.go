package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-io/castellan/pkg/tiers"
)

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	e := Entry{
		Path:         "lib/core",
		Fingerprint:  "sha256:abc",
		Admitted:     true,
		RequiredTier: tiers.TierPrivileged,
		UpdatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, store.Put(ctx, e))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, e.Path, loaded[0].Path)
	assert.Equal(t, e.Fingerprint, loaded[0].Fingerprint)
	assert.True(t, loaded[0].Admitted)
	assert.Equal(t, tiers.TierPrivileged, loaded[0].RequiredTier)
	assert.True(t, e.UpdatedAt.Equal(loaded[0].UpdatedAt))
}

func TestSQLiteStore_Upsert(t *testing.T) {
	store, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	e := Entry{Path: "p", Admitted: true, RequiredTier: tiers.TierBasic, UpdatedAt: time.Now()}
	require.NoError(t, store.Put(ctx, e))

	e.RequiredTier = tiers.TierPrivileged
	require.NoError(t, store.Put(ctx, e))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, tiers.TierPrivileged, loaded[0].RequiredTier)
}

func TestSQLiteStore_Delete(t *testing.T) {
	store, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, Entry{Path: "p", Admitted: true, RequiredTier: tiers.TierBasic, UpdatedAt: time.Now()}))
	require.NoError(t, store.Delete(ctx, "p"))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestSQLiteStore_Restore(t *testing.T) {
	store, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, Entry{Path: "a", Admitted: true, RequiredTier: tiers.TierBasic, UpdatedAt: time.Now()}))
	require.NoError(t, store.Put(ctx, Entry{Path: "b", Admitted: false, RequiredTier: tiers.TierPrivileged, UpdatedAt: time.Now()}))

	idx := New()
	require.NoError(t, store.Restore(ctx, idx, "restore"))
	assert.Equal(t, 2, idx.Len())

	e, ok := idx.Lookup("b")
	require.True(t, ok)
	assert.False(t, e.Admitted)
}

func TestWriteThroughCommit(t *testing.T) {
	store, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	idx := New().WithStore(store)
	require.NoError(t, idx.Apply(Change{
		Entry:     Entry{Path: "lib/a", Admitted: true, RequiredTier: tiers.TierBasic},
		Authority: "root-authority",
	}))

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "lib/a", string(loaded[0].Path))

	require.NoError(t, idx.Apply(Change{
		Entry:     Entry{Path: "lib/a"},
		Remove:    true,
		Authority: "root-authority",
	}))
	loaded, err = store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestWriteThroughFailureLeavesSnapshot(t *testing.T) {
	store, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// A closed store fails every Put; the commit must not go through.
	idx := New().WithStore(store)
	err = idx.Apply(Change{
		Entry:     Entry{Path: "lib/a", Admitted: true, RequiredTier: tiers.TierBasic},
		Authority: "root-authority",
	})
	require.Error(t, err)
	_, ok := idx.Lookup("lib/a")
	assert.False(t, ok)
}
