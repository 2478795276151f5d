package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
	"github.com/JakeFAU/vision-catalog/internal/storage/local"
)

func sampleSnapshot() *catalog.Snapshot {
	return catalog.NewSnapshot(catalog.Branch{
		"monthly": catalog.Branch{"klines": catalog.Branch{
			"BTCUSDT": catalog.Branch{"1d": catalog.Leaf{From: "2020-01", To: "2024-02"}},
		}},
	}, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("ValidConfig", func(t *testing.T) {
		t.Parallel()
		store, err := local.New(local.Config{Path: filepath.Join(t.TempDir(), "cache.json")}, nil)
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("MissingPath", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{Path: "  "}, nil)
		assert.Error(t, err)
	})
	t.Run("PathIsDirectory", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{Path: t.TempDir()}, nil)
		assert.Error(t, err)
	})
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "cache.json")
	store, err := local.New(local.Config{Path: path}, nil)
	require.NoError(t, err)

	snap := sampleSnapshot()
	require.NoError(t, store.Save(context.Background(), snap))

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, snap.Equal(loaded))
	assert.True(t, snap.CompletedAt.Equal(loaded.CompletedAt))

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cache.json", entries[0].Name())
}

func TestSaveOverwritesPrevious(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{Path: filepath.Join(t.TempDir(), "cache.json")}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), sampleSnapshot()))

	next := catalog.NewSnapshot(catalog.Branch{"daily": catalog.Branch{}}, time.Now())
	require.NoError(t, store.Save(context.Background(), next))

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, next.Equal(loaded))
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{Path: filepath.Join(t.TempDir(), "cache.json")}, nil)
	require.NoError(t, err)
	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestLoadCorruptFileIsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"daily": `), 0o600))
	store, err := local.New(local.Config{Path: path}, nil)
	require.NoError(t, err)

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestLoadLegacyBareTree(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.json")
	legacy := `{"monthly": {"klines": {"BTCUSDT": {"from": "2020-01", "to": "2024-02"}}}}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))
	store, err := local.New(local.Config{Path: path}, nil)
	require.NoError(t, err)

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.CompletedAt.IsZero())
	assert.Equal(t, 1, snap.LeafCount())
}

func TestSaveNilSnapshotFails(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{Path: filepath.Join(t.TempDir(), "cache.json")}, nil)
	require.NoError(t, err)

	err = store.Save(context.Background(), nil)
	var perr *catalog.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "save", perr.Op)
	assert.Equal(t, "local", perr.Backend)
	require.ErrorIs(t, err, catalog.ErrNoSnapshot)
}
