package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/rtledit/internal/extension"
)

func TestBoltStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	store, err := OpenBoltStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap, "empty database has no snapshot")

	m, err := extension.ParseManifest([]byte(`{"id": "hello", "version": "1.2.3", "platform": {"linux": true}}`), "hello")
	require.NoError(t, err)
	fetched := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, NewSnapshot(fetched, []Entry{
		{ExtensionID: "hello", Manifest: m, Icon: []byte("png"), FetchedAt: fetched},
	})))
	require.NoError(t, store.Close())

	store, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer store.Close()

	snap, err = store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.FetchedAt.Equal(fetched))
	require.Equal(t, 1, snap.Len())

	e, ok := snap.Entry("hello")
	require.True(t, ok)
	assert.Equal(t, "1.2.3", e.Manifest.Version.String())
	assert.True(t, e.Manifest.Supports(extension.PlatformLinux))
	assert.False(t, e.Manifest.Supports(extension.PlatformWindows))
	assert.Equal(t, []byte("png"), e.Icon)
}

func TestBoltStoreSaveReplacesEntries(t *testing.T) {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	mk := func(id string) Entry {
		m, err := extension.ParseManifest([]byte(`{"id": "`+id+`", "version": "1.0.0"}`), id)
		require.NoError(t, err)
		return Entry{ExtensionID: id, Manifest: m}
	}

	require.NoError(t, store.Save(ctx, NewSnapshot(time.Now(), []Entry{mk("a"), mk("b")})))
	require.NoError(t, store.Save(ctx, NewSnapshot(time.Now(), []Entry{mk("c")})))

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())
	_, ok := snap.Entry("c")
	assert.True(t, ok)
}

func TestBoltStoreClosed(t *testing.T) {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.Load(context.Background())
	assert.Error(t, err)
}
