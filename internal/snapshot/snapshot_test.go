package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/partman/internal/catalog"
	"github.com/arkilian/partman/internal/ddl"
	"github.com/arkilian/partman/internal/logging"
	"github.com/arkilian/partman/internal/partition"
	"github.com/arkilian/partman/internal/storage"
	"github.com/arkilian/partman/pkg/types"
)

func openCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), catalog.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

func newStore(t *testing.T) *Store {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return NewStore(st, logging.Discard())
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := openCatalog(t)
	m := ddl.NewManager(src, nil, logging.Discard())
	table, err := m.CreateTable(ctx, "events", []ddl.Column{{Name: "id", Type: types.TypeInt8}})
	require.NoError(t, err)
	_, err = m.CreateRangePartitions(ctx, table, "id", types.Int8Value(0), "100", 4)
	require.NoError(t, err)

	store := newStore(t)
	key, err := store.Export(ctx, src)
	require.NoError(t, err)
	assert.Contains(t, key, Prefix)

	dst := openCatalog(t)
	cache := partition.NewCache(dst, dst.Bus(), partition.Options{Logger: logging.Discard()})
	defer cache.Close()
	_, err = cache.Get(ctx, table)
	assert.True(t, catalog.IsNotFound(err))

	snap, err := store.Import(ctx, dst, "")
	require.NoError(t, err)
	assert.Len(t, snap.Catalog.Config, 1)

	// The restore invalidated the cache; the table is partitioned now.
	d, err := cache.Get(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, 4, d.ChildCount())
	idx, ok := partition.MatchRangePartition(d, types.Int8Value(250))
	require.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestLatestPicksNewest(t *testing.T) {
	ctx := context.Background()
	cat := openCatalog(t)
	store := newStore(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var keys []string
	for i := 0; i < 3; i++ {
		store.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		key, err := store.Export(ctx, cat)
		require.NoError(t, err)
		keys = append(keys, key)
	}

	listed, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, keys, listed)

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, keys[2], latest)

	snap, err := store.Load(ctx, keys[0])
	require.NoError(t, err)
	assert.Equal(t, base, snap.CreatedAt)
}

func TestImportWithoutSnapshots(t *testing.T) {
	_, err := newStore(t).Import(context.Background(), openCatalog(t), "")
	assert.True(t, errors.Is(err, storage.ErrObjectNotFound))
}

func TestDecodeRejectsForeignData(t *testing.T) {
	_, err := Decode([]byte("not a snapshot"))
	assert.Error(t, err)

	data, err := Encode(&Snapshot{ID: "x", Catalog: &catalog.Dump{}})
	require.NoError(t, err)
	data[len(magic)] = 9
	_, err = Decode(data)
	assert.Error(t, err)

	data, err = Encode(&Snapshot{ID: "x"})
	require.NoError(t, err)
	_, err = Decode(data)
	assert.Error(t, err, "a snapshot needs a catalog")
}
