package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tesseract-db/tesseract/pkg/columnar"
	"github.com/tesseract-db/tesseract/pkg/columnar/encoding"
	"github.com/tesseract-db/tesseract/pkg/config"
	"github.com/tesseract-db/tesseract/pkg/errors"
	"github.com/tesseract-db/tesseract/pkg/rows"
	"github.com/tesseract-db/tesseract/pkg/schema"
)

func testBlock(t *testing.T, relation uuid.UUID, partition int) *columnar.Block {
	t.Helper()
	s := schema.New(
		schema.Field{Name: "id", Type: schema.TypeInt},
		schema.Field{Name: "name", Type: schema.TypeString},
	)
	b := columnar.NewBuilder(s, 64, relation, partition, encoding.DefaultOptions())
	for i := 0; i < 10; i++ {
		_, err := b.Append(rows.Row{int64(i), fmt.Sprintf("row-%d", i)})
		require.NoError(t, err)
	}
	block, err := b.Flush()
	require.NoError(t, err)
	require.NotNil(t, block)
	return block
}

func newTestStore(t *testing.T, mutate func(*config.Config)) *MemStore {
	t.Helper()
	cfg := config.New()
	cfg.Storage.SpillDir = t.TempDir()
	cfg.Storage.MemoryPressurePct = 100
	cfg.Eviction.Timeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}
	store, err := NewMemStore(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMemStorePutGet(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	block := testBlock(t, uuid.New(), 0)

	levels := []Level{MemoryOnly, MemoryOnlySerialized, MemoryAndDiskSerialized, DiskOnly}
	for i, level := range levels {
		id := columnar.BlockID{Relation: uuid.New(), Partition: 0, Batch: i}
		stored := &columnar.Block{ID: id, RowCount: block.RowCount, Columns: block.Columns}

		require.NoError(t, store.Put(ctx, id, stored, level), level.String())
		assert.True(t, store.IsMaterialized(id), level.String())

		got, ok, err := store.Get(ctx, id)
		require.NoError(t, err, level.String())
		require.True(t, ok, level.String())
		assert.Equal(t, stored.RowCount, got.RowCount)
		assert.Len(t, got.Columns, 2)
	}
}

func TestMemStoreGetMiss(t *testing.T) {
	store := newTestStore(t, nil)

	id := columnar.BlockID{Relation: uuid.New()}
	block, ok, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, block)
	assert.False(t, store.IsMaterialized(id))
}

func TestMemStoreBlockingEvict(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	id := columnar.BlockID{Relation: uuid.New()}
	block := testBlock(t, id.Relation, 0)
	require.NoError(t, store.Put(ctx, id, block, MemoryOnly))

	require.NoError(t, store.Evict(ctx, id, true))
	assert.False(t, store.IsMaterialized(id))

	_, ok, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

// stalledStore builds a store whose eviction worker is never started, so
// queued requests are never confirmed.
func stalledStore() *MemStore {
	return &MemStore{
		entries:    make(map[columnar.BlockID]*blockEntry),
		memLimit:   1 << 30,
		evictWait:  100 * time.Millisecond,
		retryEvery: 10 * time.Millisecond,
		evictCh:    make(chan evictRequest, 4),
		closed:     make(chan struct{}),
		log:        zap.NewNop(),
	}
}

func TestMemStoreBlockingEvictTimesOut(t *testing.T) {
	store := stalledStore()
	id := columnar.BlockID{Relation: uuid.New()}
	store.entries[id] = &blockEntry{level: MemoryOnly, block: testBlock(t, id.Relation, 0)}

	err := store.Evict(context.Background(), id, true)
	require.Error(t, err)
	assert.True(t, errors.IsEvictionTimeout(err))
	assert.True(t, store.IsMaterialized(id))
}

func TestMemStoreBlockingEvictConfirmsByPolling(t *testing.T) {
	store := stalledStore()
	store.evictWait = time.Second

	// The block is already gone, so the poll confirms even though the
	// worker never answers.
	id := columnar.BlockID{Relation: uuid.New()}
	require.NoError(t, store.Evict(context.Background(), id, true))
}

func TestMemStoreNonBlockingEvict(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	id := columnar.BlockID{Relation: uuid.New()}
	require.NoError(t, store.Put(ctx, id, testBlock(t, id.Relation, 0), MemoryOnly))
	require.NoError(t, store.Evict(ctx, id, false))

	assert.Eventually(t, func() bool {
		return !store.IsMaterialized(id)
	}, time.Second, 5*time.Millisecond)
}

func TestMemStoreEvictAbsentBlock(t *testing.T) {
	store := newTestStore(t, nil)

	// Evicting a block that was never stored confirms immediately.
	id := columnar.BlockID{Relation: uuid.New()}
	require.NoError(t, store.Evict(context.Background(), id, true))
}

func TestMemStoreDiskSpillRemovedOnEvict(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, func(cfg *config.Config) {
		cfg.Storage.SpillDir = dir
	})
	ctx := context.Background()

	id := columnar.BlockID{Relation: uuid.New()}
	require.NoError(t, store.Put(ctx, id, testBlock(t, id.Relation, 0), DiskOnly))

	files, err := filepath.Glob(filepath.Join(dir, "*.blk"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	require.NoError(t, store.Evict(ctx, id, true))

	files, err = filepath.Glob(filepath.Join(dir, "*.blk"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestMemStoreMemoryLimitSpillsToDisk(t *testing.T) {
	store := newTestStore(t, func(cfg *config.Config) {
		cfg.Storage.MemoryLimitMB = 1
	})
	ctx := context.Background()

	// A block far larger than the 1MB budget must land on disk yet stay
	// readable.
	s := schema.New(schema.Field{Name: "payload", Type: schema.TypeString})
	rel := uuid.New()
	b := columnar.NewBuilder(s, 1<<20, rel, 0, encoding.DefaultOptions())
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i*131 + 17)
	}
	for i := 0; i < 4096; i++ {
		payload[0] = byte(i)
		payload[1] = byte(i >> 8)
		_, err := b.Append(rows.Row{string(payload)})
		require.NoError(t, err)
	}
	big, err := b.Flush()
	require.NoError(t, err)

	id := columnar.BlockID{Relation: rel}
	require.NoError(t, store.Put(ctx, id, big, MemoryAndDisk))

	got, ok, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big.RowCount, got.RowCount)

	store.mu.RLock()
	entry := store.entries[id]
	store.mu.RUnlock()
	require.NotNil(t, entry)
	assert.NotEmpty(t, entry.path)
	assert.Nil(t, entry.block)
}

func TestMemStorePutReplacesExisting(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	id := columnar.BlockID{Relation: uuid.New()}
	first := testBlock(t, id.Relation, 0)
	require.NoError(t, store.Put(ctx, id, first, DiskOnly))
	require.NoError(t, store.Put(ctx, id, first, MemoryOnly))

	got, ok, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.RowCount, got.RowCount)

	// The superseded spill file must be gone.
	files, err := filepath.Glob(filepath.Join(store.dir, "*.blk"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestMemStoreInvalidLevel(t *testing.T) {
	store := newTestStore(t, nil)

	id := columnar.BlockID{Relation: uuid.New()}
	err := store.Put(context.Background(), id, testBlock(t, id.Relation, 0), Level{Replication: 1})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
}

func TestMemStoreGetRacingEviction(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	id := columnar.BlockID{Relation: uuid.New()}
	require.NoError(t, store.Put(ctx, id, testBlock(t, id.Relation, 0), DiskOnly))

	store.mu.RLock()
	path := store.entries[id].path
	store.mu.RUnlock()

	// Delete the spill file out from under the entry. Readers must see a
	// clean miss, never a partial decode.
	require.NoError(t, os.Remove(path))

	block, ok, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, block)
}

func TestMemStoreOwnedTempDirRemovedOnClose(t *testing.T) {
	cfg := config.New()
	cfg.Storage.SpillDir = ""
	store, err := NewMemStore(cfg, nil)
	require.NoError(t, err)

	dir := store.dir
	_, statErr := os.Stat(dir)
	require.NoError(t, statErr)

	require.NoError(t, store.Close())
	_, statErr = os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
}
