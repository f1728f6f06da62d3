package storage

import (
	"context"

	"github.com/tesseract-db/tesseract/pkg/columnar"
)

// BlockStore is the storage surface the cache subsystem depends on. The
// in-process MemStore implements it; a distributed deployment substitutes its
// own client.
type BlockStore interface {
	// Put stores a block under the given level. Put overwrites an existing
	// block with the same ID.
	Put(ctx context.Context, id columnar.BlockID, block *columnar.Block, level Level) error

	// Get fetches a block. The second return is false on a clean miss.
	Get(ctx context.Context, id columnar.BlockID) (*columnar.Block, bool, error)

	// Evict removes a block. When blocking is true, Evict waits for the
	// removal to be confirmed or for the store's eviction timeout to elapse.
	Evict(ctx context.Context, id columnar.BlockID, blocking bool) error

	// IsMaterialized reports whether the block is currently stored.
	IsMaterialized(id columnar.BlockID) bool
}
