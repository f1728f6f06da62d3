package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/tesseract-db/tesseract/pkg/columnar"
	"github.com/tesseract-db/tesseract/pkg/compression"
	"github.com/tesseract-db/tesseract/pkg/config"
	"github.com/tesseract-db/tesseract/pkg/errors"
	"github.com/tesseract-db/tesseract/pkg/logger"
	"github.com/tesseract-db/tesseract/pkg/metrics"
)

// blockEntry is one stored block. Exactly one of block, data, path is the
// live representation: a deserialized in-memory block, compressed in-memory
// bytes, or a disk file.
type blockEntry struct {
	level Level
	block *columnar.Block
	data  []byte
	path  string
	size  int64
}

type evictRequest struct {
	id   columnar.BlockID
	done chan error
}

// MemStore is the in-process BlockStore: a memory map with an optional spill
// directory and asynchronous eviction. Eviction happens at whole-block
// granularity; readers racing an eviction observe either the block or a
// clean miss.
type MemStore struct {
	mu      sync.RWMutex
	entries map[columnar.BlockID]*blockEntry
	memUsed int64

	memLimit    int64
	pressurePct float64
	dir         string
	ownDir      bool
	comp        compression.Compressor
	evictWait   time.Duration
	retryEvery  time.Duration

	evictCh chan evictRequest
	closed  chan struct{}
	wg      sync.WaitGroup

	log       *zap.Logger
	collector *metrics.Collector
}

// NewMemStore creates a store from configuration. When cfg.Storage.SpillDir
// is empty a temporary directory is created and removed on Close.
func NewMemStore(cfg *config.Config, collector *metrics.Collector) (*MemStore, error) {
	comp, err := compression.NewCompressor(&compression.Config{
		Algorithm: compression.Algorithm(cfg.Storage.Compression),
		Level:     mapCompressionLevel(cfg.Storage.CompressionLevel),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid block compression")
	}

	dir := cfg.Storage.SpillDir
	ownDir := false
	if dir == "" {
		dir, err = os.MkdirTemp("", "tesseract-blocks-")
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to create spill directory")
		}
		ownDir = true
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to create spill directory")
	}

	s := &MemStore{
		entries:     make(map[columnar.BlockID]*blockEntry),
		memLimit:    int64(cfg.Storage.MemoryLimitMB) << 20,
		pressurePct: cfg.Storage.MemoryPressurePct,
		dir:         dir,
		ownDir:      ownDir,
		comp:        comp,
		evictWait:   cfg.Eviction.Timeout,
		retryEvery:  cfg.Eviction.RetryInterval,
		evictCh:     make(chan evictRequest, 256),
		closed:      make(chan struct{}),
		log:         logger.With(zap.String("component", "block_store")),
		collector:   collector,
	}

	if s.retryEvery <= 0 {
		s.retryEvery = 10 * time.Millisecond
	}

	s.wg.Add(1)
	go s.evictionLoop()
	return s, nil
}

func mapCompressionLevel(level int) compression.Level {
	switch {
	case level <= 1:
		return compression.Fastest
	case level >= 9:
		return compression.Best
	default:
		return compression.Default
	}
}

// Put stores a block under the given level.
func (s *MemStore) Put(ctx context.Context, id columnar.BlockID, block *columnar.Block, level Level) error {
	if err := level.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "invalid storage level")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entry := &blockEntry{level: level}

	toMemory := level.UseMemory && !s.underPressure()
	if toMemory && !level.Serialized {
		entry.block = block
		entry.size = block.SizeInBytes()
	} else {
		encoded, err := s.serialize(block)
		if err != nil {
			return err
		}
		entry.size = int64(len(encoded))
		if toMemory {
			entry.data = encoded
		} else if level.UseDisk {
			path, err := s.writeFile(id, encoded)
			if err != nil {
				return err
			}
			entry.path = path
		} else {
			// MemoryOnly under pressure with no disk tier: drop the block.
			// Readers see a clean miss and recompute.
			s.log.Warn("dropping block under memory pressure",
				zap.String("block", id.String()))
			return nil
		}
	}

	// Memory budget: spill to disk (or drop) instead of exceeding the limit.
	if entry.path == "" {
		s.mu.Lock()
		if s.memUsed+entry.size > s.memLimit {
			s.mu.Unlock()
			if !level.UseDisk {
				s.log.Warn("dropping block over memory limit",
					zap.String("block", id.String()))
				return nil
			}
			encoded, err := s.serialize(block)
			if err != nil {
				return err
			}
			path, err := s.writeFile(id, encoded)
			if err != nil {
				return err
			}
			entry = &blockEntry{level: level, path: path, size: int64(len(encoded))}
			s.mu.Lock()
		} else {
			s.memUsed += entry.size
		}
	} else {
		s.mu.Lock()
	}

	if prev, ok := s.entries[id]; ok {
		s.dropLocked(id, prev)
	}
	s.entries[id] = entry
	s.mu.Unlock()

	s.collector.AddBytesCached(entry.size)
	return nil
}

// Get fetches a block; a missing block is a clean miss, not an error.
func (s *MemStore) Get(ctx context.Context, id columnar.BlockID) (*columnar.Block, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	switch {
	case entry.block != nil:
		return entry.block, true, nil
	case entry.data != nil:
		block, err := s.deserialize(entry.data)
		if err != nil {
			return nil, false, err
		}
		return block, true, nil
	default:
		encoded, err := os.ReadFile(entry.path)
		if err != nil {
			if os.IsNotExist(err) {
				// Raced an eviction: clean miss.
				return nil, false, nil
			}
			return nil, false, errors.Wrap(err, errors.ErrorTypeStorage, "failed to read spilled block")
		}
		block, err := s.deserialize(encoded)
		if err != nil {
			return nil, false, err
		}
		return block, true, nil
	}
}

// Evict removes a block. Non-blocking eviction only enqueues the request;
// blocking eviction waits for confirmation bounded by the configured timeout.
func (s *MemStore) Evict(ctx context.Context, id columnar.BlockID, blocking bool) error {
	var done chan error
	if blocking {
		done = make(chan error, 1)
	}

	select {
	case s.evictCh <- evictRequest{id: id, done: done}:
	case <-s.closed:
		return errors.New(errors.ErrorTypeStorage, "block store closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	if !blocking {
		return nil
	}

	// The worker may be busy with earlier requests, so confirmation is also
	// polled at the retry interval until the block is gone or the timeout
	// elapses.
	timer := time.NewTimer(s.evictWait)
	defer timer.Stop()
	retry := time.NewTicker(s.retryEvery)
	defer retry.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-retry.C:
			if !s.IsMaterialized(id) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errors.New(errors.ErrorTypeEvictionTimeout, "eviction not confirmed in time").
				WithDetail("block", id.String())
		}
	}
}

// IsMaterialized reports whether the block is currently stored.
func (s *MemStore) IsMaterialized(id columnar.BlockID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

// Close drains the eviction worker and removes the spill directory when the
// store owns it.
func (s *MemStore) Close() error {
	close(s.closed)
	s.wg.Wait()
	if s.ownDir {
		return os.RemoveAll(s.dir)
	}
	return nil
}

func (s *MemStore) evictionLoop() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.evictCh:
			s.applyEvict(req)
		case <-s.closed:
			// Drain whatever is already queued so blocking callers get
			// confirmation during shutdown.
			for {
				select {
				case req := <-s.evictCh:
					s.applyEvict(req)
				default:
					return
				}
			}
		}
	}
}

func (s *MemStore) applyEvict(req evictRequest) {
	s.mu.Lock()
	entry, ok := s.entries[req.id]
	if ok {
		s.dropLocked(req.id, entry)
		delete(s.entries, req.id)
	}
	s.mu.Unlock()

	if ok {
		s.collector.RecordEviction()
		s.collector.AddBytesCached(-entry.size)
	}
	if req.done != nil {
		req.done <- nil
	}
}

// dropLocked releases an entry's resources. Caller holds s.mu.
func (s *MemStore) dropLocked(id columnar.BlockID, entry *blockEntry) {
	if entry.path != "" {
		if err := os.Remove(entry.path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove spilled block",
				zap.String("block", id.String()), zap.Error(err))
		}
	} else {
		s.memUsed -= entry.size
	}
}

func (s *MemStore) serialize(block *columnar.Block) ([]byte, error) {
	raw, err := columnar.EncodeBlock(block)
	if err != nil {
		return nil, err
	}
	encoded, err := s.comp.Compress(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "block compression failed")
	}
	return encoded, nil
}

func (s *MemStore) deserialize(encoded []byte) (*columnar.Block, error) {
	raw, err := s.comp.Decompress(encoded)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "block decompression failed")
	}
	return columnar.DecodeBlock(raw)
}

func (s *MemStore) writeFile(id columnar.BlockID, encoded []byte) (string, error) {
	name := strings.ReplaceAll(id.String(), "/", "_") + ".blk"
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeStorage, "failed to spill block")
	}
	return path, nil
}

// underPressure consults system memory usage; errors are treated as no
// pressure since the check is best effort.
func (s *MemStore) underPressure() bool {
	if s.pressurePct <= 0 {
		return false
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return false
	}
	return vm.UsedPercent >= s.pressurePct
}
