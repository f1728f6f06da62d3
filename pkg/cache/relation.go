package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tesseract-db/tesseract/pkg/columnar"
	"github.com/tesseract-db/tesseract/pkg/columnar/encoding"
	"github.com/tesseract-db/tesseract/pkg/config"
	"github.com/tesseract-db/tesseract/pkg/errors"
	"github.com/tesseract-db/tesseract/pkg/logger"
	"github.com/tesseract-db/tesseract/pkg/metrics"
	"github.com/tesseract-db/tesseract/pkg/plan"
	"github.com/tesseract-db/tesseract/pkg/rows"
	"github.com/tesseract-db/tesseract/pkg/schema"
	"github.com/tesseract-db/tesseract/pkg/storage"
)

// Executor runs a logical plan and yields one row-batch iterator per data
// partition. Partitions are disjoint: materialization tasks consume them in
// parallel without coordination.
type Executor interface {
	Execute(ctx context.Context, p plan.Plan) ([]rows.Iterator, error)
}

// State is a cached relation's materialization state.
type State int32

const (
	// StateUnmaterialized means no blocks have been computed yet
	StateUnmaterialized State = iota
	// StateMaterializing means the child plan is executing
	StateMaterializing
	// StateMaterialized means every partition's blocks are stored and the
	// relation's statistics are final
	StateMaterialized
	// StateReleased is terminal: blocks evicted, accumulator unregistered
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateUnmaterialized:
		return "unmaterialized"
	case StateMaterializing:
		return "materializing"
	case StateMaterialized:
		return "materialized"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// CachedRelation wraps a child plan with the columnar blocks holding its
// materialized output. The block list is fixed exactly once materialization
// completes; statistics are only meaningful after that point.
type CachedRelation struct {
	id     uuid.UUID
	child  plan.Plan
	schema *schema.Schema
	level  storage.Level
	eager  bool

	store    storage.BlockStore
	exec     Executor
	acc      *SizeAccumulator
	registry *AccumulatorRegistry

	rowsPerBlock int
	opts         encoding.Options
	workers      int
	collector    *metrics.Collector
	log          *zap.Logger

	mu     sync.Mutex
	state  State
	done   chan struct{} // non-nil exactly while a run is in flight
	runErr error         // outcome of the last run, read by waiters
	blocks []columnar.BlockID
}

func newCachedRelation(child plan.Plan, level storage.Level, eager bool,
	store storage.BlockStore, exec Executor, registry *AccumulatorRegistry,
	cfg *config.Config, collector *metrics.Collector) *CachedRelation {

	id := uuid.New()
	return &CachedRelation{
		id:           id,
		child:        child,
		schema:       child.Schema(),
		level:        level,
		eager:        eager,
		store:        store,
		exec:         exec,
		acc:          registry.Register(),
		registry:     registry,
		rowsPerBlock: cfg.Blocks.RowsPerBlock,
		opts: encoding.Options{
			MaxDictionaryEntries: cfg.Blocks.MaxDictionaryEntries,
			MaxValueBytes:        cfg.Blocks.MaxValueBytes,
			SampleRows:           cfg.Blocks.SampleRows,
		},
		workers:   cfg.Performance.GetWorkers(),
		collector: collector,
		log:       logger.With(zap.String("relation", id.String())),
		state:     StateUnmaterialized,
	}
}

// ID returns the relation's identifier, shared by all of its block IDs.
func (r *CachedRelation) ID() uuid.UUID { return r.id }

// Child returns the plan whose output is cached.
func (r *CachedRelation) Child() plan.Plan { return r.child }

// Schema returns the relation's output schema.
func (r *CachedRelation) Schema() *schema.Schema { return r.schema }

// Level returns the storage level blocks are stored under.
func (r *CachedRelation) Level() storage.Level { return r.level }

// Eager reports whether the relation materializes at cache time rather than
// on first read.
func (r *CachedRelation) Eager() bool { return r.eager }

// State returns the current materialization state.
func (r *CachedRelation) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SizeInBytes returns the total stored block bytes. Stable once the relation
// is materialized.
func (r *CachedRelation) SizeInBytes() int64 { return r.acc.Bytes() }

// RowCount returns the total cached rows. Stable once materialized.
func (r *CachedRelation) RowCount() int64 { return r.acc.Rows() }

// Blocks returns a snapshot of the relation's block IDs, empty until
// materialization completes.
func (r *CachedRelation) Blocks() []columnar.BlockID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]columnar.BlockID, len(r.blocks))
	copy(out, r.blocks)
	return out
}

// Materialize executes the child plan and stores its output as columnar
// blocks. It is idempotent: a materialized relation returns immediately, and
// a caller arriving while a run is in flight waits for that run instead of
// starting a second one.
func (r *CachedRelation) Materialize(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateMaterialized:
		r.mu.Unlock()
		return nil
	case StateReleased:
		r.mu.Unlock()
		return errors.New(errors.ErrorTypeNotCached, "relation has been released")
	}
	if r.done != nil {
		done := r.done
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		r.mu.Lock()
		err := r.runErr
		r.mu.Unlock()
		return err
	}
	r.state = StateMaterializing
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	start := time.Now()
	blocks, err := r.run(ctx)

	r.mu.Lock()
	if r.state == StateMaterializing {
		if err != nil {
			r.state = StateUnmaterialized
		} else {
			r.state = StateMaterialized
			r.blocks = blocks
		}
	}
	r.runErr = err
	r.done = nil
	close(done)
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.collector.ObserveMaterialization(time.Since(start))
	r.log.Info("relation materialized",
		zap.Int("blocks", len(blocks)),
		zap.Int64("bytes", r.acc.Bytes()),
		zap.Int64("rows", r.acc.Rows()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// run fans one task out per partition. Each task owns its partition's builder
// and its slot in stored, so the tasks share no mutable state.
func (r *CachedRelation) run(ctx context.Context) ([]columnar.BlockID, error) {
	parts, err := r.exec.Execute(ctx, r.child)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMaterialization, "child plan execution failed")
	}

	stored := make([][]columnar.BlockID, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, it := range parts {
		g.Go(func() error {
			defer func() { _ = it.Close() }()
			return r.materializePartition(gctx, i, it, &stored[i])
		})
	}
	err = g.Wait()
	r.collector.RecordBlocksEncoded(countBlocks(stored))
	if err != nil {
		r.dropPartial(stored)
		return nil, err
	}

	var blocks []columnar.BlockID
	for _, ids := range stored {
		blocks = append(blocks, ids...)
	}
	return blocks, nil
}

func (r *CachedRelation) materializePartition(ctx context.Context, partition int, it rows.Iterator, out *[]columnar.BlockID) error {
	builder := columnar.NewBuilder(r.schema, r.rowsPerBlock, r.id, partition, r.opts)
	for {
		batch, err := it.Next()
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeMaterialization, "partition read failed").
				WithDetail("partition", partition)
		}
		if batch == nil {
			break
		}
		blocks, err := builder.AppendBatch(batch)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeMaterialization, "block encoding failed").
				WithDetail("partition", partition)
		}
		for _, b := range blocks {
			if err := r.storeBlock(ctx, b, out); err != nil {
				return err
			}
		}
	}
	last, err := builder.Flush()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeMaterialization, "block encoding failed").
			WithDetail("partition", partition)
	}
	if last != nil {
		return r.storeBlock(ctx, last, out)
	}
	return nil
}

func (r *CachedRelation) storeBlock(ctx context.Context, b *columnar.Block, out *[]columnar.BlockID) error {
	if err := r.store.Put(ctx, b.ID, b, r.level); err != nil {
		return errors.Wrap(err, errors.ErrorTypeMaterialization, "block store put failed").
			WithDetail("block", b.ID.String())
	}
	*out = append(*out, b.ID)
	r.acc.Add(b.SizeInBytes(), int64(b.RowCount))
	return nil
}

// dropPartial evicts blocks stored before a failed run, so a retry starts
// clean.
func (r *CachedRelation) dropPartial(stored [][]columnar.BlockID) {
	ctx := context.Background()
	for _, ids := range stored {
		for _, id := range ids {
			if err := r.store.Evict(ctx, id, false); err != nil {
				r.log.Warn("failed to drop partial block",
					zap.String("block", id.String()), zap.Error(err))
			}
		}
	}
	r.acc.Add(-r.acc.Bytes(), -r.acc.Rows())
}

func countBlocks(stored [][]columnar.BlockID) int {
	n := 0
	for _, ids := range stored {
		n += len(ids)
	}
	return n
}

// Release transitions the relation to Released, evicts every stored block and
// unregisters the size accumulator. A release racing an in-flight
// materialization waits for that run to settle first, so readers observe
// either the prior data or a clean miss, never a half-evicted relation.
// Releasing twice is a no-op.
func (r *CachedRelation) Release(ctx context.Context, blocking bool) error {
	for {
		r.mu.Lock()
		if r.state == StateReleased {
			r.mu.Unlock()
			return nil
		}
		if r.done != nil {
			done := r.done
			r.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		blocks := r.blocks
		r.blocks = nil
		r.state = StateReleased
		r.mu.Unlock()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.workers)
		for _, id := range blocks {
			g.Go(func() error {
				return r.store.Evict(gctx, id, blocking)
			})
		}
		evictErr := g.Wait()

		r.registry.Unregister(r.acc.ID())
		return evictErr
	}
}
