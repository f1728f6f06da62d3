// Package cache implements the query-result cache: a registry of cached
// relations keyed by canonical logical plan, columnar materialization of
// relation output, plan rewriting onto cached blocks, and leak-free teardown
// of cached memory.
package cache

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// SizeAccumulator tracks the bytes and rows a cached relation occupies.
// Materialization tasks add to it concurrently without locking; readers see
// finalized totals once materialization completes.
type SizeAccumulator struct {
	id    uuid.UUID
	bytes atomic.Int64
	rows  atomic.Int64
}

// ID returns the accumulator's registry handle.
func (a *SizeAccumulator) ID() uuid.UUID { return a.id }

// Add records bytes and rows from one stored block.
func (a *SizeAccumulator) Add(bytes, rows int64) {
	a.bytes.Add(bytes)
	a.rows.Add(rows)
}

// Bytes returns the accumulated byte count.
func (a *SizeAccumulator) Bytes() int64 { return a.bytes.Load() }

// Rows returns the accumulated row count.
func (a *SizeAccumulator) Rows() int64 { return a.rows.Load() }

// AccumulatorRegistry tracks live size accumulators. Every cached relation
// registers exactly one at creation and unregisters it on release; a non-zero
// live count after the registry is cleared means a relation leaked.
type AccumulatorRegistry struct {
	mu   sync.Mutex
	live map[uuid.UUID]*SizeAccumulator
}

// NewAccumulatorRegistry creates an empty registry.
func NewAccumulatorRegistry() *AccumulatorRegistry {
	return &AccumulatorRegistry{live: make(map[uuid.UUID]*SizeAccumulator)}
}

// Register creates and tracks a fresh accumulator.
func (r *AccumulatorRegistry) Register() *SizeAccumulator {
	acc := &SizeAccumulator{id: uuid.New()}
	r.mu.Lock()
	r.live[acc.id] = acc
	r.mu.Unlock()
	return acc
}

// Unregister drops the accumulator with the given handle. Unregistering an
// unknown handle is a no-op, so release paths stay idempotent.
func (r *AccumulatorRegistry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
}

// Live returns the number of registered accumulators.
func (r *AccumulatorRegistry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
