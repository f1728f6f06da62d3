package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tesseract-db/tesseract/pkg/config"
	"github.com/tesseract-db/tesseract/pkg/errors"
	"github.com/tesseract-db/tesseract/pkg/logger"
	"github.com/tesseract-db/tesseract/pkg/metrics"
	"github.com/tesseract-db/tesseract/pkg/plan"
	"github.com/tesseract-db/tesseract/pkg/storage"
)

// Entry is one tracked cached query. Plan holds the canonical form used for
// matching; TableName, when set, binds the entry to a catalog table so that
// dropping the table releases it.
type Entry struct {
	Plan      plan.Plan
	TableName string
	Relation  *CachedRelation
}

// Manager is the process-wide cache registry: it maps canonical logical
// plans to cached relations, rewrites submitted plans onto cached scans, and
// owns entry lifecycle. Construct one per execution context; there is no
// implicit global.
type Manager struct {
	mu      sync.RWMutex
	entries map[uint64][]*Entry // fingerprint -> bucket, equality confirmed per entry

	cfg       *config.Config
	store     storage.BlockStore
	exec      Executor
	registry  *AccumulatorRegistry
	collector *metrics.Collector
	log       *zap.Logger
}

// NewManager creates a cache manager over the given block store and executor.
// collector may be nil to disable metrics.
func NewManager(cfg *config.Config, store storage.BlockStore, exec Executor, collector *metrics.Collector) *Manager {
	return &Manager{
		entries:   make(map[uint64][]*Entry),
		cfg:       cfg,
		store:     store,
		exec:      exec,
		registry:  NewAccumulatorRegistry(),
		collector: collector,
		log:       logger.With(zap.String("component", "cache_manager")),
	}
}

// Accumulators exposes the live accumulator registry, used by teardown checks.
func (m *Manager) Accumulators() *AccumulatorRegistry { return m.registry }

// CacheQuery registers a cached relation for the plan. Caching an already
// cached plan is idempotent: the existing entry is returned and no second
// relation is created, even while that entry is still materializing. Eager
// entries are materialized before returning; if materialization fails the
// entry is removed and the registry is left as if the call never happened.
func (m *Manager) CacheQuery(ctx context.Context, p plan.Plan, tableName string, level storage.Level, eager bool) (*Entry, error) {
	canonical := p.Canonical()
	fp := plan.Fingerprint(canonical)

	m.mu.Lock()
	if e := m.findLocked(fp, canonical); e != nil {
		m.mu.Unlock()
		return e, nil
	}
	entry := &Entry{
		Plan:      canonical,
		TableName: tableName,
		Relation:  newCachedRelation(p, level, eager, m.store, m.exec, m.registry, m.cfg, m.collector),
	}
	m.entries[fp] = append(m.entries[fp], entry)
	m.mu.Unlock()

	m.log.Info("query cached",
		zap.String("plan", canonical.String()),
		zap.String("table", tableName),
		zap.String("level", level.String()),
		zap.Bool("eager", eager))

	if eager {
		if err := entry.Relation.Materialize(ctx); err != nil {
			m.remove(fp, entry)
			if rerr := entry.Relation.Release(context.Background(), false); rerr != nil {
				m.log.Warn("cleanup after failed materialization", zap.Error(rerr))
			}
			return nil, err
		}
	}
	return entry, nil
}

// UncacheQuery removes the entry matching the plan and releases its relation.
// A miss is an explicit error, never a silent no-op.
func (m *Manager) UncacheQuery(ctx context.Context, p plan.Plan, blocking bool) error {
	entry := m.take(p)
	if entry == nil {
		return errors.New(errors.ErrorTypeNotCached, "query is not cached").
			WithDetail("plan", p.Canonical().String())
	}
	return entry.Relation.Release(ctx, blocking)
}

// TryUncacheQuery is UncacheQuery with a tolerant miss: callers that cannot
// guarantee the entry exists get a no-op instead of an error.
func (m *Manager) TryUncacheQuery(ctx context.Context, p plan.Plan, blocking bool) error {
	entry := m.take(p)
	if entry == nil {
		return nil
	}
	return entry.Relation.Release(ctx, blocking)
}

// LookupCachedData returns the entry whose canonical plan matches p, or nil.
// It never mutates registry state.
func (m *Manager) LookupCachedData(p plan.Plan) *Entry {
	canonical := p.Canonical()
	fp := plan.Fingerprint(canonical)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(fp, canonical)
}

// IsCached reports whether the plan has a tracked entry.
func (m *Manager) IsCached(p plan.Plan) bool {
	return m.LookupCachedData(p) != nil
}

// ClearCache releases every tracked entry, blocking until their blocks are
// evicted, and leaves zero live size accumulators.
func (m *Manager) ClearCache(ctx context.Context) error {
	m.mu.Lock()
	var all []*Entry
	for _, bucket := range m.entries {
		all = append(all, bucket...)
	}
	m.entries = make(map[uint64][]*Entry)
	m.mu.Unlock()

	var firstErr error
	for _, e := range all {
		if err := e.Relation.Release(ctx, true); err != nil {
			m.log.Warn("release during clear failed",
				zap.String("plan", e.Plan.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// IsEmpty reports whether no entry is tracked.
func (m *Manager) IsEmpty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries) == 0
}

// ReleaseTable removes and releases every entry bound to the table name or
// whose plan reads the table. Dropping a table must leave no cache entry
// pointing at its data, including entries for temp views defined on top of
// it.
func (m *Manager) ReleaseTable(ctx context.Context, table string, blocking bool) error {
	m.mu.Lock()
	var victims []*Entry
	for fp, bucket := range m.entries {
		kept := bucket[:0]
		for _, e := range bucket {
			if m.dependsOn(e, table) {
				victims = append(victims, e)
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(m.entries, fp)
		} else {
			m.entries[fp] = kept
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, e := range victims {
		if err := e.Relation.Release(ctx, blocking); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) dependsOn(e *Entry, table string) bool {
	if e.TableName == table {
		return true
	}
	_, ok := plan.Tables(e.Relation.Child())[table]
	return ok
}

// RewritePlan substitutes a cached scan for every sub-plan whose canonical
// form matches a tracked entry. Matching is exact-subplan only. A filter or
// projection directly above a match is pushed into the scan: the predicate
// for block pruning (the filter itself remains for exact evaluation), the
// column list for column pruning.
func (m *Manager) RewritePlan(p plan.Plan) plan.Plan {
	hits := 0
	out := plan.Transform(p, func(n plan.Plan) (plan.Plan, bool) {
		if e := m.LookupCachedData(n); e != nil {
			hits++
			return NewScanNode(e.Relation, nil, nil), true
		}
		switch node := n.(type) {
		case *plan.Filter:
			if e := m.LookupCachedData(node.Child); e != nil {
				hits++
				return plan.NewFilter(node.Pred, NewScanNode(e.Relation, nil, node.Pred)), true
			}
		case *plan.Project:
			if e := m.LookupCachedData(node.Child); e != nil {
				hits++
				return NewScanNode(e.Relation, node.Columns, nil), true
			}
		}
		return nil, false
	})
	if hits > 0 {
		m.collector.RecordHit()
	} else {
		m.collector.RecordMiss()
	}
	return out
}

// findLocked scans a fingerprint bucket confirming structural equality;
// the fingerprint is an index hint only. Caller holds m.mu.
func (m *Manager) findLocked(fp uint64, canonical plan.Plan) *Entry {
	for _, e := range m.entries[fp] {
		if plan.Equal(e.Plan, canonical) {
			return e
		}
	}
	return nil
}

// take removes and returns the entry matching p, or nil.
func (m *Manager) take(p plan.Plan) *Entry {
	canonical := p.Canonical()
	fp := plan.Fingerprint(canonical)
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.entries[fp]
	for i, e := range bucket {
		if plan.Equal(e.Plan, canonical) {
			bucket = append(bucket[:i], bucket[i+1:]...)
			if len(bucket) == 0 {
				delete(m.entries, fp)
			} else {
				m.entries[fp] = bucket
			}
			return e
		}
	}
	return nil
}

// remove deletes a specific entry if still present, used to back out a failed
// eager registration.
func (m *Manager) remove(fp uint64, entry *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.entries[fp]
	for i, e := range bucket {
		if e == entry {
			bucket = append(bucket[:i], bucket[i+1:]...)
			if len(bucket) == 0 {
				delete(m.entries, fp)
			} else {
				m.entries[fp] = bucket
			}
			return
		}
	}
}
