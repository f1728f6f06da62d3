// Package session is the user-facing surface: it owns the catalog, cache
// manager, block store and execution engine for one process, and exposes
// table-level cache operations plus dataset-style relation handles.
package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/tesseract-db/tesseract/internal/exec"
	"github.com/tesseract-db/tesseract/pkg/cache"
	"github.com/tesseract-db/tesseract/pkg/catalog"
	"github.com/tesseract-db/tesseract/pkg/config"
	"github.com/tesseract-db/tesseract/pkg/errors"
	"github.com/tesseract-db/tesseract/pkg/logger"
	"github.com/tesseract-db/tesseract/pkg/metrics"
	"github.com/tesseract-db/tesseract/pkg/plan"
	"github.com/tesseract-db/tesseract/pkg/rows"
	"github.com/tesseract-db/tesseract/pkg/schema"
	"github.com/tesseract-db/tesseract/pkg/storage"
)

// Session wires a catalog, execution engine, block store and cache manager
// together with one lifecycle. Close tears the cache down leak-free.
type Session struct {
	cfg       *config.Config
	catalog   *catalog.Catalog
	store     *storage.MemStore
	engine    *exec.Engine
	manager   *cache.Manager
	collector *metrics.Collector
	level     storage.Level
	log       *zap.Logger
}

// New creates a session from the config.
func New(cfg *config.Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, err := storage.ParseLevel(cfg.Storage.DefaultLevel)
	if err != nil {
		return nil, err
	}

	var collector *metrics.Collector
	if cfg.Observability.EnableMetrics {
		collector = metrics.NewCollector()
	}
	store, err := storage.NewMemStore(cfg, collector)
	if err != nil {
		return nil, err
	}
	cat := catalog.New()
	engine := exec.New(cat, cfg)
	manager := cache.NewManager(cfg, store, engine, collector)
	cat.SetUncacher(manager)

	return &Session{
		cfg:       cfg,
		catalog:   cat,
		store:     store,
		engine:    engine,
		manager:   manager,
		collector: collector,
		level:     level,
		log:       logger.With(zap.String("component", "session")),
	}, nil
}

// Close releases every cache entry and shuts the block store down.
func (s *Session) Close() error {
	err := s.manager.ClearCache(context.Background())
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Catalog returns the session's catalog.
func (s *Session) Catalog() *catalog.Catalog { return s.catalog }

// Manager returns the session's cache manager.
func (s *Session) Manager() *cache.Manager { return s.manager }

// Metrics returns the session's collector, nil when metrics are disabled.
func (s *Session) Metrics() *metrics.Collector { return s.collector }

// CreateTable registers a partitioned table.
func (s *Session) CreateTable(name string, sch *schema.Schema, partitions [][]rows.Row) error {
	return s.catalog.CreateTable(name, sch, partitions)
}

// DropTable removes a table, its dependent views and their cache entries.
func (s *Session) DropTable(ctx context.Context, name string) error {
	return s.catalog.DropTable(ctx, name)
}

// CacheTable lazily caches the full contents of a table or view under the
// session's default storage level. Caching an already cached name is a
// no-op.
func (s *Session) CacheTable(ctx context.Context, name string) error {
	return s.cacheTable(ctx, name, s.level, false)
}

// CacheTableEager caches a table and materializes it before returning.
func (s *Session) CacheTableEager(ctx context.Context, name string) error {
	return s.cacheTable(ctx, name, s.level, true)
}

// CacheTableAs registers query as a temp view and caches it under the view's
// name, lazily unless eager is set.
func (s *Session) CacheTableAs(ctx context.Context, name string, query plan.Plan, eager bool) error {
	if err := s.catalog.CreateTempView(name, query); err != nil {
		return err
	}
	_, err := s.manager.CacheQuery(ctx, query, name, s.level, eager)
	if err != nil {
		// Undo the view so a failed cache leaves no half-registered name.
		_ = s.catalog.DropTempView(context.Background(), name)
	}
	return err
}

func (s *Session) cacheTable(ctx context.Context, name string, level storage.Level, eager bool) error {
	p, err := s.catalog.Resolve(name)
	if err != nil {
		return err
	}
	_, err = s.manager.CacheQuery(ctx, p, name, level, eager)
	return err
}

// UncacheTable removes a table's cache entry, blocking until its blocks are
// evicted. Uncaching a name that was never cached is an explicit error.
func (s *Session) UncacheTable(ctx context.Context, name string) error {
	p, err := s.catalog.Resolve(name)
	if err != nil {
		return err
	}
	return s.manager.UncacheQuery(ctx, p, true)
}

// IsCached reports whether the table or view has a cache entry. Unknown
// names are simply not cached.
func (s *Session) IsCached(name string) bool {
	p, err := s.catalog.Resolve(name)
	if err != nil {
		return false
	}
	return s.manager.IsCached(p)
}

// ClearCache releases every cache entry.
func (s *Session) ClearCache(ctx context.Context) error {
	return s.manager.ClearCache(ctx)
}

// Table returns a relation handle over a table or view.
func (s *Session) Table(name string) (*Relation, error) {
	p, err := s.catalog.Resolve(name)
	if err != nil {
		return nil, err
	}
	return &Relation{sess: s, plan: p}, nil
}

// Query returns a relation handle over an arbitrary plan.
func (s *Session) Query(p plan.Plan) *Relation {
	return &Relation{sess: s, plan: p}
}

// Relation is a dataset-style handle over a logical plan. Transformations
// return new handles; reads go through cache rewriting, so a cached plan is
// served from columnar blocks transparently.
type Relation struct {
	sess *Session
	plan plan.Plan
}

// Plan returns the relation's logical plan.
func (r *Relation) Plan() plan.Plan { return r.plan }

// Filter returns the relation restricted to rows matching pred.
func (r *Relation) Filter(pred plan.Expr) *Relation {
	return &Relation{sess: r.sess, plan: plan.NewFilter(pred, r.plan)}
}

// Select narrows the relation to the named columns.
func (r *Relation) Select(columns ...string) *Relation {
	return &Relation{sess: r.sess, plan: plan.NewProject(columns, r.plan)}
}

// Sort orders the relation.
func (r *Relation) Sort(keys ...plan.SortKey) *Relation {
	return &Relation{sess: r.sess, plan: plan.NewSort(keys, r.plan)}
}

// Limit caps the relation's row count.
func (r *Relation) Limit(n int) *Relation {
	return &Relation{sess: r.sess, plan: plan.NewLimit(n, r.plan)}
}

// GroupBy aggregates the relation.
func (r *Relation) GroupBy(groupBy []string, aggs ...plan.AggSpec) *Relation {
	return &Relation{sess: r.sess, plan: plan.NewAggregate(groupBy, aggs, r.plan)}
}

// Cache lazily caches the relation under the session default level.
func (r *Relation) Cache(ctx context.Context) error {
	_, err := r.sess.manager.CacheQuery(ctx, r.plan, "", r.sess.level, false)
	return err
}

// Persist caches the relation under an explicit storage level, lazily.
func (r *Relation) Persist(ctx context.Context, level storage.Level) error {
	_, err := r.sess.manager.CacheQuery(ctx, r.plan, "", level, false)
	return err
}

// Unpersist drops the relation's cache entry if one exists. Unlike
// UncacheTable it tolerates a miss.
func (r *Relation) Unpersist(ctx context.Context, blocking bool) error {
	return r.sess.manager.TryUncacheQuery(ctx, r.plan, blocking)
}

// Collect executes the relation and returns every row. The plan is rewritten
// against the cache first, so cached sub-plans read columnar blocks and lazy
// entries materialize on this first read.
func (r *Relation) Collect(ctx context.Context) ([]rows.Row, error) {
	rewritten := r.sess.manager.RewritePlan(r.plan)
	it, err := r.sess.engine.Run(ctx, rewritten)
	if err != nil {
		return nil, err
	}
	return rows.Drain(it)
}

// Count executes the relation and returns its row count.
func (r *Relation) Count(ctx context.Context) (int64, error) {
	counted := plan.NewAggregate(nil,
		[]plan.AggSpec{{Fn: plan.AggCount, Column: "*", As: "n"}}, r.plan)
	all, err := (&Relation{sess: r.sess, plan: counted}).Collect(ctx)
	if err != nil {
		return 0, err
	}
	if len(all) != 1 || len(all[0]) != 1 {
		return 0, errors.New(errors.ErrorTypeInternal, "count returned unexpected shape")
	}
	return all[0][0].(int64), nil
}
