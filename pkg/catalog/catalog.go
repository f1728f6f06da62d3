// Package catalog maps table and temp-view names to schemas, partitioned
// data and logical plans. Dropping a table cascades into the cache through
// the Uncacher callback, so no cache entry outlives the data it reads.
package catalog

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tesseract-db/tesseract/pkg/errors"
	"github.com/tesseract-db/tesseract/pkg/logger"
	"github.com/tesseract-db/tesseract/pkg/plan"
	"github.com/tesseract-db/tesseract/pkg/rows"
	"github.com/tesseract-db/tesseract/pkg/schema"
)

// Table is a named, partitioned in-memory relation. Partitions are disjoint
// row slices consumed independently during scans and materialization.
type Table struct {
	Name       string
	Schema     *schema.Schema
	Partitions [][]rows.Row
}

// Rows returns the total row count across partitions.
func (t *Table) Rows() int {
	n := 0
	for _, p := range t.Partitions {
		n += len(p)
	}
	return n
}

// Uncacher releases cache entries that depend on a table. The cache manager
// implements it; the indirection keeps the catalog free of a cache
// dependency.
type Uncacher interface {
	ReleaseTable(ctx context.Context, table string, blocking bool) error
}

// Catalog is the name registry for tables and temp views.
type Catalog struct {
	mu       sync.RWMutex
	tables   map[string]*Table
	views    map[string]plan.Plan
	uncacher Uncacher
	log      *zap.Logger
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		tables: make(map[string]*Table),
		views:  make(map[string]plan.Plan),
		log:    logger.With(zap.String("component", "catalog")),
	}
}

// SetUncacher wires the drop-table cache cascade. Set once at session
// construction, before any DropTable call.
func (c *Catalog) SetUncacher(u Uncacher) {
	c.mu.Lock()
	c.uncacher = u
	c.mu.Unlock()
}

// CreateTable registers a table. The name must be free.
func (c *Catalog) CreateTable(name string, s *schema.Schema, partitions [][]rows.Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tables[name]; exists {
		return errors.Newf(errors.ErrorTypeConflict, "table %q already exists", name)
	}
	if _, exists := c.views[name]; exists {
		return errors.Newf(errors.ErrorTypeConflict, "view %q already exists", name)
	}
	for pi, part := range partitions {
		for _, r := range part {
			if len(r) != len(s.Fields) {
				return errors.Newf(errors.ErrorTypeValidation,
					"table %q partition %d: row has %d values, schema has %d fields",
					name, pi, len(r), len(s.Fields))
			}
		}
	}
	c.tables[name] = &Table{Name: name, Schema: s, Partitions: partitions}
	return nil
}

// Table returns the named table.
func (c *Catalog) Table(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "table %q not found", name)
	}
	return t, nil
}

// HasTable reports whether a table with the name exists.
func (c *Catalog) HasTable(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tables[name]
	return ok
}

// CreateTempView registers a named view over a logical plan.
func (c *Catalog) CreateTempView(name string, p plan.Plan) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tables[name]; exists {
		return errors.Newf(errors.ErrorTypeConflict, "table %q already exists", name)
	}
	c.views[name] = p
	return nil
}

// View returns the plan behind a temp view.
func (c *Catalog) View(name string) (plan.Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.views[name]
	return p, ok
}

// DropTempView removes a temp view; dependent cache entries are released.
func (c *Catalog) DropTempView(ctx context.Context, name string) error {
	c.mu.Lock()
	_, ok := c.views[name]
	if ok {
		delete(c.views, name)
	}
	uncacher := c.uncacher
	c.mu.Unlock()
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "view %q not found", name)
	}
	if uncacher != nil {
		return uncacher.ReleaseTable(ctx, name, true)
	}
	return nil
}

// DropTable removes a table, its dependent temp views and, through the
// uncacher, every cache entry reading it.
func (c *Catalog) DropTable(ctx context.Context, name string) error {
	c.mu.Lock()
	if _, ok := c.tables[name]; !ok {
		c.mu.Unlock()
		return errors.Newf(errors.ErrorTypeNotFound, "table %q not found", name)
	}
	delete(c.tables, name)
	for viewName, viewPlan := range c.views {
		if _, depends := plan.Tables(viewPlan)[name]; depends {
			delete(c.views, viewName)
		}
	}
	uncacher := c.uncacher
	c.mu.Unlock()

	c.log.Info("table dropped", zap.String("table", name))
	if uncacher != nil {
		return uncacher.ReleaseTable(ctx, name, true)
	}
	return nil
}

// Resolve turns a table or view name into a plan.
func (c *Catalog) Resolve(name string) (plan.Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.tables[name]; ok {
		return plan.NewScan(name, t.Schema), nil
	}
	if p, ok := c.views[name]; ok {
		return p, nil
	}
	return nil, errors.Newf(errors.ErrorTypeNotFound, "table or view %q not found", name)
}

// Names returns all table names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tables))
	for name := range c.tables {
		out = append(out, name)
	}
	return out
}
