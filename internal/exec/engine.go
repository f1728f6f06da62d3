// Package exec is the local execution engine: it evaluates logical plans
// over catalog tables and yields row batches per partition. Scans, filters
// and projections preserve the source partitioning; aggregates, sorts and
// limits collapse to a single partition.
package exec

import (
	"context"
	"sort"

	"github.com/tesseract-db/tesseract/pkg/cache"
	"github.com/tesseract-db/tesseract/pkg/catalog"
	"github.com/tesseract-db/tesseract/pkg/config"
	"github.com/tesseract-db/tesseract/pkg/errors"
	"github.com/tesseract-db/tesseract/pkg/plan"
	"github.com/tesseract-db/tesseract/pkg/rows"
	"github.com/tesseract-db/tesseract/pkg/schema"
)

// Engine executes logical plans. It implements cache.Executor, so the cache
// manager uses it to materialize relations, and it understands cache scan
// nodes produced by plan rewriting.
type Engine struct {
	catalog   *catalog.Catalog
	batchSize int
}

// New creates an engine over the catalog.
func New(cat *catalog.Catalog, cfg *config.Config) *Engine {
	return &Engine{catalog: cat, batchSize: cfg.Performance.BatchSize}
}

// Execute evaluates the plan and returns one iterator per output partition.
func (e *Engine) Execute(ctx context.Context, p plan.Plan) ([]rows.Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch n := p.(type) {
	case *cache.ScanNode:
		it, err := n.Scan(ctx)
		if err != nil {
			return nil, err
		}
		return []rows.Iterator{it}, nil
	case *plan.Scan:
		return e.executeScan(n)
	case *plan.Filter:
		return e.executeFilter(ctx, n)
	case *plan.Project:
		return e.executeProject(ctx, n)
	case *plan.Aggregate:
		return e.executeAggregate(ctx, n)
	case *plan.Sort:
		return e.executeSort(ctx, n)
	case *plan.Limit:
		return e.executeLimit(ctx, n)
	default:
		return nil, errors.Newf(errors.ErrorTypeQuery, "unsupported plan node %T", p)
	}
}

// Run evaluates the plan and merges all partitions into one iterator, in
// partition order.
func (e *Engine) Run(ctx context.Context, p plan.Plan) (rows.Iterator, error) {
	parts, err := e.Execute(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return &chainIterator{parts: parts}, nil
}

func (e *Engine) executeScan(n *plan.Scan) ([]rows.Iterator, error) {
	tbl, err := e.catalog.Table(n.Table)
	if err != nil {
		return nil, err
	}
	its := make([]rows.Iterator, len(tbl.Partitions))
	for i, part := range tbl.Partitions {
		its[i] = rows.NewSliceIterator(e.batched(tbl.Schema, part))
	}
	return its, nil
}

// batched splits rows into batches of at most batchSize.
func (e *Engine) batched(s *schema.Schema, part []rows.Row) []*rows.Batch {
	size := e.batchSize
	if size <= 0 {
		size = len(part)
	}
	var out []*rows.Batch
	for start := 0; start < len(part); start += size {
		end := start + size
		if end > len(part) {
			end = len(part)
		}
		out = append(out, &rows.Batch{Schema: s, Rows: part[start:end]})
	}
	return out
}

func (e *Engine) executeFilter(ctx context.Context, n *plan.Filter) ([]rows.Iterator, error) {
	parts, err := e.Execute(ctx, n.Child)
	if err != nil {
		return nil, err
	}
	s := n.Child.Schema()
	out := make([]rows.Iterator, len(parts))
	for i, p := range parts {
		out[i] = &filterIterator{src: p, pred: n.Pred, schema: s}
	}
	return out, nil
}

func (e *Engine) executeProject(ctx context.Context, n *plan.Project) ([]rows.Iterator, error) {
	parts, err := e.Execute(ctx, n.Child)
	if err != nil {
		return nil, err
	}
	child := n.Child.Schema()
	indices := make([]int, len(n.Columns))
	for i, c := range n.Columns {
		idx := child.IndexOf(c)
		if idx < 0 {
			return nil, errors.Newf(errors.ErrorTypeQuery, "unknown column %q in projection", c)
		}
		indices[i] = idx
	}
	out := make([]rows.Iterator, len(parts))
	for i, p := range parts {
		out[i] = &projectIterator{src: p, indices: indices, out: n.Schema()}
	}
	return out, nil
}

func (e *Engine) executeSort(ctx context.Context, n *plan.Sort) ([]rows.Iterator, error) {
	all, err := e.drainChild(ctx, n.Child)
	if err != nil {
		return nil, err
	}
	s := n.Child.Schema()
	indices := make([]int, len(n.Keys))
	for i, k := range n.Keys {
		idx := s.IndexOf(k.Column)
		if idx < 0 {
			return nil, errors.Newf(errors.ErrorTypeQuery, "unknown sort column %q", k.Column)
		}
		indices[i] = idx
	}
	var sortErr error
	sort.SliceStable(all, func(a, b int) bool {
		for ki, k := range n.Keys {
			c, err := compareValues(all[a][indices[ki]], all[b][indices[ki]])
			if err != nil {
				sortErr = err
				return false
			}
			if c != 0 {
				if k.Desc {
					return c > 0
				}
				return c < 0
			}
		}
		return false
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return e.single(s, all), nil
}

func (e *Engine) executeLimit(ctx context.Context, n *plan.Limit) ([]rows.Iterator, error) {
	parts, err := e.Execute(ctx, n.Child)
	if err != nil {
		return nil, err
	}
	limited := make([]rows.Row, 0, n.Count)
	for _, p := range parts {
		if len(limited) >= n.Count {
			_ = p.Close()
			continue
		}
		all, err := rows.Drain(p)
		if err != nil {
			return nil, err
		}
		remaining := n.Count - len(limited)
		if len(all) > remaining {
			all = all[:remaining]
		}
		limited = append(limited, all...)
	}
	return e.single(n.Schema(), limited), nil
}

func (e *Engine) drainChild(ctx context.Context, child plan.Plan) ([]rows.Row, error) {
	parts, err := e.Execute(ctx, child)
	if err != nil {
		return nil, err
	}
	var all []rows.Row
	for _, p := range parts {
		part, err := rows.Drain(p)
		if err != nil {
			return nil, err
		}
		all = append(all, part...)
	}
	return all, nil
}

func (e *Engine) single(s *schema.Schema, data []rows.Row) []rows.Iterator {
	return []rows.Iterator{rows.NewSliceIterator(e.batched(s, data))}
}

type filterIterator struct {
	src    rows.Iterator
	pred   plan.Expr
	schema *schema.Schema
}

func (it *filterIterator) Next() (*rows.Batch, error) {
	for {
		batch, err := it.src.Next()
		if err != nil || batch == nil {
			return nil, err
		}
		kept := make([]rows.Row, 0, len(batch.Rows))
		for _, r := range batch.Rows {
			v, err := evalExpr(it.pred, r, it.schema)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				kept = append(kept, r)
			}
		}
		if len(kept) > 0 {
			return &rows.Batch{Schema: batch.Schema, Rows: kept}, nil
		}
	}
}

func (it *filterIterator) Close() error { return it.src.Close() }

type projectIterator struct {
	src     rows.Iterator
	indices []int
	out     *schema.Schema
}

func (it *projectIterator) Next() (*rows.Batch, error) {
	batch, err := it.src.Next()
	if err != nil || batch == nil {
		return nil, err
	}
	projected := make([]rows.Row, len(batch.Rows))
	for i, r := range batch.Rows {
		row := make(rows.Row, len(it.indices))
		for j, idx := range it.indices {
			row[j] = r[idx]
		}
		projected[i] = row
	}
	return &rows.Batch{Schema: it.out, Rows: projected}, nil
}

func (it *projectIterator) Close() error { return it.src.Close() }

// chainIterator concatenates partition iterators in order.
type chainIterator struct {
	parts []rows.Iterator
	pos   int
}

func (it *chainIterator) Next() (*rows.Batch, error) {
	for it.pos < len(it.parts) {
		batch, err := it.parts[it.pos].Next()
		if err != nil {
			return nil, err
		}
		if batch != nil {
			return batch, nil
		}
		_ = it.parts[it.pos].Close()
		it.pos++
	}
	return nil, nil
}

func (it *chainIterator) Close() error {
	var firstErr error
	for ; it.pos < len(it.parts); it.pos++ {
		if err := it.parts[it.pos].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
