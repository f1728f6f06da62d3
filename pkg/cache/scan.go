package cache

import (
	"context"
	"fmt"

	"github.com/tesseract-db/tesseract/pkg/columnar"
	"github.com/tesseract-db/tesseract/pkg/columnar/encoding"
	"github.com/tesseract-db/tesseract/pkg/errors"
	"github.com/tesseract-db/tesseract/pkg/plan"
	"github.com/tesseract-db/tesseract/pkg/rows"
	"github.com/tesseract-db/tesseract/pkg/schema"
)

// ScanNode is the logical plan node substituted for a cached sub-plan during
// rewriting. Columns narrows the output to the named columns in order (nil
// keeps the full schema); Pred, when set, is used for block-level pruning
// only: it is advisory, and an enclosing filter still applies it exactly.
type ScanNode struct {
	Relation *CachedRelation
	Columns  []string
	Pred     plan.Expr
}

// NewScanNode creates a scan over a cached relation.
func NewScanNode(rel *CachedRelation, columns []string, pred plan.Expr) *ScanNode {
	return &ScanNode{Relation: rel, Columns: columns, Pred: pred}
}

// Schema returns the projected schema, or the relation schema when no
// projection is set.
func (s *ScanNode) Schema() *schema.Schema {
	if s.Columns == nil {
		return s.Relation.Schema()
	}
	projected, err := s.Relation.Schema().Project(s.Columns)
	if err != nil {
		panic(err)
	}
	return projected
}

// Children returns no children; cached scans are leaves.
func (s *ScanNode) Children() []plan.Plan { return nil }

// WithChildren returns the node unchanged.
func (s *ScanNode) WithChildren(children []plan.Plan) plan.Plan {
	if len(children) != 0 {
		panic("cached scan takes no children")
	}
	return s
}

// Canonical returns the node unchanged. Rewritten plans are executed, not
// re-registered, so cached scans never participate in entry matching.
func (s *ScanNode) Canonical() plan.Plan { return s }

func (s *ScanNode) String() string {
	return fmt.Sprintf("cached_scan(%s)", s.Relation.ID())
}

// Scan reads the relation's blocks, materializing first if the relation is
// lazy and this is the first read. The returned iterator prunes blocks whose
// statistics prove the predicate unsatisfiable and decodes only the requested
// columns. Scanning is read-only and re-runnable; concurrent scans of the
// same relation are safe.
func (s *ScanNode) Scan(ctx context.Context) (rows.Iterator, error) {
	if err := s.Relation.Materialize(ctx); err != nil {
		return nil, err
	}
	outSchema := s.Schema()
	pred := s.Pred
	if pred != nil {
		pred = pred.Canonical()
	}
	return &scanIterator{
		ctx:       ctx,
		relation:  s.Relation,
		blocks:    s.Relation.Blocks(),
		outSchema: outSchema,
		pred:      pred,
	}, nil
}

type scanIterator struct {
	ctx       context.Context
	relation  *CachedRelation
	blocks    []columnar.BlockID
	outSchema *schema.Schema
	pred      plan.Expr
	pos       int
}

// Next returns the rows of the next surviving block as one batch.
func (it *scanIterator) Next() (*rows.Batch, error) {
	for it.pos < len(it.blocks) {
		id := it.blocks[it.pos]
		it.pos++

		block, ok, err := it.relation.store.Get(it.ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Block evicted under a racing release: a clean fetch failure.
			return nil, errors.New(errors.ErrorTypeStorage, "cached block no longer materialized").
				WithDetail("block", id.String())
		}
		if it.pred != nil && blockProvablyEmpty(block, it.pred) {
			it.relation.collector.RecordBlockSkipped()
			continue
		}
		batch, err := decodeBlock(block, it.outSchema)
		if err != nil {
			return nil, err
		}
		return batch, nil
	}
	return nil, nil
}

// Close releases the iterator.
func (it *scanIterator) Close() error {
	it.blocks = nil
	return nil
}

// decodeBlock reconstructs rows for the requested columns only.
func decodeBlock(block *columnar.Block, out *schema.Schema) (*rows.Batch, error) {
	cols := make([][]interface{}, len(out.Fields))
	for i, f := range out.Fields {
		col := block.Column(f.Name)
		if col == nil {
			return nil, errors.Newf(errors.ErrorTypeStorage, "block %s has no column %q", block.ID, f.Name)
		}
		values, err := encoding.DecodeColumn(col, block.RowCount)
		if err != nil {
			return nil, err
		}
		cols[i] = values
	}

	batch := rows.NewBatch(out, block.RowCount)
	for r := 0; r < block.RowCount; r++ {
		row := make(rows.Row, len(cols))
		for c := range cols {
			row[c] = cols[c][r]
		}
		batch.Append(row)
	}
	return batch, nil
}

// blockProvablyEmpty reports whether the block's min/max statistics prove
// that no row can satisfy the predicate. It is conservative: any expression
// it cannot reason about keeps the block.
func blockProvablyEmpty(block *columnar.Block, e plan.Expr) bool {
	switch expr := e.(type) {
	case *plan.And:
		for _, op := range expr.Operands {
			if blockProvablyEmpty(block, op) {
				return true
			}
		}
		return false
	case *plan.Or:
		for _, op := range expr.Operands {
			if !blockProvablyEmpty(block, op) {
				return false
			}
		}
		return len(expr.Operands) > 0
	case *plan.Compare:
		return compareProvablyEmpty(block, expr)
	default:
		return false
	}
}

func compareProvablyEmpty(block *columnar.Block, cmp *plan.Compare) bool {
	colRef, ok := cmp.Left.(*plan.ColumnRef)
	if !ok {
		return false
	}
	lit, ok := cmp.Right.(*plan.Literal)
	if !ok || lit.Value == nil {
		return false
	}
	col := block.Column(colRef.Name)
	if col == nil {
		return false
	}
	// A column with no non-null values cannot satisfy any comparison.
	if col.Stats.Min == nil || col.Stats.Max == nil {
		return col.Stats.NullCount == block.RowCount
	}
	if !literalMatchesType(col.Type, lit.Value) {
		return false
	}

	minCmp := encoding.CompareValues(col.Type, lit.Value, col.Stats.Min)
	maxCmp := encoding.CompareValues(col.Type, lit.Value, col.Stats.Max)

	switch cmp.Op {
	case plan.OpEq:
		return minCmp < 0 || maxCmp > 0
	case plan.OpNe:
		// Only an all-equal block is provably empty for !=.
		return minCmp == 0 && maxCmp == 0 &&
			encoding.CompareValues(col.Type, col.Stats.Min, col.Stats.Max) == 0 &&
			col.Stats.NullCount == 0
	case plan.OpLt:
		return minCmp <= 0
	case plan.OpLe:
		return minCmp < 0
	case plan.OpGt:
		return maxCmp >= 0
	case plan.OpGe:
		return maxCmp > 0
	default:
		return false
	}
}

func literalMatchesType(t schema.Type, v interface{}) bool {
	f := schema.Field{Name: "_", Type: t}
	return f.ValidateValue(v) == nil
}
