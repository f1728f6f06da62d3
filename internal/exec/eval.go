package exec

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tesseract-db/tesseract/pkg/errors"
	"github.com/tesseract-db/tesseract/pkg/plan"
	"github.com/tesseract-db/tesseract/pkg/rows"
	"github.com/tesseract-db/tesseract/pkg/schema"
)

// evalExpr evaluates an expression against one row. Predicates follow
// three-valued logic: a comparison with a NULL operand yields nil, and nil
// never passes a filter.
func evalExpr(expr plan.Expr, row rows.Row, s *schema.Schema) (interface{}, error) {
	switch e := expr.(type) {
	case *plan.ColumnRef:
		idx := s.IndexOf(e.Name)
		if idx < 0 {
			return nil, errors.Newf(errors.ErrorTypeQuery, "unknown column %q", e.Name)
		}
		return row[idx], nil
	case *plan.Literal:
		return e.Value, nil
	case *plan.Compare:
		left, err := evalExpr(e.Left, row, s)
		if err != nil {
			return nil, err
		}
		right, err := evalExpr(e.Right, row, s)
		if err != nil {
			return nil, err
		}
		if left == nil || right == nil {
			return nil, nil
		}
		c, err := compareValues(left, right)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case plan.OpEq:
			return c == 0, nil
		case plan.OpNe:
			return c != 0, nil
		case plan.OpLt:
			return c < 0, nil
		case plan.OpLe:
			return c <= 0, nil
		case plan.OpGt:
			return c > 0, nil
		case plan.OpGe:
			return c >= 0, nil
		default:
			return nil, errors.Newf(errors.ErrorTypeQuery, "unknown operator %q", e.Op)
		}
	case *plan.And:
		sawNil := false
		for _, op := range e.Operands {
			v, err := evalExpr(op, row, s)
			if err != nil {
				return nil, err
			}
			if v == nil {
				sawNil = true
			} else if !truthy(v) {
				return false, nil
			}
		}
		if sawNil {
			return nil, nil
		}
		return true, nil
	case *plan.Or:
		sawNil := false
		for _, op := range e.Operands {
			v, err := evalExpr(op, row, s)
			if err != nil {
				return nil, err
			}
			if v == nil {
				sawNil = true
			} else if truthy(v) {
				return true, nil
			}
		}
		if sawNil {
			return nil, nil
		}
		return false, nil
	case *plan.Not:
		v, err := evalExpr(e.Operand, row, s)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, nil
		}
		return !truthy(v), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeQuery, "unsupported expression %T", expr)
	}
}

func truthy(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}

// compareValues orders two non-nil values of the same dynamic type.
func compareValues(a, b interface{}) (int, error) {
	if a == nil || b == nil {
		// nil sorts before any value; the caller decides predicate semantics.
		switch {
		case a == nil && b == nil:
			return 0, nil
		case a == nil:
			return -1, nil
		default:
			return 1, nil
		}
	}
	switch av := a.(type) {
	case int64:
		bv, ok := b.(int64)
		if !ok {
			return 0, typeMismatch(a, b)
		}
		return cmpOrdered(av, bv), nil
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, typeMismatch(a, b)
		}
		return cmpOrdered(av, bv), nil
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, typeMismatch(a, b)
		}
		return strings.Compare(av, bv), nil
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, typeMismatch(a, b)
		}
		switch {
		case av == bv:
			return 0, nil
		case !av:
			return -1, nil
		default:
			return 1, nil
		}
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, typeMismatch(a, b)
		}
		switch {
		case av.Before(bv):
			return -1, nil
		case av.After(bv):
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, errors.Newf(errors.ErrorTypeQuery, "uncomparable value type %T", a)
	}
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func typeMismatch(a, b interface{}) error {
	return errors.Newf(errors.ErrorTypeQuery, "cannot compare %T with %T", a, b)
}

// aggState accumulates one aggregate output column for one group.
type aggState struct {
	count    int64
	sumInt   int64
	sumFloat float64
	sawFloat bool
	min, max interface{}
}

func (st *aggState) update(fn plan.AggFunc, v interface{}, countAll bool) error {
	if countAll {
		st.count++
		return nil
	}
	if v == nil {
		return nil
	}
	st.count++
	switch fn {
	case plan.AggCount:
	case plan.AggSum, plan.AggAvg:
		switch n := v.(type) {
		case int64:
			st.sumInt += n
		case float64:
			st.sumFloat += n
			st.sawFloat = true
		default:
			return errors.Newf(errors.ErrorTypeQuery, "cannot sum value of type %T", v)
		}
	case plan.AggMin:
		if st.min == nil {
			st.min = v
		} else if c, err := compareValues(v, st.min); err != nil {
			return err
		} else if c < 0 {
			st.min = v
		}
	case plan.AggMax:
		if st.max == nil {
			st.max = v
		} else if c, err := compareValues(v, st.max); err != nil {
			return err
		} else if c > 0 {
			st.max = v
		}
	default:
		return errors.Newf(errors.ErrorTypeQuery, "unknown aggregate %q", fn)
	}
	return nil
}

func (st *aggState) finalize(fn plan.AggFunc) interface{} {
	switch fn {
	case plan.AggCount:
		return st.count
	case plan.AggSum:
		if st.count == 0 {
			return nil
		}
		if st.sawFloat {
			return st.sumFloat
		}
		return st.sumInt
	case plan.AggAvg:
		if st.count == 0 {
			return nil
		}
		total := st.sumFloat
		if !st.sawFloat {
			total = float64(st.sumInt)
		}
		return total / float64(st.count)
	case plan.AggMin:
		return st.min
	case plan.AggMax:
		return st.max
	default:
		return nil
	}
}

// group holds one grouping key's values and aggregate states, in first-seen
// order.
type group struct {
	keyVals []interface{}
	states  []aggState
}

func (e *Engine) executeAggregate(ctx context.Context, n *plan.Aggregate) ([]rows.Iterator, error) {
	all, err := e.drainChild(ctx, n.Child)
	if err != nil {
		return nil, err
	}
	child := n.Child.Schema()

	groupIdx := make([]int, len(n.GroupBy))
	for i, g := range n.GroupBy {
		idx := child.IndexOf(g)
		if idx < 0 {
			return nil, errors.Newf(errors.ErrorTypeQuery, "unknown group column %q", g)
		}
		groupIdx[i] = idx
	}
	aggIdx := make([]int, len(n.Aggs))
	for i, spec := range n.Aggs {
		if spec.Column == "*" {
			aggIdx[i] = -1
			continue
		}
		idx := child.IndexOf(spec.Column)
		if idx < 0 {
			return nil, errors.Newf(errors.ErrorTypeQuery, "unknown aggregate column %q", spec.Column)
		}
		aggIdx[i] = idx
	}

	groups := make(map[string]*group)
	var order []string
	for _, r := range all {
		key := groupKey(r, groupIdx)
		g, ok := groups[key]
		if !ok {
			keyVals := make([]interface{}, len(groupIdx))
			for i, idx := range groupIdx {
				keyVals[i] = r[idx]
			}
			g = &group{keyVals: keyVals, states: make([]aggState, len(n.Aggs))}
			groups[key] = g
			order = append(order, key)
		}
		for i, spec := range n.Aggs {
			var v interface{}
			countAll := aggIdx[i] < 0
			if !countAll {
				v = r[aggIdx[i]]
			}
			if err := g.states[i].update(spec.Fn, v, countAll); err != nil {
				return nil, err
			}
		}
	}
	// A global aggregate over zero rows still yields one output row.
	if len(n.GroupBy) == 0 && len(order) == 0 {
		groups[""] = &group{states: make([]aggState, len(n.Aggs))}
		order = append(order, "")
	}

	out := make([]rows.Row, 0, len(order))
	for _, key := range order {
		g := groups[key]
		row := make(rows.Row, 0, len(n.GroupBy)+len(n.Aggs))
		row = append(row, g.keyVals...)
		for i, spec := range n.Aggs {
			row = append(row, g.states[i].finalize(spec.Fn))
		}
		out = append(out, row)
	}
	return e.single(n.Schema(), out), nil
}

func groupKey(r rows.Row, indices []int) string {
	var b strings.Builder
	for _, idx := range indices {
		fmt.Fprintf(&b, "%#v|", r[idx])
	}
	return b.String()
}
