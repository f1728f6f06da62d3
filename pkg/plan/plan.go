package plan

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/tesseract-db/tesseract/pkg/schema"
)

// Plan is a logical query plan node. Implementations are tagged variants;
// there is one struct per node kind. Plans are immutable once built: rewrites
// produce new trees via WithChildren.
type Plan interface {
	// Schema returns the output schema of the node.
	Schema() *schema.Schema
	// Children returns the child plans in order.
	Children() []Plan
	// WithChildren returns a copy of the node with the given children.
	WithChildren(children []Plan) Plan
	// Canonical returns a normalized copy of the subtree: aliases stripped,
	// commutative predicate operands ordered. Two plans are equivalent iff
	// their canonical forms are structurally equal.
	Canonical() Plan
	// String renders the subtree deterministically. Canonical renderings of
	// equivalent plans are identical, so String doubles as the equality key.
	String() string
}

// Equal reports whether two plans are equivalent after canonicalization.
func Equal(a, b Plan) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Canonical().String() == b.Canonical().String()
}

// Fingerprint returns a 64-bit hash of the plan's canonical form. It is an
// index hint only: callers must confirm matches with Equal.
func Fingerprint(p Plan) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p.Canonical().String()))
	return h.Sum64()
}

// Scan reads a base table. Alias carries a query-level name for the table and
// is ignored by canonicalization.
type Scan struct {
	Table       string
	Alias       string
	TableSchema *schema.Schema
}

// NewScan creates a table scan node.
func NewScan(table string, s *schema.Schema) *Scan {
	return &Scan{Table: table, TableSchema: s}
}

// Schema returns the table schema.
func (s *Scan) Schema() *schema.Schema { return s.TableSchema }

// Children returns no children; scans are leaves.
func (s *Scan) Children() []Plan { return nil }

// WithChildren returns the scan unchanged; scans have no children.
func (s *Scan) WithChildren(children []Plan) Plan {
	if len(children) != 0 {
		panic("scan takes no children")
	}
	return s
}

// Canonical strips the alias.
func (s *Scan) Canonical() Plan {
	if s.Alias == "" {
		return s
	}
	return &Scan{Table: s.Table, TableSchema: s.TableSchema}
}

func (s *Scan) String() string {
	if s.Alias != "" {
		return fmt.Sprintf("scan(%s as %s)", s.Table, s.Alias)
	}
	return fmt.Sprintf("scan(%s)", s.Table)
}

// Filter keeps rows of the child for which the predicate evaluates to true.
type Filter struct {
	Pred  Expr
	Child Plan
}

// NewFilter creates a filter node.
func NewFilter(pred Expr, child Plan) *Filter {
	return &Filter{Pred: pred, Child: child}
}

// Schema returns the child schema; filtering does not change layout.
func (f *Filter) Schema() *schema.Schema { return f.Child.Schema() }

// Children returns the single child.
func (f *Filter) Children() []Plan { return []Plan{f.Child} }

// WithChildren replaces the child.
func (f *Filter) WithChildren(children []Plan) Plan {
	if len(children) != 1 {
		panic("filter takes exactly one child")
	}
	return &Filter{Pred: f.Pred, Child: children[0]}
}

// Canonical normalizes the predicate and the child.
func (f *Filter) Canonical() Plan {
	return &Filter{Pred: f.Pred.Canonical(), Child: f.Child.Canonical()}
}

func (f *Filter) String() string {
	return fmt.Sprintf("filter[%s](%s)", f.Pred.String(), f.Child.String())
}

// Project narrows the child output to the named columns, in order.
type Project struct {
	Columns []string
	Child   Plan
}

// NewProject creates a projection node. It panics if a column is unknown;
// plans are built from catalog schemas, so unknown columns are programmer
// errors.
func NewProject(columns []string, child Plan) *Project {
	for _, c := range columns {
		if child.Schema().IndexOf(c) < 0 {
			panic(fmt.Sprintf("project: unknown column %q", c))
		}
	}
	return &Project{Columns: columns, Child: child}
}

// Schema returns the projected schema.
func (p *Project) Schema() *schema.Schema {
	s, err := p.Child.Schema().Project(p.Columns)
	if err != nil {
		panic(err)
	}
	return s
}

// Children returns the single child.
func (p *Project) Children() []Plan { return []Plan{p.Child} }

// WithChildren replaces the child.
func (p *Project) WithChildren(children []Plan) Plan {
	if len(children) != 1 {
		panic("project takes exactly one child")
	}
	return &Project{Columns: p.Columns, Child: children[0]}
}

// Canonical normalizes the child. Column order is significant and preserved.
func (p *Project) Canonical() Plan {
	return &Project{Columns: p.Columns, Child: p.Child.Canonical()}
}

func (p *Project) String() string {
	return fmt.Sprintf("project[%s](%s)", strings.Join(p.Columns, ","), p.Child.String())
}

// AggFunc is an aggregate function name.
type AggFunc string

const (
	// AggCount counts non-null values, or all rows for column "*"
	AggCount AggFunc = "count"
	// AggSum sums numeric values
	AggSum AggFunc = "sum"
	// AggMin takes the minimum value
	AggMin AggFunc = "min"
	// AggMax takes the maximum value
	AggMax AggFunc = "max"
	// AggAvg averages numeric values
	AggAvg AggFunc = "avg"
)

// AggSpec is a single aggregate output column.
type AggSpec struct {
	Fn     AggFunc
	Column string // "*" is legal for count
	As     string // output column name
}

// Aggregate groups the child by the GroupBy columns and computes aggregates.
type Aggregate struct {
	GroupBy []string
	Aggs    []AggSpec
	Child   Plan
}

// NewAggregate creates an aggregation node.
func NewAggregate(groupBy []string, aggs []AggSpec, child Plan) *Aggregate {
	return &Aggregate{GroupBy: groupBy, Aggs: aggs, Child: child}
}

// Schema returns group-by columns followed by aggregate outputs.
func (a *Aggregate) Schema() *schema.Schema {
	fields := make([]schema.Field, 0, len(a.GroupBy)+len(a.Aggs))
	child := a.Child.Schema()
	for _, g := range a.GroupBy {
		f, ok := child.Field(g)
		if !ok {
			panic(fmt.Sprintf("aggregate: unknown group column %q", g))
		}
		fields = append(fields, f)
	}
	for _, spec := range a.Aggs {
		fields = append(fields, schema.Field{Name: spec.As, Type: aggType(spec, child)})
	}
	return &schema.Schema{Fields: fields}
}

func aggType(spec AggSpec, child *schema.Schema) schema.Type {
	switch spec.Fn {
	case AggCount:
		return schema.TypeInt
	case AggAvg:
		return schema.TypeFloat
	default:
		if f, ok := child.Field(spec.Column); ok {
			return f.Type
		}
		return schema.TypeFloat
	}
}

// Children returns the single child.
func (a *Aggregate) Children() []Plan { return []Plan{a.Child} }

// WithChildren replaces the child.
func (a *Aggregate) WithChildren(children []Plan) Plan {
	if len(children) != 1 {
		panic("aggregate takes exactly one child")
	}
	return &Aggregate{GroupBy: a.GroupBy, Aggs: a.Aggs, Child: children[0]}
}

// Canonical normalizes the child. Group and aggregate order are significant:
// they determine output column order.
func (a *Aggregate) Canonical() Plan {
	return &Aggregate{GroupBy: a.GroupBy, Aggs: a.Aggs, Child: a.Child.Canonical()}
}

func (a *Aggregate) String() string {
	aggs := make([]string, len(a.Aggs))
	for i, spec := range a.Aggs {
		aggs[i] = fmt.Sprintf("%s(%s) as %s", spec.Fn, spec.Column, spec.As)
	}
	return fmt.Sprintf("agg[by=%s aggs=%s](%s)",
		strings.Join(a.GroupBy, ","), strings.Join(aggs, ";"), a.Child.String())
}

// SortKey orders by one column.
type SortKey struct {
	Column string
	Desc   bool
}

// Sort orders the child output by the given keys.
type Sort struct {
	Keys  []SortKey
	Child Plan
}

// NewSort creates a sort node.
func NewSort(keys []SortKey, child Plan) *Sort {
	return &Sort{Keys: keys, Child: child}
}

// Schema returns the child schema.
func (s *Sort) Schema() *schema.Schema { return s.Child.Schema() }

// Children returns the single child.
func (s *Sort) Children() []Plan { return []Plan{s.Child} }

// WithChildren replaces the child.
func (s *Sort) WithChildren(children []Plan) Plan {
	if len(children) != 1 {
		panic("sort takes exactly one child")
	}
	return &Sort{Keys: s.Keys, Child: children[0]}
}

// Canonical normalizes the child; key order is significant.
func (s *Sort) Canonical() Plan {
	return &Sort{Keys: s.Keys, Child: s.Child.Canonical()}
}

func (s *Sort) String() string {
	keys := make([]string, len(s.Keys))
	for i, k := range s.Keys {
		dir := "asc"
		if k.Desc {
			dir = "desc"
		}
		keys[i] = k.Column + " " + dir
	}
	return fmt.Sprintf("sort[%s](%s)", strings.Join(keys, ","), s.Child.String())
}

// Limit passes through at most Count rows of the child.
type Limit struct {
	Count int
	Child Plan
}

// NewLimit creates a limit node.
func NewLimit(count int, child Plan) *Limit {
	return &Limit{Count: count, Child: child}
}

// Schema returns the child schema.
func (l *Limit) Schema() *schema.Schema { return l.Child.Schema() }

// Children returns the single child.
func (l *Limit) Children() []Plan { return []Plan{l.Child} }

// WithChildren replaces the child.
func (l *Limit) WithChildren(children []Plan) Plan {
	if len(children) != 1 {
		panic("limit takes exactly one child")
	}
	return &Limit{Count: l.Count, Child: children[0]}
}

// Canonical normalizes the child.
func (l *Limit) Canonical() Plan {
	return &Limit{Count: l.Count, Child: l.Child.Canonical()}
}

func (l *Limit) String() string {
	return fmt.Sprintf("limit[%d](%s)", l.Count, l.Child.String())
}

// Transform rewrites a plan top-down: f is applied to each node; when f
// returns a replacement (done=true) the subtree below it is not visited.
func Transform(p Plan, f func(Plan) (Plan, bool)) Plan {
	if replaced, done := f(p); done {
		return replaced
	}
	children := p.Children()
	if len(children) == 0 {
		return p
	}
	rewritten := make([]Plan, len(children))
	changed := false
	for i, c := range children {
		rewritten[i] = Transform(c, f)
		if rewritten[i] != c {
			changed = true
		}
	}
	if !changed {
		return p
	}
	return p.WithChildren(rewritten)
}

// Tables returns the set of base table names referenced by the plan.
func Tables(p Plan) map[string]struct{} {
	out := map[string]struct{}{}
	var walk func(Plan)
	walk = func(n Plan) {
		if s, ok := n.(*Scan); ok {
			out[s.Table] = struct{}{}
		}
		for _, c := range n.Children() {
			walk(c)
		}
	}
	walk(p)
	return out
}
