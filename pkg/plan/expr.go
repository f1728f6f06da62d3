// Package plan defines the logical query plan model: a tree of tagged plan
// node variants plus scalar expressions. Plans are structurally comparable
// after canonicalization, which is the basis for cache-entry matching.
package plan

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// CompareOp is a comparison operator in a predicate.
type CompareOp string

const (
	// OpEq is equality (=)
	OpEq CompareOp = "="
	// OpNe is inequality (!=)
	OpNe CompareOp = "!="
	// OpLt is less-than (<)
	OpLt CompareOp = "<"
	// OpLe is less-or-equal (<=)
	OpLe CompareOp = "<="
	// OpGt is greater-than (>)
	OpGt CompareOp = ">"
	// OpGe is greater-or-equal (>=)
	OpGe CompareOp = ">="
)

// flip returns the operator with its operands exchanged.
func (op CompareOp) flip() CompareOp {
	switch op {
	case OpLt:
		return OpGt
	case OpLe:
		return OpGe
	case OpGt:
		return OpLt
	case OpGe:
		return OpLe
	default:
		return op
	}
}

// Expr is a scalar expression appearing in filters and projections.
type Expr interface {
	// Canonical returns a normalized copy of the expression.
	Canonical() Expr
	// String renders the expression deterministically; canonical strings
	// of equivalent expressions are identical.
	String() string
}

// ColumnRef references a column of the child plan by name.
type ColumnRef struct {
	Name string
}

// Canonical returns the column reference unchanged.
func (c *ColumnRef) Canonical() Expr { return c }

func (c *ColumnRef) String() string { return c.Name }

// Literal is a constant value: nil, bool, int64, float64, string or time.Time.
type Literal struct {
	Value interface{}
}

// Canonical returns the literal unchanged.
func (l *Literal) Canonical() Expr { return l }

func (l *Literal) String() string {
	switch v := l.Value.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", v)
	case time.Time:
		return fmt.Sprintf("ts(%d)", v.UnixNano())
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Compare is a binary comparison between two expressions.
type Compare struct {
	Op    CompareOp
	Left  Expr
	Right Expr
}

// Canonical normalizes operand order so that a column reference, when
// compared against a literal, always appears on the left.
func (c *Compare) Canonical() Expr {
	left := c.Left.Canonical()
	right := c.Right.Canonical()
	op := c.Op
	if _, lit := left.(*Literal); lit {
		if _, col := right.(*ColumnRef); col {
			left, right = right, left
			op = op.flip()
		}
	}
	return &Compare{Op: op, Left: left, Right: right}
}

func (c *Compare) String() string {
	return fmt.Sprintf("(%s %s %s)", c.Left.String(), c.Op, c.Right.String())
}

// And is a conjunction of two or more predicates. Conjunction is commutative;
// canonicalization flattens nested Ands and sorts operands.
type And struct {
	Operands []Expr
}

// Canonical flattens nested conjunctions and orders operands by their
// canonical string, making equivalent conjunctions structurally equal.
func (a *And) Canonical() Expr {
	flat := flattenCanonical(a.Operands, func(e Expr) ([]Expr, bool) {
		if inner, ok := e.(*And); ok {
			return inner.Operands, true
		}
		return nil, false
	})
	if len(flat) == 1 {
		return flat[0]
	}
	return &And{Operands: flat}
}

func (a *And) String() string {
	return joinExprs("and", a.Operands)
}

// Or is a disjunction of two or more predicates, commutative like And.
type Or struct {
	Operands []Expr
}

// Canonical flattens nested disjunctions and orders operands by their
// canonical string.
func (o *Or) Canonical() Expr {
	flat := flattenCanonical(o.Operands, func(e Expr) ([]Expr, bool) {
		if inner, ok := e.(*Or); ok {
			return inner.Operands, true
		}
		return nil, false
	})
	if len(flat) == 1 {
		return flat[0]
	}
	return &Or{Operands: flat}
}

func (o *Or) String() string {
	return joinExprs("or", o.Operands)
}

// Not negates a predicate.
type Not struct {
	Operand Expr
}

// Canonical normalizes the operand.
func (n *Not) Canonical() Expr {
	return &Not{Operand: n.Operand.Canonical()}
}

func (n *Not) String() string {
	return fmt.Sprintf("(not %s)", n.Operand.String())
}

// ExprEqual reports structural equality of two canonical expressions.
func ExprEqual(a, b Expr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

// Col is shorthand for a column reference.
func Col(name string) *ColumnRef { return &ColumnRef{Name: name} }

// Lit is shorthand for a literal.
func Lit(v interface{}) *Literal { return &Literal{Value: v} }

// Cmp is shorthand for a comparison.
func Cmp(op CompareOp, left, right Expr) *Compare {
	return &Compare{Op: op, Left: left, Right: right}
}

func flattenCanonical(operands []Expr, unwrap func(Expr) ([]Expr, bool)) []Expr {
	flat := make([]Expr, 0, len(operands))
	for _, op := range operands {
		c := op.Canonical()
		if inner, ok := unwrap(c); ok {
			flat = append(flat, inner...)
		} else {
			flat = append(flat, c)
		}
	}
	sort.Slice(flat, func(i, j int) bool {
		return flat[i].String() < flat[j].String()
	})
	return flat
}

func joinExprs(op string, operands []Expr) string {
	parts := make([]string, len(operands))
	for i, o := range operands {
		parts[i] = o.String()
	}
	return "(" + op + " " + strings.Join(parts, " ") + ")"
}
