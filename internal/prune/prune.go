// Package prune narrows a predicate over a partitioned table to the set of
// children that can hold matching rows.
//
// The walk is conservative: a clause it cannot evaluate against the partition
// bounds selects every child as lossy, so rows are never pruned away wrongly.
package prune

import (
	"strings"

	"github.com/arkilian/partman/internal/expr"
	"github.com/arkilian/partman/internal/partition"
	"github.com/arkilian/partman/internal/rangeset"
	"github.com/arkilian/partman/pkg/types"
)

// PrunedChild is one child selected by pruning.
type PrunedChild struct {
	ChildID types.OID `json:"child_id"`
	Index   int       `json:"index"`
	// Lossy means rows of the child must be rechecked against the predicate.
	Lossy bool `json:"lossy"`
}

// Prune returns the canonical set of child positions of d that where can
// select. A nil predicate selects every child exactly.
func Prune(d *partition.Descriptor, where expr.Expression) rangeset.List {
	if where == nil {
		return rangeset.Full(d.ChildCount(), false)
	}
	w := walker{d: d}
	return w.walk(where)
}

// PruneText parses where and prunes with it.
func PruneText(d *partition.Descriptor, where string) (rangeset.List, error) {
	if strings.TrimSpace(where) == "" {
		return Prune(d, nil), nil
	}
	e, err := expr.Parse(where)
	if err != nil {
		return nil, err
	}
	return Prune(d, e), nil
}

// Children resolves a pruning result to child ids.
func Children(d *partition.Descriptor, list rangeset.List) []PrunedChild {
	out := make([]PrunedChild, 0, rangeset.Length(list))
	for _, r := range list {
		for i := r.Lower; i <= r.Upper; i++ {
			out = append(out, PrunedChild{ChildID: d.Child(i), Index: i, Lossy: r.Lossy})
		}
	}
	return out
}

type walker struct {
	d *partition.Descriptor
}

func (w walker) all() rangeset.List {
	return rangeset.Full(w.d.ChildCount(), true)
}

func (w walker) walk(e expr.Expression) rangeset.List {
	switch n := expr.Strip(e).(type) {
	case *expr.BinaryExpr:
		switch n.Operator {
		case "AND":
			return rangeset.MergeSortedIntersect(w.walk(n.Left), w.walk(n.Right))
		case "OR":
			return rangeset.MergeSortedUnion(w.walk(n.Left), w.walk(n.Right))
		}
		return w.comparison(n)

	case *expr.InExpr:
		if n.Not || !w.isKey(n.Expr) {
			return w.all()
		}
		out := rangeset.List{}
		for _, v := range n.Values {
			out = rangeset.MergeSortedUnion(out, w.compare(partition.OpEqual, v))
		}
		return out

	case *expr.BetweenExpr:
		if n.Not || !w.isKey(n.Expr) {
			return w.all()
		}
		return rangeset.MergeSortedIntersect(
			w.compare(partition.OpGreaterEqual, n.Low),
			w.compare(partition.OpLessEqual, n.High))

	case *expr.Literal:
		if b, ok := n.Value.(bool); ok {
			if b {
				return rangeset.Full(w.d.ChildCount(), false)
			}
			return rangeset.List{}
		}
	}
	return w.all()
}

// comparison handles "key op const" and "const op key".
func (w walker) comparison(n *expr.BinaryExpr) rangeset.List {
	op := n.Operator
	switch {
	case w.isKey(n.Left):
		return w.compare(op, n.Right)
	case w.isKey(n.Right):
		return w.compare(commute(op), n.Left)
	}
	return w.all()
}

// compare selects the children for "key op operand".
func (w walker) compare(op string, operand expr.Expression) rangeset.List {
	switch op {
	case partition.OpLess, partition.OpLessEqual, partition.OpEqual,
		partition.OpGreaterEqual, partition.OpGreater:
	default:
		return w.all()
	}
	lit, ok := expr.ConstantOf(operand)
	if !ok {
		return w.all()
	}
	if lit.IsNull() {
		// A comparison with NULL is never true.
		return rangeset.List{}
	}
	v, err := w.d.TypeInfo().ParseLiteral(lit.Text())
	if err != nil {
		return w.all()
	}
	out := partition.RangeSearch(w.d, op, v)
	if out == nil {
		return rangeset.List{}
	}
	return out
}

func (w walker) isKey(e expr.Expression) bool {
	col, ok := expr.ColumnOf(e)
	return ok && strings.EqualFold(col.Column, w.d.Key.Name)
}

// commute mirrors an operator so that "c op key" reads as "key op' c".
func commute(op string) string {
	switch op {
	case "<":
		return ">"
	case "<=":
		return ">="
	case ">":
		return "<"
	case ">=":
		return "<="
	default:
		return op
	}
}
