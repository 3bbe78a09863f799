package partition

import (
	"sort"

	"github.com/arkilian/partman/internal/bounds"
	"github.com/arkilian/partman/internal/rangeset"
	"github.com/arkilian/partman/pkg/types"
)

// Comparison operators understood by RangeSearch.
const (
	OpLess         = "<"
	OpLessEqual    = "<="
	OpEqual        = "="
	OpGreaterEqual = ">="
	OpGreater      = ">"
)

// MatchRangePartition returns the position of the child whose [Min, Max)
// contains v. A value equal to a boundary belongs to the range starting there.
func MatchRangePartition(d *Descriptor, v types.Value) (int, bool) {
	if !d.IsRange() {
		return -1, false
	}
	// First range whose exclusive upper bound lies above v.
	i := sort.Search(len(d.Ranges), func(i int) bool {
		return d.info.Compare(d.Ranges[i].Max, v) > 0
	})
	if i < len(d.Ranges) && d.info.Compare(d.Ranges[i].Min, v) <= 0 {
		return i, true
	}
	return -1, false
}

// MatchHashPartition returns the hash index of v: the type hash folded into
// the child count. It is -1 when the table has no children.
func MatchHashPartition(d *Descriptor, v types.Value) int {
	if len(d.Children) == 0 {
		return -1
	}
	return bounds.GetHash(d.info.Hash(v), len(d.Children))
}

// RangeSearch returns the children that may hold rows satisfying "key op v".
// A child only partly covered by the condition is returned lossy.
func RangeSearch(d *Descriptor, op string, v types.Value) rangeset.List {
	n := len(d.Children)
	if n == 0 {
		return nil
	}
	if !d.IsRange() {
		if op == OpEqual {
			return rangeset.Single(MatchHashPartition(d, v), false)
		}
		return rangeset.Full(n, true)
	}

	cmp := d.info.Compare
	switch op {
	case OpEqual:
		if i, ok := MatchRangePartition(d, v); ok {
			return rangeset.Single(i, false)
		}
		return nil

	case OpLess, OpLessEqual:
		// Children starting at or below v (strictly below for "<").
		k := sort.Search(n, func(i int) bool {
			c := cmp(d.Ranges[i].Min, v)
			if op == OpLess {
				return c >= 0
			}
			return c > 0
		})
		if k == 0 {
			return nil
		}
		last := k - 1
		exact := cmp(d.Ranges[last].Max, v) <= 0
		return headList(last, exact)

	case OpGreater, OpGreaterEqual:
		k := sort.Search(n, func(i int) bool {
			return cmp(d.Ranges[i].Max, v) > 0
		})
		if k == n {
			return nil
		}
		c := cmp(d.Ranges[k].Min, v)
		exact := c > 0 || (c == 0 && op == OpGreaterEqual)
		return tailList(k, n-1, exact)

	default:
		return rangeset.Full(n, true)
	}
}

// headList covers [0, last] with last lossy unless exact.
func headList(last int, exact bool) rangeset.List {
	if exact {
		return rangeset.List{rangeset.Make(0, last, false)}
	}
	if last == 0 {
		return rangeset.Single(0, true)
	}
	return rangeset.List{rangeset.Make(0, last-1, false), rangeset.Make(last, last, true)}
}

// tailList covers [first, last] with first lossy unless exact.
func tailList(first, last int, exact bool) rangeset.List {
	if exact {
		return rangeset.List{rangeset.Make(first, last, false)}
	}
	if first == last {
		return rangeset.Single(first, true)
	}
	return rangeset.List{rangeset.Make(first, first, true), rangeset.Make(first+1, last, false)}
}
