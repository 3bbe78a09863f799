// Package rangeset implements the algebra over sorted sequences of tagged
// child-index intervals that partition pruning results are expressed in.
//
// A List is canonical when its ranges are ascending, pairwise disjoint, and no
// two touching ranges carry the same Lossy flag. Every operation here accepts
// canonical lists and returns canonical lists. The package holds no state and
// is safe for concurrent use.
package rangeset

import (
	"fmt"
	"sort"
	"strings"
)

// IndexRange is an inclusive interval of child indexes. Lossy means rows of
// the covered children must be rechecked against the original predicate.
type IndexRange struct {
	Lower int
	Upper int
	Lossy bool
}

// List is a sequence of index ranges.
type List []IndexRange

// Make returns the range [lower, upper]. It panics if lower > upper.
func Make(lower, upper int, lossy bool) IndexRange {
	if lower > upper {
		panic(fmt.Sprintf("rangeset: invalid range [%d, %d]", lower, upper))
	}
	return IndexRange{Lower: lower, Upper: upper, Lossy: lossy}
}

// Len is the number of indexes covered by r.
func (r IndexRange) Len() int {
	return r.Upper - r.Lower + 1
}

// Contains reports whether index lies in r.
func (r IndexRange) Contains(index int) bool {
	return r.Lower <= index && index <= r.Upper
}

func (r IndexRange) String() string {
	if r.Lossy {
		return fmt.Sprintf("%d..%d~", r.Lower, r.Upper)
	}
	return fmt.Sprintf("%d..%d", r.Lower, r.Upper)
}

// Intersects reports whether a and b share at least one index.
func Intersects(a, b IndexRange) bool {
	return a.Lower <= b.Upper && b.Lower <= a.Upper
}

// AdjacentOrOverlapping reports whether a and b share an index or touch
// end to end, so that their union is a single interval.
func AdjacentOrOverlapping(a, b IndexRange) bool {
	return a.Lower <= b.Upper+1 && b.Lower <= a.Upper+1
}

// Union returns the smallest range covering a and b. Both must carry the
// same Lossy flag; Union panics otherwise.
func Union(a, b IndexRange) IndexRange {
	if a.Lossy != b.Lossy {
		panic(fmt.Sprintf("rangeset: union of %v and %v with different lossy flags", a, b))
	}
	return IndexRange{Lower: min(a.Lower, b.Lower), Upper: max(a.Upper, b.Upper), Lossy: a.Lossy}
}

// Intersect returns the common part of a and b. The result is lossy when
// either side is. Callers check Intersects first.
func Intersect(a, b IndexRange) IndexRange {
	return IndexRange{
		Lower: max(a.Lower, b.Lower),
		Upper: min(a.Upper, b.Upper),
		Lossy: a.Lossy || b.Lossy,
	}
}

// builder appends ranges in ascending order, coalescing touching ranges
// with equal flags.
type builder struct {
	out List
}

func (b *builder) emit(r IndexRange) {
	if n := len(b.out); n > 0 {
		last := &b.out[n-1]
		if last.Lossy == r.Lossy && AdjacentOrOverlapping(*last, r) {
			*last = Union(*last, r)
			return
		}
	}
	b.out = append(b.out, r)
}

// MergeSortedUnion returns the canonical union of two canonical lists.
// Indexes covered by both inputs are lossy if either input marks them lossy.
// Where an exact range meets a lossy one, the exact part is split off and
// kept as narrow as possible.
func MergeSortedUnion(a, b List) List {
	var (
		out  builder
		acc  IndexRange
		have bool
		i, j int
	)

	for i < len(a) || j < len(b) {
		var next IndexRange
		// Ties on the lower bound take from a first.
		if j >= len(b) || (i < len(a) && a[i].Lower <= b[j].Lower) {
			next = a[i]
			i++
		} else {
			next = b[j]
			j++
		}

		if !have {
			acc, have = next, true
			continue
		}

		switch {
		case !AdjacentOrOverlapping(acc, next):
			out.emit(acc)
			acc = next
		case acc.Lossy == next.Lossy:
			acc = Union(acc, next)
		case !Intersects(acc, next):
			out.emit(acc)
			acc = next
		case !acc.Lossy:
			// exact accumulator, lossy candidate
			if next.Lower > acc.Lower {
				out.emit(Make(acc.Lower, next.Lower-1, false))
			}
			if acc.Upper > next.Upper {
				out.emit(next)
				acc = Make(next.Upper+1, acc.Upper, false)
			} else {
				acc = next
			}
		default:
			// lossy accumulator, exact candidate
			if next.Upper > acc.Upper {
				out.emit(acc)
				acc = Make(acc.Upper+1, next.Upper, false)
			}
		}
	}

	if have {
		out.emit(acc)
	}
	return out.out
}

// MergeSortedIntersect returns the canonical intersection of two canonical
// lists in linear time.
func MergeSortedIntersect(a, b List) List {
	var out builder
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ra, rb := a[i], b[j]
		if Intersects(ra, rb) {
			out.emit(Intersect(ra, rb))
		}
		if ra.Upper <= rb.Upper {
			i++
		}
		if ra.Upper >= rb.Upper {
			j++
		}
	}
	return out.out
}

// Length returns the number of indexes referenced by list.
func Length(list List) int {
	n := 0
	for _, r := range list {
		n += r.Len()
	}
	return n
}

// Find reports whether index is covered by list, and if so whether it is lossy.
func Find(list List, index int) (found bool, lossy bool) {
	k := sort.Search(len(list), func(k int) bool { return list[k].Upper >= index })
	if k < len(list) && list[k].Contains(index) {
		return true, list[k].Lossy
	}
	return false, false
}

// Full returns a list covering children 0..n-1, or an empty list when n <= 0.
func Full(n int, lossy bool) List {
	if n <= 0 {
		return List{}
	}
	return List{Make(0, n-1, lossy)}
}

// Single returns a list covering exactly one child.
func Single(index int, lossy bool) List {
	return List{Make(index, index, lossy)}
}

// Canonicalize turns an arbitrary list of valid ranges into canonical form.
func Canonicalize(list List) List {
	sorted := make(List, len(list))
	copy(sorted, list)
	sort.SliceStable(sorted, func(x, y int) bool { return sorted[x].Lower < sorted[y].Lower })

	out := List{}
	for _, r := range sorted {
		out = MergeSortedUnion(out, List{r})
	}
	return out
}

// IsCanonical reports whether list is ascending, disjoint, and never has two
// touching ranges with the same flag.
func IsCanonical(list List) bool {
	for k, r := range list {
		if r.Lower > r.Upper {
			return false
		}
		if k == 0 {
			continue
		}
		prev := list[k-1]
		if prev.Upper >= r.Lower {
			return false
		}
		if prev.Upper+1 == r.Lower && prev.Lossy == r.Lossy {
			return false
		}
	}
	return true
}

// Indexes expands list into the individual child indexes it covers.
func (l List) Indexes() []int {
	out := make([]int, 0, Length(l))
	for _, r := range l {
		for i := r.Lower; i <= r.Upper; i++ {
			out = append(out, i)
		}
	}
	return out
}

func (l List) String() string {
	parts := make([]string, len(l))
	for k, r := range l {
		parts[k] = r.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
