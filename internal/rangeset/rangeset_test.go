package rangeset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeSortedUnionSplitsLossyInsideExact(t *testing.T) {
	a := List{Make(1, 3, false)}
	b := List{Make(2, 2, true)}

	got := MergeSortedUnion(a, b)
	assert.Equal(t, List{Make(1, 1, false), Make(2, 2, true), Make(3, 3, false)}, got)
}

func TestMergeSortedUnion(t *testing.T) {
	tests := []struct {
		name string
		a, b List
		want List
	}{
		{"both empty", nil, nil, List(nil)},
		{"one empty", List{Make(0, 2, false)}, nil, List{Make(0, 2, false)}},
		{"disjoint", List{Make(0, 1, false)}, List{Make(5, 6, false)}, List{Make(0, 1, false), Make(5, 6, false)}},
		{"adjacent same flag", List{Make(0, 1, true)}, List{Make(2, 4, true)}, List{Make(0, 4, true)}},
		{"adjacent different flag", List{Make(0, 1, false)}, List{Make(2, 4, true)}, List{Make(0, 1, false), Make(2, 4, true)}},
		{"lossy tail overlaps exact", List{Make(0, 4, false)}, List{Make(3, 8, true)}, List{Make(0, 2, false), Make(3, 8, true)}},
		{"exact tail past lossy", List{Make(0, 4, true)}, List{Make(2, 8, false)}, List{Make(0, 4, true), Make(5, 8, false)}},
		{"exact inside lossy", List{Make(0, 9, true)}, List{Make(3, 4, false)}, List{Make(0, 9, true)}},
		{
			"interleaved",
			List{Make(0, 2, false), Make(6, 9, true)},
			List{Make(1, 7, false)},
			List{Make(0, 5, false), Make(6, 9, true)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeSortedUnion(tt.a, tt.b)
			assert.Equal(t, tt.want, got)
			assert.True(t, IsCanonical(got), "result %v not canonical", got)
		})
	}
}

func TestMergeSortedIntersect(t *testing.T) {
	tests := []struct {
		name string
		a, b List
		want List
	}{
		{"empty", List{Make(0, 3, false)}, nil, List(nil)},
		{"no overlap", List{Make(0, 3, false)}, List{Make(4, 6, false)}, List(nil)},
		{"lossy degrades", List{Make(0, 5, false)}, List{Make(2, 8, true)}, List{Make(2, 5, true)}},
		{
			"many to one",
			List{Make(0, 1, false), Make(3, 4, false), Make(6, 9, false)},
			List{Make(1, 7, false)},
			List{Make(1, 1, false), Make(3, 4, false), Make(6, 7, false)},
		},
		{
			"coalesces touching pieces",
			List{Make(0, 2, false), Make(3, 5, true)},
			List{Make(0, 5, true)},
			List{Make(0, 5, true)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeSortedIntersect(tt.a, tt.b)
			assert.Equal(t, tt.want, got)
			assert.True(t, IsCanonical(got))
		})
	}
}

func TestUnionRequiresEqualFlags(t *testing.T) {
	assert.Equal(t, Make(0, 7, true), Union(Make(0, 3, true), Make(2, 7, true)))
	assert.Panics(t, func() { Union(Make(0, 3, true), Make(2, 7, false)) })
}

func TestIntersectsUsesBothBounds(t *testing.T) {
	// [5,6] lies entirely after [1,2]; only one of the two boundary
	// comparisons holds, so they must not intersect.
	assert.False(t, Intersects(Make(1, 2, false), Make(5, 6, false)))
	assert.False(t, AdjacentOrOverlapping(Make(1, 2, false), Make(5, 6, false)))
	assert.True(t, AdjacentOrOverlapping(Make(1, 2, false), Make(3, 6, false)))
	assert.True(t, Intersects(Make(1, 5, false), Make(5, 6, false)))
}

func TestLengthAndFind(t *testing.T) {
	list := List{Make(0, 2, false), Make(5, 5, true), Make(7, 9, false)}
	assert.Equal(t, 7, Length(list))

	found, lossy := Find(list, 5)
	assert.True(t, found)
	assert.True(t, lossy)

	found, lossy = Find(list, 8)
	assert.True(t, found)
	assert.False(t, lossy)

	found, _ = Find(list, 4)
	assert.False(t, found)
	found, _ = Find(list, 10)
	assert.False(t, found)
}

func TestFullAndCanonicalize(t *testing.T) {
	assert.Empty(t, Full(0, false))
	assert.Equal(t, List{Make(0, 3, true)}, Full(4, true))

	messy := List{Make(4, 6, false), Make(0, 1, false), Make(2, 3, false), Make(5, 5, true)}
	got := Canonicalize(messy)
	require.True(t, IsCanonical(got))
	assert.Equal(t, List{Make(0, 4, false), Make(5, 5, true), Make(6, 6, false)}, got)
}

func TestIndexesAndString(t *testing.T) {
	list := List{Make(0, 1, false), Make(3, 3, true)}
	assert.Equal(t, []int{0, 1, 3}, list.Indexes())
	assert.Equal(t, "{0..1, 3..3~}", list.String())
}
