// Package partition builds, validates and serves the partitioning descriptor of
// each partitioned table, and resolves key values and predicates to children.
package partition

import (
	"context"
	"fmt"
	"sort"

	"github.com/arkilian/partman/internal/bounds"
	"github.com/arkilian/partman/internal/catalog"
	perrors "github.com/arkilian/partman/internal/errors"
	"github.com/arkilian/partman/internal/expr"
	"github.com/arkilian/partman/pkg/types"
)

// RangeEntry is the half-open key interval [Min, Max) owned by one child.
type RangeEntry struct {
	ChildID types.OID   `json:"child_id"`
	Min     types.Value `json:"min"`
	Max     types.Value `json:"max"`
}

// Descriptor is the partitioning metadata of one table. It is built wholesale
// and never modified afterwards; a refresh builds a new one.
type Descriptor struct {
	TableID  types.OID
	Strategy types.Strategy
	Key      types.KeyAttribute
	// Interval is the step for creating RANGE partitions on demand, or empty.
	Interval string
	// Children holds child ids by position. For RANGE the order follows Ranges;
	// for HASH position i is the child with hash index i.
	Children []types.OID
	// Ranges is sorted ascending by Min. Nil for HASH.
	Ranges []RangeEntry

	info *types.TypeInfo
}

// ChildCount returns the number of children.
func (d *Descriptor) ChildCount() int {
	return len(d.Children)
}

// IsRange reports whether the table is RANGE partitioned.
func (d *Descriptor) IsRange() bool {
	return d.Strategy == types.StrategyRange
}

// RangeMin returns the lowest bound covered by any child.
func (d *Descriptor) RangeMin() (types.Value, bool) {
	if len(d.Ranges) == 0 {
		return types.Value{}, false
	}
	return d.Ranges[0].Min, true
}

// RangeMax returns the exclusive upper bound of the highest child.
func (d *Descriptor) RangeMax() (types.Value, bool) {
	if len(d.Ranges) == 0 {
		return types.Value{}, false
	}
	return d.Ranges[len(d.Ranges)-1].Max, true
}

// TypeInfo returns the comparison and hashing of the key type.
func (d *Descriptor) TypeInfo() *types.TypeInfo {
	return d.info
}

// Child returns the child at position idx.
func (d *Descriptor) Child(idx int) types.OID {
	if idx < 0 || idx >= len(d.Children) {
		return types.InvalidOID
	}
	return d.Children[idx]
}

// IndexOf returns the position of child, or -1.
func (d *Descriptor) IndexOf(child types.OID) int {
	for i, c := range d.Children {
		if c == child {
			return i
		}
	}
	return -1
}

// BuildDescriptor reads the children of row.Table through r and validates
// every child's bound constraint against the declared strategy. Any invalid
// child makes the whole table invalid: the returned error is a configuration
// error and no descriptor is produced. Catalog read failures are returned as
// they are so callers can tell them apart from broken definitions.
func BuildDescriptor(ctx context.Context, r catalog.Reader, row types.ConfigRow) (*Descriptor, error) {
	attr, err := r.Attribute(ctx, row.Table, row.KeyAttribute)
	if err != nil {
		if catalog.IsNotFound(err) {
			return nil, perrors.NewConfigurationError(perrors.CodeUnknownAttribute,
				fmt.Sprintf("table %d has no key column %q", row.Table, row.KeyAttribute), err)
		}
		return nil, err
	}
	info, err := types.Lookup(attr.Type)
	if err != nil {
		return nil, perrors.NewConfigurationError(perrors.CodeUnsupportedType,
			fmt.Sprintf("key column %q of table %d", attr.Name, row.Table), err)
	}

	d := &Descriptor{
		TableID:  row.Table,
		Strategy: row.Strategy,
		Key:      types.KeyAttribute{Name: attr.Name, Number: attr.Number, Type: attr.Type},
		Interval: row.RangeInterval,
		info:     info,
	}
	if d.Interval != "" {
		if d.Strategy != types.StrategyRange {
			return nil, perrors.NewConfigurationError(perrors.CodeInvalidInterval,
				fmt.Sprintf("table %d declares a range interval for %s partitioning", row.Table, d.Strategy), nil)
		}
		if err := info.ValidateInterval(d.Interval); err != nil {
			return nil, perrors.NewConfigurationError(perrors.CodeInvalidInterval,
				fmt.Sprintf("table %d", row.Table), err)
		}
	}

	// Ascending identifier order, identical in every process.
	children, err := r.ListDirectChildren(ctx, row.Table)
	if err != nil {
		return nil, err
	}

	switch d.Strategy {
	case types.StrategyHash:
		err = d.fillHash(ctx, r, children)
	case types.StrategyRange:
		err = d.fillRange(ctx, r, children)
	default:
		err = perrors.NewConfigurationError(perrors.CodeInvalidConstraint,
			fmt.Sprintf("unknown partitioning strategy %q for table %d", d.Strategy, row.Table), nil)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Descriptor) fillHash(ctx context.Context, r catalog.Reader, children []types.OID) error {
	d.Children = make([]types.OID, len(children))
	for _, child := range children {
		e, err := d.constraintOf(ctx, r, child)
		if err != nil {
			return err
		}
		idx, err := bounds.ExtractHashBound(e, d.Key, len(children))
		if err != nil {
			return d.wrongFormat(child, err)
		}
		if d.Children[idx].IsValid() {
			return perrors.NewConfigurationError(perrors.CodeInvalidConstraint,
				fmt.Sprintf("partitions %d and %d of table %d both claim hash index %d",
					d.Children[idx], child, d.TableID, idx), nil)
		}
		d.Children[idx] = child
	}
	return nil
}

func (d *Descriptor) fillRange(ctx context.Context, r catalog.Reader, children []types.OID) error {
	d.Ranges = make([]RangeEntry, 0, len(children))
	for _, child := range children {
		e, err := d.constraintOf(ctx, r, child)
		if err != nil {
			return err
		}
		b, err := bounds.ExtractRangeBound(e, d.Key)
		if err != nil {
			return d.wrongFormat(child, err)
		}
		d.Ranges = append(d.Ranges, RangeEntry{ChildID: child, Min: b.Min, Max: b.Max})
	}

	sort.SliceStable(d.Ranges, func(i, j int) bool {
		return d.info.Compare(d.Ranges[i].Min, d.Ranges[j].Min) < 0
	})
	d.Children = make([]types.OID, len(d.Ranges))
	for i, re := range d.Ranges {
		if i > 0 && d.info.Compare(re.Min, d.Ranges[i-1].Max) < 0 {
			prev := d.Ranges[i-1]
			return perrors.NewConfigurationError(perrors.CodeOverlappingRanges,
				fmt.Sprintf("partitions %d [%s, %s) and %d [%s, %s) of table %d overlap",
					prev.ChildID, prev.Min, prev.Max, re.ChildID, re.Min, re.Max, d.TableID), nil)
		}
		d.Children[i] = re.ChildID
	}
	return nil
}

// constraintOf loads and parses the bound constraint of child.
func (d *Descriptor) constraintOf(ctx context.Context, r catalog.Reader, child types.OID) (expr.Expression, error) {
	con, err := r.Constraint(ctx, child, bounds.ConstraintName(child, d.Key.Number))
	if err != nil {
		if catalog.IsNotFound(err) {
			return nil, perrors.NewConfigurationError(perrors.CodeInvalidConstraint,
				fmt.Sprintf("%s partition %d of table %d has no bound constraint", d.Strategy, child, d.TableID), err)
		}
		return nil, err
	}
	e, err := expr.Parse(con.Definition)
	if err != nil {
		return nil, d.wrongFormat(child, err)
	}
	return e, nil
}

func (d *Descriptor) wrongFormat(child types.OID, cause error) error {
	return perrors.NewConfigurationError(perrors.CodeInvalidConstraint,
		fmt.Sprintf("wrong constraint format for %s partition %d of table %d", d.Strategy, child, d.TableID), cause)
}
