// Package ddl creates and removes partitions in the catalog: the on-demand
// creation routine used by partition workers, and the setup operations that
// partition a table in the first place.
package ddl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arkilian/partman/internal/bounds"
	"github.com/arkilian/partman/internal/catalog"
	perrors "github.com/arkilian/partman/internal/errors"
	"github.com/arkilian/partman/internal/logging"
	"github.com/arkilian/partman/internal/partition"
	"github.com/arkilian/partman/pkg/types"
)

// Column declares a column of a new table.
type Column struct {
	Name string       `json:"name"`
	Type types.TypeID `json:"type"`
}

// Manager runs partitioning DDL against a catalog.
type Manager struct {
	cat    *catalog.Catalog
	locks  *Locks
	logger *slog.Logger
}

// NewManager creates a manager. Managers sharing locks serialize creations
// of the same parent; a nil locks gets a private table.
func NewManager(cat *catalog.Catalog, locks *Locks, logger *slog.Logger) *Manager {
	if locks == nil {
		locks = NewLocks()
	}
	if logger == nil {
		logger = logging.Component("ddl")
	}
	return &Manager{cat: cat, locks: locks, logger: logger}
}

// Catalog returns the catalog the manager writes to.
func (m *Manager) Catalog() *catalog.Catalog {
	return m.cat
}

// withParent runs fn in a catalog write transaction while holding the
// creation lock of parent. fn's transaction is committed when fn succeeds.
func (m *Manager) withParent(ctx context.Context, parent types.OID, fn func(tx *catalog.Tx) error) error {
	unlock := m.locks.Lock(parent)
	defer unlock()

	tx, err := m.cat.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// CreatePartitionsInternal creates the RANGE partition of parent that covers
// value and returns it. Under the parent's lock it first re-reads the
// partitioning from the catalog and returns the existing child if one covers
// value by now, so racing callers create at most one partition per gap.
//
// The new partition is [lo, hi) where lo and hi are aligned on the table's
// range interval counted from the nearest existing bound, clipped so that it
// never overlaps a neighbour.
func (m *Manager) CreatePartitionsInternal(ctx context.Context, parent types.OID, value types.Value) (types.OID, error) {
	var result types.OID
	err := m.withParent(ctx, parent, func(tx *catalog.Tx) error {
		d, err := rangeDescriptor(ctx, tx, parent)
		if err != nil {
			return err
		}
		if err := d.TypeInfo().Validate(value); err != nil {
			return perrors.NewCreationError(perrors.CodeUnsupportedType,
				fmt.Sprintf("value for table %d", parent), err)
		}

		if idx, ok := partition.MatchRangePartition(d, value); ok {
			result = d.Child(idx)
			m.logger.Debug("partition already exists", "table", parent, "partition", result)
			return nil
		}

		if d.Interval == "" {
			return perrors.NewCreationError(perrors.CodeNoInterval,
				fmt.Sprintf("table %d has no range interval, cannot create a partition for %s", parent, value), nil)
		}
		lo, hi, err := gapBounds(d, value)
		if err != nil {
			return err
		}
		result, err = m.createRangeChild(ctx, tx, parent, d.Key, lo, hi)
		return err
	})
	if err != nil {
		return types.InvalidOID, err
	}
	return result, nil
}

func rangeDescriptor(ctx context.Context, r catalog.Reader, parent types.OID) (*partition.Descriptor, error) {
	row, err := r.ConfigRow(ctx, parent)
	if err != nil {
		if catalog.IsNotFound(err) {
			return nil, perrors.NewCreationError(perrors.CodeNotRangeStrategy,
				fmt.Sprintf("table %d is not partitioned", parent), err)
		}
		return nil, err
	}
	if row.Strategy != types.StrategyRange {
		return nil, perrors.NewCreationError(perrors.CodeNotRangeStrategy,
			fmt.Sprintf("table %d is %s partitioned", parent, row.Strategy), nil)
	}
	return partition.BuildDescriptor(ctx, r, row)
}

// gapBounds computes the interval-aligned [lo, hi) around value, which no
// partition of d covers.
func gapBounds(d *partition.Descriptor, value types.Value) (types.Value, types.Value, error) {
	info := d.TypeInfo()

	// Neighbours: the last range below value and the first above it.
	var prev, next *partition.RangeEntry
	for i := range d.Ranges {
		re := &d.Ranges[i]
		if info.Compare(re.Min, value) > 0 {
			next = re
			break
		}
		prev = re
	}

	var anchor types.Value
	var err error
	switch {
	case prev != nil:
		anchor = prev.Max
	case next != nil:
		anchor = next.Min
	default:
		anchor, err = info.Origin()
	}
	if err != nil {
		return types.Value{}, types.Value{}, perrors.NewCreationError(perrors.CodeNoInterval, "align new partition", err)
	}

	n, err := info.Steps(anchor, value, d.Interval)
	if err != nil {
		return types.Value{}, types.Value{}, perrors.NewCreationError(perrors.CodeNoInterval, "align new partition", err)
	}
	// lo <= value < hi, so lo can only fall below the type and hi above it.
	lo, err := info.Advance(anchor, d.Interval, n)
	if errors.Is(err, types.ErrIntervalOverflow) {
		lo, err = info.MinValue()
	}
	if err != nil {
		return types.Value{}, types.Value{}, perrors.NewCreationError(perrors.CodeNoInterval, "align new partition", err)
	}
	hi, err := info.Advance(anchor, d.Interval, n+1)
	if errors.Is(err, types.ErrIntervalOverflow) {
		hi, err = info.MaxValue()
	}
	if err != nil {
		return types.Value{}, types.Value{}, perrors.NewCreationError(perrors.CodeNoInterval, "align new partition", err)
	}

	if prev != nil && info.Compare(lo, prev.Max) < 0 {
		lo = prev.Max
	}
	if next != nil && info.Compare(hi, next.Min) > 0 {
		hi = next.Min
	}
	// The type maximum has no exclusive upper bound.
	if info.Compare(value, hi) >= 0 {
		return types.Value{}, types.Value{}, perrors.NewCreationError(perrors.CodeOutOfRange,
			fmt.Sprintf("no partition bound above %s fits %s", value.String(), info.Name), nil)
	}
	if info.Compare(lo, hi) >= 0 {
		return types.Value{}, types.Value{}, perrors.NewInternalError("align new partition",
			fmt.Errorf("empty range [%s, %s)", lo.String(), hi.String()))
	}
	return lo, hi, nil
}

// createRangeChild adds a child of parent owning [lo, hi).
func (m *Manager) createRangeChild(ctx context.Context, tx *catalog.Tx, parent types.OID, key types.KeyAttribute, lo, hi types.Value) (types.OID, error) {
	def, err := bounds.RangeConstraint(key, bounds.RangeBound{Min: lo, Max: hi})
	if err != nil {
		return types.InvalidOID, perrors.NewInternalError("render range constraint", err)
	}
	child, err := m.createChild(ctx, tx, parent, key, def)
	if err != nil {
		return types.InvalidOID, err
	}
	m.logger.Info("created range partition", "table", parent, "partition", child, "min", lo.String(), "max", hi.String())
	return child, nil
}

// createChild creates the next child relation of parent with its bound constraint.
func (m *Manager) createChild(ctx context.Context, tx *catalog.Tx, parent types.OID, key types.KeyAttribute, constraint string) (types.OID, error) {
	name, err := childName(ctx, tx, parent)
	if err != nil {
		return types.InvalidOID, err
	}
	child, err := tx.CreateRelation(ctx, name)
	if err != nil {
		return types.InvalidOID, err
	}
	if err := tx.CopyAttributes(ctx, parent, child); err != nil {
		return types.InvalidOID, err
	}
	if err := tx.AddInherits(ctx, child, parent); err != nil {
		return types.InvalidOID, err
	}
	if err := tx.AddConstraint(ctx, child, bounds.ConstraintName(child, key.Number), constraint); err != nil {
		return types.InvalidOID, err
	}
	return child, nil
}

// childName returns "<parent>_<n>" for the first free n above the child count.
func childName(ctx context.Context, tx *catalog.Tx, parent types.OID) (string, error) {
	rel, err := tx.Relation(ctx, parent)
	if err != nil {
		return "", err
	}
	children, err := tx.ListDirectChildren(ctx, parent)
	if err != nil {
		return "", err
	}
	for n := len(children) + 1; ; n++ {
		name := fmt.Sprintf("%s_%d", rel.Name, n)
		_, err := tx.RelationByName(ctx, name)
		if catalog.IsNotFound(err) {
			return name, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// CreateTable creates an unpartitioned table.
func (m *Manager) CreateTable(ctx context.Context, name string, columns []Column) (types.OID, error) {
	if len(columns) == 0 {
		return types.InvalidOID, perrors.NewValidationError(perrors.CodeUnrecognizedShape,
			fmt.Sprintf("table %q needs at least one column", name))
	}
	tx, err := m.cat.BeginTx(ctx)
	if err != nil {
		return types.InvalidOID, err
	}
	defer tx.Rollback()

	oid, err := tx.CreateRelation(ctx, name)
	if err != nil {
		return types.InvalidOID, err
	}
	for _, col := range columns {
		if _, err := types.Lookup(col.Type); err != nil {
			return types.InvalidOID, perrors.NewConfigurationError(perrors.CodeUnsupportedType,
				fmt.Sprintf("column %q", col.Name), err)
		}
		if _, err := tx.AddAttribute(ctx, oid, col.Name, col.Type); err != nil {
			return types.InvalidOID, err
		}
	}
	if err := tx.Commit(); err != nil {
		return types.InvalidOID, err
	}
	return oid, nil
}

// keyOf validates that table exists, is not partitioned yet and has column attr.
func keyOf(ctx context.Context, tx *catalog.Tx, table types.OID, attr string) (types.KeyAttribute, *types.TypeInfo, error) {
	if _, err := tx.ConfigRow(ctx, table); err == nil {
		return types.KeyAttribute{}, nil, perrors.NewCatalogError(perrors.CodeDuplicate,
			fmt.Sprintf("table %d is already partitioned", table), nil)
	} else if !catalog.IsNotFound(err) {
		return types.KeyAttribute{}, nil, err
	}
	a, err := tx.Attribute(ctx, table, attr)
	if err != nil {
		if catalog.IsNotFound(err) {
			return types.KeyAttribute{}, nil, perrors.NewConfigurationError(perrors.CodeUnknownAttribute,
				fmt.Sprintf("table %d has no column %q", table, attr), err)
		}
		return types.KeyAttribute{}, nil, err
	}
	info, err := types.Lookup(a.Type)
	if err != nil {
		return types.KeyAttribute{}, nil, perrors.NewConfigurationError(perrors.CodeUnsupportedType,
			fmt.Sprintf("column %q", attr), err)
	}
	return types.KeyAttribute{Name: a.Name, Number: a.Number, Type: a.Type}, info, nil
}

// CreateRangePartitions partitions table by RANGE on attr and creates count
// consecutive partitions of width interval starting at start.
func (m *Manager) CreateRangePartitions(ctx context.Context, table types.OID, attr string, start types.Value, interval string, count int) ([]types.OID, error) {
	if count < 0 {
		return nil, perrors.NewValidationError(perrors.CodeChildCount, fmt.Sprintf("negative partition count %d", count))
	}
	var children []types.OID
	err := m.withParent(ctx, table, func(tx *catalog.Tx) error {
		key, info, err := keyOf(ctx, tx, table, attr)
		if err != nil {
			return err
		}
		if err := info.Validate(start); err != nil {
			return perrors.NewConfigurationError(perrors.CodeUnsupportedType, "start value", err)
		}
		if err := info.ValidateInterval(interval); err != nil {
			return perrors.NewConfigurationError(perrors.CodeInvalidInterval, fmt.Sprintf("table %d", table), err)
		}
		if err := tx.InsertConfig(ctx, types.ConfigRow{
			Table: table, Strategy: types.StrategyRange, KeyAttribute: key.Name, RangeInterval: interval,
		}); err != nil {
			return err
		}

		for i := 0; i < count; i++ {
			lo, err := info.Advance(start, interval, int64(i))
			if err != nil {
				return advanceError(err)
			}
			hi, err := info.Advance(start, interval, int64(i+1))
			if err != nil {
				return advanceError(err)
			}
			child, err := m.createRangeChild(ctx, tx, table, key, lo, hi)
			if err != nil {
				return err
			}
			children = append(children, child)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return children, nil
}

func advanceError(err error) error {
	if errors.Is(err, types.ErrIntervalOverflow) {
		return perrors.NewValidationError(perrors.CodeOutOfRange, err.Error())
	}
	return perrors.NewConfigurationError(perrors.CodeInvalidInterval, "advance", err)
}

// CreateHashPartitions partitions table by HASH on attr into count children.
func (m *Manager) CreateHashPartitions(ctx context.Context, table types.OID, attr string, count int) ([]types.OID, error) {
	if count <= 0 {
		return nil, perrors.NewValidationError(perrors.CodeChildCount, fmt.Sprintf("hash partition count must be positive, got %d", count))
	}
	children := make([]types.OID, 0, count)
	err := m.withParent(ctx, table, func(tx *catalog.Tx) error {
		key, _, err := keyOf(ctx, tx, table, attr)
		if err != nil {
			return err
		}
		if err := tx.InsertConfig(ctx, types.ConfigRow{Table: table, Strategy: types.StrategyHash, KeyAttribute: key.Name}); err != nil {
			return err
		}
		for idx := 0; idx < count; idx++ {
			def, err := bounds.HashConstraint(key, count, idx)
			if err != nil {
				return perrors.NewInternalError("render hash constraint", err)
			}
			child, err := m.createChild(ctx, tx, table, key, def)
			if err != nil {
				return err
			}
			children = append(children, child)
		}
		m.logger.Info("created hash partitions", "table", table, "count", count)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return children, nil
}

// AddRangePartition adds a partition owning [lo, hi) to a RANGE table.
func (m *Manager) AddRangePartition(ctx context.Context, table types.OID, lo, hi types.Value) (types.OID, error) {
	var child types.OID
	err := m.withParent(ctx, table, func(tx *catalog.Tx) error {
		d, err := rangeDescriptor(ctx, tx, table)
		if err != nil {
			return err
		}
		info := d.TypeInfo()
		for _, v := range []types.Value{lo, hi} {
			if err := info.Validate(v); err != nil {
				return perrors.NewConfigurationError(perrors.CodeUnsupportedType, "partition bound", err)
			}
		}
		if info.Compare(lo, hi) >= 0 {
			return perrors.NewValidationError(perrors.CodeUnrecognizedShape,
				fmt.Sprintf("empty range [%s, %s)", lo, hi))
		}
		for _, re := range d.Ranges {
			if info.Compare(lo, re.Max) < 0 && info.Compare(re.Min, hi) < 0 {
				return perrors.NewConfigurationError(perrors.CodeOverlappingRanges,
					fmt.Sprintf("[%s, %s) overlaps partition %d [%s, %s)", lo, hi, re.ChildID, re.Min, re.Max), nil)
			}
		}
		child, err = m.createRangeChild(ctx, tx, table, d.Key, lo, hi)
		return err
	})
	if err != nil {
		return types.InvalidOID, err
	}
	return child, nil
}

// DisablePartitioning removes the configuration row of table. Its children
// stay in place as ordinary inheriting tables.
func (m *Manager) DisablePartitioning(ctx context.Context, table types.OID) error {
	err := m.withParent(ctx, table, func(tx *catalog.Tx) error {
		return tx.DeleteConfig(ctx, table)
	})
	if err != nil {
		return err
	}
	m.logger.Info("partitioning disabled", "table", table)
	return nil
}

// DropPartitions drops every child of table and its configuration row, and
// returns the number of children dropped.
func (m *Manager) DropPartitions(ctx context.Context, table types.OID) (int, error) {
	var dropped int
	err := m.withParent(ctx, table, func(tx *catalog.Tx) error {
		children, err := tx.ListDirectChildren(ctx, table)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := tx.DropRelation(ctx, child); err != nil {
				return err
			}
			dropped++
		}
		if err := tx.DeleteConfig(ctx, table); err != nil && !catalog.IsNotFound(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.logger.Info("partitions dropped", "table", table, "count", dropped)
	return dropped, nil
}
