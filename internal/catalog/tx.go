package catalog

import (
	"context"
	"database/sql"
	"time"

	"github.com/arkilian/partman/internal/inval"
	"github.com/arkilian/partman/pkg/types"
)

// Tx is a catalog write transaction. Reads through a Tx see its own
// uncommitted writes. Change notifications are published only after Commit.
type Tx struct {
	reader
	tx      *sql.Tx
	bus     *inval.Bus
	pending []inval.Notification
	done    bool
}

var _ Reader = (*Tx)(nil)

func (t *Tx) record(kind inval.ChangeKind, rel types.OID) {
	t.pending = append(t.pending, inval.Notification{Kind: kind, Relation: rel})
}

// CreateRelation creates a relation and returns its identifier.
func (t *Tx) CreateRelation(ctx context.Context, name string) (types.OID, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO relations (name, created_at) VALUES (?, ?)`, name, time.Now().UnixNano())
	if err != nil {
		return types.InvalidOID, queryFailed("create relation "+name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.InvalidOID, queryFailed("create relation "+name, err)
	}
	oid := types.OID(id)
	t.record(inval.RelationCreated, oid)
	return oid, nil
}

// AddAttribute appends a column to rel and returns its attribute number.
func (t *Tx) AddAttribute(ctx context.Context, rel types.OID, name string, typ types.TypeID) (int, error) {
	var next int
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(attnum), 0) + 1 FROM attributes WHERE relid = ?`, rel).Scan(&next); err != nil {
		return 0, queryFailed("allocate attribute number", err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO attributes (relid, attnum, name, type_id) VALUES (?, ?, ?, ?)`, rel, next, name, typ); err != nil {
		return 0, queryFailed("add attribute "+name, err)
	}
	return next, nil
}

// CopyAttributes gives to the same columns as from, with the same numbers.
func (t *Tx) CopyAttributes(ctx context.Context, from, to types.OID) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO attributes (relid, attnum, name, type_id)
		 SELECT ?, attnum, name, type_id FROM attributes WHERE relid = ?`, to, from); err != nil {
		return queryFailed("copy attributes", err)
	}
	return nil
}

// AddInherits makes child a direct child of parent.
func (t *Tx) AddInherits(ctx context.Context, child, parent types.OID) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO inherits (child, parent) VALUES (?, ?)`, child, parent); err != nil {
		return queryFailed("add inheritance", err)
	}
	t.record(inval.InheritanceChanged, parent)
	return nil
}

// AddConstraint stores a named check constraint on rel.
func (t *Tx) AddConstraint(ctx context.Context, rel types.OID, name, definition string) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO constraints (relid, name, definition) VALUES (?, ?, ?)`, rel, name, definition); err != nil {
		return queryFailed("add constraint "+name, err)
	}
	t.record(inval.ConstraintChanged, rel)
	return nil
}

// DropConstraint removes a named check constraint from rel.
func (t *Tx) DropConstraint(ctx context.Context, rel types.OID, name string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM constraints WHERE relid = ? AND name = ?`, rel, name)
	if err != nil {
		return queryFailed("drop constraint "+name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("constraint %q of relation %d", name, rel)
	}
	t.record(inval.ConstraintChanged, rel)
	return nil
}

// InsertConfig stores the partitioning configuration row of a table.
func (t *Tx) InsertConfig(ctx context.Context, row types.ConfigRow) error {
	var interval interface{}
	if row.RangeInterval != "" {
		interval = row.RangeInterval
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO partition_config (partrel, parttype, attname, range_interval) VALUES (?, ?, ?, ?)`,
		row.Table, string(row.Strategy), row.KeyAttribute, interval); err != nil {
		return queryFailed("insert config row", err)
	}
	t.record(inval.ConfigChanged, row.Table)
	return nil
}

// DeleteConfig removes the configuration row of table.
func (t *Tx) DeleteConfig(ctx context.Context, table types.OID) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM partition_config WHERE partrel = ?`, table)
	if err != nil {
		return queryFailed("delete config row", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("config row for relation %d", table)
	}
	t.record(inval.ConfigChanged, table)
	return nil
}

// DropRelation removes rel together with its columns, constraints,
// inheritance link and configuration row.
func (t *Tx) DropRelation(ctx context.Context, rel types.OID) error {
	parent, hasParent, err := t.ParentOf(ctx, rel)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM relations WHERE oid = ?`, rel)
	if err != nil {
		return queryFailed("drop relation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("relation %d", rel)
	}
	t.record(inval.RelationDropped, rel)
	if hasParent {
		t.record(inval.InheritanceChanged, parent)
	}
	return nil
}

// Commit commits the transaction and publishes its change notifications.
func (t *Tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return queryFailed("commit", err)
	}
	for _, n := range t.pending {
		t.bus.Publish(n)
	}
	return nil
}

// Rollback aborts the transaction. It is a no-op after Commit, so it can be deferred.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil {
		return queryFailed("rollback", err)
	}
	return nil
}
