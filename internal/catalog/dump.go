package catalog

import (
	"context"

	"github.com/arkilian/partman/internal/inval"
	"github.com/arkilian/partman/pkg/types"
)

// Dump is a full copy of the catalog contents.
type Dump struct {
	Relations   []Relation        `json:"relations"`
	Attributes  []Attribute       `json:"attributes"`
	Inherits    []InheritLink     `json:"inherits"`
	Constraints []Constraint      `json:"constraints"`
	Config      []types.ConfigRow `json:"config"`
}

// InheritLink is one row of the inheritance table.
type InheritLink struct {
	Child  types.OID `json:"child"`
	Parent types.OID `json:"parent"`
}

// Dump reads the whole catalog in one read transaction.
func (c *Catalog) Dump(ctx context.Context) (*Dump, error) {
	tx, err := c.readDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, queryFailed("begin dump", err)
	}
	defer tx.Rollback()
	r := reader{q: tx}

	d := &Dump{}
	rows, err := tx.QueryContext(ctx, `SELECT oid, name, created_at FROM relations ORDER BY oid`)
	if err != nil {
		return nil, queryFailed("dump relations", err)
	}
	for rows.Next() {
		var (
			rel     Relation
			created int64
		)
		if err := rows.Scan(&rel.OID, &rel.Name, &created); err != nil {
			rows.Close()
			return nil, queryFailed("dump relations", err)
		}
		rel.CreatedAt = timeFromNanos(created)
		d.Relations = append(d.Relations, rel)
	}
	rows.Close()

	for _, rel := range d.Relations {
		attrs, err := r.Attributes(ctx, rel.OID)
		if err != nil {
			return nil, err
		}
		d.Attributes = append(d.Attributes, attrs...)
	}

	rows, err = tx.QueryContext(ctx, `SELECT child, parent FROM inherits ORDER BY child`)
	if err != nil {
		return nil, queryFailed("dump inherits", err)
	}
	for rows.Next() {
		var link InheritLink
		if err := rows.Scan(&link.Child, &link.Parent); err != nil {
			rows.Close()
			return nil, queryFailed("dump inherits", err)
		}
		d.Inherits = append(d.Inherits, link)
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, `SELECT relid, name, definition FROM constraints ORDER BY relid, name`)
	if err != nil {
		return nil, queryFailed("dump constraints", err)
	}
	for rows.Next() {
		var con Constraint
		if err := rows.Scan(&con.Relation, &con.Name, &con.Definition); err != nil {
			rows.Close()
			return nil, queryFailed("dump constraints", err)
		}
		d.Constraints = append(d.Constraints, con)
	}
	rows.Close()

	if d.Config, err = r.ReadConfigRows(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// Restore replaces the catalog contents with d inside the transaction.
// Relation identifiers are preserved.
func (t *Tx) Restore(ctx context.Context, d *Dump) error {
	for _, stmt := range []string{
		`DELETE FROM partition_config`,
		`DELETE FROM constraints`,
		`DELETE FROM inherits`,
		`DELETE FROM attributes`,
		`DELETE FROM relations`,
	} {
		if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
			return queryFailed("clear catalog", err)
		}
	}
	t.record(inval.ConfigChanged, types.InvalidOID)

	for _, rel := range d.Relations {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO relations (oid, name, created_at) VALUES (?, ?, ?)`,
			rel.OID, rel.Name, rel.CreatedAt.UnixNano()); err != nil {
			return queryFailed("restore relation "+rel.Name, err)
		}
		t.record(inval.RelationCreated, rel.OID)
	}
	for _, a := range d.Attributes {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO attributes (relid, attnum, name, type_id) VALUES (?, ?, ?, ?)`,
			a.Relation, a.Number, a.Name, a.Type); err != nil {
			return queryFailed("restore attribute "+a.Name, err)
		}
	}
	for _, link := range d.Inherits {
		if err := t.AddInherits(ctx, link.Child, link.Parent); err != nil {
			return err
		}
	}
	for _, con := range d.Constraints {
		if err := t.AddConstraint(ctx, con.Relation, con.Name, con.Definition); err != nil {
			return err
		}
	}
	for _, row := range d.Config {
		if err := t.InsertConfig(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
