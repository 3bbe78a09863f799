package partition

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arkilian/partman/internal/bounds"
	"github.com/arkilian/partman/internal/catalog"
	"github.com/arkilian/partman/pkg/types"
)

func openCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), catalog.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

// createParent creates a table with an "id" int4 key and a config row.
func createParent(t *testing.T, cat *catalog.Catalog, name string, strategy types.Strategy) types.OID {
	t.Helper()
	ctx := context.Background()
	tx, err := cat.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	parent, err := tx.CreateRelation(ctx, name)
	require.NoError(t, err)
	_, err = tx.AddAttribute(ctx, parent, "id", types.TypeInt4)
	require.NoError(t, err)
	require.NoError(t, tx.InsertConfig(ctx, types.ConfigRow{Table: parent, Strategy: strategy, KeyAttribute: "id"}))
	require.NoError(t, tx.Commit())
	return parent
}

// addChild creates a child of parent carrying definition as its bound constraint.
func addChild(t *testing.T, cat *catalog.Catalog, parent types.OID, name, definition string) types.OID {
	t.Helper()
	ctx := context.Background()
	tx, err := cat.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	child, err := tx.CreateRelation(ctx, name)
	require.NoError(t, err)
	require.NoError(t, tx.CopyAttributes(ctx, parent, child))
	require.NoError(t, tx.AddInherits(ctx, child, parent))
	require.NoError(t, tx.AddConstraint(ctx, child, bounds.ConstraintName(child, 1), definition))
	require.NoError(t, tx.Commit())
	return child
}

func addRangeChild(t *testing.T, cat *catalog.Catalog, parent types.OID, lo, hi int32) types.OID {
	t.Helper()
	def, err := bounds.RangeConstraint(intKey, bounds.RangeBound{Min: types.Int4Value(lo), Max: types.Int4Value(hi)})
	require.NoError(t, err)
	return addChild(t, cat, parent, fmt.Sprintf("p%d_%d_%d", parent, lo, hi), def)
}

func addHashChild(t *testing.T, cat *catalog.Catalog, parent types.OID, count, idx int) types.OID {
	t.Helper()
	def, err := bounds.HashConstraint(intKey, count, idx)
	require.NoError(t, err)
	return addChild(t, cat, parent, fmt.Sprintf("p%d_%d", parent, idx), def)
}

var intKey = types.KeyAttribute{Name: "id", Number: 1, Type: types.TypeInt4}

func configRow(t *testing.T, cat *catalog.Catalog, table types.OID) types.ConfigRow {
	t.Helper()
	row, err := cat.ConfigRow(context.Background(), table)
	require.NoError(t, err)
	return row
}
