package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/arkilian/partman/internal/errors"
	"github.com/arkilian/partman/internal/inval"
	"github.com/arkilian/partman/pkg/types"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := Open(filepath.Join(t.TempDir(), "catalog.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

func TestCreateRelationAndAttributes(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)

	tx, err := cat.BeginTx(ctx)
	require.NoError(t, err)
	oid, err := tx.CreateRelation(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, types.OID(firstOID), oid)

	n, err := tx.AddAttribute(ctx, oid, "id", types.TypeInt8)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = tx.AddAttribute(ctx, oid, "created_at", types.TypeTimestamp)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// visible inside the transaction before commit
	_, err = tx.RelationByName(ctx, "events")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	rel, err := cat.Relation(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, "events", rel.Name)

	attr, err := cat.Attribute(ctx, oid, "created_at")
	require.NoError(t, err)
	assert.Equal(t, 2, attr.Number)
	assert.Equal(t, types.TypeTimestamp, attr.Type)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)

	tx, err := cat.BeginTx(ctx)
	require.NoError(t, err)
	_, err = tx.CreateRelation(ctx, "scratch")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	_, err = cat.RelationByName(ctx, "scratch")
	assert.True(t, IsNotFound(err))
}

func TestDuplicateRelationName(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)

	tx, err := cat.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.CreateRelation(ctx, "dup")
	require.NoError(t, err)
	_, err = tx.CreateRelation(ctx, "dup")
	assert.Equal(t, perrors.CodeDuplicate, perrors.GetCode(err))
}

func TestChildrenConfigAndNotifications(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)

	var seen []inval.Notification
	cat.Bus().OnChange(func(n inval.Notification) { seen = append(seen, n) })

	tx, err := cat.BeginTx(ctx)
	require.NoError(t, err)
	parent, err := tx.CreateRelation(ctx, "orders")
	require.NoError(t, err)
	_, err = tx.AddAttribute(ctx, parent, "id", types.TypeInt4)
	require.NoError(t, err)
	require.NoError(t, tx.InsertConfig(ctx, types.ConfigRow{
		Table: parent, Strategy: types.StrategyRange, KeyAttribute: "id", RangeInterval: "100",
	}))

	var children []types.OID
	for _, name := range []string{"orders_1", "orders_2"} {
		child, err := tx.CreateRelation(ctx, name)
		require.NoError(t, err)
		require.NoError(t, tx.CopyAttributes(ctx, parent, child))
		require.NoError(t, tx.AddInherits(ctx, child, parent))
		require.NoError(t, tx.AddConstraint(ctx, child, "c", "id >= 0 AND id < 100"))
		children = append(children, child)
	}

	assert.Empty(t, seen, "notifications are published only after commit")
	require.NoError(t, tx.Commit())
	assert.NotEmpty(t, seen)

	got, err := cat.ListDirectChildren(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, children, got)

	p, ok, err := cat.ParentOf(ctx, children[1])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, parent, p)

	rows, err := cat.ReadConfigRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.StrategyRange, rows[0].Strategy)
	assert.Equal(t, "100", rows[0].RangeInterval)

	attrs, err := cat.Attributes(ctx, children[0])
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.Equal(t, "id", attrs[0].Name)

	con, err := cat.Constraint(ctx, children[0], "c")
	require.NoError(t, err)
	assert.Equal(t, "id >= 0 AND id < 100", con.Definition)
}

func TestDropRelationCascades(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)

	tx, err := cat.BeginTx(ctx)
	require.NoError(t, err)
	parent, _ := tx.CreateRelation(ctx, "p")
	child, _ := tx.CreateRelation(ctx, "p_1")
	require.NoError(t, tx.AddInherits(ctx, child, parent))
	require.NoError(t, tx.AddConstraint(ctx, child, "c", "x"))
	require.NoError(t, tx.Commit())

	tx, err = cat.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.DropRelation(ctx, child))
	require.NoError(t, tx.Commit())

	children, err := cat.ListDirectChildren(ctx, parent)
	require.NoError(t, err)
	assert.Empty(t, children)

	_, err = cat.Constraint(ctx, child, "c")
	assert.True(t, IsNotFound(err))
}

func TestConfigRowNotFound(t *testing.T) {
	cat := openTestCatalog(t)
	_, err := cat.ConfigRow(context.Background(), 999)
	assert.True(t, IsNotFound(err))
}

func TestDumpAndRestore(t *testing.T) {
	ctx := context.Background()
	src := openTestCatalog(t)

	tx, err := src.BeginTx(ctx)
	require.NoError(t, err)
	parent, _ := tx.CreateRelation(ctx, "metrics")
	_, err = tx.AddAttribute(ctx, parent, "bucket", types.TypeInt4)
	require.NoError(t, err)
	child, _ := tx.CreateRelation(ctx, "metrics_0")
	require.NoError(t, tx.CopyAttributes(ctx, parent, child))
	require.NoError(t, tx.AddInherits(ctx, child, parent))
	require.NoError(t, tx.AddConstraint(ctx, child, "k", "get_hash(hash_int4(bucket), 1) = 0"))
	require.NoError(t, tx.InsertConfig(ctx, types.ConfigRow{Table: parent, Strategy: types.StrategyHash, KeyAttribute: "bucket"}))
	require.NoError(t, tx.Commit())

	dump, err := src.Dump(ctx)
	require.NoError(t, err)
	assert.Len(t, dump.Relations, 2)
	assert.Len(t, dump.Attributes, 2)

	dst := openTestCatalog(t)
	var global bool
	dst.Bus().OnChange(func(n inval.Notification) {
		if !n.Relation.IsValid() {
			global = true
		}
	})

	tx, err = dst.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Restore(ctx, dump))
	require.NoError(t, tx.Commit())
	assert.True(t, global)

	got, err := dst.Dump(ctx)
	require.NoError(t, err)
	assert.Equal(t, dump.Config, got.Config)
	assert.Equal(t, dump.Constraints, got.Constraints)
	assert.Equal(t, dump.Inherits, got.Inherits)

	// new relations never reuse restored identifiers
	tx, err = dst.BeginTx(ctx)
	require.NoError(t, err)
	next, err := tx.CreateRelation(ctx, "metrics_1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Greater(t, uint32(next), uint32(child))
}
