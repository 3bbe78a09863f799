package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/partman/internal/catalog"
	"github.com/arkilian/partman/internal/ddl"
	perrors "github.com/arkilian/partman/internal/errors"
	"github.com/arkilian/partman/internal/logging"
	"github.com/arkilian/partman/internal/partition"
	"github.com/arkilian/partman/pkg/types"
)

type fixture struct {
	cat   *catalog.Catalog
	m     *ddl.Manager
	sup   *Supervisor
	table types.OID
}

// newFixture creates "events" RANGE partitioned on id as [0,10) [10,20) [20,30).
func newFixture(t *testing.T, maxWorkers int) *fixture {
	t.Helper()
	ctx := context.Background()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), catalog.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	m := ddl.NewManager(cat, nil, logging.Discard())
	table, err := m.CreateTable(ctx, "events", []ddl.Column{{Name: "id", Type: types.TypeInt4}})
	require.NoError(t, err)
	_, err = m.CreateRangePartitions(ctx, table, "id", types.Int4Value(0), "10", 3)
	require.NoError(t, err)

	sup := NewSupervisor(SupervisorConfig{MaxWorkers: maxWorkers, Logger: logging.Discard()})
	t.Cleanup(func() { sup.Shutdown(context.Background()) })
	return &fixture{cat: cat, m: m, sup: sup, table: table}
}

func (f *fixture) coordinator(creator Creator) *Coordinator {
	if creator == nil {
		creator = f.m
	}
	return NewCoordinator(f.sup, f.cat, creator, CoordinatorConfig{DatabaseID: 1, Logger: logging.Discard()})
}

func (f *fixture) descriptor(t *testing.T) *partition.Descriptor {
	t.Helper()
	row, err := f.cat.ConfigRow(context.Background(), f.table)
	require.NoError(t, err)
	d, err := partition.BuildDescriptor(context.Background(), f.cat, row)
	require.NoError(t, err)
	return d
}

type creatorFunc func(ctx context.Context, parent types.OID, value types.Value) (types.OID, error)

func (f creatorFunc) CreatePartitionsInternal(ctx context.Context, parent types.OID, value types.Value) (types.OID, error) {
	return f(ctx, parent, value)
}

func TestCreateMissingRangePartition(t *testing.T) {
	f := newFixture(t, 2)
	c := f.coordinator(nil)

	child, err := c.CreateMissingRangePartition(context.Background(), f.table, types.Int4Value(42))
	require.NoError(t, err)

	d := f.descriptor(t)
	idx, ok := partition.MatchRangePartition(d, types.Int4Value(42))
	require.True(t, ok)
	assert.Equal(t, child, d.Child(idx))
	assert.Equal(t, 4, d.ChildCount())
	assert.Zero(t, c.OutstandingSegments())
	assert.Zero(t, f.sup.Running())
}

func TestCreateMissingRangePartitionConcurrent(t *testing.T) {
	f := newFixture(t, 4)
	c := f.coordinator(nil)

	// Both values fall into the gap [30, 40).
	values := []int32{33, 38}
	results := make([]types.OID, len(values))
	errs := make([]error, len(values))
	var wg sync.WaitGroup
	for i, v := range values {
		wg.Add(1)
		go func(i int, v int32) {
			defer wg.Done()
			results[i], errs[i] = c.CreateMissingRangePartition(context.Background(), f.table, types.Int4Value(v))
		}(i, v)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0], results[1])

	d := f.descriptor(t)
	assert.Equal(t, 4, d.ChildCount(), "exactly one partition for the gap")
	for i := 1; i < len(d.Ranges); i++ {
		ti := d.TypeInfo()
		assert.LessOrEqual(t, ti.Compare(d.Ranges[i-1].Max, d.Ranges[i].Min), 0, "ranges overlap")
	}
	assert.Zero(t, c.OutstandingSegments())
}

func TestSupervisorDeathIsFatal(t *testing.T) {
	f := newFixture(t, 1)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	defer close(unblock)
	c := f.coordinator(creatorFunc(func(ctx context.Context, parent types.OID, value types.Value) (types.OID, error) {
		close(entered)
		<-unblock
		return 0, ctx.Err()
	}))

	go func() {
		<-entered
		f.sup.Terminate()
	}()

	_, err := c.CreateMissingRangePartition(context.Background(), f.table, types.Int4Value(42))
	require.Error(t, err)
	assert.True(t, perrors.IsFatal(err))
	assert.Equal(t, perrors.CodeSupervisorDied, perrors.GetCode(err))
	assert.Zero(t, c.OutstandingSegments(), "the segment is released on the error path")
}

func TestWorkerStartFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.sup.Terminate()
	c := f.coordinator(nil)

	_, err := c.CreateMissingRangePartition(context.Background(), f.table, types.Int4Value(42))
	assert.True(t, perrors.IsFatal(err))
	assert.Equal(t, perrors.CodeWorkerStartFailed, perrors.GetCode(err))
	assert.True(t, errors.Is(err, ErrCouldNotStart))
	assert.Zero(t, c.OutstandingSegments())
}

func TestWorkerProducesNoResult(t *testing.T) {
	f := newFixture(t, 1)
	c := f.coordinator(creatorFunc(func(context.Context, types.OID, types.Value) (types.OID, error) {
		return types.InvalidOID, nil
	}))

	_, err := c.CreateMissingRangePartition(context.Background(), f.table, types.Int4Value(42))
	assert.Equal(t, perrors.ErrCategoryCreation, perrors.GetCategory(err))
	assert.Equal(t, perrors.CodeNoResult, perrors.GetCode(err))
	assert.False(t, perrors.IsFatal(err))
	assert.Zero(t, c.OutstandingSegments())
}

func TestWorkerErrorKeepsItsCode(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	hashed, err := f.m.CreateTable(ctx, "users", []ddl.Column{{Name: "id", Type: types.TypeInt4}})
	require.NoError(t, err)
	_, err = f.m.CreateHashPartitions(ctx, hashed, "id", 2)
	require.NoError(t, err)

	_, err = f.coordinator(nil).CreateMissingRangePartition(ctx, hashed, types.Int4Value(1))
	assert.Equal(t, perrors.CodeNotRangeStrategy, perrors.GetCode(err))

	_, err = f.coordinator(nil).CreateMissingRangePartition(ctx, f.table, types.Value{Type: 9999})
	assert.Equal(t, perrors.CodeUnsupportedType, perrors.GetCode(err))
}

func TestSupervisorSlots(t *testing.T) {
	sup := NewSupervisor(SupervisorConfig{MaxWorkers: 1, Logger: logging.Discard()})
	defer sup.Shutdown(context.Background())

	release := make(chan struct{})
	h, err := sup.Start(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	<-h.Started()
	assert.NotEmpty(t, h.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sup.Start(ctx, func(context.Context) error { return nil })
	assert.True(t, errors.Is(err, ErrCouldNotStart))

	close(release)
	<-h.Finished()
	assert.NoError(t, h.Err())

	h, err = sup.Start(context.Background(), func(context.Context) error { panic("boom") })
	require.NoError(t, err)
	<-h.Finished()
	assert.Error(t, h.Err())
}
