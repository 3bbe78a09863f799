package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	crdberrors "github.com/cockroachdb/errors"

	"github.com/arkilian/partman/internal/catalog"
	perrors "github.com/arkilian/partman/internal/errors"
	"github.com/arkilian/partman/internal/logging"
	"github.com/arkilian/partman/internal/partition"
	"github.com/arkilian/partman/pkg/types"
)

// Creator creates the RANGE partition of parent covering value, or returns
// the partition that already covers it.
type Creator interface {
	CreatePartitionsInternal(ctx context.Context, parent types.OID, value types.Value) (types.OID, error)
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// DatabaseID is stamped on every request; workers refuse requests for
	// another database.
	DatabaseID uint32

	// StartTimeout bounds the wait for a free worker slot (default: 10s)
	StartTimeout time.Duration

	Logger *slog.Logger
}

// Coordinator creates missing RANGE partitions on behalf of callers by
// running the creation in a supervised worker.
type Coordinator struct {
	sup     *Supervisor
	reader  catalog.Reader
	creator Creator
	cfg     CoordinatorConfig
	logger  *slog.Logger

	// segments counts segments that have not been released yet.
	segments atomic.Int64
}

// NewCoordinator creates a coordinator. Workers read partitioning from r and
// create partitions with creator.
func NewCoordinator(sup *Supervisor, r catalog.Reader, creator Creator, cfg CoordinatorConfig) *Coordinator {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("worker-coordinator")
	}
	return &Coordinator{sup: sup, reader: r, creator: creator, cfg: cfg, logger: cfg.Logger}
}

// OutstandingSegments returns the number of segments not yet released.
func (c *Coordinator) OutstandingSegments() int64 {
	return c.segments.Load()
}

// CreateMissingRangePartition creates the partition of table that covers
// value and returns its id. The caller blocks until the worker finishes;
// ctx only bounds the wait for a worker slot.
//
// Errors: a worker that cannot start and a supervisor that dies while the
// worker runs are fatal concurrency errors. A worker that fails or produces
// no partition yields a creation error.
func (c *Coordinator) CreateMissingRangePartition(ctx context.Context, table types.OID, value types.Value) (types.OID, error) {
	info, err := types.Lookup(value.Type)
	if err != nil {
		return types.InvalidOID, perrors.NewCreationError(perrors.CodeUnsupportedType,
			fmt.Sprintf("value for table %d", table), err)
	}

	seg := NewSegment(NewRequest(c.cfg.DatabaseID, table, value, info.FixedSize > 0))
	c.segments.Add(1)
	seg.onFree = func() { c.segments.Add(-1) }
	defer seg.Release()

	startCtx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	defer cancel()
	h, err := c.sup.Start(startCtx, func(wctx context.Context) error {
		return c.work(wctx, seg)
	})
	if err != nil {
		return types.InvalidOID, perrors.NewConcurrencyError(perrors.CodeWorkerStartFailed,
			fmt.Sprintf("could not start partition worker for table %d", table), err)
	}

	if err := c.wait(h.Started(), table); err != nil {
		return types.InvalidOID, err
	}
	if err := c.wait(h.Finished(), table); err != nil {
		return types.InvalidOID, err
	}

	if err := h.Err(); err != nil {
		c.logger.Warn("partition worker failed", "table", table, "worker", h.ID, "error", err)
		if perrors.GetCategory(err) != "" {
			return types.InvalidOID, crdberrors.Wrapf(err, "create partition of table %d for %s", table, value)
		}
		return types.InvalidOID, perrors.NewCreationError(perrors.CodeNoResult,
			fmt.Sprintf("could not create partition of table %d for %s", table, value), err)
	}

	child := seg.Result()
	if !child.IsValid() {
		return types.InvalidOID, perrors.NewCreationError(perrors.CodeNoResult,
			fmt.Sprintf("could not create partition of table %d for %s", table, value), nil)
	}
	c.logger.Debug("partition worker finished", "table", table, "partition", child, "worker", h.ID)
	return child, nil
}

// wait blocks on ch unless the supervisor dies first.
func (c *Coordinator) wait(ch <-chan struct{}, table types.OID) error {
	select {
	case <-ch:
		return nil
	case <-c.sup.Done():
		// Prefer a result that is already there.
		select {
		case <-ch:
			return nil
		default:
		}
		return perrors.NewConcurrencyError(perrors.CodeSupervisorDied,
			fmt.Sprintf("worker supervisor died while creating a partition of table %d", table), nil)
	}
}

// work is the worker side of a request.
func (c *Coordinator) work(ctx context.Context, seg *Segment) error {
	req, err := seg.Request()
	if err != nil {
		return err
	}
	if req.DatabaseID != c.cfg.DatabaseID {
		return perrors.NewCreationError(perrors.CodeNoResult,
			fmt.Sprintf("request for database %d reached worker of database %d", req.DatabaseID, c.cfg.DatabaseID), nil)
	}

	value := req.Value()
	info, err := types.Lookup(value.Type)
	if err != nil {
		return perrors.NewCreationError(perrors.CodeUnsupportedType, "request value", err)
	}
	if req.ValueIsFixedSize != (info.FixedSize > 0) {
		return perrors.NewCreationError(perrors.CodeUnsupportedType,
			fmt.Sprintf("request value of type %s has the wrong size class", info.Name), nil)
	}

	// The worker sees the catalog through its own cache, not the caller's.
	cache := partition.NewCache(c.reader, nil, partition.Options{Logger: c.logger})
	defer cache.Close()
	d, err := cache.Get(ctx, req.ParentTableID)
	if err != nil {
		return err
	}
	if !d.IsRange() {
		return perrors.NewCreationError(perrors.CodeNotRangeStrategy,
			fmt.Sprintf("table %d is not RANGE partitioned", req.ParentTableID), nil)
	}

	child, err := c.creator.CreatePartitionsInternal(ctx, req.ParentTableID, value)
	if err != nil {
		return err
	}
	return seg.SetResult(child)
}
