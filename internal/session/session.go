// Package session is the per-connection entry point to partitioning: each
// session owns its own descriptor cache, kept current by catalog
// invalidations, and routes values and predicates to children.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arkilian/partman/internal/catalog"
	perrors "github.com/arkilian/partman/internal/errors"
	"github.com/arkilian/partman/internal/inval"
	"github.com/arkilian/partman/internal/logging"
	"github.com/arkilian/partman/internal/partition"
	"github.com/arkilian/partman/internal/prune"
	"github.com/arkilian/partman/internal/rangeset"
	"github.com/arkilian/partman/pkg/types"
)

// PartitionCreator creates the RANGE partition covering a value that no
// existing partition covers.
type PartitionCreator interface {
	CreateMissingRangePartition(ctx context.Context, table types.OID, value types.Value) (types.OID, error)
}

// Config configures a Session.
type Config struct {
	// AutoCreate creates missing RANGE partitions through Creator on a miss
	AutoCreate bool

	Logger *slog.Logger
}

// Session routes values and predicates for one connection.
type Session struct {
	cache   *partition.Cache
	creator PartitionCreator
	cfg     Config
	logger  *slog.Logger
}

// New opens a session reading from r and invalidated through bus. creator may
// be nil when partitions are never created on demand.
func New(r catalog.Reader, bus *inval.Bus, creator PartitionCreator, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("session")
	}
	return &Session{
		cache:   partition.NewCache(r, bus, partition.Options{Logger: cfg.Logger}),
		creator: creator,
		cfg:     cfg,
		logger:  cfg.Logger,
	}
}

// Cache exposes the session's descriptor cache.
func (s *Session) Cache() *partition.Cache {
	return s.cache
}

// Descriptor returns the current descriptor of table.
func (s *Session) Descriptor(ctx context.Context, table types.OID) (*partition.Descriptor, error) {
	return s.cache.Get(ctx, table)
}

// Route is the child a value was routed to.
type Route struct {
	ChildID types.OID `json:"child_id"`
	Index   int       `json:"index"`
	// Created is set when the child was created for this value.
	Created bool `json:"created"`
}

// Route resolves the child of table that holds value. A RANGE value outside
// every partition gets a new partition when auto-creation is enabled.
func (s *Session) Route(ctx context.Context, table types.OID, value types.Value) (Route, error) {
	d, err := s.cache.Get(ctx, table)
	if err != nil {
		return Route{}, err
	}
	if err := d.TypeInfo().Validate(value); err != nil {
		return Route{}, perrors.NewValidationError(perrors.CodeUnsupportedType,
			fmt.Sprintf("value for table %d: %v", table, err))
	}

	if !d.IsRange() {
		idx := partition.MatchHashPartition(d, value)
		if idx < 0 {
			return Route{}, noPartition(table, value, nil)
		}
		return Route{ChildID: d.Child(idx), Index: idx}, nil
	}

	if idx, ok := partition.MatchRangePartition(d, value); ok {
		return Route{ChildID: d.Child(idx), Index: idx}, nil
	}
	if !s.cfg.AutoCreate || s.creator == nil {
		return Route{}, noPartition(table, value, nil)
	}

	child, err := s.creator.CreateMissingRangePartition(ctx, table, value)
	if err != nil {
		return Route{}, err
	}
	s.logger.Info("created partition on demand", "table", table, "partition", child, "value", value.String())

	// The commit already invalidated the cache through the bus unless the
	// worker wrote through another catalog handle.
	s.cache.Invalidate(table)
	d, err = s.cache.Get(ctx, table)
	if err != nil {
		return Route{}, err
	}
	idx, ok := partition.MatchRangePartition(d, value)
	if !ok || d.Child(idx) != child {
		return Route{}, noPartition(table, value, fmt.Errorf("created partition %d does not cover the value", child))
	}
	return Route{ChildID: child, Index: idx, Created: true}, nil
}

func noPartition(table types.OID, value types.Value, cause error) error {
	return perrors.NewCreationError(perrors.CodeNoResult,
		fmt.Sprintf("no partition of table %d for value %s", table, value), cause)
}

// Prune returns the children of table that where can select, with the
// canonical range set they came from.
func (s *Session) Prune(ctx context.Context, table types.OID, where string) ([]prune.PrunedChild, rangeset.List, error) {
	d, err := s.cache.Get(ctx, table)
	if err != nil {
		return nil, nil, err
	}
	list, err := prune.PruneText(d, where)
	if err != nil {
		return nil, nil, perrors.NewValidationError(perrors.CodeUnrecognizedShape,
			fmt.Sprintf("predicate for table %d: %v", table, err))
	}
	return prune.Children(d, list), list, nil
}

// Close releases the session's cache and its invalidation handler.
func (s *Session) Close() error {
	return s.cache.Close()
}
