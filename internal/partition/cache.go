package partition

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/arkilian/partman/internal/catalog"
	perrors "github.com/arkilian/partman/internal/errors"
	"github.com/arkilian/partman/internal/inval"
	"github.com/arkilian/partman/internal/logging"
	"github.com/arkilian/partman/pkg/types"
)

// Options configures a Cache.
type Options struct {
	Logger *slog.Logger
}

// entry is the cached state of one table: a descriptor, or the configuration
// error that disabled partitioning for it.
type entry struct {
	desc *Descriptor
	err  error
	// children are tracked for disabled tables too, so that repairing a
	// child's constraint re-enables the parent.
	children []types.OID
}

// CacheStats counts cache activity.
type CacheStats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Rebuilds      int64 `json:"rebuilds"`
	Invalidations int64 `json:"invalidations"`
	Disabled      int64 `json:"disabled"`
}

// Cache is a per-process descriptor cache. Entries are built lazily on first
// access and dropped when a change notification arrives for the table, one of
// its children, or the whole catalog. Rebuilding a table runs outside the
// cache lock, so lookups of other tables never wait on it, and a finished
// descriptor replaces the old entry in a single map store.
type Cache struct {
	reader catalog.Reader
	bus    *inval.Bus
	logger *slog.Logger

	handlerID string
	group     singleflight.Group

	mu      sync.RWMutex
	entries map[types.OID]*entry
	parents map[types.OID]types.OID // child -> parent
	// gen counts invalidations per table; a build started before an
	// invalidation must not install its result.
	gen    map[types.OID]uint64
	epoch  uint64
	closed bool

	hits, misses, rebuilds, invalidations, disabled atomic.Int64
}

// NewCache creates a cache reading from r. When bus is non-nil the cache
// registers an invalidation handler on it; Close removes it.
func NewCache(r catalog.Reader, bus *inval.Bus, opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = logging.Component("partition-cache")
	}
	c := &Cache{
		reader:  r,
		bus:     bus,
		logger:  opts.Logger,
		entries: make(map[types.OID]*entry),
		parents: make(map[types.OID]types.OID),
		gen:     make(map[types.OID]uint64),
	}
	if bus != nil {
		c.handlerID = bus.OnChange(c.handle)
	}
	return c
}

// handle is the invalidation callback registered on the bus.
func (c *Cache) handle(n inval.Notification) {
	if !n.Relation.IsValid() {
		c.InvalidateAll()
		return
	}
	if parent, ok := c.Parent(n.Relation); ok {
		c.Invalidate(parent)
	}
	c.Invalidate(n.Relation)
}

// Load rebuilds every configured table. A table whose definition is invalid is
// disabled on its own; other tables are unaffected. Only a failure to read the
// configuration rows is returned.
func (c *Cache) Load(ctx context.Context) error {
	c.mu.RLock()
	startEpoch := c.epoch
	startGen := make(map[types.OID]uint64, len(c.gen))
	for k, v := range c.gen {
		startGen[k] = v
	}
	c.mu.RUnlock()

	rows, err := c.reader.ReadConfigRows(ctx)
	if err != nil {
		return err
	}

	built := make(map[types.OID]*entry, len(rows))
	for _, row := range rows {
		e, err := c.buildEntry(ctx, row)
		if err != nil {
			return err
		}
		built[row.Table] = e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.epoch != startEpoch {
		// Everything changed underneath us; the next Get rebuilds lazily.
		return nil
	}
	c.entries = make(map[types.OID]*entry, len(built))
	c.parents = make(map[types.OID]types.OID)
	for table, e := range built {
		if c.gen[table] != startGen[table] {
			continue
		}
		c.installLocked(table, e)
	}
	c.logger.Info("descriptor cache loaded", "tables", len(built))
	return nil
}

// Get returns the descriptor of table. It fails with a catalog not-found error
// when the table is not partitioned, and with a configuration error when its
// partitioning is disabled by an invalid definition.
func (c *Cache) Get(ctx context.Context, table types.OID) (*Descriptor, error) {
	c.mu.RLock()
	e, ok := c.entries[table]
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, perrors.NewInternalError("descriptor cache is closed", nil)
	}
	if ok {
		c.hits.Add(1)
		return e.desc, e.err
	}
	c.misses.Add(1)

	// The build is shared by every waiter, so it must not inherit the first
	// caller's cancellation. Each caller still stops waiting on its own ctx.
	buildCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(strconv.FormatUint(uint64(table), 10), func() (interface{}, error) {
		return c.rebuild(buildCtx, table)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		e = res.Val.(*entry)
		return e.desc, e.err
	}
}

func (c *Cache) rebuild(ctx context.Context, table types.OID) (*entry, error) {
	c.mu.RLock()
	startGen, startEpoch := c.gen[table], c.epoch
	c.mu.RUnlock()

	row, err := c.reader.ConfigRow(ctx, table)
	if err != nil {
		return nil, err
	}
	e, err := c.buildEntry(ctx, row)
	if err != nil {
		return nil, err
	}
	c.rebuilds.Add(1)

	c.mu.Lock()
	if !c.closed && c.gen[table] == startGen && c.epoch == startEpoch {
		c.installLocked(table, e)
	}
	c.mu.Unlock()
	return e, nil
}

// buildEntry builds the descriptor of row. Configuration errors become a
// disabled entry; catalog failures are returned and nothing is cached.
func (c *Cache) buildEntry(ctx context.Context, row types.ConfigRow) (*entry, error) {
	d, err := BuildDescriptor(ctx, c.reader, row)
	if err == nil {
		return &entry{desc: d, children: d.Children}, nil
	}
	if !perrors.HasCategory(err, perrors.ErrCategoryConfiguration) {
		return nil, err
	}
	c.disabled.Add(1)
	c.logger.Error("partitioning disabled", "table", row.Table, "error", err)
	children, _ := c.reader.ListDirectChildren(ctx, row.Table)
	return &entry{
		err: perrors.NewConfigurationError(perrors.CodePartitioningDisabled,
			fmt.Sprintf("partitioning of table %d is disabled", row.Table), err),
		children: children,
	}, nil
}

func (c *Cache) installLocked(table types.OID, e *entry) {
	if old, ok := c.entries[table]; ok {
		for _, child := range old.children {
			delete(c.parents, child)
		}
	}
	c.entries[table] = e
	for _, child := range e.children {
		c.parents[child] = table
	}
}

// Invalidate drops the cached state of table. The next Get rebuilds it.
func (c *Cache) Invalidate(table types.OID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[table]++
	e, ok := c.entries[table]
	if !ok {
		return
	}
	for _, child := range e.children {
		delete(c.parents, child)
	}
	delete(c.entries, table)
	c.invalidations.Add(1)
}

// InvalidateAll drops every cached table.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.entries = make(map[types.OID]*entry)
	c.parents = make(map[types.OID]types.OID)
	c.invalidations.Add(1)
}

// Parent returns the partitioned table child belongs to, if the parent's
// descriptor is cached.
func (c *Cache) Parent(child types.OID) (types.OID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.parents[child]
	return p, ok
}

// Tables returns the ids of the cached tables, including disabled ones.
func (c *Cache) Tables() []types.OID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.OID, 0, len(c.entries))
	for id := range c.entries {
		out = append(out, id)
	}
	return out
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Rebuilds:      c.rebuilds.Load(),
		Invalidations: c.invalidations.Load(),
		Disabled:      c.disabled.Load(),
	}
}

// Close unregisters the invalidation handler and drops all entries.
func (c *Cache) Close() error {
	if c.bus != nil && c.handlerID != "" {
		c.bus.Remove(c.handlerID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.entries = nil
	c.parents = nil
	return nil
}
