package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arkilian/partman/internal/catalog"
	"github.com/arkilian/partman/internal/inval"
	"github.com/arkilian/partman/internal/logging"
	"github.com/arkilian/partman/internal/partition"
)

// PoolConfig holds configuration for the session pool.
type PoolConfig struct {
	// Size is the number of sessions, each with its own cache (default: 4)
	Size int

	// AutoCreate is passed to every session
	AutoCreate bool

	Logger *slog.Logger
}

// Pool hands out a fixed set of sessions to concurrent requests, one request
// per session at a time, the way a server hands connections to clients.
type Pool struct {
	mu     sync.Mutex
	idle   chan *Session
	all    []*Session
	closed bool
	logger *slog.Logger
}

// NewPool creates cfg.Size sessions on r and bus.
func NewPool(r catalog.Reader, bus *inval.Bus, creator PartitionCreator, cfg PoolConfig) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("session")
	}
	p := &Pool{
		idle:   make(chan *Session, cfg.Size),
		all:    make([]*Session, 0, cfg.Size),
		logger: cfg.Logger,
	}
	for i := 0; i < cfg.Size; i++ {
		s := New(r, bus, creator, Config{AutoCreate: cfg.AutoCreate, Logger: cfg.Logger})
		p.all = append(p.all, s)
		p.idle <- s
	}
	return p
}

// Acquire waits for an idle session. The caller must Release it.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("session: pool is closed")
	}

	select {
	case s, ok := <-p.idle:
		if !ok {
			return nil, fmt.Errorf("session: pool is closed")
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns s to the pool.
func (p *Pool) Release(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.idle <- s
}

// Size returns the number of sessions in the pool.
func (p *Pool) Size() int {
	return len(p.all)
}

// Stats sums the cache statistics of all sessions.
func (p *Pool) Stats() partition.CacheStats {
	var total partition.CacheStats
	for _, s := range p.all {
		st := s.Cache().Stats()
		total.Hits += st.Hits
		total.Misses += st.Misses
		total.Rebuilds += st.Rebuilds
		total.Invalidations += st.Invalidations
		total.Disabled += st.Disabled
	}
	return total
}

// Close closes every session. Sessions still acquired are closed too; using
// them afterwards fails.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.idle)
	p.mu.Unlock()

	for _, s := range p.all {
		s.Close()
	}
	p.logger.Debug("session pool closed", "sessions", len(p.all))
	return nil
}
