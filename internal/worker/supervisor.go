// Package worker runs on-demand partition creation in isolated worker tasks.
//
// A caller that misses a RANGE lookup hands a creation request to a worker
// started by the Supervisor and blocks until the worker finishes. The worker
// commits the new partition in its own catalog transaction, so a failure
// cannot disturb the caller's work.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/arkilian/partman/internal/logging"
)

// ErrCouldNotStart is returned by Start when no worker could be started.
var ErrCouldNotStart = errors.New("worker: could not start worker")

// Task is the body of a worker. ctx is cancelled when the supervisor dies.
type Task func(ctx context.Context) error

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// MaxWorkers is the number of workers that may run at once (default: 4)
	MaxWorkers int

	Logger *slog.Logger
}

// Supervisor starts worker tasks in a bounded number of slots. Terminating
// the supervisor stands in for the death of the process that owns the
// workers: waiters observe it through Done.
type Supervisor struct {
	slots  chan struct{}
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*Handle
}

// NewSupervisor creates a running supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("worker-supervisor")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		slots:   make(chan struct{}, cfg.MaxWorkers),
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]*Handle),
	}
}

// Handle tracks one started worker.
type Handle struct {
	ID string

	started chan struct{}
	done    chan struct{}
	err     error
}

// Started is closed once the worker is running.
func (h *Handle) Started() <-chan struct{} { return h.started }

// Finished is closed once the worker has returned.
func (h *Handle) Finished() <-chan struct{} { return h.done }

// Err returns the worker's error. Valid after Finished is closed.
func (h *Handle) Err() error { return h.err }

// Start runs task in a free slot. ctx bounds only the wait for a slot; once
// started a worker runs to completion unless the supervisor dies.
func (s *Supervisor) Start(ctx context.Context, task Task) (*Handle, error) {
	if s.ctx.Err() != nil {
		return nil, fmt.Errorf("%w: supervisor terminated", ErrCouldNotStart)
	}

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: no free slot: %v", ErrCouldNotStart, ctx.Err())
	case <-s.ctx.Done():
		return nil, fmt.Errorf("%w: supervisor terminated", ErrCouldNotStart)
	}

	h := &Handle{
		ID:      uuid.New().String(),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.running[h.ID] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(h, task)
	return h, nil
}

func (s *Supervisor) run(h *Handle, task Task) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, h.ID)
		s.mu.Unlock()
		<-s.slots
	}()

	close(h.started)
	s.logger.Debug("worker started", "worker", h.ID)

	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			h.err = fmt.Errorf("worker %s panicked: %v", h.ID, r)
			s.logger.Error("worker panicked", "worker", h.ID, "panic", r)
		}
	}()
	h.err = task(s.ctx)
}

// Running returns the number of workers currently running.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Done is closed when the supervisor has been terminated.
func (s *Supervisor) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Terminate kills the supervisor. Running workers see their context
// cancelled; new workers cannot start.
func (s *Supervisor) Terminate() {
	s.cancel()
	s.logger.Warn("worker supervisor terminated")
}

// Shutdown stops accepting workers and waits for running ones to return.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
