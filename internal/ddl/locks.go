package ddl

import (
	"sync"

	"github.com/arkilian/partman/pkg/types"
)

// Locks serializes partition creation per parent table within a process.
// Creations for different parents never contend. Across processes the catalog
// write transaction provides the same guarantee.
type Locks struct {
	mu    sync.RWMutex
	locks map[types.OID]*sync.Mutex
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{locks: make(map[types.OID]*sync.Mutex)}
}

// Lock acquires the lock of parent and returns its release function.
func (l *Locks) Lock(parent types.OID) func() {
	m := l.get(parent)
	m.Lock()
	return m.Unlock
}

func (l *Locks) get(parent types.OID) *sync.Mutex {
	l.mu.RLock()
	if m, ok := l.locks[parent]; ok {
		l.mu.RUnlock()
		return m
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check after acquiring the write lock
	if m, ok := l.locks[parent]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.locks[parent] = m
	return m
}
