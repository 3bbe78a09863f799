// Package inval provides the in-process relation-change bus that drives
// descriptor cache invalidation.
package inval

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkilian/partman/pkg/types"
	"github.com/google/uuid"
)

// ChangeKind represents the type of catalog change.
type ChangeKind int

const (
	// RelationCreated is published for a new relation, typically a partition.
	RelationCreated ChangeKind = iota
	// RelationDropped is published when a relation is removed.
	RelationDropped
	// InheritanceChanged is published on the parent when its child set changes.
	InheritanceChanged
	// ConfigChanged is published when a partitioning configuration row is
	// inserted, updated or deleted.
	ConfigChanged
	// ConstraintChanged is published on a relation whose check constraints changed.
	ConstraintChanged
)

func (k ChangeKind) String() string {
	switch k {
	case RelationCreated:
		return "relation_created"
	case RelationDropped:
		return "relation_dropped"
	case InheritanceChanged:
		return "inheritance_changed"
	case ConfigChanged:
		return "config_changed"
	case ConstraintChanged:
		return "constraint_changed"
	default:
		return "unknown"
	}
}

// Notification describes one committed catalog change. A Relation of
// types.InvalidOID means every relation may have changed.
type Notification struct {
	Kind      ChangeKind
	Relation  types.OID
	Timestamp int64
}

// Handler is called synchronously for every published notification that
// passes its filter. Handlers must not block.
type Handler func(Notification)

// Bus is an in-process pub/sub bus for catalog change notifications.
// Handlers are invoked synchronously on Publish; channel subscribers
// receive notifications without blocking the publisher.
type Bus struct {
	subscribers sync.Map // id -> *Subscriber
	handlers    sync.Map // id -> Handler
	bufferSize  int
}

// NewBus creates a new bus whose channel subscribers buffer bufferSize notifications.
func NewBus(bufferSize int) *Bus {
	return &Bus{bufferSize: bufferSize}
}

// Publish delivers n to every handler and subscriber.
func (b *Bus) Publish(n Notification) {
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().UnixNano()
	}

	b.handlers.Range(func(_, value interface{}) bool {
		value.(Handler)(n)
		return true
	})

	b.subscribers.Range(func(_, value interface{}) bool {
		sub := value.(*Subscriber)
		if !sub.matches(n.Relation) {
			return true
		}
		sub.deliver(n)
		return true
	})
}

// OnChange registers a synchronous handler and returns its id for Remove.
func (b *Bus) OnChange(h Handler) string {
	id := uuid.NewString()
	b.handlers.Store(id, h)
	return id
}

// Remove unregisters a handler added with OnChange.
func (b *Bus) Remove(id string) {
	b.handlers.Delete(id)
}

// Subscribe adds a channel subscriber. An empty filter receives all relations.
func (b *Bus) Subscribe(filter ...types.OID) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.NewString(),
		Ch:     make(chan Notification, b.bufferSize),
		filter: make(map[types.OID]struct{}, len(filter)),
	}
	for _, oid := range filter {
		sub.filter[oid] = struct{}{}
	}
	b.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	if value, ok := b.subscribers.LoadAndDelete(id); ok {
		sub := value.(*Subscriber)
		sub.mu.Lock()
		sub.closed = true
		close(sub.Ch)
		sub.mu.Unlock()
	}
}

// Subscriber represents a channel subscriber.
type Subscriber struct {
	ID       string
	Ch       chan Notification
	filter   map[types.OID]struct{}
	overflow atomic.Bool

	mu     sync.Mutex
	closed bool
}

func (s *Subscriber) deliver(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.Ch <- n:
	default:
		// Channel full: never block the publisher, remember the loss.
		s.overflow.Store(true)
	}
}

func (s *Subscriber) matches(rel types.OID) bool {
	if len(s.filter) == 0 || !rel.IsValid() {
		return true
	}
	_, ok := s.filter[rel]
	return ok
}

// Overflowed reports and clears whether notifications were dropped since
// the last call. A subscriber that overflowed must treat all state as stale.
func (s *Subscriber) Overflowed() bool {
	return s.overflow.Swap(false)
}
