// Package observability tracks per-table routing and pruning activity so
// operators can see which partitioned tables are hot and how well their
// predicates prune.
package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/arkilian/partman/pkg/types"
)

// TableStats aggregates activity per partitioned table over a sliding window.
type TableStats struct {
	mu     sync.RWMutex
	tables map[types.OID]*TableActivity
	window time.Duration
	now    func() time.Time
}

// TableActivity holds the counters of one table.
type TableActivity struct {
	Table types.OID `json:"table"`
	// Routes counts routed values; Created counts those that needed a new partition.
	Routes  int64 `json:"routes"`
	Created int64 `json:"created"`
	// Prunes counts pruned predicates. Selected and Total sum the selected
	// children and the children available, so Selected/Total is the scan ratio.
	Prunes   int64     `json:"prunes"`
	Selected int64     `json:"selected"`
	Total    int64     `json:"total"`
	Lossy    int64     `json:"lossy"`
	LastSeen time.Time `json:"last_seen"`
}

// NewTableStats creates a tracker that forgets tables idle for longer than window.
func NewTableStats(window time.Duration) *TableStats {
	return &TableStats{
		tables: make(map[types.OID]*TableActivity),
		window: window,
		now:    time.Now,
	}
}

func (s *TableStats) entryLocked(table types.OID) *TableActivity {
	a, ok := s.tables[table]
	if !ok {
		a = &TableActivity{Table: table}
		s.tables[table] = a
	}
	a.LastSeen = s.now()
	return a
}

// RecordRoute records one routed value.
func (s *TableStats) RecordRoute(table types.OID, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.entryLocked(table)
	a.Routes++
	if created {
		a.Created++
	}
}

// RecordPrune records one pruned predicate that kept selected of total
// children, lossy of them needing a recheck.
func (s *TableStats) RecordPrune(table types.OID, selected, total, lossy int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.entryLocked(table)
	a.Prunes++
	a.Selected += int64(selected)
	a.Total += int64(total)
	a.Lossy += int64(lossy)
}

// Top returns copies of the n busiest tables, by routes plus prunes.
func (s *TableStats) Top(n int) []TableActivity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.tables) == 0 {
		return []TableActivity{}
	}

	out := make([]TableActivity, 0, len(s.tables))
	for _, a := range s.tables {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].Routes+out[i].Prunes, out[j].Routes+out[j].Prunes
		if ai != aj {
			return ai > aj
		}
		return out[i].Table < out[j].Table
	})

	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}

// Expire removes tables not seen within the window.
// This should be called periodically (e.g., every 5 minutes).
func (s *TableStats) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := s.now().Add(-s.window)
	for table, a := range s.tables {
		if a.LastSeen.Before(threshold) {
			delete(s.tables, table)
		}
	}
}
