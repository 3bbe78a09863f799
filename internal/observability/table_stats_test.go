package observability

import (
	"sync"
	"testing"
	"time"

	"github.com/arkilian/partman/pkg/types"
)

func TestRecordConcurrent(t *testing.T) {
	s := NewTableStats(time.Hour)
	var wg sync.WaitGroup
	numGoroutines := 10
	recordsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < recordsPerGoroutine; j++ {
				s.RecordRoute(1, j == 0)
				s.RecordPrune(2, 1, 4, 1)
			}
		}()
	}
	wg.Wait()

	top := s.Top(10)
	if len(top) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(top))
	}
	want := int64(numGoroutines * recordsPerGoroutine)
	for _, a := range top {
		switch a.Table {
		case 1:
			if a.Routes != want || a.Created != int64(numGoroutines) {
				t.Errorf("table 1: routes=%d created=%d", a.Routes, a.Created)
			}
		case 2:
			if a.Prunes != want || a.Selected != want || a.Total != 4*want || a.Lossy != want {
				t.Errorf("table 2: %+v", a)
			}
		}
	}
}

func TestTopOrdering(t *testing.T) {
	s := NewTableStats(time.Hour)
	for i := 0; i < 10; i++ {
		s.RecordRoute(7, false)
	}
	for i := 0; i < 20; i++ {
		s.RecordPrune(3, 1, 2, 0)
	}
	s.RecordRoute(5, false)

	top := s.Top(2)
	if len(top) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(top))
	}
	if top[0].Table != 3 || top[1].Table != 7 {
		t.Errorf("unexpected order: %v, %v", top[0].Table, top[1].Table)
	}

	// Copies: mutating the result does not touch the tracker.
	top[0].Prunes = 0
	if s.Top(1)[0].Prunes != 20 {
		t.Error("Top returned a live entry")
	}

	if got := s.Top(0); len(got) != 0 {
		t.Errorf("Top(0) returned %d entries", len(got))
	}
}

func TestExpire(t *testing.T) {
	s := NewTableStats(time.Minute)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.RecordRoute(1, false)

	s.now = func() time.Time { return base.Add(50 * time.Second) }
	s.RecordRoute(2, false)

	s.now = func() time.Time { return base.Add(90 * time.Second) }
	s.Expire()

	top := s.Top(10)
	if len(top) != 1 || top[0].Table != types.OID(2) {
		t.Fatalf("expected only table 2 to survive, got %+v", top)
	}
}
