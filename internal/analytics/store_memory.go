package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type snapshotKey struct {
	domain string
	day    time.Time
}

// InMemorySnapshots keeps snapshots in process memory for dev mode and tests.
type InMemorySnapshots struct {
	mu   sync.RWMutex
	data map[snapshotKey]*Snapshot
}

// NewMemorySnapshots constructs an empty in-memory snapshot store.
func NewMemorySnapshots() *InMemorySnapshots {
	return &InMemorySnapshots{data: make(map[snapshotKey]*Snapshot)}
}

func (s *InMemorySnapshots) Apply(_ context.Context, domain string, day time.Time, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snapshotKey{domain: domain, day: day}
	snap, ok := s.data[key]
	if !ok {
		snap = &Snapshot{Domain: domain, Day: day}
		s.data[key] = snap
	}
	snap.EventCount++
	snap.TotalAmount = snap.TotalAmount.Add(amount)
	return nil
}

func (s *InMemorySnapshots) Get(_ context.Context, domain string, day time.Time) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.data[snapshotKey{domain: domain, day: day}]
	if !ok {
		return &Snapshot{Domain: domain, Day: day}, nil
	}
	out := *snap
	return &out, nil
}

func (s *InMemorySnapshots) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[snapshotKey]*Snapshot)
	return nil
}
