package event

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adamj-ops/lending-os-sub002/internal/events/models"
	"github.com/adamj-ops/lending-os-sub002/internal/events/ports"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
)

// Clock abstracts time.Now for testability.
type Clock func() time.Time

// InMemoryStore keeps the event log in process memory. It is the source of
// truth for dev mode and unit tests; postgres is the production store.
type InMemoryStore struct {
	mu          sync.RWMutex
	events      map[id.EventID]*models.DomainEvent
	byAggregate map[id.AggregateID][]*models.DomainEvent
	claimedAt   map[id.EventID]time.Time
	clock       Clock
}

// Option configures an InMemoryStore.
type Option func(*InMemoryStore)

// WithClock sets the clock function for testability.
func WithClock(clock Clock) Option {
	return func(s *InMemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMemory constructs an in-memory event store.
func NewMemory(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{
		events:      make(map[id.EventID]*models.DomainEvent),
		byAggregate: make(map[id.AggregateID][]*models.DomainEvent),
		claimedAt:   make(map[id.EventID]time.Time),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) Append(_ context.Context, event *models.DomainEvent) (*models.DomainEvent, error) {
	if event == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event is required")
	}
	if event.EventType == "" || event.AggregateType == "" || event.AggregateID.IsNil() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event type, aggregate type, and aggregate id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A caller-supplied event id is a deterministic re-emission; colliding
	// with an existing event means the first emission already committed.
	if !event.ID.IsNil() {
		if _, exists := s.events[event.ID]; exists {
			return nil, pkgerrors.Newf(pkgerrors.CodeConflict, "event %s already exists", event.ID)
		}
	}

	now := s.clock()
	stream := s.byAggregate[event.AggregateID]
	next := int64(len(stream)) + 1

	// Optimistic concurrency path: a caller-supplied sequence number must be
	// exactly the next one or the append is stale.
	if event.SequenceNumber != 0 && event.SequenceNumber != next {
		return nil, pkgerrors.Newf(pkgerrors.CodeConflict,
			"stale sequence number %d for aggregate %s (next is %d)",
			event.SequenceNumber, event.AggregateID, next)
	}

	stored := event.Clone()
	if stored.ID.IsNil() {
		stored.ID = id.NewEventID()
	}
	if stored.EventVersion == 0 {
		stored.EventVersion = 1
	}
	if stored.OccurredAt.IsZero() {
		stored.OccurredAt = now
	}
	stored.SequenceNumber = next
	stored.CreatedAt = now
	stored.ProcessingStatus = models.StatusPending
	stored.ProcessedAt = nil
	stored.RetryCount = 0
	stored.ProcessingError = ""

	s.events[stored.ID] = stored
	s.byAggregate[stored.AggregateID] = append(stream, stored)
	return stored.Clone(), nil
}

func (s *InMemoryStore) Get(_ context.Context, eventID id.EventID) (*models.DomainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[eventID]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "event %s not found", eventID)
	}
	return event.Clone(), nil
}

func (s *InMemoryStore) LoadStream(_ context.Context, aggregateID id.AggregateID, fromSequence int64, limit int) ([]*models.DomainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.byAggregate[aggregateID]
	out := make([]*models.DomainEvent, 0, limit)
	for _, event := range stream {
		if event.SequenceNumber <= fromSequence {
			continue
		}
		out = append(out, event.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) Claim(_ context.Context, eventID id.EventID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return false, pkgerrors.Newf(pkgerrors.CodeNotFound, "event %s not found", eventID)
	}
	if event.ProcessingStatus != models.StatusPending && event.ProcessingStatus != models.StatusFailed {
		return false, nil
	}
	event.ProcessingStatus = models.StatusProcessing
	s.claimedAt[eventID] = s.clock()
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, eventID id.EventID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return pkgerrors.Newf(pkgerrors.CodeNotFound, "event %s not found", eventID)
	}
	if event.ProcessingStatus == models.StatusProcessed {
		return nil
	}
	processedAt := at
	event.ProcessingStatus = models.StatusProcessed
	event.ProcessedAt = &processedAt
	event.ProcessingError = ""
	delete(s.claimedAt, eventID)
	return nil
}

func (s *InMemoryStore) MarkFailed(_ context.Context, eventID id.EventID, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return pkgerrors.Newf(pkgerrors.CodeNotFound, "event %s not found", eventID)
	}
	if event.ProcessingStatus == models.StatusProcessed {
		return nil
	}
	event.ProcessingStatus = models.StatusFailed
	event.ProcessingError = errText
	event.RetryCount++
	delete(s.claimedAt, eventID)
	return nil
}

func (s *InMemoryStore) ResetForRetry(_ context.Context, eventID id.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return pkgerrors.Newf(pkgerrors.CodeNotFound, "event %s not found", eventID)
	}
	event.ProcessingStatus = models.StatusPending
	event.ProcessingError = ""
	event.RetryCount = 0
	delete(s.claimedAt, eventID)
	return nil
}

func (s *InMemoryStore) ListDispatchable(_ context.Context, maxRetries, limit int) ([]*models.DomainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.DomainEvent, 0, limit)
	for _, event := range s.events {
		switch event.ProcessingStatus {
		case models.StatusPending:
		case models.StatusFailed:
			if event.RetryCount >= maxRetries {
				continue
			}
		default:
			continue
		}
		out = append(out, event.Clone())
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListFailed(_ context.Context, maxRetries, limit int) ([]*models.DomainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.DomainEvent, 0, limit)
	for _, event := range s.events {
		if event.ProcessingStatus != models.StatusFailed || event.RetryCount < maxRetries {
			continue
		}
		out = append(out, event.Clone())
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ReclaimStale(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0
	for eventID, claimed := range s.claimedAt {
		if !claimed.Before(olderThan) {
			continue
		}
		event, ok := s.events[eventID]
		if !ok || event.ProcessingStatus != models.StatusProcessing {
			delete(s.claimedAt, eventID)
			continue
		}
		event.ProcessingStatus = models.StatusPending
		delete(s.claimedAt, eventID)
		reclaimed++
	}
	return reclaimed, nil
}

func (s *InMemoryStore) RecentEvents(_ context.Context, since time.Time, limit int, filter ports.StreamFilter) ([]*models.DomainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.DomainEvent, 0, limit)
	for _, event := range s.events {
		if event.OccurredAt.Before(since) {
			continue
		}
		if filter.EventType != "" && event.EventType != filter.EventType {
			continue
		}
		if filter.Domain != "" && event.Domain != filter.Domain {
			continue
		}
		out = append(out, event.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortByCreated(events []*models.DomainEvent) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}
