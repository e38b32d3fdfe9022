package proclog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adamj-ops/lending-os-sub002/internal/events/models"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
)

type pairKey struct {
	eventID id.EventID
	handler string
}

// InMemoryStore keeps the processing log in process memory.
type InMemoryStore struct {
	mu        sync.RWMutex
	byEvent   map[id.EventID][]*models.ProcessingLogEntry
	succeeded map[pairKey]bool
}

// NewMemory constructs an in-memory processing log store.
func NewMemory() *InMemoryStore {
	return &InMemoryStore{
		byEvent:   make(map[id.EventID][]*models.ProcessingLogEntry),
		succeeded: make(map[pairKey]bool),
	}
}

func (s *InMemoryStore) Append(_ context.Context, entry *models.ProcessingLogEntry) error {
	if entry == nil || entry.EventID.IsNil() || entry.HandlerName == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "event id and handler name are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *entry
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.AttemptedAt.IsZero() {
		stored.AttemptedAt = time.Now()
	}
	s.byEvent[stored.EventID] = append(s.byEvent[stored.EventID], &stored)

	if stored.Outcome == models.OutcomeSuccess {
		s.succeeded[pairKey{eventID: stored.EventID, handler: stored.HandlerName}] = true
	}
	return nil
}

func (s *InMemoryStore) HasSucceeded(_ context.Context, eventID id.EventID, handlerName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.succeeded[pairKey{eventID: eventID, handler: handlerName}], nil
}

func (s *InMemoryStore) ListByEvent(_ context.Context, eventID id.EventID) ([]*models.ProcessingLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.byEvent[eventID]
	out := make([]*models.ProcessingLogEntry, 0, len(entries))
	for _, entry := range entries {
		clone := *entry
		out = append(out, &clone)
	}
	return out, nil
}
