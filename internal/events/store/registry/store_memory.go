package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adamj-ops/lending-os-sub002/internal/events/models"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
)

// InMemoryStore keeps handler registrations in process memory.
type InMemoryStore struct {
	mu      sync.RWMutex
	byName  map[string]*models.HandlerRegistration
	nextPos int64
	clock   func() time.Time
}

// NewMemory constructs an in-memory registry store.
func NewMemory() *InMemoryStore {
	return &InMemoryStore{
		byName: make(map[string]*models.HandlerRegistration),
		clock:  time.Now,
	}
}

func (s *InMemoryStore) Upsert(_ context.Context, registration *models.HandlerRegistration) (*models.HandlerRegistration, error) {
	if registration == nil || registration.Name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "handler name is required")
	}
	if registration.EventType == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event type is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byName[registration.Name]
	if ok {
		// Configuration change for an existing handler; counters and
		// registration order survive.
		existing.EventType = registration.EventType
		existing.Priority = registration.Priority
		existing.Enabled = registration.Enabled
		return cloneRegistration(existing), nil
	}

	s.nextPos++
	stored := &models.HandlerRegistration{
		ID:        uuid.New(),
		Name:      registration.Name,
		EventType: registration.EventType,
		Priority:  registration.Priority,
		Position:  s.nextPos,
		Enabled:   registration.Enabled,
		CreatedAt: s.clock(),
	}
	s.byName[stored.Name] = stored
	return cloneRegistration(stored), nil
}

func (s *InMemoryStore) Resolve(_ context.Context, eventType string) ([]*models.HandlerRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.HandlerRegistration
	for _, registration := range s.byName {
		if !registration.Enabled || registration.EventType != eventType {
			continue
		}
		out = append(out, cloneRegistration(registration))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (s *InMemoryStore) RecordOutcome(_ context.Context, name string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	registration, ok := s.byName[name]
	if !ok {
		return pkgerrors.Newf(pkgerrors.CodeNotFound, "handler %q not registered", name)
	}
	if success {
		registration.SuccessCount++
	} else {
		registration.FailureCount++
	}
	executedAt := at
	registration.LastExecutedAt = &executedAt
	return nil
}

func (s *InMemoryStore) SetEnabled(_ context.Context, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	registration, ok := s.byName[name]
	if !ok {
		return pkgerrors.Newf(pkgerrors.CodeNotFound, "handler %q not registered", name)
	}
	registration.Enabled = enabled
	return nil
}

func (s *InMemoryStore) List(_ context.Context) ([]*models.HandlerRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.HandlerRegistration, 0, len(s.byName))
	for _, registration := range s.byName {
		out = append(out, cloneRegistration(registration))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func cloneRegistration(registration *models.HandlerRegistration) *models.HandlerRegistration {
	out := *registration
	if registration.LastExecutedAt != nil {
		t := *registration.LastExecutedAt
		out.LastExecutedAt = &t
	}
	return &out
}
