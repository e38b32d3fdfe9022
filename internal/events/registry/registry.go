// Package registry routes event types to their subscribed handlers.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adamj-ops/lending-os-sub002/internal/events/models"
	"github.com/adamj-ops/lending-os-sub002/internal/events/ports"
)

// Type alias for the shared store interface.
type Store = ports.RegistryStore

// Service is the handler registry: it owns registrations and rolling
// counters, and resolves the execution order for a dispatch.
type Service struct {
	store  Store
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates a registry service.
func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("registry store is required")
	}
	svc := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Register upserts a registration keyed by handler name. Re-registering an
// existing name is a configuration change; counters survive.
func (s *Service) Register(ctx context.Context, name, eventType string, priority int, enabled bool) (*models.HandlerRegistration, error) {
	registration, err := s.store.Upsert(ctx, &models.HandlerRegistration{
		Name:      name,
		EventType: eventType,
		Priority:  priority,
		Enabled:   enabled,
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "handler registered",
		"handler", name, "event_type", eventType, "priority", priority, "enabled", enabled)
	return registration, nil
}

// Resolve returns the enabled handlers for an event type in execution order.
func (s *Service) Resolve(ctx context.Context, eventType string) ([]*models.HandlerRegistration, error) {
	return s.store.Resolve(ctx, eventType)
}

// RecordOutcome updates the rolling counters for a handler. It never returns
// an error to the dispatch path; a failed counter update is logged and
// swallowed so bookkeeping cannot fail the dispatch itself.
func (s *Service) RecordOutcome(ctx context.Context, name string, success bool, at time.Time) {
	if err := s.store.RecordOutcome(ctx, name, success, at); err != nil {
		s.logger.WarnContext(ctx, "failed to record handler outcome",
			"handler", name, "success", success, "error", err)
	}
}

// SetEnabled toggles a handler without losing its counters.
func (s *Service) SetEnabled(ctx context.Context, name string, enabled bool) error {
	return s.store.SetEnabled(ctx, name, enabled)
}

// List returns every registration.
func (s *Service) List(ctx context.Context) ([]*models.HandlerRegistration, error) {
	return s.store.List(ctx)
}
