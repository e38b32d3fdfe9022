// Package service exposes the publish contract every domain service uses to
// originate events.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adamj-ops/lending-os-sub002/internal/events/metrics"
	"github.com/adamj-ops/lending-os-sub002/internal/events/models"
	"github.com/adamj-ops/lending-os-sub002/internal/events/ports"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
	"github.com/adamj-ops/lending-os-sub002/pkg/requestcontext"
)

// Dispatcher is the slice of the dispatch package the publisher needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *models.DomainEvent) error
}

// Projector receives every accepted event for read-model materialization.
type Projector interface {
	Ingest(ctx context.Context, event *models.DomainEvent) error
}

// Relay forwards accepted events to an external stream. Best effort.
type Relay interface {
	Publish(ctx context.Context, event *models.DomainEvent)
}

// Publisher validates and appends domain events, then fans them out. The
// append is the commit point: validation failures reject synchronously with
// nothing persisted, while everything after a successful append is recovered
// locally and never unwinds the event.
type Publisher struct {
	store      ports.EventStore
	dispatcher Dispatcher
	projector  Projector
	relay      Relay
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// WithProjector sets the analytics projector.
func WithProjector(projector Projector) Option {
	return func(p *Publisher) { p.projector = projector }
}

// WithRelay sets the external stream relay.
func WithRelay(relay Relay) Option {
	return func(p *Publisher) { p.relay = relay }
}

// WithMetrics sets the pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// New creates a Publisher. The dispatcher is attached afterwards via
// SetDispatcher because settlement handlers need the publisher while the
// dispatcher needs the handlers.
func New(store ports.EventStore, opts ...Option) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("event store is required")
	}
	p := &Publisher{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SetDispatcher completes the wiring cycle. Call once during startup, before
// the publisher serves traffic.
func (p *Publisher) SetDispatcher(dispatcher Dispatcher) {
	p.dispatcher = dispatcher
}

// Publish validates the request, appends the event, and dispatches it
// inline. Post-append failures are logged and left to the recovery sweeper;
// the caller always gets the stored event back once the append succeeded.
func (p *Publisher) Publish(ctx context.Context, req ports.PublishRequest) (*models.DomainEvent, error) {
	if req.EventType == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "eventType is required")
	}
	if req.AggregateType == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "aggregateType is required")
	}
	if req.AggregateID.IsNil() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "aggregateId is required")
	}

	// Known event types must carry a well-formed payload; unknown types pass
	// through as generic structured maps.
	if _, err := models.DecodePayload(req.EventType, req.Payload); err != nil {
		return nil, err
	}

	metadata := req.Metadata
	if actor := requestcontext.Actor(ctx); actor != "" {
		if metadata == nil {
			metadata = make(map[string]string, 1)
		}
		if _, ok := metadata["actor"]; !ok {
			metadata["actor"] = actor
		}
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = requestcontext.Now(ctx)
	}

	event := &models.DomainEvent{
		ID:            req.EventID,
		EventType:     req.EventType,
		AggregateType: req.AggregateType,
		AggregateID:   req.AggregateID,
		Domain:        req.Domain,
		Payload:       req.Payload,
		Metadata:      metadata,
		CausationID:   req.CausationID,
		CorrelationID: req.CorrelationID,
		OccurredAt:    occurredAt,
	}

	stored, err := p.store.Append(ctx, event)
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.EventsAppended.WithLabelValues(stored.EventType).Inc()
	}
	p.logger.InfoContext(ctx, "event appended",
		"event_id", stored.ID.String(), "event_type", stored.EventType,
		"aggregate_id", stored.AggregateID.String(), "sequence", stored.SequenceNumber)

	if p.projector != nil {
		if err := p.projector.Ingest(ctx, stored); err != nil {
			// Snapshots are rebuildable by replay; never fail the publish.
			p.logger.WarnContext(ctx, "analytics ingest failed",
				"event_id", stored.ID.String(), "error", err)
		}
	}
	if p.relay != nil {
		p.relay.Publish(ctx, stored)
	}

	if p.dispatcher != nil {
		if err := p.dispatcher.Dispatch(ctx, stored); err != nil {
			// The event already happened; only its reactions lag. The
			// recovery sweeper picks it up.
			p.logger.ErrorContext(ctx, "inline dispatch failed",
				"event_id", stored.ID.String(), "error", err)
		}
	}
	return stored, nil
}
