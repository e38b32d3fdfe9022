// Package ports defines shared interfaces for the event pipeline.
// Interfaces live here when consumed by multiple services to avoid duplication.
package ports

import (
	"context"
	"time"

	"github.com/adamj-ops/lending-os-sub002/internal/events/models"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
)

// Handler reacts to one event type. Implementations must be idempotent:
// delivery is at-least-once and the dispatcher may replay an event whose
// earlier attempt failed partway.
type Handler interface {
	// Name is the unique registry identity of this handler.
	Name() string

	// EventType is the dotted event type the handler subscribes to.
	EventType() string

	// Handle reacts to the event. Returning an error records a failure and
	// schedules a retry; it never affects sibling handlers.
	Handle(ctx context.Context, event *models.DomainEvent) error
}

// StreamFilter narrows RecentEvents results. Zero values mean "no filter".
type StreamFilter struct {
	EventType string
	Domain    string
}

// EventStore is the durable, append-only event log.
type EventStore interface {
	// Append persists the event, assigning id, created-at, and the next
	// sequence number for its aggregate. Concurrent appends to one aggregate
	// serialize; appends to different aggregates do not block each other.
	Append(ctx context.Context, event *models.DomainEvent) (*models.DomainEvent, error)

	// Get returns one event by id.
	Get(ctx context.Context, eventID id.EventID) (*models.DomainEvent, error)

	// LoadStream returns the aggregate's events ordered by sequence number,
	// starting after fromSequence, at most limit rows. Callers page by
	// passing the last sequence number seen.
	LoadStream(ctx context.Context, aggregateID id.AggregateID, fromSequence int64, limit int) ([]*models.DomainEvent, error)

	// Claim transitions pending|failed -> processing so that only one
	// concurrent dispatcher runs handlers for the event. Returns false when
	// the event is already processing or processed.
	Claim(ctx context.Context, eventID id.EventID) (bool, error)

	// MarkProcessed finalizes an event once every resolved handler succeeded.
	MarkProcessed(ctx context.Context, eventID id.EventID, at time.Time) error

	// MarkFailed records a dispatch round with at least one failure and
	// increments the retry count. The event stays visible for retry.
	MarkFailed(ctx context.Context, eventID id.EventID, errText string) error

	// ResetForRetry returns a permanently failed event to pending with a
	// zeroed retry count (manual remediation path).
	ResetForRetry(ctx context.Context, eventID id.EventID) error

	// ListDispatchable returns pending events plus failed events whose retry
	// count is still under maxRetries, oldest first.
	ListDispatchable(ctx context.Context, maxRetries, limit int) ([]*models.DomainEvent, error)

	// ListFailed returns failed events at or past the retry ceiling; the
	// manual remediation surface reads from here.
	ListFailed(ctx context.Context, maxRetries, limit int) ([]*models.DomainEvent, error)

	// ReclaimStale returns processing events older than the cutoff to
	// pending. Crashed dispatchers must not strand events forever.
	ReclaimStale(ctx context.Context, olderThan time.Time) (int, error)

	// RecentEvents serves the cursor-less poller query: events with
	// occurred-at >= since, ascending, at most limit. The boundary may
	// duplicate; pollers de-duplicate by event id.
	RecentEvents(ctx context.Context, since time.Time, limit int, filter StreamFilter) ([]*models.DomainEvent, error)
}

// RegistryStore persists handler registrations and their rolling counters.
// Counters live in the store, not process memory, so multiple instances stay
// correct.
type RegistryStore interface {
	// Upsert registers a handler by name or updates its configuration.
	Upsert(ctx context.Context, registration *models.HandlerRegistration) (*models.HandlerRegistration, error)

	// Resolve returns enabled handlers for the event type ordered by
	// priority ascending, ties broken by registration order.
	Resolve(ctx context.Context, eventType string) ([]*models.HandlerRegistration, error)

	// RecordOutcome bumps success/failure counters and last-executed-at.
	RecordOutcome(ctx context.Context, name string, success bool, at time.Time) error

	// SetEnabled toggles a handler without losing its counters.
	SetEnabled(ctx context.Context, name string, enabled bool) error

	// List returns every registration for the admin surface.
	List(ctx context.Context) ([]*models.HandlerRegistration, error)
}

// ProcessingLogStore is the append-only audit of handler attempts and the
// transactional idempotency guard for dispatch.
type ProcessingLogStore interface {
	// Append records one attempt. Never mutates prior entries.
	Append(ctx context.Context, entry *models.ProcessingLogEntry) error

	// HasSucceeded reports whether the (event, handler) pair already has a
	// success entry.
	HasSucceeded(ctx context.Context, eventID id.EventID, handlerName string) (bool, error)

	// ListByEvent returns all attempts for an event, oldest first.
	ListByEvent(ctx context.Context, eventID id.EventID) ([]*models.ProcessingLogEntry, error)
}

// PublishRequest carries everything needed to append a new event.
//
// EventID is usually left zero and assigned by the store. Handlers that emit
// follow-on events under at-least-once delivery set it to a value derived
// deterministically from the cause, so a replayed emission collides with the
// first one instead of duplicating it.
type PublishRequest struct {
	EventID       id.EventID
	EventType     string
	AggregateType string
	AggregateID   id.AggregateID
	Payload       map[string]any
	Domain        string
	Metadata      map[string]string
	CausationID   *id.EventID
	CorrelationID string
	OccurredAt    time.Time
}

// Publisher appends a domain event and triggers its dispatch. Settlement
// handlers use it to emit follow-on events that share the pipeline's retry
// and idempotency guarantees.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (*models.DomainEvent, error)
}
