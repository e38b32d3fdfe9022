// Package dispatch executes registered handlers for appended events and
// records every attempt in the processing log.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adamj-ops/lending-os-sub002/internal/alerting"
	"github.com/adamj-ops/lending-os-sub002/internal/events/metrics"
	"github.com/adamj-ops/lending-os-sub002/internal/events/models"
	"github.com/adamj-ops/lending-os-sub002/internal/events/ports"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
	"github.com/adamj-ops/lending-os-sub002/pkg/requestcontext"
)

// Resolver is the slice of the registry service the dispatcher needs.
type Resolver interface {
	Register(ctx context.Context, name, eventType string, priority int, enabled bool) (*models.HandlerRegistration, error)
	Resolve(ctx context.Context, eventType string) ([]*models.HandlerRegistration, error)
	RecordOutcome(ctx context.Context, name string, success bool, at time.Time)
}

// Config bounds dispatch behavior.
type Config struct {
	// HandlerTimeout caps one handler execution; past it the attempt counts
	// as a failure and the event stays eligible for retry.
	HandlerTimeout time.Duration

	// MaxRetries is the retry ceiling per event. A failed event at the
	// ceiling is permanently failed and only a manual reset re-dispatches it.
	MaxRetries int
}

// Dispatcher routes one event through its resolved handlers. Handler
// execution is isolated: a failure in one handler never prevents its
// siblings from running, and only a full round of successes moves the event
// to processed.
type Dispatcher struct {
	store    ports.EventStore
	resolver Resolver
	log      ports.ProcessingLogStore
	handlers map[string]ports.Handler
	cfg      Config

	alerts  alerting.Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithAlertSink sets the sink for operational alerts.
func WithAlertSink(sink alerting.Sink) Option {
	return func(d *Dispatcher) { d.alerts = sink }
}

// WithMetrics sets the pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a Dispatcher.
func New(store ports.EventStore, resolver Resolver, log ports.ProcessingLogStore, cfg Config, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if log == nil {
		return nil, fmt.Errorf("processing log store is required")
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	d := &Dispatcher{
		store:    store,
		resolver: resolver,
		log:      log,
		handlers: make(map[string]ports.Handler),
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Register wires a handler implementation and upserts its registration.
func (d *Dispatcher) Register(ctx context.Context, handler ports.Handler, priority int) error {
	if handler == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "handler is required")
	}
	if _, err := d.resolver.Register(ctx, handler.Name(), handler.EventType(), priority, true); err != nil {
		return err
	}
	d.handlers[handler.Name()] = handler
	return nil
}

// MaxRetries exposes the configured ceiling for the stores' list queries.
func (d *Dispatcher) MaxRetries() int { return d.cfg.MaxRetries }

// Dispatch runs all resolved handlers for the event. Handler failures are
// recorded and retried later; they are never returned to the publisher.
// Re-dispatching a processed event is a no-op, and a handler with a success
// entry in the processing log is never run again for the same event.
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.DomainEvent) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "event is required")
	}
	if event.ProcessingStatus == models.StatusProcessed {
		return nil
	}

	claimed, err := d.store.Claim(ctx, event.ID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another dispatcher holds the event, or it finished in between.
		return nil
	}

	registrations, err := d.resolver.Resolve(ctx, event.EventType)
	if err != nil {
		_ = d.store.MarkFailed(ctx, event.ID, fmt.Sprintf("resolve handlers: %v", err))
		return err
	}

	allSucceeded := true
	lastErr := ""
	for _, registration := range registrations {
		outcome, errText := d.runHandler(ctx, event, registration)
		if outcome == models.OutcomeFailure {
			allSucceeded = false
			lastErr = errText
		}
	}

	now := requestcontext.Now(ctx)
	if allSucceeded {
		if err := d.store.MarkProcessed(ctx, event.ID, now); err != nil {
			return err
		}
		if d.metrics != nil {
			d.metrics.EventsProcessed.Inc()
		}
		return nil
	}

	if err := d.store.MarkFailed(ctx, event.ID, lastErr); err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.EventsFailed.Inc()
	}
	if event.RetryCount+1 >= d.cfg.MaxRetries {
		d.emitExhausted(ctx, event, lastErr)
	}
	return nil
}

// runHandler executes one (event, handler) pair and records the attempt.
// The returned outcome is OutcomeSuccess when the pair needs no further work,
// including the already-succeeded idempotency case.
func (d *Dispatcher) runHandler(ctx context.Context, event *models.DomainEvent, registration *models.HandlerRegistration) (models.Outcome, string) {
	name := registration.Name
	now := requestcontext.Now(ctx)

	done, err := d.log.HasSucceeded(ctx, event.ID, name)
	if err != nil {
		d.logger.ErrorContext(ctx, "idempotency guard check failed",
			"event_id", event.ID.String(), "handler", name, "error", err)
		return models.OutcomeFailure, fmt.Sprintf("idempotency guard: %v", err)
	}
	if done {
		// Succeeded on an earlier round; no new log row, no re-execution.
		return models.OutcomeSuccess, ""
	}

	handler, wired := d.handlers[name]
	if !wired {
		errText := fmt.Sprintf("handler %q registered but not wired", name)
		d.record(ctx, event, name, models.OutcomeFailure, 0, errText, now)
		return models.OutcomeFailure, errText
	}

	execCtx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	start := time.Now()
	handlerErr := handler.Handle(execCtx, event)
	duration := time.Since(start)
	cancel()

	if d.metrics != nil {
		d.metrics.HandlerDuration.Observe(duration.Seconds())
	}

	if handlerErr != nil {
		wrapped := pkgerrors.Wrap(handlerErr, pkgerrors.CodeHandlerExecution, name)
		d.logger.WarnContext(ctx, "handler execution failed",
			"event_id", event.ID.String(), "event_type", event.EventType,
			"handler", name, "duration", duration, "error", handlerErr)
		d.record(ctx, event, name, models.OutcomeFailure, duration, wrapped.Error(), now)
		return models.OutcomeFailure, wrapped.Error()
	}

	if err := d.record(ctx, event, name, models.OutcomeSuccess, duration, "", now); err != nil {
		// Without a durable success entry the idempotency guard cannot vouch
		// for this run; fail the attempt so the event is retried.
		errText := fmt.Sprintf("record success for %q: %v", name, err)
		return models.OutcomeFailure, errText
	}
	return models.OutcomeSuccess, ""
}

// record appends the processing log entry and updates registry counters. The
// append error is returned so the caller can downgrade a successful attempt
// whose entry never became durable; a failure entry that fails to append only
// costs an extra retry, so those call sites ignore it.
func (d *Dispatcher) record(ctx context.Context, event *models.DomainEvent, name string, outcome models.Outcome, duration time.Duration, errText string, at time.Time) error {
	entry := &models.ProcessingLogEntry{
		EventID:     event.ID,
		HandlerName: name,
		Outcome:     outcome,
		Duration:    duration,
		ErrorText:   errText,
		AttemptedAt: at,
	}
	appendErr := d.log.Append(ctx, entry)
	if appendErr != nil {
		d.logger.ErrorContext(ctx, "failed to append processing log entry",
			"event_id", event.ID.String(), "handler", name, "error", appendErr)
	}
	d.resolver.RecordOutcome(ctx, name, outcome == models.OutcomeSuccess, at)
	if d.metrics != nil {
		d.metrics.HandlerExecutions.WithLabelValues(name, string(outcome)).Inc()
	}
	return appendErr
}

func (d *Dispatcher) emitExhausted(ctx context.Context, event *models.DomainEvent, lastErr string) {
	d.logger.ErrorContext(ctx, "event reached retry ceiling",
		"event_id", event.ID.String(), "event_type", event.EventType,
		"retries", event.RetryCount+1, "error", lastErr)
	if d.alerts == nil {
		return
	}
	d.alerts.Emit(ctx, alerting.Alert{
		EntityType: "event",
		EntityID:   event.ID.String(),
		Code:       alerting.CodeRetriesExhausted,
		Severity:   alerting.SeverityError,
		Message:    "event dispatch exhausted retries; manual remediation required",
		Details: map[string]string{
			"event_type": event.EventType,
			"last_error": lastErr,
		},
	})
}
