// Package handler exposes the event pipeline over HTTP: publishing, the
// recent-events poller feed, the failed-event remediation surface, and the
// handler registry admin endpoints.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adamj-ops/lending-os-sub002/internal/events/models"
	"github.com/adamj-ops/lending-os-sub002/internal/events/ports"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
	"github.com/adamj-ops/lending-os-sub002/pkg/platform/httputil"
)

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 1000
)

// Dispatcher is the slice of the dispatch package the HTTP surface needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *models.DomainEvent) error
	MaxRetries() int
}

// Registry is the slice of the registry service the HTTP surface needs.
type Registry interface {
	List(ctx context.Context) ([]*models.HandlerRegistration, error)
	SetEnabled(ctx context.Context, name string, enabled bool) error
}

// Handler serves the event pipeline endpoints.
type Handler struct {
	publisher  ports.Publisher
	store      ports.EventStore
	dispatcher Dispatcher
	registry   Registry
	logger     *slog.Logger
}

// New constructs the HTTP handler for the event pipeline.
func New(publisher ports.Publisher, store ports.EventStore, dispatcher Dispatcher, registry Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		publisher:  publisher,
		store:      store,
		dispatcher: dispatcher,
		registry:   registry,
		logger:     logger,
	}
}

// Routes mounts the pipeline endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/events", h.PublishEvent)
	r.Get("/events/recent", h.RecentEvents)
	r.Get("/events/failed", h.FailedEvents)
	r.Post("/events/{eventID}/retry", h.RetryEvent)
	r.Get("/handlers", h.ListHandlers)
	r.Post("/handlers/{name}/enabled", h.SetHandlerEnabled)
}

type publishRequest struct {
	EventType     string            `json:"eventType"`
	AggregateType string            `json:"aggregateType"`
	AggregateID   string            `json:"aggregateId"`
	Domain        string            `json:"domain"`
	Payload       map[string]any    `json:"payload"`
	Metadata      map[string]string `json:"metadata"`
	CorrelationID string            `json:"correlationId"`
	OccurredAt    *time.Time        `json:"occurredAt"`
}

type eventResponse struct {
	EventID        string     `json:"eventId"`
	EventType      string     `json:"eventType"`
	AggregateType  string     `json:"aggregateType"`
	AggregateID    string     `json:"aggregateId"`
	Domain         string     `json:"domain,omitempty"`
	SequenceNumber int64      `json:"sequenceNumber"`
	Status         string     `json:"status"`
	RetryCount     int        `json:"retryCount"`
	LastError      string     `json:"lastError,omitempty"`
	OccurredAt     time.Time  `json:"occurredAt"`
	ProcessedAt    *time.Time `json:"processedAt,omitempty"`
}

func toEventResponse(event *models.DomainEvent) eventResponse {
	return eventResponse{
		EventID:        event.ID.String(),
		EventType:      event.EventType,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID.String(),
		Domain:         event.Domain,
		SequenceNumber: event.SequenceNumber,
		Status:         string(event.ProcessingStatus),
		RetryCount:     event.RetryCount,
		LastError:      event.ProcessingError,
		OccurredAt:     event.OccurredAt,
		ProcessedAt:    event.ProcessedAt,
	}
}

// PublishEvent handles POST /events.
func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeValidation, "body is not valid JSON"))
		return
	}

	aggregateID, err := id.ParseAggregateID(req.AggregateID)
	if err != nil {
		httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeValidation, "aggregateId is not a uuid"))
		return
	}

	publishReq := ports.PublishRequest{
		EventType:     req.EventType,
		AggregateType: req.AggregateType,
		AggregateID:   aggregateID,
		Domain:        req.Domain,
		Payload:       req.Payload,
		Metadata:      req.Metadata,
		CorrelationID: req.CorrelationID,
	}
	if req.OccurredAt != nil {
		publishReq.OccurredAt = *req.OccurredAt
	}

	event, err := h.publisher.Publish(r.Context(), publishReq)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toEventResponse(event))
}

// RecentEvents handles GET /events/recent. Pollers pass since as RFC3339 and
// de-duplicate by event id; the boundary is inclusive.
func (h *Handler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	since := time.Now().Add(-1 * time.Hour)
	if raw := query.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeValidation, "since must be RFC3339"))
			return
		}
		since = parsed
	}

	limit := defaultRecentLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeValidation, "limit must be a positive integer"))
			return
		}
		if parsed > maxRecentLimit {
			parsed = maxRecentLimit
		}
		limit = parsed
	}

	filter := ports.StreamFilter{
		EventType: query.Get("eventType"),
		Domain:    query.Get("domain"),
	}
	events, err := h.store.RecentEvents(r.Context(), since, limit, filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	out := make([]eventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, toEventResponse(event))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": out})
}

// FailedEvents handles GET /events/failed: events past the retry ceiling
// awaiting manual remediation.
func (h *Handler) FailedEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeValidation, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	events, err := h.store.ListFailed(r.Context(), h.dispatcher.MaxRetries(), limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, toEventResponse(event))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": out})
}

// RetryEvent handles POST /events/{eventID}/retry: zero the retry count and
// dispatch immediately. Succeeded handlers stay skipped via the processing
// log, so only the failed remainder re-runs.
func (h *Handler) RetryEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := id.ParseEventID(chi.URLParam(r, "eventID"))
	if err != nil {
		httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeValidation, "event id is not a uuid"))
		return
	}

	if err := h.store.ResetForRetry(r.Context(), eventID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	event, err := h.store.Get(r.Context(), eventID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.dispatcher.Dispatch(r.Context(), event); err != nil {
		h.logger.ErrorContext(r.Context(), "manual retry dispatch failed",
			"event_id", eventID.String(), "error", err)
	}

	refreshed, err := h.store.Get(r.Context(), eventID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toEventResponse(refreshed))
}

type handlerResponse struct {
	Name           string     `json:"name"`
	EventType      string     `json:"eventType"`
	Priority       int        `json:"priority"`
	Enabled        bool       `json:"enabled"`
	SuccessCount   int64      `json:"successCount"`
	FailureCount   int64      `json:"failureCount"`
	LastExecutedAt *time.Time `json:"lastExecutedAt,omitempty"`
}

// ListHandlers handles GET /handlers.
func (h *Handler) ListHandlers(w http.ResponseWriter, r *http.Request) {
	registrations, err := h.registry.List(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]handlerResponse, 0, len(registrations))
	for _, registration := range registrations {
		out = append(out, handlerResponse{
			Name:           registration.Name,
			EventType:      registration.EventType,
			Priority:       registration.Priority,
			Enabled:        registration.Enabled,
			SuccessCount:   registration.SuccessCount,
			FailureCount:   registration.FailureCount,
			LastExecutedAt: registration.LastExecutedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"handlers": out})
}

// SetHandlerEnabled handles POST /handlers/{name}/enabled.
func (h *Handler) SetHandlerEnabled(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeValidation, "body is not valid JSON"))
		return
	}
	if err := h.registry.SetEnabled(r.Context(), name, req.Enabled); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"name": name, "enabled": req.Enabled})
}
