package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	eventmodels "github.com/adamj-ops/lending-os-sub002/internal/events/models"
	eventports "github.com/adamj-ops/lending-os-sub002/internal/events/ports"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
	"github.com/adamj-ops/lending-os-sub002/pkg/platform/httputil"
)

// Publisher is the slice of the event pipeline the webhook intake needs.
type Publisher interface {
	Publish(ctx context.Context, req eventports.PublishRequest) (*eventmodels.DomainEvent, error)
}

// Handler accepts verification callbacks and publishes them as
// Verification.StatusChanged events. The provider's reference id is hashed
// into a stable aggregate id, so every callback about one verification lands
// in one stream.
type Handler struct {
	mapper    *Mapper
	publisher Publisher
	logger    *slog.Logger
}

// NewHandler constructs the webhook intake handler.
func NewHandler(mapper *Mapper, publisher Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{mapper: mapper, publisher: publisher, logger: logger}
}

type webhookRequest struct {
	Event       string         `json:"event"`
	ReferenceID string         `json:"referenceId"`
	Data        map[string]any `json:"data"`
}

// Receive handles POST /webhooks/{provider}.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeValidation, "body is not valid JSON"))
		return
	}
	if req.Event == "" || req.ReferenceID == "" {
		httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeValidation, "event and referenceId are required"))
		return
	}

	status, known := h.mapper.Map(provider, req.Event)
	if !known {
		// Providers add event types without notice; dropping keeps the intake
		// forward compatible. Acknowledge so the provider stops retrying.
		h.logger.InfoContext(r.Context(), "unmapped webhook event dropped",
			"provider", provider, "provider_event", req.Event)
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}

	aggregateID := id.AggregateID(uuid.NewSHA1(uuid.NameSpaceURL,
		[]byte("webhook:"+provider+":"+req.ReferenceID)))

	event, err := h.publisher.Publish(r.Context(), eventports.PublishRequest{
		EventType:     eventmodels.EventTypeVerificationChanged,
		AggregateType: "verification",
		AggregateID:   aggregateID,
		Domain:        "verification",
		Payload: map[string]any{
			"provider":      provider,
			"providerEvent": req.Event,
			"referenceId":   req.ReferenceID,
			"status":        status,
		},
		Metadata: map[string]string{"source": "webhook"},
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"eventId": event.ID.String(),
	})
}
