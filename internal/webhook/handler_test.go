package webhook

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventmodels "github.com/adamj-ops/lending-os-sub002/internal/events/models"
	eventports "github.com/adamj-ops/lending-os-sub002/internal/events/ports"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	"github.com/adamj-ops/lending-os-sub002/pkg/testutil"
)

type stubPublisher struct {
	mu       sync.Mutex
	requests []eventports.PublishRequest
}

func (p *stubPublisher) Publish(_ context.Context, req eventports.PublishRequest) (*eventmodels.DomainEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return &eventmodels.DomainEvent{ID: id.NewEventID(), EventType: req.EventType}, nil
}

func (p *stubPublisher) published() []eventports.PublishRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]eventports.PublishRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

func newRouter(publisher *stubPublisher) http.Handler {
	r := chi.NewRouter()
	h := NewHandler(NewMapper(), publisher, nil)
	r.Post("/webhooks/{provider}", h.Receive)
	return r
}

func TestMapper(t *testing.T) {
	m := NewMapper()

	status, ok := m.Map("persona", "inquiry.approved")
	require.True(t, ok)
	assert.Equal(t, "approved", status)

	_, ok = m.Map("persona", "inquiry.new-and-unknown")
	assert.False(t, ok)

	_, ok = m.Map("unknown-provider", "inquiry.approved")
	assert.False(t, ok)

	m.Register("persona", "inquiry.custom", "review")
	status, ok = m.Map("persona", "inquiry.custom")
	require.True(t, ok)
	assert.Equal(t, "review", status)
}

func TestReceive(t *testing.T) {
	t.Run("mapped event publishes a verification status change", func(t *testing.T) {
		publisher := &stubPublisher{}
		router := newRouter(publisher)

		req := testutil.NewJSONRequest(t, http.MethodPost, "/webhooks/persona", map[string]any{
			"event":       "inquiry.approved",
			"referenceId": "inq_123",
		})
		rr := testutil.DoRequest(router, req)

		testutil.AssertStatus(t, rr, http.StatusAccepted)
		published := publisher.published()
		require.Len(t, published, 1)
		assert.Equal(t, eventmodels.EventTypeVerificationChanged, published[0].EventType)
		assert.Equal(t, "approved", published[0].Payload["status"])
		assert.Equal(t, "verification", published[0].Domain)
	})

	t.Run("same reference always maps to the same aggregate", func(t *testing.T) {
		publisher := &stubPublisher{}
		router := newRouter(publisher)

		for _, event := range []string{"inquiry.approved", "inquiry.declined"} {
			req := testutil.NewJSONRequest(t, http.MethodPost, "/webhooks/persona", map[string]any{
				"event":       event,
				"referenceId": "inq_same",
			})
			testutil.AssertStatus(t, testutil.DoRequest(router, req), http.StatusAccepted)
		}

		published := publisher.published()
		require.Len(t, published, 2)
		assert.Equal(t, published[0].AggregateID, published[1].AggregateID)
	})

	t.Run("unknown provider event is acknowledged and dropped", func(t *testing.T) {
		publisher := &stubPublisher{}
		router := newRouter(publisher)

		req := testutil.NewJSONRequest(t, http.MethodPost, "/webhooks/persona", map[string]any{
			"event":       "inquiry.brand-new",
			"referenceId": "inq_42",
		})
		rr := testutil.DoRequest(router, req)

		testutil.AssertStatus(t, rr, http.StatusAccepted)
		testutil.AssertJSONContains(t, rr, "status", "ignored")
		assert.Empty(t, publisher.published())
	})

	t.Run("missing fields are rejected", func(t *testing.T) {
		publisher := &stubPublisher{}
		router := newRouter(publisher)

		req := testutil.NewJSONRequest(t, http.MethodPost, "/webhooks/persona", map[string]any{
			"event": "inquiry.approved",
		})
		rr := testutil.DoRequest(router, req)
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
		assert.Empty(t, publisher.published())
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		publisher := &stubPublisher{}
		router := newRouter(publisher)

		req := testutil.NewRequestWithBody(t, http.MethodPost, "/webhooks/persona", "{not json")
		rr := testutil.DoRequest(router, req)
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})
}
