package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamj-ops/lending-os-sub002/internal/events/dispatch"
	"github.com/adamj-ops/lending-os-sub002/internal/events/models"
	"github.com/adamj-ops/lending-os-sub002/internal/events/registry"
	"github.com/adamj-ops/lending-os-sub002/internal/events/service"
	eventstore "github.com/adamj-ops/lending-os-sub002/internal/events/store/event"
	proclogstore "github.com/adamj-ops/lending-os-sub002/internal/events/store/proclog"
	registrystore "github.com/adamj-ops/lending-os-sub002/internal/events/store/registry"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	"github.com/adamj-ops/lending-os-sub002/pkg/testutil"
)

type flakyHandler struct {
	name      string
	eventType string
	failures  int
	calls     int
}

func (h *flakyHandler) Name() string      { return h.name }
func (h *flakyHandler) EventType() string { return h.eventType }

func (h *flakyHandler) Handle(context.Context, *models.DomainEvent) error {
	h.calls++
	if h.calls <= h.failures {
		return errors.New("transient failure")
	}
	return nil
}

type env struct {
	store  *eventstore.InMemoryStore
	router http.Handler
}

func newEnv(t *testing.T, maxRetries int, handlers ...*flakyHandler) *env {
	t.Helper()
	ctx := context.Background()

	store := eventstore.NewMemory()
	registrySvc, err := registry.New(registrystore.NewMemory())
	require.NoError(t, err)
	dispatcher, err := dispatch.New(store, registrySvc, proclogstore.NewMemory(),
		dispatch.Config{MaxRetries: maxRetries})
	require.NoError(t, err)
	for i, h := range handlers {
		require.NoError(t, dispatcher.Register(ctx, h, (i+1)*10))
	}

	publisher, err := service.New(store)
	require.NoError(t, err)
	publisher.SetDispatcher(dispatcher)

	r := chi.NewRouter()
	New(publisher, store, dispatcher, registrySvc, nil).Routes(r)
	return &env{store: store, router: r}
}

func publishBody(eventType string) map[string]any {
	return map[string]any{
		"eventType":     eventType,
		"aggregateType": "fund",
		"aggregateId":   id.NewAggregateID().String(),
		"domain":        "funds",
		"payload":       map[string]any{"note": "n"},
	}
}

func TestPublishEndpoint(t *testing.T) {
	t.Run("accepts and dispatches a valid event", func(t *testing.T) {
		e := newEnv(t, 3, &flakyHandler{name: "ok", eventType: "Custom.Event"})

		rr := testutil.DoRequest(e.router,
			testutil.NewJSONRequest(t, http.MethodPost, "/events", publishBody("Custom.Event")))
		testutil.AssertStatus(t, rr, http.StatusCreated)

		resp := testutil.UnmarshalResponse[eventResponse](t, rr)
		assert.Equal(t, "Custom.Event", resp.EventType)
		assert.Equal(t, int64(1), resp.SequenceNumber)
		assert.Equal(t, string(models.StatusProcessed), resp.Status, "inline dispatch completed")
	})

	t.Run("rejects a malformed aggregate id", func(t *testing.T) {
		e := newEnv(t, 3)
		body := publishBody("Custom.Event")
		body["aggregateId"] = "not-a-uuid"
		rr := testutil.DoRequest(e.router,
			testutil.NewJSONRequest(t, http.MethodPost, "/events", body))
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "validation")
	})

	t.Run("rejects a known event type with a bad payload", func(t *testing.T) {
		e := newEnv(t, 3)
		body := publishBody(models.EventTypeCapitalAllocated)
		rr := testutil.DoRequest(e.router,
			testutil.NewJSONRequest(t, http.MethodPost, "/events", body))
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})
}

func TestRecentEventsEndpoint(t *testing.T) {
	e := newEnv(t, 3)

	for i := 0; i < 3; i++ {
		rr := testutil.DoRequest(e.router,
			testutil.NewJSONRequest(t, http.MethodPost, "/events", publishBody(fmt.Sprintf("Type.%d", i))))
		testutil.AssertStatus(t, rr, http.StatusCreated)
	}

	since := time.Now().Add(-time.Minute).Format(time.RFC3339)
	rr := testutil.DoRequest(e.router,
		testutil.NewRequest(t, http.MethodGet, "/events/recent?since="+since))
	testutil.AssertStatusOK(t, rr)

	resp := testutil.UnmarshalResponse[struct {
		Events []eventResponse `json:"events"`
	}](t, rr)
	assert.Len(t, resp.Events, 3)

	rr = testutil.DoRequest(e.router,
		testutil.NewRequest(t, http.MethodGet, "/events/recent?since="+since+"&eventType=Type.1"))
	testutil.AssertStatusOK(t, rr)
	resp = testutil.UnmarshalResponse[struct {
		Events []eventResponse `json:"events"`
	}](t, rr)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "Type.1", resp.Events[0].EventType)

	rr = testutil.DoRequest(e.router,
		testutil.NewRequest(t, http.MethodGet, "/events/recent?since=yesterday"))
	testutil.AssertStatus(t, rr, http.StatusBadRequest)
}

func TestFailedAndRetryEndpoints(t *testing.T) {
	const maxRetries = 2
	broken := &flakyHandler{name: "broken", eventType: "Fragile.Event", failures: 1}
	e := newEnv(t, maxRetries, broken)

	rr := testutil.DoRequest(e.router,
		testutil.NewJSONRequest(t, http.MethodPost, "/events", publishBody("Fragile.Event")))
	testutil.AssertStatus(t, rr, http.StatusCreated)
	created := testutil.UnmarshalResponse[eventResponse](t, rr)
	assert.Equal(t, string(models.StatusFailed), created.Status)

	// Drive the event to the retry ceiling the way a failed sweeper round
	// would, without invoking the handler again.
	eventID, err := id.ParseEventID(created.EventID)
	require.NoError(t, err)
	ctx := context.Background()
	claimed, err := e.store.Claim(ctx, eventID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, e.store.MarkFailed(ctx, eventID, "transient failure"))

	rr = testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodGet, "/events/failed"))
	testutil.AssertStatusOK(t, rr)
	failed := testutil.UnmarshalResponse[struct {
		Events []eventResponse `json:"events"`
	}](t, rr)
	require.Len(t, failed.Events, 1)
	assert.Equal(t, created.EventID, failed.Events[0].EventID)

	// Manual retry resets the count; the handler succeeds this round.
	rr = testutil.DoRequest(e.router,
		testutil.NewRequest(t, http.MethodPost, "/events/"+created.EventID+"/retry"))
	testutil.AssertStatusOK(t, rr)
	retried := testutil.UnmarshalResponse[eventResponse](t, rr)
	assert.Equal(t, string(models.StatusProcessed), retried.Status)

	rr = testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodGet, "/events/failed"))
	empty := testutil.UnmarshalResponse[struct {
		Events []eventResponse `json:"events"`
	}](t, rr)
	assert.Empty(t, empty.Events)
}

func TestHandlerAdminEndpoints(t *testing.T) {
	e := newEnv(t, 3,
		&flakyHandler{name: "alpha", eventType: "E"},
		&flakyHandler{name: "beta", eventType: "E"})

	rr := testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodGet, "/handlers"))
	testutil.AssertStatusOK(t, rr)
	listed := testutil.UnmarshalResponse[struct {
		Handlers []handlerResponse `json:"handlers"`
	}](t, rr)
	require.Len(t, listed.Handlers, 2)
	assert.True(t, listed.Handlers[0].Enabled)

	rr = testutil.DoRequest(e.router,
		testutil.NewJSONRequest(t, http.MethodPost, "/handlers/alpha/enabled", map[string]any{"enabled": false}))
	testutil.AssertStatusOK(t, rr)

	rr = testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodGet, "/handlers"))
	listed = testutil.UnmarshalResponse[struct {
		Handlers []handlerResponse `json:"handlers"`
	}](t, rr)
	for _, h := range listed.Handlers {
		if h.Name == "alpha" {
			assert.False(t, h.Enabled)
		}
	}
}
