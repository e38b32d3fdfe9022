package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamj-ops/lending-os-sub002/internal/events/models"
	"github.com/adamj-ops/lending-os-sub002/internal/events/ports"
	eventstore "github.com/adamj-ops/lending-os-sub002/internal/events/store/event"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
	"github.com/adamj-ops/lending-os-sub002/pkg/requestcontext"
)

type recordingDispatcher struct {
	events []*models.DomainEvent
	err    error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, event *models.DomainEvent) error {
	d.events = append(d.events, event)
	return d.err
}

func validRequest() ports.PublishRequest {
	return ports.PublishRequest{
		EventType:     models.EventTypeCapitalAllocated,
		AggregateType: "fund",
		AggregateID:   id.NewAggregateID(),
		Domain:        "funds",
		Payload: map[string]any{
			"fundId": id.NewAggregateID().String(),
			"loanId": id.NewAggregateID().String(),
			"amount": "1000.00",
		},
	}
}

func TestPublishValidation(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemory()
	publisher, err := New(store)
	require.NoError(t, err)

	t.Run("rejects missing event type", func(t *testing.T) {
		req := validRequest()
		req.EventType = ""
		_, err := publisher.Publish(ctx, req)
		assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))
	})

	t.Run("rejects missing aggregate id", func(t *testing.T) {
		req := validRequest()
		req.AggregateID = id.AggregateID{}
		_, err := publisher.Publish(ctx, req)
		assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))
	})

	t.Run("rejects malformed payload for a known event type", func(t *testing.T) {
		req := validRequest()
		delete(req.Payload, "amount")
		_, err := publisher.Publish(ctx, req)
		assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))

		// Nothing was persisted.
		events, err := store.RecentEvents(ctx, time.Time{}, 10, ports.StreamFilter{})
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("unknown event types pass payloads through", func(t *testing.T) {
		req := validRequest()
		req.EventType = "Loan.SomethingNew"
		req.Payload = map[string]any{"free": "form"}
		stored, err := publisher.Publish(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "form", stored.Payload["free"])
	})
}

func TestPublishAppendsAndDispatches(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemory()
	dispatcher := &recordingDispatcher{}
	publisher, err := New(store)
	require.NoError(t, err)
	publisher.SetDispatcher(dispatcher)

	stored, err := publisher.Publish(ctx, validRequest())
	require.NoError(t, err)
	assert.False(t, stored.ID.IsNil())
	assert.Equal(t, int64(1), stored.SequenceNumber)
	require.Len(t, dispatcher.events, 1)
	assert.Equal(t, stored.ID, dispatcher.events[0].ID)
}

func TestPublishRecordsActor(t *testing.T) {
	store := eventstore.NewMemory()
	publisher, err := New(store)
	require.NoError(t, err)

	ctx := requestcontext.WithActor(context.Background(), "loan-service")
	stored, err := publisher.Publish(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, "loan-service", stored.Metadata["actor"])
}

func TestPublishSurvivesDispatchFailure(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemory()
	dispatcher := &recordingDispatcher{err: errors.New("dispatch broke")}
	publisher, err := New(store)
	require.NoError(t, err)
	publisher.SetDispatcher(dispatcher)

	stored, err := publisher.Publish(ctx, validRequest())
	require.NoError(t, err, "the append is the commit point; dispatch failures recover later")

	persisted, err := store.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, persisted.ProcessingStatus)
}

func TestPublishHonorsDeterministicEventID(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemory()
	publisher, err := New(store)
	require.NoError(t, err)

	req := validRequest()
	req.EventID = id.NewEventID()

	stored, err := publisher.Publish(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, req.EventID, stored.ID)

	dup := validRequest()
	dup.EventID = req.EventID
	_, err = publisher.Publish(ctx, dup)
	assert.Equal(t, pkgerrors.CodeConflict, pkgerrors.CodeOf(err))
}
