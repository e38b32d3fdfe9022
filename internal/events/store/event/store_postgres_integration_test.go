//go:build integration

package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/adamj-ops/lending-os-sub002/internal/events/models"
	"github.com/adamj-ops/lending-os-sub002/internal/events/ports"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
	"github.com/adamj-ops/lending-os-sub002/pkg/testutil/containers"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	pc := containers.NewPostgresContainer(t)
	store := NewPostgres(pc.Pool)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func TestPostgresAppendSequences(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)
	aggregate := id.NewAggregateID()

	for want := int64(1); want <= 3; want++ {
		stored, err := store.Append(ctx, &models.DomainEvent{
			EventType:     models.EventTypeCapitalAllocated,
			AggregateType: "fund",
			AggregateID:   aggregate,
			Domain:        "funds",
			Payload:       map[string]any{"k": "v"},
		})
		require.NoError(t, err)
		assert.Equal(t, want, stored.SequenceNumber)
	}

	stream, err := store.LoadStream(ctx, aggregate, 0, 0)
	require.NoError(t, err)
	require.Len(t, stream, 3)
	assert.Equal(t, "v", stream[0].Payload["k"])
}

func TestPostgresConcurrentAppendsStayGapless(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)
	aggregate := id.NewAggregateID()

	const n = 20
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := store.Append(gctx, &models.DomainEvent{
				EventType:     models.EventTypeCapitalAllocated,
				AggregateType: "fund",
				AggregateID:   aggregate,
				Payload:       map[string]any{},
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	stream, err := store.LoadStream(ctx, aggregate, 0, 0)
	require.NoError(t, err)
	require.Len(t, stream, n)
	for i, event := range stream {
		assert.Equal(t, int64(i+1), event.SequenceNumber)
	}
}

func TestPostgresDuplicateEventID(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)
	eventID := id.NewEventID()

	event := &models.DomainEvent{
		ID:            eventID,
		EventType:     "E",
		AggregateType: "fund",
		AggregateID:   id.NewAggregateID(),
		Payload:       map[string]any{},
	}
	_, err := store.Append(ctx, event)
	require.NoError(t, err)

	dup := &models.DomainEvent{
		ID:            eventID,
		EventType:     "E",
		AggregateType: "fund",
		AggregateID:   id.NewAggregateID(),
		Payload:       map[string]any{},
	}
	_, err = store.Append(ctx, dup)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeConflict, pkgerrors.CodeOf(err))
}

func TestPostgresClaimAndReclaim(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	stored, err := store.Append(ctx, &models.DomainEvent{
		EventType:     "E",
		AggregateType: "fund",
		AggregateID:   id.NewAggregateID(),
		Payload:       map[string]any{},
	})
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	again, err := store.Claim(ctx, stored.ID)
	require.NoError(t, err)
	assert.False(t, again)

	reclaimed, err := store.ReclaimStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	claimed, err = store.Claim(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, claimed, "reclaimed events are claimable again")
}

func TestPostgresRecentEventsFilter(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	_, err := store.Append(ctx, &models.DomainEvent{
		EventType:     "A",
		AggregateType: "fund",
		AggregateID:   id.NewAggregateID(),
		Domain:        "funds",
		Payload:       map[string]any{},
	})
	require.NoError(t, err)
	_, err = store.Append(ctx, &models.DomainEvent{
		EventType:     "B",
		AggregateType: "loan",
		AggregateID:   id.NewAggregateID(),
		Domain:        "loans",
		Payload:       map[string]any{},
	})
	require.NoError(t, err)

	events, err := store.RecentEvents(ctx, time.Now().Add(-time.Hour), 10, ports.StreamFilter{Domain: "loans"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "B", events[0].EventType)
}
