package analytics

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adamj-ops/lending-os-sub002/internal/events/models"
	"github.com/adamj-ops/lending-os-sub002/internal/events/ports"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
)

// SnapshotStore accumulates daily per-domain aggregates.
type SnapshotStore interface {
	// Apply adds one event's contribution to the (domain, day) snapshot.
	Apply(ctx context.Context, domain string, day time.Time, amount decimal.Decimal) error

	// Get returns the snapshot for one (domain, day); a zero snapshot when
	// nothing was recorded.
	Get(ctx context.Context, domain string, day time.Time) (*Snapshot, error)

	// Reset drops every snapshot. Rebuild calls it before replaying.
	Reset(ctx context.Context) error
}

// Projector folds accepted events into snapshots. Ingest is called inline on
// publish and must stay cheap; any failure is recoverable via Rebuild.
type Projector struct {
	snapshots SnapshotStore
	logger    *slog.Logger
}

// NewProjector constructs an analytics projector over the given store.
func NewProjector(snapshots SnapshotStore, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{snapshots: snapshots, logger: logger}
}

// Ingest folds one event into its (domain, day) snapshot.
func (p *Projector) Ingest(ctx context.Context, event *models.DomainEvent) error {
	if event == nil {
		return nil
	}
	domain := event.Domain
	if domain == "" {
		domain = "unknown"
	}
	return p.snapshots.Apply(ctx, domain, DayOf(event.OccurredAt), eventAmount(event))
}

// Rebuild drops the snapshots and replays the whole event log into them.
// The poller boundary may return an event twice; replay de-duplicates by id.
func (p *Projector) Rebuild(ctx context.Context, store ports.EventStore, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	if err := p.snapshots.Reset(ctx); err != nil {
		return err
	}

	seen := make(map[id.EventID]struct{})
	since := time.Time{}
	for {
		events, err := store.RecentEvents(ctx, since, batchSize, ports.StreamFilter{})
		if err != nil {
			return err
		}
		progressed := false
		for _, event := range events {
			if _, dup := seen[event.ID]; dup {
				continue
			}
			seen[event.ID] = struct{}{}
			progressed = true
			if err := p.Ingest(ctx, event); err != nil {
				return err
			}
			if event.OccurredAt.After(since) {
				since = event.OccurredAt
			}
		}
		if !progressed || len(events) < batchSize {
			break
		}
	}
	p.logger.InfoContext(ctx, "analytics snapshots rebuilt", "events", len(seen))
	return nil
}

// eventAmount extracts the monetary figure a payload carries, if any. Events
// without an amount still count toward EventCount.
func eventAmount(event *models.DomainEvent) decimal.Decimal {
	for _, key := range []string{"amount", "totalAmount", "callAmount"} {
		raw, ok := event.Payload[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case decimal.Decimal:
			return v
		case string:
			if d, err := decimal.NewFromString(v); err == nil {
				return d
			}
		case float64:
			return decimal.NewFromFloat(v)
		}
	}
	return decimal.Zero
}
