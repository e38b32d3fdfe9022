package handlers

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	eventmodels "github.com/adamj-ops/lending-os-sub002/internal/events/models"
	eventports "github.com/adamj-ops/lending-os-sub002/internal/events/ports"
	"github.com/adamj-ops/lending-os-sub002/internal/settlement/models"
	"github.com/adamj-ops/lending-os-sub002/internal/settlement/ports"
	"github.com/adamj-ops/lending-os-sub002/internal/settlement/prorata"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
)

// DistributionMade splits fund proceeds pro rata across every commitment,
// inactive ones included: an investor who exited still receives their share
// of returns earned while committed. One Investor.DistributionCredited event
// is emitted per commitment.
type DistributionMade struct {
	store     ports.Store
	publisher eventports.Publisher
	logger    *slog.Logger
}

// NewDistributionMade constructs the Fund.DistributionMade handler.
func NewDistributionMade(store ports.Store, publisher eventports.Publisher, logger *slog.Logger) *DistributionMade {
	if logger == nil {
		logger = slog.Default()
	}
	return &DistributionMade{store: store, publisher: publisher, logger: logger}
}

func (h *DistributionMade) Name() string      { return "settlement.distribution_made" }
func (h *DistributionMade) EventType() string { return eventmodels.EventTypeDistributionMade }

func (h *DistributionMade) Handle(ctx context.Context, event *eventmodels.DomainEvent) error {
	payload, err := eventmodels.DecodeDistributionMade(event.Payload)
	if err != nil {
		return err
	}

	var (
		commitments []*models.FundCommitment
		shares      []prorata.Share
	)
	loadAndSplit := func(ctx context.Context, s ports.Store) error {
		var err error
		if commitments, err = s.ListCommitments(ctx, payload.FundID, false); err != nil {
			return err
		}
		if len(commitments) == 0 {
			return pkgerrors.Newf(pkgerrors.CodeHandlerExecution,
				"fund %s has no commitments to distribute to", payload.FundID)
		}
		stakes := make([]prorata.Stake, len(commitments))
		for i, commitment := range commitments {
			stakes[i] = prorata.Stake{ID: commitment.InvestorID.String(), Weight: commitment.CommittedAmount}
		}
		shares, err = prorata.Split(payload.TotalAmount, stakes)
		return err
	}

	// Read and credit the commitments in the same transaction so concurrent
	// distributions for one fund serialize on the rows they mutate.
	applied, err := applyOnce(ctx, h.store, event.ID, h.Name(), func(ctx context.Context, s ports.Store) error {
		if err := loadAndSplit(ctx, s); err != nil {
			return err
		}
		for i, commitment := range commitments {
			commitment.ReturnedAmount = commitment.ReturnedAmount.Add(shares[i].Amount)
			if err := s.SaveCommitment(ctx, commitment); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		// Replay skip: re-read only to rebuild the child events.
		if err := loadAndSplit(ctx, h.store); err != nil {
			return err
		}
	}

	for i, commitment := range commitments {
		childID := childEventID(event.ID, "distribution:"+commitment.ID.String())
		causation := event.ID
		_, err := h.publisher.Publish(ctx, eventports.PublishRequest{
			EventID:       childID,
			EventType:     eventmodels.EventTypeDistributionCredited,
			AggregateType: "investor",
			AggregateID:   id.AggregateID(uuid.UUID(commitment.InvestorID)),
			Domain:        "investors",
			Payload: map[string]any{
				"investorId":       commitment.InvestorID.String(),
				"fundId":           payload.FundID.String(),
				"amount":           shares[i].Amount.String(),
				"distributionType": payload.DistributionType,
			},
			CausationID:   &causation,
			CorrelationID: event.CorrelationID,
		})
		if err != nil {
			if pkgerrors.Is(err, pkgerrors.CodeConflict) {
				continue
			}
			return err
		}
	}
	return nil
}
