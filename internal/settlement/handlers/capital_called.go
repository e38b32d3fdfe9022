package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	eventmodels "github.com/adamj-ops/lending-os-sub002/internal/events/models"
	eventports "github.com/adamj-ops/lending-os-sub002/internal/events/ports"
	"github.com/adamj-ops/lending-os-sub002/internal/settlement/models"
	"github.com/adamj-ops/lending-os-sub002/internal/settlement/ports"
	"github.com/adamj-ops/lending-os-sub002/internal/settlement/prorata"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
)

// CapitalCalled splits a capital call pro rata across the fund's active
// commitments, bumps each investor's called amount, records the call, and
// emits one Investor.CapitalCallIssued event per commitment. Child events
// carry ids derived from the cause, so replays collide instead of
// duplicating.
type CapitalCalled struct {
	store     ports.Store
	publisher eventports.Publisher
	logger    *slog.Logger
}

// NewCapitalCalled constructs the Fund.CapitalCalled handler.
func NewCapitalCalled(store ports.Store, publisher eventports.Publisher, logger *slog.Logger) *CapitalCalled {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapitalCalled{store: store, publisher: publisher, logger: logger}
}

func (h *CapitalCalled) Name() string      { return "settlement.capital_called" }
func (h *CapitalCalled) EventType() string { return eventmodels.EventTypeCapitalCalled }

func (h *CapitalCalled) Handle(ctx context.Context, event *eventmodels.DomainEvent) error {
	payload, err := eventmodels.DecodeCapitalCalled(event.Payload)
	if err != nil {
		return err
	}

	var (
		commitments []*models.FundCommitment
		shares      []prorata.Share
	)
	loadAndSplit := func(ctx context.Context, s ports.Store) error {
		var err error
		if commitments, err = s.ListCommitments(ctx, payload.FundID, true); err != nil {
			return err
		}
		if len(commitments) == 0 {
			return pkgerrors.Newf(pkgerrors.CodeHandlerExecution,
				"fund %s has no active commitments to call", payload.FundID)
		}
		stakes := make([]prorata.Stake, len(commitments))
		for i, commitment := range commitments {
			stakes[i] = prorata.Stake{ID: commitment.InvestorID.String(), Weight: commitment.CommittedAmount}
		}
		shares, err = prorata.Split(payload.CallAmount, stakes)
		return err
	}

	// List, split, and mutate inside one transaction: the commitment rows are
	// read under the same lock that guards the write, so concurrent calls for
	// the same fund serialize instead of overwriting each other's balances.
	applied, err := applyOnce(ctx, h.store, event.ID, h.Name(), func(ctx context.Context, s ports.Store) error {
		if err := loadAndSplit(ctx, s); err != nil {
			return err
		}
		for i, commitment := range commitments {
			commitment.CalledAmount = commitment.CalledAmount.Add(shares[i].Amount)
			if err := s.SaveCommitment(ctx, commitment); err != nil {
				return err
			}
		}
		return s.SaveCapitalCall(ctx, &models.CapitalCall{
			ID:         payload.CallID,
			FundID:     payload.FundID,
			CallAmount: payload.CallAmount,
			DueDate:    payload.DueDate,
		})
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

	// Emit children even when the mutation was a replay skip; a crash between
	// commit and emission must not lose investor notifications. Deterministic
	// ids make the re-emission collide harmlessly.
	for i, commitment := range commitments {
		childID := childEventID(event.ID, "capital_call:"+commitment.ID.String())
		causation := event.ID
		_, err := h.publisher.Publish(ctx, eventports.PublishRequest{
			EventID:       childID,
			EventType:     eventmodels.EventTypeCapitalCallIssued,
			AggregateType: "investor",
			AggregateID:   id.AggregateID(uuid.UUID(commitment.InvestorID)),
			Domain:        "investors",
			Payload: map[string]any{
				"investorId": commitment.InvestorID.String(),
				"fundId":     payload.FundID.String(),
				"callId":     payload.CallID.String(),
				"amount":     shares[i].Amount.String(),
				"dueDate":    payload.DueDate.Format(time.RFC3339),
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
