package handlers

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/adamj-ops/lending-os-sub002/internal/alerting"
	eventmodels "github.com/adamj-ops/lending-os-sub002/internal/events/models"
	"github.com/adamj-ops/lending-os-sub002/internal/settlement/ports"
)

// CapitalReturned flows returned capital from a loan back into its fund. The
// applied amount is clamped to the allocation's outstanding balance so a
// duplicate or inflated return can never drive it negative; the overage is
// surfaced as an error alert rather than silently absorbed.
type CapitalReturned struct {
	store  ports.Store
	alerts alerting.Sink
	logger *slog.Logger
}

// NewCapitalReturned constructs the Fund.CapitalReturned handler.
func NewCapitalReturned(store ports.Store, alerts alerting.Sink, logger *slog.Logger) *CapitalReturned {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapitalReturned{store: store, alerts: alerts, logger: logger}
}

func (h *CapitalReturned) Name() string      { return "settlement.capital_returned" }
func (h *CapitalReturned) EventType() string { return eventmodels.EventTypeCapitalReturned }

func (h *CapitalReturned) Handle(ctx context.Context, event *eventmodels.DomainEvent) error {
	payload, err := eventmodels.DecodeCapitalReturned(event.Payload)
	if err != nil {
		return err
	}

	var (
		clamped    bool
		overage    decimal.Decimal
		settledNow bool
	)

	applied, err := applyOnce(ctx, h.store, event.ID, h.Name(), func(ctx context.Context, s ports.Store) error {
		allocation, err := s.GetAllocation(ctx, payload.FundID, payload.LoanID)
		if err != nil {
			return err
		}
		fund, err := s.GetFund(ctx, payload.FundID)
		if err != nil {
			return err
		}

		outstanding := allocation.Outstanding()
		apply := payload.Amount
		if apply.GreaterThan(outstanding) {
			clamped = true
			overage = apply.Sub(outstanding)
			apply = outstanding
		}

		allocation.ReturnedAmount = allocation.ReturnedAmount.Add(apply)
		fund.TotalDeployed = fund.TotalDeployed.Sub(apply)
		fund.TotalReturned = fund.TotalReturned.Add(apply)

		if allocation.Outstanding().IsZero() && !allocation.Settled {
			allocation.Settled = true
			settledNow = true
		}

		if err := s.SaveAllocation(ctx, allocation); err != nil {
			return err
		}
		return s.SaveFund(ctx, fund)
	})
	if err != nil {
		return err
	}
	if !applied {
		h.logger.InfoContext(ctx, "return already applied, skipping",
			"event_id", event.ID.String(), "fund_id", payload.FundID.String())
		return nil
	}

	if h.alerts != nil {
		if clamped {
			h.alerts.Emit(ctx, alerting.Alert{
				EntityType: "allocation",
				EntityID:   payload.LoanID.String(),
				Code:       alerting.CodeReturnExceedsAlloc,
				Severity:   alerting.SeverityError,
				Message:    "returned amount exceeds outstanding allocation",
				Details: map[string]string{
					"fund_id":  payload.FundID.String(),
					"loan_id":  payload.LoanID.String(),
					"amount":   payload.Amount.String(),
					"overage":  overage.String(),
					"event_id": event.ID.String(),
				},
			})
		}
		if settledNow {
			h.alerts.Emit(ctx, alerting.Alert{
				EntityType: "allocation",
				EntityID:   payload.LoanID.String(),
				Code:       alerting.CodeAllocationSettled,
				Severity:   alerting.SeverityInfo,
				Message:    "allocation fully returned",
				Details: map[string]string{
					"fund_id": payload.FundID.String(),
					"loan_id": payload.LoanID.String(),
				},
			})
		}
	}
	return nil
}
