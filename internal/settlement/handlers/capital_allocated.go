package handlers

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/adamj-ops/lending-os-sub002/internal/alerting"
	eventmodels "github.com/adamj-ops/lending-os-sub002/internal/events/models"
	"github.com/adamj-ops/lending-os-sub002/internal/settlement/models"
	"github.com/adamj-ops/lending-os-sub002/internal/settlement/ports"
)

// CapitalAllocated moves allocated capital into a loan: the fund's deployed
// total and the fund-loan allocation grow by the event amount. Crossing the
// utilization threshold raises a warning alert.
type CapitalAllocated struct {
	store     ports.Store
	alerts    alerting.Sink
	threshold decimal.Decimal
	logger    *slog.Logger
}

// NewCapitalAllocated constructs the Fund.CapitalAllocated handler.
// threshold is the utilization ratio above which the fund is flagged.
func NewCapitalAllocated(store ports.Store, alerts alerting.Sink, threshold decimal.Decimal, logger *slog.Logger) *CapitalAllocated {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapitalAllocated{store: store, alerts: alerts, threshold: threshold, logger: logger}
}

func (h *CapitalAllocated) Name() string      { return "settlement.capital_allocated" }
func (h *CapitalAllocated) EventType() string { return eventmodels.EventTypeCapitalAllocated }

func (h *CapitalAllocated) Handle(ctx context.Context, event *eventmodels.DomainEvent) error {
	payload, err := eventmodels.DecodeCapitalAllocated(event.Payload)
	if err != nil {
		return err
	}

	var crossedThreshold bool
	var utilization decimal.Decimal
	var fundAfter *models.Fund

	applied, err := applyOnce(ctx, h.store, event.ID, h.Name(), func(ctx context.Context, s ports.Store) error {
		fund, err := s.GetFund(ctx, payload.FundID)
		if err != nil {
			return err
		}
		before := fund.Utilization()

		allocation, err := s.GetAllocation(ctx, payload.FundID, payload.LoanID)
		if err != nil {
			if !isNotFound(err) {
				return err
			}
			allocation = &models.FundLoanAllocation{
				FundID: payload.FundID,
				LoanID: payload.LoanID,
			}
		}

		allocation.AllocatedAmount = allocation.AllocatedAmount.Add(payload.Amount)
		allocation.Settled = false
		fund.TotalDeployed = fund.TotalDeployed.Add(payload.Amount)

		if err := s.SaveAllocation(ctx, allocation); err != nil {
			return err
		}
		if err := s.SaveFund(ctx, fund); err != nil {
			return err
		}

		utilization = fund.Utilization()
		fundAfter = fund
		crossedThreshold = before.LessThan(h.threshold) && !utilization.LessThan(h.threshold)
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		h.logger.InfoContext(ctx, "allocation already applied, skipping",
			"event_id", event.ID.String(), "fund_id", payload.FundID.String())
		return nil
	}

	if crossedThreshold && h.alerts != nil {
		h.alerts.Emit(ctx, alerting.Alert{
			EntityType: "fund",
			EntityID:   payload.FundID.String(),
			Code:       alerting.CodeHighUtilization,
			Severity:   alerting.SeverityWarning,
			Message:    "fund utilization crossed threshold",
			Details: map[string]string{
				"utilization": utilization.String(),
				"threshold":   h.threshold.String(),
				"deployed":    fundAfter.TotalDeployed.String(),
				"committed":   fundAfter.TotalCommitted.String(),
			},
		})
	}
	return nil
}
