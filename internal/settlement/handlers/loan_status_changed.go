package handlers

import (
	"context"
	"log/slog"

	"github.com/adamj-ops/lending-os-sub002/internal/alerting"
	eventmodels "github.com/adamj-ops/lending-os-sub002/internal/events/models"
	"github.com/adamj-ops/lending-os-sub002/internal/settlement/ports"
)

// LoanStatusChanged watches loan transitions and raises one risk-escalation
// alert per backing fund when a loan enters a risk status. It mutates no
// balances, so it needs no applied-event marker; a replayed alert is noise,
// a missed one is a blind spot.
type LoanStatusChanged struct {
	store  ports.Store
	alerts alerting.Sink
	logger *slog.Logger
}

// NewLoanStatusChanged constructs the Loan.StatusChanged handler.
func NewLoanStatusChanged(store ports.Store, alerts alerting.Sink, logger *slog.Logger) *LoanStatusChanged {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoanStatusChanged{store: store, alerts: alerts, logger: logger}
}

func (h *LoanStatusChanged) Name() string      { return "settlement.loan_status_changed" }
func (h *LoanStatusChanged) EventType() string { return eventmodels.EventTypeLoanStatusChanged }

func (h *LoanStatusChanged) Handle(ctx context.Context, event *eventmodels.DomainEvent) error {
	payload, err := eventmodels.DecodeLoanStatusChanged(event.Payload)
	if err != nil {
		return err
	}
	if !eventmodels.IsRiskStatus(payload.NewStatus) {
		return nil
	}

	allocations, err := h.store.ListAllocationsByLoan(ctx, payload.LoanID)
	if err != nil {
		return err
	}
	if len(allocations) == 0 {
		h.logger.InfoContext(ctx, "risk status on loan with no fund exposure",
			"loan_id", payload.LoanID.String(), "new_status", payload.NewStatus)
		return nil
	}

	for _, allocation := range allocations {
		if h.alerts == nil {
			break
		}
		h.alerts.Emit(ctx, alerting.Alert{
			EntityType: "fund",
			EntityID:   allocation.FundID.String(),
			Code:       alerting.CodeLoanRiskEscalation,
			Severity:   alerting.SeverityWarning,
			Message:    "backing loan entered risk status",
			Details: map[string]string{
				"loan_id":         payload.LoanID.String(),
				"previous_status": payload.PreviousStatus,
				"new_status":      payload.NewStatus,
				"outstanding":     allocation.Outstanding().String(),
			},
		})
	}
	return nil
}
