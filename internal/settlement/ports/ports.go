// Package ports defines the storage interface the settlement handlers use.
package ports

import (
	"context"

	"github.com/adamj-ops/lending-os-sub002/internal/settlement/models"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
)

// Store persists funds, commitments, allocations, and capital calls.
//
// WithinTx runs fn atomically: every mutation made through the store fn
// receives either commits as a whole or leaves no trace. Handlers wrap each
// balance mutation together with its applied-event marker so a crash cannot
// keep one half.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error

	GetFund(ctx context.Context, fundID id.FundID) (*models.Fund, error)
	SaveFund(ctx context.Context, fund *models.Fund) error

	GetAllocation(ctx context.Context, fundID id.FundID, loanID id.LoanID) (*models.FundLoanAllocation, error)
	SaveAllocation(ctx context.Context, allocation *models.FundLoanAllocation) error
	ListAllocationsByLoan(ctx context.Context, loanID id.LoanID) ([]*models.FundLoanAllocation, error)

	ListCommitments(ctx context.Context, fundID id.FundID, activeOnly bool) ([]*models.FundCommitment, error)
	SaveCommitment(ctx context.Context, commitment *models.FundCommitment) error

	GetCapitalCall(ctx context.Context, callID id.CapitalCallID) (*models.CapitalCall, error)
	SaveCapitalCall(ctx context.Context, call *models.CapitalCall) error

	// HasApplied / MarkApplied implement the settlement-side idempotency
	// marker. MarkApplied participates in the surrounding transaction, so a
	// replayed event whose mutation already committed is a clean no-op even
	// if the processing log write was lost in a crash.
	HasApplied(ctx context.Context, eventID id.EventID, handlerName string) (bool, error)
	MarkApplied(ctx context.Context, eventID id.EventID, handlerName string) error
}
