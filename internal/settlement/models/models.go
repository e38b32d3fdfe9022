// Package models defines the fund-side entities the settlement handlers read
// and mutate. All monetary amounts are decimals; binary floats never touch
// money.
package models

import (
	"time"

	"github.com/shopspring/decimal"

	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
)

// Fund tracks committed, deployed, and returned capital.
// Invariant: sum of its commitments' CommittedAmount equals TotalCommitted.
type Fund struct {
	ID   id.FundID
	Name string

	TotalCommitted decimal.Decimal
	TotalDeployed  decimal.Decimal
	TotalReturned  decimal.Decimal
	TotalCapacity  decimal.Decimal

	UpdatedAt time.Time
}

// Utilization returns deployed/committed, or zero when nothing is committed.
func (f *Fund) Utilization() decimal.Decimal {
	if !f.TotalCommitted.IsPositive() {
		return decimal.Zero
	}
	return f.TotalDeployed.DivRound(f.TotalCommitted, 6)
}

// FundCommitment is one investor's stake in a fund.
type FundCommitment struct {
	ID         id.CommitmentID
	FundID     id.FundID
	InvestorID id.InvestorID

	CommittedAmount decimal.Decimal
	CalledAmount    decimal.Decimal
	ReturnedAmount  decimal.Decimal

	Active    bool
	UpdatedAt time.Time
}

// FundLoanAllocation is capital moved from a fund into a loan, tracked until
// fully returned. Invariant: 0 <= ReturnedAmount <= AllocatedAmount.
type FundLoanAllocation struct {
	ID     id.AllocationID
	FundID id.FundID
	LoanID id.LoanID

	AllocatedAmount decimal.Decimal
	ReturnedAmount  decimal.Decimal

	Settled   bool
	UpdatedAt time.Time
}

// Outstanding returns the capital still at risk in the loan.
func (a *FundLoanAllocation) Outstanding() decimal.Decimal {
	return a.AllocatedAmount.Sub(a.ReturnedAmount)
}

// CapitalCall is a request for investors to fund committed capital.
type CapitalCall struct {
	ID         id.CapitalCallID
	FundID     id.FundID
	CallNumber int
	CallAmount decimal.Decimal
	DueDate    time.Time
	CreatedAt  time.Time
}
