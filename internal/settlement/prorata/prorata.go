// Package prorata apportions a monetary amount across stakes in proportion
// to their weight, conserving the total to the cent.
package prorata

import (
	"github.com/shopspring/decimal"

	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
)

// Stake is a party's weight in the split, e.g. an investor's committed
// amount.
type Stake struct {
	ID     string
	Weight decimal.Decimal
}

// Share is the amount apportioned to one stake.
type Share struct {
	ID     string
	Amount decimal.Decimal
}

// Split divides total across the stakes proportionally, rounding each share
// to cents. The rounding residual is assigned deterministically to the
// largest share (ties broken by the lexically smallest stake id), so the
// shares always sum to exactly total.
func Split(total decimal.Decimal, stakes []Stake) ([]Share, error) {
	if total.IsNegative() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "total must not be negative")
	}
	if len(stakes) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one stake is required")
	}

	sum := decimal.Zero
	for _, stake := range stakes {
		if stake.Weight.IsNegative() {
			return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "stake %s has negative weight", stake.ID)
		}
		sum = sum.Add(stake.Weight)
	}
	if !sum.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "total stake weight must be positive")
	}

	shares := make([]Share, len(stakes))
	allocated := decimal.Zero
	for i, stake := range stakes {
		amount := total.Mul(stake.Weight).DivRound(sum, 2)
		shares[i] = Share{ID: stake.ID, Amount: amount}
		allocated = allocated.Add(amount)
	}

	residual := total.Sub(allocated)
	if !residual.IsZero() {
		i := residualIndex(shares)
		shares[i].Amount = shares[i].Amount.Add(residual)
	}
	return shares, nil
}

// residualIndex picks the largest share; ties resolve to the lexically
// smallest id so repeated splits are stable.
func residualIndex(shares []Share) int {
	best := 0
	for i := 1; i < len(shares); i++ {
		switch shares[i].Amount.Cmp(shares[best].Amount) {
		case 1:
			best = i
		case 0:
			if shares[i].ID < shares[best].ID {
				best = i
			}
		}
	}
	return best
}
