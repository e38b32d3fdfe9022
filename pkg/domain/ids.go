// Package domain holds typed identifiers shared across modules. Wrapping
// uuid.UUID in distinct types keeps a FundID from being passed where a
// LoanID is expected.
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// EventID identifies a domain event.
type EventID uuid.UUID

// AggregateID identifies the entity an event is about.
type AggregateID uuid.UUID

// FundID identifies a fund.
type FundID uuid.UUID

// LoanID identifies a loan.
type LoanID uuid.UUID

// InvestorID identifies an investor.
type InvestorID uuid.UUID

// CommitmentID identifies a fund commitment.
type CommitmentID uuid.UUID

// AllocationID identifies a fund-to-loan allocation.
type AllocationID uuid.UUID

// CapitalCallID identifies a capital call.
type CapitalCallID uuid.UUID

// NewEventID returns a random event id.
func NewEventID() EventID { return EventID(uuid.New()) }

// NewAggregateID returns a random aggregate id.
func NewAggregateID() AggregateID { return AggregateID(uuid.New()) }

func (id EventID) String() string     { return uuid.UUID(id).String() }
func (id EventID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id AggregateID) String() string { return uuid.UUID(id).String() }
func (id AggregateID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id FundID) String() string        { return uuid.UUID(id).String() }
func (id FundID) IsNil() bool           { return uuid.UUID(id) == uuid.Nil }
func (id LoanID) String() string        { return uuid.UUID(id).String() }
func (id LoanID) IsNil() bool           { return uuid.UUID(id) == uuid.Nil }
func (id InvestorID) String() string    { return uuid.UUID(id).String() }
func (id InvestorID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id CommitmentID) String() string  { return uuid.UUID(id).String() }
func (id AllocationID) String() string  { return uuid.UUID(id).String() }
func (id CapitalCallID) String() string { return uuid.UUID(id).String() }

// ParseEventID validates and converts a string into an EventID.
func ParseEventID(s string) (EventID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return EventID{}, fmt.Errorf("parse event id %q: %w", s, err)
	}
	return EventID(u), nil
}

// ParseAggregateID validates and converts a string into an AggregateID.
func ParseAggregateID(s string) (AggregateID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AggregateID{}, fmt.Errorf("parse aggregate id %q: %w", s, err)
	}
	return AggregateID(u), nil
}

// ParseFundID validates and converts a string into a FundID.
func ParseFundID(s string) (FundID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return FundID{}, fmt.Errorf("parse fund id %q: %w", s, err)
	}
	return FundID(u), nil
}

// ParseLoanID validates and converts a string into a LoanID.
func ParseLoanID(s string) (LoanID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return LoanID{}, fmt.Errorf("parse loan id %q: %w", s, err)
	}
	return LoanID(u), nil
}

// ParseCapitalCallID validates and converts a string into a CapitalCallID.
func ParseCapitalCallID(s string) (CapitalCallID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return CapitalCallID{}, fmt.Errorf("parse capital call id %q: %w", s, err)
	}
	return CapitalCallID(u), nil
}

// ParseInvestorID validates and converts a string into an InvestorID.
func ParseInvestorID(s string) (InvestorID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return InvestorID{}, fmt.Errorf("parse investor id %q: %w", s, err)
	}
	return InvestorID(u), nil
}
