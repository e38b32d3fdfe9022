// Package models defines the persistent shapes of the event pipeline: domain
// events, handler registrations, and processing log entries.
package models

import (
	"time"

	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
)

// ProcessingStatus tracks where an event sits in its dispatch lifecycle.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusProcessed  ProcessingStatus = "processed"
	StatusFailed     ProcessingStatus = "failed"
)

// Event type names use the dotted domain.action form.
const (
	EventTypeCapitalAllocated     = "Fund.CapitalAllocated"
	EventTypeCapitalReturned      = "Fund.CapitalReturned"
	EventTypeCapitalCalled        = "Fund.CapitalCalled"
	EventTypeDistributionMade     = "Fund.DistributionMade"
	EventTypeLoanStatusChanged    = "Loan.StatusChanged"
	EventTypeLoanFunded           = "Loan.Funded"
	EventTypeCapitalCallIssued    = "Investor.CapitalCallIssued"
	EventTypeDistributionCredited = "Investor.DistributionCredited"
	EventTypeVerificationChanged  = "Verification.StatusChanged"
)

// DomainEvent is an immutable fact about an aggregate. After append only the
// processing fields (status, retry count, processed-at, error) may change.
type DomainEvent struct {
	ID            id.EventID
	EventType     string
	EventVersion  int
	AggregateID   id.AggregateID
	AggregateType string
	Domain        string

	Payload  map[string]any
	Metadata map[string]string

	// SequenceNumber is monotonically increasing per aggregate id, assigned
	// at append time. There is no global ordering across aggregates.
	SequenceNumber int64

	CausationID   *id.EventID
	CorrelationID string

	OccurredAt time.Time
	CreatedAt  time.Time

	ProcessingStatus ProcessingStatus
	ProcessingError  string
	ProcessedAt      *time.Time
	RetryCount       int
}

// Clone returns a deep-enough copy so callers can hold an event without
// aliasing store-internal maps.
func (e *DomainEvent) Clone() *DomainEvent {
	if e == nil {
		return nil
	}
	out := *e
	if e.Payload != nil {
		out.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			out.Payload[k] = v
		}
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	if e.CausationID != nil {
		c := *e.CausationID
		out.CausationID = &c
	}
	if e.ProcessedAt != nil {
		p := *e.ProcessedAt
		out.ProcessedAt = &p
	}
	return &out
}
