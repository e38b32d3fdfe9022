// Package alerting carries operational observations out of the settlement
// handlers. Emission is best effort; it must never fail or block the
// handler's primary transaction.
package alerting

import "time"

// Severity grades an alert.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert codes raised by the settlement handlers.
const (
	CodeHighUtilization    = "fund_high_utilization"
	CodeAllocationSettled  = "allocation_settled"
	CodeReturnExceedsAlloc = "return_exceeds_allocation"
	CodeLoanRiskEscalation = "loan_risk_escalation"
	CodeRetriesExhausted   = "handler_retries_exhausted"
)

// Alert is emitted from domain logic to capture a condition worth surfacing.
// Keep it transport-agnostic so sinks can fan out.
type Alert struct {
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Code       string
	Severity   Severity
	Message    string
	Details    map[string]string
}
