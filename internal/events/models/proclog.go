package models

import (
	"time"

	"github.com/google/uuid"

	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
)

// Outcome classifies one handler execution attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// ProcessingLogEntry is the audit record for one (event, handler) attempt.
// The log is append-only; a retry adds a new entry rather than mutating an
// old one. It is also the transactional idempotency guard: a success entry
// for a pair means that handler must never run again for that event.
type ProcessingLogEntry struct {
	ID          uuid.UUID
	EventID     id.EventID
	HandlerName string
	Outcome     Outcome
	Duration    time.Duration
	ErrorText   string
	AttemptedAt time.Time
}
