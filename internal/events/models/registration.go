package models

import (
	"time"

	"github.com/google/uuid"
)

// HandlerRegistration is a subscription descriptor. The handler name is the
// identity key; re-registering the same name updates configuration instead of
// creating a second subscription.
type HandlerRegistration struct {
	ID        uuid.UUID
	Name      string
	EventType string

	// Priority orders execution; lower runs first. Ties resolve by
	// registration order (Position, assigned by the store).
	Priority int
	Position int64
	Enabled  bool

	SuccessCount   int64
	FailureCount   int64
	LastExecutedAt *time.Time
	CreatedAt      time.Time
}
