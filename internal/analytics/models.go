// Package analytics maintains per-domain daily snapshots of event activity.
// Snapshots are a disposable read model: the event log is the source of
// truth and Rebuild reconstructs them by replay.
package analytics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot aggregates one domain's events for one UTC day.
type Snapshot struct {
	Domain      string
	Day         time.Time
	EventCount  int64
	TotalAmount decimal.Decimal
}

// DayOf truncates a timestamp to its UTC day.
func DayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
