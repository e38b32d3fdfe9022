package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sink accepts alerts. Implementations must be cheap and must not propagate
// failures into the caller's transaction.
type Sink interface {
	Emit(ctx context.Context, alert Alert)
}

// LogSink writes alerts to the structured logger. It stands in for the
// external alert collaborator in dev and test deployments.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink constructs a logger-backed sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, alert Alert) {
	if s.logger == nil {
		return
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	args := []any{
		"entity_type", alert.EntityType,
		"entity_id", alert.EntityID,
		"code", alert.Code,
		"severity", string(alert.Severity),
	}
	for k, v := range alert.Details {
		args = append(args, "detail_"+k, v)
	}
	switch alert.Severity {
	case SeverityError:
		s.logger.ErrorContext(ctx, alert.Message, args...)
	case SeverityWarning:
		s.logger.WarnContext(ctx, alert.Message, args...)
	default:
		s.logger.InfoContext(ctx, alert.Message, args...)
	}
}

// MemorySink collects alerts for assertions in tests.
type MemorySink struct {
	mu     sync.Mutex
	alerts []Alert
}

// NewMemorySink constructs an empty collecting sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Emit(_ context.Context, alert Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	s.alerts = append(s.alerts, alert)
}

// Alerts returns a copy of everything emitted so far.
func (s *MemorySink) Alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

// ByCode returns emitted alerts carrying the given code.
func (s *MemorySink) ByCode(code string) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Alert
	for _, alert := range s.alerts {
		if alert.Code == code {
			out = append(out, alert)
		}
	}
	return out
}
