package proclog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adamj-ops/lending-os-sub002/internal/events/models"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
)

// PostgresStore persists the processing log in PostgreSQL. Dispatchers check
// the success guard here, transactionally, not in process memory.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a PostgreSQL-backed processing log store.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the processing log table when absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS event_processing_log (
			id           UUID PRIMARY KEY,
			event_id     UUID NOT NULL,
			handler_name TEXT NOT NULL,
			outcome      TEXT NOT NULL,
			duration_ms  BIGINT NOT NULL DEFAULT 0,
			error_text   TEXT NOT NULL DEFAULT '',
			attempted_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_processing_log_pair ON event_processing_log (event_id, handler_name);
	`)
	if err != nil {
		return fmt.Errorf("ensure event_processing_log schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, entry *models.ProcessingLogEntry) error {
	if entry == nil || entry.EventID.IsNil() || entry.HandlerName == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "event id and handler name are required")
	}
	entryID := entry.ID
	if entryID == uuid.Nil {
		entryID = uuid.New()
	}
	attemptedAt := entry.AttemptedAt
	if attemptedAt.IsZero() {
		attemptedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_processing_log (id, event_id, handler_name, outcome, duration_ms, error_text, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entryID, entry.EventID.String(), entry.HandlerName, string(entry.Outcome),
		entry.Duration.Milliseconds(), entry.ErrorText, attemptedAt)
	if err != nil {
		return fmt.Errorf("append processing log entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasSucceeded(ctx context.Context, eventID id.EventID, handlerName string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM event_processing_log
			WHERE event_id = $1 AND handler_name = $2 AND outcome = 'success'
		)
	`, eventID.String(), handlerName).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check success guard: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListByEvent(ctx context.Context, eventID id.EventID) ([]*models.ProcessingLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, handler_name, outcome, duration_ms, error_text, attempted_at
		FROM event_processing_log
		WHERE event_id = $1
		ORDER BY attempted_at
	`, eventID.String())
	if err != nil {
		return nil, fmt.Errorf("list processing log: %w", err)
	}
	defer rows.Close()

	var out []*models.ProcessingLogEntry
	for rows.Next() {
		var (
			entry      models.ProcessingLogEntry
			rawEventID string
			outcome    string
			durationMS int64
		)
		if err := rows.Scan(&entry.ID, &rawEventID, &entry.HandlerName, &outcome,
			&durationMS, &entry.ErrorText, &entry.AttemptedAt); err != nil {
			return nil, err
		}
		eventID, err := id.ParseEventID(rawEventID)
		if err != nil {
			return nil, err
		}
		entry.EventID = eventID
		entry.Outcome = models.Outcome(outcome)
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
