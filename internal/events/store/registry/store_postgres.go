package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adamj-ops/lending-os-sub002/internal/events/models"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
)

// PostgresStore persists handler registrations in PostgreSQL. The rolling
// counters live here so multiple process instances share one truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a PostgreSQL-backed registry store.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the registration table when absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS event_handlers (
			id               UUID PRIMARY KEY,
			name             TEXT NOT NULL UNIQUE,
			event_type       TEXT NOT NULL,
			priority         INT NOT NULL DEFAULT 100,
			position         BIGSERIAL,
			enabled          BOOLEAN NOT NULL DEFAULT TRUE,
			success_count    BIGINT NOT NULL DEFAULT 0,
			failure_count    BIGINT NOT NULL DEFAULT 0,
			last_executed_at TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_event_handlers_type ON event_handlers (event_type) WHERE enabled;
	`)
	if err != nil {
		return fmt.Errorf("ensure event_handlers schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, registration *models.HandlerRegistration) (*models.HandlerRegistration, error) {
	if registration == nil || registration.Name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "handler name is required")
	}
	if registration.EventType == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event type is required")
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO event_handlers (id, name, event_type, priority, enabled)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			event_type = EXCLUDED.event_type,
			priority   = EXCLUDED.priority,
			enabled    = EXCLUDED.enabled
		RETURNING `+registrationColumns,
		registration.Name, registration.EventType, registration.Priority, registration.Enabled)
	stored, err := scanRegistration(row)
	if err != nil {
		return nil, fmt.Errorf("upsert handler registration: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) Resolve(ctx context.Context, eventType string) ([]*models.HandlerRegistration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+registrationColumns+`
		FROM event_handlers
		WHERE event_type = $1 AND enabled
		ORDER BY priority, position
	`, eventType)
	if err != nil {
		return nil, fmt.Errorf("resolve handlers: %w", err)
	}
	defer rows.Close()
	return scanRegistrations(rows)
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, name string, success bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE event_handlers
		SET success_count    = success_count + CASE WHEN $2 THEN 1 ELSE 0 END,
		    failure_count    = failure_count + CASE WHEN $2 THEN 0 ELSE 1 END,
		    last_executed_at = $3
		WHERE name = $1
	`, name, success, at)
	if err != nil {
		return fmt.Errorf("record handler outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pkgerrors.Newf(pkgerrors.CodeNotFound, "handler %q not registered", name)
	}
	return nil
}

func (s *PostgresStore) SetEnabled(ctx context.Context, name string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE event_handlers SET enabled = $2 WHERE name = $1`, name, enabled)
	if err != nil {
		return fmt.Errorf("set handler enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pkgerrors.Newf(pkgerrors.CodeNotFound, "handler %q not registered", name)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.HandlerRegistration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+registrationColumns+` FROM event_handlers ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("list handler registrations: %w", err)
	}
	defer rows.Close()
	return scanRegistrations(rows)
}

const registrationColumns = `
	id, name, event_type, priority, position, enabled,
	success_count, failure_count, last_executed_at, created_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (*models.HandlerRegistration, error) {
	var registration models.HandlerRegistration
	err := row.Scan(
		&registration.ID, &registration.Name, &registration.EventType,
		&registration.Priority, &registration.Position, &registration.Enabled,
		&registration.SuccessCount, &registration.FailureCount,
		&registration.LastExecutedAt, &registration.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "handler not registered")
		}
		return nil, err
	}
	return &registration, nil
}

func scanRegistrations(rows pgx.Rows) ([]*models.HandlerRegistration, error) {
	var out []*models.HandlerRegistration
	for rows.Next() {
		registration, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, registration)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
