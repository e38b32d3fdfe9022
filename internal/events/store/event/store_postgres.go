package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adamj-ops/lending-os-sub002/internal/events/models"
	"github.com/adamj-ops/lending-os-sub002/internal/events/ports"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
)

// PostgresStore persists the event log in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a PostgreSQL-backed event store.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the event log table when absent. Production deploys
// run migrations out of band; this keeps integration tests self-contained.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS domain_events (
			id                UUID PRIMARY KEY,
			event_type        TEXT NOT NULL,
			event_version     INT NOT NULL DEFAULT 1,
			aggregate_id      UUID NOT NULL,
			aggregate_type    TEXT NOT NULL,
			domain            TEXT NOT NULL DEFAULT '',
			payload           JSONB NOT NULL DEFAULT '{}',
			metadata          JSONB,
			sequence_number   BIGINT NOT NULL,
			causation_id      UUID,
			correlation_id    TEXT NOT NULL DEFAULT '',
			occurred_at       TIMESTAMPTZ NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			processing_status TEXT NOT NULL DEFAULT 'pending',
			processing_error  TEXT NOT NULL DEFAULT '',
			processed_at      TIMESTAMPTZ,
			claimed_at        TIMESTAMPTZ,
			retry_count       INT NOT NULL DEFAULT 0,
			UNIQUE (aggregate_id, sequence_number)
		);
		CREATE INDEX IF NOT EXISTS idx_domain_events_status ON domain_events (processing_status, created_at);
		CREATE INDEX IF NOT EXISTS idx_domain_events_occurred ON domain_events (occurred_at);
	`)
	if err != nil {
		return fmt.Errorf("ensure domain_events schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, event *models.DomainEvent) (*models.DomainEvent, error) {
	if event == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event is required")
	}
	if event.EventType == "" || event.AggregateType == "" || event.AggregateID.IsNil() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event type, aggregate type, and aggregate id are required")
	}

	stored := event.Clone()
	if stored.ID.IsNil() {
		stored.ID = id.NewEventID()
	}
	if stored.EventVersion == 0 {
		stored.EventVersion = 1
	}

	payloadJSON, err := json.Marshal(stored.Payload)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeValidation, "payload is not serializable")
	}
	var metadataJSON []byte
	if stored.Metadata != nil {
		metadataJSON, err = json.Marshal(stored.Metadata)
		if err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeValidation, "metadata is not serializable")
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize sequence assignment per aggregate. FOR UPDATE locks the
	// aggregate's existing rows; the unique (aggregate_id, sequence_number)
	// index is the backstop for the empty-stream race.
	var next int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence_number), 0) + 1
		FROM (SELECT sequence_number FROM domain_events WHERE aggregate_id = $1 FOR UPDATE) existing
	`, stored.AggregateID.String()).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("allocate sequence number: %w", err)
	}

	if stored.SequenceNumber != 0 && stored.SequenceNumber != next {
		return nil, pkgerrors.Newf(pkgerrors.CodeConflict,
			"stale sequence number %d for aggregate %s (next is %d)",
			stored.SequenceNumber, stored.AggregateID, next)
	}
	stored.SequenceNumber = next

	var causation any
	if stored.CausationID != nil {
		causation = stored.CausationID.String()
	}
	var occurredAt any
	if !stored.OccurredAt.IsZero() {
		occurredAt = stored.OccurredAt
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO domain_events (
			id, event_type, event_version, aggregate_id, aggregate_type, domain,
			payload, metadata, sequence_number, causation_id, correlation_id, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, now()))
		RETURNING occurred_at, created_at
	`,
		stored.ID.String(), stored.EventType, stored.EventVersion,
		stored.AggregateID.String(), stored.AggregateType, stored.Domain,
		payloadJSON, metadataJSON, stored.SequenceNumber, causation,
		stored.CorrelationID, occurredAt,
	)
	if err := row.Scan(&stored.OccurredAt, &stored.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeConflict, "concurrent append to aggregate")
		}
		return nil, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append tx: %w", err)
	}

	stored.ProcessingStatus = models.StatusPending
	stored.RetryCount = 0
	return stored, nil
}

const eventColumns = `
	id, event_type, event_version, aggregate_id, aggregate_type, domain,
	payload, metadata, sequence_number, causation_id, correlation_id,
	occurred_at, created_at, processing_status, processing_error,
	processed_at, retry_count
`

func (s *PostgresStore) Get(ctx context.Context, eventID id.EventID) (*models.DomainEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM domain_events WHERE id = $1`, eventID.String())
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "event %s not found", eventID)
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return event, nil
}

func (s *PostgresStore) LoadStream(ctx context.Context, aggregateID id.AggregateID, fromSequence int64, limit int) ([]*models.DomainEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM domain_events
		WHERE aggregate_id = $1 AND sequence_number > $2
		ORDER BY sequence_number
		LIMIT $3
	`, aggregateID.String(), fromSequence, nullableLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("load stream: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) Claim(ctx context.Context, eventID id.EventID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE domain_events
		SET processing_status = 'processing', claimed_at = now()
		WHERE id = $1 AND processing_status IN ('pending', 'failed')
	`, eventID.String())
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, eventID id.EventID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE domain_events
		SET processing_status = 'processed', processed_at = $2,
		    processing_error = '', claimed_at = NULL
		WHERE id = $1 AND processing_status <> 'processed'
	`, eventID.String(), at)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, eventID id.EventID, errText string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE domain_events
		SET processing_status = 'failed', processing_error = $2,
		    retry_count = retry_count + 1, claimed_at = NULL
		WHERE id = $1 AND processing_status <> 'processed'
	`, eventID.String(), errText)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResetForRetry(ctx context.Context, eventID id.EventID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE domain_events
		SET processing_status = 'pending', processing_error = '',
		    retry_count = 0, claimed_at = NULL
		WHERE id = $1
	`, eventID.String())
	if err != nil {
		return fmt.Errorf("reset event for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pkgerrors.Newf(pkgerrors.CodeNotFound, "event %s not found", eventID)
	}
	return nil
}

func (s *PostgresStore) ListDispatchable(ctx context.Context, maxRetries, limit int) ([]*models.DomainEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM domain_events
		WHERE processing_status = 'pending'
		   OR (processing_status = 'failed' AND retry_count < $1)
		ORDER BY created_at
		LIMIT $2
	`, maxRetries, nullableLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list dispatchable: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) ListFailed(ctx context.Context, maxRetries, limit int) ([]*models.DomainEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM domain_events
		WHERE processing_status = 'failed' AND retry_count >= $1
		ORDER BY created_at
		LIMIT $2
	`, maxRetries, nullableLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE domain_events
		SET processing_status = 'pending', claimed_at = NULL
		WHERE processing_status = 'processing' AND claimed_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) RecentEvents(ctx context.Context, since time.Time, limit int, filter ports.StreamFilter) ([]*models.DomainEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM domain_events
		WHERE occurred_at >= $1
		  AND ($2 = '' OR event_type = $2)
		  AND ($3 = '' OR domain = $3)
		ORDER BY occurred_at, created_at
		LIMIT $4
	`, since, filter.EventType, filter.Domain, nullableLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.DomainEvent, error) {
	var (
		event        models.DomainEvent
		rawID        string
		rawAggregate string
		payloadJSON  []byte
		metadataJSON []byte
		causation    *string
		processedAt  *time.Time
	)
	err := row.Scan(
		&rawID, &event.EventType, &event.EventVersion, &rawAggregate,
		&event.AggregateType, &event.Domain, &payloadJSON, &metadataJSON,
		&event.SequenceNumber, &causation, &event.CorrelationID,
		&event.OccurredAt, &event.CreatedAt,
		(*string)(&event.ProcessingStatus), &event.ProcessingError,
		&processedAt, &event.RetryCount,
	)
	if err != nil {
		return nil, err
	}
	eventID, err := id.ParseEventID(rawID)
	if err != nil {
		return nil, err
	}
	aggregateID, err := id.ParseAggregateID(rawAggregate)
	if err != nil {
		return nil, err
	}
	event.ID = eventID
	event.AggregateID = aggregateID
	event.ProcessedAt = processedAt
	if causation != nil {
		causationID, err := id.ParseEventID(*causation)
		if err != nil {
			return nil, err
		}
		event.CausationID = &causationID
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &event, nil
}

func scanEvents(rows pgx.Rows) ([]*models.DomainEvent, error) {
	var out []*models.DomainEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// nullableLimit converts "no limit" (<= 0) into SQL NULL for LIMIT.
func nullableLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
