package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/adamj-ops/lending-os-sub002/internal/settlement/models"
	"github.com/adamj-ops/lending-os-sub002/internal/settlement/ports"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
	platformtx "github.com/adamj-ops/lending-os-sub002/pkg/platform/tx"
)

// PostgresStore persists settlement state in PostgreSQL. Amount columns are
// NUMERIC(18,2) and scan through strings into decimals.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a PostgreSQL-backed settlement store.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the settlement tables when absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS funds (
			id              UUID PRIMARY KEY,
			name            TEXT NOT NULL DEFAULT '',
			total_committed NUMERIC(18,2) NOT NULL DEFAULT 0,
			total_deployed  NUMERIC(18,2) NOT NULL DEFAULT 0,
			total_returned  NUMERIC(18,2) NOT NULL DEFAULT 0,
			total_capacity  NUMERIC(18,2) NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS fund_commitments (
			id               UUID PRIMARY KEY,
			fund_id          UUID NOT NULL,
			investor_id      UUID NOT NULL,
			committed_amount NUMERIC(18,2) NOT NULL DEFAULT 0,
			called_amount    NUMERIC(18,2) NOT NULL DEFAULT 0,
			returned_amount  NUMERIC(18,2) NOT NULL DEFAULT 0,
			active           BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_fund_commitments_fund ON fund_commitments (fund_id);
		CREATE TABLE IF NOT EXISTS fund_loan_allocations (
			id               UUID PRIMARY KEY,
			fund_id          UUID NOT NULL,
			loan_id          UUID NOT NULL,
			allocated_amount NUMERIC(18,2) NOT NULL DEFAULT 0,
			returned_amount  NUMERIC(18,2) NOT NULL DEFAULT 0,
			settled          BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (fund_id, loan_id)
		);
		CREATE INDEX IF NOT EXISTS idx_fund_loan_allocations_loan ON fund_loan_allocations (loan_id);
		CREATE TABLE IF NOT EXISTS capital_calls (
			id          UUID PRIMARY KEY,
			fund_id     UUID NOT NULL,
			call_number INT NOT NULL DEFAULT 0,
			call_amount NUMERIC(18,2) NOT NULL DEFAULT 0,
			due_date    TIMESTAMPTZ NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS settlement_applied_events (
			event_id     UUID NOT NULL,
			handler_name TEXT NOT NULL,
			applied_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (event_id, handler_name)
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure settlement schema: %w", err)
	}
	return nil
}

// queryRunner is the surface shared by *pgxpool.Pool and pgx.Tx.
type queryRunner interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// q routes statements through the transaction stashed in ctx when present.
func (s *PostgresStore) q(ctx context.Context) queryRunner {
	if tx, ok := platformtx.From(ctx); ok {
		return tx
	}
	return s.pool
}

// WithinTx begins a transaction, stashes it in the context, and commits only
// when fn succeeds. Nested calls join the outer transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, store ports.Store) error) error {
	if _, ok := platformtx.From(ctx); ok {
		return fn(ctx, s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin settlement tx: %w", err)
	}
	txCtx := platformtx.WithTx(ctx, tx)
	if err := fn(txCtx, s); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit settlement tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFund(ctx context.Context, fundID id.FundID) (*models.Fund, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, name, total_committed, total_deployed, total_returned, total_capacity, updated_at
		FROM funds WHERE id = $1
	`, fundID.String())

	var (
		fund   models.Fund
		rawID  string
		cm, dp string
		rt, cp string
	)
	err := row.Scan(&rawID, &fund.Name, &cm, &dp, &rt, &cp, &fund.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "fund %s not found", fundID)
		}
		return nil, fmt.Errorf("get fund: %w", err)
	}
	parsed, err := id.ParseFundID(rawID)
	if err != nil {
		return nil, err
	}
	fund.ID = parsed
	if fund.TotalCommitted, err = decimal.NewFromString(cm); err != nil {
		return nil, fmt.Errorf("decode total_committed: %w", err)
	}
	if fund.TotalDeployed, err = decimal.NewFromString(dp); err != nil {
		return nil, fmt.Errorf("decode total_deployed: %w", err)
	}
	if fund.TotalReturned, err = decimal.NewFromString(rt); err != nil {
		return nil, fmt.Errorf("decode total_returned: %w", err)
	}
	if fund.TotalCapacity, err = decimal.NewFromString(cp); err != nil {
		return nil, fmt.Errorf("decode total_capacity: %w", err)
	}
	return &fund, nil
}

func (s *PostgresStore) SaveFund(ctx context.Context, fund *models.Fund) error {
	if fund == nil || fund.ID.IsNil() {
		return pkgerrors.New(pkgerrors.CodeValidation, "fund id is required")
	}
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO funds (id, name, total_committed, total_deployed, total_returned, total_capacity, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			total_committed = EXCLUDED.total_committed,
			total_deployed  = EXCLUDED.total_deployed,
			total_returned  = EXCLUDED.total_returned,
			total_capacity  = EXCLUDED.total_capacity,
			updated_at      = now()
	`, fund.ID.String(), fund.Name,
		fund.TotalCommitted.StringFixed(2), fund.TotalDeployed.StringFixed(2),
		fund.TotalReturned.StringFixed(2), fund.TotalCapacity.StringFixed(2))
	if err != nil {
		return fmt.Errorf("save fund: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAllocation(ctx context.Context, fundID id.FundID, loanID id.LoanID) (*models.FundLoanAllocation, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, fund_id, loan_id, allocated_amount, returned_amount, settled, updated_at
		FROM fund_loan_allocations WHERE fund_id = $1 AND loan_id = $2
	`, fundID.String(), loanID.String())
	allocation, err := scanAllocation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "allocation for fund %s loan %s not found", fundID, loanID)
		}
		return nil, fmt.Errorf("get allocation: %w", err)
	}
	return allocation, nil
}

func (s *PostgresStore) SaveAllocation(ctx context.Context, allocation *models.FundLoanAllocation) error {
	if allocation == nil || allocation.FundID.IsNil() || allocation.LoanID.IsNil() {
		return pkgerrors.New(pkgerrors.CodeValidation, "allocation fund id and loan id are required")
	}
	allocationID := allocation.ID
	if allocationID == (id.AllocationID{}) {
		allocationID = id.AllocationID(uuid.New())
	}
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO fund_loan_allocations (id, fund_id, loan_id, allocated_amount, returned_amount, settled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (fund_id, loan_id) DO UPDATE SET
			allocated_amount = EXCLUDED.allocated_amount,
			returned_amount  = EXCLUDED.returned_amount,
			settled          = EXCLUDED.settled,
			updated_at       = now()
	`, allocationID.String(), allocation.FundID.String(), allocation.LoanID.String(),
		allocation.AllocatedAmount.StringFixed(2), allocation.ReturnedAmount.StringFixed(2),
		allocation.Settled)
	if err != nil {
		return fmt.Errorf("save allocation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAllocationsByLoan(ctx context.Context, loanID id.LoanID) ([]*models.FundLoanAllocation, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, fund_id, loan_id, allocated_amount, returned_amount, settled, updated_at
		FROM fund_loan_allocations WHERE loan_id = $1
		ORDER BY fund_id
	`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("list allocations by loan: %w", err)
	}
	defer rows.Close()

	var out []*models.FundLoanAllocation
	for rows.Next() {
		allocation, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, allocation)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListCommitments(ctx context.Context, fundID id.FundID, activeOnly bool) ([]*models.FundCommitment, error) {
	query := `
		SELECT id, fund_id, investor_id, committed_amount, called_amount, returned_amount, active, updated_at
		FROM fund_commitments
		WHERE fund_id = $1 AND ($2 = FALSE OR active)
		ORDER BY investor_id`
	// Inside a transaction the caller is about to mutate these rows; lock them
	// so concurrent settlements of the same fund serialize instead of
	// overwriting each other's balances.
	if _, ok := platformtx.From(ctx); ok {
		query += `
		FOR UPDATE`
	}
	rows, err := s.q(ctx).Query(ctx, query, fundID.String(), activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list commitments: %w", err)
	}
	defer rows.Close()

	var out []*models.FundCommitment
	for rows.Next() {
		var (
			commitment        models.FundCommitment
			rawID, rawFund    string
			rawInvestor       string
			committed, called string
			returned          string
		)
		if err := rows.Scan(&rawID, &rawFund, &rawInvestor, &committed, &called,
			&returned, &commitment.Active, &commitment.UpdatedAt); err != nil {
			return nil, err
		}
		commitmentUUID, err := uuid.Parse(rawID)
		if err != nil {
			return nil, err
		}
		commitment.ID = id.CommitmentID(commitmentUUID)
		if commitment.FundID, err = id.ParseFundID(rawFund); err != nil {
			return nil, err
		}
		if commitment.InvestorID, err = id.ParseInvestorID(rawInvestor); err != nil {
			return nil, err
		}
		if commitment.CommittedAmount, err = decimal.NewFromString(committed); err != nil {
			return nil, err
		}
		if commitment.CalledAmount, err = decimal.NewFromString(called); err != nil {
			return nil, err
		}
		if commitment.ReturnedAmount, err = decimal.NewFromString(returned); err != nil {
			return nil, err
		}
		out = append(out, &commitment)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveCommitment(ctx context.Context, commitment *models.FundCommitment) error {
	if commitment == nil || commitment.FundID.IsNil() {
		return pkgerrors.New(pkgerrors.CodeValidation, "commitment fund id is required")
	}
	commitmentID := commitment.ID
	if commitmentID == (id.CommitmentID{}) {
		commitmentID = id.CommitmentID(uuid.New())
	}
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO fund_commitments (id, fund_id, investor_id, committed_amount, called_amount, returned_amount, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			committed_amount = EXCLUDED.committed_amount,
			called_amount    = EXCLUDED.called_amount,
			returned_amount  = EXCLUDED.returned_amount,
			active           = EXCLUDED.active,
			updated_at       = now()
	`, commitmentID.String(), commitment.FundID.String(), commitment.InvestorID.String(),
		commitment.CommittedAmount.StringFixed(2), commitment.CalledAmount.StringFixed(2),
		commitment.ReturnedAmount.StringFixed(2), commitment.Active)
	if err != nil {
		return fmt.Errorf("save commitment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCapitalCall(ctx context.Context, callID id.CapitalCallID) (*models.CapitalCall, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, fund_id, call_number, call_amount, due_date, created_at
		FROM capital_calls WHERE id = $1
	`, callID.String())

	var (
		call           models.CapitalCall
		rawID, rawFund string
		amount         string
	)
	err := row.Scan(&rawID, &rawFund, &call.CallNumber, &amount, &call.DueDate, &call.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "capital call %s not found", callID)
		}
		return nil, fmt.Errorf("get capital call: %w", err)
	}
	callUUID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, err
	}
	call.ID = id.CapitalCallID(callUUID)
	if call.FundID, err = id.ParseFundID(rawFund); err != nil {
		return nil, err
	}
	if call.CallAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	return &call, nil
}

func (s *PostgresStore) SaveCapitalCall(ctx context.Context, call *models.CapitalCall) error {
	if call == nil || call.FundID.IsNil() {
		return pkgerrors.New(pkgerrors.CodeValidation, "capital call fund id is required")
	}
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO capital_calls (id, fund_id, call_number, call_amount, due_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, call.ID.String(), call.FundID.String(), call.CallNumber,
		call.CallAmount.StringFixed(2), call.DueDate)
	if err != nil {
		return fmt.Errorf("save capital call: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasApplied(ctx context.Context, eventID id.EventID, handlerName string) (bool, error) {
	var exists bool
	err := s.q(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM settlement_applied_events WHERE event_id = $1 AND handler_name = $2
		)
	`, eventID.String(), handlerName).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check applied marker: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) MarkApplied(ctx context.Context, eventID id.EventID, handlerName string) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO settlement_applied_events (event_id, handler_name)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, eventID.String(), handlerName)
	if err != nil {
		return fmt.Errorf("mark event applied: %w", err)
	}
	return nil
}

func scanAllocation(row interface{ Scan(dest ...any) error }) (*models.FundLoanAllocation, error) {
	var (
		allocation     models.FundLoanAllocation
		rawID, rawFund string
		rawLoan        string
		allocated      string
		returned       string
	)
	err := row.Scan(&rawID, &rawFund, &rawLoan, &allocated, &returned,
		&allocation.Settled, &allocation.UpdatedAt)
	if err != nil {
		return nil, err
	}
	allocationUUID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, err
	}
	allocation.ID = id.AllocationID(allocationUUID)
	if allocation.FundID, err = id.ParseFundID(rawFund); err != nil {
		return nil, err
	}
	if allocation.LoanID, err = id.ParseLoanID(rawLoan); err != nil {
		return nil, err
	}
	if allocation.AllocatedAmount, err = decimal.NewFromString(allocated); err != nil {
		return nil, err
	}
	if allocation.ReturnedAmount, err = decimal.NewFromString(returned); err != nil {
		return nil, err
	}
	return &allocation, nil
}
