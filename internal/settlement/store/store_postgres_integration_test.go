//go:build integration

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamj-ops/lending-os-sub002/internal/settlement/models"
	"github.com/adamj-ops/lending-os-sub002/internal/settlement/ports"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
	"github.com/adamj-ops/lending-os-sub002/pkg/testutil/containers"
)

func newStore(t *testing.T) *PostgresStore {
	t.Helper()
	pc := containers.NewPostgresContainer(t)
	store := NewPostgres(pc.Pool)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func TestPostgresFundRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	fundID := id.FundID(uuid.New())
	require.NoError(t, store.SaveFund(ctx, &models.Fund{
		ID:             fundID,
		Name:           "Fund I",
		TotalCommitted: decimal.RequireFromString("100000.00"),
		TotalDeployed:  decimal.RequireFromString("25000.50"),
	}))

	fund, err := store.GetFund(ctx, fundID)
	require.NoError(t, err)
	assert.Equal(t, "Fund I", fund.Name)
	assert.True(t, decimal.RequireFromString("25000.50").Equal(fund.TotalDeployed))

	_, err = store.GetFund(ctx, id.FundID(uuid.New()))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
}

func TestPostgresWithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	fundID := id.FundID(uuid.New())
	require.NoError(t, store.SaveFund(ctx, &models.Fund{
		ID:             fundID,
		TotalCommitted: decimal.RequireFromString("1000.00"),
	}))

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(ctx context.Context, s ports.Store) error {
		fund, err := s.GetFund(ctx, fundID)
		if err != nil {
			return err
		}
		fund.TotalDeployed = decimal.RequireFromString("999.00")
		if err := s.SaveFund(ctx, fund); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	fund, err := store.GetFund(ctx, fundID)
	require.NoError(t, err)
	assert.True(t, fund.TotalDeployed.IsZero(), "rolled back, got %s", fund.TotalDeployed)
}

func TestPostgresAppliedMarkerJoinsTransaction(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	fundID := id.FundID(uuid.New())
	require.NoError(t, store.SaveFund(ctx, &models.Fund{
		ID:             fundID,
		TotalCommitted: decimal.RequireFromString("1000.00"),
	}))

	eventID := id.NewEventID()
	const handlerName = "settlement.capital_allocated"

	mutate := func(ctx context.Context, s ports.Store) error {
		applied, err := s.HasApplied(ctx, eventID, handlerName)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
		fund, err := s.GetFund(ctx, fundID)
		if err != nil {
			return err
		}
		fund.TotalDeployed = fund.TotalDeployed.Add(decimal.RequireFromString("100.00"))
		if err := s.SaveFund(ctx, fund); err != nil {
			return err
		}
		return s.MarkApplied(ctx, eventID, handlerName)
	}

	require.NoError(t, store.WithinTx(ctx, mutate))
	require.NoError(t, store.WithinTx(ctx, mutate), "replay is a no-op")

	fund, err := store.GetFund(ctx, fundID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("100.00").Equal(fund.TotalDeployed))
}

func TestPostgresCommitmentsAndAllocations(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	fundID := id.FundID(uuid.New())
	loanID := id.LoanID(uuid.New())

	active := &models.FundCommitment{
		ID:              id.CommitmentID(uuid.New()),
		FundID:          fundID,
		InvestorID:      id.InvestorID(uuid.New()),
		CommittedAmount: decimal.RequireFromString("70000.00"),
		Active:          true,
	}
	inactive := &models.FundCommitment{
		ID:              id.CommitmentID(uuid.New()),
		FundID:          fundID,
		InvestorID:      id.InvestorID(uuid.New()),
		CommittedAmount: decimal.RequireFromString("30000.00"),
		Active:          false,
	}
	require.NoError(t, store.SaveCommitment(ctx, active))
	require.NoError(t, store.SaveCommitment(ctx, inactive))

	activeOnly, err := store.ListCommitments(ctx, fundID, true)
	require.NoError(t, err)
	require.Len(t, activeOnly, 1)
	assert.Equal(t, active.ID, activeOnly[0].ID)

	all, err := store.ListCommitments(ctx, fundID, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.SaveAllocation(ctx, &models.FundLoanAllocation{
		FundID:          fundID,
		LoanID:          loanID,
		AllocatedAmount: decimal.RequireFromString("40000.00"),
	}))
	allocation, err := store.GetAllocation(ctx, fundID, loanID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("40000.00").Equal(allocation.Outstanding()))

	// Upsert by (fund, loan) key.
	allocation.ReturnedAmount = decimal.RequireFromString("40000.00")
	allocation.Settled = true
	require.NoError(t, store.SaveAllocation(ctx, allocation))
	refreshed, err := store.GetAllocation(ctx, fundID, loanID)
	require.NoError(t, err)
	assert.True(t, refreshed.Settled)

	byLoan, err := store.ListAllocationsByLoan(ctx, loanID)
	require.NoError(t, err)
	assert.Len(t, byLoan, 1)
}
