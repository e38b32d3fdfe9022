package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adamj-ops/lending-os-sub002/internal/settlement/models"
	"github.com/adamj-ops/lending-os-sub002/internal/settlement/ports"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
)

type allocationKey struct {
	fundID id.FundID
	loanID id.LoanID
}

type appliedKey struct {
	eventID id.EventID
	handler string
}

// memoryState is the full settlement dataset. WithinTx mutates a deep copy
// and swaps it in on success, so a failed transaction leaves no trace.
type memoryState struct {
	funds       map[id.FundID]*models.Fund
	commitments map[id.CommitmentID]*models.FundCommitment
	allocations map[allocationKey]*models.FundLoanAllocation
	calls       map[id.CapitalCallID]*models.CapitalCall
	applied     map[appliedKey]struct{}
}

func newMemoryState() *memoryState {
	return &memoryState{
		funds:       make(map[id.FundID]*models.Fund),
		commitments: make(map[id.CommitmentID]*models.FundCommitment),
		allocations: make(map[allocationKey]*models.FundLoanAllocation),
		calls:       make(map[id.CapitalCallID]*models.CapitalCall),
		applied:     make(map[appliedKey]struct{}),
	}
}

func (st *memoryState) clone() *memoryState {
	out := newMemoryState()
	for k, v := range st.funds {
		f := *v
		out.funds[k] = &f
	}
	for k, v := range st.commitments {
		c := *v
		out.commitments[k] = &c
	}
	for k, v := range st.allocations {
		a := *v
		out.allocations[k] = &a
	}
	for k, v := range st.calls {
		c := *v
		out.calls[k] = &c
	}
	for k := range st.applied {
		out.applied[k] = struct{}{}
	}
	return out
}

// InMemoryStore keeps settlement state in process memory for dev mode and
// unit tests.
type InMemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
}

// NewMemory constructs an empty in-memory settlement store.
func NewMemory() *InMemoryStore {
	return &InMemoryStore{state: newMemoryState()}
}

// WithinTx serializes writers and applies fn's mutations atomically via
// copy-on-write.
func (s *InMemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, store ports.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := &txStore{state: s.state.clone()}
	if err := fn(ctx, staged); err != nil {
		return err
	}
	s.state = staged.state
	return nil
}

func (s *InMemoryStore) GetFund(ctx context.Context, fundID id.FundID) (*models.Fund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txStore{state: s.state}).GetFund(ctx, fundID)
}

func (s *InMemoryStore) SaveFund(ctx context.Context, fund *models.Fund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{state: s.state}).SaveFund(ctx, fund)
}

func (s *InMemoryStore) GetAllocation(ctx context.Context, fundID id.FundID, loanID id.LoanID) (*models.FundLoanAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txStore{state: s.state}).GetAllocation(ctx, fundID, loanID)
}

func (s *InMemoryStore) SaveAllocation(ctx context.Context, allocation *models.FundLoanAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{state: s.state}).SaveAllocation(ctx, allocation)
}

func (s *InMemoryStore) ListAllocationsByLoan(ctx context.Context, loanID id.LoanID) ([]*models.FundLoanAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txStore{state: s.state}).ListAllocationsByLoan(ctx, loanID)
}

func (s *InMemoryStore) ListCommitments(ctx context.Context, fundID id.FundID, activeOnly bool) ([]*models.FundCommitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txStore{state: s.state}).ListCommitments(ctx, fundID, activeOnly)
}

func (s *InMemoryStore) SaveCommitment(ctx context.Context, commitment *models.FundCommitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{state: s.state}).SaveCommitment(ctx, commitment)
}

func (s *InMemoryStore) GetCapitalCall(ctx context.Context, callID id.CapitalCallID) (*models.CapitalCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txStore{state: s.state}).GetCapitalCall(ctx, callID)
}

func (s *InMemoryStore) SaveCapitalCall(ctx context.Context, call *models.CapitalCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{state: s.state}).SaveCapitalCall(ctx, call)
}

func (s *InMemoryStore) HasApplied(ctx context.Context, eventID id.EventID, handlerName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txStore{state: s.state}).HasApplied(ctx, eventID, handlerName)
}

func (s *InMemoryStore) MarkApplied(ctx context.Context, eventID id.EventID, handlerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{state: s.state}).MarkApplied(ctx, eventID, handlerName)
}

// txStore operates on one state snapshot without locking; WithinTx holds the
// outer lock for the duration.
type txStore struct {
	state *memoryState
}

func (s *txStore) WithinTx(ctx context.Context, fn func(ctx context.Context, store ports.Store) error) error {
	// Already inside a transaction; run against the same staged state.
	return fn(ctx, s)
}

func (s *txStore) GetFund(_ context.Context, fundID id.FundID) (*models.Fund, error) {
	fund, ok := s.state.funds[fundID]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "fund %s not found", fundID)
	}
	out := *fund
	return &out, nil
}

func (s *txStore) SaveFund(_ context.Context, fund *models.Fund) error {
	if fund == nil || fund.ID.IsNil() {
		return pkgerrors.New(pkgerrors.CodeValidation, "fund id is required")
	}
	stored := *fund
	stored.UpdatedAt = time.Now()
	s.state.funds[fund.ID] = &stored
	return nil
}

func (s *txStore) GetAllocation(_ context.Context, fundID id.FundID, loanID id.LoanID) (*models.FundLoanAllocation, error) {
	allocation, ok := s.state.allocations[allocationKey{fundID: fundID, loanID: loanID}]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "allocation for fund %s loan %s not found", fundID, loanID)
	}
	out := *allocation
	return &out, nil
}

func (s *txStore) SaveAllocation(_ context.Context, allocation *models.FundLoanAllocation) error {
	if allocation == nil || allocation.FundID.IsNil() || allocation.LoanID.IsNil() {
		return pkgerrors.New(pkgerrors.CodeValidation, "allocation fund id and loan id are required")
	}
	stored := *allocation
	if stored.ID == (id.AllocationID{}) {
		stored.ID = id.AllocationID(uuid.New())
	}
	stored.UpdatedAt = time.Now()
	s.state.allocations[allocationKey{fundID: allocation.FundID, loanID: allocation.LoanID}] = &stored
	return nil
}

func (s *txStore) ListAllocationsByLoan(_ context.Context, loanID id.LoanID) ([]*models.FundLoanAllocation, error) {
	var out []*models.FundLoanAllocation
	for _, allocation := range s.state.allocations {
		if allocation.LoanID == loanID {
			clone := *allocation
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *txStore) ListCommitments(_ context.Context, fundID id.FundID, activeOnly bool) ([]*models.FundCommitment, error) {
	var out []*models.FundCommitment
	for _, commitment := range s.state.commitments {
		if commitment.FundID != fundID {
			continue
		}
		if activeOnly && !commitment.Active {
			continue
		}
		clone := *commitment
		out = append(out, &clone)
	}
	return out, nil
}

func (s *txStore) SaveCommitment(_ context.Context, commitment *models.FundCommitment) error {
	if commitment == nil || commitment.FundID.IsNil() {
		return pkgerrors.New(pkgerrors.CodeValidation, "commitment fund id is required")
	}
	stored := *commitment
	if stored.ID == (id.CommitmentID{}) {
		stored.ID = id.CommitmentID(uuid.New())
	}
	stored.UpdatedAt = time.Now()
	s.state.commitments[stored.ID] = &stored
	return nil
}

func (s *txStore) GetCapitalCall(_ context.Context, callID id.CapitalCallID) (*models.CapitalCall, error) {
	call, ok := s.state.calls[callID]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "capital call %s not found", callID)
	}
	out := *call
	return &out, nil
}

func (s *txStore) SaveCapitalCall(_ context.Context, call *models.CapitalCall) error {
	if call == nil || call.FundID.IsNil() {
		return pkgerrors.New(pkgerrors.CodeValidation, "capital call fund id is required")
	}
	stored := *call
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.state.calls[stored.ID] = &stored
	return nil
}

func (s *txStore) HasApplied(_ context.Context, eventID id.EventID, handlerName string) (bool, error) {
	_, ok := s.state.applied[appliedKey{eventID: eventID, handler: handlerName}]
	return ok, nil
}

func (s *txStore) MarkApplied(_ context.Context, eventID id.EventID, handlerName string) error {
	s.state.applied[appliedKey{eventID: eventID, handler: handlerName}] = struct{}{}
	return nil
}
