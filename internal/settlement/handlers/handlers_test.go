package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamj-ops/lending-os-sub002/internal/alerting"
	eventmodels "github.com/adamj-ops/lending-os-sub002/internal/events/models"
	eventports "github.com/adamj-ops/lending-os-sub002/internal/events/ports"
	"github.com/adamj-ops/lending-os-sub002/internal/settlement/models"
	"github.com/adamj-ops/lending-os-sub002/internal/settlement/store"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
)

func d(s string) decimal.Decimal {
	out, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return out
}

// capturingPublisher records published requests and enforces event-id
// uniqueness the way the event store does.
type capturingPublisher struct {
	mu       sync.Mutex
	requests []eventports.PublishRequest
	seen     map[id.EventID]bool
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{seen: make(map[id.EventID]bool)}
}

func (p *capturingPublisher) Publish(_ context.Context, req eventports.PublishRequest) (*eventmodels.DomainEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !req.EventID.IsNil() {
		if p.seen[req.EventID] {
			return nil, pkgerrors.Newf(pkgerrors.CodeConflict, "event %s already exists", req.EventID)
		}
		p.seen[req.EventID] = true
	}
	p.requests = append(p.requests, req)
	return &eventmodels.DomainEvent{ID: req.EventID, EventType: req.EventType}, nil
}

func (p *capturingPublisher) published() []eventports.PublishRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]eventports.PublishRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

func newDomainEvent(eventType string, payload map[string]any) *eventmodels.DomainEvent {
	return &eventmodels.DomainEvent{
		ID:            id.NewEventID(),
		EventType:     eventType,
		AggregateType: "fund",
		AggregateID:   id.NewAggregateID(),
		Payload:       payload,
		OccurredAt:    time.Now(),
	}
}

func seedFund(t *testing.T, s *store.InMemoryStore, committed, deployed string) id.FundID {
	t.Helper()
	fundID := id.FundID(uuid.New())
	require.NoError(t, s.SaveFund(context.Background(), &models.Fund{
		ID:             fundID,
		Name:           "Fund I",
		TotalCommitted: d(committed),
		TotalDeployed:  d(deployed),
	}))
	return fundID
}

func seedCommitment(t *testing.T, s *store.InMemoryStore, fundID id.FundID, committed string, active bool) *models.FundCommitment {
	t.Helper()
	commitment := &models.FundCommitment{
		ID:              id.CommitmentID(uuid.New()),
		FundID:          fundID,
		InvestorID:      id.InvestorID(uuid.New()),
		CommittedAmount: d(committed),
		Active:          active,
	}
	require.NoError(t, s.SaveCommitment(context.Background(), commitment))
	return commitment
}

func TestCapitalAllocated(t *testing.T) {
	ctx := context.Background()

	t.Run("creates the allocation and moves deployed capital", func(t *testing.T) {
		s := store.NewMemory()
		fundID := seedFund(t, s, "100000", "0")
		loanID := id.LoanID(uuid.New())
		alerts := alerting.NewMemorySink()
		h := NewCapitalAllocated(s, alerts, d("0.95"), nil)

		event := newDomainEvent(eventmodels.EventTypeCapitalAllocated, map[string]any{
			"fundId": fundID.String(), "loanId": loanID.String(), "amount": "40000",
		})
		require.NoError(t, h.Handle(ctx, event))

		fund, err := s.GetFund(ctx, fundID)
		require.NoError(t, err)
		assert.True(t, d("40000").Equal(fund.TotalDeployed))

		allocation, err := s.GetAllocation(ctx, fundID, loanID)
		require.NoError(t, err)
		assert.True(t, d("40000").Equal(allocation.AllocatedAmount))
		assert.False(t, allocation.Settled)
		assert.Empty(t, alerts.ByCode(alerting.CodeHighUtilization))
	})

	t.Run("replayed event applies the mutation exactly once", func(t *testing.T) {
		s := store.NewMemory()
		fundID := seedFund(t, s, "100000", "0")
		loanID := id.LoanID(uuid.New())
		h := NewCapitalAllocated(s, alerting.NewMemorySink(), d("0.95"), nil)

		event := newDomainEvent(eventmodels.EventTypeCapitalAllocated, map[string]any{
			"fundId": fundID.String(), "loanId": loanID.String(), "amount": "40000",
		})
		require.NoError(t, h.Handle(ctx, event))
		require.NoError(t, h.Handle(ctx, event))
		require.NoError(t, h.Handle(ctx, event))

		fund, err := s.GetFund(ctx, fundID)
		require.NoError(t, err)
		assert.True(t, d("40000").Equal(fund.TotalDeployed), "got %s", fund.TotalDeployed)
	})

	t.Run("alerts exactly once when utilization crosses the threshold", func(t *testing.T) {
		s := store.NewMemory()
		fundID := seedFund(t, s, "100000", "90000")
		alerts := alerting.NewMemorySink()
		h := NewCapitalAllocated(s, alerts, d("0.95"), nil)

		crossing := newDomainEvent(eventmodels.EventTypeCapitalAllocated, map[string]any{
			"fundId": fundID.String(), "loanId": id.LoanID(uuid.New()).String(), "amount": "6000",
		})
		require.NoError(t, h.Handle(ctx, crossing))
		require.Len(t, alerts.ByCode(alerting.CodeHighUtilization), 1)

		// Replay of the same event does not alert again.
		require.NoError(t, h.Handle(ctx, crossing))
		assert.Len(t, alerts.ByCode(alerting.CodeHighUtilization), 1)

		// A further allocation above the threshold does not re-alert either;
		// utilization was already high before it.
		above := newDomainEvent(eventmodels.EventTypeCapitalAllocated, map[string]any{
			"fundId": fundID.String(), "loanId": id.LoanID(uuid.New()).String(), "amount": "1000",
		})
		require.NoError(t, h.Handle(ctx, above))
		assert.Len(t, alerts.ByCode(alerting.CodeHighUtilization), 1)
	})

	t.Run("missing fund fails the handler for retry", func(t *testing.T) {
		s := store.NewMemory()
		h := NewCapitalAllocated(s, alerting.NewMemorySink(), d("0.95"), nil)
		event := newDomainEvent(eventmodels.EventTypeCapitalAllocated, map[string]any{
			"fundId": uuid.NewString(), "loanId": uuid.NewString(), "amount": "1",
		})
		assert.Error(t, h.Handle(ctx, event))
	})
}

func TestCapitalReturned(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*store.InMemoryStore, id.FundID, id.LoanID, *alerting.MemorySink, *CapitalReturned) {
		s := store.NewMemory()
		fundID := seedFund(t, s, "100000", "40000")
		loanID := id.LoanID(uuid.New())
		require.NoError(t, s.SaveAllocation(ctx, &models.FundLoanAllocation{
			FundID: fundID, LoanID: loanID, AllocatedAmount: d("40000"),
		}))
		alerts := alerting.NewMemorySink()
		return s, fundID, loanID, alerts, NewCapitalReturned(s, alerts, nil)
	}

	t.Run("partial return keeps the allocation open", func(t *testing.T) {
		s, fundID, loanID, alerts, h := setup(t)
		event := newDomainEvent(eventmodels.EventTypeCapitalReturned, map[string]any{
			"fundId": fundID.String(), "loanId": loanID.String(), "amount": "15000",
		})
		require.NoError(t, h.Handle(ctx, event))

		fund, err := s.GetFund(ctx, fundID)
		require.NoError(t, err)
		assert.True(t, d("25000").Equal(fund.TotalDeployed))
		assert.True(t, d("15000").Equal(fund.TotalReturned))

		allocation, err := s.GetAllocation(ctx, fundID, loanID)
		require.NoError(t, err)
		assert.False(t, allocation.Settled)
		assert.Empty(t, alerts.Alerts())
	})

	t.Run("full return settles the allocation with an info alert", func(t *testing.T) {
		s, fundID, loanID, alerts, h := setup(t)
		event := newDomainEvent(eventmodels.EventTypeCapitalReturned, map[string]any{
			"fundId": fundID.String(), "loanId": loanID.String(), "amount": "40000",
		})
		require.NoError(t, h.Handle(ctx, event))

		allocation, err := s.GetAllocation(ctx, fundID, loanID)
		require.NoError(t, err)
		assert.True(t, allocation.Settled)
		assert.True(t, allocation.Outstanding().IsZero())
		assert.Len(t, alerts.ByCode(alerting.CodeAllocationSettled), 1)

		fund, err := s.GetFund(ctx, fundID)
		require.NoError(t, err)
		assert.True(t, fund.TotalDeployed.IsZero())
	})

	t.Run("overage clamps to outstanding and raises an error alert", func(t *testing.T) {
		s, fundID, loanID, alerts, h := setup(t)
		event := newDomainEvent(eventmodels.EventTypeCapitalReturned, map[string]any{
			"fundId": fundID.String(), "loanId": loanID.String(), "amount": "55000",
		})
		require.NoError(t, h.Handle(ctx, event))

		allocation, err := s.GetAllocation(ctx, fundID, loanID)
		require.NoError(t, err)
		assert.True(t, d("40000").Equal(allocation.ReturnedAmount), "clamped to outstanding")
		assert.True(t, allocation.Settled)

		overageAlerts := alerts.ByCode(alerting.CodeReturnExceedsAlloc)
		require.Len(t, overageAlerts, 1)
		assert.Equal(t, "15000", overageAlerts[0].Details["overage"])

		fund, err := s.GetFund(ctx, fundID)
		require.NoError(t, err)
		assert.True(t, fund.TotalDeployed.IsZero(), "deployed never goes negative")
	})

	t.Run("replayed return never exceeds the allocated bound", func(t *testing.T) {
		s, fundID, loanID, _, h := setup(t)
		event := newDomainEvent(eventmodels.EventTypeCapitalReturned, map[string]any{
			"fundId": fundID.String(), "loanId": loanID.String(), "amount": "40000",
		})
		for i := 0; i < 3; i++ {
			require.NoError(t, h.Handle(ctx, event))
		}

		allocation, err := s.GetAllocation(ctx, fundID, loanID)
		require.NoError(t, err)
		assert.True(t, allocation.ReturnedAmount.Equal(allocation.AllocatedAmount))

		fund, err := s.GetFund(ctx, fundID)
		require.NoError(t, err)
		assert.True(t, d("40000").Equal(fund.TotalReturned), "applied once despite replays")
	})
}

func TestCapitalCalled(t *testing.T) {
	ctx := context.Background()

	t.Run("splits the call pro rata and issues one child event per commitment", func(t *testing.T) {
		s := store.NewMemory()
		fundID := seedFund(t, s, "100000", "0")
		big := seedCommitment(t, s, fundID, "70000", true)
		small := seedCommitment(t, s, fundID, "30000", true)
		seedCommitment(t, s, fundID, "50000", false) // inactive, excluded

		publisher := newCapturingPublisher()
		h := NewCapitalCalled(s, publisher, nil)

		callID := id.CapitalCallID(uuid.New())
		event := newDomainEvent(eventmodels.EventTypeCapitalCalled, map[string]any{
			"fundId":     fundID.String(),
			"callId":     callID.String(),
			"callAmount": "50000",
			"dueDate":    time.Now().Add(30 * 24 * time.Hour).Format(time.RFC3339),
		})
		require.NoError(t, h.Handle(ctx, event))

		commitments, err := s.ListCommitments(ctx, fundID, true)
		require.NoError(t, err)
		byID := map[id.CommitmentID]decimal.Decimal{}
		for _, commitment := range commitments {
			byID[commitment.ID] = commitment.CalledAmount
		}
		assert.True(t, d("35000").Equal(byID[big.ID]), "got %s", byID[big.ID])
		assert.True(t, d("15000").Equal(byID[small.ID]), "got %s", byID[small.ID])

		call, err := s.GetCapitalCall(ctx, callID)
		require.NoError(t, err)
		assert.True(t, d("50000").Equal(call.CallAmount))

		published := publisher.published()
		require.Len(t, published, 2, "no child event for the inactive commitment")
		for _, req := range published {
			assert.Equal(t, eventmodels.EventTypeCapitalCallIssued, req.EventType)
			assert.False(t, req.EventID.IsNil(), "child ids are deterministic, not store-assigned")
			require.NotNil(t, req.CausationID)
			assert.Equal(t, event.ID, *req.CausationID)
		}
	})

	t.Run("replay issues no duplicate children and calls no extra capital", func(t *testing.T) {
		s := store.NewMemory()
		fundID := seedFund(t, s, "100000", "0")
		seedCommitment(t, s, fundID, "60000", true)
		seedCommitment(t, s, fundID, "40000", true)

		publisher := newCapturingPublisher()
		h := NewCapitalCalled(s, publisher, nil)

		event := newDomainEvent(eventmodels.EventTypeCapitalCalled, map[string]any{
			"fundId":     fundID.String(),
			"callId":     uuid.NewString(),
			"callAmount": "20000",
			"dueDate":    time.Now().Format(time.RFC3339),
		})
		require.NoError(t, h.Handle(ctx, event))
		require.NoError(t, h.Handle(ctx, event))

		assert.Len(t, publisher.published(), 2)

		commitments, err := s.ListCommitments(ctx, fundID, true)
		require.NoError(t, err)
		total := decimal.Zero
		for _, commitment := range commitments {
			total = total.Add(commitment.CalledAmount)
		}
		assert.True(t, d("20000").Equal(total), "called once despite replay, got %s", total)
	})

	t.Run("fails when the fund has no active commitments", func(t *testing.T) {
		s := store.NewMemory()
		fundID := seedFund(t, s, "100000", "0")
		h := NewCapitalCalled(s, newCapturingPublisher(), nil)

		event := newDomainEvent(eventmodels.EventTypeCapitalCalled, map[string]any{
			"fundId":     fundID.String(),
			"callId":     uuid.NewString(),
			"callAmount": "1000",
			"dueDate":    time.Now().Format(time.RFC3339),
		})
		assert.Error(t, h.Handle(ctx, event))
	})
}

func TestDistributionMade(t *testing.T) {
	ctx := context.Background()

	t.Run("credits every commitment including inactive ones", func(t *testing.T) {
		s := store.NewMemory()
		fundID := seedFund(t, s, "100000", "0")
		active := seedCommitment(t, s, fundID, "70000", true)
		exited := seedCommitment(t, s, fundID, "30000", false)

		publisher := newCapturingPublisher()
		h := NewDistributionMade(s, publisher, nil)

		event := newDomainEvent(eventmodels.EventTypeDistributionMade, map[string]any{
			"fundId": fundID.String(), "totalAmount": "10000", "distributionType": "interest",
		})
		require.NoError(t, h.Handle(ctx, event))

		commitments, err := s.ListCommitments(ctx, fundID, false)
		require.NoError(t, err)
		byID := map[id.CommitmentID]decimal.Decimal{}
		for _, commitment := range commitments {
			byID[commitment.ID] = commitment.ReturnedAmount
		}
		assert.True(t, d("7000").Equal(byID[active.ID]))
		assert.True(t, d("3000").Equal(byID[exited.ID]), "exited investors still receive distributions")

		published := publisher.published()
		require.Len(t, published, 2)
		for _, req := range published {
			assert.Equal(t, eventmodels.EventTypeDistributionCredited, req.EventType)
		}
	})

	t.Run("replay credits exactly once", func(t *testing.T) {
		s := store.NewMemory()
		fundID := seedFund(t, s, "100000", "0")
		seedCommitment(t, s, fundID, "100000", true)

		publisher := newCapturingPublisher()
		h := NewDistributionMade(s, publisher, nil)

		event := newDomainEvent(eventmodels.EventTypeDistributionMade, map[string]any{
			"fundId": fundID.String(), "totalAmount": "500", "distributionType": "principal",
		})
		require.NoError(t, h.Handle(ctx, event))
		require.NoError(t, h.Handle(ctx, event))

		commitments, err := s.ListCommitments(ctx, fundID, false)
		require.NoError(t, err)
		require.Len(t, commitments, 1)
		assert.True(t, d("500").Equal(commitments[0].ReturnedAmount))
		assert.Len(t, publisher.published(), 1)
	})
}

func TestLoanStatusChanged(t *testing.T) {
	ctx := context.Background()

	t.Run("risk transition alerts each backing fund with its outstanding", func(t *testing.T) {
		s := store.NewMemory()
		fundA := seedFund(t, s, "100000", "30000")
		fundB := seedFund(t, s, "200000", "20000")
		loanID := id.LoanID(uuid.New())
		require.NoError(t, s.SaveAllocation(ctx, &models.FundLoanAllocation{
			FundID: fundA, LoanID: loanID, AllocatedAmount: d("30000"), ReturnedAmount: d("5000"),
		}))
		require.NoError(t, s.SaveAllocation(ctx, &models.FundLoanAllocation{
			FundID: fundB, LoanID: loanID, AllocatedAmount: d("20000"),
		}))

		alerts := alerting.NewMemorySink()
		h := NewLoanStatusChanged(s, alerts, nil)

		event := newDomainEvent(eventmodels.EventTypeLoanStatusChanged, map[string]any{
			"loanId": loanID.String(), "previousStatus": "current", "newStatus": "default",
		})
		require.NoError(t, h.Handle(ctx, event))

		escalations := alerts.ByCode(alerting.CodeLoanRiskEscalation)
		require.Len(t, escalations, 2)
		outstanding := map[string]string{}
		for _, alert := range escalations {
			outstanding[alert.EntityID] = alert.Details["outstanding"]
		}
		assert.Equal(t, "25000", outstanding[fundA.String()])
		assert.Equal(t, "20000", outstanding[fundB.String()])
	})

	t.Run("non-risk transition is a no-op", func(t *testing.T) {
		s := store.NewMemory()
		alerts := alerting.NewMemorySink()
		h := NewLoanStatusChanged(s, alerts, nil)

		event := newDomainEvent(eventmodels.EventTypeLoanStatusChanged, map[string]any{
			"loanId": uuid.NewString(), "previousStatus": "pending", "newStatus": "current",
		})
		require.NoError(t, h.Handle(ctx, event))
		assert.Empty(t, alerts.Alerts())
	})

	t.Run("risk transition with no exposure stays quiet", func(t *testing.T) {
		s := store.NewMemory()
		alerts := alerting.NewMemorySink()
		h := NewLoanStatusChanged(s, alerts, nil)

		event := newDomainEvent(eventmodels.EventTypeLoanStatusChanged, map[string]any{
			"loanId": uuid.NewString(), "previousStatus": "current", "newStatus": "foreclosure",
		})
		require.NoError(t, h.Handle(ctx, event))
		assert.Empty(t, alerts.Alerts())
	})
}

func TestConcurrentSettlementsConserveBalances(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent capital calls accumulate called amounts", func(t *testing.T) {
		s := store.NewMemory()
		fundID := seedFund(t, s, "1000000", "0")
		seedCommitment(t, s, fundID, "1000000", true)

		h := NewCapitalCalled(s, newCapturingPublisher(), nil)
		amounts := []string{"100", "200"}
		errs := make([]error, len(amounts))
		var wg sync.WaitGroup
		for i, amount := range amounts {
			wg.Add(1)
			go func(i int, amount string) {
				defer wg.Done()
				event := newDomainEvent(eventmodels.EventTypeCapitalCalled, map[string]any{
					"fundId":     fundID.String(),
					"callId":     uuid.NewString(),
					"callAmount": amount,
					"dueDate":    time.Now().Format(time.RFC3339),
				})
				errs[i] = h.Handle(ctx, event)
			}(i, amount)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		commitments, err := s.ListCommitments(ctx, fundID, true)
		require.NoError(t, err)
		require.Len(t, commitments, 1)
		assert.True(t, d("300").Equal(commitments[0].CalledAmount),
			"both capital calls applied: want 300, got %s", commitments[0].CalledAmount)
	})

	t.Run("concurrent distributions accumulate returned amounts", func(t *testing.T) {
		s := store.NewMemory()
		fundID := seedFund(t, s, "1000000", "0")
		seedCommitment(t, s, fundID, "1000000", true)

		h := NewDistributionMade(s, newCapturingPublisher(), nil)
		amounts := []string{"100", "200"}
		errs := make([]error, len(amounts))
		var wg sync.WaitGroup
		for i, amount := range amounts {
			wg.Add(1)
			go func(i int, amount string) {
				defer wg.Done()
				event := newDomainEvent(eventmodels.EventTypeDistributionMade, map[string]any{
					"fundId":           fundID.String(),
					"totalAmount":      amount,
					"distributionType": "interest",
				})
				errs[i] = h.Handle(ctx, event)
			}(i, amount)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		commitments, err := s.ListCommitments(ctx, fundID, false)
		require.NoError(t, err)
		require.Len(t, commitments, 1)
		assert.True(t, d("300").Equal(commitments[0].ReturnedAmount),
			"both distributions applied: want 300, got %s", commitments[0].ReturnedAmount)
	})
}
