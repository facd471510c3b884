package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petermetz/killbill/internal/domain/billing"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// InMemoryBillingSource implements billing.EventSource over a fixed charge list
type InMemoryBillingSource struct {
	mu      sync.RWMutex
	charges map[string][]*billing.Charge
	err     error
}

var _ billing.EventSource = (*InMemoryBillingSource)(nil)

func NewInMemoryBillingSource() *InMemoryBillingSource {
	return &InMemoryBillingSource{charges: make(map[string][]*billing.Charge)}
}

// AddCharge adds one billable charge to the account
func (s *InMemoryBillingSource) AddCharge(accountID string, charge *billing.Charge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charges[accountID] = append(s.charges[accountID], charge)
}

// AddMonthlySubscription adds one RECURRING charge per month starting at
// start, for the given number of months
func (s *InMemoryBillingSource) AddMonthlySubscription(accountID, subscriptionID string, start time.Time, months int, amount decimal.Decimal, currency string) {
	for i := 0; i < months; i++ {
		from := start.AddDate(0, i, 0)
		to := start.AddDate(0, i+1, 0)
		s.AddCharge(accountID, &billing.Charge{
			SubscriptionID: subscriptionID,
			Type:           types.InvoiceItemTypeRecurring,
			Amount:         amount,
			Currency:       currency,
			StartDate:      from,
			EndDate:        &to,
			Description:    fmt.Sprintf("%s %s", subscriptionID, types.FormatDate(from)),
		})
	}
}

// FailWith makes ListCharges fail with err, nil resets
func (s *InMemoryBillingSource) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *InMemoryBillingSource) ListCharges(ctx context.Context, accountID string, targetDate time.Time) ([]*billing.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.err != nil {
		return nil, s.err
	}
	out := lo.Filter(s.charges[accountID], func(c *billing.Charge, _ int) bool {
		return !c.StartDate.After(targetDate)
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartDate.Before(out[j].StartDate)
	})
	return lo.Map(out, func(c *billing.Charge, _ int) *billing.Charge {
		cp := *c
		return &cp
	}), nil
}

func (s *InMemoryBillingSource) NextChargeDate(ctx context.Context, accountID string, after time.Time) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var next *time.Time
	for _, c := range s.charges[accountID] {
		if c.StartDate.After(after) && (next == nil || c.StartDate.Before(*next)) {
			at := c.StartDate
			next = &at
		}
	}
	return next, nil
}

func (s *InMemoryBillingSource) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charges = make(map[string][]*billing.Charge)
	s.err = nil
}

// InMemoryAccountStore implements billing.AccountProvider
type InMemoryAccountStore struct {
	*InMemoryStore[*billing.Account]

	mu    sync.Mutex
	calls int
}

var _ billing.AccountProvider = (*InMemoryAccountStore)(nil)

func NewInMemoryAccountStore() *InMemoryAccountStore {
	return &InMemoryAccountStore{
		InMemoryStore: NewInMemoryStore(func(a *billing.Account) *billing.Account {
			cp := *a
			return &cp
		}),
	}
}

// Add stores an account
func (s *InMemoryAccountStore) Add(account *billing.Account) {
	_ = s.InMemoryStore.Create(context.Background(), account.ID, account)
}

func (s *InMemoryAccountStore) GetAccount(ctx context.Context, accountID string) (*billing.Account, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	account, err := s.InMemoryStore.Get(ctx, accountID)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHintf("Account %s not found", accountID).
			Mark(ierr.ErrNotFound)
	}
	return account, nil
}

// Calls returns how many lookups reached the store
func (s *InMemoryAccountStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// RecordingRebalancer implements billing.CreditRebalancer and keeps its calls
type RecordingRebalancer struct {
	mu    sync.Mutex
	calls []RebalanceCall
}

// RebalanceCall is one recorded rebalance request
type RebalanceCall struct {
	AccountID  string
	InvoiceIDs []string
}

var _ billing.CreditRebalancer = (*RecordingRebalancer)(nil)

func NewRecordingRebalancer() *RecordingRebalancer {
	return &RecordingRebalancer{}
}

func (r *RecordingRebalancer) Rebalance(ctx context.Context, accountID string, invoiceIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, RebalanceCall{AccountID: accountID, InvoiceIDs: append([]string(nil), invoiceIDs...)})
	return nil
}

func (r *RecordingRebalancer) Calls() []RebalanceCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RebalanceCall(nil), r.calls...)
}

func (r *RecordingRebalancer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
