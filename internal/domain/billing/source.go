package billing

import (
	"context"
	"time"
)

// EventSource yields the billable charges of an account
type EventSource interface {
	// ListCharges returns the charges starting on or before targetDate in
	// billing order.
	ListCharges(ctx context.Context, accountID string, targetDate time.Time) ([]*Charge, error)

	// NextChargeDate returns the first charge date strictly after the given
	// time, or nil when nothing else is scheduled.
	NextChargeDate(ctx context.Context, accountID string, after time.Time) (*time.Time, error)
}

// AccountProvider resolves billing accounts
type AccountProvider interface {
	GetAccount(ctx context.Context, accountID string) (*Account, error)
}

// CreditRebalancer is the accounting collaborator that recomputes account
// credit after an invoice item was adjusted.
type CreditRebalancer interface {
	Rebalance(ctx context.Context, accountID string, invoiceIDs []string) error
}

// NoopCreditRebalancer does nothing
type NoopCreditRebalancer struct{}

func (NoopCreditRebalancer) Rebalance(context.Context, string, []string) error {
	return nil
}
