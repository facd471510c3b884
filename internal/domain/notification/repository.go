package notification

import (
	"context"
	"time"

	"github.com/petermetz/killbill/internal/types"
)

// ClaimRequest describes one poll of the due notifications
type ClaimRequest struct {
	Now      time.Time
	Owner    string
	Limit    int
	ClaimTTL time.Duration
}

// Repository is the durable notification queue
type Repository interface {
	// InsertIfAbsent inserts n unless a pending notification of the same
	// queue and account already exists for n's window. It reports whether n
	// was inserted.
	InsertIfAbsent(ctx context.Context, n *Notification) (bool, error)

	// Replace removes every pending notification of n's queue and account
	// and inserts n.
	Replace(ctx context.Context, n *Notification) error

	// Claim marks up to Limit due notifications as processing by Owner and
	// returns them ordered by effective date.
	Claim(ctx context.Context, req ClaimRequest) ([]*Notification, error)

	// MarkProcessed consumes a claimed or pending notification
	MarkProcessed(ctx context.Context, id string, at time.Time) error

	// MarkFailed consumes a notification and records why its run failed
	MarkFailed(ctx context.Context, id string, at time.Time, reason string) error

	// Release hands a claimed notification back to the queue, due at effective
	Release(ctx context.Context, id string, effective time.Time) error

	// RemovePending removes the pending notifications of a queue and account
	RemovePending(ctx context.Context, queue types.NotificationQueue, accountID string) (int, error)

	// RemoveByID removes one pending notification
	RemoveByID(ctx context.Context, id string) error

	// ListPending returns the pending notifications of a queue and account,
	// ordered by effective date.
	ListPending(ctx context.Context, queue types.NotificationQueue, accountID string) ([]*Notification, error)

	// ListPendingByTenant returns the pending notifications of a tenant
	ListPendingByTenant(ctx context.Context, queue types.NotificationQueue, tenantID string) ([]*Notification, error)
}
