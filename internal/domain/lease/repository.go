package lease

import (
	"context"
	"time"
)

// Repository hands out exclusive, expiring leases on string keys
type Repository interface {
	// Acquire takes the lease on key for owner until now+ttl. It succeeds
	// when the lease is free, expired or already held by owner.
	Acquire(ctx context.Context, key, owner string, now time.Time, ttl time.Duration) (bool, error)

	// Release gives the lease back if owner still holds it
	Release(ctx context.Context, key, owner string) error
}

// AccountKey is the lease key serializing invoice runs of an account
func AccountKey(accountID string) string {
	return "invoice-run:" + accountID
}
