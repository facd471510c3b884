package postgres

import (
	"context"
	"time"

	"github.com/petermetz/killbill/internal/domain/lease"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/postgres"
)

type leaseRepository struct {
	db     *postgres.DB
	logger *logger.Logger
}

// NewLeaseRepository creates the postgres backed lease table
func NewLeaseRepository(db *postgres.DB, logger *logger.Logger) lease.Repository {
	return &leaseRepository{
		db:     db,
		logger: logger,
	}
}

func (r *leaseRepository) Acquire(ctx context.Context, key, owner string, now time.Time, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO invoice_run_leases (lease_key, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lease_key) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE invoice_run_leases.expires_at < $4 OR invoice_run_leases.owner = EXCLUDED.owner`

	result, err := r.db.GetQuerier(ctx).ExecContext(ctx, query, key, owner, now.Add(ttl), now)
	if err != nil {
		return false, ierr.WithError(err).
			WithHintf("Failed to acquire lease %s", key).
			Mark(ierr.ErrDatabase)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return affected == 1, nil
}

func (r *leaseRepository) Release(ctx context.Context, key, owner string) error {
	query := `DELETE FROM invoice_run_leases WHERE lease_key = $1 AND owner = $2`
	if _, err := r.db.GetQuerier(ctx).ExecContext(ctx, query, key, owner); err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return nil
}
