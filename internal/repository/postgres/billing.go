package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/petermetz/killbill/internal/domain/billing"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/postgres"
	"github.com/petermetz/killbill/internal/types"
)

const chargeColumns = `subscription_id, type, amount, currency, start_date, end_date, description`

type BillingRepository struct {
	db     *postgres.DB
	logger *logger.Logger
}

// NewBillingRepository reads accounts and charges from the billing tables
func NewBillingRepository(db *postgres.DB, logger *logger.Logger) *BillingRepository {
	return &BillingRepository{
		db:     db,
		logger: logger,
	}
}

var (
	_ billing.AccountProvider = (*BillingRepository)(nil)
	_ billing.EventSource     = (*BillingRepository)(nil)
)

func (r *BillingRepository) GetAccount(ctx context.Context, accountID string) (*billing.Account, error) {
	var account billing.Account
	query := `SELECT id, tenant_id, currency FROM billing_accounts WHERE id = $1`
	if err := r.db.GetQuerier(ctx).GetContext(ctx, &account, query, accountID); err != nil {
		if ierr.Is(err, sql.ErrNoRows) {
			return nil, ierr.WithError(err).
				WithHintf("Account %s not found", accountID).
				Mark(ierr.ErrNotFound)
		}
		return nil, ierr.WithError(err).
			WithHint("Failed to load account").
			Mark(ierr.ErrDatabase)
	}
	return &account, nil
}

func (r *BillingRepository) ListCharges(ctx context.Context, accountID string, targetDate time.Time) ([]*billing.Charge, error) {
	query := `
		SELECT ` + chargeColumns + ` FROM billing_charges
		WHERE account_id = $1 AND start_date <= $2
		ORDER BY start_date, id`

	var charges []*billing.Charge
	if err := r.db.GetQuerier(ctx).SelectContext(ctx, &charges, query, accountID, targetDate); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to list billing charges").
			Mark(ierr.ErrDatabase)
	}

	r.logger.Debugw("listed billing charges",
		"account_id", accountID,
		"target_date", targetDate,
		"count", len(charges),
	)
	return charges, nil
}

func (r *BillingRepository) NextChargeDate(ctx context.Context, accountID string, after time.Time) (*time.Time, error) {
	var next sql.NullTime
	query := `SELECT MIN(start_date) FROM billing_charges WHERE account_id = $1 AND start_date > $2`
	if err := r.db.GetQuerier(ctx).GetContext(ctx, &next, query, accountID, after); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to compute next charge date").
			Mark(ierr.ErrDatabase)
	}
	if !next.Valid {
		return nil, nil
	}
	at := next.Time.UTC()
	return &at, nil
}

// UpsertAccount writes an account row, used by local seeding
func (r *BillingRepository) UpsertAccount(ctx context.Context, account *billing.Account) error {
	query := `
		INSERT INTO billing_accounts (id, tenant_id, currency)
		VALUES (:id, :tenant_id, :currency)
		ON CONFLICT (id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id, currency = EXCLUDED.currency`

	if _, err := r.db.GetQuerier(ctx).NamedExecContext(ctx, query, account); err != nil {
		return ierr.WithError(err).
			WithHintf("Failed to save account %s", account.ID).
			Mark(ierr.ErrDatabase)
	}
	return nil
}

// AddCharges inserts charges of one account in a single transaction
func (r *BillingRepository) AddCharges(ctx context.Context, accountID string, charges []*billing.Charge) error {
	query := `
		INSERT INTO billing_charges (id, account_id, ` + chargeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	return r.db.WithTx(ctx, func(ctx context.Context) error {
		for _, c := range charges {
			_, err := r.db.GetQuerier(ctx).ExecContext(ctx, query,
				types.GenerateUUIDWithPrefix(types.UUID_PREFIX_CHARGE),
				accountID,
				c.SubscriptionID,
				c.Type,
				c.Amount,
				c.Currency,
				c.StartDate,
				c.EndDate,
				c.Description,
			)
			if err != nil {
				return ierr.WithError(err).
					WithHint("Failed to insert billing charge").
					Mark(ierr.ErrDatabase)
			}
		}
		r.logger.Debugw("added billing charges", "account_id", accountID, "count", len(charges))
		return nil
	})
}
