package postgres

import (
	"context"
	"sort"
	"time"

	"github.com/petermetz/killbill/internal/domain/notification"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/postgres"
	"github.com/petermetz/killbill/internal/types"
)

const notificationColumns = `id, tenant_id, queue_name, account_id, effective_date, window_key, payload,
	status, processing_owner, processing_deadline, attempts, last_error, created_at, processed_at`

type notificationRepository struct {
	db     *postgres.DB
	logger *logger.Logger
}

// NewNotificationRepository creates the postgres backed notification queue
func NewNotificationRepository(db *postgres.DB, logger *logger.Logger) notification.Repository {
	return &notificationRepository{
		db:     db,
		logger: logger,
	}
}

func (r *notificationRepository) InsertIfAbsent(ctx context.Context, n *notification.Notification) (bool, error) {
	query := `
		INSERT INTO invoice_notifications (` + notificationColumns + `)
		VALUES (:id, :tenant_id, :queue_name, :account_id, :effective_date, :window_key, :payload,
			:status, :processing_owner, :processing_deadline, :attempts, :last_error, :created_at, :processed_at)
		ON CONFLICT (queue_name, account_id, window_key) WHERE status IN ('pending', 'processing')
		DO NOTHING`

	result, err := r.db.GetQuerier(ctx).NamedExecContext(ctx, query, n)
	if err != nil {
		return false, ierr.WithError(err).
			WithHint("Failed to schedule invoice notification").
			Mark(ierr.ErrDatabase)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}

	r.logger.Debugw("insert-if-absent notification",
		"notification_id", n.ID,
		"queue", n.QueueName,
		"account_id", n.AccountID,
		"effective_date", n.EffectiveDate,
		"inserted", affected == 1,
	)
	return affected == 1, nil
}

func (r *notificationRepository) Replace(ctx context.Context, n *notification.Notification) error {
	return r.db.WithTx(ctx, func(ctx context.Context) error {
		if _, err := r.RemovePending(ctx, n.QueueName, n.AccountID); err != nil {
			return err
		}
		inserted, err := r.InsertIfAbsent(ctx, n)
		if err != nil {
			return err
		}
		if !inserted {
			// a processing row of the same window is still claimed
			return ierr.NewError("notification window is still being processed").
				WithHintf("Account %s already has a running notification in queue %s", n.AccountID, n.QueueName).
				Mark(ierr.ErrAlreadyExists)
		}
		return nil
	})
}

func (r *notificationRepository) Claim(ctx context.Context, req notification.ClaimRequest) ([]*notification.Notification, error) {
	query := `
		WITH due AS (
			SELECT id FROM invoice_notifications
			WHERE effective_date <= $1
			AND (status = 'pending' OR (status = 'processing' AND processing_deadline < $1))
			ORDER BY effective_date, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE invoice_notifications n
		SET status = 'processing',
			processing_owner = $3,
			processing_deadline = $4,
			attempts = n.attempts + 1
		FROM due
		WHERE n.id = due.id
		RETURNING ` + prefixed("n.", notificationColumns)

	var claimed []*notification.Notification
	err := r.db.GetQuerier(ctx).SelectContext(ctx, &claimed, query,
		req.Now, req.Limit, req.Owner, req.Now.Add(req.ClaimTTL))
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to claim due notifications").
			Mark(ierr.ErrDatabase)
	}

	sort.SliceStable(claimed, func(i, j int) bool {
		return claimed[i].EffectiveDate.Before(claimed[j].EffectiveDate)
	})
	return claimed, nil
}

func (r *notificationRepository) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE invoice_notifications
		SET status = 'processed', processed_at = $2, processing_owner = NULL, processing_deadline = NULL
		WHERE id = $1 AND status IN ('pending', 'processing')`
	return r.consume(ctx, query, id, at)
}

func (r *notificationRepository) MarkFailed(ctx context.Context, id string, at time.Time, reason string) error {
	query := `
		UPDATE invoice_notifications
		SET status = 'failed', processed_at = $2, last_error = $3, processing_owner = NULL, processing_deadline = NULL
		WHERE id = $1 AND status IN ('pending', 'processing')`
	return r.consume(ctx, query, id, at, reason)
}

// consume fails with ErrNotFound when another delivery already consumed the
// row, which rolls back the duplicate run.
func (r *notificationRepository) consume(ctx context.Context, query string, args ...interface{}) error {
	result, err := r.db.GetQuerier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	if affected == 0 {
		return ierr.NewErrorf("notification %v is no longer pending", args[0]).
			WithHint("The notification was already consumed").
			Mark(ierr.ErrNotFound)
	}
	return nil
}

func (r *notificationRepository) Release(ctx context.Context, id string, effective time.Time) error {
	query := `
		UPDATE invoice_notifications
		SET status = 'pending', effective_date = $2, processing_owner = NULL, processing_deadline = NULL
		WHERE id = $1 AND status = 'processing'`
	if _, err := r.db.GetQuerier(ctx).ExecContext(ctx, query, id, effective); err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return nil
}

func (r *notificationRepository) RemovePending(ctx context.Context, queue types.NotificationQueue, accountID string) (int, error) {
	query := `
		UPDATE invoice_notifications
		SET status = 'removed'
		WHERE queue_name = $1 AND account_id = $2 AND status = 'pending'`
	result, err := r.db.GetQuerier(ctx).ExecContext(ctx, query, queue, accountID)
	if err != nil {
		return 0, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return int(affected), nil
}

func (r *notificationRepository) RemoveByID(ctx context.Context, id string) error {
	query := `UPDATE invoice_notifications SET status = 'removed' WHERE id = $1 AND status = 'pending'`
	if _, err := r.db.GetQuerier(ctx).ExecContext(ctx, query, id); err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return nil
}

func (r *notificationRepository) ListPending(ctx context.Context, queue types.NotificationQueue, accountID string) ([]*notification.Notification, error) {
	query := `
		SELECT ` + notificationColumns + ` FROM invoice_notifications
		WHERE queue_name = $1 AND account_id = $2 AND status = 'pending'
		ORDER BY effective_date, created_at`

	var out []*notification.Notification
	if err := r.db.GetQuerier(ctx).SelectContext(ctx, &out, query, queue, accountID); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return out, nil
}

func (r *notificationRepository) ListPendingByTenant(ctx context.Context, queue types.NotificationQueue, tenantID string) ([]*notification.Notification, error) {
	query := `
		SELECT ` + notificationColumns + ` FROM invoice_notifications
		WHERE queue_name = $1 AND tenant_id = $2 AND status = 'pending'
		ORDER BY effective_date, created_at`

	var out []*notification.Notification
	if err := r.db.GetQuerier(ctx).SelectContext(ctx, &out, query, queue, tenantID); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return out, nil
}
