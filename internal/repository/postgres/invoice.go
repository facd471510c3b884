package postgres

import (
	"context"
	"database/sql"

	"github.com/petermetz/killbill/internal/domain/invoice"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/postgres"
	"github.com/samber/lo"
)

const (
	invoiceColumns = `id, tenant_id, account_id, invoice_number, status, currency, amount,
	target_date, invoice_date, grouping_key, idempotency_key, created_at`
	invoiceItemColumns = `id, invoice_id, account_id, type, subscription_id, linked_item_id, amount,
	currency, start_date, end_date, description, details, created_at`
)

type invoiceRepository struct {
	db     *postgres.DB
	logger *logger.Logger
}

// NewInvoiceRepository creates the postgres backed invoice store
func NewInvoiceRepository(db *postgres.DB, logger *logger.Logger) invoice.Repository {
	return &invoiceRepository{
		db:     db,
		logger: logger,
	}
}

func (r *invoiceRepository) Create(ctx context.Context, inv *invoice.Invoice) error {
	r.logger.Debugw("creating invoice",
		"invoice_id", inv.ID,
		"account_id", inv.AccountID,
		"items", len(inv.Items),
	)

	return r.db.WithTx(ctx, func(ctx context.Context) error {
		query := `
			INSERT INTO invoices (` + invoiceColumns + `)
			VALUES (:id, :tenant_id, :account_id, :invoice_number, :status, :currency, :amount,
				:target_date, :invoice_date, :grouping_key, :idempotency_key, :created_at)`
		if _, err := r.db.GetQuerier(ctx).NamedExecContext(ctx, query, inv); err != nil {
			return ierr.WithError(err).
				WithHint("Failed to create invoice").
				Mark(ierr.ErrDatabase)
		}

		for _, item := range inv.Items {
			if err := r.insertItem(ctx, item); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *invoiceRepository) Get(ctx context.Context, id string) (*invoice.Invoice, error) {
	var inv invoice.Invoice
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	if err := r.db.GetQuerier(ctx).GetContext(ctx, &inv, query, id); err != nil {
		return nil, r.notFoundOr(err, id)
	}
	if err := r.loadItems(ctx, []*invoice.Invoice{&inv}); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *invoiceRepository) GetByIdempotencyKey(ctx context.Context, key string) (*invoice.Invoice, error) {
	var inv invoice.Invoice
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE idempotency_key = $1`
	if err := r.db.GetQuerier(ctx).GetContext(ctx, &inv, query, key); err != nil {
		return nil, r.notFoundOr(err, key)
	}
	if err := r.loadItems(ctx, []*invoice.Invoice{&inv}); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *invoiceRepository) ListByAccount(ctx context.Context, accountID string) ([]*invoice.Invoice, error) {
	var invoices []*invoice.Invoice
	query := `
		SELECT ` + invoiceColumns + ` FROM invoices
		WHERE account_id = $1
		ORDER BY created_at, id`
	if err := r.db.GetQuerier(ctx).SelectContext(ctx, &invoices, query, accountID); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	if err := r.loadItems(ctx, invoices); err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *invoiceRepository) AddItem(ctx context.Context, item *invoice.InvoiceItem) error {
	return r.db.WithTx(ctx, func(ctx context.Context) error {
		if err := r.insertItem(ctx, item); err != nil {
			return err
		}
		return r.refreshAmount(ctx, item.InvoiceID)
	})
}

func (r *invoiceRepository) insertItem(ctx context.Context, item *invoice.InvoiceItem) error {
	query := `
		INSERT INTO invoice_items (` + invoiceItemColumns + `)
		VALUES (:id, :invoice_id, :account_id, :type, :subscription_id, :linked_item_id, :amount,
			:currency, :start_date, :end_date, :description, :details, :created_at)`
	if _, err := r.db.GetQuerier(ctx).NamedExecContext(ctx, query, item); err != nil {
		return ierr.WithError(err).
			WithHintf("Failed to add item %s to invoice %s", item.ID, item.InvoiceID).
			Mark(ierr.ErrDatabase)
	}
	return nil
}

func (r *invoiceRepository) UpdateItem(ctx context.Context, item *invoice.InvoiceItem) error {
	query := `
		UPDATE invoice_items
		SET amount = :amount,
			description = :description,
			linked_item_id = :linked_item_id,
			details = :details
		WHERE id = :id`
	result, err := r.db.GetQuerier(ctx).NamedExecContext(ctx, query, item)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ierr.NewErrorf("invoice item %s not found", item.ID).Mark(ierr.ErrNotFound)
	}

	return r.refreshAmount(ctx, item.InvoiceID)
}

// refreshAmount keeps the invoice total in line with its items
func (r *invoiceRepository) refreshAmount(ctx context.Context, invoiceID string) error {
	_, err := r.db.GetQuerier(ctx).ExecContext(ctx, `
		UPDATE invoices SET amount = (SELECT COALESCE(SUM(amount), 0) FROM invoice_items WHERE invoice_id = $1)
		WHERE id = $1`, invoiceID)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return nil
}

func (r *invoiceRepository) loadItems(ctx context.Context, invoices []*invoice.Invoice) error {
	if len(invoices) == 0 {
		return nil
	}

	ids := lo.Map(invoices, func(inv *invoice.Invoice, _ int) string { return inv.ID })
	query, args, err := sqlxIn(`
		SELECT `+invoiceItemColumns+` FROM invoice_items
		WHERE invoice_id IN (?)
		ORDER BY created_at, id`, ids)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrInternal)
	}

	q := r.db.GetQuerier(ctx)
	var items []*invoice.InvoiceItem
	if err := q.SelectContext(ctx, &items, q.Rebind(query), args...); err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}

	byInvoice := lo.GroupBy(items, func(item *invoice.InvoiceItem) string { return item.InvoiceID })
	for _, inv := range invoices {
		inv.Items = byInvoice[inv.ID]
	}
	return nil
}

func (r *invoiceRepository) notFoundOr(err error, ref string) error {
	if err == sql.ErrNoRows {
		return ierr.WithError(err).
			WithHintf("Invoice %s not found", ref).
			Mark(ierr.ErrNotFound)
	}
	return ierr.WithError(err).Mark(ierr.ErrDatabase)
}
