package invoice

import (
	"context"
)

// Repository defines the interface for invoice persistence operations
type Repository interface {
	// Create persists the invoice and all its items
	Create(ctx context.Context, invoice *Invoice) error

	// Get retrieves an invoice with its items
	Get(ctx context.Context, id string) (*Invoice, error)

	// GetByIdempotencyKey retrieves the invoice created under the given key
	GetByIdempotencyKey(ctx context.Context, key string) (*Invoice, error)

	// ListByAccount returns the committed invoices of an account, oldest first
	ListByAccount(ctx context.Context, accountID string) ([]*Invoice, error)

	// AddItem attaches a new item to an existing invoice
	AddItem(ctx context.Context, item *InvoiceItem) error

	// UpdateItem rewrites the amount, description, linkage and details of an
	// existing item
	UpdateItem(ctx context.Context, item *InvoiceItem) error
}
