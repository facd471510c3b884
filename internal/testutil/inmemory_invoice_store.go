package testutil

import (
	"context"

	"github.com/petermetz/killbill/internal/domain/invoice"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/samber/lo"
)

// InMemoryInvoiceStore implements invoice.Repository
type InMemoryInvoiceStore struct {
	*InMemoryStore[*invoice.Invoice]
}

var _ invoice.Repository = (*InMemoryInvoiceStore)(nil)

// NewInMemoryInvoiceStore creates a new in-memory invoice store
func NewInMemoryInvoiceStore() *InMemoryInvoiceStore {
	return &InMemoryInvoiceStore{
		InMemoryStore: NewInMemoryStore(func(inv *invoice.Invoice) *invoice.Invoice {
			return inv.Clone()
		}),
	}
}

func (s *InMemoryInvoiceStore) Create(ctx context.Context, inv *invoice.Invoice) error {
	if inv.IdempotencyKey != nil {
		if _, err := s.GetByIdempotencyKey(ctx, *inv.IdempotencyKey); err == nil {
			return ierr.NewErrorf("invoice with idempotency key %s already exists", *inv.IdempotencyKey).
				Mark(ierr.ErrAlreadyExists)
		}
	}
	if err := s.InMemoryStore.Create(ctx, inv.ID, inv); err != nil {
		return ierr.WithError(err).Mark(ierr.ErrAlreadyExists)
	}
	return nil
}

func (s *InMemoryInvoiceStore) Get(ctx context.Context, id string) (*invoice.Invoice, error) {
	inv, err := s.InMemoryStore.Get(ctx, id)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHintf("Invoice %s not found", id).
			Mark(ierr.ErrNotFound)
	}
	return inv, nil
}

func (s *InMemoryInvoiceStore) GetByIdempotencyKey(ctx context.Context, key string) (*invoice.Invoice, error) {
	found, _ := s.List(ctx, key,
		func(_ context.Context, inv *invoice.Invoice, filter interface{}) bool {
			return lo.FromPtr(inv.IdempotencyKey) == filter.(string)
		}, nil)
	if len(found) == 0 {
		return nil, ierr.NewErrorf("invoice with idempotency key %s not found", key).Mark(ierr.ErrNotFound)
	}
	return found[0], nil
}

func (s *InMemoryInvoiceStore) ListByAccount(ctx context.Context, accountID string) ([]*invoice.Invoice, error) {
	return s.List(ctx, accountID,
		func(_ context.Context, inv *invoice.Invoice, filter interface{}) bool {
			return inv.AccountID == filter.(string)
		},
		func(a, b *invoice.Invoice) bool {
			if a.CreatedAt.Equal(b.CreatedAt) {
				return a.ID < b.ID
			}
			return a.CreatedAt.Before(b.CreatedAt)
		},
	)
}

func (s *InMemoryInvoiceStore) AddItem(ctx context.Context, item *invoice.InvoiceItem) error {
	return s.withInvoice(item.InvoiceID, func(inv *invoice.Invoice) error {
		if _, ok := inv.FindItem(item.ID); ok {
			return ierr.NewErrorf("invoice item %s already exists", item.ID).Mark(ierr.ErrAlreadyExists)
		}
		inv.Items = append(inv.Items, item.Clone())
		inv.RecalculateAmount()
		return nil
	})
}

func (s *InMemoryInvoiceStore) UpdateItem(ctx context.Context, item *invoice.InvoiceItem) error {
	return s.withInvoice(item.InvoiceID, func(inv *invoice.Invoice) error {
		existing, ok := inv.FindItem(item.ID)
		if !ok {
			return ierr.NewErrorf("invoice item %s not found", item.ID).Mark(ierr.ErrNotFound)
		}
		existing.Amount = item.Amount
		existing.Description = item.Description
		existing.LinkedItemID = item.Clone().LinkedItemID
		existing.Details = item.Clone().Details
		inv.RecalculateAmount()
		return nil
	})
}

func (s *InMemoryInvoiceStore) withInvoice(id string, fn func(inv *invoice.Invoice) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.items[id]
	if !ok {
		return ierr.NewErrorf("invoice %s not found", id).Mark(ierr.ErrNotFound)
	}
	return fn(inv)
}

// AllItems returns the items of every invoice of the account
func (s *InMemoryInvoiceStore) AllItems(ctx context.Context, accountID string) []*invoice.InvoiceItem {
	invoices, _ := s.ListByAccount(ctx, accountID)
	return lo.FlatMap(invoices, func(inv *invoice.Invoice, _ int) []*invoice.InvoiceItem {
		return inv.Items
	})
}
