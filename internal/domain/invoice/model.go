package invoice

import (
	"time"

	"github.com/petermetz/killbill/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Invoice represents the invoice domain model. During a run it doubles as
// the draft the plugins see.
type Invoice struct {
	ID             string              `json:"id" db:"id"`
	TenantID       string              `json:"tenant_id" db:"tenant_id"`
	AccountID      string              `json:"account_id" db:"account_id"`
	InvoiceNumber  string              `json:"invoice_number" db:"invoice_number"`
	Status         types.InvoiceStatus `json:"status" db:"status"`
	Currency       string              `json:"currency" db:"currency"`
	Amount         decimal.Decimal     `json:"amount" db:"amount"`
	TargetDate     time.Time           `json:"target_date" db:"target_date"`
	InvoiceDate    time.Time           `json:"invoice_date" db:"invoice_date"`
	GroupingKey    *string             `json:"grouping_key,omitempty" db:"grouping_key"`
	IdempotencyKey *string             `json:"idempotency_key,omitempty" db:"idempotency_key"`
	IsDryRun       bool                `json:"is_dry_run" db:"-"`
	Items          []*InvoiceItem      `json:"items" db:"-"`
	CreatedAt      time.Time           `json:"created_at" db:"created_at"`
}

// InvoiceItem is one billed line of an invoice
type InvoiceItem struct {
	ID             string                `json:"id" db:"id"`
	InvoiceID      string                `json:"invoice_id" db:"invoice_id"`
	AccountID      string                `json:"account_id" db:"account_id"`
	Type           types.InvoiceItemType `json:"type" db:"type"`
	SubscriptionID *string               `json:"subscription_id,omitempty" db:"subscription_id"`
	LinkedItemID   *string               `json:"linked_item_id,omitempty" db:"linked_item_id"`
	Amount         decimal.Decimal       `json:"amount" db:"amount"`
	Currency       string                `json:"currency" db:"currency"`
	StartDate      time.Time             `json:"start_date" db:"start_date"`
	EndDate        *time.Time            `json:"end_date,omitempty" db:"end_date"`
	Description    string                `json:"description" db:"description"`
	Details        *string               `json:"details,omitempty" db:"details"`
	CreatedAt      time.Time             `json:"created_at" db:"created_at"`

	// IDFromPlugin is set on a new item whose id was chosen by a plugin
	IDFromPlugin bool `json:"-" db:"-"`
}

// Clone returns a deep copy of the item
func (i *InvoiceItem) Clone() *InvoiceItem {
	if i == nil {
		return nil
	}
	c := *i
	c.SubscriptionID = clonePtr(i.SubscriptionID)
	c.LinkedItemID = clonePtr(i.LinkedItemID)
	c.EndDate = clonePtr(i.EndDate)
	c.Details = clonePtr(i.Details)
	return &c
}

// SamePeriodCharge reports whether two items bill the same subscription
// charge for the same period. Amounts and descriptions are ignored because
// plugins may rewrite them after the fact.
func (i *InvoiceItem) SamePeriodCharge(other *InvoiceItem) bool {
	return i.Type == other.Type &&
		lo.FromPtr(i.SubscriptionID) == lo.FromPtr(other.SubscriptionID) &&
		i.StartDate.Equal(other.StartDate) &&
		sameTime(i.EndDate, other.EndDate)
}

// Clone returns a deep copy of the invoice and its items
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	c := *inv
	c.GroupingKey = clonePtr(inv.GroupingKey)
	c.IdempotencyKey = clonePtr(inv.IdempotencyKey)
	c.Items = lo.Map(inv.Items, func(item *InvoiceItem, _ int) *InvoiceItem {
		return item.Clone()
	})
	return &c
}

// FindItem returns the item with the given id
func (inv *Invoice) FindItem(id string) (*InvoiceItem, bool) {
	return lo.Find(inv.Items, func(item *InvoiceItem) bool {
		return item.ID == id
	})
}

// ItemIDs returns the ids of the items in order
func (inv *Invoice) ItemIDs() []string {
	return lo.Map(inv.Items, func(item *InvoiceItem, _ int) string {
		return item.ID
	})
}

// RecalculateAmount sets Amount to the sum of the item amounts
func (inv *Invoice) RecalculateAmount() {
	inv.Amount = SumItems(inv.Items)
}

// HasItems reports whether the invoice bills anything
func (inv *Invoice) HasItems() bool {
	return len(inv.Items) > 0
}

// SumItems adds up item amounts
func SumItems(items []*InvoiceItem) decimal.Decimal {
	return lo.Reduce(items, func(acc decimal.Decimal, item *InvoiceItem, _ int) decimal.Decimal {
		return acc.Add(item.Amount)
	}, decimal.Zero)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
