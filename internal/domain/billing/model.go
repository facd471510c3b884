package billing

import (
	"time"

	"github.com/petermetz/killbill/internal/types"
	"github.com/shopspring/decimal"
)

// Account is the part of a billing account invoice generation needs
type Account struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	Currency string `json:"currency" db:"currency"`
}

// Charge is one billable charge produced by the subscription and usage
// collaborators as of a target date.
type Charge struct {
	SubscriptionID string                `json:"subscription_id" db:"subscription_id"`
	Type           types.InvoiceItemType `json:"type" db:"type"`
	Amount         decimal.Decimal       `json:"amount" db:"amount"`
	Currency       string                `json:"currency" db:"currency"`
	StartDate      time.Time             `json:"start_date" db:"start_date"`
	EndDate        *time.Time            `json:"end_date,omitempty" db:"end_date"`
	Description    string                `json:"description" db:"description"`
}
