package events

import (
	"time"

	"github.com/petermetz/killbill/internal/domain/invoice"
	"github.com/petermetz/killbill/internal/types"
	"github.com/shopspring/decimal"
)

// InvoiceEvent is published on the bus for every invoice a run emits
type InvoiceEvent struct {
	// Unique identifier for the event
	ID string `json:"id" validate:"required"`

	TenantID string `json:"tenant_id" validate:"required"`

	EventName types.InvoiceEventName `json:"event_name" validate:"required"`

	AccountID string `json:"account_id" validate:"required"`

	InvoiceID string `json:"invoice_id" validate:"required"`

	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	TargetDate time.Time `json:"target_date"`

	// RunID correlates all events of one invoice run
	RunID string `json:"run_id,omitempty"`

	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// NewInvoiceEvent builds an event about inv
func NewInvoiceEvent(name types.InvoiceEventName, inv *invoice.Invoice, runID string, now time.Time) *InvoiceEvent {
	return &InvoiceEvent{
		ID:         types.GenerateUUIDWithPrefix(types.UUID_PREFIX_EVENT),
		TenantID:   inv.TenantID,
		EventName:  name,
		AccountID:  inv.AccountID,
		InvoiceID:  inv.ID,
		Amount:     inv.Amount,
		Currency:   inv.Currency,
		TargetDate: inv.TargetDate,
		RunID:      runID,
		Timestamp:  now,
	}
}
