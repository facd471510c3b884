package plugin

import (
	"context"
	"time"

	"github.com/petermetz/killbill/internal/domain/invoice"
	"github.com/petermetz/killbill/internal/types"
)

// InvoiceContext describes the run a plugin call belongs to
type InvoiceContext struct {
	AccountID  string    `json:"account_id"`
	TenantID   string    `json:"tenant_id"`
	TargetDate time.Time `json:"target_date"`
	IsDryRun   bool      `json:"is_dry_run"`
	// IsRescheduled is true when the run was deferred by an earlier PriorCall
	IsRescheduled bool `json:"is_rescheduled"`
	// RetryCount is the number of failed attempts of this cycle so far
	RetryCount int `json:"retry_count"`
	// Invoice is set for success calls, nil when the run billed nothing
	Invoice *invoice.Invoice `json:"invoice,omitempty"`
	// Err is set for failure calls
	Err error `json:"-"`
}

// PriorCallResult lets a plugin stop a run before items are computed
type PriorCallResult struct {
	IsAborted      bool       `json:"is_aborted"`
	RescheduleDate *time.Time `json:"reschedule_date,omitempty"`
}

// InvoiceGroup lists the items that go into one invoice
type InvoiceGroup struct {
	ID      string   `json:"id"`
	ItemIDs []string `json:"item_ids"`
}

// GroupingResult splits one run's items into several invoices
type GroupingResult struct {
	Groups []InvoiceGroup `json:"groups"`
}

// InvoicePlugin intercepts invoice generation. Calls happen in this order:
// PriorCall, GetAdditionalItems, GetInvoiceGrouping, then OnSuccessCall once
// per invoice or OnFailureCall once per failed run.
//
// GetAdditionalItems may return an error marked with
// errors.ErrPluginRetryable to have the run retried later. Any other error
// ends the run.
type InvoicePlugin interface {
	PriorCall(ctx context.Context, ictx *InvoiceContext, props types.PluginProperties) (*PriorCallResult, error)
	GetAdditionalItems(ctx context.Context, inv *invoice.Invoice, isDryRun bool, props types.PluginProperties) ([]*invoice.InvoiceItem, error)
	GetInvoiceGrouping(ctx context.Context, inv *invoice.Invoice, isDryRun bool, props types.PluginProperties) (*GroupingResult, error)
	OnSuccessCall(ctx context.Context, ictx *InvoiceContext, props types.PluginProperties) error
	OnFailureCall(ctx context.Context, ictx *InvoiceContext, props types.PluginProperties) error
}
