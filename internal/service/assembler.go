package service

import (
	"context"
	"time"

	"github.com/petermetz/killbill/internal/domain/billing"
	"github.com/petermetz/killbill/internal/domain/invoice"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/types"
	"github.com/samber/lo"
)

// Assembly is the working set of one run: the draft plus the changes the
// plugins made to earlier invoices of the account
type Assembly struct {
	Draft         *invoice.Invoice
	PriorInvoices []*invoice.Invoice

	// PriorUpdates are existing items of prior invoices rewritten by a plugin
	PriorUpdates []*invoice.InvoiceItem
	// PriorAdditions are adjustments attached to prior invoices
	PriorAdditions []*invoice.InvoiceItem

	// AdjustmentAdded is set when an adjustment item was added this run, it
	// triggers credit rebalancing after commit
	AdjustmentAdded bool
}

// AdjustedInvoiceIDs returns the prior invoices changed by the run
func (a *Assembly) AdjustedInvoiceIDs() []string {
	ids := lo.Map(append(append([]*invoice.InvoiceItem{}, a.PriorUpdates...), a.PriorAdditions...),
		func(item *invoice.InvoiceItem, _ int) string { return item.InvoiceID })
	return lo.Uniq(ids)
}

// HasPriorChanges reports whether committing the run touches prior invoices
func (a *Assembly) HasPriorChanges() bool {
	return len(a.PriorUpdates) > 0 || len(a.PriorAdditions) > 0
}

// KnownItem reports whether id belongs to the draft or a prior invoice
func (a *Assembly) KnownItem(id string) bool {
	if _, ok := a.Draft.FindItem(id); ok {
		return true
	}
	_, _, ok := a.findPriorItem(id)
	return ok
}

func (a *Assembly) findPriorItem(id string) (*invoice.Invoice, *invoice.InvoiceItem, bool) {
	for _, inv := range a.PriorInvoices {
		if item, ok := inv.FindItem(id); ok {
			return inv, item, true
		}
	}
	return nil, nil, false
}

// InvoiceAssembler builds the invoice items of a run
type InvoiceAssembler struct {
	eventSource billing.EventSource
	logger      *logger.Logger
}

func NewInvoiceAssembler(eventSource billing.EventSource, logger *logger.Logger) *InvoiceAssembler {
	return &InvoiceAssembler{
		eventSource: eventSource,
		logger:      logger,
	}
}

// BuildDraft turns the charges of the account due by targetDate into a draft,
// leaving out what prior invoices already billed
func (a *InvoiceAssembler) BuildDraft(ctx context.Context, account *billing.Account, targetDate time.Time, prior []*invoice.Invoice, now time.Time) (*Assembly, error) {
	charges, err := a.eventSource.ListCharges(ctx, account.ID, targetDate)
	if err != nil {
		return nil, ierr.WithError(err).
			WithMessage("failed to list billing charges").
			Mark(ierr.ErrSystem)
	}

	draft := &invoice.Invoice{
		ID:          types.GenerateUUIDWithPrefix(types.UUID_PREFIX_INVOICE),
		TenantID:    account.TenantID,
		AccountID:   account.ID,
		Status:      types.InvoiceStatusDraft,
		Currency:    account.Currency,
		TargetDate:  targetDate,
		InvoiceDate: now,
		CreatedAt:   now,
	}

	billed := lo.FlatMap(prior, func(inv *invoice.Invoice, _ int) []*invoice.InvoiceItem {
		return inv.Items
	})

	for _, charge := range charges {
		if charge.Currency != "" && charge.Currency != account.Currency {
			return nil, ierr.NewErrorf("charge currency %s does not match account currency %s", charge.Currency, account.Currency).
				WithHint("Billing charges must be in the account currency").
				WithReportableDetails(map[string]any{
					"subscription_id": charge.SubscriptionID,
					"currency":        charge.Currency,
				}).
				Mark(ierr.ErrValidation)
		}

		item := &invoice.InvoiceItem{
			ID:             types.GenerateUUIDWithPrefix(types.UUID_PREFIX_INVOICE_ITEM),
			InvoiceID:      draft.ID,
			AccountID:      account.ID,
			Type:           charge.Type,
			SubscriptionID: lo.EmptyableToPtr(charge.SubscriptionID),
			Amount:         charge.Amount,
			Currency:       account.Currency,
			StartDate:      charge.StartDate,
			EndDate:        charge.EndDate,
			Description:    charge.Description,
			CreatedAt:      now,
		}

		if lo.ContainsBy(billed, item.SamePeriodCharge) {
			continue
		}
		draft.Items = append(draft.Items, item)
	}

	a.logger.Debugw("built invoice draft",
		"account_id", account.ID,
		"target_date", targetDate,
		"charges", len(charges),
		"items", len(draft.Items),
	)

	return &Assembly{
		Draft:         draft,
		PriorInvoices: lo.Map(prior, func(inv *invoice.Invoice, _ int) *invoice.Invoice { return inv.Clone() }),
	}, nil
}

// Merge applies plugin items to the assembly, in order. An item whose id is
// already known updates that item in place, an adjustment of a prior item is
// attached to the prior invoice and anything else is appended to the draft.
func (a *InvoiceAssembler) Merge(asm *Assembly, items []*invoice.InvoiceItem, now time.Time) {
	for _, item := range items {
		if existing, ok := asm.Draft.FindItem(item.ID); ok {
			a.updateItem(existing, item)
			continue
		}

		if _, existing, ok := asm.findPriorItem(item.ID); ok {
			if a.updateItem(existing, item) {
				asm.PriorUpdates = upsertItem(asm.PriorUpdates, existing)
			}
			continue
		}

		item.CreatedAt = now
		if item.Type.IsAdjustment() && item.LinkedItemID != nil {
			asm.AdjustmentAdded = true
			if owner, _, ok := asm.findPriorItem(*item.LinkedItemID); ok {
				item.InvoiceID = owner.ID
				owner.Items = append(owner.Items, item)
				asm.PriorAdditions = append(asm.PriorAdditions, item)
				continue
			}
		}

		item.InvoiceID = asm.Draft.ID
		asm.Draft.Items = append(asm.Draft.Items, item)
	}
}

// updateItem rewrites existing with the plugin version and reports whether
// anything changed. Credit items are recomputed on every run and are never
// rewritten.
func (a *InvoiceAssembler) updateItem(existing, incoming *invoice.InvoiceItem) bool {
	if existing.Type == types.InvoiceItemTypeCBAAdj {
		a.logger.Debugw("ignoring plugin rewrite of credit item", "item_id", existing.ID)
		return false
	}

	changed := false
	if !incoming.Amount.IsZero() && !incoming.Amount.Equal(existing.Amount) {
		existing.Amount = incoming.Amount
		changed = true
	}
	if incoming.Description != "" && incoming.Description != existing.Description {
		existing.Description = incoming.Description
		changed = true
	}
	if incoming.LinkedItemID != nil && lo.FromPtr(existing.LinkedItemID) != *incoming.LinkedItemID {
		existing.LinkedItemID = lo.ToPtr(*incoming.LinkedItemID)
		changed = true
	}
	if incoming.Details != nil && lo.FromPtr(existing.Details) != *incoming.Details {
		existing.Details = lo.ToPtr(*incoming.Details)
		changed = true
	}
	return changed
}

// Finalize checks item linkage and computes the totals
func (a *InvoiceAssembler) Finalize(asm *Assembly) error {
	for _, item := range asm.Draft.Items {
		if err := validateLinkage(asm, asm.Draft, item); err != nil {
			return err
		}
	}
	for _, item := range asm.PriorAdditions {
		owner, _ := lo.Find(asm.PriorInvoices, func(inv *invoice.Invoice) bool { return inv.ID == item.InvoiceID })
		if err := validateLinkage(asm, owner, item); err != nil {
			return err
		}
	}

	asm.Draft.RecalculateAmount()
	for _, inv := range asm.PriorInvoices {
		inv.RecalculateAmount()
	}
	return nil
}

func validateLinkage(asm *Assembly, owner *invoice.Invoice, item *invoice.InvoiceItem) error {
	if item.LinkedItemID == nil || !item.Type.HasCheckedLink() {
		return nil
	}
	linked := *item.LinkedItemID

	if owner != nil {
		if _, ok := owner.FindItem(linked); ok {
			return nil
		}
	}
	if !item.Type.RequiresSameInvoiceLink() {
		if _, _, ok := asm.findPriorItem(linked); ok {
			return nil
		}
	}

	return ierr.NewErrorf("item %s links to unknown item %s", item.ID, linked).
		WithHintf("%s items must link to an item of the same invoice", item.Type).
		WithReportableDetails(map[string]any{
			"item_id":        item.ID,
			"type":           item.Type,
			"linked_item_id": linked,
		}).
		Mark(ierr.ErrValidation)
}

func upsertItem(items []*invoice.InvoiceItem, item *invoice.InvoiceItem) []*invoice.InvoiceItem {
	if lo.ContainsBy(items, func(i *invoice.InvoiceItem) bool { return i.ID == item.ID }) {
		return items
	}
	return append(items, item)
}
