package types

import (
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/samber/lo"
)

// InvoiceItemType is the kind of a billed line
type InvoiceItemType string

const (
	InvoiceItemTypeFixed          InvoiceItemType = "FIXED"
	InvoiceItemTypeRecurring      InvoiceItemType = "RECURRING"
	InvoiceItemTypeUsage          InvoiceItemType = "USAGE"
	InvoiceItemTypeExternalCharge InvoiceItemType = "EXTERNAL_CHARGE"
	InvoiceItemTypeTax            InvoiceItemType = "TAX"
	InvoiceItemTypeItemAdj        InvoiceItemType = "ITEM_ADJ"
	InvoiceItemTypeCBAAdj         InvoiceItemType = "CBA_ADJ"
	InvoiceItemTypeRepairAdj      InvoiceItemType = "REPAIR_ADJ"
	InvoiceItemTypeCreditAdj      InvoiceItemType = "CREDIT_ADJ"
)

func (t InvoiceItemType) String() string {
	return string(t)
}

func (t InvoiceItemType) Validate() error {
	allowed := []InvoiceItemType{
		InvoiceItemTypeFixed,
		InvoiceItemTypeRecurring,
		InvoiceItemTypeUsage,
		InvoiceItemTypeExternalCharge,
		InvoiceItemTypeTax,
		InvoiceItemTypeItemAdj,
		InvoiceItemTypeCBAAdj,
		InvoiceItemTypeRepairAdj,
		InvoiceItemTypeCreditAdj,
	}
	if !lo.Contains(allowed, t) {
		return ierr.NewError("invalid invoice item type").
			WithHint("Please provide a valid invoice item type").
			WithReportableDetails(map[string]any{
				"allowed": allowed,
				"type":    t,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// IsAdjustment reports whether the item corrects another item
func (t InvoiceItemType) IsAdjustment() bool {
	return t == InvoiceItemTypeItemAdj || t == InvoiceItemTypeRepairAdj
}

// HasCheckedLink reports whether a linked id of this type must resolve to a
// known item. Other types carry the linked id verbatim.
func (t InvoiceItemType) HasCheckedLink() bool {
	return t == InvoiceItemTypeTax || t.IsAdjustment()
}

// RequiresSameInvoiceLink reports whether a linked item must live on the same invoice
func (t InvoiceItemType) RequiresSameInvoiceLink() bool {
	return t == InvoiceItemTypeTax
}

// PluginInsertableItemTypes are the item types a plugin may add as new items.
// Existing items of any type may be returned to update them.
var PluginInsertableItemTypes = []InvoiceItemType{
	InvoiceItemTypeExternalCharge,
	InvoiceItemTypeTax,
	InvoiceItemTypeItemAdj,
	InvoiceItemTypeCreditAdj,
}

// InvoiceStatus is the lifecycle status of an invoice
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "DRAFT"
	InvoiceStatusCommitted InvoiceStatus = "COMMITTED"
)

func (s InvoiceStatus) String() string {
	return string(s)
}
