package service

import (
	"github.com/petermetz/killbill/internal/domain/invoice"
	pluginDomain "github.com/petermetz/killbill/internal/domain/plugin"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/types"
	"github.com/samber/lo"
)

// SplitInvoice partitions inv along grouping. Any invalid grouping falls back
// to the single invoice.
func SplitInvoice(inv *invoice.Invoice, grouping *pluginDomain.GroupingResult, log *logger.Logger) []*invoice.Invoice {
	if grouping == nil || len(grouping.Groups) == 0 {
		return []*invoice.Invoice{inv}
	}

	if reason, ok := validateGrouping(inv, grouping); !ok {
		log.Warnw("ignoring invalid invoice grouping",
			"account_id", inv.AccountID,
			"invoice_id", inv.ID,
			"reason", reason,
		)
		return []*invoice.Invoice{inv}
	}

	out := make([]*invoice.Invoice, 0, len(grouping.Groups))
	for _, group := range grouping.Groups {
		if len(group.ItemIDs) == 0 {
			continue
		}

		part := inv.Clone()
		part.ID = types.GenerateUUIDWithPrefix(types.UUID_PREFIX_INVOICE)
		part.GroupingKey = lo.EmptyableToPtr(group.ID)
		part.Items = lo.Map(group.ItemIDs, func(id string, _ int) *invoice.InvoiceItem {
			item, _ := inv.FindItem(id)
			c := item.Clone()
			c.InvoiceID = part.ID
			return c
		})
		part.RecalculateAmount()
		out = append(out, part)
	}
	return out
}

// validateGrouping checks that every group references existing items and
// that every item is covered exactly once
func validateGrouping(inv *invoice.Invoice, grouping *pluginDomain.GroupingResult) (string, bool) {
	covered := make(map[string]string, len(inv.Items))
	for _, group := range grouping.Groups {
		for _, id := range group.ItemIDs {
			if _, ok := inv.FindItem(id); !ok {
				return "group " + group.ID + " references unknown item " + id, false
			}
			if other, dup := covered[id]; dup {
				return "item " + id + " is in groups " + other + " and " + group.ID, false
			}
			covered[id] = group.ID
		}
	}

	for _, item := range inv.Items {
		if _, ok := covered[item.ID]; !ok {
			return "item " + item.ID + " is not in any group", false
		}
	}
	return "", true
}
