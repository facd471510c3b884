package plugin

import (
	"context"

	"github.com/petermetz/killbill/internal/domain/invoice"
	pluginDomain "github.com/petermetz/killbill/internal/domain/plugin"
	"github.com/petermetz/killbill/internal/types"
	"github.com/sourcegraph/conc/pool"
)

var _ pluginDomain.InvoicePlugin = (*Chain)(nil)

// Chain runs several plugins as one
type Chain struct {
	plugins []pluginDomain.InvoicePlugin
}

// NewChain builds a chain calling plugins in the given order
func NewChain(plugins ...pluginDomain.InvoicePlugin) *Chain {
	return &Chain{plugins: plugins}
}

// PriorCall aborts as soon as one plugin aborts. Otherwise the earliest
// requested reschedule date wins.
func (c *Chain) PriorCall(ctx context.Context, ictx *pluginDomain.InvoiceContext, props types.PluginProperties) (*pluginDomain.PriorCallResult, error) {
	result := &pluginDomain.PriorCallResult{}
	for _, p := range c.plugins {
		res, err := p.PriorCall(ctx, ictx, props)
		if err != nil {
			return nil, err
		}
		if res == nil {
			continue
		}
		if res.IsAborted {
			return &pluginDomain.PriorCallResult{IsAborted: true}, nil
		}
		if res.RescheduleDate != nil && (result.RescheduleDate == nil || res.RescheduleDate.Before(*result.RescheduleDate)) {
			at := *res.RescheduleDate
			result.RescheduleDate = &at
		}
	}
	return result, nil
}

// GetAdditionalItems accumulates the items of every plugin. Each plugin sees
// the draft enriched by the plugins before it and a later item with the same
// id replaces an earlier one.
func (c *Chain) GetAdditionalItems(ctx context.Context, inv *invoice.Invoice, isDryRun bool, props types.PluginProperties) ([]*invoice.InvoiceItem, error) {
	draft := inv.Clone()

	var out []*invoice.InvoiceItem
	index := make(map[string]int)

	for _, p := range c.plugins {
		items, err := p.GetAdditionalItems(ctx, draft, isDryRun, props)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if item == nil {
				continue
			}
			if i, ok := index[item.ID]; ok && item.ID != "" {
				out[i] = item
			} else {
				if item.ID != "" {
					index[item.ID] = len(out)
				}
				out = append(out, item)
			}

			if existing, ok := draft.FindItem(item.ID); ok && item.ID != "" {
				*existing = *item.Clone()
			} else {
				draft.Items = append(draft.Items, item.Clone())
			}
		}
	}
	return out, nil
}

// GetInvoiceGrouping returns the first grouping a plugin proposes
func (c *Chain) GetInvoiceGrouping(ctx context.Context, inv *invoice.Invoice, isDryRun bool, props types.PluginProperties) (*pluginDomain.GroupingResult, error) {
	for _, p := range c.plugins {
		res, err := p.GetInvoiceGrouping(ctx, inv, isDryRun, props)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

func (c *Chain) OnSuccessCall(ctx context.Context, ictx *pluginDomain.InvoiceContext, props types.PluginProperties) error {
	return c.fanOut(ctx, func(ctx context.Context, p pluginDomain.InvoicePlugin) error {
		return p.OnSuccessCall(ctx, ictx, props)
	})
}

func (c *Chain) OnFailureCall(ctx context.Context, ictx *pluginDomain.InvoiceContext, props types.PluginProperties) error {
	return c.fanOut(ctx, func(ctx context.Context, p pluginDomain.InvoicePlugin) error {
		return p.OnFailureCall(ctx, ictx, props)
	})
}

// fanOut calls every plugin concurrently and joins their errors
func (c *Chain) fanOut(ctx context.Context, call func(context.Context, pluginDomain.InvoicePlugin) error) error {
	p := pool.New().WithErrors().WithContext(ctx)
	for _, plugin := range c.plugins {
		plugin := plugin
		p.Go(func(ctx context.Context) error {
			return call(ctx, plugin)
		})
	}
	return p.Wait()
}
