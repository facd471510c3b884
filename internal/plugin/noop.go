package plugin

import (
	"context"

	"github.com/petermetz/killbill/internal/domain/invoice"
	pluginDomain "github.com/petermetz/killbill/internal/domain/plugin"
	"github.com/petermetz/killbill/internal/types"
)

var _ pluginDomain.InvoicePlugin = NoopPlugin{}

// NoopPlugin lets every run through unchanged
type NoopPlugin struct{}

func (NoopPlugin) PriorCall(context.Context, *pluginDomain.InvoiceContext, types.PluginProperties) (*pluginDomain.PriorCallResult, error) {
	return &pluginDomain.PriorCallResult{}, nil
}

func (NoopPlugin) GetAdditionalItems(context.Context, *invoice.Invoice, bool, types.PluginProperties) ([]*invoice.InvoiceItem, error) {
	return nil, nil
}

func (NoopPlugin) GetInvoiceGrouping(context.Context, *invoice.Invoice, bool, types.PluginProperties) (*pluginDomain.GroupingResult, error) {
	return nil, nil
}

func (NoopPlugin) OnSuccessCall(context.Context, *pluginDomain.InvoiceContext, types.PluginProperties) error {
	return nil
}

func (NoopPlugin) OnFailureCall(context.Context, *pluginDomain.InvoiceContext, types.PluginProperties) error {
	return nil
}
