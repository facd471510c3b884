package plugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petermetz/killbill/internal/domain/invoice"
	pluginDomain "github.com/petermetz/killbill/internal/domain/plugin"
	"github.com/petermetz/killbill/internal/testutil"
	"github.com/petermetz/killbill/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestChain_PriorCall(t *testing.T) {
	ctx := context.Background()
	ictx := &pluginDomain.InvoiceContext{AccountID: "acct_1"}
	early := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)

	t.Run("earliest reschedule wins", func(t *testing.T) {
		first := testutil.NewTestInvoicePlugin()
		first.SetRescheduleDate(&late)
		second := testutil.NewTestInvoicePlugin()
		second.SetRescheduleDate(&early)

		res, err := NewChain(first, second).PriorCall(ctx, ictx, nil)
		require.NoError(t, err)
		require.NotNil(t, res.RescheduleDate)
		assert.True(t, res.RescheduleDate.Equal(early))
		assert.False(t, res.IsAborted)
	})

	t.Run("abort stops the chain", func(t *testing.T) {
		first := testutil.NewTestInvoicePlugin()
		first.SetAbort(true)
		second := testutil.NewTestInvoicePlugin()

		res, err := NewChain(first, second).PriorCall(ctx, ictx, nil)
		require.NoError(t, err)
		assert.True(t, res.IsAborted)
		assert.Equal(t, 0, second.PriorCallCount())
	})

	t.Run("error is returned", func(t *testing.T) {
		failing := &testutil.MockInvoicePlugin{}
		failing.On("PriorCall", mock.Anything, ictx, mock.Anything).Return(nil, errors.New("boom"))

		_, err := NewChain(failing).PriorCall(ctx, ictx, nil)
		require.Error(t, err)
		failing.AssertExpectations(t)
	})
}

func TestChain_GetAdditionalItems(t *testing.T) {
	ctx := context.Background()
	draft := &invoice.Invoice{
		ID:        "inv_1",
		AccountID: "acct_1",
		Currency:  "USD",
		Items: []*invoice.InvoiceItem{
			{ID: "item_1", Type: types.InvoiceItemTypeRecurring, Amount: decimal.NewFromInt(10)},
		},
	}

	tax := testutil.NewTestInvoicePlugin()
	tax.SetAdditionalItems(func(inv *invoice.Invoice, _ bool, _ types.PluginProperties) ([]*invoice.InvoiceItem, error) {
		return []*invoice.InvoiceItem{{
			ID:           "tax_1",
			Type:         types.InvoiceItemTypeTax,
			Amount:       decimal.NewFromInt(1),
			LinkedItemID: lo.ToPtr("item_1"),
		}}, nil
	})

	var seen []string
	rewrite := testutil.NewTestInvoicePlugin()
	rewrite.SetAdditionalItems(func(inv *invoice.Invoice, _ bool, _ types.PluginProperties) ([]*invoice.InvoiceItem, error) {
		seen = inv.ItemIDs()
		return []*invoice.InvoiceItem{{
			ID:     "tax_1",
			Type:   types.InvoiceItemTypeTax,
			Amount: decimal.NewFromInt(2),
		}}, nil
	})

	items, err := NewChain(tax, rewrite).GetAdditionalItems(ctx, draft, false, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"item_1", "tax_1"}, seen)
	require.Len(t, items, 1)
	assert.True(t, items[0].Amount.Equal(decimal.NewFromInt(2)))
	assert.Len(t, draft.Items, 1)
}

func TestChain_GetInvoiceGrouping(t *testing.T) {
	first := testutil.NewTestInvoicePlugin()
	second := testutil.NewTestInvoicePlugin()
	second.SetGrouping(func(inv *invoice.Invoice) *pluginDomain.GroupingResult {
		return &pluginDomain.GroupingResult{Groups: []pluginDomain.InvoiceGroup{{ID: "a"}}}
	})

	res, err := NewChain(first, second).GetInvoiceGrouping(context.Background(), &invoice.Invoice{}, false, nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "a", res.Groups[0].ID)
}

func TestChain_OnSuccessCall(t *testing.T) {
	first := testutil.NewTestInvoicePlugin()
	second := testutil.NewTestInvoicePlugin()
	failing := &testutil.MockInvoicePlugin{}
	failing.On("OnSuccessCall", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("down"))

	err := NewChain(first, failing, second).OnSuccessCall(context.Background(), &pluginDomain.InvoiceContext{}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, first.SuccessCount())
	assert.Equal(t, 1, second.SuccessCount())
}
