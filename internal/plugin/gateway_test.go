package plugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petermetz/killbill/internal/config"
	"github.com/petermetz/killbill/internal/domain/invoice"
	pluginDomain "github.com/petermetz/killbill/internal/domain/plugin"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/testutil"
	"github.com/petermetz/killbill/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type slowPlugin struct {
	NoopPlugin
}

func (slowPlugin) GetAdditionalItems(ctx context.Context, _ *invoice.Invoice, _ bool, _ types.PluginProperties) ([]*invoice.InvoiceItem, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestGateway(t *testing.T, plugins ...pluginDomain.InvoicePlugin) *Gateway {
	t.Helper()
	log := logger.NewNoopLogger()
	registry := NewRegistry(log)
	for i, p := range plugins {
		require.NoError(t, registry.Register(string(rune('a'+i)), p))
	}
	cfg := config.GetDefaultConfig()
	cfg.Plugin.CallTimeout = 50 * time.Millisecond
	return NewGateway(cfg, registry, log)
}

func testDraft() *invoice.Invoice {
	return &invoice.Invoice{
		ID:         "inv_1",
		AccountID:  "acct_1",
		Currency:   "USD",
		TargetDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Items: []*invoice.InvoiceItem{
			{ID: "item_1", Type: types.InvoiceItemTypeRecurring, Amount: decimal.NewFromInt(10), Currency: "USD"},
		},
	}
}

func TestGateway_Begin(t *testing.T) {
	p := testutil.NewTestInvoicePlugin()
	g := newTestGateway(t, p)
	props := types.PluginProperties{{Key: "source", Value: "api"}}
	current := time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)
	target := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	session := g.Begin(RunOptions{Properties: props, IsDryRun: true, CurrentDate: current, TargetDate: target})
	_, err := session.PriorCall(context.Background(), &pluginDomain.InvoiceContext{AccountID: "acct_1"})
	require.NoError(t, err)

	got := p.PriorProps[0]
	require.Len(t, got, 3)
	cur, ok := got.Get(types.PluginPropertyDryRunCurrentDate)
	require.True(t, ok)
	assert.Equal(t, "2024-02-20", cur.Value)
	tgt, ok := got.Get(types.PluginPropertyDryRunTargetDate)
	require.True(t, ok)
	assert.Equal(t, "2024-03-01", tgt.Value)

	assert.Len(t, props, 1)

	session = g.Begin(RunOptions{Properties: props})
	assert.Equal(t, props, session.Properties())
}

func TestSession_AdditionalItems(t *testing.T) {
	tests := []struct {
		name    string
		items   []*invoice.InvoiceItem
		known   []string
		wantErr error
		check   func(t *testing.T, items []*invoice.InvoiceItem)
	}{
		{
			name: "new tax item gets defaults",
			items: []*invoice.InvoiceItem{
				{Type: types.InvoiceItemTypeTax, Amount: decimal.NewFromInt(1), LinkedItemID: lo.ToPtr("item_1")},
			},
			check: func(t *testing.T, items []*invoice.InvoiceItem) {
				require.Len(t, items, 1)
				assert.NotEmpty(t, items[0].ID)
				assert.False(t, items[0].IDFromPlugin)
				assert.Equal(t, "acct_1", items[0].AccountID)
				assert.Equal(t, "USD", items[0].Currency)
				assert.True(t, items[0].StartDate.Equal(testDraft().TargetDate))
			},
		},
		{
			name: "recurring item cannot be added",
			items: []*invoice.InvoiceItem{
				{Type: types.InvoiceItemTypeRecurring, Amount: decimal.NewFromInt(1)},
			},
			wantErr: ierr.ErrValidation,
		},
		{
			name: "existing recurring item can be rewritten",
			items: []*invoice.InvoiceItem{
				{ID: "item_1", Type: types.InvoiceItemTypeRecurring, Description: "renamed"},
			},
			known: []string{"item_1"},
			check: func(t *testing.T, items []*invoice.InvoiceItem) {
				require.Len(t, items, 1)
				assert.Equal(t, "renamed", items[0].Description)
				assert.False(t, items[0].IDFromPlugin)
			},
		},
		{
			name: "new item keeps the plugin id",
			items: []*invoice.InvoiceItem{
				{ID: "ext_887", Type: types.InvoiceItemTypeExternalCharge, Amount: decimal.NewFromInt(3)},
			},
			check: func(t *testing.T, items []*invoice.InvoiceItem) {
				require.Len(t, items, 1)
				assert.Equal(t, "ext_887", items[0].ID)
				assert.True(t, items[0].IDFromPlugin)
			},
		},
		{
			name: "currency mismatch",
			items: []*invoice.InvoiceItem{
				{Type: types.InvoiceItemTypeExternalCharge, Amount: decimal.NewFromInt(1), Currency: "EUR"},
			},
			wantErr: ierr.ErrValidation,
		},
		{
			name: "unknown item type",
			items: []*invoice.InvoiceItem{
				{Type: "BOGUS", Amount: decimal.NewFromInt(1)},
			},
			wantErr: ierr.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testutil.NewTestInvoicePlugin()
			p.SetAdditionalItems(func(*invoice.Invoice, bool, types.PluginProperties) ([]*invoice.InvoiceItem, error) {
				return tt.items, nil
			})
			session := newTestGateway(t, p).Begin(RunOptions{})

			items, err := session.AdditionalItems(context.Background(), testDraft(), func(id string) bool {
				return lo.Contains(tt.known, id)
			})
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, ierr.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			tt.check(t, items)
		})
	}
}

func TestSession_AdditionalItemsErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("retryable error is kept", func(t *testing.T) {
		p := testutil.NewTestInvoicePlugin()
		p.FailRetryable(1)
		_, err := newTestGateway(t, p).Begin(RunOptions{}).AdditionalItems(ctx, testDraft(), nil)
		require.Error(t, err)
		assert.True(t, ierr.IsPluginRetryable(err))
	})

	t.Run("other errors are fatal", func(t *testing.T) {
		p := testutil.NewTestInvoicePlugin()
		p.FailFatal(errors.New("bad request"))
		_, err := newTestGateway(t, p).Begin(RunOptions{}).AdditionalItems(ctx, testDraft(), nil)
		require.Error(t, err)
		assert.False(t, ierr.IsPluginRetryable(err))
		assert.True(t, ierr.Is(err, ierr.ErrPluginFailure))
	})

	t.Run("timeout is retryable", func(t *testing.T) {
		_, err := newTestGateway(t, slowPlugin{}).Begin(RunOptions{}).AdditionalItems(ctx, testDraft(), nil)
		require.Error(t, err)
		assert.True(t, ierr.IsPluginRetryable(err))
	})
}

func TestSession_PriorCallRetryableIsFatal(t *testing.T) {
	m := &testutil.MockInvoicePlugin{}
	m.On("PriorCall", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, ierr.NewError("later").Mark(ierr.ErrPluginRetryable))

	_, err := newTestGateway(t, m).Begin(RunOptions{}).PriorCall(context.Background(), &pluginDomain.InvoiceContext{})
	require.Error(t, err)
	assert.False(t, ierr.IsPluginRetryable(err))
	assert.True(t, ierr.Is(err, ierr.ErrPluginFailure))
}

func TestSession_CallbacksSwallowErrors(t *testing.T) {
	m := &testutil.MockInvoicePlugin{}
	m.On("OnSuccessCall", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("down"))
	m.On("OnFailureCall", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("down"))

	session := newTestGateway(t, m).Begin(RunOptions{})
	session.OnSuccess(context.Background(), &pluginDomain.InvoiceContext{AccountID: "acct_1"})
	session.OnFailure(context.Background(), &pluginDomain.InvoiceContext{AccountID: "acct_1"})

	m.AssertNumberOfCalls(t, "OnSuccessCall", 1)
	m.AssertNumberOfCalls(t, "OnFailureCall", 1)
}
