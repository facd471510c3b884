package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/petermetz/killbill/internal/domain/invoice"
	pluginDomain "github.com/petermetz/killbill/internal/domain/plugin"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/types"
	"github.com/stretchr/testify/mock"
)

// AdditionalItemsFunc computes the items a TestInvoicePlugin adds to a draft
type AdditionalItemsFunc func(inv *invoice.Invoice, isDryRun bool, props types.PluginProperties) ([]*invoice.InvoiceItem, error)

// GroupingFunc computes the grouping a TestInvoicePlugin proposes
type GroupingFunc func(inv *invoice.Invoice) *pluginDomain.GroupingResult

// TestInvoicePlugin is a scriptable invoice plugin recording every call
type TestInvoicePlugin struct {
	mu sync.Mutex

	abort          bool
	rescheduleDate *time.Time
	retryableFails int
	fatalErr       error
	items          AdditionalItemsFunc
	grouping       GroupingFunc

	PriorCalls       []*pluginDomain.InvoiceContext
	AdditionalCalls  int
	SuccessCalls     []*pluginDomain.InvoiceContext
	FailureCalls     []*pluginDomain.InvoiceContext
	PriorProps       []types.PluginProperties
	AdditionalProps  []types.PluginProperties
	GroupingCalls    int
	LastDraftItemIDs []string
}

var _ pluginDomain.InvoicePlugin = (*TestInvoicePlugin)(nil)

func NewTestInvoicePlugin() *TestInvoicePlugin {
	return &TestInvoicePlugin{}
}

// SetAbort makes PriorCall abort every run
func (p *TestInvoicePlugin) SetAbort(abort bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abort = abort
}

// SetRescheduleDate makes PriorCall reschedule to at, nil resets
func (p *TestInvoicePlugin) SetRescheduleDate(at *time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rescheduleDate = at
}

// FailRetryable makes the next n GetAdditionalItems calls fail with a
// retryable error
func (p *TestInvoicePlugin) FailRetryable(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retryableFails = n
}

// FailFatal makes GetAdditionalItems fail with err, nil resets
func (p *TestInvoicePlugin) FailFatal(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fatalErr = err
}

// SetAdditionalItems sets the item computation
func (p *TestInvoicePlugin) SetAdditionalItems(fn AdditionalItemsFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = fn
}

// SetGrouping sets the grouping computation
func (p *TestInvoicePlugin) SetGrouping(fn GroupingFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grouping = fn
}

func (p *TestInvoicePlugin) PriorCall(ctx context.Context, ictx *pluginDomain.InvoiceContext, props types.PluginProperties) (*pluginDomain.PriorCallResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := *ictx
	p.PriorCalls = append(p.PriorCalls, &cp)
	p.PriorProps = append(p.PriorProps, props.Clone())

	if p.abort {
		return &pluginDomain.PriorCallResult{IsAborted: true}, nil
	}
	if p.rescheduleDate != nil && !ictx.IsRescheduled {
		at := *p.rescheduleDate
		return &pluginDomain.PriorCallResult{RescheduleDate: &at}, nil
	}
	return &pluginDomain.PriorCallResult{}, nil
}

func (p *TestInvoicePlugin) GetAdditionalItems(ctx context.Context, inv *invoice.Invoice, isDryRun bool, props types.PluginProperties) ([]*invoice.InvoiceItem, error) {
	p.mu.Lock()
	p.AdditionalCalls++
	p.AdditionalProps = append(p.AdditionalProps, props.Clone())
	p.LastDraftItemIDs = inv.ItemIDs()

	if p.fatalErr != nil {
		err := p.fatalErr
		p.mu.Unlock()
		return nil, err
	}
	if p.retryableFails > 0 {
		p.retryableFails--
		p.mu.Unlock()
		return nil, ierr.NewError("tax service unavailable").
			WithHint("Please retry later").
			Mark(ierr.ErrPluginRetryable)
	}
	fn := p.items
	p.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(inv, isDryRun, props)
}

func (p *TestInvoicePlugin) GetInvoiceGrouping(ctx context.Context, inv *invoice.Invoice, isDryRun bool, props types.PluginProperties) (*pluginDomain.GroupingResult, error) {
	p.mu.Lock()
	p.GroupingCalls++
	fn := p.grouping
	p.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(inv), nil
}

func (p *TestInvoicePlugin) OnSuccessCall(ctx context.Context, ictx *pluginDomain.InvoiceContext, props types.PluginProperties) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *ictx
	p.SuccessCalls = append(p.SuccessCalls, &cp)
	return nil
}

func (p *TestInvoicePlugin) OnFailureCall(ctx context.Context, ictx *pluginDomain.InvoiceContext, props types.PluginProperties) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *ictx
	p.FailureCalls = append(p.FailureCalls, &cp)
	return nil
}

// SuccessCount returns the number of OnSuccessCall invocations
func (p *TestInvoicePlugin) SuccessCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SuccessCalls)
}

// FailureCount returns the number of OnFailureCall invocations
func (p *TestInvoicePlugin) FailureCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.FailureCalls)
}

// PriorCallCount returns the number of PriorCall invocations
func (p *TestInvoicePlugin) PriorCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.PriorCalls)
}

// LastPriorCall returns the context of the latest PriorCall
func (p *TestInvoicePlugin) LastPriorCall() *pluginDomain.InvoiceContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.PriorCalls) == 0 {
		return nil
	}
	return p.PriorCalls[len(p.PriorCalls)-1]
}

// MockInvoicePlugin is a testify mock of the plugin contract
type MockInvoicePlugin struct {
	mock.Mock
}

var _ pluginDomain.InvoicePlugin = (*MockInvoicePlugin)(nil)

func (m *MockInvoicePlugin) PriorCall(ctx context.Context, ictx *pluginDomain.InvoiceContext, props types.PluginProperties) (*pluginDomain.PriorCallResult, error) {
	args := m.Called(ctx, ictx, props)
	res, _ := args.Get(0).(*pluginDomain.PriorCallResult)
	return res, args.Error(1)
}

func (m *MockInvoicePlugin) GetAdditionalItems(ctx context.Context, inv *invoice.Invoice, isDryRun bool, props types.PluginProperties) ([]*invoice.InvoiceItem, error) {
	args := m.Called(ctx, inv, isDryRun, props)
	items, _ := args.Get(0).([]*invoice.InvoiceItem)
	return items, args.Error(1)
}

func (m *MockInvoicePlugin) GetInvoiceGrouping(ctx context.Context, inv *invoice.Invoice, isDryRun bool, props types.PluginProperties) (*pluginDomain.GroupingResult, error) {
	args := m.Called(ctx, inv, isDryRun, props)
	res, _ := args.Get(0).(*pluginDomain.GroupingResult)
	return res, args.Error(1)
}

func (m *MockInvoicePlugin) OnSuccessCall(ctx context.Context, ictx *pluginDomain.InvoiceContext, props types.PluginProperties) error {
	args := m.Called(ctx, ictx, props)
	return args.Error(0)
}

func (m *MockInvoicePlugin) OnFailureCall(ctx context.Context, ictx *pluginDomain.InvoiceContext, props types.PluginProperties) error {
	args := m.Called(ctx, ictx, props)
	return args.Error(0)
}
