package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petermetz/killbill/internal/domain/billing"
	"github.com/petermetz/killbill/internal/domain/invoice"
	"github.com/petermetz/killbill/internal/domain/lease"
	"github.com/petermetz/killbill/internal/domain/notification"
	pluginDomain "github.com/petermetz/killbill/internal/domain/plugin"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/plugin"
	"github.com/petermetz/killbill/internal/testutil"
	"github.com/petermetz/killbill/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type InvoiceGenerationServiceSuite struct {
	testutil.BaseServiceTestSuite
	plugin  *testutil.TestInvoicePlugin
	params  ServiceParams
	service InvoiceGenerationService
	poller  *NotificationPoller
	account *billing.Account
}

func TestInvoiceGenerationService(t *testing.T) {
	suite.Run(t, new(InvoiceGenerationServiceSuite))
}

func (s *InvoiceGenerationServiceSuite) SetupTest() {
	s.BaseServiceTestSuite.SetupTest()

	cfg := s.GetConfig()
	cfg.Queue.DispatchRate = 0
	cfg.Invoice.LeaseWait = 50 * time.Millisecond

	log := s.GetLogger()
	registry := plugin.NewRegistry(log)
	s.plugin = testutil.NewTestInvoicePlugin()
	s.Require().NoError(registry.Register("test", s.plugin))

	stores := s.GetStores()
	s.params = NewServiceParams(
		log,
		cfg,
		s.GetDB(),
		s.GetClock(),
		s.GetSentry(),
		s.GetCache(),
		stores.InvoiceRepo,
		stores.NotificationRepo,
		stores.LeaseRepo,
		stores.Billing,
		stores.Accounts,
		stores.Rebalancer,
		s.GetPublisher(),
		plugin.NewGateway(cfg, registry, log),
	)
	s.service = NewInvoiceGenerationService(s.params)
	s.poller = NewNotificationPoller(s.params, s.service)
	s.account = s.AddAccount("acct_1", "USD")
}

func (s *InvoiceGenerationServiceSuite) march() time.Time {
	return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
}

func (s *InvoiceGenerationServiceSuite) april() time.Time {
	return time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
}

func (s *InvoiceGenerationServiceSuite) subscribe(subscriptionID string, months int, amount int64) {
	s.GetStores().Billing.AddMonthlySubscription(s.account.ID, subscriptionID, s.march(), months, decimal.NewFromInt(amount), "USD")
}

func (s *InvoiceGenerationServiceSuite) poll() int {
	n, err := s.poller.PollOnce(s.GetContext())
	s.Require().NoError(err)
	return n
}

func (s *InvoiceGenerationServiceSuite) invoices() []*invoice.Invoice {
	out, err := s.GetStores().InvoiceRepo.ListByAccount(s.GetContext(), s.account.ID)
	s.Require().NoError(err)
	return out
}

func (s *InvoiceGenerationServiceSuite) pending(queue types.NotificationQueue) []*notification.Notification {
	out, err := s.GetStores().NotificationRepo.ListPending(s.GetContext(), queue, s.account.ID)
	s.Require().NoError(err)
	return out
}

func (s *InvoiceGenerationServiceSuite) payload(n *notification.Notification) *notification.RunPayload {
	p, err := n.DecodePayload()
	s.Require().NoError(err)
	return p
}

func (s *InvoiceGenerationServiceSuite) schedule(at time.Time, props types.PluginProperties) {
	inserted, err := s.service.ScheduleGeneration(s.GetContext(), s.account.ID, at, props)
	s.Require().NoError(err)
	s.Require().True(inserted)
}

func (s *InvoiceGenerationServiceSuite) TestTriggerGeneration() {
	s.subscribe("sub_1", 2, 20)

	inv, err := s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().NoError(err)

	s.Equal(types.InvoiceStatusCommitted, inv.Status)
	s.True(inv.Amount.Equal(decimal.NewFromInt(20)))
	s.NotEmpty(inv.InvoiceNumber)
	s.NotNil(inv.IdempotencyKey)
	s.Len(s.invoices(), 1)

	s.Equal(1, s.plugin.SuccessCount())
	s.Equal(inv.ID, s.plugin.SuccessCalls[0].Invoice.ID)
	s.Len(s.GetPublisher().EventsNamed(types.InvoiceEventCreated), 1)
	s.Len(s.GetPublisher().EventsNamed(types.InvoiceEventPaymentRequested), 1)

	next := s.pending(types.QueueNextBillingDate)
	s.Require().Len(next, 1)
	s.True(next[0].EffectiveDate.Equal(s.april()))
	s.False(s.GetStores().LeaseRepo.IsHeld(lease.AccountKey(s.account.ID), s.GetNow()))

	_, err = s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().Error(err)
	s.True(ierr.IsNothingToDo(err))
	s.Len(s.invoices(), 1)
}

func (s *InvoiceGenerationServiceSuite) TestTriggerGeneration_UnknownAccount() {
	_, err := s.service.TriggerGeneration(s.GetContext(), "acct_missing", s.march(), nil)
	s.Require().Error(err)
	s.True(ierr.IsNotFound(err))
	s.Equal(0, s.plugin.PriorCallCount())
	s.Require().Equal(1, s.plugin.FailureCount())
	s.Equal("acct_missing", s.plugin.FailureCalls[0].AccountID)
	s.True(ierr.IsNotFound(s.plugin.FailureCalls[0].Err))
}

func (s *InvoiceGenerationServiceSuite) TestTriggerGeneration_Validation() {
	_, err := s.service.TriggerGeneration(s.GetContext(), "", s.march(), nil)
	s.Require().Error(err)
	s.True(ierr.IsValidation(err))

	_, err = s.service.TriggerGeneration(s.GetContext(), s.account.ID, time.Time{}, nil)
	s.Require().Error(err)
	s.True(ierr.IsValidation(err))
}

func (s *InvoiceGenerationServiceSuite) TestExternalChargeUpdatedByLaterRun() {
	s.subscribe("sub_1", 2, 20)
	calls := 0
	s.plugin.SetAdditionalItems(func(inv *invoice.Invoice, _ bool, _ types.PluginProperties) ([]*invoice.InvoiceItem, error) {
		calls++
		amount := decimal.NewFromInt(10)
		if calls > 1 {
			amount = decimal.NewFromInt(1)
		}
		return []*invoice.InvoiceItem{{
			ID:          "ext_1",
			Type:        types.InvoiceItemTypeExternalCharge,
			Amount:      amount,
			Description: "onboarding",
		}}, nil
	})

	first, err := s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().NoError(err)
	s.True(first.Amount.Equal(decimal.NewFromInt(30)))

	s.GetClock().Set(s.april())
	second, err := s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.april(), nil)
	s.Require().NoError(err)
	s.True(second.Amount.Equal(decimal.NewFromInt(20)))
	_, onSecond := second.FindItem("ext_1")
	s.False(onSecond)

	stored, err := s.GetStores().InvoiceRepo.Get(s.GetContext(), first.ID)
	s.Require().NoError(err)
	item, ok := stored.FindItem("ext_1")
	s.Require().True(ok)
	s.True(item.Amount.Equal(decimal.NewFromInt(1)))
	s.True(stored.Amount.Equal(decimal.NewFromInt(21)))

	adjusted := s.GetPublisher().EventsNamed(types.InvoiceEventAdjusted)
	s.Require().Len(adjusted, 1)
	s.Equal(first.ID, adjusted[0].InvoiceID)
	s.Empty(s.GetStores().Rebalancer.Calls())
}

func (s *InvoiceGenerationServiceSuite) TestTaxPerItem() {
	s.subscribe("sub_1", 1, 20)
	s.subscribe("sub_2", 1, 30)
	s.plugin.SetAdditionalItems(func(inv *invoice.Invoice, _ bool, _ types.PluginProperties) ([]*invoice.InvoiceItem, error) {
		var taxes []*invoice.InvoiceItem
		for _, item := range inv.Items {
			if item.Type == types.InvoiceItemTypeTax {
				continue
			}
			taxes = append(taxes, &invoice.InvoiceItem{
				Type:         types.InvoiceItemTypeTax,
				Amount:       item.Amount.Mul(decimal.RequireFromString("0.1")),
				LinkedItemID: lo.ToPtr(item.ID),
				Description:  "VAT",
			})
		}
		return taxes, nil
	})

	inv, err := s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().NoError(err)

	s.Len(inv.Items, 4)
	s.True(inv.Amount.Equal(decimal.NewFromInt(55)))
	for _, item := range inv.Items {
		if item.Type != types.InvoiceItemTypeTax {
			continue
		}
		linked, ok := inv.FindItem(lo.FromPtr(item.LinkedItemID))
		s.Require().True(ok)
		s.True(item.Amount.Equal(linked.Amount.Mul(decimal.RequireFromString("0.1"))))
		s.Equal(inv.ID, item.InvoiceID)
	}
}

func (s *InvoiceGenerationServiceSuite) TestItemAdjustmentRebalancesCredit() {
	s.subscribe("sub_1", 2, 20)
	calls := 0
	s.plugin.SetAdditionalItems(func(inv *invoice.Invoice, _ bool, _ types.PluginProperties) ([]*invoice.InvoiceItem, error) {
		calls++
		if calls == 1 {
			return []*invoice.InvoiceItem{{
				ID:     "ext_1",
				Type:   types.InvoiceItemTypeExternalCharge,
				Amount: decimal.NewFromInt(10),
			}}, nil
		}
		return []*invoice.InvoiceItem{{
			Type:         types.InvoiceItemTypeItemAdj,
			Amount:       decimal.NewFromInt(-4),
			LinkedItemID: lo.ToPtr("ext_1"),
		}}, nil
	})

	first, err := s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().NoError(err)
	s.Empty(s.GetStores().Rebalancer.Calls())

	s.GetClock().Set(s.april())
	second, err := s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.april(), nil)
	s.Require().NoError(err)
	s.Len(second.Items, 1)

	stored, err := s.GetStores().InvoiceRepo.Get(s.GetContext(), first.ID)
	s.Require().NoError(err)
	s.Len(stored.Items, 3)
	s.True(stored.Amount.Equal(decimal.NewFromInt(26)))

	rebalances := s.GetStores().Rebalancer.Calls()
	s.Require().Len(rebalances, 1)
	s.Equal(s.account.ID, rebalances[0].AccountID)
	s.ElementsMatch([]string{first.ID, second.ID}, rebalances[0].InvoiceIDs)
	s.Len(s.GetPublisher().EventsNamed(types.InvoiceEventAdjusted), 1)
}

func (s *InvoiceGenerationServiceSuite) TestDescriptionRewriteSkipsCredit() {
	s.subscribe("sub_1", 1, 20)
	seeded := &invoice.Invoice{
		ID:         "inv_seed",
		TenantID:   types.DefaultTenantID,
		AccountID:  s.account.ID,
		Status:     types.InvoiceStatusCommitted,
		Currency:   "USD",
		TargetDate: s.march().AddDate(0, -1, 0),
		Items: []*invoice.InvoiceItem{
			{ID: "ext_seed", InvoiceID: "inv_seed", Type: types.InvoiceItemTypeExternalCharge, Amount: decimal.NewFromInt(5), Description: "setup"},
			{ID: "cba_seed", InvoiceID: "inv_seed", Type: types.InvoiceItemTypeCBAAdj, Amount: decimal.NewFromInt(-5), Description: "credit"},
		},
		CreatedAt: s.GetNow().Add(-time.Hour),
	}
	s.Require().NoError(s.GetStores().InvoiceRepo.Create(s.GetContext(), seeded))

	s.plugin.SetAdditionalItems(func(inv *invoice.Invoice, _ bool, _ types.PluginProperties) ([]*invoice.InvoiceItem, error) {
		out := lo.Map(inv.Items, func(item *invoice.InvoiceItem, _ int) *invoice.InvoiceItem {
			c := item.Clone()
			c.Description = "Custom " + item.Description
			return c
		})
		return append(out, &invoice.InvoiceItem{
			ID:          "cba_seed",
			Type:        types.InvoiceItemTypeCBAAdj,
			Description: "Custom credit",
		}), nil
	})

	inv, err := s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().NoError(err)
	s.Require().Len(inv.Items, 1)
	s.Equal("Custom sub_1 2024-03-01", inv.Items[0].Description)

	stored, err := s.GetStores().InvoiceRepo.Get(s.GetContext(), seeded.ID)
	s.Require().NoError(err)
	credit, ok := stored.FindItem("cba_seed")
	s.Require().True(ok)
	s.Equal("credit", credit.Description)
	s.Empty(s.GetPublisher().EventsNamed(types.InvoiceEventAdjusted))
}

func (s *InvoiceGenerationServiceSuite) TestAbort() {
	s.subscribe("sub_1", 1, 20)
	s.plugin.SetAbort(true)

	_, err := s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().Error(err)
	s.True(ierr.IsNothingToDo(err))
	s.Empty(s.invoices())
	s.Empty(s.pending(types.QueueNextBillingDate))

	s.schedule(s.march(), nil)
	s.Equal(1, s.poll())

	s.Empty(s.invoices())
	s.Empty(s.pending(types.QueueNextBillingDate))
	all := s.GetStores().NotificationRepo.ListAll(s.GetContext(), s.account.ID)
	s.Require().Len(all, 1)
	s.Equal(types.NotificationStatusProcessed, all[0].Status)
	s.Equal(0, s.plugin.SuccessCount())
	s.Equal(0, s.plugin.FailureCount())
}

func (s *InvoiceGenerationServiceSuite) TestRescheduleFromNotification() {
	s.subscribe("sub_1", 1, 20)
	later := s.march().AddDate(0, 0, 2)
	s.plugin.SetRescheduleDate(&later)

	s.schedule(s.march(), nil)
	s.Equal(1, s.poll())

	s.Empty(s.invoices())
	pending := s.pending(types.QueueNextBillingDate)
	s.Require().Len(pending, 1)
	s.True(pending[0].EffectiveDate.Equal(later))
	s.True(s.payload(pending[0]).IsRescheduled)

	s.Equal(0, s.poll())

	s.GetClock().Set(later)
	s.Equal(1, s.poll())

	invoices := s.invoices()
	s.Require().Len(invoices, 1)
	s.True(invoices[0].TargetDate.Equal(later))
	s.True(s.plugin.LastPriorCall().IsRescheduled)
	s.Empty(s.pending(types.QueueNextBillingDate))
}

func (s *InvoiceGenerationServiceSuite) TestRescheduleFromAPI() {
	s.subscribe("sub_1", 1, 20)
	later := s.march().AddDate(0, 0, 2)
	s.plugin.SetRescheduleDate(&later)

	for i := 0; i < 2; i++ {
		_, err := s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
		s.Require().Error(err)
		s.True(ierr.IsNothingToDo(err))
	}

	s.Empty(s.invoices())
	pending := s.pending(types.QueueNextBillingDate)
	s.Require().Len(pending, 1)
	s.True(pending[0].EffectiveDate.Equal(later))
}

func (s *InvoiceGenerationServiceSuite) TestRetryableFailures() {
	s.subscribe("sub_1", 2, 20)
	s.plugin.FailRetryable(2)

	s.schedule(s.march(), nil)

	for attempt := 1; attempt <= 2; attempt++ {
		s.Equal(1, s.poll())
		s.Empty(s.invoices())
		s.Empty(s.pending(types.QueueNextBillingDate))

		retries := s.pending(types.QueueInvoiceRetry)
		s.Require().Len(retries, 1)
		s.True(retries[0].EffectiveDate.Equal(s.GetNow().Add(5 * time.Minute)))
		payload := s.payload(retries[0])
		s.Equal(attempt, payload.RetryCount)
		s.True(payload.TargetDate.Equal(s.march()))
		s.True(payload.OriginalEffectiveDate.Equal(s.march()))

		s.Equal(0, s.poll())
		s.GetClock().Add(5 * time.Minute)
	}

	s.Equal(1, s.poll())
	invoices := s.invoices()
	s.Require().Len(invoices, 1)
	s.True(invoices[0].TargetDate.Equal(s.march()))
	s.Empty(s.pending(types.QueueInvoiceRetry))

	next := s.pending(types.QueueNextBillingDate)
	s.Require().Len(next, 1)
	s.True(next[0].EffectiveDate.Equal(s.april()))

	s.Equal(0, s.plugin.FailureCount())
	s.Equal(2, s.plugin.SuccessCalls[0].RetryCount)
}

func (s *InvoiceGenerationServiceSuite) TestRetryableFailureOfSyncTrigger() {
	s.subscribe("sub_1", 1, 20)
	s.plugin.FailRetryable(1)

	_, err := s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().Error(err)
	s.True(ierr.IsPluginRetryable(err))

	retries := s.pending(types.QueueInvoiceRetry)
	s.Require().Len(retries, 1)

	s.GetClock().Add(5 * time.Minute)
	s.Equal(1, s.poll())
	s.Len(s.invoices(), 1)
	s.Empty(s.pending(types.QueueInvoiceRetry))
}

func (s *InvoiceGenerationServiceSuite) TestRetryExhausted() {
	s.GetConfig().Retry.MaxAttempts = 1
	s.subscribe("sub_1", 1, 20)
	s.plugin.FailRetryable(5)

	s.schedule(s.march(), nil)
	s.Equal(1, s.poll())
	s.Require().Len(s.pending(types.QueueInvoiceRetry), 1)
	s.Equal(0, s.plugin.FailureCount())

	s.GetClock().Add(5 * time.Minute)
	s.Equal(1, s.poll())

	s.Empty(s.invoices())
	s.Empty(s.pending(types.QueueInvoiceRetry))
	s.Empty(s.pending(types.QueueNextBillingDate))
	s.Equal(1, s.plugin.FailureCount())
	s.True(ierr.IsRetryExhausted(s.plugin.FailureCalls[0].Err))

	failed := lo.Filter(s.GetStores().NotificationRepo.ListAll(s.GetContext(), s.account.ID), func(n *notification.Notification, _ int) bool {
		return n.Status == types.NotificationStatusFailed
	})
	s.Require().Len(failed, 1)
	s.Equal(types.QueueInvoiceRetry, failed[0].QueueName)
	s.NotNil(failed[0].LastError)
}

func (s *InvoiceGenerationServiceSuite) TestFatalPluginFailure() {
	s.subscribe("sub_1", 1, 20)
	s.plugin.FailFatal(errors.New("tax configuration missing"))

	s.schedule(s.march(), nil)
	s.Equal(1, s.poll())

	s.Empty(s.invoices())
	s.Empty(s.pending(types.QueueInvoiceRetry))
	s.Equal(1, s.plugin.FailureCount())

	all := s.GetStores().NotificationRepo.ListAll(s.GetContext(), s.account.ID)
	s.Require().Len(all, 1)
	s.Equal(types.NotificationStatusFailed, all[0].Status)
	s.Contains(lo.FromPtr(all[0].LastError), "tax configuration missing")
}

func (s *InvoiceGenerationServiceSuite) TestPropertiesPassThrough() {
	s.subscribe("sub_1", 1, 20)
	props := types.PluginProperties{{Key: "channel", Value: "api"}, {Key: "ref", Value: "42", IsUpdatable: true}}
	s.plugin.FailRetryable(1)

	s.schedule(s.march(), props)
	s.Equal(1, s.poll())
	s.GetClock().Add(5 * time.Minute)
	s.Equal(1, s.poll())
	s.Len(s.invoices(), 1)

	s.Require().Len(s.plugin.PriorProps, 2)
	for _, got := range s.plugin.PriorProps {
		s.Equal(props, got)
	}
	for _, got := range s.plugin.AdditionalProps {
		s.Equal(props, got)
	}
	s.Len(props, 2)
}

func (s *InvoiceGenerationServiceSuite) TestGrouping() {
	s.subscribe("sub_1", 1, 10)
	s.subscribe("sub_2", 1, 20)
	s.subscribe("sub_3", 1, 30)
	s.plugin.SetGrouping(func(inv *invoice.Invoice) *pluginDomain.GroupingResult {
		return &pluginDomain.GroupingResult{
			Groups: lo.Map(inv.Items, func(item *invoice.InvoiceItem, _ int) pluginDomain.InvoiceGroup {
				return pluginDomain.InvoiceGroup{ID: lo.FromPtr(item.SubscriptionID), ItemIDs: []string{item.ID}}
			}),
		}
	})

	invoices, err := s.service.TriggerGroupGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().NoError(err)
	s.Require().Len(invoices, 3)

	keys := lo.Map(invoices, func(inv *invoice.Invoice, _ int) string { return lo.FromPtr(inv.GroupingKey) })
	s.ElementsMatch([]string{"sub_1", "sub_2", "sub_3"}, keys)
	for _, inv := range invoices {
		s.Len(inv.Items, 1)
	}

	s.Len(s.invoices(), 3)
	s.Equal(3, s.plugin.SuccessCount())
	s.Len(s.GetPublisher().EventsNamed(types.InvoiceEventCreated), 3)
}

func (s *InvoiceGenerationServiceSuite) TestDryRun() {
	s.subscribe("sub_1", 2, 20)
	current := s.march().AddDate(0, 0, -10)

	draft, err := s.service.TriggerDryRun(s.GetContext(), s.account.ID, s.march(), &types.DryRunArguments{
		Mode:        types.DryRunModeTargetDate,
		CurrentDate: current,
	}, types.PluginProperties{{Key: "channel", Value: "ui"}})
	s.Require().NoError(err)

	s.True(draft.IsDryRun)
	s.True(draft.Amount.Equal(decimal.NewFromInt(20)))
	s.Empty(s.invoices())
	s.Empty(s.pending(types.QueueNextBillingDate))
	s.Empty(s.GetPublisher().GetEvents())
	s.Equal(0, s.plugin.SuccessCount())

	props := s.plugin.PriorProps[0]
	s.Len(props, 3)
	cur, ok := props.Get(types.PluginPropertyDryRunCurrentDate)
	s.Require().True(ok)
	s.Equal("2024-02-20", cur.Value)
	tgt, ok := props.Get(types.PluginPropertyDryRunTargetDate)
	s.Require().True(ok)
	s.Equal("2024-03-01", tgt.Value)
	s.True(s.plugin.PriorCalls[0].IsDryRun)
}

func (s *InvoiceGenerationServiceSuite) TestDryRun_UpcomingInvoice() {
	s.subscribe("sub_1", 2, 20)

	draft, err := s.service.TriggerDryRun(s.GetContext(), s.account.ID, time.Time{}, &types.DryRunArguments{
		Mode:        types.DryRunModeUpcomingInvoice,
		CurrentDate: s.march().AddDate(0, 0, 14),
	}, nil)
	s.Require().NoError(err)

	s.True(draft.TargetDate.Equal(s.april()))
	s.Len(draft.Items, 2)

	_, err = s.service.TriggerDryRun(s.GetContext(), s.account.ID, time.Time{}, &types.DryRunArguments{
		Mode:        types.DryRunModeUpcomingInvoice,
		CurrentDate: s.april(),
	}, nil)
	s.Require().Error(err)
	s.True(ierr.IsNothingToDo(err))
}

func (s *InvoiceGenerationServiceSuite) TestDryRun_Nothing() {
	_, err := s.service.TriggerDryRun(s.GetContext(), s.account.ID, s.march(), nil, nil)
	s.Require().Error(err)
	s.True(ierr.IsNothingToDo(err))

	_, err = s.service.TriggerDryRun(s.GetContext(), s.account.ID, s.march(), &types.DryRunArguments{Mode: "BOGUS"}, nil)
	s.Require().Error(err)
	s.True(ierr.IsValidation(err))
}

func (s *InvoiceGenerationServiceSuite) TestIdempotentContent() {
	s.plugin.SetAdditionalItems(func(inv *invoice.Invoice, _ bool, _ types.PluginProperties) ([]*invoice.InvoiceItem, error) {
		return []*invoice.InvoiceItem{{
			Type:        types.InvoiceItemTypeExternalCharge,
			Amount:      decimal.NewFromInt(5),
			Description: "setup fee",
		}}, nil
	})

	first, err := s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().NoError(err)

	second, err := s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().NoError(err)

	s.Equal(first.ID, second.ID)
	s.Len(s.invoices(), 1)
	s.Equal(1, s.plugin.SuccessCount())
	s.Len(s.GetPublisher().EventsNamed(types.InvoiceEventCreated), 1)
}

func (s *InvoiceGenerationServiceSuite) TestPluginChargeWithNewIDIsInvoiced() {
	s.plugin.SetAdditionalItems(func(inv *invoice.Invoice, _ bool, _ types.PluginProperties) ([]*invoice.InvoiceItem, error) {
		return []*invoice.InvoiceItem{{
			ID:          types.GenerateUUIDWithPrefix(types.UUID_PREFIX_INVOICE_ITEM),
			Type:        types.InvoiceItemTypeExternalCharge,
			Amount:      decimal.NewFromInt(10),
			Description: "Setup fee",
		}}, nil
	})

	first, err := s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().NoError(err)

	second, err := s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().NoError(err)

	s.NotEqual(first.ID, second.ID)
	s.NotEqual(lo.FromPtr(first.IdempotencyKey), lo.FromPtr(second.IdempotencyKey))
	s.Len(s.invoices(), 2)
	s.Equal(2, s.plugin.SuccessCount())
	s.Len(s.GetPublisher().EventsNamed(types.InvoiceEventCreated), 2)
}

func (s *InvoiceGenerationServiceSuite) TestExternalChargeKeepsOpaqueLink() {
	s.subscribe("sub_1", 1, 20)
	s.plugin.SetAdditionalItems(func(inv *invoice.Invoice, _ bool, _ types.PluginProperties) ([]*invoice.InvoiceItem, error) {
		return []*invoice.InvoiceItem{{
			ID:           "itm_plugin_x",
			Type:         types.InvoiceItemTypeExternalCharge,
			Amount:       decimal.NewFromInt(10),
			LinkedItemID: lo.ToPtr("ext_ref_887"),
			Description:  "carrier surcharge",
		}}, nil
	})

	inv, err := s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().NoError(err)
	s.True(inv.Amount.Equal(decimal.NewFromInt(30)))

	item, ok := inv.FindItem("itm_plugin_x")
	s.Require().True(ok)
	s.Equal("ext_ref_887", lo.FromPtr(item.LinkedItemID))
	s.Equal(1, s.plugin.SuccessCount())
	s.Equal(0, s.plugin.FailureCount())
}

func (s *InvoiceGenerationServiceSuite) TestDuplicateDelivery() {
	s.subscribe("sub_1", 1, 20)
	calls := 0
	s.plugin.SetAdditionalItems(func(inv *invoice.Invoice, _ bool, _ types.PluginProperties) ([]*invoice.InvoiceItem, error) {
		calls++
		return []*invoice.InvoiceItem{{
			Type:   types.InvoiceItemTypeExternalCharge,
			Amount: decimal.NewFromInt(int64(calls)),
		}}, nil
	})

	s.schedule(s.march(), nil)
	s.Equal(1, s.poll())
	s.Len(s.invoices(), 1)

	all := s.GetStores().NotificationRepo.ListAll(s.GetContext(), s.account.ID)
	s.Require().Len(all, 1)
	s.Equal(types.NotificationStatusProcessed, all[0].Status)

	s.Require().NoError(s.service.ProcessNotification(s.GetContext(), all[0]))

	s.Equal(2, calls)
	s.Len(s.invoices(), 1)
	s.Equal(1, s.plugin.SuccessCount())
	s.Len(s.GetPublisher().EventsNamed(types.InvoiceEventCreated), 1)
}

func (s *InvoiceGenerationServiceSuite) TestStaleRetryIsDropped() {
	retry, err := notification.New(types.DefaultTenantID, types.QueueInvoiceRetry, s.march().Add(5*time.Minute), 0,
		&notification.RunPayload{
			AccountID:             s.account.ID,
			TargetDate:            s.march(),
			RetryCount:            1,
			OriginalEffectiveDate: s.march(),
		}, s.GetNow())
	s.Require().NoError(err)
	_, err = s.GetStores().NotificationRepo.InsertIfAbsent(s.GetContext(), retry)
	s.Require().NoError(err)

	s.Require().NoError(s.GetStores().InvoiceRepo.Create(s.GetContext(), &invoice.Invoice{
		ID:         "inv_april",
		TenantID:   types.DefaultTenantID,
		AccountID:  s.account.ID,
		Status:     types.InvoiceStatusCommitted,
		Currency:   "USD",
		TargetDate: s.april(),
		CreatedAt:  s.GetNow(),
	}))

	s.GetClock().Add(10 * time.Minute)
	s.Equal(1, s.poll())

	s.Equal(0, s.plugin.PriorCallCount())
	s.Len(s.invoices(), 1)
	s.Empty(s.pending(types.QueueInvoiceRetry))
	all := s.GetStores().NotificationRepo.ListAll(s.GetContext(), s.account.ID)
	s.Require().Len(all, 1)
	s.Equal(types.NotificationStatusProcessed, all[0].Status)
}

func (s *InvoiceGenerationServiceSuite) TestSuccessClearsObsoleteRetries() {
	s.subscribe("sub_1", 1, 20)
	retry, err := notification.New(types.DefaultTenantID, types.QueueInvoiceRetry, s.march().Add(5*time.Minute), 0,
		&notification.RunPayload{AccountID: s.account.ID, TargetDate: s.march(), RetryCount: 1}, s.GetNow())
	s.Require().NoError(err)
	_, err = s.GetStores().NotificationRepo.InsertIfAbsent(s.GetContext(), retry)
	s.Require().NoError(err)

	_, err = s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().NoError(err)
	s.Empty(s.pending(types.QueueInvoiceRetry))
}

func (s *InvoiceGenerationServiceSuite) TestLeaseBusy() {
	s.subscribe("sub_1", 1, 20)
	key := lease.AccountKey(s.account.ID)
	s.GetStores().LeaseRepo.Hold(key, "other_worker", s.GetNow().Add(time.Hour))

	_, err := s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().Error(err)
	s.True(ierr.IsLeaseUnavailable(err))

	s.schedule(s.march(), nil)
	s.Equal(1, s.poll())

	s.Equal(0, s.plugin.PriorCallCount())
	pending := s.pending(types.QueueNextBillingDate)
	s.Require().Len(pending, 1)
	s.True(pending[0].EffectiveDate.Equal(s.GetNow().Add(s.GetConfig().Invoice.BusyRequeueDelay)))

	s.GetStores().LeaseRepo.Release(s.GetContext(), key, "other_worker")
	s.GetClock().Add(s.GetConfig().Invoice.BusyRequeueDelay)
	s.Equal(1, s.poll())
	s.Len(s.invoices(), 1)
}

func (s *InvoiceGenerationServiceSuite) TestLeaseRenewedAcrossPluginCalls() {
	s.subscribe("sub_1", 1, 20)
	key := lease.AccountKey(s.account.ID)
	step := s.GetConfig().Invoice.LeaseTTL * 3 / 4

	s.plugin.SetAdditionalItems(func(inv *invoice.Invoice, _ bool, _ types.PluginProperties) ([]*invoice.InvoiceItem, error) {
		s.GetClock().Add(step)
		return nil, nil
	})
	heldDuringGrouping := false
	s.plugin.SetGrouping(func(inv *invoice.Invoice) *pluginDomain.GroupingResult {
		s.GetClock().Add(step)
		heldDuringGrouping = s.GetStores().LeaseRepo.IsHeld(key, s.GetNow())
		return nil
	})

	inv, err := s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().NoError(err)
	s.True(inv.Amount.Equal(decimal.NewFromInt(20)))
	s.True(heldDuringGrouping)
	s.False(s.GetStores().LeaseRepo.IsHeld(key, s.GetNow()))
}

func (s *InvoiceGenerationServiceSuite) TestLeaseLostDuringRun() {
	s.subscribe("sub_1", 1, 20)
	key := lease.AccountKey(s.account.ID)

	s.plugin.SetAdditionalItems(func(inv *invoice.Invoice, _ bool, _ types.PluginProperties) ([]*invoice.InvoiceItem, error) {
		s.GetClock().Add(s.GetConfig().Invoice.LeaseTTL + time.Second)
		s.GetStores().LeaseRepo.Hold(key, "other_worker", s.GetNow().Add(time.Hour))
		return nil, nil
	})

	s.schedule(s.march(), nil)
	s.Equal(1, s.poll())

	s.Empty(s.invoices())
	s.Equal(0, s.plugin.SuccessCount())
	s.Equal(0, s.plugin.FailureCount())
	pending := s.pending(types.QueueNextBillingDate)
	s.Require().Len(pending, 1)
	s.True(pending[0].EffectiveDate.Equal(s.GetNow().Add(s.GetConfig().Invoice.BusyRequeueDelay)))
	s.True(s.GetStores().LeaseRepo.IsHeld(key, s.GetNow()))
}

func (s *InvoiceGenerationServiceSuite) TestPollManyAccounts() {
	accounts := []string{"acct_a", "acct_b", "acct_c"}
	for _, id := range accounts {
		s.AddAccount(id, "USD")
		s.GetStores().Billing.AddMonthlySubscription(id, "sub_"+id, s.march(), 1, decimal.NewFromInt(15), "USD")
		_, err := s.service.ScheduleGeneration(s.GetContext(), id, s.march(), nil)
		s.Require().NoError(err)
	}

	s.Equal(3, s.poll())

	for _, id := range accounts {
		invoices, err := s.GetStores().InvoiceRepo.ListByAccount(s.GetContext(), id)
		s.Require().NoError(err)
		s.Len(invoices, 1)
	}
	s.Equal(3, s.plugin.SuccessCount())
}

func (s *InvoiceGenerationServiceSuite) TestPollStoppedBeforeDispatch() {
	s.subscribe("sub_1", 1, 20)
	s.schedule(s.march(), nil)

	ctx, cancel := context.WithCancel(s.GetContext())
	cancel()

	n, err := s.poller.PollOnce(ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(0, s.plugin.PriorCallCount())

	pending := s.pending(types.QueueNextBillingDate)
	s.Require().Len(pending, 1)
	s.Nil(pending[0].ProcessingOwner)

	s.Equal(1, s.poll())
	s.Len(s.invoices(), 1)
}

func (s *InvoiceGenerationServiceSuite) TestScheduleGeneration() {
	inserted, err := s.service.ScheduleGeneration(s.GetContext(), s.account.ID, s.march(), nil)
	s.Require().NoError(err)
	s.True(inserted)

	inserted, err = s.service.ScheduleGeneration(s.GetContext(), s.account.ID, s.march().Add(time.Hour), nil)
	s.Require().NoError(err)
	s.False(inserted)

	inserted, err = s.service.ScheduleGeneration(s.GetContext(), s.account.ID, s.april(), nil)
	s.Require().NoError(err)
	s.True(inserted)

	pending, err := s.service.ListPendingNotifications(s.GetContext(), s.account.ID)
	s.Require().NoError(err)
	s.Require().Len(pending, 2)
	s.True(pending[0].EffectiveDate.Equal(s.march()))

	_, err = s.service.ScheduleGeneration(s.GetContext(), "acct_missing", s.march(), nil)
	s.True(ierr.IsNotFound(err))
}

func (s *InvoiceGenerationServiceSuite) TestConcurrentTriggersAreSerialized() {
	s.GetConfig().Invoice.LeaseWait = 5 * time.Second
	s.subscribe("sub_1", 1, 20)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.service.TriggerGeneration(s.GetContext(), s.account.ID, s.march(), nil)
		}(i)
	}
	wg.Wait()

	failures := lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	s.Require().Len(failures, 1)
	s.True(ierr.IsNothingToDo(failures[0]))
	s.Len(s.invoices(), 1)
}
