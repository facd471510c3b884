package service

import (
	"context"
	"sort"
	"time"

	"github.com/petermetz/killbill/internal/domain/invoice"
	"github.com/petermetz/killbill/internal/domain/notification"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/types"
)

// InvoiceGenerationService is the entry point for invoice runs, both the
// synchronous triggers and the runs delivered by the notification queue
type InvoiceGenerationService interface {
	// TriggerGeneration runs the account now and returns the first invoice,
	// ErrNothingToDo when the run produced none
	TriggerGeneration(ctx context.Context, accountID string, targetDate time.Time, props types.PluginProperties) (*invoice.Invoice, error)
	TriggerGroupGeneration(ctx context.Context, accountID string, targetDate time.Time, props types.PluginProperties) ([]*invoice.Invoice, error)
	// TriggerDryRun previews the invoice without persisting it or touching
	// the notification queues
	TriggerDryRun(ctx context.Context, accountID string, targetDate time.Time, dryRun *types.DryRunArguments, props types.PluginProperties) (*invoice.Invoice, error)
	// ScheduleGeneration enqueues a run, false when a run of the same window
	// is already pending
	ScheduleGeneration(ctx context.Context, accountID string, effectiveDate time.Time, props types.PluginProperties) (bool, error)
	ListPendingNotifications(ctx context.Context, accountID string) ([]*notification.Notification, error)
	ProcessNotification(ctx context.Context, n *notification.Notification) error
}

type invoiceGenerationService struct {
	ServiceParams
	coordinator *RunCoordinator
}

func NewInvoiceGenerationService(params ServiceParams) InvoiceGenerationService {
	return &invoiceGenerationService{
		ServiceParams: params,
		coordinator:   NewRunCoordinator(params),
	}
}

func (s *invoiceGenerationService) TriggerGeneration(ctx context.Context, accountID string, targetDate time.Time, props types.PluginProperties) (*invoice.Invoice, error) {
	invoices, err := s.TriggerGroupGeneration(ctx, accountID, targetDate, props)
	if err != nil {
		return nil, err
	}
	return invoices[0], nil
}

func (s *invoiceGenerationService) TriggerGroupGeneration(ctx context.Context, accountID string, targetDate time.Time, props types.PluginProperties) ([]*invoice.Invoice, error) {
	result, err := s.coordinator.Run(ctx, &RunRequest{
		AccountID:  accountID,
		TargetDate: targetDate,
		Properties: props,
	})
	if err != nil {
		return nil, err
	}
	if result.State != types.RunStatePersisted || len(result.Invoices) == 0 {
		return nil, nothingToDo(accountID, targetDate, result.State)
	}
	return result.Invoices, nil
}

func (s *invoiceGenerationService) TriggerDryRun(ctx context.Context, accountID string, targetDate time.Time, dryRun *types.DryRunArguments, props types.PluginProperties) (*invoice.Invoice, error) {
	if dryRun == nil {
		dryRun = &types.DryRunArguments{Mode: types.DryRunModeTargetDate}
	}
	if err := dryRun.Mode.Validate(); err != nil {
		return nil, err
	}

	if targetDate.IsZero() && dryRun.Mode == types.DryRunModeUpcomingInvoice {
		after := dryRun.CurrentDate
		if after.IsZero() {
			after = s.Clock.Now()
		}
		next, err := s.EventSource.NextChargeDate(ctx, accountID, after)
		if err != nil {
			return nil, ierr.WithError(err).
				WithMessage("failed to compute upcoming invoice date").
				Mark(ierr.ErrSystem)
		}
		if next == nil {
			return nil, nothingToDo(accountID, after, types.RunStateIdle)
		}
		targetDate = *next
	}

	result, err := s.coordinator.Run(ctx, &RunRequest{
		AccountID:  accountID,
		TargetDate: targetDate,
		Properties: props,
		DryRun:     dryRun,
	})
	if err != nil {
		return nil, err
	}
	if result.State != types.RunStateGrouping || result.Draft == nil {
		return nil, nothingToDo(accountID, targetDate, result.State)
	}
	return result.Draft, nil
}

func (s *invoiceGenerationService) ScheduleGeneration(ctx context.Context, accountID string, effectiveDate time.Time, props types.PluginProperties) (bool, error) {
	if accountID == "" || effectiveDate.IsZero() {
		return false, ierr.NewError("account_id and effective_date are required").
			WithHint("Please provide the account and the date of the invoice run").
			Mark(ierr.ErrValidation)
	}

	account, err := s.AccountProvider.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	tenantID := account.TenantID
	if tenantID == "" {
		tenantID = types.GetTenantID(ctx)
	}

	n, err := notification.New(tenantID, types.QueueNextBillingDate, effectiveDate, s.Config.Invoice.NotificationWindow,
		&notification.RunPayload{
			AccountID:  accountID,
			TargetDate: effectiveDate.UTC(),
			Properties: props,
		}, s.Clock.Now())
	if err != nil {
		return false, ierr.WithError(err).Mark(ierr.ErrInternal)
	}

	inserted, err := s.NotificationRepo.InsertIfAbsent(ctx, n)
	if err != nil {
		return false, err
	}
	s.Logger.Infow("scheduled invoice run",
		"account_id", accountID,
		"effective_date", effectiveDate,
		"inserted", inserted,
	)
	return inserted, nil
}

func (s *invoiceGenerationService) ListPendingNotifications(ctx context.Context, accountID string) ([]*notification.Notification, error) {
	var out []*notification.Notification
	for _, queue := range []types.NotificationQueue{types.QueueNextBillingDate, types.QueueInvoiceRetry} {
		pending, err := s.NotificationRepo.ListPending(ctx, queue, accountID)
		if err != nil {
			return nil, err
		}
		out = append(out, pending...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EffectiveDate.Before(out[j].EffectiveDate)
	})
	return out, nil
}

// ProcessNotification runs a claimed notification
func (s *invoiceGenerationService) ProcessNotification(ctx context.Context, n *notification.Notification) error {
	ctx = types.SetTenantID(ctx, n.TenantID)

	payload, err := n.DecodePayload()
	if err != nil {
		err = ierr.WithError(err).
			WithHintf("Notification %s carries an unreadable payload", n.ID).
			Mark(ierr.ErrValidation)
		if merr := s.NotificationRepo.MarkFailed(ctx, n.ID, s.Clock.Now(), err.Error()); merr != nil && !ierr.IsNotFound(merr) {
			s.Logger.Errorw("failed to mark notification failed", "error", merr, "notification_id", n.ID)
		}
		return err
	}

	if payload.AccountID == "" {
		payload.AccountID = n.AccountID
	}
	if payload.TargetDate.IsZero() {
		payload.TargetDate = n.EffectiveDate
	}

	_, err = s.coordinator.Run(ctx, &RunRequest{
		AccountID:    payload.AccountID,
		TargetDate:   payload.TargetDate,
		Properties:   payload.Properties,
		Notification: n,
		Payload:      payload,
	})
	return err
}

func nothingToDo(accountID string, targetDate time.Time, state types.RunState) error {
	return ierr.NewErrorf("no invoice generated for account %s", accountID).
		WithHintf("Nothing to invoice for target date %s", types.FormatDate(targetDate)).
		WithReportableDetails(map[string]any{
			"account_id": accountID,
			"state":      state,
		}).
		Mark(ierr.ErrNothingToDo)
}
