package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/petermetz/killbill/internal/domain/billing"
	"github.com/petermetz/killbill/internal/domain/events"
	"github.com/petermetz/killbill/internal/domain/invoice"
	"github.com/petermetz/killbill/internal/domain/lease"
	"github.com/petermetz/killbill/internal/domain/notification"
	pluginDomain "github.com/petermetz/killbill/internal/domain/plugin"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/idempotency"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/plugin"
	"github.com/petermetz/killbill/internal/types"
	"github.com/petermetz/killbill/internal/validator"
	"github.com/samber/lo"
)

// RunRequest describes one invoice run. Notification is set for runs
// delivered by the notification queue and nil for synchronous triggers.
type RunRequest struct {
	AccountID  string                 `validate:"required"`
	TargetDate time.Time
	Properties types.PluginProperties `validate:"dive"`
	DryRun     *types.DryRunArguments

	Notification *notification.Notification
	Payload      *notification.RunPayload
}

func (r *RunRequest) IsDryRun() bool {
	return r.DryRun != nil
}

func (r *RunRequest) isQueueDriven() bool {
	return r.Notification != nil
}

func (r *RunRequest) isRetry() bool {
	return r.Notification != nil && r.Notification.QueueName == types.QueueInvoiceRetry
}

// RunResult is the outcome of a run
type RunResult struct {
	RunID string
	State types.RunState
	// Invoices are the invoices of the run, for dry runs the preview
	Invoices []*invoice.Invoice
	// Created is the subset of Invoices persisted by this run
	Created []*invoice.Invoice
	// Draft is the merged invoice before grouping
	Draft          *invoice.Invoice
	RescheduleDate *time.Time
	RetryAt        *time.Time
}

// RunCoordinator drives an invoice run through the plugin lifecycle and
// commits its outcome together with the notification queue changes
type RunCoordinator struct {
	ServiceParams
	assembler *InvoiceAssembler
	retry     RetryPolicy
	idempGen  *idempotency.Generator
}

func NewRunCoordinator(params ServiceParams) *RunCoordinator {
	return &RunCoordinator{
		ServiceParams: params,
		assembler:     NewInvoiceAssembler(params.EventSource, params.Logger),
		retry:         NewRetryPolicy(params.Config.Retry),
		idempGen:      idempotency.NewGenerator(),
	}
}

// run is the mutable state of one Run call
type run struct {
	id      string
	req     *RunRequest
	state   types.RunState
	now     time.Time
	account *billing.Account
	session *plugin.Session
	prior   []*invoice.Invoice
	log     *logger.Logger
	result  *RunResult
}

func (r *run) retryCount() int {
	if r.req.Payload == nil {
		return 0
	}
	return r.req.Payload.RetryCount
}

func (r *run) isRescheduled() bool {
	return r.req.Payload != nil && r.req.Payload.IsRescheduled
}

func (r *run) invoiceContext(inv *invoice.Invoice) *pluginDomain.InvoiceContext {
	return &pluginDomain.InvoiceContext{
		AccountID:     r.req.AccountID,
		TenantID:      r.account.TenantID,
		TargetDate:    r.req.TargetDate,
		IsDryRun:      r.req.IsDryRun(),
		IsRescheduled: r.isRescheduled(),
		RetryCount:    r.retryCount(),
		Invoice:       inv,
	}
}

func (c *RunCoordinator) transition(r *run, next types.RunState) error {
	if err := r.state.ValidateTransition(next); err != nil {
		return err
	}
	r.log.Debugw("invoice run state change", "from", r.state, "to", next)
	c.Sentry.AddBreadcrumb("invoice_run", fmt.Sprintf("%s -> %s", r.state, next), map[string]interface{}{
		"run_id":     r.id,
		"account_id": r.req.AccountID,
	})
	r.state = next
	r.result.State = next
	return nil
}

// Run executes one invoice run. Retryable failures of queue-driven runs are
// absorbed once the retry notification is stored.
func (c *RunCoordinator) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	runID := types.GenerateUUIDWithPrefix(types.UUID_PREFIX_RUN)
	ctx = types.WithRunScope(ctx, req.AccountID, runID)

	r := &run{
		id:     runID,
		req:    req,
		state:  types.RunStateIdle,
		now:    c.Clock.Now().UTC(),
		log:    c.Logger.With("account_id", req.AccountID, "run_id", runID),
		result: &RunResult{RunID: runID, State: types.RunStateIdle},
	}

	if !req.IsDryRun() {
		release, err := c.acquireLease(ctx, r)
		if err != nil {
			return r.result, err
		}
		defer release()
	}

	currentDate := r.now
	if req.IsDryRun() && !req.DryRun.CurrentDate.IsZero() {
		currentDate = req.DryRun.CurrentDate
	}
	r.session = c.PluginGateway.Begin(plugin.RunOptions{
		Properties:  req.Properties,
		IsDryRun:    req.IsDryRun(),
		CurrentDate: currentDate,
		TargetDate:  req.TargetDate,
	})

	account, err := c.AccountProvider.GetAccount(ctx, req.AccountID)
	if err != nil {
		r.account = &billing.Account{ID: req.AccountID, TenantID: types.GetTenantID(ctx)}
		return r.result, c.fail(ctx, r, err)
	}
	r.account = c.normalizeAccount(ctx, account)
	ctx = types.SetTenantID(ctx, r.account.TenantID)

	r.prior, err = c.InvoiceRepo.ListByAccount(ctx, req.AccountID)
	if err != nil {
		return r.result, c.fail(ctx, r, err)
	}

	if req.isRetry() && c.isStaleRetry(r) {
		return c.dropStaleRetry(ctx, r)
	}

	if err := c.transition(r, types.RunStatePriorCall); err != nil {
		return r.result, c.fail(ctx, r, err)
	}
	if err := c.renewLease(ctx, r); err != nil {
		return c.leaseLost(ctx, r, err)
	}
	prior, err := r.session.PriorCall(ctx, r.invoiceContext(nil))
	if err != nil {
		return r.result, c.fail(ctx, r, err)
	}

	switch {
	case prior.IsAborted:
		return c.abort(ctx, r)
	case prior.RescheduleDate != nil:
		return c.reschedule(ctx, r, prior.RescheduleDate.UTC())
	}

	if err := c.transition(r, types.RunStateItemComputation); err != nil {
		return r.result, c.fail(ctx, r, err)
	}
	if err := c.renewLease(ctx, r); err != nil {
		return c.leaseLost(ctx, r, err)
	}
	asm, err := c.computeItems(ctx, r)
	if err != nil {
		if ierr.IsPluginRetryable(err) {
			return c.scheduleRetry(ctx, r, err)
		}
		return r.result, c.fail(ctx, r, err)
	}
	r.result.Draft = asm.Draft

	if !asm.Draft.HasItems() {
		return c.nothingToDo(ctx, r, asm)
	}

	if err := c.transition(r, types.RunStateGrouping); err != nil {
		return r.result, c.fail(ctx, r, err)
	}
	if err := c.renewLease(ctx, r); err != nil {
		return c.leaseLost(ctx, r, err)
	}
	grouping, err := r.session.Grouping(ctx, asm.Draft)
	if err != nil {
		return r.result, c.fail(ctx, r, err)
	}
	invoices := SplitInvoice(asm.Draft, grouping, r.log)

	if req.IsDryRun() {
		for _, inv := range invoices {
			inv.IsDryRun = true
		}
		asm.Draft.IsDryRun = true
		r.result.Invoices = invoices
		return r.result, nil
	}

	if err := c.renewLease(ctx, r); err != nil {
		return c.leaseLost(ctx, r, err)
	}
	return c.persist(ctx, r, asm, invoices)
}

func (r *RunRequest) Validate() error {
	if err := validator.ValidateRequest(r); err != nil {
		return err
	}
	if r.TargetDate.IsZero() {
		return ierr.NewError("target_date is required").
			WithHint("Please provide the invoice target date").
			Mark(ierr.ErrValidation)
	}
	if r.DryRun != nil {
		if err := r.DryRun.Mode.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *RunCoordinator) normalizeAccount(ctx context.Context, account *billing.Account) *billing.Account {
	cp := *account
	if cp.TenantID == "" {
		cp.TenantID = types.GetTenantID(ctx)
	}
	if cp.Currency == "" {
		cp.Currency = c.Config.Invoice.DefaultCurrency
	}
	return &cp
}

// acquireLease takes the account lease. Queue-driven runs try once, the
// poller requeues them when the account is busy; synchronous triggers wait
// up to invoice.lease_wait.
func (c *RunCoordinator) acquireLease(ctx context.Context, r *run) (func(), error) {
	key := lease.AccountKey(r.req.AccountID)
	errBusy := ierr.NewErrorf("account %s is locked by another invoice run", r.req.AccountID).
		WithHint("An invoice run for this account is already in progress").
		Mark(ierr.ErrLeaseUnavailable)

	acquire := func() error {
		ok, err := c.LeaseRepo.Acquire(ctx, key, r.id, c.Clock.Now(), c.Config.Invoice.LeaseTTL)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errBusy
		}
		return nil
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if !r.req.isQueueDriven() && c.Config.Invoice.LeaseWait > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 25 * time.Millisecond
		eb.MaxInterval = time.Second
		eb.MaxElapsedTime = c.Config.Invoice.LeaseWait
		b = eb
	}

	if err := backoff.Retry(acquire, backoff.WithContext(b, ctx)); err != nil {
		if ierr.IsLeaseUnavailable(err) {
			r.log.Infow("account lease busy, skipping invoice run")
		}
		return nil, err
	}

	return func() {
		if err := c.LeaseRepo.Release(context.WithoutCancel(ctx), key, r.id); err != nil {
			r.log.Warnw("failed to release account lease", "error", err)
		}
	}, nil
}

// renewLease extends the account lease held by the run. Dry runs hold no
// lease.
func (c *RunCoordinator) renewLease(ctx context.Context, r *run) error {
	if r.req.IsDryRun() {
		return nil
	}
	ok, err := c.LeaseRepo.Acquire(ctx, lease.AccountKey(r.req.AccountID), r.id, c.Clock.Now(), c.Config.Invoice.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return ierr.NewErrorf("account %s lease expired during the invoice run", r.req.AccountID).
			WithHint("Another invoice run took over the account").
			Mark(ierr.ErrLeaseUnavailable)
	}
	return nil
}

// leaseLost ends a run whose lease could not be renewed. A lost lease leaves
// the notification to the poller, which requeues busy accounts.
func (c *RunCoordinator) leaseLost(ctx context.Context, r *run, err error) (*RunResult, error) {
	if !ierr.IsLeaseUnavailable(err) {
		return r.result, c.fail(ctx, r, err)
	}
	r.log.Warnw("account lease lost, abandoning invoice run",
		"error", err,
		"state", r.state,
	)
	return r.result, err
}

// isStaleRetry reports whether a newer invoice was committed since the retry
// was scheduled
func (c *RunCoordinator) isStaleRetry(r *run) bool {
	var latest time.Time
	for _, inv := range r.prior {
		if inv.Status == types.InvoiceStatusCommitted && inv.TargetDate.After(latest) {
			latest = inv.TargetDate
		}
	}
	return r.req.TargetDate.Before(latest)
}

func (c *RunCoordinator) dropStaleRetry(ctx context.Context, r *run) (*RunResult, error) {
	r.log.Infow("dropping stale invoice retry",
		"target_date", r.req.TargetDate,
		"retry_count", r.retryCount(),
	)
	if err := c.transition(r, types.RunStateNothingToDo); err != nil {
		return r.result, c.fail(ctx, r, err)
	}
	if err := c.consumeNotification(ctx, r); err != nil && !ierr.IsNotFound(err) {
		return r.result, err
	}
	return r.result, nil
}

func (c *RunCoordinator) abort(ctx context.Context, r *run) (*RunResult, error) {
	if err := c.transition(r, types.RunStateAborted); err != nil {
		return r.result, c.fail(ctx, r, err)
	}
	r.log.Infow("invoice run aborted by plugin", "target_date", r.req.TargetDate)

	if r.req.IsDryRun() {
		return r.result, nil
	}
	if err := c.consumeNotification(ctx, r); err != nil && !ierr.IsNotFound(err) {
		return r.result, err
	}
	return r.result, nil
}

func (c *RunCoordinator) reschedule(ctx context.Context, r *run, at time.Time) (*RunResult, error) {
	if err := c.transition(r, types.RunStateRescheduled); err != nil {
		return r.result, c.fail(ctx, r, err)
	}
	r.result.RescheduleDate = &at
	r.log.Infow("invoice run rescheduled by plugin", "reschedule_date", at)

	if r.req.IsDryRun() {
		return r.result, nil
	}

	err := c.DB.WithTx(ctx, func(ctx context.Context) error {
		if err := c.consumeNotification(ctx, r); err != nil {
			return err
		}
		n, err := notification.New(r.account.TenantID, types.QueueNextBillingDate, at, c.Config.Invoice.NotificationWindow,
			&notification.RunPayload{
				AccountID:     r.req.AccountID,
				TargetDate:    at,
				Properties:    r.req.Properties,
				IsRescheduled: true,
			}, r.now)
		if err != nil {
			return ierr.WithError(err).Mark(ierr.ErrInternal)
		}
		inserted, err := c.NotificationRepo.InsertIfAbsent(ctx, n)
		if err != nil {
			return err
		}
		if !inserted {
			r.log.Debugw("reschedule notification already present", "reschedule_date", at)
		}
		return nil
	})
	if ierr.IsNotFound(err) {
		r.log.Infow("notification already consumed, dropping duplicate reschedule")
		return r.result, nil
	}
	return r.result, err
}

func (c *RunCoordinator) computeItems(ctx context.Context, r *run) (*Assembly, error) {
	asm, err := c.assembler.BuildDraft(ctx, r.account, r.req.TargetDate, r.prior, r.now)
	if err != nil {
		return nil, err
	}

	items, err := r.session.AdditionalItems(ctx, asm.Draft, asm.KnownItem)
	if err != nil {
		return nil, err
	}
	c.assembler.Merge(asm, items, r.now)

	if err := c.assembler.Finalize(asm); err != nil {
		return nil, err
	}
	return asm, nil
}

func (c *RunCoordinator) nothingToDo(ctx context.Context, r *run, asm *Assembly) (*RunResult, error) {
	if err := c.transition(r, types.RunStateNothingToDo); err != nil {
		return r.result, c.fail(ctx, r, err)
	}
	if r.req.IsDryRun() {
		return r.result, nil
	}

	next, err := c.nextBillingDate(ctx, r)
	if err != nil {
		return r.result, c.fail(ctx, r, err)
	}

	err = c.DB.WithTx(ctx, func(ctx context.Context) error {
		if err := c.applyPriorChanges(ctx, asm); err != nil {
			return err
		}
		return c.completeRun(ctx, r, next)
	})
	if ierr.IsNotFound(err) {
		r.log.Infow("notification already consumed, dropping duplicate run")
		return r.result, nil
	}
	if err != nil {
		return r.result, c.fail(ctx, r, err)
	}

	r.log.Infow("invoice run produced no invoice", "target_date", r.req.TargetDate)
	r.session.OnSuccess(ctx, r.invoiceContext(nil))
	c.afterCommit(ctx, r, asm, nil)
	return r.result, nil
}

func (c *RunCoordinator) persist(ctx context.Context, r *run, asm *Assembly, invoices []*invoice.Invoice) (*RunResult, error) {
	next, err := c.nextBillingDate(ctx, r)
	if err != nil {
		return r.result, c.fail(ctx, r, err)
	}

	var persisted, created []*invoice.Invoice
	err = c.DB.WithTx(ctx, func(ctx context.Context) error {
		persisted, created = nil, nil
		for _, inv := range invoices {
			key := c.idempotencyKey(inv)
			existing, err := c.InvoiceRepo.GetByIdempotencyKey(ctx, key)
			if err == nil {
				r.log.Infow("invoice already persisted, skipping",
					"invoice_id", existing.ID,
					"idempotency_key", key,
				)
				persisted = append(persisted, existing)
				continue
			}
			if !ierr.IsNotFound(err) {
				return err
			}

			inv.IdempotencyKey = lo.ToPtr(key)
			inv.InvoiceNumber = types.GenerateShortIDWithPrefix(types.SHORT_ID_PREFIX_INVOICE_NUMBER)
			inv.Status = types.InvoiceStatusCommitted
			if err := c.InvoiceRepo.Create(ctx, inv); err != nil {
				return err
			}
			persisted = append(persisted, inv)
			created = append(created, inv)
		}

		if err := c.applyPriorChanges(ctx, asm); err != nil {
			return err
		}
		return c.completeRun(ctx, r, next)
	})
	if ierr.IsNotFound(err) {
		r.log.Infow("notification already consumed, dropping duplicate run")
		if terr := c.transition(r, types.RunStateNothingToDo); terr != nil {
			return r.result, c.fail(ctx, r, terr)
		}
		return r.result, nil
	}
	if err != nil {
		return r.result, c.fail(ctx, r, err)
	}

	if err := c.transition(r, types.RunStatePersisted); err != nil {
		return r.result, c.fail(ctx, r, err)
	}
	r.result.Invoices = persisted
	r.result.Created = created

	r.log.Infow("invoice run persisted",
		"target_date", r.req.TargetDate,
		"invoices", len(created),
		"duplicates", len(persisted)-len(created),
	)

	for _, inv := range created {
		r.session.OnSuccess(ctx, r.invoiceContext(inv))
	}
	c.afterCommit(ctx, r, asm, created)
	return r.result, nil
}

func (c *RunCoordinator) applyPriorChanges(ctx context.Context, asm *Assembly) error {
	for _, item := range asm.PriorUpdates {
		if err := c.InvoiceRepo.UpdateItem(ctx, item); err != nil {
			return err
		}
	}
	for _, item := range asm.PriorAdditions {
		if err := c.InvoiceRepo.AddItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// completeRun consumes the notification, clears retries made obsolete by
// this run and schedules the next billing date
func (c *RunCoordinator) completeRun(ctx context.Context, r *run, next *time.Time) error {
	if err := c.consumeNotification(ctx, r); err != nil {
		return err
	}

	retries, err := c.NotificationRepo.ListPending(ctx, types.QueueInvoiceRetry, r.req.AccountID)
	if err != nil {
		return err
	}
	for _, n := range retries {
		payload, err := n.DecodePayload()
		if err != nil || !payload.TargetDate.After(r.req.TargetDate) {
			if err := c.NotificationRepo.RemoveByID(ctx, n.ID); err != nil {
				return err
			}
		}
	}

	if next == nil {
		return nil
	}
	n, err := notification.New(r.account.TenantID, types.QueueNextBillingDate, *next, c.Config.Invoice.NotificationWindow,
		&notification.RunPayload{
			AccountID:  r.req.AccountID,
			TargetDate: *next,
		}, r.now)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrInternal)
	}
	_, err = c.NotificationRepo.InsertIfAbsent(ctx, n)
	return err
}

func (c *RunCoordinator) nextBillingDate(ctx context.Context, r *run) (*time.Time, error) {
	next, err := c.EventSource.NextChargeDate(ctx, r.req.AccountID, r.req.TargetDate)
	if err != nil {
		return nil, ierr.WithError(err).
			WithMessage("failed to compute next billing date").
			Mark(ierr.ErrSystem)
	}
	return next, nil
}

func (c *RunCoordinator) consumeNotification(ctx context.Context, r *run) error {
	if !r.req.isQueueDriven() {
		return nil
	}
	return c.NotificationRepo.MarkProcessed(ctx, r.req.Notification.ID, r.now)
}

// afterCommit publishes the invoice events and rebalances credit
func (c *RunCoordinator) afterCommit(ctx context.Context, r *run, asm *Assembly, created []*invoice.Invoice) {
	publish := func(name types.InvoiceEventName, inv *invoice.Invoice) {
		event := events.NewInvoiceEvent(name, inv, r.id, r.now)
		if err := c.EventPublisher.Publish(ctx, event); err != nil {
			r.log.Errorw("failed to publish invoice event",
				"error", err,
				"event_name", name,
				"invoice_id", inv.ID,
			)
		}
	}

	for _, inv := range created {
		publish(types.InvoiceEventCreated, inv)
		if inv.Amount.IsPositive() {
			publish(types.InvoiceEventPaymentRequested, inv)
		}
	}

	adjusted := asm.AdjustedInvoiceIDs()
	for _, inv := range asm.PriorInvoices {
		if lo.Contains(adjusted, inv.ID) {
			publish(types.InvoiceEventAdjusted, inv)
		}
	}

	if !asm.AdjustmentAdded {
		return
	}
	ids := append(adjusted, lo.Map(created, func(inv *invoice.Invoice, _ int) string { return inv.ID })...)
	if err := c.CreditRebalancer.Rebalance(ctx, r.req.AccountID, lo.Uniq(ids)); err != nil {
		r.log.Errorw("failed to rebalance account credit", "error", err, "invoice_ids", ids)
	}
}

// scheduleRetry moves the run to the retry lane
func (c *RunCoordinator) scheduleRetry(ctx context.Context, r *run, cause error) (*RunResult, error) {
	if r.req.IsDryRun() {
		return r.result, cause
	}

	retryCount := r.retryCount() + 1
	if max := c.Config.Retry.MaxAttempts; max > 0 && retryCount > max {
		return r.result, c.fail(ctx, r, ierr.WithError(cause).
			WithMessagef("invoice run gave up after %d retries", r.retryCount()).
			WithHintf("Invoice plugin kept failing after %d attempts", max).
			Mark(ierr.ErrRetryExhausted))
	}

	original := r.now
	switch {
	case r.req.Payload != nil && !r.req.Payload.OriginalEffectiveDate.IsZero():
		original = r.req.Payload.OriginalEffectiveDate
	case r.req.Notification != nil:
		original = r.req.Notification.EffectiveDate
	}
	at := c.retry.NextAttempt(r.now, original, retryCount)

	err := c.DB.WithTx(ctx, func(ctx context.Context) error {
		if err := c.consumeNotification(ctx, r); err != nil {
			return err
		}
		n, err := notification.New(r.account.TenantID, types.QueueInvoiceRetry, at, 0,
			&notification.RunPayload{
				AccountID:             r.req.AccountID,
				TargetDate:            r.req.TargetDate,
				Properties:            r.req.Properties,
				RetryCount:            retryCount,
				OriginalEffectiveDate: original,
			}, r.now)
		if err != nil {
			return ierr.WithError(err).Mark(ierr.ErrInternal)
		}
		return c.NotificationRepo.Replace(ctx, n)
	})
	if ierr.IsNotFound(err) {
		r.log.Infow("notification already consumed, dropping duplicate retry")
		return r.result, nil
	}
	if err != nil {
		return r.result, c.fail(ctx, r, err)
	}

	if terr := c.transition(r, types.RunStateFailed); terr != nil {
		return r.result, c.fail(ctx, r, terr)
	}
	r.result.RetryAt = &at
	r.log.Warnw("invoice run failed, retry scheduled",
		"error", cause,
		"retry_count", retryCount,
		"retry_at", at,
	)

	if r.req.isQueueDriven() {
		return r.result, nil
	}
	return r.result, cause
}

// fail ends the run on a fatal error
func (c *RunCoordinator) fail(ctx context.Context, r *run, err error) error {
	if r.state.CanTransitionTo(types.RunStateFailed) {
		r.state = types.RunStateFailed
		r.result.State = types.RunStateFailed
	}

	if !r.req.IsDryRun() && r.session != nil {
		ictx := r.invoiceContext(nil)
		ictx.Err = err
		r.session.OnFailure(ctx, ictx)
	}

	if r.req.isQueueDriven() {
		if merr := c.NotificationRepo.MarkFailed(context.WithoutCancel(ctx), r.req.Notification.ID, c.Clock.Now(), err.Error()); merr != nil && !ierr.IsNotFound(merr) {
			r.log.Errorw("failed to mark notification failed", "error", merr, "notification_id", r.req.Notification.ID)
		}
	}

	c.Sentry.CaptureRunFailure(err, r.req.AccountID, r.id, r.retryCount())
	r.log.Errorw("invoice run failed",
		"error", err,
		"target_date", r.req.TargetDate,
		"retry_count", r.retryCount(),
	)
	return err
}

// idempotencyKey identifies the content of an invoice. Generated item ids
// change on every run and are left out, ids chosen by a plugin are part of
// the content.
func (c *RunCoordinator) idempotencyKey(inv *invoice.Invoice) string {
	descriptors := lo.Map(inv.Items, func(item *invoice.InvoiceItem, _ int) string {
		end := ""
		if item.EndDate != nil {
			end = item.EndDate.UTC().Format(time.RFC3339)
		}
		return strings.Join([]string{
			string(item.Type),
			lo.FromPtr(item.SubscriptionID),
			item.StartDate.UTC().Format(time.RFC3339),
			end,
			item.Amount.String(),
			item.Description,
			lo.Ternary(item.IDFromPlugin, item.ID, ""),
		}, "|")
	})
	sort.Strings(descriptors)

	return c.idempGen.GenerateKey(idempotency.ScopeInvoiceRun, map[string]interface{}{
		"account_id":  inv.AccountID,
		"target_date": types.FormatDate(inv.TargetDate),
		"group":       lo.FromPtr(inv.GroupingKey),
		"items":       strings.Join(descriptors, ";"),
	})
}
