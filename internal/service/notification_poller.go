package service

import (
	"context"
	"time"

	"github.com/petermetz/killbill/internal/domain/notification"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/types"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"
)

// NotificationPoller claims due notifications and dispatches them to the
// invoice generation service. Notifications of one account run in effective
// date order, accounts run concurrently.
type NotificationPoller struct {
	ServiceParams
	generation InvoiceGenerationService
	limiter    *rate.Limiter
	owner      string
}

func NewNotificationPoller(params ServiceParams, generation InvoiceGenerationService) *NotificationPoller {
	limit := rate.Inf
	if params.Config.Queue.DispatchRate > 0 {
		limit = rate.Limit(params.Config.Queue.DispatchRate)
	}
	burst := params.Config.Queue.DispatchBurst
	if burst <= 0 {
		burst = 1
	}

	return &NotificationPoller{
		ServiceParams: params,
		generation:    generation,
		limiter:       rate.NewLimiter(limit, burst),
		owner:         types.GenerateUUIDWithPrefix(types.UUID_PREFIX_WORKER),
	}
}

// Run polls every queue.poll_interval until ctx is cancelled
func (p *NotificationPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Config.Queue.PollInterval)
	defer ticker.Stop()

	p.Logger.Infow("notification poller started",
		"owner", p.owner,
		"poll_interval", p.Config.Queue.PollInterval,
		"max_workers", p.Config.Queue.MaxWorkers,
	)

	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.Logger.Errorw("notification poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			p.Logger.Info("notification poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce claims one batch of due notifications, processes it and returns
// the number of claimed notifications
func (p *NotificationPoller) PollOnce(ctx context.Context) (int, error) {
	claimed, err := p.NotificationRepo.Claim(ctx, notification.ClaimRequest{
		Now:      p.Clock.Now(),
		Owner:    p.owner,
		Limit:    p.Config.Queue.BatchSize,
		ClaimTTL: p.Config.Queue.ClaimTTL,
	})
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	byAccount := lo.GroupBy(claimed, func(n *notification.Notification) string {
		return n.AccountID
	})
	accounts := lo.Uniq(lo.Map(claimed, func(n *notification.Notification, _ int) string {
		return n.AccountID
	}))

	p.Logger.Debugw("claimed notifications",
		"count", len(claimed),
		"accounts", len(accounts),
	)

	workers := pool.New().WithMaxGoroutines(lo.Max([]int{p.Config.Queue.MaxWorkers, 1}))
	for i, accountID := range accounts {
		if err := p.limiter.Wait(ctx); err != nil {
			for _, pending := range accounts[i:] {
				p.requeue(context.WithoutCancel(ctx), byAccount[pending], p.Clock.Now())
			}
			break
		}
		batch := byAccount[accountID]
		workers.Go(func() {
			p.processAccount(ctx, batch)
		})
	}
	workers.Wait()

	return len(claimed), nil
}

func (p *NotificationPoller) processAccount(ctx context.Context, batch []*notification.Notification) {
	for i, n := range batch {
		if ctx.Err() != nil {
			p.requeue(context.WithoutCancel(ctx), batch[i:], p.Clock.Now())
			return
		}

		err := p.generation.ProcessNotification(ctx, n)
		if err == nil {
			continue
		}
		if ierr.IsLeaseUnavailable(err) {
			p.requeue(ctx, batch[i:], p.Clock.Now().Add(p.Config.Invoice.BusyRequeueDelay))
			return
		}
		p.Logger.Debugw("notification processing failed",
			"error", err,
			"notification_id", n.ID,
			"account_id", n.AccountID,
		)
	}
}

// requeue hands claimed notifications back to the queue at the given time
func (p *NotificationPoller) requeue(ctx context.Context, batch []*notification.Notification, at time.Time) {
	for _, n := range batch {
		effective := n.EffectiveDate
		if at.After(effective) {
			effective = at
		}
		if err := p.NotificationRepo.Release(ctx, n.ID, effective); err != nil {
			p.Logger.Errorw("failed to release notification",
				"error", err,
				"notification_id", n.ID,
			)
		}
	}
}
