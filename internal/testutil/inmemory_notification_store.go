package testutil

import (
	"context"
	"sort"
	"time"

	"github.com/petermetz/killbill/internal/domain/notification"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/types"
	"github.com/samber/lo"
)

// InMemoryNotificationStore implements notification.Repository
type InMemoryNotificationStore struct {
	*InMemoryStore[*notification.Notification]
}

var _ notification.Repository = (*InMemoryNotificationStore)(nil)

func NewInMemoryNotificationStore() *InMemoryNotificationStore {
	return &InMemoryNotificationStore{
		InMemoryStore: NewInMemoryStore(copyNotification),
	}
}

func copyNotification(n *notification.Notification) *notification.Notification {
	if n == nil {
		return nil
	}
	c := *n
	c.Payload = append(notification.Payload(nil), n.Payload...)
	if n.ProcessingOwner != nil {
		c.ProcessingOwner = lo.ToPtr(*n.ProcessingOwner)
	}
	if n.ProcessingDeadline != nil {
		c.ProcessingDeadline = lo.ToPtr(*n.ProcessingDeadline)
	}
	if n.LastError != nil {
		c.LastError = lo.ToPtr(*n.LastError)
	}
	if n.ProcessedAt != nil {
		c.ProcessedAt = lo.ToPtr(*n.ProcessedAt)
	}
	return &c
}

func isLive(n *notification.Notification) bool {
	return n.Status == types.NotificationStatusPending || n.Status == types.NotificationStatusProcessing
}

func (s *InMemoryNotificationStore) InsertIfAbsent(ctx context.Context, n *notification.Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.items {
		if isLive(existing) &&
			existing.QueueName == n.QueueName &&
			existing.AccountID == n.AccountID &&
			existing.WindowKey == n.WindowKey {
			return false, nil
		}
	}
	if _, ok := s.items[n.ID]; ok {
		return false, ierr.NewErrorf("notification %s already exists", n.ID).Mark(ierr.ErrAlreadyExists)
	}
	s.items[n.ID] = copyNotification(n)
	return true, nil
}

func (s *InMemoryNotificationStore) Replace(ctx context.Context, n *notification.Notification) error {
	if _, err := s.RemovePending(ctx, n.QueueName, n.AccountID); err != nil {
		return err
	}
	inserted, err := s.InsertIfAbsent(ctx, n)
	if err != nil {
		return err
	}
	if !inserted {
		return ierr.NewError("notification window is still being processed").
			Mark(ierr.ErrAlreadyExists)
	}
	return nil
}

func (s *InMemoryNotificationStore) Claim(ctx context.Context, req notification.ClaimRequest) ([]*notification.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := lo.Filter(lo.Values(s.items), func(n *notification.Notification, _ int) bool {
		return n.IsClaimable(req.Now)
	})
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].EffectiveDate.Equal(due[j].EffectiveDate) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].EffectiveDate.Before(due[j].EffectiveDate)
	})
	if req.Limit > 0 && len(due) > req.Limit {
		due = due[:req.Limit]
	}

	deadline := req.Now.Add(req.ClaimTTL)
	claimed := make([]*notification.Notification, 0, len(due))
	for _, n := range due {
		n.Status = types.NotificationStatusProcessing
		n.ProcessingOwner = lo.ToPtr(req.Owner)
		n.ProcessingDeadline = lo.ToPtr(deadline)
		n.Attempts++
		claimed = append(claimed, copyNotification(n))
	}
	return claimed, nil
}

func (s *InMemoryNotificationStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	return s.consume(id, func(n *notification.Notification) {
		n.Status = types.NotificationStatusProcessed
		n.ProcessedAt = lo.ToPtr(at)
	})
}

func (s *InMemoryNotificationStore) MarkFailed(ctx context.Context, id string, at time.Time, reason string) error {
	return s.consume(id, func(n *notification.Notification) {
		n.Status = types.NotificationStatusFailed
		n.ProcessedAt = lo.ToPtr(at)
		n.LastError = lo.ToPtr(reason)
	})
}

func (s *InMemoryNotificationStore) consume(id string, apply func(n *notification.Notification)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.items[id]
	if !ok || !isLive(n) {
		return ierr.NewErrorf("notification %s is no longer pending", id).
			WithHint("The notification was already consumed").
			Mark(ierr.ErrNotFound)
	}
	apply(n)
	n.ProcessingOwner = nil
	n.ProcessingDeadline = nil
	return nil
}

// Release fails on a cancelled context the way a database call does
func (s *InMemoryNotificationStore) Release(ctx context.Context, id string, effective time.Time) error {
	if err := ctx.Err(); err != nil {
		return ierr.WithError(err).
			WithHint("Notification release was cancelled").
			Mark(ierr.ErrDatabase)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.items[id]; ok && n.Status == types.NotificationStatusProcessing {
		n.Status = types.NotificationStatusPending
		n.EffectiveDate = effective
		n.ProcessingOwner = nil
		n.ProcessingDeadline = nil
	}
	return nil
}

func (s *InMemoryNotificationStore) RemovePending(ctx context.Context, queue types.NotificationQueue, accountID string) (int, error) {
	removed := s.Mutate(func(_ string, n *notification.Notification) (*notification.Notification, bool) {
		if n.QueueName != queue || n.AccountID != accountID || n.Status != types.NotificationStatusPending {
			return n, false
		}
		n.Status = types.NotificationStatusRemoved
		return n, true
	})
	return removed, nil
}

func (s *InMemoryNotificationStore) RemoveByID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.items[id]; ok && n.Status == types.NotificationStatusPending {
		n.Status = types.NotificationStatusRemoved
	}
	return nil
}

func (s *InMemoryNotificationStore) ListPending(ctx context.Context, queue types.NotificationQueue, accountID string) ([]*notification.Notification, error) {
	return s.listPending(ctx, func(n *notification.Notification) bool {
		return n.QueueName == queue && n.AccountID == accountID
	})
}

func (s *InMemoryNotificationStore) ListPendingByTenant(ctx context.Context, queue types.NotificationQueue, tenantID string) ([]*notification.Notification, error) {
	return s.listPending(ctx, func(n *notification.Notification) bool {
		return n.QueueName == queue && n.TenantID == tenantID
	})
}

func (s *InMemoryNotificationStore) listPending(ctx context.Context, match func(n *notification.Notification) bool) ([]*notification.Notification, error) {
	return s.List(ctx, nil,
		func(_ context.Context, n *notification.Notification, _ interface{}) bool {
			return n.Status == types.NotificationStatusPending && match(n)
		},
		func(a, b *notification.Notification) bool {
			return a.EffectiveDate.Before(b.EffectiveDate)
		},
	)
}

// ListAll returns every notification of an account whatever its status,
// oldest first
func (s *InMemoryNotificationStore) ListAll(ctx context.Context, accountID string) []*notification.Notification {
	out, _ := s.List(ctx, nil,
		func(_ context.Context, n *notification.Notification, _ interface{}) bool {
			return n.AccountID == accountID
		},
		func(a, b *notification.Notification) bool {
			return a.CreatedAt.Before(b.CreatedAt)
		},
	)
	return out
}
