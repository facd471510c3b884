package types

import (
	"fmt"
	"time"
)

// NotificationQueue names a durable notification stream
type NotificationQueue string

const (
	// QueueNextBillingDate carries the next scheduled invoice run of an account
	QueueNextBillingDate NotificationQueue = "invoice-next-billing-date"
	// QueueInvoiceRetry carries runs that failed with a retryable plugin error
	QueueInvoiceRetry NotificationQueue = "invoice-retry"
)

func (q NotificationQueue) String() string {
	return string(q)
}

// NotificationStatus is the delivery status of a scheduled notification
type NotificationStatus string

const (
	NotificationStatusPending    NotificationStatus = "pending"
	NotificationStatusProcessing NotificationStatus = "processing"
	NotificationStatusProcessed  NotificationStatus = "processed"
	NotificationStatusFailed     NotificationStatus = "failed"
	NotificationStatusRemoved    NotificationStatus = "removed"
)

func (s NotificationStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the notification will never be delivered again
func (s NotificationStatus) IsTerminal() bool {
	return s == NotificationStatusProcessed || s == NotificationStatusFailed || s == NotificationStatusRemoved
}

// NotificationWindowKey buckets an effective time into the window used for
// the insert-if-absent uniqueness check.
func NotificationWindowKey(effective time.Time, window time.Duration) string {
	if window <= 0 {
		return effective.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%d", effective.UTC().Truncate(window).Unix())
}
