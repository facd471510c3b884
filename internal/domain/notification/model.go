package notification

import (
	"database/sql/driver"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/petermetz/killbill/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Notification is a durable, time scheduled trigger for an invoice run
type Notification struct {
	ID                 string                   `db:"id" json:"id"`
	TenantID           string                   `db:"tenant_id" json:"tenant_id"`
	QueueName          types.NotificationQueue  `db:"queue_name" json:"queue_name"`
	AccountID          string                   `db:"account_id" json:"account_id"`
	EffectiveDate      time.Time                `db:"effective_date" json:"effective_date"`
	WindowKey          string                   `db:"window_key" json:"window_key"`
	Payload            Payload                  `db:"payload" json:"payload"`
	Status             types.NotificationStatus `db:"status" json:"status"`
	ProcessingOwner    *string                  `db:"processing_owner" json:"processing_owner,omitempty"`
	ProcessingDeadline *time.Time               `db:"processing_deadline" json:"processing_deadline,omitempty"`
	Attempts           int                      `db:"attempts" json:"attempts"`
	LastError          *string                  `db:"last_error" json:"last_error,omitempty"`
	CreatedAt          time.Time                `db:"created_at" json:"created_at"`
	ProcessedAt        *time.Time               `db:"processed_at" json:"processed_at,omitempty"`
}

// IsDue reports whether the notification may be delivered at now
func (n *Notification) IsDue(now time.Time) bool {
	return !n.EffectiveDate.After(now)
}

// IsClaimable reports whether a poller may pick the notification up at now.
// Processing rows whose claim expired are handed out again.
func (n *Notification) IsClaimable(now time.Time) bool {
	if !n.IsDue(now) {
		return false
	}
	switch n.Status {
	case types.NotificationStatusPending:
		return true
	case types.NotificationStatusProcessing:
		return n.ProcessingDeadline != nil && n.ProcessingDeadline.Before(now)
	default:
		return false
	}
}

// Payload is the raw JSON body of a notification
type Payload []byte

// Value stores the payload as text so it can be cast to jsonb
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	return string(p), nil
}

// Scan copies the payload out of the driver buffer
func (p *Payload) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case []byte:
		*p = append(Payload(nil), v...)
	case string:
		*p = Payload(v)
	default:
		return fmt.Errorf("unsupported payload type %T", src)
	}
	return nil
}

// MarshalJSON embeds the payload as is
func (p Payload) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON keeps a copy of the raw payload
func (p *Payload) UnmarshalJSON(data []byte) error {
	*p = append(Payload(nil), data...)
	return nil
}

// RunPayload is the payload of both invoice queues
type RunPayload struct {
	AccountID     string                 `json:"account_id"`
	TargetDate    time.Time              `json:"target_date"`
	Properties    types.PluginProperties `json:"properties,omitempty"`
	IsRescheduled bool                   `json:"is_rescheduled"`
	// RetryCount is the number of failed attempts before this delivery
	RetryCount int `json:"retry_count"`
	// OriginalEffectiveDate is when the first attempt of the cycle was due
	OriginalEffectiveDate time.Time `json:"original_effective_date"`
}

// DecodePayload reads the run payload of n
func (n *Notification) DecodePayload() (*RunPayload, error) {
	var p RunPayload
	if err := json.Unmarshal(n.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// New builds a pending notification for the given queue
func New(tenantID string, queue types.NotificationQueue, effective time.Time, window time.Duration, payload *RunPayload, now time.Time) (*Notification, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Notification{
		ID:            types.GenerateUUIDWithPrefix(types.UUID_PREFIX_NOTIFICATION),
		TenantID:      tenantID,
		QueueName:     queue,
		AccountID:     payload.AccountID,
		EffectiveDate: effective.UTC(),
		WindowKey:     types.NotificationWindowKey(effective, window),
		Payload:       raw,
		Status:        types.NotificationStatusPending,
		CreatedAt:     now,
	}, nil
}
