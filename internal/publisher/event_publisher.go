package publisher

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	jsoniter "github.com/json-iterator/go"
	"github.com/petermetz/killbill/internal/config"
	"github.com/petermetz/killbill/internal/domain/events"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/pubsub"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventPublisher publishes invoice events on the bus
type EventPublisher interface {
	Publish(ctx context.Context, event *events.InvoiceEvent) error
}

type eventPublisher struct {
	pubSub pubsub.Publisher
	logger *logger.Logger
	topic  string
}

// NewEventPublisher creates a publisher writing to the configured event topic
func NewEventPublisher(
	cfg *config.Configuration,
	logger *logger.Logger,
	pubSub pubsub.PubSub,
) EventPublisher {
	return &eventPublisher{
		pubSub: pubSub,
		logger: logger,
		topic:  cfg.Event.Topic,
	}
}

func (p *eventPublisher) Publish(ctx context.Context, event *events.InvoiceEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return ierr.WithError(err).
			WithMessage("failed to marshal invoice event").
			Mark(ierr.ErrInternal)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set("tenant_id", event.TenantID)
	msg.Metadata.Set("account_id", event.AccountID)
	msg.Metadata.Set("event_name", string(event.EventName))

	p.logger.Debugw("publishing invoice event",
		"event_id", event.ID,
		"event_name", event.EventName,
		"invoice_id", event.InvoiceID,
		"topic", p.topic,
	)

	if err := p.pubSub.Publish(ctx, p.topic, msg); err != nil {
		p.logger.Errorw("failed to publish invoice event",
			"error", err,
			"event_id", event.ID,
			"event_name", event.EventName,
		)
		return ierr.WithError(err).
			WithMessagef("failed to publish %s", event.EventName).
			Mark(ierr.ErrSystem)
	}
	return nil
}
