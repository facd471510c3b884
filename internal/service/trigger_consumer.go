package service

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	jsoniter "github.com/json-iterator/go"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/pubsub"
	pubsubRouter "github.com/petermetz/killbill/internal/pubsub/router"
	"github.com/petermetz/killbill/internal/types"
	"github.com/petermetz/killbill/internal/validator"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// InvoiceTriggerMessage asks for an invoice run of an account
type InvoiceTriggerMessage struct {
	AccountID     string                 `json:"account_id" validate:"required"`
	EffectiveDate time.Time              `json:"effective_date" validate:"required"`
	Properties    types.PluginProperties `json:"properties,omitempty" validate:"dive"`
}

// TriggerConsumer schedules invoice runs requested on the trigger topic
type TriggerConsumer struct {
	ServiceParams
	generation InvoiceGenerationService
	pubSub     pubsub.PubSub
	router     *pubsubRouter.Router
}

func NewTriggerConsumer(
	params ServiceParams,
	generation InvoiceGenerationService,
	pubSub pubsub.PubSub,
	router *pubsubRouter.Router,
) *TriggerConsumer {
	return &TriggerConsumer{
		ServiceParams: params,
		generation:    generation,
		pubSub:        pubSub,
		router:        router,
	}
}

// RegisterHandler registers the trigger handler on the router
func (c *TriggerConsumer) RegisterHandler() {
	c.router.AddNoPublishHandler(
		"invoice_trigger_handler",
		c.Config.Event.TriggerTopic,
		c.pubSub,
		c.HandleMessage,
	)
}

// HandleMessage schedules the run carried by msg. The tenant comes from the
// tenant_id metadata.
func (c *TriggerConsumer) HandleMessage(msg *message.Message) error {
	c.Logger.Debugw("received invoice trigger", "message_uuid", msg.UUID)

	var trigger InvoiceTriggerMessage
	if err := json.Unmarshal(msg.Payload, &trigger); err != nil {
		return ierr.WithError(err).
			WithHint("Invoice trigger payload is not valid JSON").
			Mark(ierr.ErrValidation)
	}
	if err := validator.ValidateRequest(&trigger); err != nil {
		return err
	}

	ctx := context.Background()
	if tenantID := msg.Metadata.Get("tenant_id"); tenantID != "" {
		ctx = types.SetTenantID(ctx, tenantID)
	}

	inserted, err := c.generation.ScheduleGeneration(ctx, trigger.AccountID, trigger.EffectiveDate, trigger.Properties)
	if err != nil {
		return err
	}

	c.Logger.Infow("processed invoice trigger",
		"message_uuid", msg.UUID,
		"account_id", trigger.AccountID,
		"effective_date", trigger.EffectiveDate,
		"inserted", inserted,
	)
	return nil
}
