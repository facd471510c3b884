package internal

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	jsoniter "github.com/json-iterator/go"
	"github.com/petermetz/killbill/internal/publisher"
	"github.com/petermetz/killbill/internal/service"
	"github.com/petermetz/killbill/internal/types"
)

// PublishInvoiceTrigger asks the service to schedule a run for ACCOUNT_ID at
// EFFECTIVE_DATE through the trigger topic
func PublishInvoiceTrigger() error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}

	accountID, err := requireEnv("ACCOUNT_ID")
	if err != nil {
		return err
	}
	effectiveDate, err := envDate("EFFECTIVE_DATE")
	if err != nil {
		return err
	}

	payload, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(&service.InvoiceTriggerMessage{
		AccountID:     accountID,
		EffectiveDate: effectiveDate,
	})
	if err != nil {
		return err
	}

	pubSub, err := publisher.NewPubSub(cfg, log)
	if err != nil {
		return err
	}
	defer pubSub.Close()

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("tenant_id", envOr("TENANT_ID", types.DefaultTenantID))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pubSub.Publish(ctx, cfg.Event.TriggerTopic, msg); err != nil {
		return err
	}

	log.Infow("published invoice trigger",
		"topic", cfg.Event.TriggerTopic,
		"account_id", accountID,
		"effective_date", types.FormatDate(effectiveDate),
		"message_uuid", msg.UUID,
	)
	return nil
}
