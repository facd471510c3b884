package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/petermetz/killbill/internal/config"
	"github.com/petermetz/killbill/internal/domain/events"
	"github.com/petermetz/killbill/internal/domain/invoice"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/pubsub/memory"
	"github.com/petermetz/killbill/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventPublisher_Publish(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := config.GetDefaultConfig()
	log := logger.NewNoopLogger()
	bus := memory.NewPubSub(log)
	defer bus.Close()

	msgs, err := bus.Subscribe(ctx, cfg.Event.Topic)
	require.NoError(t, err)

	inv := &invoice.Invoice{
		ID:         "inv_1",
		TenantID:   types.DefaultTenantID,
		AccountID:  "acct_1",
		Currency:   "USD",
		Amount:     decimal.NewFromInt(10),
		TargetDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	event := events.NewInvoiceEvent(types.InvoiceEventCreated, inv, "run_1", time.Now().UTC())

	pub := NewEventPublisher(cfg, log, bus)
	require.NoError(t, pub.Publish(ctx, event))

	select {
	case msg := <-msgs:
		msg.Ack()
		assert.Equal(t, event.ID, msg.UUID)
		assert.Equal(t, "acct_1", msg.Metadata.Get("account_id"))
		assert.Equal(t, string(types.InvoiceEventCreated), msg.Metadata.Get("event_name"))

		var got events.InvoiceEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, "inv_1", got.InvoiceID)
		assert.True(t, got.Amount.Equal(decimal.NewFromInt(10)))
	case <-ctx.Done():
		t.Fatal("event was not delivered")
	}
}

func TestNewPubSub_UnknownDestination(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Event.PublishDestination = "sqs"

	_, err := NewPubSub(cfg, logger.NewNoopLogger())
	require.Error(t, err)
}
