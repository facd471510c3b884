package service

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/types"
)

func (s *InvoiceGenerationServiceSuite) triggerMessage(payload string) *message.Message {
	msg := message.NewMessage(watermill.NewUUID(), []byte(payload))
	msg.Metadata.Set("tenant_id", types.DefaultTenantID)
	return msg
}

func (s *InvoiceGenerationServiceSuite) TestTriggerConsumer_HandleMessage() {
	consumer := NewTriggerConsumer(s.params, s.service, nil, nil)

	err := consumer.HandleMessage(s.triggerMessage(`{
		"account_id": "acct_1",
		"effective_date": "2024-03-01T00:00:00Z",
		"properties": [{"key": "channel", "value": "api"}]
	}`))
	s.Require().NoError(err)

	pending := s.pending(types.QueueNextBillingDate)
	s.Require().Len(pending, 1)
	s.True(pending[0].EffectiveDate.Equal(s.march()))
	prop, ok := s.payload(pending[0]).Properties.Get("channel")
	s.True(ok)
	s.Equal("api", prop.Value)

	// same window, no second notification
	s.Require().NoError(consumer.HandleMessage(s.triggerMessage(`{"account_id": "acct_1", "effective_date": "2024-03-01T06:00:00Z"}`)))
	s.Len(s.pending(types.QueueNextBillingDate), 1)
}

func (s *InvoiceGenerationServiceSuite) TestTriggerConsumer_InvalidMessages() {
	consumer := NewTriggerConsumer(s.params, s.service, nil, nil)

	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `{"account_id":`},
		{name: "missing account", payload: `{"effective_date": "2024-03-01T00:00:00Z"}`},
		{name: "missing date", payload: `{"account_id": "acct_1"}`},
		{name: "property without key", payload: `{"account_id": "acct_1", "effective_date": "2024-03-01T00:00:00Z", "properties": [{"value": "x"}]}`},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			err := consumer.HandleMessage(s.triggerMessage(tt.payload))
			s.Require().Error(err)
			s.True(ierr.IsValidation(err))
		})
	}
	s.Empty(s.pending(types.QueueNextBillingDate))
}

func (s *InvoiceGenerationServiceSuite) TestTriggerConsumer_UnknownAccount() {
	consumer := NewTriggerConsumer(s.params, s.service, nil, nil)

	err := consumer.HandleMessage(s.triggerMessage(`{"account_id": "acct_missing", "effective_date": "2024-03-01T00:00:00Z"}`))
	s.Require().Error(err)
	s.True(ierr.IsNotFound(err))
}
