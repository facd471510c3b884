package config

import (
	"time"

	"github.com/petermetz/killbill/internal/types"
)

// EventConfig holds configuration for the invoice bus
type EventConfig struct {
	PublishDestination types.PubSubType `mapstructure:"publish_destination" default:"memory"`
	// Topic receives invoice.created and the other invoice events
	Topic string `mapstructure:"topic" default:"invoice_events"`
	// TriggerTopic carries external requests to schedule an invoice run
	TriggerTopic    string        `mapstructure:"trigger_topic" default:"invoice_triggers"`
	ConsumeTriggers bool          `mapstructure:"consume_triggers" default:"true"`
	MaxRetries      int           `mapstructure:"max_retries" default:"3"`
	InitialInterval time.Duration `mapstructure:"initial_interval" default:"1s"`
	MaxInterval     time.Duration `mapstructure:"max_interval" default:"10s"`
	Multiplier      float64       `mapstructure:"multiplier" default:"2.0"`
}
