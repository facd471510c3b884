package internal

import (
	"fmt"
	"time"

	"github.com/Shopify/sarama"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/pubsub/kafka"
	"github.com/samber/lo"
)

// TestKafkaConnection lists the broker topics and checks the invoice topics exist
func TestKafkaConnection() error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return ierr.NewError("no kafka brokers configured").
			WithHint("Please set kafka.brokers").
			Mark(ierr.ErrValidation)
	}

	config := kafka.GetSaramaConfig(cfg)

	// Add timeouts
	config.Net.DialTimeout = 10 * time.Second
	config.Net.ReadTimeout = 10 * time.Second
	config.Net.WriteTimeout = 10 * time.Second

	// Create client
	client, err := sarama.NewClient(cfg.Kafka.Brokers, config)
	if err != nil {
		return fmt.Errorf("error creating client: %v", err)
	}
	defer client.Close()

	// List topics to test connection
	topics, err := client.Topics()
	if err != nil {
		return fmt.Errorf("error listing topics: %v", err)
	}

	for _, topic := range []string{cfg.Event.Topic, cfg.Event.TriggerTopic} {
		if !lo.Contains(topics, topic) {
			log.Warnw("topic not found on brokers", "topic", topic)
		}
	}

	fmt.Printf("Successfully connected! Available topics: %v\n", topics)
	return nil
}
