package publisher

import (
	"github.com/petermetz/killbill/internal/config"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/pubsub"
	"github.com/petermetz/killbill/internal/pubsub/kafka"
	"github.com/petermetz/killbill/internal/pubsub/memory"
	"github.com/petermetz/killbill/internal/types"
)

// NewPubSub returns the bus selected by event.publish_destination
func NewPubSub(cfg *config.Configuration, logger *logger.Logger) (pubsub.PubSub, error) {
	switch cfg.Event.PublishDestination {
	case types.KafkaPubSub:
		logger.Infow("using kafka pubsub", "brokers", cfg.Kafka.Brokers)
		return kafka.NewPubSub(cfg, logger)
	case types.MemoryPubSub, "":
		logger.Info("using in-memory pubsub")
		return memory.NewPubSub(logger), nil
	default:
		return nil, ierr.NewErrorf("unknown publish destination %q", cfg.Event.PublishDestination).
			WithHint("event.publish_destination must be memory or kafka").
			Mark(ierr.ErrValidation)
	}
}
