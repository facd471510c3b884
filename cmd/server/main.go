package main

import (
	"context"
	"time"

	"github.com/petermetz/killbill/internal/cache"
	"github.com/petermetz/killbill/internal/clock"
	"github.com/petermetz/killbill/internal/config"
	"github.com/petermetz/killbill/internal/httpclient"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/plugin"
	"github.com/petermetz/killbill/internal/plugin/remote"
	"github.com/petermetz/killbill/internal/postgres"
	"github.com/petermetz/killbill/internal/publisher"
	pubsubRouter "github.com/petermetz/killbill/internal/pubsub/router"
	"github.com/petermetz/killbill/internal/repository"
	"github.com/petermetz/killbill/internal/sentry"
	"github.com/petermetz/killbill/internal/service"
	"github.com/petermetz/killbill/internal/types"
	"github.com/petermetz/killbill/internal/validator"
	"go.uber.org/fx"
)

func init() {
	// Set UTC timezone for the entire application
	time.Local = time.UTC
}

func main() {
	// Initialize Fx application
	var opts []fx.Option

	// Core dependencies
	opts = append(opts,
		fx.Provide(
			// Validator
			validator.NewValidator,

			// Config
			config.NewConfig,

			// Logger
			logger.NewLogger,

			// Monitoring
			sentry.NewSentryService,

			// Cache
			cache.Initialize,

			// Event bus
			publisher.NewPubSub,
			publisher.NewEventPublisher,

			// HTTP Client
			provideHTTPClient,

			// Repositories
			repository.NewInvoiceRepository,
			repository.NewNotificationRepository,
			repository.NewLeaseRepository,
			repository.NewEventSource,
			repository.NewAccountProvider,
			repository.NewCreditRebalancer,

			// Plugins
			providePluginRegistry,
			plugin.NewGateway,

			// PubSub
			pubsubRouter.NewRouter,
		),
		clock.Module,
		postgres.Module(),
	)

	// Service layer
	opts = append(opts,
		fx.Provide(
			service.NewServiceParams,
			service.NewInvoiceGenerationService,
			service.NewNotificationPoller,
			service.NewTriggerConsumer,
		),
	)

	opts = append(opts,
		fx.Invoke(
			sentry.RegisterHooks,
			startServer,
		),
	)

	app := fx.New(opts...)
	app.Run()
}

func provideHTTPClient(cfg *config.Configuration, log *logger.Logger) httpclient.Client {
	return httpclient.NewDefaultClient(httpclient.ClientConfig{
		Timeout:      cfg.Plugin.CallTimeout,
		RetryMax:     cfg.Plugin.HTTPRetries,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
	}, log)
}

// providePluginRegistry registers the remote plugins of the configuration in
// declaration order, which is also the chain order
func providePluginRegistry(cfg *config.Configuration, client httpclient.Client, log *logger.Logger) (*plugin.Registry, error) {
	registry := plugin.NewRegistry(log)
	for _, rc := range cfg.Plugin.Remote {
		if err := registry.Register(rc.Name, remote.New(rc, client, log)); err != nil {
			return nil, err
		}
	}
	log.Infow("invoice plugins registered", "plugins", registry.Names())
	return registry, nil
}

func startServer(
	lc fx.Lifecycle,
	cfg *config.Configuration,
	poller *service.NotificationPoller,
	triggers *service.TriggerConsumer,
	router *pubsubRouter.Router,
	log *logger.Logger,
) {
	mode := cfg.Deployment.Mode
	if mode == "" {
		mode = types.ModeLocal
	}

	switch mode {
	case types.ModeLocal:
		startPoller(lc, poller, log)
		if cfg.Event.ConsumeTriggers {
			startMessageRouter(lc, router, triggers, log)
		}
	case types.ModeWorker:
		startPoller(lc, poller, log)
	default:
		log.Fatalf("Unknown deployment mode: %s", mode)
	}
}

func startPoller(
	lc fx.Lifecycle,
	poller *service.NotificationPoller,
	log *logger.Logger,
) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting notification poller")
			go func() {
				defer close(done)
				if err := poller.Run(ctx); err != nil {
					log.Errorw("notification poller failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			log.Info("stopping notification poller")
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func startMessageRouter(
	lc fx.Lifecycle,
	router *pubsubRouter.Router,
	triggers *service.TriggerConsumer,
	log *logger.Logger,
) {
	// Register handlers before starting the router
	triggers.RegisterHandler()

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("starting message router")
			go func() {
				if err := router.Run(context.Background()); err != nil {
					log.Errorw("message router failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("stopping message router")
			return router.Close()
		},
	})
}
