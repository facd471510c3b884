package postgres

import (
	"context"

	"github.com/petermetz/killbill/internal/logger"
	sentryService "github.com/petermetz/killbill/internal/sentry"
)

// SentryClient wraps an IClient with a Sentry span per transaction
type SentryClient struct {
	client IClient
	sentry *sentryService.Service
	logger *logger.Logger
}

// NewSentryClient creates a Sentry-instrumented client. A nil sentry service
// returns client unchanged.
func NewSentryClient(client IClient, sentry *sentryService.Service, logger *logger.Logger) IClient {
	if sentry == nil {
		return client
	}
	return &SentryClient{
		client: client,
		sentry: sentry,
		logger: logger,
	}
}

// WithTx wraps the given function in a transaction with Sentry span tracking
func (c *SentryClient) WithTx(ctx context.Context, fn func(context.Context) error) error {
	span, spanCtx := c.sentry.StartDBSpan(ctx, "postgres.transaction", map[string]interface{}{
		"operation": "transaction",
	})
	if span != nil {
		defer span.Finish()
	}

	err := c.client.WithTx(spanCtx, fn)
	if err != nil && span != nil {
		c.logger.Debugw("transaction rolled back", "error", err)
		span.SetData("rolled_back", true)
	}
	return err
}
