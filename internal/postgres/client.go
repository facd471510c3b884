package postgres

import (
	"context"

	"github.com/petermetz/killbill/internal/config"
	"github.com/petermetz/killbill/internal/logger"
	sentryService "github.com/petermetz/killbill/internal/sentry"
	"go.uber.org/fx"
)

// IClient is the transaction boundary services depend on
type IClient interface {
	// WithTx wraps the given function in a transaction
	WithTx(ctx context.Context, fn func(context.Context) error) error
}

// Module provides the sqlx database and the IClient backed by it
func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			NewDB,
			func(db *DB, sentry *sentryService.Service, log *logger.Logger) IClient {
				return NewSentryClient(db, sentry, log)
			},
		),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(lc fx.Lifecycle, db *DB, cfg *config.Configuration, log *logger.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !cfg.Postgres.AutoMigrate {
				return nil
			}
			return Migrate(ctx, db)
		},
		OnStop: func(ctx context.Context) error {
			log.Info("closing postgres connection")
			db.Close()
			return nil
		},
	})
}
