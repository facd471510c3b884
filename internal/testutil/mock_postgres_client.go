package testutil

import (
	"context"

	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/postgres"
	"github.com/petermetz/killbill/internal/types"
)

var _ postgres.IClient = (*MockPostgresClient)(nil) // Ensure MockPostgresClient implements IClient

// Snapshotter is a store that can roll back to an earlier state
type Snapshotter interface {
	Snapshot() any
	Restore(snapshot any)
}

// MockPostgresClient emulates transactions over in-memory stores: the
// participating stores are snapshotted on begin and restored when fn fails.
type MockPostgresClient struct {
	logger *logger.Logger
	stores []Snapshotter
}

// NewMockPostgresClient creates a new mock postgres client
func NewMockPostgresClient(logger *logger.Logger, stores ...Snapshotter) *MockPostgresClient {
	return &MockPostgresClient{
		logger: logger,
		stores: stores,
	}
}

// WithTx executes the given function within a transaction
func (c *MockPostgresClient) WithTx(ctx context.Context, fn func(context.Context) error) error {
	// If we're already in a transaction, reuse it
	if _, ok := ctx.Value(types.CtxDBTransaction).(bool); ok {
		return fn(ctx)
	}

	snapshots := make([]any, len(c.stores))
	for i, s := range c.stores {
		snapshots[i] = s.Snapshot()
	}

	if err := fn(context.WithValue(ctx, types.CtxDBTransaction, true)); err != nil {
		c.logger.Debugw("rolling back in-memory transaction", "error", err)
		for i, s := range c.stores {
			s.Restore(snapshots[i])
		}
		return err
	}
	return nil
}
