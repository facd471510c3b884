package service

import (
	"context"
	"testing"
	"time"

	"github.com/petermetz/killbill/internal/cache"
	"github.com/petermetz/killbill/internal/config"
	"github.com/petermetz/killbill/internal/domain/billing"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedAccountProvider(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewInMemoryAccountStore()
	store.Add(&billing.Account{ID: "acct_1", Currency: "USD"})

	provider := NewCachedAccountProvider(store, cache.NewInMemoryCache(config.GetDefaultConfig()), time.Minute)

	first, err := provider.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	first.Currency = "EUR"

	second, err := provider.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "USD", second.Currency)
	assert.Equal(t, 1, store.Calls())

	_, err = provider.GetAccount(ctx, "acct_missing")
	require.Error(t, err)
	assert.True(t, ierr.IsNotFound(err))
	_, err = provider.GetAccount(ctx, "acct_missing")
	require.Error(t, err)
	assert.Equal(t, 3, store.Calls())
}

func TestCachedAccountProvider_NilCache(t *testing.T) {
	store := testutil.NewInMemoryAccountStore()
	assert.Same(t, store, NewCachedAccountProvider(store, nil, time.Minute))
}
