package cache

import (
	"context"
	"testing"
	"time"

	"github.com/petermetz/killbill/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestInMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache(config.GetDefaultConfig())

	key := GenerateKey(PrefixAccount, "acc_1")
	assert.Equal(t, "account:v1::acc_1", key)

	c.Set(ctx, key, "USD", time.Minute)
	c.Set(ctx, GenerateKey(PrefixAccount, "acc_2"), "EUR", 0)
	c.Set(ctx, "other", 1, 0)

	v, ok := c.Get(ctx, key)
	assert.True(t, ok)
	assert.Equal(t, "USD", v)

	c.DeleteByPrefix(ctx, PrefixAccount)
	_, ok = c.Get(ctx, key)
	assert.False(t, ok)
	_, ok = c.Get(ctx, "other")
	assert.True(t, ok)

	c.Flush(ctx)
	_, ok = c.Get(ctx, "other")
	assert.False(t, ok)
}

func TestDisabledCache(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Cache.Enabled = false
	c := NewInMemoryCache(cfg)

	c.Set(context.Background(), "k", "v", time.Minute)
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
}
