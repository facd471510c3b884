package service

import (
	"context"
	"time"

	"github.com/petermetz/killbill/internal/cache"
	"github.com/petermetz/killbill/internal/domain/billing"
)

// cachedAccountProvider memoizes account lookups, runs of the same account
// read the account on every delivery
type cachedAccountProvider struct {
	next  billing.AccountProvider
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedAccountProvider wraps next with the process cache. A nil cache
// disables caching.
func NewCachedAccountProvider(next billing.AccountProvider, c cache.Cache, ttl time.Duration) billing.AccountProvider {
	if c == nil || next == nil {
		return next
	}
	return &cachedAccountProvider{
		next:  next,
		cache: c,
		ttl:   ttl,
	}
}

func (p *cachedAccountProvider) GetAccount(ctx context.Context, accountID string) (*billing.Account, error) {
	key := cache.GenerateKey(cache.PrefixAccount, accountID)
	if cached, ok := p.cache.Get(ctx, key); ok {
		if account, ok := cached.(*billing.Account); ok {
			cp := *account
			return &cp, nil
		}
	}

	account, err := p.next.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	cp := *account
	p.cache.Set(ctx, key, &cp, p.ttl)
	return account, nil
}
