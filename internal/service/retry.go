package service

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/petermetz/killbill/internal/config"
	"github.com/petermetz/killbill/internal/types"
)

// RetryPolicy decides when the next attempt of a failed invoice run is due
type RetryPolicy interface {
	// NextAttempt returns the due time of attempt number retryCount (1 for
	// the first retry). original is when the first attempt of the cycle was
	// due.
	NextAttempt(now, original time.Time, retryCount int) time.Time
}

// NewRetryPolicy builds the policy selected by retry.strategy
func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	switch cfg.Strategy {
	case types.RetryStrategyExponential:
		return &exponentialRetryPolicy{cfg: cfg}
	case types.RetryStrategySchedule:
		if len(cfg.Schedule) > 0 {
			return &scheduleRetryPolicy{offsets: cfg.Schedule}
		}
	}
	return &constantRetryPolicy{interval: cfg.Interval}
}

type constantRetryPolicy struct {
	interval time.Duration
}

func (p *constantRetryPolicy) NextAttempt(now, _ time.Time, _ int) time.Time {
	return now.Add(backoff.NewConstantBackOff(p.interval).NextBackOff())
}

type exponentialRetryPolicy struct {
	cfg config.RetryConfig
}

func (p *exponentialRetryPolicy) NextAttempt(now, _ time.Time, retryCount int) time.Time {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.Interval
	b.Multiplier = p.cfg.Multiplier
	b.MaxInterval = p.cfg.MaxInterval
	if b.MaxInterval <= 0 {
		b.MaxInterval = 24 * time.Hour
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	return now.Add(delay)
}

// scheduleRetryPolicy retries at fixed offsets from the original due time,
// the last offset repeats
type scheduleRetryPolicy struct {
	offsets []time.Duration
}

func (p *scheduleRetryPolicy) NextAttempt(now, original time.Time, retryCount int) time.Time {
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.offsets) {
		idx = len(p.offsets) - 1
	}

	at := original.Add(p.offsets[idx])
	if !at.After(now) {
		return now.Add(p.offsets[idx])
	}
	return at
}
