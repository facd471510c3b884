package config

import (
	"testing"
	"time"

	"github.com/petermetz/killbill/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, types.RetryStrategyConstant, cfg.Retry.Strategy)
	assert.Equal(t, 5*time.Minute, cfg.Retry.Interval)
	assert.Zero(t, cfg.Retry.MaxAttempts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Configuration)
		wantErr bool
	}{
		{
			name:   "exponential strategy",
			mutate: func(c *Configuration) { c.Retry.Strategy = types.RetryStrategyExponential },
		},
		{
			name:    "schedule strategy without offsets",
			mutate:  func(c *Configuration) { c.Retry.Strategy = types.RetryStrategySchedule },
			wantErr: true,
		},
		{
			name: "schedule strategy with offsets",
			mutate: func(c *Configuration) {
				c.Retry.Strategy = types.RetryStrategySchedule
				c.Retry.Schedule = []time.Duration{5 * time.Minute, 15 * time.Minute}
			},
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *Configuration) { c.Retry.Strategy = "linear" },
			wantErr: true,
		},
		{
			name:    "negative max attempts",
			mutate:  func(c *Configuration) { c.Retry.MaxAttempts = -1 },
			wantErr: true,
		},
		{
			name:    "bad currency",
			mutate:  func(c *Configuration) { c.Invoice.DefaultCurrency = "EURO" },
			wantErr: true,
		},
		{
			name: "lease shorter than a plugin call",
			mutate: func(c *Configuration) {
				c.Invoice.LeaseTTL = 10 * time.Second
				c.Plugin.CallTimeout = 30 * time.Second
			},
			wantErr: true,
		},
		{
			name: "lease longer than a plugin call",
			mutate: func(c *Configuration) {
				c.Invoice.LeaseTTL = time.Minute
				c.Plugin.CallTimeout = 30 * time.Second
			},
		},
		{
			name: "remote plugin without url",
			mutate: func(c *Configuration) {
				c.Plugin.Remote = []RemotePluginConfig{{Name: "tax"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	c := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "billing", SSLMode: "disable"}
	assert.Equal(t, "user=u password=p dbname=billing host=db port=5432 sslmode=disable", c.GetDSN())
}
