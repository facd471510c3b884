package internal

import (
	"os"
	"strconv"
	"time"

	"github.com/petermetz/killbill/internal/config"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/types"
)

// bootstrap loads the configuration and a logger the way the server does
func bootstrap() (*config.Configuration, *logger.Logger, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", ierr.NewErrorf("%s is required", key).
			WithHintf("Please set %s or pass the matching flag", key).
			Mark(ierr.ErrValidation)
	}
	return value, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, ierr.WithError(err).
			WithHintf("%s must be a number", key).
			Mark(ierr.ErrValidation)
	}
	return n, nil
}

// envDate reads a YYYY-MM-DD date, defaulting to the first of the current month
func envDate(key string) (time.Time, error) {
	value := os.Getenv(key)
	if value == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	}
	t, err := types.ParseDate(value)
	if err != nil {
		return time.Time{}, ierr.WithError(err).
			WithHintf("%s must be formatted as YYYY-MM-DD", key).
			Mark(ierr.ErrValidation)
	}
	return t, nil
}
