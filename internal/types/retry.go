package types

import (
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/samber/lo"
)

// RetryStrategy selects how the delay of the next retry attempt grows
type RetryStrategy string

const (
	// RetryStrategyConstant waits the same interval before every attempt
	RetryStrategyConstant RetryStrategy = "constant"
	// RetryStrategyExponential multiplies the interval after every attempt
	RetryStrategyExponential RetryStrategy = "exponential"
	// RetryStrategySchedule uses explicit offsets from the original run time
	RetryStrategySchedule RetryStrategy = "schedule"
)

func (s RetryStrategy) Validate() error {
	allowed := []RetryStrategy{
		RetryStrategyConstant,
		RetryStrategyExponential,
		RetryStrategySchedule,
	}
	if !lo.Contains(allowed, s) {
		return ierr.NewError("invalid retry strategy").
			WithHint("Please provide a valid retry strategy").
			WithReportableDetails(map[string]any{
				"allowed": allowed,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}
