package router

import (
	"net"

	"github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/logger"
)

// shouldRetry keeps redelivering messages that failed on infrastructure and
// sends business failures to the poison queue.
func shouldRetry(logger *logger.Logger, err error) bool {
	if err == nil {
		return false
	}

	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		logger.Debugw("retrying due to network timeout", "error", netErr)
		return true
	}

	if errors.IsValidation(err) ||
		errors.IsNotFound(err) ||
		errors.IsNothingToDo(err) ||
		errors.IsInvalidOperation(err) {
		logger.Debugw("not retrying business failure", "error", err)
		return false
	}

	return true
}
