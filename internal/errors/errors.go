package errors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Common error types that can be used across the application
var (
	ErrNotFound         = new(ErrCodeNotFound, "resource not found")
	ErrAlreadyExists    = new(ErrCodeAlreadyExists, "resource already exists")
	ErrVersionConflict  = new(ErrCodeVersionConflict, "version conflict")
	ErrValidation       = new(ErrCodeValidation, "validation error")
	ErrInvalidOperation = new(ErrCodeInvalidOperation, "invalid operation")
	ErrHTTPClient       = new(ErrCodeHTTPClient, "http client error")
	ErrDatabase         = new(ErrCodeDatabase, "database error")
	ErrSystem           = new(ErrCodeSystemError, "system error")
	ErrInternal         = new(ErrCodeInternal, "internal error")

	// invoice generation
	ErrNothingToDo      = new(ErrCodeNothingToDo, "no invoice to generate")
	ErrPluginRetryable  = new(ErrCodePluginRetryable, "invoice plugin asked for a retry")
	ErrPluginFailure    = new(ErrCodePluginFailure, "invoice plugin failed")
	ErrRetryExhausted   = new(ErrCodeRetryExhausted, "invoice retry budget exhausted")
	ErrLeaseUnavailable = new(ErrCodeLeaseUnavailable, "account is locked by another invoice run")
)

const (
	ErrCodeHTTPClient       = "http_client_error"
	ErrCodeSystemError      = "system_error"
	ErrCodeNotFound         = "not_found"
	ErrCodeAlreadyExists    = "already_exists"
	ErrCodeVersionConflict  = "version_conflict"
	ErrCodeValidation       = "validation_error"
	ErrCodeInvalidOperation = "invalid_operation"
	ErrCodeDatabase         = "database_error"
	ErrCodeInternal         = "internal_error"

	ErrCodeNothingToDo      = "invoice_nothing_to_do"
	ErrCodePluginRetryable  = "invoice_plugin_retryable"
	ErrCodePluginFailure    = "invoice_plugin_failure"
	ErrCodeRetryExhausted   = "invoice_retry_exhausted"
	ErrCodeLeaseUnavailable = "invoice_lease_unavailable"
)

// InternalError represents a domain error
type InternalError struct {
	Code    string // Machine-readable error code
	Message string // Human-readable error message
	Op      string // Logical operation name
	Err     error  // Underlying error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return e.DisplayError()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
}

func (e *InternalError) DisplayError() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// Is implements error matching for wrapped errors
func (e *InternalError) Is(target error) bool {
	if target == nil {
		return false
	}

	t, ok := target.(*InternalError)
	if !ok {
		return errors.Is(e.Err, target)
	}

	return e.Code == t.Code
}

func new(code string, message string) *InternalError {
	return &InternalError{
		Code:    code,
		Message: message,
	}
}

// New creates a new InternalError with the given code
func New(code string, message string) *InternalError {
	return new(code, message)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Is(err, reference error) bool {
	return errors.Is(err, reference)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if an error is an already exists error
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInvalidOperation checks if an error is an invalid operation error
func IsInvalidOperation(err error) bool {
	return errors.Is(err, ErrInvalidOperation)
}

// IsHTTPClient checks if an error is an http client error
func IsHTTPClient(err error) bool {
	return errors.Is(err, ErrHTTPClient)
}

// IsNothingToDo checks if a trigger produced no invoice
func IsNothingToDo(err error) bool {
	return errors.Is(err, ErrNothingToDo)
}

// IsPluginRetryable checks if a plugin asked for the run to be retried
func IsPluginRetryable(err error) bool {
	return errors.Is(err, ErrPluginRetryable)
}

// IsRetryExhausted checks if the retry lane gave up on a run
func IsRetryExhausted(err error) bool {
	return errors.Is(err, ErrRetryExhausted)
}

// IsLeaseUnavailable checks if the account lease could not be acquired
func IsLeaseUnavailable(err error) bool {
	return errors.Is(err, ErrLeaseUnavailable)
}

// Code returns the code of the first sentinel the error is marked with
func Code(err error) string {
	for _, sentinel := range []*InternalError{
		ErrNothingToDo,
		ErrPluginRetryable,
		ErrRetryExhausted,
		ErrLeaseUnavailable,
		ErrPluginFailure,
		ErrNotFound,
		ErrAlreadyExists,
		ErrVersionConflict,
		ErrValidation,
		ErrInvalidOperation,
		ErrHTTPClient,
		ErrDatabase,
		ErrInternal,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Code
		}
	}
	return ErrCodeSystemError
}
