package errors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/schedmate/schedmate/pkg/billing"
)

// Base error types
var (
	ErrNotFound       = errors.New("not found")
	ErrAuthentication = errors.New("authentication failed")
	ErrConflict       = billing.ErrConflict
	ErrTransientStore = errors.New("transient store failure")
	ErrInvalidInput   = errors.New("invalid input")
	ErrTimeout        = errors.New("timeout")
	ErrProvider       = errors.New("payment provider error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeStore      ErrorType = "store"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeProvider   ErrorType = "provider"
	ErrorTypeInternal   ErrorType = "internal"
)

// BillingError is a structured error for billing operations.
type BillingError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "apply_transition", "verify_webhook")
	Key        string // Record key if applicable
	Err        error  // Underlying error
	StatusCode int    // Upstream HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *BillingError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *BillingError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *BillingError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrAuthentication:
		return e.Type == ErrorTypeAuth
	case ErrConflict:
		return e.Type == ErrorTypeConflict
	case ErrTransientStore:
		return e.Type == ErrorTypeStore
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrProvider:
		return e.Type == ErrorTypeProvider
	}

	return errors.Is(e.Err, target)
}

// NewBillingError creates a new BillingError
func NewBillingError(errorType ErrorType, op, key string, err error) *BillingError {
	return &BillingError{
		Type:      errorType,
		Op:        op,
		Key:       key,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

// WithStatusCode adds the upstream HTTP status code to the error
func (e *BillingError) WithStatusCode(code int) *BillingError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeStore, ErrorTypeTimeout, ErrorTypeConflict:
		return true
	case ErrorTypeAuth, ErrorTypeValidation, ErrorTypeNotFound:
		return false
	default:
		if err != nil {
			return !errors.Is(err, ErrInvalidInput)
		}
		return true
	}
}

// Helper functions

// WrapStoreError wraps a storage failure. Context deadline errors are
// classified as timeouts.
func WrapStoreError(op, key string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewBillingError(ErrorTypeTimeout, op, key, err)
	}
	return NewBillingError(ErrorTypeStore, op, key, err)
}

// WrapAuthError wraps a signature or credential failure.
func WrapAuthError(op string, err error) error {
	return NewBillingError(ErrorTypeAuth, op, "", err)
}

// WrapProviderError wraps a failed call to the payment provider.
func WrapProviderError(op string, err error, statusCode int) error {
	return NewBillingError(ErrorTypeProvider, op, "", err).WithStatusCode(statusCode)
}

// NotFound returns a not-found error for key.
func NotFound(op, key string) error {
	return NewBillingError(ErrorTypeNotFound, op, key, ErrNotFound)
}

// Invalid returns a validation error.
func Invalid(op, format string, args ...interface{}) error {
	return NewBillingError(ErrorTypeValidation, op, "", fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...)))
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var billErr *BillingError
	if errors.As(err, &billErr) {
		return billErr.Retryable
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrTransientStore) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var billErr *BillingError
	if errors.As(err, &billErr) {
		if billErr.Type == ErrorTypeAuth {
			return true
		}
	}
	return errors.Is(err, ErrAuthentication)
}
