package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// Error classes. Each wraps an errdefs category so transports can map them
// without knowing the domain.
var (
	ErrNotFound               = fmt.Errorf("session not found: %w", errdefs.ErrNotFound)
	ErrAlreadyExists          = fmt.Errorf("session already exists: %w", errdefs.ErrAlreadyExists)
	ErrConcurrentModification = fmt.Errorf("session modified concurrently: %w", errdefs.ErrConflict)
	ErrSerialization          = fmt.Errorf("serialization failed: %w", errdefs.ErrDataLoss)
	ErrHandoffFailed          = fmt.Errorf("handoff failed: %w", errdefs.ErrFailedPrecondition)
	ErrTransient              = fmt.Errorf("transient failure: %w", errdefs.ErrUnavailable)
	ErrRateLimited            = fmt.Errorf("rate limit exceeded: %w", errdefs.ErrResourceExhausted)
	ErrSessionClosed          = fmt.Errorf("session closed: %w", errdefs.ErrFailedPrecondition)
)

// BudgetExhaustedError reports a spend that would cross the budget ceiling.
type BudgetExhaustedError struct {
	Requested float64
	Remaining float64
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("budget exhausted: requested $%.4f, remaining $%.4f", e.Requested, e.Remaining)
}

// Unwrap classifies the error as resource exhaustion.
func (e *BudgetExhaustedError) Unwrap() error { return errdefs.ErrResourceExhausted }

// ValidationError lists the fields that blocked a handoff.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	return "handoff validation failed: " + strings.Join(e.Errors, "; ")
}

// Unwrap classifies the error as an invalid argument.
func (e *ValidationError) Unwrap() error { return errdefs.ErrInvalidArgument }

// IsRetryable reports whether the caller may retry the operation as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrTransient) || errdefs.IsUnavailable(err)
}

// ErrorCode returns a stable machine-readable code for err.
func ErrorCode(err error) string {
	var budgetErr *BudgetExhaustedError
	var validationErr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &budgetErr):
		return "budget_exhausted"
	case errors.As(err, &validationErr):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrSerialization):
		return "serialization_error"
	case errors.Is(err, ErrHandoffFailed):
		return "handoff_failed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrTransient), errdefs.IsUnavailable(err):
		return "transient"
	case errdefs.IsInvalidArgument(err):
		return "invalid_argument"
	case errdefs.IsFailedPrecondition(err):
		return "failed_precondition"
	default:
		return "internal"
	}
}
