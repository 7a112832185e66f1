/*
errors.go - Error taxonomy for the credit engine

PURPOSE:
  All error types in one place. Store implementations translate driver
  errors into these before returning, and the API layer maps them to
  HTTP statuses. Raw database errors never cross the package boundary
  toward callers.

ERROR CATEGORIES:
  1. Caller errors - validation, auth, self-reference (permanent)
  2. Balance errors - insufficient balance (permanent for that input)
  3. Protocol errors - signature, idempotency mismatch (permanent)
  4. Store errors - unavailable / transaction failed (retryable)

USAGE:
  if errors.Is(err, credits.ErrInsufficientBalance) { ... }
  code := credits.CodeOf(err) // "INSUFFICIENT_BALANCE"

SEE ALSO:
  - api/errors.go: Code to HTTP status mapping
*/
package credits

import (
	"errors"
	"fmt"
)

// =============================================================================
// CODES
// =============================================================================

// Code is the stable, caller-visible error classification.
type Code string

const (
	CodeAuthRequired         Code = "AUTH_REQUIRED"
	CodePermissionDenied     Code = "PERMISSION_DENIED"
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeInsufficientBalance  Code = "INSUFFICIENT_BALANCE"
	CodeIdempotencyReplay    Code = "IDEMPOTENCY_REPLAY"
	CodeIdempotencyMismatch  Code = "IDEMPOTENCY_MISMATCH"
	CodeInvalidSignature     Code = "INVALID_SIGNATURE"
	CodeSelfReference        Code = "SELF_REFERENCE_REJECTED"
	CodeConsistencyViolation Code = "CONSISTENCY_VIOLATION"
	CodeNotFound             Code = "NOT_FOUND"
	CodeUnavailable          Code = "STORE_UNAVAILABLE"
	CodeInternal             Code = "INTERNAL"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrAuthRequired     = errors.New("authentication required")
	ErrPermissionDenied = errors.New("permission denied")
	ErrValidation       = errors.New("validation failed")

	// ErrInsufficientBalance is returned when a debit would drive a bucket negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateIdempotencyKey is returned by stores when a unique key already
	// exists. The guard turns it into a replay; callers never see it.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrIdempotencyMismatch is returned when a key is replayed for a
	// different operation than the one it first admitted.
	ErrIdempotencyMismatch = errors.New("idempotency key mismatch")

	ErrInvalidSignature = errors.New("invalid signature")
	ErrSelfReference    = errors.New("self-referral rejected")

	ErrWalletNotFound = errors.New("wallet not found")
	ErrJobNotFound    = errors.New("job not found")
	ErrCodeNotFound   = errors.New("referral code not found")

	// ErrInvalidTransition is returned when a job state change is not allowed,
	// e.g. canceling a running job.
	ErrInvalidTransition = errors.New("invalid job transition")

	// ErrStoreUnavailable is returned when the store cannot be reached.
	// Operations fail closed on it.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrTransactionFailed wraps unexpected store failures.
	ErrTransactionFailed = errors.New("transaction failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Error is a classified error with a safe message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf builds a VALIDATION_ERROR with a formatted message.
func Validationf(format string, args ...any) error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...), Err: ErrValidation}
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available Amount
	Requested Amount
	Shortfall Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// CodeOf classifies err. Unknown errors are INTERNAL.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthRequired):
		return CodeAuthRequired
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidTransition):
		return CodeValidation
	case errors.Is(err, ErrInsufficientBalance):
		return CodeInsufficientBalance
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return CodeIdempotencyReplay
	case errors.Is(err, ErrIdempotencyMismatch):
		return CodeIdempotencyMismatch
	case errors.Is(err, ErrInvalidSignature):
		return CodeInvalidSignature
	case errors.Is(err, ErrSelfReference):
		return CodeSelfReference
	case IsNotFound(err):
		return CodeNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return CodeUnavailable
	}
	return CodeInternal
}

// IsRetryable returns true if the same input might succeed on retry.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeUnavailable, CodeInternal:
		return true
	}
	return false
}

// IsClientError returns true if the error is due to the caller's input.
func IsClientError(err error) bool {
	switch CodeOf(err) {
	case CodeValidation, CodeInsufficientBalance, CodeIdempotencyMismatch,
		CodeInvalidSignature, CodeSelfReference, CodeAuthRequired, CodePermissionDenied:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrCodeNotFound)
}
