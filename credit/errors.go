/*
errors.go - Centralized error types for the credit engine

ERROR TAXONOMY:
  VALIDATION             bad delta, missing override reason, reused request id.
                         Rejected immediately, never retried.
  LIMIT_EXCEEDED         NOT an error. ReserveCredit returns a result with
                         Allowed=false and Blocked details.
  CONCURRENCY_EXHAUSTED  optimistic retries exhausted. Retryable by the caller.
  NOT_FOUND              customer (or bill) missing. Fatal for that call.
  AUDIT_WRITE_FAILED     logged only, never rolls back a balance mutation.

USAGE:
  res, err := engine.ReserveCredit(ctx, req)
  switch {
  case credit.IsRetryable(err):
      // retry the whole operation
  case credit.IsNotFound(err):
      // 404
  }

SEE ALSO:
  - api/handlers.go: maps codes to HTTP status
*/
package credit

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed requests.
	ErrValidation = errors.New("credit: validation failed")

	// ErrCustomerNotFound is returned when the customer does not exist or is deleted.
	ErrCustomerNotFound = errors.New("credit: customer not found")

	// ErrBillNotFound is returned by bill lookups.
	ErrBillNotFound = errors.New("credit: bill not found")

	// ErrConcurrencyExhausted is returned when every optimistic attempt lost
	// its compare-and-swap to a concurrent writer.
	ErrConcurrencyExhausted = errors.New("credit: concurrent modification retries exhausted")

	// ErrAuditWriteFailed wraps audit append failures. It is logged, never returned
	// from balance operations.
	ErrAuditWriteFailed = errors.New("credit: audit write failed")

	// ErrDuplicateID is returned by stores when a record id already exists.
	ErrDuplicateID = errors.New("credit: duplicate id")

	// ErrStoreRequired is returned when an operation needs an optional store capability.
	ErrStoreRequired = errors.New("credit: operation requires extended store interface")
)

// Taxonomy codes.
const (
	CodeValidation           = "VALIDATION"
	CodeLimitExceeded        = "LIMIT_EXCEEDED"
	CodeConcurrencyExhausted = "CONCURRENCY_EXHAUSTED"
	CodeNotFound             = "NOT_FOUND"
	CodeAuditWriteFailed     = "AUDIT_WRITE_FAILED"
	CodeInternal             = "INTERNAL"
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("credit: invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ConcurrencyError reports how many attempts were made before giving up.
type ConcurrencyError struct {
	CustomerID CustomerID
	Attempts   int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("credit: customer %s: outstanding changed concurrently on all %d attempts",
		e.CustomerID, e.Attempts)
}

func (e *ConcurrencyError) Unwrap() error {
	return ErrConcurrencyExhausted
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyExhausted)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCustomerNotFound) || errors.Is(err, ErrBillNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrDuplicateID)
}

// Code maps an error to its taxonomy code. A nil error has no code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrConcurrencyExhausted):
		return CodeConcurrencyExhausted
	case IsNotFound(err):
		return CodeNotFound
	case errors.Is(err, ErrAuditWriteFailed):
		return CodeAuditWriteFailed
	default:
		return CodeInternal
	}
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
