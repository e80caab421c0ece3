/*
errors.go - Error taxonomy for the billing engine

ERROR CATEGORIES:
  1. Configuration - missing/invalid billing configuration. Terminal for the
     operation; callers surface it distinctly (e.g. disable billing UI).
  2. Validation - amounts that do not reconcile, negative amounts where
     disallowed, malformed dates. Rejected before anything is persisted.
  3. Conflict - the document store aborted a unit of work because a document
     changed under it. Retryable by re-running the whole operation.
  4. NotFound - a referenced bill/ledger/transaction is missing. Skipped
     during reversal, fatal during payment distribution.

  There is deliberately no "partial reversal" category: a reversal either
  commits completely or not at all.

USAGE:
  if engine.IsRetryable(err) {
      // re-run the operation from scratch
  }
  var cfgErr *engine.ConfigurationError
  if errors.As(err, &cfgErr) { ... }
*/
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConfiguration is the root of every configuration failure.
	ErrConfiguration = errors.New("billing configuration error")

	// ErrValidation is the root of every input/reconciliation failure.
	ErrValidation = errors.New("validation error")

	// ErrConflict is returned when the store aborted a unit of work due to a
	// concurrent modification.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrNotFound is returned when a referenced document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBillAlreadySettled blocks regeneration of a period that carries payments.
	ErrBillAlreadySettled = errors.New("bill already settled")

	// ErrInsufficientCredit is returned when a credit ledger append would
	// take the balance below zero.
	ErrInsufficientCredit = errors.New("insufficient credit balance")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigurationError describes what in a client's billing configuration is
// missing or invalid. The message is safe to show to an administrator.
type ConfigurationError struct {
	ClientID ClientID
	Field    string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("billing configuration for client %s: %s", e.ClientID, e.Reason)
	}
	return fmt.Sprintf("billing configuration for client %s: %s: %s", e.ClientID, e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// ValidationError rejects input before persistence.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConflictError names the document whose version moved under a unit of work.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of %s", e.Path)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError names the missing document.
type NotFoundError struct {
	Kind string // "transaction", "bill", "credit ledger", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// BillAlreadySettledError lists the units whose bills already carry payments.
type BillAlreadySettledError struct {
	ClientID ClientID
	Domain   Domain
	PeriodID string
	Units    []UnitID
}

func (e *BillAlreadySettledError) Error() string {
	units := make([]string, len(e.Units))
	for i, u := range e.Units {
		units[i] = string(u)
	}
	return fmt.Sprintf("%s bills for %s already have payments (units: %s); refusing to regenerate",
		e.Domain, e.PeriodID, strings.Join(units, ", "))
}

func (e *BillAlreadySettledError) Unwrap() error { return ErrBillAlreadySettled }

// InsufficientCreditError provides details about a credit shortfall.
type InsufficientCreditError struct {
	UnitID    UnitID
	Available int64
	Requested int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit for unit %s: available %d, requested %d",
		e.UnitID, e.Available, e.Requested)
}

func (e *InsufficientCreditError) Unwrap() error { return ErrInsufficientCredit }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if re-running the whole operation might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientCredit) ||
		errors.Is(err, ErrBillAlreadySettled)
}

// IsNotFound returns true if the error indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConfiguration returns true for billing configuration failures.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
