/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Validation errors - Records rejected before any computation
  2. Sequencing errors - Overlapping or malformed billing periods
  3. Lookup errors - Referenced rental/sale/bond/payment missing
  4. Store errors - Database-level failures

USAGE:
  Callers classify with errors.Is / errors.As:

    var ve *generic.ValidationError
    if errors.As(err, &ve) {
        fmt.Println(ve.Field, ve.Message)
    }

SEE ALSO:
  - sequence.go: Produces overlap information
  - workflow.go: Produces StepError
  - cnam/bond.go: Wraps these errors with domain context
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when a record fails a blocking business rule.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidStep is returned when a workflow step is outside [1, total].
	ErrInvalidStep = errors.New("invalid workflow step")

	// ErrInvalidPeriod is returned when a period is malformed (end before start).
	ErrInvalidPeriod = errors.New("invalid period: end before start")

	// ErrOverlappingPeriod is returned when a billing period starts before the
	// previous one ends and the operator has not acknowledged it.
	ErrOverlappingPeriod = errors.New("overlapping billing period")

	// ErrCategoryMismatch is returned when a bond's subject does not match its category.
	ErrCategoryMismatch = errors.New("bond category does not match its subject")

	// ErrNotFound is the parent of every missing-record error.
	ErrNotFound = errors.New("not found")

	ErrRentalNotFound  = fmt.Errorf("rental %w", ErrNotFound)
	ErrSaleNotFound    = fmt.Errorf("sale %w", ErrNotFound)
	ErrBondNotFound    = fmt.Errorf("bond %w", ErrNotFound)
	ErrPaymentNotFound = fmt.Errorf("payment %w", ErrNotFound)

	// ErrDuplicateBondNumber is returned when a bond number is already taken.
	ErrDuplicateBondNumber = errors.New("duplicate bond number")

	// ErrStoreRequired is returned when an operation requires a specific store capability.
	ErrStoreRequired = errors.New("operation requires extended store interface")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a *ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// StepError reports an out-of-range workflow step.
type StepError struct {
	Step  int
	Total int
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d out of range [1, %d]", e.Step, e.Total)
}

func (e *StepError) Unwrap() error { return ErrInvalidStep }

// OverlapError provides details about a billing period that starts before
// the previous one (or the installation) ends.
type OverlapError struct {
	Key          string // payment ID, empty for a candidate not yet stored
	PeriodNumber int
	OverlapDays  int
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("billing period P%d overlaps the previous period by %d day(s)",
		e.PeriodNumber, e.OverlapDays)
}

func (e *OverlapError) Unwrap() error { return ErrOverlappingPeriod }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidStep) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrCategoryMismatch)
}

// IsConflict returns true if the error conflicts with existing state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrOverlappingPeriod) ||
		errors.Is(err, ErrDuplicateBondNumber)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
