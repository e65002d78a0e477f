// Package orders implements the Order Manager, the sole mutator of order
// rows and the heart of the engine per spec §4.3. It is grounded in the
// teacher's execution/executor.go (submit/retry/position-update shape,
// generalized from an in-memory map of truth to a persisted-row-of-truth
// design) and in the LucasAlvesSoares order_manager.go reference file's
// transactional insert-then-update and whitelisted-column-update pattern.
package orders

import "fmt"

// Code is the closed set of error categories from spec §7. Every error
// the Order Manager returns implements OrderErrorCode, so callers branch
// on a fixed enum rather than parsing strings.
type Code string

const (
	CodeValidation          Code = "VALIDATION"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeWindowCapExceeded   Code = "WINDOW_CAP_EXCEEDED"
	CodeSubmissionFailed    Code = "SUBMISSION_FAILED"
	CodeAmbiguousSubmission Code = "AMBIGUOUS_SUBMISSION"
	CodeConfirmationTimeout Code = "CONFIRMATION_TIMEOUT"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeStorageError        Code = "STORAGE_ERROR"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalidCancelState  Code = "INVALID_CANCEL_STATE"
	CodeBusy                Code = "BUSY"
	CodeFatal               Code = "FATAL"
)

// OrderError is the concrete error type every Order Manager method
// returns on failure.
type OrderError struct {
	code    Code
	message string
	cause   error
}

func newErr(code Code, format string, args ...interface{}) *OrderError {
	return &OrderError{code: code, message: fmt.Sprintf(format, args...)}
}

func wrapErr(code Code, cause error, format string, args ...interface{}) *OrderError {
	return &OrderError{code: code, message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *OrderError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *OrderError) Unwrap() error { return e.cause }

// OrderErrorCode returns the fixed taxonomy code, for callers that need to
// branch on category rather than parse Error().
func (e *OrderError) OrderErrorCode() Code { return e.code }
