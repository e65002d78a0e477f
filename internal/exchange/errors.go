package exchange

import "fmt"

// SubmissionError is raised when a call to the exchange failed before any
// acknowledgment was received — the caller may safely assume nothing was
// placed and retry with a new intent.
type SubmissionError struct {
	Cause                    error
	OrderSubmittedToExchange bool // always false for this error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("exchange: submission failed: %v", e.Cause)
}

func (e *SubmissionError) Unwrap() error { return e.Cause }

// AmbiguousSubmissionError is raised when a call timed out after sending
// but before an acknowledgment was observed. OrderSubmittedToExchange is
// unknown — the caller must enter confirmation polling rather than retry.
type AmbiguousSubmissionError struct {
	Cause error
}

func (e *AmbiguousSubmissionError) Error() string {
	return fmt.Sprintf("exchange: ambiguous submission: %v", e.Cause)
}

func (e *AmbiguousSubmissionError) Unwrap() error { return e.Cause }
