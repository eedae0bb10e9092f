package pipeline

import "errors"

// Sentinel errors for pipeline operations. Check with errors.Is.
var (
	// ErrNotPending indicates an attempt to run a job that is not in the
	// pending state. This is a logic error on the caller's side, reported
	// rather than crashed on: the record is left untouched.
	ErrNotPending = errors.New("job is not pending")

	// ErrNotRetryable indicates a retry was requested for a job that has
	// not failed.
	ErrNotRetryable = errors.New("only failed jobs can be retried")

	// ErrNotDerivable indicates a derived operation (translate,
	// re-export) was requested on a job that is not a completed OCR job.
	ErrNotDerivable = errors.New("derived operations require a completed OCR job")
)
