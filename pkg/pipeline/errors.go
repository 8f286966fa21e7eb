package pipeline

import "errors"

// Sentinel errors shared by the pipeline and its callers.
var (
	// ErrReceiptNotFound covers unknown ids, receipts owned by another user,
	// and soft-deleted receipts handed to the pipeline.
	ErrReceiptNotFound = errors.New("receipt not found")

	// ErrNotPending is returned when approval is attempted from any status
	// other than pending.
	ErrNotPending = errors.New("receipt is not pending approval")

	// ErrProcessing is returned when a pipeline run is requested while one is
	// already in flight for the receipt.
	ErrProcessing = errors.New("receipt is already being processed")

	// ErrUnknownCategory is returned when an edit names a category outside the
	// fixed enumeration.
	ErrUnknownCategory = errors.New("unknown expense category")

	// ErrBadDate is returned when an edit carries a date that is not a
	// calendar date in YYYY-MM-DD form.
	ErrBadDate = errors.New("date must be YYYY-MM-DD")
)
