package domain

import "errors"

var (
	// ErrEvaluationFailed wraps configuration, profile, persistence, or
	// deadline failures during scoring. No partial result accompanies it.
	ErrEvaluationFailed = errors.New("trust evaluation failed")

	// ErrControllerFailed wraps policy-cache or event-persistence failures
	// in the scaling controller. Existing security levels are unchanged.
	ErrControllerFailed = errors.New("scaling controller failed")

	// ErrAdjustmentConflict signals a concurrent upsert race at the store
	// layer. The controller retries the single affected mechanism.
	ErrAdjustmentConflict = errors.New("adjustment conflict")

	// ErrNotFound signals a missing record.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput signals a malformed request or entity.
	ErrInvalidInput = errors.New("invalid input")
)
