// Package errors provides error handling for mender.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, orchestrator.ErrRunInProgress) {
//	    // handle admission rejection
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	GetAllDetails = crdb.GetAllDetails
	GetAllHints   = crdb.GetAllHints
)

// Assertions and panics
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Common sentinel errors used across mender.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrInvalidSchedule indicates a schedule expression failed validation
	ErrInvalidSchedule = New("invalid schedule expression")

	// ErrRunInProgress indicates a run is already executing
	ErrRunInProgress = New("run in progress")

	// ErrBackoffActive indicates the failure backoff window has not elapsed
	ErrBackoffActive = New("backoff window active")

	// ErrEmergencyStopped indicates the scheduler requires operator intervention
	ErrEmergencyStopped = New("scheduler emergency stopped")

	// ErrResourcePressure indicates system resources exceed configured ceilings
	ErrResourcePressure = New("resource pressure")

	// ErrSchedulerPaused indicates the scheduler is not accepting triggers
	ErrSchedulerPaused = New("scheduler paused")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsAdmissionRejection reports whether err is one of the admission rejection
// sentinels. Rejections are expected operating conditions, not run failures.
func IsAdmissionRejection(err error) bool {
	return err != nil && IsAny(err,
		ErrRunInProgress,
		ErrBackoffActive,
		ErrEmergencyStopped,
		ErrResourcePressure,
		ErrSchedulerPaused,
	)
}
