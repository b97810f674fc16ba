// Package errors provides error handling for permsweep.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints and details surfaced to operators
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
//	if errors.Is(err, errors.ErrNoJob) {
//	    // nothing to resume
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
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints
)

// Sentinel errors for the audit engine's error taxonomy.
// Every fallible external call wraps one of these so the controller's
// top-level handler can match on the kind instead of the message.
var (
	// ErrNoJob indicates no audit job state exists to load, resume, or cancel
	ErrNoJob = New("no audit job")

	// ErrFetchFailed indicates a page listing call against the data source
	// failed. Fatal to the job: there is no partial retry of a page.
	ErrFetchFailed = New("page fetch failed")

	// ErrPermissionFetch indicates a per-item permission listing failed.
	// Recovered locally: the item is emitted with zero permissions and a
	// fetch-failed marker.
	ErrPermissionFetch = New("permission fetch failed")

	// ErrCheckpointCorrupt indicates persisted job state could not be
	// parsed. Resuming is unsafe; the job must be restarted from scratch.
	ErrCheckpointCorrupt = New("checkpoint corrupt")

	// ErrStaleState indicates a checkpoint save lost the fencing-token
	// compare: the state was cancelled or replaced by a newer job while
	// this invocation was in flight. The caller must stop without
	// recreating state.
	ErrStaleState = New("stale job state")

	// ErrSchedulingFailed indicates continuation registration failed.
	// A lost continuation would strand the job in PROCESSING forever, so
	// this is surfaced loudly rather than swallowed.
	ErrSchedulingFailed = New("continuation scheduling failed")
)

// IsNoJob checks if an error is or wraps ErrNoJob
func IsNoJob(err error) bool {
	return err != nil && Is(err, ErrNoJob)
}

// IsStaleState checks if an error is or wraps ErrStaleState
func IsStaleState(err error) bool {
	return err != nil && Is(err, ErrStaleState)
}

// IsCheckpointCorrupt checks if an error is or wraps ErrCheckpointCorrupt
func IsCheckpointCorrupt(err error) bool {
	return err != nil && Is(err, ErrCheckpointCorrupt)
}
