// Package errors provides error handling for driveferry.
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
//	if errors.Is(err, errors.ErrNoCredential) {
//	    // handle missing credential
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
	Is         = crdb.Is
	IsAny      = crdb.IsAny
	As         = crdb.As
	Unwrap     = crdb.Unwrap
	UnwrapOnce = crdb.UnwrapOnce
	UnwrapAll  = crdb.UnwrapAll
)

// Sentinel errors for the transfer orchestration layer.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrNoCredential indicates the principal never completed authorization
	ErrNoCredential = New("no credential stored for principal")

	// ErrRefreshFailed indicates the upstream token refresh exchange was rejected
	ErrRefreshFailed = New("credential refresh failed")

	// ErrAccessDenied indicates the source provider rejected the credential
	// for the requested drive (typically pending admin approval)
	ErrAccessDenied = New("source access denied")

	// ErrEmptyManifest indicates canonicalization left no items to transfer
	ErrEmptyManifest = New("manifest contains no items")

	// ErrSpawnFailed indicates the transfer executable could not be started
	ErrSpawnFailed = New("transfer process spawn failed")

	// ErrAlreadyRunning indicates the principal already has an active job.
	// This is a flow-control signal, not a failure: callers receive the
	// existing job alongside it.
	ErrAlreadyRunning = New("a transfer is already running for this principal")

	// ErrInvalidTransition indicates an attempt to move a job out of a
	// terminal state or otherwise violate the state machine
	ErrInvalidTransition = New("invalid job state transition")

	// ErrBusy indicates the global concurrency ceiling is reached; the
	// request may be retried later
	ErrBusy = New("transfer engine at capacity")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
