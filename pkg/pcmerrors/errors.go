// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pcmerrors defines the error kinds returned across the PMU engine's
// public API and a small context-carrying Error type so that
// formatting a diagnostic for a human stays the caller's job, not this
// library's.
package pcmerrors

import (
	stdliberrors "errors"
	"fmt"
)

var (
	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Kind is the coarse classification of a failure.
type Kind string

const (
	KindSuccess        Kind = "success"
	KindAccessDenied   Kind = "access_denied"
	KindPMUBusy        Kind = "pmu_busy"
	KindMSRAccessDenied Kind = "msr_access_denied"
	KindUnsupported    Kind = "unsupported"
	KindUnknown        Kind = "unknown"
)

// Error carries a Kind plus enough context (component, socket, counter) for
// a front-end to format a useful diagnostic. The library never formats this
// itself beyond Error().
type Error struct {
	Kind      Kind
	Component string
	Socket    int
	Counter   string
	Cause     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", e.Component, e.Kind)
	if e.Socket >= 0 {
		msg = fmt.Sprintf("%s (socket %d)", msg, e.Socket)
	}
	if e.Counter != "" {
		msg = fmt.Sprintf("%s (counter %s)", msg, e.Counter)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New-kind constructors. Socket defaults to -1 (not socket-scoped).

func AccessDenied(component string, cause error) *Error {
	return &Error{Kind: KindAccessDenied, Component: component, Socket: -1, Cause: cause}
}

func MSRAccessDenied(component string, socket int, cause error) *Error {
	return &Error{Kind: KindMSRAccessDenied, Component: component, Socket: socket, Cause: cause}
}

func PMUBusy(component string, counter string) *Error {
	return &Error{Kind: KindPMUBusy, Component: component, Socket: -1, Counter: counter}
}

func Unsupported(component string, cause error) *Error {
	return &Error{Kind: KindUnsupported, Component: component, Socket: -1, Cause: cause}
}

func Unknown(component string, cause error) *Error {
	return &Error{Kind: KindUnknown, Component: component, Socket: -1, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindUnknown when err is
// not one of this package's Error values.
func KindOf(err error) Kind {
	if err == nil {
		return KindSuccess
	}
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable marks an error as sensible to retry (e.g. a transient MSR open
// failure while the NMI watchdog toggle is mid-flight).
type Retryable interface {
	error
	Retryable()
}

type retryableError struct{ error }

func (retryableError) Retryable() {}

// NewRetryable wraps err so Retryable(err) reports true.
func NewRetryable(err error) Retryable {
	return retryableError{err}
}

// IsRetryable reports whether err (or anything it wraps) is Retryable.
func IsRetryable(err error) bool {
	var r Retryable
	return As(err, &r)
}
