// Package errs defines the CookieMonster error taxonomy.
//
// Every error that crosses a component boundary (capture, replay, the
// control plane) is wrapped in an *Error carrying a Kind, so that callers
// can switch on the kind instead of parsing messages. The control plane
// maps Kind to an HTTP status code; the capture store maps some kinds to
// "skip this line and keep going" instead of a fatal return.
package errs

import (
	"errors"
	"fmt"
)

// Kind names a class of failure from the taxonomy in the design spec.
type Kind string

const (
	ConfigInvalid             Kind = "ConfigInvalid"
	NoDebuggableTarget        Kind = "NoDebuggableTarget"
	CdpConnectFailed          Kind = "CdpConnectFailed"
	CdpCallTimeout            Kind = "CdpCallTimeout"
	CdpFrameOversize          Kind = "CdpFrameOversize"
	EncryptedStoreRequiresKey Kind = "EncryptedStoreRequiresKey"
	CaptureAuthFailure        Kind = "CaptureAuthFailure"
	RecordTooLarge            Kind = "RecordTooLarge"
	NoMatchingCapture         Kind = "NoMatchingCapture"
	CaptureHostMismatch       Kind = "CaptureHostMismatch"
	DomainNotAllowed          Kind = "DomainNotAllowed"
	PolicyDenied              Kind = "PolicyDenied"
	ResponseTooLarge          Kind = "ResponseTooLarge"
	Transient                 Kind = "Transient"
	Cancelled                 Kind = "Cancelled"
	NonLoopbackBindRefused    Kind = "NonLoopbackBindRefused"
	RequestBodyTooLarge       Kind = "RequestBodyTooLarge"
	Unauthorized              Kind = "Unauthorized"
	NotImplemented            Kind = "NotImplemented"
)

// Error is the concrete error type returned across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error // optional wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
// Returns "" if err does not carry a known kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
