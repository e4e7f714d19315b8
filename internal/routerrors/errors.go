// Package routerrors defines the typed error taxonomy the router's
// handlers use internally and maps them to the numeric error codes
// carried on the wire.
package routerrors

import (
	"errors"
	"fmt"
)

// Code is the numeric error code published in a response's
// data.errorCode field.
type Code int

const (
	NotFound Code = iota
	AlreadyStarted
	AlreadyStopped
	NotStarted
	NotRunning
	MoveFailed
	InvalidRoute
)

// NotFoundError indicates an unknown jobId in RouteStore or
// JobStateStore.
type NotFoundError struct {
	JobId string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %q not found", e.JobId)
}

func (e *NotFoundError) Code() Code { return NotFound }

// InvalidRouteError indicates a route that failed validation: periodic
// without epochs, or an empty station list.
type InvalidRouteError struct {
	Reason string
}

func (e *InvalidRouteError) Error() string {
	return fmt.Sprintf("invalid route: %s", e.Reason)
}

func (e *InvalidRouteError) Code() Code { return InvalidRoute }

// StoreUnavailableError wraps a transient I/O failure talking to
// RouteStore or JobStateStore.
type StoreUnavailableError struct {
	Store string
	Err   error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Store, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// MoveFailedError indicates the registry copy failed for one of the
// base/latest tags.
type MoveFailedError struct {
	Tag string
	Err error
}

func (e *MoveFailedError) Error() string {
	return fmt.Sprintf("move failed copying %s: %v", e.Tag, e.Err)
}

func (e *MoveFailedError) Unwrap() error { return e.Err }

func (e *MoveFailedError) Code() Code { return MoveFailed }

// MalformedMessageError indicates the bus payload was not JSON or was
// missing required fields.
type MalformedMessageError struct {
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

// UnknownEventError indicates an inbound event type outside the closed
// set the Dispatcher recognizes.
type UnknownEventError struct {
	EventType string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown event type %q", e.EventType)
}

// statusError covers the handler-level rejections that are not a
// distinct Go type per the spec (ALREADY_STARTED, ALREADY_STOPPED,
// NOT_STARTED, NOT_RUNNING) but still need a Code.
type statusError struct {
	code Code
	msg  string
}

func (e *statusError) Error() string { return e.msg }
func (e *statusError) Code() Code    { return e.code }

func AlreadyStartedError(jobId string) error {
	return &statusError{code: AlreadyStarted, msg: fmt.Sprintf("job %q already started", jobId)}
}

func AlreadyStoppedError(jobId string) error {
	return &statusError{code: AlreadyStopped, msg: fmt.Sprintf("job %q already stopped", jobId)}
}

func NotStartedError(jobId string) error {
	return &statusError{code: NotStarted, msg: fmt.Sprintf("job %q not started", jobId)}
}

func NotRunningError(jobId string) error {
	return &statusError{code: NotRunning, msg: fmt.Sprintf("job %q not running", jobId)}
}

// Coder is implemented by every error in this package that maps to a
// wire-level error code.
type Coder interface {
	Code() Code
}

// CodeOf extracts the wire error code for an error. ok is false for
// errors with no wire-level code (MalformedMessageError,
// UnknownEventError) — those responses carry a null errorCode.
func CodeOf(err error) (code Code, ok bool) {
	var c Coder
	if errors.As(err, &c) {
		return c.Code(), true
	}
	return 0, false
}
