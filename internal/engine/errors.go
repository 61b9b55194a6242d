package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/compose/internal/ir"
)

// ChannelErrorCode categorizes channel errors.
type ChannelErrorCode string

const (
	// ErrCodeVersionMismatch indicates writers disagree on a channel's reducer.
	ErrCodeVersionMismatch ChannelErrorCode = "VERSION_MISMATCH"

	// ErrCodeReducerPanic indicates the reducer panicked on an action.
	ErrCodeReducerPanic ChannelErrorCode = "REDUCER_PANIC"

	// ErrCodeClosed indicates the channel is not attached or was detached.
	ErrCodeClosed ChannelErrorCode = "CLOSED"

	// ErrCodeTransport indicates the event log or snapshot store failed.
	ErrCodeTransport ChannelErrorCode = "TRANSPORT"
)

// ChannelError represents an error surfaced at the engine boundary.
//
// Business errors (authorization, validation) are never ChannelErrors: a
// reducer reports them cooperatively through resolve, and Emit returns them
// as the response message.
type ChannelError struct {
	// Code identifies the error category.
	Code ChannelErrorCode

	// Channel is the affected channel name.
	Channel string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *ChannelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (channel=%s): %v", e.Code, e.Message, e.Channel, e.Err)
	}
	return fmt.Sprintf("%s: %s (channel=%s)", e.Code, e.Message, e.Channel)
}

// Unwrap returns the underlying cause.
func (e *ChannelError) Unwrap() error {
	return e.Err
}

// VersionMismatchError reports that the reducer identity recorded for a
// channel differs from the one this process runs. The channel is frozen in
// the VersionMismatch state.
type VersionMismatchError struct {
	Channel  string
	Recorded ir.ReducerIdentity
	Local    ir.ReducerIdentity
}

// Error implements the error interface.
func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%s: channel %s records reducer %s@%s, running %s@%s",
		ErrCodeVersionMismatch, e.Channel,
		e.Recorded.Name, e.Recorded.Version,
		e.Local.Name, e.Local.Version)
}

// ReducerPanicError is delivered to the emitter whose action made the
// reducer panic. The channel value is left unchanged.
type ReducerPanicError struct {
	Channel string
	EventID string
	Value   any
}

// Error implements the error interface.
func (e *ReducerPanicError) Error() string {
	return fmt.Sprintf("%s: reducer panicked on event %s (channel=%s): %v",
		ErrCodeReducerPanic, e.EventID, e.Channel, e.Value)
}

// IsVersionMismatch returns true if the error reports reducer drift.
// Uses errors.As to handle wrapped errors.
func IsVersionMismatch(err error) bool {
	var vm *VersionMismatchError
	if errors.As(err, &vm) {
		return true
	}
	return hasCode(err, ErrCodeVersionMismatch)
}

// IsReducerPanic returns true if the error reports a reducer panic.
func IsReducerPanic(err error) bool {
	var rp *ReducerPanicError
	if errors.As(err, &rp) {
		return true
	}
	return hasCode(err, ErrCodeReducerPanic)
}

// IsClosed returns true if the channel was not attached or was detached.
func IsClosed(err error) bool {
	return hasCode(err, ErrCodeClosed)
}

// IsTransport returns true if the error came from the event log or
// snapshot store.
func IsTransport(err error) bool {
	return hasCode(err, ErrCodeTransport)
}

func hasCode(err error, code ChannelErrorCode) bool {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

func newClosedError(channel, message string) *ChannelError {
	return &ChannelError{Code: ErrCodeClosed, Channel: channel, Message: message}
}

func newTransportError(channel, message string, err error) *ChannelError {
	return &ChannelError{Code: ErrCodeTransport, Channel: channel, Message: message, Err: err}
}
