// Package cherrors defines the error taxonomy shared by stablepipe,
// channel and message: a small set of sentinel conditions that the
// behavior hooks and the communication channel supervisor branch on,
// wrapped with github.com/juju/errors so call sites keep a trace.
package cherrors

import (
	"github.com/juju/errors"
)

// sentinel is a comparable marker type so errors.Cause(err) == sentinel
// works after wrapping with errors.Trace/errors.Annotate.
type sentinel string

func (s sentinel) Error() string { return string(s) }

const (
	// ErrTimeout is synthesized when an internal timeout token fires
	// while waiting on a read or a flush.
	ErrTimeout = sentinel("ck-commchannel: operation timed out")

	// ErrTimeoutFrame is the Message Reader specialization of ErrTimeout,
	// raised when a ReadNext's own framed-operation timeout triggers.
	ErrTimeoutFrame = sentinel("ck-commchannel: framed read timed out")

	// ErrTimeoutMessage is the Message Writer specialization of
	// ErrTimeout, raised when a WriteNext's own framed-operation
	// timeout triggers.
	ErrTimeoutMessage = sentinel("ck-commchannel: framed write timed out")

	// ErrAlreadyReading signals a concurrency-contract violation: a
	// second read was attempted while one was already in flight.
	ErrAlreadyReading = sentinel("ck-commchannel: a read is already in progress")

	// ErrAlreadyWriting signals a concurrency-contract violation: a
	// second flush/write was attempted while one was already in flight
	// (and multiple-writer serialization was not requested).
	ErrAlreadyWriting = sentinel("ck-commchannel: a write is already in progress")

	// ErrInvalidOperationReader is raised when the inner byte source is
	// completed outside of the Stable Reader's control and the
	// behavior declines to handle it.
	ErrInvalidOperationReader = sentinel("ck-commchannel: inner byte source was completed outside of control")

	// ErrInvalidOperationWriter is the writer-side twin of
	// ErrInvalidOperationReader, kept as a distinct message so logs
	// stay diagnosable.
	ErrInvalidOperationWriter = sentinel("ck-commchannel: inner byte sink was completed outside of control")

	// ErrConfiguration marks a configuration rejected by
	// Configuration.CheckValid.
	ErrConfiguration = sentinel("ck-commchannel: invalid configuration")

	// ErrChannelDisposed is returned by Channel operations invoked
	// after Dispose.
	ErrChannelDisposed = sentinel("ck-commchannel: channel is disposed")
)

// IsTimeout reports whether err is (or wraps) ErrTimeout, ErrTimeoutFrame
// or ErrTimeoutMessage.
func IsTimeout(err error) bool {
	cause := errors.Cause(err)
	return cause == ErrTimeout || cause == ErrTimeoutFrame || cause == ErrTimeoutMessage
}

// Is reports whether err is (or wraps, via errors.Trace/Annotate) target.
func Is(err, target error) bool {
	return errors.Cause(err) == target
}

// TransportError wraps an arbitrary error raised by an inner byte
// source/sink that isn't one of the sentinels above.
func TransportError(err error) error {
	return errors.Annotate(err, "ck-commchannel: transport error")
}
