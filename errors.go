package duplex

import (
	"fmt"
	"io"
	"net"

	"code.hybscloud.com/iox"
	"github.com/pkg/errors"
)

// TruncatedError means a buffer ended before a declared field.
type TruncatedError struct{}

func (TruncatedError) Error() string { return "truncated frame" }

// UnknownKindError means a frame carried an unknown kind discriminant.
type UnknownKindError struct{}

func (UnknownKindError) Error() string { return "unknown frame kind" }

// CapacityExceededError means an encode target buffer was too small.
type CapacityExceededError struct{}

func (CapacityExceededError) Error() string { return "frame capacity exceeded" }

// MalformedError means a frame had a consistent header but an impossible layout,
// such as trailing bytes after the last field.
type MalformedError struct{}

func (MalformedError) Error() string { return "malformed frame" }

// ProtocolError is the error type used for reporting stream protocol violations,
// all of which are fatal to the stream they occur on.
type ProtocolError struct{}

func (ProtocolError) Error() string { return "protocol error" }

// CorruptError means flow accounting would overflow or go backwards.
// It is a protocol violation.
type CorruptError struct{}

func (CorruptError) Error() string { return "corrupt flow accounting" }

// Unwrap makes CorruptError match ProtocolError.
func (CorruptError) Unwrap() error { return ProtocolError{} }

// InterleavedError means fragments of two messages were mixed on one half-stream.
type InterleavedError struct{}

func (InterleavedError) Error() string { return "interleaved message fragments" }

// Unwrap makes InterleavedError match ProtocolError.
func (InterleavedError) Unwrap() error { return ProtocolError{} }

// MessageTooLargeError means a reassembled message grew beyond MaxMessageSize.
type MessageTooLargeError struct{}

func (MessageTooLargeError) Error() string { return "message too large" }

// Unwrap makes MessageTooLargeError match ProtocolError.
func (MessageTooLargeError) Unwrap() error { return ProtocolError{} }

// WouldExceedWindowError means the send window or the shared budget cannot
// cover the frame right now. Wait for a Window frame or a credit signal.
type WouldExceedWindowError struct{}

func (WouldExceedWindowError) Error() string { return "would exceed window" }

// Unwrap makes WouldExceedWindowError match iox.ErrWouldBlock.
func (WouldExceedWindowError) Unwrap() error { return iox.ErrWouldBlock }

// InvalidIndexError means a budget index was never acquired or already released.
type InvalidIndexError struct{}

func (InvalidIndexError) Error() string { return "invalid budget index" }

// StreamClosedError means an operation was attempted on a fully closed stream.
type StreamClosedError struct{}

func (StreamClosedError) Error() string { return "stream closed" }

// NilHandlerError means a stream was opened without a Handler.
type NilHandlerError struct{}

func (NilHandlerError) Error() string { return "nil handler" }

// FrameTooBigError means a frame would not fit in MaxFrameSize.
type FrameTooBigError struct{}

func (FrameTooBigError) Error() string { return "frame too big" }

// ShutdownTimeoutError means streams were still active when Shutdown gave up.
type ShutdownTimeoutError struct{}

func (ShutdownTimeoutError) Error() string { return "timeout waiting for streams at shutdown" }

type engineClosedError struct{}

func (engineClosedError) Error() string { return "engine closed" }

// IsBackpressure returns true if err only means "not now", as opposed to a failure.
func IsBackpressure(err error) bool {
	return errors.Is(err, iox.ErrWouldBlock)
}

// IsProtocolError returns true if err is a protocol violation.
func IsProtocolError(err error) bool {
	return errors.Is(err, ProtocolError{})
}

// IsMalformed returns true if err came from decoding or encoding a frame.
func IsMalformed(err error) bool {
	switch errors.Cause(err) {
	case TruncatedError{}, UnknownKindError{}, CapacityExceededError{}, MalformedError{}:
		return true
	}
	return false
}

func isClosedError(err error) bool {
	switch errors.Cause(err) {
	case engineClosedError{}, StreamClosedError{}:
		return true
	case io.EOF, io.ErrClosedPipe, io.ErrUnexpectedEOF:
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

// NoRouteError means a Begin arrived for a routed id with no binding.
type NoRouteError struct{}

func (NoRouteError) Error() string { return "no route" }

// StateError is returned for a frame that is illegal in the current half-stream state.
type StateError struct {
	Kind  FrameKind
	Half  HalfRole
	State HalfState
}

func (se *StateError) Error() string {
	return fmt.Sprintf("%s on %s half in state %s", se.Kind, se.Half, se.State)
}

// Unwrap makes StateError match ProtocolError.
func (se *StateError) Unwrap() error { return ProtocolError{} }
