// frameheader.go

// Every frame starts with a fixed 61 byte header, all values big-endian:
//
//   kind u8 | originId u64 | routedId u64 | streamId u64 | sequence u64 |
//   acknowledge u64 | maximum u32 | traceId u64 | authorization u64
//
// The low bit of streamId tells the initial half (1) from the reply half (0).
// The kind-specific trailer follows the header, see frame.go.

package duplex

import (
	"encoding/binary"
	"fmt"
)

const (
	offsetKind          = 0
	offsetOriginID      = 1
	offsetRoutedID      = 9
	offsetStreamID      = 17
	offsetSequence      = 25
	offsetAcknowledge   = 33
	offsetMaximum       = 41
	offsetTraceID       = 45
	offsetAuthorization = 53
)

// FrameHeader provides zero-copy access to the common header of an encoded frame.
// The underlying slice must be at least FrameHeaderSize bytes, see IsComplete.
type FrameHeader []byte

func (fh FrameHeader) String() string {
	if !fh.IsComplete() {
		return fmt.Sprintf("[FrameHeader short (%d)]", len(fh))
	}
	return fmt.Sprintf("[FrameHeader %s %x:%x %016x seq=%d ack=%d max=%d (%d)]",
		fh.Kind(), fh.OriginID(), fh.RoutedID(), fh.StreamID(),
		fh.Sequence(), fh.Acknowledge(), fh.Maximum(), len(fh))
}

// IsComplete returns true if the slice holds an entire header.
func (fh FrameHeader) IsComplete() bool {
	return len(fh) >= FrameHeaderSize
}

// Kind returns the frame kind.
func (fh FrameHeader) Kind() FrameKind {
	return FrameKind(fh[offsetKind])
}

// SetKind sets the frame kind.
func (fh FrameHeader) SetKind(k FrameKind) {
	fh[offsetKind] = byte(k)
}

// OriginID returns the id of the originating binding.
func (fh FrameHeader) OriginID() uint64 {
	return binary.BigEndian.Uint64(fh[offsetOriginID:])
}

// SetOriginID sets the id of the originating binding.
func (fh FrameHeader) SetOriginID(id uint64) {
	binary.BigEndian.PutUint64(fh[offsetOriginID:], id)
}

// RoutedID returns the id of the binding the stream is routed to.
func (fh FrameHeader) RoutedID() uint64 {
	return binary.BigEndian.Uint64(fh[offsetRoutedID:])
}

// SetRoutedID sets the id of the binding the stream is routed to.
func (fh FrameHeader) SetRoutedID(id uint64) {
	binary.BigEndian.PutUint64(fh[offsetRoutedID:], id)
}

// StreamID returns the half-stream id.
func (fh FrameHeader) StreamID() uint64 {
	return binary.BigEndian.Uint64(fh[offsetStreamID:])
}

// SetStreamID sets the half-stream id.
func (fh FrameHeader) SetStreamID(id uint64) {
	binary.BigEndian.PutUint64(fh[offsetStreamID:], id)
}

// Sequence returns the sequence value.
func (fh FrameHeader) Sequence() uint64 {
	return binary.BigEndian.Uint64(fh[offsetSequence:])
}

// SetSequence sets the sequence value.
func (fh FrameHeader) SetSequence(n uint64) {
	binary.BigEndian.PutUint64(fh[offsetSequence:], n)
}

// Acknowledge returns the acknowledge value.
func (fh FrameHeader) Acknowledge() uint64 {
	return binary.BigEndian.Uint64(fh[offsetAcknowledge:])
}

// SetAcknowledge sets the acknowledge value.
func (fh FrameHeader) SetAcknowledge(n uint64) {
	binary.BigEndian.PutUint64(fh[offsetAcknowledge:], n)
}

// Maximum returns the window maximum.
func (fh FrameHeader) Maximum() uint32 {
	return binary.BigEndian.Uint32(fh[offsetMaximum:])
}

// SetMaximum sets the window maximum.
func (fh FrameHeader) SetMaximum(n uint32) {
	binary.BigEndian.PutUint32(fh[offsetMaximum:], n)
}

// TraceID returns the diagnostic correlation id.
func (fh FrameHeader) TraceID() uint64 {
	return binary.BigEndian.Uint64(fh[offsetTraceID:])
}

// SetTraceID sets the diagnostic correlation id.
func (fh FrameHeader) SetTraceID(id uint64) {
	binary.BigEndian.PutUint64(fh[offsetTraceID:], id)
}

// Authorization returns the authorization bitset.
func (fh FrameHeader) Authorization() uint64 {
	return binary.BigEndian.Uint64(fh[offsetAuthorization:])
}

// SetAuthorization sets the authorization bitset.
func (fh FrameHeader) SetAuthorization(n uint64) {
	binary.BigEndian.PutUint64(fh[offsetAuthorization:], n)
}

// Clear zeroes out the header bytes.
func (fh FrameHeader) Clear() {
	for i := range fh[:FrameHeaderSize] {
		fh[i] = 0
	}
}
