// Package duplex multiplexes windowed duplex streams over one transport.
package duplex

import "time"

const (
	// FrameHeaderSize is the number of bytes in the common frame header.
	FrameHeaderSize = 1 + 8 + 8 + 8 + 8 + 8 + 4 + 8 + 8
	// FramePrefixSize is the size of the length prefix in front of every frame on the transport.
	FramePrefixSize = 4
	// ProtocolMaxFrameSize is the maximum value allowed for MaxFrameSize.
	ProtocolMaxFrameSize = 1 << 24
	// ProtocolMaxReserved is the largest reserved value a single Data or Flush frame can carry.
	ProtocolMaxReserved = 1<<32 - 1
	// DefaultMaxFrameSize is the default largest encoded frame, excluding the length prefix.
	DefaultMaxFrameSize = 0x10000
	// DefaultMaxMessageSize is the default largest reassembled message.
	DefaultMaxMessageSize = 16 << 20
	// DefaultRingSize is the default capacity of each worker ring.
	DefaultRingSize = 1024
	// DefaultReadTimeout is how long Shutdown waits for streams to finish.
	DefaultReadTimeout = time.Second * 5
)

var (
	// MaxFrameSize is the largest buffer size allowed for a full frame (configurable).
	MaxFrameSize = DefaultMaxFrameSize // usually DefaultMaxFrameSize
	// MaxMessageSize limits how many payload bytes a Reassembler buffers for one message.
	MaxMessageSize = DefaultMaxMessageSize
	// FrameBufferPoolSize is the number of idle frame buffers kept for reuse.
	FrameBufferPoolSize = 0x1000
)
