package duplex

// Provides a buffer of allocated but unused frame buffers.
var frameBufferPool chan []byte

func init() {
	frameBufferPool = make(chan []byte, FrameBufferPoolSize)
}

// FrameBufferAlloc returns an empty buffer with room for one length-prefixed frame.
func FrameBufferAlloc() []byte {
	select {
	case b := <-frameBufferPool:
		if cap(b) >= FramePrefixSize+MaxFrameSize {
			return b[:0]
		}
	default:
	}
	return make([]byte, 0, FramePrefixSize+MaxFrameSize)
}

// FrameBufferFree releases a buffer obtained from FrameBufferAlloc.
// Buffers smaller than the current MaxFrameSize are dropped.
func FrameBufferFree(b []byte) {
	if cap(b) >= FramePrefixSize+MaxFrameSize {
		select {
		case frameBufferPool <- b[:0]:
		default:
		}
	}
}
