// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package duplex

// sanity check the configuration
func init() {
	if MaxFrameSize < FrameHeaderSize+64 {
		panic("MaxFrameSize < FrameHeaderSize+64")
	}
	if MaxFrameSize > ProtocolMaxFrameSize {
		panic("MaxFrameSize > ProtocolMaxFrameSize")
	}
	if MaxMessageSize < 1 {
		panic("MaxMessageSize < 1")
	}
	if FrameBufferPoolSize < 0 {
		panic("FrameBufferPoolSize < 0")
	}
	if FrameHeaderSize != offsetAuthorization+8 {
		panic("FrameHeaderSize != offsetAuthorization+8")
	}
}
