// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package duplex implements a windowed, multiplexed, budget-flow-controlled duplex stream protocol.

A stream connects two endpoints, named by an origin id and a routed id, and consists of two halves. The initial half carries data from the caller to the callee and has an odd stream id. The reply half carries data back and has an even stream id derived from the initial one. Each half goes through the states IDLE, OPENING, OPEN and CLOSED on its own, driven by the frames Begin, Window, Data, Flush, End, Abort, Reset and Challenge. A stream is gone once both halves are closed.

The receiver of a half grants the sender a window with Window frames. The sender may not let its sequence pass acknowledge plus maximum, and must reserve padding bytes beyond the payload of every Data frame. A window may name a budget, a capacity pool shared by many streams through a Debitor. Sending then also requires a claim on the pool, and acknowledged bytes are credited back to it.

Messages larger than a frame, a window or a claim are split over several Data frames marked with FlagInit and FlagFin. A Reassembler puts them back together on the receiving side. A Signaler delivers Signal frames to a stream at a later time without blocking.

An Engine runs all of this over one ordered transport such as a pipe or a TCP connection. Frames are length prefixed on the transport. Each stream is owned by one worker goroutine chosen from its stream id, so a Handler never sees concurrent calls for the same stream.
*/
package duplex
