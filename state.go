package duplex

import (
	"fmt"

	"github.com/pkg/errors"
)

// HalfState is the lifecycle state of one half-stream.
type HalfState uint8

const (
	// StateIdle is a half that has not seen a Begin.
	StateIdle = HalfState(iota)
	// StateOpening is a half that has seen a Begin but no Window.
	StateOpening
	// StateOpen is a half that may carry Data.
	StateOpen
	// StateClosed is terminal.
	StateClosed
)

var halfStateTexts = [...]string{"IDLE", "OPENING", "OPEN", "CLOSED"}

func (hs HalfState) String() string {
	if int(hs) < len(halfStateTexts) {
		return halfStateTexts[hs]
	}
	return fmt.Sprintf("HalfState(%d)", uint8(hs))
}

// HalfRole selects one half of a stream.
type HalfRole uint8

const (
	// Initial is the caller to callee half.
	Initial = HalfRole(0)
	// Reply is the callee to caller half.
	Reply = HalfRole(1)
)

func (hr HalfRole) String() string {
	if hr == Initial {
		return "initial"
	}
	return "reply"
}

// RoleOf returns the role of the half addressed by streamID.
func RoleOf(streamID uint64) HalfRole {
	if IsInitial(streamID) {
		return Initial
	}
	return Reply
}

type halfStates uint8

func states(list ...HalfState) (m halfStates) {
	for _, hs := range list {
		m |= 1 << hs
	}
	return
}

func (m halfStates) has(hs HalfState) bool {
	return m&(1<<hs) != 0
}

// StreamState tracks both halves of a stream. Every transition is checked;
// an illegal one returns a *StateError and changes nothing.
//
// OnClosed, if set, is called exactly once, by the transition that
// leaves both halves closed.
type StreamState struct {
	Initial  HalfState
	Reply    HalfState
	OnClosed func()
	closed   bool
}

func (ss *StreamState) String() string {
	return fmt.Sprintf("[StreamState %s %s]", ss.Initial, ss.Reply)
}

// Get returns the state of a half.
func (ss *StreamState) Get(h HalfRole) HalfState {
	if h == Initial {
		return ss.Initial
	}
	return ss.Reply
}

// IsClosed returns true once both halves are closed.
func (ss *StreamState) IsClosed() bool {
	return ss.Initial == StateClosed && ss.Reply == StateClosed
}

func (ss *StreamState) move(kind FrameKind, h HalfRole, from halfStates, to HalfState) error {
	p := &ss.Initial
	if h == Reply {
		p = &ss.Reply
	}
	if !from.has(*p) {
		return errors.WithStack(&StateError{Kind: kind, Half: h, State: *p})
	}
	*p = to
	if !ss.closed && ss.IsClosed() {
		ss.closed = true
		if ss.OnClosed != nil {
			ss.OnClosed()
		}
	}
	return nil
}

// Begin opens a half. A second Begin is a protocol error.
func (ss *StreamState) Begin(h HalfRole) error {
	return ss.move(KindBegin, h, states(StateIdle), StateOpening)
}

// Window marks a half open. A Window on a closed half is reported
// so the caller can decide to ignore it.
func (ss *StreamState) Window(h HalfRole) error {
	return ss.move(KindWindow, h, states(StateOpening, StateOpen), StateOpen)
}

// Data checks that a half may carry Data.
func (ss *StreamState) Data(h HalfRole) error {
	return ss.move(KindData, h, states(StateOpen), StateOpen)
}

// Flush checks that a half may carry Flush.
func (ss *StreamState) Flush(h HalfRole) error {
	return ss.move(KindFlush, h, states(StateOpen), StateOpen)
}

// End closes an open half gracefully.
func (ss *StreamState) End(h HalfRole) error {
	return ss.move(KindEnd, h, states(StateOpen), StateClosed)
}

// Abort closes an opening or open half.
func (ss *StreamState) Abort(h HalfRole) error {
	return ss.move(KindAbort, h, states(StateOpening, StateOpen), StateClosed)
}

// Reset closes the initial half on behalf of its receiver.
func (ss *StreamState) Reset(h HalfRole) error {
	if h != Initial {
		return errors.WithStack(&StateError{Kind: KindReset, Half: h, State: ss.Reply})
	}
	return ss.move(KindReset, h, states(StateOpening, StateOpen), StateClosed)
}

// Challenge checks that a half is opening or open.
func (ss *StreamState) Challenge(h HalfRole) error {
	return ss.move(KindChallenge, h, states(StateOpening, StateOpen), ss.Get(h))
}

// Detach closes a half locally without any frame. It returns false if the
// half was already closed.
func (ss *StreamState) Detach(h HalfRole) bool {
	return ss.move(KindInvalid, h, states(StateIdle, StateOpening, StateOpen), StateClosed) == nil
}
