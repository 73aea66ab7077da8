package duplex

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHost is a streamHost that encodes and decodes every emitted frame
// and keeps them until taken.
type testHost struct {
	t        *testing.T
	log      zerolog.Logger
	debitor  *Debitor
	signaler *Signaler
	maxFrame int
	frames   []Frame
	released []*Stream
	mu       sync.Mutex
	credited []uint64
}

func newTestHost(t *testing.T, d *Debitor, target SignalTarget) *testHost {
	if d == nil {
		d = NewDebitor(zerolog.Nop())
	}
	if target == nil {
		target = SignalTargetFunc(func(TimerHandle, *Frame) {})
	}
	return &testHost{
		t:        t,
		log:      zerolog.Nop(),
		debitor:  d,
		signaler: NewSignaler(target),
		maxFrame: DefaultMaxFrameSize,
	}
}

func (h *testHost) emit(f *Frame) error {
	b := make([]byte, f.EncodedSize())
	n, err := Encode(f, b, 0, len(b))
	require.NoError(h.t, err)
	g, err := Decode(b, 0, n)
	require.NoError(h.t, err)
	h.frames = append(h.frames, g)
	return nil
}

func (h *testHost) budgets() *Debitor { return h.debitor }

func (h *testHost) signals() *Signaler { return h.signaler }

func (h *testHost) logger() *zerolog.Logger { return &h.log }

func (h *testHost) maxFrameSize() int { return h.maxFrame }

func (h *testHost) credit(s *Stream, traceID uint64) {
	h.mu.Lock()
	h.credited = append(h.credited, traceID)
	h.mu.Unlock()
}

func (h *testHost) release(s *Stream) {
	h.released = append(h.released, s)
}

func (h *testHost) isReleased(s *Stream) bool {
	for _, r := range h.released {
		if r == s {
			return true
		}
	}
	return false
}

func (h *testHost) credits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.credited)
}

func (h *testHost) take() (frames []Frame) {
	frames, h.frames = h.frames, nil
	return
}

// recorder is a Handler keeping copies of what it sees.
type recorder struct {
	frames  []Frame
	closed  int
	onFrame func(s *Stream, f *Frame) error
}

func (r *recorder) HandleFrame(s *Stream, f *Frame) error {
	g := *f
	g.Payload = append([]byte(nil), f.Payload...)
	g.Extension = append([]byte(nil), f.Extension...)
	r.frames = append(r.frames, g)
	if r.onFrame != nil {
		return r.onFrame(s, f)
	}
	return nil
}

func (r *recorder) OnClosed(s *Stream) {
	r.closed++
}

func (r *recorder) kinds() (kinds []FrameKind) {
	for _, f := range r.frames {
		kinds = append(kinds, f.Kind)
	}
	return
}

func (r *recorder) last(kind FrameKind) *Frame {
	for i := len(r.frames) - 1; i >= 0; i-- {
		if r.frames[i].Kind == kind {
			return &r.frames[i]
		}
	}
	return nil
}

type messageRecorder struct {
	recorder
	messages [][]byte
}

func (mr *messageRecorder) HandleMessage(s *Stream, m *Message) error {
	mr.messages = append(mr.messages, m.Bytes())
	return nil
}

// streamPair connects a local stream to the remote stream it creates,
// the way two engines over one transport would.
type streamPair struct {
	t       *testing.T
	lh, rh  *testHost
	local   *Stream
	remote  *Stream
	binding Binding
}

func newStreamPair(t *testing.T, lh, rh *testHost, h Handler, b Binding) *streamPair {
	p := &streamPair{t: t, lh: lh, rh: rh, binding: b}
	if p.lh == nil {
		p.lh = newTestHost(t, nil, nil)
	}
	if p.rh == nil {
		p.rh = newTestHost(t, nil, nil)
	}
	p.local = newStream(p.lh, 0x10, 0x20, 5, DefaultReplyID(5), true, DefaultMaxMessageSize)
	p.local.handler = h
	return p
}

func (p *streamPair) pump() {
	for {
		lf, rf := p.lh.take(), p.rh.take()
		if len(lf)+len(rf) == 0 {
			return
		}
		for i := range lf {
			f := &lf[i]
			if p.remote == nil {
				p.remote = newStream(p.rh, f.OriginID, f.RoutedID, f.StreamID, DefaultReplyID(f.StreamID), false, DefaultMaxMessageSize)
				p.remote.accept(p.binding, f)
				continue
			}
			if !p.rh.isReleased(p.remote) {
				p.remote.onFrame(f)
			}
		}
		for i := range rf {
			if !p.lh.isReleased(p.local) {
				p.local.onFrame(&rf[i])
			}
		}
	}
}

func bindTo(h Handler) Binding {
	return BindingFunc(func(s *Stream, begin *Frame) (Handler, error) {
		return h, nil
	})
}

func payloadOf(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func openPair(t *testing.T, p *streamPair, window uint32) {
	require.NoError(t, p.local.SendBegin(1, 0xa, 0xb, nil))
	p.pump()
	require.NotNil(t, p.remote)
	require.NoError(t, p.remote.SendBegin(1, 0, 0, nil))
	require.NoError(t, p.remote.SendWindow(1, 0, window, 0))
	p.pump()
	require.NoError(t, p.local.SendWindow(1, 0, window, 0))
	p.pump()
	require.Equal(t, StateOpen, p.local.State.Initial)
	require.Equal(t, StateOpen, p.local.State.Reply)
	require.Equal(t, StateOpen, p.remote.State.Initial)
	require.Equal(t, StateOpen, p.remote.State.Reply)
}

func Test_Stream_Roles(t *testing.T) {
	p := newStreamPair(t, nil, nil, nil, nil)
	assert.Equal(t, Initial, p.local.TxRole())
	assert.Equal(t, Reply, p.local.RxRole())
	assert.Equal(t, uint64(5), p.local.Tx().ID)
	assert.Equal(t, uint64(4), p.local.Rx().ID)
	assert.Contains(t, p.local.String(), "IDLE")
}

func Test_Stream_BeginDataEnd(t *testing.T) {
	lr := &recorder{}
	rr := &recorder{}
	p := newStreamPair(t, nil, nil, lr, bindTo(rr))
	openPair(t, p, 1000)
	assert.Equal(t, uint64(0xa), p.remote.Rx().Authorization)
	assert.Equal(t, uint64(0xb), p.remote.Rx().Affinity)
	assert.Equal(t, []FrameKind{KindBegin, KindWindow}, rr.kinds())

	require.NoError(t, p.local.SendData(2, FlagComplete, []byte("hello"), []byte("ext")))
	require.NoError(t, p.local.SendFlush(3, nil))
	p.pump()
	f := rr.last(KindData)
	require.NotNil(t, f)
	assert.Equal(t, []byte("hello"), f.Payload)
	assert.Equal(t, []byte("ext"), f.Extension)
	assert.Equal(t, uint64(5), p.remote.Rx().Flow.Sequence)
	assert.Equal(t, KindFlush, rr.frames[len(rr.frames)-1].Kind)

	require.NoError(t, p.local.SendEnd(4, nil))
	require.NoError(t, p.remote.SendEnd(4, nil))
	p.pump()
	assert.True(t, p.local.IsClosed())
	assert.True(t, p.remote.IsClosed())
	assert.Equal(t, 1, lr.closed)
	assert.Equal(t, 1, rr.closed)
	assert.Len(t, p.lh.released, 1)
	assert.Len(t, p.rh.released, 1)

	err := p.local.SendData(5, FlagComplete, []byte("late"), nil)
	assert.Equal(t, StreamClosedError{}, errors.Cause(err))
	assert.Equal(t, StreamClosedError{}, errors.Cause(p.local.WriteMessage(5, []byte("late"))))
	assert.Equal(t, StreamClosedError{}, errors.Cause(p.remote.SendWindow(5, 0, 10, 0)))
	p.local.Close(6, DiagnosticNone)
	assert.Equal(t, 1, lr.closed)
	assert.Empty(t, p.lh.take())
}

func Test_Stream_DataBeforeWindow(t *testing.T) {
	lr := &recorder{}
	rr := &recorder{}
	p := newStreamPair(t, nil, nil, lr, bindTo(rr))
	require.NoError(t, p.local.SendBegin(1, 0, 0, nil))
	err := p.local.SendData(1, FlagComplete, []byte("x"), nil)
	var se *StateError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindData, se.Kind)
	assert.Equal(t, StateOpening, se.State)
	p.pump()

	// a peer that sends anyway gets reset
	f := Frame{Kind: KindData, OriginID: 0x10, RoutedID: 0x20, StreamID: 5, Reserved: 1, Payload: []byte("x")}
	p.remote.onFrame(&f)
	p.pump()
	rst := lr.last(KindReset)
	require.NotNil(t, rst)
	code, err := ParseDiagnostic(rst.Extension)
	require.NoError(t, err)
	assert.Equal(t, DiagnosticProtocol, code)
	assert.Equal(t, StateClosed, p.local.State.Initial)
	assert.True(t, p.remote.IsClosed())
	assert.Equal(t, 1, rr.closed)
}

func Test_Stream_WindowLimitsData(t *testing.T) {
	rr := &recorder{}
	p := newStreamPair(t, nil, nil, &recorder{}, bindTo(rr))
	openPair(t, p, 10)
	require.NoError(t, p.local.SendData(1, FlagComplete, payloadOf(10), nil))
	err := p.local.SendData(1, FlagComplete, payloadOf(1), nil)
	assert.True(t, IsBackpressure(err))
	assert.Equal(t, uint64(10), p.local.Tx().Flow.Sequence)
	p.pump()
	require.NoError(t, p.remote.SendWindow(2, 0, 10, 0))
	p.pump()
	assert.NoError(t, p.local.SendData(1, FlagComplete, payloadOf(1), nil))
}

func Test_Stream_OverrunIsCorrupt(t *testing.T) {
	lr := &recorder{}
	p := newStreamPair(t, nil, nil, lr, bindTo(&recorder{}))
	openPair(t, p, 10)
	f := p.local.frame(KindData, p.local.Tx(), 7)
	f.Flags = FlagComplete
	f.Reserved = 11
	f.Payload = payloadOf(11)
	p.remote.onFrame(&f)
	p.pump()
	abt := lr.last(KindAbort)
	require.NotNil(t, abt)
	code, err := ParseDiagnostic(abt.Extension)
	require.NoError(t, err)
	assert.Equal(t, DiagnosticCorrupt, code)
	rst := lr.last(KindReset)
	require.NotNil(t, rst)
	assert.True(t, p.remote.IsClosed())
}

func Test_Stream_SequenceGapIsCorrupt(t *testing.T) {
	lr := &recorder{}
	rr := &recorder{}
	p := newStreamPair(t, nil, nil, lr, bindTo(rr))
	openPair(t, p, 100)
	require.NoError(t, p.local.SendData(1, FlagComplete, []byte("ab"), nil))
	p.pump()
	f := p.local.frame(KindData, p.local.Tx(), 7)
	f.Flags = FlagComplete
	f.Sequence += 3
	f.Reserved = 1
	f.Payload = []byte("c")
	p.remote.onFrame(&f)
	p.pump()
	assert.True(t, p.remote.IsClosed())
	assert.Equal(t, uint64(2), p.remote.Rx().Flow.Sequence)
	rst := lr.last(KindReset)
	require.NotNil(t, rst)
	code, err := ParseDiagnostic(rst.Extension)
	require.NoError(t, err)
	assert.Equal(t, DiagnosticCorrupt, code)
}

func Test_Stream_WriteMessageFragments(t *testing.T) {
	rr := &messageRecorder{}
	lh := newTestHost(t, nil, nil)
	lh.maxFrame = dataOverhead + 128
	p := newStreamPair(t, lh, nil, &recorder{}, bindTo(rr))
	openPair(t, p, 300)

	msg := payloadOf(1000)
	err := p.local.WriteMessage(1, msg)
	assert.True(t, IsBackpressure(err))
	assert.True(t, p.local.Pending())
	assert.True(t, IsProtocolError(p.local.SendEnd(1, nil)))
	assert.True(t, IsProtocolError(p.local.SendData(1, FlagComplete, nil, nil)))

	for i := 0; i < 10 && len(rr.messages) == 0; i++ {
		p.pump()
		assert.LessOrEqual(t, p.remote.Rx().asm.Buffered(), len(msg))
		require.NoError(t, p.remote.SendWindow(2, 0, 300, 0))
	}
	p.pump()
	require.Len(t, rr.messages, 1)
	assert.Equal(t, msg, rr.messages[0])
	assert.False(t, p.local.Pending())

	// window again so the message after it is sent in one call
	require.NoError(t, p.remote.SendWindow(2, 0, 300, 0))
	p.pump()
	require.NoError(t, p.local.WriteMessage(3, []byte("short")))
	p.pump()
	require.Len(t, rr.messages, 2)
	assert.Equal(t, []byte("short"), rr.messages[1])
}

func Test_Stream_WriteMessagePadding(t *testing.T) {
	rr := &messageRecorder{}
	p := newStreamPair(t, nil, nil, &recorder{}, bindTo(rr))
	openPair(t, p, 100)
	require.NoError(t, p.remote.SendWindow(1, 0, 100, 20))
	p.pump()
	assert.Equal(t, uint64(20), p.local.Tx().Flow.Padding)
	err := p.local.WriteMessage(1, payloadOf(100))
	assert.True(t, IsBackpressure(err))
	// 80 payload bytes plus 20 padding fill the window
	assert.Equal(t, uint64(100), p.local.Tx().Flow.Sequence)
	for i := 0; i < 10 && len(rr.messages) == 0; i++ {
		p.pump()
		require.NoError(t, p.remote.SendWindow(2, 0, 100, 20))
	}
	p.pump()
	require.Len(t, rr.messages, 1)
	assert.Equal(t, payloadOf(100), rr.messages[0])
}

func Test_Stream_AbortMidMessage(t *testing.T) {
	rr := &messageRecorder{}
	p := newStreamPair(t, nil, nil, &recorder{}, bindTo(rr))
	openPair(t, p, 300)
	assert.True(t, IsBackpressure(p.local.WriteMessage(1, payloadOf(1000))))
	p.pump()
	assert.True(t, p.remote.Rx().asm.InProgress())
	require.NoError(t, p.local.SendAbort(2, DiagnosticHandler))
	assert.False(t, p.local.Pending())
	p.pump()
	assert.Empty(t, rr.messages)
	assert.False(t, p.remote.Rx().asm.InProgress())
	abt := rr.last(KindAbort)
	require.NotNil(t, abt)
	code, err := ParseDiagnostic(abt.Extension)
	require.NoError(t, err)
	assert.Equal(t, DiagnosticHandler, code)
	assert.Equal(t, StateClosed, p.remote.State.Initial)
	assert.Equal(t, StateOpen, p.remote.State.Reply)
}

func Test_Stream_EndInsideMessage(t *testing.T) {
	lr := &recorder{}
	rr := &messageRecorder{}
	p := newStreamPair(t, nil, nil, lr, bindTo(rr))
	openPair(t, p, 1000)
	f := p.local.frame(KindData, p.local.Tx(), 1)
	f.Flags = FlagInit
	f.Reserved = 3
	f.Payload = []byte("abc")
	p.remote.onFrame(&f)
	end := Frame{Kind: KindEnd, OriginID: 0x10, RoutedID: 0x20, StreamID: 5, Sequence: 3}
	p.remote.onFrame(&end)
	p.pump()
	assert.True(t, p.remote.IsClosed())
	abt := lr.last(KindAbort)
	require.NotNil(t, abt)
	code, _ := ParseDiagnostic(abt.Extension)
	assert.Equal(t, DiagnosticProtocol, code)
}

func Test_Stream_Reset(t *testing.T) {
	lr := &recorder{}
	rr := &recorder{}
	rr.onFrame = func(s *Stream, f *Frame) error {
		if f.Kind == KindData {
			return s.SendReset(f.TraceID, DiagnosticCancelled)
		}
		return nil
	}
	p := newStreamPair(t, nil, nil, lr, bindTo(rr))
	openPair(t, p, 1000)
	require.NoError(t, p.local.SendData(1, FlagComplete, []byte("a"), nil))
	p.pump()
	assert.Equal(t, StateClosed, p.remote.State.Initial)
	// data still in flight after the reset is dropped
	late := p.local.frame(KindData, p.local.Tx(), 1)
	late.Flags = FlagComplete
	late.Sequence = 1
	late.Reserved = 1
	late.Payload = []byte("b")
	p.remote.onFrame(&late)
	assert.False(t, p.remote.IsClosed())
	assert.Len(t, rr.kinds(), 3)

	rst := lr.last(KindReset)
	require.NotNil(t, rst)
	code, _ := ParseDiagnostic(rst.Extension)
	assert.Equal(t, DiagnosticCancelled, code)
	assert.Equal(t, StateClosed, p.local.State.Initial)
	assert.True(t, IsProtocolError(p.local.SendData(1, FlagComplete, []byte("c"), nil)))

	require.NoError(t, p.remote.SendEnd(2, nil))
	p.pump()
	assert.True(t, p.local.IsClosed())
	assert.True(t, p.remote.IsClosed())
	assert.Equal(t, 1, lr.closed)
	assert.Equal(t, 1, rr.closed)
}

func Test_Stream_NoRoute(t *testing.T) {
	lr := &recorder{}
	p := newStreamPair(t, nil, nil, lr, nil)
	require.NoError(t, p.local.SendBegin(1, 0, 0, nil))
	p.pump()
	require.NotNil(t, p.remote)
	assert.True(t, p.remote.IsClosed())
	rst := lr.last(KindReset)
	require.NotNil(t, rst)
	code, err := ParseDiagnostic(rst.Extension)
	require.NoError(t, err)
	assert.Equal(t, DiagnosticNoRoute, code)
	assert.Equal(t, StateClosed, p.local.State.Initial)
	assert.False(t, p.local.IsClosed())

	p.local.Close(2, DiagnosticNone)
	assert.True(t, p.local.IsClosed())
	assert.Equal(t, 1, lr.closed)
	p.local.Close(2, DiagnosticNone)
	assert.Equal(t, 1, lr.closed)
	assert.Len(t, p.lh.released, 1)
}

func Test_Stream_BindingRefuses(t *testing.T) {
	lr := &recorder{}
	refuse := BindingFunc(func(s *Stream, begin *Frame) (Handler, error) {
		return nil, errors.New("busy")
	})
	p := newStreamPair(t, nil, nil, lr, refuse)
	require.NoError(t, p.local.SendBegin(1, 0, 0, nil))
	p.pump()
	rst := lr.last(KindReset)
	require.NotNil(t, rst)
	code, _ := ParseDiagnostic(rst.Extension)
	assert.Equal(t, DiagnosticHandler, code)
}

func Test_Stream_CloseBothWays(t *testing.T) {
	lr := &recorder{}
	rr := &recorder{}
	p := newStreamPair(t, nil, nil, lr, bindTo(rr))
	openPair(t, p, 1000)
	p.local.Close(1, DiagnosticCancelled)
	p.remote.Close(1, DiagnosticCancelled)
	p.pump()
	assert.True(t, p.local.IsClosed())
	assert.True(t, p.remote.IsClosed())
	assert.Equal(t, 1, lr.closed)
	assert.Equal(t, 1, rr.closed)
}

func Test_Stream_HandlerErrorCloses(t *testing.T) {
	lr := &recorder{}
	rr := &recorder{}
	rr.onFrame = func(s *Stream, f *Frame) error {
		if f.Kind == KindData {
			return errors.New("handler failed")
		}
		if f.Kind == KindFlush {
			return errors.WithStack(WouldExceedWindowError{})
		}
		return nil
	}
	p := newStreamPair(t, nil, nil, lr, bindTo(rr))
	openPair(t, p, 1000)
	require.NoError(t, p.local.SendFlush(1, nil))
	p.pump()
	assert.False(t, p.remote.IsClosed())
	require.NoError(t, p.local.SendData(1, FlagComplete, []byte("x"), nil))
	p.pump()
	assert.True(t, p.remote.IsClosed())
	abt := lr.last(KindAbort)
	require.NotNil(t, abt)
	code, _ := ParseDiagnostic(abt.Extension)
	assert.Equal(t, DiagnosticHandler, code)
}

func Test_Stream_Challenge(t *testing.T) {
	lr := &recorder{}
	rr := &recorder{}
	p := newStreamPair(t, nil, nil, lr, bindTo(rr))
	openPair(t, p, 1000)
	require.NoError(t, p.remote.SendChallenge(1, []byte("token?")))
	p.pump()
	c := lr.last(KindChallenge)
	require.NotNil(t, c)
	assert.Equal(t, []byte("token?"), c.Extension)
	assert.Equal(t, StateOpen, p.local.State.Initial)
}

func Test_Stream_Budget(t *testing.T) {
	d := NewDebitor(zerolog.Nop())
	lh := newTestHost(t, d, nil)
	rr := &messageRecorder{}
	p := newStreamPair(t, lh, nil, &recorder{}, bindTo(rr))
	openPair(t, p, 1000)
	require.NoError(t, d.Supply(1, 7, 100))
	require.NoError(t, p.remote.SendWindow(1, 7, 1000, 0))
	p.pump()
	tx := p.local.Tx()
	require.NotZero(t, tx.budget)
	assert.Equal(t, uint64(7), tx.BudgetID)

	msg := payloadOf(250)
	assert.True(t, IsBackpressure(p.local.WriteMessage(2, msg)))
	assert.Equal(t, 0, d.Available(7))
	assert.Equal(t, 100, d.Held(tx.budget))
	assert.Equal(t, uint64(100), tx.Flow.Sequence)

	for i := 0; i < 10 && len(rr.messages) == 0; i++ {
		p.pump()
		assert.Equal(t, 100, d.Available(7)+d.Held(tx.budget))
		require.NoError(t, p.remote.SendWindow(3, 7, 1000, 0))
	}
	p.pump()
	require.Len(t, rr.messages, 1)
	assert.Equal(t, msg, rr.messages[0])
	assert.Equal(t, 100, d.Available(7)+d.Held(tx.budget))
	assert.Greater(t, lh.credits(), 0)

	require.NoError(t, p.local.SendEnd(4, nil))
	assert.Zero(t, tx.budget)
	assert.Equal(t, 100, d.Available(7))
}

func Test_Stream_CreditResumes(t *testing.T) {
	d := NewDebitor(zerolog.Nop())
	lh := newTestHost(t, d, nil)
	lr := &recorder{}
	rr := &messageRecorder{}
	p := newStreamPair(t, lh, nil, lr, bindTo(rr))
	openPair(t, p, 1000)
	require.NoError(t, p.remote.SendWindow(1, 9, 1000, 0))
	p.pump()
	assert.True(t, IsBackpressure(p.local.WriteMessage(2, payloadOf(50))))
	assert.Equal(t, uint64(0), p.local.Tx().Flow.Sequence)
	assert.Equal(t, 0, lh.credits())

	require.NoError(t, d.Supply(3, 9, 50))
	require.Equal(t, 1, lh.credits())
	p.local.onCredit(3)
	sig := lr.last(KindSignal)
	require.NotNil(t, sig)
	assert.Equal(t, SignalCredit, sig.SignalID)
	assert.False(t, p.local.Pending())
	p.pump()
	require.Len(t, rr.messages, 1)
}

func Test_Stream_BudgetReleasedOnClose(t *testing.T) {
	d := NewDebitor(zerolog.Nop())
	lh := newTestHost(t, d, nil)
	p := newStreamPair(t, lh, nil, &recorder{}, bindTo(&messageRecorder{}))
	openPair(t, p, 1000)
	require.NoError(t, d.Supply(1, 7, 100))
	require.NoError(t, p.remote.SendWindow(1, 7, 1000, 0))
	p.pump()
	assert.True(t, IsBackpressure(p.local.WriteMessage(2, payloadOf(150))))
	assert.Equal(t, 0, d.Available(7))
	p.local.Close(3, DiagnosticCancelled)
	assert.Equal(t, 100, d.Available(7))
	assert.False(t, p.local.Pending())
}

func Test_Stream_Signal(t *testing.T) {
	defer leaktest.Check(t)()
	ch := make(chan *Frame, 1)
	handles := make(chan TimerHandle, 1)
	lh := newTestHost(t, nil, SignalTargetFunc(func(h TimerHandle, f *Frame) {
		handles <- h
		ch <- f
	}))
	defer lh.signaler.Close()
	lr := &recorder{}
	p := newStreamPair(t, lh, nil, lr, nil)

	h := p.local.SignalAt(time.Now(), 9, 42, []byte("tick"))
	require.NotZero(t, h)
	select {
	case f := <-ch:
		p.local.onSignal(<-handles, f)
	case <-time.After(time.Second):
		t.Fatal("signal not delivered")
	}
	sig := lr.last(KindSignal)
	require.NotNil(t, sig)
	assert.Equal(t, uint32(42), sig.SignalID)
	assert.Equal(t, uint64(9), sig.TraceID)
	assert.Equal(t, []byte("tick"), sig.Payload)
	assert.Equal(t, uint64(5), sig.StreamID)

	// a signal cancelled after it fired is not handled
	h = p.local.SignalAt(time.Now(), 10, 43, nil)
	f := <-ch
	fh := <-handles
	assert.False(t, p.local.CancelSignal(h))
	p.local.onSignal(fh, f)
	assert.Equal(t, uint32(42), lr.last(KindSignal).SignalID)

	p.local.SignalAt(time.Now().Add(time.Hour), 11, 44, nil)
	assert.Equal(t, 1, lh.signaler.Pending())
	p.local.Close(12, DiagnosticNone)
	assert.Equal(t, 0, lh.signaler.Pending())
	assert.Zero(t, p.local.SignalAt(time.Now(), 13, 45, nil))
}

func Test_Stream_MessageReaderHandler(t *testing.T) {
	var got bytes.Buffer
	rr := &messageRecorder{}
	p := newStreamPair(t, nil, nil, &recorder{}, bindTo(rr))
	openPair(t, p, 1000)
	require.NoError(t, p.local.WriteMessage(1, []byte("hello world")))
	p.pump()
	require.Len(t, rr.messages, 1)
	got.Write(rr.messages[0])
	assert.Equal(t, "hello world", got.String())
}
