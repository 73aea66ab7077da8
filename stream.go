package duplex

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// SignalOpen is delivered to the Handler passed to Engine.Open, on the
	// stream's worker. The handler is expected to SendBegin.
	SignalOpen = uint32(0xfffffffe)
	// SignalCredit is delivered when budget that a send was waiting for may be available.
	SignalCredit = uint32(0xffffffff)
)

// dataOverhead is the encoded size of a Data frame without payload or extension.
const dataOverhead = FrameHeaderSize + 1 + 8 + 4 + 4 + 4

// Handler handles the frames of one stream. It is always called on the
// worker that owns the stream, never concurrently for the same stream.
// The frame and its byte slices are only valid during the call.
//
// Errors returned by a Handler close the stream, except for backpressure
// errors, which are ignored.
type Handler interface {
	HandleFrame(s *Stream, f *Frame) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(s *Stream, f *Frame) error

// HandleFrame calls fn(s, f).
func (fn HandlerFunc) HandleFrame(s *Stream, f *Frame) error {
	return fn(s, f)
}

// MessageHandler is implemented by handlers that want whole messages.
// Data frames of such handlers are reassembled and never passed to HandleFrame.
type MessageHandler interface {
	HandleMessage(s *Stream, m *Message) error
}

// Closer is implemented by handlers that want to know when their stream is gone.
type Closer interface {
	OnClosed(s *Stream)
}

// Binding accepts streams opened by the peer.
type Binding interface {
	// NewStream is called with the initial Begin of a new stream and returns its Handler.
	NewStream(s *Stream, begin *Frame) (Handler, error)
}

// BindingFunc adapts a function to Binding.
type BindingFunc func(s *Stream, begin *Frame) (Handler, error)

// NewStream calls fn(s, begin).
func (fn BindingFunc) NewStream(s *Stream, begin *Frame) (Handler, error) {
	return fn(s, begin)
}

// streamHost is what a Stream needs from the worker that owns it.
type streamHost interface {
	emit(f *Frame) error
	budgets() *Debitor
	signals() *Signaler
	credit(s *Stream, traceID uint64)
	release(s *Stream)
	logger() *zerolog.Logger
	maxFrameSize() int
}

// HalfStream is one direction of a stream.
type HalfStream struct {
	ID            uint64
	Flow          Flow
	BudgetID      uint64
	Authorization uint64
	Affinity      uint64
	budget        BudgetIndex
	debited       uint64
	asm           Reassembler
	msg           *Fragmenter
	msgTrace      uint64
}

// Stream is a duplex stream as seen by one engine. Local streams were opened
// by this engine, which sends the initial half and receives the reply half.
type Stream struct {
	OriginID  uint64
	RoutedID  uint64
	Local     bool
	State     StreamState
	Initial   HalfStream
	Reply     HalfStream
	host      streamHost
	handler   Handler
	timers    map[TimerHandle]struct{}
	resetSent bool
}

func newStream(host streamHost, originID, routedID, initialID, replyID uint64, local bool, maxMessageSize int) (s *Stream) {
	s = &Stream{
		OriginID: originID,
		RoutedID: routedID,
		Local:    local,
		Initial:  HalfStream{ID: initialID},
		Reply:    HalfStream{ID: replyID},
		host:     host,
	}
	s.Initial.asm.Limit = maxMessageSize
	s.Reply.asm.Limit = maxMessageSize
	s.State.OnClosed = s.onClosed
	return
}

func (s *Stream) String() string {
	return fmt.Sprintf("[Stream %x:%x %016x %s %s]", s.OriginID, s.RoutedID, s.Initial.ID, s.State.Initial, s.State.Reply)
}

// Handler returns the stream's handler.
func (s *Stream) Handler() Handler {
	return s.handler
}

// TxRole returns the role of the half this side sends.
func (s *Stream) TxRole() HalfRole {
	if s.Local {
		return Initial
	}
	return Reply
}

// RxRole returns the role of the half this side receives.
func (s *Stream) RxRole() HalfRole {
	return s.TxRole() ^ 1
}

// Half returns the half with the given role.
func (s *Stream) Half(h HalfRole) *HalfStream {
	if h == Initial {
		return &s.Initial
	}
	return &s.Reply
}

// Tx returns the half this side sends.
func (s *Stream) Tx() *HalfStream {
	return s.Half(s.TxRole())
}

// Rx returns the half this side receives.
func (s *Stream) Rx() *HalfStream {
	return s.Half(s.RxRole())
}

// IsClosed returns true once both halves are closed.
func (s *Stream) IsClosed() bool {
	return s.State.IsClosed()
}

// Pending returns true while a message started with WriteMessage is not fully sent.
func (s *Stream) Pending() bool {
	return s.Tx().msg != nil
}

func (s *Stream) frame(kind FrameKind, hs *HalfStream, traceID uint64) Frame {
	maximum := hs.Flow.Maximum
	if maximum > math.MaxUint32 {
		maximum = math.MaxUint32
	}
	return Frame{
		Kind:          kind,
		OriginID:      s.OriginID,
		RoutedID:      s.RoutedID,
		StreamID:      hs.ID,
		Sequence:      hs.Flow.Sequence,
		Acknowledge:   hs.Flow.Acknowledge,
		Maximum:       uint32(maximum),
		TraceID:       traceID,
		Authorization: hs.Authorization,
	}
}

func (s *Stream) fits(f *Frame) error {
	if size := f.EncodedSize(); size > s.host.maxFrameSize() {
		return errors.Wrapf(FrameTooBigError{}, "%s of %d bytes", f.Kind, size)
	}
	return nil
}

func (s *Stream) handle(f *Frame) (err error) {
	if s.handler != nil {
		if err = s.handler.HandleFrame(s, f); IsBackpressure(err) {
			err = nil
		}
	}
	return
}

func (s *Stream) releaseBudget(hs *HalfStream) {
	if hs.budget != 0 {
		if err := s.host.budgets().Release(hs.budget); err != nil {
			s.host.logger().Error().Err(err).Stringer("stream", s).Msg("budget release")
		}
		hs.budget = 0
		hs.debited = 0
	}
}

func (s *Stream) acquireBudget(hs *HalfStream, budgetID uint64) (err error) {
	s.releaseBudget(hs)
	hs.BudgetID = budgetID
	if budgetID != 0 {
		hs.budget, err = s.host.budgets().Acquire(budgetID, hs.ID, func(traceID uint64) {
			s.host.credit(s, traceID)
		})
	}
	return
}

// onClosed runs exactly once, when both halves are closed.
func (s *Stream) onClosed() {
	s.releaseBudget(&s.Initial)
	s.releaseBudget(&s.Reply)
	for h := range s.timers {
		s.host.signals().Cancel(h)
	}
	s.timers = nil
	s.Initial.asm.Abort()
	s.Reply.asm.Abort()
	s.Initial.msg = nil
	s.Reply.msg = nil
	s.host.release(s)
	if c, ok := s.handler.(Closer); ok {
		c.OnClosed(s)
	}
}

// fail closes the stream because of err, informing the peer with a diagnostic code.
func (s *Stream) fail(traceID uint64, err error) {
	code := DiagnoseError(err)
	s.host.logger().Warn().Err(err).Stringer("stream", s).Stringer("diagnostic", code).Msg("stream closed")
	s.Close(traceID, code)
}

// onFrame processes a frame received from the transport.
func (s *Stream) onFrame(f *Frame) {
	if err := s.dispatch(f); err != nil {
		s.fail(f.TraceID, err)
	}
}

func (s *Stream) dispatch(f *Frame) (err error) {
	rx, tx := s.Rx(), s.Tx()
	if f.Kind.FromSender() {
		if f.StreamID != rx.ID {
			return errors.Wrapf(ProtocolError{}, "%s addressed to the half we send", f.Kind)
		}
	} else if f.StreamID != tx.ID {
		return errors.Wrapf(ProtocolError{}, "%s addressed to the half we receive", f.Kind)
	}
	switch f.Kind {
	case KindBegin:
		if err = s.onBegin(f); err == nil {
			err = s.handle(f)
		}
	case KindData:
		err = s.onData(f)
	case KindFlush:
		err = s.onFlush(f)
	case KindEnd:
		err = s.onEnd(f)
	case KindAbort:
		err = s.onAbort(f)
	case KindWindow:
		err = s.onWindow(f)
	case KindReset:
		err = s.onReset(f)
	case KindChallenge:
		err = s.onChallenge(f)
	default:
		err = errors.Wrapf(ProtocolError{}, "%s from transport", f.Kind)
	}
	return
}

// accept processes the Begin of a stream opened by the peer. The handler
// returned by the binding sees the Begin like any other frame.
func (s *Stream) accept(b Binding, f *Frame) {
	if err := s.onBegin(f); err != nil {
		s.fail(f.TraceID, err)
		return
	}
	if b == nil {
		s.fail(f.TraceID, errors.Wrapf(NoRouteError{}, "routed id %x", f.RoutedID))
		return
	}
	h, err := b.NewStream(s, f)
	if err == nil && h == nil {
		err = errors.Wrapf(NoRouteError{}, "routed id %x refused", f.RoutedID)
	}
	if err == nil {
		s.handler = h
		err = s.handle(f)
	}
	if err != nil {
		s.fail(f.TraceID, err)
	}
}

// rxIgnored returns true for frames arriving on a half we reset.
func (s *Stream) rxIgnored() bool {
	return s.resetSent && s.State.Get(s.RxRole()) == StateClosed
}

// txIgnored returns true for late control frames on a half we already closed.
func (s *Stream) txIgnored() bool {
	return s.State.Get(s.TxRole()) == StateClosed
}

func (s *Stream) onBegin(f *Frame) (err error) {
	if f.Acknowledge > f.Sequence {
		return errors.Wrapf(CorruptError{}, "begin acknowledge %d > sequence %d", f.Acknowledge, f.Sequence)
	}
	if err = s.State.Begin(s.RxRole()); err == nil {
		rx := s.Rx()
		rx.Flow = Flow{Sequence: f.Sequence, Acknowledge: f.Acknowledge}
		rx.Authorization = f.Authorization
		rx.Affinity = f.Affinity
	}
	return
}

func (s *Stream) onData(f *Frame) (err error) {
	if s.rxIgnored() {
		return nil
	}
	rx := s.Rx()
	if err = s.State.Data(s.RxRole()); err != nil {
		return
	}
	if need := rx.Flow.Reserved(len(f.Payload)); uint64(f.Reserved) < need {
		return errors.Wrapf(CorruptError{}, "reserved %d below %d", f.Reserved, need)
	}
	if err = rx.Flow.OnReceive(f.Sequence, uint64(f.Reserved)); err != nil {
		return
	}
	if mh, ok := s.handler.(MessageHandler); ok {
		var m *Message
		if m, err = rx.asm.Accept(f.Flags, f.Payload); err == nil && m != nil {
			if err = mh.HandleMessage(s, m); IsBackpressure(err) {
				err = nil
			}
		}
		return
	}
	if err = rx.asm.Track(f.Flags); err == nil {
		err = s.handle(f)
	}
	return
}

func (s *Stream) onFlush(f *Frame) (err error) {
	if s.rxIgnored() {
		return nil
	}
	if err = s.State.Flush(s.RxRole()); err == nil {
		if err = s.Rx().Flow.OnReceive(f.Sequence, uint64(f.Reserved)); err == nil {
			err = s.handle(f)
		}
	}
	return
}

func (s *Stream) onEnd(f *Frame) (err error) {
	if s.rxIgnored() {
		return nil
	}
	rx := s.Rx()
	if err = s.State.End(s.RxRole()); err == nil {
		if rx.asm.Abort() {
			return errors.Wrap(InterleavedError{}, "end inside a message")
		}
		err = s.handle(f)
	}
	return
}

func (s *Stream) onAbort(f *Frame) (err error) {
	if s.rxIgnored() {
		return nil
	}
	if err = s.State.Abort(s.RxRole()); err == nil {
		s.Rx().asm.Abort()
		err = s.handle(f)
	}
	return
}

func (s *Stream) onWindow(f *Frame) (err error) {
	if s.txIgnored() {
		return nil
	}
	tx := s.Tx()
	fl := tx.Flow
	if err = fl.OnWindow(f.Acknowledge, uint64(f.Maximum), uint64(f.Padding)); err != nil {
		return
	}
	if err = s.State.Window(s.TxRole()); err != nil {
		return
	}
	acked := fl.Acknowledge - tx.Flow.Acknowledge
	tx.Flow = fl
	if f.BudgetID != tx.BudgetID {
		err = s.acquireBudget(tx, f.BudgetID)
	} else if tx.budget != 0 && acked > 0 && tx.debited > 0 {
		credit := acked
		if credit > tx.debited {
			credit = tx.debited
		}
		tx.debited -= credit
		err = s.host.budgets().Credit(f.TraceID, tx.budget, int(credit))
	}
	if err == nil {
		if err = s.resume(); IsBackpressure(err) {
			err = nil
		}
		if err == nil {
			err = s.handle(f)
		}
	}
	return
}

func (s *Stream) onReset(f *Frame) (err error) {
	if s.txIgnored() {
		return nil
	}
	if err = s.State.Reset(s.TxRole()); err == nil {
		s.Tx().msg = nil
		s.releaseBudget(s.Tx())
		err = s.handle(f)
	}
	return
}

func (s *Stream) onChallenge(f *Frame) (err error) {
	if s.txIgnored() {
		return nil
	}
	if err = s.State.Challenge(s.TxRole()); err == nil {
		err = s.handle(f)
	}
	return
}

// onSignal processes a fired signal.
func (s *Stream) onSignal(h TimerHandle, f *Frame) {
	if _, ok := s.timers[h]; !ok && h != 0 {
		// cancelled after firing
		return
	}
	delete(s.timers, h)
	if err := s.handle(f); err != nil {
		s.fail(f.TraceID, err)
	}
}

// onCredit resumes sending after budget became available.
func (s *Stream) onCredit(traceID uint64) {
	if s.txIgnored() {
		return
	}
	err := s.resume()
	if IsBackpressure(err) {
		err = nil
	}
	if err == nil {
		f := s.frame(KindSignal, s.Tx(), traceID)
		f.SignalID = SignalCredit
		err = s.handle(&f)
	}
	if err != nil {
		s.fail(traceID, err)
	}
}

// closedError returns StreamClosedError once both halves are closed.
func (s *Stream) closedError() error {
	if s.IsClosed() {
		return errors.WithStack(StreamClosedError{})
	}
	return nil
}

// SendBegin opens the half this side sends.
func (s *Stream) SendBegin(traceID, authorization, affinity uint64, extension []byte) (err error) {
	if err = s.closedError(); err != nil {
		return
	}
	tx := s.Tx()
	f := s.frame(KindBegin, tx, traceID)
	f.Authorization = authorization
	f.Affinity = affinity
	f.Extension = extension
	if err = s.fits(&f); err == nil {
		if err = s.State.Begin(s.TxRole()); err == nil {
			tx.Authorization = authorization
			tx.Affinity = affinity
			err = s.host.emit(&f)
		}
	}
	return
}

// SendWindow acknowledges everything received so far and grants the peer a
// window of maximum bytes. Data sent by the peer must reserve padding bytes
// beyond its payload, and be paid for from budgetID if nonzero.
func (s *Stream) SendWindow(traceID, budgetID uint64, maximum, padding uint32) (err error) {
	if err = s.closedError(); err != nil {
		return
	}
	rx := s.Rx()
	fl := rx.Flow
	if err = fl.OnWindow(fl.Sequence, uint64(maximum), uint64(padding)); err != nil {
		return
	}
	if err = s.State.Window(s.RxRole()); err == nil {
		rx.Flow = fl
		rx.BudgetID = budgetID
		f := s.frame(KindWindow, rx, traceID)
		f.BudgetID = budgetID
		f.Padding = padding
		err = s.host.emit(&f)
	}
	return
}

// SendData sends one Data frame. It returns WouldExceedWindowError if the
// window or the budget cannot cover it right now; nothing is sent in that case.
func (s *Stream) SendData(traceID uint64, flags DataFlag, payload, extension []byte) (err error) {
	if err = s.closedError(); err != nil {
		return
	}
	if err = s.State.Data(s.TxRole()); err != nil {
		return
	}
	tx := s.Tx()
	if tx.msg != nil {
		return errors.Wrap(InterleavedError{}, "message in progress")
	}
	return s.sendData(traceID, flags, payload, extension)
}

func (s *Stream) sendData(traceID uint64, flags DataFlag, payload, extension []byte) (err error) {
	tx := s.Tx()
	reserved := tx.Flow.Reserved(len(payload))
	if reserved > ProtocolMaxReserved {
		return errors.Wrapf(FrameTooBigError{}, "reserved %d", reserved)
	}
	f := s.frame(KindData, tx, traceID)
	f.Flags = flags
	f.BudgetID = tx.BudgetID
	f.Reserved = uint32(reserved)
	f.Payload = payload
	f.Extension = extension
	if err = s.fits(&f); err != nil {
		return
	}
	if tx.Flow.Available() < int64(reserved) {
		return errors.WithStack(WouldExceedWindowError{})
	}
	if tx.budget != 0 && reserved > 0 {
		var granted int
		if granted, err = s.host.budgets().Claim(traceID, tx.budget, tx.ID, int(reserved), int(reserved), flags); err != nil {
			return
		}
		if granted == 0 {
			return errors.WithStack(WouldExceedWindowError{})
		}
		tx.debited += uint64(granted)
	}
	if err = tx.Flow.OnSend(reserved); err == nil {
		err = s.host.emit(&f)
	}
	return
}

// WriteMessage sends payload as one message, split into as many Data frames as
// the window, the budget and the frame size require. If it runs out of window
// or budget it returns WouldExceedWindowError and continues by itself on the
// next Window frame or credit signal. The payload must not be modified while
// Pending returns true.
func (s *Stream) WriteMessage(traceID uint64, payload []byte) (err error) {
	if err = s.closedError(); err != nil {
		return
	}
	if err = s.State.Data(s.TxRole()); err != nil {
		return
	}
	tx := s.Tx()
	if tx.msg != nil {
		return errors.Wrap(InterleavedError{}, "message in progress")
	}
	tx.msg = NewFragmenter(payload)
	tx.msgTrace = traceID
	return s.resume()
}

// resume sends as much of the pending message as possible.
func (s *Stream) resume() (err error) {
	tx := s.Tx()
	for tx.msg != nil {
		fr := tx.msg
		padding := int64(tx.Flow.Padding)
		avail := tx.Flow.Available() - padding
		if avail < 0 || (avail == 0 && fr.Remaining() > 0) {
			return errors.WithStack(WouldExceedWindowError{})
		}
		limit := int64(s.host.maxFrameSize() - dataOverhead)
		if limit > avail {
			limit = avail
		}
		if rest := int64(fr.Remaining()); limit > rest {
			limit = rest
		}
		if tx.budget != 0 && padding+limit > 0 {
			minimum := padding
			if limit > 0 {
				minimum++
			}
			_, flags := fr.Chunk(int(limit))
			var granted int
			if granted, err = s.host.budgets().Claim(tx.msgTrace, tx.budget, tx.ID, int(minimum), int(padding+limit), flags); err != nil {
				return
			}
			if granted == 0 {
				return errors.WithStack(WouldExceedWindowError{})
			}
			tx.debited += uint64(granted)
			limit = int64(granted) - padding
		}
		chunk, flags := fr.Chunk(int(limit))
		reserved := tx.Flow.Reserved(len(chunk))
		f := s.frame(KindData, tx, tx.msgTrace)
		f.Flags = flags
		f.BudgetID = tx.BudgetID
		f.Reserved = uint32(reserved)
		f.Payload = chunk
		if err = tx.Flow.OnSend(reserved); err != nil {
			return
		}
		if err = s.host.emit(&f); err != nil {
			return
		}
		if fr.Advance(len(chunk)); fr.Done() {
			tx.msg = nil
		}
	}
	return
}

// SendFlush sends a Flush on the half this side sends.
func (s *Stream) SendFlush(traceID uint64, extension []byte) (err error) {
	if err = s.closedError(); err != nil {
		return
	}
	tx := s.Tx()
	f := s.frame(KindFlush, tx, traceID)
	f.BudgetID = tx.BudgetID
	f.Extension = extension
	if err = s.fits(&f); err == nil {
		if err = s.State.Flush(s.TxRole()); err == nil {
			err = s.host.emit(&f)
		}
	}
	return
}

// SendEnd closes the half this side sends.
func (s *Stream) SendEnd(traceID uint64, extension []byte) (err error) {
	if err = s.closedError(); err != nil {
		return
	}
	tx := s.Tx()
	if tx.msg != nil {
		return errors.Wrap(InterleavedError{}, "message in progress")
	}
	f := s.frame(KindEnd, tx, traceID)
	f.Extension = extension
	if err = s.fits(&f); err == nil {
		if err = s.State.End(s.TxRole()); err == nil {
			s.releaseBudget(tx)
			err = s.host.emit(&f)
		}
	}
	return
}

// SendAbort closes the half this side sends abnormally.
func (s *Stream) SendAbort(traceID uint64, code DiagnosticCode) (err error) {
	if err = s.closedError(); err != nil {
		return
	}
	tx := s.Tx()
	f := s.frame(KindAbort, tx, traceID)
	f.Extension = code.Extension()
	if err = s.State.Abort(s.TxRole()); err == nil {
		tx.msg = nil
		s.releaseBudget(tx)
		err = s.host.emit(&f)
	}
	return
}

// SendReset refuses the initial half. Only the callee can send it.
func (s *Stream) SendReset(traceID uint64, code DiagnosticCode) (err error) {
	if err = s.closedError(); err != nil {
		return
	}
	rx := s.Rx()
	f := s.frame(KindReset, rx, traceID)
	f.Extension = code.Extension()
	if err = s.State.Reset(s.RxRole()); err == nil {
		s.resetSent = true
		rx.asm.Abort()
		err = s.host.emit(&f)
	}
	return
}

// SendChallenge asks the peer to refresh the credentials of the half it sends.
func (s *Stream) SendChallenge(traceID uint64, extension []byte) (err error) {
	if err = s.closedError(); err != nil {
		return
	}
	rx := s.Rx()
	f := s.frame(KindChallenge, rx, traceID)
	f.Extension = extension
	if err = s.fits(&f); err == nil {
		if err = s.State.Challenge(s.RxRole()); err == nil {
			err = s.host.emit(&f)
		}
	}
	return
}

// SignalAt schedules a Signal frame for this stream's handler at deadline.
// Pending signals are cancelled when the stream closes.
func (s *Stream) SignalAt(deadline time.Time, traceID uint64, signalID uint32, payload []byte) (h TimerHandle) {
	if !s.IsClosed() {
		if h = s.host.signals().SignalAt(deadline, s.OriginID, s.RoutedID, s.Initial.ID, traceID, signalID, payload); h != 0 {
			if s.timers == nil {
				s.timers = make(map[TimerHandle]struct{})
			}
			s.timers[h] = struct{}{}
		}
	}
	return
}

// CancelSignal cancels a signal scheduled with SignalAt. The handler will not
// see it afterwards. It returns false if the signal had already fired.
func (s *Stream) CancelSignal(h TimerHandle) bool {
	delete(s.timers, h)
	return s.host.signals().Cancel(h)
}

// Close tears the stream down. The half this side sends is aborted, the
// initial half is reset if this side receives it, and anything else is
// closed without a frame. Closing a closed stream does nothing.
func (s *Stream) Close(traceID uint64, code DiagnosticCode) {
	txRole, rxRole := s.TxRole(), s.RxRole()
	switch s.State.Get(txRole) {
	case StateOpening, StateOpen:
		if err := s.SendAbort(traceID, code); err != nil && !isClosedError(err) {
			s.host.logger().Debug().Err(err).Stringer("stream", s).Msg("abort")
		}
	case StateIdle:
		s.State.Detach(txRole)
	}
	switch s.State.Get(rxRole) {
	case StateOpening, StateOpen:
		if rxRole == Initial {
			if err := s.SendReset(traceID, code); err != nil && !isClosedError(err) {
				s.host.logger().Debug().Err(err).Stringer("stream", s).Msg("reset")
			}
		} else {
			s.State.Detach(rxRole)
		}
	case StateIdle:
		s.State.Detach(rxRole)
	}
}
