package duplex

import (
	"context"
	"encoding/binary"
	"sync"

	"code.hybscloud.com/iox"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type eventKind uint8

const (
	eventSignal = eventKind(iota)
	eventCredit
	eventOpen
)

// workerEvent is something a worker must do that did not arrive on its inbound ring.
type workerEvent struct {
	kind     eventKind
	streamID uint64
	traceID  uint64
	handle   TimerHandle
	frame    *Frame
	originID uint64
	routedID uint64
	handler  Handler
}

// worker owns a subset of the streams of an Engine, selected by workerIndex.
// All processing of its streams happens on its goroutine.
type worker struct {
	e        *Engine
	index    int
	inbound  *Ring // producer: Engine.ReadFrom
	outbound *Ring // consumer: Engine.WriteTo
	backlog  [][]byte
	streams  map[uint64]*Stream

	mu     sync.Mutex // Guards events
	events []workerEvent
	spare  []workerEvent
}

func newWorker(e *Engine, index int) *worker {
	return &worker{
		e:        e,
		index:    index,
		inbound:  NewRing(e.cfg.RingSize),
		outbound: NewRing(e.cfg.RingSize),
		streams:  make(map[uint64]*Stream),
	}
}

// post queues an event. It never blocks and is safe from any goroutine.
func (w *worker) post(ev workerEvent) {
	w.mu.Lock()
	w.events = append(w.events, ev)
	w.mu.Unlock()
}

func (w *worker) run(ctx context.Context) error {
	var bo iox.Backoff
	defer w.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.e.doneChan:
			return nil
		default:
		}
		n := w.runEvents()
		n += w.inbound.Consume(w.handleBuffer)
		n += w.flushBacklog()
		if n == 0 {
			bo.Wait()
		} else {
			bo.Reset()
		}
	}
}

func (w *worker) runEvents() int {
	w.mu.Lock()
	events := w.events
	w.events = w.spare[:0]
	w.mu.Unlock()
	for i := range events {
		w.handleEvent(&events[i])
		events[i] = workerEvent{}
	}
	w.spare = events
	return len(events)
}

func (w *worker) handleEvent(ev *workerEvent) {
	switch ev.kind {
	case eventSignal:
		h := ev.handle
		if w.e.takeSignal(h) {
			// not tracked by the stream
			h = 0
		}
		if s := w.streams[ev.frame.StreamID]; s != nil {
			s.onSignal(h, ev.frame)
		}
	case eventCredit:
		if s := w.streams[ev.streamID]; s != nil {
			s.onCredit(ev.traceID)
		}
	case eventOpen:
		s := newStream(w, ev.originID, ev.routedID, ev.streamID, w.e.cfg.ReplyID(ev.streamID), true, w.e.cfg.MaxMessageSize)
		s.handler = ev.handler
		w.register(s)
		f := s.frame(KindSignal, &s.Initial, ev.traceID)
		f.SignalID = SignalOpen
		s.onSignal(0, &f)
	}
}

// handleBuffer decodes and dispatches one frame read from the transport.
func (w *worker) handleBuffer(b []byte) {
	defer FrameBufferFree(b)
	f, err := Decode(b, 0, len(b))
	if err != nil {
		fh := FrameHeader(b)
		if s := w.streams[fh.StreamID()]; s != nil {
			s.fail(fh.TraceID(), err)
		} else {
			w.e.log.Warn().Err(err).Stringer("header", fh).Msg("undecodable frame dropped")
		}
		return
	}
	if w.e.cfg.NetLog {
		w.e.log.Debug().Int("worker", w.index).Stringer("frame", &f).Msg("READ")
	}
	w.dispatch(&f)
}

func (w *worker) dispatch(f *Frame) {
	if f.Kind == KindSignal {
		w.e.log.Warn().Stringer("frame", f).Msg("signal frame from transport dropped")
		return
	}
	if s := w.streams[f.StreamID]; s != nil {
		s.onFrame(f)
		return
	}
	if f.Kind == KindBegin && IsInitial(f.StreamID) {
		w.accept(f)
		return
	}
	w.e.log.Debug().Stringer("frame", f).Msg("frame for unknown stream dropped")
}

// accept creates a stream for a Begin from the peer.
func (w *worker) accept(f *Frame) {
	s := newStream(w, f.OriginID, f.RoutedID, f.StreamID, w.e.cfg.ReplyID(f.StreamID), false, w.e.cfg.MaxMessageSize)
	w.register(s)
	if w.e.isDraining() {
		if err := s.onBegin(f); err != nil {
			s.fail(f.TraceID, err)
			return
		}
		s.fail(f.TraceID, errors.WithStack(engineClosedError{}))
		return
	}
	s.accept(w.e.binding(f.RoutedID), f)
}

func (w *worker) register(s *Stream) {
	w.streams[s.Initial.ID] = s
	w.streams[s.Reply.ID] = s
	w.e.active.Add(1)
}

// closeAll detaches every remaining stream without sending frames.
func (w *worker) closeAll() {
	for _, s := range w.streams {
		s.State.Detach(Initial)
		s.State.Detach(Reply)
	}
	w.streams = map[uint64]*Stream{}
}

// flushBacklog moves frames that did not fit the outbound ring earlier.
func (w *worker) flushBacklog() (n int) {
	for n < len(w.backlog) {
		if w.outbound.Publish(w.backlog[n]) != nil {
			break
		}
		w.backlog[n] = nil
		n++
	}
	if n > 0 {
		w.backlog = append(w.backlog[:0], w.backlog[n:]...)
	}
	return
}

// emit implements streamHost.
func (w *worker) emit(f *Frame) (err error) {
	if w.e.isClosed() {
		return errors.WithStack(engineClosedError{})
	}
	size := f.EncodedSize()
	if size > w.e.cfg.MaxFrameSize {
		return errors.Wrapf(FrameTooBigError{}, "%s of %d bytes", f.Kind, size)
	}
	b := FrameBufferAlloc()[:FramePrefixSize+size]
	var n int
	if n, err = Encode(f, b, FramePrefixSize, size); err != nil {
		FrameBufferFree(b)
		return
	}
	binary.BigEndian.PutUint32(b, uint32(n))
	if w.e.cfg.NetLog {
		w.e.log.Debug().Int("worker", w.index).Stringer("frame", f).Msg("WRIT")
	}
	w.e.pending.Add(1)
	if len(w.backlog) == 0 && w.outbound.Publish(b) == nil {
		return
	}
	w.backlog = append(w.backlog, b)
	return
}

// budgets implements streamHost.
func (w *worker) budgets() *Debitor {
	return w.e.debitor
}

// signals implements streamHost.
func (w *worker) signals() *Signaler {
	return w.e.signaler
}

// credit implements streamHost. It may be called from any goroutine.
func (w *worker) credit(s *Stream, traceID uint64) {
	w.post(workerEvent{kind: eventCredit, streamID: s.Initial.ID, traceID: traceID})
}

// release implements streamHost.
func (w *worker) release(s *Stream) {
	if w.streams[s.Initial.ID] == s {
		delete(w.streams, s.Initial.ID)
	}
	if w.streams[s.Reply.ID] == s {
		delete(w.streams, s.Reply.ID)
	}
	w.e.active.Add(-1)
}

// logger implements streamHost.
func (w *worker) logger() *zerolog.Logger {
	return &w.e.log
}

// maxFrameSize implements streamHost.
func (w *worker) maxFrameSize() int {
	return w.e.cfg.MaxFrameSize
}
