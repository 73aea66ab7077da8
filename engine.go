// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package duplex

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Engine multiplexes streams over one ordered transport.
// Every frame travels as a 4 byte big-endian length followed by the encoded frame.
type Engine struct {
	io.ReadWriteCloser // The I/O endpoint
	StatsCollector     // Where to report statistics (optional)
	cfg                Config
	log                zerolog.Logger
	debitor            *Debitor
	signaler           *Signaler
	workers            []*worker
	mu                 sync.Mutex // Guards routes
	routes             map[uint64]Binding
	sigMu              sync.Mutex // Guards signals
	signals            map[TimerHandle]struct{}
	doneChan           chan struct{}
	nextID             atomix.Uint64
	active             atomix.Int64
	pending            atomix.Int64
	draining           atomix.Uint32
	serialNumber       uint64
}

var engineNextSerialNumber atomix.Uint64

func (e *Engine) String() string {
	return fmt.Sprintf("[Engine %x]", e.serialNumber)
}

// NewEngine creates a new Engine for rwc. The Config is validated first.
func NewEngine(rwc io.ReadWriteCloser, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		ReadWriteCloser: rwc,
		StatsCollector:  cfg.StatsCollector,
		cfg:             cfg,
		debitor:         cfg.Budgets,
		routes:          make(map[uint64]Binding),
		signals:         make(map[TimerHandle]struct{}),
		doneChan:        make(chan struct{}),
		serialNumber:    engineNextSerialNumber.Add(1),
	}
	e.log = cfg.Logger.With().Uint64("engine", e.serialNumber).Logger()
	if e.debitor == nil {
		e.debitor = NewDebitor(e.log)
	}
	e.signaler = NewSignaler(e)
	e.workers = make([]*worker, cfg.Workers)
	for i := range e.workers {
		e.workers[i] = newWorker(e, i)
	}
	return e, nil
}

// Config returns the validated configuration of the Engine.
func (e *Engine) Config() Config {
	return e.cfg
}

// Debitor returns the budget debitor used by the Engine's streams.
func (e *Engine) Debitor() *Debitor {
	return e.debitor
}

// ActiveStreams returns the number of streams that are not fully closed.
func (e *Engine) ActiveStreams() int {
	return int(e.active.Load())
}

// Route binds routedID to b for streams opened by the peer. A nil b removes the route.
func (e *Engine) Route(routedID uint64, b Binding) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b == nil {
		delete(e.routes, routedID)
	} else {
		e.routes[routedID] = b
	}
}

func (e *Engine) binding(routedID uint64) Binding {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.routes[routedID]
}

func (e *Engine) worker(streamID uint64) *worker {
	return e.workers[workerIndex(streamID, len(e.workers))]
}

// Open starts a new stream from originID to routedID and returns its initial id.
// The handler receives a SignalOpen signal on the stream's worker, from where
// it sends the Begin.
func (e *Engine) Open(originID, routedID uint64, h Handler) (uint64, error) {
	if h == nil {
		return 0, errors.WithStack(NilHandlerError{})
	}
	if e.isClosed() || e.isDraining() {
		return 0, errors.WithStack(engineClosedError{})
	}
	id := e.nextID.Add(1) << 2
	if e.cfg.Initiator {
		id |= 1
	} else {
		id |= 3
	}
	e.worker(id).post(workerEvent{
		kind:     eventOpen,
		streamID: id,
		originID: originID,
		routedID: routedID,
		handler:  h,
	})
	return id, nil
}

// DeliverSignal implements SignalTarget.
func (e *Engine) DeliverSignal(h TimerHandle, f *Frame) {
	e.worker(f.StreamID).post(workerEvent{kind: eventSignal, handle: h, frame: f})
}

// SignalAt schedules a Signal frame for the stream owning streamID. It is
// delivered to the stream's handler if the stream still exists by then.
// Prefer Stream.SignalAt from handlers, which also cancels on close.
func (e *Engine) SignalAt(deadline time.Time, originID, routedID, streamID, traceID uint64, signalID uint32, payload []byte) (h TimerHandle) {
	e.sigMu.Lock()
	defer e.sigMu.Unlock()
	if h = e.signaler.SignalAt(deadline, originID, routedID, streamID, traceID, signalID, payload); h != 0 {
		e.signals[h] = struct{}{}
	}
	return
}

// CancelSignal cancels a signal scheduled with SignalAt. The handler will
// not see it afterwards. It returns false if the signal had already fired.
func (e *Engine) CancelSignal(h TimerHandle) bool {
	e.sigMu.Lock()
	delete(e.signals, h)
	e.sigMu.Unlock()
	return e.signaler.Cancel(h)
}

// takeSignal returns true once for a fired signal issued by SignalAt.
func (e *Engine) takeSignal(h TimerHandle) (ok bool) {
	e.sigMu.Lock()
	if _, ok = e.signals[h]; ok {
		delete(e.signals, h)
	}
	e.sigMu.Unlock()
	return
}

// ReadFrom implements io.ReaderFrom. It reads frames from r and hands them
// to their workers until r fails or the Engine closes.
func (e *Engine) ReadFrom(r io.Reader) (n int64, err error) {
	var unreported, frames int64
	var prefix [FramePrefixSize]byte
	var bo iox.Backoff
	hasCollector := e.StatsCollector != nil
	fsc, hasFrameCollector := e.StatsCollector.(FrameStatsCollector)

	defer func() {
		if hasCollector && unreported > 0 {
			e.StatsCollector.AddBytesRead(unreported)
		}
		if hasFrameCollector && frames > 0 {
			fsc.AddFramesRead(frames)
		}
	}()

	for {
		if _, err = io.ReadFull(r, prefix[:]); err != nil {
			break
		}
		length := int(binary.BigEndian.Uint32(prefix[:]))
		if length > e.cfg.MaxFrameSize {
			err = errors.Wrapf(FrameTooBigError{}, "frame length %d", length)
			break
		}
		b := FrameBufferAlloc()[:length]
		if _, err = io.ReadFull(r, b); err != nil {
			FrameBufferFree(b)
			break
		}
		n += int64(FramePrefixSize + length)

		if hasCollector {
			unreported += int64(FramePrefixSize + length)
			frames++
			if unreported > int64(e.cfg.MaxFrameSize) {
				e.StatsCollector.AddBytesRead(unreported)
				unreported = 0
				if hasFrameCollector {
					fsc.AddFramesRead(frames)
					frames = 0
				}
			}
		}

		fh := FrameHeader(b)
		if !fh.IsComplete() {
			e.log.Warn().Int("length", length).Msg("short frame dropped")
			FrameBufferFree(b)
			continue
		}

		w := e.worker(fh.StreamID())
		for w.inbound.Publish(b) != nil {
			if e.isClosed() {
				FrameBufferFree(b)
				return n, errors.WithStack(engineClosedError{})
			}
			bo.Wait()
		}
		bo.Reset()
	}
	return
}

type flusher interface {
	Flush() error
}

// WriteTo implements io.WriterTo. Frames published by the workers are
// written to w until the Engine closes or an error occurs.
func (e *Engine) WriteTo(w io.Writer) (n int64, err error) {
	var unreported, frames, unflushed int64
	var bo iox.Backoff
	f, hasFlusher := w.(flusher)
	hasCollector := e.StatsCollector != nil
	fsc, hasFrameCollector := e.StatsCollector.(FrameStatsCollector)

	write := func(b []byte) {
		if err == nil {
			var written int
			written, err = w.Write(b)
			n += int64(written)
			unreported += int64(written)
		}
		frames++
		unflushed++
		FrameBufferFree(b)
	}

	report := func() {
		if hasCollector && unreported > 0 {
			e.StatsCollector.AddBytesWritten(unreported)
		}
		if hasFrameCollector && frames > 0 {
			fsc.AddFramesWritten(frames)
		}
		unreported, frames = 0, 0
	}
	defer report()

	for err == nil {
		count := 0
		for _, wk := range e.workers {
			count += wk.outbound.Consume(write)
		}
		if err != nil {
			break
		}
		if count > 0 {
			bo.Reset()
			if unreported > int64(e.cfg.MaxFrameSize) {
				report()
			}
			continue
		}
		// nothing to write, flush the output
		if hasFlusher && unflushed > 0 {
			if err = f.Flush(); err != nil {
				break
			}
		}
		e.pending.Add(-unflushed)
		unflushed = 0
		report()
		if e.isClosed() {
			return n, errors.WithStack(engineClosedError{})
		}
		bo.Wait()
	}
	return
}

// Serve runs the reader, the writer and the workers until the Engine is
// closed, ctx is done or the transport fails. It returns nil after a Close
// or Shutdown, otherwise the first transport error.
func (e *Engine) Serve(ctx context.Context) (err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := e.ReadFrom(bufio.NewReaderSize(e.ReadWriteCloser, 64*1024))
		return err
	})
	g.Go(func() error {
		_, err := e.WriteTo(bufio.NewWriterSize(e.ReadWriteCloser, 64*1024))
		return err
	})
	for _, w := range e.workers {
		w := w
		g.Go(func() error {
			return w.run(gctx)
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-e.doneChan:
		}
		return e.Close()
	})
	if err = g.Wait(); err != nil && e.isClosed() && isClosedError(err) {
		err = nil
	}
	return
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.doneChan:
		return true
	default:
		return false
	}
}

func (e *Engine) isDraining() bool {
	return e.draining.Load() != 0
}

// Close closes the Engine immediately. Streams still open are
// detached without informing the peer.
func (e *Engine) Close() (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.doneChan:
	default:
		close(e.doneChan)
		e.signaler.Close()
		if err = e.ReadWriteCloser.Close(); isClosedError(err) {
			err = nil
		}
	}
	return
}

// Shutdown attempts a graceful shutdown of the Engine. New streams from
// the peer are refused, then it waits for active streams to finish and
// their frames to be written, then closes. Streams still active after
// the configured read timeout are abandoned.
func (e *Engine) Shutdown(ctx context.Context) (err error) {
	e.draining.Store(1)
	timer := time.NewTimer(e.cfg.ReadTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(time.Millisecond * 5)
	defer ticker.Stop()
	for {
		if e.active.Load() == 0 && e.pending.Load() == 0 {
			return e.Close()
		}
		select {
		case <-ticker.C:
		case <-timer.C:
			e.Close()
			return errors.WithStack(ShutdownTimeoutError{})
		case <-ctx.Done():
			e.Close()
			return ctx.Err()
		case <-e.doneChan:
			return nil
		}
	}
}
