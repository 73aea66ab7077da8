package duplex

import (
	"sync"
	"time"
)

// TimerHandle identifies a scheduled signal. The zero value is never issued.
type TimerHandle uint64

// SignalTarget receives fired signals as synthetic Signal frames.
// DeliverSignal is called from a timer goroutine and must not block.
type SignalTarget interface {
	DeliverSignal(h TimerHandle, f *Frame)
}

// SignalTargetFunc adapts a function to SignalTarget.
type SignalTargetFunc func(h TimerHandle, f *Frame)

// DeliverSignal calls fn(h, f).
func (fn SignalTargetFunc) DeliverSignal(h TimerHandle, f *Frame) {
	fn(h, f)
}

// Signaler schedules one-shot signals addressed to streams.
type Signaler struct {
	target SignalTarget
	mu     sync.Mutex // Guards following
	timers map[TimerHandle]*time.Timer
	serial TimerHandle
	closed bool
}

// NewSignaler returns a Signaler delivering to target.
func NewSignaler(target SignalTarget) *Signaler {
	return &Signaler{
		target: target,
		timers: make(map[TimerHandle]*time.Timer),
	}
}

// SignalAt schedules a Signal frame for the given stream at deadline.
// A deadline in the past fires as soon as possible, never from within SignalAt.
// Returns zero if the Signaler is closed.
func (sg *Signaler) SignalAt(deadline time.Time, originID, routedID, streamID, traceID uint64, signalID uint32, payload []byte) TimerHandle {
	f := &Frame{
		Kind:     KindSignal,
		OriginID: originID,
		RoutedID: routedID,
		StreamID: streamID,
		TraceID:  traceID,
		SignalID: signalID,
	}
	if len(payload) > 0 {
		f.Payload = append([]byte(nil), payload...)
	}
	sg.mu.Lock()
	defer sg.mu.Unlock()
	if sg.closed {
		return 0
	}
	sg.serial++
	h := sg.serial
	sg.timers[h] = time.AfterFunc(time.Until(deadline), func() {
		sg.fire(h, f)
	})
	return h
}

func (sg *Signaler) fire(h TimerHandle, f *Frame) {
	sg.mu.Lock()
	_, ok := sg.timers[h]
	delete(sg.timers, h)
	sg.mu.Unlock()
	if ok {
		sg.target.DeliverSignal(h, f)
	}
}

// Cancel stops a pending signal. It returns false if the signal has
// already been delivered or is being delivered, or h is unknown.
func (sg *Signaler) Cancel(h TimerHandle) bool {
	sg.mu.Lock()
	t, ok := sg.timers[h]
	delete(sg.timers, h)
	sg.mu.Unlock()
	if ok {
		t.Stop()
	}
	return ok
}

// Pending returns the number of scheduled signals.
func (sg *Signaler) Pending() int {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	return len(sg.timers)
}

// Close cancels all pending signals. SignalAt returns zero afterwards.
func (sg *Signaler) Close() {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	sg.closed = true
	for h, t := range sg.timers {
		t.Stop()
		delete(sg.timers, h)
	}
}
