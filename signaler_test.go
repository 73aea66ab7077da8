package duplex

import (
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
)

type signalRecorder struct {
	mu     sync.Mutex
	frames []*Frame
	ch     chan TimerHandle
}

func newSignalRecorder() *signalRecorder {
	return &signalRecorder{ch: make(chan TimerHandle, 100)}
}

func (sr *signalRecorder) DeliverSignal(h TimerHandle, f *Frame) {
	sr.mu.Lock()
	sr.frames = append(sr.frames, f)
	sr.mu.Unlock()
	sr.ch <- h
}

func Test_Signaler_Fires(t *testing.T) {
	defer leaktest.Check(t)()
	sr := newSignalRecorder()
	sg := NewSignaler(sr)
	defer sg.Close()
	payload := []byte("tick")
	h := sg.SignalAt(time.Now().Add(time.Millisecond), 1, 2, 3, 4, 5, payload)
	assert.NotEqual(t, TimerHandle(0), h)
	payload[0] = 'T'
	select {
	case got := <-sr.ch:
		assert.Equal(t, h, got)
	case <-time.After(time.Second * 5):
		t.Fatal("signal not delivered")
	}
	sr.mu.Lock()
	f := sr.frames[0]
	sr.mu.Unlock()
	assert.Equal(t, KindSignal, f.Kind)
	assert.Equal(t, uint64(1), f.OriginID)
	assert.Equal(t, uint64(2), f.RoutedID)
	assert.Equal(t, uint64(3), f.StreamID)
	assert.Equal(t, uint64(4), f.TraceID)
	assert.Equal(t, uint32(5), f.SignalID)
	assert.Equal(t, "tick", string(f.Payload))
	assert.False(t, sg.Cancel(h), "cancel after delivery")
	assert.Equal(t, 0, sg.Pending())
}

func Test_Signaler_PastDeadline(t *testing.T) {
	defer leaktest.Check(t)()
	sr := newSignalRecorder()
	sg := NewSignaler(sr)
	defer sg.Close()
	h := sg.SignalAt(time.Now().Add(-time.Hour), 0, 0, 1, 0, 0, nil)
	select {
	case got := <-sr.ch:
		assert.Equal(t, h, got)
	case <-time.After(time.Second * 5):
		t.Fatal("signal not delivered")
	}
}

func Test_Signaler_Cancel(t *testing.T) {
	defer leaktest.Check(t)()
	sr := newSignalRecorder()
	sg := NewSignaler(sr)
	defer sg.Close()
	h := sg.SignalAt(time.Now().Add(time.Hour), 0, 0, 1, 0, 0, nil)
	assert.Equal(t, 1, sg.Pending())
	assert.True(t, sg.Cancel(h))
	assert.False(t, sg.Cancel(h))
	assert.False(t, sg.Cancel(12345))
	assert.Equal(t, 0, sg.Pending())
}

func Test_Signaler_CancelRace(t *testing.T) {
	defer leaktest.Check(t)()
	sr := newSignalRecorder()
	sg := NewSignaler(sr)
	defer sg.Close()
	const n = 50
	cancelled := 0
	for i := 0; i < n; i++ {
		h := sg.SignalAt(time.Now(), 0, 0, uint64(i), 0, 0, nil)
		if sg.Cancel(h) {
			cancelled++
		}
	}
	// every signal is either cancelled or delivered, never both
	for delivered := 0; delivered < n-cancelled; delivered++ {
		select {
		case <-sr.ch:
		case <-time.After(time.Second * 5):
			t.Fatal("signal lost")
		}
	}
	select {
	case <-sr.ch:
		t.Fatal("cancelled signal delivered")
	case <-time.After(time.Millisecond * 50):
	}
}

func Test_Signaler_Close(t *testing.T) {
	defer leaktest.Check(t)()
	sr := newSignalRecorder()
	sg := NewSignaler(sr)
	sg.SignalAt(time.Now().Add(time.Hour), 0, 0, 1, 0, 0, nil)
	sg.SignalAt(time.Now().Add(time.Hour), 0, 0, 3, 0, 0, nil)
	sg.Close()
	assert.Equal(t, 0, sg.Pending())
	assert.Equal(t, TimerHandle(0), sg.SignalAt(time.Now(), 0, 0, 1, 0, 0, nil))
}
