package duplex

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/lfq"
)

// Ring is a bounded lock-free queue of encoded frames with exactly one
// publishing and one consuming goroutine.
type Ring struct {
	q     lfq.SPSC[[]byte]
	count atomix.Int64
}

// NewRing returns a Ring holding up to size frames.
func NewRing(size int) *Ring {
	r := &Ring{}
	r.q.Init(size)
	return r
}

// Publish adds a frame. It returns iox.ErrWouldBlock if the ring is full.
// The ring owns b until it is consumed.
func (r *Ring) Publish(b []byte) (err error) {
	if err = r.q.Enqueue(&b); err == nil {
		r.count.Add(1)
	}
	return
}

// Consume calls fn for every frame currently in the ring and returns how many there were.
func (r *Ring) Consume(fn func(b []byte)) (n int) {
	for {
		b, err := r.q.Dequeue()
		if err != nil {
			break
		}
		r.count.Add(-1)
		n++
		fn(b)
	}
	return
}

// ConsumeOne calls fn for the oldest frame, if any.
func (r *Ring) ConsumeOne(fn func(b []byte)) bool {
	b, err := r.q.Dequeue()
	if err != nil {
		return false
	}
	r.count.Add(-1)
	fn(b)
	return true
}

// Len returns an estimate of the number of queued frames.
func (r *Ring) Len() int {
	return int(r.count.Load())
}
