package duplex

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// BudgetIndex identifies one acquisition of a budget pool.
// The zero value is never a valid index.
type BudgetIndex uint64

// Debitor arbitrates shared budget pools between half-streams.
//
// A pool is created on first reference to its budget id. The budget owner
// changes its capacity with Supply; half-streams Acquire an index, Claim bytes
// from it, Credit them back as the peer acknowledges them, and finally Release
// the index. For every pool, available plus everything held equals capacity.
//
// Claims never block. A claim that cannot be granted leaves the index waiting
// with its minimum; when capacity becomes available, waiters are notified in
// arrival order as long as their minimum fits what is left. Notifications are
// called without the lock held, from whichever goroutine made capacity available.
type Debitor struct {
	log    zerolog.Logger
	mu     sync.Mutex
	pools  map[uint64]*budgetPool
	claims map[BudgetIndex]*budgetClaim
	serial BudgetIndex
}

type budgetPool struct {
	id        uint64
	capacity  int
	available int
	holders   int
	waiters   []*budgetClaim
}

type budgetClaim struct {
	index    BudgetIndex
	pool     *budgetPool
	streamID uint64
	held     int
	minimum  int
	waiting  bool
	onCredit func(traceID uint64)
}

type budgetNotice struct {
	fn    func(traceID uint64)
	trace uint64
}

// NewDebitor returns an empty Debitor.
func NewDebitor(log zerolog.Logger) *Debitor {
	return &Debitor{
		log:    log,
		pools:  make(map[uint64]*budgetPool),
		claims: make(map[BudgetIndex]*budgetClaim),
	}
}

func (d *Debitor) pool(budgetID uint64) (p *budgetPool) {
	if p = d.pools[budgetID]; p == nil {
		p = &budgetPool{id: budgetID}
		d.pools[budgetID] = p
		d.log.Debug().Uint64("budget", budgetID).Msg("pool created")
	}
	return
}

func (d *Debitor) maybeRemove(p *budgetPool) {
	if p.holders == 0 && p.capacity == 0 {
		delete(d.pools, p.id)
		d.log.Debug().Uint64("budget", p.id).Msg("pool removed")
	}
}

// Acquire registers streamID as a user of the pool budgetID.
// onCredit is called when a claim that was refused may now succeed.
func (d *Debitor) Acquire(budgetID, streamID uint64, onCredit func(traceID uint64)) (BudgetIndex, error) {
	if budgetID == 0 {
		return 0, errors.Wrap(InvalidIndexError{}, "budget id 0")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.pool(budgetID)
	p.holders++
	d.serial++
	c := &budgetClaim{
		index:    d.serial,
		pool:     p,
		streamID: streamID,
		onCredit: onCredit,
	}
	d.claims[c.index] = c
	return c.index, nil
}

// Claim reserves between minimum and requested bytes, or nothing.
// A requested amount below minimum is raised to minimum.
// Contention is not an error: it yields a zero grant and the index is
// notified through its onCredit callback once minimum bytes may be available.
func (d *Debitor) Claim(traceID uint64, index BudgetIndex, streamID uint64, minimum, requested int, flags DataFlag) (granted int, err error) {
	if minimum < 0 {
		minimum = 0
	}
	if requested < minimum {
		requested = minimum
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.claims[index]
	if c == nil {
		return 0, errors.WithStack(InvalidIndexError{})
	}
	if requested == 0 {
		return 0, nil
	}
	p := c.pool
	if p.available > 0 && p.available >= minimum {
		granted = requested
		if granted > p.available {
			granted = p.available
		}
		p.available -= granted
		c.held += granted
		if c.waiting {
			d.unwait(c)
		}
		return
	}
	c.minimum = minimum
	if c.minimum < 1 {
		c.minimum = 1
	}
	if !c.waiting {
		c.waiting = true
		p.waiters = append(p.waiters, c)
	}
	if e := d.log.Trace(); e.Enabled() {
		e.Uint64("budget", p.id).Uint64("stream", streamID).Uint64("trace", traceID).
			Int("minimum", minimum).Int("available", p.available).Stringer("flags", flags).Msg("claim deferred")
	}
	return 0, nil
}

// Credit returns credit bytes previously granted to index back to its pool.
func (d *Debitor) Credit(traceID uint64, index BudgetIndex, credit int) error {
	d.mu.Lock()
	c := d.claims[index]
	if c == nil {
		d.mu.Unlock()
		return errors.WithStack(InvalidIndexError{})
	}
	if credit < 0 || credit > c.held {
		d.mu.Unlock()
		return errors.Wrapf(CorruptError{}, "credit %d with %d held", credit, c.held)
	}
	c.held -= credit
	c.pool.available += credit
	notices := d.collect(c.pool, traceID)
	d.mu.Unlock()
	notify(notices)
	return nil
}

// Release removes the acquisition. Everything it still holds returns to the pool.
func (d *Debitor) Release(index BudgetIndex) error {
	d.mu.Lock()
	c := d.claims[index]
	if c == nil {
		d.mu.Unlock()
		return errors.WithStack(InvalidIndexError{})
	}
	delete(d.claims, index)
	p := c.pool
	if c.waiting {
		d.unwait(c)
	}
	p.available += c.held
	c.held = 0
	p.holders--
	notices := d.collect(p, 0)
	d.maybeRemove(p)
	d.mu.Unlock()
	notify(notices)
	return nil
}

// Supply changes the capacity of the pool budgetID by delta.
// A pool can only shrink by what is currently unclaimed.
func (d *Debitor) Supply(traceID, budgetID uint64, delta int64) error {
	if budgetID == 0 {
		return errors.Wrap(InvalidIndexError{}, "budget id 0")
	}
	d.mu.Lock()
	p := d.pool(budgetID)
	if delta < 0 && -delta > int64(p.available) {
		d.maybeRemove(p)
		d.mu.Unlock()
		return errors.Wrapf(WouldExceedWindowError{}, "shrink %d with %d available", -delta, p.available)
	}
	p.capacity += int(delta)
	p.available += int(delta)
	var notices []budgetNotice
	if delta > 0 {
		notices = d.collect(p, traceID)
	}
	d.maybeRemove(p)
	d.mu.Unlock()
	notify(notices)
	return nil
}

// Available returns the unclaimed bytes of the pool budgetID.
func (d *Debitor) Available(budgetID uint64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p := d.pools[budgetID]; p != nil {
		return p.available
	}
	return 0
}

// Capacity returns the total size of the pool budgetID.
func (d *Debitor) Capacity(budgetID uint64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p := d.pools[budgetID]; p != nil {
		return p.capacity
	}
	return 0
}

// Held returns the bytes currently granted to index.
func (d *Debitor) Held(index BudgetIndex) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c := d.claims[index]; c != nil {
		return c.held
	}
	return 0
}

// Pools returns the number of live pools.
func (d *Debitor) Pools() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pools)
}

func (d *Debitor) unwait(c *budgetClaim) {
	c.waiting = false
	w := c.pool.waiters
	for i := range w {
		if w[i] == c {
			copy(w[i:], w[i+1:])
			w[len(w)-1] = nil
			c.pool.waiters = w[:len(w)-1]
			return
		}
	}
}

// collect removes and returns the waiters whose minimum fits into what is
// available, in arrival order. Waiters that do not fit keep their place.
func (d *Debitor) collect(p *budgetPool, traceID uint64) (notices []budgetNotice) {
	remain := p.available
	if remain <= 0 || len(p.waiters) == 0 {
		return
	}
	kept := p.waiters[:0]
	for _, c := range p.waiters {
		if c.minimum <= remain {
			remain -= c.minimum
			c.waiting = false
			if c.onCredit != nil {
				notices = append(notices, budgetNotice{fn: c.onCredit, trace: traceID})
			}
		} else {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(p.waiters); i++ {
		p.waiters[i] = nil
	}
	p.waiters = kept
	return
}

func notify(notices []budgetNotice) {
	for _, n := range notices {
		n.fn(n.trace)
	}
}
