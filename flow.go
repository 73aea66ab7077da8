package duplex

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Flow is the window accounting of one half-stream.
//
// Sequence counts the bytes reserved so far, Acknowledge how many of them the
// receiver has accepted, Maximum is the window the receiver advertised and
// Padding the per-frame overhead it asked for. At all times
// Acknowledge <= Sequence, and Sequence never passes Acknowledge+Maximum
// through OnSend or OnReceive.
//
// Flow has no locks; it belongs to the worker that owns its stream.
type Flow struct {
	Sequence    uint64
	Acknowledge uint64
	Maximum     uint64
	Padding     uint64
}

func (fl Flow) String() string {
	return fmt.Sprintf("[Flow seq=%d ack=%d max=%d pad=%d]", fl.Sequence, fl.Acknowledge, fl.Maximum, fl.Padding)
}

func (fl *Flow) limit() (uint64, error) {
	if fl.Maximum > math.MaxUint64-fl.Acknowledge {
		return 0, errors.WithStack(CorruptError{})
	}
	return fl.Acknowledge + fl.Maximum, nil
}

// OnSend debits reserved bytes from the window. If the window cannot cover
// them, it returns WouldExceedWindowError and leaves the Flow unchanged.
func (fl *Flow) OnSend(reserved uint64) error {
	limit, err := fl.limit()
	if err != nil {
		return err
	}
	if reserved > math.MaxUint64-fl.Sequence {
		return errors.WithStack(CorruptError{})
	}
	if fl.Sequence+reserved > limit {
		return errors.WithStack(WouldExceedWindowError{})
	}
	fl.Sequence += reserved
	return nil
}

// OnWindow applies a Window update. The acknowledge may never go backwards
// nor pass Sequence. A smaller maximum is a legal window shrink.
func (fl *Flow) OnWindow(acknowledge, maximum, padding uint64) error {
	if acknowledge < fl.Acknowledge || acknowledge > fl.Sequence {
		return errors.Wrapf(CorruptError{}, "acknowledge %d outside [%d, %d]", acknowledge, fl.Acknowledge, fl.Sequence)
	}
	if maximum > math.MaxUint64-acknowledge {
		return errors.WithStack(CorruptError{})
	}
	fl.Acknowledge = acknowledge
	fl.Maximum = maximum
	fl.Padding = padding
	return nil
}

// OnReceive advances the receive side for a frame at sequence carrying reserved
// bytes. Frames must arrive in order, without gaps, and stay within the
// advertised window.
func (fl *Flow) OnReceive(sequence, reserved uint64) error {
	if sequence != fl.Sequence {
		return errors.Wrapf(CorruptError{}, "sequence %d, expected %d", sequence, fl.Sequence)
	}
	if reserved > math.MaxUint64-sequence {
		return errors.WithStack(CorruptError{})
	}
	limit, err := fl.limit()
	if err != nil {
		return err
	}
	if sequence+reserved > limit {
		return errors.Wrapf(CorruptError{}, "sequence %d+%d exceeds window %d", sequence, reserved, limit)
	}
	fl.Sequence = sequence + reserved
	return nil
}

// Available returns how many bytes may be reserved right now.
// Zero or less means the sender is blocked.
func (fl *Flow) Available() int64 {
	limit, err := fl.limit()
	if err != nil {
		return 0
	}
	if limit >= fl.Sequence {
		if d := limit - fl.Sequence; d <= math.MaxInt64 {
			return int64(d)
		}
		return math.MaxInt64
	}
	if d := fl.Sequence - limit; d <= math.MaxInt64 {
		return -int64(d)
	}
	return math.MinInt64
}

// Reserved returns the bytes a frame carrying payloadLen bytes must reserve.
func (fl *Flow) Reserved(payloadLen int) uint64 {
	return uint64(payloadLen) + fl.Padding
}

// Unacknowledged returns the bytes reserved but not yet acknowledged.
func (fl *Flow) Unacknowledged() uint64 {
	return fl.Sequence - fl.Acknowledge
}
