package duplex

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func Test_Flow_WindowScenario(t *testing.T) {
	fl := Flow{Maximum: 100}
	assert.NoError(t, fl.OnSend(60))
	assert.Equal(t, uint64(60), fl.Sequence)
	err := fl.OnSend(50)
	assert.Equal(t, WouldExceedWindowError{}, errors.Cause(err))
	assert.True(t, IsBackpressure(err))
	assert.False(t, IsProtocolError(err))
	assert.Equal(t, uint64(60), fl.Sequence)
	assert.NoError(t, fl.OnWindow(60, 100, 0))
	assert.NoError(t, fl.OnSend(50))
	assert.Equal(t, uint64(110), fl.Sequence)
	assert.Equal(t, int64(50), fl.Available())
}

func Test_Flow_Shrink(t *testing.T) {
	fl := Flow{Maximum: 100}
	assert.NoError(t, fl.OnSend(80))
	assert.NoError(t, fl.OnWindow(10, 20, 0))
	assert.Equal(t, int64(-50), fl.Available())
	assert.True(t, IsBackpressure(fl.OnSend(1)))
	assert.NoError(t, fl.OnWindow(80, 20, 0))
	assert.NoError(t, fl.OnSend(20))
	assert.Equal(t, int64(0), fl.Available())
}

func Test_Flow_AcknowledgeMonotonic(t *testing.T) {
	fl := Flow{Maximum: 100}
	assert.NoError(t, fl.OnSend(50))
	assert.NoError(t, fl.OnWindow(40, 100, 0))
	err := fl.OnWindow(30, 100, 0)
	assert.Equal(t, CorruptError{}, errors.Cause(err))
	assert.True(t, IsProtocolError(err))
	assert.Equal(t, uint64(40), fl.Acknowledge)
	err = fl.OnWindow(51, 100, 0)
	assert.Equal(t, CorruptError{}, errors.Cause(err))
	assert.Equal(t, uint64(40), fl.Acknowledge)
}

func Test_Flow_Overflow(t *testing.T) {
	fl := Flow{Sequence: math.MaxUint64 - 1, Acknowledge: math.MaxUint64 - 1, Maximum: 1}
	assert.NoError(t, fl.OnSend(1))
	assert.Equal(t, CorruptError{}, errors.Cause(fl.OnSend(1)))
	assert.Equal(t, CorruptError{}, errors.Cause(fl.OnWindow(math.MaxUint64, 1, 0)))
	fl = Flow{Maximum: math.MaxUint64}
	assert.NoError(t, fl.OnSend(math.MaxUint64))
	assert.Equal(t, int64(0), fl.Available())
}

func Test_Flow_Receive(t *testing.T) {
	fl := Flow{Maximum: 100}
	assert.NoError(t, fl.OnReceive(0, 40))
	assert.NoError(t, fl.OnReceive(40, 60))
	assert.Equal(t, CorruptError{}, errors.Cause(fl.OnReceive(100, 1)))
	assert.Equal(t, CorruptError{}, errors.Cause(fl.OnReceive(10, 0)))
	assert.Equal(t, uint64(100), fl.Sequence)
	assert.NoError(t, fl.OnWindow(100, 100, 4))
	assert.Equal(t, CorruptError{}, errors.Cause(fl.OnReceive(150, 10)))
	assert.Equal(t, uint64(100), fl.Sequence)
	assert.NoError(t, fl.OnReceive(100, 10))
	assert.Equal(t, uint64(110), fl.Sequence)
	assert.Equal(t, uint64(14), fl.Reserved(10))
	assert.Equal(t, uint64(10), fl.Unacknowledged())
}

func Test_Flow_WindowSafety(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	fl := Flow{Maximum: 1000}
	for i := 0; i < 100000; i++ {
		if rnd.Intn(3) == 0 {
			ack := fl.Acknowledge + uint64(rnd.Int63n(int64(fl.Sequence-fl.Acknowledge)+1))
			assert.NoError(t, fl.OnWindow(ack, uint64(rnd.Intn(2000)), 0))
		} else {
			before := fl
			if err := fl.OnSend(uint64(rnd.Intn(500))); err != nil {
				assert.True(t, IsBackpressure(err))
				assert.Equal(t, before, fl)
			} else {
				assert.LessOrEqual(t, fl.Sequence, fl.Acknowledge+fl.Maximum)
			}
		}
		assert.LessOrEqual(t, fl.Acknowledge, fl.Sequence)
	}
}
