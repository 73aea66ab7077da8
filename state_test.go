package duplex

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openState(t *testing.T, closed *int) *StreamState {
	ss := &StreamState{OnClosed: func() { *closed++ }}
	for _, h := range []HalfRole{Initial, Reply} {
		require.NoError(t, ss.Begin(h))
		require.NoError(t, ss.Window(h))
		require.Equal(t, StateOpen, ss.Get(h))
	}
	return ss
}

func Test_StreamState_Legality(t *testing.T) {
	type op func(ss *StreamState, h HalfRole) error
	ops := map[FrameKind]op{
		KindBegin:     (*StreamState).Begin,
		KindWindow:    (*StreamState).Window,
		KindData:      (*StreamState).Data,
		KindFlush:     (*StreamState).Flush,
		KindEnd:       (*StreamState).End,
		KindAbort:     (*StreamState).Abort,
		KindReset:     (*StreamState).Reset,
		KindChallenge: (*StreamState).Challenge,
	}
	legal := map[FrameKind]map[HalfState]HalfState{
		KindBegin:     {StateIdle: StateOpening},
		KindWindow:    {StateOpening: StateOpen, StateOpen: StateOpen},
		KindData:      {StateOpen: StateOpen},
		KindFlush:     {StateOpen: StateOpen},
		KindEnd:       {StateOpen: StateClosed},
		KindAbort:     {StateOpening: StateClosed, StateOpen: StateClosed},
		KindReset:     {StateOpening: StateClosed, StateOpen: StateClosed},
		KindChallenge: {StateOpening: StateOpening, StateOpen: StateOpen},
	}
	for kind, fn := range ops {
		for _, h := range []HalfRole{Initial, Reply} {
			for from := StateIdle; from <= StateClosed; from++ {
				ss := &StreamState{}
				if h == Initial {
					ss.Initial = from
				} else {
					ss.Reply = from
				}
				err := fn(ss, h)
				to, ok := legal[kind][from]
				if kind == KindReset && h == Reply {
					ok = false
				}
				if ok {
					assert.NoError(t, err, "%s %s %s", kind, h, from)
					assert.Equal(t, to, ss.Get(h), "%s %s %s", kind, h, from)
				} else {
					assert.Error(t, err, "%s %s %s", kind, h, from)
					assert.True(t, IsProtocolError(err))
					var se *StateError
					if assert.True(t, errors.As(err, &se)) {
						assert.Equal(t, kind, se.Kind)
					}
					assert.Equal(t, from, ss.Get(h), "state must not change")
				}
			}
		}
	}
}

func Test_StreamState_DuplicateBegin(t *testing.T) {
	ss := &StreamState{}
	assert.NoError(t, ss.Begin(Initial))
	err := ss.Begin(Initial)
	assert.True(t, IsProtocolError(err))
	assert.Equal(t, "Begin on initial half in state OPENING", errors.Cause(err).Error())
	assert.Equal(t, StateOpening, ss.Initial)
}

func Test_StreamState_DataAfterEnd(t *testing.T) {
	closed := 0
	ss := openState(t, &closed)
	assert.NoError(t, ss.End(Initial))
	assert.True(t, IsProtocolError(ss.Data(Initial)))
	assert.NoError(t, ss.Data(Reply))
	assert.Equal(t, 0, closed)
}

func Test_StreamState_SimultaneousClose(t *testing.T) {
	for _, order := range [][]HalfRole{{Initial, Reply}, {Reply, Initial}} {
		closed := 0
		ss := openState(t, &closed)
		assert.NoError(t, ss.End(order[0]))
		assert.Equal(t, 0, closed)
		assert.False(t, ss.IsClosed())
		assert.NoError(t, ss.End(order[1]))
		assert.Equal(t, 1, closed)
		assert.True(t, ss.IsClosed())
		assert.Error(t, ss.End(order[0]))
		assert.Error(t, ss.Abort(order[1]))
		assert.False(t, ss.Detach(order[0]))
		assert.Equal(t, 1, closed)
	}
}

func Test_StreamState_Detach(t *testing.T) {
	closed := 0
	ss := &StreamState{OnClosed: func() { closed++ }}
	assert.NoError(t, ss.Begin(Initial))
	assert.NoError(t, ss.Abort(Initial))
	assert.Equal(t, 0, closed)
	assert.True(t, ss.Detach(Reply))
	assert.Equal(t, 1, closed)
	assert.False(t, ss.Detach(Reply))
	assert.Equal(t, 1, closed)
}

func Test_StreamState_Strings(t *testing.T) {
	ss := &StreamState{Initial: StateOpen, Reply: StateClosed}
	assert.Equal(t, "[StreamState OPEN CLOSED]", ss.String())
	assert.Equal(t, Initial, RoleOf(3))
	assert.Equal(t, Reply, RoleOf(2))
	assert.Equal(t, "HalfState(9)", HalfState(9).String())
}
