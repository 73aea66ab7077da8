package duplex

import (
	"sync"
	"testing"

	"code.hybscloud.com/iox"
	"github.com/stretchr/testify/assert"
)

func Test_Ring_PublishConsume(t *testing.T) {
	r := NewRing(4)
	var err error
	published := 0
	for ; published < 1000; published++ {
		if err = r.Publish([]byte{byte(published)}); err != nil {
			break
		}
	}
	assert.True(t, iox.IsWouldBlock(err))
	assert.True(t, IsBackpressure(err))
	assert.GreaterOrEqual(t, published, 3)
	assert.Equal(t, published, r.Len())
	var got []byte
	assert.True(t, r.ConsumeOne(func(b []byte) { got = append(got, b...) }))
	n := r.Consume(func(b []byte) { got = append(got, b...) })
	assert.Equal(t, published-1, n)
	for i := range got {
		assert.Equal(t, byte(i), got[i])
	}
	assert.Equal(t, published, len(got))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.ConsumeOne(func([]byte) {}))
}

func Test_Ring_Concurrent(t *testing.T) {
	skipUnderRace(t)
	const count = 10000
	r := NewRing(64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var bo iox.Backoff
		for i := 0; i < count; {
			if err := r.Publish([]byte{byte(i)}); err == nil {
				i++
				bo.Reset()
			} else {
				bo.Wait()
			}
		}
	}()
	var bo iox.Backoff
	next := 0
	for next < count {
		if r.Consume(func(b []byte) {
			assert.Equal(t, byte(next), b[0])
			next++
		}) == 0 {
			bo.Wait()
		} else {
			bo.Reset()
		}
	}
	wg.Wait()
}
