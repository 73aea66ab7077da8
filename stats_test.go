package duplex

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Stats_Counters(t *testing.T) {
	var st Stats
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				st.AddBytesWritten(10)
				st.AddBytesRead(20)
				st.AddFramesWritten(1)
				st.AddFramesRead(2)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(4000), st.BytesWritten())
	assert.Equal(t, int64(8000), st.BytesRead())
	assert.Equal(t, int64(400), st.FramesWritten())
	assert.Equal(t, int64(800), st.FramesRead())
	assert.Equal(t, "[Stats rx 800/8000 tx 400/4000]", st.String())
}
