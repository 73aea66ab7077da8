package duplex

import (
	"fmt"

	"code.hybscloud.com/atomix"
)

// StatsCollector is the interface required to collect statistics
type StatsCollector interface {
	AddBytesWritten(int64)
	AddBytesRead(int64)
}

// FrameStatsCollector is an optional extension of StatsCollector
// that also counts frames.
type FrameStatsCollector interface {
	StatsCollector
	AddFramesWritten(int64)
	AddFramesRead(int64)
}

// Stats is a FrameStatsCollector safe for concurrent use.
type Stats struct {
	bytesWritten  atomix.Int64
	bytesRead     atomix.Int64
	framesWritten atomix.Int64
	framesRead    atomix.Int64
}

var _ FrameStatsCollector = (*Stats)(nil)

func (st *Stats) String() string {
	return fmt.Sprintf("[Stats rx %d/%d tx %d/%d]",
		st.FramesRead(), st.BytesRead(), st.FramesWritten(), st.BytesWritten())
}

// AddBytesWritten implements StatsCollector.
func (st *Stats) AddBytesWritten(n int64) { st.bytesWritten.Add(n) }

// AddBytesRead implements StatsCollector.
func (st *Stats) AddBytesRead(n int64) { st.bytesRead.Add(n) }

// AddFramesWritten implements FrameStatsCollector.
func (st *Stats) AddFramesWritten(n int64) { st.framesWritten.Add(n) }

// AddFramesRead implements FrameStatsCollector.
func (st *Stats) AddFramesRead(n int64) { st.framesRead.Add(n) }

// BytesWritten returns the number of bytes written.
func (st *Stats) BytesWritten() int64 { return st.bytesWritten.Load() }

// BytesRead returns the number of bytes read.
func (st *Stats) BytesRead() int64 { return st.bytesRead.Load() }

// FramesWritten returns the number of frames written.
func (st *Stats) FramesWritten() int64 { return st.framesWritten.Load() }

// FramesRead returns the number of frames read.
func (st *Stats) FramesRead() int64 { return st.framesRead.Load() }
