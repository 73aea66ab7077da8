package duplex

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// FrameWriter appends frame fields to a byte slice without ever growing it
// past its capacity. The capacity of the slice is the encode budget.
type FrameWriter []byte

// Available returns the number of bytes that can still be written.
func (fw FrameWriter) Available() int {
	return cap(fw) - len(fw)
}

// Buffered returns the number of bytes written so far.
func (fw FrameWriter) Buffered() int {
	return len(fw)
}

func (fw *FrameWriter) need(n int) error {
	if fw.Available() < n {
		return errors.WithStack(CapacityExceededError{})
	}
	return nil
}

// WriteUint8 appends a byte.
func (fw *FrameWriter) WriteUint8(x uint8) (err error) {
	if err = fw.need(1); err == nil {
		*fw = append(*fw, x)
	}
	return
}

// WriteUint32 appends a big-endian uint32.
func (fw *FrameWriter) WriteUint32(x uint32) (err error) {
	if err = fw.need(4); err == nil {
		*fw = binary.BigEndian.AppendUint32(*fw, x)
	}
	return
}

// WriteUint64 appends a big-endian uint64.
func (fw *FrameWriter) WriteUint64(x uint64) (err error) {
	if err = fw.need(8); err == nil {
		*fw = binary.BigEndian.AppendUint64(*fw, x)
	}
	return
}

// WriteBytes appends a uint32 length followed by the bytes.
func (fw *FrameWriter) WriteBytes(b []byte) (err error) {
	if uint64(len(b)) > ProtocolMaxReserved {
		return errors.WithStack(MalformedError{})
	}
	if err = fw.need(4 + len(b)); err == nil {
		*fw = binary.BigEndian.AppendUint32(*fw, uint32(len(b)))
		*fw = append(*fw, b...)
	}
	return
}
