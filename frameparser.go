package duplex

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
)

// FrameParser implements bounds-checked reading of frame fields from a byte slice.
// Every read consumes the bytes it returns. Byte fields are returned without
// copying and alias the parsed buffer.
type FrameParser []byte

func (fp FrameParser) String() string {
	switch {
	case len(fp) < 1:
		return "[FrameParser 0]"
	case len(fp) < 32:
		return fmt.Sprintf("[FrameParser %v %v]", len(fp), hex.EncodeToString(fp))
	default:
		return fmt.Sprintf("[FrameParser %v %v...]", len(fp), hex.EncodeToString(fp[:32]))
	}
}

func (fp *FrameParser) take(n int) (b []byte, err error) {
	if n < 0 || len(*fp) < n {
		return nil, errors.WithStack(TruncatedError{})
	}
	b = (*fp)[:n:n]
	*fp = (*fp)[n:]
	return
}

// ReadUint8 reads a byte.
func (fp *FrameParser) ReadUint8() (x uint8, err error) {
	var b []byte
	if b, err = fp.take(1); err == nil {
		x = b[0]
	}
	return
}

// ReadUint32 reads a big-endian uint32.
func (fp *FrameParser) ReadUint32() (x uint32, err error) {
	var b []byte
	if b, err = fp.take(4); err == nil {
		x = binary.BigEndian.Uint32(b)
	}
	return
}

// ReadUint64 reads a big-endian uint64.
func (fp *FrameParser) ReadUint64() (x uint64, err error) {
	var b []byte
	if b, err = fp.take(8); err == nil {
		x = binary.BigEndian.Uint64(b)
	}
	return
}

// ReadBytes reads a uint32 length followed by that many bytes.
// A zero length yields a nil slice.
func (fp *FrameParser) ReadBytes() (b []byte, err error) {
	var n uint32
	if n, err = fp.ReadUint32(); err == nil && n > 0 {
		if uint64(n) > uint64(len(*fp)) {
			return nil, errors.WithStack(TruncatedError{})
		}
		b, err = fp.take(int(n))
	}
	return
}
