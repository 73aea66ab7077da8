package duplex

import (
	"fmt"

	"github.com/pkg/errors"
)

// Frame is a decoded protocol frame. The byte slices of a decoded Frame
// alias the buffer it was decoded from.
//
// Which trailer fields are meaningful depends on Kind:
//
//	Begin     Affinity, Extension
//	Data      Flags, BudgetID, Reserved, Payload, Extension
//	End       Extension
//	Abort     Extension
//	Flush     BudgetID, Reserved, Extension
//	Reset     Extension
//	Window    BudgetID, Padding
//	Signal    SignalID, Payload
//	Challenge Extension
type Frame struct {
	Kind          FrameKind
	OriginID      uint64
	RoutedID      uint64
	StreamID      uint64
	Sequence      uint64
	Acknowledge   uint64
	Maximum       uint32
	TraceID       uint64
	Authorization uint64

	Affinity  uint64
	Flags     DataFlag
	BudgetID  uint64
	Reserved  uint32
	Padding   uint32
	SignalID  uint32
	Payload   []byte
	Extension []byte
}

func (f *Frame) String() string {
	switch f.Kind {
	case KindData:
		return fmt.Sprintf("[%s %x:%x %016x seq=%d ack=%d max=%d %s budget=%x rsv=%d len=%d]",
			f.Kind, f.OriginID, f.RoutedID, f.StreamID, f.Sequence, f.Acknowledge, f.Maximum,
			f.Flags, f.BudgetID, f.Reserved, len(f.Payload))
	case KindWindow:
		return fmt.Sprintf("[%s %x:%x %016x seq=%d ack=%d max=%d budget=%x pad=%d]",
			f.Kind, f.OriginID, f.RoutedID, f.StreamID, f.Sequence, f.Acknowledge, f.Maximum,
			f.BudgetID, f.Padding)
	case KindSignal:
		return fmt.Sprintf("[%s %x:%x %016x signal=%d len=%d]",
			f.Kind, f.OriginID, f.RoutedID, f.StreamID, f.SignalID, len(f.Payload))
	}
	return fmt.Sprintf("[%s %x:%x %016x seq=%d ack=%d max=%d]",
		f.Kind, f.OriginID, f.RoutedID, f.StreamID, f.Sequence, f.Acknowledge, f.Maximum)
}

// EncodedSize returns the number of bytes Encode will write for f.
func (f *Frame) EncodedSize() (n int) {
	n = FrameHeaderSize
	switch f.Kind {
	case KindBegin:
		n += 8 + 4 + len(f.Extension)
	case KindData:
		n += 1 + 8 + 4 + 4 + len(f.Payload) + 4 + len(f.Extension)
	case KindEnd, KindAbort, KindReset, KindChallenge:
		n += 4 + len(f.Extension)
	case KindFlush:
		n += 8 + 4 + 4 + len(f.Extension)
	case KindWindow:
		n += 8 + 4
	case KindSignal:
		n += 4 + 4 + len(f.Payload)
	}
	return
}

// Decode parses the frame stored in buf[offset:offset+length].
// The returned Frame's Payload and Extension alias buf.
func Decode(buf []byte, offset, length int) (f Frame, err error) {
	if offset < 0 || length < 0 || offset > len(buf) || length > len(buf)-offset {
		return f, errors.WithStack(TruncatedError{})
	}
	region := buf[offset : offset+length]
	if len(region) < FrameHeaderSize {
		return f, errors.WithStack(TruncatedError{})
	}
	fh := FrameHeader(region)
	if f.Kind = fh.Kind(); !f.Kind.IsValid() {
		return f, errors.WithStack(UnknownKindError{})
	}
	f.OriginID = fh.OriginID()
	f.RoutedID = fh.RoutedID()
	f.StreamID = fh.StreamID()
	f.Sequence = fh.Sequence()
	f.Acknowledge = fh.Acknowledge()
	f.Maximum = fh.Maximum()
	f.TraceID = fh.TraceID()
	f.Authorization = fh.Authorization()

	fp := FrameParser(region[FrameHeaderSize:])
	switch f.Kind {
	case KindBegin:
		if f.Affinity, err = fp.ReadUint64(); err == nil {
			f.Extension, err = fp.ReadBytes()
		}
	case KindData:
		var flags uint8
		if flags, err = fp.ReadUint8(); err == nil {
			f.Flags = DataFlag(flags)
			if f.BudgetID, err = fp.ReadUint64(); err == nil {
				if f.Reserved, err = fp.ReadUint32(); err == nil {
					if f.Payload, err = fp.ReadBytes(); err == nil {
						f.Extension, err = fp.ReadBytes()
					}
				}
			}
		}
	case KindEnd, KindAbort, KindReset, KindChallenge:
		f.Extension, err = fp.ReadBytes()
	case KindFlush:
		if f.BudgetID, err = fp.ReadUint64(); err == nil {
			if f.Reserved, err = fp.ReadUint32(); err == nil {
				f.Extension, err = fp.ReadBytes()
			}
		}
	case KindWindow:
		if f.BudgetID, err = fp.ReadUint64(); err == nil {
			f.Padding, err = fp.ReadUint32()
		}
	case KindSignal:
		if f.SignalID, err = fp.ReadUint32(); err == nil {
			f.Payload, err = fp.ReadBytes()
		}
	}
	if err == nil && len(fp) != 0 {
		err = errors.Wrapf(MalformedError{}, "%d trailing bytes after %s", len(fp), f.Kind)
	}
	return
}

// Encode writes f into buf[offset:offset+capacity] and returns the number of bytes written.
// It never allocates. On error the contents of the target region are undefined.
func Encode(f *Frame, buf []byte, offset, capacity int) (n int, err error) {
	if offset < 0 || capacity < 0 || offset > len(buf) || capacity > len(buf)-offset {
		return 0, errors.WithStack(CapacityExceededError{})
	}
	if !f.Kind.IsValid() {
		return 0, errors.WithStack(UnknownKindError{})
	}
	if f.EncodedSize() > capacity {
		return 0, errors.WithStack(CapacityExceededError{})
	}
	region := buf[offset : offset+capacity]
	fh := FrameHeader(region[:FrameHeaderSize])
	fh.SetKind(f.Kind)
	fh.SetOriginID(f.OriginID)
	fh.SetRoutedID(f.RoutedID)
	fh.SetStreamID(f.StreamID)
	fh.SetSequence(f.Sequence)
	fh.SetAcknowledge(f.Acknowledge)
	fh.SetMaximum(f.Maximum)
	fh.SetTraceID(f.TraceID)
	fh.SetAuthorization(f.Authorization)

	fw := FrameWriter(region[FrameHeaderSize:FrameHeaderSize])
	switch f.Kind {
	case KindBegin:
		if err = fw.WriteUint64(f.Affinity); err == nil {
			err = fw.WriteBytes(f.Extension)
		}
	case KindData:
		if err = fw.WriteUint8(uint8(f.Flags)); err == nil {
			if err = fw.WriteUint64(f.BudgetID); err == nil {
				if err = fw.WriteUint32(f.Reserved); err == nil {
					if err = fw.WriteBytes(f.Payload); err == nil {
						err = fw.WriteBytes(f.Extension)
					}
				}
			}
		}
	case KindEnd, KindAbort, KindReset, KindChallenge:
		err = fw.WriteBytes(f.Extension)
	case KindFlush:
		if err = fw.WriteUint64(f.BudgetID); err == nil {
			if err = fw.WriteUint32(f.Reserved); err == nil {
				err = fw.WriteBytes(f.Extension)
			}
		}
	case KindWindow:
		if err = fw.WriteUint64(f.BudgetID); err == nil {
			err = fw.WriteUint32(f.Padding)
		}
	case KindSignal:
		if err = fw.WriteUint32(f.SignalID); err == nil {
			err = fw.WriteBytes(f.Payload)
		}
	}
	if err == nil {
		n = FrameHeaderSize + fw.Buffered()
	}
	return
}
