package duplex

import "fmt"

// FrameKind enumerates the frame types of the stream protocol.
type FrameKind byte

const (
	// KindInvalid is not usable and is rejected by Decode.
	KindInvalid = FrameKind(0x00)
	// KindBegin opens a half-stream.
	KindBegin = FrameKind(0x01)
	// KindData carries application bytes.
	KindData = FrameKind(0x02)
	// KindEnd closes a half-stream gracefully.
	KindEnd = FrameKind(0x03)
	// KindAbort closes a half-stream abnormally.
	KindAbort = FrameKind(0x04)
	// KindFlush is a zero-payload progress signal.
	KindFlush = FrameKind(0x05)
	// KindReset is the receiver refusing the initial half.
	KindReset = FrameKind(0x06)
	// KindWindow grants or updates the sender's window.
	KindWindow = FrameKind(0x07)
	// KindSignal is a locally injected deferred callback, never sent on a transport.
	KindSignal = FrameKind(0x08)
	// KindChallenge requests the peer to refresh its credentials.
	KindChallenge = FrameKind(0x09)
	// kindLast is the highest known kind.
	kindLast = KindChallenge
)

var frameKindTexts = map[FrameKind]string{
	KindInvalid:   "Invalid",
	KindBegin:     "Begin",
	KindData:      "Data",
	KindEnd:       "End",
	KindAbort:     "Abort",
	KindFlush:     "Flush",
	KindReset:     "Reset",
	KindWindow:    "Window",
	KindSignal:    "Signal",
	KindChallenge: "Challenge",
}

func (k FrameKind) String() string {
	if s, ok := frameKindTexts[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind%02x", byte(k))
}

// IsValid returns true if the kind is one of the known frame kinds.
func (k FrameKind) IsValid() bool {
	return k > KindInvalid && k <= kindLast
}

// FromSender returns true for kinds that travel in the direction of the
// half-stream they address (caller to callee for the initial half).
// Window, Reset and Challenge travel against it.
func (k FrameKind) FromSender() bool {
	switch k {
	case KindBegin, KindData, KindEnd, KindAbort, KindFlush:
		return true
	}
	return false
}

// DataFlag enumerates the fragmentation flags of a Data frame.
type DataFlag byte

const (
	// FlagFin marks the last fragment of a message.
	FlagFin DataFlag = 0x01
	// FlagInit marks the first fragment of a message.
	FlagInit DataFlag = 0x02
	// FlagComplete is a whole message in a single frame.
	FlagComplete = FlagInit | FlagFin
)

var dataFlagTexts = map[DataFlag]string{
	0:            "..",
	FlagFin:      ".F",
	FlagInit:     "I.",
	FlagComplete: "IF",
}

func (df DataFlag) String() string {
	return dataFlagTexts[df&FlagComplete]
}

// IsInit returns true if the INIT bit is set.
func (df DataFlag) IsInit() bool {
	return df&FlagInit == FlagInit
}

// IsFin returns true if the FIN bit is set.
func (df DataFlag) IsFin() bool {
	return df&FlagFin == FlagFin
}

// IsInitial returns true if streamID addresses an initial (caller to callee) half.
func IsInitial(streamID uint64) bool {
	return streamID&1 == 1
}

// DefaultReplyID returns the reply id paired with initialID.
func DefaultReplyID(initialID uint64) uint64 {
	return initialID ^ 1
}
