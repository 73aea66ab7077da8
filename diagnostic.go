package duplex

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// DiagnosticCode explains why a half-stream was aborted or reset.
// It travels as the 4 byte big-endian extension of Abort and Reset frames.
type DiagnosticCode uint32

const (
	// DiagnosticNone means no reason was given.
	DiagnosticNone = DiagnosticCode(0)
	// DiagnosticProtocol is a frame sequence violation.
	DiagnosticProtocol = DiagnosticCode(1)
	// DiagnosticCorrupt is inconsistent flow accounting.
	DiagnosticCorrupt = DiagnosticCode(2)
	// DiagnosticMalformed is an undecodable frame.
	DiagnosticMalformed = DiagnosticCode(3)
	// DiagnosticNoRoute means nothing is bound to the routed id.
	DiagnosticNoRoute = DiagnosticCode(4)
	// DiagnosticHandler means the handler returned an error.
	DiagnosticHandler = DiagnosticCode(5)
	// DiagnosticShutdown means the engine is shutting down.
	DiagnosticShutdown = DiagnosticCode(6)
	// DiagnosticCancelled means the application closed the stream.
	DiagnosticCancelled = DiagnosticCode(7)
)

var diagnosticTexts = map[DiagnosticCode]string{
	DiagnosticNone:      "none",
	DiagnosticProtocol:  "protocol",
	DiagnosticCorrupt:   "corrupt",
	DiagnosticMalformed: "malformed",
	DiagnosticNoRoute:   "noroute",
	DiagnosticHandler:   "handler",
	DiagnosticShutdown:  "shutdown",
	DiagnosticCancelled: "cancelled",
}

func (dc DiagnosticCode) String() string {
	if s, ok := diagnosticTexts[dc]; ok {
		return s
	}
	return fmt.Sprintf("diagnostic(%d)", uint32(dc))
}

// Extension returns the frame extension encoding of the code.
// DiagnosticNone encodes as an empty extension.
func (dc DiagnosticCode) Extension() []byte {
	if dc == DiagnosticNone {
		return nil
	}
	return binary.BigEndian.AppendUint32(make([]byte, 0, 4), uint32(dc))
}

// ParseDiagnostic decodes the extension of an Abort or Reset frame.
func ParseDiagnostic(ext []byte) (DiagnosticCode, error) {
	switch len(ext) {
	case 0:
		return DiagnosticNone, nil
	case 4:
		return DiagnosticCode(binary.BigEndian.Uint32(ext)), nil
	}
	return DiagnosticNone, errors.Wrapf(MalformedError{}, "diagnostic extension length %d", len(ext))
}

// DiagnoseError maps an error to the code sent to the peer.
func DiagnoseError(err error) DiagnosticCode {
	switch {
	case err == nil:
		return DiagnosticNone
	case errors.Is(err, CorruptError{}):
		return DiagnosticCorrupt
	case IsProtocolError(err):
		return DiagnosticProtocol
	case IsMalformed(err):
		return DiagnosticMalformed
	case errors.Is(err, NoRouteError{}):
		return DiagnosticNoRoute
	case errors.Is(err, engineClosedError{}):
		return DiagnosticShutdown
	}
	return DiagnosticHandler
}
