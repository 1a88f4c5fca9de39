package pgwire

import (
	"encoding/binary"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Request codes occupying the protocol-version position of a startup-format
// message. https://www.postgresql.org/docs/current/protocol-message-formats.html
const (
	// ProtocolVersion is protocol 3.0, the only version the proxy accepts.
	ProtocolVersion   = uint32(196608)
	CancelRequestCode = uint32(80877102)
	SSLRequestCode    = uint32(80877103)
	GSSEncRequestCode = uint32(80877104)
)

// StartupKind classifies a startup-format frame by its leading Int32.
type StartupKind int

const (
	StartupKindInvalid StartupKind = iota
	StartupKindStartupMessage
	StartupKindCancelRequest
	StartupKindSSLRequest
	StartupKindGSSEncRequest
)

func (k StartupKind) String() string {
	switch k {
	case StartupKindStartupMessage:
		return "StartupMessage"
	case StartupKindCancelRequest:
		return "CancelRequest"
	case StartupKindSSLRequest:
		return "SSLRequest"
	case StartupKindGSSEncRequest:
		return "GSSEncRequest"
	default:
		return "Invalid"
	}
}

// ClassifyStartup inspects the payload of a startup frame and reports which
// of the startup-phase requests it is. The frame payload must be the bytes
// after the length field.
func ClassifyStartup(f Frame) StartupKind {
	if !f.Startup() || len(f.Payload) < 4 {
		return StartupKindInvalid
	}
	switch binary.BigEndian.Uint32(f.Payload[0:4]) {
	case ProtocolVersion:
		return StartupKindStartupMessage
	case CancelRequestCode:
		return StartupKindCancelRequest
	case SSLRequestCode:
		return StartupKindSSLRequest
	case GSSEncRequestCode:
		return StartupKindGSSEncRequest
	default:
		return StartupKindInvalid
	}
}

// ParseStartupParameters decodes the key/value parameter list of a
// protocol 3.0 StartupMessage frame.
func ParseStartupParameters(f Frame) (map[string]string, error) {
	if ClassifyStartup(f) != StartupKindStartupMessage {
		return nil, fmt.Errorf("%w: not a protocol 3.0 StartupMessage", ErrMalformed)
	}
	var msg pgproto3.StartupMessage
	if err := msg.Decode(f.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg.Parameters, nil
}

// EncodeStartupMessage builds the wire bytes of a protocol 3.0
// StartupMessage with the given parameters, appended to dst.
func EncodeStartupMessage(dst []byte, parameters map[string]string) ([]byte, error) {
	msg := pgproto3.StartupMessage{
		ProtocolVersion: ProtocolVersion,
		Parameters:      parameters,
	}
	return msg.Encode(dst)
}

// SSL request responses. The proxy sends exactly one of these bytes in
// answer to an SSLRequest probe.
const (
	SSLResponseAccept = byte('S')
	SSLResponseDeny   = byte('N')
)
