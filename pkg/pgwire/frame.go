// Package pgwire implements framing for the PostgreSQL wire protocol.
//
// It decodes and encodes the two framing conventions the protocol uses:
// regular messages (1-byte type tag, Int32 length including itself, payload)
// and startup-phase messages (Int32 length including itself, payload, no
// type tag). Decoding is incremental: input arrives in arbitrary chunks
// from a transport that knows nothing about message boundaries.
package pgwire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MsgType represents a PostgreSQL wire protocol message type byte.
type MsgType byte

// Client (frontend) message types the proxy inspects during startup.
const (
	MsgClientPassword  MsgType = 'p' // also carries SASL responses
	MsgClientTerminate MsgType = 'X'
)

// Server (backend) message types the proxy inspects during startup.
const (
	MsgServerAuth                     MsgType = 'R'
	MsgServerBackendKeyData           MsgType = 'K'
	MsgServerErrorResponse            MsgType = 'E'
	MsgServerNegotiateProtocolVersion MsgType = 'v'
	MsgServerNoticeResponse           MsgType = 'N'
	MsgServerParameterStatus          MsgType = 'S'
	MsgServerReadyForQuery            MsgType = 'Z'
)

// Authentication request subtypes carried in the body of a MsgServerAuth
// message. https://www.postgresql.org/docs/current/protocol-message-formats.html
const (
	AuthTypeOk                = 0
	AuthTypeCleartextPassword = 3
	AuthTypeMD5Password       = 5
	AuthTypeSASL              = 10
	AuthTypeSASLContinue      = 11
	AuthTypeSASLFinal         = 12
)

// ErrMalformed is returned when a message violates the framing rules:
// a declared length below the minimum, or above the configured maximum.
// Use errors.Is to test for it; the returned errors carry detail.
var ErrMalformed = errors.New("malformed message")

// headerSize is the regular message header: type byte plus Int32 length.
const headerSize = 5

// startupHeaderSize is the startup message header: Int32 length only.
const startupHeaderSize = 4

// minStartupLen is the smallest legal startup message: length + protocol
// version, nothing else.
const minStartupLen = 8

// Frame is one decoded protocol message. For regular messages Type is the
// wire tag; for startup-phase messages Type is zero. Payload excludes the
// header in both cases. Frames are transient: Payload aliases the decode
// buffer and must not be retained across decoder calls.
type Frame struct {
	Type    MsgType
	Payload []byte
}

// Startup reports whether this frame uses the untyped startup framing.
func (f Frame) Startup() bool {
	return f.Type == 0
}

// Encode appends the wire encoding of f to dst and returns the result.
// The length field is computed from the payload; startup frames are
// emitted without a type tag.
func (f Frame) Encode(dst []byte) []byte {
	if f.Startup() {
		dst = binary.BigEndian.AppendUint32(dst, uint32(startupHeaderSize+len(f.Payload)))
		return append(dst, f.Payload...)
	}
	dst = append(dst, byte(f.Type))
	dst = binary.BigEndian.AppendUint32(dst, uint32(startupHeaderSize+len(f.Payload)))
	return append(dst, f.Payload...)
}

// WireLen returns the total encoded size of f in bytes.
func (f Frame) WireLen() int {
	if f.Startup() {
		return startupHeaderSize + len(f.Payload)
	}
	return headerSize + len(f.Payload)
}

// Decode attempts to decode one regular (type-tagged) message from buf.
// It returns the frame and the number of bytes consumed. A zero consumed
// count with a nil error means buf does not yet hold a complete message
// and the caller should supply more data. maxSize bounds the declared
// message length (including the length field, excluding the type tag);
// zero means no limit.
func Decode(buf []byte, maxSize int64) (Frame, int, error) {
	if len(buf) < headerSize {
		return Frame{}, 0, nil
	}
	typ := MsgType(buf[0])
	length := int64(binary.BigEndian.Uint32(buf[1:5]))
	if length < startupHeaderSize {
		return Frame{}, 0, fmt.Errorf("%w: declared length %d below minimum %d", ErrMalformed, length, startupHeaderSize)
	}
	if maxSize > 0 && length > maxSize {
		return Frame{}, 0, fmt.Errorf("%w: declared length %d exceeds limit %d", ErrMalformed, length, maxSize)
	}
	total := 1 + length
	if int64(len(buf)) < total {
		return Frame{}, 0, nil
	}
	return Frame{Type: typ, Payload: buf[headerSize:total]}, int(total), nil
}

// DecodeStartup attempts to decode one startup-format message from buf.
// Same contract as Decode, but there is no type tag and the minimum
// declared length is 8 (length + protocol version or request code).
func DecodeStartup(buf []byte, maxSize int64) (Frame, int, error) {
	if len(buf) < startupHeaderSize {
		return Frame{}, 0, nil
	}
	length := int64(binary.BigEndian.Uint32(buf[0:4]))
	if length < minStartupLen {
		return Frame{}, 0, fmt.Errorf("%w: declared startup length %d below minimum %d", ErrMalformed, length, minStartupLen)
	}
	if maxSize > 0 && length > maxSize {
		return Frame{}, 0, fmt.Errorf("%w: declared startup length %d exceeds limit %d", ErrMalformed, length, maxSize)
	}
	if int64(len(buf)) < length {
		return Frame{}, 0, nil
	}
	return Frame{Payload: buf[startupHeaderSize:length]}, int(length), nil
}
