package pgwire

import (
	"fmt"
	"runtime"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"
)

// Err wraps a PostgreSQL error format. It is both a Go error and a
// protocol message: the interceptor sends it to the client as an
// ErrorResponse so a browser always receives a protocol-legible failure
// reason when one can be synthesized.
type Err struct {
	pgproto3.ErrorResponse
	C error
}

var _ error = &Err{}

func (e *Err) Error() string {
	if e.C != nil {
		return fmt.Sprintf("%s %s: %s: %s", e.Severity, e.Code, e.Message, e.C.Error())
	}
	return fmt.Sprintf("%s %s: %s", e.Severity, e.Code, e.Message)
}

func (e *Err) Unwrap() error {
	return e.C
}

// EncodeResponse appends the wire bytes of the ErrorResponse to dst.
func (e *Err) EncodeResponse(dst []byte) ([]byte, error) {
	return e.ErrorResponse.Encode(dst)
}

func NewErr(severity Severity, code string, message string, cause error) *Err {
	_, file, line, _ := runtime.Caller(1)
	return &Err{
		ErrorResponse: pgproto3.ErrorResponse{
			Severity: string(severity),
			Code:     code,
			Message:  message,
			File:     file,
			Line:     int32(line),
			Hint:     "pgwarp proxy error",
		},
		C: cause,
	}
}

// NewProtocolViolation builds a FATAL protocol_violation error for
// malformed or unexpected wire data.
func NewProtocolViolation(cause error, detail string) *Err {
	_, file, line, _ := runtime.Caller(1)
	return &Err{
		ErrorResponse: pgproto3.ErrorResponse{
			Severity: string(ErrorFatal),
			Code:     pgerrcode.ProtocolViolation,
			Message:  detail,
			File:     file,
			Line:     int32(line),
			Hint:     "pgwarp proxy error",
		},
		C: cause,
	}
}

// NewConnectionFailure builds a FATAL connection error for a backend that
// could not be reached or dropped the connection during startup.
func NewConnectionFailure(cause error, detail string) *Err {
	_, file, line, _ := runtime.Caller(1)
	return &Err{
		ErrorResponse: pgproto3.ErrorResponse{
			Severity: string(ErrorFatal),
			Code:     pgerrcode.SQLClientUnableToEstablishSQLConnection,
			Message:  detail,
			File:     file,
			Line:     int32(line),
			Hint:     "pgwarp proxy error",
		},
		C: cause,
	}
}
