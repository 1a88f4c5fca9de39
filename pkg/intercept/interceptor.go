package intercept

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgerrcode"

	"github.com/justjake/pgwarp/pkg/backend"
	"github.com/justjake/pgwarp/pkg/config"
	"github.com/justjake/pgwarp/pkg/observability"
	"github.com/justjake/pgwarp/pkg/pgwire"
)

// ErrRejected is returned by Run when the handshake ended in rejection.
// The client has already been sent an ErrorResponse where one could be
// synthesized; wrap errors carry the detail.
var ErrRejected = errors.New("startup rejected")

// readChunkSize is how much we ask the stream for per read while
// decoding the handshake.
const readChunkSize = 4096

// Credentials are the backend credentials used in trusted mode, resolved
// from the secret store before any stream is accepted.
type Credentials struct {
	User     string
	Password string
}

// Result describes an admitted connection, ready for raw relay.
type Result struct {
	// Backend is the authenticated backend connection. Ownership passes
	// to the caller.
	Backend *backend.Conn

	// Parameters are the startup parameters as forwarded to the
	// backend, after defaults and identity rewriting.
	Parameters map[string]string

	// ClientExcess and BackendExcess are bytes that arrived behind the
	// handshake on each leg. They must be flushed to the opposite side
	// before raw relay begins.
	ClientExcess  []byte
	BackendExcess []byte
}

// Interceptor runs the startup state machine for one stream. It owns the
// client leg only for the duration of Run; it never closes it.
type Interceptor struct {
	stream    io.ReadWriter
	connector *backend.Connector
	cfg       *config.Config
	creds     *Credentials
	logger    *slog.Logger
	metrics   *observability.Metrics

	state      State
	clientDec  *pgwire.Decoder
	backendDec *pgwire.Decoder
}

// New creates an Interceptor for one client stream. creds may be nil in
// passthrough mode.
func New(stream io.ReadWriter, connector *backend.Connector, cfg *config.Config, creds *Credentials, logger *slog.Logger, metrics *observability.Metrics) *Interceptor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Interceptor{
		stream:     stream,
		connector:  connector,
		cfg:        cfg,
		creds:      creds,
		logger:     logger,
		metrics:    metrics,
		state:      StateAwaitingStartup,
		clientDec:  pgwire.NewDecoder(cfg.GetMaxMessageSize()),
		backendDec: pgwire.NewDecoder(cfg.GetMaxMessageSize()),
	}
}

// State returns the current handshake state.
func (i *Interceptor) State() State {
	return i.state
}

// Run drives the handshake to completion. On success the stream is in
// Relaying and the returned Result carries the backend connection. On
// failure the client has been sent an ErrorResponse when one could be
// synthesized, the state is Rejected (then Closed), and any backend
// connection has been closed.
func (i *Interceptor) Run(ctx context.Context) (result *Result, err error) {
	startedAt := time.Now()

	// The connect timeout bounds the whole handshake, client reads
	// included, so a stalled client cannot pin a stream or its backend
	// connection past it.
	ctx, cancel := context.WithTimeout(ctx, i.cfg.Backend.GetConnectTimeout())
	defer cancel()

	defer func() {
		if err != nil {
			i.state = StateClosed
		} else {
			i.metrics.RecordStartupDuration(time.Since(startedAt).Seconds())
		}
	}()

	parameters, err := i.awaitStartup(ctx)
	if err != nil {
		return nil, err
	}

	i.state = StateAuthenticating
	conn, err := i.connectBackend(ctx, parameters)
	if err != nil {
		return nil, err
	}

	if err := i.authenticate(ctx, conn); err != nil {
		_ = conn.Close()
		i.metrics.RecordBackendDisconnect()
		return nil, err
	}

	i.state = StateRelaying
	i.logger.Debug("handshake complete", "user", parameters["user"], "database", parameters["database"])
	return &Result{
		Backend:       conn,
		Parameters:    parameters,
		ClientExcess:  i.clientDec.Buffered(),
		BackendExcess: i.backendDec.Buffered(),
	}, nil
}

// awaitStartup buffers client bytes until a full StartupMessage arrives,
// answering SSLRequest and GSSEncRequest probes along the way.
func (i *Interceptor) awaitStartup(ctx context.Context) (map[string]string, error) {
	for {
		frame, ok, err := i.clientDec.NextStartup()
		if err != nil {
			return nil, i.reject(pgwire.NewProtocolViolation(err, "malformed startup message"))
		}
		if !ok {
			if err := i.readClient(ctx); err != nil {
				return nil, i.closeSilently(fmt.Errorf("reading startup message: %w", err))
			}
			continue
		}

		switch kind := pgwire.ClassifyStartup(frame); kind {
		case pgwire.StartupKindSSLRequest:
			// TLS is already terminated at the WebTransport layer; the
			// configured policy decides the answer. After either byte
			// the client continues on the same stream.
			response := pgwire.SSLResponseDeny
			if i.cfg.GetSSLRequestResponse() == config.SSLRequestAccept {
				response = pgwire.SSLResponseAccept
			}
			if _, err := i.stream.Write([]byte{response}); err != nil {
				return nil, i.closeSilently(fmt.Errorf("answering SSLRequest: %w", err))
			}
			i.logger.Debug("answered SSLRequest", "response", string(response))

		case pgwire.StartupKindGSSEncRequest:
			if _, err := i.stream.Write([]byte{pgwire.SSLResponseDeny}); err != nil {
				return nil, i.closeSilently(fmt.Errorf("declining GSS encryption: %w", err))
			}

		case pgwire.StartupKindCancelRequest:
			// Cancel requests arrive on their own connection and expect
			// no reply. Streams are not tracked by PID, so close.
			return nil, i.closeSilently(errors.New("cancel request on fresh stream"))

		case pgwire.StartupKindStartupMessage:
			parameters, err := pgwire.ParseStartupParameters(frame)
			if err != nil {
				return nil, i.reject(pgwire.NewProtocolViolation(err, "invalid startup parameters"))
			}
			return i.prepareParameters(parameters)

		default:
			return nil, i.reject(pgwire.NewProtocolViolation(nil, fmt.Sprintf("unsupported startup request %s", kind)))
		}
	}
}

// prepareParameters applies configured defaults and the trusted-identity
// rewrite, then validates the result.
func (i *Interceptor) prepareParameters(parameters map[string]string) (map[string]string, error) {
	for key, value := range i.cfg.Backend.DefaultStartupParameters.All() {
		if _, set := parameters[key]; !set {
			parameters[key] = value
		}
	}

	if i.cfg.Auth.GetMode() == config.AuthModeTrusted && (i.cfg.Auth.ForceUser || parameters["user"] == "") {
		parameters["user"] = i.creds.User
	}

	if parameters["user"] == "" {
		return nil, i.reject(pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.InvalidAuthorizationSpecification, "no user specified", nil))
	}
	if parameters["database"] == "" {
		// PostgreSQL behavior: database defaults to the user name.
		parameters["database"] = parameters["user"]
	}
	return parameters, nil
}

// connectBackend opens the backend connection and forwards the startup
// message. Connect failures become a single ErrorResponse to the client.
func (i *Interceptor) connectBackend(ctx context.Context, parameters map[string]string) (*backend.Conn, error) {
	conn, err := i.connector.Connect(ctx)
	if err != nil {
		i.metrics.RecordBackendConnect(false)
		return nil, i.reject(pgwire.NewConnectionFailure(err, fmt.Sprintf("could not connect to backend: %v", err)))
	}
	i.metrics.RecordBackendConnect(true)

	// The same bound applies to backend I/O during Authenticating;
	// cleared before relay begins.
	deadline := time.Now().Add(i.cfg.Backend.GetConnectTimeout())
	_ = conn.SetDeadline(deadline)

	startup, err := pgwire.EncodeStartupMessage(nil, parameters)
	if err != nil {
		_ = conn.Close()
		i.metrics.RecordBackendDisconnect()
		return nil, i.reject(pgwire.NewProtocolViolation(err, "could not encode startup message"))
	}
	if _, err := conn.Write(startup); err != nil {
		_ = conn.Close()
		i.metrics.RecordBackendDisconnect()
		return nil, i.reject(pgwire.NewConnectionFailure(err, "backend closed during startup"))
	}
	return conn, nil
}

// authenticate relays (or, in trusted mode, terminates) the
// authentication exchange until the backend settles the handshake.
func (i *Interceptor) authenticate(ctx context.Context, conn *backend.Conn) error {
	trusted := i.cfg.Auth.GetMode() == config.AuthModeTrusted
	var scram *scramClient

	for {
		frame, err := i.nextBackendFrame(ctx, conn)
		if err != nil {
			return err
		}

		switch frame.Type {
		case pgwire.MsgServerAuth:
			if len(frame.Payload) < 4 {
				return i.reject(pgwire.NewProtocolViolation(nil, "truncated authentication message"))
			}
			authType := binary.BigEndian.Uint32(frame.Payload[0:4])

			if authType == pgwire.AuthTypeOk {
				if err := i.forwardToClient(frame); err != nil {
					return err
				}
				continue
			}

			if trusted {
				scram, err = i.answerChallenge(conn, frame, authType, scram)
				if err != nil {
					return err
				}
				continue
			}

			// Passthrough: the client answers the challenge itself.
			if err := i.forwardToClient(frame); err != nil {
				return err
			}
			if clientResponds(authType) {
				if err := i.relayClientAuthResponse(ctx, conn); err != nil {
					return err
				}
			}

		case pgwire.MsgServerErrorResponse:
			// Forward the backend's own error verbatim, then reject
			// without synthesizing a second one.
			if err := i.forwardToClient(frame); err != nil {
				return err
			}
			i.state = StateRejected
			i.metrics.RecordHandshakeError("backend_auth")
			return fmt.Errorf("%w: backend refused startup", ErrRejected)

		case pgwire.MsgServerParameterStatus, pgwire.MsgServerBackendKeyData,
			pgwire.MsgServerNoticeResponse, pgwire.MsgServerNegotiateProtocolVersion:
			if err := i.forwardToClient(frame); err != nil {
				return err
			}

		case pgwire.MsgServerReadyForQuery:
			if err := i.forwardToClient(frame); err != nil {
				return err
			}
			_ = conn.SetDeadline(time.Time{})
			return nil

		default:
			return i.reject(pgwire.NewProtocolViolation(nil, fmt.Sprintf("unexpected message %q during startup", byte(frame.Type))))
		}
	}
}

// relayClientAuthResponse forwards the client's next password/SASL
// message ('p') to the backend.
func (i *Interceptor) relayClientAuthResponse(ctx context.Context, conn *backend.Conn) error {
	for {
		frame, ok, err := i.clientDec.Next()
		if err != nil {
			return i.reject(pgwire.NewProtocolViolation(err, "malformed authentication response"))
		}
		if !ok {
			if err := i.readClient(ctx); err != nil {
				return i.closeSilently(fmt.Errorf("reading authentication response: %w", err))
			}
			continue
		}

		switch frame.Type {
		case pgwire.MsgClientPassword:
			if _, err := conn.Write(frame.Encode(nil)); err != nil {
				return i.reject(pgwire.NewConnectionFailure(err, "backend closed during authentication"))
			}
			return nil
		case pgwire.MsgClientTerminate:
			return i.closeSilently(errors.New("client terminated during authentication"))
		default:
			return i.reject(pgwire.NewProtocolViolation(nil, fmt.Sprintf("expected password message, got %q", byte(frame.Type))))
		}
	}
}

// nextBackendFrame reads type-tagged frames from the backend leg.
func (i *Interceptor) nextBackendFrame(ctx context.Context, conn *backend.Conn) (pgwire.Frame, error) {
	for {
		frame, ok, err := i.backendDec.Next()
		if err != nil {
			return pgwire.Frame{}, i.reject(pgwire.NewProtocolViolation(err, "malformed backend message"))
		}
		if ok {
			return frame, nil
		}

		if err := ctx.Err(); err != nil {
			return pgwire.Frame{}, i.closeSilently(err)
		}
		buf := make([]byte, readChunkSize)
		n, err := conn.Read(buf)
		if n > 0 {
			i.backendDec.Feed(buf[:n])
			continue
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return pgwire.Frame{}, i.reject(pgwire.NewConnectionFailure(err, "backend authentication timed out"))
			}
			return pgwire.Frame{}, i.reject(pgwire.NewConnectionFailure(err, "backend closed during authentication"))
		}
	}
}

// readClient performs one read from the client stream into the decoder.
// The stream interface carries no deadlines, so the read runs in its own
// goroutine and the handshake context bounds the wait. A read abandoned
// on timeout stays pending until the caller closes the stream; its bytes
// are discarded along with the handshake.
func (i *Interceptor) readClient(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	type readResult struct {
		data []byte
		err  error
	}
	done := make(chan readResult, 1)
	go func() {
		buf := make([]byte, readChunkSize)
		n, err := i.stream.Read(buf)
		done <- readResult{data: buf[:n], err: err}
	}()

	select {
	case r := <-done:
		if len(r.data) > 0 {
			i.clientDec.Feed(r.data)
			return nil
		}
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Interceptor) forwardToClient(frame pgwire.Frame) error {
	if _, err := i.stream.Write(frame.Encode(nil)); err != nil {
		return i.closeSilently(fmt.Errorf("writing to client: %w", err))
	}
	return nil
}

// reject sends a synthesized ErrorResponse to the client, transitions to
// Rejected, and returns an error wrapping ErrRejected. This is the only
// path that writes a synthesized protocol error; errors during relay are
// never reinterpreted as protocol messages.
func (i *Interceptor) reject(pgErr *pgwire.Err) error {
	i.state = StateRejected
	i.metrics.RecordHandshakeError(errorType(pgErr))
	i.logger.Warn("rejected stream", "severity", pgErr.Severity, "code", pgErr.Code, "message", pgErr.Message, "cause", pgErr.C)

	wire, encErr := pgErr.EncodeResponse(nil)
	if encErr == nil {
		if _, err := i.stream.Write(wire); err != nil {
			i.logger.Debug("could not deliver ErrorResponse", "error", err)
		}
	}
	return fmt.Errorf("%w: %w", ErrRejected, pgErr)
}

// closeSilently covers terminations where no protocol-legible message can
// or should be sent: transport failures and client-initiated closes.
func (i *Interceptor) closeSilently(cause error) error {
	i.state = StateClosed
	return cause
}

// clientResponds reports whether the client sends a message in answer to
// the given authentication request subtype.
func clientResponds(authType uint32) bool {
	switch authType {
	case pgwire.AuthTypeCleartextPassword, pgwire.AuthTypeMD5Password,
		pgwire.AuthTypeSASL, pgwire.AuthTypeSASLContinue:
		return true
	default:
		return false
	}
}

func errorType(pgErr *pgwire.Err) string {
	switch pgErr.Code {
	case pgerrcode.ProtocolViolation:
		return "protocol"
	case pgerrcode.SQLClientUnableToEstablishSQLConnection:
		return "backend_connect"
	default:
		return "other"
	}
}
