package intercept

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justjake/pgwarp/pkg/backend"
	"github.com/justjake/pgwarp/pkg/config"
	"github.com/justjake/pgwarp/pkg/pgwire"
	pgwarptesting "github.com/justjake/pgwarp/pkg/testing"
)

// scriptedStream is a client leg with all its outbound bytes supplied up
// front. Pipelining everything works because the interceptor's decoder
// buffers ahead; writes from the interceptor are captured for inspection.
type scriptedStream struct {
	in  *bytes.Reader
	mu  sync.Mutex
	out bytes.Buffer
}

func newScriptedStream(chunks ...[]byte) *scriptedStream {
	var all []byte
	for _, c := range chunks {
		all = append(all, c...)
	}
	return &scriptedStream{in: bytes.NewReader(all)}
}

func (s *scriptedStream) Read(p []byte) (int, error) {
	return s.in.Read(p)
}

func (s *scriptedStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Write(p)
}

func (s *scriptedStream) Sent() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.out.Bytes())
}

func startupBytes(t *testing.T, params map[string]string) []byte {
	t.Helper()
	b, err := pgwire.EncodeStartupMessage(nil, params)
	require.NoError(t, err)
	return b
}

func requestBytes(code uint32, trailer ...byte) []byte {
	payload := binary.BigEndian.AppendUint32(nil, code)
	payload = append(payload, trailer...)
	return pgwire.Frame{Payload: payload}.Encode(nil)
}

// parseFrames decodes every complete type-tagged frame in data.
func parseFrames(t *testing.T, data []byte) []pgwire.Frame {
	t.Helper()
	dec := pgwire.NewDecoder(0)
	dec.Feed(data)
	var frames []pgwire.Frame
	for {
		f, ok, err := dec.Next()
		require.NoError(t, err)
		if !ok {
			require.Empty(t, dec.Buffered(), "trailing bytes after last frame")
			return frames
		}
		frames = append(frames, pgwire.Frame{Type: f.Type, Payload: bytes.Clone(f.Payload)})
	}
}

func newTestInterceptor(t *testing.T, stream *scriptedStream, cfg *config.Config, creds *Credentials) (*Interceptor, *backend.Connector) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	connector := backend.NewConnector(&cfg.Backend, logger)
	return New(stream, connector, cfg, creds, logger, nil), connector
}

func mockBackendConfig(srv *pgwarptesting.MockServer) config.BackendConfig {
	host, port := srv.HostPort()
	return config.BackendConfig{
		Host:           host,
		Port:           port,
		ConnectTimeout: config.Duration(5 * time.Second),
	}
}

func TestRunPassthroughNoAuth(t *testing.T) {
	srv := pgwarptesting.NewMockServer(t, pgwarptesting.AcceptConnSteps()...)
	defer srv.Close()
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	stream := newScriptedStream(startupBytes(t, map[string]string{"user": "alice", "database": "app"}))
	cfg := &config.Config{Backend: mockBackendConfig(srv)}
	icpt, connector := newTestInterceptor(t, stream, cfg, nil)

	result, err := icpt.Run(t.Context())
	require.NoError(t, err)
	require.NoError(t, <-serveErr)

	assert.Equal(t, StateRelaying, icpt.State())
	assert.Equal(t, "alice", result.Parameters["user"])
	assert.Equal(t, "app", result.Parameters["database"])
	assert.Empty(t, result.ClientExcess)

	frames := parseFrames(t, stream.Sent())
	require.NotEmpty(t, frames)
	assert.Equal(t, pgwire.MsgServerAuth, frames[0].Type)
	assert.Equal(t, uint32(pgwire.AuthTypeOk), binary.BigEndian.Uint32(frames[0].Payload[0:4]))
	assert.Equal(t, pgwire.MsgServerReadyForQuery, frames[len(frames)-1].Type)

	// The backend connection is live and tracked until the caller
	// releases it.
	require.Equal(t, 1, connector.Registry().Len())
	require.NoError(t, result.Backend.Close())
	assert.Equal(t, 0, connector.Registry().Len())
}

func TestRunDatabaseDefaultsToUser(t *testing.T) {
	srv := pgwarptesting.NewMockServer(t, pgwarptesting.AcceptConnSteps()...)
	defer srv.Close()
	go func() { _ = srv.Serve() }()

	stream := newScriptedStream(startupBytes(t, map[string]string{"user": "alice"}))
	cfg := &config.Config{Backend: mockBackendConfig(srv)}
	icpt, _ := newTestInterceptor(t, stream, cfg, nil)

	result, err := icpt.Run(t.Context())
	require.NoError(t, err)
	defer result.Backend.Close()
	assert.Equal(t, "alice", result.Parameters["database"])
}

func TestRunAnswersSSLRequest(t *testing.T) {
	tests := []struct {
		name   string
		policy config.SSLRequestPolicy
		want   byte
	}{
		{"default deny", "", 'N'},
		{"explicit deny", config.SSLRequestDeny, 'N'},
		{"accept", config.SSLRequestAccept, 'S'},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := pgwarptesting.NewMockServer(t, pgwarptesting.AcceptConnSteps()...)
			defer srv.Close()
			go func() { _ = srv.Serve() }()

			stream := newScriptedStream(
				requestBytes(pgwire.SSLRequestCode),
				startupBytes(t, map[string]string{"user": "alice"}),
			)
			cfg := &config.Config{
				Backend:            mockBackendConfig(srv),
				SSLRequestResponse: tt.policy,
			}
			icpt, _ := newTestInterceptor(t, stream, cfg, nil)

			result, err := icpt.Run(t.Context())
			require.NoError(t, err)
			defer result.Backend.Close()

			sent := stream.Sent()
			require.NotEmpty(t, sent)
			assert.Equal(t, tt.want, sent[0], "single-byte SSLRequest answer")
			// The handshake continues normally after the probe.
			parseFrames(t, sent[1:])
		})
	}
}

func TestRunDeclinesGSSEncRequest(t *testing.T) {
	srv := pgwarptesting.NewMockServer(t, pgwarptesting.AcceptConnSteps()...)
	defer srv.Close()
	go func() { _ = srv.Serve() }()

	stream := newScriptedStream(
		requestBytes(pgwire.GSSEncRequestCode),
		startupBytes(t, map[string]string{"user": "alice"}),
	)
	cfg := &config.Config{Backend: mockBackendConfig(srv)}
	icpt, _ := newTestInterceptor(t, stream, cfg, nil)

	result, err := icpt.Run(t.Context())
	require.NoError(t, err)
	defer result.Backend.Close()
	assert.Equal(t, byte('N'), stream.Sent()[0])
}

func TestRunCancelRequestClosesSilently(t *testing.T) {
	// pid and secret key fill out the 16-byte CancelRequest.
	stream := newScriptedStream(requestBytes(pgwire.CancelRequestCode, 0, 0, 0, 1, 0, 0, 0, 2))
	cfg := &config.Config{Backend: config.BackendConfig{Host: "127.0.0.1", Port: 1}}
	icpt, connector := newTestInterceptor(t, stream, cfg, nil)

	_, err := icpt.Run(t.Context())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
	assert.Empty(t, stream.Sent(), "cancel requests expect no reply")
	assert.Equal(t, StateClosed, icpt.State())
	assert.Equal(t, 0, connector.Registry().Len())
}

func TestRunMalformedStartupRejectsWithoutDialing(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		cfg  config.Config
	}{
		{
			name: "declared length below minimum",
			raw:  []byte{0, 0, 0, 4},
		},
		{
			name: "declared length above limit",
			raw:  []byte{0, 0, 3, 0xe8},
			cfg:  config.Config{MaxMessageSize: config.ByteSize(64)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			// A port nothing listens on: a dial attempt would surface as a
			// connection failure code rather than protocol_violation.
			cfg.Backend = config.BackendConfig{Host: "127.0.0.1", Port: 1}

			stream := newScriptedStream(tt.raw)
			icpt, connector := newTestInterceptor(t, stream, &cfg, nil)

			_, err := icpt.Run(t.Context())
			require.ErrorIs(t, err, ErrRejected)
			require.ErrorIs(t, err, pgwire.ErrMalformed)

			frames := parseFrames(t, stream.Sent())
			require.Len(t, frames, 1, "exactly one ErrorResponse")
			assert.Equal(t, pgwire.MsgServerErrorResponse, frames[0].Type)

			var pgErr *pgwire.Err
			require.ErrorAs(t, err, &pgErr)
			assert.Equal(t, pgerrcode.ProtocolViolation, pgErr.Code)
			assert.Equal(t, 0, connector.Registry().Len())
		})
	}
}

func TestRunBackendUnreachable(t *testing.T) {
	// Reserve a port, then close it so the dial is refused.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())

	stream := newScriptedStream(startupBytes(t, map[string]string{"user": "alice"}))
	cfg := &config.Config{Backend: config.BackendConfig{
		Host: addr.IP.String(),
		Port: uint16(addr.Port),
	}}
	icpt, connector := newTestInterceptor(t, stream, cfg, nil)

	_, err = icpt.Run(t.Context())
	require.ErrorIs(t, err, ErrRejected)
	require.ErrorIs(t, err, backend.ErrUnreachable)

	frames := parseFrames(t, stream.Sent())
	require.Len(t, frames, 1, "exactly one ErrorResponse")
	assert.Equal(t, pgwire.MsgServerErrorResponse, frames[0].Type)

	var pgErr *pgwire.Err
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, pgerrcode.SQLClientUnableToEstablishSQLConnection, pgErr.Code)
	assert.Equal(t, 0, connector.Registry().Len())
}

func TestRunBackendRejectsAuth(t *testing.T) {
	steps := append(
		[]pgmock.Step{pgwarptesting.ExpectStartup()},
		pgwarptesting.RejectAuthSteps(pgerrcode.InvalidPassword, "password authentication failed for user \"alice\"")...,
	)
	srv := pgwarptesting.NewMockServer(t, steps...)
	defer srv.Close()
	go func() { _ = srv.Serve() }()

	stream := newScriptedStream(startupBytes(t, map[string]string{"user": "alice"}))
	cfg := &config.Config{Backend: mockBackendConfig(srv)}
	icpt, connector := newTestInterceptor(t, stream, cfg, nil)

	_, err := icpt.Run(t.Context())
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, StateClosed, icpt.State())

	// The backend's own ErrorResponse is forwarded verbatim, and no
	// second error is synthesized behind it.
	frames := parseFrames(t, stream.Sent())
	require.Len(t, frames, 1)
	require.Equal(t, pgwire.MsgServerErrorResponse, frames[0].Type)
	assert.Contains(t, string(frames[0].Payload), pgerrcode.InvalidPassword)
	assert.Contains(t, string(frames[0].Payload), "password authentication failed")

	assert.Equal(t, 0, connector.Registry().Len(), "rejected handshakes must not leak backend connections")
}

func TestRunPassthroughCleartext(t *testing.T) {
	steps := append([]pgmock.Step{pgwarptesting.ExpectStartup()}, pgwarptesting.CleartextAuthSteps("hunter2")...)
	srv := pgwarptesting.NewMockServer(t, steps...)
	defer srv.Close()
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	password := pgwire.Frame{Type: pgwire.MsgClientPassword, Payload: []byte("hunter2\x00")}
	stream := newScriptedStream(
		startupBytes(t, map[string]string{"user": "alice"}),
		password.Encode(nil),
	)
	cfg := &config.Config{Backend: mockBackendConfig(srv)}
	icpt, _ := newTestInterceptor(t, stream, cfg, nil)

	result, err := icpt.Run(t.Context())
	require.NoError(t, err)
	defer result.Backend.Close()
	require.NoError(t, <-serveErr)

	// The cleartext challenge was forwarded to the client.
	frames := parseFrames(t, stream.Sent())
	require.NotEmpty(t, frames)
	require.Equal(t, pgwire.MsgServerAuth, frames[0].Type)
	assert.Equal(t, uint32(pgwire.AuthTypeCleartextPassword), binary.BigEndian.Uint32(frames[0].Payload[0:4]))
	assert.Equal(t, pgwire.MsgServerReadyForQuery, frames[len(frames)-1].Type)
}

func TestRunTrustedCleartext(t *testing.T) {
	steps := append([]pgmock.Step{pgwarptesting.ExpectStartup()}, pgwarptesting.CleartextAuthSteps("s3cret")...)
	srv := pgwarptesting.NewMockServer(t, steps...)
	defer srv.Close()
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	stream := newScriptedStream(startupBytes(t, map[string]string{"user": "svc"}))
	cfg := &config.Config{
		Backend: mockBackendConfig(srv),
		Auth:    config.AuthConfig{Mode: config.AuthModeTrusted},
	}
	creds := &Credentials{User: "svc", Password: "s3cret"}
	icpt, _ := newTestInterceptor(t, stream, cfg, creds)

	result, err := icpt.Run(t.Context())
	require.NoError(t, err)
	defer result.Backend.Close()
	require.NoError(t, <-serveErr)

	// The challenge was answered by the proxy; the client only ever sees
	// AuthenticationOk.
	for _, f := range parseFrames(t, stream.Sent()) {
		if f.Type == pgwire.MsgServerAuth {
			assert.Equal(t, uint32(pgwire.AuthTypeOk), binary.BigEndian.Uint32(f.Payload[0:4]))
		}
	}
}

func TestRunTrustedMD5ForceUser(t *testing.T) {
	salt := [4]byte{0xde, 0xad, 0xbe, 0xef}
	digest := md5Password("svc", "s3cret", salt[:])
	steps := append([]pgmock.Step{pgwarptesting.ExpectStartup()}, pgwarptesting.MD5AuthSteps(salt, digest)...)
	srv := pgwarptesting.NewMockServer(t, steps...)
	defer srv.Close()
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	// The client asks for a different role; force_user overrides it.
	stream := newScriptedStream(startupBytes(t, map[string]string{"user": "mallory"}))
	cfg := &config.Config{
		Backend: mockBackendConfig(srv),
		Auth:    config.AuthConfig{Mode: config.AuthModeTrusted, ForceUser: true},
	}
	creds := &Credentials{User: "svc", Password: "s3cret"}
	icpt, _ := newTestInterceptor(t, stream, cfg, creds)

	result, err := icpt.Run(t.Context())
	require.NoError(t, err)
	defer result.Backend.Close()
	require.NoError(t, <-serveErr)
	assert.Equal(t, "svc", result.Parameters["user"])
}

func TestRunMergesDefaultStartupParameters(t *testing.T) {
	cfg, err := config.ParseConfig(`{
		"backend": {
			"default_startup_parameters": {
				"application_name": "pgwarp",
				"client_encoding": "UTF8"
			}
		}
	}`)
	require.NoError(t, err)

	srv := pgwarptesting.NewMockServer(t, pgwarptesting.AcceptConnSteps()...)
	defer srv.Close()
	go func() { _ = srv.Serve() }()
	cfg.Backend.Host, cfg.Backend.Port = srv.HostPort()

	stream := newScriptedStream(startupBytes(t, map[string]string{
		"user":             "alice",
		"application_name": "my-app",
	}))
	icpt, _ := newTestInterceptor(t, stream, cfg, nil)

	result, err := icpt.Run(t.Context())
	require.NoError(t, err)
	defer result.Backend.Close()

	// Client values win over configured defaults.
	assert.Equal(t, "my-app", result.Parameters["application_name"])
	assert.Equal(t, "UTF8", result.Parameters["client_encoding"])
}

func TestRunPreservesPipelinedClientBytes(t *testing.T) {
	srv := pgwarptesting.NewMockServer(t, pgwarptesting.AcceptConnSteps()...)
	defer srv.Close()
	go func() { _ = srv.Serve() }()

	query := pgwire.Frame{Type: 'Q', Payload: []byte("SELECT 1\x00")}.Encode(nil)
	stream := newScriptedStream(
		startupBytes(t, map[string]string{"user": "alice"}),
		query,
	)
	cfg := &config.Config{Backend: mockBackendConfig(srv)}
	icpt, _ := newTestInterceptor(t, stream, cfg, nil)

	result, err := icpt.Run(t.Context())
	require.NoError(t, err)
	defer result.Backend.Close()

	// Bytes that arrived behind the startup message surface as excess for
	// the bridge to flush, in order.
	assert.Equal(t, query, result.ClientExcess)
}

// stallingStream hands out its scripted bytes and then blocks in Read
// until released, like a client that goes quiet mid-handshake.
type stallingStream struct {
	*scriptedStream
	release chan struct{}
}

func (s *stallingStream) Read(p []byte) (int, error) {
	n, err := s.scriptedStream.Read(p)
	if err == io.EOF {
		<-s.release
		return 0, io.EOF
	}
	return n, err
}

func TestRunStalledClientAuthIsBounded(t *testing.T) {
	steps := append([]pgmock.Step{pgwarptesting.ExpectStartup()}, pgwarptesting.CleartextAuthSteps("s3cret")...)
	srv := pgwarptesting.NewMockServer(t, steps...)
	defer srv.Close()
	go func() { _ = srv.Serve() }()

	// The client sends its startup and then never answers the forwarded
	// password challenge.
	stream := &stallingStream{
		scriptedStream: newScriptedStream(startupBytes(t, map[string]string{"user": "alice"})),
		release:        make(chan struct{}),
	}
	defer close(stream.release)

	cfg := &config.Config{Backend: mockBackendConfig(srv)}
	cfg.Backend.ConnectTimeout = config.Duration(200 * time.Millisecond)
	logger := slog.New(slog.DiscardHandler)
	connector := backend.NewConnector(&cfg.Backend, logger)
	icpt := New(stream, connector, cfg, nil, logger, nil)

	start := time.Now()
	_, err := icpt.Run(t.Context())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second, "handshake must end at the connect timeout")
	assert.Equal(t, StateClosed, icpt.State())
	assert.Equal(t, 0, connector.Registry().Len(), "stalled handshakes must release the backend connection")
}

func TestRunRejectsMissingUser(t *testing.T) {
	stream := newScriptedStream(startupBytes(t, map[string]string{"database": "app"}))
	cfg := &config.Config{Backend: config.BackendConfig{Host: "127.0.0.1", Port: 1}}
	icpt, connector := newTestInterceptor(t, stream, cfg, nil)

	_, err := icpt.Run(t.Context())
	require.ErrorIs(t, err, ErrRejected)

	frames := parseFrames(t, stream.Sent())
	require.Len(t, frames, 1)
	assert.Equal(t, pgwire.MsgServerErrorResponse, frames[0].Type)
	assert.Equal(t, 0, connector.Registry().Len())
}

func TestRunContextCancelledDuringStartup(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	stream := newScriptedStream()
	cfg := &config.Config{Backend: config.BackendConfig{Host: "127.0.0.1", Port: 1}}
	icpt, _ := newTestInterceptor(t, stream, cfg, nil)

	_, err := icpt.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, stream.Sent())
	assert.Equal(t, StateClosed, icpt.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AwaitingStartup", StateAwaitingStartup.String())
	assert.Equal(t, "Authenticating", StateAuthenticating.String())
	assert.Equal(t, "Relaying", StateRelaying.String())
	assert.Equal(t, "Rejected", StateRejected.String())
	assert.Equal(t, "Closed", StateClosed.String())
	assert.Equal(t, "Invalid", State(99).String())
}
