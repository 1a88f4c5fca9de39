// Package testing provides test utilities for pgwarp using pgmock.
// It simulates the server side of the PostgreSQL wire protocol so the
// startup interceptor and stream bridge can be exercised against a real
// TCP listener without a running database.
package testing

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/jackc/pgmock"
	"github.com/jackc/pgproto3/v2"
)

// MockServer wraps pgmock.Script to provide a scripted backend.
type MockServer struct {
	Script   *pgmock.Script
	Listener net.Listener
	t        *testing.T
}

// NewMockServer creates a mock PostgreSQL server listening on a random
// loopback port.
func NewMockServer(t *testing.T, steps ...pgmock.Step) *MockServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}

	return &MockServer{
		Script: &pgmock.Script{
			Steps: steps,
		},
		Listener: listener,
		t:        t,
	}
}

// Addr returns the address the mock server is listening on.
func (m *MockServer) Addr() string {
	return m.Listener.Addr().String()
}

// HostPort returns the listen address split for backend configuration.
func (m *MockServer) HostPort() (string, uint16) {
	addr := m.Listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), uint16(addr.Port)
}

// Serve accepts a single connection and runs the mock script.
// Call it in a goroutine.
func (m *MockServer) Serve() error {
	conn, err := m.Listener.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
	return m.Script.Run(backend)
}

// Close closes the listener.
func (m *MockServer) Close() error {
	return m.Listener.Close()
}

// AcceptConnSteps returns steps for admitting a connection with no
// authentication challenge: expect a startup message, then send
// AuthenticationOk, BackendKeyData and ReadyForQuery.
func AcceptConnSteps() []pgmock.Step {
	return pgmock.AcceptUnauthenticatedConnRequestSteps()
}

// ExpectStartup returns a step that accepts any startup message.
// Startup messages are untyped, so they need ReceiveStartupMessage
// rather than the regular Receive the pgmock expect steps use.
func ExpectStartup() pgmock.Step {
	return expectStartupStep{}
}

type expectStartupStep struct{}

func (expectStartupStep) Step(backend *pgproto3.Backend) error {
	_, err := backend.ReceiveStartupMessage()
	return err
}

// CleartextAuthSteps returns steps that challenge for a cleartext
// password and admit the connection when it matches.
func CleartextAuthSteps(password string) []pgmock.Step {
	return []pgmock.Step{
		pgmock.SendMessage(&pgproto3.AuthenticationCleartextPassword{}),
		pgmock.ExpectMessage(&pgproto3.PasswordMessage{Password: password}),
		pgmock.SendMessage(&pgproto3.AuthenticationOk{}),
		pgmock.SendMessage(&pgproto3.BackendKeyData{ProcessID: 7, SecretKey: 42}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
	}
}

// MD5AuthSteps returns steps that challenge with an MD5 salt and admit
// the connection when the digest matches.
func MD5AuthSteps(salt [4]byte, expectedDigest string) []pgmock.Step {
	return []pgmock.Step{
		pgmock.SendMessage(&pgproto3.AuthenticationMD5Password{Salt: salt}),
		pgmock.ExpectMessage(&pgproto3.PasswordMessage{Password: expectedDigest}),
		pgmock.SendMessage(&pgproto3.AuthenticationOk{}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
	}
}

// RejectAuthSteps returns steps that refuse the connection after the
// startup message, the way a server reports a failed login.
func RejectAuthSteps(code, message string) []pgmock.Step {
	return []pgmock.Step{
		pgmock.SendMessage(&pgproto3.ErrorResponse{
			Severity: "FATAL",
			Code:     code,
			Message:  message,
		}),
	}
}

// SendParameterStatus returns a step that reports a server parameter.
func SendParameterStatus(name, value string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ParameterStatus{Name: name, Value: value})
}

// ExpectQuery returns a step that expects a simple query message.
func ExpectQuery(query string) pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Query{String: query})
}

// SendCommandComplete returns a step that sends command completion.
func SendCommandComplete(tag string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

// SendReadyForQuery returns a step that sends ready for query status.
// status should be 'I' (idle), 'T' (in transaction), or 'E' (error).
func SendReadyForQuery(status byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: status})
}

// WaitForClose returns a step that succeeds once the client leg closes,
// with or without a Terminate message first. A mid-stream close surfaces
// from the chunk reader as io.ErrUnexpectedEOF, which is still a close.
func WaitForClose() pgmock.Step {
	return waitForCloseStep{}
}

type waitForCloseStep struct{}

func (waitForCloseStep) Step(backend *pgproto3.Backend) error {
	for {
		_, err := backend.Receive()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// SimpleQuerySteps returns a common relay pattern: expect a query,
// complete it, report ready.
func SimpleQuerySteps(query string, tag string) []pgmock.Step {
	return []pgmock.Step{
		ExpectQuery(query),
		SendCommandComplete(tag),
		SendReadyForQuery('I'),
	}
}
