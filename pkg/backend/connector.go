// Package backend opens and tracks TCP connections to the PostgreSQL
// server. One connection is opened per logical client connection; it is
// exclusively owned by the stream bridge that created it and never shared.
package backend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/justjake/pgwarp/pkg/config"
	"github.com/justjake/pgwarp/pkg/pgwire"
)

// Typed connect failures. The startup interceptor translates these into a
// Postgres ErrorResponse so the browser never sees a bare transport
// failure during the handshake.
var (
	ErrConnectTimeout = errors.New("backend connect timed out")
	ErrUnreachable    = errors.New("backend unreachable")
	ErrTLSRefused     = errors.New("backend refused TLS")
)

// Connector dials the configured backend and registers every live
// connection so session teardown can be verified to leak nothing.
type Connector struct {
	cfg      *config.BackendConfig
	logger   *slog.Logger
	registry *Registry
}

// NewConnector creates a Connector for the given backend target.
func NewConnector(cfg *config.BackendConfig, logger *slog.Logger) *Connector {
	return &Connector{
		cfg:      cfg,
		logger:   logger,
		registry: NewRegistry(),
	}
}

// Registry exposes the live-connection registry for leak checks and
// metrics.
func (c *Connector) Registry() *Registry {
	return c.registry
}

// Connect opens one TCP connection to the backend, bounded by the
// configured connect timeout and by ctx. When sslmode is "require" the
// connection is upgraded to TLS via the Postgres SSLRequest dance before
// being returned.
func (c *Connector) Connect(ctx context.Context) (*Conn, error) {
	addr := c.cfg.Addr()
	dialer := net.Dialer{Timeout: c.cfg.GetConnectTimeout()}

	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %s: %v", ErrConnectTimeout, addr, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}

	if c.cfg.GetSSLMode() == config.BackendSSLRequire {
		netConn, err = c.negotiateTLS(netConn)
		if err != nil {
			_ = netConn.Close()
			return nil, err
		}
	}

	conn := &Conn{Conn: netConn, registry: c.registry}
	c.registry.add(conn)
	c.logger.Debug("backend connected", "addr", addr, "tls", c.cfg.GetSSLMode() == config.BackendSSLRequire)
	return conn, nil
}

// negotiateTLS performs the Postgres SSLRequest exchange and upgrades the
// connection. The server answers with a single byte: 'S' to proceed with
// a TLS handshake, 'N' to refuse.
func (c *Connector) negotiateTLS(netConn net.Conn) (net.Conn, error) {
	request := pgwire.Frame{Payload: bigEndianUint32(pgwire.SSLRequestCode)}.Encode(nil)
	if _, err := netConn.Write(request); err != nil {
		return netConn, fmt.Errorf("failed to send SSLRequest: %w", err)
	}

	var response [1]byte
	if err := netConn.SetReadDeadline(time.Now().Add(c.cfg.GetConnectTimeout())); err != nil {
		return netConn, err
	}
	if _, err := netConn.Read(response[:]); err != nil {
		return netConn, fmt.Errorf("failed to read SSLRequest response: %w", err)
	}
	if err := netConn.SetReadDeadline(time.Time{}); err != nil {
		return netConn, err
	}

	switch response[0] {
	case pgwire.SSLResponseAccept:
	case pgwire.SSLResponseDeny:
		return netConn, fmt.Errorf("%w: sslmode is require but server answered 'N'", ErrTLSRefused)
	default:
		return netConn, fmt.Errorf("unexpected SSLRequest response byte 0x%02x", response[0])
	}

	tlsConn := tls.Client(netConn, &tls.Config{
		ServerName: c.cfg.GetHost(),
		MinVersion: tls.VersionTLS12,
	})
	if err := tlsConn.Handshake(); err != nil {
		return netConn, fmt.Errorf("backend TLS handshake failed: %w", err)
	}
	return tlsConn, nil
}

func bigEndianUint32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// Conn is one live backend connection. Closing it removes it from the
// registry; Close is safe to call more than once.
type Conn struct {
	net.Conn
	registry *Registry
}

// Close closes the underlying connection and deregisters it.
func (c *Conn) Close() error {
	c.registry.remove(c)
	return c.Conn.Close()
}
