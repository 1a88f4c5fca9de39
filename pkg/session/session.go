// Package session supervises one WebTransport session: it accepts
// bidirectional streams, runs the startup handshake on each, and bridges
// admitted streams to their backend connections. Streams within a session
// are fully independent; one stream's failure never affects another.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/justjake/pgwarp/pkg/backend"
	"github.com/justjake/pgwarp/pkg/bridge"
	"github.com/justjake/pgwarp/pkg/config"
	"github.com/justjake/pgwarp/pkg/intercept"
	"github.com/justjake/pgwarp/pkg/observability"
)

// Stream is one bidirectional byte stream within a session.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	StreamID() int64
}

// Transport is the session-level surface the manager consumes. It is
// satisfied by an adapter over webtransport.Session, and by in-memory
// fakes in tests.
type Transport interface {
	// AcceptStream blocks until the peer opens a bidirectional stream,
	// the session ends, or ctx is cancelled.
	AcceptStream(ctx context.Context) (Stream, error)

	// CloseWithError terminates the session and all its streams.
	CloseWithError(code uint32, msg string) error
}

// Manager runs sessions against one configured backend.
type Manager struct {
	cfg       *config.Config
	connector *backend.Connector
	creds     *intercept.Credentials
	logger    *slog.Logger
	metrics   *observability.Metrics

	nextSession atomic.Int64
}

// NewManager creates a Manager. creds may be nil in passthrough mode.
func NewManager(cfg *config.Config, connector *backend.Connector, creds *intercept.Credentials, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		cfg:       cfg,
		connector: connector,
		creds:     creds,
		logger:    logger,
		metrics:   metrics,
	}
}

// Connector exposes the backend connector, whose registry reflects the
// live backend connections across all sessions.
func (m *Manager) Connector() *backend.Connector {
	return m.connector
}

// Run serves one session until the transport stops accepting streams or
// ctx is cancelled. It returns only after every stream handler has
// finished, so no backend connection outlives the session.
func (m *Manager) Run(ctx context.Context, transport Transport) error {
	sessionID := m.nextSession.Add(1)
	logger := m.logger.With("session", sessionID)

	m.metrics.RecordSessionStart()
	defer m.metrics.RecordSessionEnd()
	logger.Info("session started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var handlers errgroup.Group
	var acceptErr error
	for {
		stream, err := transport.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				acceptErr = err
			}
			break
		}
		handlers.Go(func() error {
			m.handleStream(ctx, logger, stream)
			return nil
		})
	}

	// Session over: stop every stream still running, then wait for their
	// handlers so teardown is complete before returning.
	cancel()
	_ = handlers.Wait()
	logger.Info("session ended", "error", acceptErr)
	return acceptErr
}

// handleStream owns one stream from accept to teardown. Errors stay
// local: they are logged and end this stream only.
func (m *Manager) handleStream(ctx context.Context, logger *slog.Logger, stream Stream) {
	logger = logger.With("stream", stream.StreamID())
	m.metrics.RecordStreamStart()
	defer m.metrics.RecordStreamEnd()

	interceptor := intercept.New(stream, m.connector, m.cfg, m.creds, logger, m.metrics)
	result, err := interceptor.Run(ctx)
	if err != nil {
		// The interceptor already delivered an ErrorResponse where one
		// could be synthesized.
		logger.Debug("stream not admitted", "state", interceptor.State(), "error", err)
		_ = stream.Close()
		return
	}

	logger.Debug("stream admitted", "user", result.Parameters["user"], "database", result.Parameters["database"])

	b := bridge.New(stream, result.Backend, bridge.Options{
		Logger:        logger,
		Metrics:       m.metrics,
		IdleTimeout:   m.cfg.GetIdleTimeout().Std(),
		ClientExcess:  result.ClientExcess,
		BackendExcess: result.BackendExcess,
	})
	err = b.Run(ctx)
	m.metrics.RecordBackendDisconnect()

	switch {
	case err == nil:
		logger.Debug("stream closed")
	case errors.Is(err, bridge.ErrIdleTimeout):
		logger.Info("stream closed after idle timeout")
	case errors.Is(err, context.Canceled):
		logger.Debug("stream cancelled with session")
	default:
		logger.Warn("stream terminated", "error", err)
	}
}
