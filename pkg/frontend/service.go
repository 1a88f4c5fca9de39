// Package frontend terminates WebTransport sessions from browsers and
// hands each one to a session manager. It owns the QUIC listener, the
// TLS material presented to clients, and the HTTP/3 routing surface.
package frontend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"github.com/justjake/pgwarp/pkg/backend"
	"github.com/justjake/pgwarp/pkg/config"
	"github.com/justjake/pgwarp/pkg/intercept"
	"github.com/justjake/pgwarp/pkg/observability"
	"github.com/justjake/pgwarp/pkg/session"
)

// sessionClosedCode is the WebTransport close code sent when the proxy
// shuts a session down on its own initiative.
const sessionClosedCode = webtransport.SessionErrorCode(0)

// Service handles incoming WebTransport sessions.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	config  *config.Config
	secrets *config.SecretCache
	tls     config.TLSResult
	manager *session.Manager

	wt       *webtransport.Server
	sessions sync.WaitGroup
}

// NewService creates a frontend Service with the given configuration.
// It validates the config by fetching all referenced secrets, loads or
// generates the client-facing certificate, and resolves trusted-mode
// backend credentials up front so no stream waits on a secret fetch.
func NewService(ctx context.Context, cfg *config.Config, secrets *config.SecretCache, logger *slog.Logger, metrics *observability.Metrics) (*Service, error) {
	if err := cfg.Validate(ctx, secrets); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	tlsResult, err := cfg.TLS.NewTLS()
	if err != nil {
		return nil, fmt.Errorf("tls setup failed: %w", err)
	}

	creds, err := resolveCredentials(ctx, cfg, secrets)
	if err != nil {
		return nil, err
	}

	innerCtx, cancel := context.WithCancel(ctx)
	connector := backend.NewConnector(&cfg.Backend, logger)

	return &Service{
		ctx:     innerCtx,
		cancel:  cancel,
		logger:  logger,
		config:  cfg,
		secrets: secrets,
		tls:     tlsResult,
		manager: session.NewManager(cfg, connector, creds, logger, metrics),
	}, nil
}

// resolveCredentials fetches the trusted-mode backend credentials, or
// returns nil in passthrough mode.
func resolveCredentials(ctx context.Context, cfg *config.Config, secrets *config.SecretCache) (*intercept.Credentials, error) {
	if cfg.Auth.GetMode() != config.AuthModeTrusted {
		return nil, nil
	}
	user, err := secrets.Get(ctx, cfg.Auth.User)
	if err != nil {
		return nil, fmt.Errorf("resolving auth.user: %w", err)
	}
	password, err := secrets.Get(ctx, cfg.Auth.Password)
	if err != nil {
		return nil, fmt.Errorf("resolving auth.password: %w", err)
	}
	return &intercept.Credentials{User: user, Password: password}, nil
}

// Fingerprint returns the hex SHA-256 of the certificate's SPKI, the
// value browsers pass as serverCertificateHashes.
func (s *Service) Fingerprint() string {
	return s.tls.FingerprintHex()
}

// Listen starts the QUIC listener and serves WebTransport sessions until
// Shutdown is called or the listener fails. It returns after every
// session has been torn down.
func (s *Service) Listen() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.GetPath(), s.handleSession)
	mux.HandleFunc("/fingerprint", s.handleFingerprint)

	s.wt = &webtransport.Server{
		H3: http3.Server{
			Addr:            s.config.GetListen(),
			TLSConfig:       s.tls.Config,
			Handler:         mux,
			EnableDatagrams: true,
			QUICConfig: &quic.Config{
				EnableDatagrams: true,
				// Short enough to hold NAT bindings open for long-lived
				// idle database sessions.
				KeepAlivePeriod: 2 * time.Second,
			},
		},
		CheckOrigin: s.checkOrigin,
	}

	s.logger.Info("listening",
		"addr", s.config.GetListen(),
		"path", s.config.GetPath(),
		"cert_fingerprint", s.Fingerprint(),
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.wt.ListenAndServe() }()

	var firstErr error
	select {
	case <-s.ctx.Done():
	case err := <-serveErr:
		firstErr = err
	}

	// Stop accepting, cancel live sessions, then wait for their
	// teardown so no backend connection survives Listen.
	s.cancel()
	_ = s.wt.Close()
	s.sessions.Wait()
	s.manager.Connector().Registry().CloseAll()

	return firstErr
}

// Shutdown triggers a graceful stop: sessions are cancelled and Listen
// returns once they have drained.
func (s *Service) Shutdown() {
	s.cancel()
}

// handleSession upgrades the CONNECT request and serves the session
// inline. The handler returns only when the session ends, keeping the
// request stream alive for the session's whole lifetime.
func (s *Service) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.wt.Upgrade(w, r)
	if err != nil {
		s.logger.Warn("webtransport upgrade failed", "remote", r.RemoteAddr, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Done()
	defer func() { _ = sess.CloseWithError(sessionClosedCode, "") }()

	if err := s.manager.Run(s.ctx, &wtTransport{sess: sess}); err != nil {
		s.logger.Debug("session finished", "remote", r.RemoteAddr, "error", err)
	}
}

// handleFingerprint serves the SPKI fingerprint so deployment tooling can
// wire serverCertificateHashes without shelling out to openssl.
func (s *Service) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, s.Fingerprint())
}

// checkOrigin enforces the configured origin allowlist. An empty list
// admits any origin.
func (s *Service) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.config.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	s.logger.Warn("rejected session from disallowed origin", "origin", origin, "remote", r.RemoteAddr)
	return false
}
