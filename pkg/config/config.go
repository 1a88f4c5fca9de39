// Package config handles interpreting the pgwarp.json config file.
package config

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"iter"
	"os"
	"strings"
	"time"
)

// Config holds the pgwarp configuration. It is constructed once at startup
// and read-only afterwards; every listener, session, and bridge shares the
// same value.
type Config struct {
	// Listen is the UDP address for the QUIC/WebTransport listener.
	// Default: ":4433".
	Listen ListenAddr `json:"listen,omitzero"`

	// Path is the URL path browsers use for the WebTransport CONNECT
	// handshake. Default: "/pg".
	Path string `json:"path,omitzero"`

	// AllowedOrigins restricts which web origins may establish sessions.
	// Empty means any origin is accepted.
	AllowedOrigins []string `json:"allowed_origins,omitzero"`

	// Backend is the PostgreSQL server this proxy bridges to.
	Backend BackendConfig `json:"backend"`

	// Auth controls how the startup/authentication handshake is handled.
	Auth AuthConfig `json:"auth,omitzero"`

	// SSLRequestResponse decides the single-byte answer to a client
	// SSLRequest probe. The client leg is already encrypted by QUIC, so
	// the default is "deny" ('N'): clients should continue in plaintext
	// application data. "accept" ('S') is for clients that expect the
	// probe to succeed and then continue without a TLS record layer.
	SSLRequestResponse SSLRequestPolicy `json:"ssl_request_response,omitzero"`

	// MaxMessageSize bounds the declared length of any single Postgres
	// message decoded during the startup phase. Default: 16MiB.
	MaxMessageSize ByteSize `json:"max_message_size,omitzero"`

	// IdleTimeout closes an established stream bridge after this long
	// with no bytes in either direction. Default: 5m. Zero disables.
	IdleTimeout Duration `json:"idle_timeout,omitzero"`

	// TLS configures the certificate presented to browsers.
	TLS TLSConfig `json:"tls,omitzero"`

	// Prometheus enables the metrics HTTP server when present.
	Prometheus *PrometheusConfig `json:"prometheus,omitzero"`
}

// SSLRequestPolicy is the configured answer to a client SSLRequest probe.
type SSLRequestPolicy string

const (
	SSLRequestDeny   SSLRequestPolicy = "deny"
	SSLRequestAccept SSLRequestPolicy = "accept"
)

// ParseConfig parses a JSON configuration string and returns a Config.
func ParseConfig(jsonStr string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(jsonStr), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadConfigFile reads and parses a configuration file from the given path.
func ReadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(string(data))
}

// GetListen returns the listen address, defaulting to ":4433".
func (c *Config) GetListen() string {
	if c.Listen == "" {
		return ":4433"
	}
	return c.Listen.String()
}

// GetPath returns the CONNECT path, defaulting to "/pg".
func (c *Config) GetPath() string {
	if c.Path == "" {
		return "/pg"
	}
	return c.Path
}

// GetSSLRequestResponse returns the SSLRequest policy, defaulting to deny.
func (c *Config) GetSSLRequestResponse() SSLRequestPolicy {
	if c.SSLRequestResponse == "" {
		return SSLRequestDeny
	}
	return c.SSLRequestResponse
}

// GetMaxMessageSize returns the startup-phase message size limit,
// defaulting to 16MiB.
func (c *Config) GetMaxMessageSize() int64 {
	if c.MaxMessageSize == 0 {
		return (16 * MiB).Int64()
	}
	return c.MaxMessageSize.Int64()
}

// GetIdleTimeout returns the relay idle timeout, defaulting to 5 minutes.
func (c *Config) GetIdleTimeout() Duration {
	if c.IdleTimeout == 0 {
		return Duration(5 * time.Minute)
	}
	return c.IdleTimeout
}

// Secrets returns an iterator over all secret references in the config.
// Each secret is yielded with a description of where it appears.
func (c *Config) Secrets() iter.Seq2[string, SecretRef] {
	return func(yield func(string, SecretRef) bool) {
		if c.Auth.Mode == AuthModeTrusted {
			if !yield("auth.user", c.Auth.User) {
				return
			}
			if !yield("auth.password", c.Auth.Password) {
				return
			}
		}
	}
}

// Validate verifies the configuration is valid:
//   - listen addresses and the CONNECT path are well formed
//   - the backend target and policies parse
//   - all referenced secrets are accessible
//
// It does not stop at the first error; all errors are accumulated and
// returned together.
func (c *Config) Validate(ctx context.Context, secrets *SecretCache) error {
	var errs []error

	if !strings.Contains(c.GetListen(), ":") {
		errs = append(errs, fmt.Errorf("listen address %q must contain a port", c.GetListen()))
	}
	if !strings.HasPrefix(c.GetPath(), "/") {
		errs = append(errs, fmt.Errorf("path %q must start with '/'", c.GetPath()))
	}

	switch c.GetSSLRequestResponse() {
	case SSLRequestDeny, SSLRequestAccept:
	default:
		errs = append(errs, fmt.Errorf("invalid ssl_request_response %q: must be \"deny\" or \"accept\"", c.SSLRequestResponse))
	}

	if err := c.Backend.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backend: %w", err))
	}
	if err := c.Auth.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("auth: %w", err))
	}
	if err := c.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tls: %w", err))
	}
	if c.Prometheus != nil {
		if err := c.Prometheus.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("prometheus: %w", err))
		}
	}

	for path, ref := range c.Secrets() {
		if _, err := secrets.Get(ctx, ref); err != nil {
			errs = append(errs, errors.Join(errors.New(path), err))
		}
	}

	return errors.Join(errs...)
}

// ListenAddr is a network address suitable for net.Listen.
// It normalizes JSON input formats like "4433", ":4433", or
// "127.0.0.1:4433" into the "host:port" format expected by Go's net
// package.
type ListenAddr string

// UnmarshalJSON parses a listen address string and normalizes it.
func (l *ListenAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if !strings.Contains(s, ":") {
		// Just a port number like "4433"
		s = ":" + s
	}
	*l = ListenAddr(s)
	return nil
}

// String returns the normalized address string.
func (l ListenAddr) String() string {
	return string(l)
}
