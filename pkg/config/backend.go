package config

import (
	"encoding/json/jsontext"
	"encoding/json/v2"
	"errors"
	"fmt"
	"iter"
	"net"
	"strconv"
	"strings"
	"time"
)

// BackendConfig configures the PostgreSQL server to bridge to.
// This leg is plain TCP (optionally upgraded to TLS); WebTransport is not
// involved here.
type BackendConfig struct {
	Host string `json:"host,omitzero"`
	Port uint16 `json:"port,omitzero"`

	// ConnectTimeout bounds how long a stream may sit in the
	// Authenticating state waiting for the TCP connect. Default: 10s.
	ConnectTimeout Duration `json:"connect_timeout,omitzero"`

	// SSLMode controls encryption of the backend leg. "disable" speaks
	// plaintext; "require" sends an SSLRequest after connecting and
	// fails unless the server answers 'S'.
	SSLMode BackendSSLMode `json:"sslmode,omitzero"`

	// DefaultStartupParameters are merged under the client's startup
	// parameters before they are forwarded to the backend. Client
	// values win.
	DefaultStartupParameters PgStartupParameters `json:"default_startup_parameters,omitzero"`
}

// BackendSSLMode mirrors PostgreSQL's sslmode settings for the proxy's
// outbound leg.
type BackendSSLMode string

const (
	BackendSSLDisable BackendSSLMode = "disable"
	BackendSSLRequire BackendSSLMode = "require"
)

// Addr returns the backend dial target as host:port.
func (b *BackendConfig) Addr() string {
	return net.JoinHostPort(b.GetHost(), strconv.Itoa(int(b.GetPort())))
}

// GetHost returns the backend host, defaulting to 127.0.0.1.
func (b *BackendConfig) GetHost() string {
	if b.Host == "" {
		return "127.0.0.1"
	}
	return b.Host
}

// GetPort returns the backend port, defaulting to 5432.
func (b *BackendConfig) GetPort() uint16 {
	if b.Port == 0 {
		return 5432
	}
	return b.Port
}

// GetConnectTimeout returns the connect timeout, defaulting to 10s.
func (b *BackendConfig) GetConnectTimeout() time.Duration {
	if b.ConnectTimeout == 0 {
		return 10 * time.Second
	}
	return b.ConnectTimeout.Std()
}

// GetSSLMode returns the backend sslmode, defaulting to disable.
func (b *BackendConfig) GetSSLMode() BackendSSLMode {
	if b.SSLMode == "" {
		return BackendSSLDisable
	}
	return b.SSLMode
}

// Validate checks the backend target and policies.
func (b *BackendConfig) Validate() error {
	var errs []error
	if strings.Contains(b.GetHost(), ":") && !strings.HasPrefix(b.Host, "[") {
		errs = append(errs, fmt.Errorf("host %q: bare IPv6 addresses must be bracketed", b.Host))
	}
	switch b.GetSSLMode() {
	case BackendSSLDisable, BackendSSLRequire:
	default:
		errs = append(errs, fmt.Errorf("invalid sslmode %q: must be \"disable\" or \"require\"", b.SSLMode))
	}
	return errors.Join(errs...)
}

// AuthMode selects who answers the backend's authentication challenges.
type AuthMode string

const (
	// AuthModePassthrough relays the authentication exchange between
	// client and backend without interpreting it.
	AuthModePassthrough AuthMode = "passthrough"

	// AuthModeTrusted terminates authentication at the proxy: the proxy
	// answers the backend's challenges with configured credentials and
	// the client is admitted on the strength of the transport session.
	AuthModeTrusted AuthMode = "trusted"
)

// AuthConfig controls handling of the startup/authentication handshake.
type AuthConfig struct {
	// Mode defaults to passthrough.
	Mode AuthMode `json:"mode,omitzero"`

	// User and Password supply the backend credentials in trusted mode.
	User     SecretRef `json:"user,omitzero"`
	Password SecretRef `json:"password,omitzero"`

	// ForceUser rewrites the startup "user" parameter to the trusted
	// identity, so a browser cannot pick its own role. Only meaningful
	// in trusted mode.
	ForceUser bool `json:"force_user,omitzero"`
}

// GetMode returns the auth mode, defaulting to passthrough.
func (a *AuthConfig) GetMode() AuthMode {
	if a.Mode == "" {
		return AuthModePassthrough
	}
	return a.Mode
}

// Validate checks mode/credential consistency.
func (a *AuthConfig) Validate() error {
	switch a.GetMode() {
	case AuthModePassthrough:
		return nil
	case AuthModeTrusted:
		var errs []error
		if err := a.User.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("user: %w", err))
		}
		if err := a.Password.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("password: %w", err))
		}
		return errors.Join(errs...)
	default:
		return fmt.Errorf("invalid mode %q: must be \"passthrough\" or \"trusted\"", a.Mode)
	}
}

// PgStartupParameters is a map of PostgreSQL startup parameters that
// preserves insertion order (i.e., the order from the JSON file).
type PgStartupParameters struct {
	keys   []string
	values map[string]string
}

// All returns an iterator over parameters in insertion order.
func (p *PgStartupParameters) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, k := range p.keys {
			if !yield(k, p.values[k]) {
				return
			}
		}
	}
}

// UnmarshalJSON parses a JSON object, preserving key order from the file.
func (p *PgStartupParameters) UnmarshalJSON(data []byte) error {
	p.keys = nil
	p.values = make(map[string]string)

	dec := jsontext.NewDecoder(strings.NewReader(string(data)))
	tok, err := dec.ReadToken()
	if err != nil || tok.Kind() != '{' {
		return err
	}

	for dec.PeekKind() != '}' {
		keyTok, err := dec.ReadToken()
		if err != nil {
			return err
		}
		key := keyTok.String()

		valTok, err := dec.ReadToken()
		if err != nil {
			return err
		}
		val := valTok.String()

		p.keys = append(p.keys, key)
		p.values[key] = val
	}
	return nil
}

// MarshalJSON serializes parameters in insertion order.
func (p PgStartupParameters) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		keyBytes, _ := json.Marshal(k)
		valBytes, _ := json.Marshal(p.values[k])
		b.Write(keyBytes)
		b.WriteByte(':')
		b.Write(valBytes)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}
