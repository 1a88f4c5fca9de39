package frontend

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justjake/pgwarp/pkg/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	cfg := &config.Config{
		Path: "no-leading-slash",
		Auth: config.AuthConfig{Mode: "bogus"},
	}
	secrets := config.NewSecretCache(nil)

	_, err := NewService(context.Background(), cfg, secrets, discardLogger(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

func TestNewServiceGeneratesCertAndFingerprint(t *testing.T) {
	cfg := &config.Config{}
	secrets := config.NewSecretCache(nil)

	svc, err := NewService(context.Background(), cfg, secrets, discardLogger(), nil)
	require.NoError(t, err)

	fp := svc.Fingerprint()
	assert.Len(t, fp, 64, "hex SHA-256 of the SPKI")
	assert.NotEqual(t, strings.Repeat("0", 64), fp)
}

func TestResolveCredentials(t *testing.T) {
	secrets := config.NewSecretCache(nil)

	t.Run("passthrough yields none", func(t *testing.T) {
		cfg := &config.Config{}
		creds, err := resolveCredentials(context.Background(), cfg, secrets)
		require.NoError(t, err)
		assert.Nil(t, creds)
	})

	t.Run("trusted resolves user and password", func(t *testing.T) {
		cfg := &config.Config{Auth: config.AuthConfig{
			Mode:     config.AuthModeTrusted,
			User:     config.SecretRef{InsecureValue: "svc"},
			Password: config.SecretRef{InsecureValue: "s3cret"},
		}}
		creds, err := resolveCredentials(context.Background(), cfg, secrets)
		require.NoError(t, err)
		require.NotNil(t, creds)
		assert.Equal(t, "svc", creds.User)
		assert.Equal(t, "s3cret", creds.Password)
	})

	t.Run("trusted with missing secret fails", func(t *testing.T) {
		cfg := &config.Config{Auth: config.AuthConfig{
			Mode:     config.AuthModeTrusted,
			User:     config.SecretRef{InsecureValue: "svc"},
			Password: config.SecretRef{EnvVar: "PGWARP_TEST_UNSET_VAR"},
		}}
		_, err := resolveCredentials(context.Background(), cfg, secrets)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "auth.password")
	})
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"empty list admits all", nil, "https://evil.example", true},
		{"empty list admits missing origin", nil, "", true},
		{"match", []string{"https://app.example.com"}, "https://app.example.com", true},
		{"match is case insensitive", []string{"https://App.Example.com"}, "https://app.example.com", true},
		{"mismatch", []string{"https://app.example.com"}, "https://evil.example", false},
		{"missing origin with allowlist", []string{"https://app.example.com"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &Service{
				config: &config.Config{AllowedOrigins: tt.allowed},
				logger: discardLogger(),
			}
			r := httptest.NewRequest("CONNECT", "https://proxy.example/pg", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, svc.checkOrigin(r))
		})
	}
}

func TestHandleFingerprint(t *testing.T) {
	cfg := &config.Config{}
	secrets := config.NewSecretCache(nil)
	svc, err := NewService(context.Background(), cfg, secrets, discardLogger(), nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	svc.handleFingerprint(w, httptest.NewRequest("GET", "/fingerprint", nil))
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, svc.Fingerprint()+"\n", w.Body.String())

	w = httptest.NewRecorder()
	svc.handleFingerprint(w, httptest.NewRequest("POST", "/fingerprint", nil))
	assert.Equal(t, 405, w.Code)
}
