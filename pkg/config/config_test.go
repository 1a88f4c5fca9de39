package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(`{}`)
	require.NoError(t, err)

	assert.Equal(t, ":4433", cfg.GetListen())
	assert.Equal(t, "/pg", cfg.GetPath())
	assert.Equal(t, SSLRequestDeny, cfg.GetSSLRequestResponse())
	assert.Equal(t, int64(16*1024*1024), cfg.GetMaxMessageSize())
	assert.Equal(t, 5*time.Minute, cfg.GetIdleTimeout().Std())
	assert.Equal(t, "127.0.0.1:5432", cfg.Backend.Addr())
	assert.Equal(t, 10*time.Second, cfg.Backend.GetConnectTimeout())
	assert.Equal(t, BackendSSLDisable, cfg.Backend.GetSSLMode())
	assert.Equal(t, AuthModePassthrough, cfg.Auth.GetMode())
}

func TestParseConfigFull(t *testing.T) {
	cfg, err := ParseConfig(`{
		"listen": "4455",
		"path": "/db",
		"allowed_origins": ["https://app.example.com"],
		"backend": {
			"host": "db.internal",
			"port": 5433,
			"connect_timeout": "3s",
			"sslmode": "require",
			"default_startup_parameters": {"application_name": "pgwarp"}
		},
		"auth": {
			"mode": "trusted",
			"user": {"insecure_value": "app"},
			"password": {"env_var": "PGWARP_PASSWORD"},
			"force_user": true
		},
		"ssl_request_response": "accept",
		"max_message_size": "64KiB",
		"idle_timeout": "90s",
		"prometheus": {"listen": ":9091"}
	}`)
	require.NoError(t, err)

	assert.Equal(t, ":4455", cfg.GetListen())
	assert.Equal(t, "/db", cfg.GetPath())
	assert.Equal(t, "db.internal:5433", cfg.Backend.Addr())
	assert.Equal(t, 3*time.Second, cfg.Backend.GetConnectTimeout())
	assert.Equal(t, BackendSSLRequire, cfg.Backend.GetSSLMode())
	assert.Equal(t, AuthModeTrusted, cfg.Auth.GetMode())
	assert.True(t, cfg.Auth.ForceUser)
	assert.Equal(t, SSLRequestAccept, cfg.GetSSLRequestResponse())
	assert.Equal(t, int64(64*1024), cfg.GetMaxMessageSize())
	assert.Equal(t, 90*time.Second, cfg.GetIdleTimeout().Std())
	assert.Equal(t, ":9091", cfg.Prometheus.GetListen())
	assert.Equal(t, "/metrics", cfg.Prometheus.GetPath())

	var params []string
	for k, v := range cfg.Backend.DefaultStartupParameters.All() {
		params = append(params, k+"="+v)
	}
	assert.Equal(t, []string{"application_name=pgwarp"}, params)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg, err := ParseConfig(`{
		"path": "pg",
		"backend": {"sslmode": "verify-full"},
		"auth": {"mode": "trusted"}
	}`)
	require.NoError(t, err)

	verr := cfg.Validate(t.Context(), NewSecretCache(nil))
	require.Error(t, verr)
	assert.Contains(t, verr.Error(), "path")
	assert.Contains(t, verr.Error(), "sslmode")
	assert.Contains(t, verr.Error(), "auth")
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"256", 256},
		{"64KiB", 64 * KiB},
		{"16mb", 16 * MB},
		{"1GiB", GiB},
		{"8k", 8 * KB},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseByteSize("12parsecs")
	assert.Error(t, err)
	_, err = ParseByteSize("")
	assert.Error(t, err)
}

func TestSecretRefValidate(t *testing.T) {
	assert.Error(t, SecretRef{}.Validate())
	assert.Error(t, SecretRef{InsecureValue: "x", EnvVar: "Y"}.Validate())
	assert.Error(t, SecretRef{AwsSecretArn: "arn:aws:..."}.Validate())
	assert.NoError(t, SecretRef{InsecureValue: "x"}.Validate())
	assert.NoError(t, SecretRef{AwsSecretArn: "arn:aws:...", Key: "password"}.Validate())
}

func TestListenAddrNormalization(t *testing.T) {
	cfg, err := ParseConfig(`{"listen": "4433"}`)
	require.NoError(t, err)
	assert.Equal(t, ":4433", cfg.GetListen())

	cfg, err = ParseConfig(`{"listen": "0.0.0.0:4433"}`)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:4433", cfg.GetListen())
}
