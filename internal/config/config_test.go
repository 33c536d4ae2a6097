package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
version: "1"
oauth:
  client_id: client-1
  client_secret: secret-1
  token_url: https://auth.example.com/oauth/token
  authorize_url: https://auth.example.com/oauth/authorize
remote:
  base_url: https://api.example.com/v1
credentials:
  secret: test-secret
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 8417, cfg.Server.HTTPPort)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 30*time.Minute, cfg.Credentials.SoftThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Credentials.HardBuffer)
	assert.Equal(t, 512, cfg.Cache.Capacity)
	assert.True(t, cfg.Cache.Enabled)
}

func TestParse_Overrides(t *testing.T) {
	yaml := minimalYAML + `
server:
  http_port: 9000
cache:
  capacity: 16
  default_ttl: 45s
  resource_ttls:
    account-categories: 1h
    invoices: 30s
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 16, cfg.Cache.Capacity)
	assert.Equal(t, time.Hour, cfg.Cache.TTLFor("account-categories"))
	assert.Equal(t, 30*time.Second, cfg.Cache.TTLFor("invoices"))
	assert.Equal(t, 45*time.Second, cfg.Cache.TTLFor("unknown-resource"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "Missing remote base URL",
			mutate:  func(c *Config) { c.Remote.BaseURL = "" },
			wantErr: "remote.base_url is required",
		},
		{
			name:    "Missing token URL",
			mutate:  func(c *Config) { c.OAuth.TokenURL = "" },
			wantErr: "oauth.token_url is required",
		},
		{
			name: "Soft threshold below hard buffer",
			mutate: func(c *Config) {
				c.Credentials.SoftThreshold = time.Minute
				c.Credentials.HardBuffer = 5 * time.Minute
			},
			wantErr: "soft_threshold",
		},
		{
			name:    "Auth enabled without keys",
			mutate:  func(c *Config) { c.API.Auth.Enabled = true },
			wantErr: "api.auth.api_keys",
		},
		{
			name:    "Negative cache capacity",
			mutate:  func(c *Config) { c.Cache.Capacity = -1 },
			wantErr: "cache.capacity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(minimalYAML))
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoader_EnvSubstitution(t *testing.T) {
	t.Setenv("TEST_LEDGERGATE_SECRET", "from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
version: "1"
oauth:
  client_id: client-1
  client_secret: secret-1
  token_url: https://auth.example.com/oauth/token
  authorize_url: https://auth.example.com/oauth/authorize
remote:
  base_url: https://api.example.com/v1
credentials:
  secret: ${TEST_LEDGERGATE_SECRET}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Credentials.Secret)
	assert.Same(t, cfg, loader.Get())
}

func TestLoader_MissingFile(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := loader.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestCredentialsConfig_StorePath(t *testing.T) {
	c := &CredentialsConfig{Path: "/tmp/creds.enc"}
	path, err := c.StorePath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/creds.enc", path)

	c = &CredentialsConfig{}
	path, err = c.StorePath()
	require.NoError(t, err)
	assert.Contains(t, path, "ledgergate")
}
