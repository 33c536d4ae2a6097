package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Version     string            `yaml:"version"`
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
	OAuth       OAuthConfig       `yaml:"oauth"`
	Remote      RemoteConfig      `yaml:"remote"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Cache       CacheConfig       `yaml:"cache"`
	Audit       AuditConfig       `yaml:"audit"`
	Alerts      AlertsConfig      `yaml:"alerts"`
}

// ServerConfig contains server-related configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
}

// APIConfig contains configuration of the local HTTP surface.
type APIConfig struct {
	BasePath  string          `yaml:"base_path"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds how fast a single client may hit the proxy.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// AuthConfig guards the local proxy endpoint with API keys. The remote
// accounting service has its own OAuth authentication; this only
// controls who may use this gateway.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	APIKeys    []string `yaml:"api_keys"`
	HeaderName string   `yaml:"header_name"`
}

// OAuthConfig describes the accounting provider's OAuth endpoints and
// this deployment's client registration.
type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthorizeURL string   `yaml:"authorize_url"`
	TokenURL     string   `yaml:"token_url"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
	// Timeout bounds the token endpoint round-trip. A refresh that
	// never resolves would hold its tenant's in-flight slot forever.
	Timeout time.Duration `yaml:"timeout"`
}

// RemoteConfig describes the accounting API itself.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// CredentialsConfig controls the encrypted token store.
type CredentialsConfig struct {
	// Path of the sealed credential file. The key-derivation salt lives
	// at Path + ".salt". Empty means the per-OS default data directory.
	Path string `yaml:"path"`
	// Secret is the long-term encryption secret, normally provided via
	// ${LEDGERGATE_ENCRYPTION_SECRET} substitution. Mandatory.
	Secret string `yaml:"secret"`
	// DefaultTenant is used for calls that do not name a tenant.
	DefaultTenant string `yaml:"default_tenant"`
	// SoftThreshold is the remaining lifetime below which a background
	// refresh is scheduled.
	SoftThreshold time.Duration `yaml:"soft_threshold"`
	// HardBuffer is the remaining lifetime below which the token is
	// treated as expired and refreshed before use.
	HardBuffer time.Duration `yaml:"hard_buffer"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Capacity   int           `yaml:"capacity"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// ResourceTTLs overrides the TTL per resource; master data such as
	// account categories tolerates longer TTLs than transactional lists.
	ResourceTTLs map[string]time.Duration `yaml:"resource_ttls"`
}

// AuditConfig controls the SQLite audit trail.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// AlertsConfig controls operator notifications.
type AlertsConfig struct {
	Telegram    TelegramConfig `yaml:"telegram"`
	DedupWindow time.Duration  `yaml:"dedup_window"`
}

// TelegramConfig contains Telegram bot settings for alerts.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port must be between 0 and 65535, got %d", c.Server.HTTPPort)
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.OAuth.TokenURL == "" {
		return fmt.Errorf("oauth.token_url is required")
	}
	if c.OAuth.ClientID == "" {
		return fmt.Errorf("oauth.client_id is required")
	}
	if c.Credentials.SoftThreshold < c.Credentials.HardBuffer {
		return fmt.Errorf("credentials.soft_threshold (%s) must not be below credentials.hard_buffer (%s)",
			c.Credentials.SoftThreshold, c.Credentials.HardBuffer)
	}
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("cache.capacity must not be negative, got %d", c.Cache.Capacity)
	}
	if c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return fmt.Errorf("api.auth.enabled requires at least one entry in api.auth.api_keys")
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days must not be negative, got %d", c.Audit.RetentionDays)
	}
	return nil
}

// StorePath returns the credential file path, falling back to the
// per-OS user config directory.
func (c *CredentialsConfig) StorePath() (string, error) {
	if c.Path != "" {
		return c.Path, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "ledgergate", "credentials.enc"), nil
}

// TTLFor returns the cache TTL for a resource, falling back to the
// default TTL.
func (c *CacheConfig) TTLFor(resource string) time.Duration {
	if ttl, ok := c.ResourceTTLs[resource]; ok {
		return ttl
	}
	return c.DefaultTTL
}
