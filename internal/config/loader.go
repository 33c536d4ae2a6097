package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ledgergate/ledgergate/internal/errors"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading and hot-reloading.
type Loader struct {
	path     string
	mu       sync.RWMutex
	config   *Config
	onChange func(*Config)
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewLoader creates a loader for the given config path.
func NewLoader(path string) *Loader {
	return &Loader{
		path:     path,
		stopChan: make(chan struct{}),
	}
}

// Load reads and validates the configuration file. Environment
// variables referenced as ${VAR} are substituted before parsing, which
// is how the encryption secret reaches the config without living on
// disk.
func (l *Loader) Load() (*Config, error) {
	content, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.ErrConfigNotFound{Path: l.path}
		}
		return nil, &errors.ErrFileRead{Path: l.path, Err: err}
	}

	config, err := Parse(substituteEnvVars(content))
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.config = config
	l.mu.Unlock()

	return config, nil
}

// Get returns the most recently loaded configuration.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// SetOnChange registers a callback invoked after a successful reload.
func (l *Loader) SetOnChange(fn func(*Config)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Watch reloads the configuration whenever the file changes on disk.
// Reload errors keep the previous configuration in place.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(l.path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-l.stopChan:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					l.reload()
				}
			case <-watcher.Errors:
				// Editors that replace files can race the watcher; the
				// next write event picks the change up.
			}
		}
	}()

	return nil
}

// StopWatch stops the file watcher.
func (l *Loader) StopWatch() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
}

// Shutdown stops the watcher as part of coordinated server shutdown.
func (l *Loader) Shutdown(context.Context) error {
	l.StopWatch()
	return nil
}

func (l *Loader) reload() {
	config, err := l.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config reload failed, keeping previous: %v\n", err)
		return
	}

	l.mu.RLock()
	onChange := l.onChange
	l.mu.RUnlock()

	if onChange != nil {
		onChange(config)
	}
}

// Parse parses and validates configuration from a byte slice, applying
// defaults first.
func Parse(data []byte) (*Config, error) {
	config := Default()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, &errors.ErrConfigParse{Err: err}
	}

	if err := config.Validate(); err != nil {
		return nil, &errors.ErrConfigValidation{Err: err}
	}

	return config, nil
}

// Default returns a configuration populated with defaults. Remote and
// OAuth endpoints have no sensible defaults and must come from the
// file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8417,
			ShutdownTimeout: 30 * time.Second,
			LogLevel:        "info",
		},
		API: APIConfig{
			BasePath:  "/api",
			Auth:      AuthConfig{HeaderName: "X-API-Key"},
			RateLimit: RateLimitConfig{RequestsPerMinute: 600, Burst: 60},
		},
		OAuth: OAuthConfig{
			Timeout: 15 * time.Second,
		},
		Remote: RemoteConfig{
			Timeout: 30 * time.Second,
		},
		Credentials: CredentialsConfig{
			SoftThreshold: 30 * time.Minute,
			HardBuffer:    5 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Capacity:   512,
			DefaultTTL: 2 * time.Minute,
		},
		Audit: AuditConfig{
			RetentionDays: 90,
		},
		Alerts: AlertsConfig{
			DedupWindow: 30 * time.Minute,
		},
	}
}

func substituteEnvVars(content []byte) []byte {
	return []byte(os.ExpandEnv(string(content)))
}
