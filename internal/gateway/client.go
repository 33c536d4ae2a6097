// Package gateway is the request pipeline between local callers and
// the remote accounting API. It attaches tenant credentials, refreshes
// them before and after the remote rejects a call, serves repeated
// reads from a bounded cache, and maps remote failures onto the error
// taxonomy.
package gateway

import (
	"net/http"
	"time"

	"github.com/ledgergate/ledgergate/internal/alerts"
	"github.com/ledgergate/ledgergate/internal/audit"
	"github.com/ledgergate/ledgergate/internal/cache"
	"github.com/ledgergate/ledgergate/internal/config"
	"github.com/ledgergate/ledgergate/internal/logging"
	"github.com/ledgergate/ledgergate/internal/metrics"
	"github.com/ledgergate/ledgergate/internal/refresh"
	"github.com/ledgergate/ledgergate/internal/tokenstore"
)

// Response is the outcome of a successful proxied call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// FromCache is true when the body was served without touching the
	// remote API.
	FromCache bool
}

// Options wires the pipeline's collaborators. Store, Coordinator and
// Remote are required; everything else has a usable zero value.
type Options struct {
	Store       *tokenstore.Store
	Coordinator *refresh.Coordinator
	Cache       *cache.Cache
	CacheConfig config.CacheConfig
	Remote      config.RemoteConfig
	OAuth       config.OAuthConfig
	// DefaultTenant answers calls that name no tenant and whose path
	// does not identify one.
	DefaultTenant string
	Logger        *logging.Logger
	Metrics       *metrics.Metrics
	Audit         audit.Recorder
	Alerts        alerts.Notifier
}

// Client executes calls against the remote API on behalf of local
// callers. It is safe for concurrent use.
type Client struct {
	store         *tokenstore.Store
	coordinator   *refresh.Coordinator
	cache         *cache.Cache
	cacheCfg      config.CacheConfig
	oauth         config.OAuthConfig
	baseURL       string
	defaultTenant string
	http          *http.Client
	logger        *logging.Logger
	metrics       *metrics.Metrics
	audit         audit.Recorder
	alerts        alerts.Notifier
}

// New creates a Client from opts.
func New(opts Options) *Client {
	timeout := opts.Remote.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger()
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Alerts == nil {
		opts.Alerts = alerts.Nop{}
	}
	return &Client{
		store:         opts.Store,
		coordinator:   opts.Coordinator,
		cache:         opts.Cache,
		cacheCfg:      opts.CacheConfig,
		oauth:         opts.OAuth,
		baseURL:       opts.Remote.BaseURL,
		defaultTenant: opts.DefaultTenant,
		http:          &http.Client{Timeout: timeout},
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		audit:         opts.Audit,
		alerts:        opts.Alerts,
	}
}

// SetHTTPClient replaces the transport used for remote calls. Tests
// use it to point the pipeline at a local server without a timeout.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.http = hc
}
