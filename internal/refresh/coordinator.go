// Package refresh performs the OAuth token exchanges and guarantees at
// most one in-flight refresh per tenant.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ledgergate/ledgergate/internal/config"
	"github.com/ledgergate/ledgergate/internal/errors"
	"github.com/ledgergate/ledgergate/internal/logging"
	"github.com/ledgergate/ledgergate/internal/metrics"
	"github.com/ledgergate/ledgergate/internal/models"
	"github.com/ledgergate/ledgergate/internal/tokenstore"
	"golang.org/x/sync/singleflight"
)

// oauthError is the error body returned by the token endpoint.
type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// Coordinator executes token exchanges against the authorization
// server. Concurrent refreshes for the same tenant are coalesced into a
// single exchange: refresh tokens are typically single-use, so a second
// concurrent exchange with the same token would fail and could tear
// down an otherwise healthy session.
type Coordinator struct {
	group   singleflight.Group
	store   *tokenstore.Store
	oauth   config.OAuthConfig
	client  *http.Client
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New creates a Coordinator. metrics may be nil.
func New(store *tokenstore.Store, oauth config.OAuthConfig, logger *logging.Logger, m *metrics.Metrics) *Coordinator {
	timeout := oauth.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &Coordinator{
		store:   store,
		oauth:   oauth,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		metrics: m,
	}
}

// RefreshWithLock refreshes a tenant's credential, joining any refresh
// already in flight for that tenant instead of starting a second
// exchange. All joined callers observe the same outcome. On success the
// new credential has been written through the store before this
// returns.
func (c *Coordinator) RefreshWithLock(ctx context.Context, tenantID, refreshToken string) error {
	_, err, _ := c.group.Do(tenantID, func() (any, error) {
		return nil, c.refresh(ctx, tenantID, refreshToken)
	})
	return err
}

func (c *Coordinator) refresh(ctx context.Context, tenantID, refreshToken string) error {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	resp, err := c.tokenRequest(ctx, form)
	if err != nil {
		return c.classify(tenantID, err)
	}

	if err := c.store.Set(tenantID, resp); err != nil {
		return &errors.ErrRefreshTransient{TenantID: tenantID, Err: err}
	}

	c.logger.InfoWithContext(ctx, "token refreshed", "tenant_id", tenantID)
	return nil
}

// ExchangeCode performs the authorization_code grant. The resulting
// response is returned to the caller, which decides which tenant ids it
// covers before storing it.
func (c *Coordinator) ExchangeCode(ctx context.Context, code string) (*models.TokenResponse, error) {
	form := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
	}
	if c.oauth.RedirectURL != "" {
		form.Set("redirect_uri", c.oauth.RedirectURL)
	}
	return c.tokenRequest(ctx, form)
}

// tokenRequest posts a form to the token endpoint and decodes the
// response. HTTP-level failures come back as plain errors; OAuth
// rejections come back as *oauthRejection so classify can map them.
func (c *Coordinator) tokenRequest(ctx context.Context, form url.Values) (*models.TokenResponse, error) {
	form.Set("client_id", c.oauth.ClientID)
	if c.oauth.ClientSecret != "" {
		form.Set("client_secret", c.oauth.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauth.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var oe oauthError
		if decodeErr := json.NewDecoder(httpResp.Body).Decode(&oe); decodeErr == nil && oe.Error != "" {
			return nil, &oauthRejection{code: oe.Error, description: oe.Description}
		}
		return nil, fmt.Errorf("token endpoint status %d", httpResp.StatusCode)
	}

	var parsed models.TokenResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &parsed, nil
}

// oauthRejection carries the OAuth error code out of tokenRequest.
type oauthRejection struct {
	code        string
	description string
}

func (e *oauthRejection) Error() string {
	return fmt.Sprintf("oauth error %s: %s", e.code, e.description)
}

// classify maps a token-exchange failure onto the error taxonomy.
// invalid_grant and invalid_client condemn the credential; everything
// else, including timeouts and malformed responses, is transient and
// preserves it.
func (c *Coordinator) classify(tenantID string, err error) error {
	if rejection, ok := err.(*oauthRejection); ok {
		switch rejection.code {
		case errors.OAuthInvalidGrant, errors.OAuthInvalidClient:
			return &errors.ErrRefreshFatal{
				TenantID:    tenantID,
				Code:        rejection.code,
				Description: rejection.description,
			}
		}
	}
	return &errors.ErrRefreshTransient{TenantID: tenantID, Err: err}
}

// RecordOutcome reports a refresh outcome to metrics. Callers know the
// trigger (preflight, background, reactive); the coordinator knows
// nothing about why it was invoked.
func (c *Coordinator) RecordOutcome(trigger string, err error) {
	if c.metrics == nil {
		return
	}
	switch {
	case err == nil:
		c.metrics.RecordRefresh(trigger, "success")
	case errors.IsRetryable(err):
		c.metrics.RecordRefresh(trigger, "transient")
	default:
		c.metrics.RecordRefresh(trigger, "fatal")
	}
}
