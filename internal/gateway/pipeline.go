package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ledgergate/ledgergate/internal/audit"
	"github.com/ledgergate/ledgergate/internal/cache"
	"github.com/ledgergate/ledgergate/internal/errors"
	"github.com/ledgergate/ledgergate/internal/models"
	"github.com/ledgergate/ledgergate/pkg/headers"
)

// Call proxies one request to the remote API. tenantID may be empty,
// in which case the tenant is resolved from the path, the configured
// default, or the only stored credential. GET responses are served
// from and written to the cache; mutating calls invalidate the cached
// entries for the resource they touched.
//
// A 401 from the remote triggers at most one refresh-and-retry per
// call. A second 401 after a successful refresh aborts with
// ErrRetryGuard instead of looping.
func (c *Client) Call(ctx context.Context, tenantID, method, path string, params map[string]string, body []byte) (*Response, error) {
	method = strings.ToUpper(method)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	tenant, err := c.resolveTenant(tenantID, path)
	if err != nil {
		return nil, err
	}

	cacheable := method == http.MethodGet && c.cache != nil && c.cacheCfg.Enabled
	var key string
	if cacheable {
		key = cache.Key(tenant, path, params)
		if v, ok := c.cache.Get(key); ok {
			if c.metrics != nil {
				c.metrics.RecordCacheHit()
			}
			cached := *(v.(*Response))
			cached.FromCache = true
			return &cached, nil
		}
		if c.metrics != nil {
			c.metrics.RecordCacheMiss()
		}
	}

	token, err := c.preflight(ctx, tenant)
	if err != nil {
		return nil, err
	}

	retried := false
	for {
		resp, err := c.do(ctx, method, path, params, body, token)
		if err != nil {
			if c.metrics != nil {
				c.metrics.RecordRemoteCall(method, "transport_error")
			}
			return nil, err
		}

		if resp.StatusCode == http.StatusUnauthorized {
			if c.metrics != nil {
				c.metrics.RecordRemoteCall(method, "unauthorized")
			}
			token, err = c.recover401(ctx, tenant, path, retried)
			if err != nil {
				return nil, err
			}
			retried = true
			continue
		}

		if rl := headers.ParseRateLimit(resp.Header); rl.Low() || rl.RetryAfter > 0 {
			c.logger.WarnWithContext(ctx, "remote rate limit pressure",
				"tenant_id", tenant,
				"remaining", rl.Remaining,
				"limit", rl.Limit,
				"retry_after_seconds", rl.RetryAfter.Seconds(),
			)
		}

		if resp.StatusCode >= 400 {
			if c.metrics != nil {
				c.metrics.RecordRemoteCall(method, "http_error")
			}
			return nil, &errors.ErrRemoteAPI{
				StatusCode: resp.StatusCode,
				Method:     method,
				Path:       path,
				Message:    remoteMessage(resp.Body),
			}
		}

		if c.metrics != nil {
			c.metrics.RecordRemoteCall(method, "success")
		}

		if cacheable {
			stored := *resp
			c.cache.Set(key, &stored, c.cacheCfg.TTLFor(resourceOf(path)))
		} else if method != http.MethodGet && c.cache != nil && c.cacheCfg.Enabled {
			if resource := resourceOf(path); resource != "" {
				removed := c.cache.Invalidate(tenant + "|/" + resource)
				if removed > 0 {
					if c.metrics != nil {
						c.metrics.RecordCacheInvalidation()
					}
					c.logger.DebugWithContext(ctx, "cache invalidated",
						"tenant_id", tenant, "resource", resource, "entries", removed)
				}
			}
		}
		return resp, nil
	}
}

// preflight classifies the tenant's credential before the remote call.
// An expired token is refreshed synchronously; a near-expiry one is
// refreshed in the background while the call proceeds with the current
// token. A tenant without a stored credential proceeds without a
// bearer header so the remote can answer public endpoints.
func (c *Client) preflight(ctx context.Context, tenant string) (string, error) {
	rec, ok := c.store.Get(tenant)
	if !ok {
		return "", nil
	}

	cls := c.store.Classify(rec)
	switch cls.State {
	case models.ExpiryExpired:
		if !rec.Refreshable() {
			return "", &errors.ErrNoRefreshToken{TenantID: tenant}
		}
		err := c.coordinator.RefreshWithLock(ctx, tenant, rec.RefreshToken)
		c.coordinator.RecordOutcome("preflight", err)
		c.recordRefreshAudit(tenant, err)
		if err != nil {
			resolved, settleErr := c.settleRefreshFailure(ctx, tenant, rec, err)
			if settleErr != nil {
				return "", settleErr
			}
			return resolved.AccessToken, nil
		}
		fresh, ok := c.store.Get(tenant)
		if !ok {
			return "", &errors.ErrNoCredential{TenantID: tenant}
		}
		return fresh.AccessToken, nil

	case models.ExpiryNearExpiry:
		if rec.Refreshable() {
			c.logger.DebugWithContext(ctx, "token near expiry, refreshing in background",
				"tenant_id", tenant, "remaining_minutes", cls.RemainingMinutes)
			go c.backgroundRefresh(tenant, rec.RefreshToken)
		}
		return rec.AccessToken, nil

	default:
		return rec.AccessToken, nil
	}
}

// backgroundRefresh renews a still-valid credential ahead of its
// expiry. Failures are logged and never surfaced to the request that
// triggered the renewal; the next expired-token call takes the
// blocking path and settles any fatal outcome there.
func (c *Client) backgroundRefresh(tenant, refreshToken string) {
	err := c.coordinator.RefreshWithLock(context.Background(), tenant, refreshToken)
	c.coordinator.RecordOutcome("background", err)
	c.recordRefreshAudit(tenant, err)
	if err != nil {
		c.logger.Warn("background token refresh failed", "tenant_id", tenant, "error", err.Error())
		return
	}
	c.updateCredentialGauges()
}

// recover401 handles a 401 from the remote. The first 401 refreshes
// the credential and hands back a new token for a single retry; any
// 401 after a retry trips the guard.
func (c *Client) recover401(ctx context.Context, tenant, path string, alreadyRetried bool) (string, error) {
	if alreadyRetried {
		c.logger.WarnWithContext(ctx, "remote rejected freshly refreshed token",
			"tenant_id", tenant, "path", path)
		c.audit.Record(audit.Event{
			Type:     audit.EventRetryGuard,
			TenantID: tenant,
			Outcome:  "failure",
			Detail:   fmt.Sprintf("401 after refresh on %s", path),
		})
		if c.metrics != nil {
			c.metrics.RecordError("retry_guard")
		}
		return "", &errors.ErrRetryGuard{TenantID: tenant, Path: path}
	}

	rec, ok := c.store.Get(tenant)
	if !ok {
		return "", &errors.ErrNoCredential{TenantID: tenant}
	}
	if !rec.Refreshable() {
		return "", &errors.ErrNoRefreshToken{TenantID: tenant}
	}

	c.logger.InfoWithContext(ctx, "remote returned 401, refreshing token",
		"tenant_id", tenant, "path", path)
	err := c.coordinator.RefreshWithLock(ctx, tenant, rec.RefreshToken)
	c.coordinator.RecordOutcome("reactive", err)
	c.recordRefreshAudit(tenant, err)
	if err != nil {
		resolved, settleErr := c.settleRefreshFailure(ctx, tenant, rec, err)
		if settleErr != nil {
			return "", settleErr
		}
		return resolved.AccessToken, nil
	}

	fresh, ok := c.store.Get(tenant)
	if !ok {
		return "", &errors.ErrNoCredential{TenantID: tenant}
	}
	return fresh.AccessToken, nil
}

// settleRefreshFailure decides what a failed refresh means for the
// stored credential. Transient failures preserve it. invalid_grant is
// re-checked against the store first: when a concurrent refresh
// already replaced the record, the rejection was for a stale token and
// the new record is returned for the caller to retry with. Only an
// unchanged record is deleted. invalid_client deletes the credential
// and surfaces the configuration error as is.
func (c *Client) settleRefreshFailure(ctx context.Context, tenant string, started *models.CredentialRecord, err error) (*models.CredentialRecord, error) {
	var fatal *errors.ErrRefreshFatal
	if !stderrors.As(err, &fatal) {
		c.logger.WarnWithContext(ctx, "token refresh failed, credential preserved",
			"tenant_id", tenant, "error", err.Error())
		c.alerts.RefreshDegraded(tenant, err.Error())
		return nil, err
	}

	switch fatal.Code {
	case errors.OAuthInvalidGrant:
		if current, ok := c.store.Get(tenant); ok && !current.Equal(started) {
			c.logger.InfoWithContext(ctx, "stale refresh rejected, concurrent refresh already succeeded",
				"tenant_id", tenant)
			return current, nil
		}
		c.deleteCredential(ctx, tenant, fmt.Sprintf("invalid_grant: %s", fatal.Description))
		reason := "refresh token rejected by the authorization server"
		c.alerts.CredentialRevoked(tenant, reason)
		return nil, &errors.ErrReauthRequired{TenantID: tenant, Reason: reason, Deleted: true}

	case errors.OAuthInvalidClient:
		c.deleteCredential(ctx, tenant, fmt.Sprintf("invalid_client: %s", fatal.Description))
		c.alerts.CredentialRevoked(tenant, "client credentials rejected, check client_id and client_secret")
		return nil, fatal

	default:
		return nil, err
	}
}

func (c *Client) deleteCredential(ctx context.Context, tenant, detail string) {
	if err := c.store.Remove(tenant); err != nil {
		c.logger.ErrorWithContext(ctx, "failed to remove condemned credential",
			"tenant_id", tenant, "error", err.Error())
	}
	c.logger.WarnWithContext(ctx, "credential deleted after fatal refresh failure",
		"tenant_id", tenant, "detail", detail)
	c.audit.Record(audit.Event{
		Type:     audit.EventCredentialDelete,
		TenantID: tenant,
		Outcome:  "success",
		Detail:   detail,
	})
	if c.metrics != nil {
		c.metrics.RemoveCredentialExpiry(tenant)
		c.metrics.SetCredentialsStored(c.store.Len())
	}
}

func (c *Client) recordRefreshAudit(tenant string, err error) {
	event := audit.Event{Type: audit.EventTokenRefresh, TenantID: tenant, Outcome: "success"}
	if err != nil {
		event.Outcome = "failure"
		event.Detail = err.Error()
	}
	c.audit.Record(event)
}

func (c *Client) updateCredentialGauges() {
	if c.metrics == nil {
		return
	}
	c.metrics.SetCredentialsStored(c.store.Len())
	for _, id := range c.store.TenantIDs() {
		rec, ok := c.store.Get(id)
		if !ok {
			continue
		}
		c.metrics.SetCredentialExpiry(id, float64(rec.ExpiresAt))
	}
}

// do executes one HTTP exchange against the remote API and drains the
// body so the caller never deals with a live connection.
func (c *Client) do(ctx context.Context, method, path string, params map[string]string, body []byte, token string) (*Response, error) {
	target, err := c.buildURL(path, params)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote call %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read remote response: %w", err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       payload,
	}, nil
}

func (c *Client) buildURL(path string, params map[string]string) (string, error) {
	base := strings.TrimRight(c.baseURL, "/")
	u, err := url.Parse(base + path)
	if err != nil {
		return "", fmt.Errorf("build remote url: %w", err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			if v == "" {
				continue
			}
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// remoteMessage pulls a human-readable message out of a remote error
// body. The remote is not consistent about the field name.
func remoteMessage(body []byte) string {
	var parsed struct {
		Message     string `json:"message"`
		Error       string `json:"error"`
		Description string `json:"error_description"`
		Detail      string `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		for _, candidate := range []string{parsed.Message, parsed.Description, parsed.Detail, parsed.Error} {
			if candidate != "" {
				return candidate
			}
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// resourceOf extracts the first path segment, the unit cache entries
// are grouped and invalidated by.
func resourceOf(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return ""
	}
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}
