package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/ledgergate/ledgergate/internal/audit"
	"github.com/ledgergate/ledgergate/internal/models"
)

// AuthorizationURL builds the URL the operator opens to grant access.
// When state is empty a random one is generated; the caller is
// expected to verify it on the callback.
func (c *Client) AuthorizationURL(state string) (string, string, error) {
	if state == "" {
		state = uuid.NewString()
	}
	u, err := url.Parse(c.oauth.AuthorizeURL)
	if err != nil {
		return "", "", fmt.Errorf("parse authorize url: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.oauth.ClientID)
	if c.oauth.RedirectURL != "" {
		q.Set("redirect_uri", c.oauth.RedirectURL)
	}
	if len(c.oauth.Scopes) > 0 {
		q.Set("scope", strings.Join(c.oauth.Scopes, " "))
	}
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), state, nil
}

// Exchange trades an authorization code for a credential and stores it
// for every company the new token can see. One grant commonly covers
// several companies, so the credential is fanned out to each of them.
func (c *Client) Exchange(ctx context.Context, code string) ([]string, error) {
	resp, err := c.coordinator.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	tenants, err := c.discoverTenants(ctx, resp.AccessToken)
	if err != nil {
		c.logger.WarnWithContext(ctx, "company discovery failed", "error", err.Error())
	}
	if len(tenants) == 0 {
		if c.defaultTenant == "" {
			return nil, fmt.Errorf("no companies visible to the new credential and no default tenant configured")
		}
		tenants = []string{c.defaultTenant}
	}

	for _, id := range tenants {
		if err := c.store.Set(id, resp); err != nil {
			return nil, fmt.Errorf("store credential for tenant %s: %w", id, err)
		}
		c.audit.Record(audit.Event{
			Type:     audit.EventCredentialStore,
			TenantID: id,
			Outcome:  "success",
			Detail:   "authorization code exchange",
		})
		c.logger.InfoWithContext(ctx, "credential stored", "tenant_id", id)
	}
	c.updateCredentialGauges()
	return tenants, nil
}

// SetManualCredential imports an externally obtained token pair, the
// escape hatch when the browser flow is unavailable.
func (c *Client) SetManualCredential(tenantID, accessToken, refreshToken string, expiresIn int64) error {
	if tenantID == "" || accessToken == "" {
		return fmt.Errorf("tenant id and access token are required")
	}
	err := c.store.Set(tenantID, &models.TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    expiresIn,
	})
	if err != nil {
		return err
	}
	c.audit.Record(audit.Event{
		Type:     audit.EventCredentialStore,
		TenantID: tenantID,
		Outcome:  "success",
		Detail:   "manual import",
	})
	c.updateCredentialGauges()
	return nil
}

// Revoke drops a tenant's stored credential.
func (c *Client) Revoke(tenantID string) error {
	if err := c.store.Remove(tenantID); err != nil {
		return err
	}
	c.audit.Record(audit.Event{
		Type:     audit.EventCredentialDelete,
		TenantID: tenantID,
		Outcome:  "success",
		Detail:   "revoked by operator",
	})
	if c.metrics != nil {
		c.metrics.RemoveCredentialExpiry(tenantID)
		c.metrics.SetCredentialsStored(c.store.Len())
	}
	return nil
}

// discoverTenants lists the companies the access token can reach.
func (c *Client) discoverTenants(ctx context.Context, accessToken string) ([]string, error) {
	target := strings.TrimRight(c.baseURL, "/") + "/companies"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("companies endpoint status %d", httpResp.StatusCode)
	}

	var companies []struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&companies); err != nil {
		return nil, fmt.Errorf("decode companies response: %w", err)
	}

	ids := make([]string, 0, len(companies))
	for _, company := range companies {
		if company.ID != "" {
			ids = append(ids, company.ID)
		}
	}
	return ids, nil
}
