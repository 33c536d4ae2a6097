package gateway

import (
	"strings"

	"github.com/ledgergate/ledgergate/internal/errors"
)

// resolveTenant picks the tenant a call runs as. An explicit tenant id
// always wins, then a company id embedded in the path, then the
// configured default, then the only stored credential. A call that
// cannot be pinned to any tenant is rejected before it reaches the
// remote.
func (c *Client) resolveTenant(explicit, path string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if id := tenantFromPath(path); id != "" {
		return id, nil
	}
	if c.defaultTenant != "" {
		return c.defaultTenant, nil
	}
	if ids := c.store.TenantIDs(); len(ids) > 0 {
		return ids[0], nil
	}
	return "", &errors.ErrNoCredential{}
}

// tenantFromPath recognizes /companies/{id}/... paths, the remote's
// own addressing scheme for tenant-scoped resources.
func tenantFromPath(path string) string {
	trimmed := strings.Trim(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 2 && parts[0] == "companies" && parts[1] != "" {
		return parts[1]
	}
	return ""
}
