package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Key builds the deterministic cache key for a read call. The key is
// structured as tenant|endpoint|digest so that Invalidate can match on
// the tenant+endpoint prefix while the parameter set is collapsed into
// a digest. Parameters with empty values are dropped and the rest are
// sorted, so parameter order never affects the key.
func Key(tenantID, endpoint string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
		sb.WriteByte('&')
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return Prefix(tenantID, endpoint) + hex.EncodeToString(sum[:8])
}

// Prefix returns the invalidation prefix covering every cached read for
// a tenant's endpoint.
func Prefix(tenantID, endpoint string) string {
	return tenantID + "|" + endpoint + "|"
}
