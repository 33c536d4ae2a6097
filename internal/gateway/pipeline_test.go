package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgergate/ledgergate/internal/cache"
	"github.com/ledgergate/ledgergate/internal/config"
	"github.com/ledgergate/ledgergate/internal/errors"
	"github.com/ledgergate/ledgergate/internal/logging"
	"github.com/ledgergate/ledgergate/internal/models"
	"github.com/ledgergate/ledgergate/internal/refresh"
	"github.com/ledgergate/ledgergate/internal/tokenstore"
)

type testGateway struct {
	client *Client
	store  *tokenstore.Store
	remote *httptest.Server
	oauth  *httptest.Server
}

// tokenGrant is what the fake authorization server hands out.
type tokenGrant struct {
	status int
	body   string
}

func grantOK(access, refreshToken string, expiresIn int64) tokenGrant {
	payload, _ := json.Marshal(map[string]any{
		"access_token":  access,
		"refresh_token": refreshToken,
		"token_type":    "bearer",
		"expires_in":    expiresIn,
	})
	return tokenGrant{status: http.StatusOK, body: string(payload)}
}

func grantError(code string) tokenGrant {
	payload, _ := json.Marshal(map[string]string{"error": code, "error_description": "rejected"})
	return tokenGrant{status: http.StatusBadRequest, body: string(payload)}
}

func newTestGateway(t *testing.T, remote http.HandlerFunc, token http.HandlerFunc) *testGateway {
	t.Helper()

	logger := logging.NewLogger(logging.WithOutput(io.Discard))
	store, err := tokenstore.New(config.CredentialsConfig{
		Path:          filepath.Join(t.TempDir(), "credentials.enc"),
		Secret:        "test-secret",
		SoftThreshold: 30 * time.Minute,
		HardBuffer:    5 * time.Minute,
	}, logger)
	require.NoError(t, err)
	require.NoError(t, store.Load())

	remoteSrv := httptest.NewServer(remote)
	t.Cleanup(remoteSrv.Close)
	oauthSrv := httptest.NewServer(token)
	t.Cleanup(oauthSrv.Close)

	oauthCfg := config.OAuthConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthorizeURL: oauthSrv.URL + "/authorize",
		TokenURL:     oauthSrv.URL + "/token",
		RedirectURL:  "http://localhost/oauth/callback",
		Scopes:       []string{"accounting.read", "accounting.write"},
	}

	client := New(Options{
		Store:       store,
		Coordinator: refresh.New(store, oauthCfg, logger, nil),
		Cache:       cache.New(64),
		CacheConfig: config.CacheConfig{Enabled: true, Capacity: 64, DefaultTTL: time.Minute},
		Remote:      config.RemoteConfig{BaseURL: remoteSrv.URL},
		OAuth:       oauthCfg,
		Logger:      logger,
	})
	return &testGateway{client: client, store: store, remote: remoteSrv, oauth: oauthSrv}
}

func seedRecord(t *testing.T, store *tokenstore.Store, tenant, access, refreshToken string, expiresIn time.Duration) {
	t.Helper()
	now := time.Now().Unix()
	require.NoError(t, store.SetRecord(tenant, &models.CredentialRecord{
		AccessToken:  access,
		RefreshToken: refreshToken,
		IssuedAt:     now,
		ExpiresIn:    int64(expiresIn.Seconds()),
		ExpiresAt:    now + int64(expiresIn.Seconds()),
	}))
}

func bearerOf(r *http.Request) string {
	return r.Header.Get("Authorization")
}

func TestCall_ColdStart(t *testing.T) {
	gw := newTestGateway(t,
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
	)

	_, err := gw.client.Call(context.Background(), "", http.MethodGet, "/invoices", nil, nil)
	require.Error(t, err)
	var noCred *errors.ErrNoCredential
	assert.ErrorAs(t, err, &noCred)
}

func TestCall_ValidToken(t *testing.T) {
	var remoteHits atomic.Int64
	gw := newTestGateway(t,
		func(w http.ResponseWriter, r *http.Request) {
			remoteHits.Add(1)
			assert.Equal(t, "Bearer valid-access", bearerOf(r))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"invoices":[]}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			t.Error("token endpoint must not be called for a valid token")
		},
	)
	seedRecord(t, gw.store, "tenant-a", "valid-access", "refresh-1", 2*time.Hour)

	resp, err := gw.client.Call(context.Background(), "tenant-a", http.MethodGet, "/invoices", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, resp.FromCache)
	assert.JSONEq(t, `{"invoices":[]}`, string(resp.Body))

	cached, err := gw.client.Call(context.Background(), "tenant-a", http.MethodGet, "/invoices", nil, nil)
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.Equal(t, int64(1), remoteHits.Load(), "second read must come from the cache")
}

func TestCall_PreflightRefreshWhenExpired(t *testing.T) {
	var sawBearer atomic.Value
	gw := newTestGateway(t,
		func(w http.ResponseWriter, r *http.Request) {
			sawBearer.Store(bearerOf(r))
			w.Write([]byte(`{}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "refresh_token", r.FormValue("grant_type"))
			assert.Equal(t, "refresh-old", r.FormValue("refresh_token"))
			grant := grantOK("access-new", "refresh-new", 1800)
			w.WriteHeader(grant.status)
			w.Write([]byte(grant.body))
		},
	)
	seedRecord(t, gw.store, "tenant-a", "access-old", "refresh-old", time.Minute)

	resp, err := gw.client.Call(context.Background(), "tenant-a", http.MethodGet, "/contacts", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer access-new", sawBearer.Load())

	rec, ok := gw.store.Get("tenant-a")
	require.True(t, ok)
	assert.Equal(t, "access-new", rec.AccessToken)
	assert.Equal(t, "refresh-new", rec.RefreshToken)
}

func TestCall_BackgroundRefreshNearExpiry(t *testing.T) {
	var refreshes atomic.Int64
	gw := newTestGateway(t,
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer access-old", bearerOf(r), "request must not wait for the background refresh")
			w.Write([]byte(`{}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			refreshes.Add(1)
			grant := grantOK("access-new", "refresh-new", 1800)
			w.WriteHeader(grant.status)
			w.Write([]byte(grant.body))
		},
	)
	// 10 minutes left: inside the soft threshold, outside the hard buffer.
	seedRecord(t, gw.store, "tenant-a", "access-old", "refresh-old", 10*time.Minute)

	resp, err := gw.client.Call(context.Background(), "tenant-a", http.MethodGet, "/contacts", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		rec, ok := gw.store.Get("tenant-a")
		return ok && rec.AccessToken == "access-new"
	}, 2*time.Second, 10*time.Millisecond, "background refresh must land in the store")
	assert.Equal(t, int64(1), refreshes.Load())
}

func TestCall_Reactive401RefreshesAndRetries(t *testing.T) {
	var remoteHits atomic.Int64
	gw := newTestGateway(t,
		func(w http.ResponseWriter, r *http.Request) {
			remoteHits.Add(1)
			if bearerOf(r) != "Bearer access-new" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"ok":true}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			grant := grantOK("access-new", "refresh-new", 1800)
			w.WriteHeader(grant.status)
			w.Write([]byte(grant.body))
		},
	)
	// Still valid locally, already revoked remotely.
	seedRecord(t, gw.store, "tenant-a", "access-old", "refresh-old", 2*time.Hour)

	resp, err := gw.client.Call(context.Background(), "tenant-a", http.MethodGet, "/invoices", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), remoteHits.Load(), "exactly one retry after the refresh")
}

func TestCall_RetryGuard(t *testing.T) {
	var remoteHits atomic.Int64
	gw := newTestGateway(t,
		func(w http.ResponseWriter, r *http.Request) {
			remoteHits.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		},
		func(w http.ResponseWriter, r *http.Request) {
			grant := grantOK("access-new", "refresh-new", 1800)
			w.WriteHeader(grant.status)
			w.Write([]byte(grant.body))
		},
	)
	seedRecord(t, gw.store, "tenant-a", "access-old", "refresh-old", 2*time.Hour)

	_, err := gw.client.Call(context.Background(), "tenant-a", http.MethodGet, "/invoices", nil, nil)
	require.Error(t, err)
	var guard *errors.ErrRetryGuard
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, "tenant-a", guard.TenantID)
	assert.Equal(t, int64(2), remoteHits.Load(), "the guard must stop the loop after one retry")
}

func TestCall_TransientRefreshPreservesCredential(t *testing.T) {
	gw := newTestGateway(t,
		func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{}`)) },
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
	)
	seedRecord(t, gw.store, "tenant-a", "access-old", "refresh-old", time.Minute)

	_, err := gw.client.Call(context.Background(), "tenant-a", http.MethodGet, "/invoices", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))

	rec, ok := gw.store.Get("tenant-a")
	require.True(t, ok, "a transient failure must not delete the credential")
	assert.Equal(t, "refresh-old", rec.RefreshToken)
}

func TestCall_InvalidGrantDeletesCredential(t *testing.T) {
	gw := newTestGateway(t,
		func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{}`)) },
		func(w http.ResponseWriter, r *http.Request) {
			grant := grantError("invalid_grant")
			w.WriteHeader(grant.status)
			w.Write([]byte(grant.body))
		},
	)
	seedRecord(t, gw.store, "tenant-a", "access-old", "refresh-old", time.Minute)

	_, err := gw.client.Call(context.Background(), "tenant-a", http.MethodGet, "/invoices", nil, nil)
	require.Error(t, err)
	var reauth *errors.ErrReauthRequired
	require.ErrorAs(t, err, &reauth)
	assert.True(t, reauth.Deleted)

	_, ok := gw.store.Get("tenant-a")
	assert.False(t, ok, "a confirmed invalid_grant must delete the credential")
}

func TestCall_StaleInvalidGrantUsesWinningRefresh(t *testing.T) {
	gw := newTestGateway(t,
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
	)

	// The token endpoint rejects the exchange but first replaces the
	// stored record, as a concurrent refresh on another path would.
	var remoteHits atomic.Int64
	gw.remote.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remoteHits.Add(1)
		assert.Equal(t, "Bearer access-winner", bearerOf(r))
		w.Write([]byte(`{}`))
	})
	gw.oauth.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Unix()
		require.NoError(t, gw.store.SetRecord("tenant-a", &models.CredentialRecord{
			AccessToken:  "access-winner",
			RefreshToken: "refresh-winner",
			IssuedAt:     now,
			ExpiresIn:    3600,
			ExpiresAt:    now + 3600,
		}))
		grant := grantError("invalid_grant")
		w.WriteHeader(grant.status)
		w.Write([]byte(grant.body))
	})
	seedRecord(t, gw.store, "tenant-a", "access-old", "refresh-old", time.Minute)

	resp, err := gw.client.Call(context.Background(), "tenant-a", http.MethodGet, "/invoices", nil, nil)
	require.NoError(t, err, "a stale rejection must not fail the call when a newer record exists")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), remoteHits.Load())

	rec, ok := gw.store.Get("tenant-a")
	require.True(t, ok)
	assert.Equal(t, "access-winner", rec.AccessToken)
}

func TestCall_InvalidClientDeletesCredential(t *testing.T) {
	gw := newTestGateway(t,
		func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{}`)) },
		func(w http.ResponseWriter, r *http.Request) {
			grant := grantError("invalid_client")
			w.WriteHeader(grant.status)
			w.Write([]byte(grant.body))
		},
	)
	seedRecord(t, gw.store, "tenant-a", "access-old", "refresh-old", time.Minute)

	_, err := gw.client.Call(context.Background(), "tenant-a", http.MethodGet, "/invoices", nil, nil)
	require.Error(t, err)
	var fatal *errors.ErrRefreshFatal
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, errors.OAuthInvalidClient, fatal.Code)

	_, ok := gw.store.Get("tenant-a")
	assert.False(t, ok)
}

func TestCall_ExpiredWithoutRefreshToken(t *testing.T) {
	gw := newTestGateway(t,
		func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{}`)) },
		func(w http.ResponseWriter, r *http.Request) {
			t.Error("no refresh token means no exchange")
		},
	)
	seedRecord(t, gw.store, "tenant-a", "access-old", "", time.Minute)

	_, err := gw.client.Call(context.Background(), "tenant-a", http.MethodGet, "/invoices", nil, nil)
	require.Error(t, err)
	var noRefresh *errors.ErrNoRefreshToken
	assert.ErrorAs(t, err, &noRefresh)
	assert.True(t, errors.IsReauthRequired(err))
}

func TestCall_RemoteErrorMapped(t *testing.T) {
	gw := newTestGateway(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"invoice not found"}`))
		},
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
	)
	seedRecord(t, gw.store, "tenant-a", "access", "refresh", 2*time.Hour)

	_, err := gw.client.Call(context.Background(), "tenant-a", http.MethodGet, "/invoices/42", nil, nil)
	require.Error(t, err)
	var remote *errors.ErrRemoteAPI
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusNotFound, remote.StatusCode)
	assert.Equal(t, "invoice not found", remote.Message)
}

func TestCall_MutationInvalidatesCachedReads(t *testing.T) {
	var gets atomic.Int64
	gw := newTestGateway(t,
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				gets.Add(1)
			}
			w.Write([]byte(`{}`))
		},
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
	)
	seedRecord(t, gw.store, "tenant-a", "access", "refresh", 2*time.Hour)
	ctx := context.Background()

	_, err := gw.client.Call(ctx, "tenant-a", http.MethodGet, "/invoices", nil, nil)
	require.NoError(t, err)
	cached, err := gw.client.Call(ctx, "tenant-a", http.MethodGet, "/invoices", nil, nil)
	require.NoError(t, err)
	require.True(t, cached.FromCache)

	_, err = gw.client.Call(ctx, "tenant-a", http.MethodPost, "/invoices", nil, []byte(`{"total":10}`))
	require.NoError(t, err)

	fresh, err := gw.client.Call(ctx, "tenant-a", http.MethodGet, "/invoices", nil, nil)
	require.NoError(t, err)
	assert.False(t, fresh.FromCache, "a write must invalidate cached reads of the same resource")
	assert.Equal(t, int64(2), gets.Load())
}

func TestCall_CacheIsolatedPerTenant(t *testing.T) {
	var remoteHits atomic.Int64
	gw := newTestGateway(t,
		func(w http.ResponseWriter, r *http.Request) {
			remoteHits.Add(1)
			w.Write([]byte(`{}`))
		},
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
	)
	seedRecord(t, gw.store, "tenant-a", "access-a", "refresh-a", 2*time.Hour)
	seedRecord(t, gw.store, "tenant-b", "access-b", "refresh-b", 2*time.Hour)
	ctx := context.Background()

	_, err := gw.client.Call(ctx, "tenant-a", http.MethodGet, "/contacts", nil, nil)
	require.NoError(t, err)
	resp, err := gw.client.Call(ctx, "tenant-b", http.MethodGet, "/contacts", nil, nil)
	require.NoError(t, err)
	assert.False(t, resp.FromCache, "tenants must not share cache entries")
	assert.Equal(t, int64(2), remoteHits.Load())
}

func TestResolveTenant(t *testing.T) {
	gw := newTestGateway(t,
		func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{}`)) },
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
	)

	t.Run("explicit wins", func(t *testing.T) {
		tenant, err := gw.client.resolveTenant("explicit", "/companies/from-path/invoices")
		require.NoError(t, err)
		assert.Equal(t, "explicit", tenant)
	})

	t.Run("path company id", func(t *testing.T) {
		tenant, err := gw.client.resolveTenant("", "/companies/from-path/invoices")
		require.NoError(t, err)
		assert.Equal(t, "from-path", tenant)
	})

	t.Run("single stored credential", func(t *testing.T) {
		seedRecord(t, gw.store, "only-tenant", "access", "refresh", time.Hour)
		tenant, err := gw.client.resolveTenant("", "/invoices")
		require.NoError(t, err)
		assert.Equal(t, "only-tenant", tenant)
		require.NoError(t, gw.store.Remove("only-tenant"))
	})

	t.Run("default tenant", func(t *testing.T) {
		gw.client.defaultTenant = "default-tenant"
		defer func() { gw.client.defaultTenant = "" }()
		tenant, err := gw.client.resolveTenant("", "/invoices")
		require.NoError(t, err)
		assert.Equal(t, "default-tenant", tenant)
	})

	t.Run("unresolvable", func(t *testing.T) {
		_, err := gw.client.resolveTenant("", "/invoices")
		require.Error(t, err)
		var noCred *errors.ErrNoCredential
		assert.ErrorAs(t, err, &noCred)
	})
}
