package refresh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ledgergate/ledgergate/internal/config"
	"github.com/ledgergate/ledgergate/internal/errors"
	"github.com/ledgergate/ledgergate/internal/logging"
	"github.com/ledgergate/ledgergate/internal/models"
	"github.com/ledgergate/ledgergate/internal/tokenstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *tokenstore.Store {
	t.Helper()
	cfg := config.CredentialsConfig{
		Path:   filepath.Join(t.TempDir(), "credentials.enc"),
		Secret: "test-secret",
	}
	s, err := tokenstore.New(cfg, logging.NewLogger(logging.WithLevel(logging.LevelError)))
	require.NoError(t, err)
	require.NoError(t, s.Load())
	return s
}

func newCoordinator(t *testing.T, store *tokenstore.Store, tokenURL string) *Coordinator {
	t.Helper()
	oauth := config.OAuthConfig{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		TokenURL:     tokenURL,
		Timeout:      2 * time.Second,
	}
	return New(store, oauth, logging.NewLogger(logging.WithLevel(logging.LevelError)), nil)
}

func TestRefreshWithLock_Success(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.SetRecord("co-1", &models.CredentialRecord{
		AccessToken: "at-old", RefreshToken: "rt-old",
	}))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-old", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))

		json.NewEncoder(w).Encode(models.TokenResponse{
			AccessToken:  "at-new",
			RefreshToken: "rt-new",
			ExpiresIn:    3600,
			CreatedAt:    time.Now().Unix(),
		})
	}))
	defer server.Close()

	c := newCoordinator(t, store, server.URL)
	require.NoError(t, c.RefreshWithLock(context.Background(), "co-1", "rt-old"))

	rec, ok := store.Get("co-1")
	require.True(t, ok, "refreshed credential must be written through before resolving")
	assert.Equal(t, "at-new", rec.AccessToken)
	assert.Equal(t, "rt-new", rec.RefreshToken)
}

func TestRefreshWithLock_Deduplicates(t *testing.T) {
	store := newStore(t)

	var exchanges atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		<-release
		json.NewEncoder(w).Encode(models.TokenResponse{
			AccessToken: "at-new", RefreshToken: "rt-new", ExpiresIn: 3600,
		})
	}))
	defer server.Close()

	c := newCoordinator(t, store, server.URL)

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.RefreshWithLock(context.Background(), "co-1", "rt-old")
		}(i)
	}

	// Give the callers time to pile up on the in-flight exchange.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), exchanges.Load(), "concurrent refreshes must share one exchange")
	for i, err := range errs {
		assert.NoError(t, err, "caller %d must observe the shared outcome", i)
	}

	rec, ok := store.Get("co-1")
	require.True(t, ok)
	assert.Equal(t, "at-new", rec.AccessToken)
}

func TestRefreshWithLock_IndependentTenants(t *testing.T) {
	store := newStore(t)

	var exchanges atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		json.NewEncoder(w).Encode(models.TokenResponse{
			AccessToken: "at-new", ExpiresIn: 3600,
		})
	}))
	defer server.Close()

	c := newCoordinator(t, store, server.URL)
	require.NoError(t, c.RefreshWithLock(context.Background(), "co-1", "rt-1"))
	require.NoError(t, c.RefreshWithLock(context.Background(), "co-2", "rt-2"))

	assert.Equal(t, int32(2), exchanges.Load(), "different tenants refresh independently")
}

func TestRefreshWithLock_Classification(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantFatal bool
		wantCode  string
		retryable bool
	}{
		{
			name: "invalid_grant is fatal",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			},
			wantFatal: true,
			wantCode:  errors.OAuthInvalidGrant,
		},
		{
			name: "invalid_client is fatal",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
			},
			wantFatal: true,
			wantCode:  errors.OAuthInvalidClient,
		},
		{
			name: "server error is transient",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			retryable: true,
		},
		{
			name: "malformed response is transient",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
			retryable: true,
		},
		{
			name: "response without access_token is transient",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{"token_type": "bearer"})
			},
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			c := newCoordinator(t, store, server.URL)
			err := c.RefreshWithLock(context.Background(), "co-1", "rt-old")
			require.Error(t, err)

			if tt.wantFatal {
				var fatal *errors.ErrRefreshFatal
				require.ErrorAs(t, err, &fatal)
				assert.Equal(t, tt.wantCode, fatal.Code)
			}
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
		})
	}
}

func TestRefreshWithLock_NetworkErrorIsTransient(t *testing.T) {
	store := newStore(t)
	// Nothing listens on this port.
	c := newCoordinator(t, store, "http://127.0.0.1:1")

	err := c.RefreshWithLock(context.Background(), "co-1", "rt-old")
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestExchangeCode(t *testing.T) {
	store := newStore(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "auth-code-1", r.PostForm.Get("code"))

		json.NewEncoder(w).Encode(models.TokenResponse{
			AccessToken: "at-1", RefreshToken: "rt-1", ExpiresIn: 3600,
		})
	}))
	defer server.Close()

	c := newCoordinator(t, store, server.URL)
	resp, err := c.ExchangeCode(context.Background(), "auth-code-1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", resp.AccessToken)
}
