package health

import (
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgergate/ledgergate/internal/config"
	"github.com/ledgergate/ledgergate/internal/logging"
	"github.com/ledgergate/ledgergate/internal/models"
	"github.com/ledgergate/ledgergate/internal/tokenstore"
)

type recordingNotifier struct {
	mu      sync.Mutex
	revoked []string
}

func (n *recordingNotifier) CredentialRevoked(tenantID, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.revoked = append(n.revoked, tenantID)
}

func (n *recordingNotifier) RefreshDegraded(string, string) {}

func newTestStore(t *testing.T) *tokenstore.Store {
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
	return store
}

func seed(t *testing.T, store *tokenstore.Store, tenant, refreshToken string, expiresIn time.Duration) {
	t.Helper()
	now := time.Now().Unix()
	require.NoError(t, store.SetRecord(tenant, &models.CredentialRecord{
		AccessToken:  "access-" + tenant,
		RefreshToken: refreshToken,
		IssuedAt:     now,
		ExpiresIn:    int64(expiresIn.Seconds()),
		ExpiresAt:    now + int64(expiresIn.Seconds()),
	}))
}

func TestSweep_Classification(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, "fresh", "refresh", 2*time.Hour)
	seed(t, store, "aging", "refresh", 10*time.Minute)
	seed(t, store, "dead", "refresh", time.Minute)

	monitor := NewMonitor(Config{}, store, logging.NewLogger(logging.WithOutput(io.Discard)), nil, nil)
	reports := monitor.Sweep()
	require.Len(t, reports, 3)

	byTenant := map[string]TenantReport{}
	for _, report := range reports {
		byTenant[report.TenantID] = report
	}
	assert.Equal(t, "valid", byTenant["fresh"].State)
	assert.Equal(t, "near_expiry", byTenant["aging"].State)
	assert.Equal(t, "expired", byTenant["dead"].State)
}

func TestSweep_AlertsOnUnrefreshableExpiry(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, "stuck", "", time.Minute)
	seed(t, store, "fine", "refresh", 2*time.Hour)

	notifier := &recordingNotifier{}
	monitor := NewMonitor(Config{}, store, logging.NewLogger(logging.WithOutput(io.Discard)), nil, notifier)
	monitor.Sweep()

	assert.Equal(t, []string{"stuck"}, notifier.revoked)
}

func TestMonitor_StartStop(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, "tenant", "refresh", time.Hour)

	monitor := NewMonitor(Config{Interval: 10 * time.Millisecond}, store,
		logging.NewLogger(logging.WithOutput(io.Discard)), nil, nil)
	monitor.Start()
	monitor.Start() // idempotent
	time.Sleep(30 * time.Millisecond)
	monitor.Stop()
	monitor.Stop()
}
