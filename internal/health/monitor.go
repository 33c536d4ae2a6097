// Package health watches the stored credentials and reports their
// expiry state, so an idle deployment still notices a tenant drifting
// toward expiry before the next proxied call does.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/ledgergate/ledgergate/internal/alerts"
	"github.com/ledgergate/ledgergate/internal/logging"
	"github.com/ledgergate/ledgergate/internal/metrics"
	"github.com/ledgergate/ledgergate/internal/models"
	"github.com/ledgergate/ledgergate/internal/tokenstore"
)

// Config contains the monitor configuration.
type Config struct {
	Interval time.Duration
}

// TenantReport is the per-tenant outcome of one sweep.
type TenantReport struct {
	TenantID         string `json:"tenant_id"`
	State            string `json:"state"`
	RemainingMinutes int    `json:"remaining_minutes"`
	Refreshable      bool   `json:"refreshable"`
}

// Monitor periodically classifies every stored credential. It never
// refreshes anything itself; refresh stays on the request path where
// the single-flight coordination lives.
type Monitor struct {
	cfg     Config
	store   *tokenstore.Store
	logger  *logging.Logger
	metrics *metrics.Metrics
	alerts  alerts.Notifier

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	muRun   sync.Mutex
}

// NewMonitor creates a Monitor. metrics and notifier may be nil.
func NewMonitor(cfg Config, store *tokenstore.Store, logger *logging.Logger, m *metrics.Metrics, notifier alerts.Notifier) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.NewLogger()
	}
	if notifier == nil {
		notifier = alerts.Nop{}
	}
	return &Monitor{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		metrics: m,
		alerts:  notifier,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *Monitor) Start() {
	m.muRun.Lock()
	defer m.muRun.Unlock()
	if m.running {
		return
	}
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Stop terminates the loop and waits for it.
func (m *Monitor) Stop() {
	m.muRun.Lock()
	defer m.muRun.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	m.wg.Wait()
}

// Shutdown stops the monitor as part of coordinated server shutdown.
// Stop only waits for the current sweep, so the context goes unused.
func (m *Monitor) Shutdown(context.Context) error {
	m.Stop()
	return nil
}

// Sweep classifies every tenant once and returns the reports. A
// credential that is expired and has no refresh token is a dead end
// the request path can only fail on, so that case raises an alert.
func (m *Monitor) Sweep() []TenantReport {
	ids := m.store.TenantIDs()
	reports := make([]TenantReport, 0, len(ids))

	for _, id := range ids {
		rec, ok := m.store.Get(id)
		if !ok {
			continue
		}
		cls := m.store.Classify(rec)
		report := TenantReport{
			TenantID:         id,
			State:            string(cls.State),
			RemainingMinutes: cls.RemainingMinutes,
			Refreshable:      rec.Refreshable(),
		}
		reports = append(reports, report)

		if m.metrics != nil {
			m.metrics.SetCredentialExpiry(id, float64(rec.ExpiresAt))
		}

		switch {
		case cls.State == models.ExpiryExpired && !rec.Refreshable():
			m.logger.Warn("credential expired with no refresh token",
				"tenant_id", id, "remaining_minutes", cls.RemainingMinutes)
			m.alerts.CredentialRevoked(id, "access token expired and no refresh token is stored")
		case cls.State == models.ExpiryExpired:
			m.logger.Info("credential expired, next call will refresh it",
				"tenant_id", id, "remaining_minutes", cls.RemainingMinutes)
		case cls.State == models.ExpiryNearExpiry:
			m.logger.Debug("credential nearing expiry",
				"tenant_id", id, "remaining_minutes", cls.RemainingMinutes)
		}
	}

	if m.metrics != nil {
		m.metrics.SetCredentialsStored(len(ids))
	}
	return reports
}
