// Package alerts notifies operators when a tenant loses its credential
// and a human has to re-run the authorization flow.
package alerts

import (
	"fmt"
	"time"

	"github.com/ledgergate/ledgergate/internal/logging"
	"github.com/ledgergate/ledgergate/internal/telegram"
)

// Notifier is what the request pipeline sees. The zero-value Nop is
// used when alerting is disabled.
type Notifier interface {
	CredentialRevoked(tenantID, reason string)
	RefreshDegraded(tenantID, reason string)
}

// Nop discards all alerts.
type Nop struct{}

func (Nop) CredentialRevoked(string, string) {}
func (Nop) RefreshDegraded(string, string)   {}

// Service sends deduplicated operator alerts through a telegram.Sender.
type Service struct {
	sender telegram.Sender
	dedup  *dedupStore
	logger *logging.Logger
}

// NewService creates an alert service. Alerts repeating within the
// dedup window are dropped.
func NewService(sender telegram.Sender, dedupWindow time.Duration, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &Service{
		sender: sender,
		dedup:  newDedupStore(dedupWindow),
		logger: logger,
	}
}

// CredentialRevoked alerts that a tenant's credential was deleted and
// re-authentication is required.
func (s *Service) CredentialRevoked(tenantID, reason string) {
	s.send("credential_revoked:"+tenantID,
		fmt.Sprintf("⚠️ *ledgergate*: credential for tenant `%s` was revoked (%s). Re-authentication required.", tenantID, reason))
}

// RefreshDegraded alerts that refreshes for a tenant keep failing
// transiently. The credential is still in place.
func (s *Service) RefreshDegraded(tenantID, reason string) {
	s.send("refresh_degraded:"+tenantID,
		fmt.Sprintf("🟡 *ledgergate*: token refresh for tenant `%s` is failing (%s). Credential preserved, will retry.", tenantID, reason))
}

func (s *Service) send(key, text string) {
	if !s.dedup.shouldSend(key) {
		return
	}
	if err := s.sender.Send(text); err != nil {
		s.logger.Warn("failed to deliver alert", "key", key, "error", err.Error())
	}
}

var _ Notifier = (*Service)(nil)
var _ Notifier = Nop{}
