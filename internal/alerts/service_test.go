package alerts

import (
	"testing"
	"time"

	"github.com/ledgergate/ledgergate/internal/logging"
	"github.com/stretchr/testify/assert"
)

type fakeSender struct {
	sent []string
}

func (f *fakeSender) Send(text string) error {
	f.sent = append(f.sent, text)
	return nil
}

func TestService_CredentialRevoked(t *testing.T) {
	sender := &fakeSender{}
	svc := NewService(sender, time.Minute, logging.NewLogger(logging.WithLevel(logging.LevelError)))

	svc.CredentialRevoked("co-1", "invalid_grant")

	assert.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0], "co-1")
	assert.Contains(t, sender.sent[0], "Re-authentication required")
}

func TestService_Deduplicates(t *testing.T) {
	sender := &fakeSender{}
	svc := NewService(sender, time.Hour, logging.NewLogger(logging.WithLevel(logging.LevelError)))

	svc.CredentialRevoked("co-1", "invalid_grant")
	svc.CredentialRevoked("co-1", "invalid_grant")
	svc.CredentialRevoked("co-2", "invalid_grant")

	assert.Len(t, sender.sent, 2, "repeat alert for the same tenant inside the window is dropped")
}

func TestDedupStore_WindowExpiry(t *testing.T) {
	d := newDedupStore(time.Minute)
	now := time.Unix(1_800_000_000, 0)
	d.now = func() time.Time { return now }

	assert.True(t, d.shouldSend("k"))
	assert.False(t, d.shouldSend("k"))

	now = now.Add(61 * time.Second)
	assert.True(t, d.shouldSend("k"), "alert may fire again once the window has passed")
}
