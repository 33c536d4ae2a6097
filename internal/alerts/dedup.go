package alerts

import (
	"sync"
	"time"
)

// dedupStore remembers recently sent alerts so the same condition does
// not page the operator repeatedly inside the window.
type dedupStore struct {
	mu     sync.Mutex
	sentAt map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func newDedupStore(window time.Duration) *dedupStore {
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &dedupStore{
		sentAt: make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// shouldSend reports whether an alert with this key may go out, and
// records it as sent if so.
func (d *dedupStore) shouldSend(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if sent, ok := d.sentAt[key]; ok && now.Sub(sent) < d.window {
		return false
	}
	d.sentAt[key] = now

	// Drop stale entries opportunistically so the map stays bounded.
	for k, t := range d.sentAt {
		if now.Sub(t) >= d.window {
			delete(d.sentAt, k)
		}
	}
	return true
}
