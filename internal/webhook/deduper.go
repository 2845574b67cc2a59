package webhook

import (
	"sync"
	"time"
)

// eventDeduper remembers event ids so that Slack retries of an event that
// was already queued are acknowledged without being queued again.
type eventDeduper struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func newEventDeduper(ttl time.Duration) *eventDeduper {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &eventDeduper{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// markIfNew returns true if the id has not been seen recently.
// When it returns true, the id is recorded with an expiry timestamp.
func (d *eventDeduper) markIfNew(id string) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Remove expired entries
	for key, expiry := range d.entries {
		if now.After(expiry) {
			delete(d.entries, key)
		}
	}

	if expiry, ok := d.entries[id]; ok && now.Before(expiry) {
		return false
	}

	d.entries[id] = now.Add(d.ttl)
	return true
}

// forget drops id so a later retry of the event is accepted again.
func (d *eventDeduper) forget(id string) {
	d.mu.Lock()
	delete(d.entries, id)
	d.mu.Unlock()
}
