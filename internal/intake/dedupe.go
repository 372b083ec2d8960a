// Package intake accepts alerts from the push API and the durable queue and
// filters redeliveries before they reach the resolver.
package intake

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgefix/edgefix/internal/types"
)

// Deduper remembers recently seen (alert id, attempt count) pairs for a
// sliding window.
type Deduper struct {
	log    zerolog.Logger
	window time.Duration
	mu     sync.Mutex
	seen   map[string]time.Time // key: alert id|attempt count -> first seen
	now    func() time.Time
}

// NewDeduper creates a deduper with the given window.
func NewDeduper(log zerolog.Logger, window time.Duration) *Deduper {
	return &Deduper{
		log:    log.With().Str("component", "intake-dedupe").Logger(),
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

func dedupeKey(a types.Alert) string {
	return fmt.Sprintf("%s|%d", a.ID, a.AttemptCount)
}

// Seen records the alert and reports whether it was already seen within the window.
func (d *Deduper) Seen(a types.Alert) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	key := dedupeKey(a)
	if first, ok := d.seen[key]; ok && now.Sub(first) < d.window {
		d.log.Debug().Str("alert_id", a.ID).Int("attempt_count", a.AttemptCount).Msg("redelivery dropped")
		return true
	}
	d.seen[key] = now
	return false
}

// Forget removes an alert delivery so it can be accepted again.
func (d *Deduper) Forget(a types.Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, dedupeKey(a))
}

// Cleanup removes entries older than the window. Call periodically.
func (d *Deduper) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.window)
	removed := 0
	for key, first := range d.seen {
		if !first.After(cutoff) {
			delete(d.seen, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of remembered deliveries.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
