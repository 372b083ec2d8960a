// Package lease guarantees at most one in-flight resolution attempt per device.
//
// Every lease carries a fencing token drawn from a monotonically increasing
// counter. Holders must check Valid before acting on a command result so that
// a late response from a reclaimed attempt is discarded.
package lease

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrLeaseBusy is returned when another attempt holds the device lease.
	ErrLeaseBusy = errors.New("device busy")
	// ErrLeaseExpired is returned when a lease is no longer held by its token.
	ErrLeaseExpired = errors.New("lease expired")
)

// Lease grants one attempt sole rights to act on a device until ExpiresAt.
type Lease struct {
	DeviceID   string    `json:"device_id"`
	AlertID    string    `json:"alert_id"`
	Token      uint64    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease has passed its hard ceiling at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Tracker holds the live device leases.
type Tracker struct {
	log    zerolog.Logger
	mu     sync.Mutex
	leases map[string]Lease // device id -> lease
	token  uint64
	now    func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker(log zerolog.Logger) *Tracker {
	return &Tracker{
		log:    log.With().Str("component", "lease-tracker").Logger(),
		leases: make(map[string]Lease),
		now:    time.Now,
	}
}

// TryAcquire grants a lease on deviceID to alertID for ttl. It returns
// ErrLeaseBusy while any lease exists for the device, including one past its
// expiry that has not been reclaimed yet.
func (t *Tracker) TryAcquire(deviceID, alertID string, ttl time.Duration) (Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if held, ok := t.leases[deviceID]; ok {
		t.log.Debug().
			Str("device_id", deviceID).
			Str("alert_id", alertID).
			Str("holder", held.AlertID).
			Msg("lease busy")
		return Lease{}, ErrLeaseBusy
	}

	now := t.now()
	t.token++
	l := Lease{
		DeviceID:   deviceID,
		AlertID:    alertID,
		Token:      t.token,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	t.leases[deviceID] = l
	return l, nil
}

// Release gives the lease back. Only the current holder may release, and only
// before expiry; an expired lease is left for ReclaimExpired.
func (t *Tracker) Release(l Lease) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	held, ok := t.leases[l.DeviceID]
	if !ok || held.Token != l.Token || held.Expired(t.now()) {
		return ErrLeaseExpired
	}
	delete(t.leases, l.DeviceID)
	return nil
}

// Valid reports whether l is still the live, unexpired lease for its device.
func (t *Tracker) Valid(l Lease) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	held, ok := t.leases[l.DeviceID]
	return ok && held.Token == l.Token && !held.Expired(t.now())
}

// ReclaimExpired removes and returns every lease past its expiry.
// Only the scheduler calls this.
func (t *Tracker) ReclaimExpired() []Lease {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var reclaimed []Lease
	for device, l := range t.leases {
		if l.Expired(now) {
			delete(t.leases, device)
			reclaimed = append(reclaimed, l)
		}
	}
	for _, l := range reclaimed {
		t.log.Warn().
			Str("device_id", l.DeviceID).
			Str("alert_id", l.AlertID).
			Uint64("token", l.Token).
			Time("expired_at", l.ExpiresAt).
			Msg("reclaimed expired lease")
	}
	return reclaimed
}

// Active returns the live leases ordered by device id.
func (t *Tracker) Active() []Lease {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Lease, 0, len(t.leases))
	for _, l := range t.leases {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
