package resolver

import (
	"hash/fnv"
	"time"
)

// Backoff computes the delay before a fresh attempt:
// min(Max, min(Max, Base*2^n) * (1 ± Jitter)).
//
// The jitter factor is derived from a per-alert seed rather than drawn per
// call, so for a given alert the delay never shrinks as n grows.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Delay returns the wait after attemptCount completed attempts.
func (b Backoff) Delay(attemptCount int, seed uint64) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < attemptCount && d < b.Max; i++ {
		if d > b.Max/2 {
			d = b.Max
			break
		}
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}

	// r in [0, 1), fixed for the seed
	r := float64(seed%1_000_000) / 1_000_000
	factor := 1 + b.Jitter*(2*r-1)
	scaled := float64(d) * factor
	if scaled >= float64(b.Max) {
		return b.Max
	}
	if scaled < 0 {
		return 0
	}
	return time.Duration(scaled)
}

// Seed derives a stable jitter seed from an alert id.
func Seed(alertID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(alertID))
	return h.Sum64()
}
