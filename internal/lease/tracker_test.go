package lease

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(now *time.Time) *Tracker {
	t := NewTracker(zerolog.Nop())
	t.now = func() time.Time { return *now }
	return t
}

func TestTryAcquire_SecondAcquireIsBusy(t *testing.T) {
	now := time.Now()
	tr := newTestTracker(&now)

	first, err := tr.TryAcquire("dev-1", "alert-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "alert-a", first.AlertID)
	assert.Equal(t, now.Add(time.Minute), first.ExpiresAt)

	_, err = tr.TryAcquire("dev-1", "alert-b", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseBusy)

	require.NoError(t, tr.Release(first))

	second, err := tr.TryAcquire("dev-1", "alert-b", time.Minute)
	require.NoError(t, err)
	assert.Greater(t, second.Token, first.Token)
}

func TestTryAcquire_DifferentDevicesIndependent(t *testing.T) {
	now := time.Now()
	tr := newTestTracker(&now)

	_, err := tr.TryAcquire("dev-1", "a", time.Minute)
	require.NoError(t, err)
	_, err = tr.TryAcquire("dev-2", "b", time.Minute)
	require.NoError(t, err)
	assert.Len(t, tr.Active(), 2)
}

func TestRelease_StaleTokenRejected(t *testing.T) {
	now := time.Now()
	tr := newTestTracker(&now)

	l, err := tr.TryAcquire("dev-1", "a", time.Minute)
	require.NoError(t, err)

	forged := l
	forged.Token++
	assert.ErrorIs(t, tr.Release(forged), ErrLeaseExpired)
	assert.True(t, tr.Valid(l))
}

func TestExpiredLease_OnlyReclaimFrees(t *testing.T) {
	now := time.Now()
	tr := newTestTracker(&now)

	l, err := tr.TryAcquire("dev-1", "a", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	assert.False(t, tr.Valid(l), "expired lease must fail the fence")
	assert.ErrorIs(t, tr.Release(l), ErrLeaseExpired)

	_, err = tr.TryAcquire("dev-1", "b", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseBusy, "expired lease blocks until reclaimed")

	reclaimed := tr.ReclaimExpired()
	require.Len(t, reclaimed, 1)
	assert.Equal(t, l.Token, reclaimed[0].Token)

	next, err := tr.TryAcquire("dev-1", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, tr.Valid(next))
	assert.False(t, tr.Valid(l))
}

func TestReclaimExpired_KeepsLiveLeases(t *testing.T) {
	now := time.Now()
	tr := newTestTracker(&now)

	_, err := tr.TryAcquire("dev-1", "a", time.Minute)
	require.NoError(t, err)
	_, err = tr.TryAcquire("dev-2", "b", 10*time.Minute)
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	reclaimed := tr.ReclaimExpired()
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "dev-1", reclaimed[0].DeviceID)
	assert.Len(t, tr.Active(), 1)
}

func TestConcurrentAcquire_AtMostOneHolder(t *testing.T) {
	tr := NewTracker(zerolog.Nop())

	var (
		holders int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l, err := tr.TryAcquire("dev-1", "alert", time.Minute)
				if err != nil {
					assert.ErrorIs(t, err, ErrLeaseBusy)
					continue
				}
				n := atomic.AddInt32(&holders, 1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				atomic.AddInt32(&holders, -1)
				assert.NoError(t, tr.Release(l))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
	assert.Empty(t, tr.Active())
}
