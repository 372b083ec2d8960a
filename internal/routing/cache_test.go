package routing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDirectory answers lookups from a map and can be switched to failing or slow.
type fakeDirectory struct {
	mu      sync.Mutex
	routes  map[string]Endpoint
	err     error
	block   chan struct{}
	lookups int32
}

func (f *fakeDirectory) Lookup(ctx context.Context, deviceID string) (Endpoint, error) {
	atomic.AddInt32(&f.lookups, 1)
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Endpoint{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Endpoint{}, f.err
	}
	ep, ok := f.routes[deviceID]
	if !ok {
		return Endpoint{}, ErrUnknownDevice
	}
	return ep, nil
}

func (f *fakeDirectory) set(deviceID string, ep Endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[deviceID] = ep
}

func (f *fakeDirectory) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeDirectory) count() int {
	return int(atomic.LoadInt32(&f.lookups))
}

func newTestCache(dir Directory, now *time.Time) *Cache {
	c := NewCache(dir, Options{
		TTL:            time.Minute,
		StaleExtension: 5 * time.Minute,
		FetchTimeout:   time.Second,
		FetchAttempts:  2,
	}, nil, zerolog.Nop())
	c.now = func() time.Time { return *now }
	return c
}

func TestResolve_FetchesOnMissThenServesFresh(t *testing.T) {
	now := time.Now()
	dir := &fakeDirectory{routes: map[string]Endpoint{
		"dev-1": {ConnectorID: "hub-1", Address: "hub-1:9339"},
	}}
	c := newTestCache(dir, &now)

	e, err := c.Resolve(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "hub-1", e.ConnectorID)
	assert.Equal(t, "hub-1:9339", e.Endpoint)
	assert.Equal(t, now.Add(6*time.Minute), e.StaleUntil)

	_, err = c.Resolve(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 1, dir.count(), "fresh entry must not hit the directory")
}

func TestResolve_StaleServedWithoutBlocking(t *testing.T) {
	now := time.Now()
	dir := &fakeDirectory{routes: map[string]Endpoint{
		"dev-1": {ConnectorID: "hub-1", Address: "hub-1:9339"},
	}}
	c := newTestCache(dir, &now)

	_, err := c.Resolve(context.Background(), "dev-1")
	require.NoError(t, err)

	// Directory now hangs; a stale entry must still come back immediately.
	release := make(chan struct{})
	dir.mu.Lock()
	dir.block = release
	dir.mu.Unlock()
	dir.set("dev-1", Endpoint{ConnectorID: "hub-2", Address: "hub-2:9339"})

	now = now.Add(2 * time.Minute)
	start := time.Now()
	e, err := c.Resolve(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, "hub-1", e.ConnectorID)

	close(release)
	c.Wait()

	e, err = c.Resolve(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "hub-2", e.ConnectorID, "background refresh swaps in the new route")
}

func TestResolve_FailedRefreshKeepsStaleUntilStaleUntil(t *testing.T) {
	now := time.Now()
	dir := &fakeDirectory{routes: map[string]Endpoint{
		"dev-1": {ConnectorID: "hub-1", Address: "hub-1:9339"},
	}}
	c := newTestCache(dir, &now)

	_, err := c.Resolve(context.Background(), "dev-1")
	require.NoError(t, err)

	dir.fail(errors.New("directory unreachable"))

	now = now.Add(3 * time.Minute)
	e, err := c.Resolve(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "hub-1", e.ConnectorID)
	c.Wait()

	now = now.Add(4 * time.Minute) // past StaleUntil
	_, err = c.Resolve(context.Background(), "dev-1")
	assert.ErrorIs(t, err, ErrRouteMiss)
}

func TestResolve_NoEntryDirectoryDownIsRouteMiss(t *testing.T) {
	now := time.Now()
	dir := &fakeDirectory{routes: map[string]Endpoint{}}
	dir.fail(errors.New("connection refused"))
	c := newTestCache(dir, &now)

	_, err := c.Resolve(context.Background(), "dev-1")
	assert.ErrorIs(t, err, ErrRouteMiss)
	assert.Equal(t, 2, dir.count(), "blocking fetch retries up to fetch attempts")
}

func TestResolve_UnknownDeviceNotRetried(t *testing.T) {
	now := time.Now()
	dir := &fakeDirectory{routes: map[string]Endpoint{}}
	c := newTestCache(dir, &now)

	_, err := c.Resolve(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrRouteMiss)
	assert.Equal(t, 1, dir.count())
}

func TestResolve_CallerContextBoundsBlockingFetch(t *testing.T) {
	now := time.Now()
	dir := &fakeDirectory{routes: map[string]Endpoint{}, block: make(chan struct{})}
	c := newTestCache(dir, &now)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Resolve(ctx, "dev-1")
	assert.ErrorIs(t, err, ErrRouteMiss)
	close(dir.block)
}

func TestInvalidateAndPrune(t *testing.T) {
	now := time.Now()
	dir := &fakeDirectory{routes: map[string]Endpoint{
		"dev-1": {ConnectorID: "hub-1", Address: "a:1"},
		"dev-2": {ConnectorID: "hub-1", Address: "a:1"},
	}}
	c := newTestCache(dir, &now)

	for _, id := range []string{"dev-1", "dev-2"} {
		_, err := c.Resolve(context.Background(), id)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())

	c.Invalidate("dev-1")
	assert.Equal(t, 1, c.Len())

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, 0, c.Len())
}
