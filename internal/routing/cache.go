// Package routing maps devices to the connector and transport endpoint used to
// reach them. Entries are immutable snapshots; a refresh swaps in a new entry
// rather than mutating the old one, so readers never observe a torn route.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/edgefix/edgefix/internal/metrics"
)

// ErrRouteMiss is returned when no usable connector mapping exists for a device.
var ErrRouteMiss = errors.New("no route")

const fetchRetryPause = 100 * time.Millisecond

// Entry is a cached device route.
type Entry struct {
	DeviceID    string        `json:"device_id"`
	ConnectorID string        `json:"connector_id"`
	Endpoint    string        `json:"endpoint"`
	FetchedAt   time.Time     `json:"fetched_at"`
	TTL         time.Duration `json:"ttl"`
	StaleUntil  time.Time     `json:"stale_until"`
}

// Fresh reports whether the entry is within its TTL at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.FetchedAt.Add(e.TTL))
}

// Usable reports whether the entry may still be served at now, fresh or stale.
func (e Entry) Usable(now time.Time) bool {
	return now.Before(e.StaleUntil)
}

// Options configures a Cache.
type Options struct {
	TTL            time.Duration
	StaleExtension time.Duration
	FetchTimeout   time.Duration
	FetchAttempts  int
}

// Cache serves device routes with stale-while-revalidate semantics.
type Cache struct {
	dir     Directory
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	entries map[string]*Entry

	group singleflight.Group
	wg    sync.WaitGroup // background refreshes
	now   func() time.Time
}

// NewCache creates a cache in front of dir.
func NewCache(dir Directory, opts Options, m *metrics.Metrics, log zerolog.Logger) *Cache {
	if opts.FetchAttempts < 1 {
		opts.FetchAttempts = 1
	}
	return &Cache{
		dir:     dir,
		opts:    opts,
		log:     log.With().Str("component", "route-cache").Logger(),
		metrics: m,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Resolve returns the route for deviceID. Fresh entries are returned
// immediately; stale-but-usable entries are returned immediately while a
// background refresh runs. Only a missing or unusable entry blocks, bounded by
// the fetch timeout, and a failed fetch yields ErrRouteMiss.
func (c *Cache) Resolve(ctx context.Context, deviceID string) (Entry, error) {
	now := c.now()

	if e := c.get(deviceID); e != nil {
		if e.Fresh(now) {
			c.metrics.RouteLookup("fresh")
			return *e, nil
		}
		if e.Usable(now) {
			c.metrics.RouteLookup("stale")
			c.refreshAsync(deviceID)
			return *e, nil
		}
	}

	select {
	case r := <-c.refresh(deviceID):
		if r.Err != nil {
			c.metrics.RouteLookup("miss")
			return Entry{}, fmt.Errorf("%w: device %s: %v", ErrRouteMiss, deviceID, r.Err)
		}
		c.metrics.RouteLookup("fetched")
		return r.Val.(Entry), nil
	case <-ctx.Done():
		c.metrics.RouteLookup("miss")
		return Entry{}, fmt.Errorf("%w: device %s: %v", ErrRouteMiss, deviceID, ctx.Err())
	}
}

// Invalidate drops the cached entry for deviceID.
func (c *Cache) Invalidate(deviceID string) {
	c.mu.Lock()
	delete(c.entries, deviceID)
	c.mu.Unlock()
}

// Prune removes entries past their stale window and returns how many were dropped.
func (c *Cache) Prune() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, e := range c.entries {
		if !e.Usable(now) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) get(deviceID string) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[deviceID]
}

// refresh starts (or joins) the single in-flight fetch for deviceID. The fetch
// runs detached from any caller so an abandoned Resolve never cancels it.
func (c *Cache) refresh(deviceID string) <-chan singleflight.Result {
	return c.group.DoChan(deviceID, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.FetchTimeout)
		defer cancel()
		return c.load(ctx, deviceID)
	})
}

// Wait blocks until background refreshes have finished.
func (c *Cache) Wait() {
	c.wg.Wait()
}

func (c *Cache) refreshAsync(deviceID string) {
	ch := c.refresh(deviceID)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if r := <-ch; r.Err != nil {
			c.log.Warn().
				Err(r.Err).
				Str("device_id", deviceID).
				Msg("background route refresh failed, serving stale entry")
		}
	}()
}

func (c *Cache) load(ctx context.Context, deviceID string) (Entry, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.FetchAttempts; attempt++ {
		ep, err := c.dir.Lookup(ctx, deviceID)
		if err == nil {
			return c.store(deviceID, ep), nil
		}
		lastErr = err

		c.log.Debug().
			Err(err).
			Str("device_id", deviceID).
			Int("attempt", attempt).
			Msg("directory lookup failed")

		if errors.Is(err, ErrUnknownDevice) || attempt == c.opts.FetchAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-time.After(fetchRetryPause):
		}
	}
	return Entry{}, lastErr
}

func (c *Cache) store(deviceID string, ep Endpoint) Entry {
	now := c.now()
	e := &Entry{
		DeviceID:    deviceID,
		ConnectorID: ep.ConnectorID,
		Endpoint:    ep.Address,
		FetchedAt:   now,
		TTL:         c.opts.TTL,
		StaleUntil:  now.Add(c.opts.TTL + c.opts.StaleExtension),
	}
	c.mu.Lock()
	c.entries[deviceID] = e
	c.mu.Unlock()
	return *e
}
