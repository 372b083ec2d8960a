// Package scheduler runs the single periodic sweep that reclaims expired
// leases, dispatches due alerts and polls the durable intake queue. It is
// the only caller of lease.Tracker.ReclaimExpired.
package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgefix/edgefix/internal/lease"
	"github.com/edgefix/edgefix/internal/metrics"
	"github.com/edgefix/edgefix/internal/types"
)

// Engine is the resolver surface the sweep drives.
type Engine interface {
	Due(now time.Time) []string
	Dispatch(alertID string) bool
	Expire(l lease.Lease) bool
	PruneClosed(cutoff time.Time) int
}

// Reclaimer hands back leases past their hard ceiling.
type Reclaimer interface {
	ReclaimExpired() []lease.Lease
}

// Source is a durable alert queue.
type Source interface {
	Poll(ctx context.Context) ([]types.Alert, error)
}

// Acceptor takes polled alerts.
type Acceptor interface {
	Accept(alert types.Alert) (bool, error)
	Cleanup() int
}

// Pruner drops stale cache entries.
type Pruner interface {
	Prune() int
}

// Options tunes the sweep.
type Options struct {
	Interval  time.Duration
	Jitter    time.Duration
	Retention time.Duration
}

// Report summarizes one sweep.
type Report struct {
	Reclaimed  int
	Expired    int
	Dispatched int
	Deferred   int
	Polled     int
	Accepted   int
	Pruned     int
	Archived   int
}

// Scheduler owns the sweep loop.
type Scheduler struct {
	opts    Options
	engine  Engine
	leases  Reclaimer
	intake  Acceptor
	source  Source
	routes  Pruner
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
	rand    *rand.Rand
}

// New creates a scheduler. intake, source and routes may be nil.
func New(opts Options, engine Engine, leases Reclaimer, intake Acceptor, source Source, routes Pruner, m *metrics.Metrics, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		opts:    opts,
		engine:  engine,
		leases:  leases,
		intake:  intake,
		source:  source,
		routes:  routes,
		metrics: m,
		log:     log.With().Str("component", "scheduler").Logger(),
		now:     time.Now,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run sweeps every Interval ± Jitter until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().
		Dur("interval", s.opts.Interval).
		Dur("jitter", s.opts.Jitter).
		Msg("scheduler started")

	timer := time.NewTimer(s.next())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return
		case <-timer.C:
			s.Sweep(ctx)
			timer.Reset(s.next())
		}
	}
}

// next returns the jittered delay before the following sweep.
func (s *Scheduler) next() time.Duration {
	if s.opts.Jitter <= 0 {
		return s.opts.Interval
	}
	offset := time.Duration(s.rand.Int63n(int64(2*s.opts.Jitter)+1)) - s.opts.Jitter
	d := s.opts.Interval + offset
	if d <= 0 {
		d = s.opts.Interval
	}
	return d
}

// Sweep runs one pass: reclaim, poll, dispatch, prune.
func (s *Scheduler) Sweep(ctx context.Context) Report {
	var r Report
	now := s.now()

	for _, l := range s.leases.ReclaimExpired() {
		r.Reclaimed++
		s.metrics.LeaseReclaimed()
		if s.engine.Expire(l) {
			r.Expired++
		}
	}

	if s.source != nil && s.intake != nil {
		alerts, err := s.source.Poll(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("intake poll failed")
		}
		for _, a := range alerts {
			r.Polled++
			ok, err := s.intake.Accept(a)
			if err != nil {
				s.log.Warn().Err(err).Str("alert_id", a.ID).Msg("queued alert rejected")
				continue
			}
			if ok {
				r.Accepted++
			}
		}
	}

	for _, id := range s.engine.Due(now) {
		if s.engine.Dispatch(id) {
			r.Dispatched++
		} else {
			// workers are saturated; the alert stays due for the next sweep
			r.Deferred++
		}
	}

	if s.routes != nil {
		r.Pruned += s.routes.Prune()
	}
	if s.intake != nil {
		r.Pruned += s.intake.Cleanup()
	}
	if s.opts.Retention > 0 {
		r.Archived = s.engine.PruneClosed(now.Add(-s.opts.Retention))
	}

	if r != (Report{}) {
		s.log.Debug().
			Int("reclaimed", r.Reclaimed).
			Int("expired", r.Expired).
			Int("polled", r.Polled).
			Int("accepted", r.Accepted).
			Int("dispatched", r.Dispatched).
			Int("deferred", r.Deferred).
			Int("pruned", r.Pruned).
			Int("archived", r.Archived).
			Msg("sweep finished")
	}
	return r
}
