package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgefix/edgefix/internal/metrics"
	"github.com/edgefix/edgefix/internal/types"
)

const (
	deliverTimeout = 15 * time.Second
	drainTimeout   = 5 * time.Second
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	QueueSize     int
	RetryAttempts int
	RetryDelay    time.Duration
}

// Dispatcher fans outcomes out to every sink from a bounded queue. Emit
// never blocks; failures are logged and retried a bounded number of times.
type Dispatcher struct {
	sinks   []Sink
	opts    DispatcherOptions
	log     zerolog.Logger
	metrics *metrics.Metrics
	queue   chan types.Outcome

	mu      sync.Mutex
	dropped int
}

// NewDispatcher creates a dispatcher for sinks.
func NewDispatcher(sinks []Sink, opts DispatcherOptions, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	return &Dispatcher{
		sinks:   sinks,
		opts:    opts,
		log:     log.With().Str("component", "notifier").Logger(),
		metrics: m,
		queue:   make(chan types.Outcome, opts.QueueSize),
	}
}

// Emit queues an outcome for delivery. When the queue is full the outcome
// is dropped and logged.
func (d *Dispatcher) Emit(o types.Outcome) {
	if len(d.sinks) == 0 {
		return
	}
	select {
	case d.queue <- o:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.log.Error().
			Str("alert_id", o.AlertID).
			Int("attempt", o.AttemptNumber).
			Str("status", string(o.Status)).
			Msg("outcome queue full, dropping outcome")
		for _, s := range d.sinks {
			d.metrics.OutcomeDelivered(s.Name(), "dropped")
		}
	}
}

// Dropped returns how many outcomes were dropped on a full queue.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Run delivers queued outcomes until ctx is cancelled, then makes one
// bounded pass over whatever is still queued.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case o := <-d.queue:
			d.deliver(ctx, o)
		case <-ctx.Done():
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case o := <-d.queue:
			for _, s := range d.sinks {
				d.try(ctx, s, o, 1)
			}
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, o types.Outcome) {
	for _, s := range d.sinks {
		d.deliverTo(ctx, s, o)
	}
}

// deliverTo retries one sink with a linearly growing pause.
func (d *Dispatcher) deliverTo(ctx context.Context, s Sink, o types.Outcome) {
	for attempt := 1; attempt <= d.opts.RetryAttempts; attempt++ {
		if d.try(ctx, s, o, attempt) {
			return
		}
		if attempt == d.opts.RetryAttempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * d.opts.RetryDelay):
		case <-ctx.Done():
			return
		}
	}
	d.log.Error().
		Str("sink", s.Name()).
		Str("alert_id", o.AlertID).
		Int("attempt", o.AttemptNumber).
		Msg("giving up on outcome delivery")
	d.metrics.OutcomeDelivered(s.Name(), "abandoned")
}

func (d *Dispatcher) try(ctx context.Context, s Sink, o types.Outcome, attempt int) bool {
	callCtx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	if err := s.Deliver(callCtx, o); err != nil {
		d.log.Warn().
			Err(err).
			Str("sink", s.Name()).
			Str("alert_id", o.AlertID).
			Int("delivery_attempt", attempt).
			Msg("outcome delivery failed")
		d.metrics.OutcomeDelivered(s.Name(), "error")
		return false
	}
	d.log.Info().
		Str("sink", s.Name()).
		Str("alert_id", o.AlertID).
		Str("status", string(o.Status)).
		Msg("outcome delivered")
	d.metrics.OutcomeDelivered(s.Name(), "ok")
	return true
}
