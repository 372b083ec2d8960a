// Package resolver drives alerts through their remedy ladder.
//
// Each attempt walks Pending → Leasing → Routing → Probing → Remediating and
// ends in exactly one of Resolved, Failed or Skipped. The device lease is the
// only cross-attempt serialization point; every command result is checked
// against the lease's fencing token before it is interpreted.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edgefix/edgefix/internal/command"
	"github.com/edgefix/edgefix/internal/config"
	"github.com/edgefix/edgefix/internal/history"
	"github.com/edgefix/edgefix/internal/ladder"
	"github.com/edgefix/edgefix/internal/lease"
	"github.com/edgefix/edgefix/internal/metrics"
	"github.com/edgefix/edgefix/internal/routing"
	"github.com/edgefix/edgefix/internal/types"
)

const historyTimeout = 5 * time.Second

var (
	ErrUnknownAlert   = errors.New("unknown alert")
	ErrAttemptRunning = errors.New("attempt already running")
	ErrAlertClosed    = errors.New("alert has no attempts left")
	ErrInvalidAlert   = errors.New("invalid alert")
)

// Reasons recorded on terminal attempts.
const (
	ReasonDeviceBusy   = "device busy"
	ReasonNoRoute      = "no route"
	ReasonLeaseExpired = "lease expired"
	ReasonExhausted    = "remedy ladder exhausted"
	ReasonCancelled    = "attempt cancelled"
)

// Router resolves a device to its connector endpoint.
type Router interface {
	Resolve(ctx context.Context, deviceID string) (routing.Entry, error)
}

// Ladders hands out remedy ladders by alert type.
type Ladders interface {
	LadderFor(alertType types.AlertType) (ladder.Ladder, error)
}

// OutcomeSink receives terminal outcomes. Emit must not block.
type OutcomeSink interface {
	Emit(o types.Outcome)
}

// Options tunes the engine.
type Options struct {
	Workers        int
	LeaseTTL       time.Duration
	OnBusy         string
	RequeueDelay   time.Duration
	CommandTimeout time.Duration
	MaxAttempts    int
	PendingGrace   time.Duration
	Backoff        Backoff
}

// OptionsFromConfig maps engine.yaml onto Options.
func OptionsFromConfig(cfg config.EngineConfig) Options {
	return Options{
		Workers:        cfg.Workers,
		LeaseTTL:       cfg.Lease.TTL,
		OnBusy:         cfg.Lease.OnBusy,
		RequeueDelay:   cfg.Lease.RequeueDelay,
		CommandTimeout: cfg.Commands.Timeout,
		MaxAttempts:    cfg.Attempts.Max,
		PendingGrace:   cfg.Scheduler.PendingGrace,
		Backoff: Backoff{
			Base:   cfg.Backoff.Base,
			Max:    cfg.Backoff.Max,
			Jitter: cfg.Backoff.Jitter,
		},
	}
}

// Record is a point-in-time view of an alert held by the engine.
type Record struct {
	Alert         types.Alert    `json:"alert"`
	State         types.State    `json:"state"`
	Reason        string         `json:"reason,omitempty"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	Closed        bool           `json:"closed"`
	Current       *types.Attempt `json:"current,omitempty"`
}

type record struct {
	alert    types.Alert
	state    types.State
	reason   string
	nextAt   time.Time // zero while running or closed
	running  bool
	queued   bool
	closed   bool
	closedAt time.Time
	token    uint64 // lease token of the running attempt
	current  *types.Attempt
}

// Engine is the resolution orchestrator.
type Engine struct {
	opts    Options
	log     zerolog.Logger
	tracker *lease.Tracker
	routes  Router
	ladders Ladders
	client  command.Client
	history history.Store
	sink    OutcomeSink
	metrics *metrics.Metrics

	mu       sync.Mutex
	alerts   map[string]*record
	archived map[string]int // alert id -> attempt count when pruned
	queue    chan string
	now      func() time.Time
}

// NewEngine wires an engine. history defaults to an in-memory log and sink
// and metrics may be nil.
func NewEngine(opts Options, tracker *lease.Tracker, routes Router, ladders Ladders, client command.Client,
	store history.Store, sink OutcomeSink, m *metrics.Metrics, log zerolog.Logger) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = config.DefaultWorkers
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = config.DefaultLeaseTTL
	}
	if opts.OnBusy == "" {
		opts.OnBusy = config.OnBusySkip
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = config.DefaultCommandTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = config.DefaultMaxAttempts
	}
	if store == nil {
		store = history.NewMemoryStore()
	}
	return &Engine{
		opts:     opts,
		log:      log.With().Str("component", "resolver").Logger(),
		tracker:  tracker,
		routes:   routes,
		ladders:  ladders,
		client:   client,
		history:  store,
		sink:     sink,
		metrics:  m,
		alerts:   make(map[string]*record),
		archived: make(map[string]int),
		queue:    make(chan string, opts.Workers*4),
		now:      time.Now,
	}
}

// Submit accepts an alert. Delivery is at-least-once: an alert id already
// known with the same or a higher attempt count is a duplicate and Submit
// returns false. That includes alerts archived by PruneClosed and alerts
// whose attempts are already in the history store. New alerts are dispatched
// to the workers right away; if the queue is full the scheduler picks them up
// after the pending grace.
func (e *Engine) Submit(alert types.Alert) (bool, error) {
	if alert.ID == "" || alert.DeviceID == "" || alert.Type == "" {
		return false, fmt.Errorf("%w: alert_id, device_id and alert_type are required", ErrInvalidAlert)
	}
	if alert.AttemptCount < 0 {
		return false, fmt.Errorf("%w: attempt_count must be >= 0", ErrInvalidAlert)
	}
	if alert.AttemptCount >= e.opts.MaxAttempts {
		return false, fmt.Errorf("%w: %d of %d attempts used", ErrAlertClosed, alert.AttemptCount, e.opts.MaxAttempts)
	}

	now := e.now()
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = now
	}

	e.mu.Lock()
	_, exists := e.alerts[alert.ID]
	e.mu.Unlock()
	recorded := 0
	if !exists {
		recorded = e.recordedAttempts(alert.ID)
	}

	e.mu.Lock()
	rec, exists := e.alerts[alert.ID]
	switch {
	case !exists && recorded > 0 && alert.AttemptCount <= recorded:
		e.mu.Unlock()
		e.log.Debug().
			Str("alert_id", alert.ID).
			Int("attempt_count", alert.AttemptCount).
			Int("recorded_attempts", recorded).
			Msg("duplicate delivery of a finished alert")
		return false, nil
	case !exists:
		rec = &record{alert: alert, state: types.StatePending, nextAt: now.Add(e.opts.PendingGrace)}
		e.alerts[alert.ID] = rec
	case rec.running || alert.AttemptCount <= rec.alert.AttemptCount:
		e.mu.Unlock()
		e.log.Debug().
			Str("alert_id", alert.ID).
			Int("attempt_count", alert.AttemptCount).
			Msg("duplicate alert delivery")
		return false, nil
	default:
		// the source has seen more attempts than we have; adopt its count
		rec.alert.AttemptCount = alert.AttemptCount
		rec.state = types.StatePending
		rec.reason = ""
		rec.closed = false
		rec.nextAt = now.Add(e.opts.PendingGrace)
	}
	e.mu.Unlock()

	e.log.Info().
		Str("alert_id", alert.ID).
		Str("device_id", alert.DeviceID).
		Str("alert_type", string(alert.Type)).
		Int("attempt_count", alert.AttemptCount).
		Msg("alert accepted")

	e.Dispatch(alert.ID)
	return true, nil
}

// recordedAttempts returns the highest attempt number already recorded for an
// alert the engine does not hold, from its archive tombstone or the history
// store.
func (e *Engine) recordedAttempts(alertID string) int {
	e.mu.Lock()
	n, ok := e.archived[alertID]
	e.mu.Unlock()
	if ok {
		return n
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	attempts, err := e.history.Attempts(ctx, alertID)
	if err != nil {
		e.log.Warn().Err(err).Str("alert_id", alertID).Msg("failed to read attempt history")
		return 0
	}
	for _, a := range attempts {
		if a.Number > n {
			n = a.Number
		}
	}
	return n
}

// Dispatch hands an idle alert to the worker pool without blocking. It
// returns false when the alert is unknown, busy, closed or the queue is full.
func (e *Engine) Dispatch(alertID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.alerts[alertID]
	if !ok || rec.running || rec.queued || rec.closed {
		return false
	}
	select {
	case e.queue <- alertID:
		rec.queued = true
		return true
	default:
		return false
	}
}

// Due returns idle alerts whose pending grace, requeue delay or retry
// backoff has passed at now, oldest first.
func (e *Engine) Due(now time.Time) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	type due struct {
		id string
		at time.Time
	}
	var list []due
	for id, rec := range e.alerts {
		if rec.running || rec.queued || rec.closed || rec.nextAt.IsZero() {
			continue
		}
		if !now.Before(rec.nextAt) {
			list = append(list, due{id: id, at: rec.nextAt})
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].at.Before(list[j].at) })

	out := make([]string, len(list))
	for i, d := range list {
		out[i] = d.id
	}
	return out
}

// Run starts the workers and blocks until ctx is cancelled and every
// running attempt has finished.
func (e *Engine) Run(ctx context.Context) {
	e.log.Info().Int("workers", e.opts.Workers).Msg("resolver started")

	var wg sync.WaitGroup
	for i := 0; i < e.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(ctx)
		}()
	}
	wg.Wait()

	e.log.Info().Msg("resolver stopped")
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			e.runQueued(ctx, id)
		}
	}
}

func (e *Engine) runQueued(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("alert_id", id).Msg("attempt panicked")
		}
	}()
	if _, err := e.Attempt(ctx, id); err != nil {
		e.log.Debug().Err(err).Str("alert_id", id).Msg("attempt not completed")
	}
}

// Attempt runs one resolution attempt for alertID and returns the terminal
// attempt record. It returns lease.ErrLeaseBusy when the device is busy and
// the busy policy is requeue, and lease.ErrLeaseExpired when the attempt
// lost its lease; the scheduler records that attempt when it reclaims the
// lease. A panic while the lease is held fails the attempt with an internal
// error.
func (e *Engine) Attempt(ctx context.Context, alertID string) (result types.Attempt, err error) {
	e.mu.Lock()
	rec, ok := e.alerts[alertID]
	switch {
	case !ok:
		e.mu.Unlock()
		return types.Attempt{}, ErrUnknownAlert
	case rec.running:
		e.mu.Unlock()
		return types.Attempt{}, ErrAttemptRunning
	case rec.closed:
		rec.queued = false
		e.mu.Unlock()
		return types.Attempt{}, ErrAlertClosed
	}
	rec.running = true
	rec.queued = false
	rec.nextAt = time.Time{}
	rec.state = types.StateLeasing
	alert := rec.alert
	e.mu.Unlock()

	att := types.Attempt{
		AlertID:   alert.ID,
		DeviceID:  alert.DeviceID,
		Number:    alert.AttemptCount + 1,
		State:     types.StateLeasing,
		StartedAt: e.now(),
	}
	log := e.log.With().
		Str("alert_id", alert.ID).
		Str("device_id", alert.DeviceID).
		Int("attempt", att.Number).
		Logger()

	l, lerr := e.tracker.TryAcquire(alert.DeviceID, alert.ID, e.opts.LeaseTTL)
	if lerr != nil {
		if e.opts.OnBusy == config.OnBusyRequeue {
			e.requeue(rec)
			log.Debug().Dur("delay", e.opts.RequeueDelay).Msg("device busy, requeued")
			return types.Attempt{}, lerr
		}
		return e.complete(rec, att, types.StateSkipped, ReasonDeviceBusy, log), nil
	}

	att.LeaseToken = l.Token
	e.mu.Lock()
	rec.token = l.Token
	e.mu.Unlock()
	e.metrics.InflightAdd(1)

	released := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if released {
			panic(r)
		}
		log.Error().Interface("panic", r).Uint64("token", l.Token).Msg("attempt panicked")
		if rerr := e.tracker.Release(l); rerr != nil {
			// already expired; the reclaiming sweep records it
			result, err = att, rerr
			return
		}
		result, err = e.complete(rec, att, types.StateFailed, fmt.Sprintf("internal error: %v", r), log), nil
	}()

	attemptCtx, cancel := context.WithDeadline(ctx, l.ExpiresAt)
	defer cancel()

	state, reason, fenced := e.drive(attemptCtx, l, alert, &att, rec, log)
	if fenced {
		released = true
		log.Warn().Uint64("token", l.Token).Msg("lease lost, discarding attempt result")
		return att, lease.ErrLeaseExpired
	}

	released = true
	if err := e.tracker.Release(l); err != nil {
		// expired after the last step; the reclaiming sweep records it
		log.Warn().Err(err).Uint64("token", l.Token).Msg("lease expired before release")
		return att, err
	}
	return e.complete(rec, att, state, reason, log), nil
}

// drive walks the routing and ladder states. fenced reports that the lease
// was lost and nothing must be recorded.
func (e *Engine) drive(ctx context.Context, l lease.Lease, alert types.Alert, att *types.Attempt, rec *record, log zerolog.Logger) (state types.State, reason string, fenced bool) {
	e.advance(rec, att, types.StateRouting, 0, "")
	route, err := e.routes.Resolve(ctx, alert.DeviceID)
	if !e.tracker.Valid(l) {
		return "", "", true
	}
	if err != nil {
		if ctx.Err() != nil {
			return types.StateFailed, ReasonCancelled, false
		}
		log.Warn().Err(err).Msg("no route to device")
		return types.StateFailed, ReasonNoRoute, false
	}

	lad, err := e.ladders.LadderFor(alert.Type)
	if err != nil {
		log.Warn().Err(err).Msg("no remedy ladder")
		return types.StateSkipped, err.Error(), false
	}

	retries := make([]int, len(lad.Steps))
	var last command.Result
	for i := 0; i < len(lad.Steps); {
		step := lad.Steps[i]
		s := types.StateRemediating
		if i == 0 {
			s = types.StateProbing
		}
		e.advance(rec, att, s, i, step.Command)

		if ctx.Err() != nil {
			if !e.tracker.Valid(l) {
				return "", "", true
			}
			return types.StateFailed, ReasonCancelled, false
		}

		res := e.invoke(ctx, route, step)
		if !e.tracker.Valid(l) {
			log.Warn().
				Str("command", step.Command).
				Str("result", string(res.Kind)).
				Msg("late command result discarded")
			return "", "", true
		}
		last = res

		action := step.ActionFor(res.Kind)
		log.Debug().
			Str("state", string(s)).
			Str("command", step.Command).
			Str("result", string(res.Kind)).
			Str("action", string(action)).
			Msg("step finished")

		switch action {
		case ladder.ActionResolve:
			return types.StateResolved, fmt.Sprintf("%s %s", step.Command, res.Kind), false
		case ladder.ActionFail:
			return types.StateFailed, describe(step.Command, res), false
		case ladder.ActionRetry:
			if retries[i] < step.Retries {
				retries[i]++
				continue
			}
		}
		i++
	}
	return types.StateFailed, fmt.Sprintf("%s: last %s", ReasonExhausted, describe(att.Command, last)), false
}

// invoke calls the command client. A panic is reported as a transport error.
func (e *Engine) invoke(ctx context.Context, route routing.Entry, step ladder.Step) (res command.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = command.Result{Kind: command.TransportError, Detail: fmt.Sprintf("command client panic: %v", r)}
		}
	}()
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.opts.CommandTimeout
	}
	return e.client.Invoke(ctx, route, step.Command, step.Payload, timeout)
}

func describe(cmd string, res command.Result) string {
	if res.Detail == "" {
		return fmt.Sprintf("%s %s", cmd, res.Kind)
	}
	return fmt.Sprintf("%s %s: %s", cmd, res.Kind, res.Detail)
}

// advance moves the running attempt to state and publishes it on the record.
func (e *Engine) advance(rec *record, att *types.Attempt, state types.State, step int, cmd string) {
	att.State = state
	att.Step = step
	att.Command = cmd

	e.mu.Lock()
	defer e.mu.Unlock()
	if rec.token != att.LeaseToken {
		return
	}
	rec.state = state
	snapshot := *att
	rec.current = &snapshot
}

func (e *Engine) requeue(rec *record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec.running = false
	rec.state = types.StatePending
	rec.reason = ReasonDeviceBusy
	rec.nextAt = e.now().Add(e.opts.RequeueDelay)
}

// complete records a terminal attempt, schedules the next one if the ladder
// asks for it and emits the outcome.
func (e *Engine) complete(rec *record, att types.Attempt, state types.State, reason string, log zerolog.Logger) types.Attempt {
	now := e.now()
	att.State = state
	att.Reason = reason
	att.CompletedAt = &now
	status := types.StatusFor(state)

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	if err := e.history.Append(ctx, att); err != nil {
		log.Error().Err(err).Msg("failed to record attempt")
	}
	cancel()

	retry := e.retryable(rec.alert.Type, status)

	e.mu.Lock()
	rec.alert.AttemptCount = att.Number
	rec.running = false
	rec.token = 0
	rec.current = nil
	rec.state = state
	rec.reason = reason
	var next time.Time
	if retry && rec.alert.AttemptCount < e.opts.MaxAttempts {
		next = now.Add(e.opts.Backoff.Delay(rec.alert.AttemptCount, Seed(rec.alert.ID)))
		rec.nextAt = next
	} else {
		rec.nextAt = time.Time{}
		rec.closed = true
		rec.closedAt = now
	}
	alert := rec.alert
	e.mu.Unlock()

	if att.LeaseToken != 0 {
		e.metrics.InflightAdd(-1)
	}
	e.metrics.AttemptFinished(string(state))

	ev := log.Info().
		Str("state", string(state)).
		Str("reason", reason).
		Dur("duration", now.Sub(att.StartedAt))
	if !next.IsZero() {
		ev = ev.Time("next_attempt_at", next)
	}
	ev.Msg("attempt finished")

	if e.sink != nil {
		e.sink.Emit(types.Outcome{
			ID:            uuid.NewString(),
			AlertID:       alert.ID,
			DeviceID:      alert.DeviceID,
			AlertType:     alert.Type,
			AttemptNumber: att.Number,
			Status:        status,
			CompletedAt:   now,
			Reason:        reason,
		})
	}
	return att
}

// retryable reports whether an attempt ending in status earns a fresh
// attempt. Alert types without a ladder never retry.
func (e *Engine) retryable(alertType types.AlertType, status types.Status) bool {
	if status == types.StatusSuccess {
		return false
	}
	lad, err := e.ladders.LadderFor(alertType)
	if err != nil {
		return false
	}
	return lad.RetryOnStatus(status)
}

// Expire records a Failed "lease expired" attempt for a lease reclaimed by
// the scheduler. It returns false when the lease no longer backs a running
// attempt.
func (e *Engine) Expire(l lease.Lease) bool {
	e.mu.Lock()
	rec, ok := e.alerts[l.AlertID]
	if !ok || !rec.running || rec.token != l.Token {
		e.mu.Unlock()
		e.log.Debug().
			Str("alert_id", l.AlertID).
			Uint64("token", l.Token).
			Msg("reclaimed lease has no running attempt")
		return false
	}
	var att types.Attempt
	if rec.current != nil {
		att = *rec.current
	} else {
		att = types.Attempt{
			AlertID:    rec.alert.ID,
			DeviceID:   rec.alert.DeviceID,
			Number:     rec.alert.AttemptCount + 1,
			StartedAt:  l.AcquiredAt,
			LeaseToken: l.Token,
		}
	}
	// fence the attempt goroutine off the record
	rec.token = 0
	rec.current = nil
	e.mu.Unlock()

	e.complete(rec, att, types.StateFailed, ReasonLeaseExpired, e.log.With().
		Str("alert_id", l.AlertID).
		Str("device_id", l.DeviceID).
		Int("attempt", att.Number).
		Logger())
	return true
}

// Alert returns the engine's view of alertID.
func (e *Engine) Alert(alertID string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.alerts[alertID]
	if !ok {
		return Record{}, false
	}
	out := Record{
		Alert:  rec.alert,
		State:  rec.state,
		Reason: rec.reason,
		Closed: rec.closed,
	}
	if !rec.nextAt.IsZero() {
		next := rec.nextAt
		out.NextAttemptAt = &next
	}
	if rec.current != nil {
		cur := *rec.current
		out.Current = &cur
	}
	return out, true
}

// Attempts returns the recorded attempts for alertID in attempt order.
func (e *Engine) Attempts(ctx context.Context, alertID string) ([]types.Attempt, error) {
	return e.history.Attempts(ctx, alertID)
}

// Counts returns the number of known alerts per current state.
func (e *Engine) Counts() map[types.State]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[types.State]int)
	for _, rec := range e.alerts {
		out[rec.state]++
	}
	return out
}

// PruneClosed archives alerts closed before cutoff and returns how many
// were dropped. The final attempt count of each pruned alert is kept so a
// late redelivery is still recognised as a duplicate.
func (e *Engine) PruneClosed(cutoff time.Time) int {
	e.mu.Lock()
	var dropped []string
	for id, rec := range e.alerts {
		if rec.closed && rec.closedAt.Before(cutoff) {
			delete(e.alerts, id)
			e.archived[id] = rec.alert.AttemptCount
			dropped = append(dropped, id)
		}
	}
	e.mu.Unlock()

	if f, ok := e.history.(interface{ Forget(string) }); ok {
		for _, id := range dropped {
			f.Forget(id)
		}
	}
	return len(dropped)
}
