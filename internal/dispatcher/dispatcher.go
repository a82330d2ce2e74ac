// Package dispatcher delivers envelopes to a sink: it groups them by rendered
// destination key, batches them, writes each batch through a cached handle
// with timeout and retry, and fires every envelope's callback exactly once.
//
// Per key at most one batch is in flight, so envelopes for one key are
// written in submission order. Different keys are written concurrently up to
// the configured worker count.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"logship/internal/cache"
	"logship/internal/layout"
	"logship/internal/logger"
	"logship/internal/metrics"
	"logship/internal/models"
	"logship/internal/sink"
)

// ErrAlreadyStarted is returned by a second Start
var ErrAlreadyStarted = errors.New("dispatcher already started")

// ErrNotStarted is wrapped in the initialization error of a dispatcher closed
// before Start
var ErrNotStarted = errors.New("dispatcher closed before start")

type state int

const (
	stateNew state = iota
	stateRunning
	stateFailed
	stateClosing
	stateClosed
)

// Resolution outcomes, used as metric labels
const (
	outcomeDelivered = "delivered"
	outcomeFailed    = "failed"
	outcomeDropped   = "dropped"
	outcomeRejected  = "rejected"
	outcomeShutdown  = "shutdown"
)

// item is a buffered envelope with its admission order
type item struct {
	env *models.Envelope
	seq uint64
}

// bucket holds the buffered envelopes of one key
type bucket struct {
	key     string
	items   []item
	firstAt time.Time
	running bool
	limiter *rate.Limiter
	lastRun time.Time
}

type flushWaiter struct {
	epoch  uint64
	onDone func()
}

// Option is a functional option for configuring the dispatcher
type Option func(*Dispatcher)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithEvictHook observes handles leaving the resource cache
func WithEvictHook(fn func(key string, reason cache.EvictReason)) Option {
	return func(d *Dispatcher) { d.onEvict = fn }
}

// Dispatcher drives one sink
type Dispatcher struct {
	sink    sink.Sink
	name    string
	key     *layout.Layout
	cfg     Config
	cache   *cache.Cache[sink.Handle]
	now     func() time.Time
	onEvict func(key string, reason cache.EvictReason)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	space     *sync.Cond
	state     state
	initErr   error
	buckets   map[string]*bucket
	queued    int
	running   int
	admitted  uint64
	live      map[*models.Envelope]struct{}
	epoch     uint64
	flushUpTo uint64
	perEpoch  map[uint64]int
	waiters   []flushWaiter
	drained   chan struct{}

	wake  chan struct{}
	stop  chan struct{}
	abort chan struct{}
	wg    sync.WaitGroup

	// Stats
	submitted atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	attempts  atomic.Uint64
	retries   atomic.Uint64
	timeouts  atomic.Uint64
}

// New creates a dispatcher for s. keyLayout renders the destination key of
// every envelope at submission; nil sends everything to the empty key.
// Call Start before or after submitting; nothing is written until then.
func New(s sink.Sink, keyLayout *layout.Layout, cfg Config, opts ...Option) (*Dispatcher, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sink:     s,
		name:     s.Name(),
		key:      keyLayout,
		cfg:      cfg,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		buckets:  make(map[string]*bucket),
		live:     make(map[*models.Envelope]struct{}),
		perEpoch: make(map[uint64]int),
		drained:  make(chan struct{}),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		abort:    make(chan struct{}),
	}
	d.space = sync.NewCond(&d.mu)

	for _, opt := range opts {
		opt(d)
	}

	d.cache = cache.New(cache.Config{
		Name:        d.name,
		Capacity:    cfg.CacheCapacity,
		IdleTimeout: cfg.IdleTimeout,
		Bypass:      !cfg.KeepOpen,
		OnEvict:     d.onEvict,
		Now:         d.now,
	}, func(ctx context.Context, key string) (sink.Handle, error) {
		return d.sink.Open(ctx, key)
	})
	return d, nil
}

// Name returns the sink name
func (d *Dispatcher) Name() string {
	return d.name
}

// Start initializes the sink and, in background mode, starts the scheduling
// loop. An initialization failure is reported once here; from then on every
// envelope fails with the returned *models.InitializationError.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != stateNew {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.mu.Unlock()

	log := logger.WithSink("dispatcher", d.name)

	if err := d.sink.Init(ctx); err != nil {
		initErr := &models.InitializationError{Sink: d.name, Err: err}
		log.Error().Err(err).Msg("sink initialization failed")

		d.mu.Lock()
		d.initErr = initErr
		d.state = stateFailed
		buffered := d.takeAllLocked()
		d.space.Broadcast()
		d.mu.Unlock()

		for _, env := range buffered {
			d.resolve(env, initErr, outcomeFailed)
		}
		return initErr
	}

	d.mu.Lock()
	d.state = stateRunning
	d.mu.Unlock()

	log.Info().
		Str("mode", string(d.cfg.Mode)).
		Int("batch_size", d.cfg.BatchSize).
		Dur("batch_delay", d.cfg.BatchDelay).
		Int("workers", d.cfg.Workers).
		Msg("dispatcher started")

	if d.cfg.Mode == ModeBackground {
		d.wg.Add(1)
		go d.loop()
		d.signal()
	} else {
		d.drainSync()
	}
	return nil
}

// Err returns the initialization error once Start failed, nil otherwise
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initErr
}

// renderKey computes the destination key of an event
func (d *Dispatcher) renderKey(ev *models.LogEvent) (string, error) {
	if d.key == nil {
		return "", nil
	}
	return d.key.Render(ev)
}

// Submit hands an envelope over. Its callback fires exactly once: nil after a
// successful write, a discard by the overflow policy or a submission after
// Close; an error after the final failed attempt.
func (d *Dispatcher) Submit(env *models.Envelope) {
	d.submit([]*models.Envelope{env})
}

// SubmitBatch hands several envelopes over at once. They are grouped by key,
// keeping submission order within each key.
func (d *Dispatcher) SubmitBatch(envs []*models.Envelope) {
	d.submit(envs)
}

func (d *Dispatcher) submit(envs []*models.Envelope) {
	groups, order := d.bucketSort(envs)
	if len(order) == 0 {
		return
	}

	var later []resolution
	var inline []group

	d.mu.Lock()
	direct := d.cfg.Mode == ModeSync && d.state == stateRunning
	for _, key := range order {
		var admitted []*models.Envelope
		for _, env := range groups[key] {
			if d.admitLocked(env, key, !direct, &later) {
				admitted = append(admitted, env)
			}
		}
		if direct && len(admitted) > 0 {
			inline = append(inline, group{key: key, envs: admitted})
		}
	}
	d.mu.Unlock()

	for _, r := range later {
		d.resolve(r.env, r.err, r.outcome)
	}

	if !direct {
		d.signal()
		return
	}
	for _, g := range inline {
		d.deliverChunks(g.key, g.envs)
	}
}

type group struct {
	key  string
	envs []*models.Envelope
}

// resolution is a callback to fire once the lock is released
type resolution struct {
	env     *models.Envelope
	err     error
	outcome string
}

// bucketSort groups envelopes by rendered key, keys in first-seen order.
// Envelopes whose key cannot be rendered fail at once.
func (d *Dispatcher) bucketSort(envs []*models.Envelope) (map[string][]*models.Envelope, []string) {
	groups := make(map[string][]*models.Envelope)
	var order []string
	for _, env := range envs {
		if env == nil {
			continue
		}
		d.submitted.Add(1)
		metrics.EnvelopesSubmitted.WithLabelValues(d.name).Inc()

		key, err := d.renderKey(env.Event)
		if err != nil {
			log := logger.WithSink("dispatcher", d.name)
			log.Warn().
				Err(err).
				Str("event_id", env.Event.ID).
				Msg("cannot render destination key, dropping event")
			d.failed.Add(1)
			metrics.EnvelopesResolved.WithLabelValues(d.name, outcomeFailed).Inc()
			env.Complete(models.Permanent(fmt.Errorf("render key: %w", err)))
			continue
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], env)
	}
	return groups, order
}

// admitLocked accepts env under key, applying the overflow policy when it
// is buffered. It returns false when env was rejected instead; rejected and
// displaced envelopes are appended to later.
func (d *Dispatcher) admitLocked(env *models.Envelope, key string, buffer bool, later *[]resolution) bool {
	switch d.state {
	case stateFailed:
		*later = append(*later, resolution{env, d.initErr, outcomeFailed})
		return false
	case stateClosing, stateClosed:
		if d.initErr != nil {
			*later = append(*later, resolution{env, d.initErr, outcomeFailed})
		} else {
			*later = append(*later, resolution{env, nil, outcomeRejected})
		}
		return false
	}

	if limit := d.cfg.QueueLimit; buffer && limit > 0 && d.queued >= limit {
		switch d.cfg.Overflow {
		case OverflowDiscard:
			*later = append(*later, resolution{env, nil, outcomeDropped})
			return false

		case OverflowDiscardOldest:
			if victim := d.dropOldestLocked(); victim != nil {
				*later = append(*later, resolution{victim, nil, outcomeDropped})
			}

		case OverflowBlock:
			for d.queued >= limit && (d.state == stateRunning || d.state == stateNew) {
				d.signal()
				d.space.Wait()
			}
			switch d.state {
			case stateFailed:
				*later = append(*later, resolution{env, d.initErr, outcomeFailed})
				return false
			case stateClosing, stateClosed:
				if d.initErr != nil {
					*later = append(*later, resolution{env, d.initErr, outcomeFailed})
				} else {
					*later = append(*later, resolution{env, nil, outcomeRejected})
				}
				return false
			}
		}
	}

	env.Key = key
	env.SubmittedAt = d.now()
	env.SetEpoch(d.epoch)
	d.perEpoch[d.epoch]++
	d.live[env] = struct{}{}
	d.admitted++

	if !buffer {
		return true
	}

	b := d.buckets[key]
	if b == nil {
		b = &bucket{key: key}
		if d.cfg.ThrottleDelay > 0 {
			b.limiter = rate.NewLimiter(rate.Every(d.cfg.ThrottleDelay), 1)
		}
		d.buckets[key] = b
	}
	if len(b.items) == 0 {
		b.firstAt = env.SubmittedAt
	}
	b.items = append(b.items, item{env: env, seq: d.admitted})
	d.queued++
	metrics.QueueDepth.WithLabelValues(d.name).Set(float64(d.queued))
	return true
}

// dropOldestLocked removes the earliest admitted buffered envelope
func (d *Dispatcher) dropOldestLocked() *models.Envelope {
	var oldest *bucket
	for _, b := range d.buckets {
		if len(b.items) == 0 {
			continue
		}
		if oldest == nil || b.items[0].seq < oldest.items[0].seq {
			oldest = b
		}
	}
	if oldest == nil {
		return nil
	}
	env := oldest.items[0].env
	oldest.items = oldest.items[1:]
	if len(oldest.items) > 0 {
		oldest.firstAt = oldest.items[0].env.SubmittedAt
	}
	d.queued--
	return env
}

// takeAllLocked empties every bucket
func (d *Dispatcher) takeAllLocked() []*models.Envelope {
	var out []*models.Envelope
	for key, b := range d.buckets {
		for _, it := range b.items {
			out = append(out, it.env)
		}
		b.items = nil
		if !b.running {
			delete(d.buckets, key)
		}
	}
	d.queued = 0
	metrics.QueueDepth.WithLabelValues(d.name).Set(0)
	return out
}

// resolve fires the callback of env once and settles the flush accounting
func (d *Dispatcher) resolve(env *models.Envelope, err error, outcome string) {
	if !env.Complete(err) {
		return
	}

	switch outcome {
	case outcomeDelivered:
		d.delivered.Add(1)
	case outcomeDropped, outcomeRejected:
		d.dropped.Add(1)
	default:
		d.failed.Add(1)
	}
	metrics.EnvelopesResolved.WithLabelValues(d.name, outcome).Inc()

	d.mu.Lock()
	if _, ok := d.live[env]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.live, env)
	epoch := env.Epoch()
	if d.perEpoch[epoch]--; d.perEpoch[epoch] <= 0 {
		delete(d.perEpoch, epoch)
	}
	done := d.readyWaitersLocked()
	if len(d.live) == 0 && d.state == stateClosing {
		select {
		case <-d.drained:
		default:
			close(d.drained)
		}
	}
	d.mu.Unlock()

	for _, fn := range done {
		fn()
	}
}

// readyWaitersLocked pops the flush callbacks whose epochs are fully resolved
func (d *Dispatcher) readyWaitersLocked() []func() {
	if len(d.waiters) == 0 {
		return nil
	}
	oldest, pending := uint64(0), false
	for e := range d.perEpoch {
		if !pending || e < oldest {
			oldest, pending = e, true
		}
	}

	var done []func()
	kept := d.waiters[:0]
	for _, w := range d.waiters {
		if !pending || w.epoch < oldest {
			done = append(done, w.onDone)
		} else {
			kept = append(kept, w)
		}
	}
	d.waiters = kept
	return done
}

// Flush dispatches everything submitted so far without waiting for batch
// delays, and calls onDone once all of it is resolved. Envelopes submitted
// after Flush returns are not waited for.
func (d *Dispatcher) Flush(onDone func()) {
	if onDone == nil {
		onDone = func() {}
	}

	d.mu.Lock()
	target := d.epoch
	d.epoch++
	d.flushUpTo = d.epoch
	d.waiters = append(d.waiters, flushWaiter{epoch: target, onDone: onDone})
	done := d.readyWaitersLocked()
	d.mu.Unlock()

	for _, fn := range done {
		fn()
	}
	d.signal()
}

// FlushContext is Flush that blocks until done or ctx ends
func (d *Dispatcher) FlushContext(ctx context.Context) error {
	done := make(chan struct{})
	d.Flush(func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForIdle blocks until every admitted envelope is resolved
func (d *Dispatcher) WaitForIdle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		d.mu.Lock()
		idle := len(d.live) == 0
		d.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops accepting envelopes, flushes, waits up to ShutdownGrace and
// fails what is left with models.ErrShutdown. Then the cached handles and the
// sink are closed. Later submissions resolve with nil, unless the sink never
// initialized: then they fail with its *models.InitializationError, and a
// dispatcher closed before Start fails its buffered envelopes with one
// wrapping ErrNotStarted.
func (d *Dispatcher) Close() error {
	log := logger.WithSink("dispatcher", d.name)

	d.mu.Lock()
	if d.state == stateClosing || d.state == stateClosed {
		d.mu.Unlock()
		return nil
	}
	started := d.state == stateRunning
	if d.state == stateNew {
		d.initErr = &models.InitializationError{Sink: d.name, Err: ErrNotStarted}
	}
	orphanErr := error(models.ErrShutdown)
	if d.initErr != nil {
		orphanErr = d.initErr
	}
	d.state = stateClosing
	d.flushUpTo = d.epoch + 1
	d.epoch++
	d.space.Broadcast()
	var orphans []*models.Envelope
	if !started {
		orphans = d.takeAllLocked()
	}
	if len(d.live) == 0 {
		close(d.drained)
	}
	d.mu.Unlock()

	for _, env := range orphans {
		d.resolve(env, orphanErr, outcomeFailed)
	}
	d.signal()

	grace := time.NewTimer(d.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-d.drained:
	case <-grace.C:
		close(d.abort)
		d.cancel()

		d.mu.Lock()
		leftovers := make([]*models.Envelope, 0, len(d.live))
		for env := range d.live {
			leftovers = append(leftovers, env)
		}
		d.takeAllLocked()
		d.mu.Unlock()

		sort.Slice(leftovers, func(i, j int) bool {
			return leftovers[i].SubmittedAt.Before(leftovers[j].SubmittedAt)
		})
		log.Warn().
			Int("envelopes", len(leftovers)).
			Dur("grace", d.cfg.ShutdownGrace).
			Msg("shutdown grace expired, failing buffered envelopes")
		for _, env := range leftovers {
			d.resolve(env, models.ErrShutdown, outcomeShutdown)
		}
	}

	close(d.stop)
	d.wg.Wait()
	d.cancel()

	var errs error
	errs = multierr.Append(errs, d.cache.Close())
	errs = multierr.Append(errs, d.sink.Close())

	d.mu.Lock()
	d.state = stateClosed
	d.mu.Unlock()

	stats := d.Stats()
	log.Info().
		Uint64("submitted", stats.Submitted).
		Uint64("delivered", stats.Delivered).
		Uint64("failed", stats.Failed).
		Uint64("dropped", stats.Dropped).
		Msg("dispatcher closed")
	return errs
}

// signal wakes the scheduling loop
func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Stats holds dispatcher counters
type Stats struct {
	Submitted   uint64 `json:"submitted"`
	Delivered   uint64 `json:"delivered"`
	Failed      uint64 `json:"failed"`
	Dropped     uint64 `json:"dropped"`
	Attempts    uint64 `json:"attempts"`
	Retries     uint64 `json:"retries"`
	Timeouts    uint64 `json:"timeouts"`
	Queued      int    `json:"queued"`
	InFlight    int    `json:"in_flight"`
	Outstanding int    `json:"outstanding"`
	OpenHandles int    `json:"open_handles"`
}

// Stats returns a snapshot of the counters
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	queued, running, live := d.queued, d.running, len(d.live)
	d.mu.Unlock()

	return Stats{
		Submitted:   d.submitted.Load(),
		Delivered:   d.delivered.Load(),
		Failed:      d.failed.Load(),
		Dropped:     d.dropped.Load(),
		Attempts:    d.attempts.Load(),
		Retries:     d.retries.Load(),
		Timeouts:    d.timeouts.Load(),
		Queued:      queued,
		InFlight:    running,
		Outstanding: live,
		OpenHandles: d.cache.Len(),
	}
}

// OpenKeys lists the keys with a cached handle, most recently used first
func (d *Dispatcher) OpenKeys() []string {
	return d.cache.Keys()
}
