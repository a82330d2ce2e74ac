package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"logship/internal/logger"
	"logship/internal/metrics"
	"logship/internal/models"
	"logship/internal/sink"
)

// job is one batch taken from a bucket
type job struct {
	b    *bucket
	envs []*models.Envelope
}

// loop is the scheduling loop: it hands ready buckets to workers and sleeps
// until the next batch delay or throttle window ends, or until woken
func (d *Dispatcher) loop() {
	defer d.wg.Done()

	log := logger.WithSink("dispatcher", d.name)
	log.Debug().Msg("scheduler started")
	defer log.Debug().Msg("scheduler stopped")

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		jobs, wait := d.collect()
		for _, j := range jobs {
			go d.run(j)
		}

		if wait > 0 {
			timer.Reset(wait)
		} else {
			timer.Stop()
		}

		select {
		case <-d.stop:
			return
		case <-d.wake:
		case <-timer.C:
		}
	}
}

// collect takes the batches that are due, as many as free workers allow, and
// returns how long until the next bucket becomes due (-1 if none)
func (d *Dispatcher) collect() ([]job, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateRunning && d.state != stateClosing {
		return nil, -1
	}

	now := d.now()
	closing := d.state == stateClosing
	next := time.Duration(-1)
	consider := func(wait time.Duration) {
		if wait > 0 && (next < 0 || wait < next) {
			next = wait
		}
	}

	var ready []*bucket
	for key, b := range d.buckets {
		if b.running {
			continue
		}
		if len(b.items) == 0 {
			// keep an idle bucket while its throttle window is open
			if b.limiter == nil || now.Sub(b.lastRun) >= d.cfg.ThrottleDelay {
				delete(d.buckets, key)
			}
			continue
		}

		due := closing ||
			len(b.items) >= d.cfg.BatchSize ||
			b.items[0].env.Epoch() < d.flushUpTo
		if !due {
			age := now.Sub(b.firstAt)
			if age < d.cfg.BatchDelay {
				consider(d.cfg.BatchDelay - age)
				continue
			}
		}

		if b.limiter != nil && !closing {
			if tokens := b.limiter.TokensAt(now); tokens < 1 {
				consider(time.Duration((1 - tokens) * float64(d.cfg.ThrottleDelay)))
				continue
			}
		}
		ready = append(ready, b)
	}

	// oldest head first
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].items[0].seq < ready[j].items[0].seq
	})

	var jobs []job
	for _, b := range ready {
		if d.running >= d.cfg.Workers {
			break
		}
		if b.limiter != nil {
			b.limiter.AllowN(now, 1)
		}

		// a throttled key takes everything that piled up during its window
		n := len(b.items)
		if b.limiter == nil && n > d.cfg.BatchSize {
			n = d.cfg.BatchSize
		}
		envs := make([]*models.Envelope, n)
		for i := 0; i < n; i++ {
			envs[i] = b.items[i].env
		}
		b.items = b.items[n:]
		if len(b.items) > 0 {
			b.firstAt = b.items[0].env.SubmittedAt
		}
		b.running = true
		b.lastRun = now
		d.queued -= n
		d.running++
		jobs = append(jobs, job{b: b, envs: envs})
	}

	if len(jobs) > 0 {
		metrics.QueueDepth.WithLabelValues(d.name).Set(float64(d.queued))
		d.space.Broadcast()
	}
	return jobs, next
}

// run delivers one batch and frees its key
func (d *Dispatcher) run(j job) {
	log := logger.WithSink("worker", d.name)

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log.Error().
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()

			err := fmt.Errorf("dispatch panic: %v", r)
			for _, env := range j.envs {
				d.resolve(env, err, outcomeFailed)
			}
		}

		d.mu.Lock()
		j.b.running = false
		d.running--
		d.mu.Unlock()
		d.signal()
	}()

	d.deliver(j.b.key, j.envs)
}

// drainSync delivers what was buffered before a sync-mode Start
func (d *Dispatcher) drainSync() {
	d.mu.Lock()
	var groups []group
	var items []item
	keyOf := make(map[*models.Envelope]string)
	for key, b := range d.buckets {
		for _, it := range b.items {
			items = append(items, it)
			keyOf[it.env] = key
		}
	}
	d.takeAllLocked()
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	index := make(map[string]int)
	for _, it := range items {
		key := keyOf[it.env]
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, group{key: key})
		}
		groups[i].envs = append(groups[i].envs, it.env)
	}

	for _, g := range groups {
		d.deliverChunks(g.key, g.envs)
	}
}

// deliverChunks delivers envs in batches of at most BatchSize
func (d *Dispatcher) deliverChunks(key string, envs []*models.Envelope) {
	for len(envs) > 0 {
		n := len(envs)
		if n > d.cfg.BatchSize {
			n = d.cfg.BatchSize
		}
		d.deliver(key, envs[:n])
		envs = envs[n:]
	}
}

// deliver runs the attempt/retry cycle for one batch and resolves every
// envelope in it. Only envelopes that failed with a retryable error are
// retried, each time through a freshly acquired handle. Callbacks fire in
// submission order: an outcome is held until every earlier envelope of the
// batch has one.
func (d *Dispatcher) deliver(key string, envs []*models.Envelope) {
	log := logger.WithSink("dispatcher", d.name).With().Str("key", key).Logger()
	metrics.BatchSize.WithLabelValues(d.name).Observe(float64(len(envs)))

	results := make([]outcomeOf, len(envs))
	next := 0
	record := func(i int, err error, outcome string) {
		results[i] = outcomeOf{err: err, outcome: outcome, set: true}
		for next < len(envs) && results[next].set {
			d.resolve(envs[next], results[next].err, results[next].outcome)
			next++
		}
	}

	bo := d.cfg.newBackOff()
	pending := make([]int, len(envs))
	for i := range envs {
		pending[i] = i
	}
	for attempt := 1; len(pending) > 0; attempt++ {
		batch := make([]*models.Envelope, len(pending))
		for i, at := range pending {
			batch[i] = envs[at]
		}
		b := sink.NewBatch(key, batch)
		b.Attempt = attempt

		err := d.attempt(b)
		if err == nil {
			for _, at := range pending {
				record(at, nil, outcomeDelivered)
			}
			return
		}

		failures := make(map[int]error, len(pending))
		var partial *sink.PartialError
		if errors.As(err, &partial) {
			for i := range pending {
				if e, ok := partial.Failed[i]; ok {
					failures[i] = e
				}
			}
		} else {
			for i := range pending {
				failures[i] = err
			}
		}

		var retry []int
		for i, at := range pending {
			e, failed := failures[i]
			switch {
			case !failed:
				record(at, nil, outcomeDelivered)
			case attempt <= d.cfg.RetryCount && models.IsRetryable(e):
				retry = append(retry, at)
			default:
				record(at, e, outcomeFailed)
			}
		}
		if len(retry) < len(failures) {
			log.Error().
				Err(err).
				Int("attempt", attempt).
				Int("failed", len(failures)-len(retry)).
				Msg("write failed, giving up")
		}
		if len(retry) == 0 {
			return
		}

		delay := bo.NextBackOff()
		d.retries.Add(1)
		metrics.WriteRetries.WithLabelValues(d.name).Inc()
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("envelopes", len(retry)).
			Dur("backoff", delay).
			Msg("write failed, retrying")

		if !d.sleep(delay) {
			for _, at := range retry {
				record(at, models.ErrShutdown, outcomeShutdown)
			}
			return
		}
		pending = retry
	}
}

// outcomeOf is a held envelope outcome
type outcomeOf struct {
	err     error
	outcome string
	set     bool
}

// sleep waits for delay and reports false when shutdown cut it short
func (d *Dispatcher) sleep(delay time.Duration) bool {
	if delay <= 0 {
		select {
		case <-d.abort:
			return false
		default:
			return true
		}
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-d.abort:
		return false
	}
}

// attempt performs one write of b: acquire a lease, write under the
// operation timeout, and release or invalidate the handle by the outcome
func (d *Dispatcher) attempt(b *sink.Batch) error {
	d.attempts.Add(1)
	metrics.WriteAttempts.WithLabelValues(d.name).Inc()

	select {
	case <-d.abort:
		return models.ErrShutdown
	default:
	}

	ctx, cancel := d.ctx, context.CancelFunc(func() {})
	if d.cfg.OperationTimeout > 0 {
		ctx, cancel = context.WithTimeout(d.ctx, d.cfg.OperationTimeout)
	}
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.WriteDuration.WithLabelValues(d.name).Observe(time.Since(start).Seconds())
	}()

	lease, err := d.cache.Acquire(ctx, b.Key)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return d.timedOut(b)
		}
		return err
	}

	if d.cfg.OperationTimeout <= 0 {
		err := d.write(ctx, lease.Handle(), b)
		settle(lease, err)
		return err
	}

	result := make(chan error, 1)
	go func() {
		result <- d.write(ctx, lease.Handle(), b)
	}()

	select {
	case err := <-result:
		settle(lease, err)
		return err
	case <-ctx.Done():
		// the write still owns the handle; take it out of circulation now
		// and close it once the write returns
		lease.Abandon()
		go func() {
			<-result
			lease.Release()
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return d.timedOut(b)
		}
		return models.ErrShutdown
	}
}

func (d *Dispatcher) timedOut(b *sink.Batch) error {
	d.timeouts.Add(1)
	metrics.WriteTimeouts.WithLabelValues(d.name).Inc()

	log := logger.WithSink("dispatcher", d.name)
	log.Warn().
		Str("key", b.Key).
		Int("attempt", b.Attempt).
		Int("batch_size", b.Len()).
		Dur("timeout", d.cfg.OperationTimeout).
		Msg("write timed out")
	return fmt.Errorf("write to %q: %w", b.Key, models.ErrTimeout)
}

// write calls the sink, turning a panic into an error
func (d *Dispatcher) write(ctx context.Context, h sink.Handle, b *sink.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("sink").Inc()
			err = fmt.Errorf("sink %s panicked: %v", d.name, r)
		}
	}()
	return d.sink.Write(ctx, h, b)
}

type releaser interface {
	Release()
	Invalidate()
}

// settle returns the handle to the cache, or discards it when the write
// left it in an unknown state
func settle(lease releaser, err error) {
	if err == nil {
		lease.Release()
		return
	}
	var partial *sink.PartialError
	if errors.As(err, &partial) {
		for _, e := range partial.Failed {
			if models.IsRetryable(e) {
				lease.Invalidate()
				return
			}
		}
		lease.Release()
		return
	}
	lease.Invalidate()
}
