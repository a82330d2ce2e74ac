package processor

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"logship/internal/dispatcher"
	"logship/internal/models"
)

// Router fans every event out to all dispatchers
type Router struct {
	dispatchers []*dispatcher.Dispatcher
}

// NewRouter creates a router over ds
func NewRouter(ds ...*dispatcher.Dispatcher) *Router {
	return &Router{dispatchers: ds}
}

// Dispatchers returns the routed dispatchers
func (r *Router) Dispatchers() []*dispatcher.Dispatcher {
	return r.dispatchers
}

// Submit sends ev to every dispatcher. cb fires once, after the last sink
// resolved, with the combined errors of all sinks.
func (r *Router) Submit(ev *models.LogEvent, cb models.Callback) {
	if len(r.dispatchers) == 0 {
		if cb != nil {
			cb(nil)
		}
		return
	}

	var (
		mu      sync.Mutex
		errs    error
		pending atomic.Int32
	)
	pending.Store(int32(len(r.dispatchers)))
	done := func(err error) {
		if err != nil {
			mu.Lock()
			errs = multierr.Append(errs, err)
			mu.Unlock()
		}
		if pending.Add(-1) == 0 && cb != nil {
			mu.Lock()
			final := errs
			mu.Unlock()
			cb(final)
		}
	}

	for _, d := range r.dispatchers {
		d.Submit(models.NewEnvelope(ev, done))
	}
}

// Deliver submits events and blocks until every one of them is resolved by
// every sink. It returns the delivery errors, or ctx.Err() if ctx ends first.
func (r *Router) Deliver(ctx context.Context, events []*models.LogEvent) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	wg.Add(len(events))
	for _, ev := range events {
		r.Submit(ev, func(err error) {
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		mu.Lock()
		defer mu.Unlock()
		return errs
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush flushes every dispatcher and waits for all of them
func (r *Router) Flush(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(len(r.dispatchers))
	for _, d := range r.dispatchers {
		d.Flush(wg.Done)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes every dispatcher
func (r *Router) Close() error {
	var errs error
	for _, d := range r.dispatchers {
		errs = multierr.Append(errs, d.Close())
	}
	return errs
}

// Stats returns the counters of every dispatcher by sink name
func (r *Router) Stats() map[string]dispatcher.Stats {
	out := make(map[string]dispatcher.Stats, len(r.dispatchers))
	for _, d := range r.dispatchers {
		out[d.Name()] = d.Stats()
	}
	return out
}
