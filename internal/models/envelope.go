package models

import (
	"sync/atomic"
	"time"
)

// Callback receives the outcome of a delivery: nil on success or discard
type Callback func(err error)

// Envelope wraps a LogEvent with its destination key and completion callback.
// The callback fires exactly once, whatever the outcome.
type Envelope struct {
	// Original event
	Event *LogEvent `json:"event"`

	// Rendered destination key, set by the dispatcher on submission
	Key string `json:"key"`

	// When the dispatcher accepted the envelope
	SubmittedAt time.Time `json:"submitted_at"`

	callback Callback
	done     atomic.Bool
	epoch    uint64
}

// NewEnvelope creates a new envelope wrapping a log event
func NewEnvelope(event *LogEvent, callback Callback) *Envelope {
	return &Envelope{
		Event:    event,
		callback: callback,
	}
}

// Complete resolves the envelope. Only the first call invokes the callback;
// later calls return false.
func (e *Envelope) Complete(err error) bool {
	if !e.done.CompareAndSwap(false, true) {
		return false
	}
	if e.callback != nil {
		e.callback(err)
	}
	return true
}

// Done reports whether the envelope has been resolved
func (e *Envelope) Done() bool {
	return e.done.Load()
}

// Epoch is the flush generation the envelope was accepted in
func (e *Envelope) Epoch() uint64 {
	return e.epoch
}

// SetEpoch records the flush generation; only the dispatcher calls it
func (e *Envelope) SetEpoch(epoch uint64) {
	e.epoch = epoch
}
