// Package sink defines the pluggable write operation the dispatcher drives.
// Concrete sinks live in subpackages (file, network, mail) and in
// internal/kafka and internal/storage.
package sink

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"logship/internal/models"
)

// Handle is an open destination handle. The dispatcher caches handles by key
// and closes them on eviction.
type Handle = io.Closer

// Sink writes batches of envelopes to destination handles
type Sink interface {
	// Name labels logs and metrics
	Name() string

	// Init prepares the sink once before the first write. A failure is
	// permanent for the lifetime of the dispatcher.
	Init(ctx context.Context) error

	// Open builds the handle for a rendered destination key
	Open(ctx context.Context, key string) (Handle, error)

	// Write delivers the batch through h. Returning *PartialError fails only
	// the listed envelopes; any other error fails the whole batch.
	Write(ctx context.Context, h Handle, b *Batch) error

	// Close releases sink-wide resources after every handle was closed
	Close() error
}

// Batch is an ordered group of envelopes sharing one destination key
type Batch struct {
	ID        string
	Key       string
	Envelopes []*models.Envelope
	Attempt   int
}

// NewBatch creates a batch for key
func NewBatch(key string, envelopes []*models.Envelope) *Batch {
	return &Batch{
		ID:        uuid.New().String(),
		Key:       key,
		Envelopes: envelopes,
		Attempt:   1,
	}
}

// Len returns the number of envelopes
func (b *Batch) Len() int {
	return len(b.Envelopes)
}

// Events returns the wrapped events in batch order
func (b *Batch) Events() []*models.LogEvent {
	out := make([]*models.LogEvent, len(b.Envelopes))
	for i, env := range b.Envelopes {
		out[i] = env.Event
	}
	return out
}

// PartialError reports the envelopes of a batch that failed, by index.
// Envelopes not listed were delivered.
type PartialError struct {
	Failed map[int]error
}

func (e *PartialError) Error() string {
	idx := make([]int, 0, len(e.Failed))
	for i := range e.Failed {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	parts := make([]string, 0, len(idx))
	for _, i := range idx {
		parts = append(parts, fmt.Sprintf("#%d: %v", i, e.Failed[i]))
		if len(parts) == 3 && len(idx) > 3 {
			parts = append(parts, fmt.Sprintf("and %d more", len(idx)-3))
			break
		}
	}
	return fmt.Sprintf("%d of batch failed: %s", len(e.Failed), strings.Join(parts, "; "))
}

// Partial returns a *PartialError for failed, or nil when nothing failed
func Partial(failed map[int]error) error {
	if len(failed) == 0 {
		return nil
	}
	return &PartialError{Failed: failed}
}

// DecodeOptions decodes a loosely typed option map (from YAML) into out.
// Strings are accepted for numbers, booleans and durations.
func DecodeOptions(raw map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("create options decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	return nil
}

// Deadline returns the write deadline carried by ctx, or zero
func Deadline(ctx context.Context) time.Time {
	d, _ := ctx.Deadline()
	return d
}
