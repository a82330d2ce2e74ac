// Package storage is the sink that persists events into embedded Pebble
// databases. The rendered key of a batch is the database directory; each
// directory gets its own cached database handle.
package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"
	json "github.com/goccy/go-json"

	"logship/internal/logger"
	"logship/internal/models"
	"logship/internal/sink"
)

// FsyncMode defines durability behavior for committed batches
type FsyncMode string

const (
	// FsyncAlways syncs the WAL on every committed batch
	FsyncAlways FsyncMode = "always"
	// FsyncInterval lets Pebble group WAL syncs within FsyncInterval
	FsyncInterval FsyncMode = "interval"
	// FsyncNever leaves syncing to Pebble
	FsyncNever FsyncMode = "never"
)

// keyPrefix namespaces event records inside the database
var keyPrefix = []byte("evt/")

// Options configures the storage sink
type Options struct {
	Fsync         FsyncMode     `mapstructure:"fsync"`
	FsyncInterval time.Duration `mapstructure:"fsyncInterval"`
}

// DefaultOptions returns the options used for keys absent from configuration
func DefaultOptions() Options {
	return Options{
		Fsync:         FsyncInterval,
		FsyncInterval: 5 * time.Millisecond,
	}
}

// Store writes batches into Pebble
type Store struct {
	name string
	opts Options
}

// New creates a storage sink
func New(name string, opts Options) *Store {
	if opts.Fsync == "" {
		opts.Fsync = FsyncInterval
	}
	if opts.Fsync == FsyncInterval && opts.FsyncInterval <= 0 {
		opts.FsyncInterval = 5 * time.Millisecond
	}
	return &Store{name: name, opts: opts}
}

// NewFromMap decodes raw options over DefaultOptions and creates the sink
func NewFromMap(name string, raw map[string]any) (*Store, error) {
	opts := DefaultOptions()
	if err := sink.DecodeOptions(raw, &opts); err != nil {
		return nil, fmt.Errorf("storage sink %s: %w", name, err)
	}
	return New(name, opts), nil
}

// Name returns the sink name
func (s *Store) Name() string {
	return s.name
}

// Init validates the fsync mode
func (s *Store) Init(ctx context.Context) error {
	switch s.opts.Fsync {
	case FsyncAlways, FsyncInterval, FsyncNever:
		return nil
	default:
		return fmt.Errorf("unknown fsync mode %q", s.opts.Fsync)
	}
}

// db is an open database; the cache closes it on eviction
type db struct {
	dir   string
	inner *pebble.DB
	sync  bool
}

func (d *db) Close() error {
	return d.inner.Close()
}

// Open opens or creates the database in the directory named by key
func (s *Store) Open(ctx context.Context, key string) (sink.Handle, error) {
	if key == "" {
		return nil, models.Permanent(errors.New("empty database directory"))
	}
	dir := filepath.Clean(key)

	po := &pebble.Options{}
	if s.opts.Fsync == FsyncInterval {
		interval := s.opts.FsyncInterval
		po.WALMinSyncInterval = func() time.Duration { return interval }
	}

	inner, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}

	log := logger.WithSink("storage_sink", s.name)
	log.Debug().Str("dir", dir).Msg("database opened")

	return &db{dir: dir, inner: inner, sync: s.opts.Fsync != FsyncNever}, nil
}

// EventKey orders records by event time, then by sequence id
func EventKey(ev *models.LogEvent) []byte {
	key := make([]byte, len(keyPrefix)+16)
	n := copy(key, keyPrefix)
	binary.BigEndian.PutUint64(key[n:], uint64(ev.Timestamp.UnixNano()))
	binary.BigEndian.PutUint64(key[n+8:], ev.Sequence)
	return key
}

// Write commits the batch atomically
func (s *Store) Write(ctx context.Context, h sink.Handle, b *sink.Batch) error {
	d, ok := h.(*db)
	if !ok {
		return models.Permanent(fmt.Errorf("storage sink got foreign handle %T", h))
	}

	batch := d.inner.NewBatch()
	defer batch.Close()

	failed := make(map[int]error)
	for i, env := range b.Envelopes {
		value, err := json.Marshal(env.Event)
		if err != nil {
			failed[i] = models.Permanent(fmt.Errorf("encode event: %w", err))
			continue
		}
		if err := batch.Set(EventKey(env.Event), value, nil); err != nil {
			return &models.TransientWriteError{Key: b.Key, Err: err}
		}
	}

	if batch.Empty() {
		return sink.Partial(failed)
	}

	syncMode := pebble.NoSync
	if d.sync {
		syncMode = pebble.Sync
	}
	if err := batch.Commit(syncMode); err != nil {
		return &models.TransientWriteError{Key: b.Key, Err: err}
	}
	return sink.Partial(failed)
}

// Close has nothing sink-wide to release; databases are closed by the cache
func (s *Store) Close() error {
	return nil
}

// ReadEvents returns every event stored in dir, in key order. The database
// must not be open elsewhere in this process.
func ReadEvents(dir string) ([]*models.LogEvent, error) {
	inner, err := pebble.Open(dir, &pebble.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	defer inner.Close()

	upper := append([]byte(nil), keyPrefix...)
	upper[len(upper)-1]++

	iter, err := inner.NewIter(&pebble.IterOptions{LowerBound: keyPrefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var events []*models.LogEvent
	for iter.First(); iter.Valid(); iter.Next() {
		var ev models.LogEvent
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, iter.Error()
}
