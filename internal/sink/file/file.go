// Package file is the sink that appends rendered events to files, one file
// per rendered path, with rotation, archive retention and optional
// cross-process locking.
package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"logship/internal/layout"
	"logship/internal/logger"
	"logship/internal/models"
	"logship/internal/rotation"
	"logship/internal/sink"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
)

// Options configures the file sink
type Options struct {
	// Layout renders one line per event (default layout.DefaultLine)
	Layout string `mapstructure:"layout"`

	// Header is written at the top of every new file, Footer before a file
	// is archived and when the sink closes
	Header string `mapstructure:"header"`
	Footer string `mapstructure:"footer"`

	// LineEnding terminates every rendered line, header and footer
	LineEnding string `mapstructure:"lineEnding"`

	// CreateDirs creates missing parent directories
	CreateDirs bool `mapstructure:"createDirs"`

	rotation.Config `mapstructure:",squash"`
}

// DefaultOptions returns the options used for keys absent from configuration
func DefaultOptions() Options {
	return Options{
		Layout:     layout.DefaultLine,
		LineEnding: "\n",
		CreateDirs: true,
	}
}

// Sink appends to files
type Sink struct {
	name   string
	opts   Options
	line   *layout.Layout
	header *layout.Layout
	footer *layout.Layout
	now    func() time.Time

	mu      sync.Mutex
	targets map[string]*target
}

// Option is a functional option for configuring the sink
type Option func(*Sink)

// WithClock overrides the time source used for rotation decisions
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// target is the per-path state that outlives individual handles
type target struct {
	path    string
	policy  *rotation.Policy
	lock    *rotation.Mutex
	started sync.Once
	written atomic.Bool
}

// New creates a file sink
func New(name string, opts Options, options ...Option) (*Sink, error) {
	if opts.Layout == "" {
		opts.Layout = layout.DefaultLine
	}
	opts.Config.Normalize()

	line, err := layout.Compile(opts.Layout)
	if err != nil {
		return nil, err
	}

	s := &Sink{
		name:    name,
		opts:    opts,
		line:    line,
		now:     time.Now,
		targets: make(map[string]*target),
	}
	if opts.Header != "" {
		if s.header, err = layout.Compile(opts.Header); err != nil {
			return nil, err
		}
	}
	if opts.Footer != "" {
		if s.footer, err = layout.Compile(opts.Footer); err != nil {
			return nil, err
		}
	}

	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// NewFromMap decodes raw options over DefaultOptions and creates the sink
func NewFromMap(name string, raw map[string]any) (*Sink, error) {
	opts := DefaultOptions()
	if err := sink.DecodeOptions(raw, &opts); err != nil {
		return nil, fmt.Errorf("file sink %s: %w", name, err)
	}
	return New(name, opts)
}

// Name returns the sink name
func (s *Sink) Name() string {
	return s.name
}

// Init validates the rotation settings. Requesting cross-process writes on a
// platform without a named lock fails here unless the local fallback is
// allowed.
func (s *Sink) Init(ctx context.Context) error {
	if err := s.opts.Config.Validate(); err != nil {
		return err
	}
	if s.concurrent() && !rotation.LockSupported() {
		log := logger.WithSink("file_sink", s.name)
		log.Warn().Msg("cross-process lock unavailable, using a process-local lock")
	}
	return nil
}

func (s *Sink) concurrent() bool {
	return s.opts.ConcurrentWrites || s.opts.ForceMutexWrites
}

// target returns the state for path, creating it on first use
func (s *Sink) target(path string) (*target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.targets[path]; ok {
		return t, nil
	}

	t := &target{
		path:   path,
		policy: rotation.NewPolicy(path, s.opts.Config),
	}
	if s.concurrent() {
		lock, err := rotation.NewMutex(path)
		if err != nil {
			return nil, err
		}
		t.lock = lock
	}
	s.targets[path] = t
	return t, nil
}

// Open opens the file for key, running the startup archive check the first
// time the path is seen
func (s *Sink) Open(ctx context.Context, key string) (sink.Handle, error) {
	path := rotation.CleanPath(key)
	if path == "" {
		return nil, models.Permanent(errors.New("empty file path"))
	}

	t, err := s.target(path)
	if err != nil {
		return nil, err
	}

	if t.lock != nil {
		if err := t.lock.Lock(); err != nil {
			return nil, err
		}
		defer t.lock.Unlock()
	}

	var startErr error
	t.started.Do(func() {
		if s.opts.CreateDirs {
			if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
				startErr = fmt.Errorf("create directory: %w", err)
				return
			}
		}
		if _, err := t.policy.Startup(s.now()); err != nil {
			log := logger.WithSink("file_sink", s.name)
			log.Warn().
				Err(err).
				Str("path", path).
				Msg("startup archive failed, appending to existing file")
		}
	})
	if startErr != nil {
		return nil, startErr
	}

	h := &handle{t: t}
	if err := s.openFile(h); err != nil {
		return nil, err
	}
	return h, nil
}

// handle is an open append handle on a target
type handle struct {
	t        *target
	f        *os.File
	size     int64
	openedAt time.Time
}

// Close closes the file. Footers are not written here: an evicted handle may
// be reopened and appended to later.
func (h *handle) Close() error {
	if h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	return err
}

func (s *Sink) openFile(h *handle) error {
	path := h.t.path
	if s.opts.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat file: %w", err)
	}

	h.f = f
	h.size = info.Size()
	h.openedAt = info.ModTime()
	if h.size == 0 {
		h.openedAt = s.now()
		if err := s.writeDecoration(h, s.header); err != nil {
			f.Close()
			h.f = nil
			return err
		}
	}
	return nil
}

// writeDecoration writes a header or footer line
func (s *Sink) writeDecoration(h *handle, l *layout.Layout) error {
	if l == nil {
		return nil
	}
	text, err := l.Render(s.decorationEvent())
	if err != nil {
		return err
	}
	n, err := h.f.WriteString(text + s.opts.LineEnding)
	h.size += int64(n)
	if err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

func (s *Sink) decorationEvent() *models.LogEvent {
	return &models.LogEvent{
		Level:     models.LevelInfo,
		Source:    s.name,
		Timestamp: s.now(),
	}
}

// Write appends the batch, rotating between lines when a trigger fires. Lines
// that fail to render are reported individually and never retried.
func (s *Sink) Write(ctx context.Context, hd sink.Handle, b *sink.Batch) error {
	h, ok := hd.(*handle)
	if !ok {
		return models.Permanent(fmt.Errorf("file sink got foreign handle %T", hd))
	}

	failed := make(map[int]error)
	lines := make([][]byte, len(b.Envelopes))
	for i, env := range b.Envelopes {
		text, err := s.line.Render(env.Event)
		if err != nil {
			failed[i] = models.Permanent(err)
			continue
		}
		lines[i] = []byte(text + s.opts.LineEnding)
	}

	if err := s.append(h, lines); err != nil {
		return &models.TransientWriteError{Key: b.Key, Err: err}
	}
	h.t.written.Store(true)
	return sink.Partial(failed)
}

func (s *Sink) append(h *handle, lines [][]byte) error {
	t := h.t
	if t.lock != nil && (s.opts.ForceMutexWrites || s.opts.Config.Enabled()) {
		if err := t.lock.Lock(); err != nil {
			return err
		}
		defer t.lock.Unlock()

		if err := s.refresh(h); err != nil {
			return err
		}
	}
	if h.f == nil {
		if err := s.openFile(h); err != nil {
			return err
		}
	}

	now := s.now()
	stuck := false
	var buf bytes.Buffer
	for _, line := range lines {
		if line == nil {
			continue
		}
		trigger := rotation.TriggerNone
		if !stuck {
			trigger = t.policy.Check(h.size+int64(buf.Len()), len(line), h.openedAt, now)
		}
		if trigger != rotation.TriggerNone {
			if err := s.flush(h, &buf); err != nil {
				return err
			}
			rotated, err := s.rotate(h, trigger, now)
			if err != nil {
				return err
			}
			stuck = !rotated
		}
		buf.Write(line)
	}
	return s.flush(h, &buf)
}

func (s *Sink) flush(h *handle, buf *bytes.Buffer) error {
	if buf.Len() == 0 {
		return nil
	}
	n, err := h.f.Write(buf.Bytes())
	h.size += int64(n)
	buf.Reset()
	if err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// rotate archives the active file and reopens the path. A failed archive is
// logged and the writes go on into the original file; rotated is false then.
func (s *Sink) rotate(h *handle, trigger rotation.Trigger, now time.Time) (rotated bool, err error) {
	if err := s.writeDecoration(h, s.footer); err != nil {
		return false, err
	}
	if err := h.Close(); err != nil {
		return false, fmt.Errorf("close before archive: %w", err)
	}
	if _, err := h.t.policy.Archive(now, trigger); err != nil {
		log := logger.WithSink("file_sink", s.name)
		log.Warn().
			Err(err).
			Str("path", h.t.path).
			Msg("archive failed, appending to current file")
		return false, s.openFile(h)
	}
	return true, s.openFile(h)
}

// refresh picks up changes made by other processes: a file archived under us
// is reopened, and the size is re-read.
func (s *Sink) refresh(h *handle) error {
	if h.f == nil {
		return nil
	}
	mine, err := h.f.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}

	current, err := os.Stat(h.t.path)
	if err == nil && os.SameFile(mine, current) {
		h.size = mine.Size()
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stat file: %w", err)
	}

	log := logger.WithSink("file_sink", s.name)
	log.Debug().Str("path", h.t.path).Msg("file replaced by another writer, reopening")
	h.Close()
	return s.openFile(h)
}

// Policy returns the rotation policy for a rendered path, if it was opened
func (s *Sink) Policy(key string) *rotation.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.targets[rotation.CleanPath(key)]; ok {
		return t.policy
	}
	return nil
}

// Close writes footers to every file this sink wrote to and releases locks.
// Handles must be closed first.
func (s *Sink) Close() error {
	s.mu.Lock()
	targets := make([]*target, 0, len(s.targets))
	for _, t := range s.targets {
		targets = append(targets, t)
	}
	s.targets = make(map[string]*target)
	s.mu.Unlock()

	var errs error
	for _, t := range targets {
		if s.footer != nil && t.written.Load() {
			errs = multierr.Append(errs, s.closeWithFooter(t))
		}
		if t.lock != nil {
			errs = multierr.Append(errs, t.lock.Close())
		}
	}
	return errs
}

func (s *Sink) closeWithFooter(t *target) error {
	if t.lock != nil {
		if err := t.lock.Lock(); err != nil {
			return err
		}
		defer t.lock.Unlock()
	}

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_WRONLY, defaultFileMode)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open file for footer: %w", err)
	}
	h := &handle{t: t, f: f}
	if err := s.writeDecoration(h, s.footer); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
