// Package rotation decides when an append target must be archived and
// manages the archive set: naming, retention and the host-wide lock that lets
// several processes share one file.
package rotation

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"logship/internal/logger"
	"logship/internal/metrics"
)

const (
	// Default file permissions for log files and directories
	defaultFileMode = 0644
	defaultDirMode  = 0755

	// dateProbeLimit bounds the search for a free date-numbered name
	dateProbeLimit = 1000
)

// Trigger is the reason a rotation happens
type Trigger int

const (
	TriggerNone Trigger = iota
	TriggerSize
	TriggerDate
	TriggerStartup
)

func (t Trigger) String() string {
	switch t {
	case TriggerSize:
		return "size"
	case TriggerDate:
		return "date"
	case TriggerStartup:
		return "startup"
	default:
		return "none"
	}
}

// Policy is the rotation state of one destination path
type Policy struct {
	path  string
	names names

	mu      sync.Mutex
	cfg     Config
	lastSeq int
}

// NewPolicy creates the policy for path. cfg is normalized; call
// cfg.Validate beforehand to reject bad settings.
func NewPolicy(path string, cfg Config) *Policy {
	cfg.Normalize()
	return &Policy{
		path:  path,
		names: newNames(path, cfg),
		cfg:   cfg,
	}
}

// Path returns the active file path
func (p *Policy) Path() string {
	return p.path
}

// Config returns a copy of the current configuration
func (p *Policy) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Check decides whether the active file must be archived before writing
// pending bytes to it. size is the current file length and openedAt the time
// the file was started.
func (p *Policy) Check(size int64, pending int, openedAt, now time.Time) Trigger {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	if cfg.MaxSize > 0 && size > 0 && size+int64(pending) > cfg.MaxSize {
		return TriggerSize
	}

	if cfg.Every != PeriodNone && size > 0 && !openedAt.IsZero() &&
		periodKey(openedAt, cfg.Every) != periodKey(now, cfg.Every) {
		return TriggerDate
	}

	return TriggerNone
}

// Startup runs the one-time check done when a sink first opens the path:
// an existing non-empty file is archived or deleted, as configured
func (p *Policy) Startup(now time.Time) (Trigger, error) {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	if !cfg.ArchiveOldFileOnStartup && !cfg.DeleteOldFileOnStartup {
		return TriggerNone, nil
	}

	info, err := os.Stat(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return TriggerNone, nil
		}
		return TriggerNone, fmt.Errorf("stat file: %w", err)
	}
	if info.Size() == 0 {
		return TriggerNone, nil
	}

	if cfg.DeleteOldFileOnStartup {
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return TriggerNone, fmt.Errorf("delete old file: %w", err)
		}
		return TriggerStartup, nil
	}

	if _, err := p.Archive(now, TriggerStartup); err != nil {
		return TriggerNone, err
	}
	return TriggerStartup, nil
}

// Archive moves the active file into the archive set and enforces retention.
// The caller must have closed its handle on the file.
func (p *Policy) Archive(now time.Time, trigger Trigger) (ArchiveFile, error) {
	log := logger.WithComponent("rotation")

	p.mu.Lock()
	defer p.mu.Unlock()

	af, err := p.archiveLocked(now)
	if err != nil {
		metrics.Rotations.WithLabelValues(trigger.String(), "failed").Inc()
		log.Error().
			Err(err).
			Str("path", p.path).
			Str("trigger", trigger.String()).
			Msg("rotation failed")
		return ArchiveFile{}, err
	}
	metrics.Rotations.WithLabelValues(trigger.String(), "success").Inc()

	log.Info().
		Str("path", p.path).
		Str("archive", af.Path).
		Str("trigger", trigger.String()).
		Int64("size", af.Size).
		Msg("file archived")

	if _, err := p.enforceLocked(); err != nil {
		log.Warn().Err(err).Str("path", p.path).Msg("archive cleanup failed")
	}
	return af, nil
}

func (p *Policy) archiveLocked(now time.Time) (ArchiveFile, error) {
	info, err := os.Stat(p.path)
	if err != nil {
		return ArchiveFile{}, fmt.Errorf("stat file: %w", err)
	}

	if err := os.MkdirAll(p.names.dir, defaultDirMode); err != nil {
		return ArchiveFile{}, fmt.Errorf("create archive directory: %w", err)
	}

	af := ArchiveFile{Sequence: -1, Size: info.Size(), Created: now}
	switch p.cfg.Numbering {
	case NumberingRolling:
		if err := p.shiftRollingLocked(); err != nil {
			return ArchiveFile{}, err
		}
		af.Sequence = 0
		af.Path = p.names.sequence(0)

	case NumberingDate:
		name, stamp, err := p.freeDateNameLocked(now)
		if err != nil {
			return ArchiveFile{}, err
		}
		af.Path = name
		af.Date = stamp

	default:
		next, err := p.nextSequenceLocked()
		if err != nil {
			return ArchiveFile{}, err
		}
		af.Sequence = next
		af.Path = p.names.sequence(next)
	}

	if err := moveFile(p.path, af.Path); err != nil {
		return ArchiveFile{}, err
	}
	if af.Sequence > p.lastSeq && p.cfg.Numbering == NumberingSequence {
		p.lastSeq = af.Sequence
	}

	// creation order drives retention; stamp it on the archive
	if err := os.Chtimes(af.Path, now, now); err != nil {
		return ArchiveFile{}, fmt.Errorf("stamp archive: %w", err)
	}
	return af, nil
}

// nextSequenceLocked never reuses a number, even after cleanup deleted it
func (p *Policy) nextSequenceLocked() (int, error) {
	existing, err := p.names.scan(NumberingSequence)
	if err != nil {
		return 0, err
	}
	next := p.lastSeq
	for _, af := range existing {
		if af.Sequence > next {
			next = af.Sequence
		}
	}
	return next + 1, nil
}

// shiftRollingLocked renames archive i to i+1, highest first, dropping the
// ones retention would delete anyway
func (p *Policy) shiftRollingLocked() error {
	existing, err := p.names.scan(NumberingRolling)
	if err != nil {
		return err
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].Sequence > existing[j].Sequence })

	for _, af := range existing {
		if p.cfg.MaxArchiveFiles > 0 && af.Sequence+1 >= p.cfg.MaxArchiveFiles {
			if err := os.Remove(af.Path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove rolled archive: %w", err)
			}
			metrics.ArchivesDeleted.Inc()
			continue
		}
		if err := os.Rename(af.Path, p.names.sequence(af.Sequence+1)); err != nil {
			return fmt.Errorf("roll archive %d: %w", af.Sequence, err)
		}
	}
	return nil
}

func (p *Policy) freeDateNameLocked(now time.Time) (string, time.Time, error) {
	for i := 0; i < dateProbeLimit; i++ {
		stamp := now.Add(time.Duration(i) * time.Millisecond)
		name := p.names.date(stamp)
		exists, err := fileExists(name)
		if err != nil {
			return "", time.Time{}, err
		}
		if !exists {
			return name, stamp, nil
		}
	}
	return "", time.Time{}, errors.New("cannot generate unique archive file name")
}

// Archives lists the archive set, oldest first
func (p *Policy) Archives() ([]ArchiveFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.archivesLocked()
}

func (p *Policy) archivesLocked() ([]ArchiveFile, error) {
	list, err := p.names.scan(p.cfg.Numbering)
	if err != nil {
		return nil, err
	}

	if p.cfg.Numbering == NumberingRolling {
		sort.Slice(list, func(i, j int) bool { return list[i].Sequence > list[j].Sequence })
		return list, nil
	}

	// creation order, ties broken by suffix then name
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.Path < b.Path
	})
	return list, nil
}

// EnforceRetention deletes the oldest archives beyond MaxArchiveFiles and
// returns how many were removed
func (p *Policy) EnforceRetention() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enforceLocked()
}

// SetMaxArchiveFiles changes the retention bound and applies it at once
func (p *Policy) SetMaxArchiveFiles(n int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.MaxArchiveFiles = n
	return p.enforceLocked()
}

func (p *Policy) enforceLocked() (int, error) {
	if p.cfg.MaxArchiveFiles <= 0 {
		return 0, nil
	}

	list, err := p.archivesLocked()
	if err != nil {
		return 0, err
	}

	excess := len(list) - p.cfg.MaxArchiveFiles
	removed := 0
	var errs error
	for i := 0; i < excess; i++ {
		if err := os.Remove(list[i].Path); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, fmt.Errorf("remove archive: %w", err))
			continue
		}
		removed++
		metrics.ArchivesDeleted.Inc()
	}
	return removed, errs
}

// moveFile renames src to dst, copying when a rename is not possible (for
// example across devices)
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open file to archive: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy to archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	in.Close()
	return os.Truncate(src, 0)
}

func periodKey(t time.Time, every Period) string {
	switch every {
	case PeriodMinute:
		return t.Format("200601021504")
	case PeriodHour:
		return t.Format("2006010215")
	default:
		return t.Format("20060102")
	}
}
