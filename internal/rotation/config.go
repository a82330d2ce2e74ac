package rotation

import (
	"errors"
	"fmt"
)

// Numbering selects how archive files are named
type Numbering string

const (
	// NumberingSequence appends an ever increasing integer, starting at 1
	NumberingSequence Numbering = "sequence"
	// NumberingRolling keeps the newest archive at 0 and shifts older ones up
	NumberingRolling Numbering = "rolling"
	// NumberingDate appends the rotation time down to milliseconds
	NumberingDate Numbering = "date"
)

// Period is the granularity of the date trigger
type Period string

const (
	PeriodNone   Period = ""
	PeriodDay    Period = "day"
	PeriodHour   Period = "hour"
	PeriodMinute Period = "minute"
)

// DefaultDateFormat embeds the rotation time with millisecond resolution
const DefaultDateFormat = "20060102T150405.000"

// Config controls when a file rotates and what happens to its archives
type Config struct {
	// MaxSize triggers rotation when size + pending write exceeds it (bytes, 0 = off)
	MaxSize int64 `mapstructure:"maxSize" yaml:"maxSize"`

	// Every triggers rotation when the wall-clock period changes
	Every Period `mapstructure:"every" yaml:"every"`

	// Numbering of archive files (default sequence)
	Numbering Numbering `mapstructure:"numbering" yaml:"numbering"`

	// MaxArchiveFiles bounds the archive set; oldest are deleted first (0 = keep all)
	MaxArchiveFiles int `mapstructure:"maxArchiveFiles" yaml:"maxArchiveFiles"`

	// ArchiveDir is where archives go, relative to the active file's directory
	ArchiveDir string `mapstructure:"archiveDir" yaml:"archiveDir"`

	// DateFormat is the Go time layout used by date numbering
	DateFormat string `mapstructure:"dateFormat" yaml:"dateFormat"`

	// ArchiveOldFileOnStartup archives a non-empty file found when the sink first opens it
	ArchiveOldFileOnStartup bool `mapstructure:"archiveOldFileOnStartup" yaml:"archiveOldFileOnStartup"`

	// DeleteOldFileOnStartup deletes a file found when the sink first opens it
	DeleteOldFileOnStartup bool `mapstructure:"deleteOldFileOnStartup" yaml:"deleteOldFileOnStartup"`

	// ConcurrentWrites guards check/write/rotate with a host-wide lock so
	// several processes can append to the same file
	ConcurrentWrites bool `mapstructure:"concurrentWrites" yaml:"concurrentWrites"`

	// ForceMutexWrites also takes the lock for writes that do not rotate
	ForceMutexWrites bool `mapstructure:"forceMutexWrites" yaml:"forceMutexWrites"`

	// AllowLocalLock lets ConcurrentWrites degrade to a process-local lock
	// where the platform has no named lock
	AllowLocalLock bool `mapstructure:"allowLocalLock" yaml:"allowLocalLock"`
}

// ErrLockUnsupported is returned when cross-process writes are requested on a
// platform without a named lock and the local fallback was not allowed
var ErrLockUnsupported = errors.New("cross-process file lock is not supported on this platform")

// Normalize fills defaults
func (c *Config) Normalize() {
	if c.Numbering == "" {
		c.Numbering = NumberingSequence
	}
	if c.DateFormat == "" {
		c.DateFormat = DefaultDateFormat
	}
	if c.Every == "none" {
		c.Every = PeriodNone
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	switch c.Numbering {
	case NumberingSequence, NumberingRolling, NumberingDate:
	default:
		return fmt.Errorf("unknown archive numbering %q", c.Numbering)
	}

	switch c.Every {
	case PeriodNone, PeriodDay, PeriodHour, PeriodMinute:
	default:
		return fmt.Errorf("unknown rotation period %q", c.Every)
	}

	if c.MaxSize < 0 {
		return fmt.Errorf("maxSize must be non-negative, got %d", c.MaxSize)
	}

	if c.MaxArchiveFiles < 0 {
		return fmt.Errorf("maxArchiveFiles must be non-negative, got %d", c.MaxArchiveFiles)
	}

	if c.ArchiveOldFileOnStartup && c.DeleteOldFileOnStartup {
		return errors.New("archiveOldFileOnStartup and deleteOldFileOnStartup are exclusive")
	}

	if (c.ConcurrentWrites || c.ForceMutexWrites) && !LockSupported() && !c.AllowLocalLock {
		return ErrLockUnsupported
	}

	return nil
}

// Enabled reports whether any trigger is configured
func (c *Config) Enabled() bool {
	return c.MaxSize > 0 || c.Every != PeriodNone
}
