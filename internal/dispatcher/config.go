package dispatcher

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"logship/internal/cache"
)

// Mode selects where the dispatch algorithm runs
type Mode string

const (
	// ModeBackground buffers envelopes and dispatches from a scheduling loop
	ModeBackground Mode = "background"
	// ModeSync dispatches in the submitting goroutine
	ModeSync Mode = "sync"
)

// Overflow is what Submit does when the queue limit is reached
type Overflow string

const (
	OverflowBlock         Overflow = "block"
	OverflowGrow          Overflow = "grow"
	OverflowDiscard       Overflow = "discard"
	OverflowDiscardOldest Overflow = "discardOldest"
)

// Backoff selects the delay schedule between retries
type Backoff string

const (
	BackoffConstant    Backoff = "constant"
	BackoffExponential Backoff = "exponential"
)

// Config controls batching, retry and shutdown of one dispatcher
type Config struct {
	// BatchSize caps the envelopes handed to one write
	BatchSize int `yaml:"batchSize" mapstructure:"batchSize"`

	// BatchDelay is how long a partial batch waits for more envelopes
	BatchDelay time.Duration `yaml:"batchDelay" mapstructure:"batchDelay"`

	// ThrottleDelay is the minimum time between writes to one key; envelopes
	// arriving meanwhile join the next batch (0 = off)
	ThrottleDelay time.Duration `yaml:"throttleDelay" mapstructure:"throttleDelay"`

	// RetryCount is the number of retries after the first attempt
	RetryCount int `yaml:"retryCount" mapstructure:"retryCount"`

	// RetryDelay is the delay before the first retry
	RetryDelay time.Duration `yaml:"retryDelay" mapstructure:"retryDelay"`

	// RetryBackoff keeps the delay constant or doubles it per retry
	RetryBackoff Backoff `yaml:"retryBackoff" mapstructure:"retryBackoff"`

	// MaxRetryDelay caps exponential delays
	MaxRetryDelay time.Duration `yaml:"maxRetryDelay" mapstructure:"maxRetryDelay"`

	// OperationTimeout bounds one attempt, handle construction included (0 = none)
	OperationTimeout time.Duration `yaml:"operationTimeout" mapstructure:"operationTimeout"`

	// QueueLimit bounds buffered envelopes (0 = unbounded)
	QueueLimit int `yaml:"queueLimit" mapstructure:"queueLimit"`

	// Overflow applies when QueueLimit is reached
	Overflow Overflow `yaml:"overflow" mapstructure:"overflow"`

	// Workers caps concurrent writes across keys
	Workers int `yaml:"workers" mapstructure:"workers"`

	// ShutdownGrace is how long Close waits for buffered envelopes
	ShutdownGrace time.Duration `yaml:"shutdownGrace" mapstructure:"shutdownGrace"`

	Mode Mode `yaml:"mode" mapstructure:"mode"`

	// KeepOpen caches handles between writes; false opens one per write
	KeepOpen bool `yaml:"keepOpen" mapstructure:"keepOpen"`

	// CacheCapacity bounds open handles (default 5)
	CacheCapacity int `yaml:"cacheCapacity" mapstructure:"cacheCapacity"`

	// IdleTimeout closes handles unused for longer (0 = never)
	IdleTimeout time.Duration `yaml:"idleTimeout" mapstructure:"idleTimeout"`
}

// DefaultConfig returns the dispatcher defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:        100,
		BatchDelay:       100 * time.Millisecond,
		RetryCount:       3,
		RetryDelay:       500 * time.Millisecond,
		RetryBackoff:     BackoffExponential,
		MaxRetryDelay:    30 * time.Second,
		OperationTimeout: 150 * time.Second,
		QueueLimit:       10000,
		Overflow:         OverflowDiscard,
		Workers:          4,
		ShutdownGrace:    15 * time.Second,
		Mode:             ModeBackground,
		KeepOpen:         true,
		CacheCapacity:    cache.DefaultCapacity,
	}
}

// Normalize fills zero values that have no meaning
func (c *Config) Normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Mode == "" {
		c.Mode = ModeBackground
	}
	if c.Overflow == "" {
		c.Overflow = OverflowDiscard
	}
	if c.RetryBackoff == "" {
		c.RetryBackoff = BackoffConstant
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = cache.DefaultCapacity
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeBackground, ModeSync:
	default:
		return fmt.Errorf("unknown dispatch mode %q", c.Mode)
	}

	switch c.Overflow {
	case OverflowBlock, OverflowGrow, OverflowDiscard, OverflowDiscardOldest:
	default:
		return fmt.Errorf("unknown overflow action %q", c.Overflow)
	}

	switch c.RetryBackoff {
	case BackoffConstant, BackoffExponential:
	default:
		return fmt.Errorf("unknown retry backoff %q", c.RetryBackoff)
	}

	if c.RetryCount < 0 {
		return fmt.Errorf("retryCount must be non-negative, got %d", c.RetryCount)
	}

	if c.QueueLimit < 0 {
		return fmt.Errorf("queueLimit must be non-negative, got %d", c.QueueLimit)
	}

	if c.BatchDelay < 0 || c.ThrottleDelay < 0 || c.RetryDelay < 0 ||
		c.OperationTimeout < 0 || c.ShutdownGrace < 0 || c.IdleTimeout < 0 {
		return errors.New("durations must be non-negative")
	}

	return nil
}

// newBackOff returns the retry delay schedule for one batch
func (c *Config) newBackOff() backoff.BackOff {
	if c.RetryBackoff != BackoffExponential {
		return backoff.NewConstantBackOff(c.RetryDelay)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if c.MaxRetryDelay > 0 {
		b.MaxInterval = c.MaxRetryDelay
	}
	b.Reset()
	return b
}
