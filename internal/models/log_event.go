package models

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Level represents log severity levels
type Level string

const (
	LevelTrace Level = "TRACE"
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// sequence is the process-wide counter behind LogEvent.Sequence
var sequence atomic.Uint64

// LogEvent represents a single log entry on its way to a sink
type LogEvent struct {
	// Unique identifier for the log event
	ID string `json:"id"`

	// Severity level of the log
	Level Level `json:"level"`

	// Logical source (logger name) that emitted the event
	Source string `json:"source"`

	// Log message content
	Message string `json:"message"`

	// Optional structured properties
	Properties map[string]any `json:"properties,omitempty"`

	// Monotonically increasing id, diagnostic only
	Sequence uint64 `json:"sequence"`

	// Timestamp when the event was created
	Timestamp time.Time `json:"timestamp"`
}

// Validation errors
var (
	ErrEmptyID           = errors.New("log event ID cannot be empty")
	ErrZeroTimestamp     = errors.New("timestamp cannot be zero")
	ErrFutureTimestamp   = errors.New("timestamp cannot be in the future")
	ErrInvalidTimestamp  = errors.New("invalid timestamp format")
	ErrInvalidLevel      = errors.New("invalid log level")
	ErrEmptySource       = errors.New("source cannot be empty")
	ErrEmptyMessage      = errors.New("message cannot be empty")
	ErrMessageTooLong    = errors.New("message exceeds maximum length")
	ErrTooManyProperties = errors.New("too many properties")
)

const (
	MaxMessageLength = 65536 // 64KB max message size
	MaxProperties    = 50
)

// NewLogEvent creates an event stamped with an id, a sequence number and the current time
func NewLogEvent(level Level, source, message string) *LogEvent {
	return &LogEvent{
		ID:        uuid.NewString(),
		Level:     level,
		Source:    source,
		Message:   message,
		Sequence:  NextSequence(),
		Timestamp: time.Now(),
	}
}

// NextSequence returns the next process-wide sequence id
func NextSequence() uint64 {
	return sequence.Add(1)
}

// WithProperty sets a property and returns the event for chaining
func (e *LogEvent) WithProperty(key string, value any) *LogEvent {
	if e.Properties == nil {
		e.Properties = make(map[string]any)
	}
	e.Properties[key] = value
	return e
}

// Validate checks if the LogEvent has all required fields and valid values
func (e *LogEvent) Validate() error {
	if e.ID == "" {
		return ErrEmptyID
	}

	if e.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}

	if e.Timestamp.After(time.Now().Add(time.Minute)) {
		return ErrFutureTimestamp
	}

	if !e.Level.IsValid() {
		return ErrInvalidLevel
	}

	if e.Source == "" {
		return ErrEmptySource
	}

	if e.Message == "" {
		return ErrEmptyMessage
	}

	if len(e.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}

	if len(e.Properties) > MaxProperties {
		return ErrTooManyProperties
	}

	return nil
}

// IsValid checks if the level is known
func (l Level) IsValid() bool {
	switch l {
	case LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return true
	default:
		return false
	}
}

// ParseLevel converts a level name (any case, "warning" accepted) into a Level
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if l == "WARNING" {
		l = LevelWarn
	}
	if !l.IsValid() {
		return "", ErrInvalidLevel
	}
	return l, nil
}
