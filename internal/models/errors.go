package models

import (
	"errors"
	"fmt"
)

// Delivery errors
var (
	ErrTimeout  = errors.New("write operation timed out")
	ErrOverflow = errors.New("queue overflow, envelope discarded")
	ErrShutdown = errors.New("dispatcher closed before envelope was written")
)

// InitializationError means the sink could not be brought up. It is permanent:
// every envelope for that sink fails with it until reconfigured.
type InitializationError struct {
	Sink string
	Err  error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("sink %s initialization failed: %v", e.Sink, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// TransientWriteError is a retryable failure of a single write against a key
type TransientWriteError struct {
	Key string
	Err error
}

func (e *TransientWriteError) Error() string {
	return fmt.Sprintf("write to %q failed: %v", e.Key, e.Err)
}

func (e *TransientWriteError) Unwrap() error { return e.Err }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether the dispatcher should try again after err
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var initErr *InitializationError
	if errors.As(err, &initErr) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	return !errors.Is(err, ErrShutdown)
}
