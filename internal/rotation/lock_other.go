//go:build !unix

package rotation

import "sync"

// LockSupported reports whether Mutex spans processes on this platform
func LockSupported() bool { return false }

// Mutex degrades to a process-local lock where no named lock exists
type Mutex struct {
	local sync.Mutex
}

// NewMutex creates the lock for destination
func NewMutex(destination string) (*Mutex, error) {
	return &Mutex{}, nil
}

// Lock blocks until the lock is held
func (m *Mutex) Lock() error {
	m.local.Lock()
	return nil
}

// Unlock releases the lock
func (m *Mutex) Unlock() error {
	m.local.Unlock()
	return nil
}

// Close is a no-op
func (m *Mutex) Close() error { return nil }
