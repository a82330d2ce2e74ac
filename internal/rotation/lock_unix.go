//go:build unix

package rotation

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

// LockSupported reports whether Mutex spans processes on this platform
func LockSupported() bool { return true }

// Mutex is a host-wide lock scoped to one destination path. It serializes
// goroutines of this process with a local mutex and other processes with an
// advisory flock on a lock file under the OS temp dir.
type Mutex struct {
	local sync.Mutex
	path  string
	f     *os.File
}

// NewMutex creates the lock for destination. The lock file is created lazily.
func NewMutex(destination string) (*Mutex, error) {
	abs, err := filepath.Abs(destination)
	if err != nil {
		return nil, fmt.Errorf("resolve lock path: %w", err)
	}
	return &Mutex{path: LockFile(abs)}, nil
}

// LockFile returns the lock file path used for an absolute destination
func LockFile(abs string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("logship-%016x.lock", xxhash.Sum64String(abs)))
}

// Lock blocks until this goroutine holds the lock host-wide
func (m *Mutex) Lock() error {
	m.local.Lock()
	if m.f == nil {
		f, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			m.local.Unlock()
			return fmt.Errorf("open lock file: %w", err)
		}
		m.f = f
	}
	for {
		err := unix.Flock(int(m.f.Fd()), unix.LOCK_EX)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			m.local.Unlock()
			return fmt.Errorf("flock %s: %w", m.path, err)
		}
		return nil
	}
}

// Unlock releases the lock
func (m *Mutex) Unlock() error {
	defer m.local.Unlock()
	if m.f == nil {
		return nil
	}
	return unix.Flock(int(m.f.Fd()), unix.LOCK_UN)
}

// Close releases the lock file handle. The file itself is left in place for
// other processes.
func (m *Mutex) Close() error {
	m.local.Lock()
	defer m.local.Unlock()
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}
