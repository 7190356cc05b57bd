package factory

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// hostLock is an exclusive advisory flock on a file, preventing two
// factory processes on the same host from racing on instance-index
// assignment. The guard holds the lock until Release (or process exit)
// closes the underlying file descriptor.
type hostLock struct {
	file *os.File
}

// acquireHostLock opens (creating if necessary) the lock file at path and
// blocks until an exclusive flock is obtained.
func acquireHostLock(path string) (*hostLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &hostLock{file: f}, nil
}

// tryAcquireHostLock attempts a non-blocking flock, returning
// unix.EWOULDBLOCK (wrapped) if another process already holds it.
func tryAcquireHostLock(path string) (*hostLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &hostLock{file: f}, nil
}

// Release unlocks and closes the lock file.
func (l *hostLock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
