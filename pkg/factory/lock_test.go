package factory

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAcquireCreatesLockFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.lock")

	lock, err := acquireHostLock(path)
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
	require.NoError(t, lock.Release())
}

func TestHeldLockBlocksNonblockingAttempt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.lock")

	held, err := acquireHostLock(path)
	require.NoError(t, err)
	defer held.Release()

	_, err = tryAcquireHostLock(path)
	require.Error(t, err)
	require.True(t, errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN))
}

func TestLockReleasedAfterRelease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.lock")

	lock, err := acquireHostLock(path)
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	second, err := tryAcquireHostLock(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestInvalidPathReturnsError(t *testing.T) {
	_, err := acquireHostLock("/nonexistent/dir/test.lock")
	require.Error(t, err)
}
