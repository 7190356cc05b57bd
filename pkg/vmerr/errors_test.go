package vmerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	err := Wrap(KindStartFailed, "vsock socket never appeared", errors.New("timeout"))
	require.True(t, errors.Is(err, StartFailed))
	require.False(t, errors.Is(err, ExecFailed))
}

func TestAggregateJoinsAllMessages(t *testing.T) {
	err := Aggregate([]error{
		errors.New("/dev/kvm missing"),
		nil,
		errors.New("iptables not on PATH"),
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, BackendNotAvailable))
	require.Contains(t, err.Error(), "/dev/kvm missing")
	require.Contains(t, err.Error(), "iptables not on PATH")
}

func TestAggregateNilWhenNoFailures(t *testing.T) {
	require.NoError(t, Aggregate([]error{nil, nil}))
}

func TestCommandFailedErrorMatchesSentinel(t *testing.T) {
	err := &CommandFailedError{CommandLine: "mkfs.ext4 /tmp/x", ExitCode: 1, Stderr: "no such device"}
	require.True(t, errors.Is(err, CommandFailed))
	require.Contains(t, err.Error(), "no such device")
}
