package executor

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tartarus-sandbox/tartarus/pkg/vmerr"
)

func TestRunDirectCapturesOutput(t *testing.T) {
	e := New(nil)
	res, err := e.Run(context.Background(), Direct, "", "echo", "hi")
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "hi\n", res.Stdout)
}

func TestRunNonZeroExitReturnsCommandFailed(t *testing.T) {
	e := New(nil)
	_, err := e.Run(context.Background(), Direct, "", "sh", "-c", "echo boom >&2; exit 3")
	require.Error(t, err)
	require.True(t, errors.Is(err, vmerr.CommandFailed))

	var cmdErr *vmerr.CommandFailedError
	require.True(t, errors.As(err, &cmdErr))
	require.Equal(t, 3, cmdErr.ExitCode)
	require.Contains(t, cmdErr.Stderr, "boom")
}

func TestWrapModesProduceExpectedCommandLine(t *testing.T) {
	name, args := wrap(Direct, "", "mkfs.ext4", []string{"/tmp/x.img"})
	require.Equal(t, "mkfs.ext4", name)
	require.Equal(t, []string{"/tmp/x.img"}, args)

	name, args = wrap(Sudo, "", "mkdir", []string{"-p", "/run/vm0"})
	require.Equal(t, "sudo", name)
	require.Equal(t, []string{"-n", "mkdir", "-p", "/run/vm0"}, args)

	name, args = wrap(Netns, "vm0-ns-3", "ip", []string{"addr", "add", "192.168.241.1/29", "dev", "vm0-tap"})
	require.Equal(t, "ip", name)
	require.Equal(t, []string{"netns", "exec", "vm0-ns-3", "sudo", "-n", "ip", "addr", "add", "192.168.241.1/29", "dev", "vm0-tap"}, args)
}

func TestKillGroupNoopOnNilCmd(t *testing.T) {
	require.NotPanics(t, func() { KillGroup(nil) })
	require.NotPanics(t, func() { KillGroup(&exec.Cmd{}) })
}
