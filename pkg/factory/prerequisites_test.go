package factory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tartarus-sandbox/tartarus/pkg/domain"
	"github.com/tartarus-sandbox/tartarus/pkg/vmerr"
)

func TestMissingCommandsFindsAbsentOnes(t *testing.T) {
	missing := missingCommands([]string{"sh", "definitely-not-a-real-command-xyz"})
	require.Equal(t, []string{"definitely-not-a-real-command-xyz"}, missing)
}

// TestCheckPrerequisitesAggregatesAllFailures mirrors spec §8 scenario 5:
// a host missing its firecracker binary and kernel reports one
// BackendNotAvailable error whose message contains both substrings.
func TestCheckPrerequisitesAggregatesAllFailures(t *testing.T) {
	cfg := domain.FirecrackerConfig{
		BinaryPath: "/nonexistent/firecracker",
		KernelPath: "/nonexistent/vmlinux",
		RootFSPath: "/nonexistent/rootfs.ext4",
	}
	err := CheckPrerequisites(context.Background(), cfg)
	require.Error(t, err)
	require.True(t, errors.Is(err, vmerr.BackendNotAvailable))
	require.Contains(t, err.Error(), "firecracker")
	require.Contains(t, err.Error(), "vmlinux")
}

func TestCheckFileExists(t *testing.T) {
	require.NoError(t, checkFileExists("/", "root"))
	require.Error(t, checkFileExists("/definitely/not/here", "thing"))
}
