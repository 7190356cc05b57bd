package tartarus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tartarus-sandbox/tartarus/pkg/domain"
	"github.com/tartarus-sandbox/tartarus/pkg/executor"
)

func testSandbox(t *testing.T) *FirecrackerSandbox {
	t.Helper()
	cfg := domain.FirecrackerConfig{
		BinaryPath:    "/usr/bin/firecracker",
		KernelPath:    "/var/lib/vm0/vmlinux",
		RootFSPath:    "/var/lib/vm0/rootfs.ext4",
		StartDeadline: 5,
		Limits:        domain.DefaultResourceLimits(),
	}
	overlay := domain.PooledOverlay{Slot: 3, Path: "/var/lib/vm0/overlays/slot-3.img"}
	netns := domain.PooledNetns{Index: 3, Name: "vm0-ns-3"}
	return New(cfg, t.TempDir(), overlay, netns, executor.New(nil), nil)
}

func TestPathsAreWorkspaceScoped(t *testing.T) {
	paths := Paths{Workspace: "/run/vm0/workspaces/abc"}
	require.Equal(t, "/run/vm0/workspaces/abc/config.json", paths.Config())
	require.Equal(t, "/run/vm0/workspaces/abc/api.sock", paths.APISock())
	require.Equal(t, "/run/vm0/workspaces/abc/vsock/vsock.sock", paths.Vsock())
}

func TestNewSandboxStartsInCreatedState(t *testing.T) {
	s := testSandbox(t)
	require.Equal(t, domain.RunStatusCreated, s.Status())
	require.NotEmpty(t, s.ID())
}

func TestBuildMachineConfigFreshBootHasNoSnapshot(t *testing.T) {
	s := testSandbox(t)
	cfg := s.buildMachineConfig(nil)

	require.Equal(t, s.cfg.KernelPath, cfg.KernelImagePath)
	require.Contains(t, cfg.KernelArgs, "init=/init")
	require.Equal(t, "/var/run/netns/vm0-ns-3", cfg.NetNS)
	require.Len(t, cfg.Drives, 2)
	require.Equal(t, "rootfs", *cfg.Drives[0].DriveID)
	require.True(t, *cfg.Drives[0].IsRootDevice)
	require.Equal(t, "overlay", *cfg.Drives[1].DriveID)
	require.False(t, *cfg.Drives[1].IsRootDevice)
	require.Len(t, cfg.VsockDevices, 1)
	require.Equal(t, s.paths.Vsock(), cfg.VsockDevices[0].Path)
}

func TestBuildMachineConfigSnapshotClearsKernelImage(t *testing.T) {
	s := testSandbox(t)
	snap := &domain.SnapshotConfig{
		StatePath:   "/snap/state",
		MemFilePath: "/snap/mem",
	}
	cfg := s.buildMachineConfig(snap)

	require.Empty(t, cfg.KernelImagePath)
	require.Equal(t, "/snap/state", cfg.Snapshot.SnapshotPath)
	require.Equal(t, "/snap/mem", cfg.Snapshot.MemFilePath)
	require.True(t, cfg.Snapshot.ResumeVM)
}

func TestSpawnFirecrackerWrapsWithSudo(t *testing.T) {
	s := testSandbox(t)
	cmd, err := s.spawnFirecracker(context.Background())
	require.NoError(t, err)
	require.Equal(t, "/usr/bin/sudo", cmd.Path)
	require.Contains(t, cmd.Args, "-n")
	require.NotNil(t, cmd.SysProcAttr)
}

func TestExecBeforeStartFails(t *testing.T) {
	s := testSandbox(t)
	_, err := s.Exec(context.Background(), domain.NewExecRequest("id-1", "true", time.Second))
	require.Error(t, err)
}

func TestWriteConfigFileWritesWorkspaceFile(t *testing.T) {
	s := testSandbox(t)
	require.NoError(t, s.WriteConfigFile())
	require.FileExists(t, s.paths.Config())
}
