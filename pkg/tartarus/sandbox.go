// Package tartarus drives one Firecracker VMM instance (C4): it prepares
// the on-disk workspace, launches firecracker inside a pooled network
// namespace, configures it either by booting fresh or restoring a
// snapshot, owns the vsock client, and tears the VMM down. Returning the
// pooled overlay and netns is left to the factory's Destroy.
package tartarus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/tartarus-sandbox/tartarus/pkg/domain"
	"github.com/tartarus-sandbox/tartarus/pkg/executor"
	"github.com/tartarus-sandbox/tartarus/pkg/hermes"
	"github.com/tartarus-sandbox/tartarus/pkg/vmerr"
	"github.com/tartarus-sandbox/tartarus/pkg/vsock"
)

// guestAgentPort is the fixed vsock port the in-guest agent (C8) listens
// on; it is the same for every sandbox since each gets its own vsock
// device.
const guestAgentPort = 52

// Backend is the capability set a sandbox implementation must satisfy;
// *FirecrackerSandbox is one implementation. Polymorphism over sandbox
// backends is expressed as a capability set, not a type hierarchy. The
// factory (C5) itself works with *FirecrackerSandbox directly.
type Backend interface {
	ID() domain.SandboxID
	Start(ctx context.Context) error
	Exec(ctx context.Context, req domain.ExecRequest) (*domain.ExecResult, error)
	SpawnWatch(ctx context.Context, req domain.SpawnRequest) (*domain.SpawnHandle, error)
	WaitExit(ctx context.Context, req domain.WaitRequest) (*domain.WaitResult, error)
	WriteFile(ctx context.Context, req domain.WriteFileRequest) error
	Stop(ctx context.Context) error
	Kill(ctx context.Context) error
}

// Paths is the per-sandbox file layout within one workspace directory,
// ported from the original SandboxPaths builder.
type Paths struct {
	Workspace string
}

func (p Paths) Config() string   { return filepath.Join(p.Workspace, "config.json") }
func (p Paths) APISock() string  { return filepath.Join(p.Workspace, "api.sock") }
func (p Paths) VsockDir() string { return filepath.Join(p.Workspace, "vsock") }
func (p Paths) Vsock() string    { return filepath.Join(p.VsockDir(), "vsock.sock") }

// FirecrackerSandbox drives the state machine Created -> Starting ->
// Running -> Stopping -> Stopped. Every transition is driven by exactly
// one owner; concurrent Start/Stop on the same sandbox is undefined,
// matching spec §4.4.
type FirecrackerSandbox struct {
	id      domain.SandboxID
	cfg     domain.FirecrackerConfig
	paths   Paths
	netns   domain.PooledNetns
	overlay domain.PooledOverlay
	exec    *executor.Executor
	logger  hermes.Logger
	metrics hermes.Metrics

	startDeadline time.Duration

	mu       sync.Mutex
	status   domain.RunStatus
	machine  *firecracker.Machine
	cmd      *exec.Cmd
	vsockCli *vsock.Client
	bindMounts []string
}

// New constructs a Sandbox in state Created. It does not touch the
// filesystem or spawn anything until Start is called.
func New(cfg domain.FirecrackerConfig, workspace string, overlay domain.PooledOverlay, netns domain.PooledNetns, exec *executor.Executor, logger hermes.Logger) *FirecrackerSandbox {
	deadline := time.Duration(cfg.StartDeadline) * time.Second
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return &FirecrackerSandbox{
		id:            domain.SandboxID(uuid.NewString()),
		cfg:           cfg,
		paths:         Paths{Workspace: workspace},
		overlay:       overlay,
		netns:         netns,
		exec:          exec,
		logger:        logger,
		startDeadline: deadline,
		status:        domain.RunStatusCreated,
	}
}

func (s *FirecrackerSandbox) ID() domain.SandboxID { return s.id }

// SetMetrics attaches a metrics sink the factory builds once per host;
// it is optional (nil is fine, Exec just skips the histogram observation)
// so tests can construct a sandbox with New alone.
func (s *FirecrackerSandbox) SetMetrics(m hermes.Metrics) { s.metrics = m }

// Overlay returns the pooled overlay this sandbox was created with, so
// the factory can release it back to the pool on Destroy without needing
// to have kept its own copy.
func (s *FirecrackerSandbox) Overlay() domain.PooledOverlay { return s.overlay }

// Netns returns the pooled network namespace this sandbox was created
// with, including the instance index the factory assigned.
func (s *FirecrackerSandbox) Netns() domain.PooledNetns { return s.netns }

// Status returns the sandbox's current lifecycle state.
func (s *FirecrackerSandbox) Status() domain.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start drives Created -> Starting -> Running. Any failure after the
// process is spawned kills the process group before returning; any
// failure after workspace creation unwinds bind mounts. The pooled
// overlay and netns are not released here; the caller returns them by
// passing the sandbox to Factory.Destroy.
func (s *FirecrackerSandbox) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	s.status = domain.RunStatusStarting
	s.mu.Unlock()

	defer func() {
		if err != nil {
			s.mu.Lock()
			s.status = domain.RunStatusStopped
			s.mu.Unlock()
		}
	}()

	if mkErr := os.MkdirAll(s.paths.VsockDir(), 0755); mkErr != nil {
		return vmerr.Wrap(vmerr.KindStartFailed, "create workspace vsock dir", mkErr)
	}

	if s.cfg.HasSnapshot() {
		err = s.startFromSnapshot(ctx)
	} else {
		err = s.startFresh(ctx)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.status = domain.RunStatusRunning
	s.mu.Unlock()
	return nil
}

// startFresh boots the kernel from scratch: writes a Firecracker config,
// spawns firecracker inside the pooled netns, waits for the vsock socket
// to appear, then opens the vsock client and completes its handshake.
func (s *FirecrackerSandbox) startFresh(ctx context.Context) error {
	fcCfg := s.buildMachineConfig(nil)
	if err := s.WriteConfigFile(); err != nil {
		return vmerr.Wrap(vmerr.KindStartFailed, "write config.json", err)
	}

	cmd, err := s.spawnFirecracker(ctx)
	if err != nil {
		return vmerr.Wrap(vmerr.KindStartFailed, "spawn firecracker", err)
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	machine, err := firecracker.NewMachine(ctx, fcCfg, firecracker.WithProcessRunner(cmd))
	if err != nil {
		executor.KillGroup(cmd)
		return vmerr.Wrap(vmerr.KindStartFailed, "construct firecracker machine", err)
	}
	if err := machine.Start(ctx); err != nil {
		executor.KillGroup(cmd)
		return vmerr.Wrap(vmerr.KindStartFailed, "start firecracker machine", err)
	}
	s.mu.Lock()
	s.machine = machine
	s.mu.Unlock()

	if err := s.waitForVsockSocket(ctx); err != nil {
		executor.KillGroup(cmd)
		return vmerr.Wrap(vmerr.KindStartFailed, "vsock socket never appeared", err)
	}

	if err := s.connectVsock(ctx); err != nil {
		executor.KillGroup(cmd)
		return vmerr.Wrap(vmerr.KindStartFailed, "vsock handshake failed", err)
	}
	return nil
}

// startFromSnapshot bind-mounts the pool-assigned overlay and the
// workspace vsock dir onto the paths the snapshot's own Firecracker
// config expects, then restores via PUT /snapshot/load so every file
// path the guest sees is identical to what was recorded at snapshot
// time.
func (s *FirecrackerSandbox) startFromSnapshot(ctx context.Context) error {
	snap := s.cfg.Snapshot

	if err := s.bindMount(ctx, s.overlay.Path, snap.OverlayBindPath); err != nil {
		return vmerr.Wrap(vmerr.KindStartFailed, "bind-mount overlay", err)
	}
	if err := s.bindMount(ctx, s.paths.VsockDir(), snap.VsockBindDir); err != nil {
		s.unwindBindMounts(ctx)
		return vmerr.Wrap(vmerr.KindStartFailed, "bind-mount vsock dir", err)
	}

	fcCfg := s.buildMachineConfig(snap)
	if err := s.WriteConfigFile(); err != nil {
		s.unwindBindMounts(ctx)
		return vmerr.Wrap(vmerr.KindStartFailed, "write config.json", err)
	}

	cmd, err := s.spawnFirecracker(ctx)
	if err != nil {
		s.unwindBindMounts(ctx)
		return vmerr.Wrap(vmerr.KindStartFailed, "spawn firecracker", err)
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	machine, err := firecracker.NewMachine(ctx, fcCfg, firecracker.WithProcessRunner(cmd))
	if err != nil {
		executor.KillGroup(cmd)
		s.unwindBindMounts(ctx)
		return vmerr.Wrap(vmerr.KindStartFailed, "construct firecracker machine", err)
	}
	if err := machine.Start(ctx); err != nil {
		executor.KillGroup(cmd)
		s.unwindBindMounts(ctx)
		return vmerr.Wrap(vmerr.KindStartFailed, "resume from snapshot", err)
	}
	s.mu.Lock()
	s.machine = machine
	s.mu.Unlock()

	if err := s.waitForVsockSocket(ctx); err != nil {
		executor.KillGroup(cmd)
		s.unwindBindMounts(ctx)
		return vmerr.Wrap(vmerr.KindStartFailed, "vsock socket never appeared after restore", err)
	}
	if err := s.connectVsock(ctx); err != nil {
		executor.KillGroup(cmd)
		s.unwindBindMounts(ctx)
		return vmerr.Wrap(vmerr.KindStartFailed, "vsock handshake failed after restore", err)
	}
	return nil
}

func (s *FirecrackerSandbox) buildMachineConfig(snap *domain.SnapshotConfig) firecracker.Config {
	bootArgs := buildBootArgs(domain.GuestBootArgsNetFragment())

	cfg := firecracker.Config{
		SocketPath:      s.paths.APISock(),
		KernelImagePath: s.cfg.KernelPath,
		KernelArgs:      bootArgs,
		// NetNS tells the SDK to enter the pooled namespace before execing
		// firecracker, so the VMM process sees the TAP device the machine
		// config below references by name without us shelling out to `ip
		// netns exec` ourselves.
		NetNS: "/var/run/netns/" + s.netns.Name,
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(int64(s.cfg.Limits.VCPUCount)),
			MemSizeMib: firecracker.Int64(int64(s.cfg.Limits.MemSizeMB)),
			Smt:        firecracker.Bool(false),
		},
		Drives: []models.Drive{
			{
				DriveID:      firecracker.String("rootfs"),
				PathOnHost:   firecracker.String(s.cfg.RootFSPath),
				IsRootDevice: firecracker.Bool(true),
				IsReadOnly:   firecracker.Bool(true),
			},
			{
				DriveID:      firecracker.String("overlay"),
				PathOnHost:   firecracker.String(s.overlay.Path),
				IsRootDevice: firecracker.Bool(false),
				IsReadOnly:   firecracker.Bool(false),
			},
		},
		VsockDevices: []firecracker.VsockDevice{
			{Path: s.paths.Vsock()},
		},
		NetworkInterfaces: firecracker.NetworkInterfaces{
			{
				StaticConfiguration: &firecracker.StaticNetworkConfiguration{
					MacAddress:  domain.GuestMAC,
					HostDevName: domain.GuestTapName,
				},
			},
		},
	}

	if snap != nil {
		cfg.Snapshot = firecracker.SnapshotConfig{
			MemFilePath:         snap.MemFilePath,
			SnapshotPath:        snap.StatePath,
			EnableDiffSnapshots: false,
			ResumeVM:            true,
		}
		cfg.KernelImagePath = ""
	}
	return cfg
}

// spawnFirecracker builds the firecracker child command via the SDK's own
// command builder, running it under sudo since the jailer-less binary
// needs root to attach the TAP device and vsock UDS inside the pooled
// namespace. The child is placed in its own process group so the whole
// group can be killed atomically on teardown.
func (s *FirecrackerSandbox) spawnFirecracker(ctx context.Context) (*exec.Cmd, error) {
	cmd := firecracker.VMCommandBuilder{}.
		WithBin(s.cfg.BinaryPath).
		WithSocketPath(s.paths.APISock()).
		Build(ctx)

	cmd.Args = append([]string{"sudo", "-n", cmd.Path}, cmd.Args[1:]...)
	cmd.Path = "/usr/bin/sudo"
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

// waitForVsockSocket polls for the vsock proxy socket to appear on disk,
// failing after the sandbox's start deadline.
func (s *FirecrackerSandbox) waitForVsockSocket(ctx context.Context) error {
	deadlineCtx, cancel := context.WithTimeout(ctx, s.startDeadline)
	defer cancel()

	return wait.PollUntilContextCancel(deadlineCtx, 50*time.Millisecond, true, func(context.Context) (bool, error) {
		_, err := os.Stat(s.paths.Vsock())
		if err == nil {
			return true, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	})
}

// connectVsock opens the vsock client and performs the CONNECT/OK
// handshake against the guest agent port.
func (s *FirecrackerSandbox) connectVsock(ctx context.Context) error {
	client := vsock.NewClient(s.paths.Vsock(), guestAgentPort)
	// Exercise the handshake eagerly so a dead guest agent is caught
	// during Start rather than on the first Exec.
	if _, err := client.Exec(ctx, domain.NewExecRequest("startup-probe", "true", 2*time.Second)); err != nil {
		client.Close()
		return err
	}
	s.mu.Lock()
	s.vsockCli = client
	s.mu.Unlock()
	return nil
}

// Exec, SpawnWatch, WaitExit, and WriteFile delegate to the vsock client
// (C6). They do not move the sandbox out of Running on error: a broken
// connection is torn down and the next call opens a new one, matching
// spec §7's "exec errors never move the sandbox out of Running" policy.
func (s *FirecrackerSandbox) Exec(ctx context.Context, req domain.ExecRequest) (*domain.ExecResult, error) {
	client, err := s.client()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result, err := client.Exec(ctx, req)
	if s.metrics != nil {
		s.metrics.ObserveHistogram("vm0_sandbox_exec_duration_seconds", time.Since(start).Seconds())
	}
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindExecFailed, "exec", err)
	}
	return result, nil
}

func (s *FirecrackerSandbox) SpawnWatch(ctx context.Context, req domain.SpawnRequest) (*domain.SpawnHandle, error) {
	client, err := s.client()
	if err != nil {
		return nil, err
	}
	handle, err := client.Spawn(ctx, req)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindExecFailed, "spawn", err)
	}
	return handle, nil
}

func (s *FirecrackerSandbox) WaitExit(ctx context.Context, req domain.WaitRequest) (*domain.WaitResult, error) {
	client, err := s.client()
	if err != nil {
		return nil, err
	}
	result, err := client.Wait(ctx, req)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindExecFailed, "wait", err)
	}
	return result, nil
}

func (s *FirecrackerSandbox) WriteFile(ctx context.Context, req domain.WriteFileRequest) error {
	client, err := s.client()
	if err != nil {
		return err
	}
	if err := client.WriteFile(ctx, req); err != nil {
		return vmerr.Wrap(vmerr.KindExecFailed, "write_file", err)
	}
	return nil
}

func (s *FirecrackerSandbox) client() (*vsock.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vsockCli == nil {
		return nil, vmerr.New(vmerr.KindExecFailed, "sandbox has no vsock connection (not started or already stopped)")
	}
	return s.vsockCli, nil
}

// Stop sends shutdown over vsock and waits up to the start deadline for
// the firecracker child to exit; on timeout it falls back to Kill.
func (s *FirecrackerSandbox) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.status = domain.RunStatusStopping
	client := s.vsockCli
	cmd := s.cmd
	s.mu.Unlock()

	if client != nil {
		_ = client.Shutdown(ctx)
	}

	if cmd != nil {
		waitCtx, cancel := context.WithTimeout(ctx, s.startDeadline)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case <-done:
		case <-waitCtx.Done():
			return s.Kill(ctx)
		}
	}

	s.mu.Lock()
	s.status = domain.RunStatusStopped
	s.mu.Unlock()
	s.closeVsockClient()
	return nil
}

// Kill force-terminates the firecracker process group, unmounts any bind
// mounts, and closes the vsock connection. It is the fallback path for a
// Stop that does not complete within the deadline, and the direct path
// used by callers who do not want a graceful shutdown attempt.
func (s *FirecrackerSandbox) Kill(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	s.status = domain.RunStatusStopped
	s.mu.Unlock()

	executor.KillGroup(cmd)
	s.unwindBindMounts(ctx)
	s.closeVsockClient()
	return nil
}

func (s *FirecrackerSandbox) closeVsockClient() {
	s.mu.Lock()
	client := s.vsockCli
	s.vsockCli = nil
	s.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

// bindMount bind-mounts src onto dst, creating dst if needed, and records
// it for later unwind.
func (s *FirecrackerSandbox) bindMount(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		if f, cerr := os.Create(dst); cerr == nil {
			f.Close()
		}
	}
	if _, err := s.exec.Run(ctx, executor.Sudo, "", "mount", "--bind", src, dst); err != nil {
		return fmt.Errorf("bind mount %s -> %s: %w", src, dst, err)
	}
	s.mu.Lock()
	s.bindMounts = append(s.bindMounts, dst)
	s.mu.Unlock()
	return nil
}

// unwindBindMounts lazily unmounts every bind mount this sandbox created,
// in reverse order, tolerating mounts that are already gone.
func (s *FirecrackerSandbox) unwindBindMounts(ctx context.Context) {
	s.mu.Lock()
	mounts := append([]string{}, s.bindMounts...)
	s.bindMounts = nil
	s.mu.Unlock()

	for i := len(mounts) - 1; i >= 0; i-- {
		_, _ = s.exec.Run(ctx, executor.Sudo, "", "umount", "-l", mounts[i])
	}
}

// WriteConfigFile serializes the Firecracker JSON config to
// paths.Config() for inspection/debugging; firecracker-go-sdk does not
// require this file to exist (it configures the machine over the API
// socket), but the workspace layout in spec §6 promises one, and
// operators rely on it for postmortems.
func (s *FirecrackerSandbox) WriteConfigFile() error {
	fcCfg := s.buildMachineConfig(s.cfg.Snapshot)
	data, err := json.MarshalIndent(fcCfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.paths.Config(), data, 0644)
}
