package factory

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sync/errgroup"

	"github.com/tartarus-sandbox/tartarus/pkg/domain"
	"github.com/tartarus-sandbox/tartarus/pkg/vmerr"
)

// requiredCommands are always checked; mkfs.ext4 is additionally required
// unless the config boots from a snapshot.
var requiredCommands = []string{"ip", "iptables", "iptables-save", "sysctl", "pgrep"}

// CheckPrerequisites runs every host-readiness check concurrently and
// joins all failures into a single BackendNotAvailable error — the caller
// never has to retry one check at a time to discover the full picture.
func CheckPrerequisites(ctx context.Context, cfg domain.FirecrackerConfig) error {
	var g errgroup.Group
	failures := make(chan error, 16)

	checks := []func() error{
		func() error { return checkFileExists(cfg.BinaryPath, "firecracker binary") },
		func() error { return checkExecutable(cfg.BinaryPath, "firecracker binary") },
		func() error { return checkFileExists(cfg.KernelPath, "kernel") },
		func() error { return checkFileExists(cfg.RootFSPath, "rootfs") },
		func() error { return checkKVM() },
		func() error { return checkRequiredCommands(cfg) },
		func() error { return checkSudo(ctx) },
		func() error { return ensureRuntimeDir(ctx) },
	}
	if cfg.HasSnapshot() {
		checks = append(checks,
			func() error { return checkFileExists(cfg.Snapshot.StatePath, "snapshot state") },
			func() error { return checkFileExists(cfg.Snapshot.MemFilePath, "snapshot memory") },
			func() error { return checkFileExists(cfg.Snapshot.BaseOverlayPath, "snapshot overlay") },
		)
	}

	for _, check := range checks {
		check := check
		g.Go(func() error {
			if err := check(); err != nil {
				failures <- err
			}
			return nil
		})
	}
	_ = g.Wait()
	close(failures)

	var all []error
	for err := range failures {
		all = append(all, err)
	}
	return vmerr.Aggregate(all)
}

func checkFileExists(path, label string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%s not found: %s", label, path)
	}
	return nil
}

func checkExecutable(path, label string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // already reported by checkFileExists
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("%s is not executable: %s", label, path)
	}
	return nil
}

func checkKVM() error {
	const kvmPath = "/dev/kvm"
	if _, err := os.Stat(kvmPath); err != nil {
		return fmt.Errorf("/dev/kvm not found (KVM not available)")
	}
	f, err := os.OpenFile(kvmPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("/dev/kvm not accessible: %w", err)
	}
	return f.Close()
}

func checkRequiredCommands(cfg domain.FirecrackerConfig) error {
	commands := append([]string{}, requiredCommands...)
	if !cfg.HasSnapshot() {
		commands = append(commands, "mkfs.ext4")
	}
	missing := missingCommands(commands)
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("required command(s) not found: %v", missing)
}

// missingCommands returns the subset of commands not found on PATH.
// Factored out from checkRequiredCommands so it can be exercised with an
// arbitrary command list in tests, independent of what happens to be
// installed on the host running the test.
func missingCommands(commands []string) []string {
	var missing []string
	for _, cmd := range commands {
		if _, err := exec.LookPath(cmd); err != nil {
			missing = append(missing, cmd)
		}
	}
	return missing
}

func checkSudo(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "sudo", "-n", "true")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("root/sudo access required for network configuration; run with sudo or configure sudoers")
	}
	return nil
}

// ensureRuntimeDir creates /run/vm0 with mode 1777 if needed. /run is a
// root-owned tmpfs, so this shells out through sudo rather than calling
// os.MkdirAll directly.
func ensureRuntimeDir(ctx context.Context) error {
	if err := exec.CommandContext(ctx, "sudo", "-n", "mkdir", "-p", RuntimeDir).Run(); err != nil {
		return fmt.Errorf("failed to create %s: %w", RuntimeDir, err)
	}
	if err := exec.CommandContext(ctx, "sudo", "-n", "chmod", "1777", RuntimeDir).Run(); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", RuntimeDir, err)
	}
	return nil
}
