// Command vm0init is the guest-side PID-1 (C7): it mounts the guest
// filesystem, assembles the read-only-rootfs-plus-overlay that the host's
// pooled overlay backs, pivots into it, reaps zombies, and then runs the
// vsock command server (C8) on the main thread until shutdown.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	roDir       = "/ro"
	overlayUpper = "/overlay/upper"
	overlayWork  = "/overlay/work"
	newRoot      = "/newroot"
	oldRootDir   = "old_root"

	reaperInterval = 100 * time.Millisecond
)

// shutdownRequested is set by the SIGTERM/SIGINT handler and polled by
// the reaper goroutine, which is the only place PID 1 calls exit(0) from
// — matching spec §4.7 step 5 exactly so a signal never interrupts an
// in-flight waitpid reap.
var shutdownRequested atomic.Bool

func main() {
	if os.Getpid() != 1 {
		log.Println("vm0init: warning: not running as pid 1, continuing anyway (test/dev mode)")
	}

	if err := mountEarlyFilesystems(); err != nil {
		log.Fatalf("vm0init: mount early filesystems: %v", err)
	}
	if err := assembleOverlayRoot(); err != nil {
		log.Fatalf("vm0init: assemble overlay root: %v", err)
	}
	if err := pivotIntoNewRoot(); err != nil {
		log.Fatalf("vm0init: pivot_root: %v", err)
	}

	installSignalHandlers()
	go reapLoop()

	// The reaper goroutine calls os.Exit(0) directly once shutdown is
	// requested and all children are reaped (spec §4.7 step 5), so the
	// server below runs until that happens or it hits a fatal error of
	// its own; it does not need its own cancellation path.
	if err := runGuestServer(context.Background()); err != nil {
		log.Fatalf("vm0init: guest vsock server exited fatally: %v", err)
	}
}

// mountEarlyFilesystems mounts the three virtual filesystems a bare
// kernel boot needs before anything else can run, per spec §4.7 step 1.
func mountEarlyFilesystems() error {
	mounts := []struct{ source, target, fstype string }{
		{"proc", "/proc", "proc"},
		{"sysfs", "/sys", "sysfs"},
		{"devtmpfs", "/dev", "devtmpfs"},
	}
	for _, m := range mounts {
		if err := os.MkdirAll(m.target, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", m.target, err)
		}
		if err := unix.Mount(m.source, m.target, m.fstype, 0, ""); err != nil {
			return fmt.Errorf("mount %s on %s: %w", m.fstype, m.target, err)
		}
	}
	return nil
}

// assembleOverlayRoot mounts an overlayfs combining the read-only rootfs
// image at roDir with the writable overlay drive's upper/work directories,
// landing the merged view at newRoot, per spec §4.7 step 2. vm0init does
// not mount the rootfs at roDir or the overlay drive (the pool-assigned
// PooledOverlay) at /overlay itself; it only creates upper/ and work/
// under /overlay and mounts the overlayfs over whatever is there.
func assembleOverlayRoot() error {
	for _, dir := range []string{overlayUpper, overlayWork, newRoot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", roDir, overlayUpper, overlayWork)
	if err := unix.Mount("overlay", newRoot, "overlay", 0, opts); err != nil {
		return fmt.Errorf("mount overlay on %s: %w", newRoot, err)
	}
	return nil
}

// pivotIntoNewRoot swaps the process root to newRoot and lazily unmounts
// the old root, per spec §4.7 step 3.
func pivotIntoNewRoot() error {
	oldRoot := newRoot + "/" + oldRootDir
	if err := os.MkdirAll(oldRoot, 0700); err != nil {
		return fmt.Errorf("mkdir %s: %w", oldRoot, err)
	}
	if err := unix.PivotRoot(newRoot, oldRoot); err != nil {
		return fmt.Errorf("pivot_root(%s, %s): %w", newRoot, oldRoot, err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	if err := unix.Unmount("/"+oldRootDir, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("umount -l /%s: %w", oldRootDir, err)
	}
	return nil
}

// installSignalHandlers matches spec §4.7 step 4: SIGTERM/SIGINT set the
// shutdown flag, SIGTTIN/SIGTTOU/SIGPIPE are ignored, and SIGCHLD is left
// untouched at its kernel default (not SIG_IGN) so waitpid in the reaper
// below stays deterministic instead of racing the kernel's own auto-reap.
// The Go runtime already installs its signal handlers with SA_RESTART, so
// signal.Notify/signal.Ignore here reproduce the sigaction semantics spec
// §9's Design Notes call for without touching raw sigaction ourselves.
func installSignalHandlers() {
	signal.Ignore(syscall.SIGTTIN, syscall.SIGTTOU, syscall.SIGPIPE)

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-term
		shutdownRequested.Store(true)
	}()
}

// reapLoop polls every 100ms, draining every exited child with a
// non-blocking wait4 loop, then checks the shutdown flag and exits the VM
// once it's set — spec §4.7 step 5, kept on its own goroutine so the main
// thread is free to run the vsock server loop.
func reapLoop() {
	var status unix.WaitStatus
	for {
		for {
			pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
			if err != nil || pid <= 0 {
				break
			}
		}
		if shutdownRequested.Load() {
			os.Exit(0)
		}
		time.Sleep(reaperInterval)
	}
}
