// Package executor runs external programs under one of three privilege
// modes, captures their output, and kills their whole process group on
// teardown. It is the lowest-level component in the factory — pools and
// the sandbox all spawn commands through it rather than calling
// os/exec directly.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"github.com/tartarus-sandbox/tartarus/pkg/hermes"
	"github.com/tartarus-sandbox/tartarus/pkg/vmerr"
)

// Privilege selects how a command is wrapped before it is spawned.
type Privilege int

const (
	// Direct runs the command with no wrapper, under the caller's uid.
	Direct Privilege = iota
	// Sudo prefixes the command with `sudo -n`, failing rather than
	// prompting if a password would be required.
	Sudo
	// Netns prefixes the command with `ip netns exec <ns>` and then sudo,
	// for commands that must run inside a pooled network namespace.
	Netns
)

// Executor spawns child processes in their own process group so the whole
// group can be SIGKILLed on timeout or teardown.
type Executor struct {
	Logger hermes.Logger
}

// New builds an Executor. The logger is stored as given; nil is allowed.
func New(logger hermes.Logger) *Executor {
	return &Executor{Logger: logger}
}

// Result is the outcome of a completed command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Run executes name/args under the given privilege mode, waits for it to
// exit, and returns captured output. netns is only consulted when mode is
// Netns. A non-zero exit is reported as *vmerr.CommandFailedError, which
// also satisfies errors.Is(err, vmerr.CommandFailed).
func (e *Executor) Run(ctx context.Context, mode Privilege, netns string, name string, args ...string) (*Result, error) {
	fullName, fullArgs := wrap(mode, netns, name, args)

	cmd := exec.CommandContext(ctx, fullName, fullArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// On ctx expiry, SIGKILL the whole process group, not just the leader.
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runErr != nil {
		cmdLine := strings.Join(append([]string{fullName}, fullArgs...), " ")
		return result, &vmerr.CommandFailedError{
			CommandLine: cmdLine,
			ExitCode:    result.ExitCode,
			Stderr:      result.Stderr,
		}
	}
	return result, nil
}

// Spawn starts a long-running command in its own process group and
// returns the *exec.Cmd without waiting. Callers are responsible for
// calling KillGroup on it during teardown.
func (e *Executor) Spawn(ctx context.Context, mode Privilege, netns string, name string, args ...string) (*exec.Cmd, error) {
	fullName, fullArgs := wrap(mode, netns, name, args)

	cmd := exec.CommandContext(ctx, fullName, fullArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", fullName, err)
	}
	return cmd, nil
}

// KillGroup sends SIGKILL to the whole process group of cmd. It requires
// cmd to have been started with Setpgid: true so that its PGID equals its
// PID; it is a no-op if the process has already exited.
func KillGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func wrap(mode Privilege, netns string, name string, args []string) (string, []string) {
	switch mode {
	case Sudo:
		return "sudo", append([]string{"-n", name}, args...)
	case Netns:
		nsArgs := append([]string{"netns", "exec", netns, "sudo", "-n", name}, args...)
		return "ip", nsArgs
	default:
		return name, args
	}
}
