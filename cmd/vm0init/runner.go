package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/tartarus-sandbox/tartarus/pkg/domain"
	"github.com/tartarus-sandbox/tartarus/pkg/executor"
	vsockproto "github.com/tartarus-sandbox/tartarus/pkg/vsock"
)

// guestAgentPort is the fixed vsock port the in-guest agent listens on;
// it mirrors pkg/tartarus.guestAgentPort, the port the host's
// FirecrackerSandbox dials.
const guestAgentPort = 52

// processRunner implements vsockproto.Runner by forking real processes in
// the guest, one process group per request, killed on timeout via the
// executor's SIGKILL-the-group primitive shared with the host side (C1).
type processRunner struct {
	exec *executor.Executor

	mu      sync.Mutex
	spawned map[int32]*spawnedProcess
}

type spawnedProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	result domain.WaitResult
}

func newProcessRunner() *processRunner {
	return &processRunner{
		exec:    executor.New(nil),
		spawned: make(map[int32]*spawnedProcess),
	}
}

// Exec runs cmd to completion under the request's timeout. The guest
// enforces the deadline itself (killing the child's process group on
// expiry) and the host re-confirms it as a hard upper bound, per spec
// §4.6/§5.
func (r *processRunner) Exec(ctx context.Context, req domain.ExecRequest) (*domain.ExecResult, error) {
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := r.exec.Run(runCtx, executor.Direct, "", "sh", "-c", req.Cmd)
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, context.DeadlineExceeded
	}
	if result == nil {
		return nil, err
	}
	// A non-zero exit is reported by the executor as CommandFailedError;
	// that is a successful exec from the protocol's point of view, so the
	// exit code and captured streams are returned rather than propagated
	// as an RPC error.
	return &domain.ExecResult{
		ID:       req.ID,
		ExitCode: int32(result.ExitCode),
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	}, nil
}

// Spawn starts cmd in the background and registers it so a later Wait
// call can collect its result.
func (r *processRunner) Spawn(ctx context.Context, req domain.SpawnRequest) (*domain.SpawnHandle, error) {
	cmd, err := r.exec.Spawn(context.Background(), executor.Direct, "", "sh", "-c", req.Cmd)
	if err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}
	pid := int32(cmd.Process.Pid)

	sp := &spawnedProcess{cmd: cmd, done: make(chan struct{})}
	r.mu.Lock()
	r.spawned[pid] = sp
	r.mu.Unlock()

	go func() {
		err := cmd.Wait()
		exitCode := int32(0)
		if cmd.ProcessState != nil {
			exitCode = int32(cmd.ProcessState.ExitCode())
		}
		_ = err
		sp.result = domain.WaitResult{
			PID:      pid,
			ExitCode: exitCode,
		}
		close(sp.done)
	}()

	return &domain.SpawnHandle{ID: req.ID, PID: pid}, nil
}

// Wait blocks until the spawned pid exits or the request's timeout
// elapses, whichever first; on timeout it kills the process group and
// reports a timeout error so the host can re-confirm the same deadline.
// Spawn does not capture the child's stdout or stderr, so StdoutB64 and
// StderrB64 in the result are always empty.
func (r *processRunner) Wait(ctx context.Context, req domain.WaitRequest) (*domain.WaitResult, error) {
	r.mu.Lock()
	sp, ok := r.spawned[req.PID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wait: unknown pid %d", req.PID)
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-sp.done:
		r.mu.Lock()
		delete(r.spawned, req.PID)
		r.mu.Unlock()
		result := sp.result
		result.ID = req.ID
		result.StdoutB64 = base64.StdEncoding.EncodeToString(nil)
		result.StderrB64 = base64.StdEncoding.EncodeToString(nil)
		return &result, nil
	case <-time.After(timeout):
		executor.KillGroup(sp.cmd)
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteFile decodes content and writes it to path inside the guest
// filesystem, creating parent directories as needed.
func (r *processRunner) WriteFile(ctx context.Context, req domain.WriteFileRequest) error {
	content, err := base64.StdEncoding.DecodeString(req.ContentB64)
	if err != nil {
		return fmt.Errorf("decode content_b64: %w", err)
	}
	return writeFileWithParents(req.Path, content)
}

// writeFileWithParents writes content to path, creating any missing
// parent directories with mode 0755.
func writeFileWithParents(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, content, 0644)
}

// runGuestServer opens the guest-side vsock listener on guestAgentPort
// and serves requests until ctx is canceled or a fatal listener error
// occurs.
func runGuestServer(ctx context.Context) error {
	ln, err := vsock.Listen(guestAgentPort, &vsock.Config{})
	if err != nil {
		return fmt.Errorf("vsock listen on port %d: %w", guestAgentPort, err)
	}
	defer ln.Close()

	srv := &vsockproto.Server{Runner: newProcessRunner()}
	return srv.Serve(ctx, ln)
}
