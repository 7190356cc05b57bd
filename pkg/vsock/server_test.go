package vsock

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tartarus-sandbox/tartarus/pkg/domain"
)

func newBufReader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

// fakeRunner is a canned Runner used to drive Server end to end against
// the real Client, proving the two sides of the protocol agree on the
// wire format without needing an actual guest.
type fakeRunner struct {
	execFn func(context.Context, domain.ExecRequest) (*domain.ExecResult, error)
}

func (f *fakeRunner) Exec(ctx context.Context, req domain.ExecRequest) (*domain.ExecResult, error) {
	if f.execFn != nil {
		return f.execFn(ctx, req)
	}
	return &domain.ExecResult{ID: req.ID, ExitCode: 0, Stdout: "hi\n"}, nil
}

func (f *fakeRunner) Spawn(ctx context.Context, req domain.SpawnRequest) (*domain.SpawnHandle, error) {
	return &domain.SpawnHandle{ID: req.ID, PID: 4242}, nil
}

func (f *fakeRunner) Wait(ctx context.Context, req domain.WaitRequest) (*domain.WaitResult, error) {
	return &domain.WaitResult{ID: req.ID, PID: req.PID, ExitCode: 0}, nil
}

func (f *fakeRunner) WriteFile(ctx context.Context, req domain.WriteFileRequest) error {
	return nil
}

func startTestServer(t *testing.T, runner Runner) (sockPath string, stop func()) {
	t.Helper()
	sockPath = filepath.Join(t.TempDir(), "vsock.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{Runner: runner}
	go srv.Serve(ctx, ln)

	return sockPath, func() {
		cancel()
		ln.Close()
	}
}

func TestServerExecRoundTripWithRealClient(t *testing.T) {
	sockPath, stop := startTestServer(t, &fakeRunner{})
	defer stop()

	client := NewClient(sockPath, 52)
	defer client.Close()

	result, err := client.Exec(context.Background(), domain.NewExecRequest("r1", "echo hi", 2*time.Second))
	require.NoError(t, err)
	require.Equal(t, int32(0), result.ExitCode)
	require.Equal(t, "hi\n", result.Stdout)
}

func TestServerSpawnAndWaitRoundTrip(t *testing.T) {
	sockPath, stop := startTestServer(t, &fakeRunner{})
	defer stop()

	client := NewClient(sockPath, 52)
	defer client.Close()

	handle, err := client.Spawn(context.Background(), domain.SpawnRequest{ID: "s1", Cmd: "sleep 1"})
	require.NoError(t, err)
	require.Equal(t, int32(4242), handle.PID)

	waitResult, err := client.Wait(context.Background(), domain.WaitRequest{ID: "w1", PID: handle.PID, TimeoutMS: 2000})
	require.NoError(t, err)
	require.Equal(t, handle.PID, waitResult.PID)
}

func TestServerPropagatesGuestErrorAsClientError(t *testing.T) {
	runner := &fakeRunner{execFn: func(ctx context.Context, req domain.ExecRequest) (*domain.ExecResult, error) {
		return nil, fmt.Errorf("boom")
	}}
	sockPath, stop := startTestServer(t, runner)
	defer stop()

	client := NewClient(sockPath, 52)
	defer client.Close()

	_, err := client.Exec(context.Background(), domain.NewExecRequest("r1", "false", time.Second))
	require.Error(t, err)
}

func TestServerWriteFileRoundTrip(t *testing.T) {
	sockPath, stop := startTestServer(t, &fakeRunner{})
	defer stop()

	client := NewClient(sockPath, 52)
	defer client.Close()

	err := client.WriteFile(context.Background(), domain.WriteFileRequest{ID: "w1", Path: "/tmp/x", ContentB64: "aGk="})
	require.NoError(t, err)
}

func TestReadConnectLineRejectsMalformedHandshake(t *testing.T) {
	_, err := readConnectLine(newBufReader("GARBAGE\n"))
	require.Error(t, err)

	_, err = readConnectLine(newBufReader("CONNECT notanumber\n"))
	require.Error(t, err)

	port, err := readConnectLine(newBufReader("CONNECT 52\n"))
	require.NoError(t, err)
	require.Equal(t, uint32(52), port)
}
