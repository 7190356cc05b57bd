package vsock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/tartarus-sandbox/tartarus/pkg/domain"
)

// retryDelays mirrors the exponential backoff used for reconnect attempts:
// three tries at 10ms, 25ms, 50ms before giving up.
var retryDelays = []time.Duration{10 * time.Millisecond, 25 * time.Millisecond, 50 * time.Millisecond}

// Client is the host-side vsock RPC client for one sandbox. It owns at
// most one connection at a time and allows at most one in-flight request
// on it — concurrent callers must use separate Clients, each opening its
// own connection, per spec §4.6.
type Client struct {
	socketPath string
	guestPort  uint32

	mu   sync.Mutex
	conn net.Conn
}

// NewClient builds a Client targeting the Unix-domain socket Firecracker
// proxies to the given guest vsock port. It does not dial until the first
// call.
func NewClient(socketPath string, guestPort uint32) *Client {
	return &Client{socketPath: socketPath, guestPort: guestPort}
}

// Close tears down the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// dialLocked establishes a fresh connection and performs the CONNECT/OK
// handshake. Caller must hold c.mu.
func (c *Client) dialLocked(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("vsock: dial %s: %w", c.socketPath, err)
	}

	if err := SendConnect(conn, c.guestPort); err != nil {
		conn.Close()
		return fmt.Errorf("vsock: send connect: %w", err)
	}
	if err := ReadConnectReply(bufio.NewReader(conn)); err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	return nil
}

// redialLocked closes any existing connection and opens a new one. Caller
// must hold c.mu.
func (c *Client) redialLocked(ctx context.Context) error {
	_ = c.closeLocked()
	return c.dialLocked(ctx)
}

// call sends req (tagged with reqType) and waits for a response frame,
// returning it as an Envelope. It retries on a broken connection up to
// len(retryDelays) times, redialing each time, which handles the case
// where the guest closed the connection after the previous exchange. A
// deadline timeout is not retried: the connection is closed and the
// timeout is returned.
func (c *Client) call(ctx context.Context, reqType MessageType, req any, deadline time.Duration) (Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.dialLocked(ctx); err != nil {
			return Envelope{}, err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelays[attempt-1])
			if err := c.redialLocked(ctx); err != nil {
				lastErr = err
				continue
			}
		}

		env, err := c.exchangeLocked(reqType, req, deadline)
		if err == nil {
			return env, nil
		}
		lastErr = err
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			_ = c.closeLocked()
			return Envelope{}, fmt.Errorf("vsock: %s timed out: %w", reqType, err)
		}
		if !isBrokenConnErr(err) {
			return Envelope{}, err
		}
	}
	return Envelope{}, fmt.Errorf("vsock: request failed after retries: %w", lastErr)
}

func (c *Client) exchangeLocked(reqType MessageType, req any, deadline time.Duration) (Envelope, error) {
	if deadline > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(deadline))
		defer c.conn.SetDeadline(time.Time{})
	}

	payload, err := Encode(reqType, req)
	if err != nil {
		return Envelope{}, fmt.Errorf("vsock: encode %s: %w", reqType, err)
	}
	if err := WriteFrame(c.conn, payload); err != nil {
		return Envelope{}, err
	}

	respBody, err := ReadFrame(c.conn)
	if err != nil {
		return Envelope{}, err
	}
	return Decode(respBody)
}

// isBrokenConnErr reports whether err indicates the underlying socket is
// no longer usable and a redial is warranted, as opposed to an
// application-level protocol error.
func isBrokenConnErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.ENOTCONN) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// Exec runs a command to completion inside the guest and returns its
// output. The timeout is enforced by the guest and re-confirmed here as a
// hard upper bound: if no response arrives within the timeout plus one
// second, the host closes the connection and returns the timeout error.
// Closing the connection does not itself stop the guest-side command; the
// guest kills it on its own copy of the deadline.
func (c *Client) Exec(ctx context.Context, req domain.ExecRequest) (*domain.ExecResult, error) {
	deadline := time.Duration(req.TimeoutMS) * time.Millisecond
	if deadline == 0 {
		deadline = 30 * time.Second
	}
	env, err := c.call(ctx, TypeExec, req, deadline+time.Second)
	if err != nil {
		return nil, err
	}
	return decodeExecOrError[domain.ExecResult](env, TypeExecResult)
}

// Spawn starts a command in the guest without waiting for it to exit.
func (c *Client) Spawn(ctx context.Context, req domain.SpawnRequest) (*domain.SpawnHandle, error) {
	env, err := c.call(ctx, TypeSpawn, req, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return decodeExecOrError[domain.SpawnHandle](env, TypeSpawnOK)
}

// Wait blocks until a previously spawned PID exits or the request's
// timeout elapses.
func (c *Client) Wait(ctx context.Context, req domain.WaitRequest) (*domain.WaitResult, error) {
	deadline := time.Duration(req.TimeoutMS) * time.Millisecond
	if deadline == 0 {
		deadline = 30 * time.Second
	}
	env, err := c.call(ctx, TypeWait, req, deadline+time.Second)
	if err != nil {
		return nil, err
	}
	return decodeExecOrError[domain.WaitResult](env, TypeWaitResult)
}

// WriteFile writes base64-encoded content to a path inside the guest.
func (c *Client) WriteFile(ctx context.Context, req domain.WriteFileRequest) error {
	env, err := c.call(ctx, TypeWriteFile, req, 10*time.Second)
	if err != nil {
		return err
	}
	_, err = decodeExecOrError[domain.OKResult](env, TypeOK)
	return err
}

// Shutdown asks the guest to begin a graceful exit and expects the
// connection to be closed afterward.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	payload, err := Encode(TypeShutdown, struct{}{})
	if err != nil {
		return err
	}
	_ = WriteFrame(c.conn, payload)
	return c.closeLocked()
}

// decodeExecOrError unmarshals env into T when env.Type matches wantType,
// or turns an error-typed envelope into a Go error.
func decodeExecOrError[T any](env Envelope, wantType MessageType) (*T, error) {
	if env.Type == TypeError {
		var errResult domain.ErrorResult
		if err := DecodeBody(env, &errResult); err != nil {
			return nil, fmt.Errorf("vsock: decode error envelope: %w", err)
		}
		return nil, fmt.Errorf("vsock: guest error (%s): %s", errResult.Kind, errResult.Message)
	}
	if env.Type != wantType {
		return nil, fmt.Errorf("vsock: unexpected response type %q, want %q", env.Type, wantType)
	}
	var out T
	if err := DecodeBody(env, &out); err != nil {
		return nil, fmt.Errorf("vsock: decode %s: %w", wantType, err)
	}
	return &out, nil
}
