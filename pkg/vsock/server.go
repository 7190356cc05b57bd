package vsock

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/tartarus-sandbox/tartarus/pkg/domain"
	"github.com/tartarus-sandbox/tartarus/pkg/hermes"
)

// Runner is the guest-side capability set the server (C8) dispatches
// requests to. cmd/vm0init's process runner is the production
// implementation; tests substitute a fake.
type Runner interface {
	Exec(ctx context.Context, req domain.ExecRequest) (*domain.ExecResult, error)
	Spawn(ctx context.Context, req domain.SpawnRequest) (*domain.SpawnHandle, error)
	Wait(ctx context.Context, req domain.WaitRequest) (*domain.WaitResult, error)
	WriteFile(ctx context.Context, req domain.WriteFileRequest) error
}

// Server accepts vsock connections and serves exec/spawn/wait/write_file
// requests over them, one in-flight request per connection as the host
// client never pipelines, per spec §4.6.
type Server struct {
	Runner Runner
	Logger hermes.Logger
}

// Serve accepts connections from ln until it returns an error (typically
// because ln was closed during shutdown) or ctx is done. Each connection
// is handled on its own goroutine so the host can open additional
// connections for concurrency.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn performs the CONNECT/OK handshake then serves frames until
// the connection breaks, the host sends shutdown, or ctx is canceled (a
// host-side exec timeout is enforced as a hard upper bound by the host
// closing the connection, which this loop observes as a read error).
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	port, err := readConnectLine(r)
	if err != nil {
		s.logError(ctx, "read CONNECT handshake", err)
		return
	}
	if _, err := fmt.Fprintf(conn, "OK %d\n", port); err != nil {
		s.logError(ctx, "write OK handshake reply", err)
		return
	}

	for {
		body, err := ReadFrame(r)
		if err != nil {
			if err != io.EOF {
				s.logError(ctx, "read frame", err)
			}
			return
		}
		env, err := Decode(body)
		if err != nil {
			s.logError(ctx, "decode envelope", err)
			return
		}

		resp, closeAfter := s.dispatch(ctx, env)
		if resp != nil {
			if werr := WriteFrame(conn, resp); werr != nil {
				s.logError(ctx, "write response frame", werr)
				return
			}
		}
		if closeAfter {
			return
		}
	}
}

// readConnectLine parses the firecracker vsock Unix-backend handshake
// line "CONNECT <port>\n" and returns the port the host asked for.
func readConnectLine(r *bufio.Reader) (uint32, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "CONNECT" {
		return 0, fmt.Errorf("vsock: malformed connect line %q", line)
	}
	port, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("vsock: malformed connect port %q: %w", fields[1], err)
	}
	return uint32(port), nil
}

// dispatch routes one request envelope to the Runner and encodes its
// response. closeAfter is true only for shutdown. On shutdown the server
// only closes that connection; it does not stop the Runner or the guest.
func (s *Server) dispatch(ctx context.Context, env Envelope) (resp []byte, closeAfter bool) {
	switch env.Type {
	case TypeExec:
		var req domain.ExecRequest
		if err := DecodeBody(env, &req); err != nil {
			return s.errorFrame("", domain.ErrorKindInvalidRequest, err.Error()), false
		}
		result, err := s.Runner.Exec(ctx, req)
		if err != nil {
			return s.errorFrame(req.ID, classify(err), err.Error()), false
		}
		return s.okFrame(TypeExecResult, result), false

	case TypeSpawn:
		var req domain.SpawnRequest
		if err := DecodeBody(env, &req); err != nil {
			return s.errorFrame("", domain.ErrorKindInvalidRequest, err.Error()), false
		}
		handle, err := s.Runner.Spawn(ctx, req)
		if err != nil {
			return s.errorFrame(req.ID, domain.ErrorKindSpawnFailed, err.Error()), false
		}
		return s.okFrame(TypeSpawnOK, handle), false

	case TypeWait:
		var req domain.WaitRequest
		if err := DecodeBody(env, &req); err != nil {
			return s.errorFrame("", domain.ErrorKindInvalidRequest, err.Error()), false
		}
		result, err := s.Runner.Wait(ctx, req)
		if err != nil {
			return s.errorFrame(req.ID, classify(err), err.Error()), false
		}
		return s.okFrame(TypeWaitResult, result), false

	case TypeWriteFile:
		var req domain.WriteFileRequest
		if err := DecodeBody(env, &req); err != nil {
			return s.errorFrame("", domain.ErrorKindInvalidRequest, err.Error()), false
		}
		if err := s.Runner.WriteFile(ctx, req); err != nil {
			return s.errorFrame(req.ID, domain.ErrorKindIOError, err.Error()), false
		}
		return s.okFrame(TypeOK, domain.OKResult{ID: req.ID}), false

	case TypeShutdown:
		return nil, true

	default:
		return s.errorFrame("", domain.ErrorKindUnknown, fmt.Sprintf("unknown message type %q", env.Type)), false
	}
}

func (s *Server) okFrame(msgType MessageType, payload any) []byte {
	data, err := Encode(msgType, payload)
	if err != nil {
		return s.errorFrame("", domain.ErrorKindUnknown, err.Error())
	}
	return data
}

func (s *Server) errorFrame(id string, kind domain.ErrorKind, message string) []byte {
	data, _ := Encode(TypeError, domain.ErrorResult{ID: id, Kind: kind, Message: message})
	return data
}

func (s *Server) logError(ctx context.Context, msg string, err error) {
	if s.Logger == nil {
		return
	}
	s.Logger.Error(ctx, msg, map[string]any{"error": err})
}

// classify maps a runner error to the closest guest error kind; the
// runner itself returns context.DeadlineExceeded for a timed-out child.
func classify(err error) domain.ErrorKind {
	if err == context.DeadlineExceeded {
		return domain.ErrorKindTimeout
	}
	return domain.ErrorKindIOError
}
