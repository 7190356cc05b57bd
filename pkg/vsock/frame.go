// Package vsock implements the host-side client, the guest-side server,
// and the shared wire format for the vsock RPC protocol between a Firecracker sandbox's host process
// and the guest agent running inside the VM. Firecracker proxies a
// Unix-domain socket to a vsock port inside the guest; the protocol on
// top of that byte stream is a one-line CONNECT handshake followed by
// 4-byte big-endian length-prefixed JSON frames.
package vsock

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single frame so a corrupt or hostile peer cannot
// make the reader allocate unbounded memory.
const MaxFrameBytes = 8 * 1024 * 1024 // 8MB

// WriteFrame writes body as a single frame: a 4-byte big-endian length
// prefix followed by body itself. Both sides must tolerate partial reads,
// which is why the length prefix is fixed-width rather than delimited.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameBytes {
		return fmt.Errorf("vsock: frame of %d bytes exceeds max %d", len(body), MaxFrameBytes)
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))

	if err := writeFull(w, header); err != nil {
		return fmt.Errorf("vsock: write frame header: %w", err)
	}
	if err := writeFull(w, body); err != nil {
		return fmt.Errorf("vsock: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameBytes {
		return nil, fmt.Errorf("vsock: frame of %d bytes exceeds max %d", length, MaxFrameBytes)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("vsock: read frame body: %w", err)
	}
	return body, nil
}

// writeFull guards against short writes, which net.Conn.Write may produce
// under backpressure even though it rarely does for Unix sockets.
func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
