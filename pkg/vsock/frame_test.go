package vsock

import (
	"bytes"
	"math/rand"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("{}"),
		[]byte(`{"type":"exec","body":{"id":"1","cmd":"echo hi","timeout_ms":1000}}`),
		bytes.Repeat([]byte("x"), 70000),
	}
	for _, body := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, body))

		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		require.Equal(t, body, got)
	}
}

func TestWriteFrameRejectsOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	body := make([]byte, MaxFrameBytes+1)
	err := WriteFrame(&buf, body)
	require.Error(t, err)
}

func TestReadFrameToleratesPartialWrites(t *testing.T) {
	body := []byte(`{"type":"ok","body":{"id":"abc"}}`)
	var full bytes.Buffer
	require.NoError(t, WriteFrame(&full, body))

	// Simulate a reader that only gets the bytes in small chunks by
	// feeding them one byte per Read — io.ReadFull inside ReadFrame must
	// still assemble the complete frame.
	r := iotest.OneByteReader(bytes.NewReader(full.Bytes()))
	got, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestFrameRoundTripRandomLengths(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		n := rng.Intn(4096)
		body := make([]byte, n)
		rng.Read(body)

		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, body))
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		require.Equal(t, body, got)
	}
}
