package vsock

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendConnectFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SendConnect(&buf, 52))
	require.Equal(t, "CONNECT 52\n", buf.String())
}

func TestReadConnectReplyAcceptsOK(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("OK 52\n"))
	require.NoError(t, ReadConnectReply(r))
}

func TestReadConnectReplyRejectsError(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("ERROR\n"))
	require.Error(t, ReadConnectReply(r))
}
