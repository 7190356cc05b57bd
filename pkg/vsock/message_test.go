package vsock

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tartarus-sandbox/tartarus/pkg/domain"
)

func TestEncodeDecodeExecRoundTrip(t *testing.T) {
	req := domain.NewExecRequest("req-1", "echo hi", 0)
	data, err := Encode(TypeExec, req)
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, TypeExec, env.Type)

	var got domain.ExecRequest
	require.NoError(t, DecodeBody(env, &got))
	require.Equal(t, req.ID, got.ID)
	require.Equal(t, req.Cmd, got.Cmd)
}

func TestEncodeDecodeErrorEnvelope(t *testing.T) {
	errResult := domain.ErrorResult{ID: "req-2", Kind: domain.ErrorKindTimeout, Message: "deadline exceeded"}
	data, err := Encode(TypeError, errResult)
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, TypeError, env.Type)

	var got domain.ErrorResult
	require.NoError(t, DecodeBody(env, &got))
	require.Equal(t, domain.ErrorKindTimeout, got.Kind)
}
