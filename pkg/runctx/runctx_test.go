package runctx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromEnvRequiresRunID(t *testing.T) {
	t.Setenv("VM0_RUN_ID", "")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnvDerivesPaths(t *testing.T) {
	t.Setenv("VM0_RUN_ID", "abc123")
	ctx, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "/tmp/vm0-session-abc123.txt", ctx.SessionFile())
	require.Equal(t, "/tmp/vm0-sandbox-ops-abc123.jsonl", ctx.TelemetryFile())
}

func TestApplyBypassHeaderNoopWhenUnset(t *testing.T) {
	ctx := New("r1", "", "", "", "")
	called := false
	ctx.ApplyBypassHeader(func(k, v string) { called = true })
	require.False(t, called)
}

func TestApplyBypassHeaderSetsWhenPresent(t *testing.T) {
	ctx := New("r1", "", "", "", "secret-value")
	var gotKey, gotVal string
	ctx.ApplyBypassHeader(func(k, v string) { gotKey, gotVal = k, v })
	require.Equal(t, "x-vercel-protection-bypass", gotKey)
	require.Equal(t, "secret-value", gotVal)
}
