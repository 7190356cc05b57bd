package domain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSaturateMillis(t *testing.T) {
	cases := []struct {
		name string
		d    time.Duration
		want uint32
	}{
		{"zero", 0, 0},
		{"small", 500 * time.Millisecond, 500},
		{"negative", -time.Second, 0},
		{"overflow", time.Duration(math.MaxInt64), math.MaxUint32},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, SaturateMillis(tc.d))
		})
	}
}

func TestNewExecRequestSaturatesTimeout(t *testing.T) {
	req := NewExecRequest("req-1", "echo hi", 2*time.Second)
	require.Equal(t, uint32(2000), req.TimeoutMS)
	require.Equal(t, "echo hi", req.Cmd)
}
