package tartarus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tartarus-sandbox/tartarus/pkg/domain"
)

func TestBuildBootArgsIncludesNetworkAndInit(t *testing.T) {
	args := buildBootArgs(domain.GuestBootArgsNetFragment())
	require.True(t, strings.Contains(args, "init=/init"))
	require.True(t, strings.Contains(args, "ip=192.168.241.2::192.168.241.1:255.255.255.248:vm0-guest:eth0:off"))
	require.True(t, strings.HasPrefix(args, "console=ttyS0"))
}
