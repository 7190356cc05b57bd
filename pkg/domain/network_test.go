package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGuestBootArgsNetFragmentFormat(t *testing.T) {
	require.Equal(t,
		"ip=192.168.241.2::192.168.241.1:255.255.255.248:vm0-guest:eth0:off",
		GuestBootArgsNetFragment(),
	)
}

func TestGuestNetworkPrefixMatchesNetmask(t *testing.T) {
	// /29 = 255.255.255.248 (8 addresses, 6 usable).
	require.Equal(t, 29, GuestPrefixLen)
	require.Equal(t, "255.255.255.248", GuestNetmask)
}
