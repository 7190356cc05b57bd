package domain

import "fmt"

// Guest network constants. Every sandbox's guest-visible network identity
// is identical across all live VMs on a host — namespace isolation makes
// this safe, and it keeps the kernel boot args the same for every
// sandbox.
const (
	GuestTapName  = "vm0-tap"
	GuestMAC      = "02:00:00:00:00:01"
	GuestIP       = "192.168.241.2"
	GatewayIP     = "192.168.241.1"
	GuestNetmask  = "255.255.255.248"
	GuestPrefixLen = 29
	GuestHostname = "vm0-guest"

	// PooledNetnsCIDR is the /29 block carved out for each pooled namespace's
	// TAP-side addressing; the host-side veth pair uses a disjoint /30 per
	// slot (see pkg/styx).
	PooledNetnsCIDR = "192.168.241.0/29"
)

// GuestBootArgsNetFragment formats the `ip=` kernel boot parameter Linux
// uses to statically configure eth0 before any userspace network tooling
// runs. The format is fixed by the kernel's ip= documentation:
// ip=<client-ip>:<server-ip>:<gw-ip>:<netmask>:<hostname>:<device>:<autoconf>
func GuestBootArgsNetFragment() string {
	return fmt.Sprintf("ip=%s::%s:%s:%s:eth0:off", GuestIP, GatewayIP, GuestNetmask, GuestHostname)
}
