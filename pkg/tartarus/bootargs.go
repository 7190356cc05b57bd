package tartarus

import "fmt"

// hardenedBootFlags are kernel command-line hardening flags applied to
// every sandbox regardless of workload, independent of the guest network
// fragment from pkg/domain.
const hardenedBootFlags = "console=ttyS0 reboot=k panic=1 pci=off " +
	"randomize_kstack_offset=on nosmt mitigations=auto audit=1 " +
	"slub_debug=P page_poison=1 pti=on slab_nomerge " +
	"init_on_alloc=1 init_on_free=1 " +
	"mds=full,nosmt l1tf=full,force spec_store_bypass_disable=on " +
	"tsx=off vsyscall=none debugfs=off oops=panic"

// buildBootArgs assembles the Firecracker boot-source kernel args: the
// hardening flags, the static guest network fragment, and init=/init so
// PID 1 is the guest init binary baked into the rootfs rather than a
// shell script assembled from the caller's command (commands run later
// over vsock, not at boot).
func buildBootArgs(netFragment string) string {
	return fmt.Sprintf("%s %s init=/init", hardenedBootFlags, netFragment)
}
