// Package styx implements the netns pool (C3): a pre-warmed queue of
// Linux network namespaces, each carrying a TAP device with the fixed
// guest-facing network identity from pkg/domain, a host-side veth pair,
// NAT to the outside world, and an optional transparent-proxy REDIRECT.
package styx

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/tartarus-sandbox/tartarus/pkg/domain"
	"github.com/tartarus-sandbox/tartarus/pkg/executor"
	"github.com/tartarus-sandbox/tartarus/pkg/hermes"
	"github.com/tartarus-sandbox/tartarus/pkg/vmerr"
)

// fifoQueue mirrors pkg/lethe's bounded MPMC FIFO primitive. It is kept
// as a small unexported duplicate rather than shared across packages so
// each pool package stays self-contained, matching the teacher's
// per-package style of not reaching into sibling internals.
type fifoQueue struct {
	ch chan domain.PooledNetns
}

func newFIFOQueue(capacity int) *fifoQueue {
	return &fifoQueue{ch: make(chan domain.PooledNetns, capacity)}
}

func (q *fifoQueue) offer(v domain.PooledNetns) {
	select {
	case q.ch <- v:
	default:
		panic("styx: fifoQueue offer on a full queue")
	}
}

func (q *fifoQueue) take(ctx context.Context) (domain.PooledNetns, error) {
	select {
	case v := <-q.ch:
		return v, nil
	case <-ctx.Done():
		return domain.PooledNetns{}, ctx.Err()
	}
}

func (q *fifoQueue) len() int { return len(q.ch) }

// Pool owns a fixed set of pre-created namespaces, indexed
// [baseIndex, baseIndex+poolSize). The slot index doubles as the
// sandbox's instance index once a namespace is handed out.
type Pool struct {
	exec      *executor.Executor
	logger    hermes.Logger
	baseIndex int
	proxyPort int

	queue *fifoQueue
}

// New builds a Pool. proxyPort of 0 disables the in-namespace REDIRECT
// rules for TCP/80 and TCP/443.
func New(exec *executor.Executor, logger hermes.Logger, baseIndex, poolSize, proxyPort int) *Pool {
	return &Pool{
		exec:      exec,
		logger:    logger,
		baseIndex: baseIndex,
		proxyPort: proxyPort,
		queue:     newFIFOQueue(poolSize),
	}
}

// Initialize tears down any namespaces left by a crashed prior process at
// these indices, ensures the host-level MASQUERADE rule exists, then
// builds poolSize fresh namespaces and enqueues them FIFO by index (which
// is also the instance index visible outside, useful for debugging).
func (p *Pool) Initialize(ctx context.Context, poolSize int) error {
	if err := CleanupNamespacesByIndex(ctx, p.exec, p.baseIndex, poolSize); err != nil {
		return vmerr.Wrap(vmerr.KindCreationFailed, "clean stale namespaces", err)
	}
	if err := p.ensureMasquerade(); err != nil {
		return vmerr.Wrap(vmerr.KindCreationFailed, "ensure host NAT rule", err)
	}

	for i := 0; i < poolSize; i++ {
		ns, err := p.createSlot(ctx, p.baseIndex+i)
		if err != nil {
			return vmerr.Wrap(vmerr.KindCreationFailed, fmt.Sprintf("create netns slot %d", i), err)
		}
		p.queue.offer(ns)
	}
	return nil
}

// Acquire hands out one namespace, blocking until one is available.
func (p *Pool) Acquire(ctx context.Context) (domain.PooledNetns, error) {
	ns, err := p.queue.take(ctx)
	if err != nil {
		return domain.PooledNetns{}, fmt.Errorf("acquire netns: %w", err)
	}
	return ns, nil
}

// Release destroys ns and rebuilds it fresh at the same index: the
// namespace is not reused directly because the proxy may have restarted
// between borrows, and recreating is the simplest way to guarantee no
// stale REDIRECT rules leak into the next tenant.
func (p *Pool) Release(ctx context.Context, ns domain.PooledNetns) {
	destroyNamespace(ctx, p.exec, ns.Name)

	fresh, err := p.createSlot(ctx, ns.Index)
	if err != nil {
		if p.logger != nil {
			p.logger.Error(ctx, "styx: failed to rebuild netns slot, dropping from pool", map[string]any{
				"index": ns.Index, "error": err.Error(),
			})
		}
		return
	}
	p.queue.offer(fresh)
}

func (p *Pool) Len() int { return p.queue.len() }

func nsName(index int) string   { return fmt.Sprintf("vm0-ns-%d", index) }
func vethHostName(index int) string { return fmt.Sprintf("veth0-%d", index) }
func vethNSName(index int) string   { return fmt.Sprintf("veth1-%d", index) }

// linkAddrsForIndex derives a disjoint /30 host<->ns point-to-point link
// for each slot index so up to 64 namespaces can coexist without address
// collision, independent of the guest-facing /29 inside each namespace
// (which is identical across all of them).
func linkAddrsForIndex(index int) (hostAddr, nsAddr *net.IPNet) {
	// 169.254.<index>.0/30: host side gets .1, ns side gets .2.
	base := fmt.Sprintf("169.254.%d.", index%256)
	hostAddr = &net.IPNet{IP: net.ParseIP(base + "1"), Mask: net.CIDRMask(30, 32)}
	nsAddr = &net.IPNet{IP: net.ParseIP(base + "2"), Mask: net.CIDRMask(30, 32)}
	return hostAddr, nsAddr
}

// createSlot builds one fully-configured namespace: netns, veth pair,
// guest-facing TAP inside the namespace at the fixed address from
// pkg/domain, NAT, and optional proxy redirect.
func (p *Pool) createSlot(ctx context.Context, index int) (ns domain.PooledNetns, err error) {
	name := nsName(index)
	vHost := vethHostName(index)
	vNS := vethNSName(index)

	if _, rerr := p.exec.Run(ctx, executor.Sudo, "", "ip", "netns", "add", name); rerr != nil {
		return domain.PooledNetns{}, fmt.Errorf("ip netns add %s: %w", name, rerr)
	}
	cleanup := func() { destroyNamespace(ctx, p.exec, name) }
	defer func() {
		if err != nil {
			cleanup()
		}
	}()

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: vHost},
		PeerName:  vNS,
	}
	if lerr := netlink.LinkAdd(veth); lerr != nil {
		return domain.PooledNetns{}, fmt.Errorf("create veth pair %s/%s: %w", vHost, vNS, lerr)
	}

	hostLink, lerr := netlink.LinkByName(vHost)
	if lerr != nil {
		return domain.PooledNetns{}, fmt.Errorf("lookup host veth %s: %w", vHost, lerr)
	}
	hostAddr, nsAddr := linkAddrsForIndex(index)
	if aerr := netlink.AddrAdd(hostLink, &netlink.Addr{IPNet: hostAddr}); aerr != nil {
		return domain.PooledNetns{}, fmt.Errorf("assign host veth address: %w", aerr)
	}
	if uerr := netlink.LinkSetUp(hostLink); uerr != nil {
		return domain.PooledNetns{}, fmt.Errorf("bring up host veth: %w", uerr)
	}

	nsHandle, nerr := netns.GetFromName(name)
	if nerr != nil {
		return domain.PooledNetns{}, fmt.Errorf("open netns handle %s: %w", name, nerr)
	}
	defer nsHandle.Close()

	peerLink, lerr := netlink.LinkByName(vNS)
	if lerr != nil {
		return domain.PooledNetns{}, fmt.Errorf("lookup ns-side veth %s: %w", vNS, lerr)
	}
	if mErr := netlink.LinkSetNsFd(peerLink, int(nsHandle)); mErr != nil {
		return domain.PooledNetns{}, fmt.Errorf("move %s into %s: %w", vNS, name, mErr)
	}

	if err := p.configureInsideNamespace(ctx, name, vNS, nsAddr, hostAddr); err != nil {
		return domain.PooledNetns{}, err
	}

	return domain.PooledNetns{Index: index, Name: name, VethHost: vHost, VethNS: vNS}, nil
}

// configureInsideNamespace brings up loopback and the moved veth end,
// creates the guest-facing TAP with its fixed address, and sets the
// default route back out through the host veth. All of it runs via
// `ip netns exec` under sudo, which is simpler and more portable than
// entering the namespace's mount/net context from the Go runtime.
func (p *Pool) configureInsideNamespace(ctx context.Context, nsName, vNS string, nsAddr, hostAddr *net.IPNet) error {
	run := func(args ...string) error {
		_, err := p.exec.Run(ctx, executor.Netns, nsName, "ip", args...)
		return err
	}

	if err := run("link", "set", "lo", "up"); err != nil {
		return fmt.Errorf("bring up loopback in %s: %w", nsName, err)
	}
	if err := run("addr", "add", nsAddr.String(), "dev", vNS); err != nil {
		return fmt.Errorf("assign ns veth address in %s: %w", nsName, err)
	}
	if err := run("link", "set", vNS, "up"); err != nil {
		return fmt.Errorf("bring up ns veth in %s: %w", nsName, err)
	}

	tapAddr := fmt.Sprintf("%s/%d", domain.GatewayIP, domain.GuestPrefixLen)
	if err := run("tuntap", "add", domain.GuestTapName, "mode", "tap"); err != nil {
		return fmt.Errorf("create tap in %s: %w", nsName, err)
	}
	if err := run("addr", "add", tapAddr, "dev", domain.GuestTapName); err != nil {
		return fmt.Errorf("assign tap address in %s: %w", nsName, err)
	}
	if err := run("link", "set", domain.GuestTapName, "address", domain.GuestMAC); err != nil {
		return fmt.Errorf("set tap mac in %s: %w", nsName, err)
	}
	if err := run("link", "set", domain.GuestTapName, "up"); err != nil {
		return fmt.Errorf("bring up tap in %s: %w", nsName, err)
	}
	if err := run("route", "add", "default", "via", hostAddr.IP.String()); err != nil {
		return fmt.Errorf("add default route in %s: %w", nsName, err)
	}

	if p.proxyPort > 0 {
		if err := p.applyProxyRedirect(ctx, nsName); err != nil {
			return err
		}
	}
	return nil
}

// applyProxyRedirect installs in-namespace REDIRECT rules so outbound
// TCP/80 and TCP/443 from the guest are transparently diverted to the
// host-side proxy port, routed back via the host veth address.
func (p *Pool) applyProxyRedirect(ctx context.Context, nsName string) error {
	for _, port := range []string{"80", "443"} {
		args := []string{"-t", "nat", "-A", "OUTPUT", "-p", "tcp", "--dport", port,
			"-j", "REDIRECT", "--to-ports", fmt.Sprintf("%d", p.proxyPort)}
		if _, err := p.exec.Run(ctx, executor.Netns, nsName, "iptables", args...); err != nil {
			return fmt.Errorf("redirect tcp/%s in %s: %w", port, nsName, err)
		}
	}
	return nil
}

// ensureMasquerade installs the host-level SNAT rule once, idempotently,
// for the whole guest /29 block. It is process-global and is never
// removed by a single sandbox release — only an explicit cleanup call
// would remove it, and this module does not expose one since the rule is
// harmless to leave in place between runs.
func (p *Pool) ensureMasquerade() error {
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("init iptables: %w", err)
	}
	exists, err := ipt.Exists("nat", "POSTROUTING", "-s", domain.PooledNetnsCIDR, "-j", "MASQUERADE")
	if err != nil {
		return fmt.Errorf("check masquerade rule: %w", err)
	}
	if exists {
		return nil
	}
	return ipt.Append("nat", "POSTROUTING", "-s", domain.PooledNetnsCIDR, "-j", "MASQUERADE")
}

// destroyNamespace removes a namespace with `ip netns del`; the veth end
// inside it goes with it, and with that its host-side peer. Errors are
// ignored, not returned, since this runs from deferred cleanup paths where
// the original error already dominates.
func destroyNamespace(ctx context.Context, exec *executor.Executor, name string) {
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, _ = exec.Run(runCtx, executor.Sudo, "", "ip", "netns", "del", name)
}

// CleanupNamespacesByIndex removes any vm0-ns-<i> namespaces (and their
// host veth) for i in [base, base+count), idempotently. It is safe to run
// twice: deleting an already-absent namespace is treated as success.
// Used both by Pool.Initialize to recover from a crashed prior process
// and as a standalone operator tool.
func CleanupNamespacesByIndex(ctx context.Context, exec *executor.Executor, base, count int) error {
	for i := 0; i < count; i++ {
		index := base + i
		name := nsName(index)
		vHost := vethHostName(index)

		_, _ = exec.Run(ctx, executor.Sudo, "", "ip", "link", "del", vHost)
		_, _ = exec.Run(ctx, executor.Sudo, "", "ip", "netns", "del", name)
	}
	return nil
}
