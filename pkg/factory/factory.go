// Package factory implements the sandbox factory (C5): it checks host
// prerequisites once, owns the overlay pool and netns pool, and hands out
// FirecrackerSandbox instances with a unique per-host instance index.
package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tartarus-sandbox/tartarus/pkg/domain"
	"github.com/tartarus-sandbox/tartarus/pkg/executor"
	"github.com/tartarus-sandbox/tartarus/pkg/hermes"
	"github.com/tartarus-sandbox/tartarus/pkg/lethe"
	"github.com/tartarus-sandbox/tartarus/pkg/runctx"
	"github.com/tartarus-sandbox/tartarus/pkg/styx"
	"github.com/tartarus-sandbox/tartarus/pkg/tartarus"
	"github.com/tartarus-sandbox/tartarus/pkg/telemetry"
	"github.com/tartarus-sandbox/tartarus/pkg/vmerr"
)

// defaultMaxIndex is the number of instance indices, 0..63; Open Question
// in spec §9 flags this as something an implementer should make
// configurable, so FirecrackerConfig.MaxIndex overrides it when set. It
// bounds how many indices CleanupNamespacesByIndex reconciles at startup
// and how large the netns pool (and therefore the live instance-index
// range) is allowed to grow.
const defaultMaxIndex = 64

const hostLockFile = "/run/vm0/factory.lock"

// Factory owns the overlay pool and the netns pool for one host. It is
// the only thing that constructs FirecrackerSandbox values; callers never
// dial C2/C3 directly. The instance index a sandbox gets is not a
// separate allocation: it is the slot index the netns pool's Acquire
// already assigned to the namespace it handed out, so the two can never
// diverge under concurrent Create calls (spec §3 Invariant 1).
type Factory struct {
	cfg     domain.FirecrackerConfig
	run     *runctx.Context
	exec    *executor.Executor
	logger  hermes.Logger
	metrics hermes.Metrics
	overlay *lethe.Pool
	netns   *styx.Pool
	ops     *telemetry.Recorder

	mu       sync.Mutex
	maxIndex int
	lock     *hostLock
}

// New constructs a Factory. It does not touch the filesystem or run any
// prerequisite checks until Initialize is called.
func New(cfg domain.FirecrackerConfig, run *runctx.Context, logger hermes.Logger) *Factory {
	maxIndex := cfg.MaxIndex
	if maxIndex <= 0 {
		maxIndex = defaultMaxIndex
	}
	exec := executor.New(logger)
	var ops *telemetry.Recorder
	if run != nil {
		ops = telemetry.NewRecorder(run)
	}
	return &Factory{
		cfg:      cfg,
		run:      run,
		exec:     exec,
		logger:   logger,
		metrics:  hermes.NewPrometheusMetrics(),
		overlay:  lethe.New(Paths{BaseDir: cfg.BaseDir}.Overlays(), cfg.PoolSize, cfg.OverlaySize, exec, logger, cfg.Snapshot),
		netns:    styx.New(exec, logger, 0, cfg.PoolSize, cfg.ProxyPort),
		ops:      ops,
		maxIndex: maxIndex,
	}
}

// Initialize runs check_prerequisites, takes the cross-process host lock,
// reconciles stragglers from a prior crashed process, and pre-warms both
// pools. It must succeed before Create is called.
func (f *Factory) Initialize(ctx context.Context) error {
	if f.cfg.PoolSize > f.maxIndex {
		return vmerr.New(vmerr.KindInvalidConfig, fmt.Sprintf("pool size %d exceeds max instance index %d", f.cfg.PoolSize, f.maxIndex))
	}
	if err := CheckPrerequisites(ctx, f.cfg); err != nil {
		return err
	}
	lock, err := acquireHostLock(hostLockFile)
	if err != nil {
		return vmerr.Wrap(vmerr.KindBackendNotAvailable, "acquire host lock", err)
	}
	f.mu.Lock()
	f.lock = lock
	f.mu.Unlock()

	if err := styx.CleanupNamespacesByIndex(ctx, f.exec, 0, f.maxIndex); err != nil {
		f.logger.Error(ctx, "netns reconciliation reported errors", map[string]any{"error": err})
	}
	if err := f.overlay.Initialize(ctx, f.cfg.PoolSize); err != nil {
		return vmerr.Wrap(vmerr.KindCreationFailed, "initialize overlay pool", err)
	}
	if err := f.netns.Initialize(ctx, f.cfg.PoolSize); err != nil {
		return vmerr.Wrap(vmerr.KindCreationFailed, "initialize netns pool", err)
	}
	return nil
}

// Close releases the cross-process host lock. Pool resources are left in
// place; they belong to the next process that acquires this factory's
// base directory.
func (f *Factory) Close() error {
	f.mu.Lock()
	lock := f.lock
	f.lock = nil
	f.mu.Unlock()
	if lock == nil {
		return nil
	}
	return lock.Release()
}

// Create acquires one overlay and one netns (the netns's own slot index
// becomes the sandbox's instance index) and returns a new
// *tartarus.FirecrackerSandbox in state Created. The caller still must
// call Start.
func (f *Factory) Create(ctx context.Context) (sb *tartarus.FirecrackerSandbox, err error) {
	start := time.Now()
	defer func() {
		f.metrics.ObserveHistogram("vm0_sandbox_create_duration_seconds", time.Since(start).Seconds())
		f.recordPoolDepth()
	}()

	if f.ops != nil {
		err = f.ops.Timed("create", func() error {
			sb, err = f.create(ctx)
			return err
		})
		return sb, err
	}
	return f.create(ctx)
}

// create acquires one overlay and one netns. The sandbox's instance index
// is ns.Index exactly as styx.Pool.Acquire returned it — that index
// already is the namespace's physical identity (its name, veth names,
// and TAP live under it, per spec §4.3), so it is never recomputed or
// overwritten here. That keeps the index <-> namespace mapping total and
// injective (spec §3 Invariant 1) even when two Create calls race: each
// one's instance index came out of the same FIFO handoff as its netns,
// so they can never disagree.
func (f *Factory) create(ctx context.Context) (*tartarus.FirecrackerSandbox, error) {
	overlay, err := f.overlay.Acquire(ctx)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindCreationFailed, "acquire overlay", err)
	}
	ns, err := f.netns.Acquire(ctx)
	if err != nil {
		f.overlay.Release(ctx, overlay)
		return nil, vmerr.Wrap(vmerr.KindCreationFailed, "acquire netns", err)
	}

	workspace := Paths{BaseDir: f.cfg.BaseDir}.Workspace(indexWorkspaceName(ns.Index))
	sb := tartarus.New(f.cfg, workspace, overlay, ns, f.exec, f.logger)
	sb.SetMetrics(f.metrics)
	return sb, nil
}

// Destroy drives sandbox Stopping->Stopped and releases its overlay and
// netns back to their pools. Releasing the netns (which rebuilds it at
// the same slot index, see styx.Pool.Release) is what frees the instance
// index for reuse — there is no separate index bitset to clear. It is
// safe to call even if Start was never called or already failed.
func (f *Factory) Destroy(ctx context.Context, sb *tartarus.FirecrackerSandbox) error {
	start := time.Now()
	defer func() {
		f.metrics.ObserveHistogram("vm0_sandbox_destroy_duration_seconds", time.Since(start).Seconds())
		f.recordPoolDepth()
	}()

	overlay := sb.Overlay()
	ns := sb.Netns()
	destroy := func() error {
		stopErr := sb.Stop(ctx)
		if stopErr != nil {
			stopErr = sb.Kill(ctx)
		}
		f.overlay.Release(ctx, overlay)
		f.netns.Release(ctx, ns)
		return stopErr
	}
	if f.ops != nil {
		return f.ops.Timed("destroy", destroy)
	}
	return destroy()
}

// recordPoolDepth pushes the current free-queue depth of both pools as
// gauges, so an operator's dashboard shows how close the factory is to
// exhausting overlays or namespaces without having to poll Create/Destroy
// call counts.
func (f *Factory) recordPoolDepth() {
	f.metrics.SetGauge("vm0_overlay_pool_depth", float64(f.overlay.Len()))
	f.metrics.SetGauge("vm0_netns_pool_depth", float64(f.netns.Len()))
}

func indexWorkspaceName(index int) string {
	return fmt.Sprintf("idx-%d", index)
}
