// Package lethe implements the overlay pool (C2): a pre-warmed queue of
// sparse ext4 files backed by the rootfs, handed out to sandboxes and
// reclaimed (reformatted or reseeded) on return.
package lethe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tartarus-sandbox/tartarus/pkg/domain"
	"github.com/tartarus-sandbox/tartarus/pkg/executor"
	"github.com/tartarus-sandbox/tartarus/pkg/hermes"
	"github.com/tartarus-sandbox/tartarus/pkg/vmerr"
)

const overlayFilePrefix = "slot-"

// Pool pre-creates N sparse ext4 overlay files and hands them out FIFO.
// On release, the file is truncated and reformatted (or reseeded from a
// snapshot's base overlay) so the next borrower always starts from a
// clean copy-on-write layer over the read-only rootfs.
type Pool struct {
	dir      string
	size     int64
	exec     *executor.Executor
	logger   hermes.Logger
	snapshot *domain.SnapshotConfig

	queue       *fifoQueue[domain.PooledOverlay]
	initialized bool
}

// New builds a Pool rooted at dir, sized for poolSize overlays of
// overlaySize bytes each. When snapshot is non-nil, overlays are seeded
// by copying snapshot.BaseOverlayPath instead of running mkfs.ext4.
func New(dir string, poolSize int, overlaySize int64, exec *executor.Executor, logger hermes.Logger, snapshot *domain.SnapshotConfig) *Pool {
	return &Pool{
		dir:      dir,
		size:     overlaySize,
		exec:     exec,
		logger:   logger,
		snapshot: snapshot,
		queue:    newFIFOQueue[domain.PooledOverlay](poolSize),
	}
}

// Initialize deletes any orphaned overlay files left by a crashed prior
// process, then creates poolSize fresh overlay files and enqueues them.
// It must be called once before Acquire.
func (p *Pool) Initialize(ctx context.Context, poolSize int) error {
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return vmerr.Wrap(vmerr.KindIO, "create overlay pool dir", err)
	}
	if err := p.cleanOrphans(); err != nil {
		return vmerr.Wrap(vmerr.KindIO, "clean orphaned overlays", err)
	}

	for slot := 0; slot < poolSize; slot++ {
		overlay, err := p.create(ctx, slot)
		if err != nil {
			return vmerr.Wrap(vmerr.KindCreationFailed, fmt.Sprintf("create overlay slot %d", slot), err)
		}
		p.queue.offer(overlay)
	}
	p.initialized = true
	return nil
}

// cleanOrphans removes any slot-*.img files left in the pool directory
// from a previous crashed process, so Initialize always starts from an
// empty directory.
func (p *Pool) cleanOrphans() error {
	entries, err := os.ReadDir(p.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), overlayFilePrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(p.dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) pathForSlot(slot int) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s%d.img", overlayFilePrefix, slot))
}

// create builds (or reseeds) the overlay file for one slot.
func (p *Pool) create(ctx context.Context, slot int) (domain.PooledOverlay, error) {
	path := p.pathForSlot(slot)

	if p.snapshot != nil {
		if err := copyFile(p.snapshot.BaseOverlayPath, path); err != nil {
			return domain.PooledOverlay{}, fmt.Errorf("seed overlay from snapshot base: %w", err)
		}
		return domain.PooledOverlay{Slot: slot, Path: path}, nil
	}

	if err := allocateSparseFile(path, p.size); err != nil {
		return domain.PooledOverlay{}, fmt.Errorf("allocate sparse overlay file: %w", err)
	}
	if _, err := p.exec.Run(ctx, executor.Sudo, "", "mkfs.ext4", "-q", path); err != nil {
		return domain.PooledOverlay{}, fmt.Errorf("mkfs.ext4 %s: %w", path, err)
	}
	return domain.PooledOverlay{Slot: slot, Path: path}, nil
}

// Acquire pops one overlay from the queue, blocking until one is
// available or ctx is done. Returns NotInitialized if Initialize has not
// run.
func (p *Pool) Acquire(ctx context.Context) (domain.PooledOverlay, error) {
	if !p.initialized {
		return domain.PooledOverlay{}, vmerr.New(vmerr.KindNotInitialized, "overlay pool not initialized")
	}
	overlay, err := p.queue.take(ctx)
	if err != nil {
		return domain.PooledOverlay{}, fmt.Errorf("acquire overlay: %w", err)
	}
	return overlay, nil
}

// Release reclaims overlay for reuse: it is truncated and reformatted
// (or reseeded in snapshot mode) before being re-enqueued. If reclaiming
// fails, the failure is logged and the slot is dropped: the pool holds one
// overlay fewer from then on, and Acquire does not rebuild it.
func (p *Pool) Release(ctx context.Context, overlay domain.PooledOverlay) {
	fresh, err := p.create(ctx, overlay.Slot)
	if err != nil {
		if p.logger != nil {
			p.logger.Error(ctx, "lethe: failed to reclaim overlay slot, dropping from pool", map[string]any{
				"slot": overlay.Slot, "error": err.Error(),
			})
		}
		return
	}
	p.queue.offer(fresh)
}

// Len reports the number of overlays currently available in the pool.
func (p *Pool) Len() int {
	return p.queue.len()
}
