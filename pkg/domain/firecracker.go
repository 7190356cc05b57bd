package domain

// SnapshotConfig describes a pre-baked Firecracker snapshot triple. When
// set on a FirecrackerConfig, sandbox start() restores from it instead of
// booting the kernel from scratch.
type SnapshotConfig struct {
	// StatePath is the Firecracker VM state file (`/snapshot/load`'s
	// snapshot_path).
	StatePath string `json:"state_path"`
	// MemFilePath is the guest memory file (`/snapshot/load`'s
	// mem_file_path).
	MemFilePath string `json:"mem_file_path"`
	// BaseOverlayPath is the overlay image the snapshot was taken against;
	// pooled overlays are seeded from it instead of being freshly
	// formatted.
	BaseOverlayPath string `json:"base_overlay_path"`
	// OverlayBindPath is the path the snapshotted guest expects its
	// overlay device to be mounted at; the pool-assigned overlay is
	// bind-mounted there so file identity matches what the snapshot
	// recorded.
	OverlayBindPath string `json:"overlay_bind_path"`
	// VsockBindDir is the workspace-relative vsock directory the
	// snapshotted guest expects; the sandbox's own vsock dir is
	// bind-mounted there.
	VsockBindDir string `json:"vsock_bind_dir"`
}

// FirecrackerConfig is immutable for the lifetime of a factory: every
// sandbox it creates shares the same binary, kernel, rootfs, and pool
// sizing.
type FirecrackerConfig struct {
	BinaryPath    string `json:"binary_path"`
	KernelPath    string `json:"kernel_path"`
	RootFSPath    string `json:"rootfs_path"`
	BaseDir       string `json:"base_dir"`
	OverlaySize   int64  `json:"overlay_size_bytes"`
	PoolSize      int    `json:"pool_size"`
	MaxIndex      int    `json:"max_index"`
	ProxyPort     int    `json:"proxy_port,omitempty"`
	StartDeadline int    `json:"start_deadline_seconds"`

	Snapshot *SnapshotConfig `json:"snapshot,omitempty"`
	Limits   ResourceLimits  `json:"limits"`
}

// HasSnapshot reports whether the config directs sandboxes to restore from
// a snapshot rather than boot fresh.
func (c FirecrackerConfig) HasSnapshot() bool {
	return c.Snapshot != nil
}
