package factory

import "path/filepath"

// Paths derives the fixed on-disk layout under a factory's base
// directory, ported from the original FactoryPaths/SandboxPaths path
// builders so every component agrees on where things live.
type Paths struct {
	BaseDir string
}

func (p Paths) Workspaces() string { return filepath.Join(p.BaseDir, "workspaces") }
func (p Paths) Overlays() string   { return filepath.Join(p.BaseDir, "overlays") }
func (p Paths) Workspace(id string) string {
	return filepath.Join(p.Workspaces(), id)
}

// RuntimeDir is process-global, not under the factory base dir: it is
// created idempotently with mode 1777 by check_prerequisites.
const RuntimeDir = "/run/vm0"

// Per-sandbox file layout within one workspace directory is
// pkg/tartarus.Paths — the factory constructs a workspace directory here
// and hands it to tartarus.New, which owns the rest of that layout.
