// Package runctx carries per-process run identity explicitly rather than
// through package-global lazily-initialized state. The original crates
// cached run-id and derived /tmp paths behind a LazyLock; every module
// that needed them reached into that global. Here a Context is built once
// in main() and passed to factory.New, which hands it to the telemetry
// recorder.
package runctx

import (
	"fmt"
	"os"
)

// Context is the injected run identity. Zero value is invalid; build one
// with FromEnv or New.
type Context struct {
	RunID        string
	APIURL       string
	APIToken     string
	WorkingDir   string
	BypassSecret string
}

// New builds a Context from explicit fields, useful in tests where env
// vars should not leak between cases.
func New(runID, apiURL, apiToken, workingDir, bypassSecret string) *Context {
	return &Context{
		RunID:        runID,
		APIURL:       apiURL,
		APIToken:     apiToken,
		WorkingDir:   workingDir,
		BypassSecret: bypassSecret,
	}
}

// FromEnv reads VM0_RUN_ID, VM0_API_URL, VM0_API_TOKEN, VM0_WORKING_DIR,
// and VERCEL_AUTOMATION_BYPASS_SECRET. VM0_RUN_ID is required; everything
// else is optional.
func FromEnv() (*Context, error) {
	runID := os.Getenv("VM0_RUN_ID")
	if runID == "" {
		return nil, fmt.Errorf("runctx: VM0_RUN_ID is required")
	}
	return &Context{
		RunID:        runID,
		APIURL:       os.Getenv("VM0_API_URL"),
		APIToken:     os.Getenv("VM0_API_TOKEN"),
		WorkingDir:   os.Getenv("VM0_WORKING_DIR"),
		BypassSecret: os.Getenv("VERCEL_AUTOMATION_BYPASS_SECRET"),
	}, nil
}

// SessionFile is the per-run marker file path under /tmp.
func (c *Context) SessionFile() string {
	return fmt.Sprintf("/tmp/vm0-session-%s.txt", c.RunID)
}

// TelemetryFile is the per-run sandbox-ops JSONL log path under /tmp.
func (c *Context) TelemetryFile() string {
	return fmt.Sprintf("/tmp/vm0-sandbox-ops-%s.jsonl", c.RunID)
}

// ApplyBypassHeader sets the Vercel protection-bypass header on an
// outbound request when a secret was configured; it is a no-op otherwise.
func (c *Context) ApplyBypassHeader(setHeader func(key, value string)) {
	if c.BypassSecret == "" {
		return
	}
	setHeader("x-vercel-protection-bypass", c.BypassSecret)
}
