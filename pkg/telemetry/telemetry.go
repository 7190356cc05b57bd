// Package telemetry appends one JSONL entry per sandbox operation to the
// per-run ops log under /tmp, in the format the spec's §6 persisted state
// section fixes: {ts, action_type, duration_ms, success, error?}.
package telemetry

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/tartarus-sandbox/tartarus/pkg/runctx"
)

type opEntry struct {
	TS         string `json:"ts"`
	ActionType string `json:"action_type"`
	DurationMS int64  `json:"duration_ms"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// Recorder appends sandbox-op entries to a single run's telemetry file.
// A mutex serializes writes since multiple sandboxes on one factory may
// record concurrently.
type Recorder struct {
	path string
	mu   sync.Mutex
}

// NewRecorder builds a Recorder targeting ctx.TelemetryFile().
func NewRecorder(ctx *runctx.Context) *Recorder {
	return &Recorder{path: ctx.TelemetryFile()}
}

// RecordOp appends one entry. Failures to open or write the log are
// swallowed — telemetry is best-effort and must never fail the operation
// it is describing.
func (r *Recorder) RecordOp(actionType string, duration time.Duration, success bool, opErr error) {
	entry := opEntry{
		TS:         time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		ActionType: actionType,
		DurationMS: duration.Milliseconds(),
		Success:    success,
	}
	if opErr != nil {
		entry.Error = opErr.Error()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	line = append(line, '\n')
	_, _ = f.Write(line)
}

// Timed runs fn, timing it, and records the operation under actionType
// regardless of outcome.
func (r *Recorder) Timed(actionType string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.RecordOp(actionType, time.Since(start), err == nil, err)
	return err
}
