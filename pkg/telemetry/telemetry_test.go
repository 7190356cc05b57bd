package telemetry

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tartarus-sandbox/tartarus/pkg/runctx"
)

func TestRecordOpWritesJSONLEntry(t *testing.T) {
	dir := t.TempDir()
	ctx := runctx.New("test-run", "", "", dir, "")
	// redirect to a temp path by constructing the recorder directly
	rec := &Recorder{path: filepath.Join(dir, "ops.jsonl")}
	_ = ctx

	rec.RecordOp("exec", 0, true, nil)
	rec.RecordOp("start", 0, false, errors.New("boom"))

	f, err := os.Open(rec.path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, "exec", first["action_type"])
	require.Equal(t, true, first["success"])
	require.NotContains(t, first, "error")

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.Equal(t, "boom", second["error"])
}

func TestTimedRecordsDurationAndOutcome(t *testing.T) {
	dir := t.TempDir()
	rec := &Recorder{path: filepath.Join(dir, "ops.jsonl")}

	err := rec.Timed("overlay_acquire", func() error { return nil })
	require.NoError(t, err)

	data, err := os.ReadFile(rec.path)
	require.NoError(t, err)
	require.Contains(t, string(data), "overlay_acquire")
}
