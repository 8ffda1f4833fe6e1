package metricslog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"croxyrelay/internal/metrics"
)

func TestWriter_CreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "nested", "logs", "metrics.jsonl")

	w, err := NewWriter(Config{Path: logPath, MaxSizeMB: 50, MaxFiles: 5})
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(filepath.Dir(logPath))
	assert.NoError(t, err)
}

func TestWriter_WriteRecordAppendsFlushedLine(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "metrics.jsonl")

	w, err := NewWriter(Config{Path: logPath, MaxSizeMB: 50, MaxFiles: 5})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteRecord(metrics.RequestRecord{
		WallTS: time.Now(), Model: "m", Provider: "p", Status: 200,
	}))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"model":"m"`)
}

// With max_size_mb=0 every write rotates, so three writes with max_files=2
// leave one line per file: active=newest, .1=middle, .2=oldest, no .3.
func TestWriter_RotationShiftsFilesNewestFirst(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "metrics.jsonl")

	w, err := NewWriter(Config{Path: logPath, MaxSizeMB: 0, MaxFiles: 2})
	require.NoError(t, err)
	defer w.Close()

	for i, model := range []string{"line1", "line2", "line3"} {
		require.NoError(t, w.WriteRecord(metrics.RequestRecord{
			WallTS: time.Now(), Model: model, Provider: "p", Status: 200,
		}), "write %d", i)
	}

	active, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(active), `"model":"line3"`)

	rot1, err := os.ReadFile(rotatedPath(logPath, 1))
	require.NoError(t, err)
	assert.Contains(t, string(rot1), `"model":"line2"`)

	rot2, err := os.ReadFile(rotatedPath(logPath, 2))
	require.NoError(t, err)
	assert.Contains(t, string(rot2), `"model":"line1"`)

	_, err = os.Stat(rotatedPath(logPath, 3))
	assert.True(t, os.IsNotExist(err), "expected no .3 file")
}

type recordingInserter struct {
	records []metrics.RequestRecord
}

func (r *recordingInserter) RecordReplayed(rec metrics.RequestRecord) uint64 {
	r.records = append(r.records, rec)
	return uint64(len(r.records))
}

func TestReplay_OrdersOldestFirst(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "metrics.jsonl")

	w, err := NewWriter(Config{Path: logPath, MaxSizeMB: 0, MaxFiles: 2})
	require.NoError(t, err)

	for _, model := range []string{"line1", "line2", "line3"} {
		require.NoError(t, w.WriteRecord(metrics.RequestRecord{
			WallTS: time.Now(), Model: model, Provider: "p", Status: 200,
		}))
	}
	require.NoError(t, w.Close())

	ins := &recordingInserter{}
	require.NoError(t, Replay(logPath, 2, time.Hour, ins))

	require.Len(t, ins.records, 3)
	assert.Equal(t, "line1", ins.records[0].Model)
	assert.Equal(t, "line2", ins.records[1].Model)
	assert.Equal(t, "line3", ins.records[2].Model)
}

func TestReplay_SkipsOldEntries(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "metrics.jsonl")

	w, err := NewWriter(Config{Path: logPath, MaxSizeMB: 50, MaxFiles: 5})
	require.NoError(t, err)
	require.NoError(t, w.WriteRecord(metrics.RequestRecord{
		WallTS: time.Now().Add(-2 * time.Hour), Model: "old", Provider: "p", Status: 200,
	}))
	require.NoError(t, w.WriteRecord(metrics.RequestRecord{
		WallTS: time.Now(), Model: "new", Provider: "p", Status: 200,
	}))
	require.NoError(t, w.Close())

	ins := &recordingInserter{}
	require.NoError(t, Replay(logPath, 5, time.Hour, ins))

	require.Len(t, ins.records, 1)
	assert.Equal(t, "new", ins.records[0].Model)
}

func TestReplay_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "metrics.jsonl")

	content := "not json\n{}\n"
	require.NoError(t, os.WriteFile(logPath, []byte(content), 0o644))

	ins := &recordingInserter{}
	require.NoError(t, Replay(logPath, 0, time.Hour, ins))
	assert.Empty(t, ins.records)
}

func TestReplay_HandlesMissingFiles(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "does-not-exist.jsonl")

	ins := &recordingInserter{}
	require.NoError(t, Replay(logPath, 3, time.Hour, ins))
	assert.Empty(t, ins.records)
}

func TestTail_PicksUpAppendedLines(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "metrics.jsonl")

	w, err := NewWriter(Config{Path: logPath, MaxSizeMB: 50, MaxFiles: 5})
	require.NoError(t, err)
	require.NoError(t, w.WriteRecord(metrics.RequestRecord{
		WallTS: time.Now(), Model: "before-tail", Provider: "p", Status: 200,
	}))

	ins := &recordingInserter{}
	position := currentSize(logPath)

	require.NoError(t, w.WriteRecord(metrics.RequestRecord{
		WallTS: time.Now(), Model: "after-tail", Provider: "p", Status: 200,
	}))

	newPosition := tailOnce(logPath, position, ins)
	assert.Greater(t, newPosition, position)
	require.Len(t, ins.records, 1)
	assert.Equal(t, "after-tail", ins.records[0].Model)

	require.NoError(t, w.Close())
}
