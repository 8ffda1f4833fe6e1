package metricslog

import (
	"bufio"
	"encoding/json"
	"os"
	"time"

	"croxyrelay/internal/metrics"
)

// Inserter is the subset of *metrics.Store that replay and tail insert
// into. Using RecordReplayed keeps rehydrated records from being
// re-appended to the very log they were read from.
type Inserter interface {
	RecordReplayed(metrics.RequestRecord) uint64
}

// rawLogLine uses pointer fields so a missing key is distinguishable from a
// present-but-zero value: every field except error is required for a line
// to count as parseable.
type rawLogLine struct {
	Timestamp    *time.Time `json:"timestamp"`
	Model        *string    `json:"model"`
	Provider     *string    `json:"provider"`
	Status       *int       `json:"status"`
	DurationMs   *int64     `json:"duration_ms"`
	InputTokens  *uint64    `json:"input_tokens"`
	OutputTokens *uint64    `json:"output_tokens"`
	Error        *string    `json:"error,omitempty"`
}

// parseLine decodes one metrics log line into a RequestRecord with a
// synthetic MonoTS derived from how long ago its wall-clock timestamp was,
// so replayed records land in the correct position in the retention
// window. Returns ok=false for malformed or incomplete lines, which are
// silently skipped by callers.
func parseLine(line []byte) (metrics.RequestRecord, bool) {
	var l rawLogLine
	if err := json.Unmarshal(line, &l); err != nil {
		return metrics.RequestRecord{}, false
	}
	if l.Timestamp == nil || l.Model == nil || l.Provider == nil || l.Status == nil ||
		l.DurationMs == nil || l.InputTokens == nil || l.OutputTokens == nil {
		return metrics.RequestRecord{}, false
	}

	age := time.Since(*l.Timestamp)
	record := metrics.RequestRecord{
		WallTS:       *l.Timestamp,
		MonoTS:       time.Now().Add(-age),
		Model:        *l.Model,
		Provider:     *l.Provider,
		Status:       *l.Status,
		Duration:     time.Duration(*l.DurationMs) * time.Millisecond,
		InputTokens:  *l.InputTokens,
		OutputTokens: *l.OutputTokens,
	}
	if l.Error != nil {
		record.ErrorBody = *l.Error
	}
	return record, true
}

// Replay reads every rotated file oldest-first, then the active file, and
// inserts every record newer than the retention cutoff into store. Missing
// files are skipped silently; malformed lines are skipped silently.
func Replay(path string, maxFiles int, retention time.Duration, store Inserter) error {
	cutoff := time.Now().Add(-retention)

	paths := make([]string, 0, maxFiles+1)
	for i := maxFiles; i >= 1; i-- {
		paths = append(paths, rotatedPath(path, i))
	}
	paths = append(paths, path)

	for _, p := range paths {
		if err := replayFile(p, cutoff, store); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, cutoff time.Time, store Inserter) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		record, ok := parseLine(line)
		if !ok {
			continue
		}
		if record.WallTS.Before(cutoff) {
			continue
		}
		store.RecordReplayed(record)
	}
	return nil
}
