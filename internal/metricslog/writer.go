// Package metricslog implements the rotating, append-only JSON-lines
// metrics log: the writer, oldest-first replay, and live tail.
package metricslog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"croxyrelay/internal/metrics"
)

// logLine is the exact eight-field wire shape of one metrics log entry.
type logLine struct {
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	Status       int       `json:"status"`
	DurationMs   int64     `json:"duration_ms"`
	InputTokens  uint64    `json:"input_tokens"`
	OutputTokens uint64    `json:"output_tokens"`
	Error        *string   `json:"error,omitempty"`
}

// Config configures a Writer.
type Config struct {
	Path      string
	MaxSizeMB int
	MaxFiles  int
}

// Writer appends one JSON line per record, flushing after every write so
// tailers observe progress promptly, and, before each write, rotates the
// active file once it has reached MaxSizeMB.
type Writer struct {
	mu       sync.Mutex
	path     string
	maxSize  int64
	maxFiles int
	file     *os.File
	buf      *bufio.Writer
}

// NewWriter opens (or creates) the active log file in append mode,
// creating parent directories as needed.
func NewWriter(cfg Config) (*Writer, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create metrics log directory: %w", err)
		}
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open metrics log: %w", err)
	}

	return &Writer{
		path:     cfg.Path,
		maxSize:  int64(cfg.MaxSizeMB) * 1024 * 1024,
		maxFiles: cfg.MaxFiles,
		file:     f,
		buf:      bufio.NewWriter(f),
	}, nil
}

// WriteRecord implements metrics.Logger: serialize r to the canonical
// eight-field shape, rotate first if the active file has reached the size
// limit, then append the line and flush.
func (w *Writer) WriteRecord(r metrics.RequestRecord) error {
	line := logLine{
		Timestamp:    r.WallTS,
		Model:        r.Model,
		Provider:     r.Provider,
		Status:       r.Status,
		DurationMs:   r.Duration.Milliseconds(),
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
	}
	if r.ErrorBody != "" {
		line.Error = &r.ErrorBody
	}

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal metrics record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.maybeRotate(); err != nil {
		return err
	}

	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	return w.buf.Flush()
}

// Close flushes and closes the active file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

func (w *Writer) maybeRotate() error {
	info, err := w.file.Stat()
	if err != nil {
		return err
	}
	// An empty active file is never rotated; otherwise max_size_mb=0
	// rotates before every write.
	if info.Size() == 0 || info.Size() < w.maxSize {
		return nil
	}
	return w.rotate()
}

// rotate deletes the oldest numbered file if present, shifts every
// remaining numbered file up by one, renames the active file to .1, then
// reopens a fresh active file.
func (w *Writer) rotate() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	oldest := rotatedPath(w.path, w.maxFiles)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return fmt.Errorf("remove oldest rotated log: %w", err)
		}
	}

	for i := w.maxFiles - 1; i >= 1; i-- {
		from := rotatedPath(w.path, i)
		if _, err := os.Stat(from); err == nil {
			to := rotatedPath(w.path, i+1)
			if err := os.Rename(from, to); err != nil {
				return fmt.Errorf("shift rotated log %d: %w", i, err)
			}
		}
	}

	if err := os.Rename(w.path, rotatedPath(w.path, 1)); err != nil {
		return fmt.Errorf("rotate active log: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen active log: %w", err)
	}
	w.file = f
	w.buf = bufio.NewWriter(f)
	return nil
}

// rotatedPath appends ".<index>" to base's filename, preserving its directory.
func rotatedPath(base string, index int) string {
	return fmt.Sprintf("%s.%d", base, index)
}
