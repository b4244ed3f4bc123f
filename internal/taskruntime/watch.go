package taskruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ent0n29/jobcore/internal/protocol"
)

const (
	maxMetricsChunk     = 1 << 20
	fileWriteCoalescing = 500 * time.Millisecond
	outputSettle        = 150 * time.Millisecond
)

// metricsTail follows an append-only JSONL file by byte offset.
type metricsTail struct {
	path   string
	offset int64
	line   int64
	// skipping is set while discarding a line longer than maxMetricsChunk.
	skipping bool
}

// next returns the complete records appended since the last call. A partial
// trailing line is left for the next call. Lines that are not JSON objects are
// counted but skipped.
func (t *metricsTail) next() ([]map[string]any, []int64, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if info.Size() < t.offset {
		// Truncated or replaced: start over.
		t.offset, t.line, t.skipping = 0, 0, false
	}
	if info.Size() == t.offset {
		return nil, nil, nil
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, nil, err
	}
	buf, err := io.ReadAll(io.LimitReader(f, maxMetricsChunk))
	if err != nil {
		return nil, nil, err
	}
	if t.skipping {
		nl := bytes.IndexByte(buf, '\n')
		if nl < 0 {
			t.offset += int64(len(buf))
			return nil, nil, nil
		}
		t.offset += int64(nl + 1)
		t.line++
		t.skipping = false
		buf = buf[nl+1:]
	}
	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		if len(buf) == maxMetricsChunk {
			// A single line fills the whole chunk: drop it.
			t.offset += int64(len(buf))
			t.skipping = true
		}
		return nil, nil, nil
	}
	buf = buf[:end+1]
	t.offset += int64(len(buf))

	var (
		records []map[string]any
		lines   []int64
	)
	for _, raw := range bytes.Split(buf[:end], []byte{'\n'}) {
		t.line++
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		records = append(records, rec)
		lines = append(lines, t.line)
	}
	return records, lines, nil
}

// pollMetrics emits each new metrics-log record as a metric event until ctx
// ends, then drains once more.
func (m *Manager) pollMetrics(ctx context.Context, taskID, path string) {
	tail := &metricsTail{path: path}
	if info, err := os.Stat(path); err == nil {
		// Records from an earlier run were already delivered.
		tail.offset = info.Size()
		tail.line = countLines(path)
	}
	ticker := time.NewTicker(m.cfg.MetricsPollInterval)
	defer ticker.Stop()

	drain := func() {
		records, lines, err := tail.next()
		if err != nil {
			m.logger.Debug("metrics log read failed", "taskId", taskID, "error", err)
			return
		}
		for i, rec := range records {
			if m.emitter == nil {
				continue
			}
			m.emitter.EmitAsync(protocol.EventMetric, protocol.Metric{
				TaskID: taskID,
				Kind:   protocol.MetricKindMetricsLog,
				Values: rec,
				Line:   lines[i],
			})
		}
	}
	for {
		select {
		case <-ctx.Done():
			drain()
			return
		case <-ticker.C:
			drain()
		}
	}
}

func countLines(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return int64(bytes.Count(data, []byte{'\n'}))
}

func newOutputWatcher(dir string) (*fsnotify.Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return watcher, nil
}

// watchOutputs reports files the engine creates, rewrites or removes in the
// task output directory. It owns watcher and closes it.
func (m *Manager) watchOutputs(ctx context.Context, taskID, dir string, watcher *fsnotify.Watcher) error {
	defer watcher.Close()

	lastWrite := make(map[string]time.Time)
	handle := func(ev fsnotify.Event) {
		op := fileOp(ev.Op)
		if op == "" {
			return
		}
		if op == "modified" {
			now := time.Now()
			if now.Sub(lastWrite[ev.Name]) < fileWriteCoalescing {
				return
			}
			lastWrite[ev.Name] = now
		}
		rel, err := filepath.Rel(dir, ev.Name)
		if err != nil {
			rel = filepath.Base(ev.Name)
		}
		payload := protocol.FileEvent{TaskID: taskID, Path: filepath.ToSlash(rel), Op: op}
		if info, err := os.Stat(ev.Name); err == nil && !info.IsDir() {
			payload.Size = info.Size()
		}
		if m.emitter != nil {
			m.emitter.EmitAsync(protocol.EventFile, payload)
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Pick up events still in flight from the final writes.
			settle := time.NewTimer(outputSettle)
			defer settle.Stop()
			for {
				select {
				case ev, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					handle(ev)
				case <-settle.C:
					return nil
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("output watcher error", "taskId", taskID, "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			handle(ev)
		}
	}
}

func fileOp(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "created"
	case op.Has(fsnotify.Write):
		return "modified"
	case op.Has(fsnotify.Remove):
		return "removed"
	case op.Has(fsnotify.Rename):
		return "renamed"
	default:
		return ""
	}
}
