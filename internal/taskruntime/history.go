package taskruntime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ent0n29/jobcore/internal/protocol"
)

const (
	maxHistoryLogBytes = 256 * 1024
	maxHistoryItems    = 1000
)

var ErrUnknownHistory = errors.New("unknown history data type")

// History serves request_history. Offsets are byte offsets into the task log
// for logs, 0-based line counts into the metrics log for metrics, and positions
// in the task's full transition history for transitions.
func (m *Manager) History(ctx context.Context, taskID, dataType string, sinceOffset int64) (protocol.History, error) {
	if _, err := m.states.GetState(taskID); err != nil {
		return protocol.History{}, err
	}
	if sinceOffset < 0 {
		sinceOffset = 0
	}
	out := protocol.History{DataType: dataType, SinceOffset: sinceOffset, NextOffset: sinceOffset}
	paths := m.paths(taskID)

	switch dataType {
	case protocol.HistoryLogs:
		lines, next, err := readLogSince(paths.LogFile, sinceOffset)
		if err != nil {
			return protocol.History{}, err
		}
		out.Items, out.NextOffset = lines, next
	case protocol.HistoryMetrics:
		records, next, err := readMetricsSince(ctx, paths.MetricsFile, sinceOffset)
		if err != nil {
			return protocol.History{}, err
		}
		out.Items, out.NextOffset = records, next
	case protocol.HistoryTransitions:
		items, next, err := m.states.TransitionsSince(taskID, sinceOffset)
		if err != nil {
			return protocol.History{}, err
		}
		out.Items, out.NextOffset = items, next
	default:
		return protocol.History{}, fmt.Errorf("%w: %q", ErrUnknownHistory, dataType)
	}
	return out, nil
}

// readLogSince returns whole lines from offset, capped at
// maxHistoryLogBytes. next is the offset just past the last returned line.
func readLogSince(path string, offset int64) ([]string, int64, error) {
	lines := []string{}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return lines, offset, nil
		}
		return nil, offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	buf, err := io.ReadAll(io.LimitReader(f, maxHistoryLogBytes))
	if err != nil {
		return nil, offset, err
	}
	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		return lines, offset, nil
	}
	for _, line := range strings.Split(string(buf[:end]), "\n") {
		lines = append(lines, line)
	}
	return lines, offset + int64(end+1), nil
}

func readMetricsSince(ctx context.Context, path string, since int64) ([]map[string]any, int64, error) {
	records := []map[string]any{}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return records, since, nil
		}
		return nil, since, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var line int64
	for scanner.Scan() {
		if line%256 == 0 && ctx.Err() != nil {
			return nil, since, ctx.Err()
		}
		line++
		if line <= since {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err == nil {
			records = append(records, rec)
		}
		if len(records) >= maxHistoryItems {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, since, err
	}
	if line < since {
		line = since
	}
	return records, line, nil
}
