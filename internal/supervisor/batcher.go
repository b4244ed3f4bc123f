package supervisor

import (
	"time"

	"github.com/ent0n29/jobcore/internal/protocol"
)

// logBatcher groups output lines into log_batch events. A batch is flushed
// when it reaches max lines or when its oldest line is interval old,
// whichever comes first.
type logBatcher struct {
	taskID   string
	max      int
	interval time.Duration
	emitter  Emitter

	lines   []string
	offset  int64
	firstAt time.Time
}

func newLogBatcher(taskID string, max int, interval time.Duration, emitter Emitter) *logBatcher {
	if max <= 0 {
		max = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &logBatcher{taskID: taskID, max: max, interval: interval, emitter: emitter}
}

// Add queues a line. offset is the log file size after the line was written.
func (b *logBatcher) Add(line string, offset int64, now time.Time) {
	if len(b.lines) == 0 {
		b.firstAt = now
	}
	b.lines = append(b.lines, line)
	b.offset = offset
	if len(b.lines) >= b.max {
		b.Flush()
	}
}

func (b *logBatcher) Tick(now time.Time) {
	if len(b.lines) > 0 && now.Sub(b.firstAt) >= b.interval {
		b.Flush()
	}
}

func (b *logBatcher) Flush() {
	if len(b.lines) == 0 {
		return
	}
	lines := b.lines
	b.lines = nil
	if b.emitter != nil {
		b.emitter.EmitAsync(protocol.EventLogBatch, protocol.LogBatch{
			TaskID: b.taskID,
			Lines:  lines,
			Offset: b.offset,
		})
	}
}
