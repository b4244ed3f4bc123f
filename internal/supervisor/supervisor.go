package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/jobcore/internal/execution"
	"github.com/ent0n29/jobcore/internal/observability"
	"github.com/ent0n29/jobcore/internal/policy"
	"github.com/ent0n29/jobcore/internal/protocol"
	"github.com/ent0n29/jobcore/internal/reliability"
)

// RunState is the supervisor's own view of one run.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunStarting  RunState = "starting"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultTailLines    = 200
	maxLineBytes        = 64 * 1024
	exitWaitAfterKill   = 5 * time.Second
)

// Emitter is the non-blocking publish side of the event bus.
type Emitter interface {
	EmitAsync(eventType string, payload any)
}

type Config struct {
	Mirrors          []string
	MirrorEnvVar     string
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	TerminateGrace   time.Duration
	WatchdogInterval time.Duration
	PollInterval     time.Duration
	LogBatchSize     int
	LogBatchInterval time.Duration
	KillSignatures   []string
	// KillMarker narrows the signature sweep to processes whose command line
	// also contains it, normally the task directory.
	KillMarker string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = c.RetryBaseDelay
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = 10 * time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// Result describes how a run ended.
type Result struct {
	State        RunState
	ExitCode     int
	Attempts     int
	Retries      int
	Mirror       string
	Err          error
	LastProgress protocol.Progress
	Duration     time.Duration
}

// Supervisor runs one job subprocess with retry, output capture and
// cooperative cancellation. Run must be called at most once.
type Supervisor struct {
	taskID  string
	cmd     execution.Command
	logPath string
	cfg     Config
	emitter Emitter
	logger  *slog.Logger
	metrics *observability.Metrics

	cancelled atomic.Bool

	mu       sync.Mutex
	state    RunState
	pid      int
	progress protocol.Progress

	logFile       *os.File
	logOffset     int64
	batcher       *logBatcher
	tail          []string
	pendingMetric bool
	lastMetricAt  time.Time
}

func New(taskID string, cmd execution.Command, logPath string, cfg Config, emitter Emitter, metrics *observability.Metrics, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Supervisor{
		taskID:  taskID,
		cmd:     cmd,
		logPath: logPath,
		cfg:     cfg,
		emitter: emitter,
		logger:  logger.With("component", "supervisor", "taskId", taskID),
		metrics: metrics,
		state:   RunIdle,
	}
}

// Cancel asks the run to stop. It returns immediately; the monitor loop
// notices the flag on its next tick and tears the process tree down.
func (s *Supervisor) Cancel() {
	if s.cancelled.CompareAndSwap(false, true) {
		s.logger.Info("cancel requested")
	}
}

func (s *Supervisor) Cancelled() bool { return s.cancelled.Load() }

func (s *Supervisor) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

func (s *Supervisor) setState(st RunState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run executes the job until it completes, fails or is cancelled. A done ctx is
// treated like Cancel.
func (s *Supervisor) Run(ctx context.Context) Result {
	started := time.Now()
	s.setState(RunStarting)
	s.metrics.JobStarted()

	res := s.run(ctx)
	res.Duration = time.Since(started)
	s.mu.Lock()
	s.state = res.State
	res.LastProgress = s.progress
	s.mu.Unlock()

	s.metrics.JobFinished(string(res.State), res.Duration)
	s.logger.Info("run finished",
		"state", res.State, "exitCode", res.ExitCode, "attempts", res.Attempts,
		"retries", res.Retries, "mirror", res.Mirror, "duration", res.Duration, "error", res.Err)
	return res
}

func (s *Supervisor) run(ctx context.Context) Result {
	if len(s.cmd.Args) == 0 {
		return Result{State: RunFailed, ExitCode: -1, Err: errors.New("empty command")}
	}
	if err := s.openLog(); err != nil {
		return Result{State: RunFailed, ExitCode: -1, Err: err}
	}
	defer s.closeLog()

	s.batcher = newLogBatcher(s.taskID, s.cfg.LogBatchSize, s.cfg.LogBatchInterval, s.emitter)
	defer s.batcher.Flush()

	var res Result
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if s.stopRequested(ctx) {
			res.State = RunCancelled
			res.Err = ctx.Err()
			return res
		}

		res.Attempts = attempt
		res.Mirror = s.mirrorFor(attempt)
		cmd := s.cmd
		if res.Mirror != "" && s.cfg.MirrorEnvVar != "" {
			cmd = cmd.WithEnv(s.cfg.MirrorEnvVar, res.Mirror)
		}
		s.note("info", fmt.Sprintf("attempt %d/%d starting (mirror %s)", attempt, s.cfg.MaxAttempts, displayMirror(res.Mirror)))
		s.logger.Info("attempt starting", "attempt", attempt, "mirror", res.Mirror, "cmd", cmd.String())
		s.logger.Debug("attempt environment", "attempt", attempt, "env", policy.RedactEnv(cmd.Env))

		out := s.runAttempt(ctx, cmd)
		res.ExitCode = out.exitCode
		switch {
		case out.cancelled:
			res.State = RunCancelled
			res.Err = ctx.Err()
			return res
		case out.startErr != nil:
			res.State = RunFailed
			res.Err = out.startErr
			s.note("error", "failed to start engine: "+out.startErr.Error())
			return res
		case out.exitCode == 0:
			res.State = RunCompleted
			res.Err = nil
			return res
		}

		class := reliability.ClassifyOutput(out.tail)
		res.Err = fmt.Errorf("engine exited with code %d (%s failure)", out.exitCode, class)
		if class != reliability.FailureNetwork || attempt == s.cfg.MaxAttempts {
			res.State = RunFailed
			s.note("error", fmt.Sprintf("attempt %d failed with exit code %d; not retrying", attempt, out.exitCode))
			return res
		}

		res.Retries++
		s.metrics.ObserveRetry(string(class))
		delay := reliability.ExponentialBackoff(attempt-1, s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay)
		s.note("warn", fmt.Sprintf("network failure on attempt %d; retrying with mirror %s in %s",
			attempt, displayMirror(s.mirrorFor(attempt+1)), delay))
		if !s.sleep(ctx, delay) {
			res.State = RunCancelled
			res.Err = ctx.Err()
			return res
		}
	}
	res.State = RunFailed
	return res
}

// sleep waits in PollInterval ticks so a cancel during backoff is honored
// promptly. It reports false when the wait was interrupted.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if s.stopRequested(ctx) {
			return false
		}
		step := s.cfg.PollInterval
		if rem := time.Until(deadline); rem < step {
			step = rem
		}
		time.Sleep(step)
	}
	return !s.stopRequested(ctx)
}

func (s *Supervisor) stopRequested(ctx context.Context) bool {
	return s.cancelled.Load() || ctx.Err() != nil
}

func (s *Supervisor) mirrorFor(attempt int) string {
	if len(s.cfg.Mirrors) == 0 {
		return ""
	}
	return s.cfg.Mirrors[(attempt-1)%len(s.cfg.Mirrors)]
}

func displayMirror(m string) string {
	if m == "" {
		return "default"
	}
	return m
}

type attemptOutcome struct {
	exitCode  int
	startErr  error
	cancelled bool
	tail      []string
}

func (s *Supervisor) runAttempt(ctx context.Context, cmd execution.Command) attemptOutcome {
	s.tail = s.tail[:0]

	c := exec.Command(cmd.Args[0], cmd.Args[1:]...)
	c.Dir = cmd.Dir
	c.Env = cmd.Env
	pr, pw, err := os.Pipe()
	if err != nil {
		return attemptOutcome{exitCode: -1, startErr: fmt.Errorf("create output pipe: %w", err)}
	}
	c.Stdout = pw
	c.Stderr = pw
	setProcAttr(c)

	if err := c.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return attemptOutcome{exitCode: -1, startErr: err}
	}
	_ = pw.Close()
	pid := c.Process.Pid
	s.mu.Lock()
	s.pid = pid
	s.state = RunRunning
	s.mu.Unlock()
	s.metrics.ObserveAttempt()

	exited := make(chan error, 1)
	go func() { exited <- c.Wait() }()

	lines := make(chan string, 256)
	stop := make(chan struct{})
	var readers errgroup.Group
	readers.Go(func() error {
		readLines(pr, lines, stop)
		return nil
	})

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var (
		waitErr       error
		processExited bool
		lastActivity  = time.Now()
		out           attemptOutcome
	)

monitor:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				if processExited {
					break monitor
				}
				continue
			}
			lastActivity = time.Now()
			s.handleLine(line)
		case waitErr = <-exited:
			processExited = true
			exited = nil
			lastActivity = time.Now()
			if lines == nil {
				break monitor
			}
		case now := <-ticker.C:
			s.batcher.Tick(now)
			s.flushProgress(now, false)
			if s.stopRequested(ctx) {
				out.cancelled = true
				if !processExited {
					waitErr, processExited = s.stop(pid, exited)
				}
				break monitor
			}
			if processExited && now.Sub(lastActivity) >= s.cfg.WatchdogInterval {
				// Descendants still hold the write end of the pipe.
				s.logger.Warn("output watchdog fired after exit; abandoning pipe", "pid", pid)
				s.metrics.ObserveKillStage("watchdog")
				_ = killGroup(pid)
				break monitor
			}
		}
	}

	close(stop)
	_ = pr.Close()
	_ = readers.Wait()
	s.flushProgress(time.Now(), true)

	if !processExited {
		select {
		case waitErr = <-exited:
		case <-time.After(exitWaitAfterKill):
			s.logger.Error("process did not exit after kill", "pid", pid)
		}
	}
	out.exitCode = exitCode(waitErr)
	out.tail = append([]string(nil), s.tail...)
	return out
}

// stop runs the escalation ladder against pid and its descendants. It
// returns the wait result if the process exited meanwhile.
func (s *Supervisor) stop(pid int, exited <-chan error) (error, bool) {
	s.note("warn", "cancellation requested; terminating engine")
	s.metrics.ObserveKillStage("terminate")
	if err := terminateGroup(pid); err != nil {
		s.logger.Debug("terminate signal failed", "pid", pid, "error", err)
	}

	select {
	case err := <-exited:
		// Leader is gone; clear any stragglers left in its group.
		_ = killGroup(pid)
		return err, true
	case <-time.After(s.cfg.TerminateGrace):
	}

	s.logger.Warn("graceful termination timed out; killing process tree", "pid", pid, "grace", s.cfg.TerminateGrace)
	s.metrics.ObserveKillStage("kill_tree")
	if err := killTree(pid); err != nil {
		s.logger.Warn("process tree enumeration failed; killing process group", "pid", pid, "error", err)
		s.metrics.ObserveKillStage("group_kill")
		_ = killGroup(pid)
	}

	var (
		waitErr error
		done    bool
	)
	select {
	case waitErr = <-exited:
		done = true
	case <-time.After(exitWaitAfterKill):
	}

	if n := sweepSignatures(s.cfg.KillSignatures, s.cfg.KillMarker); n > 0 {
		s.metrics.ObserveKillStage("signature_sweep")
		s.logger.Warn("killed stray engine processes", "count", n)
	}
	return waitErr, done
}

func (s *Supervisor) handleLine(raw string) {
	line := policy.RedactLine(raw)
	now := time.Now()
	s.appendLog(line)
	s.batcher.Add(line, s.logOffset, now)

	s.tail = append(s.tail, line)
	if len(s.tail) > defaultTailLines {
		s.tail = s.tail[len(s.tail)-defaultTailLines:]
	}

	if p, ok := ParseProgress(line); ok {
		s.mu.Lock()
		s.progress = mergeProgress(s.progress, p)
		s.mu.Unlock()
		s.pendingMetric = true
		s.flushProgress(now, false)
	}
}

// flushProgress emits the merged progress at most once per batch interval.
func (s *Supervisor) flushProgress(now time.Time, force bool) {
	if !s.pendingMetric {
		return
	}
	if !force && now.Sub(s.lastMetricAt) < s.batcher.interval {
		return
	}
	s.mu.Lock()
	p := s.progress
	s.mu.Unlock()
	s.pendingMetric = false
	s.lastMetricAt = now
	if s.emitter != nil {
		s.emitter.EmitAsync(protocol.EventMetric, protocol.Metric{
			TaskID:   s.taskID,
			Kind:     protocol.MetricKindProgress,
			Progress: &p,
		})
	}
}

// note records a supervisor message in the task log and as a log event.
func (s *Supervisor) note(level, msg string) {
	s.appendLog("[jobcore] " + msg)
	if s.emitter != nil {
		s.emitter.EmitAsync(protocol.EventLog, protocol.LogLine{TaskID: s.taskID, Line: msg, Level: level})
	}
}

func (s *Supervisor) openLog() error {
	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open task log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat task log: %w", err)
	}
	s.logFile = f
	s.logOffset = info.Size()
	return nil
}

func (s *Supervisor) appendLog(line string) {
	if s.logFile == nil {
		return
	}
	n, err := io.WriteString(s.logFile, line+"\n")
	s.logOffset += int64(n)
	if err != nil {
		s.logger.Warn("task log write failed", "error", err)
	}
}

func (s *Supervisor) closeLog() {
	if s.logFile == nil {
		return
	}
	if err := s.logFile.Close(); err != nil {
		s.logger.Warn("task log close failed", "error", err)
	}
	s.logFile = nil
}

// readLines splits output on newlines and carriage returns so progress-bar
// redraws arrive as separate lines. Blank lines are dropped and overlong lines
// truncated.
func readLines(r io.Reader, out chan<- string, stop <-chan struct{}) {
	defer close(out)
	br := bufio.NewReaderSize(r, 64*1024)
	line := make([]byte, 0, 256)
	send := func() bool {
		select {
		case out <- string(line):
			line = line[:0]
			return true
		case <-stop:
			return false
		}
	}
	for {
		b, err := br.ReadByte()
		if err != nil {
			if len(line) > 0 {
				send()
			}
			return
		}
		switch b {
		case '\n', '\r':
			if len(line) > 0 && !send() {
				return
			}
		default:
			if len(line) < maxLineBytes {
				line = append(line, b)
			}
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
