package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/jobcore/internal/execution"
	"github.com/ent0n29/jobcore/internal/jobspec"
	"github.com/ent0n29/jobcore/internal/observability"
	"github.com/ent0n29/jobcore/internal/supervisor"
	"github.com/ent0n29/jobcore/internal/tasks"
)

const (
	CauseCreate = "create"
	CauseStart  = "start"

	defaultMetricsPollInterval = 2 * time.Second
)

var (
	startableStates    = []tasks.TaskState{tasks.TaskStatePending, tasks.TaskStateCompleted, tasks.TaskStateFailed, tasks.TaskStateCancelled}
	cancellableStates  = []tasks.TaskState{tasks.TaskStatePending, tasks.TaskStateRunning}
	finishedFromStates = []tasks.TaskState{tasks.TaskStateRunning}
)

type Config struct {
	TaskRoot            string
	Supervisor          supervisor.Config
	MetricsPollInterval time.Duration
	WatchOutputs        bool
}

// Deps are the collaborators the manager drives. States and Builder are
// required.
type Deps struct {
	States   *tasks.StateManager
	Store    tasks.SnapshotStore
	Builder  *execution.Builder
	Datasets DatasetProvider
	Emitter  supervisor.Emitter
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Result is the outcome of a control operation. Message explains a refusal.
type Result struct {
	OK      bool   `json:"ok"`
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message,omitempty"`
}

func refused(taskID, format string, args ...any) Result {
	return Result{TaskID: taskID, Message: fmt.Sprintf(format, args...)}
}

type CreateRequest struct {
	Spec jobspec.Spec `json:"spec"`
}

// Task is the externally visible view of one task.
type Task struct {
	ID       string                  `json:"id"`
	Spec     *jobspec.Spec           `json:"spec,omitempty"`
	Snapshot tasks.TaskStateSnapshot `json:"snapshot"`
	Running  bool                    `json:"running"`
}

// afterStartTransition runs between the start transition and the launch.
var afterStartTransition = func(string) {}

type run struct {
	id    string
	epoch int
	sup   *supervisor.Supervisor
	done  chan struct{}
}

// Manager glues the state machine to job execution. Every state change goes
// through the StateManager; the manager only decides which change to ask for.
type Manager struct {
	cfg      Config
	states   *tasks.StateManager
	store    tasks.SnapshotStore
	builder  *execution.Builder
	datasets DatasetProvider
	emitter  supervisor.Emitter
	metrics  *observability.Metrics
	logger   *slog.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu   sync.Mutex
	runs map[string]*run
}

func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.States == nil {
		return nil, errors.New("state manager is required")
	}
	if deps.Builder == nil {
		return nil, errors.New("command builder is required")
	}
	if strings.TrimSpace(cfg.TaskRoot) == "" {
		return nil, errors.New("task root is required")
	}
	if cfg.MetricsPollInterval <= 0 {
		cfg.MetricsPollInterval = defaultMetricsPollInterval
	}
	if err := os.MkdirAll(cfg.TaskRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create task root: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		states:     deps.States,
		store:      deps.Store,
		builder:    deps.Builder,
		datasets:   deps.Datasets,
		emitter:    deps.Emitter,
		metrics:    deps.Metrics,
		logger:     logger.With("component", "task_manager"),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		runs:       make(map[string]*run),
	}, nil
}

func (m *Manager) paths(taskID string) execution.TaskPaths {
	return execution.Layout(m.cfg.TaskRoot, taskID)
}

// CreateTask validates the job, lays out its directory and registers it as
// pending.
func (m *Manager) CreateTask(ctx context.Context, req CreateRequest) (Task, Result) {
	spec := req.Spec
	if err := spec.Validate(); err != nil {
		return Task{}, refused("", "%v", err)
	}

	taskID := uuid.NewString()
	paths := m.paths(taskID)

	datasetRoot, files := "", []string(nil)
	if m.datasets != nil {
		var err error
		datasetRoot, files, err = m.datasets.Resolve(ctx, spec.DatasetID)
		if err != nil {
			return Task{}, refused("", "%v", err)
		}
	}

	if err := os.MkdirAll(paths.OutputDir, 0o755); err != nil {
		return Task{}, refused("", "create task directory: %v", err)
	}
	if err := jobspec.Save(paths.SpecFile, spec); err != nil {
		m.removeDir(paths.Dir)
		return Task{}, refused("", "persist job spec: %v", err)
	}
	engineCfg := jobspec.BuildEngineConfig(spec, datasetRoot, files, paths.OutputDir, paths.MetricsFile)
	if err := jobspec.WriteEngineConfig(paths.ConfigFile, engineCfg); err != nil {
		m.removeDir(paths.Dir)
		return Task{}, refused("", "write engine config: %v", err)
	}

	if !m.states.TransitionState(ctx, taskID, tasks.TaskStatePending, CauseCreate, map[string]any{"kind": string(spec.Kind)}) {
		m.removeDir(paths.Dir)
		return Task{}, refused(taskID, "task could not be registered")
	}
	m.logger.Info("task created", "taskId", taskID, "kind", spec.Kind, "datasetFiles", len(files))

	task, err := m.Get(taskID)
	if err != nil {
		return Task{}, refused(taskID, "%v", err)
	}
	return task, Result{OK: true, TaskID: taskID}
}

// StartTask moves the task to running and launches its supervisor. An empty
// causeID picks "start" for a pending task and a fresh restart cause
// otherwise.
func (m *Manager) StartTask(ctx context.Context, taskID, causeID string) Result {
	taskID = strings.TrimSpace(taskID)
	snap, err := m.states.GetState(taskID)
	if err != nil {
		return refused(taskID, "%v", err)
	}

	paths := m.paths(taskID)
	spec, err := jobspec.Load(paths.SpecFile)
	if err != nil {
		return refused(taskID, "load job spec: %v", err)
	}
	cmd, err := m.builder.Build(taskID, spec)
	if err != nil {
		return refused(taskID, "build command: %v", err)
	}

	if causeID = strings.TrimSpace(causeID); causeID == "" {
		if snap.State == tasks.TaskStatePending {
			causeID = CauseStart
		} else {
			causeID = "restart:" + uuid.NewString()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// A repeated cause succeeds without changing anything.
	if m.states.HasCause(taskID, causeID) {
		return Result{OK: true, TaskID: taskID, Message: "duplicate start ignored"}
	}
	// The previous run may still be tearing down after a cancel. Refuse before
	// touching state so a refused start never moves the task.
	if _, busy := m.runs[taskID]; busy {
		return refused(taskID, "task already has a live run")
	}

	supCfg := m.cfg.Supervisor
	supCfg.KillMarker = paths.Dir
	r := &run{
		id:   uuid.NewString(),
		sup:  supervisor.New(taskID, cmd, paths.LogFile, supCfg, m.emitter, m.metrics, m.logger),
		done: make(chan struct{}),
	}

	ok, observed := m.states.TransitionIfCurrentIn(ctx, taskID, startableStates, tasks.TaskStateRunning, causeID, map[string]any{"run_id": r.id})
	if !ok {
		if observed == "" {
			return refused(taskID, "%v", tasks.ErrTaskNotFound)
		}
		return refused(taskID, "task cannot start from %s", observed)
	}
	afterStartTransition(taskID)
	now, err := m.states.GetState(taskID)
	if err != nil {
		return refused(taskID, "%v", err)
	}
	if now.State != tasks.TaskStateRunning {
		// A cancel landed between the transition and the launch.
		return refused(taskID, "start superseded: task is now %s", now.State)
	}
	r.epoch = now.Epoch

	m.runs[taskID] = r
	go m.execute(taskID, paths, r)
	return Result{OK: true, TaskID: taskID}
}

func (m *Manager) execute(taskID string, paths execution.TaskPaths, r *run) {
	defer close(r.done)

	auxCtx, stopAux := context.WithCancel(m.baseCtx)
	var aux errgroup.Group
	aux.Go(func() error {
		m.pollMetrics(auxCtx, taskID, paths.MetricsFile)
		return nil
	})
	if m.cfg.WatchOutputs {
		watcher, err := newOutputWatcher(paths.OutputDir)
		if err != nil {
			m.logger.Warn("output watcher unavailable", "taskId", taskID, "error", err)
		} else {
			aux.Go(func() error {
				return m.watchOutputs(auxCtx, taskID, paths.OutputDir, watcher)
			})
		}
	}

	res := r.sup.Run(m.baseCtx)
	stopAux()
	if err := aux.Wait(); err != nil {
		m.logger.Warn("output watcher stopped", "taskId", taskID, "error", err)
	}

	final := finalState(res.State)
	meta := map[string]any{
		"run_id":    r.id,
		"exit_code": res.ExitCode,
		"attempts":  res.Attempts,
		"retries":   res.Retries,
	}
	if res.Mirror != "" {
		meta["mirror"] = res.Mirror
	}
	if res.Err != nil {
		meta["error"] = res.Err.Error()
	}

	// Leaving the run table and recording the outcome happen under one lock,
	// so no restart can slip in between. The outcome only applies to the
	// epoch this run was launched in.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs[taskID] == r {
		delete(m.runs, taskID)
	}
	snap, err := m.states.GetState(taskID)
	if err != nil {
		m.logger.Info("run outcome dropped", "taskId", taskID, "outcome", final, "error", err)
		return
	}
	if snap.Epoch != r.epoch {
		m.logger.Info("run outcome superseded", "taskId", taskID, "outcome", final, "runEpoch", r.epoch, "epoch", snap.Epoch)
		return
	}
	ok, observed := m.states.TransitionIfCurrentIn(context.Background(), taskID, finishedFromStates, final, "finish:"+r.id, meta)
	if !ok {
		m.logger.Info("run outcome superseded", "taskId", taskID, "outcome", final, "current", observed)
	}
}

func finalState(st supervisor.RunState) tasks.TaskState {
	switch st {
	case supervisor.RunCompleted:
		return tasks.TaskStateCompleted
	case supervisor.RunCancelled:
		return tasks.TaskStateCancelled
	default:
		return tasks.TaskStateFailed
	}
}

// CancelTask marks the task cancelled and tears the run down in the
// background. It returns without waiting for the process to exit.
func (m *Manager) CancelTask(ctx context.Context, taskID, causeID string) Result {
	taskID = strings.TrimSpace(taskID)
	if causeID = strings.TrimSpace(causeID); causeID == "" {
		causeID = "cancel:" + uuid.NewString()
	}
	ok, observed := m.states.TransitionIfCurrentIn(ctx, taskID, cancellableStates, tasks.TaskStateCancelled, causeID, nil)
	if !ok {
		if observed == "" {
			return refused(taskID, "%v", tasks.ErrTaskNotFound)
		}
		return refused(taskID, "task cannot be cancelled from %s", observed)
	}

	m.mu.Lock()
	r := m.runs[taskID]
	m.mu.Unlock()
	if r != nil {
		r.sup.Cancel()
	}
	return Result{OK: true, TaskID: taskID}
}

// DeleteTask cancels any live run, forgets the task and removes its
// directory.
func (m *Manager) DeleteTask(ctx context.Context, taskID string) Result {
	taskID = strings.TrimSpace(taskID)
	if _, err := m.states.GetState(taskID); err != nil {
		return refused(taskID, "%v", err)
	}
	m.CancelTask(ctx, taskID, "")

	m.mu.Lock()
	r := m.runs[taskID]
	m.mu.Unlock()
	if r != nil {
		r.sup.Cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return refused(taskID, "run still stopping: %v", ctx.Err())
		}
	}

	m.states.CleanupTask(ctx, taskID)
	m.removeDir(m.paths(taskID).Dir)
	m.logger.Info("task deleted", "taskId", taskID)
	return Result{OK: true, TaskID: taskID}
}

func (m *Manager) Get(taskID string) (Task, error) {
	snap, err := m.states.GetState(taskID)
	if err != nil {
		return Task{}, err
	}
	task := Task{ID: snap.TaskID, Snapshot: snap, Running: m.isRunning(snap.TaskID)}
	if spec, err := jobspec.Load(m.paths(snap.TaskID).SpecFile); err == nil {
		task.Spec = &spec
	}
	return task, nil
}

func (m *Manager) GetSnapshot(taskID string) (tasks.TaskStateSnapshot, error) {
	return m.states.GetState(taskID)
}

func (m *Manager) ListTasks() []Task {
	snaps := m.states.ListAllSnapshots()
	out := make([]Task, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, Task{ID: snap.TaskID, Snapshot: snap, Running: m.isRunning(snap.TaskID)})
	}
	return out
}

func (m *Manager) ListTransitions(taskID string, limit int) ([]tasks.StateTransition, error) {
	return m.states.GetTransitionHistory(taskID, limit)
}

func (m *Manager) isRunning(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[taskID]
	return ok
}

// Reconcile restores persisted snapshots. A task persisted as running has no
// supervisor after a restart, so it is failed with reason
// recovered_on_startup.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	snaps, err := m.store.LoadSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshots: %w", err)
	}
	recovered := 0
	for _, snap := range snaps {
		if err := m.states.Restore(snap); err != nil {
			m.logger.Warn("skipping unrestorable snapshot", "taskId", snap.TaskID, "error", err)
			continue
		}
		if snap.State != tasks.TaskStateRunning || m.isRunning(snap.TaskID) {
			continue
		}
		meta := map[string]any{tasks.MetadataReason: tasks.ReasonRecoveredOnStartup}
		cause := fmt.Sprintf("recover:%d:%d", snap.Epoch, snap.UpdatedAt.UnixNano())
		if ok, _ := m.states.TransitionIfCurrentIn(ctx, snap.TaskID, finishedFromStates, tasks.TaskStateFailed, cause, meta); ok {
			recovered++
			m.logger.Warn("orphaned running task marked failed", "taskId", snap.TaskID, "epoch", snap.Epoch)
		}
	}
	m.logger.Info("reconciled task snapshots", "restored", len(snaps), "recovered", recovered)
	return recovered, nil
}

// Close cancels every live run and waits for them to finish or ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	live := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		live = append(live, r)
	}
	m.mu.Unlock()

	for _, r := range live {
		r.sup.Cancel()
	}
	defer m.cancelBase()
	for _, r := range live {
		select {
		case <-r.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for runs to stop: %w", ctx.Err())
		}
	}
	return nil
}

func (m *Manager) removeDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("remove task directory failed", "dir", dir, "error", err)
	}
}
