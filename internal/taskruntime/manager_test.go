//go:build !windows

package taskruntime

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/jobcore/internal/execution"
	"github.com/ent0n29/jobcore/internal/jobspec"
	"github.com/ent0n29/jobcore/internal/protocol"
	"github.com/ent0n29/jobcore/internal/supervisor"
	"github.com/ent0n29/jobcore/internal/tasks"
)

const quickEngine = `echo "step 1/2 loss=0.5"
echo '{"step": 1, "loss": 0.5}' >> "$6"
echo "weights" > "$4/model.safetensors"
echo "step 2/2 loss=0.25"
exit 0
`

const slowEngine = `echo "warming up"
sleep 30
`

type recordedEvent struct {
	eventType string
	payload   any
}

type fakeBus struct {
	mu     sync.Mutex
	events []recordedEvent
	resets map[string]int
}

func newFakeBus() *fakeBus {
	return &fakeBus{resets: make(map[string]int)}
}

func (b *fakeBus) EmitAsync(eventType string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{eventType: eventType, payload: payload})
}

func (b *fakeBus) ResetSequence(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets[taskID]++
}

func (b *fakeBus) ofType(eventType string) []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []any
	for _, e := range b.events {
		if e.eventType == eventType {
			out = append(out, e.payload)
		}
	}
	return out
}

type harness struct {
	mgr    *Manager
	states *tasks.StateManager
	bus    *fakeBus
	root   string
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", name, err)
	}
	return path
}

func newHarness(t *testing.T, store tasks.SnapshotStore) *harness {
	t.Helper()
	root := t.TempDir()
	datasets := filepath.Join(root, "datasets", "ds-1")
	if err := os.MkdirAll(datasets, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(datasets, "a.png"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	scripts := filepath.Join(root, "engines")
	if err := os.MkdirAll(scripts, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	bus := newFakeBus()
	states := tasks.NewStateManager(store, bus)
	builder := execution.NewBuilder(execution.StaticResolver{
		PythonPath: "/bin/sh",
		Scripts: map[jobspec.Kind]string{
			jobspec.KindLoRA:     writeScript(t, scripts, "quick.sh", quickEngine),
			jobspec.KindFinetune: writeScript(t, scripts, "slow.sh", slowEngine),
		},
		Root: filepath.Join(root, "tasks"),
	})
	mgr, err := New(Config{
		TaskRoot: filepath.Join(root, "tasks"),
		Supervisor: supervisor.Config{
			MaxAttempts:      1,
			TerminateGrace:   500 * time.Millisecond,
			WatchdogInterval: 5 * time.Second,
			PollInterval:     20 * time.Millisecond,
			LogBatchSize:     10,
			LogBatchInterval: 50 * time.Millisecond,
		},
		MetricsPollInterval: 20 * time.Millisecond,
		WatchOutputs:        true,
	}, Deps{
		States:   states,
		Store:    store,
		Builder:  builder,
		Datasets: DirDatasets{Root: filepath.Join(root, "datasets")},
		Emitter:  bus,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return &harness{mgr: mgr, states: states, bus: bus, root: root}
}

func loraSpec() jobspec.Spec {
	return jobspec.Spec{
		Kind:      jobspec.KindLoRA,
		Name:      "portrait",
		BaseModel: "base",
		DatasetID: "ds-1",
		Training:  jobspec.Training{Epochs: 1},
		LoRA:      &jobspec.LoRAParams{Rank: 4},
	}
}

func finetuneSpec() jobspec.Spec {
	return jobspec.Spec{
		Kind:      jobspec.KindFinetune,
		BaseModel: "base",
		DatasetID: "ds-1",
		Training:  jobspec.Training{MaxSteps: 10},
		Finetune:  &jobspec.FinetuneParams{EMA: true},
	}
}

func (h *harness) create(t *testing.T, spec jobspec.Spec) string {
	t.Helper()
	task, res := h.mgr.CreateTask(context.Background(), CreateRequest{Spec: spec})
	if !res.OK {
		t.Fatalf("CreateTask() refused: %s", res.Message)
	}
	return task.ID
}

func (h *harness) waitState(t *testing.T, taskID string, want tasks.TaskState) tasks.TaskStateSnapshot {
	t.Helper()
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := h.states.GetState(taskID)
		if err != nil {
			t.Fatalf("GetState() error = %v", err)
		}
		if snap.State == want {
			return snap
		}
		time.Sleep(20 * time.Millisecond)
	}
	snap, _ := h.states.GetState(taskID)
	t.Fatalf("task state = %s, want %s", snap.State, want)
	return snap
}

func (h *harness) waitIdle(t *testing.T, taskID string) {
	t.Helper()
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if !h.mgr.isRunning(taskID) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run for %s did not finish", taskID)
}

func TestCreateTaskLaysOutDirectory(t *testing.T) {
	h := newHarness(t, nil)
	id := h.create(t, loraSpec())

	snap, err := h.mgr.GetSnapshot(id)
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if snap.State != tasks.TaskStatePending || snap.Epoch != 1 {
		t.Fatalf("snapshot = %s/%d, want pending/1", snap.State, snap.Epoch)
	}

	paths := execution.Layout(filepath.Join(h.root, "tasks"), id)
	cfg, err := jobspec.ReadEngineConfig(paths.ConfigFile)
	if err != nil {
		t.Fatalf("ReadEngineConfig() error = %v", err)
	}
	if len(cfg.Dataset.Files) != 1 || cfg.Dataset.Files[0] != "a.png" {
		t.Fatalf("dataset files = %v, want [a.png]", cfg.Dataset.Files)
	}
	task, err := h.mgr.Get(id)
	if err != nil || task.Spec == nil || task.Spec.Name != "portrait" {
		t.Fatalf("Get() = %+v, %v; want persisted spec", task, err)
	}
}

func TestCreateTaskRefusals(t *testing.T) {
	h := newHarness(t, nil)

	bad := loraSpec()
	bad.LoRA = nil
	if _, res := h.mgr.CreateTask(context.Background(), CreateRequest{Spec: bad}); res.OK {
		t.Fatalf("CreateTask(invalid) OK, want refusal")
	}

	missing := loraSpec()
	missing.DatasetID = "nope"
	if _, res := h.mgr.CreateTask(context.Background(), CreateRequest{Spec: missing}); res.OK {
		t.Fatalf("CreateTask(unknown dataset) OK, want refusal")
	}
	if got := len(h.mgr.ListTasks()); got != 0 {
		t.Fatalf("ListTasks() len = %d, want 0", got)
	}
}

func TestRunCompletesThenRestartsInNewEpoch(t *testing.T) {
	h := newHarness(t, nil)
	id := h.create(t, loraSpec())

	if res := h.mgr.StartTask(context.Background(), id, ""); !res.OK {
		t.Fatalf("StartTask() refused: %s", res.Message)
	}
	snap := h.waitState(t, id, tasks.TaskStateCompleted)
	if snap.Epoch != 1 {
		t.Fatalf("epoch = %d, want 1", snap.Epoch)
	}
	h.waitIdle(t, id)

	if res := h.mgr.StartTask(context.Background(), id, ""); !res.OK {
		t.Fatalf("restart refused: %s", res.Message)
	}
	h.waitState(t, id, tasks.TaskStateCompleted)
	h.waitIdle(t, id)

	snap, _ = h.states.GetState(id)
	if snap.Epoch != 2 {
		t.Fatalf("epoch after restart = %d, want 2", snap.Epoch)
	}
	h.bus.mu.Lock()
	resets := h.bus.resets[id]
	h.bus.mu.Unlock()
	if resets != 1 {
		t.Fatalf("sequence resets = %d, want 1", resets)
	}

	history, err := h.mgr.ListTransitions(id, 0)
	if err != nil {
		t.Fatalf("ListTransitions() error = %v", err)
	}
	want := []tasks.TaskState{tasks.TaskStatePending, tasks.TaskStateRunning, tasks.TaskStateCompleted, tasks.TaskStateRunning, tasks.TaskStateCompleted}
	if len(history) != len(want) {
		t.Fatalf("history len = %d, want %d", len(history), len(want))
	}
	for i, tr := range history {
		if tr.ToState != want[i] {
			t.Fatalf("history[%d] = %s, want %s", i, tr.ToState, want[i])
		}
	}
	if history[3].Epoch != 2 {
		t.Fatalf("restart transition epoch = %d, want 2", history[3].Epoch)
	}

	var sawMetricsLog, sawFile bool
	for _, p := range h.bus.ofType(protocol.EventMetric) {
		if m := p.(protocol.Metric); m.Kind == protocol.MetricKindMetricsLog {
			sawMetricsLog = true
		}
	}
	for _, p := range h.bus.ofType(protocol.EventFile) {
		if f := p.(protocol.FileEvent); f.Path == "model.safetensors" {
			sawFile = true
		}
	}
	if !sawMetricsLog {
		t.Fatalf("no metrics_log metric emitted")
	}
	if !sawFile {
		t.Fatalf("no file event for model.safetensors")
	}
}

func TestStartRefusedWhileRunning(t *testing.T) {
	h := newHarness(t, nil)
	id := h.create(t, finetuneSpec())

	if res := h.mgr.StartTask(context.Background(), id, ""); !res.OK {
		t.Fatalf("StartTask() refused: %s", res.Message)
	}
	if res := h.mgr.StartTask(context.Background(), id, "another"); res.OK {
		t.Fatalf("second StartTask() OK, want refusal")
	}
	if res := h.mgr.StartTask(context.Background(), id, CauseStart); !res.OK {
		t.Fatalf("repeated start cause refused: %s", res.Message)
	}
	if res := h.mgr.CancelTask(context.Background(), id, ""); !res.OK {
		t.Fatalf("CancelTask() refused: %s", res.Message)
	}
	h.waitIdle(t, id)
}

func TestRestartDuringTeardownIsRefusedWithoutStateChange(t *testing.T) {
	h := newHarness(t, nil)
	// Ignoring TERM keeps the old run alive for the whole grace period.
	writeScript(t, filepath.Join(h.root, "engines"), "slow.sh", "trap '' TERM\necho up\nsleep 30\n")
	id := h.create(t, finetuneSpec())
	ctx := context.Background()

	if res := h.mgr.StartTask(ctx, id, ""); !res.OK {
		t.Fatalf("StartTask() refused: %s", res.Message)
	}
	time.Sleep(200 * time.Millisecond)
	if res := h.mgr.CancelTask(ctx, id, ""); !res.OK {
		t.Fatalf("CancelTask() refused: %s", res.Message)
	}
	if res := h.mgr.StartTask(ctx, id, ""); res.OK {
		t.Fatalf("StartTask() during teardown OK, want refusal")
	}
	snap, _ := h.states.GetState(id)
	if snap.State != tasks.TaskStateCancelled || snap.Epoch != 1 {
		t.Fatalf("after refused start = %s/%d, want cancelled/1", snap.State, snap.Epoch)
	}

	h.waitIdle(t, id)
	history, err := h.states.GetTransitionHistory(id, 0)
	if err != nil {
		t.Fatalf("GetTransitionHistory() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("transitions = %d, want 3 (create, start, cancel): %+v", len(history), history)
	}

	if res := h.mgr.StartTask(ctx, id, ""); !res.OK {
		t.Fatalf("StartTask() after teardown refused: %s", res.Message)
	}
	snap, _ = h.states.GetState(id)
	if snap.State != tasks.TaskStateRunning || snap.Epoch != 2 {
		t.Fatalf("after restart = %s/%d, want running/2", snap.State, snap.Epoch)
	}
	if res := h.mgr.CancelTask(ctx, id, ""); !res.OK {
		t.Fatalf("CancelTask() refused: %s", res.Message)
	}
	h.waitIdle(t, id)
	snap, _ = h.states.GetState(id)
	if snap.State != tasks.TaskStateCancelled || snap.Epoch != 2 {
		t.Fatalf("final = %s/%d, want cancelled/2", snap.State, snap.Epoch)
	}
}

func TestStartSupersededByCancelReportsState(t *testing.T) {
	h := newHarness(t, nil)
	id := h.create(t, finetuneSpec())

	afterStartTransition = func(taskID string) {
		h.states.TransitionIfCurrentIn(context.Background(), taskID,
			[]tasks.TaskState{tasks.TaskStateRunning}, tasks.TaskStateCancelled, "cancel:race", nil)
	}
	defer func() { afterStartTransition = func(string) {} }()

	res := h.mgr.StartTask(context.Background(), id, "")
	if res.OK {
		t.Fatalf("StartTask() OK, want superseded refusal")
	}
	if res.Message != "start superseded: task is now cancelled" {
		t.Fatalf("StartTask() message = %q, want superseded by cancelled", res.Message)
	}
	if h.mgr.isRunning(id) {
		t.Fatalf("run launched for a cancelled task")
	}
}

func TestCancelRunningTask(t *testing.T) {
	h := newHarness(t, nil)
	id := h.create(t, finetuneSpec())

	if res := h.mgr.StartTask(context.Background(), id, ""); !res.OK {
		t.Fatalf("StartTask() refused: %s", res.Message)
	}
	time.Sleep(200 * time.Millisecond)

	started := time.Now()
	if res := h.mgr.CancelTask(context.Background(), id, ""); !res.OK {
		t.Fatalf("CancelTask() refused: %s", res.Message)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("CancelTask() took %s, want immediate return", elapsed)
	}
	h.waitIdle(t, id)

	snap, _ := h.states.GetState(id)
	if snap.State != tasks.TaskStateCancelled {
		t.Fatalf("state = %s, want cancelled", snap.State)
	}
	if res := h.mgr.CancelTask(context.Background(), id, ""); res.OK {
		t.Fatalf("cancel of cancelled task OK, want refusal")
	}
}

func TestCancelPendingTask(t *testing.T) {
	h := newHarness(t, nil)
	id := h.create(t, loraSpec())

	if res := h.mgr.CancelTask(context.Background(), id, ""); !res.OK {
		t.Fatalf("CancelTask() refused: %s", res.Message)
	}
	h.waitState(t, id, tasks.TaskStateCancelled)
	if res := h.mgr.CancelTask(context.Background(), "missing", ""); res.OK {
		t.Fatalf("CancelTask(missing) OK, want refusal")
	}
}

func TestDeleteTaskRemovesEverything(t *testing.T) {
	h := newHarness(t, nil)
	id := h.create(t, finetuneSpec())
	if res := h.mgr.StartTask(context.Background(), id, ""); !res.OK {
		t.Fatalf("StartTask() refused: %s", res.Message)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	if res := h.mgr.DeleteTask(ctx, id); !res.OK {
		t.Fatalf("DeleteTask() refused: %s", res.Message)
	}
	if _, err := h.states.GetState(id); err != tasks.ErrTaskNotFound {
		t.Fatalf("GetState() error = %v, want ErrTaskNotFound", err)
	}
	if _, err := os.Stat(filepath.Join(h.root, "tasks", id)); !os.IsNotExist(err) {
		t.Fatalf("task dir still present: %v", err)
	}
}

func TestReconcileFailsOrphanedRunningTask(t *testing.T) {
	store, err := tasks.NewFileStore(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	now := time.Now().UTC()
	for _, snap := range []tasks.TaskStateSnapshot{
		{TaskID: "orphan", State: tasks.TaskStateRunning, Epoch: 2, CreatedAt: now, UpdatedAt: now},
		{TaskID: "idle", State: tasks.TaskStatePending, Epoch: 1, CreatedAt: now, UpdatedAt: now},
	} {
		if err := store.SaveSnapshot(context.Background(), snap); err != nil {
			t.Fatalf("SaveSnapshot() error = %v", err)
		}
	}

	h := newHarness(t, store)
	recovered, err := h.mgr.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	snap, err := h.states.GetState("orphan")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if snap.State != tasks.TaskStateFailed || snap.Epoch != 2 {
		t.Fatalf("orphan = %s/%d, want failed/2", snap.State, snap.Epoch)
	}
	if reason := snap.LastTransition.Metadata[tasks.MetadataReason]; reason != tasks.ReasonRecoveredOnStartup {
		t.Fatalf("reason = %v, want %s", reason, tasks.ReasonRecoveredOnStartup)
	}
	if idle, _ := h.states.GetState("idle"); idle.State != tasks.TaskStatePending {
		t.Fatalf("idle = %s, want pending", idle.State)
	}

	reloaded, err := store.LoadSnapshots(context.Background())
	if err != nil {
		t.Fatalf("LoadSnapshots() error = %v", err)
	}
	for _, s := range reloaded {
		if s.TaskID == "orphan" && s.State != tasks.TaskStateFailed {
			t.Fatalf("persisted orphan = %s, want failed", s.State)
		}
	}
}

func TestHistoryProvider(t *testing.T) {
	h := newHarness(t, nil)
	id := h.create(t, loraSpec())
	if res := h.mgr.StartTask(context.Background(), id, ""); !res.OK {
		t.Fatalf("StartTask() refused: %s", res.Message)
	}
	h.waitState(t, id, tasks.TaskStateCompleted)
	h.waitIdle(t, id)
	ctx := context.Background()

	logs, err := h.mgr.History(ctx, id, protocol.HistoryLogs, 0)
	if err != nil {
		t.Fatalf("History(logs) error = %v", err)
	}
	lines := logs.Items.([]string)
	if len(lines) == 0 || logs.NextOffset <= 0 {
		t.Fatalf("logs = %d lines next=%d, want content", len(lines), logs.NextOffset)
	}
	again, err := h.mgr.History(ctx, id, protocol.HistoryLogs, logs.NextOffset)
	if err != nil || len(again.Items.([]string)) != 0 || again.NextOffset != logs.NextOffset {
		t.Fatalf("History(logs, end) = %+v, %v; want empty", again, err)
	}

	metrics, err := h.mgr.History(ctx, id, protocol.HistoryMetrics, 0)
	if err != nil {
		t.Fatalf("History(metrics) error = %v", err)
	}
	if got := len(metrics.Items.([]map[string]any)); got != 1 || metrics.NextOffset != 1 {
		t.Fatalf("metrics = %d items next=%d, want 1/1", got, metrics.NextOffset)
	}

	trs, err := h.mgr.History(ctx, id, protocol.HistoryTransitions, 1)
	if err != nil {
		t.Fatalf("History(transitions) error = %v", err)
	}
	if got := len(trs.Items.([]tasks.StateTransition)); got != 2 || trs.NextOffset != 3 {
		t.Fatalf("transitions = %d next=%d, want 2/3", got, trs.NextOffset)
	}

	if _, err := h.mgr.History(ctx, id, "gpu", 0); err == nil {
		t.Fatalf("History(unknown type) error = nil")
	}
	if _, err := h.mgr.History(ctx, "missing", protocol.HistoryLogs, 0); err != tasks.ErrTaskNotFound {
		t.Fatalf("History(missing) error = %v, want ErrTaskNotFound", err)
	}
}

func TestMetricsTailKeepsPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	if err := os.WriteFile(path, []byte("{\"a\":1}\nnot json\n{\"b\":"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	tail := &metricsTail{path: path}
	recs, lines, err := tail.next()
	if err != nil {
		t.Fatalf("next() error = %v", err)
	}
	if len(recs) != 1 || lines[0] != 1 {
		t.Fatalf("next() = %v %v, want one record on line 1", recs, lines)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	_, _ = f.WriteString("2}\n")
	_ = f.Close()

	recs, lines, err = tail.next()
	if err != nil {
		t.Fatalf("next() error = %v", err)
	}
	if len(recs) != 1 || lines[0] != 3 || recs[0]["b"] != float64(2) {
		t.Fatalf("next() = %v %v, want b=2 on line 3", recs, lines)
	}
}

func TestMetricsTailSkipsOversizedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	huge := bytes.Repeat([]byte("x"), maxMetricsChunk+10)
	if err := os.WriteFile(path, append(huge, []byte("\n{\"a\":1}\n")...), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	tail := &metricsTail{path: path}

	recs, _, err := tail.next()
	if err != nil || len(recs) != 0 {
		t.Fatalf("first next() = %v, %v; want nothing while skipping", recs, err)
	}
	if tail.offset != maxMetricsChunk {
		t.Fatalf("offset = %d, want %d", tail.offset, maxMetricsChunk)
	}

	recs, lines, err := tail.next()
	if err != nil {
		t.Fatalf("next() error = %v", err)
	}
	if len(recs) != 1 || lines[0] != 2 || recs[0]["a"] != float64(1) {
		t.Fatalf("next() = %v %v, want a=1 on line 2", recs, lines)
	}
	if info, _ := os.Stat(path); tail.offset != info.Size() {
		t.Fatalf("offset = %d, want end of file %d", tail.offset, info.Size())
	}
}
