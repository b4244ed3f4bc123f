package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/jobcore/internal/observability"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrInvalidTaskState = errors.New("invalid task state")
)

const (
	defaultHistoryLimit   = 512
	defaultPersistTimeout = 2 * time.Second
)

// Emitter is the slice of the event bus the state manager publishes through.
// EmitAsync must not block; it is called while the manager lock is held so that
// bus order matches transition order.
type Emitter interface {
	EmitAsync(eventType string, payload any)
	ResetSequence(taskID string)
}

// StateManager is the single authority over task state. Every mutation runs
// under one lock, which serializes transitions process-wide.
type StateManager struct {
	mu sync.Mutex

	store   SnapshotStore
	emitter Emitter
	metrics *observability.Metrics
	logger  *slog.Logger

	snapshots  map[string]*TaskStateSnapshot
	history    map[string][]StateTransition
	causes     map[string]map[string]struct{}
	recorded   map[string]int64
	historyMax int
}

func NewStateManager(store SnapshotStore, emitter Emitter) *StateManager {
	return &StateManager{
		store:      store,
		emitter:    emitter,
		logger:     slog.Default().With("component", "state_manager"),
		snapshots:  make(map[string]*TaskStateSnapshot),
		history:    make(map[string][]StateTransition),
		causes:     make(map[string]map[string]struct{}),
		recorded:   make(map[string]int64),
		historyMax: defaultHistoryLimit,
	}
}

func (m *StateManager) SetMetrics(metrics *observability.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

func (m *StateManager) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger.With("component", "state_manager")
}

// TransitionState moves taskID to newState if the transition table allows it.
// An unknown task is created on its first call, which must target pending;
// persisted tasks in other states come back through Restore.
func (m *StateManager) TransitionState(ctx context.Context, taskID string, newState TaskState, causeID string, metadata map[string]any) bool {
	ok, _ := m.transition(ctx, taskID, nil, newState, causeID, metadata)
	return ok
}

// TransitionIfCurrentIn applies the transition only if the current state is one
// of allowedFrom. It returns the state observed under the lock, so the losing
// side of a race sees the winner's result.
func (m *StateManager) TransitionIfCurrentIn(ctx context.Context, taskID string, allowedFrom []TaskState, toState TaskState, causeID string, metadata map[string]any) (bool, TaskState) {
	if allowedFrom == nil {
		allowedFrom = []TaskState{}
	}
	return m.transition(ctx, taskID, allowedFrom, toState, causeID, metadata)
}

func (m *StateManager) transition(ctx context.Context, taskID string, allowedFrom []TaskState, to TaskState, causeID string, metadata map[string]any) (bool, TaskState) {
	taskID = strings.TrimSpace(taskID)
	causeID = strings.TrimSpace(causeID)
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if taskID == "" || !to.Valid() {
		m.rejectLocked(taskID, "", to, causeID, "invalid task id or target state")
		return false, ""
	}

	snap, exists := m.snapshots[taskID]
	if !exists {
		if allowedFrom != nil {
			return false, ""
		}
		if to != TaskStatePending {
			m.rejectLocked(taskID, "", to, causeID, "unknown task must start in pending")
			return false, ""
		}
		return m.createLocked(ctx, taskID, causeID, metadata, now), TaskStatePending
	}

	from := snap.State
	if causeID != "" {
		if _, seen := m.causes[taskID][causeID]; seen {
			m.logger.Debug("duplicate cause ignored", "taskId", taskID, "causeId", causeID, "state", from)
			return true, from
		}
	}

	if allowedFrom != nil && !containsState(allowedFrom, from) {
		m.logger.Debug("conditional transition skipped",
			"taskId", taskID, "current", from, "to", to, "causeId", causeID)
		return false, from
	}

	if !CanTransition(from, to) {
		m.rejectLocked(taskID, from, to, causeID, fmt.Sprintf("%s -> %s is not allowed", from, to))
		return false, from
	}

	restart := IsRestart(from, to)
	if restart {
		snap.Epoch++
		if m.emitter != nil {
			m.emitter.ResetSequence(taskID)
		}
	}

	tr := StateTransition{
		FromState: from,
		ToState:   to,
		TaskID:    taskID,
		CauseID:   causeID,
		Epoch:     snap.Epoch,
		Timestamp: now,
		Metadata:  cloneMetadata(metadata),
	}
	snap.State = to
	snap.UpdatedAt = now
	lt := tr.Clone()
	snap.LastTransition = &lt

	m.recordLocked(taskID, tr)
	m.persistLocked(ctx, snap.Clone())
	m.metrics.ObserveTransition(string(from), string(to))

	m.logger.Info("task transitioned",
		"taskId", taskID, "from", from, "to", to, "epoch", snap.Epoch, "causeId", causeID, "restart", restart)
	m.publishLocked(tr, snap.Clone())
	return true, from
}

func (m *StateManager) createLocked(ctx context.Context, taskID, causeID string, metadata map[string]any, now time.Time) bool {
	tr := StateTransition{
		ToState:   TaskStatePending,
		TaskID:    taskID,
		CauseID:   causeID,
		Epoch:     1,
		Timestamp: now,
		Metadata:  cloneMetadata(metadata),
	}
	lt := tr.Clone()
	snap := &TaskStateSnapshot{
		TaskID:         taskID,
		State:          TaskStatePending,
		Epoch:          1,
		LastTransition: &lt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.snapshots[taskID] = snap
	m.recordLocked(taskID, tr)
	m.persistLocked(ctx, snap.Clone())
	m.metrics.ObserveTransition("", string(TaskStatePending))

	m.logger.Info("task created", "taskId", taskID, "causeId", causeID)
	m.publishLocked(tr, snap.Clone())
	return true
}

// Restore installs a persisted snapshot without validating it against the
// transition table. It is the only way to enter a state other than pending
// for a task the manager has not seen.
func (m *StateManager) Restore(snapshot TaskStateSnapshot) error {
	taskID := strings.TrimSpace(snapshot.TaskID)
	if taskID == "" {
		return errors.New("task_id is required")
	}
	if !snapshot.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTaskState, snapshot.State)
	}
	if snapshot.Epoch < 1 {
		snapshot.Epoch = 1
	}
	now := time.Now().UTC()
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = now
	}
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = snapshot.CreatedAt
	}
	snapshot.TaskID = taskID

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := snapshot.Clone()
	m.snapshots[taskID] = &cp
	m.history[taskID] = nil
	m.causes[taskID] = make(map[string]struct{})
	m.recorded[taskID] = 0
	if cp.LastTransition != nil {
		m.recordLocked(taskID, cp.LastTransition.Clone())
	}
	return nil
}

func (m *StateManager) GetState(taskID string) (TaskStateSnapshot, error) {
	taskID = strings.TrimSpace(taskID)
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[taskID]
	if !ok {
		return TaskStateSnapshot{}, ErrTaskNotFound
	}
	return snap.Clone(), nil
}

// HasCause reports whether causeID already produced a transition for taskID.
func (m *StateManager) HasCause(taskID, causeID string) bool {
	taskID = strings.TrimSpace(taskID)
	causeID = strings.TrimSpace(causeID)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, seen := m.causes[taskID][causeID]
	return seen
}

// GetTransitionHistory returns up to limit of the most recent transitions,
// oldest first. limit <= 0 returns the whole retained history.
func (m *StateManager) GetTransitionHistory(taskID string, limit int) ([]StateTransition, error) {
	taskID = strings.TrimSpace(taskID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[taskID]; !ok {
		return nil, ErrTaskNotFound
	}
	items := m.history[taskID]
	start := 0
	if limit > 0 && limit < len(items) {
		start = len(items) - limit
	}
	out := make([]StateTransition, 0, len(items)-start)
	for _, tr := range items[start:] {
		out = append(out, tr.Clone())
	}
	return out, nil
}

// TransitionsSince returns retained transitions whose position in the task's
// full history is at least since, plus the position after the last one.
// Positions never shift when old entries are trimmed; entries trimmed before
// the caller read them are skipped.
func (m *StateManager) TransitionsSince(taskID string, since int64) ([]StateTransition, int64, error) {
	taskID = strings.TrimSpace(taskID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[taskID]; !ok {
		return nil, since, ErrTaskNotFound
	}
	items := m.history[taskID]
	total := m.recorded[taskID]
	first := total - int64(len(items))
	if since < first {
		since = first
	}
	out := []StateTransition{}
	if since < total {
		for _, tr := range items[since-first:] {
			out = append(out, tr.Clone())
		}
	}
	return out, total, nil
}

func (m *StateManager) ListAllSnapshots() []TaskStateSnapshot {
	m.mu.Lock()
	out := make([]TaskStateSnapshot, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		out = append(out, snap.Clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CleanupTask forgets a task and removes its persisted snapshot.
func (m *StateManager) CleanupTask(ctx context.Context, taskID string) bool {
	taskID = strings.TrimSpace(taskID)
	m.mu.Lock()
	_, ok := m.snapshots[taskID]
	delete(m.snapshots, taskID)
	delete(m.history, taskID)
	delete(m.causes, taskID)
	delete(m.recorded, taskID)
	store := m.store
	m.mu.Unlock()

	if store != nil {
		ctx, cancel := context.WithTimeout(ctx, defaultPersistTimeout)
		defer cancel()
		if err := store.DeleteSnapshot(ctx, taskID); err != nil {
			m.logger.Warn("delete snapshot failed", "taskId", taskID, "error", err)
		}
	}
	return ok
}

func (m *StateManager) recordLocked(taskID string, tr StateTransition) {
	if tr.CauseID != "" {
		if m.causes[taskID] == nil {
			m.causes[taskID] = make(map[string]struct{})
		}
		m.causes[taskID][tr.CauseID] = struct{}{}
	}
	m.history[taskID] = append(m.history[taskID], tr)
	m.recorded[taskID]++
	if max := m.historyMax; max > 0 && len(m.history[taskID]) > max {
		trimFrom := len(m.history[taskID]) - max
		m.history[taskID] = append([]StateTransition(nil), m.history[taskID][trimFrom:]...)
	}
}

func (m *StateManager) persistLocked(ctx context.Context, snap TaskStateSnapshot) {
	if m.store == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPersistTimeout)
	defer cancel()
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		// In-memory state stays authoritative; the next transition rewrites the file.
		m.logger.Error("persist snapshot failed", "taskId", snap.TaskID, "state", snap.State, "error", err)
	}
}

func (m *StateManager) publishLocked(tr StateTransition, snap TaskStateSnapshot) {
	if m.emitter == nil {
		return
	}
	m.emitter.EmitAsync(EventStateTransitioned, TransitionedPayload{
		TaskID:     tr.TaskID,
		Transition: tr,
		Snapshot:   snap,
	})
}

func (m *StateManager) rejectLocked(taskID string, from, to TaskState, causeID, reason string) {
	m.logger.Warn("invalid transition rejected",
		"taskId", taskID, "from", from, "to", to, "causeId", causeID, "reason", reason)
	m.metrics.ObserveInvalidTransition(string(to))
	if m.emitter == nil {
		return
	}
	m.emitter.EmitAsync(EventStateInvalid, InvalidTransitionPayload{
		TaskID:    taskID,
		FromState: from,
		ToState:   to,
		CauseID:   causeID,
		Reason:    reason,
	})
}

func containsState(states []TaskState, s TaskState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

func cloneMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
