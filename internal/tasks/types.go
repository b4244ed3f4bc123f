package tasks

import "time"

type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// AllStates lists every state in declaration order.
var AllStates = []TaskState{
	TaskStatePending,
	TaskStateRunning,
	TaskStateCompleted,
	TaskStateFailed,
	TaskStateCancelled,
}

func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	default:
		return false
	}
}

func (s TaskState) IsActive() bool {
	return s == TaskStatePending || s == TaskStateRunning
}

func (s TaskState) Valid() bool {
	switch s {
	case TaskStatePending, TaskStateRunning, TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// allowedTransitions is the fixed transition table. Terminal -> running is a restart.
var allowedTransitions = map[TaskState]map[TaskState]struct{}{
	TaskStatePending: {
		TaskStateRunning:   {},
		TaskStateFailed:    {},
		TaskStateCancelled: {},
	},
	TaskStateRunning: {
		TaskStateCompleted: {},
		TaskStateFailed:    {},
		TaskStateCancelled: {},
	},
	TaskStateCompleted: {
		TaskStateRunning: {},
	},
	TaskStateFailed: {
		TaskStateRunning: {},
	},
	TaskStateCancelled: {
		TaskStateRunning: {},
	},
}

func CanTransition(from, to TaskState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func IsRestart(from, to TaskState) bool {
	return from.IsTerminal() && to == TaskStateRunning
}

type StateTransition struct {
	FromState TaskState      `json:"from_state"`
	ToState   TaskState      `json:"to_state"`
	TaskID    string         `json:"task_id"`
	CauseID   string         `json:"cause_id"`
	Epoch     int            `json:"epoch"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (t StateTransition) Clone() StateTransition {
	out := t
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

type TaskStateSnapshot struct {
	TaskID         string           `json:"task_id"`
	State          TaskState        `json:"state"`
	Epoch          int              `json:"epoch"`
	LastTransition *StateTransition `json:"last_transition,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func (s TaskStateSnapshot) Clone() TaskStateSnapshot {
	out := s
	if s.LastTransition != nil {
		lt := s.LastTransition.Clone()
		out.LastTransition = &lt
	}
	return out
}

func (s TaskStateSnapshot) Terminal() bool {
	return s.State.IsTerminal()
}

// Event types emitted by the state manager.
const (
	EventStateTransitioned   = "state.transitioned"
	EventStateInvalid        = "state.invalid_transition"
	MetadataReason           = "reason"
	ReasonRecoveredOnStartup = "recovered_on_startup"
)

// TransitionedPayload is the payload of EventStateTransitioned.
type TransitionedPayload struct {
	TaskID     string            `json:"task_id"`
	Transition StateTransition   `json:"transition"`
	Snapshot   TaskStateSnapshot `json:"snapshot"`
}

// InvalidTransitionPayload is the payload of EventStateInvalid.
type InvalidTransitionPayload struct {
	TaskID    string    `json:"task_id"`
	FromState TaskState `json:"from_state,omitempty"`
	ToState   TaskState `json:"to_state"`
	CauseID   string    `json:"cause_id"`
	Reason    string    `json:"reason"`
}

func (p TransitionedPayload) EventTaskID() string { return p.TaskID }

func (p InvalidTransitionPayload) EventTaskID() string { return p.TaskID }
