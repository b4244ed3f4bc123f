package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// WireVersion is stamped on every server message.
const WireVersion = 1

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeState     MessageType = "state"
	TypeLog       MessageType = "log"
	TypeLogBatch  MessageType = "log_batch"
	TypeMetric    MessageType = "metric"
	TypeFile      MessageType = "file"
	TypeConnected MessageType = "connected"
	TypeError     MessageType = "error"
	TypePong      MessageType = "pong"
	TypeHistory   MessageType = "history"

	TypePing           MessageType = "ping"
	TypeRequestState   MessageType = "request_state"
	TypeRequestHistory MessageType = "request_history"
)

// Bus event types produced by job execution. They map one to one onto wire types.
const (
	EventLog      = string(TypeLog)
	EventLogBatch = string(TypeLogBatch)
	EventMetric   = string(TypeMetric)
	EventFile     = string(TypeFile)
)

// History data types accepted by request_history.
const (
	HistoryLogs        = "logs"
	HistoryMetrics     = "metrics"
	HistoryTransitions = "transitions"
)

// Metric kinds.
const (
	MetricKindProgress   = "progress"
	MetricKindMetricsLog = "metrics_log"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Message is the server-to-client wire unit.
type Message struct {
	Version   int         `json:"version"`
	Type      MessageType `json:"type"`
	TaskID    string      `json:"task_id"`
	Epoch     int         `json:"epoch"`
	Sequence  int64       `json:"sequence"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

type RequestState struct {
	Type MessageType `json:"type"`
}

type RequestHistory struct {
	Type        MessageType `json:"type"`
	DataType    string      `json:"data_type"`
	SinceOffset int64       `json:"since_offset"`
}

type LogLine struct {
	TaskID string `json:"task_id"`
	Line   string `json:"line"`
	Level  string `json:"level,omitempty"`
}

// LogBatch carries consecutive output lines. Offset is the byte offset in the
// task log file just past the last line of the batch.
type LogBatch struct {
	TaskID string   `json:"task_id"`
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}

// Progress is best-effort telemetry parsed from engine output. Absent fields
// were not present on the line.
type Progress struct {
	Step         int      `json:"step,omitempty"`
	TotalSteps   int      `json:"total_steps,omitempty"`
	Epoch        float64  `json:"epoch,omitempty"`
	TotalEpochs  int      `json:"total_epochs,omitempty"`
	Loss         *float64 `json:"loss,omitempty"`
	LearningRate *float64 `json:"learning_rate,omitempty"`
	ItPerSec     *float64 `json:"it_per_sec,omitempty"`
	ETASeconds   *float64 `json:"eta_seconds,omitempty"`
}

func (p Progress) Empty() bool {
	return p.Step == 0 && p.TotalSteps == 0 && p.Epoch == 0 && p.TotalEpochs == 0 &&
		p.Loss == nil && p.LearningRate == nil && p.ItPerSec == nil && p.ETASeconds == nil
}

type Metric struct {
	TaskID   string         `json:"task_id"`
	Kind     string         `json:"kind"`
	Progress *Progress      `json:"progress,omitempty"`
	Values   map[string]any `json:"values,omitempty"`
	Line     int64          `json:"line,omitempty"`
}

type FileEvent struct {
	TaskID string `json:"task_id"`
	Path   string `json:"path"`
	Op     string `json:"op"`
	Size   int64  `json:"size,omitempty"`
}

type Connected struct {
	ClientID string `json:"client_id"`
}

type ErrorPayload struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

type History struct {
	DataType    string `json:"data_type"`
	SinceOffset int64  `json:"since_offset"`
	NextOffset  int64  `json:"next_offset"`
	Items       any    `json:"items"`
}

func (p LogLine) EventTaskID() string   { return p.TaskID }
func (p LogBatch) EventTaskID() string  { return p.TaskID }
func (p Metric) EventTaskID() string    { return p.TaskID }
func (p FileEvent) EventTaskID() string { return p.TaskID }

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypePing:
		return Ping{Type: TypePing}, nil
	case TypeRequestState:
		return RequestState{Type: TypeRequestState}, nil
	case TypeRequestHistory:
		var msg RequestHistory
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.DataType {
		case HistoryLogs, HistoryMetrics, HistoryTransitions:
		default:
			return nil, fmt.Errorf("invalid request_history: unknown data_type %q", msg.DataType)
		}
		if msg.SinceOffset < 0 {
			return nil, errors.New("invalid request_history: since_offset must be >= 0")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
