package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/jobcore/internal/observability"
	"github.com/ent0n29/jobcore/internal/protocol"
	"github.com/ent0n29/jobcore/internal/tasks"
)

const defaultWriteTimeout = 10 * time.Second

// Conn is the part of *websocket.Conn the manager writes through.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// StateProvider resolves task state for epoch lookup and replay.
type StateProvider interface {
	GetState(taskID string) (tasks.TaskStateSnapshot, error)
}

// HistoryProvider serves request_history.
type HistoryProvider interface {
	History(ctx context.Context, taskID, dataType string, sinceOffset int64) (protocol.History, error)
}

type client struct {
	id      string
	conn    Conn
	writeMu sync.Mutex
	tasks   map[string]struct{}
}

type sequenceState struct {
	epoch int
	next  int64
}

// Manager fans bus events out to websocket subscribers. Each task has its own
// wire sequence, restarted at 0 whenever a state event carries a new epoch.
type Manager struct {
	mu          sync.Mutex
	clients     map[string]*client
	subscribers map[string]map[string]struct{}
	sequences   map[string]*sequenceState

	states       StateProvider
	history      HistoryProvider
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

func NewManager(states StateProvider, history HistoryProvider, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		clients:      make(map[string]*client),
		subscribers:  make(map[string]map[string]struct{}),
		sequences:    make(map[string]*sequenceState),
		states:       states,
		history:      history,
		writeTimeout: defaultWriteTimeout,
		logger:       logger.With("component", "ws_manager"),
		metrics:      metrics,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetHistoryProvider binds the history source after construction.
func (m *Manager) SetHistoryProvider(h HistoryProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = h
}

// AddConnection subscribes clientID to taskID and sends the connected message.
// Re-adding a client with a new socket replaces and closes the old socket; the
// new socket inherits the old subscriptions.
func (m *Manager) AddConnection(clientID string, conn Conn, taskID string) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	var replaced *client
	if !ok || c.conn != conn {
		prev := c
		c = &client{id: clientID, conn: conn, tasks: make(map[string]struct{})}
		if ok {
			for t := range prev.tasks {
				c.tasks[t] = struct{}{}
			}
			replaced = prev
		}
		m.clients[clientID] = c
	}
	c.tasks[taskID] = struct{}{}
	if m.subscribers[taskID] == nil {
		m.subscribers[taskID] = make(map[string]struct{})
	}
	m.subscribers[taskID][clientID] = struct{}{}
	count := len(m.clients)
	m.mu.Unlock()

	if replaced != nil {
		replaced.writeMu.Lock()
		_ = replaced.conn.Close()
		replaced.writeMu.Unlock()
		m.logger.Info("client socket replaced", "clientId", clientID)
	}

	m.metrics.SetActiveClients(count)
	m.logger.Info("client subscribed", "clientId", clientID, "taskId", taskID)

	epoch, _ := m.currentEpoch(taskID)
	m.send(c, protocol.Message{
		Version:   protocol.WireVersion,
		Type:      protocol.TypeConnected,
		TaskID:    taskID,
		Epoch:     epoch,
		Timestamp: m.now(),
		Payload:   protocol.Connected{ClientID: clientID},
	})
}

// RemoveConnection unsubscribes the client registered on conn from taskID, or
// from every task when taskID is empty. It is a no-op when clientID has since
// been bound to another socket. The socket itself is left to its owner.
func (m *Manager) RemoveConnection(clientID string, conn Conn, taskID string) bool {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if !ok || c.conn != conn {
		m.mu.Unlock()
		return false
	}
	m.unsubscribeLocked(c, taskID)
	count := len(m.clients)
	m.mu.Unlock()

	m.metrics.SetActiveClients(count)
	return true
}

func (m *Manager) unsubscribeLocked(c *client, taskID string) {
	drop := func(t string) {
		delete(c.tasks, t)
		if subs := m.subscribers[t]; subs != nil {
			delete(subs, c.id)
			if len(subs) == 0 {
				delete(m.subscribers, t)
			}
		}
	}
	if taskID == "" {
		for t := range c.tasks {
			drop(t)
		}
	} else {
		drop(taskID)
	}
	if len(c.tasks) == 0 && m.clients[c.id] == c {
		delete(m.clients, c.id)
	}
}

func (m *Manager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *Manager) SubscriberCount(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers[taskID])
}

// BroadcastEvent converts a bus event into a wire message and sends it to every
// subscriber of the event's task. A failed send drops only that client.
func (m *Manager) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	scoped, ok := payload.(interface{ EventTaskID() string })
	if !ok || scoped.EventTaskID() == "" {
		return
	}
	taskID := scoped.EventTaskID()

	var (
		wireType protocol.MessageType
		terminal bool
		epoch    int
	)
	switch eventType {
	case tasks.EventStateTransitioned:
		p, ok := payload.(tasks.TransitionedPayload)
		if !ok {
			m.logger.Warn("unexpected state payload", "taskId", taskID)
			return
		}
		wireType = protocol.TypeState
		epoch = p.Snapshot.Epoch
		terminal = p.Snapshot.State.IsTerminal()
	case tasks.EventStateInvalid:
		return
	default:
		wireType = protocol.MessageType(eventType)
		epoch = -1
	}

	m.mu.Lock()
	seq, epoch := m.nextSequenceLocked(taskID, epoch)
	recipients := m.recipientsLocked(taskID)
	m.mu.Unlock()

	msg := protocol.Message{
		Version:   protocol.WireVersion,
		Type:      wireType,
		TaskID:    taskID,
		Epoch:     epoch,
		Sequence:  seq,
		Timestamp: m.now(),
		Payload:   payload,
	}

	for _, c := range recipients {
		if err := m.send(c, msg); err != nil {
			m.metrics.ObserveWSSendFailure()
			m.logger.Warn("send failed, dropping client", "clientId", c.id, "taskId", taskID, "error", err)
			m.dropClient(c)
		}
	}

	if terminal {
		for _, c := range recipients {
			m.closeClient(c, websocket.CloseNormalClosure, "task finished")
		}
	}
}

// nextSequenceLocked allocates a wire sequence. epoch < 0 means the event does
// not carry one, so the last epoch seen on the state stream is used.
func (m *Manager) nextSequenceLocked(taskID string, epoch int) (int64, int) {
	st := m.sequences[taskID]
	if st == nil {
		if epoch < 0 {
			epoch = m.lookupEpoch(taskID)
		}
		st = &sequenceState{epoch: epoch}
		m.sequences[taskID] = st
	}
	if epoch >= 0 && epoch != st.epoch {
		st.epoch = epoch
		st.next = 0
	}
	seq := st.next
	st.next++
	return seq, st.epoch
}

func (m *Manager) lookupEpoch(taskID string) int {
	if m.states == nil {
		return 0
	}
	snap, err := m.states.GetState(taskID)
	if err != nil {
		return 0
	}
	return snap.Epoch
}

// currentEpoch returns the epoch and last allocated sequence for replays.
func (m *Manager) currentEpoch(taskID string) (int, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.sequences[taskID]; st != nil {
		last := st.next - 1
		if last < 0 {
			last = 0
		}
		return st.epoch, last
	}
	return m.lookupEpoch(taskID), 0
}

func (m *Manager) recipientsLocked(taskID string) []*client {
	subs := m.subscribers[taskID]
	out := make([]*client, 0, len(subs))
	for id := range subs {
		if c := m.clients[id]; c != nil {
			out = append(out, c)
		}
	}
	return out
}

// SendCurrentState replays the latest snapshot to one client.
func (m *Manager) SendCurrentState(clientID, taskID string) error {
	c := m.client(clientID)
	if c == nil {
		return errors.New("unknown client")
	}
	if m.states == nil {
		return errors.New("state provider not configured")
	}
	snap, err := m.states.GetState(taskID)
	if err != nil {
		m.sendError(c, taskID, "task_not_found", err.Error())
		return err
	}
	payload := tasks.TransitionedPayload{TaskID: taskID, Snapshot: snap}
	if snap.LastTransition != nil {
		payload.Transition = snap.LastTransition.Clone()
	}
	epoch, seq := m.currentEpoch(taskID)
	if snap.Epoch > epoch {
		epoch, seq = snap.Epoch, 0
	}
	return m.send(c, protocol.Message{
		Version:   protocol.WireVersion,
		Type:      protocol.TypeState,
		TaskID:    taskID,
		Epoch:     epoch,
		Sequence:  seq,
		Timestamp: m.now(),
		Payload:   payload,
	})
}

// HandleClientMessage answers one inbound control message. Malformed input gets
// an error message; the socket stays open.
func (m *Manager) HandleClientMessage(ctx context.Context, clientID, taskID string, raw []byte) {
	c := m.client(clientID)
	if c == nil {
		return
	}
	parsed, err := protocol.ParseClientMessage(raw)
	if err != nil {
		m.metrics.ObserveWSMessage("inbound", "invalid")
		m.sendError(c, taskID, "invalid_client_message", err.Error())
		return
	}

	switch msg := parsed.(type) {
	case protocol.Ping:
		m.metrics.ObserveWSMessage("inbound", string(protocol.TypePing))
		epoch, seq := m.currentEpoch(taskID)
		_ = m.send(c, protocol.Message{
			Version:   protocol.WireVersion,
			Type:      protocol.TypePong,
			TaskID:    taskID,
			Epoch:     epoch,
			Sequence:  seq,
			Timestamp: m.now(),
			Payload:   map[string]any{},
		})
	case protocol.RequestState:
		m.metrics.ObserveWSMessage("inbound", string(protocol.TypeRequestState))
		_ = m.SendCurrentState(clientID, taskID)
	case protocol.RequestHistory:
		m.metrics.ObserveWSMessage("inbound", string(protocol.TypeRequestHistory))
		m.mu.Lock()
		h := m.history
		m.mu.Unlock()
		if h == nil {
			m.sendError(c, taskID, "history_unavailable", "history provider not configured")
			return
		}
		hist, err := h.History(ctx, taskID, msg.DataType, msg.SinceOffset)
		if err != nil {
			m.sendError(c, taskID, "history_failed", err.Error())
			return
		}
		epoch, seq := m.currentEpoch(taskID)
		_ = m.send(c, protocol.Message{
			Version:   protocol.WireVersion,
			Type:      protocol.TypeHistory,
			TaskID:    taskID,
			Epoch:     epoch,
			Sequence:  seq,
			Timestamp: m.now(),
			Payload:   hist,
		})
	}
}

func (m *Manager) client(clientID string) *client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[clientID]
}

func (m *Manager) sendError(c *client, taskID, code, detail string) {
	epoch, seq := m.currentEpoch(taskID)
	_ = m.send(c, protocol.Message{
		Version:   protocol.WireVersion,
		Type:      protocol.TypeError,
		TaskID:    taskID,
		Epoch:     epoch,
		Sequence:  seq,
		Timestamp: m.now(),
		Payload:   protocol.ErrorPayload{Code: code, Detail: detail},
	})
}

func (m *Manager) send(c *client, msg protocol.Message) error {
	timeout := m.currentWriteTimeout()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return err
	}
	m.metrics.ObserveWSMessage("outbound", string(msg.Type))
	return nil
}

func (m *Manager) dropClient(c *client) {
	m.mu.Lock()
	if m.clients[c.id] == c {
		m.unsubscribeLocked(c, "")
	}
	count := len(m.clients)
	m.mu.Unlock()
	m.metrics.SetActiveClients(count)

	c.writeMu.Lock()
	_ = c.conn.Close()
	c.writeMu.Unlock()
}

func (m *Manager) closeClient(c *client, code int, reason string) {
	m.mu.Lock()
	if m.clients[c.id] == c {
		m.unsubscribeLocked(c, "")
	}
	count := len(m.clients)
	m.mu.Unlock()
	m.metrics.SetActiveClients(count)

	timeout := m.currentWriteTimeout()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(timeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()
	m.logger.Info("client closed", "clientId", c.id, "code", code, "reason", reason)
}

// SetWriteTimeout bounds every socket write. Non-positive values are ignored.
func (m *Manager) SetWriteTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.writeTimeout = d
	m.mu.Unlock()
}

func (m *Manager) currentWriteTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeTimeout
}
