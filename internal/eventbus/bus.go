package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/jobcore/internal/observability"
)

var ErrClosed = errors.New("event bus closed")

// Event is one dispatched unit. Sequence is the bus's own per-task counter,
// allocated when the event is enqueued.
type Event struct {
	Type      string
	TaskID    string
	Sequence  int64
	Timestamp time.Time
	Payload   any
}

// Handler consumes an event on the dispatcher goroutine. A returned error is
// logged and counted; it never stops dispatch to later handlers.
type Handler func(ctx context.Context, evt Event) error

// Broadcaster receives every event after local handlers have run.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// TaskScoped payloads name the task they belong to.
type TaskScoped interface {
	EventTaskID() string
}

type subscription struct {
	id      uint64
	handler Handler
}

type envelope struct {
	evt  Event
	done chan struct{}
}

type dispatcherKey struct{}

// Bus is a single-dispatcher event bus. Producers on any goroutine enqueue onto
// an unbounded FIFO; Run drains it on one goroutine, so handlers and the
// broadcaster never run concurrently with each other.
type Bus struct {
	mu       sync.Mutex
	queue    []envelope
	handlers map[string][]subscription
	nextID   uint64
	closed   bool

	broadcaster Broadcaster
	signal      chan struct{}
	stopped     chan struct{}
	running     atomic.Bool

	seqMu     sync.Mutex
	sequences map[string]int64

	logger  *slog.Logger
	metrics *observability.Metrics
}

type Option func(*Bus)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger.With("component", "event_bus")
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(b *Bus) {
		b.metrics = metrics
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		handlers:  make(map[string][]subscription),
		signal:    make(chan struct{}, 1),
		stopped:   make(chan struct{}),
		sequences: make(map[string]int64),
		logger:    slog.Default().With("component", "event_bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetBroadcaster binds the fan-out stage. It must be called before Run.
func (b *Bus) SetBroadcaster(br Broadcaster) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcaster = br
}

func (b *Bus) Subscribe(eventType string, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: b.nextID, handler: handler})
	return b.nextID
}

func (b *Bus) Unsubscribe(eventType string, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[eventType]
	for i, sub := range subs {
		if sub.id != id {
			continue
		}
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, eventType)
		} else {
			b.handlers[eventType] = next
		}
		return true
	}
	return false
}

// EmitAsync enqueues an event and returns immediately. It is safe to call from
// any goroutine, including while holding other locks.
func (b *Bus) EmitAsync(eventType string, payload any) {
	if _, err := b.enqueue(eventType, payload, nil); err != nil {
		b.logger.Debug("event dropped", "type", eventType, "error", err)
	}
}

// Emit enqueues an event and waits until its handlers and the broadcaster have
// run. Called from a handler (ctx derived from the dispatcher), it dispatches
// inline instead of waiting on itself.
func (b *Bus) Emit(ctx context.Context, eventType string, payload any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if owner, _ := ctx.Value(dispatcherKey{}).(*Bus); owner == b {
		evt, err := b.newEvent(eventType, payload)
		if err != nil {
			return err
		}
		b.dispatch(ctx, evt)
		return nil
	}

	done := make(chan struct{})
	if _, err := b.enqueue(eventType, payload, done); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextSequence returns the next per-task sequence number, starting at 0.
func (b *Bus) NextSequence(taskID string) int64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	seq := b.sequences[taskID]
	b.sequences[taskID] = seq + 1
	return seq
}

func (b *Bus) ResetSequence(taskID string) {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	delete(b.sequences, taskID)
}

// Run drains the queue until ctx is cancelled or Close is called. Events still
// queued at that point are dispatched before Run returns.
func (b *Bus) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("event bus already running")
	}
	defer close(b.stopped)

	dctx := context.WithValue(context.WithoutCancel(ctx), dispatcherKey{}, b)
	for {
		for {
			env, ok := b.pop()
			if !ok {
				break
			}
			b.dispatch(dctx, env.evt)
			if env.done != nil {
				close(env.done)
			}
		}

		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil
		}

		select {
		case <-b.signal:
		case <-ctx.Done():
			b.mu.Lock()
			b.closed = true
			b.mu.Unlock()
		}
	}
}

// Ready reports whether Run is dispatching and the bus still accepts events.
func (b *Bus) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running.Load() && !b.closed
}

// Close stops accepting events and waits for Run to drain what is queued.
func (b *Bus) Close() {
	b.mu.Lock()
	already := b.closed
	b.closed = true
	b.mu.Unlock()
	if !already {
		b.wake()
	}
	if b.running.Load() {
		<-b.stopped
	}
}

func (b *Bus) newEvent(eventType string, payload any) (Event, error) {
	if eventType == "" {
		return Event{}, errors.New("event type is required")
	}
	evt := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	if scoped, ok := payload.(TaskScoped); ok {
		evt.TaskID = scoped.EventTaskID()
	}
	if evt.TaskID != "" {
		evt.Sequence = b.NextSequence(evt.TaskID)
	}
	return evt, nil
}

func (b *Bus) enqueue(eventType string, payload any, done chan struct{}) (Event, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Event{}, ErrClosed
	}
	// Sequence allocation happens under mu so queue order and sequence order agree.
	evt, err := b.newEvent(eventType, payload)
	if err != nil {
		b.mu.Unlock()
		return Event{}, err
	}
	b.queue = append(b.queue, envelope{evt: evt, done: done})
	b.mu.Unlock()
	b.wake()
	return evt, nil
}

func (b *Bus) pop() (envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return envelope{}, false
	}
	env := b.queue[0]
	b.queue[0] = envelope{}
	b.queue = b.queue[1:]
	if len(b.queue) == 0 {
		b.queue = nil
	}
	return env, true
}

func (b *Bus) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *Bus) dispatch(ctx context.Context, evt Event) {
	b.mu.Lock()
	subs := append([]subscription(nil), b.handlers[evt.Type]...)
	br := b.broadcaster
	b.mu.Unlock()

	b.metrics.ObserveBusEvent(evt.Type)
	for _, sub := range subs {
		if err := b.invoke(ctx, sub.handler, evt); err != nil {
			b.metrics.ObserveHandlerError(evt.Type)
			b.logger.Error("event handler failed",
				"type", evt.Type, "taskId", evt.TaskID, "subscription", sub.id, "error", err)
		}
	}
	if br != nil {
		b.broadcast(ctx, br, evt)
	}
	b.metrics.ObserveDispatchLatency(evt.Type, time.Since(evt.Timestamp))
}

func (b *Bus) invoke(ctx context.Context, handler Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, evt)
}

func (b *Bus) broadcast(ctx context.Context, br Broadcaster, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.ObserveHandlerError(evt.Type)
			b.logger.Error("broadcast panicked", "type", evt.Type, "taskId", evt.TaskID, "panic", r)
		}
	}()
	br.BroadcastEvent(ctx, evt.Type, evt.Payload)
}
