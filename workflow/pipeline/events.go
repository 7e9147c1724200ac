package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType names a progress event.
type EventType string

const (
	EventStageStarted     EventType = "stage_started"
	EventStageCompleted   EventType = "stage_completed"
	EventPlanUpdated      EventType = "plan_updated"
	EventTasksUpdated     EventType = "tasks_updated"
	EventExecutionUpdated EventType = "execution_updated"
	EventFinalResult      EventType = "final_result"
	EventError            EventType = "error"
)

// Event is one progress notification of a run, keyed by session.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Stage     Stage          `json:"stage,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Emitter receives events from the engine. Emit must not block.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit calls f.
func (f EmitterFunc) Emit(e Event) { f(e) }

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}

// Handler consumes events delivered by a Bus.
type Handler func(Event)

const allEvents EventType = "*"

var subscriptionCounter atomic.Int64

// Bus fans events out to subscribers asynchronously. Events are dropped
// when the buffer is full so a slow subscriber never stalls a run.
type Bus struct {
	mu       sync.RWMutex
	byType   map[EventType]map[string]Handler
	bySess   map[string]map[string]Handler
	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Int64
	logger   *zap.Logger
}

// NewBus starts a bus with the given buffer size.
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		byType: make(map[EventType]map[string]Handler),
		bySess: make(map[string]map[string]Handler),
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("component", "event_bus")),
	}
	go b.loop()
	return b
}

// Emit queues e for delivery.
func (b *Bus) Emit(e Event) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.events <- e:
	default:
		b.dropped.Add(1)
	}
}

// Subscribe registers h for one event type. The empty type subscribes to
// every event.
func (b *Bus) Subscribe(t EventType, h Handler) string {
	if t == "" {
		t = allEvents
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.byType[t] == nil {
		b.byType[t] = make(map[string]Handler)
	}
	id := fmt.Sprintf("%s-%d", t, subscriptionCounter.Add(1))
	b.byType[t][id] = h
	return id
}

// SubscribeSession registers h for every event of one session.
func (b *Bus) SubscribeSession(sessionID string, h Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bySess[sessionID] == nil {
		b.bySess[sessionID] = make(map[string]Handler)
	}
	id := fmt.Sprintf("session-%d", subscriptionCounter.Add(1))
	b.bySess[sessionID][id] = h
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, hs := range b.byType {
		if _, ok := hs[id]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(b.byType, t)
			}
			return
		}
	}
	for s, hs := range b.bySess {
		if _, ok := hs[id]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(b.bySess, s)
			}
			return
		}
	}
}

// Dropped returns how many events were discarded on a full buffer.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

func (b *Bus) handlersFor(e Event) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Handler
	for _, h := range b.byType[e.Type] {
		out = append(out, h)
	}
	for _, h := range b.byType[allEvents] {
		out = append(out, h)
	}
	for _, h := range b.bySess[e.SessionID] {
		out = append(out, h)
	}
	return out
}

// loop delivers events in emission order. Handlers of one event run on
// the loop goroutine, so each subscriber sees a session's events in order.
func (b *Bus) loop() {
	for {
		select {
		case e := <-b.events:
			for _, h := range b.handlersFor(e) {
				b.deliver(h, e)
			}
		case <-b.done:
			return
		}
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(e.Type)),
				zap.Any("recover", r))
		}
	}()
	h(e)
}

// Close stops delivery. Queued events are discarded.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}
