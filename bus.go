package maestro

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// EventHandler receives bus events. Handlers run on the emitter's
// goroutine and must not block; transports that fan events out to slow
// consumers buffer internally and drop on overflow.
type EventHandler func(Event)

// Bus is the in-process typed publish/subscribe hub. Two channels exist:
// global subscribers see every event; per-execution log subscribers see
// only one execution's log payloads, in production order.
//
// The zero value is not usable; construct with NewBus.
type Bus struct {
	logger *slog.Logger

	mu      sync.RWMutex
	global  map[string]EventHandler
	logSubs map[string]map[string]EventHandler // execution id → sub id → handler
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the logger used for subscriber panic reports.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBus creates an empty event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		logger:  nopLogger,
		global:  make(map[string]EventHandler),
		logSubs: make(map[string]map[string]EventHandler),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a handler for every event. The returned function
// removes the subscription and is safe to call more than once.
func (b *Bus) Subscribe(h EventHandler) func() {
	id := uuid.NewString()
	b.mu.Lock()
	b.global[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.global, id)
		b.mu.Unlock()
	}
}

// SubscribeToExecutionLogs registers a handler that receives only the
// given execution's execution:log events. The returned function removes
// the subscription.
func (b *Bus) SubscribeToExecutionLogs(executionID string, h EventHandler) func() {
	id := uuid.NewString()
	b.mu.Lock()
	subs, ok := b.logSubs[executionID]
	if !ok {
		subs = make(map[string]EventHandler)
		b.logSubs[executionID] = subs
	}
	subs[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if subs, ok := b.logSubs[executionID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.logSubs, executionID)
			}
		}
		b.mu.Unlock()
	}
}

// Emit publishes an event with a server-assigned timestamp to all global
// subscribers, plus the matching per-execution subchannel for
// execution:log payloads. Delivery is best-effort: handler panics are
// caught and logged so one faulty subscriber cannot break the others.
func (b *Bus) Emit(typ EventType, payload any) {
	ev := Event{Type: typ, Payload: payload, Timestamp: NowUnixMilli()}

	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.global)+1)
	for _, h := range b.global {
		handlers = append(handlers, h)
	}
	if typ == EventExecutionLog {
		if p, ok := payload.(ExecutionLogEvent); ok {
			for _, h := range b.logSubs[p.ExecutionID] {
				handlers = append(handlers, h)
			}
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, ev)
	}
}

// dispatch invokes one handler with panic isolation.
func (b *Bus) dispatch(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event subscriber panicked", "type", string(ev.Type), "panic", r)
		}
	}()
	h(ev)
}
