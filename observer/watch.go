package observer

import (
	"context"
	"sync"
	"time"

	"github.com/nevindra/maestro"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Watch returns an event-bus handler that feeds the instruments from
// routing and execution lifecycle events, so the engine itself carries
// no metrics dependency. Subscribe it on the global bus at wiring time.
//
// Durations are measured between the running and terminal events seen
// by this process; executions recovered from a previous process carry
// no start mark and are counted without a duration sample.
func Watch(inst *Instruments) maestro.EventHandler {
	w := &watcher{
		inst:           inst,
		executionStart: make(map[string]time.Time),
		routingStart:   make(map[string]time.Time),
		retrySeen:      make(map[string]int),
	}
	return w.handle
}

type watcher struct {
	inst *Instruments

	mu             sync.Mutex
	executionStart map[string]time.Time // execution id → entered running
	routingStart   map[string]time.Time // task id → entered running
	retrySeen      map[string]int       // task id → last retry_count observed
}

func (w *watcher) handle(ev maestro.Event) {
	if w.inst == nil {
		return
	}
	ctx := context.Background()

	switch ev.Type {
	case maestro.EventExecutionUpdated:
		p, ok := ev.Payload.(maestro.ExecutionEvent)
		if !ok {
			return
		}
		attrs := metric.WithAttributes(attribute.String("agent.name", p.AgentName))
		switch p.Status {
		case maestro.ExecutionRunning:
			w.inst.ExecutionsStarted.Add(ctx, 1, attrs)
			w.mark(w.executionStart, p.ID)
		case maestro.ExecutionCompleted:
			w.inst.ExecutionsCompleted.Add(ctx, 1, attrs)
			w.observe(ctx, w.inst.ExecutionDuration, w.executionStart, p.ID)
		case maestro.ExecutionFailed:
			w.inst.ExecutionsFailed.Add(ctx, 1, attrs)
			w.observe(ctx, w.inst.ExecutionDuration, w.executionStart, p.ID)
		}

	case maestro.EventRoutingUpdated:
		p, ok := ev.Payload.(maestro.RoutingEvent)
		if !ok {
			return
		}
		switch p.Status {
		case maestro.RoutingRunning:
			w.markOnce(w.routingStart, p.TaskID)
			if n := w.retryDelta(p.TaskID, p.RetryCount); n > 0 {
				w.inst.AgentRetries.Add(ctx, int64(n))
			}
		case maestro.RoutingCompleted:
			w.inst.RoutingsCompleted.Add(ctx, 1)
			w.observe(ctx, w.inst.RoutingRoundDuration, w.routingStart, p.TaskID)
			w.clearRetries(p.TaskID)
		case maestro.RoutingFailed:
			w.inst.RoutingsFailed.Add(ctx, 1)
			w.observe(ctx, w.inst.RoutingRoundDuration, w.routingStart, p.TaskID)
			w.clearRetries(p.TaskID)
		}
	}
}

func (w *watcher) mark(m map[string]time.Time, key string) {
	w.mu.Lock()
	m[key] = time.Now()
	w.mu.Unlock()
}

// markOnce keeps the earliest mark; routing:updated fires on every
// driver step while the round is running.
func (w *watcher) markOnce(m map[string]time.Time, key string) {
	w.mu.Lock()
	if _, ok := m[key]; !ok {
		m[key] = time.Now()
	}
	w.mu.Unlock()
}

// retryDelta reports how many retries happened since the last event for
// the task. The driver resets retry_count to zero after each agent, so
// only increases count.
func (w *watcher) retryDelta(taskID string, count int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	last := w.retrySeen[taskID]
	w.retrySeen[taskID] = count
	if count > last {
		return count - last
	}
	return 0
}

func (w *watcher) clearRetries(taskID string) {
	w.mu.Lock()
	delete(w.retrySeen, taskID)
	w.mu.Unlock()
}

func (w *watcher) observe(ctx context.Context, h metric.Float64Histogram, m map[string]time.Time, key string) {
	w.mu.Lock()
	start, ok := m[key]
	delete(m, key)
	w.mu.Unlock()
	if ok {
		h.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
}

// RegisterPoolGauge exports the executor pool's occupancy as observable
// gauges. stats is polled at collection time.
func (inst *Instruments) RegisterPoolGauge(stats func() maestro.PoolStats) error {
	if inst == nil {
		return nil
	}
	current, err := inst.Meter.Int64ObservableGauge("maestro.pool.current",
		metric.WithDescription("Pool slots currently held"),
		metric.WithUnit("{slot}"))
	if err != nil {
		return err
	}
	max, err := inst.Meter.Int64ObservableGauge("maestro.pool.max",
		metric.WithDescription("Pool capacity, 0 = unlimited"),
		metric.WithUnit("{slot}"))
	if err != nil {
		return err
	}
	_, err = inst.Meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(current, int64(s.Current))
		o.ObserveInt64(max, int64(s.Max))
		return nil
	}, current, max)
	return err
}
