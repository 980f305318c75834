// Package eventbus implements the thread-safe FIFO event distribution
// component (spec §4.4), built on the teacher's pond-backed worker pool
// (pkg/concurrency, itself wrapping github.com/alitto/pond) pinned to a
// single worker so delivery runs on one dedicated goroutine.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"execcore/internal/core"
	"execcore/internal/model"
	"execcore/pkg/concurrency"
	"execcore/pkg/telemetry"
)

// BackpressurePolicy selects what happens when the bounded queue is full
// (spec §9 Open question, resolved in SPEC_FULL.md: default "drop").
type BackpressurePolicy string

const (
	PolicyBlock BackpressurePolicy = "block"
	PolicyDrop  BackpressurePolicy = "drop"
)

// Handler receives events of the type(s) it subscribed to, on the bus's
// single worker goroutine.
type Handler func(model.TransactionEvent)

// Bus is the single-dedicated-worker, bounded-queue event distributor.
type Bus struct {
	queueSize int
	policy    BackpressurePolicy
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder

	mu       sync.RWMutex
	handlers map[model.EventType][]Handler

	poolMu sync.Mutex
	pool   *concurrency.WorkerPool

	dropped      atomic.Int64
	handlerFails atomic.Int64

	reportStop chan struct{}
	reportDone chan struct{}
}

// queueDepthReportInterval is how often Start's background goroutine samples
// the pool's queue depth into execcore_event_bus_queue_depth.
const queueDepthReportInterval = 2 * time.Second

// New constructs a Bus. Call Start before Emit; Stop before discarding.
func New(queueSize int, policy BackpressurePolicy, logger core.ILogger, metrics *telemetry.MetricsHolder) *Bus {
	return &Bus{
		queueSize: queueSize,
		policy:    policy,
		logger:    logger.WithField("component", "event_bus"),
		metrics:   metrics,
		handlers:  make(map[model.EventType][]Handler),
	}
}

// Subscribe registers handler for eventType. Thread-safe; may be called
// before or after Start.
func (b *Bus) Subscribe(eventType model.EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Start spins up the single worker. Safe to call again after Stop; each
// start/stop cycle gets a fresh pool so no worker goroutine leaks.
func (b *Bus) Start() {
	b.poolMu.Lock()
	defer b.poolMu.Unlock()
	if b.pool != nil {
		return
	}
	b.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "event_bus",
		MaxWorkers:  1,
		MaxCapacity: b.queueSize,
		NonBlocking: b.policy == PolicyDrop,
	}, b.logger)

	if b.metrics != nil {
		b.reportStop = make(chan struct{})
		b.reportDone = make(chan struct{})
		go b.reportQueueDepth(b.pool, b.reportStop, b.reportDone)
	}
}

// reportQueueDepth samples pool's queue depth into the bus's
// execcore_event_bus_queue_depth gauge until stop is closed, so operators can
// watch backpressure build before Emit starts dropping events.
func (b *Bus) reportQueueDepth(pool *concurrency.WorkerPool, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(queueDepthReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.metrics.SetEventBusQueueDepth(pool.QueueDepth())
		case <-stop:
			return
		}
	}
}

// Emit enqueues event for delivery and returns without waiting. Under the
// "drop" policy a full queue increments the dropped-events counter instead of
// blocking the producer; under "block" the call blocks until room is
// available.
func (b *Bus) Emit(event model.TransactionEvent) {
	b.poolMu.Lock()
	pool := b.pool
	b.poolMu.Unlock()
	if pool == nil {
		b.recordDrop(event)
		return
	}

	err := pool.Submit(func() { b.dispatch(event) })
	if err != nil {
		b.recordDrop(event)
	}
}

func (b *Bus) recordDrop(event model.TransactionEvent) {
	b.dropped.Add(1)
	b.logger.Warn("event dropped under backpressure", "event_type", event.EventType, "internal_order_id", event.InternalOrderID)
	if b.metrics != nil {
		b.metrics.RecordEventDropped(context.Background(), string(event.EventType))
	}
}

func (b *Bus) dispatch(event model.TransactionEvent) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.EventType]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(h, event)
	}
}

// invoke calls a single handler, isolating its failure from other handlers
// subscribed to the same event type (spec §4.4 "Failure isolation", P9).
func (b *Bus) invoke(h Handler, event model.TransactionEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerFails.Add(1)
			b.logger.Error("event handler panicked", "event_type", event.EventType, "panic", fmt.Sprint(r))
		}
	}()
	h(event)
}

// Stop drains the queue up to timeout, then releases the worker. Dropped
// tasks after the deadline are not individually counted (pond gives no
// cancellation hook mid-task), matching spec §5's "remaining events are
// counted as dropped on shutdown" at the granularity this library affords.
func (b *Bus) Stop(timeout time.Duration) {
	b.poolMu.Lock()
	pool := b.pool
	b.pool = nil
	reportStop, reportDone := b.reportStop, b.reportDone
	b.reportStop, b.reportDone = nil, nil
	b.poolMu.Unlock()
	if pool == nil {
		return
	}

	if reportStop != nil {
		close(reportStop)
		<-reportDone
	}

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		b.logger.Warn("event bus stop timed out; worker may still be draining")
	}
}

// DroppedCount returns the number of events dropped under backpressure.
func (b *Bus) DroppedCount() int64 { return b.dropped.Load() }

// HandlerFailureCount returns the number of handler invocations that panicked.
func (b *Bus) HandlerFailureCount() int64 { return b.handlerFails.Load() }
