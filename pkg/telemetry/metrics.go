package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersSubmittedTotal     = "execcore_orders_submitted_total"
	MetricOrdersFilledTotal        = "execcore_orders_filled_total"
	MetricOrdersRejectedTotal      = "execcore_orders_rejected_total"
	MetricOrdersCancelledTotal     = "execcore_orders_cancelled_total"
	MetricDiscrepanciesTotal       = "execcore_discrepancies_found_total"
	MetricEventsDroppedTotal       = "execcore_events_dropped_total"
	MetricReconciliationRunsTotal  = "execcore_reconciliation_runs_total"
	MetricSubsystemFailuresTotal   = "execcore_subsystem_failures_total"
	MetricOpenPositions            = "execcore_open_positions"
	MetricEventBusQueueDepth       = "execcore_event_bus_queue_depth"
	MetricSingleTradeBlockedTotal  = "execcore_single_trade_blocked_total"
)

// MetricsHolder holds initialized instruments for the execution core.
type MetricsHolder struct {
	OrdersSubmittedTotal    metric.Int64Counter
	OrdersFilledTotal       metric.Int64Counter
	OrdersRejectedTotal     metric.Int64Counter
	OrdersCancelledTotal    metric.Int64Counter
	DiscrepanciesTotal      metric.Int64Counter
	EventsDroppedTotal      metric.Int64Counter
	ReconciliationRunsTotal metric.Int64Counter
	SubsystemFailuresTotal  metric.Int64Counter
	SingleTradeBlockedTotal metric.Int64Counter
	OpenPositions           metric.Int64ObservableGauge
	EventBusQueueDepth      metric.Int64ObservableGauge

	// State backing the observable gauges
	mu               sync.RWMutex
	openPositionsMap map[string]int64
	eventBusDepth    int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openPositionsMap: make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the given meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal, metric.WithDescription("Total orders submitted to the broker"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders reaching a filled state"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total orders rejected by the broker or a guard"))
	if err != nil {
		return err
	}

	m.OrdersCancelledTotal, err = meter.Int64Counter(MetricOrdersCancelledTotal, metric.WithDescription("Total orders cancelled"))
	if err != nil {
		return err
	}

	m.DiscrepanciesTotal, err = meter.Int64Counter(MetricDiscrepanciesTotal, metric.WithDescription("Total discrepancies found during reconciliation"))
	if err != nil {
		return err
	}

	m.EventsDroppedTotal, err = meter.Int64Counter(MetricEventsDroppedTotal, metric.WithDescription("Total event bus events dropped under backpressure"))
	if err != nil {
		return err
	}

	m.ReconciliationRunsTotal, err = meter.Int64Counter(MetricReconciliationRunsTotal, metric.WithDescription("Reconciliation runs, partitioned by result (ran|skipped)"))
	if err != nil {
		return err
	}

	m.SubsystemFailuresTotal, err = meter.Int64Counter(MetricSubsystemFailuresTotal, metric.WithDescription("Health check failures per subsystem"))
	if err != nil {
		return err
	}

	m.SingleTradeBlockedTotal, err = meter.Int64Counter(MetricSingleTradeBlockedTotal, metric.WithDescription("Signals blocked by the single-trade-per-symbol guard"))
	if err != nil {
		return err
	}

	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Current open position count per symbol"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.openPositionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.EventBusQueueDepth, err = meter.Int64ObservableGauge(MetricEventBusQueueDepth, metric.WithDescription("Current event bus queue depth"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.eventBusDepth)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// RecordOrderSubmitted increments the submitted-orders counter for symbol.
func (m *MetricsHolder) RecordOrderSubmitted(ctx context.Context, symbol, side string) {
	m.OrdersSubmittedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("side", side)))
}

// RecordOrderFilled increments the filled-orders counter for symbol.
func (m *MetricsHolder) RecordOrderFilled(ctx context.Context, symbol string) {
	m.OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// RecordOrderRejected increments the rejected-orders counter, tagged with a reason.
func (m *MetricsHolder) RecordOrderRejected(ctx context.Context, symbol, reason string) {
	m.OrdersRejectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("reason", reason)))
}

// RecordOrderCancelled increments the cancelled-orders counter for symbol.
func (m *MetricsHolder) RecordOrderCancelled(ctx context.Context, symbol string) {
	m.OrdersCancelledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// RecordDiscrepancy increments the discrepancy counter, tagged with its type.
func (m *MetricsHolder) RecordDiscrepancy(ctx context.Context, discrepancyType string) {
	m.DiscrepanciesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", discrepancyType)))
}

// RecordEventDropped increments the dropped-event counter, tagged with the event type.
func (m *MetricsHolder) RecordEventDropped(ctx context.Context, eventType string) {
	m.EventsDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordReconciliationRun increments the reconciliation-run counter, tagged "ran" or "skipped".
func (m *MetricsHolder) RecordReconciliationRun(ctx context.Context, result string) {
	m.ReconciliationRunsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordSubsystemFailure increments the failure counter for a named subsystem.
func (m *MetricsHolder) RecordSubsystemFailure(ctx context.Context, subsystem string) {
	m.SubsystemFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("subsystem", subsystem)))
}

// RecordSingleTradeBlocked increments the single-trade-guard block counter for symbol.
func (m *MetricsHolder) RecordSingleTradeBlocked(ctx context.Context, symbol string) {
	m.SingleTradeBlockedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// SetOpenPositions updates the observed open-position count for symbol.
func (m *MetricsHolder) SetOpenPositions(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositionsMap[symbol] = count
}

// SetEventBusQueueDepth updates the observed event bus queue depth.
func (m *MetricsHolder) SetEventBusQueueDepth(depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventBusDepth = depth
}
