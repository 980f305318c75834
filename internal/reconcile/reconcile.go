// Package reconcile implements the Reconciler (spec §4.9): comparing the
// locally held positions and open orders against what the broker reports,
// once at startup and on a periodic gate thereafter. Grounded on
// original_source/core/reconciliation/reconciler.py's discrepancy taxonomy.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"execcore/internal/broker"
	"execcore/internal/clock"
	"execcore/internal/core"
	"execcore/internal/model"
	"execcore/internal/orderstate"
	"execcore/internal/positionstore"
	"execcore/internal/txlog"
)

// DiscrepancyType enumerates the six comparisons the reconciler makes
// between local state and the broker's (spec §4.9).
type DiscrepancyType string

const (
	MissingPosition     DiscrepancyType = "missing_position"
	ExtraPosition       DiscrepancyType = "extra_position"
	QtyMismatch         DiscrepancyType = "qty_mismatch"
	OrderMissingLocal   DiscrepancyType = "order_missing_local"
	OrderMissingBroker  DiscrepancyType = "order_missing_broker"
	OrderStatusMismatch DiscrepancyType = "order_status_mismatch"
	ReconciliationError DiscrepancyType = "reconciliation_error"
)

// Discrepancy is one mismatch found between local and broker state.
type Discrepancy struct {
	Type       DiscrepancyType
	Symbol     string
	LocalValue string
	BrokerValue string
	Resolution string
	Timestamp  time.Time
}

// Mode selects the startup policy: paper mode logs discrepancies, live mode
// halts before the main loop starts.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Reconciler compares the PositionStore and OrderStateMachine against the
// Broker's own view of positions and open orders.
type Reconciler struct {
	logger core.ILogger
	log    *txlog.TransactionLog
	clock  clock.Clock
	store  *positionstore.Store
	sm     *orderstate.Machine
	brk    broker.Broker
}

// New constructs a Reconciler.
func New(log *txlog.TransactionLog, c clock.Clock, store *positionstore.Store, sm *orderstate.Machine, brk broker.Broker, logger core.ILogger) *Reconciler {
	return &Reconciler{
		logger: logger.WithField("component", "reconciler"),
		log:    log, clock: c, store: store, sm: sm, brk: brk,
	}
}

// ReconcileStartup runs a single full comparison and journals every
// discrepancy found. In live mode, any discrepancy must halt the runtime
// before the main loop starts (caller decides based on the returned slice).
func (r *Reconciler) ReconcileStartup(ctx context.Context) ([]Discrepancy, error) {
	var discrepancies []Discrepancy

	positionDiscs, err := r.reconcilePositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile positions: %w", err)
	}
	discrepancies = append(discrepancies, positionDiscs...)

	orderDiscs, err := r.reconcileOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile orders: %w", err)
	}
	discrepancies = append(discrepancies, orderDiscs...)

	for _, d := range discrepancies {
		if err := r.journal(d); err != nil {
			r.logger.Error("failed to journal discrepancy", "type", d.Type, "symbol", d.Symbol, "error", err)
		}
	}
	return discrepancies, nil
}

func (r *Reconciler) reconcilePositions(ctx context.Context) ([]Discrepancy, error) {
	local, err := r.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("get local positions: %w", err)
	}
	remote, err := r.brk.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("get broker positions: %w", err)
	}

	localBySymbol := make(map[string]model.Position, len(local))
	for _, p := range local {
		localBySymbol[p.Symbol] = p
	}
	remoteBySymbol := make(map[string]model.Position, len(remote))
	for _, p := range remote {
		remoteBySymbol[p.Symbol] = p
	}

	now := r.clock.Now()
	var out []Discrepancy

	for symbol, lp := range localBySymbol {
		rp, ok := remoteBySymbol[symbol]
		if !ok {
			out = append(out, Discrepancy{
				Type: ExtraPosition, Symbol: symbol, LocalValue: lp.Quantity.String(),
				BrokerValue: "0", Resolution: "local_position_without_broker_confirmation", Timestamp: now,
			})
			continue
		}
		if !lp.Quantity.Equal(rp.Quantity) {
			out = append(out, Discrepancy{
				Type: QtyMismatch, Symbol: symbol, LocalValue: lp.Quantity.String(),
				BrokerValue: rp.Quantity.String(), Resolution: "quantity_disagreement", Timestamp: now,
			})
		}
	}
	for symbol, rp := range remoteBySymbol {
		if _, ok := localBySymbol[symbol]; !ok {
			out = append(out, Discrepancy{
				Type: MissingPosition, Symbol: symbol, LocalValue: "0",
				BrokerValue: rp.Quantity.String(), Resolution: "broker_position_without_local_record", Timestamp: now,
			})
		}
	}
	return out, nil
}

func (r *Reconciler) reconcileOrders(ctx context.Context) ([]Discrepancy, error) {
	localOrders := r.sm.GetPendingOrders()
	remoteOrders, err := r.brk.GetOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("get broker open orders: %w", err)
	}

	localByBrokerID := make(map[string]model.Order, len(localOrders))
	for _, o := range localOrders {
		if o.BrokerOrderID != "" {
			localByBrokerID[o.BrokerOrderID] = o
		}
	}
	remoteByBrokerID := make(map[string]broker.OpenOrder, len(remoteOrders))
	for _, o := range remoteOrders {
		remoteByBrokerID[o.BrokerOrderID] = o
	}

	now := r.clock.Now()
	var out []Discrepancy

	for brokerOrderID, lo := range localByBrokerID {
		ro, ok := remoteByBrokerID[brokerOrderID]
		if !ok {
			out = append(out, Discrepancy{
				Type: OrderMissingBroker, Symbol: lo.Symbol, LocalValue: string(lo.State),
				BrokerValue: "absent", Resolution: "broker_has_no_record_of_open_local_order", Timestamp: now,
			})
			continue
		}
		if !localStatusMatches(lo.State, ro.Status) {
			out = append(out, Discrepancy{
				Type: OrderStatusMismatch, Symbol: lo.Symbol, LocalValue: string(lo.State),
				BrokerValue: string(ro.Status), Resolution: "status_disagreement", Timestamp: now,
			})
		}
	}
	for brokerOrderID, ro := range remoteByBrokerID {
		if _, ok := localByBrokerID[brokerOrderID]; !ok {
			out = append(out, Discrepancy{
				Type: OrderMissingLocal, Symbol: ro.Symbol, LocalValue: "absent",
				BrokerValue: string(ro.Status), Resolution: "local_state_has_no_record_of_broker_order", Timestamp: now,
			})
		}
	}
	return out, nil
}

func localStatusMatches(local model.OrderState, remote broker.Status) bool {
	switch local {
	case model.StateSubmitted:
		return remote == broker.StatusSubmitted
	case model.StatePartiallyFilled:
		return remote == broker.StatusPartial
	default:
		return true
	}
}

func (r *Reconciler) journal(d Discrepancy) error {
	return r.log.Append(model.TransactionEvent{
		EventType: model.EventReconciliation,
		LoggedAt:  d.Timestamp,
		Payload: map[string]any{
			"type": string(d.Type), "symbol": d.Symbol,
			"local_value": d.LocalValue, "broker_value": d.BrokerValue, "resolution": d.Resolution,
		},
	})
}

// ApplyStartupPolicy returns an error (for live mode, to halt the runtime
// before the main loop starts) if any discrepancy was found. Paper mode
// never errors; discrepancies are already journaled by ReconcileStartup.
func ApplyStartupPolicy(mode Mode, discrepancies []Discrepancy) error {
	if mode != ModeLive || len(discrepancies) == 0 {
		return nil
	}
	return fmt.Errorf("%d reconciliation discrepancies found in live mode: first is %s/%s", len(discrepancies), discrepancies[0].Type, discrepancies[0].Symbol)
}

// PeriodicReconciler wraps Reconciler with a timed gate: check() runs a full
// reconciliation only once elapsed >= interval since the last run, and
// serializes concurrent callers so exactly one reconciliation runs per
// interval (spec §4.9, P8), via golang.org/x/sync/singleflight — the same
// "collapse concurrent identical work into one call" tool the teacher's
// corpus uses for its own deduplicated background refreshes.
type PeriodicReconciler struct {
	inner    *Reconciler
	clock    clock.Clock
	interval time.Duration
	logger   core.ILogger

	group    singleflight.Group
	lastRun  time.Time
}

// NewPeriodic constructs a PeriodicReconciler gated to run at most once per
// interval.
func NewPeriodic(inner *Reconciler, c clock.Clock, interval time.Duration, logger core.ILogger) *PeriodicReconciler {
	return &PeriodicReconciler{inner: inner, clock: c, interval: interval, logger: logger.WithField("component", "periodic_reconciler")}
}

// CheckResult reports whether a reconciliation actually ran this call.
type CheckResult struct {
	Ran            bool
	SkippedReason  string
	Discrepancies  []Discrepancy
}

// Check runs a full reconciliation if the interval has elapsed since the
// last run, otherwise reports {ran: false, skipped_reason: "interval_not_elapsed"}.
// Inner errors are wrapped as a synthetic reconciliation_error discrepancy
// rather than propagated, per spec §4.9.
func (p *PeriodicReconciler) Check(ctx context.Context) CheckResult {
	now := p.clock.Now()
	if !p.lastRun.IsZero() && now.Sub(p.lastRun) < p.interval {
		return CheckResult{Ran: false, SkippedReason: "interval_not_elapsed"}
	}

	v, _, _ := p.group.Do("reconcile", func() (interface{}, error) {
		discs, err := p.inner.ReconcileStartup(ctx)
		if err != nil {
			errDisc := Discrepancy{
				Type: ReconciliationError, Resolution: err.Error(), Timestamp: now,
			}
			if jerr := p.inner.journal(errDisc); jerr != nil {
				p.logger.Error("failed to journal reconciliation_error", "error", jerr)
			}
			discs = []Discrepancy{errDisc}
		}
		p.lastRun = p.clock.Now()
		return discs, nil
	})

	return CheckResult{Ran: true, Discrepancies: v.([]Discrepancy)}
}
