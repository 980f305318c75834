// Package app wires the execution core's independently-built components
// (clock, log, store, bus, state machine, broker, engine, protections, risk,
// guard, health) into the single orchestration surface spec §4.11's
// RuntimeCoordinator describes: accept one signal, run every pre-trade gate
// in order, and either submit it or record why it was skipped. Grounded on
// the teacher's own risk/circuit_breaker.go RecordTrade(pnl) pattern (and its
// core/interfaces.go RiskManager interface requiring it) for feeding closed
// trades back into the protections that need trade history.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execcore/internal/broker"
	"execcore/internal/clock"
	"execcore/internal/config"
	"execcore/internal/core"
	"execcore/internal/eventbus"
	"execcore/internal/execution"
	"execcore/internal/guard"
	"execcore/internal/ids"
	"execcore/internal/infrastructure/health"
	"execcore/internal/model"
	"execcore/internal/orderstate"
	"execcore/internal/positionstore"
	"execcore/internal/protection"
	"execcore/internal/reconcile"
	"execcore/internal/runtime"
	"execcore/pkg/telemetry"
)

// Core is the process-lifetime orchestrator: it owns no storage of its own,
// only the wiring between components that already own their state.
type Core struct {
	logger core.ILogger
	clock  clock.Clock
	cfg    *config.Config

	store      *positionstore.Store
	sm         *orderstate.Machine
	brk        broker.Broker
	engine     *execution.Engine
	reconciler *reconcile.PeriodicReconciler

	stack          *protection.Stack
	dailyLoss      *protection.DailyLossLimit
	globalCooldown *protection.CooldownPeriod
	risk           *protection.RiskManager
	singleTrade    *guard.Guard
	health         *health.SubsystemHealthMonitor
	metrics        *telemetry.MetricsHolder

	mu              sync.Mutex
	lastActionTS    map[string]float64
	completedTrades []protection.CompletedTrade
}

// New constructs a Core over components the caller has already built and
// opened. dailyLoss and globalCooldown are passed separately from stack
// because, unlike every other Protection, they need RecordTrade called on
// every closed position, not just Check on every new signal.
func New(
	logger core.ILogger,
	c clock.Clock,
	cfg *config.Config,
	store *positionstore.Store,
	sm *orderstate.Machine,
	brk broker.Broker,
	engine *execution.Engine,
	reconciler *reconcile.PeriodicReconciler,
	stack *protection.Stack,
	dailyLoss *protection.DailyLossLimit,
	globalCooldown *protection.CooldownPeriod,
	risk *protection.RiskManager,
	singleTrade *guard.Guard,
	healthMonitor *health.SubsystemHealthMonitor,
	metrics *telemetry.MetricsHolder,
) *Core {
	return &Core{
		logger: logger.WithField("component", "core"),
		clock:  c, cfg: cfg,
		store: store, sm: sm, brk: brk, engine: engine, reconciler: reconciler,
		stack: stack, dailyLoss: dailyLoss, globalCooldown: globalCooldown, risk: risk,
		singleTrade: singleTrade, health: healthMonitor, metrics: metrics,
		lastActionTS: make(map[string]float64),
	}
}

// RegisterHandlers subscribes the Core's own bus handlers. Callers MUST
// invoke this before engine.RegisterPositionHandlers: the bus dispatches
// same-event-type handlers in subscription order on its single worker, and
// onPositionClose needs to read the pre-fill position out of the store
// before the engine's own fill handler deletes or mutates it.
func (c *Core) RegisterHandlers(bus *eventbus.Bus) {
	bus.Subscribe(model.EventOrderFilled, c.onPositionClose)
	bus.Subscribe(model.EventOrderPartialFill, c.onPositionClose)
}

// SubmitSignal is the single entry point an external strategy source calls
// (spec §6.2's signal interface; the transport that delivers a Signal here is
// explicitly out of scope, so Core simply exposes the in-process Go call).
// It builds a MarketSnapshot, runs protections and risk, folds the results
// through runtime.EvaluateSignal, and — for any non-skip outcome — reserves
// the symbol via the SingleTradeGuard and submits through the engine.
func (c *Core) SubmitSignal(ctx context.Context, sig runtime.Signal) (runtime.SignalDecision, error) {
	now := c.clock.Now()

	pos, err := c.store.Get(ctx, sig.Symbol)
	if err != nil {
		return runtime.SignalDecision{}, fmt.Errorf("load position for %s: %w", sig.Symbol, err)
	}
	market := runtime.MarketSnapshot{Symbol: sig.Symbol, HasOpenOrder: c.hasOpenOrder(sig.Symbol)}
	if pos != nil && !pos.Quantity.IsZero() {
		market.HasPosition = true
		market.PositionQty = pos.Quantity
	}
	if acct, err := c.brk.GetAccountInfo(ctx); err != nil {
		c.logger.Warn("account info unavailable for signal evaluation, proceeding without it", "symbol", sig.Symbol, "error", err)
	} else {
		market.AccountValue = acct.PortfolioValue
		market.BuyingPower = acct.BuyingPower
	}

	orderID := ids.NewOrderID(now)

	var protResult *runtime.ProtectionResult
	if !sig.IsExit {
		c.stack.RecordPrice(sig.Symbol, sig.Price)
		d := c.stack.Evaluate(sig.Symbol, sig.TradeID, orderID, c.snapshotTrades())
		protResult = &runtime.ProtectionResult{Allowed: d.Allowed, Reason: d.Reason}
	}

	var riskResult *runtime.RiskResult
	if !sig.IsExit && sig.Side == model.SideLong {
		existingExposure := decimal.Zero
		if pos != nil {
			existingExposure = pos.Quantity.Mul(pos.EntryPrice).Abs()
		}
		rd := c.risk.Evaluate(sig.Symbol, sig.Side, sig.Quantity, sig.Price, market.AccountValue, market.BuyingPower, existingExposure)
		riskResult = &runtime.RiskResult{Approved: rd.Allowed, Reason: rd.Reason}
		if rd.Allowed {
			q := rd.ApprovedQty
			riskResult.ApprovedQty = &q
		}
	}

	c.mu.Lock()
	decision := runtime.EvaluateSignal(sig, market, int64(c.cfg.Trading.CooldownSeconds), c.lastActionTS, float64(now.Unix()), protResult, riskResult)
	c.mu.Unlock()

	if decision.Action != runtime.ActionSubmitMarket && decision.Action != runtime.ActionSubmitLimit {
		return decision, nil
	}
	decision.InternalOrderID = orderID

	if !sig.IsExit {
		reservation := c.singleTrade.TryReserve(sig.Symbol, orderID)
		if reservation.Kind == guard.EventBlocked {
			return runtime.SignalDecision{
				Action: runtime.ActionSkip, Signal: decision.Signal,
				SkipReason: runtime.SkipSingleTradeBlock,
				SkipDetail: "blocked by order " + reservation.Details["blocking_order_id"],
			}, nil
		}
	} else if pos != nil {
		c.engine.CancelProtectiveOrders(ctx, pos.OrderID)
	}

	order := model.NewOrder(orderID, sig.Symbol, decision.FinalQty, decision.FinalSide, sig.OrderType, sig.Strategy, sig.TradeID, now)
	order.EntryPrice = sig.LimitPrice
	if err := c.sm.CreateOrder(order); err != nil {
		if !sig.IsExit {
			c.singleTrade.Release(sig.Symbol, "create_order_failed")
		}
		return decision, fmt.Errorf("create order %s: %w", orderID, err)
	}

	if err := c.engine.SubmitEntry(ctx, order); err != nil {
		if !sig.IsExit {
			c.singleTrade.Release(sig.Symbol, "submit_failed")
		}
		return decision, fmt.Errorf("submit order %s: %w", orderID, err)
	}

	c.recordAction(sig, now)

	if !sig.IsExit && (sig.StopLoss != nil || sig.TakeProfit != nil) {
		if err := c.engine.SubmitProtectiveStops(ctx, order, sig.StopLoss, sig.TakeProfit); err != nil {
			c.logger.Error("failed to submit protective stops", "order_id", orderID, "error", err)
		}
	}
	if c.metrics != nil {
		c.metrics.RecordOrderSubmitted(ctx, sig.Symbol, string(sig.Side))
	}
	return decision, nil
}

func (c *Core) hasOpenOrder(symbol string) bool {
	for _, o := range c.sm.GetPendingOrders() {
		if o.Symbol == symbol {
			return true
		}
	}
	return false
}

func (c *Core) snapshotTrades() []protection.CompletedTrade {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protection.CompletedTrade(nil), c.completedTrades...)
}

func (c *Core) recordAction(sig runtime.Signal, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActionTS[runtime.CooldownBucketKey(sig.Strategy, sig.Symbol, sig.Side)] = float64(now.Unix())
}

// onPositionClose detects a fill that fully closes a position (the new
// signed quantity nets to zero), computes its realized P&L from the
// position's recorded entry price, and feeds every trade-history-consuming
// protection plus the single-trade guard and any still-open protective
// orders. Partial fills that do not zero out the position are ignored here;
// ExecutionEngine.onFillEvent (and its own rebalancing) owns those.
func (c *Core) onPositionClose(ev model.TransactionEvent) {
	symbol, _ := ev.Payload["symbol"].(string)
	sideStr, _ := ev.Payload["side"].(string)
	qtyStr, _ := ev.Payload["filled_qty"].(string)
	priceStr, _ := ev.Payload["fill_price"].(string)
	if symbol == "" || qtyStr == "" {
		return
	}
	qty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return
	}
	fillPrice, _ := decimal.NewFromString(priceStr)

	ctx := context.Background()
	pos, err := c.store.Get(ctx, symbol)
	if err != nil || pos == nil {
		return
	}

	signedQty := qty
	if sideStr == string(model.SideShort) {
		signedQty = qty.Neg()
	}
	if !pos.Quantity.Add(signedQty).IsZero() {
		return
	}

	now := c.clock.Now()
	profitUSD := fillPrice.Sub(pos.EntryPrice).Mul(pos.Quantity)

	c.mu.Lock()
	c.completedTrades = append(c.completedTrades, protection.CompletedTrade{Symbol: symbol, ClosedAt: now, ProfitUSD: profitUSD})
	c.mu.Unlock()

	c.dailyLoss.RecordTrade(now, profitUSD)
	c.globalCooldown.RecordTrade(now, profitUSD)
	c.singleTrade.Release(symbol, "position_closed")
	c.engine.CancelProtectiveOrders(ctx, pos.OrderID)
}

// PollBroker drives one ExecutionEngine poll cycle and reports the outcome
// to the health monitor.
func (c *Core) PollBroker(ctx context.Context) error {
	if err := c.engine.PollOnce(ctx); err != nil {
		c.health.RecordFailure("broker_poll", err)
		return err
	}
	c.health.RecordSuccess("broker_poll")
	return nil
}

// ReconcilePeriodic drives one gated reconciliation check and reports the
// outcome to the health monitor and metrics.
func (c *Core) ReconcilePeriodic(ctx context.Context) reconcile.CheckResult {
	result := c.reconciler.Check(ctx)
	if !result.Ran {
		return result
	}

	status := "clean"
	if len(result.Discrepancies) > 0 {
		status = "discrepancies"
		c.health.RecordFailure("reconciliation", fmt.Errorf("%d discrepancies found", len(result.Discrepancies)))
	} else {
		c.health.RecordSuccess("reconciliation")
	}
	if c.metrics != nil {
		c.metrics.RecordReconciliationRun(ctx, status)
		for _, d := range result.Discrepancies {
			c.metrics.RecordDiscrepancy(ctx, string(d.Type))
		}
	}
	return result
}
