// Package execution implements the ExecutionEngine (spec §4.8): the
// component that actually talks to the Broker, holds the durable set of
// submitted internal order ids, drives OrderStateMachine transitions from
// broker polling, and manages synthetic OCO protective stops. Grounded on
// original_source/core/execution/order_executor.py's submit-then-confirm
// flow and the teacher's failsafe-go wiring in pkg/http/client.go (retry +
// circuit breaker around an outbound call).
package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"

	"execcore/internal/broker"
	"execcore/internal/clock"
	"execcore/internal/core"
	"execcore/internal/eventbus"
	"execcore/internal/model"
	"execcore/internal/orderstate"
	"execcore/internal/positionstore"
	"execcore/internal/txlog"
	"execcore/pkg/apperrors"
)

const (
	slSuffix = "::SL"
	tpSuffix = "::TP"
)

// submitResult is the outcome of a broker submission, threaded through the
// failsafe pipeline.
type submitResult struct {
	brokerOrderID string
}

// protectiveOrder tracks the currently-live order for one logical protective
// slot ("{entry_id}::SL" or "::TP"). orderID is re-pointed to a fresh
// generation (".gN" suffix) each time the order is cancelled and resized,
// since a terminal internal_order_id can never be reused (spec §3.1 I3).
type protectiveOrder struct {
	orderID       string
	brokerOrderID string
	price         decimal.Decimal
	generation    int
}

// Engine is the ExecutionEngine (spec §4.8).
type Engine struct {
	logger core.ILogger
	log    *txlog.TransactionLog
	bus    *eventbus.Bus
	sm     *orderstate.Machine
	brk    broker.Broker
	store  *positionstore.Store
	clock  clock.Clock

	pipeline failsafe.Executor[submitResult]

	mu           sync.Mutex
	submittedIDs map[string]bool             // internal_order_id -> true, durable across restarts
	protective   map[string]*protectiveOrder // logical key ("{entry_id}::SL"/"::TP") -> live order
}

// New constructs an Engine and seeds its submitted-ids set from every
// historical ORDER_SUBMIT event in log (spec §4.8 step 3).
func New(log *txlog.TransactionLog, bus *eventbus.Bus, sm *orderstate.Machine, brk broker.Broker, store *positionstore.Store, c clock.Clock, logger core.ILogger) (*Engine, error) {
	e := &Engine{
		logger:        logger.WithField("component", "execution_engine"),
		log:           log,
		bus:           bus,
		sm:            sm,
		brk:           brk,
		store:         store,
		clock:         c,
		pipeline:     newBrokerPipeline(),
		submittedIDs: make(map[string]bool),
		protective:   make(map[string]*protectiveOrder),
	}

	_, err := log.Replay(func(ev model.TransactionEvent) error {
		if ev.EventType == model.EventOrderSubmit {
			e.submittedIDs[ev.InternalOrderID] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seed submitted-order set: %w", err)
	}
	return e, nil
}

func newBrokerPipeline() failsafe.Executor[submitResult] {
	retry := retrypolicy.NewBuilder[submitResult]().
		HandleIf(func(_ submitResult, err error) bool { return err != nil }).
		WithBackoff(50*time.Millisecond, time.Second).
		WithMaxRetries(2).
		Build()
	breaker := circuitbreaker.NewBuilder[submitResult]().
		HandleIf(func(_ submitResult, err error) bool { return err != nil }).
		WithFailureThresholdRatio(3, 5).
		WithDelay(10 * time.Second).
		Build()
	return failsafe.NewExecutor[submitResult](retry, breaker)
}

// RegisterPositionHandlers subscribes the engine's fill handler to the bus
// so position updates happen as the spec's "registered handler" (§4.8
// step 6), decoupled from the polling loop that detects the fill.
func (e *Engine) RegisterPositionHandlers() {
	e.bus.Subscribe(model.EventOrderFilled, e.onFillEvent)
	e.bus.Subscribe(model.EventOrderPartialFill, e.onFillEvent)
}

// SubmitEntry submits a new entry order. The order must already exist in
// PENDING via sm.CreateOrder. Refuses any internal_order_id already
// consumed by a prior submission (spec §4.8 steps 1-4).
func (e *Engine) SubmitEntry(ctx context.Context, order *model.Order) error {
	e.mu.Lock()
	if e.submittedIDs[order.OrderID] {
		e.mu.Unlock()
		return fmt.Errorf("%w: internal_order_id=%s", apperrors.ErrDuplicateOrder, order.OrderID)
	}
	e.mu.Unlock()

	now := e.clock.Now()
	submitEvent := model.TransactionEvent{
		EventType:       model.EventOrderSubmit,
		InternalOrderID: order.OrderID,
		TradeID:         order.TradeID,
		LoggedAt:        now,
		Payload: map[string]any{
			orderstate.PayloadSymbol:    order.Symbol,
			orderstate.PayloadQuantity:  order.Quantity.String(),
			orderstate.PayloadSide:      string(order.Side),
			orderstate.PayloadOrderType: string(order.OrderType),
			orderstate.PayloadStrategy:  order.Strategy,
			orderstate.PayloadCreatedAt: order.CreatedAt.Format(time.RFC3339Nano),
		},
	}
	if err := e.log.Append(submitEvent); err != nil {
		return fmt.Errorf("journal order submit: %w", err)
	}

	e.mu.Lock()
	e.submittedIDs[order.OrderID] = true
	e.mu.Unlock()

	var limitPrice *decimal.Decimal
	if order.OrderType == model.OrderTypeLimit {
		limitPrice = order.EntryPrice
	}

	result, err := e.pipeline.GetWithExecution(func(_ failsafe.Execution[submitResult]) (submitResult, error) {
		bid, err := e.brk.SubmitOrder(ctx, order.Symbol, order.Quantity, order.Side, order.OrderType, limitPrice, nil)
		return submitResult{brokerOrderID: bid}, err
	})
	if err != nil {
		if failErr := e.log.Append(model.TransactionEvent{
			EventType: model.EventOrderSubmitFailed, InternalOrderID: order.OrderID, TradeID: order.TradeID, LoggedAt: e.clock.Now(),
			Payload: map[string]any{"reason": err.Error()},
		}); failErr != nil {
			e.logger.Error("failed to journal ORDER_SUBMIT_FAILED", "order_id", order.OrderID, "error", failErr)
		}
		if txErr := e.sm.Transition(order.OrderID, model.StatePending, model.StateRejected, orderstate.TransitionInput{
			RejectionReason: err.Error(), Now: e.clock.Now(),
		}); txErr != nil {
			e.logger.Error("failed to transition rejected order", "order_id", order.OrderID, "error", txErr)
		}
		return fmt.Errorf("broker submit failed for %s: %w", order.OrderID, err)
	}

	return e.sm.Transition(order.OrderID, model.StatePending, model.StateSubmitted, orderstate.TransitionInput{
		BrokerOrderID: result.brokerOrderID,
		Now:           e.clock.Now(),
	})
}

// PollOnce polls the broker for every pending order's current status and
// drives the state machine accordingly (spec §4.8 step 5).
func (e *Engine) PollOnce(ctx context.Context) error {
	for _, order := range e.sm.GetPendingOrders() {
		if order.BrokerOrderID == "" {
			continue
		}
		if err := e.pollOrder(ctx, order); err != nil {
			e.logger.Error("poll order failed", "order_id", order.OrderID, "error", err)
		}
	}
	return nil
}

func (e *Engine) pollOrder(ctx context.Context, order model.Order) error {
	status, err := e.brk.GetOrderStatus(ctx, order.BrokerOrderID)
	if err != nil {
		return fmt.Errorf("get order status: %w", err)
	}

	switch status {
	case broker.StatusFilled, broker.StatusPartial:
		return e.applyFill(ctx, order, status)
	case broker.StatusCancelled:
		return e.sm.Transition(order.OrderID, order.State, model.StateCancelled, orderstate.TransitionInput{Now: e.clock.Now()})
	case broker.StatusRejected:
		return e.sm.Transition(order.OrderID, order.State, model.StateRejected, orderstate.TransitionInput{RejectionReason: "broker rejected", Now: e.clock.Now()})
	}
	return nil
}

func (e *Engine) applyFill(ctx context.Context, order model.Order, status broker.Status) error {
	filledQty, fillPrice, err := e.brk.GetFillDetails(ctx, order.BrokerOrderID)
	if err != nil || filledQty == nil {
		return err
	}
	delta := filledQty.Sub(order.FilledQty)
	if delta.IsZero() || delta.IsNegative() {
		return nil
	}

	to := model.StatePartiallyFilled
	if status == broker.StatusFilled {
		to = model.StateFilled
	}
	if err := e.sm.Transition(order.OrderID, order.State, to, orderstate.TransitionInput{
		FilledQty: &delta, FilledPrice: fillPrice, Now: e.clock.Now(),
	}); err != nil {
		return fmt.Errorf("transition fill: %w", err)
	}

	typed := model.EventOrderPartialFill
	if to == model.StateFilled {
		typed = model.EventOrderFilled
	}
	e.bus.Emit(model.TransactionEvent{
		EventType: typed, InternalOrderID: order.OrderID, TradeID: order.TradeID, BrokerOrderID: order.BrokerOrderID,
		LoggedAt: e.clock.Now(),
		Payload: map[string]any{
			"symbol": order.Symbol, "side": string(order.Side),
			"filled_qty": delta.String(), "fill_price": optionalDecimalString(fillPrice),
			"strategy": order.Strategy,
		},
	})

	if _, _, ok := protectiveSuffix(order.OrderID); ok {
		e.cancelSiblingProtective(ctx, order.OrderID)
	} else if to == model.StatePartiallyFilled {
		e.rebalanceProtectiveQuantity(ctx, order.OrderID, order.Symbol, order.RemainingQty.Sub(delta))
	}
	return nil
}

func optionalDecimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

// protectiveSuffix reports whether orderID names a protective child order,
// returning the base id (entry id plus any generation marker) and the
// SL/TP suffix.
func protectiveSuffix(orderID string) (base, suffix string, ok bool) {
	for _, s := range []string{slSuffix, tpSuffix} {
		if strings.HasSuffix(orderID, s) {
			return strings.TrimSuffix(orderID, s), s, true
		}
	}
	return "", "", false
}

// entryIDOf strips a ".gN" generation marker (added on protective-order
// resize) from base, returning the original entry order id.
func entryIDOf(base string) string {
	if idx := strings.LastIndex(base, ".g"); idx >= 0 {
		return base[:idx]
	}
	return base
}

func logicalKey(entryID, suffix string) string { return entryID + suffix }

// SubmitProtectiveStops submits STOP/LIMIT child orders for stopLoss and
// takeProfit using the deterministic id scheme "{entryID}::SL" / "::TP"
// (spec §4.8 "Protective orders"). Each child is sized to the entry's full
// order quantity.
func (e *Engine) SubmitProtectiveStops(ctx context.Context, entry *model.Order, stopLoss, takeProfit *decimal.Decimal) error {
	exitSide := model.SideShort
	if entry.Side == model.SideShort {
		exitSide = model.SideLong
	}
	if stopLoss != nil {
		if err := e.submitProtectiveChild(ctx, entry, slSuffix, model.OrderTypeStop, exitSide, entry.Quantity, *stopLoss, 0); err != nil {
			return err
		}
	}
	if takeProfit != nil {
		if err := e.submitProtectiveChild(ctx, entry, tpSuffix, model.OrderTypeLimit, exitSide, entry.Quantity, *takeProfit, 0); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) submitProtectiveChild(ctx context.Context, entry *model.Order, suffix string, orderType model.OrderType, side model.Side, qty decimal.Decimal, price decimal.Decimal, generation int) error {
	childID := entry.OrderID + suffix
	if generation > 0 {
		childID = fmt.Sprintf("%s.g%d%s", entry.OrderID, generation, suffix)
	}

	child := model.NewOrder(childID, entry.Symbol, qty, side, orderType, entry.Strategy, entry.TradeID, e.clock.Now())
	child.EntryPrice = &price
	if err := e.sm.CreateOrder(child); err != nil {
		return fmt.Errorf("create protective child %s: %w", childID, err)
	}
	if err := e.SubmitEntry(ctx, child); err != nil {
		return err
	}
	updated := e.sm.GetOrder(childID)

	e.mu.Lock()
	e.protective[logicalKey(entry.OrderID, suffix)] = &protectiveOrder{
		orderID: childID, brokerOrderID: updated.BrokerOrderID, price: price, generation: generation,
	}
	e.mu.Unlock()
	return nil
}

// cancelSiblingProtective implements the synthetic-OCO rule: fill of SL or
// TP cancels the other (spec §4.8).
func (e *Engine) cancelSiblingProtective(ctx context.Context, filledOrderID string) {
	base, suffix, ok := protectiveSuffix(filledOrderID)
	if !ok {
		return
	}
	entryID := entryIDOf(base)
	siblingSuffix := tpSuffix
	if suffix == tpSuffix {
		siblingSuffix = slSuffix
	}
	siblingKey := logicalKey(entryID, siblingSuffix)

	e.mu.Lock()
	sibling, open := e.protective[siblingKey]
	delete(e.protective, siblingKey)
	delete(e.protective, logicalKey(entryID, suffix))
	e.mu.Unlock()
	if !open {
		return
	}
	if _, err := e.brk.CancelOrder(ctx, sibling.brokerOrderID); err != nil {
		e.logger.Error("failed to cancel sibling protective order", "entry_id", entryID, "sibling_order_id", sibling.orderID, "error", err)
		return
	}
	if order := e.sm.GetOrder(sibling.orderID); order != nil && order.IsActive() {
		_ = e.sm.Transition(sibling.orderID, order.State, model.StateCancelled, orderstate.TransitionInput{Now: e.clock.Now()})
	}
}

// rebalanceProtectiveQuantity cancels and resubmits, under a fresh
// generation id, any open protective orders for entryID at the new
// remaining quantity (the resolved Open Question on partial-fill
// protective-stop sizing: a stale SL quantity larger than the live
// position would let a stop-fill over-sell).
func (e *Engine) rebalanceProtectiveQuantity(ctx context.Context, entryID, symbol string, remainingQty decimal.Decimal) {
	for _, suffix := range []string{slSuffix, tpSuffix} {
		key := logicalKey(entryID, suffix)
		e.mu.Lock()
		live, open := e.protective[key]
		e.mu.Unlock()
		if !open {
			continue
		}
		child := e.sm.GetOrder(live.orderID)
		if child == nil || !child.IsActive() {
			continue
		}
		if _, err := e.brk.CancelOrder(ctx, live.brokerOrderID); err != nil {
			e.logger.Error("failed to cancel protective order for resize", "order_id", live.orderID, "error", err)
			continue
		}
		_ = e.sm.Transition(live.orderID, child.State, model.StateCancelled, orderstate.TransitionInput{Now: e.clock.Now()})

		entry := e.sm.GetOrder(entryID)
		if entry == nil {
			entry = &model.Order{OrderID: entryID, Symbol: symbol, Strategy: child.Strategy, TradeID: child.TradeID, CreatedAt: e.clock.Now()}
		}
		orderType := model.OrderTypeStop
		if suffix == tpSuffix {
			orderType = model.OrderTypeLimit
		}
		if err := e.submitProtectiveChild(ctx, entry, suffix, orderType, child.Side, remainingQty, live.price, live.generation+1); err != nil {
			e.logger.Error("failed to resubmit resized protective order", "entry_id", entryID, "suffix", suffix, "error", err)
		}
	}
}

// CancelProtectiveOrders cancels any outstanding SL/TP children for entryID,
// called before submitting an exit order (spec §4.8).
func (e *Engine) CancelProtectiveOrders(ctx context.Context, entryID string) {
	for _, suffix := range []string{slSuffix, tpSuffix} {
		key := logicalKey(entryID, suffix)
		e.mu.Lock()
		live, open := e.protective[key]
		delete(e.protective, key)
		e.mu.Unlock()
		if !open {
			continue
		}
		if _, err := e.brk.CancelOrder(ctx, live.brokerOrderID); err != nil {
			e.logger.Error("failed to cancel protective order on exit", "order_id", live.orderID, "error", err)
			continue
		}
		if child := e.sm.GetOrder(live.orderID); child != nil && child.IsActive() {
			_ = e.sm.Transition(live.orderID, child.State, model.StateCancelled, orderstate.TransitionInput{Now: e.clock.Now()})
		}
	}
}

// onFillEvent is the registered handler that keeps the position store in
// sync with fills (spec §4.8 step 6).
func (e *Engine) onFillEvent(ev model.TransactionEvent) {
	symbol, _ := ev.Payload["symbol"].(string)
	sideStr, _ := ev.Payload["side"].(string)
	qtyStr, _ := ev.Payload["filled_qty"].(string)
	priceStr, _ := ev.Payload["fill_price"].(string)
	strategy, _ := ev.Payload["strategy"].(string)
	if symbol == "" || qtyStr == "" {
		return
	}
	qty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return
	}
	price, _ := decimal.NewFromString(priceStr)

	ctx := context.Background()
	existing, err := e.store.Get(ctx, symbol)
	if err != nil {
		e.logger.Error("position lookup failed while applying fill", "symbol", symbol, "error", err)
		return
	}

	signedQty := qty
	if sideStr == string(model.SideShort) {
		signedQty = qty.Neg()
	}

	var pos model.Position
	if existing == nil {
		pos = model.Position{
			Symbol: symbol, Quantity: signedQty, EntryPrice: price,
			EntryTime: e.clock.Now(), Strategy: strategy, OrderID: ev.InternalOrderID,
		}
	} else {
		newQty := existing.Quantity.Add(signedQty)
		if newQty.IsZero() {
			if delErr := e.store.Delete(ctx, symbol); delErr != nil {
				e.logger.Error("failed to clear closed position", "symbol", symbol, "error", delErr)
			}
			return
		}
		pos = *existing
		pos.Quantity = newQty
	}

	if err := e.store.Upsert(ctx, pos); err != nil {
		e.logger.Error("failed to upsert position on fill", "symbol", symbol, "error", err)
	}
}
