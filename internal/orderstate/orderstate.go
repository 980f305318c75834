// Package orderstate implements the OrderStateMachine (spec §4.5), the
// exclusive owner of in-memory Order records. Grounded on
// original_source/core/state/order.py's transition rules and the teacher's
// mutex-guarded registries (internal/engine pattern of "one lock covers
// validate+mutate+side-effect").
package orderstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execcore/internal/core"
	"execcore/internal/eventbus"
	"execcore/internal/model"
	"execcore/internal/txlog"
	"execcore/pkg/apperrors"
)

// Payload keys shared with ExecutionEngine's ORDER_SUBMIT event, which is the
// only record capable of reconstructing an order that existed purely in
// memory before restart (spec §4.8 step 4, §4.5 "restore_pending_orders").
const (
	PayloadSymbol     = "symbol"
	PayloadQuantity   = "quantity"
	PayloadSide       = "side"
	PayloadOrderType  = "order_type"
	PayloadStrategy   = "strategy"
	PayloadCreatedAt  = "created_at"

	payloadState           = "state"
	payloadBrokerOrderID   = "broker_order_id"
	payloadFilledQty       = "filled_qty"
	payloadFilledPrice     = "filled_price"
	payloadRemainingQty    = "remaining_qty"
	payloadCommission      = "commission"
	payloadRejectionReason = "rejection_reason"
	payloadSubmittedAt     = "submitted_at"
	payloadFilledAt        = "filled_at"
	payloadCancelledAt     = "cancelled_at"
)

var legalTransitions = map[model.OrderState]map[model.OrderState]bool{
	model.StatePending: {
		model.StateSubmitted: true,
		model.StateRejected:  true,
	},
	model.StateSubmitted: {
		model.StatePartiallyFilled: true,
		model.StateFilled:          true,
		model.StateCancelled:       true,
		model.StateRejected:        true,
		model.StateExpired:         true,
	},
	model.StatePartiallyFilled: {
		model.StateFilled:    true,
		model.StateCancelled: true,
	},
}

func stateEventType(s model.OrderState) model.EventType {
	switch s {
	case model.StateFilled:
		return model.EventOrderFilled
	case model.StatePartiallyFilled:
		return model.EventOrderPartialFill
	case model.StateCancelled:
		return model.EventOrderCancelled
	case model.StateRejected:
		return model.EventOrderRejected
	default:
		return model.EventOrderStateChanged
	}
}

// TransitionInput carries the fields a transition may need to record.
// Which fields are required depends on the destination state.
type TransitionInput struct {
	BrokerOrderID   string
	FilledQty       *decimal.Decimal
	FilledPrice     *decimal.Decimal
	RejectionReason string
	Now             time.Time
}

// Machine is the concurrent order registry (spec §4.5).
type Machine struct {
	logger core.ILogger
	log    *txlog.TransactionLog
	bus    *eventbus.Bus

	mu     sync.Mutex
	orders map[string]*model.Order
}

// New constructs an empty Machine. Call RestorePendingOrders after Open-ing
// the transaction log to re-hydrate in-flight orders from a prior run.
func New(log *txlog.TransactionLog, bus *eventbus.Bus, logger core.ILogger) *Machine {
	return &Machine{
		logger: logger.WithField("component", "order_state_machine"),
		log:    log,
		bus:    bus,
		orders: make(map[string]*model.Order),
	}
}

// CreateOrder inserts a new PENDING order. Fails if order_id already exists
// (spec §4.5). This does not touch the transaction log: a PENDING order that
// never reaches ExecutionEngine.Submit is not worth recovering (spec §4.8's
// ORDER_SUBMIT event is the first durable record of an order's existence).
func (m *Machine) CreateOrder(order *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[order.OrderID]; exists {
		return fmt.Errorf("%w: order_id=%s", apperrors.ErrOrderExists, order.OrderID)
	}
	m.orders[order.OrderID] = order
	return nil
}

// Transition validates and applies (from_state -> to_state) for order_id
// under a single lock covering validate, mutate, journal, and bus-emit, so
// all four succeed or none do (spec §4.5, §5).
func (m *Machine) Transition(orderID string, from, to model.OrderState, input TransitionInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order_id=%s", apperrors.ErrOrderNotFound, orderID)
	}
	if order.State != from {
		return fmt.Errorf("%w: order_id=%s recorded_state=%s expected_from=%s", apperrors.ErrInvalidTransition, orderID, order.State, from)
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: order_id=%s state=%s", apperrors.ErrTerminalState, orderID, from)
	}
	if !legalTransitions[from][to] {
		return fmt.Errorf("%w: order_id=%s %s->%s", apperrors.ErrInvalidTransition, orderID, from, to)
	}
	if to == model.StateSubmitted && input.BrokerOrderID == "" {
		return fmt.Errorf("%w: order_id=%s", apperrors.ErrBrokerConfirmationRequired, orderID)
	}
	if (to == model.StateFilled || to == model.StatePartiallyFilled) && input.FilledQty == nil {
		return fmt.Errorf("%w: order_id=%s requires filled_qty for %s", apperrors.ErrInvalidTransition, orderID, to)
	}

	updated := *order
	m.applyMutation(&updated, to, input)

	event := model.TransactionEvent{
		EventType:       stateEventType(to),
		InternalOrderID: orderID,
		TradeID:         updated.TradeID,
		BrokerOrderID:   updated.BrokerOrderID,
		LoggedAt:        input.Now,
		Payload:         orderSnapshotPayload(&updated),
	}
	if m.log != nil {
		if err := m.log.Append(event); err != nil {
			return fmt.Errorf("journal transition %s->%s for %s: %w", from, to, orderID, err)
		}
	}
	*order = updated
	if m.bus != nil {
		m.bus.Emit(model.TransactionEvent{
			EventType:       model.EventOrderStateChanged,
			InternalOrderID: orderID,
			TradeID:         order.TradeID,
			BrokerOrderID:   order.BrokerOrderID,
			LoggedAt:        input.Now,
			Payload:         orderSnapshotPayload(order),
		})
	}
	return nil
}

func (m *Machine) applyMutation(order *model.Order, to model.OrderState, input TransitionInput) {
	order.State = to
	if input.BrokerOrderID != "" {
		order.BrokerOrderID = input.BrokerOrderID
	}
	if input.FilledQty != nil {
		order.FilledQty = order.FilledQty.Add(*input.FilledQty)
		order.RemainingQty = order.Quantity.Sub(order.FilledQty)
	}
	if input.FilledPrice != nil {
		order.FilledPrice = input.FilledPrice
	}
	if input.RejectionReason != "" {
		order.RejectionReason = input.RejectionReason
	}
	now := input.Now
	switch to {
	case model.StateSubmitted:
		order.SubmittedAt = &now
	case model.StateFilled:
		order.FilledAt = &now
	case model.StateCancelled:
		order.CancelledAt = &now
	}
}

// GetOrder returns a snapshot copy of the order, or nil if unknown.
func (m *Machine) GetOrder(orderID string) *model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil
	}
	cp := *order
	return &cp
}

// GetAllOrders returns a snapshot of every tracked order.
func (m *Machine) GetAllOrders() []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out
}

// GetPendingOrders returns orders whose state is PENDING, SUBMITTED, or
// PARTIALLY_FILLED (spec §4.5).
func (m *Machine) GetPendingOrders() []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Order
	for _, o := range m.orders {
		if o.IsActive() {
			out = append(out, *o)
		}
	}
	return out
}

// RestorePendingOrders replays log, reconstructing each order's last known
// state from its ORDER_SUBMIT creation record and subsequent transition
// events, then inserts only non-terminal orders into memory. Idempotent:
// orders already tracked in memory are left untouched (spec §4.5 P6).
func (m *Machine) RestorePendingOrders(log *txlog.TransactionLog) (int, error) {
	rebuilt := make(map[string]*model.Order)

	_, err := log.Replay(func(e model.TransactionEvent) error {
		if !e.EventType.IsOrderEvent() || e.InternalOrderID == "" {
			return nil
		}
		if e.EventType == model.EventOrderSubmit {
			order := orderFromSubmitPayload(e)
			rebuilt[e.InternalOrderID] = order
			return nil
		}
		if order, ok := rebuilt[e.InternalOrderID]; ok {
			applySnapshotPayload(order, e.Payload)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("restore pending orders: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for id, order := range rebuilt {
		if order.State.IsTerminal() {
			continue
		}
		if _, alreadyTracked := m.orders[id]; alreadyTracked {
			continue
		}
		m.orders[id] = order
		restored++
	}
	return restored, nil
}

func orderFromSubmitPayload(e model.TransactionEvent) *model.Order {
	p := e.Payload
	qty, _ := decimal.NewFromString(asString(p[PayloadQuantity]))
	order := model.NewOrder(
		e.InternalOrderID,
		asString(p[PayloadSymbol]),
		qty,
		model.Side(asString(p[PayloadSide])),
		model.OrderType(asString(p[PayloadOrderType])),
		asString(p[PayloadStrategy]),
		e.TradeID,
		e.LoggedAt,
	)
	order.State = model.StateSubmitted
	return order
}

// orderSnapshotPayload serializes the fields needed to fully reconstruct an
// order's state from a single event (spec §4.5 "reconstructs each order's
// last known state").
func orderSnapshotPayload(order *model.Order) map[string]any {
	p := map[string]any{
		payloadState: string(order.State),
	}
	if order.BrokerOrderID != "" {
		p[payloadBrokerOrderID] = order.BrokerOrderID
	}
	p[payloadFilledQty] = order.FilledQty.String()
	p[payloadRemainingQty] = order.RemainingQty.String()
	p[payloadCommission] = order.Commission.String()
	if order.FilledPrice != nil {
		p[payloadFilledPrice] = order.FilledPrice.String()
	}
	if order.RejectionReason != "" {
		p[payloadRejectionReason] = order.RejectionReason
	}
	if order.SubmittedAt != nil {
		p[payloadSubmittedAt] = order.SubmittedAt.Format(time.RFC3339Nano)
	}
	if order.FilledAt != nil {
		p[payloadFilledAt] = order.FilledAt.Format(time.RFC3339Nano)
	}
	if order.CancelledAt != nil {
		p[payloadCancelledAt] = order.CancelledAt.Format(time.RFC3339Nano)
	}
	return p
}

func applySnapshotPayload(order *model.Order, p map[string]any) {
	if s, ok := p[payloadState]; ok {
		order.State = model.OrderState(asString(s))
	}
	if v, ok := p[payloadBrokerOrderID]; ok {
		order.BrokerOrderID = asString(v)
	}
	if v, ok := p[payloadFilledQty]; ok {
		if d, err := decimal.NewFromString(asString(v)); err == nil {
			order.FilledQty = d
		}
	}
	if v, ok := p[payloadRemainingQty]; ok {
		if d, err := decimal.NewFromString(asString(v)); err == nil {
			order.RemainingQty = d
		}
	}
	if v, ok := p[payloadFilledPrice]; ok {
		if d, err := decimal.NewFromString(asString(v)); err == nil {
			order.FilledPrice = &d
		}
	}
	if v, ok := p[payloadRejectionReason]; ok {
		order.RejectionReason = asString(v)
	}
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
