// Package model defines the plain value types shared by every component:
// Order, Position, TransactionEvent, and StateSnapshot (spec §3.1), grounded on
// original_source/core/state/order.py's Order dataclass.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trading intent.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// OrderState is the order lifecycle enumeration (spec §3.1).
type OrderState string

const (
	StatePending          OrderState = "PENDING"
	StateSubmitted        OrderState = "SUBMITTED"
	StatePartiallyFilled  OrderState = "PARTIALLY_FILLED"
	StateFilled           OrderState = "FILLED"
	StateCancelled        OrderState = "CANCELLED"
	StateRejected         OrderState = "REJECTED"
	StateExpired          OrderState = "EXPIRED"
)

// IsTerminal reports whether the state accepts no further mutation (I3).
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired:
		return true
	default:
		return false
	}
}

// Order is the authoritative record of one trading intent (spec §3.1).
type Order struct {
	OrderID         string
	Symbol          string
	Quantity        decimal.Decimal
	Side            Side
	OrderType       OrderType
	EntryPrice      *decimal.Decimal
	StopLoss        *decimal.Decimal
	TakeProfit      *decimal.Decimal
	State           OrderState
	BrokerOrderID   string
	FilledQty       decimal.Decimal
	FilledPrice     *decimal.Decimal
	RemainingQty    decimal.Decimal
	Commission      decimal.Decimal
	CreatedAt       time.Time
	SubmittedAt     *time.Time
	FilledAt        *time.Time
	CancelledAt     *time.Time
	RejectionReason string
	Strategy        string
	TradeID         string
}

// NewOrder constructs a PENDING order with remaining_qty = quantity (I1, I2).
func NewOrder(orderID, symbol string, qty decimal.Decimal, side Side, orderType OrderType, strategy, tradeID string, createdAt time.Time) *Order {
	return &Order{
		OrderID:      orderID,
		Symbol:       symbol,
		Quantity:     qty,
		Side:         side,
		OrderType:    orderType,
		State:        StatePending,
		FilledQty:    decimal.Zero,
		RemainingQty: qty,
		Commission:   decimal.Zero,
		CreatedAt:    createdAt,
		Strategy:     strategy,
		TradeID:      tradeID,
	}
}

// IsFilled reports whether the order reached FILLED.
func (o *Order) IsFilled() bool { return o.State == StateFilled }

// IsPending reports whether the order has not yet been submitted.
func (o *Order) IsPending() bool { return o.State == StatePending }

// IsActive reports whether the order is still live at the broker
// (PENDING, SUBMITTED, or PARTIALLY_FILLED).
func (o *Order) IsActive() bool {
	switch o.State {
	case StatePending, StateSubmitted, StatePartiallyFilled:
		return true
	default:
		return false
	}
}

// FillPercentage returns filled_qty / quantity, or zero for a zero-quantity order.
func (o *Order) FillPercentage() decimal.Decimal {
	if o.Quantity.IsZero() {
		return decimal.Zero
	}
	return o.FilledQty.Div(o.Quantity)
}

// TotalCost returns filled_qty * filled_price, or zero if unfilled.
func (o *Order) TotalCost() decimal.Decimal {
	if o.FilledPrice == nil {
		return decimal.Zero
	}
	return o.FilledQty.Mul(*o.FilledPrice)
}

// Position is a symbol→holding mapping (spec §3.1).
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	EntryTime     time.Time
	Strategy      string
	OrderID       string
	StopLoss      *decimal.Decimal
	TakeProfit    *decimal.Decimal
	CurrentPrice  *decimal.Decimal
	UnrealizedPnL *decimal.Decimal
}

// StateSnapshot captures open positions, in-flight orders, and active
// protective-stop broker ids at one point in time (spec §3.1, §4.12).
type StateSnapshot struct {
	Timestamp             time.Time
	Positions             []Position
	PendingOrders         []Order
	ProtectiveBrokerIDs   map[string]string // internal_order_id -> broker_order_id
	CurrentPositionCount  int
}
