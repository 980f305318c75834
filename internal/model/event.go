package model

import "time"

// EventType enumerates the TransactionEvent kinds the core emits (spec §3.1).
type EventType string

const (
	EventOrderSubmit       EventType = "ORDER_SUBMIT"
	EventOrderSubmitFailed EventType = "ORDER_SUBMIT_FAILED"
	EventOrderFilled       EventType = "ORDER_FILLED"
	EventOrderPartialFill  EventType = "ORDER_PARTIALLY_FILLED"
	EventOrderCancelled    EventType = "ORDER_CANCELLED"
	EventOrderRejected     EventType = "ORDER_REJECTED"
	EventOrderStateChanged EventType = "OrderStateChanged"
	EventPositionClosed    EventType = "POSITION_CLOSED"
	EventRiskBreach        EventType = "RISK_BREACH"
	EventKillSwitch        EventType = "KILL_SWITCH"
	EventSkip              EventType = "SIGNAL_SKIP"
	EventReconciliation    EventType = "RECONCILIATION_DISCREPANCY"
)

// IsOrderEvent reports whether this event type is subject to the ORDER_*
// internal_order_id invariant (spec §3.1).
func (e EventType) IsOrderEvent() bool {
	switch e {
	case EventOrderSubmit, EventOrderSubmitFailed, EventOrderFilled, EventOrderPartialFill,
		EventOrderCancelled, EventOrderRejected, EventOrderStateChanged:
		return true
	default:
		return false
	}
}

// TransactionEvent is one immutable record appended to the TransactionLog
// (spec §3.1). Payload carries event-specific fields as a plain map so the
// log format stays a flat, sorted JSON object (§6.1).
type TransactionEvent struct {
	EventType       EventType      `json:"event_type"`
	InternalOrderID string         `json:"internal_order_id,omitempty"`
	TradeID         string         `json:"trade_id,omitempty"`
	RunID           string         `json:"run_id,omitempty"`
	BrokerOrderID   string         `json:"broker_order_id,omitempty"`
	LoggedAt        time.Time      `json:"logged_at"`
	Payload         map[string]any `json:"payload,omitempty"`
}
