package journal

import (
	"execcore/internal/core"
	"execcore/internal/eventbus"
	"execcore/internal/model"
	"execcore/internal/orderstate"
)

// relevantEventTypes are the TransactionEvent kinds worth mirroring into the
// trade-auditable journal (spec §6.1's trade-focused, as opposed to
// system-wide, stream).
var relevantEventTypes = []model.EventType{
	model.EventOrderSubmit,
	model.EventOrderSubmitFailed,
	model.EventOrderFilled,
	model.EventOrderPartialFill,
	model.EventOrderCancelled,
	model.EventOrderRejected,
	model.EventSkip,
}

// Sink mirrors TransactionLog-shaped events emitted on the EventBus into the
// TradeJournal, so no component holds a direct TradeJournal reference (spec
// §6.1 / SPEC_FULL.md supplemented features). Of the subscribed types, only
// ORDER_FILLED and ORDER_PARTIALLY_FILLED are emitted on the bus (by
// ExecutionEngine.applyFill); OrderStateMachine emits only the generic
// EventOrderStateChanged, which is not subscribed, and submissions, submit
// failures, cancels, rejects and skips are appended to the TransactionLog
// only, so they do not reach the journal. Grounded on original_source/core/journal/trade_journal.py's
// build_trade_event field shape.
type Sink struct {
	journal *TradeJournal
	logger  core.ILogger
}

// NewSink constructs a Sink writing into journal.
func NewSink(j *TradeJournal, logger core.ILogger) *Sink {
	return &Sink{journal: j, logger: logger.WithField("component", "trade_journal_sink")}
}

// Subscribe registers the sink's handler for every relevant event type on bus.
func (s *Sink) Subscribe(bus *eventbus.Bus) {
	for _, et := range relevantEventTypes {
		bus.Subscribe(et, s.handle)
	}
}

func (s *Sink) handle(event model.TransactionEvent) {
	if event.TradeID == "" || event.InternalOrderID == "" {
		// Not every system event carries trade correlation (e.g. a
		// reconciliation discrepancy); the trade journal only wants
		// trade-correlated events per its own validation rule.
		return
	}

	je := Event{
		EventType:       string(event.EventType),
		RunID:           event.RunID,
		TradeID:         event.TradeID,
		InternalOrderID: event.InternalOrderID,
		BrokerOrderID:   event.BrokerOrderID,
	}
	if v, ok := event.Payload[orderstate.PayloadSymbol].(string); ok {
		je.Symbol = v
	}
	if v, ok := event.Payload[orderstate.PayloadSide].(string); ok {
		je.Side = v
	}
	if v, ok := event.Payload[orderstate.PayloadQuantity].(string); ok {
		je.Qty = v
	}
	if v, ok := event.Payload[orderstate.PayloadOrderType].(string); ok {
		je.OrderType = v
	}
	if v, ok := event.Payload[orderstate.PayloadStrategy].(string); ok {
		je.Strategy = v
	}
	if v, ok := event.Payload["reason"].(map[string]any); ok {
		je.Reason = v
	} else if v, ok := event.Payload["reason"].(string); ok {
		je.Reason = map[string]any{"detail": v}
	}

	if err := s.journal.Emit(je); err != nil {
		s.logger.Error("failed to mirror event into trade journal", "event_type", event.EventType, "error", err)
	}
}
