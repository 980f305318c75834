package orderstate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execcore/internal/clock"
	"execcore/internal/eventbus"
	"execcore/internal/model"
	"execcore/internal/txlog"
	"execcore/pkg/logging"
)

func newHarness(t *testing.T) (*Machine, *txlog.TransactionLog, *eventbus.Bus) {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	c := clock.NewSimulated(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	log, err := txlog.Open(filepath.Join(t.TempDir(), "txn.log"), c)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	bus := eventbus.New(64, eventbus.PolicyBlock, logger, nil)
	bus.Start()
	t.Cleanup(func() { bus.Stop(time.Second) })

	return New(log, bus, logger), log, bus
}

func TestCreateOrder_RejectsDuplicateID(t *testing.T) {
	m, _, _ := newHarness(t)
	order := model.NewOrder("O-1", "SPY", decimal.NewFromInt(10), model.SideLong, model.OrderTypeMarket, "s", "T-1", time.Now())
	require.NoError(t, m.CreateOrder(order))
	err := m.CreateOrder(order)
	require.Error(t, err)
}

func TestTransition_HappyPathSubmitThenFill(t *testing.T) {
	m, _, _ := newHarness(t)
	order := model.NewOrder("O-1", "SPY", decimal.NewFromInt(10), model.SideLong, model.OrderTypeMarket, "s", "T-1", time.Now())
	require.NoError(t, m.CreateOrder(order))

	require.NoError(t, m.Transition("O-1", model.StatePending, model.StateSubmitted, TransitionInput{
		BrokerOrderID: "B-1",
		Now:           time.Now(),
	}))
	assert.Equal(t, model.StateSubmitted, m.GetOrder("O-1").State)

	qty := decimal.NewFromInt(10)
	price := decimal.NewFromFloat(598.50)
	require.NoError(t, m.Transition("O-1", model.StateSubmitted, model.StateFilled, TransitionInput{
		FilledQty:   &qty,
		FilledPrice: &price,
		Now:         time.Now(),
	}))

	got := m.GetOrder("O-1")
	assert.Equal(t, model.StateFilled, got.State)
	assert.True(t, got.FilledQty.Equal(qty))
	assert.True(t, got.RemainingQty.IsZero())
}

func TestTransition_RejectsIllegalPair(t *testing.T) {
	m, _, _ := newHarness(t)
	order := model.NewOrder("O-1", "SPY", decimal.NewFromInt(10), model.SideLong, model.OrderTypeMarket, "s", "T-1", time.Now())
	require.NoError(t, m.CreateOrder(order))

	err := m.Transition("O-1", model.StatePending, model.StateFilled, TransitionInput{Now: time.Now()})
	require.Error(t, err)
}

func TestTransition_RejectsFromTerminalState(t *testing.T) {
	m, _, _ := newHarness(t)
	order := model.NewOrder("O-1", "SPY", decimal.NewFromInt(10), model.SideLong, model.OrderTypeMarket, "s", "T-1", time.Now())
	require.NoError(t, m.CreateOrder(order))
	require.NoError(t, m.Transition("O-1", model.StatePending, model.StateRejected, TransitionInput{
		RejectionReason: "broker error",
		Now:             time.Now(),
	}))

	err := m.Transition("O-1", model.StateRejected, model.StateSubmitted, TransitionInput{
		BrokerOrderID: "B-1",
		Now:           time.Now(),
	})
	require.Error(t, err)
}

func TestTransition_RequiresBrokerConfirmationForSubmit(t *testing.T) {
	m, _, _ := newHarness(t)
	order := model.NewOrder("O-1", "SPY", decimal.NewFromInt(10), model.SideLong, model.OrderTypeMarket, "s", "T-1", time.Now())
	require.NoError(t, m.CreateOrder(order))

	err := m.Transition("O-1", model.StatePending, model.StateSubmitted, TransitionInput{Now: time.Now()})
	require.Error(t, err)
}

func TestGetPendingOrders_OnlyReturnsActiveStates(t *testing.T) {
	m, _, _ := newHarness(t)
	active := model.NewOrder("O-1", "SPY", decimal.NewFromInt(10), model.SideLong, model.OrderTypeMarket, "s", "T-1", time.Now())
	done := model.NewOrder("O-2", "QQQ", decimal.NewFromInt(5), model.SideLong, model.OrderTypeMarket, "s", "T-2", time.Now())
	require.NoError(t, m.CreateOrder(active))
	require.NoError(t, m.CreateOrder(done))
	require.NoError(t, m.Transition("O-2", model.StatePending, model.StateRejected, TransitionInput{RejectionReason: "x", Now: time.Now()}))

	pending := m.GetPendingOrders()
	require.Len(t, pending, 1)
	assert.Equal(t, "O-1", pending[0].OrderID)
}

func TestRestorePendingOrders_IsIdempotentAndSkipsTerminal(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	c := clock.NewSimulated(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "txn.log")
	log, err := txlog.Open(path, c)
	require.NoError(t, err)

	require.NoError(t, log.Append(model.TransactionEvent{
		EventType:       model.EventOrderSubmit,
		InternalOrderID: "O-1",
		TradeID:         "T-1",
		Payload: map[string]any{
			PayloadSymbol:    "SPY",
			PayloadQuantity:  "10",
			PayloadSide:      string(model.SideLong),
			PayloadOrderType: string(model.OrderTypeMarket),
			PayloadStrategy:  "s",
		},
	}))
	require.NoError(t, log.Append(model.TransactionEvent{
		EventType:       model.EventOrderSubmit,
		InternalOrderID: "O-2",
		TradeID:         "T-2",
		Payload: map[string]any{
			PayloadSymbol:    "QQQ",
			PayloadQuantity:  "5",
			PayloadSide:      string(model.SideLong),
			PayloadOrderType: string(model.OrderTypeMarket),
			PayloadStrategy:  "s",
		},
	}))
	require.NoError(t, log.Append(model.TransactionEvent{
		EventType:       model.EventOrderCancelled,
		InternalOrderID: "O-2",
		TradeID:         "T-2",
		Payload:         map[string]any{"state": string(model.StateCancelled)},
	}))
	require.NoError(t, log.Close())

	reopened, err := txlog.Open(path, c)
	require.NoError(t, err)
	defer reopened.Close()

	m := New(reopened, nil, logger)
	n, err := m.RestorePendingOrders(reopened)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotNil(t, m.GetOrder("O-1"))
	assert.Nil(t, m.GetOrder("O-2"), "terminal order must not be restored")

	n2, err := m.RestorePendingOrders(reopened)
	require.NoError(t, err)
	assert.Equal(t, 0, n2, "second restore must be a no-op")
}
