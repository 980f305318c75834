package execution

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execcore/internal/broker"
	"execcore/internal/clock"
	"execcore/internal/core"
	"execcore/internal/eventbus"
	"execcore/internal/model"
	"execcore/internal/orderstate"
	"execcore/internal/positionstore"
	"execcore/internal/txlog"
	"execcore/pkg/apperrors"
	"execcore/pkg/logging"
)

type harness struct {
	engine *Engine
	sm     *orderstate.Machine
	log    *txlog.TransactionLog
	bus    *eventbus.Bus
	store  *positionstore.Store
	brk    *broker.NullBroker
	clock  *clock.Simulated
	logger core.ILogger
}

func newHarness(t *testing.T) *harness {
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

	sm := orderstate.New(log, bus, logger)

	store, err := positionstore.Open(filepath.Join(t.TempDir(), "positions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	brk := broker.NewNullBroker(decimal.NewFromInt(100))

	engine, err := New(log, bus, sm, brk, store, c, logger)
	require.NoError(t, err)
	engine.RegisterPositionHandlers()

	return &harness{engine: engine, sm: sm, log: log, bus: bus, store: store, brk: brk, clock: c, logger: logger}
}

func newMarketOrder(id, symbol string, qty decimal.Decimal, side model.Side, now time.Time) *model.Order {
	return model.NewOrder(id, symbol, qty, side, model.OrderTypeMarket, "momentum", "T-"+id, now)
}

func TestSubmitEntry_HappyPathFillsImmediatelyAgainstNullBroker(t *testing.T) {
	h := newHarness(t)
	order := newMarketOrder("O-1", "SPY", decimal.NewFromInt(10), model.SideLong, h.clock.Now())
	require.NoError(t, h.sm.CreateOrder(order))

	require.NoError(t, h.engine.SubmitEntry(context.Background(), order))

	submitted := h.sm.GetOrder("O-1")
	require.NotNil(t, submitted)
	assert.Equal(t, model.StateSubmitted, submitted.State)
	assert.NotEmpty(t, submitted.BrokerOrderID)
}

func TestSubmitEntry_RejectsDuplicateInternalOrderID(t *testing.T) {
	h := newHarness(t)
	order := newMarketOrder("O-1", "SPY", decimal.NewFromInt(10), model.SideLong, h.clock.Now())
	require.NoError(t, h.sm.CreateOrder(order))
	require.NoError(t, h.engine.SubmitEntry(context.Background(), order))

	dup := newMarketOrder("O-1", "SPY", decimal.NewFromInt(5), model.SideLong, h.clock.Now())
	err := h.engine.SubmitEntry(context.Background(), dup)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateOrder)
}

func TestSubmitEntry_BrokerRejectionTransitionsOrderToRejected(t *testing.T) {
	h := newHarness(t)
	order := newMarketOrder("O-1", "SPY", decimal.NewFromInt(10), model.SideLong, h.clock.Now())
	require.NoError(t, h.sm.CreateOrder(order))

	engine, err := New(h.log, h.bus, h.sm, rejectingBroker{}, h.store, h.clock, h.logger)
	require.NoError(t, err)

	err = engine.SubmitEntry(context.Background(), order)
	require.Error(t, err)

	rejected := h.sm.GetOrder("O-1")
	require.NotNil(t, rejected)
	assert.Equal(t, model.StateRejected, rejected.State)
}

func TestPollOnceAndOnFillEvent_DrivesFillAndUpsertsPosition(t *testing.T) {
	h := newHarness(t)
	order := newMarketOrder("O-1", "SPY", decimal.NewFromInt(10), model.SideLong, h.clock.Now())
	require.NoError(t, h.sm.CreateOrder(order))
	require.NoError(t, h.engine.SubmitEntry(context.Background(), order))

	require.NoError(t, h.engine.PollOnce(context.Background()))

	filled := h.sm.GetOrder("O-1")
	require.NotNil(t, filled)
	assert.Equal(t, model.StateFilled, filled.State)

	require.Eventually(t, func() bool {
		pos, err := h.store.Get(context.Background(), "SPY")
		return err == nil && pos != nil && pos.Quantity.Equal(decimal.NewFromInt(10))
	}, time.Second, 10*time.Millisecond, "fill handler must upsert the position asynchronously off the bus")
}

func TestProtectiveStopTracksPartialFill(t *testing.T) {
	h := newHarness(t)
	entry := newMarketOrder("O-1", "SPY", decimal.NewFromInt(10), model.SideLong, h.clock.Now())
	require.NoError(t, h.sm.CreateOrder(entry))
	require.NoError(t, h.engine.SubmitEntry(context.Background(), entry))
	require.NoError(t, h.engine.PollOnce(context.Background()))

	stop := decimal.NewFromInt(90)
	target := decimal.NewFromInt(110)
	require.NoError(t, h.engine.SubmitProtectiveStops(context.Background(), entry, &stop, &target))

	slBefore := h.sm.GetOrder("O-1::SL")
	require.NotNil(t, slBefore)
	assert.True(t, slBefore.Quantity.Equal(decimal.NewFromInt(10)))
	key := logicalKey("O-1", slSuffix)
	firstGen := h.engine.protective[key]
	require.NotNil(t, firstGen)
	assert.Equal(t, 0, firstGen.generation)

	// Simulate the partial-fill path on O-1: rebalance directly to a
	// remaining quantity of 4, as applyFill would after detecting
	// PARTIALLY_FILLED.
	h.engine.rebalanceProtectiveQuantity(context.Background(), "O-1", "SPY", decimal.NewFromInt(4))

	resized, ok := h.engine.protective[key]
	require.True(t, ok)
	assert.Equal(t, 1, resized.generation)
	assert.NotEqual(t, firstGen.orderID, resized.orderID)

	resizedOrder := h.sm.GetOrder(resized.orderID)
	require.NotNil(t, resizedOrder)
	assert.True(t, resizedOrder.Quantity.Equal(decimal.NewFromInt(4)))

	staleOrder := h.sm.GetOrder(firstGen.orderID)
	require.NotNil(t, staleOrder)
	assert.Equal(t, model.StateCancelled, staleOrder.State)
}

func TestCancelSiblingProtective_FillOfOneLegCancelsTheOther(t *testing.T) {
	h := newHarness(t)
	entry := newMarketOrder("O-1", "SPY", decimal.NewFromInt(10), model.SideLong, h.clock.Now())
	require.NoError(t, h.sm.CreateOrder(entry))
	require.NoError(t, h.engine.SubmitEntry(context.Background(), entry))
	require.NoError(t, h.engine.PollOnce(context.Background()))

	stop := decimal.NewFromInt(90)
	target := decimal.NewFromInt(110)
	require.NoError(t, h.engine.SubmitProtectiveStops(context.Background(), entry, &stop, &target))

	tpOrder := h.sm.GetOrder("O-1::TP")
	require.NotNil(t, tpOrder)

	h.engine.cancelSiblingProtective(context.Background(), "O-1::TP")

	slOrder := h.sm.GetOrder("O-1::SL")
	require.NotNil(t, slOrder)
	assert.Equal(t, model.StateCancelled, slOrder.State)

	_, stillTracked := h.engine.protective[logicalKey("O-1", slSuffix)]
	assert.False(t, stillTracked)
	_, tpStillTracked := h.engine.protective[logicalKey("O-1", tpSuffix)]
	assert.False(t, tpStillTracked)
}

// rejectingBroker always fails SubmitOrder, used to exercise the
// broker-submit-failure path without depending on NullBroker internals.
type rejectingBroker struct{}

func (rejectingBroker) SubmitOrder(context.Context, string, decimal.Decimal, model.Side, model.OrderType, *decimal.Decimal, *decimal.Decimal) (string, error) {
	return "", assert.AnError
}
func (rejectingBroker) CancelOrder(context.Context, string) (bool, error) { return false, nil }
func (rejectingBroker) GetOrderStatus(context.Context, string) (broker.Status, error) {
	return broker.StatusUnknown, nil
}
func (rejectingBroker) GetFillDetails(context.Context, string) (*decimal.Decimal, *decimal.Decimal, error) {
	return nil, nil, nil
}
func (rejectingBroker) GetPositions(context.Context) ([]model.Position, error) { return nil, nil }
func (rejectingBroker) GetOpenOrders(context.Context) ([]broker.OpenOrder, error) { return nil, nil }
func (rejectingBroker) GetAccountInfo(context.Context) (broker.AccountInfo, error) {
	return broker.AccountInfo{}, nil
}

var _ broker.Broker = rejectingBroker{}
