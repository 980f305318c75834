package app

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
	"execcore/internal/config"
	"execcore/internal/core"
	"execcore/internal/eventbus"
	"execcore/internal/execution"
	"execcore/internal/guard"
	"execcore/internal/infrastructure/health"
	"execcore/internal/model"
	"execcore/internal/orderstate"
	"execcore/internal/positionstore"
	"execcore/internal/protection"
	"execcore/internal/reconcile"
	"execcore/internal/runtime"
	"execcore/internal/txlog"
	"execcore/pkg/logging"
)

type harness struct {
	core   *Core
	bus    *eventbus.Bus
	store  *positionstore.Store
	sm     *orderstate.Machine
	clock  *clock.Simulated
	guard  *guard.Guard
	health *health.SubsystemHealthMonitor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	c := clock.NewSimulated(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))

	log, err := txlog.Open(filepath.Join(t.TempDir(), "txn.log"), c)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	store, err := positionstore.Open(filepath.Join(t.TempDir(), "positions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New(64, eventbus.PolicyBlock, logger, nil)
	bus.Start()
	t.Cleanup(func() { bus.Stop(time.Second) })

	sm := orderstate.New(log, bus, logger)
	brk := broker.NewNullBroker(decimal.NewFromInt(100))
	engine, err := execution.New(log, bus, sm, brk, store, c, logger)
	require.NoError(t, err)

	rec := reconcile.New(log, c, store, sm, brk, logger)
	periodic := reconcile.NewPeriodic(rec, c, time.Minute, logger)

	dailyLoss := protection.NewDailyLossLimit(decimal.NewFromInt(500))
	globalCooldown := protection.NewCooldownPeriod(decimal.NewFromInt(1000), time.Hour)
	stack := protection.New([]protection.Protection{dailyLoss, globalCooldown}, log, c, logger)
	risk := &protection.RiskManager{MaxPositionSizeUSD: decimal.NewFromInt(100000)}

	g := guard.New(c)
	hm := health.NewSubsystemHealthMonitor(logger)
	hm.Register("broker_poll", true, 3)
	hm.Register("reconciliation", true, 3)

	cfg := config.DefaultConfig()
	cfg.Trading.CooldownSeconds = 0

	cr := New(logger, c, cfg, store, sm, brk, engine, periodic, stack, dailyLoss, globalCooldown, risk, g, hm, nil)
	cr.RegisterHandlers(bus)
	engine.RegisterPositionHandlers()

	return &harness{core: cr, bus: bus, store: store, sm: sm, clock: c, guard: g, health: hm}
}

func longSignal(symbol string, qty int64) runtime.Signal {
	return runtime.Signal{
		TradeID: "T-" + symbol, Strategy: "momentum", Symbol: symbol,
		Side: model.SideLong, Quantity: decimal.NewFromInt(qty), Price: decimal.NewFromInt(100),
		OrderType: model.OrderTypeMarket,
	}
}

func TestSubmitSignal_MarketBuyFillsAndUpsertsPositionOnPoll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	decision, err := h.core.SubmitSignal(ctx, longSignal("SPY", 10))
	require.NoError(t, err)
	assert.Equal(t, runtime.ActionSubmitMarket, decision.Action)
	assert.True(t, h.guard.IsReserved("SPY"))

	require.NoError(t, h.core.PollBroker(ctx))

	require.Eventually(t, func() bool {
		pos, err := h.store.Get(ctx, "SPY")
		return err == nil && pos != nil && pos.Quantity.Equal(decimal.NewFromInt(10))
	}, time.Second, 10*time.Millisecond)
}

func TestSubmitSignal_SecondEntrySignalBlockedBySingleTradeGuard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.core.SubmitSignal(ctx, longSignal("SPY", 10))
	require.NoError(t, err)

	decision, err := h.core.SubmitSignal(ctx, longSignal("SPY", 5))
	require.NoError(t, err)
	assert.Equal(t, runtime.ActionSkip, decision.Action)
	assert.Equal(t, runtime.SkipSingleTradeBlock, decision.SkipReason)
}

func TestSubmitSignal_ClosingExitReleasesGuardAndRecordsPnL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.core.SubmitSignal(ctx, longSignal("SPY", 10))
	require.NoError(t, err)
	require.NoError(t, h.core.PollBroker(ctx))
	require.Eventually(t, func() bool {
		pos, err := h.store.Get(ctx, "SPY")
		return err == nil && pos != nil
	}, time.Second, 10*time.Millisecond)

	exit := runtime.Signal{
		TradeID: "T-SPY-exit", Strategy: "momentum", Symbol: "SPY",
		Side: model.SideShort, Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(100),
		OrderType: model.OrderTypeMarket, IsExit: true,
	}
	decision, err := h.core.SubmitSignal(ctx, exit)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActionSubmitMarket, decision.Action)
	require.NoError(t, h.core.PollBroker(ctx))

	require.Eventually(t, func() bool {
		return !h.guard.IsReserved("SPY")
	}, time.Second, 10*time.Millisecond, "guard must release once the position fully closes")
}

func TestSubmitSignal_QtyZeroSkipsWithoutTouchingBroker(t *testing.T) {
	h := newHarness(t)
	sig := longSignal("SPY", 0)
	decision, err := h.core.SubmitSignal(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActionSkip, decision.Action)
	assert.Equal(t, runtime.SkipQtyZero, decision.SkipReason)
	assert.False(t, h.guard.IsReserved("SPY"))
}

func TestReconcilePeriodic_CleanRunReportsSuccessToHealthMonitor(t *testing.T) {
	h := newHarness(t)
	result := h.core.ReconcilePeriodic(context.Background())
	assert.True(t, result.Ran)
	assert.Empty(t, result.Discrepancies)
	assert.False(t, h.health.ShouldHalt())
}
