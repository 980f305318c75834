// Command execcore runs the automated trading execution core: it owns no
// strategy logic of its own, only the durable plumbing between a signal
// source (spec §6.2, out of scope here) and a broker. Flag handling mirrors
// the teacher's cmd/live_server/main.go (-config/-version), generalized to
// this process's own background work instead of an HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"execcore/internal/app"
	"execcore/internal/bootstrap"
	"execcore/internal/broker"
	"execcore/internal/clock"
	"execcore/internal/core"
	"execcore/internal/eventbus"
	"execcore/internal/execution"
	"execcore/internal/guard"
	"execcore/internal/ids"
	"execcore/internal/infrastructure/health"
	"execcore/internal/infrastructure/metrics"
	"execcore/internal/journal"
	"execcore/internal/orderstate"
	"execcore/internal/positionstore"
	"execcore/internal/protection"
	"execcore/internal/reconcile"
	"execcore/internal/recovery"
	"execcore/internal/txlog"
	"execcore/pkg/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/execcore.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("execcore version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := bootstrap.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.App.RunID == "" {
		cfg.App.RunID = ids.GetRunID(time.Now().UTC())
	}

	logger, err := bootstrap.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	if err := telemetry.InitMetrics(); err != nil {
		logger.Warn("telemetry init failed, continuing without metrics instrumentation", "error", err)
	}
	metricsHolder := telemetry.GetGlobalMetrics()

	c := selectClock(cfg.App.Mode)
	brk := selectBroker(cfg.App.Mode, logger)

	log, err := txlog.Open(filepath.Join(cfg.App.DataDir, "transactions.log"), c)
	if err != nil {
		logger.Fatal("failed to open transaction log", "error", err)
	}

	store, err := positionstore.Open(filepath.Join(cfg.App.DataDir, "positions.db"))
	if err != nil {
		logger.Fatal("failed to open position store", "error", err)
	}

	bus := eventbus.New(cfg.EventBus.QueueSize, eventbus.BackpressurePolicy(cfg.EventBus.BackpressurePolicy), logger, metricsHolder)
	bus.Start()

	sm := orderstate.New(log, bus, logger)

	engine, err := execution.New(log, bus, sm, brk, store, c, logger)
	if err != nil {
		logger.Fatal("failed to construct execution engine", "error", err)
	}

	tradeJournal, err := journal.Open(cfg.App.DataDir, c)
	if err != nil {
		logger.Fatal("failed to open trade journal", "error", err)
	}
	journal.NewSink(tradeJournal, logger).Subscribe(bus)

	reconciler := reconcile.New(log, c, store, sm, brk, logger)
	periodic := reconcile.NewPeriodic(reconciler, c, time.Duration(cfg.Trading.ReconciliationIntervalSecs)*time.Second, logger)

	persistence, err := recovery.NewStatePersistence(filepath.Join(cfg.App.DataDir, "snapshots"), 5, logger)
	if err != nil {
		logger.Fatal("failed to init state persistence", "error", err)
	}
	recoveryCoord := recovery.New(persistence, log, sm, store, brk, reconciler, logger)

	stack, dailyLoss, globalCooldown := buildProtectionStack(cfg, log, c, logger)
	riskManager := buildRiskManager(cfg)
	singleTradeGuard := guard.New(c)

	healthMonitor := health.NewSubsystemHealthMonitor(logger)
	for _, name := range cfg.Recovery.CriticalSubsystems {
		healthMonitor.Register(name, true, cfg.Recovery.FailureThreshold)
	}

	ctx := context.Background()
	result := recoveryCoord.Recover(ctx)
	logger.Info("recovery complete", "status", result.Status, "restored_orders", result.RestoredOrderCount,
		"replayed_events", result.ReplayedEventCount, "discrepancies", len(result.Discrepancies))
	if result.Status == recovery.StatusFailed {
		logger.Fatal("recovery failed, refusing to start", "error", result.Err)
	}
	restoreGuardReservations(singleTradeGuard, sm)

	mode := reconcile.ModePaper
	if cfg.App.Mode == "live" {
		mode = reconcile.ModeLive
	}
	if err := reconcile.ApplyStartupPolicy(mode, result.Discrepancies); err != nil {
		logger.Fatal("startup reconciliation policy violated, refusing to start", "error", err)
	}

	core := app.New(logger, c, cfg, store, sm, brk, engine, periodic, stack, dailyLoss, globalCooldown, riskManager, singleTradeGuard, healthMonitor, metricsHolder)
	core.RegisterHandlers(bus) // must precede RegisterPositionHandlers; see internal/app/core.go
	engine.RegisterPositionHandlers()

	runners := []bootstrap.Runner{
		&pollRunner{core: core, interval: time.Second, logger: logger},
		&reconcileRunner{core: core, logger: logger},
	}
	if cfg.Telemetry.EnableMetrics {
		runners = append(runners, metrics.NewServer(cfg.Telemetry.MetricsPort, logger))
	}

	application := &bootstrap.App{Cfg: cfg, Logger: logger}
	runErr := application.Run(runners...)
	bus.Stop(5 * time.Second)
	_ = log.Close()
	_ = store.Close()
	_ = tradeJournal.Close()

	if runErr != nil || healthMonitor.ShouldHalt() {
		os.Exit(1)
	}
}

// selectClock maps the configured run mode to a Clock implementation: live
// and paper trade against wall-clock time; backtest drives a Simulated
// clock an external replay driver (out of scope here, per the spec's
// historical-data-ingestion non-goal) would advance.
func selectClock(mode string) clock.Clock {
	if mode == "backtest" {
		return clock.NewSimulated(time.Now().UTC())
	}
	return clock.NewReal()
}

// selectBroker maps the configured run mode to a Broker. The concrete wire
// protocol for a real venue is an explicit non-goal, so live mode is paired
// with the same simulated PaperBroker as paper mode — the deliberate
// simplification this repo makes instead of fabricating a venue client;
// only backtest gets the zero-feedback NullBroker, since a replay driver
// supplies its own fills.
func selectBroker(mode string, logger core.ILogger) broker.Broker {
	referencePrice := decimal.NewFromInt(100)
	if mode == "backtest" {
		return broker.NewNullBroker(referencePrice)
	}
	return broker.NewPaperBroker(referencePrice, logger)
}

// restoreGuardReservations reconstructs SingleTradeGuard reservations for
// every entry order still pending after recovery (protective SL/TP children
// are excluded; they never held a reservation of their own).
func restoreGuardReservations(g *guard.Guard, sm *orderstate.Machine) {
	reservations := make(map[string]string)
	for _, o := range sm.GetPendingOrders() {
		if strings.Contains(o.OrderID, "::") {
			continue
		}
		reservations[o.Symbol] = o.OrderID
	}
	g.RestoreReservations(reservations)
}

// buildProtectionStack wires ProtectionConfig into the Stack. MaxDrawdown's
// and StoplossGuard's lookback windows and MaxDrawdown's and CooldownPeriod's
// cooldowns have no corresponding config fields (SPEC_FULL.md §6.4's
// enumerated config list does not name them) and use the fixed defaults
// below (24h lookback, 1h cooldown); CooldownPeriod's loss threshold is half
// of daily_loss_limit_usd. No protection is dropped from the stack for lack
// of a config field.
func buildProtectionStack(cfg *bootstrap.Config, log *txlog.TransactionLog, c clock.Clock, logger core.ILogger) (*protection.Stack, *protection.DailyLossLimit, *protection.CooldownPeriod) {
	const (
		defaultLookback = 24 * time.Hour
		defaultCooldown = time.Hour
	)

	dailyLoss := protection.NewDailyLossLimit(decimal.NewFromFloat(cfg.Protection.DailyLossLimitUSD))
	globalCooldown := protection.NewCooldownPeriod(decimal.NewFromFloat(cfg.Protection.DailyLossLimitUSD/2), defaultCooldown)

	protections := []protection.Protection{
		dailyLoss,
		protection.NewMaxDrawdownProtection(decimal.NewFromFloat(cfg.Protection.MaxDrawdownPct), defaultLookback, defaultCooldown),
		protection.NewStoplossGuard(cfg.Protection.StoplossGuardMaxLosses, defaultLookback),
		globalCooldown,
	}
	if start, end, ok := parseTimeWindow(cfg.Protection.TimeWindowStart, cfg.Protection.TimeWindowEnd); ok {
		protections = append(protections, protection.NewTimeWindowProtection(c, start, end, time.Local))
	}
	if cfg.Protection.VolatilityMaxStd > 0 {
		protections = append(protections, protection.NewVolatilityHalt(decimal.NewFromFloat(cfg.Protection.VolatilityMaxStd)))
	}

	return protection.New(protections, log, c, logger), dailyLoss, globalCooldown
}

func buildRiskManager(cfg *bootstrap.Config) *protection.RiskManager {
	return &protection.RiskManager{
		MaxPositionSizeUSD: decimal.NewFromFloat(cfg.Risk.MaxPositionSizeUSD),
		BuyingPowerReserve: decimal.NewFromFloat(cfg.Risk.MinBuyingPowerReserve),
	}
}

// parseTimeWindow parses "HH:MM" local-time bounds into time.Time values
// clock.inWindow can compare by hour/minute; both must be set for the
// protection to be wired in at all.
func parseTimeWindow(start, end string) (time.Time, time.Time, bool) {
	if start == "" || end == "" {
		return time.Time{}, time.Time{}, false
	}
	s, err := time.Parse("15:04", start)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	e, err := time.Parse("15:04", end)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return s, e, true
}
