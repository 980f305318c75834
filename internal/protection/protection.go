// Package protection implements the ProtectionStack (spec §4.10): a
// pipeline of independent pre-trade checks evaluated in a fixed order,
// each returning plain allow/reject data that is journaled on rejection.
// Grounded on original_source/core/risk/protections/*.py (Freqtrade-style
// protection manager pattern), generalized from a list-of-classes
// structure into explicit Go structs satisfying one Protection interface.
package protection

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execcore/internal/clock"
	"execcore/internal/core"
	"execcore/internal/model"
	"execcore/internal/txlog"
)

// Decision is the plain-data result every protection (and the stack as a
// whole) returns.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func reject(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// CompletedTrade is the minimal trade-outcome record the loss-streak and
// drawdown protections need; app.Core builds these from closed positions
// (onPositionClose).
type CompletedTrade struct {
	Symbol      string
	ClosedAt    time.Time
	ProfitUSD   decimal.Decimal
}

// Protection is one independent pre-trade gate.
type Protection interface {
	Name() string
	Check(symbol string, now time.Time, trades []CompletedTrade) Decision
}

// DailyLossLimit rejects once intraday drawdown in USD reaches the limit;
// resets at the start of a new UTC day.
type DailyLossLimit struct {
	LimitUSD decimal.Decimal

	day      time.Time
	realized decimal.Decimal
}

func NewDailyLossLimit(limitUSD decimal.Decimal) *DailyLossLimit {
	return &DailyLossLimit{LimitUSD: limitUSD}
}

func (p *DailyLossLimit) Name() string { return "daily_loss_limit" }

// RecordTrade feeds a closed trade's P&L into today's running total.
func (p *DailyLossLimit) RecordTrade(now time.Time, profitUSD decimal.Decimal) {
	p.rollDay(now)
	p.realized = p.realized.Add(profitUSD)
}

func (p *DailyLossLimit) rollDay(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(p.day) {
		p.day = day
		p.realized = decimal.Zero
	}
}

func (p *DailyLossLimit) Check(_ string, now time.Time, _ []CompletedTrade) Decision {
	p.rollDay(now)
	if p.realized.Neg().GreaterThanOrEqual(p.LimitUSD) {
		return reject(fmt.Sprintf("daily loss %s reached limit %s", p.realized.Neg(), p.LimitUSD))
	}
	return allow()
}

// MaxDrawdownProtection rejects when cumulative P&L drawdown over a
// lookback window exceeds a threshold, then imposes a cooldown.
type MaxDrawdownProtection struct {
	MaxDrawdownPct decimal.Decimal
	Lookback       time.Duration
	Cooldown       time.Duration

	blockedUntil time.Time
}

func NewMaxDrawdownProtection(maxDrawdownPct decimal.Decimal, lookback, cooldown time.Duration) *MaxDrawdownProtection {
	return &MaxDrawdownProtection{MaxDrawdownPct: maxDrawdownPct, Lookback: lookback, Cooldown: cooldown}
}

func (p *MaxDrawdownProtection) Name() string { return "max_drawdown" }

func (p *MaxDrawdownProtection) Check(_ string, now time.Time, trades []CompletedTrade) Decision {
	if !p.blockedUntil.IsZero() && now.Before(p.blockedUntil) {
		return reject(fmt.Sprintf("max drawdown cooldown active until %s", p.blockedUntil.Format(time.RFC3339)))
	}

	cutoff := now.Add(-p.Lookback)
	peak, trough, running := decimal.Zero, decimal.Zero, decimal.Zero
	for _, t := range trades {
		if t.ClosedAt.Before(cutoff) {
			continue
		}
		running = running.Add(t.ProfitUSD)
		if running.GreaterThan(peak) {
			peak = running
		}
		if drop := peak.Sub(running); drop.GreaterThan(trough) {
			trough = drop
		}
	}
	if peak.IsZero() {
		return allow()
	}
	drawdownPct := trough.Div(peak)
	if drawdownPct.GreaterThanOrEqual(p.MaxDrawdownPct) {
		p.blockedUntil = now.Add(p.Cooldown)
		return reject(fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", drawdownPct.Mul(decimal.NewFromInt(100)).InexactFloat64(), p.MaxDrawdownPct.Mul(decimal.NewFromInt(100)).InexactFloat64()))
	}
	return allow()
}

// StoplossGuard rejects per-symbol when the last N completed trades were
// losers within a lookback window; a streak-breaking win resets the count.
type StoplossGuard struct {
	MaxLosses int
	Lookback  time.Duration
}

func NewStoplossGuard(maxLosses int, lookback time.Duration) *StoplossGuard {
	return &StoplossGuard{MaxLosses: maxLosses, Lookback: lookback}
}

func (p *StoplossGuard) Name() string { return "stoploss_guard" }

func (p *StoplossGuard) Check(symbol string, now time.Time, trades []CompletedTrade) Decision {
	cutoff := now.Add(-p.Lookback)
	var symbolTrades []CompletedTrade
	for _, t := range trades {
		if t.Symbol == symbol {
			symbolTrades = append(symbolTrades, t)
		}
	}
	sortByClosedAtDesc(symbolTrades)

	consecutive := 0
	for _, t := range symbolTrades {
		if t.ClosedAt.Before(cutoff) {
			break
		}
		if t.ProfitUSD.IsNegative() {
			consecutive++
			continue
		}
		break
	}
	if consecutive >= p.MaxLosses {
		return reject(fmt.Sprintf("%d consecutive losses on %s", consecutive, symbol))
	}
	return allow()
}

func sortByClosedAtDesc(trades []CompletedTrade) {
	for i := 1; i < len(trades); i++ {
		for j := i; j > 0 && trades[j].ClosedAt.After(trades[j-1].ClosedAt); j-- {
			trades[j], trades[j-1] = trades[j-1], trades[j]
		}
	}
}

// CooldownPeriod globally pauses trading for a fixed duration after any
// single trade loses more than a threshold.
type CooldownPeriod struct {
	LossThreshold decimal.Decimal
	Cooldown      time.Duration

	blockedUntil time.Time
}

func NewCooldownPeriod(lossThreshold decimal.Decimal, cooldown time.Duration) *CooldownPeriod {
	return &CooldownPeriod{LossThreshold: lossThreshold, Cooldown: cooldown}
}

func (p *CooldownPeriod) Name() string { return "cooldown_period" }

// RecordTrade starts a cooldown if profitUSD breaches -LossThreshold.
func (p *CooldownPeriod) RecordTrade(now time.Time, profitUSD decimal.Decimal) {
	if profitUSD.Neg().GreaterThanOrEqual(p.LossThreshold) {
		p.blockedUntil = now.Add(p.Cooldown)
	}
}

func (p *CooldownPeriod) Check(_ string, now time.Time, _ []CompletedTrade) Decision {
	if !p.blockedUntil.IsZero() && now.Before(p.blockedUntil) {
		return reject(fmt.Sprintf("global cooldown active until %s", p.blockedUntil.Format(time.RFC3339)))
	}
	return allow()
}

// TimeWindowProtection rejects signals outside a configured local trading
// window.
type TimeWindowProtection struct {
	clock          clock.Clock
	start, end     time.Time
	loc            *time.Location
}

func NewTimeWindowProtection(c clock.Clock, start, end time.Time, loc *time.Location) *TimeWindowProtection {
	return &TimeWindowProtection{clock: c, start: start, end: end, loc: loc}
}

func (p *TimeWindowProtection) Name() string { return "time_window" }

func (p *TimeWindowProtection) Check(_ string, _ time.Time, _ []CompletedTrade) Decision {
	if !p.clock.IsMarketHours(p.start, p.end, p.loc) {
		return reject("outside configured trading window")
	}
	return allow()
}

// VolatilityHalt rejects when the rolling standard deviation of recent
// returns exceeds a ceiling. It keeps its own rolling per-symbol price
// window, fed by RecordPrice; Stack.RecordPrice forwards every incoming
// signal's reference price to it ahead of Evaluate, so Check always has
// real returns data in scope instead of being a structural no-op.
type VolatilityHalt struct {
	Ceiling decimal.Decimal
	window  int

	mu     sync.Mutex
	prices map[string][]decimal.Decimal
}

func NewVolatilityHalt(ceiling decimal.Decimal) *VolatilityHalt {
	return &VolatilityHalt{Ceiling: ceiling, window: 20, prices: make(map[string][]decimal.Decimal)}
}

func (p *VolatilityHalt) Name() string { return "volatility_halt" }

// RecordPrice appends symbol's latest reference price to its rolling
// window, trimming to the configured window once full.
func (p *VolatilityHalt) RecordPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hist := append(p.prices[symbol], price)
	if len(hist) > p.window+1 {
		hist = hist[len(hist)-(p.window+1):]
	}
	p.prices[symbol] = hist
}

// returnsFor computes fractional returns from symbol's recorded price
// history.
func (p *VolatilityHalt) returnsFor(symbol string) []float64 {
	p.mu.Lock()
	hist := append([]decimal.Decimal(nil), p.prices[symbol]...)
	p.mu.Unlock()

	if len(hist) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(hist)-1)
	for i := 1; i < len(hist); i++ {
		if hist[i-1].IsZero() {
			continue
		}
		r, _ := hist[i].Sub(hist[i-1]).Div(hist[i-1]).Float64()
		returns = append(returns, r)
	}
	return returns
}

// CheckReturns evaluates a rolling standard deviation of recent fractional
// returns directly; exposed for tests and reused by Check against the
// recorded price window.
func (p *VolatilityHalt) CheckReturns(returns []float64) Decision {
	if len(returns) < 2 {
		return allow()
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))
	stddev := math.Sqrt(variance)

	if decimal.NewFromFloat(stddev).GreaterThanOrEqual(p.Ceiling) {
		return reject(fmt.Sprintf("rolling volatility %.4f exceeds ceiling %s", stddev, p.Ceiling))
	}
	return allow()
}

func (p *VolatilityHalt) Check(symbol string, _ time.Time, _ []CompletedTrade) Decision {
	return p.CheckReturns(p.returnsFor(symbol))
}

// Stack evaluates every configured Protection in order, stopping at the
// first rejection (spec §4.10 step 3).
type Stack struct {
	protections []Protection
	log         *txlog.TransactionLog
	clock       clock.Clock
	logger      core.ILogger
}

// New constructs a Stack over protections, evaluated in the given order.
func New(protections []Protection, log *txlog.TransactionLog, c clock.Clock, logger core.ILogger) *Stack {
	return &Stack{protections: protections, log: log, clock: c, logger: logger.WithField("component", "protection_stack")}
}

// priceRecorder is implemented by protections that need a rolling reference
// price history fed in before Check can do real work (currently only
// VolatilityHalt).
type priceRecorder interface {
	RecordPrice(symbol string, price decimal.Decimal)
}

// RecordPrice forwards symbol's latest reference price to every protection
// in the stack that wants one. Callers feed this once per incoming signal,
// ahead of Evaluate.
func (s *Stack) RecordPrice(symbol string, price decimal.Decimal) {
	for _, p := range s.protections {
		if r, ok := p.(priceRecorder); ok {
			r.RecordPrice(symbol, price)
		}
	}
}

// Evaluate runs every protection for symbol in order, returning the first
// rejection found (or an overall allow). A non-allow decision is journaled
// with tradeID/orderID.
func (s *Stack) Evaluate(symbol, tradeID, orderID string, trades []CompletedTrade) Decision {
	now := s.clock.Now()
	for _, p := range s.protections {
		d := p.Check(symbol, now, trades)
		if !d.Allowed {
			if err := s.log.Append(model.TransactionEvent{
				EventType: model.EventSkip, InternalOrderID: orderID, TradeID: tradeID, LoggedAt: now,
				Payload: map[string]any{"protection": p.Name(), "symbol": symbol, "reason": d.Reason},
			}); err != nil {
				s.logger.Error("failed to journal protection rejection", "protection", p.Name(), "error", err)
			}
			return d
		}
	}
	return allow()
}
