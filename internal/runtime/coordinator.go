// Package runtime implements the RuntimeCoordinator (spec §4.11): a pure
// decision function plus independently-testable guard helpers that turn one
// trading signal, a market snapshot, and pre-computed protection/risk
// results into a SignalDecision. No I/O; every input is an immutable
// snapshot and the output is deterministic. Grounded directly on
// original_source/core/runtime/coordinator.py's evaluate_signal and its
// pure helper functions.
package runtime

import (
	"github.com/shopspring/decimal"

	"execcore/internal/model"
)

// Action is what the outer loop does with a SignalDecision.
type Action string

const (
	ActionSubmitMarket Action = "SUBMIT_MARKET"
	ActionSubmitLimit  Action = "SUBMIT_LIMIT"
	ActionSkip         Action = "SKIP"
	ActionNoSignal     Action = "NO_SIGNAL"
)

// SkipReason is the fixed enum of why a signal was skipped (spec §4.11).
type SkipReason string

const (
	SkipNoSignal                SkipReason = "NO_SIGNAL"
	SkipQtyZero                 SkipReason = "QTY_ZERO"
	SkipSingleTradeBlock        SkipReason = "SINGLE_TRADE_BLOCK"
	SkipCooldown                SkipReason = "COOLDOWN"
	SkipProtectionBlock         SkipReason = "PROTECTION_BLOCK"
	SkipRiskBlock                SkipReason = "RISK_BLOCK"
	SkipPositionExists           SkipReason = "POSITION_EXISTS"
	SkipNoPositionToSell         SkipReason = "NO_POSITION_TO_SELL"
	SkipQtyNonpositiveAfterRisk  SkipReason = "QTY_NONPOSITIVE_AFTER_RISK"
	SkipLimitMissingPrice        SkipReason = "LIMIT_MISSING_PRICE"
	SkipMarketDataError          SkipReason = "MARKET_DATA_ERROR"
	SkipValidationError          SkipReason = "VALIDATION_ERROR"
)

// Signal is an immutable snapshot of one strategy-produced trading intent.
type Signal struct {
	TradeID    string
	Strategy   string
	Symbol     string
	Side       model.Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	OrderType  model.OrderType
	LimitPrice *decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	IsExit     bool
}

// MarketSnapshot is the immutable market/account state consulted by one
// decision.
type MarketSnapshot struct {
	Symbol        string
	AccountValue  decimal.Decimal
	BuyingPower   decimal.Decimal
	HasPosition   bool
	PositionQty   decimal.Decimal
	HasOpenOrder  bool
}

// ProtectionResult and RiskResult are the plain-data inputs this package
// consumes from C10; runtime never calls into protection or risk itself.
type ProtectionResult struct {
	Allowed bool
	Reason  string
}

type RiskResult struct {
	Approved    bool
	Reason      string
	ApprovedQty *decimal.Decimal
}

// GuardResult is the outcome of one independently-testable guard helper.
type GuardResult struct {
	Allowed bool
	Reason  SkipReason
	Detail  string
}

func allowedGuard() GuardResult { return GuardResult{Allowed: true} }

// CheckCooldown is a pure cooldown check: no side effects, no clock reads.
// lastActionTS maps a (strategy, symbol, side) bucket key to the unix
// timestamp of its last action.
func CheckCooldown(strategy, symbol string, side model.Side, nowUnix float64, lastActionTS map[string]float64, cooldownSeconds int64) GuardResult {
	if cooldownSeconds <= 0 {
		return allowedGuard()
	}
	key := CooldownBucketKey(strategy, symbol, side)
	last := lastActionTS[key]
	elapsed := nowUnix - last
	if elapsed < float64(cooldownSeconds) {
		return GuardResult{Allowed: false, Reason: SkipCooldown, Detail: "cooldown not yet elapsed"}
	}
	return allowedGuard()
}

// CooldownBucketKey builds the (strategy, symbol, side) bucket key CheckCooldown
// and its callers share.
func CooldownBucketKey(strategy, symbol string, side model.Side) string {
	if strategy == "" {
		strategy = "UNKNOWN"
	}
	return strategy + "|" + symbol + "|" + string(side)
}

// CheckSingleTrade is a pure single-trade-at-a-time guard. Exits always pass.
func CheckSingleTrade(isExit, hasPosition, hasOpenOrder bool) GuardResult {
	if isExit {
		return allowedGuard()
	}
	if hasPosition || hasOpenOrder {
		return GuardResult{Allowed: false, Reason: SkipSingleTradeBlock, Detail: "position or open order already present"}
	}
	return allowedGuard()
}

// CheckPositionForSell verifies a position exists before allowing a SELL/SHORT.
func CheckPositionForSell(side model.Side, positionQty decimal.Decimal) GuardResult {
	if side != model.SideShort {
		return allowedGuard()
	}
	if !positionQty.IsPositive() {
		return GuardResult{Allowed: false, Reason: SkipNoPositionToSell, Detail: "no position held"}
	}
	return allowedGuard()
}

// CapSellQty caps a sell quantity to the held position size.
func CapSellQty(qty, positionQty decimal.Decimal) decimal.Decimal {
	if qty.GreaterThan(positionQty) && positionQty.IsPositive() {
		return positionQty
	}
	return qty
}

// ApplyRiskQty extracts the risk-approved quantity, falling back to the
// original if risk supplied none or the side is not a buy.
func ApplyRiskQty(risk *RiskResult, originalQty decimal.Decimal, side model.Side) decimal.Decimal {
	if side != model.SideLong {
		return originalQty
	}
	if risk != nil && risk.ApprovedQty != nil {
		return *risk.ApprovedQty
	}
	return originalQty
}

// SignalDecision is the pure, deterministic output of EvaluateSignal.
type SignalDecision struct {
	Action          Action
	Signal          *Signal
	SkipReason      SkipReason
	SkipDetail      string
	FinalQty        decimal.Decimal
	FinalSide       model.Side
	InternalOrderID string
}

func skip(signal *Signal, reason SkipReason, detail string) SignalDecision {
	return SignalDecision{Action: ActionSkip, Signal: signal, SkipReason: reason, SkipDetail: detail}
}

// EvaluateSignal is the pure decision function (spec §4.11): every input is
// an immutable snapshot, the result depends only on the inputs, and no step
// performs I/O.
func EvaluateSignal(signal Signal, market MarketSnapshot, cooldownSeconds int64, lastActionTS map[string]float64, nowUnix float64, protection *ProtectionResult, risk *RiskResult) SignalDecision {
	if !signal.Quantity.IsPositive() {
		return skip(&signal, SkipQtyZero, "signal quantity is zero or negative")
	}

	if g := CheckSingleTrade(signal.IsExit, market.HasPosition, market.HasOpenOrder); !g.Allowed {
		return skip(&signal, g.Reason, g.Detail)
	}

	if g := CheckCooldown(signal.Strategy, signal.Symbol, signal.Side, nowUnix, lastActionTS, cooldownSeconds); !g.Allowed {
		return skip(&signal, g.Reason, g.Detail)
	}

	if protection != nil && !protection.Allowed {
		return skip(&signal, SkipProtectionBlock, protection.Reason)
	}

	if risk != nil && !risk.Approved {
		return skip(&signal, SkipRiskBlock, risk.Reason)
	}

	qty := ApplyRiskQty(risk, signal.Quantity, signal.Side)

	if signal.Side == model.SideShort {
		if g := CheckPositionForSell(signal.Side, market.PositionQty); !g.Allowed {
			return skip(&signal, g.Reason, g.Detail)
		}
		qty = CapSellQty(qty, market.PositionQty)
	}

	if signal.Side == model.SideLong && market.HasPosition && market.PositionQty.IsPositive() {
		return skip(&signal, SkipPositionExists, "position already open for this symbol")
	}

	if !qty.IsPositive() {
		return skip(&signal, SkipQtyNonpositiveAfterRisk, "quantity reduced to zero or below after risk adjustment")
	}

	if signal.OrderType == model.OrderTypeLimit && signal.LimitPrice == nil {
		return skip(&signal, SkipLimitMissingPrice, "limit order requires a limit price")
	}

	action := ActionSubmitMarket
	if signal.OrderType == model.OrderTypeLimit {
		action = ActionSubmitLimit
	}

	return SignalDecision{Action: action, Signal: &signal, FinalQty: qty, FinalSide: signal.Side}
}
