package protection

import (
	"fmt"

	"github.com/shopspring/decimal"

	"execcore/internal/model"
)

// RiskManager validates a candidate order's size against account-level
// limits, per spec §4.10 step 4, and may cap (reduce) the approved
// quantity rather than reject outright. Grounded on
// original_source/core/risk_management/position_sizing.py's exposure and
// concentration checks.
type RiskManager struct {
	MaxPositionSizeUSD   decimal.Decimal
	MaxPortfolioExposure decimal.Decimal // fraction of portfolio value, e.g. 0.5
	BuyingPowerReserve   decimal.Decimal // fraction of buying power to always keep unused
	MaxConcentrationUSD  decimal.Decimal // max USD in any single symbol
}

// RiskDecision extends Decision with an optional capped quantity.
type RiskDecision struct {
	Decision
	ApprovedQty decimal.Decimal
}

// Evaluate checks qty*price against every configured limit, in the fixed
// order named in spec §4.10 step 4, capping qty down to fit rather than
// rejecting when only the position-size/concentration limits are exceeded.
func (r *RiskManager) Evaluate(symbol string, side model.Side, qty, price decimal.Decimal, portfolioValue, buyingPower, existingSymbolExposureUSD decimal.Decimal) RiskDecision {
	notional := qty.Mul(price)

	if r.MaxPositionSizeUSD.IsPositive() && notional.GreaterThan(r.MaxPositionSizeUSD) {
		qty = r.MaxPositionSizeUSD.Div(price)
		notional = qty.Mul(price)
	}

	if r.MaxPortfolioExposure.IsPositive() && portfolioValue.IsPositive() {
		maxExposureUSD := portfolioValue.Mul(r.MaxPortfolioExposure)
		if notional.GreaterThan(maxExposureUSD) {
			qty = maxExposureUSD.Div(price)
			notional = qty.Mul(price)
		}
	}

	if r.BuyingPowerReserve.IsPositive() && buyingPower.IsPositive() {
		usable := buyingPower.Mul(decimal.NewFromInt(1).Sub(r.BuyingPowerReserve))
		if notional.GreaterThan(usable) {
			qty = usable.Div(price)
			notional = qty.Mul(price)
		}
	}

	if r.MaxConcentrationUSD.IsPositive() {
		headroom := r.MaxConcentrationUSD.Sub(existingSymbolExposureUSD)
		if headroom.LessThanOrEqual(decimal.Zero) {
			return RiskDecision{Decision: reject(fmt.Sprintf("symbol concentration limit reached for %s", symbol))}
		}
		if notional.GreaterThan(headroom) {
			qty = headroom.Div(price)
		}
	}

	if !qty.IsPositive() {
		return RiskDecision{Decision: reject("quantity reduced to zero or below by risk limits")}
	}
	return RiskDecision{Decision: allow(), ApprovedQty: qty}
}

// CooldownKey identifies one (strategy, symbol, side) cooldown bucket
// (spec §4.10 step 2).
type CooldownKey struct {
	Strategy string
	Symbol   string
	Side     model.Side
}

// CooldownGate rejects a signal if the time since the bucket's last action
// is below the configured cooldown.
type CooldownGate struct {
	CooldownSeconds int64
	lastAction      map[CooldownKey]int64 // unix seconds
}

// NewCooldownGate constructs a gate with the given per-bucket cooldown.
func NewCooldownGate(cooldownSeconds int64) *CooldownGate {
	return &CooldownGate{CooldownSeconds: cooldownSeconds, lastAction: make(map[CooldownKey]int64)}
}

// Check reports whether key is currently cooling down at nowUnix.
func (g *CooldownGate) Check(key CooldownKey, nowUnix int64) Decision {
	last, ok := g.lastAction[key]
	if !ok {
		return allow()
	}
	elapsed := nowUnix - last
	if elapsed < g.CooldownSeconds {
		return reject(fmt.Sprintf("cooldown active: %ds remaining", g.CooldownSeconds-elapsed))
	}
	return allow()
}

// RecordAction marks key as having just acted, resetting its cooldown clock.
func (g *CooldownGate) RecordAction(key CooldownKey, nowUnix int64) {
	g.lastAction[key] = nowUnix
}
