package coordinator

import (
	"fmt"

	"github.com/ksred/klear-exec/internal/types"
	"github.com/shopspring/decimal"
)

var bpsDivisor = decimal.NewFromInt(10000)

// Decide runs the guards in order; the first failing guard decides.
func Decide(sig SignalSnapshot, mkt MarketSnapshot, in GuardInputs) SignalDecision {
	if sig.Empty() {
		return SignalDecision{Action: ActionNoSignal, SkipReason: SkipNoSignal, Symbol: sig.Symbol}
	}

	checks := []func() GuardResult{
		func() GuardResult { return CheckSignal(sig) },
		func() GuardResult { return CheckMarketData(sig, mkt, in) },
		func() GuardResult { return CheckRiskHalt(in) },
		func() GuardResult { return CheckCooldown(in) },
		func() GuardResult { return CheckSingleTrade(in) },
		func() GuardResult { return CheckPositionForSell(sig, in) },
	}
	for _, check := range checks {
		if r := check(); !r.Passed {
			return skip(sig, r)
		}
	}

	qty := CapSellQty(sig, in.HeldQty)
	qty, r := ApplyRiskQty(qty, mkt.Price, in.Policy)
	if !r.Passed {
		return skip(sig, r)
	}

	d := SignalDecision{
		Action:     ActionSubmitMarket,
		SkipReason: SkipNone,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Quantity:   qty,
		Strategy:   sig.Strategy,
		TradeID:    sig.TradeID,
	}
	if sig.OrderType == types.OrderTypeLimit {
		d.Action = ActionSubmitLimit
		d.LimitPrice = LimitPrice(sig, mkt.Price, in.Policy)
		if !d.LimitPrice.Decimal.IsPositive() {
			return skip(sig, fail(SkipMalformedSignal, fmt.Sprintf("derived limit price %s is not positive", d.LimitPrice.Decimal)))
		}
	}
	return d
}

func skip(sig SignalSnapshot, r GuardResult) SignalDecision {
	return SignalDecision{
		Action:     ActionSkip,
		SkipReason: r.Reason,
		Detail:     r.Detail,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Quantity:   sig.Quantity,
		Strategy:   sig.Strategy,
		TradeID:    sig.TradeID,
	}
}

// CheckSignal rejects signals whose fields contradict each other.
func CheckSignal(sig SignalSnapshot) GuardResult {
	switch {
	case sig.Symbol == "":
		return fail(SkipMalformedSignal, "symbol is empty")
	case !sig.Side.Valid():
		return fail(SkipMalformedSignal, fmt.Sprintf("unknown side %q", sig.Side))
	case !sig.Quantity.IsPositive():
		return fail(SkipMalformedSignal, fmt.Sprintf("quantity %s is not positive", sig.Quantity))
	case sig.OrderType != "" && !sig.OrderType.Valid():
		return fail(SkipMalformedSignal, fmt.Sprintf("unknown order type %q", sig.OrderType))
	case sig.OrderType != types.OrderTypeLimit && sig.LimitPrice.Valid:
		return fail(SkipMalformedSignal, "limit price on a market signal")
	case sig.LimitPrice.Valid && !sig.LimitPrice.Decimal.IsPositive():
		return fail(SkipMalformedSignal, "limit price is not positive")
	}
	return pass()
}

// CheckMarketData refuses bars that are still forming, older than the
// staleness window, or for a different symbol.
func CheckMarketData(sig SignalSnapshot, mkt MarketSnapshot, in GuardInputs) GuardResult {
	if mkt.Symbol != sig.Symbol {
		return fail(SkipMalformedSignal, fmt.Sprintf("market data for %q, signal for %q", mkt.Symbol, sig.Symbol))
	}
	if !mkt.Complete {
		return fail(SkipIncompleteBar, "bar is not closed")
	}
	if !mkt.Price.IsPositive() || mkt.Timestamp.IsZero() {
		return fail(SkipStaleData, "no usable price")
	}
	if in.Policy.MaxStaleness > 0 {
		if age := in.Now.Sub(mkt.Timestamp); age > in.Policy.MaxStaleness {
			return fail(SkipStaleData, fmt.Sprintf("bar is %s old", age))
		}
	}
	return pass()
}

// CheckRiskHalt blocks everything while risk is halted.
func CheckRiskHalt(in GuardInputs) GuardResult {
	if in.RiskHalted {
		return fail(SkipRiskRejected, "trading halted")
	}
	return pass()
}

// CheckCooldown rejects a trade inside the cooldown window of the last one
// for the same symbol.
func CheckCooldown(in GuardInputs) GuardResult {
	if in.Policy.Cooldown <= 0 || in.LastTradeAt.IsZero() {
		return pass()
	}
	if since := in.Now.Sub(in.LastTradeAt); since < in.Policy.Cooldown {
		return fail(SkipCooldownActive, fmt.Sprintf("%s left", in.Policy.Cooldown-since))
	}
	return pass()
}

// CheckSingleTrade enforces one active trade system-wide when configured.
func CheckSingleTrade(in GuardInputs) GuardResult {
	if in.Policy.SingleTrade && in.ActiveTrades > 0 {
		return fail(SkipSingleTradeViolation, fmt.Sprintf("%d trade(s) active", in.ActiveTrades))
	}
	return pass()
}

// CheckPositionForSell refuses a sell with nothing held.
func CheckPositionForSell(sig SignalSnapshot, in GuardInputs) GuardResult {
	if sig.Side == types.SideSell && !in.HeldQty.IsPositive() {
		return fail(SkipNoPositionToSell, fmt.Sprintf("held %s", in.HeldQty))
	}
	return pass()
}

// CapSellQty clamps a sell to the held quantity. Buys pass through.
func CapSellQty(sig SignalSnapshot, held decimal.Decimal) decimal.Decimal {
	if sig.Side != types.SideSell {
		return sig.Quantity
	}
	if held.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(sig.Quantity, held)
}

// ApplyRiskQty scales then caps qty by size and notional, rounds it down to
// the step, and fails when nothing tradeable is left.
func ApplyRiskQty(qty, price decimal.Decimal, p Policy) (decimal.Decimal, GuardResult) {
	if p.QtyScale.IsPositive() {
		qty = qty.Mul(p.QtyScale)
	}
	if p.MaxQty.IsPositive() {
		qty = decimal.Min(qty, p.MaxQty)
	}
	if p.MaxNotional.IsPositive() && price.IsPositive() {
		qty = decimal.Min(qty, p.MaxNotional.Div(price))
	}
	if p.QtyStep.IsPositive() {
		qty = qty.Div(p.QtyStep).Floor().Mul(p.QtyStep)
	}

	if !qty.IsPositive() {
		return decimal.Zero, fail(SkipQtyBelowMinimum, "sized to zero")
	}
	if p.MinQty.IsPositive() && qty.LessThan(p.MinQty) {
		return qty, fail(SkipQtyBelowMinimum, fmt.Sprintf("%s < %s", qty, p.MinQty))
	}
	return qty, pass()
}

// LimitPrice returns the signal's own limit price or one derived from the
// market price and the policy offset.
func LimitPrice(sig SignalSnapshot, market decimal.Decimal, p Policy) decimal.NullDecimal {
	if sig.LimitPrice.Valid {
		return sig.LimitPrice
	}
	offset := decimal.NewFromInt(p.LimitOffsetBps).Div(bpsDivisor)
	factor := decimal.NewFromInt(1).Add(offset)
	if sig.Side == types.SideSell {
		factor = decimal.NewFromInt(1).Sub(offset)
	}
	return decimal.NewNullDecimal(market.Mul(factor).Round(p.PriceDecimals))
}
