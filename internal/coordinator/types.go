// Package coordinator turns a strategy signal and a market snapshot into a
// SignalDecision. Everything here is a pure function over its arguments: no
// I/O, no clock reads and no shared state, so guards may run concurrently
// across symbols.
package coordinator

import (
	"time"

	"github.com/ksred/klear-exec/internal/types"
	"github.com/shopspring/decimal"
)

// Action is what the runtime should do with a signal.
type Action string

const (
	ActionSubmitMarket Action = "SUBMIT_MARKET"
	ActionSubmitLimit  Action = "SUBMIT_LIMIT"
	ActionSkip         Action = "SKIP"
	ActionNoSignal     Action = "NO_SIGNAL"
)

// Submits reports whether the action sends an order.
func (a Action) Submits() bool {
	return a == ActionSubmitMarket || a == ActionSubmitLimit
}

// SkipReason is the closed set of reasons a signal is not acted on.
type SkipReason string

const (
	SkipNone                 SkipReason = "none"
	SkipNoSignal             SkipReason = "no_signal"
	SkipMalformedSignal      SkipReason = "malformed_signal"
	SkipIncompleteBar        SkipReason = "incomplete_bar"
	SkipStaleData            SkipReason = "stale_data"
	SkipCooldownActive       SkipReason = "cooldown_active"
	SkipSingleTradeViolation SkipReason = "single_trade_violation"
	SkipNoPositionToSell     SkipReason = "no_position_to_sell"
	SkipRiskRejected         SkipReason = "risk_rejected"
	SkipQtyBelowMinimum      SkipReason = "qty_below_minimum"
)

// SignalSnapshot is one strategy output. An empty Side means the strategy
// has nothing to say this cycle.
type SignalSnapshot struct {
	Symbol     string              `json:"symbol"`
	Side       types.Side          `json:"side"`
	Quantity   decimal.Decimal     `json:"quantity"`
	OrderType  types.OrderType     `json:"order_type"`
	LimitPrice decimal.NullDecimal `json:"limit_price"`
	Strategy   string              `json:"strategy"`
	TradeID    string              `json:"trade_id"`
}

// Empty reports whether the snapshot carries no signal.
func (s SignalSnapshot) Empty() bool {
	return s.Side == ""
}

// MarketSnapshot is the latest bar for a symbol.
type MarketSnapshot struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	// Complete is false while the bar is still forming.
	Complete bool `json:"complete"`
}

// Policy holds the guard settings.
type Policy struct {
	Cooldown     time.Duration
	SingleTrade  bool
	MaxStaleness time.Duration
	// QtyScale multiplies the signal quantity; zero means 1.
	QtyScale decimal.Decimal
	MaxQty   decimal.Decimal
	// MaxNotional caps quantity * price; zero disables it.
	MaxNotional decimal.Decimal
	// QtyStep rounds quantities down to a multiple; zero disables it.
	QtyStep decimal.Decimal
	MinQty  decimal.Decimal
	// LimitOffsetBps prices limit orders away from the market when the
	// signal has no limit price: above it for buys, below it for sells.
	LimitOffsetBps int64
	// PriceDecimals is the rounding applied to derived limit prices; zero
	// rounds to whole units.
	PriceDecimals int32
}

// GuardInputs is the runtime state the guards read.
type GuardInputs struct {
	Now time.Time
	// LastTradeAt is the last submission for the signal's symbol; zero
	// when there has been none.
	LastTradeAt time.Time
	// ActiveTrades counts non-terminal orders system-wide.
	ActiveTrades int
	// HeldQty is the current position in the signal's symbol.
	HeldQty decimal.Decimal
	// RiskHalted blocks every submission, e.g. when the gate's kill
	// switch is engaged.
	RiskHalted bool
	Policy     Policy
}

// GuardResult is the outcome of one guard.
type GuardResult struct {
	Passed bool       `json:"passed"`
	Reason SkipReason `json:"reason"`
	Detail string     `json:"detail,omitempty"`
}

func pass() GuardResult {
	return GuardResult{Passed: true, Reason: SkipNone}
}

func fail(reason SkipReason, detail string) GuardResult {
	return GuardResult{Passed: false, Reason: reason, Detail: detail}
}

// SignalDecision is the coordinator's output. Order fields are set only for
// submit actions.
type SignalDecision struct {
	Action     Action              `json:"action"`
	SkipReason SkipReason          `json:"skip_reason"`
	Detail     string              `json:"detail,omitempty"`
	Symbol     string              `json:"symbol,omitempty"`
	Side       types.Side          `json:"side,omitempty"`
	Quantity   decimal.Decimal     `json:"quantity"`
	LimitPrice decimal.NullDecimal `json:"limit_price"`
	Strategy   string              `json:"strategy,omitempty"`
	TradeID    string              `json:"trade_id,omitempty"`
}

// OrderRequest builds the engine request for a submit decision.
func (d SignalDecision) OrderRequest(internalOrderID string, reference decimal.Decimal) types.OrderRequest {
	orderType := types.OrderTypeMarket
	if d.Action == ActionSubmitLimit {
		orderType = types.OrderTypeLimit
	}
	return types.OrderRequest{
		InternalOrderID: internalOrderID,
		Symbol:          d.Symbol,
		Side:            d.Side,
		OrderType:       orderType,
		Quantity:        d.Quantity,
		LimitPrice:      d.LimitPrice,
		ReferencePrice:  reference,
		Strategy:        d.Strategy,
	}
}
