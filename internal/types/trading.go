package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// OrderState is a node of the order lifecycle graph.
type OrderState string

const (
	StateCreated         OrderState = "CREATED"
	StateSubmitted       OrderState = "SUBMITTED"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCancelled       OrderState = "CANCELLED"
	StateRejected        OrderState = "REJECTED"
	StateExpired         OrderState = "EXPIRED"
)

// Terminal reports whether no further transition is legal from the state.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired:
		return true
	default:
		return false
	}
}

// Open reports whether the order is live at the broker.
func (s OrderState) Open() bool {
	return s == StateSubmitted || s == StatePartiallyFilled
}

// Order is the in-memory view of one brokerage order.
type Order struct {
	InternalOrderID string              `json:"internal_order_id"`
	BrokerOrderID   string              `json:"broker_order_id,omitempty"`
	TradeID         string              `json:"trade_id,omitempty"`
	Symbol          string              `json:"symbol"`
	Side            Side                `json:"side"`
	OrderType       OrderType           `json:"order_type"`
	Quantity        decimal.Decimal     `json:"quantity"`
	LimitPrice      decimal.NullDecimal `json:"limit_price"`
	Strategy        string              `json:"strategy,omitempty"`
	State           OrderState          `json:"state"`
	FilledQuantity  decimal.Decimal     `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal     `json:"avg_fill_price"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// RemainingQuantity is the unfilled part of the order.
func (o Order) RemainingQuantity() decimal.Decimal {
	rem := o.Quantity.Sub(o.FilledQuantity)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// OrderRequest is what a caller hands the execution engine.
type OrderRequest struct {
	InternalOrderID string              `json:"internal_order_id"`
	Symbol          string              `json:"symbol"`
	Side            Side                `json:"side"`
	OrderType       OrderType           `json:"order_type"`
	Quantity        decimal.Decimal     `json:"quantity"`
	LimitPrice      decimal.NullDecimal `json:"limit_price"`
	// ReferencePrice is the last known market price, used by the risk
	// gate when the order carries no limit price.
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Strategy       string          `json:"strategy"`
}

// Price returns the limit price when set, the reference price otherwise.
func (r OrderRequest) Price() decimal.Decimal {
	if r.LimitPrice.Valid {
		return r.LimitPrice.Decimal
	}
	return r.ReferencePrice
}

// Validate checks the fields every order must carry.
func (r OrderRequest) Validate() error {
	switch {
	case r.InternalOrderID == "":
		return NewValidationError("internal_order_id", "is required")
	case r.Symbol == "":
		return NewValidationError("symbol", "is required")
	case !r.Side.Valid():
		return NewValidationError("side", "must be BUY or SELL")
	case !r.OrderType.Valid():
		return NewValidationError("order_type", "must be MARKET or LIMIT")
	case !r.Quantity.IsPositive():
		return NewValidationError("quantity", "must be positive")
	case r.OrderType == OrderTypeLimit && (!r.LimitPrice.Valid || !r.LimitPrice.Decimal.IsPositive()):
		return NewValidationError("limit_price", "must be positive for limit orders")
	}
	return nil
}

// Ack is the broker's synchronous answer to a submission.
type Ack struct {
	BrokerOrderID string `json:"broker_order_id"`
	Status        string `json:"status"`
}

// Fill is a broker execution report for one order.
type Fill struct {
	InternalOrderID string          `json:"internal_order_id"`
	BrokerOrderID   string          `json:"broker_order_id"`
	TradeID         string          `json:"trade_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	// LeavesQuantity is the broker's remaining open quantity after this fill.
	LeavesQuantity decimal.Decimal `json:"leaves_quantity"`
	FilledAt       time.Time       `json:"filled_at"`
}

// Final reports whether the broker considers the order complete.
func (f Fill) Final() bool {
	return !f.LeavesQuantity.IsPositive()
}

// OrderUpdate is a broker report that ends an order without a fill:
// cancel, expiry or a post-acknowledgement rejection.
type OrderUpdate struct {
	InternalOrderID string    `json:"internal_order_id"`
	BrokerOrderID   string    `json:"broker_order_id"`
	TradeID         string    `json:"trade_id,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	At              time.Time `json:"at"`
}

// Position is a broker-reported holding.
type Position struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// BrokerOrder is the broker's view of an order, used for reconciliation.
type BrokerOrder struct {
	BrokerOrderID   string          `json:"broker_order_id"`
	InternalOrderID string          `json:"internal_order_id"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	Status          OrderState      `json:"status"`
}

// OrderStatusFilter selects broker orders for GetOrders.
type OrderStatusFilter string

const (
	OrderStatusOpen   OrderStatusFilter = "open"
	OrderStatusClosed OrderStatusFilter = "closed"
	OrderStatusAll    OrderStatusFilter = "all"
)
