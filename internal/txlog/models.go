package txlog

import (
	"time"

	"github.com/ksred/klear-exec/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// EventType names an order-lifecycle fact.
type EventType string

const (
	EventOrderCreated         EventType = "ORDER_CREATED"
	EventOrderSubmitted       EventType = "ORDER_SUBMITTED"
	EventOrderPartiallyFilled EventType = "ORDER_PARTIALLY_FILLED"
	EventOrderFilled          EventType = "ORDER_FILLED"
	EventOrderCancelled       EventType = "ORDER_CANCELLED"
	EventOrderRejected        EventType = "ORDER_REJECTED"
	EventOrderExpired         EventType = "ORDER_EXPIRED"
)

// Valid reports whether the event type is one the log understands.
func (t EventType) Valid() bool {
	switch t {
	case EventOrderCreated, EventOrderSubmitted, EventOrderPartiallyFilled,
		EventOrderFilled, EventOrderCancelled, EventOrderRejected, EventOrderExpired:
		return true
	default:
		return false
	}
}

// State returns the order state reached once the event has happened.
func (t EventType) State() types.OrderState {
	switch t {
	case EventOrderCreated:
		return types.StateCreated
	case EventOrderSubmitted:
		return types.StateSubmitted
	case EventOrderPartiallyFilled:
		return types.StatePartiallyFilled
	case EventOrderFilled:
		return types.StateFilled
	case EventOrderCancelled:
		return types.StateCancelled
	case EventOrderRejected:
		return types.StateRejected
	case EventOrderExpired:
		return types.StateExpired
	default:
		return ""
	}
}

// Entry is one immutable fact in the transaction log.
type Entry struct {
	Seq             uint64              `gorm:"column:seq;primaryKey;autoIncrement" json:"seq"`
	EventType       EventType           `gorm:"not null" json:"event_type"`
	InternalOrderID string              `gorm:"not null" json:"internal_order_id"`
	TradeID         string              `json:"trade_id,omitempty"`
	BrokerOrderID   string              `json:"broker_order_id,omitempty"`
	Symbol          string              `json:"symbol,omitempty"`
	Side            types.Side          `json:"side,omitempty"`
	OrderType       types.OrderType     `json:"order_type,omitempty"`
	Quantity        decimal.Decimal     `gorm:"type:text" json:"quantity"`
	LimitPrice      decimal.NullDecimal `gorm:"type:text" json:"limit_price"`
	Strategy        string              `json:"strategy,omitempty"`
	FillQuantity    decimal.Decimal     `gorm:"type:text" json:"fill_quantity"`
	FillPrice       decimal.Decimal     `gorm:"type:text" json:"fill_price"`
	Reason          string              `json:"reason,omitempty"`
	RecordedAt      time.Time           `gorm:"not null" json:"recorded_at"`
}

func (Entry) TableName() string {
	return "transaction_log_entries"
}

// BeforeCreate is the storage-level barrier behind Log.Append's validation.
func (e *Entry) BeforeCreate(tx *gorm.DB) error {
	if e.InternalOrderID == "" {
		return types.NewValidationError("internal_order_id", "is required")
	}
	return nil
}

func (e *Entry) BeforeUpdate(tx *gorm.DB) error {
	return types.ErrAppendOnly
}

func (e *Entry) BeforeDelete(tx *gorm.DB) error {
	return types.ErrAppendOnly
}
