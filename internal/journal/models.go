package journal

import (
	"time"

	"github.com/ksred/klear-exec/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type EventType string

const (
	EventSubmitted EventType = "SUBMITTED"
	EventFill      EventType = "FILL"
	EventCancelled EventType = "CANCELLED"
	EventRejected  EventType = "REJECTED"
	EventExpired   EventType = "EXPIRED"
)

// Entry is an audit record. Unlike the transaction log it is never read
// back for recovery decisions.
type Entry struct {
	ID              uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType       EventType       `gorm:"not null" json:"event_type"`
	TradeID         string          `gorm:"not null" json:"trade_id"`
	InternalOrderID string          `gorm:"not null" json:"internal_order_id"`
	BrokerOrderID   string          `json:"broker_order_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            types.Side      `json:"side"`
	Quantity        decimal.Decimal `gorm:"type:text" json:"quantity"`
	Price           decimal.Decimal `gorm:"type:text" json:"price"`
	Strategy        string          `json:"strategy,omitempty"`
	Note            string          `json:"note,omitempty"`
	RecordedAt      time.Time       `gorm:"not null" json:"recorded_at"`
}

func (Entry) TableName() string {
	return "trade_journal_entries"
}

func (e *Entry) BeforeCreate(tx *gorm.DB) error {
	return e.Validate()
}

func (e *Entry) BeforeUpdate(tx *gorm.DB) error {
	return types.ErrAppendOnly
}

func (e *Entry) BeforeDelete(tx *gorm.DB) error {
	return types.ErrAppendOnly
}

// Validate checks the correlation fields every entry must carry.
func (e *Entry) Validate() error {
	switch {
	case e.TradeID == "":
		return types.NewValidationError("trade_id", "is required")
	case e.InternalOrderID == "":
		return types.NewValidationError("internal_order_id", "is required")
	case e.EventType == "":
		return types.NewValidationError("event_type", "is required")
	case e.EventType == EventFill && e.BrokerOrderID == "":
		return types.NewValidationError("broker_order_id", "is required on fills")
	case e.EventType == EventFill && !e.Quantity.IsPositive():
		return types.NewValidationError("quantity", "must be positive on fills")
	}
	return nil
}
