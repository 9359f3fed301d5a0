package reconcile

import (
	"time"

	"github.com/ksred/klear-exec/internal/types"
	"github.com/shopspring/decimal"
)

const (
	StatusClean = "CLEAN"
	StatusDrift = "DRIFT"
)

// Drift kinds
const (
	DriftMissingAtBroker = "missing_at_broker"
	DriftUnknownAtBroker = "unknown_at_broker"
	DriftState           = "state"
	DriftFilledQuantity  = "filled_quantity"
	DriftUnacknowledged  = "unacknowledged"
	DriftPosition        = "position"
)

// OrderDrift is one disagreement between the local book and the broker.
type OrderDrift struct {
	Kind            string           `json:"kind"`
	InternalOrderID string           `json:"internal_order_id,omitempty"`
	BrokerOrderID   string           `json:"broker_order_id,omitempty"`
	Symbol          string           `json:"symbol"`
	LocalState      types.OrderState `json:"local_state,omitempty"`
	BrokerState     types.OrderState `json:"broker_state,omitempty"`
	LocalFilled     decimal.Decimal  `json:"local_filled"`
	BrokerFilled    decimal.Decimal  `json:"broker_filled"`
}

// PositionDrift compares journaled net fills with the broker's position.
type PositionDrift struct {
	Symbol string          `json:"symbol"`
	Local  decimal.Decimal `json:"local"`
	Broker decimal.Decimal `json:"broker"`
}

// Report is the result of one reconciliation pass.
type Report struct {
	RunID         string          `json:"run_id"`
	Status        string          `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	LocalOpen     int             `json:"local_open"`
	BrokerOpen    int             `json:"broker_open"`
	OrderDrift    []OrderDrift    `json:"order_drift"`
	PositionDrift []PositionDrift `json:"position_drift"`
}

// Clean reports whether nothing disagreed.
func (r *Report) Clean() bool {
	return len(r.OrderDrift) == 0 && len(r.PositionDrift) == 0
}

// Run is the persisted summary of a Report.
type Run struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	RunID         string    `gorm:"uniqueIndex" json:"run_id"`
	Status        string    `json:"status"` // CLEAN, DRIFT
	LocalOpen     int       `json:"local_open"`
	BrokerOpen    int       `json:"broker_open"`
	OrderDrifts   int       `json:"order_drifts"`
	PositionDrift int       `json:"position_drifts"`
	Report        string    `gorm:"type:text" json:"-"` // JSON encoded Report
	CreatedAt     time.Time `json:"created_at"`
}

func (Run) TableName() string {
	return "reconcile_runs"
}
