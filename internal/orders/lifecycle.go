package orders

import (
	"time"

	"github.com/ksred/klear-exec/internal/txlog"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/shopspring/decimal"
)

// legalTransitions is the order lifecycle graph. Terminal states have no
// outgoing edges.
var legalTransitions = map[types.OrderState]map[types.OrderState]bool{
	types.StateCreated: {
		types.StateSubmitted: true,
		types.StateRejected:  true,
	},
	types.StateSubmitted: {
		types.StatePartiallyFilled: true,
		types.StateFilled:          true,
		types.StateRejected:        true,
		types.StateCancelled:       true,
		types.StateExpired:         true,
	},
	types.StatePartiallyFilled: {
		types.StatePartiallyFilled: true,
		types.StateFilled:          true,
		types.StateCancelled:       true,
		types.StateExpired:         true,
	},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to types.OrderState) bool {
	return legalTransitions[from][to]
}

// Event drives one transition of an order.
type Event struct {
	Type          txlog.EventType
	BrokerOrderID string
	FillQuantity  decimal.Decimal
	FillPrice     decimal.Decimal
	Reason        string
	At            time.Time
}

func (e Event) isFill() bool {
	return e.Type == txlog.EventOrderPartiallyFilled || e.Type == txlog.EventOrderFilled
}

// Submitted acknowledges the order at the broker.
func Submitted(brokerOrderID string) Event {
	return Event{Type: txlog.EventOrderSubmitted, BrokerOrderID: brokerOrderID}
}

// Filled records an execution. final selects Filled over PartiallyFilled.
func Filled(qty, price decimal.Decimal, final bool) Event {
	t := txlog.EventOrderPartiallyFilled
	if final {
		t = txlog.EventOrderFilled
	}
	return Event{Type: t, FillQuantity: qty, FillPrice: price}
}

func Rejected(reason string) Event {
	return Event{Type: txlog.EventOrderRejected, Reason: reason}
}

func Cancelled(reason string) Event {
	return Event{Type: txlog.EventOrderCancelled, Reason: reason}
}

func Expired() Event {
	return Event{Type: txlog.EventOrderExpired}
}

// applyFill folds one execution into the order's cumulative quantity and
// volume-weighted average price.
func applyFill(o *types.Order, qty, price decimal.Decimal) {
	total := o.FilledQuantity.Add(qty)
	if total.IsPositive() {
		notional := o.AvgFillPrice.Mul(o.FilledQuantity).Add(price.Mul(qty))
		o.AvgFillPrice = notional.Div(total)
	}
	o.FilledQuantity = total
}
