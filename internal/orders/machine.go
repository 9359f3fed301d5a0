// Package orders owns the in-memory order entities and their lifecycle.
// Every transition is appended to the transaction log before the in-memory
// order changes, so the log alone can rebuild the open book after a restart.
package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ksred/klear-exec/internal/txlog"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
)

// Machine is the order state machine. It is safe for concurrent use; all
// mutations of a given order are serialized.
type Machine struct {
	mu     sync.RWMutex
	log    *txlog.Log
	orders map[string]*types.Order
	// known holds every internal order id ever created or replayed.
	known map[string]struct{}
	// unacked holds orders replayed in Created state only.
	unacked map[string]types.Order
	now     func() time.Time
}

// NewMachine creates an empty state machine writing to l.
func NewMachine(l *txlog.Log) *Machine {
	return &Machine{
		log:     l,
		orders:  make(map[string]*types.Order),
		known:   make(map[string]struct{}),
		unacked: make(map[string]types.Order),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder builds an order in Created state and logs OrderCreated with
// enough metadata to rebuild it without the in-memory object.
func (m *Machine) CreateOrder(ctx context.Context, req types.OrderRequest, tradeID string) (types.Order, error) {
	if err := req.Validate(); err != nil {
		return types.Order{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.known[req.InternalOrderID]; seen {
		return types.Order{}, &types.DuplicateOrderError{OrderID: req.InternalOrderID}
	}

	now := m.now()
	entry := &txlog.Entry{
		EventType:       txlog.EventOrderCreated,
		InternalOrderID: req.InternalOrderID,
		TradeID:         tradeID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		OrderType:       req.OrderType,
		Quantity:        req.Quantity,
		LimitPrice:      req.LimitPrice,
		Strategy:        req.Strategy,
		RecordedAt:      now,
	}
	if err := m.log.Append(ctx, entry); err != nil {
		return types.Order{}, err
	}

	o := &types.Order{
		InternalOrderID: req.InternalOrderID,
		TradeID:         tradeID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		OrderType:       req.OrderType,
		Quantity:        req.Quantity,
		LimitPrice:      req.LimitPrice,
		Strategy:        req.Strategy,
		State:           types.StateCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.orders[o.InternalOrderID] = o
	m.known[o.InternalOrderID] = struct{}{}

	log.Debug().
		Str("component", "orders").
		Str("internal_order_id", o.InternalOrderID).
		Str("trade_id", tradeID).
		Str("symbol", o.Symbol).
		Msg("order created")

	return *o, nil
}

// Transition applies ev to the order. Illegal edges fail with
// IllegalTransitionError and leave the order unchanged; so does a failed
// log append.
func (m *Machine) Transition(ctx context.Context, internalOrderID string, ev Event) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[internalOrderID]
	if !ok {
		return types.Order{}, fmt.Errorf("%w: %s", types.ErrOrderNotFound, internalOrderID)
	}

	target := ev.Type.State()
	if ev.Type == txlog.EventOrderCreated || !CanTransition(o.State, target) {
		return *o, &types.IllegalTransitionError{
			OrderID: internalOrderID,
			From:    o.State,
			Event:   string(ev.Type),
		}
	}
	if ev.isFill() && !ev.FillQuantity.IsPositive() {
		return *o, types.NewValidationError("fill_quantity", "must be positive")
	}

	at := ev.At
	if at.IsZero() {
		at = m.now()
	}
	brokerOrderID := o.BrokerOrderID
	if ev.BrokerOrderID != "" {
		brokerOrderID = ev.BrokerOrderID
	}

	entry := &txlog.Entry{
		EventType:       ev.Type,
		InternalOrderID: o.InternalOrderID,
		TradeID:         o.TradeID,
		BrokerOrderID:   brokerOrderID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		OrderType:       o.OrderType,
		Quantity:        o.Quantity,
		LimitPrice:      o.LimitPrice,
		Strategy:        o.Strategy,
		FillQuantity:    ev.FillQuantity,
		FillPrice:       ev.FillPrice,
		Reason:          ev.Reason,
		RecordedAt:      at,
	}
	if err := m.log.Append(ctx, entry); err != nil {
		return *o, err
	}

	prev := o.State
	o.State = target
	o.BrokerOrderID = brokerOrderID
	o.UpdatedAt = at
	if ev.isFill() {
		applyFill(o, ev.FillQuantity, ev.FillPrice)
	}

	log.Debug().
		Str("component", "orders").
		Str("internal_order_id", o.InternalOrderID).
		Str("trade_id", o.TradeID).
		Str("from", string(prev)).
		Str("to", string(target)).
		Msg("order transitioned")

	return *o, nil
}

// Get returns a copy of the order.
func (m *Machine) Get(internalOrderID string) (types.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[internalOrderID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// Known reports whether the id was ever created or replayed. A known id
// can never be created again.
func (m *Machine) Known(internalOrderID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.known[internalOrderID]
	return ok
}

// Open returns the orders live at the broker, oldest first.
func (m *Machine) Open() []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Order, 0, len(m.orders))
	for _, o := range m.orders {
		if o.State.Open() {
			out = append(out, *o)
		}
	}
	sortOrders(out)
	return out
}

// All returns every order held in memory, oldest first.
func (m *Machine) All() []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	sortOrders(out)
	return out
}

// ActiveCount returns how many orders are Created, Submitted or PartiallyFilled.
func (m *Machine) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.orders {
		if !o.State.Terminal() {
			n++
		}
	}
	return n
}

// Unacknowledged returns orders the last restore found in Created state
// only: logged before submission but never acknowledged by a broker.
func (m *Machine) Unacknowledged() []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Order, 0, len(m.unacked))
	for _, o := range m.unacked {
		out = append(out, o)
	}
	sortOrders(out)
	return out
}

// RestorePendingOrders replays the whole transaction log, keeps the latest
// state per internal order id (a terminal state is never left), and loads
// the orders whose latest state is Submitted or PartiallyFilled. Orders
// already in memory are left as they are, so calling it twice restores the
// same set.
func (m *Machine) RestorePendingOrders(ctx context.Context) ([]types.Order, error) {
	logger := log.With().Str("component", "orders").Logger()

	replayed := make(map[string]*types.Order)
	created := make(map[string]bool)

	err := m.log.ReadAll(ctx, func(e txlog.Entry) error {
		o, ok := replayed[e.InternalOrderID]
		if !ok {
			o = &types.Order{InternalOrderID: e.InternalOrderID}
			replayed[e.InternalOrderID] = o
		}

		if e.EventType == txlog.EventOrderCreated {
			created[e.InternalOrderID] = true
			o.Symbol = e.Symbol
			o.Side = e.Side
			o.OrderType = e.OrderType
			o.Quantity = e.Quantity
			o.LimitPrice = e.LimitPrice
			o.Strategy = e.Strategy
			o.CreatedAt = e.RecordedAt
		}
		if e.TradeID != "" {
			o.TradeID = e.TradeID
		}
		if e.BrokerOrderID != "" {
			o.BrokerOrderID = e.BrokerOrderID
		}
		if e.EventType == txlog.EventOrderPartiallyFilled || e.EventType == txlog.EventOrderFilled {
			if e.FillQuantity.IsPositive() {
				applyFill(o, e.FillQuantity, e.FillPrice)
			}
		}
		// A terminal state is final even if late broker reports follow it.
		if !o.State.Terminal() {
			o.State = e.EventType.State()
		}
		o.UpdatedAt = e.RecordedAt
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replay transaction log: %w", err)
	}

	pending := make([]types.Order, 0)
	m.mu.Lock()
	for id, o := range replayed {
		if !created[id] {
			logger.Warn().
				Str("internal_order_id", id).
				Str("state", string(o.State)).
				Msg("log has events without OrderCreated, order not restored")
			continue
		}
		m.known[id] = struct{}{}
		if o.State == types.StateCreated {
			m.unacked[id] = *o
			continue
		}
		if !o.State.Open() {
			continue
		}
		pending = append(pending, *o)
		if _, exists := m.orders[id]; !exists {
			restored := *o
			m.orders[id] = &restored
		}
	}
	m.mu.Unlock()

	sortOrders(pending)
	logger.Info().
		Int("replayed_orders", len(replayed)).
		Int("restored_orders", len(pending)).
		Msg("restored pending orders from transaction log")
	return pending, nil
}

func sortOrders(out []types.Order) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].InternalOrderID < out[j].InternalOrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}
