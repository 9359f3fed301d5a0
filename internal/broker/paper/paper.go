// Package paper is a simulated broker and market data source. Orders are
// acknowledged immediately and filled by MatchOpenOrders against a
// random-walk quote, with venue latency, success rate and liquidity taken
// from the configured Venue.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-exec/internal/coordinator"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Venue describes the simulated execution venue
type Venue struct {
	ID              string
	Name            string
	MinLatency      time.Duration
	MaxLatency      time.Duration
	LiquidityFactor float64 // 0-1, share of remaining quantity available per match
	SuccessRate     float64 // 0-1, probability a submission is accepted
	PriceVariance   float64 // max fractional slippage on market fills
}

// DefaultVenue mirrors a liquid primary exchange.
var DefaultVenue = Venue{
	ID:              "PAPER",
	Name:            "Paper Exchange",
	MinLatency:      5 * time.Millisecond,
	MaxLatency:      30 * time.Millisecond,
	LiquidityFactor: 0.9,
	SuccessRate:     0.95,
	PriceVariance:   0.002,
}

// Config configures the paper broker
type Config struct {
	Venue Venue
	Seed  int64
	// Volatility is the max fractional move of a quote per Tick.
	Volatility   float64
	DefaultPrice decimal.Decimal
	// ExpireAfter expires open orders older than this; zero disables it.
	ExpireAfter time.Duration
}

// FillHandler receives execution reports. The execution engine satisfies it.
type FillHandler interface {
	OnFill(ctx context.Context, fill types.Fill) error
	OnCancel(ctx context.Context, u types.OrderUpdate) error
	OnExpire(ctx context.Context, u types.OrderUpdate) error
}

type order struct {
	types.BrokerOrder
	side       types.Side
	orderType  types.OrderType
	limitPrice decimal.NullDecimal
	createdAt  time.Time
}

type quote struct {
	price decimal.Decimal
	at    time.Time
}

// Broker is the paper broker
type Broker struct {
	mu        sync.Mutex
	cfg       Config
	rng       *rand.Rand
	orders    map[string]*order
	positions map[string]*types.Position
	quotes    map[string]quote
	handler   FillHandler
	now       func() time.Time
}

// NewBroker creates a paper broker with its own seeded random source.
func NewBroker(cfg Config) *Broker {
	if cfg.Venue.ID == "" {
		cfg.Venue = DefaultVenue
	}
	if cfg.DefaultPrice.IsZero() {
		cfg.DefaultPrice = decimal.NewFromInt(100)
	}
	if cfg.Volatility == 0 {
		cfg.Volatility = 0.001
	}
	return &Broker{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		orders:    make(map[string]*order),
		positions: make(map[string]*types.Position),
		quotes:    make(map[string]quote),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetHandler registers the receiver of fills and order updates.
func (b *Broker) SetHandler(h FillHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// SetPrice pins the quote for a symbol.
func (b *Broker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = quote{price: price, at: b.now()}
}

// SubmitOrder simulates venue latency and acceptance.
func (b *Broker) SubmitOrder(ctx context.Context, req types.OrderRequest) (types.Ack, error) {
	logger := log.With().
		Str("component", "paper_broker").
		Str("venue", b.cfg.Venue.ID).
		Str("internal_order_id", req.InternalOrderID).
		Str("symbol", req.Symbol).
		Logger()

	if err := b.simulateLatency(ctx); err != nil {
		return types.Ack{}, &types.BrokerError{Op: "submit_order", Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rng.Float64() > b.cfg.Venue.SuccessRate {
		logger.Warn().
			Float64("success_rate", b.cfg.Venue.SuccessRate).
			Msg("order rejected due to success rate threshold")
		return types.Ack{}, &types.BrokerError{
			Op:  "submit_order",
			Err: fmt.Errorf("order rejected by venue %s", b.cfg.Venue.ID),
		}
	}

	brokerID := fmt.Sprintf("%s-%s", b.cfg.Venue.ID, uuid.New().String())
	b.orders[brokerID] = &order{
		BrokerOrder: types.BrokerOrder{
			BrokerOrderID:   brokerID,
			InternalOrderID: req.InternalOrderID,
			Symbol:          req.Symbol,
			Side:            req.Side,
			Quantity:        req.Quantity,
			Status:          types.StateSubmitted,
		},
		side:       req.Side,
		orderType:  req.OrderType,
		limitPrice: req.LimitPrice,
		createdAt:  b.now(),
	}
	b.ensureQuote(req.Symbol, req.ReferencePrice)

	logger.Info().Str("broker_order_id", brokerID).Msg("order accepted")
	return types.Ack{BrokerOrderID: brokerID, Status: "accepted"}, nil
}

// CancelOrder cancels an open order and reports it to the handler.
func (b *Broker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	b.mu.Lock()
	o, ok := b.orders[brokerOrderID]
	if !ok {
		b.mu.Unlock()
		return &types.BrokerError{Op: "cancel_order", Err: fmt.Errorf("unknown order %s", brokerOrderID)}
	}
	if !o.Status.Open() {
		status := o.Status
		b.mu.Unlock()
		return &types.BrokerError{Op: "cancel_order", Err: fmt.Errorf("order %s is %s", brokerOrderID, status)}
	}
	o.Status = types.StateCancelled
	update := types.OrderUpdate{
		InternalOrderID: o.InternalOrderID,
		BrokerOrderID:   brokerOrderID,
		Reason:          "cancelled on request",
		At:              b.now(),
	}
	h := b.handler
	b.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.OnCancel(ctx, update)
}

// GetPositions returns non-flat positions sorted by symbol.
func (b *Broker) GetPositions(ctx context.Context) ([]types.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Position, 0, len(b.positions))
	for _, p := range b.positions {
		if !p.Quantity.IsZero() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetOrders returns the broker's orders matching filter.
func (b *Broker) GetOrders(ctx context.Context, filter types.OrderStatusFilter) ([]types.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.BrokerOrder, 0, len(b.orders))
	for _, o := range b.orders {
		open := o.Status.Open()
		switch filter {
		case types.OrderStatusOpen:
			if !open {
				continue
			}
		case types.OrderStatusClosed:
			if open {
				continue
			}
		}
		out = append(out, o.BrokerOrder)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerOrderID < out[j].BrokerOrderID })
	return out, nil
}

// Snapshot returns the current quote as a closed bar.
func (b *Broker) Snapshot(ctx context.Context, symbol string) (coordinator.MarketSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.ensureQuote(symbol, decimal.Zero)
	return coordinator.MarketSnapshot{
		Symbol:    symbol,
		Price:     q.price,
		Timestamp: q.at,
		Complete:  true,
	}, nil
}

// Tick moves every quote one random-walk step.
func (b *Broker) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for symbol, q := range b.quotes {
		move := (b.rng.Float64()*2 - 1) * b.cfg.Volatility
		price := q.price.Mul(decimal.NewFromFloat(1 + move)).Round(2)
		if !price.IsPositive() {
			price = q.price
		}
		b.quotes[symbol] = quote{price: price, at: now}
	}
}

// MatchOpenOrders fills marketable open orders, expires stale ones, and
// delivers the reports to the handler outside the broker lock.
func (b *Broker) MatchOpenOrders(ctx context.Context) error {
	fills, expired, h := b.match()
	if h == nil {
		return nil
	}

	var errs []error
	for _, f := range fills {
		if err := h.OnFill(ctx, f); err != nil {
			errs = append(errs, fmt.Errorf("fill %s: %w", f.BrokerOrderID, err))
		}
	}
	for _, u := range expired {
		if err := h.OnExpire(ctx, u); err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", u.BrokerOrderID, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Broker) match() ([]types.Fill, []types.OrderUpdate, FillHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	ids := make([]string, 0, len(b.orders))
	for id, o := range b.orders {
		if o.Status.Open() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var (
		fills   []types.Fill
		expired []types.OrderUpdate
	)
	for _, id := range ids {
		o := b.orders[id]
		if b.cfg.ExpireAfter > 0 && now.Sub(o.createdAt) > b.cfg.ExpireAfter {
			o.Status = types.StateExpired
			expired = append(expired, types.OrderUpdate{
				InternalOrderID: o.InternalOrderID,
				BrokerOrderID:   id,
				Reason:          "time in force elapsed",
				At:              now,
			})
			continue
		}

		q := b.ensureQuote(o.Symbol, decimal.Zero)
		price, ok := b.executionPrice(o, q.price)
		if !ok {
			continue
		}

		remaining := o.Quantity.Sub(o.FilledQuantity)
		qty := remaining
		if b.rng.Float64() > b.cfg.Venue.LiquidityFactor {
			qty = remaining.Mul(decimal.NewFromFloat(b.cfg.Venue.LiquidityFactor)).Floor()
			if !qty.IsPositive() {
				qty = remaining
			}
		}

		o.FilledQuantity = o.FilledQuantity.Add(qty)
		leaves := o.Quantity.Sub(o.FilledQuantity)
		if leaves.IsPositive() {
			o.Status = types.StatePartiallyFilled
		} else {
			o.Status = types.StateFilled
		}
		b.applyPosition(o.Symbol, o.side, qty, price)

		fills = append(fills, types.Fill{
			InternalOrderID: o.InternalOrderID,
			BrokerOrderID:   id,
			Symbol:          o.Symbol,
			Side:            o.side,
			Quantity:        qty,
			Price:           price,
			LeavesQuantity:  leaves,
			FilledAt:        now,
		})

		log.Debug().
			Str("component", "paper_broker").
			Str("broker_order_id", id).
			Str("quantity", qty.String()).
			Str("price", price.String()).
			Str("leaves", leaves.String()).
			Msg("order matched")
	}
	return fills, expired, b.handler
}

// executionPrice returns the fill price if the order is marketable.
func (b *Broker) executionPrice(o *order, market decimal.Decimal) (decimal.Decimal, bool) {
	if o.orderType == types.OrderTypeLimit && o.limitPrice.Valid {
		limit := o.limitPrice.Decimal
		switch o.side {
		case types.SideBuy:
			if market.GreaterThan(limit) {
				return decimal.Zero, false
			}
		case types.SideSell:
			if market.LessThan(limit) {
				return decimal.Zero, false
			}
		}
		return limit, true
	}
	variance := (b.rng.Float64()*2 - 1) * b.cfg.Venue.PriceVariance
	return market.Mul(decimal.NewFromFloat(1 + variance)).Round(2), true
}

func (b *Broker) applyPosition(symbol string, side types.Side, qty, price decimal.Decimal) {
	p, ok := b.positions[symbol]
	if !ok {
		p = &types.Position{Symbol: symbol}
		b.positions[symbol] = p
	}
	signed := qty
	if side == types.SideSell {
		signed = qty.Neg()
	}
	next := p.Quantity.Add(signed)
	switch {
	case next.IsZero():
		p.AvgPrice = decimal.Zero
	case p.Quantity.IsZero() || p.Quantity.Sign() == signed.Sign():
		p.AvgPrice = p.AvgPrice.Mul(p.Quantity.Abs()).Add(price.Mul(qty)).Div(next.Abs())
	case next.Sign() != p.Quantity.Sign():
		p.AvgPrice = price
	}
	p.Quantity = next
}

// ensureQuote returns the symbol's quote, seeding it from seed or the
// default price. Callers hold b.mu.
func (b *Broker) ensureQuote(symbol string, seed decimal.Decimal) quote {
	q, ok := b.quotes[symbol]
	if ok {
		return q
	}
	price := b.cfg.DefaultPrice
	if seed.IsPositive() {
		price = seed
	}
	q = quote{price: price, at: b.now()}
	b.quotes[symbol] = q
	return q
}

func (b *Broker) simulateLatency(ctx context.Context) error {
	v := b.cfg.Venue
	if v.MaxLatency <= 0 {
		return ctx.Err()
	}
	b.mu.Lock()
	spread := int64(v.MaxLatency - v.MinLatency)
	latency := v.MinLatency
	if spread > 0 {
		latency += time.Duration(b.rng.Int63n(spread + 1))
	}
	b.mu.Unlock()

	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run ticks quotes and matches orders until ctx is done.
func (b *Broker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := log.With().Str("component", "paper_broker").Logger()
	logger.Info().Dur("interval", interval).Msg("starting paper broker")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("stopping paper broker")
			return
		case <-ticker.C:
			b.Tick()
			if err := b.MatchOpenOrders(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to deliver execution reports")
			}
		}
	}
}
