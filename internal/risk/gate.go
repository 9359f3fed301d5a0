// Package risk implements the pre-trade risk gate. A rejection is a normal
// Decision value, not an error.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/ksred/klear-exec/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// DefaultMaxPriceDeviation is the fat-finger threshold: 10% from baseline.
var DefaultMaxPriceDeviation = decimal.RequireFromString("0.10")

// Rejection reasons.
const (
	ReasonKillSwitch      = "kill switch engaged"
	ReasonDuplicate       = "order already submitted today"
	ReasonMaxOrders       = "max orders per day reached"
	ReasonPriceDeviation  = "price deviates from recent baseline"
	ReasonMaxOrderQty     = "order quantity exceeds limit"
	ReasonMaxNotional     = "order notional exceeds limit"
	ReasonPositionLimit   = "position size exceeds limit"
	ReasonDailyLossLimit  = "max daily loss reached"
	ReasonDayTradeLimit   = "day trade limit reached"
	ReasonInvalidQuantity = "order quantity must be positive"
)

// Config holds the gate limits. Zero disables a limit, except
// MaxPriceDeviation which falls back to DefaultMaxPriceDeviation.
type Config struct {
	KillSwitch        bool            `json:"kill_switch"`
	MaxOrdersPerDay   int             `json:"max_orders_per_day"`
	MaxPriceDeviation decimal.Decimal `json:"max_price_deviation"`
	MaxOrderQty       decimal.Decimal `json:"max_order_qty"`
	MaxOrderNotional  decimal.Decimal `json:"max_order_notional"`
	MaxPositionQty    decimal.Decimal `json:"max_position_qty"`
	MaxDailyLoss      decimal.Decimal `json:"max_daily_loss"`
	MaxDayTrades      int             `json:"max_day_trades"`
}

// Exposure is collaborator-sourced state the gate reads but does not own.
type Exposure struct {
	// Position is the signed quantity currently held in the order's symbol.
	Position decimal.Decimal
	// DailyPnL is today's realized profit and loss; losses are negative.
	DailyPnL decimal.Decimal
}

// Decision is the gate's verdict on one order.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	// Detail carries the values that tripped the rule, if any.
	Detail string `json:"detail,omitempty"`
}

func approve() Decision {
	return Decision{Approved: true}
}

func reject(reason string) Decision {
	return Decision{Approved: false, Reason: reason}
}

func rejectf(reason, format string, args ...any) Decision {
	return Decision{Approved: false, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// DayTrade keys one (symbol, side) pair traded today.
type DayTrade struct {
	Symbol string     `json:"symbol"`
	Side   types.Side `json:"side"`
}

// State is the gate's process-lifetime counters, reset on UTC day rollover.
type State struct {
	OrderCountToday      int                        `json:"order_count_today"`
	SubmittedOrdersToday map[string]struct{}        `json:"-"`
	DayTradesToday       map[DayTrade]struct{}      `json:"-"`
	DayTradeCount        int                        `json:"day_trade_count"`
	RecentPrices         map[string]decimal.Decimal `json:"recent_prices"`
	LastResetDate        string                     `json:"last_reset_date"`
}

func newState(today string) *State {
	return &State{
		SubmittedOrdersToday: make(map[string]struct{}),
		DayTradesToday:       make(map[DayTrade]struct{}),
		RecentPrices:         make(map[string]decimal.Decimal),
		LastResetDate:        today,
	}
}

// Gate evaluates orders against Config and its State. It is safe for
// concurrent use; each Evaluate is atomic with respect to the counters.
type Gate struct {
	mu    sync.Mutex
	cfg   Config
	state *State
	now   func() time.Time
}

// NewGate creates a gate whose day starts at the current UTC date.
func NewGate(cfg Config) *Gate {
	return NewGateWithClock(cfg, time.Now)
}

// NewGateWithClock creates a gate that reads the time from now.
func NewGateWithClock(cfg Config, now func() time.Time) *Gate {
	if cfg.MaxPriceDeviation.IsZero() {
		cfg.MaxPriceDeviation = DefaultMaxPriceDeviation
	}
	return &Gate{
		cfg:   cfg,
		state: newState(now().UTC().Format(dateLayout)),
		now:   now,
	}
}

// Evaluate runs the checks in order, stopping at the first rejection. On
// approval the order is recorded as submitted today and its price becomes
// the symbol's baseline.
func (g *Gate) Evaluate(req types.OrderRequest, exposure Exposure) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.resetIfNewDay(g.now())

	d := g.check(req, exposure)

	logger := log.With().
		Str("component", "risk_gate").
		Str("internal_order_id", req.InternalOrderID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Logger()
	if !d.Approved {
		logger.Warn().Str("reason", d.Reason).Str("detail", d.Detail).Msg("order rejected by risk gate")
		return d
	}

	g.record(req)
	logger.Debug().Int("order_count_today", g.state.OrderCountToday).Msg("order approved by risk gate")
	return d
}

func (g *Gate) check(req types.OrderRequest, exposure Exposure) Decision {
	s := g.state

	if _, dup := s.SubmittedOrdersToday[req.InternalOrderID]; dup {
		return reject(ReasonDuplicate)
	}
	if g.cfg.MaxOrdersPerDay > 0 && s.OrderCountToday >= g.cfg.MaxOrdersPerDay {
		return reject(ReasonMaxOrders)
	}

	price := req.Price()
	if price.IsPositive() {
		if baseline, ok := s.RecentPrices[req.Symbol]; ok && baseline.IsPositive() {
			if exceedsDeviation(price, baseline, g.cfg.MaxPriceDeviation) {
				return rejectf(ReasonPriceDeviation, "price %s vs baseline %s", price, baseline)
			}
		}
	}

	if g.cfg.KillSwitch {
		return reject(ReasonKillSwitch)
	}
	if !req.Quantity.IsPositive() {
		return reject(ReasonInvalidQuantity)
	}
	if g.cfg.MaxOrderQty.IsPositive() && req.Quantity.GreaterThan(g.cfg.MaxOrderQty) {
		return rejectf(ReasonMaxOrderQty, "%s > %s", req.Quantity, g.cfg.MaxOrderQty)
	}
	if g.cfg.MaxOrderNotional.IsPositive() && price.IsPositive() &&
		price.Mul(req.Quantity).GreaterThan(g.cfg.MaxOrderNotional) {
		return reject(ReasonMaxNotional)
	}
	if g.cfg.MaxPositionQty.IsPositive() {
		next := projectPosition(exposure.Position, req.Side, req.Quantity)
		if next.Abs().GreaterThan(g.cfg.MaxPositionQty) {
			return rejectf(ReasonPositionLimit, "projected %s exceeds %s", next, g.cfg.MaxPositionQty)
		}
	}
	if g.cfg.MaxDailyLoss.IsPositive() && exposure.DailyPnL.LessThanOrEqual(g.cfg.MaxDailyLoss.Neg()) {
		return reject(ReasonDailyLossLimit)
	}
	if g.cfg.MaxDayTrades > 0 && g.isDayTrade(req) && s.DayTradeCount >= g.cfg.MaxDayTrades {
		return reject(ReasonDayTradeLimit)
	}
	return approve()
}

func (g *Gate) record(req types.OrderRequest) {
	s := g.state
	s.OrderCountToday++
	s.SubmittedOrdersToday[req.InternalOrderID] = struct{}{}
	if g.isDayTrade(req) {
		s.DayTradeCount++
	}
	s.DayTradesToday[DayTrade{Symbol: req.Symbol, Side: req.Side}] = struct{}{}
	if price := req.Price(); price.IsPositive() {
		s.RecentPrices[req.Symbol] = price
	}
}

// isDayTrade reports whether the opposite side of req was traded today.
func (g *Gate) isDayTrade(req types.OrderRequest) bool {
	_, ok := g.state.DayTradesToday[DayTrade{Symbol: req.Symbol, Side: req.Side.Opposite()}]
	return ok
}

// resetIfNewDay clears the daily counters once the UTC date passes
// LastResetDate. Price baselines survive the rollover.
func (g *Gate) resetIfNewDay(now time.Time) bool {
	today := now.UTC().Format(dateLayout)
	if today <= g.state.LastResetDate {
		return false
	}
	prices := g.state.RecentPrices
	g.state = newState(today)
	g.state.RecentPrices = prices

	log.Info().
		Str("component", "risk_gate").
		Str("date", today).
		Msg("daily risk counters reset")
	return true
}

// ResetDaily forces a counter reset, as if the day had rolled over.
func (g *Gate) ResetDaily() {
	g.mu.Lock()
	defer g.mu.Unlock()
	prices := g.state.RecentPrices
	g.state = newState(g.now().UTC().Format(dateLayout))
	g.state.RecentPrices = prices
}

// SetKillSwitch engages or releases the kill switch.
func (g *Gate) SetKillSwitch(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg.KillSwitch = on
}

// Status is a read-only snapshot of the gate.
type Status struct {
	Config         Config                     `json:"config"`
	OrderCount     int                        `json:"order_count_today"`
	SubmittedCount int                        `json:"submitted_orders_today"`
	DayTrades      []DayTrade                 `json:"day_trades_today"`
	DayTradeCount  int                        `json:"day_trade_count"`
	RecentPrices   map[string]decimal.Decimal `json:"recent_prices"`
	LastResetDate  string                     `json:"last_reset_date"`
}

// Status returns a copy of the gate configuration and counters.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state
	prices := make(map[string]decimal.Decimal, len(s.RecentPrices))
	for k, v := range s.RecentPrices {
		prices[k] = v
	}
	trades := make([]DayTrade, 0, len(s.DayTradesToday))
	for dt := range s.DayTradesToday {
		trades = append(trades, dt)
	}
	return Status{
		Config:         g.cfg,
		OrderCount:     s.OrderCountToday,
		SubmittedCount: len(s.SubmittedOrdersToday),
		DayTrades:      trades,
		DayTradeCount:  s.DayTradeCount,
		RecentPrices:   prices,
		LastResetDate:  s.LastResetDate,
	}
}

// exceedsDeviation reports |price - baseline| / baseline > limit, computed
// without division as |price - baseline| > baseline * limit.
func exceedsDeviation(price, baseline, limit decimal.Decimal) bool {
	diff := price.Sub(baseline).Abs()
	return diff.GreaterThan(baseline.Mul(limit))
}

func projectPosition(pos decimal.Decimal, side types.Side, qty decimal.Decimal) decimal.Decimal {
	switch side {
	case types.SideBuy:
		return pos.Add(qty)
	case types.SideSell:
		return pos.Sub(qty)
	default:
		return pos
	}
}

// GinHandlers contains HTTP handlers for risk endpoints
type GinHandlers struct {
	gate *Gate
}

// NewGinHandlers creates a new set of HTTP handlers for risk endpoints
func NewGinHandlers(gate *Gate) *GinHandlers {
	return &GinHandlers{
		gate: gate,
	}
}

// GetStatusHandler handles GET requests for the gate's counters and limits
func (h *GinHandlers) GetStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.gate.Status())
	}
}

// KillSwitchHandler handles POST requests toggling the kill switch
// Request body: {"enabled": bool}
func (h *GinHandlers) KillSwitchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Enabled *bool `json:"enabled"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.Enabled == nil {
			response.BadRequest(c, "enabled is required")
			return
		}
		h.gate.SetKillSwitch(*body.Enabled)
		response.Success(c, h.gate.Status())
	}
}
