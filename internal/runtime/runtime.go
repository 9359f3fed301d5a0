// Package runtime owns the I/O around the coordinator: it pulls signals and
// market data, asks the coordinator for a decision and hands submit
// decisions to the execution engine.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-exec/internal/coordinator"
	"github.com/ksred/klear-exec/internal/execution"
	"github.com/ksred/klear-exec/internal/metrics"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Strategy supplies the signals for one cycle.
type Strategy interface {
	Signals(ctx context.Context) ([]coordinator.SignalSnapshot, error)
}

// MarketDataSource supplies the latest bar for a symbol.
type MarketDataSource interface {
	Snapshot(ctx context.Context, symbol string) (coordinator.MarketSnapshot, error)
}

// PositionSource reports current holdings, normally the broker.
type PositionSource interface {
	GetPositions(ctx context.Context) ([]types.Position, error)
}

// Executor is the slice of the execution engine the loop drives.
type Executor interface {
	RegisterTradeID(internalOrderID, tradeID string) error
	Submit(ctx context.Context, req types.OrderRequest) (execution.SubmissionResult, error)
	ActiveCount() int
}

type Config struct {
	Interval time.Duration
	Policy   coordinator.Policy
}

// Outcome is what happened to one signal in a cycle.
type Outcome struct {
	Decision        coordinator.SignalDecision  `json:"decision"`
	InternalOrderID string                      `json:"internal_order_id,omitempty"`
	Result          *execution.SubmissionResult `json:"result,omitempty"`
	Error           string                      `json:"error,omitempty"`
}

// CycleReport summarizes one RunCycle.
type CycleReport struct {
	StartedAt time.Time `json:"started_at"`
	Outcomes  []Outcome `json:"outcomes"`
}

// Loop is the runtime loop
type Loop struct {
	exec      Executor
	strategy  Strategy
	market    MarketDataSource
	positions PositionSource
	metrics   *metrics.Metrics
	cfg       Config
	// halted reports the gate's kill switch; may be nil.
	halted func() bool

	mu          sync.Mutex
	lastTradeAt map[string]time.Time

	now   func() time.Time
	newID func() string
}

func NewLoop(
	exec Executor,
	strategy Strategy,
	market MarketDataSource,
	positions PositionSource,
	m *metrics.Metrics,
	cfg Config,
) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Loop{
		exec:        exec,
		strategy:    strategy,
		market:      market,
		positions:   positions,
		metrics:     m,
		cfg:         cfg,
		lastTradeAt: make(map[string]time.Time),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return "ORD-" + uuid.New().String() },
	}
}

// SetHaltCheck wires the risk halt flag into the guards.
func (l *Loop) SetHaltCheck(fn func() bool) {
	l.halted = fn
}

// Start runs cycles until ctx is done
func (l *Loop) Start(ctx context.Context) {
	logger := log.With().Str("component", "runtime_loop").Logger()
	logger.Info().Dur("interval", l.cfg.Interval).Msg("starting runtime loop")

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down runtime loop")
			return
		case <-ticker.C:
			if _, err := l.RunCycle(ctx); err != nil {
				logger.Error().Err(err).Msg("runtime cycle failed")
			}
		}
	}
}

// RunCycle evaluates every pending signal once.
func (l *Loop) RunCycle(ctx context.Context) (CycleReport, error) {
	start := l.now()
	defer func() { l.metrics.ObserveCycle(l.now().Sub(start)) }()

	report := CycleReport{StartedAt: start}

	signals, err := l.strategy.Signals(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to fetch signals: %w", err)
	}
	if len(signals) == 0 {
		return report, nil
	}

	held, err := l.heldQuantities(ctx)
	if err != nil {
		return report, err
	}

	for _, sig := range signals {
		outcome := l.handleSignal(ctx, sig, held)
		report.Outcomes = append(report.Outcomes, outcome)
	}
	return report, nil
}

func (l *Loop) handleSignal(ctx context.Context, sig coordinator.SignalSnapshot, held map[string]decimal.Decimal) Outcome {
	logger := log.With().
		Str("component", "runtime_loop").
		Str("symbol", sig.Symbol).
		Str("side", string(sig.Side)).
		Str("trade_id", sig.TradeID).
		Logger()

	now := l.now()
	mkt, err := l.market.Snapshot(ctx, sig.Symbol)
	if err != nil {
		logger.Warn().Err(err).Msg("no market data for signal")
		mkt = coordinator.MarketSnapshot{Symbol: sig.Symbol}
	}

	l.mu.Lock()
	lastTrade := l.lastTradeAt[sig.Symbol]
	l.mu.Unlock()

	in := coordinator.GuardInputs{
		Now:          now,
		LastTradeAt:  lastTrade,
		ActiveTrades: l.exec.ActiveCount(),
		HeldQty:      held[sig.Symbol],
		RiskHalted:   l.halted != nil && l.halted(),
		Policy:       l.cfg.Policy,
	}
	d := coordinator.Decide(sig, mkt, in)
	l.metrics.Decision(string(d.Action), string(d.SkipReason))

	outcome := Outcome{Decision: d}
	if !d.Action.Submits() {
		if d.Action == coordinator.ActionSkip {
			logger.Info().
				Str("skip_reason", string(d.SkipReason)).
				Str("detail", d.Detail).
				Msg("signal skipped")
		}
		return outcome
	}

	id := l.newID()
	tradeID := d.TradeID
	if tradeID == "" {
		tradeID = uuid.New().String()
	}
	outcome.InternalOrderID = id
	logger = logger.With().Str("internal_order_id", id).Str("trade_id", tradeID).Logger()

	if err := l.exec.RegisterTradeID(id, tradeID); err != nil {
		outcome.Error = err.Error()
		logger.Error().Err(err).Msg("failed to register trade id")
		return outcome
	}

	res, err := l.exec.Submit(ctx, d.OrderRequest(id, mkt.Price))
	if res.Status != "" {
		outcome.Result = &res
	}
	if err != nil {
		outcome.Error = err.Error()
		logger.Error().Err(err).Msg("order submission failed")
		return outcome
	}
	if res.Status == execution.StatusGateRejected {
		logger.Warn().
			Str("reason", res.Decision.Reason).
			Str("detail", res.Decision.Detail).
			Msg("order rejected by risk gate")
		return outcome
	}

	l.mu.Lock()
	l.lastTradeAt[sig.Symbol] = now
	l.mu.Unlock()

	// keep later sells in the same cycle from overselling
	if d.Side == types.SideSell {
		held[sig.Symbol] = held[sig.Symbol].Sub(d.Quantity)
	}
	return outcome
}

func (l *Loop) heldQuantities(ctx context.Context) (map[string]decimal.Decimal, error) {
	held := make(map[string]decimal.Decimal)
	if l.positions == nil {
		return held, nil
	}
	positions, err := l.positions.GetPositions(ctx)
	if err != nil {
		return nil, &types.BrokerError{Op: "get_positions", Err: err}
	}
	for _, p := range positions {
		held[p.Symbol] = held[p.Symbol].Add(p.Quantity)
	}
	return held, nil
}

// LastTradeAt returns the last submission time for symbol.
func (l *Loop) LastTradeAt(symbol string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.lastTradeAt[symbol]
	return t, ok
}
