// Package execution is the idempotent submission boundary between callers
// and the broker. An internal order id reaches the broker at most once, in
// this process or any later one replaying the same transaction log.
package execution

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-exec/internal/journal"
	"github.com/ksred/klear-exec/internal/metrics"
	"github.com/ksred/klear-exec/internal/orders"
	"github.com/ksred/klear-exec/internal/risk"
	"github.com/ksred/klear-exec/internal/txlog"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
)

const lockStripes = 64

// Broker is the order-routing collaborator. Implementations own their own
// timeouts and retries; any returned error is a definite failure.
type Broker interface {
	SubmitOrder(ctx context.Context, req types.OrderRequest) (types.Ack, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetPositions(ctx context.Context) ([]types.Position, error)
	GetOrders(ctx context.Context, filter types.OrderStatusFilter) ([]types.BrokerOrder, error)
}

// ExposureFunc supplies the collaborator state the risk gate reads.
type ExposureFunc func(ctx context.Context, symbol string) (risk.Exposure, error)

// Config tunes the engine.
type Config struct {
	// RequireTradeID rejects submissions without a registered trade id
	// instead of generating one.
	RequireTradeID bool
	// BrokerTimeout bounds a single broker call. Zero leaves it to ctx.
	BrokerTimeout time.Duration
}

type Status string

const (
	StatusAccepted       Status = "ACCEPTED"
	StatusGateRejected   Status = "GATE_REJECTED"
	StatusBrokerRejected Status = "BROKER_REJECTED"
)

// SubmissionResult describes what happened to one Submit call.
type SubmissionResult struct {
	InternalOrderID string        `json:"internal_order_id"`
	TradeID         string        `json:"trade_id,omitempty"`
	BrokerOrderID   string        `json:"broker_order_id,omitempty"`
	Status          Status        `json:"status"`
	Decision        risk.Decision `json:"decision"`
	Order           *types.Order  `json:"order,omitempty"`
}

// RecoveryReport summarizes Recover.
type RecoveryReport struct {
	RestoredOrders []types.Order `json:"restored_orders"`
	SeededIDs      int           `json:"seeded_ids"`
	Unacknowledged []types.Order `json:"unacknowledged"`
}

// Engine submits orders and folds broker reports back into the order state
// machine, the transaction log and the trade journal.
type Engine struct {
	machine  *orders.Machine
	txlog    *txlog.Log
	journal  *journal.Journal
	gate     *risk.Gate
	broker   Broker
	metrics  *metrics.Metrics
	cfg      Config
	exposure ExposureFunc

	mu        sync.Mutex
	submitted map[string]struct{}
	tradeIDs  map[string]string
	// byBrokerID maps broker order ids back to internal ids.
	byBrokerID map[string]string

	// locks serializes work on one order between Submit and broker reports.
	locks [lockStripes]sync.Mutex
	newID func() string
}

// NewEngine wires the engine. Call Recover before the first Submit.
func NewEngine(
	machine *orders.Machine,
	l *txlog.Log,
	j *journal.Journal,
	gate *risk.Gate,
	broker Broker,
	m *metrics.Metrics,
	cfg Config,
) *Engine {
	e := &Engine{
		machine:    machine,
		txlog:      l,
		journal:    j,
		gate:       gate,
		broker:     broker,
		metrics:    m,
		cfg:        cfg,
		submitted:  make(map[string]struct{}),
		tradeIDs:   make(map[string]string),
		byBrokerID: make(map[string]string),
		newID:      func() string { return uuid.New().String() },
	}
	e.exposure = e.journalExposure
	return e
}

// SetExposureFunc replaces the default journal-derived exposure.
func (e *Engine) SetExposureFunc(fn ExposureFunc) {
	e.exposure = fn
}

// Recover restores pending orders into the state machine and seeds the
// duplicate guard with every id the log shows as submitted.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	logger := log.With().Str("component", "execution").Logger()

	restored, err := e.machine.RestorePendingOrders(ctx)
	if err != nil {
		return RecoveryReport{}, err
	}

	seeded := make(map[string]string)
	err = e.txlog.ReadAll(ctx, func(entry txlog.Entry) error {
		if entry.EventType == txlog.EventOrderSubmitted {
			seeded[entry.InternalOrderID] = entry.BrokerOrderID
		}
		return nil
	})
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("failed to seed submitted order ids: %w", err)
	}

	e.mu.Lock()
	for id, brokerID := range seeded {
		e.submitted[id] = struct{}{}
		if brokerID != "" {
			e.byBrokerID[brokerID] = id
		}
	}
	for _, o := range restored {
		if o.TradeID != "" {
			e.tradeIDs[o.InternalOrderID] = o.TradeID
		}
	}
	e.mu.Unlock()

	report := RecoveryReport{
		RestoredOrders: restored,
		SeededIDs:      len(seeded),
		Unacknowledged: e.machine.Unacknowledged(),
	}
	e.metrics.SetRestoredOrders(len(restored))
	e.metrics.SetActiveOrders(e.machine.ActiveCount())

	for _, o := range report.Unacknowledged {
		logger.Warn().
			Str("internal_order_id", o.InternalOrderID).
			Str("trade_id", o.TradeID).
			Str("symbol", o.Symbol).
			Msg("order was created but never acknowledged; reconcile with broker")
	}
	logger.Info().
		Int("restored_orders", len(restored)).
		Int("seeded_ids", len(seeded)).
		Int("unacknowledged", len(report.Unacknowledged)).
		Msg("execution engine recovered")
	return report, nil
}

// RegisterTradeID binds a signal's trade id to an order before submission.
func (e *Engine) RegisterTradeID(internalOrderID, tradeID string) error {
	if internalOrderID == "" {
		return types.NewValidationError("internal_order_id", "is required")
	}
	if tradeID == "" {
		return types.NewValidationError("trade_id", "is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, done := e.submitted[internalOrderID]; done {
		return &types.DuplicateOrderError{OrderID: internalOrderID}
	}
	e.tradeIDs[internalOrderID] = tradeID
	return nil
}

// IsSubmitted reports whether the id is in the duplicate guard.
func (e *Engine) IsSubmitted(internalOrderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.submitted[internalOrderID]
	return ok
}

// Submit validates, risk-checks, logs and sends one order. A second Submit
// for the same id fails with DuplicateOrderError before any I/O. A gate
// rejection is a result, not an error. A broker failure rejects the order
// and is returned as a *types.BrokerError.
func (e *Engine) Submit(ctx context.Context, req types.OrderRequest) (SubmissionResult, error) {
	if err := req.Validate(); err != nil {
		e.metrics.Submission("invalid")
		return SubmissionResult{}, err
	}
	id := req.InternalOrderID

	if !e.reserve(id) {
		e.metrics.Duplicate()
		log.Warn().
			Str("component", "execution").
			Str("internal_order_id", id).
			Msg("duplicate submission refused")
		return SubmissionResult{}, &types.DuplicateOrderError{OrderID: id}
	}

	if e.machine.Known(id) {
		// Created in an earlier process but never acknowledged; the id stays
		// reserved.
		e.metrics.Duplicate()
		log.Warn().
			Str("component", "execution").
			Str("internal_order_id", id).
			Msg("submission for a retired order id refused")
		return SubmissionResult{}, &types.DuplicateOrderError{OrderID: id}
	}

	unlock := e.lockOrder(id)
	defer unlock()

	logger := log.With().
		Str("component", "execution").
		Str("internal_order_id", id).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Logger()

	// Resolved before the gate so a missing trade id does not spend the
	// gate's daily slot for this id.
	tradeID, err := e.resolveTradeID(id)
	if err != nil {
		e.release(id)
		e.metrics.Submission("failed")
		return SubmissionResult{}, err
	}
	logger = logger.With().Str("trade_id", tradeID).Logger()

	exposure, err := e.exposure(ctx, req.Symbol)
	if err != nil {
		e.release(id)
		e.metrics.Submission("failed")
		return SubmissionResult{}, fmt.Errorf("failed to load exposure for %s: %w", req.Symbol, err)
	}

	decision := e.gate.Evaluate(req, exposure)
	if !decision.Approved {
		e.release(id)
		e.metrics.Submission("gate_rejected")
		e.metrics.GateRejected(decision.Reason)
		return SubmissionResult{
			InternalOrderID: id,
			TradeID:         tradeID,
			Status:          StatusGateRejected,
			Decision:        decision,
		}, nil
	}

	order, err := e.machine.CreateOrder(ctx, req, tradeID)
	if err != nil {
		// A retired id stays reserved; anything else may be retried.
		if !types.IsDuplicate(err) {
			e.release(id)
		}
		e.metrics.Submission("failed")
		logger.Error().Err(err).Msg("failed to create order")
		return SubmissionResult{}, err
	}

	bctx, cancel := e.brokerContext(ctx)
	start := time.Now()
	ack, err := e.broker.SubmitOrder(bctx, req)
	cancel()
	e.metrics.ObserveBrokerSubmit(time.Since(start))

	if err != nil {
		return e.rejectSubmission(ctx, order, err)
	}

	order, err = e.machine.Transition(ctx, id, orders.Submitted(ack.BrokerOrderID))
	if err != nil {
		// The broker holds the order but the log does not say so.
		e.metrics.Submission("failed")
		logger.Error().
			Err(err).
			Str("broker_order_id", ack.BrokerOrderID).
			Msg("broker acknowledged order but the submission could not be logged")
		return SubmissionResult{}, fmt.Errorf("order %s acknowledged as %s but not logged: %w", id, ack.BrokerOrderID, err)
	}

	e.mu.Lock()
	if ack.BrokerOrderID != "" {
		e.byBrokerID[ack.BrokerOrderID] = id
	}
	e.mu.Unlock()

	e.recordJournal(ctx, &journal.Entry{
		EventType:       journal.EventSubmitted,
		TradeID:         tradeID,
		InternalOrderID: id,
		BrokerOrderID:   ack.BrokerOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Quantity:        req.Quantity,
		Price:           req.Price(),
		Strategy:        req.Strategy,
		Note:            ack.Status,
	})

	e.metrics.Submission("accepted")
	e.metrics.SetActiveOrders(e.machine.ActiveCount())
	logger.Info().
		Str("broker_order_id", ack.BrokerOrderID).
		Str("quantity", req.Quantity.String()).
		Msg("order submitted")

	return SubmissionResult{
		InternalOrderID: id,
		TradeID:         tradeID,
		BrokerOrderID:   ack.BrokerOrderID,
		Status:          StatusAccepted,
		Decision:        decision,
		Order:           &order,
	}, nil
}

func (e *Engine) rejectSubmission(ctx context.Context, order types.Order, cause error) (SubmissionResult, error) {
	var brokerErr *types.BrokerError
	if !errors.As(cause, &brokerErr) {
		brokerErr = &types.BrokerError{Op: "submit_order", Err: cause}
	}
	e.metrics.BrokerError(brokerErr.Op)
	e.metrics.Submission("broker_rejected")

	logger := log.With().
		Str("component", "execution").
		Str("internal_order_id", order.InternalOrderID).
		Str("trade_id", order.TradeID).
		Logger()
	logger.Warn().Err(cause).Msg("broker rejected order submission")

	rejected, err := e.machine.Transition(ctx, order.InternalOrderID, orders.Rejected(cause.Error()))
	if err != nil {
		logger.Error().Err(err).Msg("failed to log broker rejection")
		return SubmissionResult{}, errors.Join(brokerErr, err)
	}

	e.recordJournal(ctx, &journal.Entry{
		EventType:       journal.EventRejected,
		TradeID:         order.TradeID,
		InternalOrderID: order.InternalOrderID,
		Symbol:          order.Symbol,
		Side:            order.Side,
		Quantity:        order.Quantity,
		Strategy:        order.Strategy,
		Note:            cause.Error(),
	})

	return SubmissionResult{
		InternalOrderID: order.InternalOrderID,
		TradeID:         order.TradeID,
		Status:          StatusBrokerRejected,
		Decision:        risk.Decision{Approved: true},
		Order:           &rejected,
	}, brokerErr
}

// OnFill records a broker execution in both logs. It does not depend on
// the state machine still tracking the order: an untracked fill is appended
// to the transaction log directly.
func (e *Engine) OnFill(ctx context.Context, fill types.Fill) error {
	id, err := e.resolveInternalID(fill.InternalOrderID, fill.BrokerOrderID)
	if err != nil {
		return err
	}
	fill.InternalOrderID = id
	if !fill.Quantity.IsPositive() {
		return types.NewValidationError("quantity", "fill quantity must be positive")
	}
	if fill.FilledAt.IsZero() {
		fill.FilledAt = time.Now().UTC()
	}

	unlock := e.lockOrder(id)
	defer unlock()

	tradeID, strategy, err := e.correlate(ctx, id, fill.TradeID)
	if err != nil {
		return err
	}
	if fill.BrokerOrderID == "" {
		if o, ok := e.machine.Get(id); ok {
			fill.BrokerOrderID = o.BrokerOrderID
		}
	}
	if fill.BrokerOrderID == "" {
		if _, fill.BrokerOrderID, err = e.txlog.Correlation(ctx, id); err != nil {
			return err
		}
	}

	// A fill the journal would refuse is not logged anywhere.
	journalEntry := journal.FillEntry(fill, tradeID, strategy)
	if err := journalEntry.Validate(); err != nil {
		return err
	}

	logger := log.With().
		Str("component", "execution").
		Str("internal_order_id", id).
		Str("trade_id", tradeID).
		Str("broker_order_id", fill.BrokerOrderID).
		Logger()

	kind := "untracked"
	tracked := false
	if o, ok := e.machine.Get(id); ok && o.State.Open() {
		final := fill.Final() || o.FilledQuantity.Add(fill.Quantity).GreaterThanOrEqual(o.Quantity)
		ev := orders.Filled(fill.Quantity, fill.Price, final)
		ev.BrokerOrderID = fill.BrokerOrderID
		ev.At = fill.FilledAt
		if _, err := e.machine.Transition(ctx, id, ev); err != nil {
			if !types.IsIllegalTransition(err) {
				return err
			}
			logger.Warn().Err(err).Msg("fill does not fit order lifecycle, logging directly")
		} else {
			tracked = true
			kind = "partial"
			if final {
				kind = "final"
			}
		}
	}

	if !tracked {
		eventType := txlog.EventOrderPartiallyFilled
		if fill.Final() {
			eventType = txlog.EventOrderFilled
		}
		if err := e.txlog.Append(ctx, &txlog.Entry{
			EventType:       eventType,
			InternalOrderID: id,
			TradeID:         tradeID,
			BrokerOrderID:   fill.BrokerOrderID,
			Symbol:          fill.Symbol,
			Side:            fill.Side,
			Strategy:        strategy,
			FillQuantity:    fill.Quantity,
			FillPrice:       fill.Price,
			RecordedAt:      fill.FilledAt,
		}); err != nil {
			return err
		}
	}

	if err := e.journal.Record(ctx, journalEntry); err != nil {
		return err
	}

	e.metrics.Fill(kind)
	e.metrics.SetActiveOrders(e.machine.ActiveCount())
	logger.Info().
		Str("quantity", fill.Quantity.String()).
		Str("price", fill.Price.String()).
		Str("kind", kind).
		Msg("fill recorded")
	return nil
}

// OnCancel records a broker-confirmed cancel.
func (e *Engine) OnCancel(ctx context.Context, u types.OrderUpdate) error {
	return e.onTerminal(ctx, u, orders.Cancelled(u.Reason), journal.EventCancelled)
}

// OnExpire records a broker-reported expiry.
func (e *Engine) OnExpire(ctx context.Context, u types.OrderUpdate) error {
	return e.onTerminal(ctx, u, orders.Expired(), journal.EventExpired)
}

// OnReject records a rejection the broker reports after acknowledging.
func (e *Engine) OnReject(ctx context.Context, u types.OrderUpdate) error {
	return e.onTerminal(ctx, u, orders.Rejected(u.Reason), journal.EventRejected)
}

func (e *Engine) onTerminal(ctx context.Context, u types.OrderUpdate, ev orders.Event, jev journal.EventType) error {
	id, err := e.resolveInternalID(u.InternalOrderID, u.BrokerOrderID)
	if err != nil {
		return err
	}

	unlock := e.lockOrder(id)
	defer unlock()

	tradeID, strategy, err := e.correlate(ctx, id, u.TradeID)
	if err != nil {
		return err
	}

	ev.BrokerOrderID = u.BrokerOrderID
	ev.At = u.At

	order, tracked := e.machine.Get(id)
	if tracked {
		if _, err := e.machine.Transition(ctx, id, ev); err != nil {
			return err
		}
	} else {
		if err := e.txlog.Append(ctx, &txlog.Entry{
			EventType:       ev.Type,
			InternalOrderID: id,
			TradeID:         tradeID,
			BrokerOrderID:   u.BrokerOrderID,
			Strategy:        strategy,
			Reason:          u.Reason,
			RecordedAt:      u.At,
		}); err != nil {
			return err
		}
	}

	e.recordJournal(ctx, &journal.Entry{
		EventType:       jev,
		TradeID:         tradeID,
		InternalOrderID: id,
		BrokerOrderID:   u.BrokerOrderID,
		Symbol:          order.Symbol,
		Side:            order.Side,
		Quantity:        order.RemainingQuantity(),
		Strategy:        strategy,
		Note:            u.Reason,
	})

	e.metrics.SetActiveOrders(e.machine.ActiveCount())
	log.Info().
		Str("component", "execution").
		Str("internal_order_id", id).
		Str("trade_id", tradeID).
		Str("event", string(ev.Type)).
		Str("reason", u.Reason).
		Msg("order closed by broker")
	return nil
}

// Cancel asks the broker to cancel an open order. The state change arrives
// later through OnCancel.
func (e *Engine) Cancel(ctx context.Context, internalOrderID string) error {
	o, ok := e.machine.Get(internalOrderID)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrOrderNotFound, internalOrderID)
	}
	if !o.State.Open() {
		return &types.IllegalTransitionError{
			OrderID: internalOrderID,
			From:    o.State,
			Event:   string(txlog.EventOrderCancelled),
		}
	}

	bctx, cancel := e.brokerContext(ctx)
	defer cancel()
	if err := e.broker.CancelOrder(bctx, o.BrokerOrderID); err != nil {
		e.metrics.BrokerError("cancel_order")
		var brokerErr *types.BrokerError
		if errors.As(err, &brokerErr) {
			return brokerErr
		}
		return &types.BrokerError{Op: "cancel_order", Err: err}
	}

	log.Info().
		Str("component", "execution").
		Str("internal_order_id", internalOrderID).
		Str("broker_order_id", o.BrokerOrderID).
		Msg("cancel requested")
	return nil
}

// Machine exposes the order state machine the engine drives.
func (e *Engine) Machine() *orders.Machine {
	return e.machine
}

// ActiveCount returns the number of non-terminal orders.
func (e *Engine) ActiveCount() int {
	return e.machine.ActiveCount()
}

func (e *Engine) reserve(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.submitted[id]; ok {
		return false
	}
	e.submitted[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.submitted, id)
}

func (e *Engine) lockOrder(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &e.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) brokerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.BrokerTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.BrokerTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) resolveTradeID(id string) (string, error) {
	e.mu.Lock()
	tradeID, ok := e.tradeIDs[id]
	e.mu.Unlock()
	if ok {
		return tradeID, nil
	}
	if e.cfg.RequireTradeID {
		return "", types.NewValidationError("trade_id", "must be registered before submission")
	}

	tradeID = e.newID()
	e.mu.Lock()
	e.tradeIDs[id] = tradeID
	e.mu.Unlock()

	e.metrics.TradeIDFallback()
	log.Warn().
		Str("component", "execution").
		Str("internal_order_id", id).
		Str("trade_id", tradeID).
		Msg("no trade id registered, generated fallback")
	return tradeID, nil
}

func (e *Engine) resolveInternalID(internalOrderID, brokerOrderID string) (string, error) {
	if internalOrderID != "" {
		return internalOrderID, nil
	}
	e.mu.Lock()
	id, ok := e.byBrokerID[brokerOrderID]
	e.mu.Unlock()
	if !ok || brokerOrderID == "" {
		return "", types.NewValidationError("internal_order_id", "is required and broker order id is unknown")
	}
	return id, nil
}

// correlate finds the trade id for an order from the state machine, the
// engine, the transaction log and finally the broker report, in that order.
func (e *Engine) correlate(ctx context.Context, id, reported string) (tradeID, strategy string, err error) {
	if o, ok := e.machine.Get(id); ok {
		tradeID = o.TradeID
		strategy = o.Strategy
	}
	if tradeID == "" {
		e.mu.Lock()
		tradeID = e.tradeIDs[id]
		e.mu.Unlock()
	}
	if tradeID == "" || strategy == "" {
		entries, err := e.txlog.ReadOrder(ctx, id)
		if err != nil {
			return "", "", err
		}
		for _, entry := range entries {
			if tradeID == "" && entry.TradeID != "" {
				tradeID = entry.TradeID
			}
			if strategy == "" && entry.Strategy != "" {
				strategy = entry.Strategy
			}
		}
	}
	if tradeID == "" {
		tradeID = reported
	}
	if tradeID == "" {
		tradeID = e.newID()
		e.metrics.TradeIDFallback()
		log.Warn().
			Str("component", "execution").
			Str("internal_order_id", id).
			Str("trade_id", tradeID).
			Msg("broker report for uncorrelated order, generated trade id")
	}
	e.mu.Lock()
	e.tradeIDs[id] = tradeID
	e.mu.Unlock()
	return tradeID, strategy, nil
}

func (e *Engine) recordJournal(ctx context.Context, entry *journal.Entry) {
	if err := e.journal.Record(ctx, entry); err != nil {
		log.Error().
			Err(err).
			Str("component", "execution").
			Str("internal_order_id", entry.InternalOrderID).
			Str("trade_id", entry.TradeID).
			Str("event_type", string(entry.EventType)).
			Msg("failed to journal order event")
	}
}

// journalExposure derives position and today's realized PnL from the
// trade journal.
func (e *Engine) journalExposure(ctx context.Context, symbol string) (risk.Exposure, error) {
	now := time.Now().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	x, err := e.journal.ExposureSince(ctx, symbol, startOfDay)
	if err != nil {
		return risk.Exposure{}, err
	}
	return risk.Exposure{Position: x.Position, DailyPnL: x.RealizedPnL}, nil
}
