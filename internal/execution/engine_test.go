package execution_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ksred/klear-exec/internal/database"
	"github.com/ksred/klear-exec/internal/execution"
	"github.com/ksred/klear-exec/internal/journal"
	"github.com/ksred/klear-exec/internal/metrics"
	"github.com/ksred/klear-exec/internal/orders"
	"github.com/ksred/klear-exec/internal/risk"
	"github.com/ksred/klear-exec/internal/txlog"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// countingBroker acknowledges every order and counts submissions.
type countingBroker struct {
	mu        sync.Mutex
	submits   int32
	submitErr error
	cancelled []string
	seq       int
}

func (b *countingBroker) SubmitOrder(ctx context.Context, req types.OrderRequest) (types.Ack, error) {
	atomic.AddInt32(&b.submits, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return types.Ack{}, b.submitErr
	}
	b.seq++
	return types.Ack{BrokerOrderID: fmt.Sprintf("BRK-%d", b.seq), Status: "accepted"}, nil
}

func (b *countingBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, brokerOrderID)
	return nil
}

func (b *countingBroker) GetPositions(ctx context.Context) ([]types.Position, error) {
	return nil, nil
}

func (b *countingBroker) GetOrders(ctx context.Context, filter types.OrderStatusFilter) ([]types.BrokerOrder, error) {
	return nil, nil
}

func (b *countingBroker) calls() int {
	return int(atomic.LoadInt32(&b.submits))
}

type harness struct {
	path    string
	db      *gorm.DB
	log     *txlog.Log
	journal *journal.Journal
	gate    *risk.Gate
	broker  *countingBroker
	metrics *metrics.Metrics
	engine  *execution.Engine
}

func newHarness(t *testing.T, cfg execution.Config) *harness {
	t.Helper()
	h := &harness{path: filepath.Join(t.TempDir(), "exec.db")}
	h.start(t, cfg)
	t.Cleanup(func() { _ = database.Close(h.db) })
	return h
}

// start builds a fresh component graph over the database file and recovers.
func (h *harness) start(t *testing.T, cfg execution.Config) {
	t.Helper()
	db, err := database.Open(h.path)
	require.NoError(t, err)
	h.db = db
	h.log = txlog.New(db)
	h.journal = journal.NewJournal(db)
	h.gate = risk.NewGate(risk.Config{})
	h.broker = &countingBroker{}
	h.metrics = metrics.NewMetrics()
	h.engine = execution.NewEngine(orders.NewMachine(h.log), h.log, h.journal, h.gate, h.broker, h.metrics, cfg)
	_, err = h.engine.Recover(context.Background())
	require.NoError(t, err)
}

// restart simulates a crash and a new process over the same file.
func (h *harness) restart(t *testing.T, cfg execution.Config) {
	t.Helper()
	require.NoError(t, database.Close(h.db))
	h.start(t, cfg)
}

func order(id string) types.OrderRequest {
	return types.OrderRequest{
		InternalOrderID: id,
		Symbol:          "AAPL",
		Side:            types.SideBuy,
		OrderType:       types.OrderTypeLimit,
		Quantity:        decimal.NewFromInt(10),
		LimitPrice:      decimal.NewNullDecimal(decimal.NewFromInt(100)),
		Strategy:        "breakout",
	}
}

func TestSubmitAccepted(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()
	require.NoError(t, h.engine.RegisterTradeID("ORD-1", "T-1"))

	res, err := h.engine.Submit(ctx, order("ORD-1"))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusAccepted, res.Status)
	assert.Equal(t, "T-1", res.TradeID)
	assert.Equal(t, "BRK-1", res.BrokerOrderID)
	require.NotNil(t, res.Order)
	assert.Equal(t, types.StateSubmitted, res.Order.State)
	assert.Equal(t, 1, h.broker.calls())
	assert.True(t, h.engine.IsSubmitted("ORD-1"))

	history, err := h.log.ReadOrder(ctx, "ORD-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, txlog.EventOrderCreated, history[0].EventType)
	assert.Equal(t, txlog.EventOrderSubmitted, history[1].EventType)
	assert.Equal(t, "BRK-1", history[1].BrokerOrderID)

	entries, err := h.journal.ByTradeID(ctx, "T-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.EventSubmitted, entries[0].EventType)
	assert.Equal(t, "ORD-1", entries[0].InternalOrderID)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SubmissionsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ActiveOrders))
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, execution.Config{})
	req := order("ORD-1")
	req.Side = "HOLD"

	_, err := h.engine.Submit(context.Background(), req)
	assert.True(t, types.IsValidation(err))
	assert.Zero(t, h.broker.calls())
	assert.False(t, h.engine.IsSubmitted("ORD-1"))
}

func TestDuplicateSubmitInProcess(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, order("ORD-1"))
	require.NoError(t, err)
	before, err := h.log.Count(ctx)
	require.NoError(t, err)

	_, err = h.engine.Submit(ctx, order("ORD-1"))
	var dup *types.DuplicateOrderError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "ORD-1", dup.OrderID)
	assert.Equal(t, 1, h.broker.calls())

	after, err := h.log.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DuplicatesTotal))
}

func TestDuplicateSubmitAfterRestart(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, order("ORD-1"))
	require.NoError(t, err)

	h.restart(t, execution.Config{})
	assert.True(t, h.engine.IsSubmitted("ORD-1"))

	_, err = h.engine.Submit(ctx, order("ORD-1"))
	assert.True(t, types.IsDuplicate(err))
	assert.Zero(t, h.broker.calls())

	o, ok := h.engine.Machine().Get("ORD-1")
	require.True(t, ok)
	assert.Equal(t, types.StateSubmitted, o.State)
}

func TestUnacknowledgedOrderIsNotResubmittedAfterRestart(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()

	// The process died after logging OrderCreated, before the broker call.
	_, err := orders.NewMachine(h.log).CreateOrder(ctx, order("ORD-1"), "T-1")
	require.NoError(t, err)

	h.restart(t, execution.Config{})
	assert.Len(t, h.engine.Machine().Unacknowledged(), 1)

	_, err = h.engine.Submit(ctx, order("ORD-1"))
	assert.True(t, types.IsDuplicate(err))
	assert.Zero(t, h.broker.calls())

	// Refused before the gate, so no daily slot or price baseline is spent.
	status := h.gate.Status()
	assert.Zero(t, status.OrderCount)
	assert.Empty(t, status.RecentPrices)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DuplicatesTotal))

	_, err = h.engine.Submit(ctx, order("ORD-1"))
	assert.True(t, types.IsDuplicate(err))
	assert.Zero(t, h.gate.Status().OrderCount)
}

func TestFillOnlyIDsDoNotSeedDuplicateGuard(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()

	require.NoError(t, h.log.Append(ctx, &txlog.Entry{
		EventType:       txlog.EventOrderFilled,
		InternalOrderID: "ORD-7",
		BrokerOrderID:   "EXT-7",
		FillQuantity:    decimal.NewFromInt(1),
		FillPrice:       decimal.NewFromInt(100),
	}))

	h.restart(t, execution.Config{})
	assert.False(t, h.engine.IsSubmitted("ORD-7"))

	res, err := h.engine.Submit(ctx, order("ORD-7"))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusAccepted, res.Status)
}

func TestConcurrentSubmitReachesBrokerOnce(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	var accepted, duplicates int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Submit(ctx, order("ORD-1"))
			switch {
			case err == nil:
				atomic.AddInt32(&accepted, 1)
			case types.IsDuplicate(err):
				atomic.AddInt32(&duplicates, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted)
	assert.Equal(t, int32(19), duplicates)
	assert.Equal(t, 1, h.broker.calls())
}

func TestGateRejectionReleasesID(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()
	h.gate.SetKillSwitch(true)

	res, err := h.engine.Submit(ctx, order("ORD-1"))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusGateRejected, res.Status)
	assert.Equal(t, risk.ReasonKillSwitch, res.Decision.Reason)
	assert.False(t, h.engine.IsSubmitted("ORD-1"))
	assert.Zero(t, h.broker.calls())

	n, err := h.log.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.gate.SetKillSwitch(false)
	res, err = h.engine.Submit(ctx, order("ORD-1"))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusAccepted, res.Status)
}

func TestBrokerFailureRejectsOrder(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()
	h.broker.submitErr = errors.New("connection reset")
	require.NoError(t, h.engine.RegisterTradeID("ORD-1", "T-1"))

	res, err := h.engine.Submit(ctx, order("ORD-1"))
	var brokerErr *types.BrokerError
	require.ErrorAs(t, err, &brokerErr)
	assert.Equal(t, "submit_order", brokerErr.Op)
	assert.True(t, types.IsBroker(err))
	assert.Equal(t, execution.StatusBrokerRejected, res.Status)

	o, ok := h.engine.Machine().Get("ORD-1")
	require.True(t, ok)
	assert.Equal(t, types.StateRejected, o.State)

	entries, err := h.journal.ByTradeID(ctx, "T-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.EventRejected, entries[0].EventType)

	// The id is spent; a retry needs a new one.
	h.broker.submitErr = nil
	_, err = h.engine.Submit(ctx, order("ORD-1"))
	assert.True(t, types.IsDuplicate(err))
	assert.Equal(t, 1, h.broker.calls())
}

func TestRequireTradeID(t *testing.T) {
	h := newHarness(t, execution.Config{RequireTradeID: true})
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, order("ORD-1"))
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "trade_id", verr.Field)
	assert.False(t, h.engine.IsSubmitted("ORD-1"))
	assert.Zero(t, h.broker.calls())

	require.NoError(t, h.engine.RegisterTradeID("ORD-1", "T-1"))
	res, err := h.engine.Submit(ctx, order("ORD-1"))
	require.NoError(t, err)
	assert.Equal(t, "T-1", res.TradeID)
}

func TestTradeIDFallback(t *testing.T) {
	h := newHarness(t, execution.Config{})

	res, err := h.engine.Submit(context.Background(), order("ORD-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.TradeID)
	assert.Equal(t, res.TradeID, res.Order.TradeID)
}

func TestRegisterTradeIDAfterSubmitRefused(t *testing.T) {
	h := newHarness(t, execution.Config{})
	_, err := h.engine.Submit(context.Background(), order("ORD-1"))
	require.NoError(t, err)

	assert.True(t, types.IsDuplicate(h.engine.RegisterTradeID("ORD-1", "T-2")))
	assert.True(t, types.IsValidation(h.engine.RegisterTradeID("ORD-2", "")))
}

func TestFillsCorrelateAcrossBothLogs(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()
	require.NoError(t, h.engine.RegisterTradeID("ORD-1", "T-1"))
	res, err := h.engine.Submit(ctx, order("ORD-1"))
	require.NoError(t, err)

	// A broker-reported trade id never overrides the logged one.
	require.NoError(t, h.engine.OnFill(ctx, types.Fill{
		InternalOrderID: "ORD-1",
		BrokerOrderID:   res.BrokerOrderID,
		TradeID:         "BROKER-SIDE",
		Symbol:          "AAPL",
		Side:            types.SideBuy,
		Quantity:        decimal.NewFromInt(4),
		Price:           decimal.NewFromInt(100),
		LeavesQuantity:  decimal.NewFromInt(6),
	}))
	// The second fill arrives keyed by broker order id only.
	require.NoError(t, h.engine.OnFill(ctx, types.Fill{
		BrokerOrderID: res.BrokerOrderID,
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      decimal.NewFromInt(6),
		Price:         decimal.NewFromInt(101),
	}))

	o, ok := h.engine.Machine().Get("ORD-1")
	require.True(t, ok)
	assert.Equal(t, types.StateFilled, o.State)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(10)))

	history, err := h.log.ReadOrder(ctx, "ORD-1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	for _, e := range history {
		assert.Equal(t, "T-1", e.TradeID, string(e.EventType))
	}
	assert.Equal(t, txlog.EventOrderPartiallyFilled, history[2].EventType)
	assert.Equal(t, txlog.EventOrderFilled, history[3].EventType)

	entries, err := h.journal.ByTradeID(ctx, "T-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, "ORD-1", e.InternalOrderID)
		assert.Equal(t, "breakout", e.Strategy)
	}
	assert.Equal(t, 0, h.engine.ActiveCount())
}

func TestFillAfterRestartKeepsCorrelation(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()
	require.NoError(t, h.engine.RegisterTradeID("ORD-1", "T-1"))
	res, err := h.engine.Submit(ctx, order("ORD-1"))
	require.NoError(t, err)

	h.restart(t, execution.Config{})
	require.NoError(t, h.engine.OnFill(ctx, types.Fill{
		BrokerOrderID: res.BrokerOrderID,
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      decimal.NewFromInt(10),
		Price:         decimal.NewFromInt(100),
	}))

	entries, err := h.journal.ByTradeID(ctx, "T-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, journal.EventFill, entries[1].EventType)
}

func TestUntrackedFillIsLogged(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()

	err := h.engine.OnFill(ctx, types.Fill{
		InternalOrderID: "ORD-EXT",
		BrokerOrderID:   "EXT-1",
		TradeID:         "T-EXT",
		Symbol:          "MSFT",
		Side:            types.SideSell,
		Quantity:        decimal.NewFromInt(3),
		Price:           decimal.NewFromInt(400),
		FilledAt:        time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	history, err := h.log.ReadOrder(ctx, "ORD-EXT")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, txlog.EventOrderFilled, history[0].EventType)
	assert.Equal(t, "T-EXT", history[0].TradeID)

	entries, err := h.journal.ByTradeID(ctx, "T-EXT")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, ok := h.engine.Machine().Get("ORD-EXT")
	assert.False(t, ok)
}

func TestLateFillAfterRestartUsesLoggedBrokerID(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()
	require.NoError(t, h.engine.RegisterTradeID("ORD-1", "T-1"))
	_, err := h.engine.Submit(ctx, order("ORD-1"))
	require.NoError(t, err)

	fill := func(qty, leaves int64) types.Fill {
		return types.Fill{
			InternalOrderID: "ORD-1",
			Symbol:          "AAPL",
			Side:            types.SideBuy,
			Quantity:        decimal.NewFromInt(qty),
			LeavesQuantity:  decimal.NewFromInt(leaves),
			Price:           decimal.NewFromInt(100),
		}
	}
	require.NoError(t, h.engine.OnFill(ctx, fill(5, 5)))
	require.NoError(t, h.engine.OnFill(ctx, fill(5, 0)))

	// The filled order is terminal, so the new process no longer tracks it.
	h.restart(t, execution.Config{})
	_, tracked := h.engine.Machine().Get("ORD-1")
	require.False(t, tracked)

	require.NoError(t, h.engine.OnFill(ctx, types.Fill{InternalOrderID: "ORD-1", Quantity: decimal.NewFromInt(1)}))

	history, err := h.log.ReadOrder(ctx, "ORD-1")
	require.NoError(t, err)
	txFills := 0
	for _, entry := range history {
		if entry.EventType == txlog.EventOrderPartiallyFilled || entry.EventType == txlog.EventOrderFilled {
			txFills++
		}
	}
	last := history[len(history)-1]
	assert.Equal(t, "BRK-1", last.BrokerOrderID)
	assert.Equal(t, "T-1", last.TradeID)

	entries, err := h.journal.ByTradeID(ctx, "T-1")
	require.NoError(t, err)
	journalFills := 0
	for _, entry := range entries {
		if entry.EventType == journal.EventFill {
			journalFills++
			assert.Equal(t, "BRK-1", entry.BrokerOrderID)
		}
	}
	assert.Equal(t, 3, txFills)
	assert.Equal(t, txFills, journalFills)
}

func TestRefusedFillWritesNothing(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()

	err := h.engine.OnFill(ctx, types.Fill{
		InternalOrderID: "ORD-X",
		TradeID:         "T-X",
		Quantity:        decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(100),
	})
	assert.True(t, types.IsValidation(err))

	history, err := h.log.ReadOrder(ctx, "ORD-X")
	require.NoError(t, err)
	assert.Empty(t, history)

	entries, err := h.journal.ByOrderID(ctx, "ORD-X")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFillValidation(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()

	err := h.engine.OnFill(ctx, types.Fill{BrokerOrderID: "UNKNOWN", Quantity: decimal.NewFromInt(1)})
	assert.True(t, types.IsValidation(err))

	err = h.engine.OnFill(ctx, types.Fill{InternalOrderID: "ORD-1", BrokerOrderID: "B", Quantity: decimal.Zero})
	assert.True(t, types.IsValidation(err))
}

func TestBrokerCancelClosesOrder(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()
	require.NoError(t, h.engine.RegisterTradeID("ORD-1", "T-1"))
	res, err := h.engine.Submit(ctx, order("ORD-1"))
	require.NoError(t, err)

	require.NoError(t, h.engine.Cancel(ctx, "ORD-1"))
	assert.Equal(t, []string{res.BrokerOrderID}, h.broker.cancelled)

	require.NoError(t, h.engine.OnCancel(ctx, types.OrderUpdate{
		BrokerOrderID: res.BrokerOrderID,
		Reason:        "user requested",
	}))
	o, ok := h.engine.Machine().Get("ORD-1")
	require.True(t, ok)
	assert.Equal(t, types.StateCancelled, o.State)

	entries, err := h.journal.ByTradeID(ctx, "T-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, journal.EventCancelled, entries[1].EventType)
	assert.True(t, entries[1].Quantity.Equal(decimal.NewFromInt(10)))

	err = h.engine.Cancel(ctx, "ORD-1")
	assert.True(t, types.IsIllegalTransition(err))
	assert.ErrorIs(t, h.engine.Cancel(ctx, "ORD-404"), types.ErrOrderNotFound)
}

func TestExpireAndLateReject(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()

	a, err := h.engine.Submit(ctx, order("ORD-1"))
	require.NoError(t, err)
	b, err := h.engine.Submit(ctx, order("ORD-2"))
	require.NoError(t, err)

	require.NoError(t, h.engine.OnExpire(ctx, types.OrderUpdate{InternalOrderID: "ORD-1", BrokerOrderID: a.BrokerOrderID}))
	require.NoError(t, h.engine.OnReject(ctx, types.OrderUpdate{BrokerOrderID: b.BrokerOrderID, Reason: "halted"}))

	o, _ := h.engine.Machine().Get("ORD-1")
	assert.Equal(t, types.StateExpired, o.State)
	o, _ = h.engine.Machine().Get("ORD-2")
	assert.Equal(t, types.StateRejected, o.State)

	// A terminal order cannot be closed twice.
	err = h.engine.OnExpire(ctx, types.OrderUpdate{InternalOrderID: "ORD-1"})
	assert.True(t, types.IsIllegalTransition(err))
}

func TestSubmitUsesExposure(t *testing.T) {
	h := newHarness(t, execution.Config{})
	h.engine.SetExposureFunc(func(ctx context.Context, symbol string) (risk.Exposure, error) {
		return risk.Exposure{}, errors.New("positions unavailable")
	})

	_, err := h.engine.Submit(context.Background(), order("ORD-1"))
	require.Error(t, err)
	assert.False(t, h.engine.IsSubmitted("ORD-1"))
	assert.Zero(t, h.broker.calls())
}
