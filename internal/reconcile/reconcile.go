// Package reconcile compares the local order book and journaled positions
// with the broker's view and reports drift. It never changes local state.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-exec/internal/journal"
	"github.com/ksred/klear-exec/internal/metrics"
	"github.com/ksred/klear-exec/internal/orders"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/ksred/klear-exec/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BrokerState is the read side of the broker collaborator.
type BrokerState interface {
	GetPositions(ctx context.Context) ([]types.Position, error)
	GetOrders(ctx context.Context, filter types.OrderStatusFilter) ([]types.BrokerOrder, error)
}

// Service handles reconciliation runs
type Service struct {
	machine *orders.Machine
	journal *journal.Journal
	broker  BrokerState
	db      *Database
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a reconciliation service with the given database connection
func NewService(machine *orders.Machine, j *journal.Journal, broker BrokerState, gormDB *gorm.DB, m *metrics.Metrics) *Service {
	return &Service{
		machine: machine,
		journal: j,
		broker:  broker,
		db:      NewDatabase(gormDB),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one reconciliation pass and stores its report
func (s *Service) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:     "REC_" + uuid.New().String(),
		StartedAt: s.now(),
	}
	logger := log.With().
		Str("run_id", report.RunID).
		Str("service", "reconcile").
		Logger()

	logger.Debug().Msg("starting reconciliation")

	brokerOrders, err := s.broker.GetOrders(ctx, types.OrderStatusAll)
	if err != nil {
		return nil, &types.BrokerError{Op: "get_orders", Err: err}
	}
	brokerPositions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return nil, &types.BrokerError{Op: "get_positions", Err: err}
	}
	localNet, err := s.journal.NetPositions(ctx)
	if err != nil {
		return nil, err
	}

	report.OrderDrift = compareOrders(s.machine.Open(), s.machine.Unacknowledged(), brokerOrders)
	report.PositionDrift = comparePositions(localNet, brokerPositions)
	report.LocalOpen = len(s.machine.Open())
	for _, bo := range brokerOrders {
		if bo.Status.Open() {
			report.BrokerOpen++
		}
	}

	report.Status = StatusClean
	if !report.Clean() {
		report.Status = StatusDrift
	}

	for _, d := range report.OrderDrift {
		s.metrics.Drift(d.Kind, 1)
		logger.Warn().
			Str("kind", d.Kind).
			Str("internal_order_id", d.InternalOrderID).
			Str("broker_order_id", d.BrokerOrderID).
			Str("local_state", string(d.LocalState)).
			Str("broker_state", string(d.BrokerState)).
			Msg("order drift detected")
	}
	for _, d := range report.PositionDrift {
		s.metrics.Drift(DriftPosition, 1)
		logger.Warn().
			Str("symbol", d.Symbol).
			Str("local", d.Local.String()).
			Str("broker", d.Broker.String()).
			Msg("position drift detected")
	}

	if err := s.db.SaveRun(ctx, report); err != nil {
		logger.Error().Err(err).Msg("failed to save reconcile run")
		return nil, fmt.Errorf("failed to save reconcile run: %w", err)
	}

	logger.Info().
		Str("status", report.Status).
		Int("local_open", report.LocalOpen).
		Int("broker_open", report.BrokerOpen).
		Int("order_drifts", len(report.OrderDrift)).
		Int("position_drifts", len(report.PositionDrift)).
		Msg("reconciliation completed")

	return report, nil
}

// Latest returns the last stored report
func (s *Service) Latest(ctx context.Context) (*Report, error) {
	return s.db.LatestReport(ctx)
}

// Start runs reconciliation on an interval until ctx is done
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	logger := log.With().Str("component", "reconcile_processor").Logger()
	logger.Info().Dur("interval", interval).Msg("starting reconcile processor")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down reconcile processor")
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to reconcile with broker")
			}
		}
	}
}

func compareOrders(localOpen, unacked []types.Order, brokerOrders []types.BrokerOrder) []OrderDrift {
	byBrokerID := make(map[string]types.BrokerOrder, len(brokerOrders))
	byInternalID := make(map[string]types.BrokerOrder, len(brokerOrders))
	for _, bo := range brokerOrders {
		byBrokerID[bo.BrokerOrderID] = bo
		if bo.InternalOrderID != "" {
			byInternalID[bo.InternalOrderID] = bo
		}
	}

	var drifts []OrderDrift
	known := make(map[string]bool, len(localOpen))
	for _, o := range localOpen {
		known[o.BrokerOrderID] = true
		bo, ok := byBrokerID[o.BrokerOrderID]
		if !ok {
			drifts = append(drifts, OrderDrift{
				Kind:            DriftMissingAtBroker,
				InternalOrderID: o.InternalOrderID,
				BrokerOrderID:   o.BrokerOrderID,
				Symbol:          o.Symbol,
				LocalState:      o.State,
				LocalFilled:     o.FilledQuantity,
			})
			continue
		}
		d := OrderDrift{
			InternalOrderID: o.InternalOrderID,
			BrokerOrderID:   o.BrokerOrderID,
			Symbol:          o.Symbol,
			LocalState:      o.State,
			BrokerState:     bo.Status,
			LocalFilled:     o.FilledQuantity,
			BrokerFilled:    bo.FilledQuantity,
		}
		switch {
		case bo.Status != o.State:
			d.Kind = DriftState
			drifts = append(drifts, d)
		case !bo.FilledQuantity.Equal(o.FilledQuantity):
			d.Kind = DriftFilledQuantity
			drifts = append(drifts, d)
		}
	}

	for _, o := range unacked {
		d := OrderDrift{
			Kind:            DriftUnacknowledged,
			InternalOrderID: o.InternalOrderID,
			Symbol:          o.Symbol,
			LocalState:      o.State,
		}
		if bo, ok := byInternalID[o.InternalOrderID]; ok {
			known[bo.BrokerOrderID] = true
			d.BrokerOrderID = bo.BrokerOrderID
			d.BrokerState = bo.Status
			d.BrokerFilled = bo.FilledQuantity
		}
		drifts = append(drifts, d)
	}

	for _, bo := range brokerOrders {
		if !bo.Status.Open() || known[bo.BrokerOrderID] {
			continue
		}
		drifts = append(drifts, OrderDrift{
			Kind:            DriftUnknownAtBroker,
			InternalOrderID: bo.InternalOrderID,
			BrokerOrderID:   bo.BrokerOrderID,
			Symbol:          bo.Symbol,
			BrokerState:     bo.Status,
			BrokerFilled:    bo.FilledQuantity,
		})
	}

	sort.SliceStable(drifts, func(i, j int) bool {
		if drifts[i].Kind != drifts[j].Kind {
			return drifts[i].Kind < drifts[j].Kind
		}
		return drifts[i].InternalOrderID < drifts[j].InternalOrderID
	})
	return drifts
}

func comparePositions(local map[string]decimal.Decimal, broker []types.Position) []PositionDrift {
	remote := make(map[string]decimal.Decimal, len(broker))
	for _, p := range broker {
		remote[p.Symbol] = remote[p.Symbol].Add(p.Quantity)
	}
	symbols := make(map[string]struct{}, len(local)+len(remote))
	for s := range local {
		symbols[s] = struct{}{}
	}
	for s := range remote {
		symbols[s] = struct{}{}
	}

	var drifts []PositionDrift
	for s := range symbols {
		if !local[s].Equal(remote[s]) {
			drifts = append(drifts, PositionDrift{Symbol: s, Local: local[s], Broker: remote[s]})
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].Symbol < drifts[j].Symbol })
	return drifts
}

// GinHandlers contains HTTP handlers for reconciliation endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for reconciliation endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetLatestHandler handles GET requests for the last reconciliation report
func (h *GinHandlers) GetLatestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.service.Latest(c.Request.Context())
		response.Handle(c, report, err)
	}
}

// ListRunsHandler handles GET requests for recent run summaries
// Query parameter: limit (default 20)
func (h *GinHandlers) ListRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
		if err != nil || limit <= 0 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		runs, err := h.service.db.ListRuns(c.Request.Context(), limit)
		response.Handle(c, runs, err)
	}
}

// RunHandler handles POST requests triggering a reconciliation pass
func (h *GinHandlers) RunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.service.Run(c.Request.Context())
		response.Handle(c, report, err)
	}
}
