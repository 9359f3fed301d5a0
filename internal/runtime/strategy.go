package runtime

import (
	"context"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-exec/internal/coordinator"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/ksred/klear-exec/pkg/response"
	"github.com/shopspring/decimal"
)

const defaultQueueSize = 1024

// QueueStrategy is a Strategy fed from outside, e.g. over HTTP. Each cycle
// drains whatever was pushed since the last one.
type QueueStrategy struct {
	mu      sync.Mutex
	pending []coordinator.SignalSnapshot
	max     int
}

func NewQueueStrategy(max int) *QueueStrategy {
	if max <= 0 {
		max = defaultQueueSize
	}
	return &QueueStrategy{max: max}
}

// Push queues a signal, assigning a trade id when it has none. The signal
// shape is checked here; policy checks happen in the coordinator.
func (q *QueueStrategy) Push(sig coordinator.SignalSnapshot) (coordinator.SignalSnapshot, error) {
	sig.Symbol = strings.ToUpper(strings.TrimSpace(sig.Symbol))
	sig.Side = types.Side(strings.ToUpper(string(sig.Side)))
	sig.OrderType = types.OrderType(strings.ToUpper(string(sig.OrderType)))
	if sig.Symbol == "" {
		return sig, types.NewValidationError("symbol", "is required")
	}
	if sig.OrderType == "" {
		sig.OrderType = types.OrderTypeMarket
	}
	if sig.TradeID == "" {
		sig.TradeID = uuid.New().String()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.max {
		return sig, types.NewValidationError("signal", "queue is full")
	}
	q.pending = append(q.pending, sig)
	return sig, nil
}

// Signals drains the queue.
func (q *QueueStrategy) Signals(ctx context.Context) ([]coordinator.SignalSnapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out, nil
}

// Len returns the number of queued signals.
func (q *QueueStrategy) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// SignalRequest is the body of a signal submission.
type SignalRequest struct {
	Symbol     string           `json:"symbol" binding:"required"`
	Side       string           `json:"side" binding:"required"`
	Quantity   decimal.Decimal  `json:"quantity"`
	OrderType  string           `json:"order_type"`
	LimitPrice *decimal.Decimal `json:"limit_price"`
	Strategy   string           `json:"strategy"`
	TradeID    string           `json:"trade_id"`
}

// GinHandlers contains HTTP handlers for signal intake
type GinHandlers struct {
	queue *QueueStrategy
}

// NewGinHandlers creates a new set of HTTP handlers for signal intake
func NewGinHandlers(queue *QueueStrategy) *GinHandlers {
	return &GinHandlers{
		queue: queue,
	}
}

// PostSignalHandler handles POST requests queueing a strategy signal
// Request body: SignalRequest
func (h *GinHandlers) PostSignalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SignalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		sig := coordinator.SignalSnapshot{
			Symbol:    req.Symbol,
			Side:      types.Side(req.Side),
			Quantity:  req.Quantity,
			OrderType: types.OrderType(req.OrderType),
			Strategy:  req.Strategy,
			TradeID:   req.TradeID,
		}
		if req.LimitPrice != nil {
			sig.LimitPrice = decimal.NewNullDecimal(*req.LimitPrice)
		}

		queued, err := h.queue.Push(sig)
		response.Handle(c, queued, err)
	}
}
