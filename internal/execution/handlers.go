package execution

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exec/internal/txlog"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/ksred/klear-exec/pkg/response"
)

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	engine *Engine
	txlog  *txlog.Log
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(engine *Engine, l *txlog.Log) *GinHandlers {
	return &GinHandlers{
		engine: engine,
		txlog:  l,
	}
}

// ListOrdersHandler handles GET requests listing tracked orders
// Query parameter: status (open, closed, all; default all)
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := types.OrderStatusFilter(c.DefaultQuery("status", string(types.OrderStatusAll)))

		var out []types.Order
		switch filter {
		case types.OrderStatusOpen:
			out = h.engine.Machine().Open()
		case types.OrderStatusClosed:
			for _, o := range h.engine.Machine().All() {
				if o.State.Terminal() {
					out = append(out, o)
				}
			}
		case types.OrderStatusAll:
			out = h.engine.Machine().All()
		default:
			response.BadRequest(c, "status must be open, closed or all")
			return
		}
		if out == nil {
			out = []types.Order{}
		}

		response.Success(c, out)
	}
}

// GetOrderHandler handles GET requests for one tracked order
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, ok := h.engine.Machine().Get(orderID)
		if !ok {
			response.NotFound(c, "Order not found")
			return
		}

		response.Success(c, order)
	}
}

// GetOrderHistoryHandler handles GET requests for an order's transaction log
// URL parameter: order_id
func (h *GinHandlers) GetOrderHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		entries, err := h.txlog.ReadOrder(c.Request.Context(), orderID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if len(entries) == 0 {
			response.NotFound(c, "Order not found")
			return
		}

		response.Success(c, entries)
	}
}

// CancelOrderHandler handles POST requests to cancel an open order
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		if err := h.engine.Cancel(c.Request.Context(), orderID); err != nil {
			response.Handle(c, nil, err)
			return
		}

		order, _ := h.engine.Machine().Get(orderID)
		response.Success(c, order)
	}
}
