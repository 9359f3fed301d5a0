package execution_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exec/internal/execution"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/ksred/klear-exec/pkg/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(h *harness) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handlers := execution.NewGinHandlers(h.engine, h.log)

	router := gin.New()
	router.GET("/orders", handlers.ListOrdersHandler())
	router.GET("/orders/:order_id", handlers.GetOrderHandler())
	router.GET("/orders/:order_id/history", handlers.GetOrderHistoryHandler())
	router.POST("/orders/:order_id/cancel", handlers.CancelOrderHandler())
	return router
}

func serve(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func decodeOrders(t *testing.T, w *httptest.ResponseRecorder) []types.Order {
	t.Helper()
	var body struct {
		response.Response
		Data []types.Order `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Data
}

func TestListOrdersHandler(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()
	_, err := h.engine.Submit(ctx, order("ORD-1"))
	require.NoError(t, err)
	_, err = h.engine.Submit(ctx, order("ORD-2"))
	require.NoError(t, err)
	require.NoError(t, h.engine.OnCancel(ctx, types.OrderUpdate{InternalOrderID: "ORD-2"}))

	router := setupRouter(h)

	w := serve(router, http.MethodGet, "/orders")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeOrders(t, w), 2)

	w = serve(router, http.MethodGet, "/orders?status=open")
	require.Equal(t, http.StatusOK, w.Code)
	open := decodeOrders(t, w)
	require.Len(t, open, 1)
	assert.Equal(t, "ORD-1", open[0].InternalOrderID)

	w = serve(router, http.MethodGet, "/orders?status=closed")
	require.Equal(t, http.StatusOK, w.Code)
	closed := decodeOrders(t, w)
	require.Len(t, closed, 1)
	assert.Equal(t, types.StateCancelled, closed[0].State)

	w = serve(router, http.MethodGet, "/orders?status=pending")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListOrdersHandlerEmpty(t *testing.T) {
	h := newHarness(t, execution.Config{})
	w := serve(setupRouter(h), http.MethodGet, "/orders?status=open")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"data":[]`)
}

func TestGetOrderHandlers(t *testing.T) {
	h := newHarness(t, execution.Config{})
	_, err := h.engine.Submit(context.Background(), order("ORD-1"))
	require.NoError(t, err)
	router := setupRouter(h)

	w := serve(router, http.MethodGet, "/orders/ORD-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"broker_order_id":"BRK-1"`)

	w = serve(router, http.MethodGet, "/orders/ORD-404")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(router, http.MethodGet, "/orders/ORD-1/history")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"event_type":"ORDER_CREATED"`)
	assert.Contains(t, w.Body.String(), `"event_type":"ORDER_SUBMITTED"`)

	w = serve(router, http.MethodGet, "/orders/ORD-404/history")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelOrderHandler(t *testing.T) {
	h := newHarness(t, execution.Config{})
	ctx := context.Background()
	_, err := h.engine.Submit(ctx, order("ORD-1"))
	require.NoError(t, err)
	router := setupRouter(h)

	w := serve(router, http.MethodPost, "/orders/ORD-1/cancel")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{"BRK-1"}, h.broker.cancelled)

	w = serve(router, http.MethodPost, "/orders/ORD-404/cancel")
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, h.engine.OnCancel(ctx, types.OrderUpdate{InternalOrderID: "ORD-1"}))
	w = serve(router, http.MethodPost, "/orders/ORD-1/cancel")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), response.ErrCodeIllegalTransition)
}
