package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exec/internal/coordinator"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueStrategyPush(t *testing.T) {
	q := NewQueueStrategy(2)

	queued, err := q.Push(coordinator.SignalSnapshot{Symbol: " spy ", Side: "buy", Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, "SPY", queued.Symbol)
	assert.Equal(t, types.SideBuy, queued.Side)
	assert.Equal(t, types.OrderTypeMarket, queued.OrderType)
	assert.NotEmpty(t, queued.TradeID)

	kept, err := q.Push(coordinator.SignalSnapshot{Symbol: "AAPL", Side: "SELL", OrderType: "limit", TradeID: "T-9"})
	require.NoError(t, err)
	assert.Equal(t, "T-9", kept.TradeID)
	assert.Equal(t, types.OrderTypeLimit, kept.OrderType)

	_, err = q.Push(coordinator.SignalSnapshot{Symbol: "MSFT", Side: "BUY"})
	assert.True(t, types.IsValidation(err), "queue is full")

	_, err = q.Push(coordinator.SignalSnapshot{Symbol: "  ", Side: "BUY"})
	assert.True(t, types.IsValidation(err))

	signals, err := q.Signals(context.Background())
	require.NoError(t, err)
	assert.Len(t, signals, 2)
	assert.Zero(t, q.Len())

	signals, err = q.Signals(context.Background())
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestPostSignalHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	q := NewQueueStrategy(0)
	router := gin.New()
	router.POST("/signals", NewGinHandlers(q).PostSignalHandler())

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/signals", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w
	}

	w := post(`{"symbol":"spy","side":"buy","quantity":"10","order_type":"limit","limit_price":"499.5","trade_id":"T-1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"symbol":"SPY"`)
	assert.Contains(t, w.Body.String(), `"trade_id":"T-1"`)

	signals, _ := q.Signals(context.Background())
	require.Len(t, signals, 1)
	assert.True(t, signals[0].LimitPrice.Valid)
	assert.True(t, signals[0].LimitPrice.Decimal.Equal(decimal.RequireFromString("499.5")))
	assert.True(t, signals[0].Quantity.Equal(decimal.NewFromInt(10)))

	w = post(`{"side":"buy"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(`not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
