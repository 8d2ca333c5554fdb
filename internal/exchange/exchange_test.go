package exchange

import (
	"context"
	"testing"
	"time"

	"grid-rebalance-bot/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPaperExchange_BuyThenSell(t *testing.T) {
	ex := NewPaperExchange(dec("1000"))
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ex.SetClock(func() time.Time { return fixed })
	ctx := context.Background()

	buy, err := ex.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Price: dec("99"), Quantity: dec("2")})
	require.NoError(t, err)
	assert.Equal(t, "FILLED", buy.Status)
	assert.Equal(t, fixed, buy.Time)
	assert.True(t, ex.Cash.Equal(dec("802")))

	_, err = ex.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Price: dec("101"), Quantity: dec("3")})
	assert.Error(t, err)

	_, err = ex.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Price: dec("101"), Quantity: dec("2")})
	require.NoError(t, err)
	assert.True(t, ex.Cash.Equal(dec("1004")))
	assert.True(t, ex.Holdings["BTCUSDT"].IsZero())
	assert.Len(t, ex.GetAllOrders(), 2)
}

func TestPaperExchange_EquityMarksHoldings(t *testing.T) {
	ex := NewPaperExchange(dec("100"))
	_, err := ex.PlaceOrder(context.Background(), OrderRequest{Symbol: "ETHUSDT", Side: models.Buy, Price: dec("10"), Quantity: dec("5")})
	require.NoError(t, err)
	ex.SetPrice("ETHUSDT", dec("12"))
	assert.True(t, ex.Equity().Equal(dec("110")))

	p, err := ex.GetPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, p.Equal(dec("12")))
	_, err = ex.GetPrice(context.Background(), "SOLUSDT")
	assert.Error(t, err)
}

func TestPaperExchange_GetKlinesLimit(t *testing.T) {
	ex := NewPaperExchange(dec("0"))
	for i := 0; i < 5; i++ {
		ex.Klines["BTCUSDT"] = append(ex.Klines["BTCUSDT"], models.Kline{Close: decimal.NewFromInt(int64(i))})
	}
	ks, err := ex.GetKlines(context.Background(), "BTCUSDT", "1h", 2)
	require.NoError(t, err)
	require.Len(t, ks, 2)
	assert.True(t, ks[1].Close.Equal(decimal.NewFromInt(4)))
}

func TestRoundToStep(t *testing.T) {
	assert.Equal(t, "0.123", RoundToStep(dec("0.12345"), dec("0.001")).String())
	assert.Equal(t, "100.5", RoundToStep(dec("100.57"), dec("0.5")).String())
	assert.Equal(t, "1.23456", RoundToStep(dec("1.23456"), decimal.Zero).String())
}

func TestParseKline(t *testing.T) {
	k, err := ParseKline(1700000000000, "100.1", "101", "99.5", "100.7", "12.5", 1700003599999)
	require.NoError(t, err)
	assert.True(t, k.High.Equal(dec("101")))
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), k.OpenTime)

	_, err = ParseKline(0, "x", "1", "1", "1", "1", 0)
	assert.Error(t, err)
}

func TestExecutor_PlacesOrdersForFills(t *testing.T) {
	ex := NewPaperExchange(dec("1000"))
	x := NewExecutor(ex, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, x.Handle(ctx, models.Event{Kind: models.EventInfo}))
	require.NoError(t, x.Handle(ctx, models.Event{
		ID:   "evt1",
		Kind: models.EventFill,
		Fill: &models.FillEvent{Symbol: "BTCUSDT", Side: models.Buy, Price: dec("99"), Quantity: dec("1")},
	}))
	err := x.Handle(ctx, models.Event{
		ID:   "evt2",
		Kind: models.EventFill,
		Fill: &models.FillEvent{Symbol: "BTCUSDT", Side: models.Sell, Price: dec("101"), Quantity: dec("5")},
	})
	assert.Error(t, err)

	placed, failed := x.Counts()
	assert.Equal(t, 1, placed)
	assert.Equal(t, 1, failed)
	orders := ex.GetAllOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "evt1", orders[0].ClientOrderID)
}
