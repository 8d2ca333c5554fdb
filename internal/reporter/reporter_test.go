package reporter

import (
	"strings"
	"testing"

	"grid-rebalance-bot/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCalculateMaxDrawdown(t *testing.T) {
	assert.Equal(t, 0.0, calculateMaxDrawdown(nil))
	assert.Equal(t, 0.0, calculateMaxDrawdown([]float64{100, 110, 120}))
	assert.InDelta(t, 0.25, calculateMaxDrawdown([]float64{100, 120, 90, 130, 110}), 1e-9)
}

func TestCalculateMetrics(t *testing.T) {
	state := &models.GridState{
		Rebalances: 2,
		Trades: []models.TradeRecord{
			{PnL: decimal.NewFromInt(4)},
			{PnL: decimal.NewFromInt(2)},
			{PnL: decimal.NewFromInt(-1)},
		},
	}
	m := CalculateMetrics(BacktestResult{
		State: state,
		Stats: models.Stats{
			Symbol: "BTCUSDT", TotalBuys: 4, TotalSells: 3, CompletedPairs: 3,
			WinningTrades: 2, LosingTrades: 1, WinRate: 200.0 / 3, RealizedPnL: decimal.NewFromInt(5), OpenPositions: 1,
		},
		InitialBalance: decimal.NewFromInt(1000),
		UnrealizedPnL:  decimal.NewFromInt(-2),
		EquityCurve:    []float64{1000, 1010, 1003},
	})
	assert.True(t, m.FinalBalance.Equal(decimal.NewFromInt(1003)))
	assert.InDelta(t, 0.3, m.ProfitPercentage, 1e-9)
	assert.InDelta(t, 3.0, m.AvgProfitLoss, 1e-9)
	assert.Equal(t, 2, m.Rebalances)
	assert.InDelta(t, 100*7.0/1010, m.MaxDrawdown, 1e-9)
}

func TestRenderTables(t *testing.T) {
	out := RenderStats([]models.Stats{{Symbol: "ETHUSDT", TotalBuys: 3, CompletedPairs: 1, WinRate: 100, RealizedPnL: decimal.NewFromInt(1)}},
		map[string]decimal.Decimal{"ETHUSDT": decimal.RequireFromString("0.5")})
	assert.Contains(t, out, "ETHUSDT")
	assert.Contains(t, out, "1.5000")

	bt := RenderBacktest([]Metrics{{Symbol: "BTCUSDT", InitialBalance: decimal.NewFromInt(1000), FinalBalance: decimal.NewFromInt(1010)}}, "data/btc.csv")
	assert.True(t, strings.Contains(bt, "BTCUSDT"))
	assert.Contains(t, bt, "1010.00")
}
