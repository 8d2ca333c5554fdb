package reporter

import (
	"fmt"
	"math"
	"time"

	"grid-rebalance-bot/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
)

// Metrics 存储计算出的所有回测性能指标
type Metrics struct {
	Symbol           string
	InitialBalance   decimal.Decimal
	FinalBalance     decimal.Decimal
	TotalProfit      decimal.Decimal
	ProfitPercentage float64
	RealizedPnL      decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	TotalBuys        int
	TotalSells       int
	CompletedPairs   int
	WinningTrades    int
	LosingTrades     int
	WinRate          float64
	AvgProfitLoss    float64 // 平均盈利 / 平均亏损
	MaxDrawdown      float64 // 百分比
	OpenPositions    int
	Rebalances       int
	StartTime        time.Time
	EndTime          time.Time
}

// BacktestResult 是一次回放结束后的原始数据
type BacktestResult struct {
	State          *models.GridState
	Stats          models.Stats
	InitialBalance decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	EquityCurve    []float64
	StartTime      time.Time
	EndTime        time.Time
}

// CalculateMetrics 根据回放结果计算性能指标
func CalculateMetrics(r BacktestResult) Metrics {
	m := Metrics{
		Symbol:         r.Stats.Symbol,
		InitialBalance: r.InitialBalance,
		RealizedPnL:    r.Stats.RealizedPnL,
		UnrealizedPnL:  r.UnrealizedPnL,
		TotalBuys:      r.Stats.TotalBuys,
		TotalSells:     r.Stats.TotalSells,
		CompletedPairs: r.Stats.CompletedPairs,
		WinningTrades:  r.Stats.WinningTrades,
		LosingTrades:   r.Stats.LosingTrades,
		WinRate:        r.Stats.WinRate,
		OpenPositions:  r.Stats.OpenPositions,
		StartTime:      r.StartTime,
		EndTime:        r.EndTime,
	}
	if r.State != nil {
		m.Rebalances = r.State.Rebalances
		var totalProfit, totalLoss float64
		for _, t := range r.State.Trades {
			pnl := t.PnL.InexactFloat64()
			if t.PnL.IsPositive() {
				totalProfit += pnl
			} else {
				totalLoss += pnl
			}
		}
		if m.WinningTrades > 0 && m.LosingTrades > 0 && totalLoss != 0 {
			avgWin := totalProfit / float64(m.WinningTrades)
			avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
			m.AvgProfitLoss = avgWin / avgLoss
		}
	}

	m.TotalProfit = m.RealizedPnL.Add(m.UnrealizedPnL)
	m.FinalBalance = m.InitialBalance.Add(m.TotalProfit)
	if m.InitialBalance.IsPositive() {
		m.ProfitPercentage = m.TotalProfit.Div(m.InitialBalance).InexactFloat64() * 100
	}
	m.MaxDrawdown = calculateMaxDrawdown(r.EquityCurve) * 100
	return m
}

// RenderBacktest 将回测结果渲染为表格
func RenderBacktest(metrics []Metrics, dataPath string) string {
	tw := table.NewWriter()
	tw.SetTitle("回测结果报告 " + dataPath)
	tw.AppendHeader(table.Row{"交易对", "周期", "初始资金", "最终资金", "收益率", "已实现", "未实现",
		"买/卖", "完成对数", "胜率", "盈亏比", "最大回撤", "持仓", "再平衡"})
	for _, m := range metrics {
		tw.AppendRow(table.Row{
			m.Symbol,
			fmt.Sprintf("%s ~ %s", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04")),
			m.InitialBalance.StringFixed(2),
			m.FinalBalance.StringFixed(2),
			fmt.Sprintf("%.2f%%", m.ProfitPercentage),
			m.RealizedPnL.StringFixed(4),
			m.UnrealizedPnL.StringFixed(4),
			fmt.Sprintf("%d/%d", m.TotalBuys, m.TotalSells),
			m.CompletedPairs,
			fmt.Sprintf("%.2f%%", m.WinRate),
			fmt.Sprintf("%.2f", m.AvgProfitLoss),
			fmt.Sprintf("%.2f%%", m.MaxDrawdown),
			m.OpenPositions,
			m.Rebalances,
		})
	}
	tw.SetStyle(table.StyleLight)
	return tw.Render()
}

// RenderStats 将实时统计渲染为表格，用于定期状态报告
func RenderStats(stats []models.Stats, unrealized map[string]decimal.Decimal) string {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Symbol", "Buys", "Sells", "Pairs", "Win%", "Realized", "Unrealized", "Open"})
	total := decimal.Zero
	for _, s := range stats {
		u := unrealized[s.Symbol]
		total = total.Add(s.RealizedPnL).Add(u)
		tw.AppendRow(table.Row{
			s.Symbol, s.TotalBuys, s.TotalSells, s.CompletedPairs,
			fmt.Sprintf("%.1f", s.WinRate),
			s.RealizedPnL.StringFixed(4),
			u.StringFixed(4),
			s.OpenPositions,
		})
	}
	tw.AppendFooter(table.Row{"TOTAL", "", "", "", "", "", total.StringFixed(4), ""})
	tw.SetStyle(table.StyleLight)
	return tw.Render()
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}
