package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grid-rebalance-bot/internal/config"
	"grid-rebalance-bot/internal/exchange"
	"grid-rebalance-bot/internal/grid"
	"grid-rebalance-bot/internal/market"
	"grid-rebalance-bot/internal/models"
	"grid-rebalance-bot/internal/notifier"
	"grid-rebalance-bot/internal/persistence"
	"grid-rebalance-bot/internal/rebalance"
	"grid-rebalance-bot/internal/reporter"
	"grid-rebalance-bot/internal/statemanager"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// atrWindowFactor bounds the trailing kline window used for the replayed ATR.
const atrWindowFactor = 5

// BacktestResult 是一次回放的完整输出
type BacktestResult struct {
	Metrics      reporter.Metrics
	Equity       decimal.Decimal
	Orders       []models.Order
	OrdersPlaced int
	OrdersFailed int
}

// RunBacktest 使用K线收盘价逐根回放一个交易对。状态保存在内存中的 BadgerDB，
// 成交通过纸面交易所同步执行，每根K线后记录一次权益。
func RunBacktest(ctx context.Context, cfg *models.Config, symbol string, klines []models.Kline, logger *zap.Logger) (*BacktestResult, error) {
	if len(klines) == 0 {
		return nil, errors.New("backtest: no klines to replay")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := ManagerOptions(cfg)
	if err != nil {
		return nil, err
	}

	repo, err := persistence.NewBadgerRepository("")
	if err != nil {
		return nil, err
	}
	defer repo.Close()

	var clock time.Time
	paper := exchange.NewPaperExchange(opts.TotalInvestment)
	paper.SetClock(func() time.Time { return clock })
	executor := exchange.NewExecutor(paper, logger)

	policy := rebalance.NewPolicy(config.PolicyConfig(cfg.Rebalance))
	sm := statemanager.NewStateManager(repo, notifier.NewInline(logger, executor), policy, opts, logger)
	if err := sm.AddSymbol(symbol); err != nil {
		return nil, err
	}

	period := cfg.Grid.ATRPeriod
	window := period * atrWindowFactor
	equity := make([]float64, 0, len(klines))
	var start, end time.Time

	for i, k := range klines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if period > 0 && i+1 >= period {
			from := max(0, i+1-window)
			if atr, err := market.ATR(klines[from:i+1], period); err == nil && atr.IsPositive() {
				_ = sm.SetVolatility(symbol, atr)
			}
		}

		ts := k.CloseTime
		if ts.IsZero() {
			ts = k.OpenTime
		}
		clock = ts
		paper.SetPrice(symbol, k.Close)
		if _, err := sm.OnPriceTick(models.Tick{Symbol: symbol, Price: k.Close, Timestamp: ts}); err != nil {
			if errors.Is(err, grid.ErrOutOfOrderTick) {
				continue
			}
			return nil, fmt.Errorf("replay %s at %s: %w", symbol, ts.Format(time.RFC3339), err)
		}
		if start.IsZero() {
			start = ts
		}
		end = ts
		equity = append(equity, paper.Equity().InexactFloat64())
	}

	state, err := sm.GetStateSnapshot(symbol)
	if err != nil {
		return nil, err
	}
	stats, _ := sm.StatsSnapshot(symbol)
	unrealized, _ := sm.UnrealizedPnL(symbol)

	res := &BacktestResult{
		Metrics: reporter.CalculateMetrics(reporter.BacktestResult{
			State:          state,
			Stats:          stats,
			InitialBalance: opts.TotalInvestment,
			UnrealizedPnL:  unrealized,
			EquityCurve:    equity,
			StartTime:      start,
			EndTime:        end,
		}),
		Equity: paper.Equity(),
		Orders: paper.GetAllOrders(),
	}
	res.OrdersPlaced, res.OrdersFailed = executor.Counts()
	logger.Sugar().Infof("Backtest %s finished: %d klines, %d orders, realized %s",
		symbol, len(klines), res.OrdersPlaced, stats.RealizedPnL.StringFixed(4))
	return res, nil
}
