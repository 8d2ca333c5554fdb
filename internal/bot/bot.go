package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grid-rebalance-bot/internal/api"
	"grid-rebalance-bot/internal/config"
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

const tickBuffer = 1024

// TickSource pushes price ticks until ctx is cancelled.
type TickSource interface {
	Run(ctx context.Context, out chan<- models.Tick)
}

// TradeRecorder appends completed pairs to the history store.
type TradeRecorder interface {
	RecordTrade(ctx context.Context, t models.TradeRecord) error
}

// Components are the collaborators a GridBot is built from. Only Repo is required.
type Components struct {
	Repo    persistence.StateRepository
	Stream  TickSource
	Klines  market.KlineSource
	History api.HistoryProvider
	// Recorder receives the trades already in persisted state at startup.
	Recorder TradeRecorder
	// Sinks share one lossy notification queue.
	Sinks []notifier.Sink
	// Durable sinks each get a blocking queue of their own and see every event.
	Durable  []notifier.Sink
	Closers  []func() error
	HTTPAddr string
}

// GridBot 将价格流、状态管理器、通知队列和统计接口串联起来
type GridBot struct {
	cfg        *models.Config
	sm         *statemanager.StateManager
	dispatcher *notifier.Dispatcher
	durable    []*notifier.Dispatcher
	comps      Components
	api        *api.Server
	logger     *zap.Logger
	started    time.Time
}

// ManagerOptions 将配置转换为状态管理器参数
func ManagerOptions(cfg *models.Config) (statemanager.Options, error) {
	match, err := grid.ParseMatchPolicy(cfg.Grid.MatchPolicy)
	if err != nil {
		return statemanager.Options{}, err
	}
	return statemanager.Options{
		LevelCount:               cfg.Grid.LevelCount,
		ATRMultiplier:            decimal.NewFromFloat(cfg.Grid.ATRMultiplier),
		TotalInvestment:          decimal.NewFromFloat(cfg.Grid.TotalInvestment),
		Match:                    match,
		BreakoutBufferMultiplier: decimal.NewFromFloat(cfg.Rebalance.BreakoutBufferMultiplier),
		MinProfitPercent:         decimal.NewFromFloat(cfg.Rebalance.MinProfitPercent),
	}, nil
}

// NewGridBot 创建机器人并注册配置中的所有交易对，已持久化的状态会被恢复
func NewGridBot(cfg *models.Config, comps Components, logger *zap.Logger) (*GridBot, error) {
	if comps.Repo == nil {
		return nil, errors.New("bot: state repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := ManagerOptions(cfg)
	if err != nil {
		return nil, err
	}

	dispatcher := notifier.NewDispatcher(cfg.NotifyQueueSize, logger, notifier.NewLogSink(logger))
	for _, s := range comps.Sinks {
		dispatcher.AddSink(s)
	}
	out := notifier.Fanout{dispatcher}
	var durable []*notifier.Dispatcher
	for _, s := range comps.Durable {
		d := notifier.NewBlockingDispatcher(cfg.NotifyQueueSize, logger, s)
		durable = append(durable, d)
		out = append(out, d)
	}
	policy := rebalance.NewPolicy(config.PolicyConfig(cfg.Rebalance))
	sm := statemanager.NewStateManager(comps.Repo, out, policy, opts, logger)

	for _, s := range cfg.Symbols {
		if err := sm.AddSymbol(s); err != nil {
			return nil, fmt.Errorf("add symbol %s: %w", s, err)
		}
	}
	// 已不在配置中的交易对只用于统计展示，不会收到价格
	if err := sm.LoadAll(); err != nil {
		return nil, fmt.Errorf("restore persisted symbols: %w", err)
	}

	b := &GridBot{
		cfg:        cfg,
		sm:         sm,
		dispatcher: dispatcher,
		durable:    durable,
		comps:      comps,
		logger:     logger,
	}
	if comps.HTTPAddr != "" {
		b.api = api.NewServer(comps.HTTPAddr, sm, comps.History, logger)
	}
	if comps.Recorder != nil {
		if err := b.backfillHistory(context.Background()); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// backfillHistory 将持久化状态中的成交写入历史库。按 (symbol, seq) 去重，重复写入无副作用。
func (b *GridBot) backfillHistory(ctx context.Context) error {
	total := 0
	for _, sym := range b.sm.Symbols() {
		state, err := b.sm.GetStateSnapshot(sym)
		if err != nil {
			return err
		}
		for _, t := range state.Trades {
			if err := b.comps.Recorder.RecordTrade(ctx, t); err != nil {
				return fmt.Errorf("backfill %s trade %d: %w", sym, t.Seq, err)
			}
		}
		total += len(state.Trades)
	}
	if total > 0 {
		b.logger.Sugar().Infof("History backfill checked %d persisted trades", total)
	}
	return nil
}

// StateManager exposes the underlying manager for callers that need snapshots.
func (b *GridBot) StateManager() *statemanager.StateManager {
	return b.sm
}

// Run 启动所有后台任务并消费价格流，直到 ctx 被取消。退出前会排空通知队列并关闭存储。
func (b *GridBot) Run(ctx context.Context) error {
	b.started = time.Now()
	b.logger.Sugar().Infof("Grid bot starting for %v", b.sm.Symbols())

	var wg sync.WaitGroup
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	for _, d := range append([]*notifier.Dispatcher{b.dispatcher}, b.durable...) {
		wg.Add(1)
		go func(d *notifier.Dispatcher) {
			defer wg.Done()
			d.Run(dispatchCtx)
		}(d)
	}

	var workers sync.WaitGroup
	if b.comps.Klines != nil {
		refresher := market.NewATRRefresher(b.comps.Klines, b.sm, b.sm.Symbols(),
			b.cfg.Grid.ATRInterval, b.cfg.Grid.ATRPeriod, b.logger)
		if err := refresher.RefreshOnce(ctx); err != nil {
			b.logger.Sugar().Warnf("Initial ATR refresh incomplete, falling back to price-based volatility: %v", err)
		}
		if every := time.Duration(b.cfg.Grid.ATRRefreshMin) * time.Minute; every > 0 {
			workers.Add(1)
			go func() {
				defer workers.Done()
				refresher.Run(ctx, every)
			}()
		}
	}

	if b.cfg.StatusReportHrs > 0 {
		workers.Add(1)
		go func() {
			defer workers.Done()
			b.statusLoop(ctx, time.Duration(b.cfg.StatusReportHrs*float64(time.Hour)))
		}()
	}

	if b.api != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := b.api.Start(); err != nil {
				b.logger.Sugar().Errorf("Stats API stopped: %v", err)
			}
		}()
	}

	ticks := make(chan models.Tick, tickBuffer)
	if b.comps.Stream != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			b.comps.Stream.Run(ctx, ticks)
		}()
	}

	b.consume(ctx, ticks)

	if b.api != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.api.Shutdown(shutdownCtx); err != nil {
			b.logger.Sugar().Warnf("Stats API shutdown: %v", err)
		}
		cancel()
	}
	workers.Wait()

	b.dispatcher.Publish(b.StatusReport(time.Now()))
	stopDispatch()
	wg.Wait()
	if n := b.dispatcher.Dropped(); n > 0 {
		b.logger.Sugar().Warnf("%d notifications were dropped because the queue was full", n)
	}

	return b.close()
}

func (b *GridBot) consume(ctx context.Context, ticks <-chan models.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticks:
			b.HandleTick(t)
		}
	}
}

// HandleTick 将一个价格推送交给状态管理器。乱序推送只记 debug 日志。
func (b *GridBot) HandleTick(t models.Tick) {
	fills, err := b.sm.OnPriceTick(t)
	switch {
	case err == nil:
		if len(fills) > 0 {
			b.logger.Sugar().Debugf("%s tick %s produced %d fills", t.Symbol, t.Price, len(fills))
		}
	case errors.Is(err, grid.ErrOutOfOrderTick):
		b.logger.Sugar().Debugf("Dropped tick: %v", err)
	default:
		b.logger.Sugar().Errorf("Tick %s@%s failed: %v", t.Symbol, t.Price, err)
	}
}

func (b *GridBot) statusLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.dispatcher.Publish(b.StatusReport(now))
		}
	}
}

// StatusReport 生成所有交易对的统计表格
func (b *GridBot) StatusReport(now time.Time) models.Event {
	stats := b.sm.AllStats()
	unrealized := make(map[string]decimal.Decimal, len(stats))
	total := decimal.Zero
	realized := decimal.Zero
	for _, s := range stats {
		u, err := b.sm.UnrealizedPnL(s.Symbol)
		if err != nil {
			continue
		}
		unrealized[s.Symbol] = u
		total = total.Add(u)
		realized = realized.Add(s.RealizedPnL)
	}
	msg := reporter.RenderStats(stats, unrealized)
	if !b.started.IsZero() {
		msg = fmt.Sprintf("Uptime %s\n%s", now.Sub(b.started).Round(time.Minute), msg)
	}
	return models.Event{
		Kind:          models.EventStatus,
		Timestamp:     now.UTC(),
		Message:       msg,
		RealizedPnL:   realized,
		UnrealizedPnL: total,
	}
}

func (b *GridBot) close() error {
	var errs []error
	for _, c := range b.comps.Closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.comps.Repo.Close(); err != nil {
		errs = append(errs, err)
	}
	b.logger.Sugar().Info("Grid bot stopped.")
	return errors.Join(errs...)
}
