package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"grid-rebalance-bot/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// symbolFilters 是交易对的价格与数量精度
type symbolFilters struct {
	tickSize decimal.Decimal
	stepSize decimal.Decimal
}

// BinanceExchange 实现了 Exchange 接口，通过 go-binance 与币安现货交互。
// 下单请求经过令牌桶限速。
type BinanceExchange struct {
	client  *binance.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	filters map[string]symbolFilters
}

// NewBinanceExchange 创建一个新的 BinanceExchange 实例。
func NewBinanceExchange(cfg models.BinanceConfig, logger *zap.Logger) *BinanceExchange {
	binance.UseTestnet = cfg.IsTestnet
	limit := rate.Limit(cfg.OrderRateLimit)
	if cfg.OrderRateLimit <= 0 {
		limit = rate.Limit(5)
	}
	burst := cfg.OrderBurst
	if burst <= 0 {
		burst = 1
	}
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	return &BinanceExchange{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		filters: make(map[string]symbolFilters),
	}
}

// SyncTime 与币安服务器同步时间，计算时间偏移。
func (e *BinanceExchange) SyncTime(ctx context.Context) error {
	offset, err := e.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return fmt.Errorf("与币安服务器同步时间失败: %w", err)
	}
	e.logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", offset))
	return nil
}

func (e *BinanceExchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("获取 %s 价格失败: %w", symbol, err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return decimal.NewFromString(p.Price)
		}
	}
	return decimal.Zero, fmt.Errorf("币安未返回 %s 的价格", symbol)
}

func (e *BinanceExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error) {
	raw, err := e.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("下载 %s K线失败: %w", symbol, err)
	}
	out := make([]models.Kline, 0, len(raw))
	for _, k := range raw {
		kl, err := ParseKline(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume, k.CloseTime)
		if err != nil {
			return nil, err
		}
		out = append(out, kl)
	}
	return out, nil
}

// ParseKline 将币安返回的字符串字段转换为 decimal K线
func ParseKline(openTime int64, open, high, low, closePrice, volume string, closeTime int64) (models.Kline, error) {
	fields := []string{open, high, low, closePrice, volume}
	vals := make([]decimal.Decimal, len(fields))
	for i, f := range fields {
		v, err := decimal.NewFromString(f)
		if err != nil {
			return models.Kline{}, fmt.Errorf("解析K线字段 %q 失败: %w", f, err)
		}
		vals[i] = v
	}
	return models.Kline{
		OpenTime:  time.UnixMilli(openTime).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		CloseTime: time.UnixMilli(closeTime).UTC(),
	}, nil
}

func (e *BinanceExchange) symbolFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	e.mu.Lock()
	f, ok := e.filters[symbol]
	e.mu.Unlock()
	if ok {
		return f, nil
	}

	info, err := e.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return symbolFilters{}, fmt.Errorf("获取 %s 交易规则失败: %w", symbol, err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		if pf := s.PriceFilter(); pf != nil {
			f.tickSize, _ = decimal.NewFromString(pf.TickSize)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			f.stepSize, _ = decimal.NewFromString(lf.StepSize)
		}
	}
	e.mu.Lock()
	e.filters[symbol] = f
	e.mu.Unlock()
	return f, nil
}

// RoundToStep 将数值向下取整到 step 的整数倍。step 为零时原样返回。
func RoundToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// PlaceOrder 下一个 GTC 限价单
func (e *BinanceExchange) PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	f, err := e.symbolFilters(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	price := RoundToStep(req.Price, f.tickSize)
	qty := RoundToStep(req.Quantity, f.stepSize)
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%s 数量 %s 低于最小步长 %s", req.Symbol, req.Quantity, f.stepSize)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("下单限速等待被中断: %w", err)
	}

	side := binance.SideTypeBuy
	if req.Side == models.Sell {
		side = binance.SideTypeSell
	}
	e.logger.Info("提交限价单",
		zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)),
		zap.String("price", price.String()), zap.String("qty", qty.String()),
		zap.String("clientOrderId", req.ClientOrderID))

	res, err := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Price(price.String()).
		Quantity(qty.String()).
		NewClientOrderID(req.ClientOrderID).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("下单失败: %w", err)
	}

	order := &models.Order{
		Symbol:        res.Symbol,
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Side:          models.Side(strings.ToUpper(string(res.Side))),
		Type:          string(res.Type),
		Status:        string(res.Status),
		Time:          time.UnixMilli(res.TransactTime).UTC(),
	}
	order.Price, _ = decimal.NewFromString(res.Price)
	order.Quantity, _ = decimal.NewFromString(res.OrigQuantity)
	return order, nil
}
