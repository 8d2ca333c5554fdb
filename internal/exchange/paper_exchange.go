package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grid-rebalance-bot/internal/models"

	"github.com/shopspring/decimal"
)

// PaperExchange 在内存中模拟成交，用于 dry-run 与回测。
// 所有限价单按委托价立即成交，并维护每个交易对的现金与持仓。
type PaperExchange struct {
	mu          sync.Mutex
	Cash        decimal.Decimal
	Holdings    map[string]decimal.Decimal
	LastPrices  map[string]decimal.Decimal
	Klines      map[string][]models.Kline
	orders      []*models.Order
	nextOrderID int64
	now         func() time.Time
}

// NewPaperExchange 创建一个带初始资金的纸面交易所
func NewPaperExchange(initialCash decimal.Decimal) *PaperExchange {
	return &PaperExchange{
		Cash:       initialCash,
		Holdings:   make(map[string]decimal.Decimal),
		LastPrices: make(map[string]decimal.Decimal),
		Klines:     make(map[string][]models.Kline),
		now:        time.Now,
	}
}

// SetClock 替换时间来源，回测时使用K线时间
func (e *PaperExchange) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// SetPrice 更新最新价格
func (e *PaperExchange) SetPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.LastPrices[symbol] = price
}

func (e *PaperExchange) GetPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.LastPrices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

// PlaceOrder 立即按委托价成交。卖出数量超过持仓时拒绝。
func (e *PaperExchange) PlaceOrder(_ context.Context, req OrderRequest) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !req.Price.IsPositive() || !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("invalid order %s %s@%s", req.Side, req.Quantity, req.Price)
	}
	notional := req.Price.Mul(req.Quantity)
	held := e.Holdings[req.Symbol]
	switch req.Side {
	case models.Buy:
		e.Cash = e.Cash.Sub(notional)
		e.Holdings[req.Symbol] = held.Add(req.Quantity)
	case models.Sell:
		if held.LessThan(req.Quantity) {
			return nil, fmt.Errorf("insufficient %s balance: have %s, sell %s", req.Symbol, held, req.Quantity)
		}
		e.Cash = e.Cash.Add(notional)
		e.Holdings[req.Symbol] = held.Sub(req.Quantity)
	default:
		return nil, fmt.Errorf("unknown side %q", req.Side)
	}

	e.nextOrderID++
	order := &models.Order{
		Symbol:        req.Symbol,
		OrderID:       e.nextOrderID,
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Type:          "LIMIT",
		Price:         req.Price,
		Quantity:      req.Quantity,
		Status:        "FILLED",
		Time:          e.now(),
	}
	e.orders = append(e.orders, order)
	return order, nil
}

func (e *PaperExchange) GetKlines(_ context.Context, symbol, _ string, limit int) ([]models.Kline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ks := e.Klines[symbol]
	if limit > 0 && len(ks) > limit {
		ks = ks[len(ks)-limit:]
	}
	return append([]models.Kline(nil), ks...), nil
}

// GetAllOrders 返回所有已成交订单的副本
func (e *PaperExchange) GetAllOrders() []models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	return out
}

// Equity 返回现金加上按最新价计算的持仓市值
func (e *PaperExchange) Equity() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := e.Cash
	for s, qty := range e.Holdings {
		total = total.Add(qty.Mul(e.LastPrices[s]))
	}
	return total
}
