package exchange

import (
	"context"

	"grid-rebalance-bot/internal/models"

	"github.com/shopspring/decimal"
)

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 这使得机器人可以在真实交易和纸面交易之间轻松切换。
type Exchange interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error)
}

// OrderRequest 是一次限价单请求
type OrderRequest struct {
	Symbol        string
	Side          models.Side
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	ClientOrderID string
}
