package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grid-rebalance-bot/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var two = decimal.NewFromInt(2)

// ATR returns the latest average true range of klines. The true range is smoothed with an
// exponential average of span period, seeded with the first bar's high-low range.
func ATR(klines []models.Kline, period int) (decimal.Decimal, error) {
	if period <= 0 {
		return decimal.Zero, fmt.Errorf("atr period must be > 0, got %d", period)
	}
	if len(klines) == 0 {
		return decimal.Zero, errors.New("atr needs at least one kline")
	}

	alpha := two.Div(decimal.NewFromInt(int64(period + 1)))
	keep := decimal.NewFromInt(1).Sub(alpha)

	atr := klines[0].High.Sub(klines[0].Low)
	for i := 1; i < len(klines); i++ {
		tr := TrueRange(klines[i], klines[i-1].Close)
		atr = tr.Mul(alpha).Add(atr.Mul(keep))
	}
	return atr, nil
}

// TrueRange is max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(k models.Kline, prevClose decimal.Decimal) decimal.Decimal {
	return decimal.Max(
		k.High.Sub(k.Low),
		k.High.Sub(prevClose).Abs(),
		k.Low.Sub(prevClose).Abs(),
	)
}

// KlineSource provides historical candles.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error)
}

// VolatilitySink receives fresh ATR values.
type VolatilitySink interface {
	SetVolatility(symbol string, v decimal.Decimal) error
}

// ATRRefresher periodically recomputes the ATR of every symbol and pushes it to the sink,
// so grid rebuilds never wait on the network.
type ATRRefresher struct {
	source   KlineSource
	sink     VolatilitySink
	symbols  []string
	interval string
	period   int
	logger   *zap.Logger
}

func NewATRRefresher(source KlineSource, sink VolatilitySink, symbols []string, interval string, period int, logger *zap.Logger) *ATRRefresher {
	return &ATRRefresher{
		source:   source,
		sink:     sink,
		symbols:  symbols,
		interval: interval,
		period:   period,
		logger:   logger,
	}
}

// RefreshOnce updates every symbol and returns the first error, after trying them all.
func (r *ATRRefresher) RefreshOnce(ctx context.Context) error {
	var firstErr error
	for _, s := range r.symbols {
		if err := r.refresh(ctx, s); err != nil {
			r.logger.Sugar().Warnf("ATR refresh for %s failed: %v", s, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *ATRRefresher) refresh(ctx context.Context, symbol string) error {
	klines, err := r.source.GetKlines(ctx, symbol, r.interval, r.period*3+1)
	if err != nil {
		return err
	}
	atr, err := ATR(klines, r.period)
	if err != nil {
		return err
	}
	if err := r.sink.SetVolatility(symbol, atr); err != nil {
		return err
	}
	r.logger.Sugar().Debugf("%s ATR(%d, %s) = %s", symbol, r.period, r.interval, atr.StringFixed(6))
	return nil
}

// Run refreshes immediately and then every `every` until ctx is cancelled.
func (r *ATRRefresher) Run(ctx context.Context, every time.Duration) {
	_ = r.RefreshOnce(ctx)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.RefreshOnce(ctx)
		}
	}
}
