package notifier

import (
	"context"

	"grid-rebalance-bot/internal/models"

	"go.uber.org/zap"
)

// LogSink writes every event to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Handle(_ context.Context, ev models.Event) error {
	fields := []zap.Field{
		zap.String("id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.String("symbol", ev.Symbol),
		zap.Time("ts", ev.Timestamp),
	}
	switch {
	case ev.Fill != nil:
		fields = append(fields,
			zap.String("side", string(ev.Fill.Side)),
			zap.String("price", ev.Fill.Price.String()),
			zap.String("qty", ev.Fill.Quantity.String()),
		)
		if ev.Fill.Trade != nil {
			fields = append(fields, zap.String("pnl", ev.Fill.Trade.PnL.String()))
		}
	case ev.Rebalance != nil:
		fields = append(fields,
			zap.String("reason", ev.Rebalance.Reason),
			zap.String("new_lower", ev.Rebalance.NewRange.Lower.String()),
			zap.String("new_upper", ev.Rebalance.NewRange.Upper.String()),
			zap.Bool("forced", ev.Rebalance.Forced),
		)
	}

	msg := ev.Message
	if msg == "" {
		msg = string(ev.Kind)
	}
	if ev.Kind == models.EventError {
		s.logger.Error(msg, fields...)
	} else {
		s.logger.Info(msg, fields...)
	}
	return nil
}
