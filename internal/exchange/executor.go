package exchange

import (
	"context"
	"fmt"
	"sync"

	"grid-rebalance-bot/internal/models"

	"go.uber.org/zap"
)

// Executor is an outbox sink that mirrors ledger fills onto an exchange.
type Executor struct {
	ex     Exchange
	logger *zap.Logger

	mu     sync.Mutex
	placed int
	failed int
}

func NewExecutor(ex Exchange, logger *zap.Logger) *Executor {
	return &Executor{ex: ex, logger: logger}
}

func (x *Executor) Name() string { return "executor" }

// Handle places one order per fill. The event ID doubles as the client order ID, so a
// redelivered event is rejected by the exchange as a duplicate.
func (x *Executor) Handle(ctx context.Context, ev models.Event) error {
	if ev.Kind != models.EventFill || ev.Fill == nil {
		return nil
	}
	f := ev.Fill
	order, err := x.ex.PlaceOrder(ctx, OrderRequest{
		Symbol:        f.Symbol,
		Side:          f.Side,
		Price:         f.Price,
		Quantity:      f.Quantity,
		ClientOrderID: ev.ID,
	})

	x.mu.Lock()
	defer x.mu.Unlock()
	if err != nil {
		x.failed++
		return fmt.Errorf("place %s %s order for level %d: %w", f.Symbol, f.Side, f.LevelID, err)
	}
	x.placed++
	x.logger.Sugar().Infof("Order %d placed for %s %s %s@%s", order.OrderID, f.Symbol, f.Side, order.Quantity, order.Price)
	return nil
}

// Counts returns how many orders were placed and how many failed.
func (x *Executor) Counts() (placed, failed int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.placed, x.failed
}
