package grid

import (
	"fmt"
	"sort"
	"time"

	"grid-rebalance-bot/internal/models"

	"github.com/shopspring/decimal"
)

const stateVersion = 1

var hundred = decimal.NewFromInt(100)

// Ledger owns the grid levels, open positions and trade history of one symbol.
// It is not safe for concurrent use; callers serialise ticks per symbol.
type Ledger struct {
	state          *models.GridState
	match          MatchPolicy
	breakoutBuffer decimal.Decimal
}

// NewLedger creates an empty ledger. The grid is built by InitializeGrid.
func NewLedger(symbol string, match MatchPolicy) *Ledger {
	return &Ledger{
		state: &models.GridState{Symbol: symbol, Version: stateVersion},
		match: match,
	}
}

// Restore rebuilds a ledger from a persisted state.
func Restore(state *models.GridState, match MatchPolicy) *Ledger {
	s := state.Clone()
	if s.Version == 0 {
		s.Version = stateVersion
	}
	return &Ledger{state: s, match: match}
}

// SetBreakoutBuffer widens the out-of-range test by mult grid steps on each side.
func (l *Ledger) SetBreakoutBuffer(mult decimal.Decimal) {
	l.breakoutBuffer = mult
}

// Symbol returns the traded symbol.
func (l *Ledger) Symbol() string { return l.state.Symbol }

// Initialized reports whether a grid is live.
func (l *Ledger) Initialized() bool { return l.state.Initialized() }

// State returns a deep copy of the current state.
func (l *Ledger) State() *models.GridState { return l.state.Clone() }

// Range returns the bounds of the live grid.
func (l *Ledger) Range() models.PriceRange {
	return models.PriceRange{Lower: l.state.LowerPrice, Upper: l.state.UpperPrice}
}

// InitializeGrid builds a new ladder from p and makes it live. Open positions, trades and
// counters carry forward. On error the previous grid is left untouched.
func (l *Ledger) InitializeGrid(p models.GridParams, now time.Time) (*models.GridState, error) {
	levels, step, err := BuildLevels(p)
	if err != nil {
		return nil, err
	}

	s := l.state
	if s.Initialized() {
		s.Rebalances++
	}
	for i := range levels {
		s.NextLevelID++
		levels[i].ID = s.NextLevelID
	}
	s.Params = p
	s.Step = step
	s.Levels = levels
	s.LowerPrice = levels[0].Price
	s.UpperPrice = levels[len(levels)-1].Price
	s.LastRebalanceAt = now
	s.OutOfRangeSince = time.Time{}
	s.LastUpdateTime = now
	return s.Clone(), nil
}

type rearm struct {
	side     models.Side
	price    decimal.Decimal
	quantity decimal.Decimal
}

// OnPriceTick applies one price observation and returns the fills it produced.
// Ticks must arrive in strictly increasing timestamp order; anything else is rejected with
// ErrOutOfOrderTick and leaves the state unchanged.
func (l *Ledger) OnPriceTick(symbol string, price decimal.Decimal, ts time.Time) ([]models.FillEvent, error) {
	s := l.state
	if symbol != s.Symbol {
		return nil, fmt.Errorf("%w: ledger %s, tick %s", ErrSymbolMismatch, s.Symbol, symbol)
	}
	if !s.LastTickAt.IsZero() && !ts.After(s.LastTickAt) {
		return nil, fmt.Errorf("%w: %s at %s, last accepted %s", ErrOutOfOrderTick,
			symbol, ts.Format(time.RFC3339Nano), s.LastTickAt.Format(time.RFC3339Nano))
	}

	prev := s.LastPrice
	s.LastPrice = price
	s.LastTickAt = ts
	s.LastUpdateTime = ts
	if !s.Initialized() {
		return nil, nil
	}
	l.trackRange(price, ts)

	if prev.IsZero() || price.Equal(prev) {
		return nil, nil
	}

	falling := price.LessThan(prev)
	var crossed []int
	for i, lvl := range s.Levels {
		if lvl.Filled {
			continue
		}
		if falling && lvl.Side == models.Buy && prev.GreaterThan(lvl.Price) && lvl.Price.GreaterThanOrEqual(price) {
			crossed = append(crossed, i)
		}
		if !falling && lvl.Side == models.Sell && prev.LessThan(lvl.Price) && lvl.Price.LessThanOrEqual(price) {
			crossed = append(crossed, i)
		}
	}
	// Nearest level first in the direction of travel.
	sort.SliceStable(crossed, func(a, b int) bool {
		pa, pb := s.Levels[crossed[a]].Price, s.Levels[crossed[b]].Price
		if falling {
			return pa.GreaterThan(pb)
		}
		return pa.LessThan(pb)
	})

	var fills []models.FillEvent
	var rearms []rearm
	for _, idx := range crossed {
		lvl := &s.Levels[idx]
		switch lvl.Side {
		case models.Buy:
			s.NextPositionID++
			s.Positions = append(s.Positions, models.Position{
				ID:         s.NextPositionID,
				Symbol:     s.Symbol,
				EntryPrice: lvl.Price,
				Quantity:   lvl.Quantity,
				OpenedAt:   ts,
			})
			s.TotalBuys++
			lvl.Filled, lvl.FilledAt = true, ts
			fills = append(fills, models.FillEvent{
				Symbol: s.Symbol, Side: models.Buy, LevelID: lvl.ID,
				Price: lvl.Price, Quantity: lvl.Quantity, Timestamp: ts,
			})
			rearms = append(rearms, rearm{side: models.Sell, price: lvl.Price.Add(s.Step), quantity: lvl.Quantity})

		case models.Sell:
			pi := l.match.pick(s.Positions, lvl.Price)
			if pi < 0 {
				// No inventory to sell; the level stays armed.
				continue
			}
			trade := l.closePosition(pi, lvl.Price, ts)
			lvl.Filled, lvl.FilledAt = true, ts
			fills = append(fills, models.FillEvent{
				Symbol: s.Symbol, Side: models.Sell, LevelID: lvl.ID,
				Price: lvl.Price, Quantity: trade.Quantity, Timestamp: ts, Trade: &trade,
			})
			rearms = append(rearms, rearm{side: models.Buy, price: lvl.Price.Sub(s.Step)})
		}
	}

	for _, r := range rearms {
		l.rearm(r)
	}
	if len(rearms) > 0 {
		sortLevels(s.Levels)
	}
	return fills, nil
}

func (l *Ledger) closePosition(i int, exit decimal.Decimal, ts time.Time) models.TradeRecord {
	s := l.state
	pos := s.Positions[i]
	s.Positions = append(s.Positions[:i:i], s.Positions[i+1:]...)

	pnl := exit.Sub(pos.EntryPrice).Mul(pos.Quantity)
	trade := models.TradeRecord{
		Seq:        len(s.Trades) + 1,
		Symbol:     s.Symbol,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exit,
		Quantity:   pos.Quantity,
		PnL:        pnl,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   ts,
	}
	s.Trades = append(s.Trades, trade)
	s.TotalSells++
	s.RealizedPnL = s.RealizedPnL.Add(pnl)
	if pnl.IsPositive() {
		s.WinningTrades++
	} else {
		s.LosingTrades++
	}
	return trade
}

// rearm places the opposite order one step away from a fill, inside the grid range.
func (l *Ledger) rearm(r rearm) {
	s := l.state
	if r.price.LessThan(s.LowerPrice) || r.price.GreaterThan(s.UpperPrice) {
		return
	}
	reuse := -1
	for i, lvl := range s.Levels {
		if !lvl.Price.Equal(r.price) {
			continue
		}
		if !lvl.Filled {
			return
		}
		if lvl.Side == r.side && reuse < 0 {
			reuse = i
		}
	}
	if reuse >= 0 {
		s.Levels[reuse].Filled = false
		s.Levels[reuse].FilledAt = time.Time{}
		return
	}

	qty := r.quantity
	if r.side == models.Buy || qty.IsZero() {
		qty = perLevelInvestment(s.Params).Div(r.price)
	}
	s.NextLevelID++
	s.Levels = append(s.Levels, models.GridLevel{ID: s.NextLevelID, Price: r.price, Quantity: qty, Side: r.side})
}

func (l *Ledger) trackRange(price decimal.Decimal, ts time.Time) {
	s := l.state
	if l.OutOfRange(price) {
		if s.OutOfRangeSince.IsZero() {
			s.OutOfRangeSince = ts
		}
		return
	}
	s.OutOfRangeSince = time.Time{}
}

// OutOfRange reports whether price is beyond the outermost levels plus the breakout buffer.
func (l *Ledger) OutOfRange(price decimal.Decimal) bool {
	s := l.state
	if !s.Initialized() {
		return false
	}
	buffer := s.Step.Mul(l.breakoutBuffer)
	return price.GreaterThan(s.UpperPrice.Add(buffer)) || price.LessThan(s.LowerPrice.Sub(buffer))
}

// UnrealizedPnL marks all open positions to currentPrice.
func (l *Ledger) UnrealizedPnL(currentPrice decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, p := range l.state.Positions {
		total = total.Add(currentPrice.Sub(p.EntryPrice).Mul(p.Quantity))
	}
	return total
}

// UnprofitableCount returns how many open positions are not above minProfitPercent at price.
func (l *Ledger) UnprofitableCount(price, minProfitPercent decimal.Decimal) (unprofitable, open int) {
	for _, p := range l.state.Positions {
		pct := price.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(hundred)
		if pct.LessThanOrEqual(minProfitPercent) {
			unprofitable++
		}
	}
	return unprofitable, len(l.state.Positions)
}

// StatsSnapshot returns the trade statistics. CompletedPairs is the number of trade records,
// never a derivation of the combined fill count.
func (l *Ledger) StatsSnapshot() models.Stats {
	s := l.state
	pairs := len(s.Trades)
	denom := pairs
	if denom < 1 {
		denom = 1
	}
	return models.Stats{
		Symbol:         s.Symbol,
		TotalTrades:    s.TotalBuys + s.TotalSells,
		TotalBuys:      s.TotalBuys,
		TotalSells:     s.TotalSells,
		CompletedPairs: pairs,
		WinningTrades:  s.WinningTrades,
		LosingTrades:   s.LosingTrades,
		WinRate:        float64(s.WinningTrades) / float64(denom) * 100,
		RealizedPnL:    s.RealizedPnL,
		OpenPositions:  len(s.Positions),
	}
}
