package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side defines the direction of a grid level or order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// GridLevel is one price point of the ladder. Buy levels sit below the center, sell levels above.
type GridLevel struct {
	ID       int             `json:"id"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Side     Side            `json:"side"`
	Filled   bool            `json:"filled"`
	FilledAt time.Time       `json:"filled_at,omitempty"`
}

// Position is an open unit of long exposure created by a BUY fill.
type Position struct {
	ID         int             `json:"id"`
	Symbol     string          `json:"symbol"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// TradeRecord is a completed BUY→SELL pair. It is never mutated after creation.
type TradeRecord struct {
	Seq        int             `json:"seq"`
	Symbol     string          `json:"symbol"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	PnL        decimal.Decimal `json:"pnl"`
	OpenedAt   time.Time       `json:"opened_at"`
	ClosedAt   time.Time       `json:"closed_at"`
}

// GridParams are the inputs the current grid was built from.
type GridParams struct {
	CenterPrice     decimal.Decimal `json:"center_price"`
	Volatility      decimal.Decimal `json:"volatility"`
	TotalInvestment decimal.Decimal `json:"total_investment"`
	LevelCount      int             `json:"level_count"`
	ATRMultiplier   decimal.Decimal `json:"atr_multiplier"`
}

// GridState is everything that must survive a restart for one symbol.
type GridState struct {
	Symbol          string          `json:"symbol"`
	Version         int             `json:"version"`
	Params          GridParams      `json:"params"`
	Step            decimal.Decimal `json:"step"`
	LowerPrice      decimal.Decimal `json:"lower_price"`
	UpperPrice      decimal.Decimal `json:"upper_price"`
	Levels          []GridLevel     `json:"levels"`
	Positions       []Position      `json:"positions"`
	Trades          []TradeRecord   `json:"trades"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	TotalBuys       int             `json:"total_buys"`
	TotalSells      int             `json:"total_sells"`
	WinningTrades   int             `json:"winning_trades"`
	LosingTrades    int             `json:"losing_trades"`
	NextLevelID     int             `json:"next_level_id"`
	NextPositionID  int             `json:"next_position_id"`
	LastPrice       decimal.Decimal `json:"last_price"`
	LastTickAt      time.Time       `json:"last_tick_at"`
	LastRebalanceAt time.Time       `json:"last_rebalance_at"`
	OutOfRangeSince time.Time       `json:"out_of_range_since,omitempty"`
	Rebalances      int             `json:"rebalances"`
	LastUpdateTime  time.Time       `json:"last_update_time"`
}

// Initialized reports whether a grid has been built for this state.
func (s *GridState) Initialized() bool {
	return s != nil && len(s.Levels) > 0
}

// OutOfRangeFor returns how long the price has been outside the grid.
func (s *GridState) OutOfRangeFor(now time.Time) time.Duration {
	if s.OutOfRangeSince.IsZero() {
		return 0
	}
	return now.Sub(s.OutOfRangeSince)
}

// Clone returns a deep copy that shares no slices with s.
func (s *GridState) Clone() *GridState {
	if s == nil {
		return nil
	}
	c := *s
	c.Levels = append([]GridLevel(nil), s.Levels...)
	c.Positions = append([]Position(nil), s.Positions...)
	c.Trades = append([]TradeRecord(nil), s.Trades...)
	return &c
}

// Stats is the read-only statistics view of a ledger.
type Stats struct {
	Symbol         string          `json:"symbol"`
	TotalTrades    int             `json:"total_trades"`
	TotalBuys      int             `json:"total_buys"`
	TotalSells     int             `json:"total_sells"`
	CompletedPairs int             `json:"completed_pairs"`
	WinningTrades  int             `json:"winning_trades"`
	LosingTrades   int             `json:"losing_trades"`
	WinRate        float64         `json:"win_rate"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	OpenPositions  int             `json:"open_positions"`
}
