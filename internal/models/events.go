package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
)

// EventKind classifies outbound notifications.
type EventKind string

const (
	EventFill      EventKind = "FILL"
	EventRebalance EventKind = "REBALANCE"
	EventInfo      EventKind = "INFO"
	EventError     EventKind = "ERROR"
	EventStatus    EventKind = "STATUS"
)

// FillEvent is emitted once per level fill.
type FillEvent struct {
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	LevelID   int             `json:"level_id"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
	// Trade is set for SELL fills that closed a position.
	Trade *TradeRecord `json:"trade,omitempty"`
}

// Value is the quote-currency notional of the fill.
func (f FillEvent) Value() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}

// PriceRange is a closed [Lower, Upper] interval.
type PriceRange struct {
	Lower decimal.Decimal `json:"lower"`
	Upper decimal.Decimal `json:"upper"`
}

// RebalanceEvent describes a grid rebuild. Persisted append-only, keyed by (symbol, timestamp).
type RebalanceEvent struct {
	Symbol        string          `json:"symbol"`
	Reason        string          `json:"reason"`
	Message       string          `json:"message"`
	OldRange      PriceRange      `json:"old_range"`
	NewRange      PriceRange      `json:"new_range"`
	OpenPositions int             `json:"open_positions"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	AllProfitable bool            `json:"all_profitable"`
	Forced        bool            `json:"forced"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Event is the envelope written to the notification outbox.
type Event struct {
	ID        string          `json:"id"`
	Kind      EventKind       `json:"kind"`
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Fill      *FillEvent      `json:"fill,omitempty"`
	Rebalance *RebalanceEvent `json:"rebalance,omitempty"`
	Message   string          `json:"message,omitempty"`
	// Snapshot figures attached at publish time for human-readable notifications.
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// NewEventID returns a short, URL-safe unique ID. At 22 characters it also fits exchange
// client order ID limits.
func NewEventID() string {
	id := uuid.New()
	return base62.EncodeToString(id[:])
}
