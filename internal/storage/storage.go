package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"grid-rebalance-bot/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// TradeRow is one completed grid pair. Rows are append-only and keyed by (symbol, seq).
type TradeRow struct {
	ID         uint            `gorm:"primaryKey"`
	Symbol     string          `gorm:"size:32;not null;uniqueIndex:idx_trade_symbol_seq"`
	Seq        int             `gorm:"not null;uniqueIndex:idx_trade_symbol_seq"`
	EntryPrice decimal.Decimal `gorm:"type:text;not null"`
	ExitPrice  decimal.Decimal `gorm:"type:text;not null"`
	Quantity   decimal.Decimal `gorm:"type:text;not null"`
	PnL        decimal.Decimal `gorm:"type:text;not null"`
	OpenedAt   time.Time
	ClosedAt   time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// RebalanceRow is one grid rebuild. Rows are append-only and keyed by (symbol, timestamp).
type RebalanceRow struct {
	ID            uint            `gorm:"primaryKey"`
	Symbol        string          `gorm:"size:32;not null;uniqueIndex:idx_rebalance_symbol_ts"`
	Timestamp     time.Time       `gorm:"not null;uniqueIndex:idx_rebalance_symbol_ts"`
	Reason        string          `gorm:"size:16"`
	Message       string          `gorm:"size:255"`
	OldLower      decimal.Decimal `gorm:"type:text"`
	OldUpper      decimal.Decimal `gorm:"type:text"`
	NewLower      decimal.Decimal `gorm:"type:text"`
	NewUpper      decimal.Decimal `gorm:"type:text"`
	OpenPositions int
	UnrealizedPnL decimal.Decimal `gorm:"type:text"`
	AllProfitable bool
	Forced        bool
	CreatedAt     time.Time
}

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if strings.Contains(dsn, ":memory:") {
		// Every connection to an in-memory database is a separate database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&TradeRow{}, &RebalanceRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate tables: %w", err)
	}
	return db, nil
}

// HistoryStore is the append-only trade and rebalance history. It is also an outbox sink.
type HistoryStore struct {
	db *gorm.DB
}

// NewHistoryStore opens (or creates) the history database at dsn.
func NewHistoryStore(dsn string) (*HistoryStore, error) {
	db, err := InitDB(dsn)
	if err != nil {
		return nil, err
	}
	return &HistoryStore{db: db}, nil
}

// RecordTrade appends a trade. A replay of an existing (symbol, seq) is ignored.
func (h *HistoryStore) RecordTrade(ctx context.Context, t models.TradeRecord) error {
	row := TradeRow{
		Symbol:     t.Symbol,
		Seq:        t.Seq,
		EntryPrice: t.EntryPrice,
		ExitPrice:  t.ExitPrice,
		Quantity:   t.Quantity,
		PnL:        t.PnL,
		OpenedAt:   t.OpenedAt.UTC(),
		ClosedAt:   t.ClosedAt.UTC(),
	}
	err := h.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("record trade %s#%d: %w", t.Symbol, t.Seq, err)
	}
	return nil
}

// RecordRebalance appends a rebalance. A replay of an existing (symbol, timestamp) is ignored.
func (h *HistoryStore) RecordRebalance(ctx context.Context, ev models.RebalanceEvent) error {
	row := RebalanceRow{
		Symbol:        ev.Symbol,
		Timestamp:     ev.Timestamp.UTC(),
		Reason:        ev.Reason,
		Message:       ev.Message,
		OldLower:      ev.OldRange.Lower,
		OldUpper:      ev.OldRange.Upper,
		NewLower:      ev.NewRange.Lower,
		NewUpper:      ev.NewRange.Upper,
		OpenPositions: ev.OpenPositions,
		UnrealizedPnL: ev.UnrealizedPnL,
		AllProfitable: ev.AllProfitable,
		Forced:        ev.Forced,
	}
	err := h.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("record rebalance %s@%s: %w", ev.Symbol, ev.Timestamp.Format(time.RFC3339), err)
	}
	return nil
}

// Trades returns the history of one symbol ordered by sequence. limit <= 0 returns all rows.
func (h *HistoryStore) Trades(ctx context.Context, symbol string, limit int) ([]models.TradeRecord, error) {
	var rows []TradeRow
	q := h.db.WithContext(ctx).Where("symbol = ?", symbol).Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query trades %s: %w", symbol, err)
	}
	out := make([]models.TradeRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.TradeRecord{
			Seq:        r.Seq,
			Symbol:     r.Symbol,
			EntryPrice: r.EntryPrice,
			ExitPrice:  r.ExitPrice,
			Quantity:   r.Quantity,
			PnL:        r.PnL,
			OpenedAt:   r.OpenedAt,
			ClosedAt:   r.ClosedAt,
		})
	}
	return out, nil
}

// Rebalances returns the rebuilds of one symbol, oldest first.
func (h *HistoryStore) Rebalances(ctx context.Context, symbol string) ([]models.RebalanceEvent, error) {
	var rows []RebalanceRow
	if err := h.db.WithContext(ctx).Where("symbol = ?", symbol).Order("timestamp ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query rebalances %s: %w", symbol, err)
	}
	out := make([]models.RebalanceEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.RebalanceEvent{
			Symbol:        r.Symbol,
			Reason:        r.Reason,
			Message:       r.Message,
			OldRange:      models.PriceRange{Lower: r.OldLower, Upper: r.OldUpper},
			NewRange:      models.PriceRange{Lower: r.NewLower, Upper: r.NewUpper},
			OpenPositions: r.OpenPositions,
			UnrealizedPnL: r.UnrealizedPnL,
			AllProfitable: r.AllProfitable,
			Forced:        r.Forced,
			Timestamp:     r.Timestamp,
		})
	}
	return out, nil
}

func (h *HistoryStore) Name() string { return "history" }

// Handle persists the trade carried by SELL fills and every rebalance.
func (h *HistoryStore) Handle(ctx context.Context, ev models.Event) error {
	switch {
	case ev.Kind == models.EventFill && ev.Fill != nil && ev.Fill.Trade != nil:
		return h.RecordTrade(ctx, *ev.Fill.Trade)
	case ev.Kind == models.EventRebalance && ev.Rebalance != nil:
		return h.RecordRebalance(ctx, *ev.Rebalance)
	}
	return nil
}

// Close releases the underlying connection pool.
func (h *HistoryStore) Close() error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
