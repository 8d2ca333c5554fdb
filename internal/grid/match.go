package grid

import (
	"fmt"
	"strings"

	"grid-rebalance-bot/internal/models"

	"github.com/shopspring/decimal"
)

// MatchPolicy decides which open position a SELL fill closes.
type MatchPolicy string

const (
	// MatchFIFO closes the oldest open position.
	MatchFIFO MatchPolicy = "fifo"
	// MatchNearestPrice closes the position whose entry is closest to the sell level; ties go to the oldest.
	MatchNearestPrice MatchPolicy = "nearest"
)

// ParseMatchPolicy maps a config string to a MatchPolicy. Empty means FIFO.
func ParseMatchPolicy(s string) (MatchPolicy, error) {
	switch MatchPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MatchFIFO:
		return MatchFIFO, nil
	case MatchNearestPrice:
		return MatchNearestPrice, nil
	}
	return "", fmt.Errorf("%w: unknown match policy %q", ErrInvalidConfiguration, s)
}

// pick returns the index of the position to close, or -1 when none is open.
func (m MatchPolicy) pick(positions []models.Position, price decimal.Decimal) int {
	if len(positions) == 0 {
		return -1
	}
	if m != MatchNearestPrice {
		return 0
	}
	best := 0
	bestDist := positions[0].EntryPrice.Sub(price).Abs()
	for i := 1; i < len(positions); i++ {
		if d := positions[i].EntryPrice.Sub(price).Abs(); d.LessThan(bestDist) {
			best, bestDist = i, d
		}
	}
	return best
}
