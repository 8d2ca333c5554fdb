package grid

import (
	"fmt"
	"sort"

	"grid-rebalance-bot/internal/models"

	"github.com/shopspring/decimal"
)

// BuildLevels computes a symmetric ladder around p.CenterPrice: LevelCount buy levels below and
// LevelCount sell levels above, spaced by Volatility*ATRMultiplier/LevelCount. The returned
// levels are sorted by price and carry no IDs.
func BuildLevels(p models.GridParams) ([]models.GridLevel, decimal.Decimal, error) {
	if err := validate(p); err != nil {
		return nil, decimal.Zero, err
	}

	n := decimal.NewFromInt(int64(p.LevelCount))
	step := p.Volatility.Mul(p.ATRMultiplier).Div(n)
	if !step.IsPositive() {
		return nil, decimal.Zero, fmt.Errorf("%w: step rounds to zero", ErrInvalidConfiguration)
	}
	lowest := p.CenterPrice.Sub(step.Mul(n))
	if !lowest.IsPositive() {
		return nil, decimal.Zero, fmt.Errorf("%w: lowest level %s is not positive (center %s, step %s)",
			ErrInvalidConfiguration, lowest, p.CenterPrice, step)
	}

	perLevel := perLevelInvestment(p)
	levels := make([]models.GridLevel, 0, 2*p.LevelCount)
	for i := p.LevelCount; i >= 1; i-- {
		price := p.CenterPrice.Sub(step.Mul(decimal.NewFromInt(int64(i))))
		levels = append(levels, models.GridLevel{Price: price, Quantity: perLevel.Div(price), Side: models.Buy})
	}
	for i := 1; i <= p.LevelCount; i++ {
		price := p.CenterPrice.Add(step.Mul(decimal.NewFromInt(int64(i))))
		levels = append(levels, models.GridLevel{Price: price, Quantity: perLevel.Div(price), Side: models.Sell})
	}
	return levels, step, nil
}

func validate(p models.GridParams) error {
	switch {
	case !p.TotalInvestment.IsPositive():
		return fmt.Errorf("%w: total investment must be > 0, got %s", ErrInvalidConfiguration, p.TotalInvestment)
	case p.LevelCount <= 0:
		return fmt.Errorf("%w: level count must be > 0, got %d", ErrInvalidConfiguration, p.LevelCount)
	case !p.Volatility.IsPositive():
		return fmt.Errorf("%w: volatility must be > 0, got %s", ErrInvalidConfiguration, p.Volatility)
	case !p.CenterPrice.IsPositive():
		return fmt.Errorf("%w: center price must be > 0, got %s", ErrInvalidConfiguration, p.CenterPrice)
	case !p.ATRMultiplier.IsPositive():
		return fmt.Errorf("%w: atr multiplier must be > 0, got %s", ErrInvalidConfiguration, p.ATRMultiplier)
	}
	return nil
}

func perLevelInvestment(p models.GridParams) decimal.Decimal {
	return p.TotalInvestment.Div(decimal.NewFromInt(int64(2 * p.LevelCount)))
}

func sortLevels(levels []models.GridLevel) {
	sort.SliceStable(levels, func(i, j int) bool {
		if c := levels[i].Price.Cmp(levels[j].Price); c != 0 {
			return c < 0
		}
		return levels[i].ID < levels[j].ID
	})
}
