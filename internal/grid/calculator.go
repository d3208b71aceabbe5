// Package grid derives target order ladders from a bot configuration.
// Everything here is pure: the same config and reference price always give the same ladder.
package grid

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"grid-engine/internal/errs"
	"grid-engine/internal/models"

	"github.com/shopspring/decimal"
)

// PricePrecision is the number of decimal places computed ladder prices are rounded to.
const PricePrecision = 8

var two = decimal.NewFromInt(2)

// ErrBelowMinimum is returned when an order would fall below the symbol's minimum size or notional.
var ErrBelowMinimum = fmt.Errorf("%w: below exchange minimum", errs.ErrRejected)

// ComputeLadder returns the ladder for cfg ordered by ascending price.
// For range grids the reference price only decides sides; for flat grids with a zero
// starting price it also becomes the center.
func ComputeLadder(cfg *models.GridBotConfig, referencePrice decimal.Decimal) ([]models.GridLevel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch p := cfg.Params.(type) {
	case *models.RangeParams:
		return rangeLadder(p, referencePrice)
	case *models.FlatParams:
		return flatLadder(p, referencePrice)
	}
	return nil, errs.InvalidConfig("unsupported grid params %T", cfg.Params)
}

// RangePrices returns the grid_levels prices of a range grid, first = lower and last = upper.
func RangePrices(p *models.RangeParams) ([]decimal.Decimal, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	n := p.GridLevels
	prices := make([]decimal.Decimal, n)
	prices[0] = p.LowerPrice
	prices[n-1] = p.UpperPrice

	switch p.SpacingOrDefault() {
	case models.SpacingGeometric:
		ratio := geometricRatio(p)
		for i := 1; i < n-1; i++ {
			f := decimal.NewFromFloat(math.Pow(ratio, float64(i)))
			prices[i] = p.LowerPrice.Mul(f).Round(PricePrecision)
		}
	default:
		step := arithmeticStep(p)
		for i := 1; i < n-1; i++ {
			prices[i] = p.LowerPrice.Add(step.Mul(decimal.NewFromInt(int64(i)))).Round(PricePrecision)
		}
	}

	for i := 1; i < n; i++ {
		if !prices[i].GreaterThan(prices[i-1]) {
			return nil, errs.InvalidConfig("range %s-%s too narrow for %d levels", p.LowerPrice, p.UpperPrice, n)
		}
	}
	return prices, nil
}

func arithmeticStep(p *models.RangeParams) decimal.Decimal {
	return p.UpperPrice.Sub(p.LowerPrice).Div(decimal.NewFromInt(int64(p.GridLevels - 1)))
}

func geometricRatio(p *models.RangeParams) float64 {
	ratio, _ := p.UpperPrice.Div(p.LowerPrice).Float64()
	return math.Pow(ratio, 1/float64(p.GridLevels-1))
}

func rangeLadder(p *models.RangeParams, ref decimal.Decimal) ([]models.GridLevel, error) {
	prices, err := RangePrices(p)
	if err != nil {
		return nil, err
	}
	if !ref.IsPositive() {
		ref = p.LowerPrice.Add(p.UpperPrice).Div(two)
	}
	levels := make([]models.GridLevel, len(prices))
	for i, price := range prices {
		side := models.Sell
		if price.LessThan(ref) {
			side = models.Buy
		}
		levels[i] = models.GridLevel{Index: i, Price: price, Side: side, Size: p.InvestmentAmount}
	}
	return levels, nil
}

// FlatCenter resolves the center of a flat grid.
func FlatCenter(p *models.FlatParams, ref decimal.Decimal) (decimal.Decimal, error) {
	if p.StartingPrice.IsPositive() {
		return p.StartingPrice, nil
	}
	if !ref.IsPositive() {
		return decimal.Zero, errs.InvalidConfig("starting_price is 0 and no market price is available")
	}
	return ref, nil
}

func flatLadder(p *models.FlatParams, ref decimal.Decimal) ([]models.GridLevel, error) {
	center, err := FlatCenter(p, ref)
	if err != nil {
		return nil, err
	}
	half := p.FlatSpread.Div(two)

	levels := make([]models.GridLevel, 0, p.BuyOrdersCount+p.SellOrdersCount)
	for k := 0; k < p.BuyOrdersCount; k++ {
		price := center.Sub(half).Sub(p.FlatIncrement.Mul(decimal.NewFromInt(int64(k)))).Round(PricePrecision)
		if !price.IsPositive() {
			return nil, errs.InvalidConfig("buy level %d resolves to non-positive price %s", k, price)
		}
		levels = append(levels, models.GridLevel{Index: -(k + 1), Price: price, Side: models.Buy, Size: p.OrderSize})
	}

	// with no spread the innermost buy and sell would share a price and self-match
	offset := 0
	if half.IsZero() && p.BuyOrdersCount > 0 {
		offset = 1
	}
	for k := 0; k < p.SellOrdersCount; k++ {
		step := p.FlatIncrement.Mul(decimal.NewFromInt(int64(k + offset)))
		price := center.Add(half).Add(step).Round(PricePrecision)
		levels = append(levels, models.GridLevel{Index: k + 1, Price: price, Side: models.Sell, Size: p.OrderSize})
	}

	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Price.LessThan(levels[j].Price) })
	return levels, nil
}

// IsDeferred reports whether a level would cross the book: a buy at or above the best ask,
// or a sell at or below the best bid. A zero bid or ask means that side is unknown.
func IsDeferred(side models.Side, price, bid, ask decimal.Decimal) bool {
	if side == models.Buy {
		return ask.IsPositive() && price.GreaterThanOrEqual(ask)
	}
	return bid.IsPositive() && price.LessThanOrEqual(bid)
}

// Partition splits levels into those placeable now and those deferred until the market moves.
func Partition(levels []models.GridLevel, bid, ask decimal.Decimal) (placeable, deferred []models.GridLevel) {
	for _, l := range levels {
		if IsDeferred(l.Side, l.Price, bid, ask) {
			deferred = append(deferred, l)
			continue
		}
		placeable = append(placeable, l)
	}
	return placeable, deferred
}

// Mirror returns the single replacement level for a fill of side at price.
// Range grids step to the adjacent ladder price and extrapolate one step past the bounds;
// flat grids move by flat_increment.
func Mirror(cfg *models.GridBotConfig, side models.Side, price decimal.Decimal, levelIndex int) (models.GridLevel, error) {
	switch p := cfg.Params.(type) {
	case *models.RangeParams:
		return rangeMirror(p, side, price, levelIndex)
	case *models.FlatParams:
		return flatMirror(p, side, price, levelIndex)
	}
	return models.GridLevel{}, errs.InvalidConfig("unsupported grid params %T", cfg.Params)
}

func rangeMirror(p *models.RangeParams, side models.Side, price decimal.Decimal, levelIndex int) (models.GridLevel, error) {
	prices, err := RangePrices(p)
	if err != nil {
		return models.GridLevel{}, err
	}
	idx := levelIndex
	if idx < 0 || idx >= len(prices) || !prices[idx].Equal(price) {
		idx = nearestIndex(prices, price)
	}

	out := models.GridLevel{Side: side.Opposite(), Size: p.InvestmentAmount}
	if side == models.Buy {
		out.Index = idx + 1
		if out.Index < len(prices) {
			out.Price = prices[out.Index]
		} else {
			out.Price = stepUp(p, price)
		}
	} else {
		out.Index = idx - 1
		if out.Index >= 0 {
			out.Price = prices[out.Index]
		} else {
			out.Price = stepDown(p, price)
		}
	}
	if !out.Price.IsPositive() {
		return models.GridLevel{}, errs.InvalidConfig("mirror of %s at %s falls to non-positive price", side, price)
	}
	return out, nil
}

func stepUp(p *models.RangeParams, price decimal.Decimal) decimal.Decimal {
	if p.SpacingOrDefault() == models.SpacingGeometric {
		return price.Mul(decimal.NewFromFloat(geometricRatio(p))).Round(PricePrecision)
	}
	return price.Add(arithmeticStep(p)).Round(PricePrecision)
}

func stepDown(p *models.RangeParams, price decimal.Decimal) decimal.Decimal {
	if p.SpacingOrDefault() == models.SpacingGeometric {
		return price.Div(decimal.NewFromFloat(geometricRatio(p))).Round(PricePrecision)
	}
	return price.Sub(arithmeticStep(p)).Round(PricePrecision)
}

func nearestIndex(prices []decimal.Decimal, price decimal.Decimal) int {
	best := 0
	bestDiff := prices[0].Sub(price).Abs()
	for i := 1; i < len(prices); i++ {
		if diff := prices[i].Sub(price).Abs(); diff.LessThan(bestDiff) {
			best, bestDiff = i, diff
		}
	}
	return best
}

func flatMirror(p *models.FlatParams, side models.Side, price decimal.Decimal, levelIndex int) (models.GridLevel, error) {
	out := models.GridLevel{Side: side.Opposite(), Size: p.OrderSize}
	if side == models.Buy {
		out.Price = price.Add(p.FlatIncrement)
		out.Index = levelIndex + 1
	} else {
		out.Price = price.Sub(p.FlatIncrement)
		out.Index = levelIndex - 1
	}
	if !out.Price.IsPositive() {
		return models.GridLevel{}, errs.InvalidConfig("mirror of %s at %s falls to non-positive price", side, price)
	}
	return out, nil
}

// RoundPrice snaps price to the symbol tick: buys round down and sells round up,
// so rounding never moves an order toward the market.
func RoundPrice(price decimal.Decimal, side models.Side, rules models.SymbolRules) decimal.Decimal {
	if !rules.TickSize.IsPositive() {
		return price.Round(PricePrecision)
	}
	steps := price.Div(rules.TickSize)
	if side == models.Buy {
		steps = steps.Floor()
	} else {
		steps = steps.Ceil()
	}
	return steps.Mul(rules.TickSize)
}

// ToQuantity converts a quote-currency notional to a base quantity at price, rounded down to the
// step size.
func ToQuantity(notional, price decimal.Decimal, rules models.SymbolRules) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, errs.InvalidConfig("price must be > 0, got %s", price)
	}
	return RoundQuantity(notional.Div(price), price, rules)
}

// RoundQuantity floors qty to the step size and checks it against the symbol minimums.
func RoundQuantity(qty, price decimal.Decimal, rules models.SymbolRules) (decimal.Decimal, error) {
	if rules.StepSize.IsPositive() {
		qty = qty.Div(rules.StepSize).Floor().Mul(rules.StepSize)
	} else {
		qty = qty.RoundFloor(PricePrecision)
	}
	if !qty.IsPositive() || qty.LessThan(rules.MinQty) {
		return decimal.Zero, fmt.Errorf("%w: quantity %s (min %s)", ErrBelowMinimum, qty, rules.MinQty)
	}
	if rules.MinNotional.IsPositive() && qty.Mul(price).LessThan(rules.MinNotional) {
		return decimal.Zero, fmt.Errorf("%w: notional %s (min %s)", ErrBelowMinimum, qty.Mul(price), rules.MinNotional)
	}
	return qty, nil
}

// IsBelowMinimum reports whether err came from the minimum size checks.
func IsBelowMinimum(err error) bool {
	return errors.Is(err, ErrBelowMinimum)
}
