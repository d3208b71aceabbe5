package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"grid-engine/internal/errs"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParseGridType(t *testing.T) {
	for in, want := range map[string]GridType{
		"range":      GridTypeRange,
		"arithmetic": GridTypeRange,
		"ARITHMETIC": GridTypeRange,
		"flat":       GridTypeFlat,
		"":           GridTypeFlat,
	} {
		got, err := ParseGridType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseGridType("fibonacci")
	assert.True(t, errors.Is(err, errs.ErrInvalidConfig))
}

func TestRangeParamsValidate(t *testing.T) {
	valid := RangeParams{LowerPrice: d("90"), UpperPrice: d("110"), GridLevels: 5, InvestmentAmount: d("20")}
	require.NoError(t, valid.Validate())
	assert.Equal(t, SpacingArithmetic, valid.SpacingOrDefault())

	cases := map[string]func(p *RangeParams){
		"inverted bounds": func(p *RangeParams) { p.LowerPrice, p.UpperPrice = d("110"), d("90") },
		"equal bounds":    func(p *RangeParams) { p.UpperPrice = p.LowerPrice },
		"zero lower":      func(p *RangeParams) { p.LowerPrice = decimal.Zero },
		"one level":       func(p *RangeParams) { p.GridLevels = 1 },
		"no investment":   func(p *RangeParams) { p.InvestmentAmount = decimal.Zero },
		"bad spacing":     func(p *RangeParams) { p.Spacing = "fibonacci" },
	}
	for name, mutate := range cases {
		p := valid
		mutate(&p)
		err := p.Validate()
		assert.True(t, errors.Is(err, errs.ErrInvalidConfig), name)
	}
}

func TestFlatParamsValidate(t *testing.T) {
	valid := FlatParams{StartingPrice: d("100"), FlatSpread: d("2"), FlatIncrement: d("1"), BuyOrdersCount: 2, SellOrdersCount: 2, OrderSize: d("10")}
	require.NoError(t, valid.Validate())

	cases := map[string]func(p *FlatParams){
		"zero increment":  func(p *FlatParams) { p.FlatIncrement = decimal.Zero },
		"negative spread": func(p *FlatParams) { p.FlatSpread = d("-1") },
		"no orders":       func(p *FlatParams) { p.BuyOrdersCount, p.SellOrdersCount = 0, 0 },
		"negative count":  func(p *FlatParams) { p.BuyOrdersCount = -1 },
		"zero size":       func(p *FlatParams) { p.OrderSize = decimal.Zero },
		"negative start":  func(p *FlatParams) { p.StartingPrice = d("-5") },
	}
	for name, mutate := range cases {
		p := valid
		mutate(&p)
		assert.True(t, errors.Is(p.Validate(), errs.ErrInvalidConfig), name)
	}

	onlySells := valid
	onlySells.BuyOrdersCount = 0
	assert.NoError(t, onlySells.Validate())
}

func TestGridBotConfigJSONSelectsVariant(t *testing.T) {
	var cfg GridBotConfig
	err := json.Unmarshal([]byte(`{"id":7,"symbol":"BTCUSDT","grid_type":"arithmetic",
		"lower_price":"90","upper_price":"110","grid_levels":5,"investment_amount":"20"}`), &cfg)
	require.NoError(t, err)
	require.NotNil(t, cfg.Range())
	assert.Nil(t, cfg.Flat())
	assert.Equal(t, 5, cfg.Range().GridLevels)
	assert.NoError(t, cfg.Validate())

	err = json.Unmarshal([]byte(`{"id":8,"symbol":"ETHUSDT",
		"starting_price":"0","flat_spread":"2","flat_increment":"1","buy_orders_count":2,"sell_orders_count":2,"order_size":"10"}`), &cfg)
	require.NoError(t, err)
	require.NotNil(t, cfg.Flat(), "missing grid_type defaults to flat")
	assert.True(t, cfg.Flat().StartingPrice.IsZero())

	out, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "lower_price")
	assert.Contains(t, string(out), `"grid_type":"flat"`)
}

func TestGridBotConfigValidateRequiresSymbol(t *testing.T) {
	cfg := GridBotConfig{ID: 1, Params: &FlatParams{FlatIncrement: d("1"), BuyOrdersCount: 1, OrderSize: d("10")}}
	assert.True(t, errors.Is(cfg.Validate(), errs.ErrInvalidConfig))
}

func TestBotRuntimeStateCloneIsDeep(t *testing.T) {
	s := NewBotRuntimeState(1, "BTCUSDT", time.Now())
	s.Orders["a"] = &LiveOrder{ClientOrderID: "a", Status: OrderOpen, Price: d("99")}
	s.Pending = []PendingLevel{{ClientOrderID: "b"}}
	s.Flagged[5] = FlaggedOrder{ExchangeOrderID: 5}

	c := s.Clone()
	c.Orders["a"].Price = d("1")
	c.Pending[0].ClientOrderID = "changed"
	delete(c.Flagged, 5)

	assert.True(t, s.Orders["a"].Price.Equal(d("99")))
	assert.Equal(t, "b", s.Pending[0].ClientOrderID)
	assert.Contains(t, s.Flagged, int64(5))
}

func TestOpenOrdersSorted(t *testing.T) {
	s := NewBotRuntimeState(1, "BTCUSDT", time.Now())
	s.Orders["c"] = &LiveOrder{ClientOrderID: "c", Status: OrderOpen}
	s.Orders["a"] = &LiveOrder{ClientOrderID: "a", Status: OrderOpen}
	s.Orders["b"] = &LiveOrder{ClientOrderID: "b", Status: OrderFilled}

	open := s.OpenOrders()
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].ClientOrderID)
	assert.Equal(t, "c", open[1].ClientOrderID)
}

func TestLifecycleNeedsRecovery(t *testing.T) {
	assert.True(t, LifecycleRunning.NeedsRecovery())
	assert.True(t, LifecyclePausing.NeedsRecovery())
	assert.True(t, LifecycleResuming.NeedsRecovery())
	assert.False(t, LifecycleStopped.NeedsRecovery())
	assert.False(t, LifecycleError.NeedsRecovery())
	assert.False(t, LifecyclePaused.NeedsRecovery())
}
