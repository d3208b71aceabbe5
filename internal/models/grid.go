package models

import (
	"encoding/json"
	"strings"
	"time"

	"grid-engine/internal/errs"

	"github.com/shopspring/decimal"
)

// GridType 是网格策略类型的判别字段
type GridType string

const (
	GridTypeRange      GridType = "range"
	GridTypeArithmetic GridType = "arithmetic" // range 的别名，历史数据使用
	GridTypeFlat       GridType = "flat"
)

// ParseGridType 将存储中的 grid_type 规范化为 range 或 flat
func ParseGridType(s string) (GridType, error) {
	switch GridType(strings.ToLower(strings.TrimSpace(s))) {
	case GridTypeRange, GridTypeArithmetic:
		return GridTypeRange, nil
	case GridTypeFlat, "":
		return GridTypeFlat, nil
	}
	return "", errs.InvalidConfig("unknown grid_type %q", s)
}

// Spacing 区间网格的档位间距方式
type Spacing string

const (
	SpacingArithmetic Spacing = "arithmetic"
	SpacingGeometric  Spacing = "geometric"
)

// GridParams 是两种网格变体的公共接口
type GridParams interface {
	Type() GridType
	Validate() error
}

// RangeParams 区间网格参数: 在上下界之间等距 (或等比) 划分 GridLevels 个价位
type RangeParams struct {
	LowerPrice       decimal.Decimal `json:"lower_price"`
	UpperPrice       decimal.Decimal `json:"upper_price"`
	GridLevels       int             `json:"grid_levels"`
	InvestmentAmount decimal.Decimal `json:"investment_amount"` // 每个档位的下单金额 (计价货币)
	Spacing          Spacing         `json:"spacing"`
}

func (p *RangeParams) Type() GridType { return GridTypeRange }

// Validate 检查区间网格的约束
func (p *RangeParams) Validate() error {
	if !p.LowerPrice.IsPositive() {
		return errs.InvalidConfig("lower_price must be > 0, got %s", p.LowerPrice)
	}
	if !p.LowerPrice.LessThan(p.UpperPrice) {
		return errs.InvalidConfig("lower_price %s must be < upper_price %s", p.LowerPrice, p.UpperPrice)
	}
	if p.GridLevels < 2 {
		return errs.InvalidConfig("grid_levels must be >= 2, got %d", p.GridLevels)
	}
	if !p.InvestmentAmount.IsPositive() {
		return errs.InvalidConfig("investment_amount must be > 0, got %s", p.InvestmentAmount)
	}
	switch p.SpacingOrDefault() {
	case SpacingArithmetic, SpacingGeometric:
	default:
		return errs.InvalidConfig("unknown spacing %q", p.Spacing)
	}
	return nil
}

// SpacingOrDefault 未配置时使用等差间距
func (p *RangeParams) SpacingOrDefault() Spacing {
	if p.Spacing == "" {
		return SpacingArithmetic
	}
	return p.Spacing
}

// FlatParams 固定增量网格参数: 从中心价向两侧按固定增量展开
type FlatParams struct {
	StartingPrice   decimal.Decimal `json:"starting_price"` // 0 表示启动时取市场价
	FlatSpread      decimal.Decimal `json:"flat_spread"`
	FlatIncrement   decimal.Decimal `json:"flat_increment"`
	BuyOrdersCount  int             `json:"buy_orders_count"`
	SellOrdersCount int             `json:"sell_orders_count"`
	OrderSize       decimal.Decimal `json:"order_size"` // 每单金额 (计价货币)
}

func (p *FlatParams) Type() GridType { return GridTypeFlat }

// Validate 检查固定增量网格的约束
func (p *FlatParams) Validate() error {
	if p.StartingPrice.IsNegative() {
		return errs.InvalidConfig("starting_price must be >= 0, got %s", p.StartingPrice)
	}
	if p.FlatSpread.IsNegative() {
		return errs.InvalidConfig("flat_spread must be >= 0, got %s", p.FlatSpread)
	}
	if !p.FlatIncrement.IsPositive() {
		return errs.InvalidConfig("flat_increment must be > 0, got %s", p.FlatIncrement)
	}
	if p.BuyOrdersCount < 0 || p.SellOrdersCount < 0 {
		return errs.InvalidConfig("order counts must be >= 0, got buy=%d sell=%d", p.BuyOrdersCount, p.SellOrdersCount)
	}
	if p.BuyOrdersCount == 0 && p.SellOrdersCount == 0 {
		return errs.InvalidConfig("at least one of buy_orders_count and sell_orders_count must be > 0")
	}
	if !p.OrderSize.IsPositive() {
		return errs.InvalidConfig("order_size must be > 0, got %s", p.OrderSize)
	}
	return nil
}

// GridBotStatus 是 grid_bots 表中用户可见的状态
type GridBotStatus string

const (
	GridBotStatusActive  GridBotStatus = "active"
	GridBotStatusPaused  GridBotStatus = "paused"
	GridBotStatusStopped GridBotStatus = "stopped"
	GridBotStatusError   GridBotStatus = "error"
)

// GridBotConfig 是一个 bot 的配置，启动后不可变
type GridBotConfig struct {
	ID        int64
	UserID    int64
	Name      string
	Exchange  string
	Symbol    string
	Params    GridParams
	Status    GridBotStatus
	CreatedAt time.Time
}

// Validate 校验配置并返回 ErrInvalidConfig
func (c *GridBotConfig) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return errs.InvalidConfig("symbol is required")
	}
	if c.Params == nil {
		return errs.InvalidConfig("bot %d has no grid parameters", c.ID)
	}
	return c.Params.Validate()
}

// Range 返回区间参数，非区间网格返回 nil
func (c *GridBotConfig) Range() *RangeParams {
	p, _ := c.Params.(*RangeParams)
	return p
}

// Flat 返回固定增量参数，非固定增量网格返回 nil
func (c *GridBotConfig) Flat() *FlatParams {
	p, _ := c.Params.(*FlatParams)
	return p
}

// gridBotConfigJSON 是配置的扁平 JSON 形式，字段与 grid_bots 表一致
type gridBotConfigJSON struct {
	ID               int64            `json:"id"`
	UserID           int64            `json:"user_id"`
	Name             string           `json:"name"`
	Exchange         string           `json:"exchange,omitempty"`
	Symbol           string           `json:"symbol"`
	GridType         string           `json:"grid_type"`
	Status           GridBotStatus    `json:"status,omitempty"`
	LowerPrice       *decimal.Decimal `json:"lower_price,omitempty"`
	UpperPrice       *decimal.Decimal `json:"upper_price,omitempty"`
	GridLevels       *int             `json:"grid_levels,omitempty"`
	InvestmentAmount *decimal.Decimal `json:"investment_amount,omitempty"`
	Spacing          Spacing          `json:"spacing,omitempty"`
	StartingPrice    *decimal.Decimal `json:"starting_price,omitempty"`
	FlatSpread       *decimal.Decimal `json:"flat_spread,omitempty"`
	FlatIncrement    *decimal.Decimal `json:"flat_increment,omitempty"`
	BuyOrdersCount   *int             `json:"buy_orders_count,omitempty"`
	SellOrdersCount  *int             `json:"sell_orders_count,omitempty"`
	OrderSize        *decimal.Decimal `json:"order_size,omitempty"`
}

// MarshalJSON 输出扁平形式，另一种变体的字段省略
func (c GridBotConfig) MarshalJSON() ([]byte, error) {
	out := gridBotConfigJSON{
		ID:       c.ID,
		UserID:   c.UserID,
		Name:     c.Name,
		Exchange: c.Exchange,
		Symbol:   c.Symbol,
		Status:   c.Status,
	}
	switch p := c.Params.(type) {
	case *RangeParams:
		out.GridType = string(GridTypeRange)
		out.LowerPrice, out.UpperPrice = &p.LowerPrice, &p.UpperPrice
		out.GridLevels = &p.GridLevels
		out.InvestmentAmount = &p.InvestmentAmount
		out.Spacing = p.Spacing
	case *FlatParams:
		out.GridType = string(GridTypeFlat)
		out.StartingPrice, out.FlatSpread, out.FlatIncrement = &p.StartingPrice, &p.FlatSpread, &p.FlatIncrement
		out.BuyOrdersCount, out.SellOrdersCount = &p.BuyOrdersCount, &p.SellOrdersCount
		out.OrderSize = &p.OrderSize
	}
	return json.Marshal(out)
}

// UnmarshalJSON 根据 grid_type 选择变体
func (c *GridBotConfig) UnmarshalJSON(data []byte) error {
	var in gridBotConfigJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	gt, err := ParseGridType(in.GridType)
	if err != nil {
		return err
	}
	*c = GridBotConfig{
		ID:       in.ID,
		UserID:   in.UserID,
		Name:     in.Name,
		Exchange: in.Exchange,
		Symbol:   in.Symbol,
		Status:   in.Status,
	}
	if gt == GridTypeRange {
		c.Params = &RangeParams{
			LowerPrice:       derefDecimal(in.LowerPrice),
			UpperPrice:       derefDecimal(in.UpperPrice),
			GridLevels:       derefInt(in.GridLevels),
			InvestmentAmount: derefDecimal(in.InvestmentAmount),
			Spacing:          in.Spacing,
		}
		return nil
	}
	c.Params = &FlatParams{
		StartingPrice:   derefDecimal(in.StartingPrice),
		FlatSpread:      derefDecimal(in.FlatSpread),
		FlatIncrement:   derefDecimal(in.FlatIncrement),
		BuyOrdersCount:  derefInt(in.BuyOrdersCount),
		SellOrdersCount: derefInt(in.SellOrdersCount),
		OrderSize:       derefDecimal(in.OrderSize),
	}
	return nil
}

func derefDecimal(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func derefInt(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

// GridLevel 代表计算出的一个目标档位
type GridLevel struct {
	Index int             `json:"index"`
	Price decimal.Decimal `json:"price"`
	Side  Side            `json:"side"`
	Size  decimal.Decimal `json:"size"` // 下单金额 (计价货币)
}

// SymbolRules 是交易对的下单精度规则
type SymbolRules struct {
	Symbol      string          `json:"symbol"`
	TickSize    decimal.Decimal `json:"tick_size"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MinNotional decimal.Decimal `json:"min_notional"`
}
