package models

import (
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 返回镜像方向
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Lifecycle 是 bot 状态机的状态
type Lifecycle string

const (
	LifecycleStarting   Lifecycle = "starting"
	LifecycleRunning    Lifecycle = "running"
	LifecyclePausing    Lifecycle = "pausing"
	LifecyclePaused     Lifecycle = "paused"
	LifecycleResuming   Lifecycle = "resuming"
	LifecycleStopping   Lifecycle = "stopping"
	LifecycleStopped    Lifecycle = "stopped"
	LifecycleError      Lifecycle = "error"
	LifecycleRecovering Lifecycle = "recovering"
)

// NeedsRecovery 进程重启时需要与交易所对账的状态
func (l Lifecycle) NeedsRecovery() bool {
	switch l {
	case LifecycleStarting, LifecycleRunning, LifecyclePausing, LifecycleResuming, LifecycleRecovering, LifecycleStopping:
		return true
	}
	return false
}

// Active 表示 bot 在交易所上应当持有挂单
func (l Lifecycle) Active() bool {
	return l == LifecycleRunning || l == LifecycleResuming || l == LifecycleStarting || l == LifecycleRecovering
}

// OrderStatus 是账本中订单的状态
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderUnknown   OrderStatus = "unknown"
)

// LiveOrder 代表一个被认为挂在交易所上的订单
type LiveOrder struct {
	ExchangeOrderID int64           `json:"exchange_order_id"`
	ClientOrderID   string          `json:"client_order_id"`
	BotID           int64           `json:"bot_id"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Size            decimal.Decimal `json:"size"` // 基础货币数量
	Status          OrderStatus     `json:"status"`
	LevelIndex      int             `json:"level_index"`
	PairedBuyPrice  decimal.Decimal `json:"paired_buy_price"` // 卖单对应的买入价，用于计算利润
	Adopted         bool            `json:"adopted,omitempty"`
	PlacedAt        time.Time       `json:"placed_at"`
}

// Key 返回订单在状态中的键
func (o *LiveOrder) Key() string {
	if o.ClientOrderID != "" {
		return o.ClientOrderID
	}
	return "x" + strconv.FormatInt(o.ExchangeOrderID, 10)
}

// PendingReason 说明一个档位为何暂未挂出
type PendingReason string

const (
	PendingNew         PendingReason = "new"
	PendingDeferred    PendingReason = "deferred"
	PendingPaused      PendingReason = "paused"
	PendingPriceFilter PendingReason = "price_filter"
	PendingTransient   PendingReason = "transient"
	PendingCancelled   PendingReason = "cancelled"
	// 余额、权限等拒单：不自动重试，resume 或 recover 之后才重新挂出
	PendingRejected PendingReason = "rejected"
)

// PendingLevel 是 "计划挂出但尚未在交易所上" 的档位
type PendingLevel struct {
	Level          GridLevel       `json:"level"`
	Quantity       decimal.Decimal `json:"quantity"` // 非零时直接使用 (镜像单沿用成交数量)
	PairedBuyPrice decimal.Decimal `json:"paired_buy_price"`
	ClientOrderID  string          `json:"client_order_id"` // 下单前预留并落盘
	Reason         PendingReason   `json:"reason"`
	Attempts       int             `json:"attempts"`
}

// FlaggedOrder 是交易所上无法识别的订单，只标记不撤销
type FlaggedOrder struct {
	ExchangeOrderID int64           `json:"exchange_order_id"`
	ClientOrderID   string          `json:"client_order_id"`
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Size            decimal.Decimal `json:"size"`
	FlaggedAt       time.Time       `json:"flagged_at"`
}

// BotStats 汇总统计
type BotStats struct {
	TotalProfit     decimal.Decimal `json:"total_profit"`
	CompletedCycles int             `json:"completed_cycles"`
	FillCount       int             `json:"fill_count"`
	BuyFills        int             `json:"buy_fills"`
	SellFills       int             `json:"sell_fills"`
	StartedAt       time.Time       `json:"started_at"`
	LastActivityAt  time.Time       `json:"last_activity_at"`
}

// BotRuntimeState 是每个 bot 需要持久化的运行时状态
type BotRuntimeState struct {
	BotID             int64                  `json:"bot_id"`
	Symbol            string                 `json:"symbol"`
	Version           int                    `json:"version"`
	Lifecycle         Lifecycle              `json:"lifecycle"`
	ReferencePrice    decimal.Decimal        `json:"reference_price"` // 启动时解析出的中心价
	Orders            map[string]*LiveOrder  `json:"orders"`          // 仅包含 open 订单
	Pending           []PendingLevel         `json:"pending"`
	Flagged           map[int64]FlaggedOrder `json:"flagged"`
	ConsecutiveErrors int                    `json:"consecutive_errors"`
	LastError         string                 `json:"last_error,omitempty"`
	LastReconciledAt  time.Time              `json:"last_reconciled_at"`
	FillSeq           uint64                 `json:"fill_seq"`
	Stats             BotStats               `json:"stats"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// StateVersion 是当前状态模型的版本号
const StateVersion = 1

// NewBotRuntimeState 为首次启动的 bot 创建状态
func NewBotRuntimeState(botID int64, symbol string, now time.Time) *BotRuntimeState {
	return &BotRuntimeState{
		BotID:     botID,
		Symbol:    symbol,
		Version:   StateVersion,
		Lifecycle: LifecycleStarting,
		Orders:    make(map[string]*LiveOrder),
		Flagged:   make(map[int64]FlaggedOrder),
		Stats:     BotStats{StartedAt: now},
		UpdatedAt: now,
	}
}

// Clone 深拷贝状态，提交前在副本上修改
func (s *BotRuntimeState) Clone() *BotRuntimeState {
	if s == nil {
		return nil
	}
	c := *s
	c.Orders = make(map[string]*LiveOrder, len(s.Orders))
	for k, v := range s.Orders {
		if v != nil {
			o := *v
			c.Orders[k] = &o
		}
	}
	if s.Pending != nil {
		c.Pending = make([]PendingLevel, len(s.Pending))
		copy(c.Pending, s.Pending)
	}
	c.Flagged = make(map[int64]FlaggedOrder, len(s.Flagged))
	for k, v := range s.Flagged {
		c.Flagged[k] = v
	}
	return &c
}

// OpenOrders 按 client order id 排序返回所有 open 订单
func (s *BotRuntimeState) OpenOrders() []*LiveOrder {
	out := make([]*LiveOrder, 0, len(s.Orders))
	for _, o := range s.Orders {
		if o.Status == OrderOpen {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// FindByExchangeID 按交易所订单号查找
func (s *BotRuntimeState) FindByExchangeID(id int64) *LiveOrder {
	for _, o := range s.Orders {
		if o.ExchangeOrderID == id {
			return o
		}
	}
	return nil
}

// PendingIndex 查找预留了该 client order id 的待挂档位，找不到返回 -1
func (s *BotRuntimeState) PendingIndex(clientOrderID string) int {
	if clientOrderID == "" {
		return -1
	}
	for i := range s.Pending {
		if s.Pending[i].ClientOrderID == clientOrderID {
			return i
		}
	}
	return -1
}

// RemovePending 删除第 i 个待挂档位
func (s *BotRuntimeState) RemovePending(i int) {
	s.Pending = append(s.Pending[:i], s.Pending[i+1:]...)
}

// FillSource 描述成交是如何被观察到的
type FillSource string

const (
	FillFromStream   FillSource = "stream"
	FillFromHealth   FillSource = "health"
	FillFromRecovery FillSource = "recovery"
	FillFromCancel   FillSource = "cancel_race"
)

// Fill 是只追加的成交历史记录
type Fill struct {
	Seq             uint64          `json:"seq"`
	BotID           int64           `json:"bot_id"`
	ExchangeOrderID int64           `json:"exchange_order_id"`
	ClientOrderID   string          `json:"client_order_id"`
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Size            decimal.Decimal `json:"size"`
	LevelIndex      int             `json:"level_index"`
	Source          FillSource      `json:"source"`
	Inferred        bool            `json:"inferred"` // 未经交易所确认，由缺失推断
	Profit          decimal.Decimal `json:"profit"`
	At              time.Time       `json:"at"`
}

// OrderUpdate 是交易所推送或查询得到的标准化订单更新
type OrderUpdate struct {
	Symbol          string          `json:"symbol"`
	ExchangeOrderID int64           `json:"exchange_order_id"`
	ClientOrderID   string          `json:"client_order_id"`
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	Status          string          `json:"status"` // 交易所原始状态: NEW, PARTIALLY_FILLED, FILLED, CANCELED ...
	EventTime       time.Time       `json:"event_time"`
}
