package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"grid-engine/internal/models"

	"github.com/shopspring/decimal"
)

// PaperExchange 在内存中模拟现货撮合，实现 Gateway。
// 价格由 SetPrice 驱动 (固定价格、公开行情或测试)，成交通过 Subscribe 注册的回调推送。
type PaperExchange struct {
	mu          sync.Mutex
	prices      map[string]decimal.Decimal
	spread      decimal.Decimal // 单边价差比例
	orders      map[int64]*paperOrder
	NextOrderID int64
	rules       models.SymbolRules
	quoteAsset  string
	balances    map[string]decimal.Decimal // nil 表示不校验余额
	handlers    []OrderUpdateHandler
	faults      map[string]error
	calls       map[string]int
	now         func() time.Time
}

type paperOrder struct {
	order    models.LiveOrder
	status   string
	reserved decimal.Decimal // 下单时冻结的资金
}

// NewPaperExchange 根据模拟盘配置创建交易所
func NewPaperExchange(cfg models.PaperConfig) (*PaperExchange, error) {
	e := &PaperExchange{
		prices:      make(map[string]decimal.Decimal),
		spread:      decimal.NewFromInt(int64(cfg.SpreadBps)).Div(decimal.NewFromInt(10000)),
		orders:      make(map[int64]*paperOrder),
		NextOrderID: 1,
		quoteAsset:  cfg.QuoteAsset,
		faults:      make(map[string]error),
		calls:       make(map[string]int),
		now:         time.Now,
	}
	if e.quoteAsset == "" {
		e.quoteAsset = "USDT"
	}
	for symbol, p := range cfg.Prices {
		price, err := decimal.NewFromString(p)
		if err != nil {
			return nil, fmt.Errorf("解析模拟价格 %s=%q 失败: %w", symbol, p, err)
		}
		e.prices[symbol] = price
	}

	var err error
	if e.rules.TickSize, err = optionalDecimal(cfg.TickSize); err != nil {
		return nil, fmt.Errorf("解析 tick_size 失败: %w", err)
	}
	if e.rules.StepSize, err = optionalDecimal(cfg.StepSize); err != nil {
		return nil, fmt.Errorf("解析 step_size 失败: %w", err)
	}
	if e.rules.MinNotional, err = optionalDecimal(cfg.MinNotional); err != nil {
		return nil, fmt.Errorf("解析 min_notional 失败: %w", err)
	}

	if len(cfg.Balances) > 0 {
		e.balances = make(map[string]decimal.Decimal, len(cfg.Balances))
		for asset, v := range cfg.Balances {
			amount, err := decimal.NewFromString(v)
			if err != nil {
				return nil, fmt.Errorf("解析模拟余额 %s=%q 失败: %w", asset, v, err)
			}
			e.balances[asset] = amount
		}
	}
	return e, nil
}

func optionalDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// Subscribe 注册订单更新回调，回调在锁外执行
func (e *PaperExchange) Subscribe(h OrderUpdateHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// InjectFault 让后续对 op 的调用返回 err，err 为 nil 时清除
func (e *PaperExchange) InjectFault(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.faults, op)
		return
	}
	e.faults[op] = err
}

// Calls 返回 op 被调用的次数 (包括失败的调用)
func (e *PaperExchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// Balance 返回资产的可用余额
func (e *PaperExchange) Balance(asset string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[asset]
}

// enter 记录调用并返回注入的故障。必须在持有锁的情况下调用。
func (e *PaperExchange) enter(op string) error {
	e.calls[op]++
	return e.faults[op]
}

// SetPrice 更新最新价并撮合所有可成交的挂单
func (e *PaperExchange) SetPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	e.prices[symbol] = price
	updates := e.matchLocked(symbol, price)
	handlers := e.handlers
	e.mu.Unlock()

	dispatch(handlers, updates)
}

// Price 返回最新价
func (e *PaperExchange) Price(symbol string) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.prices[symbol]
	return p, ok
}

// matchLocked 按订单号顺序检查挂单是否在 price 成交。必须在持有锁的情况下调用。
func (e *PaperExchange) matchLocked(symbol string, price decimal.Decimal) []models.OrderUpdate {
	var orderedIDs []int64
	for id, o := range e.orders {
		if o.status == StatusNew && o.order.Symbol == symbol {
			orderedIDs = append(orderedIDs, id)
		}
	}
	sort.Slice(orderedIDs, func(i, j int) bool { return orderedIDs[i] < orderedIDs[j] })

	var updates []models.OrderUpdate
	for _, id := range orderedIDs {
		o := e.orders[id]
		limit := o.order.Price
		if (o.order.Side == models.Buy && price.LessThanOrEqual(limit)) ||
			(o.order.Side == models.Sell && price.GreaterThanOrEqual(limit)) {
			updates = append(updates, e.fillLocked(o))
		}
	}
	return updates
}

// fillLocked 以挂单价成交并结算余额。必须在持有锁的情况下调用。
func (e *PaperExchange) fillLocked(o *paperOrder) models.OrderUpdate {
	o.status = StatusFilled
	if e.balances != nil {
		base := e.baseAsset(o.order.Symbol)
		if o.order.Side == models.Buy {
			e.balances[base] = e.balances[base].Add(o.order.Size)
		} else {
			e.balances[e.quoteAsset] = e.balances[e.quoteAsset].Add(o.order.Size.Mul(o.order.Price))
		}
	}
	o.reserved = decimal.Zero
	return e.updateLocked(o)
}

func (e *PaperExchange) updateLocked(o *paperOrder) models.OrderUpdate {
	u := models.OrderUpdate{
		Symbol:          o.order.Symbol,
		ExchangeOrderID: o.order.ExchangeOrderID,
		ClientOrderID:   o.order.ClientOrderID,
		Side:            o.order.Side,
		Price:           o.order.Price,
		Quantity:        o.order.Size,
		Status:          o.status,
		EventTime:       e.now(),
	}
	if o.status == StatusFilled {
		u.FilledQty = o.order.Size
	}
	return u
}

func (e *PaperExchange) baseAsset(symbol string) string {
	return strings.TrimSuffix(symbol, e.quoteAsset)
}

func dispatch(handlers []OrderUpdateHandler, updates []models.OrderUpdate) {
	for _, u := range updates {
		for _, h := range handlers {
			h(u)
		}
	}
}

// Place 挂限价单。价格已穿越最新价的订单立即成交。
func (e *PaperExchange) Place(ctx context.Context, req OrderRequest) (*models.LiveOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError("place", KindNetwork, err)
	}

	e.mu.Lock()
	if err := e.enter("place"); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if !req.Price.IsPositive() || !req.Quantity.IsPositive() {
		e.mu.Unlock()
		return nil, Rejected("place", ReasonPriceFilter, fmt.Errorf("invalid price %s or quantity %s", req.Price, req.Quantity))
	}
	if e.rules.MinNotional.IsPositive() && req.Price.Mul(req.Quantity).LessThan(e.rules.MinNotional) {
		e.mu.Unlock()
		return nil, Rejected("place", ReasonNotional, fmt.Errorf("notional %s below %s", req.Price.Mul(req.Quantity), e.rules.MinNotional))
	}
	if req.ClientOrderID != "" {
		for _, o := range e.orders {
			if o.order.ClientOrderID == req.ClientOrderID && o.status == StatusNew {
				e.mu.Unlock()
				return nil, Rejected("place", ReasonDuplicate, fmt.Errorf("duplicate order sent: %s", req.ClientOrderID))
			}
		}
	}

	reserved := decimal.Zero
	if e.balances != nil {
		asset, need := e.baseAsset(req.Symbol), req.Quantity
		if req.Side == models.Buy {
			asset, need = e.quoteAsset, req.Quantity.Mul(req.Price)
		}
		if e.balances[asset].LessThan(need) {
			e.mu.Unlock()
			return nil, Rejected("place", ReasonBalance, fmt.Errorf("account has insufficient balance for requested action: %s", asset))
		}
		e.balances[asset] = e.balances[asset].Sub(need)
		reserved = need
	}

	o := &paperOrder{
		order: models.LiveOrder{
			ExchangeOrderID: e.NextOrderID,
			ClientOrderID:   req.ClientOrderID,
			Symbol:          req.Symbol,
			Side:            req.Side,
			Price:           req.Price,
			Size:            req.Quantity,
			Status:          models.OrderOpen,
			PlacedAt:        e.now(),
		},
		status:   StatusNew,
		reserved: reserved,
	}
	e.orders[o.order.ExchangeOrderID] = o
	e.NextOrderID++
	placed := o.order

	var updates []models.OrderUpdate
	if last, ok := e.prices[req.Symbol]; ok {
		updates = e.matchLocked(req.Symbol, last)
	}
	handlers := e.handlers
	e.mu.Unlock()

	dispatch(handlers, updates)
	return &placed, nil
}

// Cancel 撤单。已成交返回 AlreadyFilled，不存在或已撤销返回 NotFound。
func (e *PaperExchange) Cancel(ctx context.Context, symbol string, orderID int64) error {
	if err := ctx.Err(); err != nil {
		return NewError("cancel", KindNetwork, err)
	}

	e.mu.Lock()
	if err := e.enter("cancel"); err != nil {
		e.mu.Unlock()
		return err
	}
	o, ok := e.orders[orderID]
	if !ok || o.order.Symbol != symbol || o.status != StatusNew {
		defer e.mu.Unlock()
		if ok && o.status == StatusFilled {
			return NewError("cancel", KindAlreadyFilled, fmt.Errorf("order %d already filled", orderID))
		}
		return NewError("cancel", KindNotFound, fmt.Errorf("unknown order sent: %d", orderID))
	}
	update := e.cancelLocked(o)
	handlers := e.handlers
	e.mu.Unlock()

	dispatch(handlers, []models.OrderUpdate{update})
	return nil
}

func (e *PaperExchange) cancelLocked(o *paperOrder) models.OrderUpdate {
	o.status = StatusCanceled
	if e.balances != nil && o.reserved.IsPositive() {
		asset := e.baseAsset(o.order.Symbol)
		if o.order.Side == models.Buy {
			asset = e.quoteAsset
		}
		e.balances[asset] = e.balances[asset].Add(o.reserved)
	}
	o.reserved = decimal.Zero
	return e.updateLocked(o)
}

// OpenOrders 按订单号顺序返回交易对的全部挂单
func (e *PaperExchange) OpenOrders(ctx context.Context, symbol string) ([]models.LiveOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError("open_orders", KindNetwork, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("open_orders"); err != nil {
		return nil, err
	}

	out := make([]models.LiveOrder, 0)
	for _, o := range e.orders {
		if o.status == StatusNew && o.order.Symbol == symbol {
			out = append(out, o.order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeOrderID < out[j].ExchangeOrderID })
	return out, nil
}

// BestBidAsk 以最新价为中心按 spread_bps 构造买一卖一
func (e *PaperExchange) BestBidAsk(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, decimal.Zero, NewError("book_ticker", KindNetwork, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("book_ticker"); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	p, ok := e.prices[symbol]
	if !ok {
		return decimal.Zero, decimal.Zero, NewError("book_ticker", KindNotFound, fmt.Errorf("no price for %s", symbol))
	}
	one := decimal.NewFromInt(1)
	return p.Mul(one.Sub(e.spread)), p.Mul(one.Add(e.spread)), nil
}

// QueryOrder 查询订单状态
func (e *PaperExchange) QueryOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError("query_order", KindNetwork, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("query_order"); err != nil {
		return nil, err
	}
	o, ok := e.orders[orderID]
	if !ok || o.order.Symbol != symbol {
		return nil, NewError("query_order", KindNotFound, fmt.Errorf("order %d does not exist", orderID))
	}
	u := e.updateLocked(o)
	return &u, nil
}

// SymbolRules 返回配置中的精度规则，所有交易对共用
func (e *PaperExchange) SymbolRules(ctx context.Context, symbol string) (models.SymbolRules, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("symbol_rules"); err != nil {
		return models.SymbolRules{}, err
	}
	r := e.rules
	r.Symbol = symbol
	return r, nil
}

// --- 模拟人工干预，用于健康检查和恢复流程 ---

// FillOrder 直接成交一个挂单。notify 为 false 时模拟丢失的推送。
func (e *PaperExchange) FillOrder(orderID int64, notify bool) bool {
	e.mu.Lock()
	o, ok := e.orders[orderID]
	if !ok || o.status != StatusNew {
		e.mu.Unlock()
		return false
	}
	update := e.fillLocked(o)
	handlers := e.handlers
	e.mu.Unlock()

	if notify {
		dispatch(handlers, []models.OrderUpdate{update})
	}
	return true
}

// RemoveOrder 在不推送的情况下撤掉挂单，模拟在交易所网页上手动撤单
func (e *PaperExchange) RemoveOrder(orderID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || o.status != StatusNew {
		return false
	}
	e.cancelLocked(o)
	return true
}

// AddExternalOrder 挂一个不经过引擎的订单，不撮合也不推送
func (e *PaperExchange) AddExternalOrder(symbol string, side models.Side, price, qty decimal.Decimal, clientOrderID string) models.LiveOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := &paperOrder{
		order: models.LiveOrder{
			ExchangeOrderID: e.NextOrderID,
			ClientOrderID:   clientOrderID,
			Symbol:          symbol,
			Side:            side,
			Price:           price,
			Size:            qty,
			Status:          models.OrderOpen,
			PlacedAt:        e.now(),
		},
		status: StatusNew,
	}
	e.orders[o.order.ExchangeOrderID] = o
	e.NextOrderID++
	return o.order
}
