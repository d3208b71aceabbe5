package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"grid-engine/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BinanceSpot 通过 go-binance SDK 实现 Gateway，对接币安现货
type BinanceSpot struct {
	client *binance.Client
	logger *zap.Logger

	mu    sync.Mutex
	rules map[string]models.SymbolRules
}

// NewBinanceSpot 创建币安现货网关。testnet 为 true 时使用测试网。
func NewBinanceSpot(apiKey, secretKey string, testnet bool, logger *zap.Logger) *BinanceSpot {
	if testnet {
		binance.UseTestnet = true
	}
	return &BinanceSpot{
		client: binance.NewClient(apiKey, secretKey),
		logger: logger,
		rules:  make(map[string]models.SymbolRules),
	}
}

// SyncTime 与服务器同步时间偏移，避免签名请求因时间戳被拒
func (e *BinanceSpot) SyncTime(ctx context.Context) error {
	serverTime, err := e.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return classify("server_time", err)
	}
	e.client.TimeOffset = serverTime - time.Now().UnixMilli()
	e.logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", e.client.TimeOffset))
	return nil
}

// Place 下 GTC 限价单
func (e *BinanceSpot) Place(ctx context.Context, req OrderRequest) (*models.LiveOrder, error) {
	res, err := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(req.Quantity.String()).
		Price(req.Price.String()).
		NewClientOrderID(req.ClientOrderID).
		Do(ctx)
	if err != nil {
		return nil, classify("place", err)
	}

	order := &models.LiveOrder{
		ExchangeOrderID: res.OrderID,
		ClientOrderID:   res.ClientOrderID,
		Symbol:          res.Symbol,
		Side:            req.Side,
		Price:           parseDecimal(res.Price, req.Price),
		Size:            parseDecimal(res.OrigQuantity, req.Quantity),
		Status:          models.OrderOpen,
		PlacedAt:        time.UnixMilli(res.TransactTime),
	}
	return order, nil
}

// Cancel 撤单。交易所返回未知订单时查询订单区分 "已成交" 和 "不存在"。
func (e *BinanceSpot) Cancel(ctx context.Context, symbol string, orderID int64) error {
	_, err := e.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err == nil {
		return nil
	}
	classified := classify("cancel", err)
	if !IsNotFound(classified) {
		return classified
	}

	o, qerr := e.QueryOrder(ctx, symbol, orderID)
	if qerr != nil {
		if IsNotFound(qerr) {
			return classified
		}
		return qerr
	}
	if o.Status == StatusFilled {
		return NewError("cancel", KindAlreadyFilled, fmt.Errorf("order %d already filled", orderID))
	}
	return classified
}

// OpenOrders 查询交易对的全部挂单
func (e *BinanceSpot) OpenOrders(ctx context.Context, symbol string) ([]models.LiveOrder, error) {
	res, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify("open_orders", err)
	}
	orders := make([]models.LiveOrder, 0, len(res))
	for _, o := range res {
		orders = append(orders, models.LiveOrder{
			ExchangeOrderID: o.OrderID,
			ClientOrderID:   o.ClientOrderID,
			Symbol:          o.Symbol,
			Side:            models.Side(o.Side),
			Price:           parseDecimal(o.Price, decimal.Zero),
			Size:            parseDecimal(o.OrigQuantity, decimal.Zero),
			Status:          models.OrderOpen,
			PlacedAt:        time.UnixMilli(o.Time),
		})
	}
	return orders, nil
}

// BestBidAsk 查询最优挂单价
func (e *BinanceSpot) BestBidAsk(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	res, err := e.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, classify("book_ticker", err)
	}
	for _, t := range res {
		if t.Symbol == symbol {
			return parseDecimal(t.BidPrice, decimal.Zero), parseDecimal(t.AskPrice, decimal.Zero), nil
		}
	}
	return decimal.Zero, decimal.Zero, NewError("book_ticker", KindNotFound, fmt.Errorf("未找到交易对 %s 的行情", symbol))
}

// QueryOrder 查询订单当前状态
func (e *BinanceSpot) QueryOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderUpdate, error) {
	o, err := e.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, classify("query_order", err)
	}
	return &models.OrderUpdate{
		Symbol:          o.Symbol,
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.ClientOrderID,
		Side:            models.Side(o.Side),
		Price:           parseDecimal(o.Price, decimal.Zero),
		Quantity:        parseDecimal(o.OrigQuantity, decimal.Zero),
		FilledQty:       parseDecimal(o.ExecutedQuantity, decimal.Zero),
		Status:          string(o.Status),
		EventTime:       time.UnixMilli(o.UpdateTime),
	}, nil
}

// SymbolRules 获取并缓存交易对的精度规则
func (e *BinanceSpot) SymbolRules(ctx context.Context, symbol string) (models.SymbolRules, error) {
	e.mu.Lock()
	if r, ok := e.rules[symbol]; ok {
		e.mu.Unlock()
		return r, nil
	}
	e.mu.Unlock()

	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return models.SymbolRules{}, classify("symbol_rules", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules := models.SymbolRules{Symbol: symbol}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				rules.TickSize = filterDecimal(f, "tickSize")
			case "LOT_SIZE":
				rules.StepSize = filterDecimal(f, "stepSize")
				rules.MinQty = filterDecimal(f, "minQty")
			case "NOTIONAL", "MIN_NOTIONAL":
				rules.MinNotional = filterDecimal(f, "minNotional")
			}
		}
		e.mu.Lock()
		e.rules[symbol] = rules
		e.mu.Unlock()
		return rules, nil
	}
	return models.SymbolRules{}, NewError("symbol_rules", KindNotFound, fmt.Errorf("未找到交易对 %s 的信息", symbol))
}

// StartUserStream 创建 listenKey
func (e *BinanceSpot) StartUserStream(ctx context.Context) (string, error) {
	key, err := e.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", classify("start_user_stream", err)
	}
	return key, nil
}

// KeepaliveUserStream 延长 listenKey 的有效期
func (e *BinanceSpot) KeepaliveUserStream(ctx context.Context, listenKey string) error {
	if err := e.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return classify("keepalive_user_stream", err)
	}
	return nil
}

func filterDecimal(f map[string]interface{}, key string) decimal.Decimal {
	s, ok := f[key].(string)
	if !ok {
		return decimal.Zero
	}
	return parseDecimal(s, decimal.Zero)
}

func parseDecimal(s string, fallback decimal.Decimal) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return fallback
	}
	return v
}

// classify 将币安 API 错误映射为网关错误分类
func classify(op string, err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return NewError(op, KindNetwork, err)
	}

	e := &Error{Op: op, Code: apiErr.Code, Err: err}
	msg := strings.ToLower(apiErr.Message)
	switch apiErr.Code {
	case -1003, -1015:
		e.Kind = KindRateLimited
	case -1000, -1001, -1006, -1007, -1021:
		e.Kind = KindNetwork
	case -2011, -2013:
		e.Kind = KindNotFound
	case -1002, -1022, -2014, -2015:
		e.Kind, e.Reason = KindRejected, ReasonPermission
	case -2010:
		e.Kind = KindRejected
		switch {
		case strings.Contains(msg, "insufficient balance"):
			e.Reason = ReasonBalance
		case strings.Contains(msg, "duplicate"):
			e.Reason = ReasonDuplicate
		case strings.Contains(msg, "would immediately match"):
			e.Reason = ReasonPriceFilter
		default:
			e.Reason = ReasonOther
		}
	case -1013:
		e.Kind = KindRejected
		switch {
		case strings.Contains(msg, "notional"), strings.Contains(msg, "lot_size"):
			e.Reason = ReasonNotional
		default:
			e.Reason = ReasonPriceFilter
		}
	default:
		e.Kind, e.Reason = KindRejected, ReasonOther
	}
	return e
}
