package exchange

import (
	"context"

	"grid-engine/internal/models"

	"github.com/shopspring/decimal"
)

// OrderRequest 是一次限价单请求
type OrderRequest struct {
	Symbol        string
	Side          models.Side
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	ClientOrderID string
}

// Gateway 定义了引擎对交易所的全部依赖。
// 实现只负责协议转换和错误分类，重试与限流由 Resilient 统一处理。
type Gateway interface {
	// Place 下限价单，失败时返回 RateLimited / Rejected / Network
	Place(ctx context.Context, req OrderRequest) (*models.LiveOrder, error)
	// Cancel 撤单，失败时返回 AlreadyFilled / NotFound / Network
	Cancel(ctx context.Context, symbol string, orderID int64) error
	// OpenOrders 查询交易对的全部挂单
	OpenOrders(ctx context.Context, symbol string) ([]models.LiveOrder, error)
	// BestBidAsk 查询最优买卖价
	BestBidAsk(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error)
	// QueryOrder 查询单个订单的最终状态，用于确认成交
	QueryOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderUpdate, error)
	// SymbolRules 查询交易对的精度规则
	SymbolRules(ctx context.Context, symbol string) (models.SymbolRules, error)
}

// OrderUpdateHandler 接收推送的订单更新
type OrderUpdateHandler func(models.OrderUpdate)

// 交易所原始订单状态
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusExpired         = "EXPIRED"
	StatusRejected        = "REJECTED"
)

// IsTerminalCancel 判断状态是否表示订单未成交而结束
func IsTerminalCancel(status string) bool {
	switch status {
	case StatusCanceled, StatusExpired, StatusRejected, "EXPIRED_IN_MATCH":
		return true
	}
	return false
}
