package bot

import (
	"context"
	"errors"
	"fmt"

	"grid-engine/internal/errs"
	"grid-engine/internal/exchange"
	"grid-engine/internal/grid"
	"grid-engine/internal/models"
	"grid-engine/internal/notify"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// newPending 创建待挂档位并预留 client order id。调用方负责在下单前落盘。
func (b *Bot) newPending(level models.GridLevel, qty, pairedBuy decimal.Decimal, reason models.PendingReason) (models.PendingLevel, error) {
	id, err := b.deps.IDs.ClientOrderID(b.cfg.ID)
	if err != nil {
		return models.PendingLevel{}, fmt.Errorf("reserve client order id: %w", err)
	}
	return models.PendingLevel{
		Level:          level,
		Quantity:       qty,
		PairedBuyPrice: pairedBuy,
		ClientOrderID:  id,
		Reason:         reason,
	}, nil
}

// placePending 依次尝试挂出所有待挂档位。只有账本写入失败会中断。
func (b *Bot) placePending(ctx context.Context, bid, ask decimal.Decimal) error {
	ids := make([]string, 0, len(b.state.Pending))
	for _, p := range b.state.Pending {
		ids = append(ids, p.ClientOrderID)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !b.state.Lifecycle.Active() {
			return nil
		}
		if err := b.placeOne(ctx, id, bid, ask); err != nil {
			return err
		}
	}
	return nil
}

// placeOne 挂出一个待挂档位。穿越盘口的档位保持 deferred。
func (b *Bot) placeOne(ctx context.Context, clientID string, bid, ask decimal.Decimal) error {
	i := b.state.PendingIndex(clientID)
	if i < 0 {
		return nil
	}
	p := b.state.Pending[i]
	if p.Reason == models.PendingRejected {
		return nil
	}
	rules, err := b.symbolRules(ctx)
	if err != nil {
		return b.failTransient(ctx, "symbol_rules", err)
	}

	side := p.Level.Side
	price := grid.RoundPrice(p.Level.Price, side, rules)
	if grid.IsDeferred(side, price, bid, ask) {
		if p.Reason == models.PendingDeferred {
			return nil
		}
		next := b.state.Clone()
		next.Pending[i].Reason = models.PendingDeferred
		b.logger.Debug("level deferred, crosses the book",
			zap.String("side", string(side)), zap.String("price", price.String()))
		return b.commit(ctx, next)
	}

	var qty decimal.Decimal
	if p.Quantity.IsPositive() {
		qty, err = grid.RoundQuantity(p.Quantity, price, rules)
	} else {
		qty, err = grid.ToQuantity(p.Level.Size, price, rules)
	}
	if err != nil {
		return b.handlePlaceError(ctx, clientID, exchange.Rejected("place", exchange.ReasonNotional, err))
	}

	order, err := b.deps.Gateway.Place(ctx, exchange.OrderRequest{
		Symbol:        b.cfg.Symbol,
		Side:          side,
		Price:         price,
		Quantity:      qty,
		ClientOrderID: clientID,
	})
	if err != nil {
		return b.handlePlaceError(ctx, clientID, err)
	}

	next := b.state.Clone()
	next.RemovePending(next.PendingIndex(clientID))
	o := *order
	o.BotID = b.cfg.ID
	o.Symbol = b.cfg.Symbol
	o.Side = side
	o.ClientOrderID = clientID
	o.Status = models.OrderOpen
	o.LevelIndex = p.Level.Index
	o.PairedBuyPrice = p.PairedBuyPrice
	if o.PlacedAt.IsZero() {
		o.PlacedAt = b.now()
	}
	next.Orders[o.Key()] = &o
	next.ConsecutiveErrors = 0
	next.LastError = ""
	b.deps.Metrics.IncPlacement(b.cfg.ID, string(side))
	b.logger.Info("order placed",
		zap.Int64("order_id", o.ExchangeOrderID), zap.String("side", string(side)),
		zap.String("price", price.String()), zap.String("qty", qty.String()))
	return b.commit(ctx, next)
}

func (b *Bot) handlePlaceError(ctx context.Context, clientID string, placeErr error) error {
	next := b.state.Clone()
	i := next.PendingIndex(clientID)
	if i < 0 {
		return nil
	}
	next.Pending[i].Attempts++
	reason := exchange.ReasonOf(placeErr)

	switch {
	case reason == exchange.ReasonDuplicate:
		// 交易所上已有这个 client id 的挂单：上一次下单其实成功了
		found, err := b.adoptByClientID(ctx, next, clientID)
		if err != nil {
			b.countError(next, err)
			break
		}
		if !found {
			fresh, err := b.deps.IDs.ClientOrderID(b.cfg.ID)
			if err != nil {
				return err
			}
			next.Pending[i].ClientOrderID = fresh
			next.Pending[i].Reason = models.PendingTransient
		}
	case exchange.IsRetryableRejection(placeErr):
		next.Pending[i].Reason = models.PendingPriceFilter
		b.deps.Metrics.IncRejection(b.cfg.ID, string(reason))
		b.logger.Info("placement rejected by price filter, retrying next pass", zap.Error(placeErr))
	case errors.Is(placeErr, errs.ErrTransient):
		next.Pending[i].Reason = models.PendingTransient
		b.countError(next, placeErr)
		b.logger.Warn("placement failed, will look up the client id before retrying", zap.Error(placeErr))
	default:
		if reason == "" {
			reason = exchange.ReasonOther
		}
		next.Pending[i].Reason = models.PendingRejected
		b.deps.Metrics.IncRejection(b.cfg.ID, string(reason))
		b.countError(next, placeErr)
		b.logger.Warn("placement rejected, level held until resume or recover",
			zap.String("reason", string(reason)), zap.Error(placeErr))
	}
	return b.commit(ctx, next)
}

// adoptByClientID 在交易所挂单中查找 client id，找到时并入 next
func (b *Bot) adoptByClientID(ctx context.Context, next *models.BotRuntimeState, clientID string) (bool, error) {
	orders, err := b.deps.Gateway.OpenOrders(ctx, b.cfg.Symbol)
	if err != nil {
		return false, err
	}
	for _, o := range orders {
		if o.ClientOrderID == clientID {
			b.adoptInto(next, o)
			return true, nil
		}
	}
	return false, nil
}

// adoptTransient 在重试之前确认网络错误的下单是否已经到达交易所
func (b *Bot) adoptTransient(ctx context.Context) error {
	var transient []string
	for _, p := range b.state.Pending {
		if p.Reason == models.PendingTransient {
			transient = append(transient, p.ClientOrderID)
		}
	}
	if len(transient) == 0 {
		return nil
	}
	orders, err := b.deps.Gateway.OpenOrders(ctx, b.cfg.Symbol)
	if err != nil {
		return b.failTransient(ctx, "open_orders", err)
	}
	byClient := make(map[string]models.LiveOrder, len(orders))
	for _, o := range orders {
		byClient[o.ClientOrderID] = o
	}
	next := b.state.Clone()
	adopted := 0
	for _, id := range transient {
		if o, ok := byClient[id]; ok {
			b.adoptInto(next, o)
			adopted++
		}
	}
	if adopted == 0 {
		return nil
	}
	b.logger.Info("adopted orders whose placement response was lost", zap.Int("count", adopted))
	return b.commit(ctx, next)
}

// --- 成交 ---

func (b *Bot) lookup(s *models.BotRuntimeState, u models.OrderUpdate) *models.LiveOrder {
	if u.ClientOrderID != "" {
		if o, ok := s.Orders[u.ClientOrderID]; ok {
			return o
		}
	}
	return s.FindByExchangeID(u.ExchangeOrderID)
}

// HandleUpdate 处理推送的订单更新。部分成交在订单完全成交前忽略。
func (b *Bot) HandleUpdate(ctx context.Context, u models.OrderUpdate) error {
	if u.Symbol != "" && u.Symbol != b.cfg.Symbol {
		return nil
	}
	if err := b.flush(ctx); err != nil {
		return err
	}
	if b.state == nil {
		return nil
	}
	switch {
	case u.Status == exchange.StatusFilled:
		return b.HandleFill(ctx, u)
	case exchange.IsTerminalCancel(u.Status):
		o := b.lookup(b.state, u)
		if o == nil {
			// 本 bot 主动撤销的订单在撤单成功时已移出状态
			return nil
		}
		next := b.state.Clone()
		fills, err := b.cancelledOutside(ctx, next, next.Orders[o.Key()], u)
		if err != nil {
			return err
		}
		if err := b.commitFills(ctx, next, fills...); err != nil {
			return err
		}
		return b.placeAll(ctx)
	}
	return nil
}

// cancelledOutside 处理在引擎之外被撤销的订单：已成交的部分记为成交并排入镜像，剩余部分按原档位重新排入
func (b *Bot) cancelledOutside(ctx context.Context, next *models.BotRuntimeState, o *models.LiveOrder, u models.OrderUpdate) ([]models.Fill, error) {
	filled := u.FilledQty
	if !filled.IsPositive() {
		b.logger.Warn("order cancelled outside the engine, re-queueing its level",
			zap.Int64("order_id", o.ExchangeOrderID), zap.String("status", u.Status))
		return nil, b.requeue(next, o, models.PendingCancelled)
	}

	rest := *o
	rest.Size = o.Size.Sub(filled)
	part := *o
	fill, err := b.recordFill(next, &part, u.Price, decimal.Min(filled, o.Size), models.FillFromStream, false)
	if err != nil {
		return nil, err
	}
	fills := []models.Fill{fill}
	if !rest.Size.IsPositive() {
		return fills, nil
	}
	if rules, err := b.symbolRules(ctx); err == nil {
		if _, err := grid.RoundQuantity(rest.Size, rest.Price, rules); err != nil {
			b.logger.Warn("remainder of partially filled order is below the exchange minimum, dropped",
				zap.Int64("order_id", o.ExchangeOrderID), zap.String("remainder", rest.Size.String()))
			return fills, nil
		}
	}
	b.logger.Warn("partially filled order cancelled outside the engine, re-queueing the remainder",
		zap.Int64("order_id", o.ExchangeOrderID), zap.String("filled", filled.String()),
		zap.String("remainder", rest.Size.String()))
	return fills, b.requeue(next, &rest, models.PendingCancelled)
}

// HandleFill 记录一次确认成交并挂出唯一的镜像档位。同一订单的重复推送被忽略。
func (b *Bot) HandleFill(ctx context.Context, u models.OrderUpdate) error {
	if err := b.flush(ctx); err != nil {
		return err
	}
	if b.state == nil {
		return nil
	}
	next := b.state.Clone()
	o := b.lookup(next, u)
	if o == nil {
		// 下单响应之前到达的成交
		i := next.PendingIndex(u.ClientOrderID)
		if i < 0 {
			b.logger.Debug("fill for unknown order ignored",
				zap.Int64("order_id", u.ExchangeOrderID), zap.String("client_order_id", u.ClientOrderID))
			return nil
		}
		p := next.Pending[i]
		next.RemovePending(i)
		o = &models.LiveOrder{
			ExchangeOrderID: u.ExchangeOrderID,
			ClientOrderID:   u.ClientOrderID,
			BotID:           b.cfg.ID,
			Symbol:          b.cfg.Symbol,
			Side:            p.Level.Side,
			Price:           u.Price,
			Size:            u.Quantity,
			Status:          models.OrderOpen,
			LevelIndex:      p.Level.Index,
			PairedBuyPrice:  p.PairedBuyPrice,
		}
	}

	qty := u.FilledQty
	if !qty.IsPositive() {
		qty = u.Quantity
	}
	fill, err := b.recordFill(next, o, u.Price, qty, models.FillFromStream, false)
	if err != nil {
		return err
	}
	return b.commitFills(ctx, next, fill)
}

// recordFill 在 next 上应用一次成交：移除订单、追加成交记录、更新统计、排入镜像档位
func (b *Bot) recordFill(next *models.BotRuntimeState, o *models.LiveOrder, price, qty decimal.Decimal, source models.FillSource, inferred bool) (models.Fill, error) {
	if !price.IsPositive() {
		price = o.Price
	}
	if !qty.IsPositive() {
		qty = o.Size
	}
	delete(next.Orders, o.Key())

	now := b.now()
	fill := models.Fill{
		BotID:           b.cfg.ID,
		ExchangeOrderID: o.ExchangeOrderID,
		ClientOrderID:   o.ClientOrderID,
		Side:            o.Side,
		Price:           price,
		Size:            qty,
		LevelIndex:      o.LevelIndex,
		Source:          source,
		Inferred:        inferred,
		Profit:          decimal.Zero,
		At:              now,
	}
	// 卖单与其配对的买单组成一个完整周期
	if o.Side == models.Sell && o.PairedBuyPrice.IsPositive() {
		fill.Profit = price.Sub(o.PairedBuyPrice).Mul(qty)
		next.Stats.TotalProfit = next.Stats.TotalProfit.Add(fill.Profit)
		next.Stats.CompletedCycles++
	}
	next.FillSeq++
	fill.Seq = next.FillSeq
	next.Stats.FillCount++
	if o.Side == models.Buy {
		next.Stats.BuyFills++
	} else {
		next.Stats.SellFills++
	}
	next.Stats.LastActivityAt = now

	if next.Lifecycle == models.LifecycleStopping {
		return fill, nil
	}
	level, err := grid.Mirror(b.cfg, o.Side, o.Price, o.LevelIndex)
	if err != nil {
		b.logger.Warn("no mirror level for fill", zap.String("price", o.Price.String()), zap.Error(err))
		return fill, nil
	}
	var mirrorQty, paired decimal.Decimal
	if o.Side == models.Buy {
		// 卖出买入的数量
		mirrorQty, paired = qty, price
	}
	reason := models.PendingNew
	if next.Lifecycle == models.LifecyclePausing || next.Lifecycle == models.LifecyclePaused {
		reason = models.PendingPaused
	}
	p, err := b.newPending(level, mirrorQty, paired, reason)
	if err != nil {
		return fill, err
	}
	next.Pending = append(next.Pending, p)
	return fill, nil
}

// commitFills 落盘成交并通知，运行中时立即尝试挂出镜像档位
func (b *Bot) commitFills(ctx context.Context, next *models.BotRuntimeState, fills ...models.Fill) error {
	if err := b.commit(ctx, next, fills...); err != nil {
		return err
	}
	for _, f := range fills {
		b.deps.Metrics.IncFill(b.cfg.ID, string(f.Side), string(f.Source))
		b.logger.Info("level filled",
			zap.Int64("order_id", f.ExchangeOrderID), zap.String("side", string(f.Side)),
			zap.String("price", f.Price.String()), zap.String("qty", f.Size.String()),
			zap.String("source", string(f.Source)), zap.Bool("inferred", f.Inferred))
		b.notify(ctx, notify.NewEvent(notify.LevelFilled, b.cfg.ID, b.cfg.Symbol,
			fmt.Sprintf("%s %s @ %s", f.Side, f.Size, f.Price)).
			With("side", string(f.Side)).
			With("price", f.Price.String()).
			With("size", f.Size.String()).
			With("profit", f.Profit.String()).
			With("source", string(f.Source)))
	}
	if len(fills) > 0 {
		b.persistStats(ctx)
	}
	return b.placeLatest(ctx)
}

// placeLatest 运行中时挂出新排入的档位
func (b *Bot) placeLatest(ctx context.Context) error {
	if b.state.Lifecycle != models.LifecycleRunning || len(b.state.Pending) == 0 {
		return nil
	}
	bid, ask, err := b.deps.Gateway.BestBidAsk(ctx, b.cfg.Symbol)
	if err != nil {
		// 下一次对账重试
		b.logger.Warn("could not read book, placement deferred to next pass", zap.Error(err))
		return nil
	}
	last := b.state.Pending[len(b.state.Pending)-1]
	return b.placeOne(ctx, last.ClientOrderID, bid, ask)
}

// placeAll 运行中时挂出所有待挂档位
func (b *Bot) placeAll(ctx context.Context) error {
	if b.state.Lifecycle != models.LifecycleRunning || len(b.state.Pending) == 0 {
		return nil
	}
	bid, ask, err := b.deps.Gateway.BestBidAsk(ctx, b.cfg.Symbol)
	if err != nil {
		b.logger.Warn("could not read book, placement deferred to next pass", zap.Error(err))
		return nil
	}
	return b.placePending(ctx, bid, ask)
}

// requeue 把订单移出并按原档位重新排入待挂，使用新的 client order id
func (b *Bot) requeue(next *models.BotRuntimeState, o *models.LiveOrder, reason models.PendingReason) error {
	delete(next.Orders, o.Key())
	level := models.GridLevel{Index: o.LevelIndex, Price: o.Price, Side: o.Side, Size: b.levelSize()}
	p, err := b.newPending(level, o.Size, o.PairedBuyPrice, reason)
	if err != nil {
		return err
	}
	next.Pending = append(next.Pending, p)
	return nil
}

func (b *Bot) levelSize() decimal.Decimal {
	switch p := b.cfg.Params.(type) {
	case *models.RangeParams:
		return p.InvestmentAmount
	case *models.FlatParams:
		return p.OrderSize
	}
	return decimal.Zero
}

// --- 撤单 ---

// cancelAll 撤销所有挂单。requeue 为 true 时撤销的订单保留为待挂档位 (暂停)，否则丢弃 (停止)。
// 撤单时已成交的订单按成交处理。部分撤单失败时返回错误，剩余订单由下一次对账继续处理。
func (b *Bot) cancelAll(ctx context.Context, requeue bool) error {
	failed := 0
	for _, o := range b.state.OpenOrders() {
		if err := ctx.Err(); err != nil {
			return err
		}
		order := *o
		err := b.deps.Gateway.Cancel(ctx, b.cfg.Symbol, order.ExchangeOrderID)

		var outcome goneOutcome
		switch {
		case err == nil:
		case exchange.IsAlreadyFilled(err):
			outcome = goneOutcome{filled: true, confirmed: true}
		case exchange.IsNotFound(err):
			// 币安对已成交订单的撤单也返回 unknown order，需要查询确认
			if outcome, err = b.resolveGone(ctx, &order); err != nil {
				failed++
				continue
			}
		default:
			failed++
			b.logger.Warn("cancel failed", zap.Int64("order_id", order.ExchangeOrderID), zap.Error(err))
			continue
		}
		if outcome.open {
			failed++
			continue
		}

		next := b.state.Clone()
		var fills []models.Fill
		if outcome.filled {
			fill, err := b.recordFill(next, next.Orders[order.Key()], outcome.price, outcome.qty, models.FillFromCancel, !outcome.confirmed)
			if err != nil {
				return err
			}
			fills = append(fills, fill)
		} else if requeue {
			if err := b.requeue(next, next.Orders[order.Key()], models.PendingPaused); err != nil {
				return err
			}
		} else {
			delete(next.Orders, order.Key())
		}
		if len(fills) > 0 {
			if err := b.commitFills(ctx, next, fills...); err != nil {
				return err
			}
			continue
		}
		if err := b.commit(ctx, next); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d orders could not be cancelled", errs.ErrTransient, failed)
	}
	return nil
}

// goneOutcome 描述一个不在交易所挂单列表中的订单的去向
type goneOutcome struct {
	open      bool // 交易所仍认为订单有效
	filled    bool
	confirmed bool // 交易所确认成交；否则为推断
	price     decimal.Decimal
	qty       decimal.Decimal
}

// resolveGone 查询订单最终状态。查不到的订单按成交处理。
func (b *Bot) resolveGone(ctx context.Context, o *models.LiveOrder) (goneOutcome, error) {
	u, err := b.deps.Gateway.QueryOrder(ctx, b.cfg.Symbol, o.ExchangeOrderID)
	switch {
	case exchange.IsNotFound(err):
		return goneOutcome{filled: true}, nil
	case err != nil:
		return goneOutcome{}, err
	case u.Status == exchange.StatusFilled:
		qty := u.FilledQty
		if !qty.IsPositive() {
			qty = u.Quantity
		}
		return goneOutcome{filled: true, confirmed: true, price: u.Price, qty: qty}, nil
	case exchange.IsTerminalCancel(u.Status):
		return goneOutcome{}, nil
	}
	return goneOutcome{open: true}, nil
}
