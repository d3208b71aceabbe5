package bot

import (
	"context"
	"fmt"
	"strconv"

	"grid-engine/internal/grid"
	"grid-engine/internal/models"
	"grid-engine/internal/notify"

	"go.uber.org/zap"
)

// RestorePlan 是恢复流程对账后得到的修正动作
type RestorePlan struct {
	Adopt   []models.LiveOrder // 交易所上有、账本中没有的订单
	Missing []string           // 账本中有、交易所上没有的订单 (按 LiveOrder.Key)
}

// Empty 表示账本与交易所一致
func (p RestorePlan) Empty() bool { return len(p.Adopt) == 0 && len(p.Missing) == 0 }

// matchPending 按 client id，其次按方向和价格查找订单对应的待挂档位
func (b *Bot) matchPending(s *models.BotRuntimeState, o models.LiveOrder) int {
	if i := s.PendingIndex(o.ClientOrderID); i >= 0 {
		return i
	}
	for i, p := range s.Pending {
		if p.Level.Side != o.Side {
			continue
		}
		price := p.Level.Price
		if b.rules != nil {
			price = grid.RoundPrice(price, p.Level.Side, *b.rules)
		}
		if price.Equal(o.Price) || p.Level.Price.Equal(o.Price) {
			return i
		}
	}
	return -1
}

// MatchesPending 判断交易所上的订单是否对应某个待挂档位
func (b *Bot) MatchesPending(o models.LiveOrder) bool {
	if b.state == nil {
		return false
	}
	return b.matchPending(b.state, o) >= 0
}

// adoptInto 把交易所上的订单并入 next。匹配到待挂档位时继承档位信息。
func (b *Bot) adoptInto(next *models.BotRuntimeState, o models.LiveOrder) {
	lo := o
	lo.BotID = b.cfg.ID
	lo.Symbol = b.cfg.Symbol
	lo.Status = models.OrderOpen
	lo.Adopted = true
	if i := b.matchPending(next, o); i >= 0 {
		p := next.Pending[i]
		lo.LevelIndex = p.Level.Index
		lo.PairedBuyPrice = p.PairedBuyPrice
		lo.Adopted = p.ClientOrderID != o.ClientOrderID
		next.RemovePending(i)
	}
	if lo.PlacedAt.IsZero() {
		lo.PlacedAt = b.now()
	}
	delete(next.Flagged, o.ExchangeOrderID)
	next.Orders[lo.Key()] = &lo
}

// AdoptOrder 把一个未被记录的订单纳入账本
func (b *Bot) AdoptOrder(ctx context.Context, o models.LiveOrder) error {
	if err := b.flush(ctx); err != nil {
		return err
	}
	if b.state == nil {
		return fmt.Errorf("%w: bot %d has not started", ErrInvalidTransition, b.cfg.ID)
	}
	if b.lookup(b.state, models.OrderUpdate{ClientOrderID: o.ClientOrderID, ExchangeOrderID: o.ExchangeOrderID}) != nil {
		return nil
	}
	next := b.state.Clone()
	b.adoptInto(next, o)
	if err := b.commit(ctx, next); err != nil {
		return err
	}
	b.deps.Metrics.IncDrift(b.cfg.ID, "adopted")
	b.logger.Info("adopted exchange order",
		zap.Int64("order_id", o.ExchangeOrderID), zap.String("client_order_id", o.ClientOrderID))
	b.notify(ctx, notify.NewEvent(notify.DriftCorrected, b.cfg.ID, b.cfg.Symbol,
		fmt.Sprintf("adopted %s order %d @ %s", o.Side, o.ExchangeOrderID, o.Price)).
		With("action", "adopted").
		With("order_id", strconv.FormatInt(o.ExchangeOrderID, 10)))
	return nil
}

// FlagOrder 标记无法识别的订单供人工处理。订单不会被撤销，重复标记是空操作。
func (b *Bot) FlagOrder(ctx context.Context, o models.LiveOrder) error {
	if err := b.flush(ctx); err != nil {
		return err
	}
	if b.state == nil {
		return nil
	}
	if _, ok := b.state.Flagged[o.ExchangeOrderID]; ok {
		return nil
	}
	next := b.state.Clone()
	next.Flagged[o.ExchangeOrderID] = models.FlaggedOrder{
		ExchangeOrderID: o.ExchangeOrderID,
		ClientOrderID:   o.ClientOrderID,
		Side:            o.Side,
		Price:           o.Price,
		Size:            o.Size,
		FlaggedAt:       b.now(),
	}
	if err := b.commit(ctx, next); err != nil {
		return err
	}
	b.deps.Metrics.IncDrift(b.cfg.ID, "flagged")
	b.logger.Warn("unrecognized exchange order flagged for manual review",
		zap.Int64("order_id", o.ExchangeOrderID), zap.String("client_order_id", o.ClientOrderID))
	b.notify(ctx, notify.NewEvent(notify.DriftFlagged, b.cfg.ID, b.cfg.Symbol,
		fmt.Sprintf("unrecognized %s order %d @ %s needs manual review", o.Side, o.ExchangeOrderID, o.Price)).
		With("order_id", strconv.FormatInt(o.ExchangeOrderID, 10)).
		With("client_order_id", o.ClientOrderID))
	return nil
}

// ResolveMissing 处理账本中有、交易所挂单中没有的订单：
// 确认撤销的档位重新排入，其余按成交处理并挂出镜像档位。
func (b *Bot) ResolveMissing(ctx context.Context, key string) error {
	if err := b.flush(ctx); err != nil {
		return err
	}
	if b.state == nil {
		return nil
	}
	next := b.state.Clone()
	fills, changed, err := b.resolveInto(ctx, next, models.FillFromHealth, key)
	if err != nil || !changed {
		return err
	}
	err = b.commitFills(ctx, next, fills...)
	if b.dirty != nil {
		return err
	}
	b.deps.Metrics.IncDrift(b.cfg.ID, "resolved")
	b.notify(ctx, notify.NewEvent(notify.DriftCorrected, b.cfg.ID, b.cfg.Symbol,
		fmt.Sprintf("resolved missing order %s", key)).
		With("action", "resolved_missing").
		With("fills", strconv.Itoa(len(fills))))
	return err
}

// resolveInto 在 next 上解决一个缺失的订单
func (b *Bot) resolveInto(ctx context.Context, next *models.BotRuntimeState, source models.FillSource, keys ...string) ([]models.Fill, bool, error) {
	var fills []models.Fill
	changed := false
	for _, key := range keys {
		o, ok := next.Orders[key]
		if !ok {
			continue
		}
		outcome, err := b.resolveGone(ctx, o)
		if err != nil {
			return nil, false, fmt.Errorf("query missing order %d: %w", o.ExchangeOrderID, err)
		}
		switch {
		case outcome.open:
			continue
		case outcome.filled:
			o.Status = models.OrderUnknown
			fill, err := b.recordFill(next, o, outcome.price, outcome.qty, source, !outcome.confirmed)
			if err != nil {
				return nil, false, err
			}
			fills = append(fills, fill)
		default:
			b.logger.Info("missing order was cancelled, re-queueing its level", zap.Int64("order_id", o.ExchangeOrderID))
			if err := b.requeue(next, o, models.PendingCancelled); err != nil {
				return nil, false, err
			}
		}
		changed = true
	}
	return fills, changed, nil
}

// Restore 应用恢复流程的修正，然后继续中断前的动作：
// 暂停中的完成暂停，停止中的完成停止，其余进入 running。
func (b *Bot) Restore(ctx context.Context, plan RestorePlan) error {
	if err := b.flush(ctx); err != nil {
		return err
	}
	if b.state == nil {
		return fmt.Errorf("%w: bot %d has no runtime state", ErrInvalidTransition, b.cfg.ID)
	}
	from := b.state.Lifecycle
	if !from.NeedsRecovery() && from != models.LifecycleError {
		return fmt.Errorf("%w: restore from %s", ErrInvalidTransition, from)
	}

	next := b.state.Clone()
	if from != models.LifecyclePausing && from != models.LifecycleStopping {
		next.Lifecycle = models.LifecycleRecovering
	}
	next.ConsecutiveErrors = 0
	next.LastError = ""
	releaseRejected(next)
	for _, o := range plan.Adopt {
		b.adoptInto(next, o)
	}
	fills, _, err := b.resolveInto(ctx, next, models.FillFromRecovery, plan.Missing...)
	if err != nil {
		return err
	}
	if err := b.commitFills(ctx, next, fills...); err != nil {
		return err
	}
	if !plan.Empty() {
		b.deps.Metrics.IncDrift(b.cfg.ID, "recovered")
		b.notify(ctx, notify.NewEvent(notify.DriftCorrected, b.cfg.ID, b.cfg.Symbol,
			fmt.Sprintf("recovery adopted %d orders and resolved %d missing orders", len(plan.Adopt), len(plan.Missing))).
			With("action", "recovery").
			With("adopted", strconv.Itoa(len(plan.Adopt))).
			With("missing", strconv.Itoa(len(plan.Missing))))
	}
	b.logger.Info("runtime state restored",
		zap.String("from", string(from)), zap.Int("adopted", len(plan.Adopt)),
		zap.Int("missing", len(plan.Missing)), zap.Int("fills", len(fills)))

	switch from {
	case models.LifecyclePausing:
		return b.completePause(ctx)
	case models.LifecycleStopping:
		return b.completeStop(ctx)
	}
	return b.placeAndAdvance(ctx)
}

// releaseRejected 让被拒的档位重新参与挂单，返回释放的数量
func releaseRejected(s *models.BotRuntimeState) int {
	n := 0
	for i := range s.Pending {
		if s.Pending[i].Reason == models.PendingRejected {
			s.Pending[i].Reason = models.PendingNew
			n++
		}
	}
	return n
}
