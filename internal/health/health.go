// Package health 定期对比账本与交易所挂单，修正遗漏的推送和人工操作造成的偏差。
// 修正策略只增不减：认领或补挂，从不撤销无法解释的订单。
package health

import (
	"context"
	"fmt"

	"grid-engine/internal/errs"
	"grid-engine/internal/exchange"
	"grid-engine/internal/models"
	"grid-engine/internal/recovery"

	"go.uber.org/zap"
)

// Bot 是健康检查需要的 bot 操作
type Bot interface {
	ID() int64
	Config() *models.GridBotConfig
	Snapshot() *models.BotRuntimeState
	MatchesPending(o models.LiveOrder) bool
	AdoptOrder(ctx context.Context, o models.LiveOrder) error
	FlagOrder(ctx context.Context, o models.LiveOrder) error
	ResolveMissing(ctx context.Context, key string) error
}

// Drift 是账本与交易所的对称差
type Drift struct {
	Unexpected []models.LiveOrder // 交易所有、账本没有，且尚未标记
	Missing    []string           // 账本有、交易所没有
}

func (d Drift) Empty() bool { return len(d.Unexpected) == 0 && len(d.Missing) == 0 }

// Diff 计算偏差。属于其他 bot 的订单和已标记的订单不算偏差。
func Diff(state *models.BotRuntimeState, exchangeOrders []models.LiveOrder) Drift {
	c := recovery.Classify(state, exchangeOrders)
	d := Drift{Missing: c.Missing}
	for _, o := range c.Adopt {
		if _, flagged := state.Flagged[o.ExchangeOrderID]; flagged {
			continue
		}
		d.Unexpected = append(d.Unexpected, o)
	}
	return d
}

// Report 汇总一次检查的动作
type Report struct {
	BotID    int64
	Skipped  bool
	Adopted  int
	Flagged  int
	Resolved int
}

// Actions 返回修正动作的数量
func (r Report) Actions() int { return r.Adopted + r.Flagged + r.Resolved }

// Err 在有修正动作时返回 ErrDriftDetected
func (r Report) Err() error {
	if r.Actions() == 0 {
		return nil
	}
	return errs.Drift("bot %d: adopted %d, flagged %d, resolved %d", r.BotID, r.Adopted, r.Flagged, r.Resolved)
}

// Monitor 对单个 bot 执行健康检查，调用方负责与该 bot 的其他事件串行
type Monitor struct {
	gateway exchange.Gateway
	logger  *zap.Logger
}

func NewMonitor(gateway exchange.Gateway, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{gateway: gateway, logger: logger}
}

func checked(l models.Lifecycle) bool {
	switch l {
	case models.LifecycleRunning, models.LifecyclePaused, models.LifecycleError:
		return true
	}
	return false
}

// Check 执行一次检查。running 的 bot 会认领与待挂档位匹配的订单；
// paused 和 error 的 bot 只标记，不认领。
func (m *Monitor) Check(ctx context.Context, b Bot) (Report, error) {
	report := Report{BotID: b.ID()}
	state := b.Snapshot()
	if state == nil || !checked(state.Lifecycle) {
		report.Skipped = true
		return report, nil
	}
	orders, err := m.gateway.OpenOrders(ctx, b.Config().Symbol)
	if err != nil {
		return report, fmt.Errorf("bot %d: query open orders: %w", b.ID(), err)
	}
	drift := Diff(state, orders)
	if drift.Empty() {
		return report, nil
	}

	// 先处理缺失的订单：成交产生的镜像档位可能正好匹配交易所上多出的订单
	for _, key := range drift.Missing {
		if err := b.ResolveMissing(ctx, key); err != nil {
			return report, fmt.Errorf("bot %d: resolve missing order %s: %w", b.ID(), key, err)
		}
		report.Resolved++
	}
	adopt := state.Lifecycle == models.LifecycleRunning
	for _, o := range drift.Unexpected {
		if adopt && b.MatchesPending(o) {
			if err := b.AdoptOrder(ctx, o); err != nil {
				return report, fmt.Errorf("bot %d: adopt order %d: %w", b.ID(), o.ExchangeOrderID, err)
			}
			report.Adopted++
			continue
		}
		if err := b.FlagOrder(ctx, o); err != nil {
			return report, fmt.Errorf("bot %d: flag order %d: %w", b.ID(), o.ExchangeOrderID, err)
		}
		report.Flagged++
	}

	m.logger.Info("health check corrected drift",
		zap.Int64("bot_id", b.ID()),
		zap.Int("adopted", report.Adopted),
		zap.Int("flagged", report.Flagged),
		zap.Int("resolved", report.Resolved))
	return report, nil
}
