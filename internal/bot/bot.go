// Package bot 实现单个网格 bot 的状态机。
//
// 所有修改都遵循 "复制 → 落盘 → 替换" 的顺序：先在状态副本上修改，账本写入成功后才替换内存中的状态。
// 账本写入失败时 bot 进入 dirty 状态，在写入成功之前不会再发起任何交易所操作。
// Bot 的方法不是并发安全的，必须由同一个 worker goroutine 调用；Snapshot 除外。
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grid-engine/internal/errs"
	"grid-engine/internal/exchange"
	"grid-engine/internal/grid"
	"grid-engine/internal/metrics"
	"grid-engine/internal/models"
	"grid-engine/internal/notify"
	"grid-engine/internal/persistence"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInvalidTransition 表示当前生命周期不允许该操作
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// StatusStore 写入 grid_bots 表中用户可见的状态和统计
type StatusStore interface {
	UpdateStatus(ctx context.Context, id int64, status models.GridBotStatus) error
	UpdateStats(ctx context.Context, id int64, stats models.BotStats) error
}

// ClientIDSource 生成带 bot 前缀的 client order id
type ClientIDSource interface {
	ClientOrderID(botID int64) (string, error)
}

// Deps 是 bot 的外部依赖
type Deps struct {
	Gateway              exchange.Gateway
	Ledger               persistence.Ledger
	Store                StatusStore // 可以为 nil
	Notifier             notify.Notifier
	IDs                  ClientIDSource
	Metrics              *metrics.Metrics
	Logger               *zap.Logger
	MaxConsecutiveErrors int
	Now                  func() time.Time
}

// Bot 是一个网格 bot
type Bot struct {
	cfg  *models.GridBotConfig
	deps Deps

	mu    sync.RWMutex
	state *models.BotRuntimeState // 最近一次成功落盘的状态

	dirty      *models.BotRuntimeState // 尚未落盘的状态
	dirtyFills []models.Fill
	rules      *models.SymbolRules
	logger     *zap.Logger
}

// New 创建 bot。state 为 nil 表示尚未启动过。
func New(cfg *models.GridBotConfig, state *models.BotRuntimeState, deps Deps) (*Bot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Gateway == nil || deps.Ledger == nil || deps.IDs == nil {
		return nil, fmt.Errorf("bot %d: gateway, ledger and id source are required", cfg.ID)
	}
	if state != nil && state.BotID != cfg.ID {
		return nil, fmt.Errorf("bot %d: runtime state belongs to bot %d", cfg.ID, state.BotID)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MaxConsecutiveErrors <= 0 {
		deps.MaxConsecutiveErrors = 5
	}
	b := &Bot{
		cfg:    cfg,
		deps:   deps,
		state:  state,
		logger: deps.Logger.With(zap.Int64("bot_id", cfg.ID), zap.String("symbol", cfg.Symbol)),
	}
	if state != nil {
		b.publish(state)
	}
	return b, nil
}

func (b *Bot) ID() int64                     { return b.cfg.ID }
func (b *Bot) Config() *models.GridBotConfig { return b.cfg }

// Snapshot 返回已落盘状态的副本，可在任意 goroutine 调用
func (b *Bot) Snapshot() *models.BotRuntimeState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Clone()
}

// Lifecycle 返回当前生命周期，未启动时为空
func (b *Bot) Lifecycle() models.Lifecycle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state == nil {
		return ""
	}
	return b.state.Lifecycle
}

// Dirty 表示有未落盘的修改
func (b *Bot) Dirty() bool { return b.dirty != nil }

func (b *Bot) now() time.Time { return b.deps.Now().UTC() }

// --- 落盘 ---

// commit 把 next 写入账本，成功后替换内存状态并处理生命周期变化
func (b *Bot) commit(ctx context.Context, next *models.BotRuntimeState, fills ...models.Fill) error {
	next.UpdatedAt = b.now()
	if err := b.deps.Ledger.Commit(next, fills...); err != nil {
		b.dirty = next
		b.dirtyFills = append(b.dirtyFills[:0:0], fills...)
		b.deps.Metrics.IncLedgerFailure()
		b.logger.Error("ledger commit failed, bot blocked until it succeeds", zap.Error(err))
		return errs.Persistence("commit", err)
	}
	b.swap(ctx, next)
	return nil
}

// flush 重试上一次失败的写入。任何交易所操作之前都要先调用。
func (b *Bot) flush(ctx context.Context) error {
	if b.dirty == nil {
		return nil
	}
	next, fills := b.dirty, b.dirtyFills
	if err := b.deps.Ledger.Commit(next, fills...); err != nil {
		b.deps.Metrics.IncLedgerFailure()
		return errs.Persistence("retry commit", err)
	}
	b.logger.Info("pending ledger write succeeded, bot unblocked")
	b.swap(ctx, next)
	if len(fills) > 0 {
		b.persistStats(ctx)
	}
	return nil
}

func (b *Bot) swap(ctx context.Context, next *models.BotRuntimeState) {
	var from models.Lifecycle
	b.mu.Lock()
	if b.state != nil {
		from = b.state.Lifecycle
	}
	b.state = next
	b.mu.Unlock()
	b.dirty, b.dirtyFills = nil, nil

	b.publish(next)
	if from != next.Lifecycle {
		b.onLifecycleChange(ctx, from, next)
	}
}

func (b *Bot) publish(s *models.BotRuntimeState) {
	b.deps.Metrics.SetBotState(b.cfg.ID, string(s.Lifecycle), len(s.OpenOrders()), len(s.Pending))
}

var lifecycleStatus = map[models.Lifecycle]models.GridBotStatus{
	models.LifecycleRunning: models.GridBotStatusActive,
	models.LifecyclePaused:  models.GridBotStatusPaused,
	models.LifecycleStopped: models.GridBotStatusStopped,
	models.LifecycleError:   models.GridBotStatusError,
}

func (b *Bot) onLifecycleChange(ctx context.Context, from models.Lifecycle, next *models.BotRuntimeState) {
	to := next.Lifecycle
	b.logger.Info("lifecycle changed", zap.String("from", string(from)), zap.String("to", string(to)))

	if status, ok := lifecycleStatus[to]; ok && b.deps.Store != nil {
		if err := b.deps.Store.UpdateStatus(ctx, b.cfg.ID, status); err != nil {
			b.logger.Warn("failed to update bot status", zap.String("status", string(status)), zap.Error(err))
		}
	}

	b.notify(ctx, notify.NewEvent(notify.BotStateChanged, b.cfg.ID, b.cfg.Symbol,
		fmt.Sprintf("bot %d: %s -> %s", b.cfg.ID, from, to)).
		With("from", string(from)).With("to", string(to)))
	if to == models.LifecycleError {
		b.notify(ctx, notify.NewEvent(notify.BotError, b.cfg.ID, b.cfg.Symbol,
			fmt.Sprintf("bot %d stopped trading after %d consecutive errors: %s", b.cfg.ID, next.ConsecutiveErrors, next.LastError)).
			With("last_error", next.LastError))
	}
}

func (b *Bot) notify(ctx context.Context, e notify.Event) {
	if err := b.deps.Notifier.Notify(ctx, e); err != nil {
		b.logger.Warn("failed to send notification", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func (b *Bot) persistStats(ctx context.Context) {
	if b.deps.Store == nil || b.state == nil {
		return
	}
	if err := b.deps.Store.UpdateStats(ctx, b.cfg.ID, b.state.Stats); err != nil {
		b.logger.Warn("failed to update bot statistics", zap.Error(err))
	}
}

// countError 累加连续错误，超过上限后进入 error
func (b *Bot) countError(next *models.BotRuntimeState, err error) {
	next.ConsecutiveErrors++
	next.LastError = err.Error()
	if next.ConsecutiveErrors > b.deps.MaxConsecutiveErrors && next.Lifecycle != models.LifecycleError {
		b.logger.Error("error budget exhausted", zap.Int("consecutive_errors", next.ConsecutiveErrors), zap.Error(err))
		next.Lifecycle = models.LifecycleError
	}
}

// failTransient 记录一次与具体订单无关的失败 (行情、规则查询) 并落盘
func (b *Bot) failTransient(ctx context.Context, op string, err error) error {
	next := b.state.Clone()
	b.countError(next, fmt.Errorf("%s: %w", op, err))
	if cerr := b.commit(ctx, next); cerr != nil {
		return cerr
	}
	return err
}

func (b *Bot) symbolRules(ctx context.Context) (models.SymbolRules, error) {
	if b.rules != nil {
		return *b.rules, nil
	}
	rules, err := b.deps.Gateway.SymbolRules(ctx, b.cfg.Symbol)
	if err != nil {
		return models.SymbolRules{}, err
	}
	b.rules = &rules
	return rules, nil
}

func mid(bid, ask decimal.Decimal) decimal.Decimal {
	switch {
	case bid.IsPositive() && ask.IsPositive():
		return bid.Add(ask).Div(decimal.NewFromInt(2))
	case bid.IsPositive():
		return bid
	}
	return ask
}

// --- 生命周期 ---

// Start 计算网格、预留 client order id 并挂出所有可挂的档位：starting → running
func (b *Bot) Start(ctx context.Context) error {
	if err := b.flush(ctx); err != nil {
		return err
	}
	if b.state != nil && b.state.Lifecycle != models.LifecycleStarting {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, b.state.Lifecycle)
	}
	if b.state == nil || len(b.state.Pending)+len(b.state.Orders) == 0 {
		if err := b.seedLadder(ctx); err != nil {
			return err
		}
	}
	return b.placeAndAdvance(ctx)
}

// seedLadder 计算网格并把全部档位作为待挂档位写入账本
func (b *Bot) seedLadder(ctx context.Context) error {
	if _, err := b.symbolRules(ctx); err != nil {
		return fmt.Errorf("bot %d: load symbol rules: %w", b.cfg.ID, err)
	}
	bid, ask, err := b.deps.Gateway.BestBidAsk(ctx, b.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("bot %d: read book: %w", b.cfg.ID, err)
	}
	ref := mid(bid, ask)
	levels, err := grid.ComputeLadder(b.cfg, ref)
	if err != nil {
		return err
	}

	next := b.state.Clone()
	if next == nil {
		next = models.NewBotRuntimeState(b.cfg.ID, b.cfg.Symbol, b.now())
	}
	next.ReferencePrice = ref
	if fp := b.cfg.Flat(); fp != nil {
		if next.ReferencePrice, err = grid.FlatCenter(fp, ref); err != nil {
			return err
		}
	}
	for _, l := range levels {
		p, err := b.newPending(l, decimal.Zero, decimal.Zero, models.PendingNew)
		if err != nil {
			return err
		}
		next.Pending = append(next.Pending, p)
	}
	b.logger.Info("ladder computed",
		zap.Int("levels", len(levels)), zap.String("reference_price", next.ReferencePrice.String()))
	return b.commit(ctx, next)
}

// placeAndAdvance 挂出待挂档位，然后把过渡状态推进到 running
func (b *Bot) placeAndAdvance(ctx context.Context) error {
	bid, ask, err := b.deps.Gateway.BestBidAsk(ctx, b.cfg.Symbol)
	if err != nil {
		return b.failTransient(ctx, "book_ticker", err)
	}
	if err := b.placePending(ctx, bid, ask); err != nil {
		return err
	}
	switch b.state.Lifecycle {
	case models.LifecycleStarting, models.LifecycleResuming, models.LifecycleRecovering:
		next := b.state.Clone()
		next.Lifecycle = models.LifecycleRunning
		next.LastReconciledAt = b.now()
		return b.commit(ctx, next)
	}
	return nil
}

// Reconcile 是定时任务：重试待挂档位，并继续未完成的暂停/停止
func (b *Bot) Reconcile(ctx context.Context) error {
	if err := b.flush(ctx); err != nil {
		return err
	}
	if b.state == nil {
		return nil
	}
	switch b.state.Lifecycle {
	case models.LifecyclePausing:
		return b.completePause(ctx)
	case models.LifecycleStopping:
		return b.completeStop(ctx)
	case models.LifecycleStarting:
		return b.Start(ctx)
	case models.LifecycleRunning, models.LifecycleResuming:
	default:
		return nil
	}
	if len(b.state.Pending) == 0 && b.state.Lifecycle == models.LifecycleRunning {
		return nil
	}
	if err := b.adoptTransient(ctx); err != nil {
		return err
	}
	if err := b.placeAndAdvance(ctx); err != nil {
		return err
	}
	if b.state.Lifecycle != models.LifecycleRunning {
		return nil
	}
	next := b.state.Clone()
	next.LastReconciledAt = b.now()
	return b.commit(ctx, next)
}

// Pause 撤销所有挂单并把它们保留为待挂档位：running → pausing → paused
func (b *Bot) Pause(ctx context.Context) error {
	if err := b.flush(ctx); err != nil {
		return err
	}
	if b.state == nil {
		return fmt.Errorf("%w: bot %d has not started", ErrInvalidTransition, b.cfg.ID)
	}
	switch b.state.Lifecycle {
	case models.LifecyclePaused:
		return nil
	case models.LifecycleRunning, models.LifecycleResuming, models.LifecyclePausing:
	default:
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, b.state.Lifecycle)
	}
	if b.state.Lifecycle != models.LifecyclePausing {
		next := b.state.Clone()
		next.Lifecycle = models.LifecyclePausing
		if err := b.commit(ctx, next); err != nil {
			return err
		}
	}
	return b.completePause(ctx)
}

func (b *Bot) completePause(ctx context.Context) error {
	if err := b.cancelAll(ctx, true); err != nil {
		return err
	}
	next := b.state.Clone()
	for i := range next.Pending {
		next.Pending[i].Reason = models.PendingPaused
	}
	next.Lifecycle = models.LifecyclePaused
	return b.commit(ctx, next)
}

// Resume 按暂停前的档位重新挂单，不重新计算网格：paused → resuming → running。
// 对运行中的 bot 调用时重新挂出被拒的档位。
func (b *Bot) Resume(ctx context.Context) error {
	if err := b.flush(ctx); err != nil {
		return err
	}
	if b.state == nil {
		return fmt.Errorf("%w: bot %d has not started", ErrInvalidTransition, b.cfg.ID)
	}
	switch b.state.Lifecycle {
	case models.LifecycleRunning:
		// 运行中的 resume 只释放被拒的档位
		next := b.state.Clone()
		if releaseRejected(next) == 0 {
			return nil
		}
		next.ConsecutiveErrors = 0
		if err := b.commit(ctx, next); err != nil {
			return err
		}
	case models.LifecyclePaused:
		next := b.state.Clone()
		next.Lifecycle = models.LifecycleResuming
		for i := range next.Pending {
			next.Pending[i].Reason = models.PendingNew
		}
		if err := b.commit(ctx, next); err != nil {
			return err
		}
	case models.LifecycleResuming:
	default:
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, b.state.Lifecycle)
	}
	return b.placeAndAdvance(ctx)
}

// Stop 撤销所有挂单并归档运行时状态。配置和成交历史保留。
func (b *Bot) Stop(ctx context.Context) error {
	if err := b.flush(ctx); err != nil {
		return err
	}
	if b.state == nil {
		next := models.NewBotRuntimeState(b.cfg.ID, b.cfg.Symbol, b.now())
		next.Lifecycle = models.LifecycleStopped
		if err := b.commit(ctx, next); err != nil {
			return err
		}
		return b.archive()
	}
	switch b.state.Lifecycle {
	case models.LifecycleStopped:
		return nil
	case models.LifecycleStopping:
	default:
		next := b.state.Clone()
		next.Lifecycle = models.LifecycleStopping
		if err := b.commit(ctx, next); err != nil {
			return err
		}
	}
	return b.completeStop(ctx)
}

func (b *Bot) completeStop(ctx context.Context) error {
	if err := b.cancelAll(ctx, false); err != nil {
		return err
	}
	next := b.state.Clone()
	next.Pending = nil
	next.Lifecycle = models.LifecycleStopped
	if err := b.commit(ctx, next); err != nil {
		return err
	}
	b.persistStats(ctx)
	return b.archive()
}

func (b *Bot) archive() error {
	if err := b.deps.Ledger.Archive(b.state); err != nil {
		return errs.Persistence("archive", err)
	}
	return nil
}
