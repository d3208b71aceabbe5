// Package supervisor 管理进程内所有 bot：为每个 bot 建立串行 worker，启动时执行恢复，
// 把交易所推送路由到所属 bot，并对外提供控制命令。
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"grid-engine/internal/bot"
	"grid-engine/internal/exchange"
	"grid-engine/internal/health"
	"grid-engine/internal/idgenerator"
	"grid-engine/internal/metrics"
	"grid-engine/internal/models"
	"grid-engine/internal/notify"
	"grid-engine/internal/persistence"
	"grid-engine/internal/recovery"
	"grid-engine/internal/statemanager"
	"grid-engine/internal/storage"

	"go.uber.org/zap"
)

var (
	// ErrUnknownBot 表示 grid_bots 中没有该 bot 或它未被加载
	ErrUnknownBot = errors.New("unknown bot")
	// ErrUnknownAction 表示不支持的控制命令
	ErrUnknownAction = errors.New("unknown action")
)

// 控制命令
const (
	ActionStart   = "start"
	ActionPause   = "pause"
	ActionResume  = "resume"
	ActionStop    = "stop"
	ActionRecover = "recover"
)

// BotStore 是 grid_bots 表的读写 (storage.Store 实现)
type BotStore interface {
	ListBots(ctx context.Context, statuses ...models.GridBotStatus) ([]*storage.BotRecord, error)
	GetBot(ctx context.Context, id int64) (*storage.BotRecord, error)
	UpdateStatus(ctx context.Context, id int64, status models.GridBotStatus) error
	UpdateStats(ctx context.Context, id int64, stats models.BotStats) error
}

// GatewayFunc 返回 bot 使用的交易所网关。同一账户的 bot 应共享一个网关和限流器。
type GatewayFunc func(cfg *models.GridBotConfig) (exchange.Gateway, error)

// Options 是运行参数
type Options struct {
	ReconcileInterval    time.Duration
	HealthInterval       time.Duration
	MaxConsecutiveErrors int
	EventBuffer          int
	ShutdownDrain        time.Duration
}

// OptionsFromConfig 从引擎配置生成运行参数
func OptionsFromConfig(cfg models.EngineConfig) Options {
	return Options{
		ReconcileInterval:    time.Duration(cfg.ReconcileIntervalSec) * time.Second,
		HealthInterval:       time.Duration(cfg.HealthCheckIntervalSec) * time.Second,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		EventBuffer:          cfg.EventBuffer,
		ShutdownDrain:        time.Duration(cfg.ShutdownDrainSec) * time.Second,
	}
}

// Deps 是 supervisor 的外部依赖
type Deps struct {
	Store    BotStore
	Ledger   persistence.Ledger
	Gateways GatewayFunc
	IDs      bot.ClientIDSource
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// runner 把 worker 事件转给 bot 和健康检查
type runner struct {
	bot     *bot.Bot
	gateway exchange.Gateway
	monitor *health.Monitor
	worker  *statemanager.Worker
	logger  *zap.Logger
}

func (r *runner) HandleUpdate(ctx context.Context, u models.OrderUpdate) {
	if err := r.bot.HandleUpdate(ctx, u); err != nil {
		r.logger.Error("failed to handle order update",
			zap.Int64("order_id", u.ExchangeOrderID), zap.String("status", u.Status), zap.Error(err))
	}
}

func (r *runner) Reconcile(ctx context.Context) {
	if err := r.bot.Reconcile(ctx); err != nil {
		r.logger.Warn("reconcile failed", zap.Error(err))
	}
}

func (r *runner) CheckHealth(ctx context.Context) {
	report, err := r.monitor.Check(ctx, r.bot)
	if err != nil {
		r.logger.Warn("health check failed", zap.Error(err))
		return
	}
	if drift := report.Err(); drift != nil {
		r.logger.Info("drift corrected", zap.Error(drift))
	}
}

// Supervisor 持有所有 bot 与它们的 worker
type Supervisor struct {
	opts     Options
	deps     Deps
	recovery func(gw exchange.Gateway) *recovery.Manager
	logger   *zap.Logger

	mu      sync.RWMutex
	runners map[int64]*runner
	ctx     context.Context // worker 的父 context，Run 之前为 nil
}

// New 创建 supervisor
func New(opts Options, deps Deps) *Supervisor {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	logger := deps.Logger
	return &Supervisor{
		opts: opts,
		deps: deps,
		recovery: func(gw exchange.Gateway) *recovery.Manager {
			return recovery.NewManager(gw, logger.Named("recovery"))
		},
		logger:  logger,
		runners: make(map[int64]*runner),
	}
}

func (s *Supervisor) newRunner(cfg *models.GridBotConfig, state *models.BotRuntimeState) (*runner, error) {
	gw, err := s.deps.Gateways(cfg)
	if err != nil {
		return nil, fmt.Errorf("bot %d: gateway: %w", cfg.ID, err)
	}
	logger := s.logger.With(zap.Int64("bot_id", cfg.ID), zap.String("symbol", cfg.Symbol))
	b, err := bot.New(cfg, state, bot.Deps{
		Gateway:              gw,
		Ledger:               s.deps.Ledger,
		Store:                s.deps.Store,
		Notifier:             s.deps.Notifier,
		IDs:                  s.deps.IDs,
		Metrics:              s.deps.Metrics,
		Logger:               s.logger,
		MaxConsecutiveErrors: s.opts.MaxConsecutiveErrors,
	})
	if err != nil {
		return nil, err
	}
	r := &runner{
		bot:     b,
		gateway: gw,
		monitor: health.NewMonitor(gw, logger.Named("health")),
		logger:  logger,
	}
	r.worker = statemanager.NewWorker(cfg.ID, r, statemanager.Options{
		Buffer:            s.opts.EventBuffer,
		ReconcileInterval: s.opts.ReconcileInterval,
		HealthInterval:    s.opts.HealthInterval,
	}, s.deps.Metrics, s.logger)
	return r, nil
}

// Load 加载未停止的 bot 并执行启动恢复。状态为 active 但从未运行过的 bot 会被首次启动。
// 必须在 Run 之前调用。
func (s *Supervisor) Load(ctx context.Context) ([]recovery.Result, error) {
	records, err := s.deps.Store.ListBots(ctx,
		models.GridBotStatusActive, models.GridBotStatusPaused, models.GridBotStatusError)
	if err != nil {
		return nil, err
	}

	var fresh []*runner
	byGateway := make(map[exchange.Gateway][]recovery.Bot)
	var gateways []exchange.Gateway
	for _, rec := range records {
		cfg := rec.Config
		state, err := s.deps.Ledger.LoadState(cfg.ID)
		if err != nil {
			return nil, fmt.Errorf("bot %d: load runtime state: %w", cfg.ID, err)
		}
		isNew := state == nil
		if isNew && cfg.Status != models.GridBotStatusActive {
			s.logger.Warn("bot has no runtime state, skipping", zap.Int64("bot_id", cfg.ID), zap.String("status", string(cfg.Status)))
			continue
		}
		if isNew {
			if state, err = s.restartState(cfg); err != nil {
				return nil, fmt.Errorf("bot %d: load archived state: %w", cfg.ID, err)
			}
		}
		r, err := s.newRunner(cfg, state)
		if err != nil {
			s.logger.Error("failed to load bot", zap.Int64("bot_id", cfg.ID), zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.runners[cfg.ID] = r
		s.mu.Unlock()

		if isNew {
			fresh = append(fresh, r)
			continue
		}
		if _, ok := byGateway[r.gateway]; !ok {
			gateways = append(gateways, r.gateway)
		}
		byGateway[r.gateway] = append(byGateway[r.gateway], r.bot)
	}

	var results []recovery.Result
	for _, gw := range gateways {
		results = append(results, s.recovery(gw).RecoverAll(ctx, byGateway[gw])...)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].BotID < results[j].BotID })

	for _, r := range fresh {
		if err := r.bot.Start(ctx); err != nil {
			s.logger.Error("failed to start bot", zap.Int64("bot_id", r.bot.ID()), zap.Error(err))
		}
	}
	s.logger.Info("bots loaded", zap.Int("loaded", len(s.runners)), zap.Int("recovered", len(results)), zap.Int("started", len(fresh)))
	return results, nil
}

// restartState 为再次启动的 bot 创建运行时状态，沿用归档中的成交序号和统计，
// 成交历史不会被覆盖。从未运行过的 bot 返回 nil。
func (s *Supervisor) restartState(cfg *models.GridBotConfig) (*models.BotRuntimeState, error) {
	archived, err := s.deps.Ledger.LoadArchived(cfg.ID)
	if err != nil || archived == nil {
		return nil, err
	}
	state := models.NewBotRuntimeState(cfg.ID, cfg.Symbol, time.Now().UTC())
	state.FillSeq = archived.FillSeq
	state.Stats = archived.Stats
	state.Stats.StartedAt = state.UpdatedAt
	return state, nil
}

// Run 启动所有 worker，ctx 取消后 worker 会被取消，正常退出请使用 Shutdown
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	for _, r := range s.runners {
		if r.bot.Lifecycle() != models.LifecycleStopped {
			r.worker.Start(ctx)
		}
	}
}

// Shutdown 停止所有 worker：等待在途事件处理完 (最多 drain)，然后取消
func (s *Supervisor) Shutdown() {
	s.mu.RLock()
	runners := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *runner) {
			defer wg.Done()
			r.worker.Stop(s.opts.ShutdownDrain)
		}(r)
	}
	wg.Wait()
	s.logger.Info("all bot workers stopped", zap.Int("bots", len(runners)))
}

// Dispatch 把交易所推送交给所属 bot 的 worker，不会阻塞推送连接。
// 带本引擎前缀的订单按 client order id 路由；其他订单 (被认领的外部订单) 发给同一交易对的所有 bot，
// 由 bot 按交易所订单号判断是否属于自己。
func (s *Supervisor) Dispatch(u models.OrderUpdate) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if owner, ok := idgenerator.OwnerOf(u.ClientOrderID); ok {
		if r, ok := s.runners[owner]; ok {
			r.worker.SubmitUpdate(u)
		}
		return
	}
	for _, r := range s.runners {
		if r.bot.Config().Symbol == u.Symbol {
			r.worker.SubmitUpdate(u)
		}
	}
}

func (s *Supervisor) runner(id int64) (*runner, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runners[id]
	return r, ok
}

// Command 在 bot 的 worker 中执行控制命令并等待完成
func (s *Supervisor) Command(ctx context.Context, id int64, action string) error {
	if action == ActionStart {
		return s.start(ctx, id)
	}
	r, ok := s.runner(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownBot, id)
	}

	var fn func(ctx context.Context) error
	switch action {
	case ActionPause:
		fn = r.bot.Pause
	case ActionResume:
		fn = r.bot.Resume
	case ActionStop:
		fn = r.bot.Stop
	case ActionRecover:
		fn = func(ctx context.Context) error {
			mgr := s.recovery(r.gateway)
			for _, other := range s.sameGateway(r) {
				mgr.Reserve(other.bot)
			}
			return mgr.Recover(ctx, r.bot, true).Err
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err := r.worker.Do(ctx, action, fn); err != nil {
		return err
	}
	if action == ActionStop {
		r.worker.Stop(s.opts.ShutdownDrain)
	}
	return nil
}

// start 启动一个未加载或已停止的 bot。已在运行的 bot 返回 bot.ErrInvalidTransition。
func (s *Supervisor) start(ctx context.Context, id int64) error {
	if r, ok := s.runner(id); ok && r.bot.Lifecycle() != models.LifecycleStopped {
		return fmt.Errorf("%w: bot %d is %s", bot.ErrInvalidTransition, id, r.bot.Lifecycle())
	}
	rec, err := s.deps.Store.GetBot(ctx, id)
	if errors.Is(err, storage.ErrBotNotFound) {
		return fmt.Errorf("%w: %d", ErrUnknownBot, id)
	}
	if err != nil {
		return err
	}
	state, err := s.deps.Ledger.LoadState(id)
	if err != nil {
		return err
	}
	if state != nil && state.Lifecycle != models.LifecycleStopped {
		return fmt.Errorf("%w: bot %d has a live runtime state (%s)", bot.ErrInvalidTransition, id, state.Lifecycle)
	}
	fresh, err := s.restartState(rec.Config)
	if err != nil {
		return err
	}
	r, err := s.newRunner(rec.Config, fresh)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return errors.New("supervisor is not running")
	}
	s.runners[id] = r
	r.worker.Start(s.ctx)
	s.mu.Unlock()

	return r.worker.Do(ctx, ActionStart, r.bot.Start)
}

// sameGateway 返回与 r 共用网关的其他 bot
func (s *Supervisor) sameGateway(r *runner) []*runner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*runner
	for _, other := range s.runners {
		if other != r && other.gateway == r.gateway {
			out = append(out, other)
		}
	}
	return out
}

// Bots 返回已加载 bot 的状态，按 id 排序
func (s *Supervisor) Bots() []BotStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BotStatus, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, statusOf(r.bot.Config(), r.bot.Snapshot()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out
}

// Bot 返回单个 bot 的状态
func (s *Supervisor) Bot(id int64) (BotStatus, bool) {
	r, ok := s.runner(id)
	if !ok {
		return BotStatus{}, false
	}
	return statusOf(r.bot.Config(), r.bot.Snapshot()), true
}
