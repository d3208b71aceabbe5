package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"grid-engine/internal/models"
	"grid-engine/internal/notify"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BotStatus 是一个 bot 的对外视图，用于 /bots 和状态表
type BotStatus struct {
	BotID             int64            `json:"bot_id"`
	Name              string           `json:"name,omitempty"`
	Symbol            string           `json:"symbol"`
	GridType          models.GridType  `json:"grid_type"`
	Lifecycle         models.Lifecycle `json:"lifecycle"`
	OpenOrders        int              `json:"open_orders"`
	PendingLevels     int              `json:"pending_levels"`
	FlaggedOrders     int              `json:"flagged_orders"`
	ConsecutiveErrors int              `json:"consecutive_errors"`
	LastError         string           `json:"last_error,omitempty"`
	TotalProfit       decimal.Decimal  `json:"total_profit"`
	CompletedCycles   int              `json:"completed_cycles"`
	BuyFills          int              `json:"buy_fills"`
	SellFills         int              `json:"sell_fills"`
	ProfitPerDay      decimal.Decimal  `json:"profit_per_day"`
	StartedAt         time.Time        `json:"started_at"`
	LastActivityAt    time.Time        `json:"last_activity_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

func statusOf(cfg *models.GridBotConfig, s *models.BotRuntimeState) BotStatus {
	st := BotStatus{
		BotID:    cfg.ID,
		Name:     cfg.Name,
		Symbol:   cfg.Symbol,
		GridType: cfg.Params.Type(),
	}
	if s == nil {
		return st
	}
	st.Lifecycle = s.Lifecycle
	st.OpenOrders = len(s.OpenOrders())
	st.PendingLevels = len(s.Pending)
	st.FlaggedOrders = len(s.Flagged)
	st.ConsecutiveErrors = s.ConsecutiveErrors
	st.LastError = s.LastError
	st.TotalProfit = s.Stats.TotalProfit
	st.CompletedCycles = s.Stats.CompletedCycles
	st.BuyFills = s.Stats.BuyFills
	st.SellFills = s.Stats.SellFills
	st.StartedAt = s.Stats.StartedAt
	st.LastActivityAt = s.Stats.LastActivityAt
	st.UpdatedAt = s.UpdatedAt
	st.ProfitPerDay = ProfitPerDay(s.Stats.TotalProfit, s.Stats.StartedAt, s.UpdatedAt)
	return st
}

// ProfitPerDay 按运行天数 (至少一天) 折算日均利润
func ProfitPerDay(profit decimal.Decimal, startedAt, now time.Time) decimal.Decimal {
	if startedAt.IsZero() || now.Before(startedAt) {
		return decimal.Zero
	}
	days := decimal.NewFromFloat(now.Sub(startedAt).Hours() / 24)
	if days.LessThan(decimal.NewFromInt(1)) {
		days = decimal.NewFromInt(1)
	}
	return profit.DivRound(days, 8)
}

// SendDailySummary 为每个未停止的 bot 发送一条汇总通知
func (s *Supervisor) SendDailySummary(ctx context.Context) int {
	sent := 0
	for _, st := range s.Bots() {
		if st.Lifecycle == models.LifecycleStopped || st.Lifecycle == "" {
			continue
		}
		e := notify.NewEvent(notify.BotSummary, st.BotID, st.Symbol,
			fmt.Sprintf("bot %d (%s): profit %s over %d cycles, %d open orders",
				st.BotID, st.Lifecycle, st.TotalProfit.StringFixed(8), st.CompletedCycles, st.OpenOrders)).
			With("lifecycle", string(st.Lifecycle)).
			With("total_profit", st.TotalProfit.String()).
			With("profit_per_day", st.ProfitPerDay.String()).
			With("completed_cycles", strconv.Itoa(st.CompletedCycles)).
			With("open_orders", strconv.Itoa(st.OpenOrders)).
			With("flagged_orders", strconv.Itoa(st.FlaggedOrders))
		if err := s.deps.Notifier.Notify(ctx, e); err != nil {
			s.logger.Warn("failed to send daily summary", zap.Int64("bot_id", st.BotID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// ScheduleDailySummary 按 cron 表达式 (分 时 日 月 周) 定时发送汇总，返回的 cron 需由调用方 Stop
func (s *Supervisor) ScheduleDailySummary(ctx context.Context, spec string) (*cron.Cron, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid daily summary schedule %q: %w", spec, err)
	}
	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		n := s.SendDailySummary(ctx)
		s.logger.Info("daily summary sent", zap.Int("bots", n))
	}))
	c.Start()
	return c, nil
}
