package exchange

import (
	"context"
	"errors"
	"time"

	"grid-engine/internal/models"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// 各接口的请求权重 (参考币安现货 REST 权重)
const (
	weightPlace      = 1
	weightCancel     = 1
	weightOpenOrders = 6
	weightBookTicker = 2
	weightQueryOrder = 4
	weightRules      = 20
)

// NewLimiter 创建全局共享的令牌桶，所有 bot 的所有网关调用都从这里取令牌
func NewLimiter(requestsPerSecond float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// RetryPolicy 控制单次调用超时与退避重试
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	CallTimeout  time.Duration
}

// PolicyFromConfig 从配置生成重试策略
func PolicyFromConfig(cfg models.ExchangeConfig) RetryPolicy {
	return RetryPolicy{
		Attempts:     cfg.RetryAttempts,
		InitialDelay: time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
		CallTimeout:  time.Duration(cfg.CallTimeoutMs) * time.Millisecond,
	}
}

// CallObserver 记录每次网关调用的结果 (metrics 实现)
type CallObserver interface {
	ObserveExchangeCall(op string, d time.Duration, err error)
}

// Resilient 为任意 Gateway 加上共享限流、超时和指数退避重试。
// 限流错误对所有操作重试；网络错误只对幂等操作重试，下单不重试以免重复挂单；拒单从不重试。
type Resilient struct {
	inner    Gateway
	limiter  *rate.Limiter
	policy   RetryPolicy
	observer CallObserver
	logger   *zap.Logger
}

// NewResilient 包装 inner。limiter 必须在所有 bot 之间共享。
func NewResilient(inner Gateway, limiter *rate.Limiter, policy RetryPolicy, observer CallObserver, logger *zap.Logger) *Resilient {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = time.Second
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	if policy.CallTimeout <= 0 {
		policy.CallTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resilient{inner: inner, limiter: limiter, policy: policy, observer: observer, logger: logger}
}

func (r *Resilient) do(ctx context.Context, op string, weight int, idempotent bool, fn func(ctx context.Context) error) error {
	b := &backoff.Backoff{Min: r.policy.InitialDelay, Max: r.policy.MaxDelay, Factor: 2, Jitter: true}

	for attempt := 1; ; attempt++ {
		if err := r.wait(ctx, weight); err != nil {
			return NewError(op, KindNetwork, err)
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, r.policy.CallTimeout)
		err := fn(callCtx)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if err != nil && KindOf(err) == 0 {
			// 未分类错误 (超时、连接中断) 一律视为网络错误
			err = NewError(op, KindNetwork, err)
		}
		if err != nil && timedOut && KindOf(err) != KindNetwork {
			err = NewError(op, KindNetwork, context.DeadlineExceeded)
		}
		if r.observer != nil {
			r.observer.ObserveExchangeCall(op, time.Since(start), err)
		}
		if err == nil {
			return nil
		}

		kind := KindOf(err)
		retryable := kind == KindRateLimited || (kind == KindNetwork && idempotent)
		if !retryable || attempt >= r.policy.Attempts || ctx.Err() != nil {
			return err
		}

		delay := b.Duration()
		r.logger.Warn("exchange call failed, retrying",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return NewError(op, KindNetwork, ctx.Err())
		}
	}
}

func (r *Resilient) wait(ctx context.Context, weight int) error {
	if r.limiter == nil {
		return ctx.Err()
	}
	if b := r.limiter.Burst(); weight > b {
		weight = b
	}
	return r.limiter.WaitN(ctx, weight)
}

func (r *Resilient) Place(ctx context.Context, req OrderRequest) (*models.LiveOrder, error) {
	var out *models.LiveOrder
	err := r.do(ctx, "place", weightPlace, false, func(ctx context.Context) error {
		o, err := r.inner.Place(ctx, req)
		out = o
		return err
	})
	return out, err
}

func (r *Resilient) Cancel(ctx context.Context, symbol string, orderID int64) error {
	return r.do(ctx, "cancel", weightCancel, true, func(ctx context.Context) error {
		return r.inner.Cancel(ctx, symbol, orderID)
	})
}

func (r *Resilient) OpenOrders(ctx context.Context, symbol string) ([]models.LiveOrder, error) {
	var out []models.LiveOrder
	err := r.do(ctx, "open_orders", weightOpenOrders, true, func(ctx context.Context) error {
		o, err := r.inner.OpenOrders(ctx, symbol)
		out = o
		return err
	})
	return out, err
}

func (r *Resilient) BestBidAsk(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error) {
	err = r.do(ctx, "book_ticker", weightBookTicker, true, func(ctx context.Context) error {
		var innerErr error
		bid, ask, innerErr = r.inner.BestBidAsk(ctx, symbol)
		return innerErr
	})
	return bid, ask, err
}

func (r *Resilient) QueryOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderUpdate, error) {
	var out *models.OrderUpdate
	err := r.do(ctx, "query_order", weightQueryOrder, true, func(ctx context.Context) error {
		o, err := r.inner.QueryOrder(ctx, symbol, orderID)
		out = o
		return err
	})
	return out, err
}

func (r *Resilient) SymbolRules(ctx context.Context, symbol string) (models.SymbolRules, error) {
	var out models.SymbolRules
	err := r.do(ctx, "symbol_rules", weightRules, true, func(ctx context.Context) error {
		o, err := r.inner.SymbolRules(ctx, symbol)
		out = o
		return err
	})
	return out, err
}
