package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grid-engine/internal/exchange"
	"grid-engine/internal/models"
	"grid-engine/internal/pricefeed"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// account 是一组 API 密钥对应的网关和用户数据流
type account struct {
	spot    *exchange.BinanceSpot
	gateway exchange.Gateway
	stream  *exchange.UserStream
	logger  *zap.Logger
}

// gatewayPool 按运行模式为 bot 提供网关。实盘下同一 API key 的 bot 共享网关、数据流和限流器。
type gatewayPool struct {
	cfg     *models.Config
	creds   exchange.CredentialProvider
	limiter *rate.Limiter
	policy  exchange.RetryPolicy
	obs     exchange.CallObserver
	logger  *zap.Logger

	// 模拟盘
	paper  *exchange.PaperExchange
	poller *pricefeed.Poller

	mu       sync.Mutex
	accounts map[string]*account
	dispatch exchange.OrderUpdateHandler
	ctx      context.Context // Start 之后非空
	wg       sync.WaitGroup
}

func newGatewayPool(cfg *models.Config, creds exchange.CredentialProvider, obs exchange.CallObserver, logger *zap.Logger) (*gatewayPool, error) {
	p := &gatewayPool{
		cfg:      cfg,
		creds:    creds,
		limiter:  exchange.NewLimiter(cfg.Exchange.RequestsPerSecond, cfg.Exchange.Burst),
		policy:   exchange.PolicyFromConfig(cfg.Exchange),
		obs:      obs,
		logger:   logger,
		accounts: make(map[string]*account),
	}
	if cfg.Mode != "paper" {
		return p, nil
	}

	paper, err := exchange.NewPaperExchange(cfg.Paper)
	if err != nil {
		return nil, err
	}
	p.paper = paper
	paper.Subscribe(p.route)
	if cfg.Paper.UsePublicTicker {
		interval := time.Duration(cfg.Paper.PollIntervalSec) * time.Second
		p.poller = pricefeed.NewPoller(pricefeed.NewBinanceTicker(), paper, interval, logger.Named("pricefeed"))
	}
	return p, nil
}

// Bind 设置订单推送的接收者
func (p *gatewayPool) Bind(h exchange.OrderUpdateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatch = h
}

func (p *gatewayPool) route(u models.OrderUpdate) {
	p.mu.Lock()
	h := p.dispatch
	p.mu.Unlock()
	if h != nil {
		h(u)
	}
}

// For 返回 bot 的网关
func (p *gatewayPool) For(bot *models.GridBotConfig) (exchange.Gateway, error) {
	if p.paper != nil {
		if p.poller != nil {
			p.poller.Track(bot.Symbol)
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if acc, ok := p.accounts["paper"]; ok {
			return acc.gateway, nil
		}
		gw := exchange.NewResilient(p.paper, p.limiter, p.policy, p.obs, p.logger.Named("paper"))
		p.accounts["paper"] = &account{gateway: gw}
		return gw, nil
	}

	creds, err := p.creds.Credentials(bot.ID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if acc, ok := p.accounts[creds.APIKey]; ok {
		return acc.gateway, nil
	}

	logger := p.logger.With(zap.String("account", maskKey(creds.APIKey)))
	spot := exchange.NewBinanceSpot(creds.APIKey, creds.SecretKey, p.cfg.IsTestnet, logger)
	acc := &account{
		spot:    spot,
		logger:  logger,
		gateway: exchange.NewResilient(spot, p.limiter, p.policy, p.obs, logger),
		stream:  exchange.NewUserStream(spot, exchange.StreamURL(p.cfg.Exchange, p.cfg.IsTestnet), p.cfg.Exchange, p.route, logger.Named("userstream")),
	}
	p.accounts[creds.APIKey] = acc
	if p.ctx != nil {
		p.runStream(acc)
	}
	return acc.gateway, nil
}

// Start 启动已创建账户的用户数据流和模拟盘行情。之后新建的账户会立即启动数据流。
func (p *gatewayPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx = ctx
	for _, acc := range p.accounts {
		p.runStream(acc)
	}
	if p.poller != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.poller.Run(ctx)
		}()
	}
}

// runStream 需要持有 p.mu。先校准服务器时间再连接数据流。
func (p *gatewayPool) runStream(acc *account) {
	if acc.stream == nil {
		return
	}
	ctx := p.ctx
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		syncCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := acc.spot.SyncTime(syncCtx); err != nil {
			acc.logger.Warn("同步服务器时间失败", zap.Error(err))
		}
		cancel()
		if err := acc.stream.Run(ctx); err != nil {
			acc.logger.Error("用户数据流退出", zap.Error(err))
		}
	}()
}

// Wait 等待数据流和行情 goroutine 退出
func (p *gatewayPool) Wait() {
	p.wg.Wait()
}

func maskKey(key string) string {
	if len(key) <= 6 {
		return "***"
	}
	return fmt.Sprintf("%s***%s", key[:3], key[len(key)-3:])
}
