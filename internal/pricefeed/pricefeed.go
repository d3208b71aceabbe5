// Package pricefeed 为模拟盘提供行情：从币安公开接口轮询最新价并推给模拟交易所撮合。
package pricefeed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Source 返回交易对的最新价
type Source interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Sink 接收最新价 (exchange.PaperExchange 实现)
type Sink interface {
	SetPrice(symbol string, price decimal.Decimal)
}

// BinanceTicker 通过币安公开接口查询最新价
type BinanceTicker struct {
	client *binance.Client
}

// NewBinanceTicker 创建行情源
func NewBinanceTicker() *BinanceTicker {
	return &BinanceTicker{
		client: binance.NewClient("", ""), // 公共接口不需要API Key
	}
}

func (b *BinanceTicker) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("获取 %s 最新价失败: %w", symbol, err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return decimal.NewFromString(p.Price)
		}
	}
	return decimal.Zero, fmt.Errorf("未找到交易对 %s 的价格", symbol)
}

// Poller 定期为一组交易对拉取价格
type Poller struct {
	source   Source
	sink     Sink
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	symbols map[string]struct{}
}

// NewPoller 创建轮询器
func NewPoller(source Source, sink Sink, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{source: source, sink: sink, interval: interval, logger: logger, symbols: make(map[string]struct{})}
}

// Track 增加一个需要轮询的交易对
func (p *Poller) Track(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.symbols[symbol] = struct{}{}
}

func (p *Poller) tracked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.symbols))
	for s := range p.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// PollOnce 拉取一次所有交易对的价格，单个交易对失败不影响其他交易对
func (p *Poller) PollOnce(ctx context.Context) {
	for _, symbol := range p.tracked() {
		price, err := p.source.LastPrice(ctx, symbol)
		if err != nil {
			p.logger.Warn("行情轮询失败", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if !price.IsPositive() {
			continue
		}
		p.sink.SetPrice(symbol, price)
	}
}

// Run 阻塞运行直到 ctx 取消
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}
