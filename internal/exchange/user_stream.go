package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"grid-engine/internal/models"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultStreamURL = "wss://stream.binance.com:9443"
	testnetStreamURL = "wss://testnet.binance.vision"
)

// ListenKeySource 负责创建与续期 listenKey (BinanceSpot 实现)
type ListenKeySource interface {
	StartUserStream(ctx context.Context) (string, error)
	KeepaliveUserStream(ctx context.Context, listenKey string) error
}

// UserStream 维护一条币安用户数据流连接，把 executionReport 转成 OrderUpdate 推给 handler。
// 断线后按指数退避重连，每次重连重新申请 listenKey。
type UserStream struct {
	keys         ListenKeySource
	baseURL      string
	handler      OrderUpdateHandler
	pingInterval time.Duration
	pongWait     time.Duration
	keepalive    time.Duration
	logger       *zap.Logger
	dialer       *websocket.Dialer

	mu        sync.Mutex
	connected bool
}

// StreamURL 返回用户数据流地址，配置为空时按是否测试网选择
func StreamURL(cfg models.ExchangeConfig, testnet bool) string {
	if cfg.WSBaseURL != "" {
		return strings.TrimRight(cfg.WSBaseURL, "/")
	}
	if testnet {
		return testnetStreamURL
	}
	return defaultStreamURL
}

// NewUserStream 创建用户数据流
func NewUserStream(keys ListenKeySource, baseURL string, cfg models.ExchangeConfig, handler OrderUpdateHandler, logger *zap.Logger) *UserStream {
	s := &UserStream{
		keys:         keys,
		baseURL:      baseURL,
		handler:      handler,
		pongWait:     time.Duration(cfg.WebSocketPongTimeoutSec) * time.Second,
		pingInterval: time.Duration(cfg.WebSocketPingIntervalSec) * time.Second,
		keepalive:    time.Duration(cfg.ListenKeyKeepaliveSec) * time.Second,
		logger:       logger,
		dialer:       websocket.DefaultDialer,
	}
	if s.pongWait <= 0 {
		s.pongWait = 60 * time.Second
	}
	if s.pingInterval <= 0 || s.pingInterval >= s.pongWait {
		s.pingInterval = (s.pongWait * 9) / 10 // 必须小于 pongWait
	}
	if s.keepalive <= 0 {
		s.keepalive = 30 * time.Minute
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Connected 返回当前是否持有一条可用连接
func (s *UserStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *UserStream) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// Run 阻塞运行直到 ctx 取消，负责维持连接和重连
func (s *UserStream) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := s.session(ctx)
		s.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}

		delay := b.Duration()
		s.logger.Warn("用户数据流断开，准备重连", zap.Error(err), zap.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session 处理一次连接的完整生命周期，返回值说明连接为何结束
func (s *UserStream) session(ctx context.Context) error {
	listenKey, err := s.keys.StartUserStream(ctx)
	if err != nil {
		return fmt.Errorf("创建 listenKey 失败: %w", err)
	}

	// 正确的 WebSocket URL 格式是 wss://<wsBaseURL>/ws/<listenKey>
	wsURL := fmt.Sprintf("%s/ws/%s", s.baseURL, listenKey)
	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("无法连接到 WebSocket: %w", err)
	}
	defer conn.Close()
	s.setConnected(true)
	s.logger.Info("用户数据流已连接")

	// 设置Pong处理器来延长读取超时
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	done := make(chan struct{})
	defer close(done)

	var writeMu sync.Mutex
	go func() {
		pingTicker := time.NewTicker(s.pingInterval)
		defer pingTicker.Stop()
		keepaliveTicker := time.NewTicker(s.keepalive)
		defer keepaliveTicker.Stop()
		for {
			select {
			case <-pingTicker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				writeMu.Unlock()
				if err != nil {
					s.logger.Warn("发送Ping失败", zap.Error(err))
					return
				}
			case <-keepaliveTicker.C:
				if err := s.keys.KeepaliveUserStream(ctx, listenKey); err != nil {
					s.logger.Warn("listenKey 续期失败", zap.Error(err))
				}
			case <-ctx.Done():
				// 优雅关闭，ReadMessage 随后返回
				writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				writeMu.Unlock()
				_ = conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			// 任何读取错误都意味着连接已损坏，交给 Run 重连
			return fmt.Errorf("读取消息失败: %w", err)
		}
		update, ok, err := ParseUserEvent(message)
		if err != nil {
			if errors.Is(err, ErrListenKeyExpired) {
				return err
			}
			s.logger.Warn("无法解析用户数据流消息", zap.Error(err), zap.ByteString("message", message))
			continue
		}
		if ok {
			s.handler(update)
		}
	}
}

// ErrListenKeyExpired 表示服务端通知 listenKey 已过期，需要重新建立连接
var ErrListenKeyExpired = errors.New("listen key expired")

type userEventHeader struct {
	Type string `json:"e"`
	Time int64  `json:"E"`
}

// executionReport 的字段名大小写敏感，大小写成对的字段必须同时声明，
// 否则 encoding/json 会把 "X" 之类的键按不区分大小写的规则匹配到 "x" 上。
type executionReport struct {
	EventType        string          `json:"e"`
	EventTime        int64           `json:"E"`
	Symbol           string          `json:"s"`
	Side             string          `json:"S"`
	ClientOrderID    string          `json:"c"`
	OrigClientID     string          `json:"C"`
	Quantity         string          `json:"q"`
	QuoteQty         json.RawMessage `json:"Q"`
	Price            string          `json:"p"`
	StopPrice        json.RawMessage `json:"P"`
	ExecutionType    string          `json:"x"`
	Status           string          `json:"X"`
	OrderID          int64           `json:"i"`
	Ignore           json.RawMessage `json:"I"`
	CumulativeFilled string          `json:"z"`
	CumulativeQuote  json.RawMessage `json:"Z"`
}

// ParseUserEvent 解析用户数据流消息。只有 executionReport 返回 ok=true。
func ParseUserEvent(message []byte) (models.OrderUpdate, bool, error) {
	var header userEventHeader
	if err := json.Unmarshal(message, &header); err != nil {
		return models.OrderUpdate{}, false, err
	}
	switch header.Type {
	case "executionReport":
	case "listenKeyExpired":
		return models.OrderUpdate{}, false, ErrListenKeyExpired
	default:
		return models.OrderUpdate{}, false, nil
	}

	var r executionReport
	if err := json.Unmarshal(message, &r); err != nil {
		return models.OrderUpdate{}, false, err
	}
	clientID := r.ClientOrderID
	// 撤单回报中 c 是撤单请求的 id，原始订单 id 在 C
	if r.OrigClientID != "" && IsTerminalCancel(r.Status) {
		clientID = r.OrigClientID
	}
	return models.OrderUpdate{
		Symbol:          r.Symbol,
		ExchangeOrderID: r.OrderID,
		ClientOrderID:   clientID,
		Side:            models.Side(r.Side),
		Price:           parseDecimal(r.Price, decimal.Zero),
		Quantity:        parseDecimal(r.Quantity, decimal.Zero),
		FilledQty:       parseDecimal(r.CumulativeFilled, decimal.Zero),
		Status:          r.Status,
		EventTime:       time.UnixMilli(r.EventTime),
	}, true, nil
}
