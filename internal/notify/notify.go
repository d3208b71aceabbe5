// Package notify 把引擎事件 (成交、错误、偏差修正) 发送给外部通知渠道。
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType 是事件类型
type EventType string

const (
	LevelFilled     EventType = "level_filled"
	BotError        EventType = "bot_error"
	DriftCorrected  EventType = "drift_corrected"
	DriftFlagged    EventType = "drift_flagged"
	BotStateChanged EventType = "bot_state_changed"
	BotSummary      EventType = "bot_summary"
)

// Event 是一条结构化通知
type Event struct {
	ID      string            `json:"id"`
	Type    EventType         `json:"type"`
	BotID   int64             `json:"bot_id"`
	Symbol  string            `json:"symbol,omitempty"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	At      time.Time         `json:"at"`
}

// NewEvent 创建带唯一 id 的事件
func NewEvent(typ EventType, botID int64, symbol, message string) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    typ,
		BotID:   botID,
		Symbol:  symbol,
		Message: message,
		At:      time.Now().UTC(),
	}
}

// With 添加一个字段并返回事件本身，便于链式调用
func (e Event) With(key, value string) Event {
	fields := make(map[string]string, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	e.Fields = fields
	return e
}

// Notifier 投递事件
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// LogNotifier 把事件写入日志
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.Int64("bot_id", e.BotID),
		zap.String("symbol", e.Symbol),
	}
	for k, v := range e.Fields {
		fields = append(fields, zap.String(k, v))
	}
	if e.Type == BotError {
		n.logger.Error(e.Message, fields...)
	} else {
		n.logger.Info(e.Message, fields...)
	}
	return nil
}

// Multi 依次投递到多个渠道，单个渠道失败不影响其他渠道
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop 丢弃所有事件
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Async 在后台 goroutine 中投递事件，bot worker 不会被外部渠道阻塞。队列满时丢弃并记录日志。
type Async struct {
	inner   Notifier
	queue   chan Event
	logger  *zap.Logger
	timeout time.Duration

	once sync.Once
	done chan struct{}
}

// NewAsync 创建异步投递器，需要调用 Run 启动
func NewAsync(inner Notifier, buffer int, logger *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	return &Async{
		inner:   inner,
		queue:   make(chan Event, buffer),
		logger:  logger,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

// Notify 入队，从不阻塞
func (a *Async) Notify(_ context.Context, e Event) error {
	select {
	case a.queue <- e:
		return nil
	default:
		a.logger.Warn("通知队列已满，丢弃事件", zap.String("type", string(e.Type)), zap.Int64("bot_id", e.BotID))
		return errors.New("notification queue full")
	}
}

// Run 投递队列中的事件，ctx 取消后把剩余事件投递完再返回
func (a *Async) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case e := <-a.queue:
			a.deliver(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-a.queue:
					a.deliver(e)
				default:
					return
				}
			}
		}
	}
}

// Wait 等待 Run 退出
func (a *Async) Wait() {
	<-a.done
}

func (a *Async) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.inner.Notify(ctx, e); err != nil {
		a.logger.Warn("通知投递失败", zap.String("type", string(e.Type)), zap.Int64("bot_id", e.BotID), zap.Error(err))
	}
}
