// Package statemanager 为每个 bot 提供串行的执行上下文：
// 成交推送、定时对账、健康检查和控制命令都在同一个 goroutine 中依次处理。
package statemanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"grid-engine/internal/models"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	OrderUpdateEvent EventType = iota
	ReconcileEvent
	HealthCheckEvent
	CommandEvent
)

func (t EventType) String() string {
	switch t {
	case OrderUpdateEvent:
		return "order_update"
	case ReconcileEvent:
		return "reconcile"
	case HealthCheckEvent:
		return "health"
	case CommandEvent:
		return "command"
	}
	return "unknown"
}

// ErrWorkerStopped 表示 worker 已停止，不再接受事件
var ErrWorkerStopped = errors.New("worker stopped")

// Handler 处理 worker 分发的事件。所有方法都在 worker 的 goroutine 中串行调用。
type Handler interface {
	HandleUpdate(ctx context.Context, u models.OrderUpdate)
	Reconcile(ctx context.Context)
	CheckHealth(ctx context.Context)
}

// TickObserver 记录被合并掉的定时任务
type TickObserver interface {
	IncCoalesced(kind string)
}

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

type command struct {
	name  string
	fn    func(ctx context.Context) error
	reply chan error
}

// Options 定义 worker 的队列长度与定时间隔，间隔为 0 时不启动对应的定时器
type Options struct {
	Buffer            int
	ReconcileInterval time.Duration
	HealthInterval    time.Duration
}

// Worker 串行处理一个 bot 的全部事件
type Worker struct {
	botID        int64
	handler      Handler
	opts         Options
	eventChannel chan NormalizedEvent
	// 对账与健康检查最多一个在队列中或执行中
	reconcilePending atomic.Bool
	healthPending    atomic.Bool
	observer         TickObserver
	stopChan         chan struct{}
	stopOnce         sync.Once
	done             chan struct{}
	cancel           context.CancelFunc
	logger           *zap.Logger
}

// NewWorker creates a new Worker.
func NewWorker(botID int64, handler Handler, opts Options, observer TickObserver, logger *zap.Logger) *Worker {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		botID:        botID,
		handler:      handler,
		opts:         opts,
		eventChannel: make(chan NormalizedEvent, opts.Buffer),
		observer:     observer,
		stopChan:     make(chan struct{}),
		done:         make(chan struct{}),
		logger:       logger.With(zap.Int64("bot_id", botID)),
	}
}

// BotID 返回 worker 所属的 bot
func (w *Worker) BotID() int64 { return w.botID }

// Start begins the event loop and the periodic tickers.
func (w *Worker) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	go w.eventLoop(ctx)
	if w.opts.ReconcileInterval > 0 {
		go w.tickLoop(ctx, w.opts.ReconcileInterval, w.TriggerReconcile)
	}
	if w.opts.HealthInterval > 0 {
		go w.tickLoop(ctx, w.opts.HealthInterval, w.TriggerHealthCheck)
	}
	w.logger.Debug("worker started")
}

// Stop 停止接收新事件，在 drain 时间内处理完队列中已有的事件，超时后取消在途调用。
func (w *Worker) Stop(drain time.Duration) {
	w.stopOnce.Do(func() { close(w.stopChan) })
	if w.cancel == nil {
		return
	}
	select {
	case <-w.done:
	case <-time.After(drain):
		w.logger.Warn("drain timed out, cancelling in-flight work", zap.Duration("drain", drain))
		w.cancel()
		<-w.done
	}
	w.cancel()
	w.logger.Debug("worker stopped")
}

func (w *Worker) stopped() bool {
	select {
	case <-w.stopChan:
		return true
	default:
		return false
	}
}

// SubmitUpdate 投递一条订单更新，不阻塞。
// 推送回调可能在交易所网关的调用栈中同步执行，阻塞会让 worker 等待自己。
// 队列满时丢弃并返回 false，遗漏的成交由健康检查补上。
func (w *Worker) SubmitUpdate(u models.OrderUpdate) bool {
	if w.stopped() {
		return false
	}
	select {
	case w.eventChannel <- NormalizedEvent{Type: OrderUpdateEvent, Timestamp: time.Now(), Data: u}:
		return true
	default:
		w.logger.Warn("event queue full, dropping order update",
			zap.Int64("order_id", u.ExchangeOrderID), zap.String("status", u.Status))
		return false
	}
}

// TriggerReconcile 请求一次对账，已有一次在排队或执行时合并
func (w *Worker) TriggerReconcile() bool {
	return w.trigger(&w.reconcilePending, ReconcileEvent)
}

// TriggerHealthCheck 请求一次健康检查，已有一次在排队或执行时合并
func (w *Worker) TriggerHealthCheck() bool {
	return w.trigger(&w.healthPending, HealthCheckEvent)
}

func (w *Worker) trigger(flag *atomic.Bool, typ EventType) bool {
	if w.stopped() {
		return false
	}
	if !flag.CompareAndSwap(false, true) {
		if w.observer != nil {
			w.observer.IncCoalesced(typ.String())
		}
		return false
	}
	select {
	case w.eventChannel <- NormalizedEvent{Type: typ, Timestamp: time.Now()}:
		return true
	default:
		flag.Store(false)
		w.logger.Warn("event queue full, skipping tick", zap.Stringer("type", typ))
		return false
	}
}

// Do 在 worker 中执行 fn 并等待结果，用于 pause/resume/stop 等控制命令
func (w *Worker) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	cmd := command{name: name, fn: fn, reply: make(chan error, 1)}
	ev := NormalizedEvent{Type: CommandEvent, Timestamp: time.Now(), Data: cmd}
	select {
	case <-w.stopChan:
		return ErrWorkerStopped
	default:
	}
	select {
	case w.eventChannel <- ev:
	case <-w.stopChan:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-w.done:
		// 停止时队列中的命令也会被处理，这里再读一次结果
		select {
		case err := <-cmd.reply:
			return err
		default:
			return ErrWorkerStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) tickLoop(ctx context.Context, interval time.Duration, trigger func() bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			trigger()
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (w *Worker) eventLoop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case event := <-w.eventChannel:
			w.processEvent(ctx, event)
		case <-w.stopChan:
			w.drain(ctx)
			return
		}
	}
}

// drain 处理停止前已进入队列的事件
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case event := <-w.eventChannel:
			w.processEvent(ctx, event)
		default:
			return
		}
	}
}

func (w *Worker) processEvent(ctx context.Context, event NormalizedEvent) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic while processing event", zap.Stringer("type", event.Type), zap.Any("panic", r))
		}
	}()

	switch event.Type {
	case OrderUpdateEvent:
		if u, ok := event.Data.(models.OrderUpdate); ok {
			w.handler.HandleUpdate(ctx, u)
		} else {
			w.logger.Warn("order update with unexpected data type", zap.String("type", typeName(event.Data)))
		}
	case ReconcileEvent:
		defer w.reconcilePending.Store(false)
		w.handler.Reconcile(ctx)
	case HealthCheckEvent:
		defer w.healthPending.Store(false)
		w.handler.CheckHealth(ctx)
	case CommandEvent:
		cmd, ok := event.Data.(command)
		if !ok {
			w.logger.Warn("command with unexpected data type", zap.String("type", typeName(event.Data)))
			return
		}
		var err error
		defer func() { cmd.reply <- err }()
		err = cmd.fn(ctx)
		if err != nil {
			w.logger.Warn("command failed", zap.String("command", cmd.name), zap.Error(err))
		}
	}
}

func typeName(v interface{}) string {
	return fmt.Sprintf("%T", v)
}
