package notifier

import (
	"context"
	"time"

	"binance-perp-guard-go/internal/exchange"
	"binance-perp-guard-go/internal/models"

	"go.uber.org/zap"
)

// Channel 是通知的发送端 (Telegram 等)
type Channel interface {
	Send(ctx context.Context, text string) error
}

// Dispatcher 把通知串行地交给 Channel 发送。
// 入队不阻塞，队列满时直接丢弃，交易流程不会被通知拖慢。
type Dispatcher struct {
	channel Channel
	title   string
	timeout time.Duration
	queue   chan string
	stop    chan struct{}
	done    chan struct{}
	logger  *zap.Logger
}

// NewDispatcher 创建通知分发器，queueSize <= 0 时使用默认容量
func NewDispatcher(channel Channel, title string, queueSize int, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 128
	}
	return &Dispatcher{
		channel: channel,
		title:   title,
		timeout: 10 * time.Second,
		queue:   make(chan string, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// Start 启动发送协程
func (d *Dispatcher) Start() {
	go d.loop()
	d.logger.Info("通知分发器已启动")
}

// Stop 发送完队列中剩余的消息后退出
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
	d.logger.Info("通知分发器已停止")
}

// Notify 为每条需要播报的执行结果生成一条消息，没有可播报的结果时什么都不做
func (d *Dispatcher) Notify(results []models.ExecutionResult) {
	for _, r := range results {
		if text := FormatExecution(d.title, r); text != "" {
			d.enqueue(text)
		}
	}
}

// NotifyTrigger 播报交易所侧触发的止损/止盈成交
func (d *Dispatcher) NotifyTrigger(ev exchange.TriggerEvent) {
	d.enqueue(FormatTrigger(d.title, ev))
}

func (d *Dispatcher) enqueue(text string) {
	select {
	case d.queue <- text:
	default:
		d.logger.Warn("通知队列已满，丢弃消息", zap.Int("capacity", cap(d.queue)))
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case text := <-d.queue:
			d.send(text)
		case <-d.stop:
			for {
				select {
				case text := <-d.queue:
					d.send(text)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) send(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.channel.Send(ctx, text); err != nil {
		d.logger.Warn("发送通知失败", zap.Error(err))
	}
}
