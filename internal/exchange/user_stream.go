package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"binance-perp-guard-go/internal/models"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TriggerEvent 表示一张止损/止盈单在交易所侧被触发成交
type TriggerEvent struct {
	Symbol       string                 `json:"symbol"`
	PositionSide models.PositionSide    `json:"position_side"`
	Kind         models.ConditionalKind `json:"kind"`
	OrderID      int64                  `json:"order_id"`
	TriggerPrice float64                `json:"trigger_price"`
	FillPrice    float64                `json:"fill_price"`
	Quantity     float64                `json:"quantity"`
	RealizedPnL  float64                `json:"realized_pnl"`
	Time         time.Time              `json:"time"`
	Manual       bool                   `json:"manual"` // 条件单不是本程序挂出的
}

// ListenKeyProvider 管理用户数据流的 listenKey，由 BinanceGateway 实现
type ListenKeyProvider interface {
	StartUserStream(ctx context.Context) (string, error)
	KeepaliveUserStream(ctx context.Context, listenKey string) error
}

// UserStream 订阅币安用户数据流，把条件单成交事件转发给 handler
type UserStream struct {
	keys      ListenKeyProvider
	wsBaseURL string
	handler   func(TriggerEvent)
	logger    *zap.Logger

	ReconnectDelay    time.Duration
	KeepaliveInterval time.Duration
	PongWait          time.Duration
}

// NewUserStream 创建用户数据流订阅
func NewUserStream(keys ListenKeyProvider, wsBaseURL string, handler func(TriggerEvent), logger *zap.Logger) *UserStream {
	return &UserStream{
		keys:              keys,
		wsBaseURL:         wsBaseURL,
		handler:           handler,
		logger:            logger,
		ReconnectDelay:    5 * time.Second,
		KeepaliveInterval: 30 * time.Minute,
		PongWait:          60 * time.Second,
	}
}

// Run 维持连接直到 ctx 结束，连接断开后自动重连
func (s *UserStream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.logger.Info("用户数据流已停止")
			return
		}
		if err := s.session(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("用户数据流断开，准备重连", zap.Error(err), zap.Duration("delay", s.ReconnectDelay))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("用户数据流已停止")
			return
		case <-time.After(s.ReconnectDelay):
		}
	}
}

// session 建立一次连接并处理消息，直到连接断开或 ctx 结束
func (s *UserStream) session(ctx context.Context) error {
	listenKey, err := s.keys.StartUserStream(ctx)
	if err != nil {
		return err
	}

	// 正确的 WebSocket URL 格式是 wss://<wsBaseURL>/ws/<listenKey>
	wsURL := fmt.Sprintf("%s/ws/%s", s.wsBaseURL, listenKey)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("无法连接到 WebSocket: %w", err)
	}
	defer conn.Close()
	s.logger.Info("用户数据流已连接")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ctx 结束时关闭连接以打断阻塞的 ReadMessage
	go func() {
		<-sessionCtx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()
	go s.keepalive(sessionCtx, conn, listenKey)

	_ = conn.SetReadDeadline(time.Now().Add(s.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.PongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("读取消息失败: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.PongWait))

		expired, ev, ok := parseUserEvent(message)
		if expired {
			return fmt.Errorf("listenKey 已过期")
		}
		if ok && s.handler != nil {
			s.handler(ev)
		}
	}
}

// keepalive 定期延长 listenKey 并发送 ping
func (s *UserStream) keepalive(ctx context.Context, conn *websocket.Conn, listenKey string) {
	pingPeriod := (s.PongWait * 9) / 10
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	keyTicker := time.NewTicker(s.KeepaliveInterval)
	defer keyTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.logger.Warn("发送Ping失败", zap.Error(err))
				return
			}
		case <-keyTicker.C:
			if err := s.keys.KeepaliveUserStream(ctx, listenKey); err != nil {
				s.logger.Warn("保持 listenKey 存活失败", zap.Error(err))
			}
		}
	}
}

// parseUserEvent 解析用户数据流消息，只关心止损/止盈单的成交
func parseUserEvent(message []byte) (expired bool, ev TriggerEvent, ok bool) {
	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(message, &head); err != nil {
		return false, ev, false
	}
	if head.EventType == "listenKeyExpired" {
		return true, ev, false
	}
	if head.EventType != "ORDER_TRADE_UPDATE" {
		return false, ev, false
	}

	var update models.OrderUpdateEvent
	if err := json.Unmarshal(message, &update); err != nil {
		return false, ev, false
	}
	o := update.Order
	if o.Status != "FILLED" {
		return false, ev, false
	}
	// 触发后的订单类型变成 MARKET，原始类型在 ot 字段
	orderType := o.OrigType
	if orderType == "" {
		orderType = o.OrderType
	}
	kind, isConditional := conditionalKindOf(orderType)
	if !isConditional {
		return false, ev, false
	}

	stop, _ := strconv.ParseFloat(o.StopPrice, 64)
	fill, _ := strconv.ParseFloat(o.AvgPrice, 64)
	qty, _ := strconv.ParseFloat(o.CumQty, 64)
	pnl, _ := strconv.ParseFloat(o.RealizedPnL, 64)
	return false, TriggerEvent{
		Symbol:       o.Symbol,
		PositionSide: models.PositionSide(o.PositionSide),
		Kind:         kind,
		OrderID:      o.OrderID,
		TriggerPrice: stop,
		FillPrice:    fill,
		Quantity:     qty,
		RealizedPnL:  pnl,
		Time:         time.UnixMilli(update.TransactionTime),
		Manual:       !IsOwnOrder(o.ClientOrderID),
	}, true
}
