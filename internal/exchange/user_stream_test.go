package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"binance-perp-guard-go/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubKeys struct {
	mu         sync.Mutex
	started    int
	keepalives int
}

func (s *stubKeys) StartUserStream(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return "test-listen-key", nil
}

func (s *stubKeys) KeepaliveUserStream(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepalives++
	return nil
}

const stopFilled = `{"e":"ORDER_TRADE_UPDATE","E":1700000000100,"T":1700000000000,"o":{"s":"ETHUSDT","c":"pg-x","S":"SELL","o":"MARKET","q":"0","ap":"1899.5","sp":"1900","x":"TRADE","X":"FILLED","i":42,"z":"0.5","ot":"STOP_MARKET","ps":"LONG","cp":true,"rp":"-50.25"}}`

func TestParseUserEvent(t *testing.T) {
	expired, ev, ok := parseUserEvent([]byte(stopFilled))
	require.True(t, ok)
	assert.False(t, expired)
	assert.Equal(t, "ETHUSDT", ev.Symbol)
	assert.Equal(t, models.Long, ev.PositionSide)
	assert.Equal(t, models.StopLoss, ev.Kind)
	assert.Equal(t, int64(42), ev.OrderID)
	assert.Equal(t, 1900.0, ev.TriggerPrice)
	assert.Equal(t, 1899.5, ev.FillPrice)
	assert.Equal(t, 0.5, ev.Quantity)
	assert.Equal(t, -50.25, ev.RealizedPnL)
	assert.Equal(t, int64(1700000000000), ev.Time.UnixMilli())
	assert.False(t, ev.Manual)

	// 在网页端手动挂的止损单
	manual := strings.Replace(stopFilled, `"c":"pg-x"`, `"c":"web_abc123"`, 1)
	_, ev, ok = parseUserEvent([]byte(manual))
	require.True(t, ok)
	assert.True(t, ev.Manual)

	// 普通市价单成交不关心
	plain := strings.Replace(stopFilled, `"ot":"STOP_MARKET"`, `"ot":"MARKET"`, 1)
	_, _, ok = parseUserEvent([]byte(plain))
	assert.False(t, ok)

	// 未成交不关心
	newOrder := strings.Replace(stopFilled, `"X":"FILLED"`, `"X":"NEW"`, 1)
	_, _, ok = parseUserEvent([]byte(newOrder))
	assert.False(t, ok)

	expired, _, _ = parseUserEvent([]byte(`{"e":"listenKeyExpired","E":1}`))
	assert.True(t, expired)

	_, _, ok = parseUserEvent([]byte(`not json`))
	assert.False(t, ok)
}

func TestUserStream_DeliversTriggerEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	paths := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"ACCOUNT_UPDATE","E":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(stopFilled))
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	events := make(chan TriggerEvent, 1)
	keys := &stubKeys{}
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	stream := NewUserStream(keys, wsURL, func(ev TriggerEvent) { events <- ev }, zap.NewNop())
	stream.ReconnectDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		stream.Run(ctx)
		close(done)
	}()

	select {
	case ev := <-events:
		assert.Equal(t, models.StopLoss, ev.Kind)
		assert.Equal(t, "ETHUSDT", ev.Symbol)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for trigger event")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("user stream did not stop")
	}
	assert.Equal(t, "/ws/test-listen-key", <-paths)
	keys.mu.Lock()
	assert.GreaterOrEqual(t, keys.started, 1)
	keys.mu.Unlock()
}
