package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"binance-perp-guard-go/internal/models"
	"binance-perp-guard-go/internal/persistence"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKlineDownloader_Klines(t *testing.T) {
	queries := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/klines" {
			http.NotFound(w, r)
			return
		}
		queries <- r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			[1700000000000,"2000.0","2010.0","1990.0","2005.0","100.0",1700000899999,"200500.0",321,"60.0","120300.0","0"],
			[1700000900000,"2005.0","2020.0","2000.0","2015.0","50.0",1700001799999,"100750.0",123,"20.0","40300.0","0"]
		]`))
	}))
	defer server.Close()

	client := futures.NewClient("", "")
	client.BaseURL = server.URL
	d := NewKlineDownloader(client)

	klines, err := d.Klines(context.Background(), "ETHUSDT", "15m", 2)
	require.NoError(t, err)
	require.Len(t, klines, 2)
	gotQuery := <-queries
	assert.Contains(t, gotQuery, "symbol=ETHUSDT")
	assert.Contains(t, gotQuery, "interval=15m")
	assert.Contains(t, gotQuery, "limit=2")

	k := klines[0]
	assert.Equal(t, int64(1700000000000), k.OpenTime)
	assert.Equal(t, 2005.0, k.Close)
	assert.Equal(t, 100.0, k.Volume)
	assert.Equal(t, 60.0, k.TakerBuyVolume)
	assert.Equal(t, 40.0, k.TakerSellVolume)
	assert.Equal(t, int64(321), k.TradeNum)
}

func TestKlineDownloader_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer server.Close()

	client := futures.NewClient("", "")
	client.BaseURL = server.URL
	_, err := NewKlineDownloader(client).Klines(context.Background(), "NOPE", "15m", 10)
	assert.Error(t, err)
}

// bars 生成 n 根K线: 收盘价固定 100，振幅 10，主动买入量由 buy 决定
func bars(n int, buy func(i int) float64) []models.Kline {
	out := make([]models.Kline, n)
	for i := range out {
		b := buy(i)
		out[i] = models.Kline{
			OpenTime: int64(i) * 900000, Open: 100, High: 105, Low: 95, Close: 100,
			Volume: 10, TakerBuyVolume: b, TakerSellVolume: 10 - b,
		}
	}
	return out
}

func TestComputeIndicators_ATR(t *testing.T) {
	ind := ComputeIndicators(bars(30, func(int) float64 { return 5 }))
	assert.InDelta(t, 10.0, ind.ATR, 1e-9)

	short := ComputeIndicators(bars(10, func(int) float64 { return 5 }))
	assert.Equal(t, 0.0, short.ATR)
}

func TestComputeIndicators_CVD(t *testing.T) {
	// 每根净买入 +2
	ind := ComputeIndicators(bars(10, func(int) float64 { return 6 }))
	assert.Equal(t, 20.0, ind.CVD)
	assert.Equal(t, 10.0, ind.CVDMomentum)
	assert.Equal(t, 1.0, ind.CVDNorm)
	assert.Equal(t, 0.6, ind.TakerBuyRatio)
	assert.Equal(t, 1.0, ind.VolumeRatio)
	assert.Equal(t, "neutral", ind.CVDDivergence)
	assert.Equal(t, "none", ind.CVDPeakFlip)

	// 平坦的 CVD 归一化为 0.5
	flat := ComputeIndicators(bars(10, func(int) float64 { return 5 }))
	assert.Equal(t, 0.5, flat.CVDNorm)
}

func TestComputeIndicators_DivergenceAndPeakFlip(t *testing.T) {
	// 价格上涨但 CVD 下降: 看跌背离；最后一根反转向上: 底部翻转
	klines := bars(10, func(i int) float64 {
		if i == 9 {
			return 7
		}
		return 3
	})
	for i := range klines {
		klines[i].Close = 100 + float64(i)
	}
	ind := ComputeIndicators(klines)
	assert.Equal(t, "bearish", ind.CVDDivergence)
	assert.Equal(t, "bottom", ind.CVDPeakFlip)

	// 价格下跌但 CVD 上升: 看涨背离；最后一根转向下: 顶部翻转
	klines = bars(10, func(i int) float64 {
		if i == 9 {
			return 3
		}
		return 7
	})
	for i := range klines {
		klines[i].Close = 100 - float64(i)
	}
	ind = ComputeIndicators(klines)
	assert.Equal(t, "bullish", ind.CVDDivergence)
	assert.Equal(t, "top", ind.CVDPeakFlip)
}

func TestComputeIndicators_Empty(t *testing.T) {
	ind := ComputeIndicators(nil)
	assert.Equal(t, "neutral", ind.CVDDivergence)
	assert.Equal(t, "none", ind.CVDPeakFlip)
}

type fakeSource struct {
	mu    sync.Mutex
	fail  map[string]error
	calls int
}

func (f *fakeSource) Klines(_ context.Context, symbol, interval string, limit int) ([]models.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.fail[symbol]; err != nil {
		return nil, err
	}
	return bars(limit, func(int) float64 { return 5 }), nil
}

func newStore(t *testing.T) persistence.Store {
	t.Helper()
	store, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestService_Refresh(t *testing.T) {
	store := newStore(t)
	src := &fakeSource{fail: map[string]error{"BADUSDT": errors.New("boom")}}
	svc := NewService(src, store, Options{Intervals: []string{"15m", "1h"}, Limit: 40, FeedBars: 20, Concurrency: 3}, zap.NewNop())

	series, err := svc.Refresh(context.Background(), []string{"ETHUSDT", "BTCUSDT", "BADUSDT"})
	assert.Error(t, err)
	assert.Len(t, series, 2)
	require.Contains(t, series, "ETHUSDT")
	snap := series["ETHUSDT"]["1h"]
	assert.Equal(t, "1h", snap.Interval)
	assert.Len(t, snap.Klines, 20)
	assert.InDelta(t, 10.0, snap.Indicators.ATR, 1e-9)
	assert.Equal(t, 6, src.calls)

	cached, err := store.LoadKlines(context.Background(), "BTCUSDT", "15m")
	require.NoError(t, err)
	assert.Len(t, cached, 40)
}

func TestService_RefreshFallsBackToCache(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveKlines(ctx, "ETHUSDT", "15m", bars(30, func(int) float64 { return 5 })))

	src := &fakeSource{fail: map[string]error{"ETHUSDT": fmt.Errorf("timeout")}}
	svc := NewService(src, store, Options{Intervals: []string{"15m"}}, zap.NewNop())

	series, err := svc.Refresh(ctx, []string{"ETHUSDT"})
	assert.Error(t, err)
	require.Contains(t, series, "ETHUSDT")
	assert.Len(t, series["ETHUSDT"]["15m"].Klines, 20)
}

func TestService_Evict(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for _, sym := range []string{"ETHUSDT", "BTCUSDT", "DOGEUSDT"} {
		require.NoError(t, store.SaveKlines(ctx, sym, "15m", bars(3, func(int) float64 { return 5 })))
	}
	svc := NewService(&fakeSource{}, store, Options{Intervals: []string{"15m"}}, zap.NewNop())

	evicted, err := svc.Evict(ctx, []string{"ETHUSDT"})
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "DOGEUSDT"}, evicted)

	left, err := store.KlineSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ETHUSDT"}, left)
}
