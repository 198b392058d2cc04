package marketdata

import (
	"context"
	"fmt"
	"strconv"

	"binance-perp-guard-go/internal/models"

	"github.com/adshao/go-binance/v2/futures"
)

// KlineSource 提供已收盘的K线，按时间正序
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error)
}

// KlineDownloader 用于从币安合约接口下载K线数据
type KlineDownloader struct {
	client *futures.Client
}

// NewKlineDownloader 创建一个新的下载器实例；client 为 nil 时使用公共接口 (K线不需要API Key)
func NewKlineDownloader(client *futures.Client) *KlineDownloader {
	if client == nil {
		client = futures.NewClient("", "")
	}
	return &KlineDownloader{client: client}
}

// Klines 下载最近 limit 根K线。币安单次请求最多 1500 条
func (d *KlineDownloader) Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error) {
	klines, err := d.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("下载 %s %s K线数据失败: %w", symbol, interval, err)
	}

	out := make([]models.Kline, 0, len(klines))
	for _, k := range klines {
		volume := parseFloat(k.Volume)
		takerBuy := parseFloat(k.TakerBuyBaseAssetVolume)
		out = append(out, models.Kline{
			OpenTime:        k.OpenTime,
			Open:            parseFloat(k.Open),
			High:            parseFloat(k.High),
			Low:             parseFloat(k.Low),
			Close:           parseFloat(k.Close),
			Volume:          volume,
			CloseTime:       k.CloseTime,
			QuoteVolume:     parseFloat(k.QuoteAssetVolume),
			TradeNum:        k.TradeNum,
			TakerBuyVolume:  takerBuy,
			TakerSellVolume: volume - takerBuy,
		})
	}
	return out, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
