package main

import (
	"context"

	"binance-perp-guard-go/internal/exchange"
	"binance-perp-guard-go/internal/marketdata"
	"binance-perp-guard-go/internal/models"
)

// paperPricer 在模拟盘下用最新K线收盘价驱动模拟交易所的标记价格，
// 止损止盈单因此能够按行情触发
type paperPricer struct {
	*marketdata.Service
	paper *exchange.PaperGateway
}

func (p *paperPricer) Refresh(ctx context.Context, symbols []string) (map[string]map[string]models.SeriesSnapshot, error) {
	series, err := p.Service.Refresh(ctx, symbols)
	for symbol, byInterval := range series {
		if price, ok := latestClose(byInterval); ok {
			p.paper.SetPrice(symbol, price)
		}
	}
	return series, err
}

// latestClose 取收盘时间最晚的一根K线
func latestClose(byInterval map[string]models.SeriesSnapshot) (float64, bool) {
	var latest models.Kline
	for _, s := range byInterval {
		if n := len(s.Klines); n > 0 && s.Klines[n-1].CloseTime > latest.CloseTime {
			latest = s.Klines[n-1]
		}
	}
	return latest.Close, latest.CloseTime > 0
}
