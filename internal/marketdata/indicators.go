package marketdata

import (
	"math"

	"binance-perp-guard-go/internal/models"

	"github.com/markcheno/go-talib"
)

const (
	atrPeriod      = 14
	cvdLookback    = 5
	volumeLookback = 20
)

// ComputeIndicators 计算单个周期的指标: ATR(14)、CVD 系列、主动买入占比和量比
func ComputeIndicators(klines []models.Kline) models.Indicators {
	ind := models.Indicators{CVDDivergence: "neutral", CVDPeakFlip: "none"}
	if len(klines) == 0 {
		return ind
	}

	ind.ATR = atr(klines)
	cvdPack(klines, &ind)

	last := klines[len(klines)-1]
	if last.Volume > 0 {
		ind.TakerBuyRatio = round(last.TakerBuyVolume/last.Volume, 4)
	}
	ind.VolumeRatio = volumeRatio(klines)
	return ind
}

func atr(klines []models.Kline) float64 {
	if len(klines) <= atrPeriod {
		return 0
	}
	highs := make([]float64, len(klines))
	lows := make([]float64, len(klines))
	closes := make([]float64, len(klines))
	for i, k := range klines {
		highs[i], lows[i], closes[i] = k.High, k.Low, k.Close
	}
	out := talib.Atr(highs, lows, closes, atrPeriod)
	return out[len(out)-1]
}

// cvdPack 累计主动买卖差 (CVD) 及其衍生信号
func cvdPack(klines []models.Kline, ind *models.Indicators) {
	n := len(klines)
	cvd := make([]float64, n)
	var cum float64
	for i, k := range klines {
		cum += k.TakerBuyVolume - k.TakerSellVolume
		cvd[i] = cum
	}

	ind.CVD = cvd[n-1]
	back := n - 1 - cvdLookback
	if back < 0 {
		back = 0
	}
	if n > cvdLookback+1 {
		ind.CVDMomentum = cvd[n-1] - cvd[back]
	}

	lo, hi := cvd[0], cvd[0]
	for _, v := range cvd {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	ind.CVDNorm = 0.5
	if hi > lo {
		ind.CVDNorm = round((ind.CVD-lo)/(hi-lo), 6)
	}

	// 价格和 CVD 方向背离
	priceNow, pricePrev := klines[n-1].Close, klines[back].Close
	switch {
	case priceNow > pricePrev && ind.CVD < cvd[back]:
		ind.CVDDivergence = "bearish"
	case priceNow < pricePrev && ind.CVD > cvd[back]:
		ind.CVDDivergence = "bullish"
	}

	if n > 3 {
		switch {
		case cvd[n-1] < cvd[n-2] && cvd[n-2] > cvd[n-3]:
			ind.CVDPeakFlip = "top"
		case cvd[n-1] > cvd[n-2] && cvd[n-2] < cvd[n-3]:
			ind.CVDPeakFlip = "bottom"
		}
	}
}

// volumeRatio 最新一根成交量 / 之前 volumeLookback 根的均量
func volumeRatio(klines []models.Kline) float64 {
	n := len(klines)
	if n < 2 {
		return 0
	}
	start := n - 1 - volumeLookback
	if start < 0 {
		start = 0
	}
	var sum float64
	for _, k := range klines[start : n-1] {
		sum += k.Volume
	}
	avg := sum / float64(n-1-start)
	if avg == 0 {
		return 0
	}
	return round(klines[n-1].Volume/avg, 4)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
