package models

import "time"

// PassKind 区分两种调度周期
type PassKind string

const (
	ManagePass PassKind = "manage" // 持仓管理：只允许平仓/反手/更新止盈止损
	ScanPass   PassKind = "scan"   // 全市场扫描：允许开仓
)

// Kline 定义了一根K线
type Kline struct {
	OpenTime        int64   `json:"open_time"`
	Open            float64 `json:"open"`
	High            float64 `json:"high"`
	Low             float64 `json:"low"`
	Close           float64 `json:"close"`
	Volume          float64 `json:"volume"`
	CloseTime       int64   `json:"close_time"`
	QuoteVolume     float64 `json:"quote_volume"`
	TradeNum        int64   `json:"trade_num"`
	TakerBuyVolume  float64 `json:"taker_buy_volume"`
	TakerSellVolume float64 `json:"taker_sell_volume"`
}

// Indicators 是单个周期上计算出的指标
type Indicators struct {
	ATR           float64 `json:"atr"`
	CVD           float64 `json:"cvd"`
	CVDMomentum   float64 `json:"cvd_mom"`
	CVDNorm       float64 `json:"cvd_norm"`
	CVDDivergence string  `json:"cvd_divergence"` // bullish / bearish / neutral
	CVDPeakFlip   string  `json:"cvd_peakflip"`   // top / bottom / none
	TakerBuyRatio float64 `json:"taker_buy_ratio"`
	VolumeRatio   float64 `json:"volume_ratio"` // 当前成交量 / 均量
}

// SeriesSnapshot 是某个交易对在某个周期上的行情切片
type SeriesSnapshot struct {
	Interval   string     `json:"interval"`
	Klines     []Kline    `json:"klines"`
	Indicators Indicators `json:"indicators"`
}

// MarketSnapshot 是一轮调度投喂给决策服务的完整输入
type MarketSnapshot struct {
	Time       time.Time                            `json:"time"`
	Kind       PassKind                             `json:"kind"`
	Symbols    []string                             `json:"symbols"`
	Positions  []Position                           `json:"positions"`
	Protective map[string][]ConditionalOrder        `json:"protective"` // symbol -> 当前挂着的止盈止损
	Series     map[string]map[string]SeriesSnapshot `json:"series"`     // symbol -> interval -> 切片
}

// PassReport 记录一轮调度的结果
type PassReport struct {
	ID        string        `json:"id"`
	Kind      PassKind      `json:"kind"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Skipped   string        `json:"skipped,omitempty"` // 非空表示本轮被跳过及原因
	Symbols   []string      `json:"symbols,omitempty"`
	Decisions int           `json:"decisions"`
	Executed  int           `json:"executed"`
	Failed    int           `json:"failed"`
}
