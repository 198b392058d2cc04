package oracle

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"binance-perp-guard-go/internal/models"
)

const defaultSystemPrompt = "你是一名专业量化策略分析引擎，请严格输出 JSON 数组或 JSON 对象形式的交易信号。" +
	"每条信号包含 symbol、action (open_long/open_short/close_long/close_short/reverse/increase_position/" +
	"decrease_position/update_stop_loss/update_take_profit/hold/wait)，以及可选的 stop_loss、take_profit、" +
	"position_size (USDT 名义金额)、quantity、reason。请把最终 JSON 数组放在 <decision></decision> 标签内。"

// loadSystemPrompt 读取提示词文件，失败时使用内置提示词
func loadSystemPrompt(path string) string {
	if path == "" {
		return defaultSystemPrompt
	}
	data, err := os.ReadFile(path)
	if err != nil || strings.TrimSpace(string(data)) == "" {
		return defaultSystemPrompt
	}
	return string(data)
}

// FormatSnapshot 把行情快照渲染为发给模型的文本
func FormatSnapshot(snap *models.MarketSnapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "========= 当前时间 %s (%s) =========\n", snap.Time.UTC().Format("2006-01-02 15:04:05"), snap.Kind)
	if snap.Kind == models.ManagePass {
		b.WriteString("本轮为持仓管理，只允许 close_long / close_short / reverse / update_stop_loss / update_take_profit。\n")
	}

	if len(snap.Positions) == 0 {
		b.WriteString("\n当前无持仓\n")
	} else {
		b.WriteString("\n当前持仓:\n")
		for _, p := range snap.Positions {
			side := "多"
			if p.Size < 0 {
				side = "空"
			}
			fmt.Fprintf(&b, "%s | %s | 数量 %v | 入场 %v → 当前价格 %v | 盈亏 %.4f (%.2f%%) | 杠杆 %dx",
				p.Symbol, side, p.AbsSize(), p.EntryPrice, p.MarkPrice, p.UnrealizedPnL, p.PnLPercent(), p.Leverage)
			b.WriteString(" | TP/SL: ")
			b.WriteString(formatProtective(snap.Protective[p.Symbol], p.Side()))
			b.WriteString("\n")
		}
	}

	symbols := make([]string, 0, len(snap.Series))
	for s := range snap.Series {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		fmt.Fprintf(&b, "\n============ %s 多周期行情快照 ============\n", symbol)
		intervals := make([]string, 0, len(snap.Series[symbol]))
		for iv := range snap.Series[symbol] {
			intervals = append(intervals, iv)
		}
		sort.Strings(intervals)
		for _, iv := range intervals {
			writeSeries(&b, snap.Series[symbol][iv])
		}
	}

	b.WriteString("\n现在请分析并输出决策（简洁思维链 < 150 字 + JSON）")
	return b.String()
}

func formatProtective(orders []models.ConditionalOrder, side models.PositionSide) string {
	var parts []string
	for _, o := range orders {
		if o.PositionSide != side {
			continue
		}
		name := "STOP_MARKET"
		if o.Kind == models.TakeProfit {
			name = "TAKE_PROFIT_MARKET"
		}
		parts = append(parts, fmt.Sprintf("%s=%v", name, o.TriggerPrice))
	}
	if len(parts) == 0 {
		return "无"
	}
	return strings.Join(parts, ", ")
}

func writeSeries(b *strings.Builder, s models.SeriesSnapshot) {
	fmt.Fprintf(b, "\n--- %s ---\n", s.Interval)
	if len(s.Klines) == 0 {
		b.WriteString("无K线数据\n")
		return
	}
	ind := s.Indicators
	last := s.Klines[len(s.Klines)-1]
	fmt.Fprintf(b, "当前周期收盘价格: %v\n", last.Close)
	fmt.Fprintf(b, "CVD: %v\nCVD_MOM: %v\nCVD_DIVERGENCE: %s\nCVD_PEAKFLIP: %s\nCVD_NORM: %v\n",
		ind.CVD, ind.CVDMomentum, ind.CVDDivergence, ind.CVDPeakFlip, ind.CVDNorm)
	fmt.Fprintf(b, "ATR: %v\n", ind.ATR)
	fmt.Fprintf(b, "主动买入量: %v  主动卖出量: %v  主动买入占比: %.2f%%\n",
		last.TakerBuyVolume, last.TakerSellVolume, ind.TakerBuyRatio*100)
	fmt.Fprintf(b, "当前/均量比值: %v\n", ind.VolumeRatio)

	n := len(s.Klines)
	opens, highs, lows, closes, volumes := make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
	for i, k := range s.Klines {
		opens[i], highs[i], lows[i], closes[i], volumes[i] = k.Open, k.High, k.Low, k.Close, k.Volume
	}
	b.WriteString("K线数组格式从旧 → 新:\n")
	fmt.Fprintf(b, "open: %v\nhigh: %v\nlow: %v\nclose: %v\nvolume: %v\n", opens, highs, lows, closes, volumes)
}
