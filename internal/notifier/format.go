package notifier

import (
	"fmt"
	"strconv"
	"strings"

	"binance-perp-guard-go/internal/exchange"
	"binance-perp-guard-go/internal/models"
)

const defaultTitle = "交易信号"

// announced 是需要播报的动作，止盈止损调整和观望不播报
func announced(a models.Action) bool {
	switch a {
	case models.ActionOpenLong, models.ActionOpenShort,
		models.ActionCloseLong, models.ActionCloseShort,
		models.ActionReverse,
		models.ActionIncreasePosition, models.ActionDecreasePosition:
		return true
	}
	return false
}

// FormatExecution 把一条执行结果格式化为通知文本；不需要播报时返回空串
func FormatExecution(title string, r models.ExecutionResult) string {
	d := r.Decision
	if !announced(d.Action) {
		return ""
	}
	if title == "" {
		title = defaultTitle
	}
	symbol := d.Symbol
	if symbol == "" {
		symbol = "（未提供）"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🚨 %s\n\n", title)
	fmt.Fprintf(&b, "📌 交易对: %s\n", symbol)
	fmt.Fprintf(&b, "🎯 动作: %s\n", d.Action)
	if r.MarkPrice > 0 {
		fmt.Fprintf(&b, "📍 最新价: %s\n", num(r.MarkPrice))
	}
	if d.StopLoss != nil {
		fmt.Fprintf(&b, "🛑 止损: %s\n", num(*d.StopLoss))
	}
	if d.TakeProfit != nil {
		fmt.Fprintf(&b, "🎯 止盈: %s\n", num(*d.TakeProfit))
	}
	if d.Reason != "" {
		fmt.Fprintf(&b, "\n🧠 原因:\n%s\n", d.Reason)
	}
	return b.String()
}

// FormatTrigger 格式化条件单触发提醒
func FormatTrigger(title string, ev exchange.TriggerEvent) string {
	if title == "" {
		title = defaultTitle
	}
	kind := "止损"
	if ev.Kind == models.TakeProfit {
		kind = "止盈"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "⚡ %s\n\n", title)
	fmt.Fprintf(&b, "📌 交易对: %s (%s)\n", ev.Symbol, ev.PositionSide)
	if ev.Manual {
		fmt.Fprintf(&b, "🔔 %s单已触发 (手动挂单)\n", kind)
	} else {
		fmt.Fprintf(&b, "🔔 %s单已触发\n", kind)
	}
	fmt.Fprintf(&b, "📍 触发价: %s\n", num(ev.TriggerPrice))
	if ev.FillPrice > 0 {
		fmt.Fprintf(&b, "💱 成交均价: %s\n", num(ev.FillPrice))
	}
	if ev.Quantity > 0 {
		fmt.Fprintf(&b, "📦 数量: %s\n", num(ev.Quantity))
	}
	fmt.Fprintf(&b, "💰 已实现盈亏: %s\n", num(ev.RealizedPnL))
	return b.String()
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
