package reporter

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"binance-perp-guard-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Source 是报告需要读取的历史数据，由 persistence.Store 实现
type Source interface {
	ListTrades(ctx context.Context, limit int) ([]models.TradeRecord, error)
	ListOracleRecords(ctx context.Context, limit int) ([]models.OracleRecord, error)
}

// OracleStats 汇总决策服务调用情况
type OracleStats struct {
	Calls     int            `json:"calls"`
	Failures  int            `json:"failures"`
	Decisions int            `json:"total_decisions"`
	AvgCostMs float64        `json:"avg_cost_ms"`
	ByAction  map[string]int `json:"by_action"`
	Last      *time.Time     `json:"last,omitempty"`
}

// ComputeOracleStats 统计调用次数、失败次数、决策数量和平均耗时
func ComputeOracleStats(records []models.OracleRecord) OracleStats {
	stats := OracleStats{ByAction: make(map[string]int)}
	var totalCost int64
	for i, rec := range records {
		stats.Calls++
		totalCost += rec.CostMs
		if rec.Error != "" {
			stats.Failures++
		}
		for _, d := range rec.Decisions {
			stats.Decisions++
			stats.ByAction[d.Action.String()]++
		}
		if stats.Last == nil || rec.Timestamp.After(*stats.Last) {
			stats.Last = &records[i].Timestamp
		}
	}
	if stats.Calls > 0 {
		stats.AvgCostMs = float64(totalCost) / float64(stats.Calls)
	}
	return stats
}

// Generate 打印交易日志和决策服务统计，limit 限制展示的交易条数
func Generate(ctx context.Context, src Source, w io.Writer, limit int) error {
	trades, err := src.ListTrades(ctx, limit)
	if err != nil {
		return fmt.Errorf("读取交易日志失败: %w", err)
	}
	records, err := src.ListOracleRecords(ctx, 0)
	if err != nil {
		return fmt.Errorf("读取决策历史失败: %w", err)
	}

	RenderTrades(w, trades)
	fmt.Fprintln(w)
	RenderOracleStats(w, ComputeOracleStats(records))
	return nil
}

// RenderTrades 以表格形式输出交易日志
func RenderTrades(w io.Writer, trades []models.TradeRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("交易日志")
	t.AppendHeader(table.Row{"时间", "交易对", "动作", "方向", "持仓方向", "价格", "数量", "订单ID", "状态"})
	var notional float64
	for _, tr := range trades {
		t.AppendRow(table.Row{
			tr.Time.Format("2006-01-02 15:04:05"),
			tr.Symbol,
			tr.Action.String(),
			string(tr.Side),
			string(tr.PositionSide),
			tr.Price,
			tr.Quantity,
			tr.OrderID,
			tr.Status,
		})
		notional += tr.Price * tr.Quantity
	}
	t.AppendFooter(table.Row{"合计", len(trades), "", "", "", "名义金额", fmt.Sprintf("%.2f", notional)})
	t.SetStyle(table.StyleLight)
	t.Render()
}

// RenderOracleStats 以表格形式输出决策统计，动作按名称排序
func RenderOracleStats(w io.Writer, stats OracleStats) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("决策服务统计")
	t.AppendHeader(table.Row{"指标", "数值"})
	t.AppendRow(table.Row{"调用次数", stats.Calls})
	t.AppendRow(table.Row{"失败次数", stats.Failures})
	t.AppendRow(table.Row{"决策总数", stats.Decisions})
	t.AppendRow(table.Row{"平均耗时(ms)", fmt.Sprintf("%.0f", stats.AvgCostMs)})
	if stats.Last != nil {
		t.AppendRow(table.Row{"最近调用", stats.Last.Format("2006-01-02 15:04:05")})
	}

	actions := make([]string, 0, len(stats.ByAction))
	for a := range stats.ByAction {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	if len(actions) > 0 {
		t.AppendSeparator()
		for _, a := range actions {
			t.AppendRow(table.Row{a, stats.ByAction[a]})
		}
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}
