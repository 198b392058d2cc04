// Package metrics 暴露引擎运行指标 (Prometheus 文本格式)，由 api 服务挂在 /metrics 上。
//
//   - perp_passes_total{kind,result}          调度轮次 (manage|scan, ok|skipped|failed)
//   - perp_pass_duration_seconds{kind}        单轮耗时
//   - perp_decisions_total{action}            决策服务给出的指令
//   - perp_orders_total{type,side}            提交的订单 (market|stop_loss|take_profit)
//   - perp_order_errors_total{op}             被交易所拒绝或网络失败的请求
//   - perp_guard_rejections_total{kind}       风控拦截的止盈止损更新
//   - perp_oracle_latency_seconds             决策服务调用耗时
//   - perp_monitored_symbols                  当前监控的交易对数量
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	passes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_passes_total",
			Help: "Scheduling passes by kind and result",
		},
		[]string{"kind", "result"},
	)

	passDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perp_pass_duration_seconds",
			Help:    "Wall time of a scheduling pass",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
		},
		[]string{"kind"},
	)

	decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_decisions_total",
			Help: "Decisions returned by the oracle",
		},
		[]string{"action"},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_orders_total",
			Help: "Orders submitted to the exchange",
		},
		[]string{"type", "side"},
	)

	orderErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_order_errors_total",
			Help: "Failed exchange requests by operation",
		},
		[]string{"op"},
	)

	guardRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_guard_rejections_total",
			Help: "Stop-loss/take-profit updates rejected by the risk guard",
		},
		[]string{"kind"},
	)

	oracleLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "perp_oracle_latency_seconds",
			Help:    "Latency of decision oracle calls",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		},
	)

	monitored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perp_monitored_symbols",
			Help: "Number of symbols in the monitored set",
		},
	)
)

func init() {
	prometheus.MustRegister(passes, passDuration, decisions)
	prometheus.MustRegister(orders, orderErrors, guardRejections)
	prometheus.MustRegister(oracleLatency, monitored)
}

// Handler 返回 Prometheus 抓取接口
func Handler() http.Handler { return promhttp.Handler() }

func ObservePass(kind, result string, seconds float64) {
	passes.WithLabelValues(kind, result).Inc()
	if result != "skipped" {
		passDuration.WithLabelValues(kind).Observe(seconds)
	}
}

func IncDecision(action string)            { decisions.WithLabelValues(action).Inc() }
func IncOrder(orderType, side string)      { orders.WithLabelValues(orderType, side).Inc() }
func IncOrderError(op string)              { orderErrors.WithLabelValues(op).Inc() }
func IncGuardRejection(kind string)        { guardRejections.WithLabelValues(kind).Inc() }
func ObserveOracleLatency(seconds float64) { oracleLatency.Observe(seconds) }
func SetMonitored(n int)                   { monitored.Set(float64(n)) }
