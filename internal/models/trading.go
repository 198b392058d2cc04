package models

import (
	"strings"
	"time"
)

// Side 定义了订单方向
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// PositionSide 定义了双向持仓模式下的持仓方向
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// Opposite 返回反方向
func (s PositionSide) Opposite() PositionSide {
	if s == Long {
		return Short
	}
	return Long
}

// OpenSide 返回在该持仓方向上开仓所用的订单方向
func (s PositionSide) OpenSide() Side {
	if s == Long {
		return Buy
	}
	return Sell
}

// CloseSide 返回在该持仓方向上平仓所用的订单方向
func (s PositionSide) CloseSide() Side {
	if s == Long {
		return Sell
	}
	return Buy
}

// Position 是交易所持仓的本地快照，每轮调度刷新一次
type Position struct {
	Symbol        string  `json:"symbol"`
	Size          float64 `json:"size"` // 正数为多，负数为空，0 表示无持仓
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Leverage      int     `json:"leverage"`
}

// IsOpen 报告是否有非零持仓
func (p *Position) IsOpen() bool {
	return p != nil && p.Size != 0
}

// Side 由持仓数量的符号推断持仓方向
func (p *Position) Side() PositionSide {
	if p.Size < 0 {
		return Short
	}
	return Long
}

// AbsSize 返回持仓数量的绝对值
func (p *Position) AbsSize() float64 {
	if p.Size < 0 {
		return -p.Size
	}
	return p.Size
}

// PnLPercent 按持仓方向计算的浮动盈亏百分比
func (p *Position) PnLPercent() float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	if p.Size > 0 {
		return (p.MarkPrice - p.EntryPrice) / p.EntryPrice * 100
	}
	return (p.EntryPrice - p.MarkPrice) / p.EntryPrice * 100
}

// Action 是决策动作的封闭枚举
type Action int

const (
	ActionUnknown Action = iota
	ActionOpenLong
	ActionOpenShort
	ActionCloseLong
	ActionCloseShort
	ActionReverse
	ActionIncreasePosition
	ActionDecreasePosition
	ActionUpdateStopLoss
	ActionUpdateTakeProfit
	ActionHold
	ActionWait
)

var actionNames = map[Action]string{
	ActionOpenLong:         "open_long",
	ActionOpenShort:        "open_short",
	ActionCloseLong:        "close_long",
	ActionCloseShort:       "close_short",
	ActionReverse:          "reverse",
	ActionIncreasePosition: "increase_position",
	ActionDecreasePosition: "decrease_position",
	ActionUpdateStopLoss:   "update_stop_loss",
	ActionUpdateTakeProfit: "update_take_profit",
	ActionHold:             "hold",
	ActionWait:             "wait",
}

// String implements fmt.Stringer.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

// ParseAction 将决策服务返回的字符串转换为枚举，无法识别时返回 false
func ParseAction(s string) (Action, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a, name := range actionNames {
		if name == s {
			return a, true
		}
	}
	return ActionUnknown, false
}

// MarshalText 让 Action 以名称形式序列化
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText 允许从名称反序列化，未知名称映射为 ActionUnknown
func (a *Action) UnmarshalText(text []byte) error {
	*a, _ = ParseAction(string(text))
	return nil
}

// Decision 是决策服务给出的单条指令，收到后不可修改，只被执行一次
type Decision struct {
	Symbol       string   `json:"symbol"`
	Action       Action   `json:"action"`
	StopLoss     *float64 `json:"stop_loss,omitempty"`
	TakeProfit   *float64 `json:"take_profit,omitempty"`
	PositionSize *float64 `json:"position_size,omitempty"` // 计价货币名义金额
	Quantity     *float64 `json:"quantity,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// ConditionalKind 区分止损和止盈条件单
type ConditionalKind string

const (
	StopLoss   ConditionalKind = "stop_loss"
	TakeProfit ConditionalKind = "take_profit"
)

// ConditionalOrder 是挂在交易所上的止损/止盈条件单
type ConditionalOrder struct {
	Symbol        string          `json:"symbol"`
	PositionSide  PositionSide    `json:"position_side"`
	Kind          ConditionalKind `json:"kind"`
	TriggerPrice  float64         `json:"trigger_price"`
	OrderID       int64           `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
}

// Order 是交易所返回的普通挂单
type Order struct {
	Symbol        string       `json:"symbol"`
	OrderID       int64        `json:"order_id"`
	ClientOrderID string       `json:"client_order_id"`
	Side          Side         `json:"side"`
	PositionSide  PositionSide `json:"position_side"`
	Type          string       `json:"type"`
	Status        string       `json:"status"`
	Price         float64      `json:"price"`
	StopPrice     float64      `json:"stop_price"`
	OrigQty       float64      `json:"orig_qty"`
}

// OrderResult 是市价单的提交结果
type OrderResult struct {
	Symbol        string       `json:"symbol"`
	OrderID       int64        `json:"order_id"`
	ClientOrderID string       `json:"client_order_id"`
	Side          Side         `json:"side"`
	PositionSide  PositionSide `json:"position_side"`
	Quantity      float64      `json:"quantity"`
	AvgPrice      float64      `json:"avg_price"`
	Status        string       `json:"status"`
}

// SymbolRules 是交易所对单个交易对的量化规则
type SymbolRules struct {
	Symbol      string  `json:"symbol"`
	StepSize    float64 `json:"step_size"`
	MinQty      float64 `json:"min_qty"`
	MinNotional float64 `json:"min_notional"`
	TickSize    float64 `json:"tick_size"`
	MinPrice    float64 `json:"min_price"`
	MaxPrice    float64 `json:"max_price"`
}

// TradeRecord 是追加式交易日志中的一条记录，写入后不再修改
type TradeRecord struct {
	ID            string       `json:"id"`
	Time          time.Time    `json:"time"`
	Symbol        string       `json:"symbol"`
	Action        Action       `json:"action"`
	Side          Side         `json:"side"`
	PositionSide  PositionSide `json:"position_side"`
	Type          string       `json:"type"`
	Price         float64      `json:"price"` // 下单时的标记价格
	Quantity      float64      `json:"quantity"`
	OrderID       int64        `json:"order_id"`
	ClientOrderID string       `json:"client_order_id"`
	Status        string       `json:"status"`
}

// ExecutionResult 汇总一条决策实际产生的订单
type ExecutionResult struct {
	Decision   Decision           `json:"decision"`
	MarkPrice  float64            `json:"mark_price"`
	Orders     []OrderResult      `json:"orders,omitempty"`
	Protective []ConditionalOrder `json:"protective,omitempty"`
}

// OracleRecord 是一次决策服务调用的请求/响应历史
type OracleRecord struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	PassKind   string     `json:"pass_kind"`
	Request    string     `json:"request"`
	RawReply   string     `json:"response_raw,omitempty"`
	Decisions  []Decision `json:"response_json,omitempty"`
	StatusCode int        `json:"status_code"`
	CostMs     int64      `json:"cost_ms"`
	Error      string     `json:"error,omitempty"`
}
