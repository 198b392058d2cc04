package models

import (
	"fmt"
)

// Config 结构体定义了引擎的所有配置参数
type Config struct {
	IsTestnet     bool   `json:"is_testnet" yaml:"is_testnet"` // 是否使用测试网
	DryRun        bool   `json:"dry_run" yaml:"dry_run"`       // 使用内存模拟交易所，不向币安发单
	LiveAPIURL    string `json:"live_api_url" yaml:"live_api_url"`
	LiveWSURL     string `json:"live_ws_url" yaml:"live_ws_url"`
	TestnetAPIURL string `json:"testnet_api_url" yaml:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url" yaml:"testnet_ws_url"`
	APIKey        string `json:"-" yaml:"-"` // 从环境变量读取
	SecretKey     string `json:"-" yaml:"-"` // 从环境变量读取

	StaticSymbols      []string `json:"static_symbols" yaml:"static_symbols" validate:"required,min=1,dive,required"` // 始终监控的主流币
	Intervals          []string `json:"intervals" yaml:"intervals" validate:"required,min=1,dive,oneof=1m 3m 5m 15m 30m 1h 2h 4h 6h 12h 1d"`
	KlineLimit         int      `json:"kline_limit" yaml:"kline_limit" validate:"gte=20,lte=1500"`
	ExchangeTimeoutSec int      `json:"exchange_timeout_sec" yaml:"exchange_timeout_sec" validate:"gt=0"` // 每次交易所调用的超时
	UserStream         bool     `json:"user_stream" yaml:"user_stream"`                                   // 是否订阅用户数据流（条件单触发提醒）

	Schedule  ScheduleConfig  `json:"schedule" yaml:"schedule"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Oracle    OracleConfig    `json:"oracle" yaml:"oracle"`
	Anomaly   AnomalyConfig   `json:"anomaly" yaml:"anomaly"`
	Telegram  TelegramConfig  `json:"telegram" yaml:"telegram"`
	API       APIConfig       `json:"api" yaml:"api"`
	Paper     PaperConfig     `json:"paper" yaml:"paper"`
	LogConfig LogConfig       `json:"log" yaml:"log"`

	BaseURL   string `json:"base_url" yaml:"base_url"`       // REST API基础地址 (将由程序动态设置)
	WSBaseURL string `json:"ws_base_url" yaml:"ws_base_url"` // WebSocket基础地址 (将由程序动态设置)
}

// ScheduleConfig 定义了双周期调度参数
type ScheduleConfig struct {
	ManageIntervalMin int `json:"manage_interval_min" yaml:"manage_interval_min" validate:"gt=0"` // 持仓管理周期（分钟）
	ScanIntervalMin   int `json:"scan_interval_min" yaml:"scan_interval_min" validate:"gt=0"`     // 全市场扫描周期（分钟），与K线收盘对齐
	ToleranceSec      int `json:"tolerance_sec" yaml:"tolerance_sec" validate:"gte=0"`           // 整点判定容差
	SettleDelaySec    int `json:"settle_delay_sec" yaml:"settle_delay_sec" validate:"gte=0"`     // K线收盘后等待交易所落盘的秒数
	PassTimeoutSec    int `json:"pass_timeout_sec" yaml:"pass_timeout_sec" validate:"gt=0"`      // 单轮调度总超时
	FetchConcurrency  int `json:"fetch_concurrency" yaml:"fetch_concurrency" validate:"gt=0"`    // 行情下载并发数
}

// StoreConfig 定义了持久化存储
type StoreConfig struct {
	Driver string      `json:"driver" yaml:"driver" validate:"oneof=badger redis"`
	Path   string      `json:"path" yaml:"path"` // badger 数据目录
	Redis  RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig redis 连接参数
type RedisConfig struct {
	Addr         string `json:"addr" yaml:"addr"`
	Password     string `json:"password" yaml:"password"`
	DB           int    `json:"db" yaml:"db"`
	PoolSize     int    `json:"pool_size" yaml:"pool_size"`
	MinIdleConns int    `json:"min_idle_conns" yaml:"min_idle_conns"`
}

// OracleConfig 定义了决策服务（OpenAI 兼容接口）
type OracleConfig struct {
	BaseURL     string  `json:"base_url" yaml:"base_url" validate:"required,url"`
	APIKey      string  `json:"-" yaml:"-"` // ORACLE_API_KEY
	Model       string  `json:"model" yaml:"model" validate:"required"`
	Temperature float64 `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens" validate:"gt=0"`
	TimeoutSec  int     `json:"timeout_sec" yaml:"timeout_sec" validate:"gt=0"`
	PromptFile  string  `json:"prompt_file" yaml:"prompt_file"`
}

// AnomalyConfig 定义了异动币种数据源
type AnomalyConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	AnomalyURL     string   `json:"anomaly_url" yaml:"anomaly_url" validate:"omitempty,url"`
	TopRankingURL  string   `json:"top_ranking_url" yaml:"top_ranking_url" validate:"omitempty,url"`
	ScoreThreshold float64  `json:"score_threshold" yaml:"score_threshold"`
	Exclude        []string `json:"exclude" yaml:"exclude"`
	IntervalSec    int      `json:"interval_sec" yaml:"interval_sec" validate:"gte=0"`
	TimeoutSec     int      `json:"timeout_sec" yaml:"timeout_sec" validate:"gte=0"`
}

// TelegramConfig 定义了通知频道
type TelegramConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Token     string `json:"-" yaml:"-"` // TELEGRAM_BOT_TOKEN
	ChatID    int64  `json:"chat_id" yaml:"chat_id" validate:"required_if=Enabled true"`
	Title     string `json:"title" yaml:"title"`
	QueueSize int    `json:"queue_size" yaml:"queue_size" validate:"gte=0"`
}

// APIConfig 定义了历史查询 HTTP 服务
type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" validate:"required_if=Enabled true"`
}

// PaperConfig 模拟交易所的初始参数 (dry_run 模式)
type PaperConfig struct {
	TakerFeeRate float64            `json:"taker_fee_rate" yaml:"taker_fee_rate"`
	MarkPrices   map[string]float64 `json:"mark_prices" yaml:"mark_prices"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}

// Error 定义了币安API返回的错误信息结构
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 BinanceError 实现了 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}

// OrderUpdateEvent 是从用户数据流接收到的订单更新事件的完整结构
type OrderUpdateEvent struct {
	EventType       string          `json:"e"` // Event type, e.g., "ORDER_TRADE_UPDATE"
	EventTime       int64           `json:"E"` // Event time
	TransactionTime int64           `json:"T"` // Transaction time
	Order           OrderUpdateInfo `json:"o"` // Order information
}

// OrderUpdateInfo 包含了订单更新的具体信息
type OrderUpdateInfo struct {
	Symbol        string `json:"s"`  // Symbol
	ClientOrderID string `json:"c"`  // Client Order ID
	Side          string `json:"S"`  // Side
	OrderType     string `json:"o"`  // Order Type
	OrigQty       string `json:"q"`  // Original Quantity
	AvgPrice      string `json:"ap"` // Average Price
	StopPrice     string `json:"sp"` // Stop Price
	ExecutionType string `json:"x"`  // Execution Type
	Status        string `json:"X"`  // Order Status
	OrderID       int64  `json:"i"`  // Order ID
	CumQty        string `json:"z"`  // Cumulative Filled Quantity
	OrigType      string `json:"ot"` // Original Order Type
	PositionSide  string `json:"ps"` // Position Side
	ClosePosition bool   `json:"cp"` // If conditional order, is it close position?
	RealizedPnL   string `json:"rp"` // Realized Profit of the trade
}
