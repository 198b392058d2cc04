package persistence

import (
	"context"
	"fmt"

	"binance-perp-guard-go/internal/models"
)

// Store 是引擎使用的持久化接口，屏蔽了底层存储 (BadgerDB / Redis)。
// 所有 Load* 方法在数据不存在时返回零值和 nil 错误。
type Store interface {
	// AppendTrade 追加一条交易日志，已写入的记录不会再被修改
	AppendTrade(ctx context.Context, rec models.TradeRecord) error
	// ListTrades 返回最近的 limit 条交易日志，新的在前；limit<=0 表示全部
	ListTrades(ctx context.Context, limit int) ([]models.TradeRecord, error)

	SaveSymbolRules(ctx context.Context, rules models.SymbolRules) error
	LoadSymbolRules(ctx context.Context, symbol string) (*models.SymbolRules, error)

	// SaveMonitored 覆盖当前监控的交易对集合
	SaveMonitored(ctx context.Context, symbols []string) error
	LoadMonitored(ctx context.Context) ([]string, error)

	// SaveAnomalySymbols 覆盖异动币种列表
	SaveAnomalySymbols(ctx context.Context, symbols []string) error
	LoadAnomalySymbols(ctx context.Context) ([]string, error)

	AppendOracleRecord(ctx context.Context, rec models.OracleRecord) error
	ListOracleRecords(ctx context.Context, limit int) ([]models.OracleRecord, error)

	SaveKlines(ctx context.Context, symbol, interval string, klines []models.Kline) error
	LoadKlines(ctx context.Context, symbol, interval string) ([]models.Kline, error)
	// DeleteKlines 删除某个交易对所有周期的K线缓存
	DeleteKlines(ctx context.Context, symbol string) error
	// KlineSymbols 返回当前有K线缓存的交易对
	KlineSymbols(ctx context.Context) ([]string, error)

	Close() error
}

// Open 按配置创建对应的存储实现
func Open(cfg models.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "badger":
		return NewBadgerRepository(cfg.Path)
	case "redis":
		return NewRedisRepository(cfg.Redis)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

const (
	tradePrefix   = "trade:"
	oraclePrefix  = "oracle:"
	rulesPrefix   = "rules:"
	klinePrefix   = "kline:"
	monitoredKey  = "monitored_symbols"
	anomalyKey    = "anomaly_symbols"
	keyTimeLayout = "%020d"
)

// logKey 生成按时间排序的追加日志键: <prefix><纳秒时间戳>:<id>
func logKey(prefix string, unixNano int64, id string) []byte {
	return []byte(prefix + fmt.Sprintf(keyTimeLayout, unixNano) + ":" + id)
}

func klineKey(symbol, interval string) []byte {
	return []byte(klinePrefix + symbol + ":" + interval)
}
