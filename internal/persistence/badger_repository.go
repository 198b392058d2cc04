package persistence

import (
	"context"
	"errors"
	"strings"

	"binance-perp-guard-go/internal/models"

	"github.com/dgraph-io/badger/v3"
	"github.com/goccy/go-json"
)

// badgerRepository 是 Store 的 BadgerDB 实现
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository 打开指定目录下的 BadgerDB
func NewBadgerRepository(dbPath string) (Store, error) {
	return openBadger(badger.DefaultOptions(dbPath))
}

// NewInMemoryRepository 创建不落盘的 BadgerDB，用于 dry-run 与测试
func NewInMemoryRepository() (Store, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (Store, error) {
	// 关掉 Badger 自己的日志，错误仍会通过返回值暴露
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

func (r *badgerRepository) put(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// get 读取并反序列化单个键；键不存在时返回 false
func (r *badgerRepository) get(key []byte, v interface{}) (bool, error) {
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("value is empty in database")
			}
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// scanNewest 按键逆序遍历前缀下的记录，最多 limit 条
func (r *badgerRepository) scanNewest(prefix string, limit int, fn func(val []byte) error) error {
	return r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		seek := append([]byte(prefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if limit > 0 && n >= limit {
				break
			}
			if err := it.Item().Value(fn); err != nil {
				return err
			}
			n++
		}
		return nil
	})
}

func (r *badgerRepository) AppendTrade(_ context.Context, rec models.TradeRecord) error {
	return r.put(logKey(tradePrefix, rec.Time.UnixNano(), rec.ID), rec)
}

func (r *badgerRepository) ListTrades(_ context.Context, limit int) ([]models.TradeRecord, error) {
	var out []models.TradeRecord
	err := r.scanNewest(tradePrefix, limit, func(val []byte) error {
		var rec models.TradeRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (r *badgerRepository) SaveSymbolRules(_ context.Context, rules models.SymbolRules) error {
	return r.put([]byte(rulesPrefix+rules.Symbol), rules)
}

func (r *badgerRepository) LoadSymbolRules(_ context.Context, symbol string) (*models.SymbolRules, error) {
	var rules models.SymbolRules
	ok, err := r.get([]byte(rulesPrefix+symbol), &rules)
	if err != nil || !ok {
		return nil, err
	}
	return &rules, nil
}

func (r *badgerRepository) SaveMonitored(_ context.Context, symbols []string) error {
	return r.put([]byte(monitoredKey), symbols)
}

func (r *badgerRepository) LoadMonitored(_ context.Context) ([]string, error) {
	var symbols []string
	_, err := r.get([]byte(monitoredKey), &symbols)
	return symbols, err
}

func (r *badgerRepository) SaveAnomalySymbols(_ context.Context, symbols []string) error {
	return r.put([]byte(anomalyKey), symbols)
}

func (r *badgerRepository) LoadAnomalySymbols(_ context.Context) ([]string, error) {
	var symbols []string
	_, err := r.get([]byte(anomalyKey), &symbols)
	return symbols, err
}

func (r *badgerRepository) AppendOracleRecord(_ context.Context, rec models.OracleRecord) error {
	return r.put(logKey(oraclePrefix, rec.Timestamp.UnixNano(), rec.ID), rec)
}

func (r *badgerRepository) ListOracleRecords(_ context.Context, limit int) ([]models.OracleRecord, error) {
	var out []models.OracleRecord
	err := r.scanNewest(oraclePrefix, limit, func(val []byte) error {
		var rec models.OracleRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (r *badgerRepository) SaveKlines(_ context.Context, symbol, interval string, klines []models.Kline) error {
	return r.put(klineKey(symbol, interval), klines)
}

func (r *badgerRepository) LoadKlines(_ context.Context, symbol, interval string) ([]models.Kline, error) {
	var klines []models.Kline
	_, err := r.get(klineKey(symbol, interval), &klines)
	return klines, err
}

func (r *badgerRepository) DeleteKlines(_ context.Context, symbol string) error {
	prefix := []byte(klinePrefix + symbol + ":")
	return r.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *badgerRepository) KlineSymbols(_ context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var symbols []string
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(klinePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(klinePrefix)); it.ValidForPrefix([]byte(klinePrefix)); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), klinePrefix)
			symbol, _, _ := strings.Cut(rest, ":")
			if !seen[symbol] {
				seen[symbol] = true
				symbols = append(symbols, symbol)
			}
		}
		return nil
	})
	return symbols, err
}

// Close 关闭数据库
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
