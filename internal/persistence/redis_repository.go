package persistence

import (
	"context"
	"errors"
	"fmt"

	"binance-perp-guard-go/internal/models"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const redisNamespace = "perp:"

// redisRepository 是 Store 的 Redis 实现，追加日志使用 list，其余使用普通键
type redisRepository struct {
	rc *redis.Client
}

// NewRedisRepository 连接 Redis 并做一次 Ping
func NewRedisRepository(cfg models.RedisConfig) (Store, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
	if err := rc.Ping(context.Background()).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("连接 redis %s 失败: %w", cfg.Addr, err)
	}
	return newRedisRepository(rc), nil
}

func newRedisRepository(rc *redis.Client) *redisRepository {
	return &redisRepository{rc: rc}
}

func rkey(k string) string {
	return redisNamespace + k
}

func (r *redisRepository) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.rc.Set(ctx, rkey(key), data, 0).Err()
}

func (r *redisRepository) getJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := r.rc.Get(ctx, rkey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, v)
}

func (r *redisRepository) push(ctx context.Context, list string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.rc.RPush(ctx, rkey(list), data).Err()
}

// newest 取列表尾部的 limit 条并按新到旧返回
func (r *redisRepository) newest(ctx context.Context, list string, limit int) ([]string, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	items, err := r.rc.LRange(ctx, rkey(list), start, -1).Result()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (r *redisRepository) AppendTrade(ctx context.Context, rec models.TradeRecord) error {
	return r.push(ctx, "trades", rec)
}

func (r *redisRepository) ListTrades(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	items, err := r.newest(ctx, "trades", limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.TradeRecord, 0, len(items))
	for _, it := range items {
		var rec models.TradeRecord
		if err := json.Unmarshal([]byte(it), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *redisRepository) SaveSymbolRules(ctx context.Context, rules models.SymbolRules) error {
	data, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	return r.rc.HSet(ctx, rkey("rules"), rules.Symbol, data).Err()
}

func (r *redisRepository) LoadSymbolRules(ctx context.Context, symbol string) (*models.SymbolRules, error) {
	data, err := r.rc.HGet(ctx, rkey("rules"), symbol).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rules models.SymbolRules
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, err
	}
	return &rules, nil
}

func (r *redisRepository) SaveMonitored(ctx context.Context, symbols []string) error {
	return r.setJSON(ctx, monitoredKey, symbols)
}

func (r *redisRepository) LoadMonitored(ctx context.Context) ([]string, error) {
	var symbols []string
	_, err := r.getJSON(ctx, monitoredKey, &symbols)
	return symbols, err
}

func (r *redisRepository) SaveAnomalySymbols(ctx context.Context, symbols []string) error {
	return r.setJSON(ctx, anomalyKey, symbols)
}

func (r *redisRepository) LoadAnomalySymbols(ctx context.Context) ([]string, error) {
	var symbols []string
	_, err := r.getJSON(ctx, anomalyKey, &symbols)
	return symbols, err
}

func (r *redisRepository) AppendOracleRecord(ctx context.Context, rec models.OracleRecord) error {
	return r.push(ctx, "oracle_history", rec)
}

func (r *redisRepository) ListOracleRecords(ctx context.Context, limit int) ([]models.OracleRecord, error) {
	items, err := r.newest(ctx, "oracle_history", limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.OracleRecord, 0, len(items))
	for _, it := range items {
		var rec models.OracleRecord
		if err := json.Unmarshal([]byte(it), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *redisRepository) SaveKlines(ctx context.Context, symbol, interval string, klines []models.Kline) error {
	data, err := json.Marshal(klines)
	if err != nil {
		return err
	}
	_, err = r.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, rkey(string(klineKey(symbol, ""))), interval, data)
		p.SAdd(ctx, rkey("kline_symbols"), symbol)
		return nil
	})
	return err
}

func (r *redisRepository) LoadKlines(ctx context.Context, symbol, interval string) ([]models.Kline, error) {
	data, err := r.rc.HGet(ctx, rkey(string(klineKey(symbol, ""))), interval).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var klines []models.Kline
	return klines, json.Unmarshal(data, &klines)
}

func (r *redisRepository) DeleteKlines(ctx context.Context, symbol string) error {
	_, err := r.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, rkey(string(klineKey(symbol, ""))))
		p.SRem(ctx, rkey("kline_symbols"), symbol)
		return nil
	})
	return err
}

func (r *redisRepository) KlineSymbols(ctx context.Context) ([]string, error) {
	return r.rc.SMembers(ctx, rkey("kline_symbols")).Result()
}

func (r *redisRepository) Close() error {
	return r.rc.Close()
}
