package marketdata

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"binance-perp-guard-go/internal/models"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Cache 是K线缓存，由 persistence.Store 实现
type Cache interface {
	SaveKlines(ctx context.Context, symbol, interval string, klines []models.Kline) error
	LoadKlines(ctx context.Context, symbol, interval string) ([]models.Kline, error)
	DeleteKlines(ctx context.Context, symbol string) error
	KlineSymbols(ctx context.Context) ([]string, error)
}

// Options 控制下载范围
type Options struct {
	Intervals   []string
	Limit       int // 每个周期下载的K线数量
	FeedBars    int // 投喂给决策服务的最近K线数量
	Concurrency int
}

// Service 负责刷新行情、计算指标并维护K线缓存
type Service struct {
	source KlineSource
	cache  Cache
	opts   Options
	logger *zap.Logger
}

// NewService 创建行情服务
func NewService(source KlineSource, cache Cache, opts Options, logger *zap.Logger) *Service {
	if opts.Limit <= 0 {
		opts.Limit = 150
	}
	if opts.FeedBars <= 0 {
		opts.FeedBars = 20
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Service{source: source, cache: cache, opts: opts, logger: logger}
}

type job struct {
	symbol   string
	interval string
}

// Refresh 并发下载 symbols × intervals 的K线并计算指标。
// 单个下载失败时回退到缓存；没有任何可用数据的交易对不会出现在结果中。
// 返回的错误汇总了所有失败的下载，结果仍然可用。
func (s *Service) Refresh(ctx context.Context, symbols []string) (map[string]map[string]models.SeriesSnapshot, error) {
	jobs := make(chan job)
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		errs   error
		series = make(map[string]map[string]models.SeriesSnapshot)
	)

	for i := 0; i < s.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				snap, err := s.refreshOne(ctx, j.symbol, j.interval)
				mu.Lock()
				if err != nil {
					errs = multierr.Append(errs, err)
				}
				if snap != nil {
					if series[j.symbol] == nil {
						series[j.symbol] = make(map[string]models.SeriesSnapshot)
					}
					series[j.symbol][j.interval] = *snap
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, symbol := range symbols {
		for _, interval := range s.opts.Intervals {
			select {
			case jobs <- job{symbol: symbol, interval: interval}:
			case <-ctx.Done():
				mu.Lock()
				errs = multierr.Append(errs, ctx.Err())
				mu.Unlock()
				break feed
			}
		}
	}
	close(jobs)
	wg.Wait()

	s.logger.Debug("行情刷新完成", zap.Int("symbols", len(series)), zap.Int("requested", len(symbols)))
	return series, errs
}

func (s *Service) refreshOne(ctx context.Context, symbol, interval string) (*models.SeriesSnapshot, error) {
	klines, err := s.source.Klines(ctx, symbol, interval, s.opts.Limit)
	if err == nil && len(klines) > 0 {
		if cerr := s.cache.SaveKlines(ctx, symbol, interval, klines); cerr != nil {
			s.logger.Warn("写入K线缓存失败", zap.String("symbol", symbol), zap.String("interval", interval), zap.Error(cerr))
		}
	} else {
		cached, cerr := s.cache.LoadKlines(ctx, symbol, interval)
		if cerr != nil || len(cached) == 0 {
			if err == nil {
				err = fmt.Errorf("%s %s 没有K线数据", symbol, interval)
			}
			return nil, err
		}
		s.logger.Warn("K线下载失败，使用缓存", zap.String("symbol", symbol), zap.String("interval", interval), zap.Error(err))
		klines = cached
	}

	feed := klines
	if len(feed) > s.opts.FeedBars {
		feed = feed[len(feed)-s.opts.FeedBars:]
	}
	return &models.SeriesSnapshot{
		Interval:   interval,
		Klines:     append([]models.Kline(nil), feed...),
		Indicators: ComputeIndicators(klines),
	}, err
}

// Evict 删除不在 keep 中的交易对的K线缓存，返回被删除的交易对
func (s *Service) Evict(ctx context.Context, keep []string) ([]string, error) {
	cached, err := s.cache.KlineSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取K线缓存列表失败: %w", err)
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, sym := range keep {
		keepSet[sym] = struct{}{}
	}

	var evicted []string
	var errs error
	for _, sym := range cached {
		if _, ok := keepSet[sym]; ok {
			continue
		}
		if err := s.cache.DeleteKlines(ctx, sym); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		evicted = append(evicted, sym)
	}
	sort.Strings(evicted)
	if len(evicted) > 0 {
		s.logger.Info("已清理K线缓存", zap.Strings("symbols", evicted))
	}
	return evicted, errs
}
