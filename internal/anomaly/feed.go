package anomaly

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"binance-perp-guard-go/internal/models"

	json "github.com/goccy/go-json"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// Store 保存异动币种列表，由 persistence.Store 实现
type Store interface {
	SaveAnomalySymbols(ctx context.Context, symbols []string) error
	LoadAnomalySymbols(ctx context.Context) ([]string, error)
}

// Feed 定期拉取持仓量 (OI) 异动币和 OI 排行榜，合并后写入存储，供全市场扫描使用
type Feed struct {
	cfg     models.AnomalyConfig
	client  *http.Client
	store   Store
	exclude map[string]struct{}
	logger  *zap.Logger
	now     func() time.Time
}

// NewFeed 创建异动数据源
func NewFeed(cfg models.AnomalyConfig, store Store, logger *zap.Logger) *Feed {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	exclude := make(map[string]struct{}, len(cfg.Exclude))
	for _, s := range cfg.Exclude {
		exclude[strings.ToUpper(s)] = struct{}{}
	}
	return &Feed{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		store:   store,
		exclude: exclude,
		logger:  logger,
		now:     time.Now,
	}
}

type anomalyResponse struct {
	Data struct {
		Coins []struct {
			Pair  string      `json:"pair"`
			Score interface{} `json:"score"`
		} `json:"coins"`
	} `json:"data"`
}

type rankingResponse struct {
	Data struct {
		Positions []struct {
			Symbol string `json:"symbol"`
		} `json:"positions"`
	} `json:"data"`
}

// Fetch 拉取两个数据源并合并。任一数据源失败都视为本次没有结果
func (f *Feed) Fetch(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})

	if f.cfg.AnomalyURL != "" {
		var resp anomalyResponse
		if err := f.getJSON(ctx, f.cfg.AnomalyURL, &resp); err != nil {
			return nil, fmt.Errorf("获取 OI 异动列表失败: %w", err)
		}
		for _, c := range resp.Data.Coins {
			if c.Pair != "" && cast.ToFloat64(c.Score) > f.cfg.ScoreThreshold {
				set[strings.ToUpper(c.Pair)] = struct{}{}
			}
		}
	}

	if f.cfg.TopRankingURL != "" {
		var resp rankingResponse
		if err := f.getJSON(ctx, f.cfg.TopRankingURL, &resp); err != nil {
			return nil, fmt.Errorf("获取 OI 排行失败: %w", err)
		}
		for _, p := range resp.Data.Positions {
			if p.Symbol != "" {
				set[strings.ToUpper(p.Symbol)] = struct{}{}
			}
		}
	}

	symbols := make([]string, 0, len(set))
	for s := range set {
		if _, skip := f.exclude[s]; !skip {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (f *Feed) getJSON(ctx context.Context, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// Update 执行一次刷新。整 5 分钟节点跳过 (与 K 线收盘的扫描错开)；结果为空时保留旧列表。
// 返回是否写入了新列表。
func (f *Feed) Update(ctx context.Context) (bool, error) {
	now := f.now()
	if now.Minute()%5 == 0 {
		f.logger.Debug("整5分钟节点，跳过异动币更新", zap.String("time", now.Format("15:04")))
		return false, nil
	}
	symbols, err := f.Fetch(ctx)
	if err != nil {
		return false, err
	}
	if len(symbols) == 0 {
		f.logger.Warn("异动币列表为空，不更新")
		return false, nil
	}
	if err := f.store.SaveAnomalySymbols(ctx, symbols); err != nil {
		return false, fmt.Errorf("保存异动币列表失败: %w", err)
	}
	f.logger.Info("异动币列表已更新", zap.Strings("symbols", symbols))
	return true, nil
}

// Run 启动时立即执行一次，之后按 IntervalSec 周期执行，直到 ctx 结束
func (f *Feed) Run(ctx context.Context) {
	interval := time.Duration(f.cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := f.Update(ctx); err != nil {
			f.logger.Warn("异动币更新失败", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
