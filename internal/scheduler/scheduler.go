package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"binance-perp-guard-go/internal/metrics"
	"binance-perp-guard-go/internal/models"
	"binance-perp-guard-go/internal/oracle"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrOracle 表示本轮没有拿到决策 (超时或调用失败)
	ErrOracle = errors.New("decision oracle unavailable")
	// ErrPassPanic 表示调度轮次内部发生 panic，已被捕获
	ErrPassPanic = errors.New("scheduling pass panicked")
)

// Gateway 是调度需要的交易所读接口
type Gateway interface {
	Positions(ctx context.Context) ([]models.Position, error)
	OpenConditionalOrders(ctx context.Context, symbol string) ([]models.ConditionalOrder, error)
}

// MarketData 刷新行情并清理不再监控的缓存，由 marketdata.Service 实现
type MarketData interface {
	Refresh(ctx context.Context, symbols []string) (map[string]map[string]models.SeriesSnapshot, error)
	Evict(ctx context.Context, keep []string) ([]string, error)
}

// Executor 执行单条决策，由 executor.Executor 实现
type Executor interface {
	Execute(ctx context.Context, d models.Decision) (*models.ExecutionResult, error)
}

// Notifier 异步播报执行结果，由 notifier.Dispatcher 实现
type Notifier interface {
	Notify(results []models.ExecutionResult)
}

// Store 持久化监控集合并提供异动币列表
type Store interface {
	SaveMonitored(ctx context.Context, symbols []string) error
	LoadAnomalySymbols(ctx context.Context) ([]string, error)
}

// Options 控制两个调度循环的节奏
type Options struct {
	ManageEvery   time.Duration // 持仓管理周期
	ScanEvery     time.Duration // 全市场扫描周期，对齐 K 线收盘
	Tolerance     time.Duration // 整点判定容差
	Settle        time.Duration // 收盘后等待的时间
	PassTimeout   time.Duration // 单轮总超时
	OracleTimeout time.Duration
	StaticSymbols []string
}

// OptionsFromConfig 从配置构建调度参数
func OptionsFromConfig(cfg *models.Config) Options {
	return Options{
		ManageEvery:   time.Duration(cfg.Schedule.ManageIntervalMin) * time.Minute,
		ScanEvery:     time.Duration(cfg.Schedule.ScanIntervalMin) * time.Minute,
		Tolerance:     time.Duration(cfg.Schedule.ToleranceSec) * time.Second,
		Settle:        time.Duration(cfg.Schedule.SettleDelaySec) * time.Second,
		PassTimeout:   time.Duration(cfg.Schedule.PassTimeoutSec) * time.Second,
		OracleTimeout: time.Duration(cfg.Oracle.TimeoutSec) * time.Second,
		StaticSymbols: cfg.StaticSymbols,
	}
}

var allowedActions = map[models.PassKind]map[models.Action]bool{
	// 持仓管理不允许建立新敞口
	models.ManagePass: {
		models.ActionCloseLong:        true,
		models.ActionCloseShort:       true,
		models.ActionReverse:          true,
		models.ActionUpdateStopLoss:   true,
		models.ActionUpdateTakeProfit: true,
	},
	models.ScanPass: {
		models.ActionOpenLong:         true,
		models.ActionOpenShort:        true,
		models.ActionCloseLong:        true,
		models.ActionCloseShort:       true,
		models.ActionReverse:          true,
		models.ActionUpdateStopLoss:   true,
		models.ActionUpdateTakeProfit: true,
		models.ActionIncreasePosition: true,
		models.ActionDecreasePosition: true,
	},
}

// Scheduler 运行持仓管理和全市场扫描两个循环。
// 两种调度轮次共用一把 runLock，同一时刻只有一轮在执行，监控集合只在持锁期间修改。
type Scheduler struct {
	runLock  sync.Mutex
	universe *Universe

	gateway  Gateway
	market   MarketData
	oracle   oracle.Oracle
	executor Executor
	notifier Notifier
	store    Store
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// New 创建调度器
func New(gateway Gateway, market MarketData, o oracle.Oracle, executor Executor, notifier Notifier, store Store, opts Options, logger *zap.Logger) *Scheduler {
	if opts.ManageEvery <= 0 {
		opts.ManageEvery = 3 * time.Minute
	}
	if opts.ScanEvery <= 0 {
		opts.ScanEvery = 15 * time.Minute
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = 3 * time.Second
	}
	return &Scheduler{
		universe: NewUniverse(),
		gateway:  gateway,
		market:   market,
		oracle:   o,
		executor: executor,
		notifier: notifier,
		store:    store,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Run 启动两个循环，阻塞到 ctx 结束
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("调度器启动",
		zap.Duration("manage_every", s.opts.ManageEvery),
		zap.Duration("scan_every", s.opts.ScanEvery),
		zap.Strings("static_symbols", s.opts.StaticSymbols))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.loop(ctx, models.ManagePass, func(now time.Time) time.Time { return nextManageWake(now, s.opts.ManageEvery) })
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, models.ScanPass, func(now time.Time) time.Time { return nextScanWake(now, s.opts.ScanEvery, s.opts.Settle) })
	}()
	wg.Wait()
	s.logger.Info("调度器已停止")
}

// loop 按墙钟计算下一次唤醒时间，而不是固定间隔的 ticker，重启后仍与 K 线对齐
func (s *Scheduler) loop(ctx context.Context, kind models.PassKind, next func(time.Time) time.Time) {
	for {
		wake := next(s.now())
		timer := time.NewTimer(time.Until(wake))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		report, err := s.runOnce(ctx, kind, wake)
		if err != nil {
			s.logger.Error("调度轮次失败", zap.String("kind", string(kind)), zap.String("pass", report.ID), zap.Error(err))
		}
	}
}

// runOnce 在循环边界捕获 panic，单轮失败后循环继续
func (s *Scheduler) runOnce(ctx context.Context, kind models.PassKind, at time.Time) (report models.PassReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ObservePass(string(kind), "failed", 0)
			err = fmt.Errorf("%w: %v", ErrPassPanic, r)
		}
	}()
	if kind == models.ManagePass {
		return s.RunManage(ctx, at)
	}
	return s.RunScan(ctx, at)
}

// RunManage 执行一轮持仓管理。at 同时是 ScanEvery 整点时让给扫描轮次。
func (s *Scheduler) RunManage(ctx context.Context, at time.Time) (models.PassReport, error) {
	if onBoundary(at, s.opts.ScanEvery, s.opts.Tolerance) {
		report := models.PassReport{ID: uuid.NewString(), Kind: models.ManagePass, Started: at, Skipped: "scan boundary"}
		metrics.ObservePass(string(models.ManagePass), "skipped", 0)
		s.logger.Debug("与扫描整点重合，跳过持仓管理", zap.Time("at", at))
		return report, nil
	}
	return s.runPass(ctx, models.ManagePass, at)
}

// RunScan 执行一轮全市场扫描
func (s *Scheduler) RunScan(ctx context.Context, at time.Time) (models.PassReport, error) {
	return s.runPass(ctx, models.ScanPass, at)
}

func (s *Scheduler) runPass(ctx context.Context, kind models.PassKind, at time.Time) (report models.PassReport, err error) {
	s.runLock.Lock()
	defer s.runLock.Unlock()

	report = models.PassReport{ID: uuid.NewString(), Kind: kind, Started: at}
	log := s.logger.With(zap.String("kind", string(kind)), zap.String("pass", report.ID))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("调度轮次发生 panic", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("%w: %v", ErrPassPanic, r)
		}
		report.Duration = time.Since(start)
		result := "ok"
		switch {
		case err != nil:
			result = "failed"
		case report.Skipped != "":
			result = "skipped"
		}
		metrics.ObservePass(string(kind), result, report.Duration.Seconds())
	}()

	if s.opts.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.PassTimeout)
		defer cancel()
	}

	// 1. 持仓每轮都从交易所重新读取
	positions, err := s.gateway.Positions(ctx)
	if err != nil {
		return report, fmt.Errorf("刷新持仓失败: %w", err)
	}
	if kind == models.ManagePass && len(positions) == 0 {
		report.Skipped = "no open positions"
		log.Debug("当前无持仓，跳过持仓管理")
		return report, nil
	}

	// 2. 重建监控集合
	s.universe.Replace(s.universeFor(ctx, kind, positions))
	symbols := s.universe.Symbols()
	report.Symbols = symbols
	metrics.SetMonitored(len(symbols))
	if err := s.store.SaveMonitored(ctx, symbols); err != nil {
		log.Warn("保存监控集合失败", zap.Error(err))
	}
	log.Info("开始调度轮次", zap.Strings("symbols", symbols), zap.Int("positions", len(positions)))
	// 只在扫描轮次清理缓存，持仓管理的监控集合不含主流币和异动币
	if kind == models.ScanPass {
		defer s.evict(ctx, log)
	}

	// 3. 行情与指标
	series, err := s.market.Refresh(ctx, symbols)
	if err != nil {
		log.Warn("部分行情刷新失败", zap.Error(err))
	}

	snapshot := &models.MarketSnapshot{
		Time:       at,
		Kind:       kind,
		Symbols:    symbols,
		Positions:  positions,
		Protective: s.protective(ctx, log),
		Series:     series,
	}

	// 4. 决策服务，超时或失败视为本轮无信号
	decisions, err := s.decide(ctx, snapshot)
	if err != nil {
		return report, err
	}
	report.Decisions = len(decisions)
	if len(decisions) == 0 {
		log.Info("决策服务未返回有效信号，本轮不下单")
		return report, nil
	}
	for _, d := range decisions {
		metrics.IncDecision(d.Action.String())
	}

	// 5. 过滤并按交易对并发执行
	runnable := s.filter(kind, decisions, log)
	results, execErr := s.dispatch(ctx, runnable)
	report.Executed = len(results)
	report.Failed = len(multierr.Errors(execErr))
	if execErr != nil {
		log.Warn("部分决策执行失败", zap.Error(execErr))
	}

	// 6. 只播报实际执行了的决策
	if len(results) > 0 && s.notifier != nil {
		s.notifier.Notify(results)
	}

	log.Info("调度轮次完成",
		zap.Int("decisions", report.Decisions),
		zap.Int("runnable", len(runnable)),
		zap.Int("executed", report.Executed),
		zap.Int("failed", report.Failed),
		zap.Duration("cost", time.Since(start)))
	return report, nil
}

// universeFor 持仓管理只看持仓币；扫描为主流币 ∪ 持仓币 ∪ 异动币
func (s *Scheduler) universeFor(ctx context.Context, kind models.PassKind, positions []models.Position) []string {
	var symbols []string
	if kind == models.ScanPass {
		symbols = append(symbols, s.opts.StaticSymbols...)
	}
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	if kind == models.ScanPass {
		anomaly, err := s.store.LoadAnomalySymbols(ctx)
		if err != nil {
			s.logger.Warn("读取异动币列表失败", zap.Error(err))
		}
		symbols = append(symbols, anomaly...)
	}
	return symbols
}

// protective 读取全部挂着的止盈止损，按交易对分组
func (s *Scheduler) protective(ctx context.Context, log *zap.Logger) map[string][]models.ConditionalOrder {
	orders, err := s.gateway.OpenConditionalOrders(ctx, "")
	if err != nil {
		log.Warn("读取条件单失败，快照中不含止盈止损", zap.Error(err))
		return nil
	}
	out := make(map[string][]models.ConditionalOrder)
	for _, o := range orders {
		out[o.Symbol] = append(out[o.Symbol], o)
	}
	return out
}

func (s *Scheduler) decide(ctx context.Context, snapshot *models.MarketSnapshot) ([]models.Decision, error) {
	if s.opts.OracleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.OracleTimeout)
		defer cancel()
	}
	decisions, err := s.oracle.Decide(ctx, snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracle, err)
	}
	return decisions, nil
}

// filter 丢弃本轮不允许的动作和不在监控集合内的交易对
func (s *Scheduler) filter(kind models.PassKind, decisions []models.Decision, log *zap.Logger) []models.Decision {
	allowed := allowedActions[kind]
	out := make([]models.Decision, 0, len(decisions))
	for _, d := range decisions {
		switch {
		case !allowed[d.Action]:
			if d.Action != models.ActionHold && d.Action != models.ActionWait {
				log.Info("动作不允许在本轮执行，已忽略", zap.String("symbol", d.Symbol), zap.Stringer("action", d.Action))
			}
		case !s.universe.Contains(d.Symbol):
			log.Warn("交易对不在监控集合内，已忽略", zap.String("symbol", d.Symbol), zap.Stringer("action", d.Action))
		default:
			out = append(out, d)
		}
	}
	return out
}

// dispatch 每个交易对一个 goroutine，同一交易对的决策按顺序执行。
// 单个交易对失败或 panic 不影响其他交易对，所有错误合并返回。
func (s *Scheduler) dispatch(ctx context.Context, decisions []models.Decision) ([]models.ExecutionResult, error) {
	bySymbol := make(map[string][]models.Decision)
	var order []string
	for _, d := range decisions {
		if _, ok := bySymbol[d.Symbol]; !ok {
			order = append(order, d.Symbol)
		}
		bySymbol[d.Symbol] = append(bySymbol[d.Symbol], d)
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []models.ExecutionResult
		errs    error
	)
	for _, symbol := range order {
		wg.Add(1)
		go func(symbol string, ds []models.Decision) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("执行决策时发生 panic", zap.String("symbol", symbol), zap.Any("panic", r))
					mu.Lock()
					errs = multierr.Append(errs, fmt.Errorf("%s: panic: %v", symbol, r))
					mu.Unlock()
				}
			}()
			for _, d := range ds {
				res, err := s.executor.Execute(ctx, d)
				mu.Lock()
				if err != nil {
					errs = multierr.Append(errs, fmt.Errorf("%s %s: %w", symbol, d.Action, err))
				}
				if executed(res) {
					results = append(results, *res)
				}
				mu.Unlock()
			}
		}(symbol, bySymbol[symbol])
	}
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool { return results[i].Decision.Symbol < results[j].Decision.Symbol })
	return results, errs
}

func executed(res *models.ExecutionResult) bool {
	return res != nil && (len(res.Orders) > 0 || len(res.Protective) > 0)
}

// evict 删除已不在监控集合内的交易对的K线缓存
func (s *Scheduler) evict(ctx context.Context, log *zap.Logger) {
	// 本轮超时后仍然要清理
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	removed, err := s.market.Evict(ctx, s.universe.Symbols())
	if err != nil {
		log.Warn("清理K线缓存失败", zap.Error(err))
		return
	}
	if len(removed) > 0 {
		log.Info("已清理无效缓存币", zap.Strings("symbols", removed))
	}
}
