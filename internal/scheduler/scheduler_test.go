package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"binance-perp-guard-go/internal/exchange"
	"binance-perp-guard-go/internal/executor"
	"binance-perp-guard-go/internal/models"
	"binance-perp-guard-go/internal/normalizer"
	"binance-perp-guard-go/internal/persistence"
	"binance-perp-guard-go/internal/reconciler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockGateway struct {
	mu        sync.Mutex
	positions []models.Position
	orders    []models.ConditionalOrder
	posErr    error
	posCalls  int
}

func (m *mockGateway) Positions(context.Context) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posCalls++
	return append([]models.Position(nil), m.positions...), m.posErr
}

func (m *mockGateway) OpenConditionalOrders(context.Context, string) ([]models.ConditionalOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ConditionalOrder(nil), m.orders...), nil
}

type mockMarket struct {
	mu        sync.Mutex
	refreshed [][]string
	kept      [][]string
}

func (m *mockMarket) Refresh(_ context.Context, symbols []string) (map[string]map[string]models.SeriesSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshed = append(m.refreshed, symbols)
	return map[string]map[string]models.SeriesSnapshot{}, nil
}

func (m *mockMarket) Evict(_ context.Context, keep []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kept = append(m.kept, keep)
	return nil, nil
}

func (m *mockMarket) evictions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.kept)
}

// mockOracle 记录收到的快照
type mockOracle struct {
	mu    sync.Mutex
	calls int
	snaps []*models.MarketSnapshot
	fn    func(ctx context.Context, snap *models.MarketSnapshot) ([]models.Decision, error)
}

func (m *mockOracle) Decide(ctx context.Context, snap *models.MarketSnapshot) ([]models.Decision, error) {
	m.mu.Lock()
	m.calls++
	m.snaps = append(m.snaps, snap)
	fn := m.fn
	m.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, snap)
}

func (m *mockOracle) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func returning(ds ...models.Decision) func(context.Context, *models.MarketSnapshot) ([]models.Decision, error) {
	return func(context.Context, *models.MarketSnapshot) ([]models.Decision, error) { return ds, nil }
}

type mockExecutor struct {
	mu    sync.Mutex
	calls []models.Decision
	fn    func(d models.Decision) (*models.ExecutionResult, error)
}

func (m *mockExecutor) Execute(_ context.Context, d models.Decision) (*models.ExecutionResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, d)
	fn := m.fn
	m.mu.Unlock()
	if fn == nil {
		return filled(d), nil
	}
	return fn(d)
}

func (m *mockExecutor) executed() []models.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Decision(nil), m.calls...)
}

func filled(d models.Decision) *models.ExecutionResult {
	return &models.ExecutionResult{Decision: d, MarkPrice: 100, Orders: []models.OrderResult{{Symbol: d.Symbol, Status: "FILLED"}}}
}

type mockNotifier struct {
	mu      sync.Mutex
	batches [][]models.ExecutionResult
}

func (m *mockNotifier) Notify(results []models.ExecutionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, results)
}

func (m *mockNotifier) sent() [][]models.ExecutionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]models.ExecutionResult(nil), m.batches...)
}

type fixture struct {
	gateway  *mockGateway
	market   *mockMarket
	oracle   *mockOracle
	executor *mockExecutor
	notifier *mockNotifier
	store    persistence.Store
	sched    *Scheduler
}

func newFixture(t *testing.T, static ...string) *fixture {
	t.Helper()
	store, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		gateway:  &mockGateway{},
		market:   &mockMarket{},
		oracle:   &mockOracle{},
		executor: &mockExecutor{},
		notifier: &mockNotifier{},
		store:    store,
	}
	f.sched = New(f.gateway, f.market, f.oracle, f.executor, f.notifier, store, Options{
		ManageEvery:   3 * time.Minute,
		ScanEvery:     15 * time.Minute,
		Tolerance:     3 * time.Second,
		Settle:        3 * time.Second,
		PassTimeout:   5 * time.Second,
		OracleTimeout: time.Second,
		StaticSymbols: static,
	}, zap.NewNop())
	return f
}

func at(hour, minute, second int) time.Time {
	return time.Date(2024, 5, 1, hour, minute, second, 0, time.UTC)
}

func dec(symbol string, action models.Action) models.Decision {
	return models.Decision{Symbol: symbol, Action: action}
}

func TestClock(t *testing.T) {
	assert.True(t, onBoundary(at(10, 15, 0), 15*time.Minute, 3*time.Second))
	assert.True(t, onBoundary(at(10, 15, 2), 15*time.Minute, 3*time.Second))
	assert.False(t, onBoundary(at(10, 15, 4), 15*time.Minute, 3*time.Second))
	assert.False(t, onBoundary(at(10, 18, 0), 15*time.Minute, 3*time.Second))
	assert.True(t, onBoundary(at(10, 18, 0), 3*time.Minute, 3*time.Second))

	assert.Equal(t, at(10, 18, 0), nextManageWake(at(10, 16, 30), 3*time.Minute))
	assert.Equal(t, at(10, 21, 0), nextManageWake(at(10, 18, 0), 3*time.Minute))

	assert.Equal(t, at(10, 30, 3), nextScanWake(at(10, 16, 30), 15*time.Minute, 3*time.Second))
	assert.Equal(t, at(10, 15, 3), nextScanWake(at(10, 15, 1), 15*time.Minute, 3*time.Second))
	assert.Equal(t, at(10, 30, 3), nextScanWake(at(10, 15, 3), 15*time.Minute, 3*time.Second))
}

func TestUniverse(t *testing.T) {
	u := NewUniverse()
	u.Replace([]string{"btcusdt", "ETHUSDT", "BTCUSDT", " ", "PEPEUSDT"})
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "PEPEUSDT"}, u.Symbols())
	assert.True(t, u.Contains("ETHUSDT"))
	assert.Equal(t, 3, u.Len())

	u.Replace([]string{"SOLUSDT"})
	assert.False(t, u.Contains("BTCUSDT"))
	assert.Equal(t, []string{"SOLUSDT"}, u.Symbols())
}

func TestRunManage_SkipsOnScanBoundary(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.gateway.positions = []models.Position{{Symbol: "BTCUSDT", Size: 1}}
	f.oracle.fn = returning(dec("BTCUSDT", models.ActionCloseLong))

	report, err := f.sched.RunManage(context.Background(), at(10, 15, 0))
	require.NoError(t, err)
	assert.Equal(t, "scan boundary", report.Skipped)
	assert.Equal(t, 0, f.gateway.posCalls)
	assert.Equal(t, 0, f.oracle.callCount())

	// 同一时刻的扫描轮次照常执行
	report, err = f.sched.RunScan(context.Background(), at(10, 15, 3))
	require.NoError(t, err)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, 1, f.oracle.callCount())
	assert.Len(t, f.executor.executed(), 1)
}

func TestRunManage_SkipsWithoutPositions(t *testing.T) {
	f := newFixture(t, "BTCUSDT")

	report, err := f.sched.RunManage(context.Background(), at(10, 18, 0))
	require.NoError(t, err)
	assert.Equal(t, "no open positions", report.Skipped)
	assert.Equal(t, 0, f.oracle.callCount())
	assert.Equal(t, 0, f.market.evictions())
}

func TestRunScan_OracleReturnsNothing(t *testing.T) {
	f := newFixture(t, "BTCUSDT", "ETHUSDT")

	report, err := f.sched.RunScan(context.Background(), at(10, 30, 3))
	require.NoError(t, err)
	assert.Equal(t, 1, f.oracle.callCount())
	assert.Zero(t, report.Decisions)
	assert.Empty(t, f.executor.executed())
	assert.Empty(t, f.notifier.sent())
	assert.Equal(t, 1, f.market.evictions())
}

func TestRunManage_NeverOpensExposure(t *testing.T) {
	f := newFixture(t, "ETHUSDT")
	f.gateway.positions = []models.Position{{Symbol: "BTCUSDT", Size: 1, EntryPrice: 50000, MarkPrice: 52000}}
	f.oracle.fn = returning(
		dec("BTCUSDT", models.ActionOpenLong),
		dec("BTCUSDT", models.ActionCloseLong),
		dec("BTCUSDT", models.ActionIncreasePosition),
		dec("BTCUSDT", models.ActionUpdateStopLoss),
		dec("BTCUSDT", models.ActionHold),
		dec("ETHUSDT", models.ActionCloseShort), // 持仓管理只看持仓币
	)

	report, err := f.sched.RunManage(context.Background(), at(10, 18, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, report.Symbols)
	assert.Equal(t, 6, report.Decisions)
	assert.Equal(t, 2, report.Executed)

	got := f.executor.executed()
	require.Len(t, got, 2)
	assert.Equal(t, models.ActionCloseLong, got[0].Action)
	assert.Equal(t, models.ActionUpdateStopLoss, got[1].Action)

	batches := f.notifier.sent()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
}

func TestRunManage_KeepsScanSymbolCaches(t *testing.T) {
	f := newFixture(t, "BTCUSDT", "ETHUSDT")
	ctx := context.Background()
	require.NoError(t, f.store.SaveAnomalySymbols(ctx, []string{"PEPEUSDT"}))

	_, err := f.sched.RunScan(ctx, at(10, 15, 3))
	require.NoError(t, err)
	require.Equal(t, 1, f.market.evictions())

	f.gateway.positions = []models.Position{{Symbol: "SOLUSDT", Size: 3}}
	report, err := f.sched.RunManage(ctx, at(10, 18, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"SOLUSDT"}, report.Symbols)
	assert.Equal(t, 1, f.market.evictions(), "持仓管理轮次不应清理缓存")

	_, err = f.sched.RunScan(ctx, at(10, 30, 3))
	require.NoError(t, err)
	require.Equal(t, 2, f.market.evictions())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "PEPEUSDT"}, f.market.kept[1])
}

func TestRunScan_BuildsUniverse(t *testing.T) {
	f := newFixture(t, "BTCUSDT", "ETHUSDT")
	ctx := context.Background()
	f.gateway.positions = []models.Position{{Symbol: "ETHUSDT", Size: -2}, {Symbol: "DOGEUSDT", Size: 100}}
	f.gateway.orders = []models.ConditionalOrder{
		{Symbol: "ETHUSDT", PositionSide: models.Short, Kind: models.StopLoss, TriggerPrice: 2200},
		{Symbol: "DOGEUSDT", PositionSide: models.Long, Kind: models.TakeProfit, TriggerPrice: 0.2},
	}
	require.NoError(t, f.store.SaveAnomalySymbols(ctx, []string{"PEPEUSDT", "btcusdt"}))
	f.oracle.fn = returning(dec("XRPUSDT", models.ActionOpenLong))

	report, err := f.sched.RunScan(ctx, at(10, 30, 3))
	require.NoError(t, err)

	want := []string{"BTCUSDT", "ETHUSDT", "DOGEUSDT", "PEPEUSDT"}
	assert.Equal(t, want, report.Symbols)
	monitored, err := f.store.LoadMonitored(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, monitored)
	require.Len(t, f.market.refreshed, 1)
	assert.Equal(t, want, f.market.refreshed[0])

	require.Len(t, f.oracle.snaps, 1)
	snap := f.oracle.snaps[0]
	assert.Equal(t, models.ScanPass, snap.Kind)
	assert.Len(t, snap.Positions, 2)
	assert.Len(t, snap.Protective["ETHUSDT"], 1)
	assert.Len(t, snap.Protective["DOGEUSDT"], 1)

	// XRPUSDT 不在监控集合内
	assert.Empty(t, f.executor.executed())
	assert.Empty(t, f.notifier.sent())
}

func TestRunScan_IsolatesSymbolFailures(t *testing.T) {
	f := newFixture(t, "BTCUSDT", "ETHUSDT", "SOLUSDT")
	f.oracle.fn = returning(
		dec("ETHUSDT", models.ActionOpenShort),
		dec("BTCUSDT", models.ActionOpenLong),
		dec("SOLUSDT", models.ActionOpenLong),
	)
	f.executor.fn = func(d models.Decision) (*models.ExecutionResult, error) {
		switch d.Symbol {
		case "ETHUSDT":
			panic("nil pointer in gateway")
		case "SOLUSDT":
			return nil, &models.Error{Code: -2019, Msg: "Margin is insufficient."}
		}
		return filled(d), nil
	}

	report, err := f.sched.RunScan(context.Background(), at(10, 30, 3))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)
	assert.Equal(t, 2, report.Failed)
	assert.Len(t, f.executor.executed(), 3)

	batches := f.notifier.sent()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "BTCUSDT", batches[0][0].Decision.Symbol)
}

func TestRunScan_NoOpResultsAreNotAnnounced(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.oracle.fn = returning(dec("BTCUSDT", models.ActionUpdateStopLoss))
	f.executor.fn = func(models.Decision) (*models.ExecutionResult, error) { return nil, nil }

	report, err := f.sched.RunScan(context.Background(), at(10, 30, 3))
	require.NoError(t, err)
	assert.Zero(t, report.Executed)
	assert.Empty(t, f.notifier.sent())
}

func TestRunScan_OracleFailure(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.oracle.fn = func(context.Context, *models.MarketSnapshot) ([]models.Decision, error) {
		return nil, errors.New("status 502")
	}

	_, err := f.sched.RunScan(context.Background(), at(10, 30, 3))
	assert.ErrorIs(t, err, ErrOracle)
	assert.Empty(t, f.executor.executed())
	assert.Empty(t, f.notifier.sent())
	assert.Equal(t, 1, f.market.evictions())
}

func TestRunScan_OracleTimeout(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.sched.opts.OracleTimeout = 20 * time.Millisecond
	f.oracle.fn = func(ctx context.Context, _ *models.MarketSnapshot) ([]models.Decision, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	start := time.Now()
	_, err := f.sched.RunScan(context.Background(), at(10, 30, 3))
	assert.ErrorIs(t, err, ErrOracle)
	assert.ErrorContains(t, err, context.DeadlineExceeded.Error())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunScan_RecoversPanic(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.oracle.fn = func(context.Context, *models.MarketSnapshot) ([]models.Decision, error) {
		panic("oracle client bug")
	}

	_, err := f.sched.RunScan(context.Background(), at(10, 30, 3))
	assert.ErrorIs(t, err, ErrPassPanic)
	assert.Empty(t, f.executor.executed())

	// 锁已释放，下一轮照常执行
	f.oracle.mu.Lock()
	f.oracle.fn = returning(dec("BTCUSDT", models.ActionOpenLong))
	f.oracle.mu.Unlock()
	report, err := f.sched.RunScan(context.Background(), at(10, 45, 3))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)
}

func TestLoop_ContinuesAfterPanic(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.oracle.fn = func(context.Context, *models.MarketSnapshot) ([]models.Decision, error) {
		panic("oracle client bug")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.sched.loop(ctx, models.ScanPass, func(now time.Time) time.Time { return now.Add(time.Millisecond) })
	}()

	assert.Eventually(t, func() bool { return f.oracle.callCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	select {
	case <-done:
		t.Fatal("调度循环在 panic 后退出")
	default:
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("调度循环没有随 ctx 结束")
	}
}

func TestRunPass_PositionsFailure(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.gateway.posErr = errors.New("timeout")

	_, err := f.sched.RunScan(context.Background(), at(10, 30, 3))
	assert.Error(t, err)
	assert.Equal(t, 0, f.oracle.callCount())
}

func TestRunPass_PassesAreMutuallyExclusive(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.gateway.positions = []models.Position{{Symbol: "BTCUSDT", Size: 1}}

	var active, peak atomic.Int32
	f.oracle.fn = func(context.Context, *models.MarketSnapshot) ([]models.Decision, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.sched.RunManage(context.Background(), at(10, 18, 0))
		}()
		go func() {
			defer wg.Done()
			_, _ = f.sched.RunScan(context.Background(), at(10, 30, 3))
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, f.oracle.callCount())
	assert.Equal(t, int32(1), peak.Load())
}

// 端到端：模拟交易所 + 真实执行器，开仓后挂出止损并写入交易日志
func TestRunScan_OpensPositionOnPaperGateway(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	store, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	defer store.Close()

	paper := exchange.NewPaperGateway(models.PaperConfig{MarkPrices: map[string]float64{"ETHUSDT": 2000}}, logger)
	paper.SetRules(models.SymbolRules{Symbol: "ETHUSDT", StepSize: 0.01, MinQty: 0.01, MinNotional: 5, TickSize: 0.01, MinPrice: 0.01, MaxPrice: 1000000})
	norm := normalizer.New(paper, logger)
	exec := executor.New(paper, norm, reconciler.New(paper, norm, time.Second, logger), store, time.Second, logger)

	notify := &mockNotifier{}
	size, sl := 1000.0, 1900.0
	o := &mockOracle{fn: returning(models.Decision{Symbol: "ETHUSDT", Action: models.ActionOpenLong, PositionSize: &size, StopLoss: &sl})}
	sched := New(paper, &mockMarket{}, o, exec, notify, store, Options{StaticSymbols: []string{"ETHUSDT"}, PassTimeout: 5 * time.Second}, logger)

	report, err := sched.RunScan(ctx, at(10, 30, 3))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)

	pos, err := paper.Position(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 0.5, pos.Size, 1e-9)

	orders, err := paper.OpenConditionalOrders(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, models.StopLoss, orders[0].Kind)
	assert.Equal(t, 1900.0, orders[0].TriggerPrice)

	trades, err := store.ListTrades(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	require.Len(t, notify.sent(), 1)
}
