package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"binance-perp-guard-go/internal/models"

	"go.uber.org/zap"
)

// PaperGateway 实现了 Gateway 接口，在内存中模拟双向持仓的合约账户。
// 用于 dry-run 模式和测试：市价单按标记价格立即成交，止损/止盈单在 SetPrice 时按标记价格触发。
type PaperGateway struct {
	mu sync.Mutex

	TakerFeeRate float64
	TotalFees    float64
	RealizedPnL  float64

	marks       map[string]float64
	rules       map[string]models.SymbolRules
	positions   map[string]*paperPosition // symbol|side -> 持仓
	conditional map[int64]*models.ConditionalOrder
	fills       []models.OrderResult
	calls       []string
	nextOrderID int64
	now         func() time.Time
	onTrigger   func(TriggerEvent)
	logger      *zap.Logger

	// 故障注入
	cancelErrs map[int64]error
	placeErrs  map[models.ConditionalKind]error
	marketErr  error
	listErr    error
}

type paperPosition struct {
	size     float64 // 绝对数量
	entry    float64
	leverage int
}

// NewPaperGateway 创建模拟交易所
func NewPaperGateway(cfg models.PaperConfig, logger *zap.Logger) *PaperGateway {
	g := &PaperGateway{
		TakerFeeRate: cfg.TakerFeeRate,
		marks:        make(map[string]float64),
		rules:        make(map[string]models.SymbolRules),
		positions:    make(map[string]*paperPosition),
		conditional:  make(map[int64]*models.ConditionalOrder),
		nextOrderID:  1,
		now:          time.Now,
		logger:       logger,
		cancelErrs:   make(map[int64]error),
		placeErrs:    make(map[models.ConditionalKind]error),
	}
	for symbol, price := range cfg.MarkPrices {
		g.marks[symbol] = price
	}
	return g
}

func posKey(symbol string, side models.PositionSide) string {
	return symbol + "|" + string(side)
}

func (g *PaperGateway) record(call string) {
	g.calls = append(g.calls, call)
}

// SetRules 设置交易对的量化规则；未设置时使用一组通用默认值
func (g *PaperGateway) SetRules(rules models.SymbolRules) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules[rules.Symbol] = rules
}

// SetTriggerHandler 注册条件单触发回调，回调在锁外执行
func (g *PaperGateway) SetTriggerHandler(fn func(TriggerEvent)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onTrigger = fn
}

// SetPosition 直接设置持仓，size 为负表示空单
func (g *PaperGateway) SetPosition(symbol string, size, entry float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	side := models.Long
	abs := size
	if size < 0 {
		side, abs = models.Short, -size
	}
	delete(g.positions, posKey(symbol, side))
	if abs > 0 {
		g.positions[posKey(symbol, side)] = &paperPosition{size: abs, entry: entry, leverage: 1}
	}
}

// SetPrice 更新标记价格，并检查是否有止损/止盈单被触发
func (g *PaperGateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	g.marks[symbol] = price

	ids := make([]int64, 0, len(g.conditional))
	for id := range g.conditional {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var events []TriggerEvent
	for _, id := range ids {
		order, ok := g.conditional[id]
		if !ok || order.Symbol != symbol || !triggered(*order, price) {
			continue
		}
		pos := g.positions[posKey(symbol, order.PositionSide)]
		if pos == nil {
			delete(g.conditional, id)
			continue
		}
		qty := pos.size
		pnl := g.closeLocked(symbol, order.PositionSide, qty, price)
		// 全部平仓的条件单触发后，同方向的其他条件单一并失效
		for otherID, other := range g.conditional {
			if other.Symbol == symbol && other.PositionSide == order.PositionSide {
				delete(g.conditional, otherID)
			}
		}
		events = append(events, TriggerEvent{
			Symbol:       symbol,
			PositionSide: order.PositionSide,
			Kind:         order.Kind,
			OrderID:      order.OrderID,
			TriggerPrice: order.TriggerPrice,
			FillPrice:    price,
			Quantity:     qty,
			RealizedPnL:  pnl,
			Time:         g.now(),
		})
	}
	handler := g.onTrigger
	g.mu.Unlock()

	for _, ev := range events {
		g.logger.Info("模拟条件单触发", zap.String("symbol", ev.Symbol),
			zap.String("kind", string(ev.Kind)), zap.Float64("price", ev.FillPrice))
		if handler != nil {
			handler(ev)
		}
	}
}

func triggered(o models.ConditionalOrder, price float64) bool {
	switch {
	case o.PositionSide == models.Long && o.Kind == models.StopLoss:
		return price <= o.TriggerPrice
	case o.PositionSide == models.Long && o.Kind == models.TakeProfit:
		return price >= o.TriggerPrice
	case o.PositionSide == models.Short && o.Kind == models.StopLoss:
		return price >= o.TriggerPrice
	case o.PositionSide == models.Short && o.Kind == models.TakeProfit:
		return price <= o.TriggerPrice
	}
	return false
}

// FailCancel 让下一次撤销该订单返回指定错误 (例如 ErrOrderNotFound)
func (g *PaperGateway) FailCancel(orderID int64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelErrs[orderID] = err
}

// FailPlace 让后续该类条件单的下单返回指定错误，err 为 nil 时恢复
func (g *PaperGateway) FailPlace(kind models.ConditionalKind, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.placeErrs, kind)
		return
	}
	g.placeErrs[kind] = err
}

// FailMarket 让后续市价单返回指定错误，err 为 nil 时恢复
func (g *PaperGateway) FailMarket(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marketErr = err
}

// FailList 让后续读取条件单返回指定错误，err 为 nil 时恢复
func (g *PaperGateway) FailList(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listErr = err
}

// DropConditional 模拟条件单在外部被触发或撤销：从挂单簿中消失，但调用方的旧视图仍引用它
func (g *PaperGateway) DropConditional(orderID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conditional, orderID)
}

// Calls 返回所有调用记录的副本
func (g *PaperGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

// CallCount 返回某个方法被调用的次数
func (g *PaperGateway) CallCount(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == method {
			n++
		}
	}
	return n
}

// Fills 返回所有成交的市价单
func (g *PaperGateway) Fills() []models.OrderResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.OrderResult(nil), g.fills...)
}

// --- Gateway 接口实现 ---

func (g *PaperGateway) SymbolRules(_ context.Context, symbol string) (*models.SymbolRules, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("SymbolRules")
	if rules, ok := g.rules[symbol]; ok {
		return &rules, nil
	}
	// 未配置的交易对使用一组合理的默认值，避免 dry-run 时依赖网络
	return &models.SymbolRules{
		Symbol:      symbol,
		StepSize:    0.001,
		MinQty:      0.001,
		MinNotional: 5,
		TickSize:    0.01,
	}, nil
}

func (g *PaperGateway) MarkPrice(_ context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("MarkPrice")
	price, ok := g.marks[symbol]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("模拟盘没有 %s 的标记价格", symbol)
	}
	return price, nil
}

func (g *PaperGateway) Positions(_ context.Context) ([]models.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("Positions")
	return g.positionsLocked(), nil
}

func (g *PaperGateway) positionsLocked() []models.Position {
	keys := make([]string, 0, len(g.positions))
	for k := range g.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]models.Position, 0, len(keys))
	for _, k := range keys {
		p := g.positions[k]
		symbol, side := splitPosKey(k)
		mark := g.marks[symbol]
		size := p.size
		pnl := (mark - p.entry) * p.size
		if side == models.Short {
			size = -size
			pnl = -pnl
		}
		out = append(out, models.Position{
			Symbol:        symbol,
			Size:          size,
			EntryPrice:    p.entry,
			MarkPrice:     mark,
			UnrealizedPnL: pnl,
			Leverage:      p.leverage,
		})
	}
	return out
}

func splitPosKey(k string) (string, models.PositionSide) {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == '|' {
			return k[:i], models.PositionSide(k[i+1:])
		}
	}
	return k, models.Long
}

func (g *PaperGateway) Position(_ context.Context, symbol string) (*models.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("Position")
	return pickPosition(g.positionsLocked(), symbol), nil
}

func (g *PaperGateway) PlaceMarketOrder(_ context.Context, symbol string, side models.Side, positionSide models.PositionSide, qty float64) (*models.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("PlaceMarketOrder")

	if g.marketErr != nil {
		return nil, g.marketErr
	}
	if qty <= 0 {
		return nil, &models.Error{Code: -4003, Msg: "Quantity less than or equal to zero."}
	}
	price, ok := g.marks[symbol]
	if !ok || price <= 0 {
		return nil, fmt.Errorf("模拟盘没有 %s 的标记价格", symbol)
	}

	if side == positionSide.OpenSide() {
		g.openLocked(symbol, positionSide, qty, price)
	} else {
		pos := g.positions[posKey(symbol, positionSide)]
		if pos == nil {
			return nil, &models.Error{Code: -2022, Msg: "ReduceOnly Order is rejected."}
		}
		if qty > pos.size {
			qty = pos.size
		}
		g.closeLocked(symbol, positionSide, qty, price)
	}

	res := models.OrderResult{
		Symbol:        symbol,
		OrderID:       g.nextOrderID,
		ClientOrderID: newClientOrderID(),
		Side:          side,
		PositionSide:  positionSide,
		Quantity:      qty,
		AvgPrice:      price,
		Status:        "FILLED",
	}
	g.nextOrderID++
	g.fills = append(g.fills, res)
	return &res, nil
}

// openLocked 开仓或加仓，按成交价重新计算均价
func (g *PaperGateway) openLocked(symbol string, side models.PositionSide, qty, price float64) {
	g.chargeFee(qty, price)
	key := posKey(symbol, side)
	pos := g.positions[key]
	if pos == nil {
		g.positions[key] = &paperPosition{size: qty, entry: price, leverage: 1}
		return
	}
	total := pos.size + qty
	pos.entry = (pos.entry*pos.size + price*qty) / total
	pos.size = total
}

// closeLocked 平掉 qty 数量并返回已实现盈亏
func (g *PaperGateway) closeLocked(symbol string, side models.PositionSide, qty, price float64) float64 {
	key := posKey(symbol, side)
	pos := g.positions[key]
	if pos == nil {
		return 0
	}
	g.chargeFee(qty, price)
	pnl := (price - pos.entry) * qty
	if side == models.Short {
		pnl = -pnl
	}
	g.RealizedPnL += pnl
	pos.size -= qty
	if pos.size <= 1e-12 {
		delete(g.positions, key)
	}
	return pnl
}

func (g *PaperGateway) chargeFee(qty, price float64) {
	fee := qty * price * g.TakerFeeRate
	g.TotalFees += fee
	g.RealizedPnL -= fee
}

func (g *PaperGateway) PlaceConditionalOrder(_ context.Context, symbol string, side models.Side, positionSide models.PositionSide, kind models.ConditionalKind, triggerPrice float64) (*models.ConditionalOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("PlaceConditionalOrder")

	if err := g.placeErrs[kind]; err != nil {
		return nil, err
	}
	if side != positionSide.CloseSide() {
		return nil, &models.Error{Code: -4061, Msg: "Order's position side does not match user's setting."}
	}
	// 与交易所一致：会立即触发的条件单直接拒绝
	if mark, ok := g.marks[symbol]; ok && triggered(models.ConditionalOrder{PositionSide: positionSide, Kind: kind, TriggerPrice: triggerPrice}, mark) {
		return nil, &models.Error{Code: -2021, Msg: "Order would immediately trigger."}
	}

	order := &models.ConditionalOrder{
		Symbol:        symbol,
		PositionSide:  positionSide,
		Kind:          kind,
		TriggerPrice:  triggerPrice,
		OrderID:       g.nextOrderID,
		ClientOrderID: newClientOrderID(),
	}
	g.nextOrderID++
	g.conditional[order.OrderID] = order
	out := *order
	return &out, nil
}

func (g *PaperGateway) OpenOrders(_ context.Context, _ string) ([]models.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("OpenOrders")
	// 模拟盘只有市价单和条件单，没有普通挂单
	return nil, nil
}

func (g *PaperGateway) OpenConditionalOrders(_ context.Context, symbol string) ([]models.ConditionalOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("OpenConditionalOrders")

	if g.listErr != nil {
		return nil, g.listErr
	}
	out := make([]models.ConditionalOrder, 0, len(g.conditional))
	for _, o := range g.conditional {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (g *PaperGateway) CancelOrder(_ context.Context, symbol string, orderID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("CancelOrder")
	return g.cancelLocked(symbol, orderID)
}

func (g *PaperGateway) CancelConditionalOrder(_ context.Context, order models.ConditionalOrder) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("CancelConditionalOrder")
	return g.cancelLocked(order.Symbol, order.OrderID)
}

func (g *PaperGateway) cancelLocked(symbol string, orderID int64) error {
	if err, ok := g.cancelErrs[orderID]; ok {
		delete(g.cancelErrs, orderID)
		return err
	}
	if _, ok := g.conditional[orderID]; !ok {
		return fmt.Errorf("撤单 %s #%d: %w: %w", symbol, orderID, ErrOrderNotFound,
			&models.Error{Code: codeUnknownOrder, Msg: "Unknown order sent."})
	}
	delete(g.conditional, orderID)
	return nil
}
