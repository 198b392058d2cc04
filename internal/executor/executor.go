package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"binance-perp-guard-go/internal/metrics"
	"binance-perp-guard-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNoPosition 表示动作需要已有持仓（或方向不匹配）
	ErrNoPosition = errors.New("没有可操作的持仓")
	// ErrMissingSize 表示需要下单数量的动作既没有 position_size 也没有 quantity
	ErrMissingSize = errors.New("决策缺少下单数量")
	// ErrMissingLevel 表示更新止损/止盈的决策没有给出价位
	ErrMissingLevel = errors.New("决策缺少止损/止盈价位")
	// ErrOppositePosition 表示开仓方向与已有持仓相反，需先平仓或使用 reverse
	ErrOppositePosition = errors.New("已有反向持仓")
)

// Gateway 是执行器需要的交易所能力子集
type Gateway interface {
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	Position(ctx context.Context, symbol string) (*models.Position, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, positionSide models.PositionSide, qty float64) (*models.OrderResult, error)
}

// QuantityNormalizer 把原始数量修正为交易所可接受的值
type QuantityNormalizer interface {
	NormalizeQuantity(ctx context.Context, symbol string, rawQty, markPrice float64) float64
}

// Protector 负责替换止损/止盈条件单
type Protector interface {
	Update(ctx context.Context, symbol string, positionSide models.PositionSide, sl, tp *float64, currentPrice float64) ([]models.ConditionalOrder, error)
}

// TradeLog 是只追加的交易日志
type TradeLog interface {
	AppendTrade(ctx context.Context, rec models.TradeRecord) error
}

// Executor 把一条决策转换为实际的订单。
// 状态由交易所上持仓的数量和符号隐式表示，执行器本身不保存状态，可被多个交易对并发调用。
type Executor struct {
	gateway   Gateway
	qty       QuantityNormalizer
	protector Protector
	trades    TradeLog
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// New 创建执行器，timeout 为每次交易所调用的超时
func New(gateway Gateway, qty QuantityNormalizer, protector Protector, trades TradeLog, timeout time.Duration, logger *zap.Logger) *Executor {
	return &Executor{
		gateway:   gateway,
		qty:       qty,
		protector: protector,
		trades:    trades,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// Execute 执行一条决策。返回 nil 结果表示没有执行任何操作。
func (e *Executor) Execute(ctx context.Context, d models.Decision) (*models.ExecutionResult, error) {
	log := e.logger.With(zap.String("symbol", d.Symbol), zap.String("action", d.Action.String()))

	switch d.Action {
	case models.ActionHold, models.ActionWait:
		return nil, nil
	case models.ActionUnknown:
		log.Warn("无法识别的决策动作，忽略", zap.String("reason", d.Reason))
		return nil, nil
	case models.ActionOpenLong:
		return e.open(ctx, d, models.Long)
	case models.ActionOpenShort:
		return e.open(ctx, d, models.Short)
	case models.ActionCloseLong:
		return e.close(ctx, d, models.Long)
	case models.ActionCloseShort:
		return e.close(ctx, d, models.Short)
	case models.ActionReverse:
		return e.reverse(ctx, d)
	case models.ActionIncreasePosition:
		return e.increase(ctx, d)
	case models.ActionDecreasePosition:
		return e.decrease(ctx, d)
	case models.ActionUpdateStopLoss:
		return e.updateLevel(ctx, d, models.StopLoss)
	case models.ActionUpdateTakeProfit:
		return e.updateLevel(ctx, d, models.TakeProfit)
	}
	log.Warn("未处理的决策动作")
	return nil, nil
}

// open 开仓或同向加仓；每个交易对只允许一个方向的持仓
func (e *Executor) open(ctx context.Context, d models.Decision, side models.PositionSide) (*models.ExecutionResult, error) {
	pos, err := e.position(ctx, d.Symbol)
	switch {
	case errors.Is(err, ErrNoPosition):
	case err != nil:
		return nil, err
	case pos.Side() != side:
		return nil, fmt.Errorf("%s 当前为 %s 持仓: %w", d.Symbol, pos.Side(), ErrOppositePosition)
	}
	mark, err := e.markPrice(ctx, d.Symbol)
	if err != nil {
		return nil, err
	}
	qty, err := e.resolveQuantity(ctx, d, mark)
	if err != nil {
		return nil, err
	}
	res := &models.ExecutionResult{Decision: d, MarkPrice: mark}
	if err := e.market(ctx, res, side.OpenSide(), side, qty); err != nil {
		return nil, err
	}
	e.protect(ctx, res, side)
	return res, nil
}

func (e *Executor) close(ctx context.Context, d models.Decision, side models.PositionSide) (*models.ExecutionResult, error) {
	pos, err := e.position(ctx, d.Symbol)
	if err != nil {
		return nil, err
	}
	if pos.Side() != side {
		return nil, fmt.Errorf("%s 当前为 %s 持仓: %w", d.Symbol, pos.Side(), ErrNoPosition)
	}
	mark, err := e.markPrice(ctx, d.Symbol)
	if err != nil {
		return nil, err
	}
	res := &models.ExecutionResult{Decision: d, MarkPrice: mark}
	if err := e.market(ctx, res, side.CloseSide(), side, pos.AbsSize()); err != nil {
		return nil, err
	}
	return res, nil
}

// reverse 先全部平仓再反向开仓；数量在平仓前解析，数量缺失时不会留下空仓
func (e *Executor) reverse(ctx context.Context, d models.Decision) (*models.ExecutionResult, error) {
	pos, err := e.position(ctx, d.Symbol)
	if err != nil {
		return nil, err
	}
	mark, err := e.markPrice(ctx, d.Symbol)
	if err != nil {
		return nil, err
	}
	qty, err := e.resolveQuantity(ctx, d, mark)
	if err != nil {
		return nil, err
	}

	from := pos.Side()
	to := from.Opposite()
	res := &models.ExecutionResult{Decision: d, MarkPrice: mark}
	if err := e.market(ctx, res, from.CloseSide(), from, pos.AbsSize()); err != nil {
		return nil, err
	}
	if err := e.market(ctx, res, to.OpenSide(), to, qty); err != nil {
		// 平仓已成交，返回部分结果
		return res, fmt.Errorf("反手开仓失败 (原持仓已平): %w", err)
	}
	e.protect(ctx, res, to)
	return res, nil
}

func (e *Executor) increase(ctx context.Context, d models.Decision) (*models.ExecutionResult, error) {
	pos, err := e.position(ctx, d.Symbol)
	if err != nil {
		return nil, err
	}
	mark, err := e.markPrice(ctx, d.Symbol)
	if err != nil {
		return nil, err
	}
	qty, err := e.resolveQuantity(ctx, d, mark)
	if err != nil {
		return nil, err
	}
	side := pos.Side()
	res := &models.ExecutionResult{Decision: d, MarkPrice: mark}
	if err := e.market(ctx, res, side.OpenSide(), side, qty); err != nil {
		return nil, err
	}
	return res, nil
}

// decrease 减仓数量为 min(指定数量或当前一半, 当前数量)
func (e *Executor) decrease(ctx context.Context, d models.Decision) (*models.ExecutionResult, error) {
	pos, err := e.position(ctx, d.Symbol)
	if err != nil {
		return nil, err
	}
	mark, err := e.markPrice(ctx, d.Symbol)
	if err != nil {
		return nil, err
	}
	current := pos.AbsSize()
	qty, err := e.resolveQuantity(ctx, d, mark)
	if errors.Is(err, ErrMissingSize) {
		qty = e.qty.NormalizeQuantity(ctx, d.Symbol, current/2, mark)
	} else if err != nil {
		return nil, err
	}
	if qty > current {
		qty = current
	}
	side := pos.Side()
	res := &models.ExecutionResult{Decision: d, MarkPrice: mark}
	if err := e.market(ctx, res, side.CloseSide(), side, qty); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Executor) updateLevel(ctx context.Context, d models.Decision, kind models.ConditionalKind) (*models.ExecutionResult, error) {
	var sl, tp *float64
	switch kind {
	case models.StopLoss:
		sl = d.StopLoss
	case models.TakeProfit:
		tp = d.TakeProfit
	}
	if sl == nil && tp == nil {
		return nil, ErrMissingLevel
	}
	pos, err := e.position(ctx, d.Symbol)
	if err != nil {
		return nil, err
	}
	mark, err := e.markPrice(ctx, d.Symbol)
	if err != nil {
		return nil, err
	}
	placed, err := e.protector.Update(ctx, d.Symbol, pos.Side(), sl, tp, mark)
	if len(placed) == 0 {
		return nil, err
	}
	return &models.ExecutionResult{Decision: d, MarkPrice: mark, Protective: placed}, err
}

// protect 在开仓/反手成功后挂上止损止盈；失败只记录，不回滚已成交的市价单
func (e *Executor) protect(ctx context.Context, res *models.ExecutionResult, side models.PositionSide) {
	d := res.Decision
	if d.StopLoss == nil && d.TakeProfit == nil {
		return
	}
	placed, err := e.protector.Update(ctx, d.Symbol, side, d.StopLoss, d.TakeProfit, res.MarkPrice)
	if err != nil {
		e.logger.Error("开仓后挂止损止盈失败", zap.String("symbol", d.Symbol), zap.Error(err))
	}
	res.Protective = placed
}

// resolveQuantity: position_size / mark 优先于 quantity
func (e *Executor) resolveQuantity(ctx context.Context, d models.Decision, mark float64) (float64, error) {
	var raw float64
	switch {
	case d.PositionSize != nil && *d.PositionSize > 0:
		raw = *d.PositionSize / mark
	case d.Quantity != nil && *d.Quantity > 0:
		raw = *d.Quantity
	default:
		return 0, ErrMissingSize
	}
	qty := e.qty.NormalizeQuantity(ctx, d.Symbol, raw, mark)
	if qty <= 0 {
		return 0, ErrMissingSize
	}
	return qty, nil
}

func (e *Executor) position(ctx context.Context, symbol string) (*models.Position, error) {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	pos, err := e.gateway.Position(callCtx, symbol)
	if err != nil {
		return nil, fmt.Errorf("获取 %s 持仓失败: %w", symbol, err)
	}
	if !pos.IsOpen() {
		return nil, ErrNoPosition
	}
	return pos, nil
}

func (e *Executor) markPrice(ctx context.Context, symbol string) (float64, error) {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	mark, err := e.gateway.MarkPrice(callCtx, symbol)
	if err != nil {
		return 0, fmt.Errorf("获取 %s 标记价格失败: %w", symbol, err)
	}
	return mark, nil
}

// market 提交市价单，成功后追加交易日志
func (e *Executor) market(ctx context.Context, res *models.ExecutionResult, side models.Side, positionSide models.PositionSide, qty float64) error {
	d := res.Decision
	callCtx, cancel := e.callCtx(ctx)
	order, err := e.gateway.PlaceMarketOrder(callCtx, d.Symbol, side, positionSide, qty)
	cancel()
	if err != nil {
		metrics.IncOrderError("market")
		return fmt.Errorf("%s %s %s 市价单失败: %w", d.Symbol, side, positionSide, err)
	}
	metrics.IncOrder("market", string(side))
	e.logger.Info("市价单已成交",
		zap.String("symbol", d.Symbol),
		zap.String("action", d.Action.String()),
		zap.String("side", string(side)),
		zap.String("position_side", string(positionSide)),
		zap.Float64("qty", order.Quantity),
		zap.Float64("avg_price", order.AvgPrice),
		zap.Int64("order_id", order.OrderID))
	res.Orders = append(res.Orders, *order)

	rec := models.TradeRecord{
		ID:            uuid.New().String(),
		Time:          e.now(),
		Symbol:        d.Symbol,
		Action:        d.Action,
		Side:          side,
		PositionSide:  positionSide,
		Type:          "MARKET",
		Price:         res.MarkPrice,
		Quantity:      qty,
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Status:        order.Status,
	}
	if e.trades != nil {
		if err := e.trades.AppendTrade(ctx, rec); err != nil {
			e.logger.Error("写入交易日志失败", zap.String("symbol", d.Symbol), zap.Error(err))
		}
	}
	return nil
}

func (e *Executor) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}
