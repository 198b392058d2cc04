package reconciler

import (
	"context"
	"fmt"
	"time"

	"binance-perp-guard-go/internal/exchange"
	"binance-perp-guard-go/internal/metrics"
	"binance-perp-guard-go/internal/models"
	"binance-perp-guard-go/internal/risk"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Gateway 是对账需要的交易所能力子集
type Gateway interface {
	OpenConditionalOrders(ctx context.Context, symbol string) ([]models.ConditionalOrder, error)
	CancelConditionalOrder(ctx context.Context, order models.ConditionalOrder) error
	PlaceConditionalOrder(ctx context.Context, symbol string, side models.Side, positionSide models.PositionSide, kind models.ConditionalKind, triggerPrice float64) (*models.ConditionalOrder, error)
}

// PriceNormalizer 把触发价对齐到交易对的 tick
type PriceNormalizer interface {
	NormalizePrice(ctx context.Context, symbol string, rawPrice float64) float64
}

// Reconciler 把某个持仓方向上的止损/止盈单替换为新的价位。
// 交易所不支持原子修改条件单，所以流程是先撤后挂：
// 读取交易所上的实时挂单 → 风控校验 → 撤旧单 → 挂新单。
type Reconciler struct {
	gateway Gateway
	prices  PriceNormalizer
	timeout time.Duration
	logger  *zap.Logger
}

// New 创建对账器，timeout 为每次交易所调用的超时 (0 表示不额外限制)
func New(gateway Gateway, prices PriceNormalizer, timeout time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{gateway: gateway, prices: prices, timeout: timeout, logger: logger}
}

type levelRequest struct {
	kind  models.ConditionalKind
	price float64
}

// Update 替换 symbol/positionSide 上的止损和/或止盈。
// 风控拒绝或没有任何新单挂出时返回 nil；读取挂单失败时返回 nil 和错误，不做任何修改。
// 撤单失败只记录日志；挂单失败会合并进返回的错误，但不影响另一种条件单的挂出。
func (r *Reconciler) Update(ctx context.Context, symbol string, positionSide models.PositionSide, sl, tp *float64, currentPrice float64) ([]models.ConditionalOrder, error) {
	if sl == nil && tp == nil {
		return nil, nil
	}
	log := r.logger.With(zap.String("symbol", symbol), zap.String("side", string(positionSide)))

	// 1. 始终以交易所为准，挂单可能已在外部被触发或撤销
	listCtx, cancel := r.callCtx(ctx)
	live, err := r.gateway.OpenConditionalOrders(listCtx, symbol)
	cancel()
	if err != nil {
		metrics.IncOrderError("list_conditional")
		return nil, fmt.Errorf("读取 %s 条件单失败: %w", symbol, err)
	}
	resting := make(map[models.ConditionalKind][]models.ConditionalOrder)
	for _, o := range live {
		if o.Symbol == symbol && o.PositionSide == positionSide {
			resting[o.Kind] = append(resting[o.Kind], o)
		}
	}

	var requests []levelRequest
	if sl != nil {
		requests = append(requests, levelRequest{kind: models.StopLoss, price: r.normalize(ctx, symbol, *sl)})
	}
	if tp != nil {
		requests = append(requests, levelRequest{kind: models.TakeProfit, price: r.normalize(ctx, symbol, *tp)})
	}

	// 2. 所有校验都在撤单之前完成，任一失败则不产生任何交易所调用
	for _, req := range requests {
		current := risk.MostProtective(positionSide, req.kind, triggerPrices(resting[req.kind]))
		ok := false
		switch req.kind {
		case models.StopLoss:
			ok = risk.ValidateStopLoss(positionSide, currentPrice, current, req.price)
		case models.TakeProfit:
			ok = risk.ValidateTakeProfit(positionSide, currentPrice, current, req.price)
		}
		if !ok {
			metrics.IncGuardRejection(string(req.kind))
			fields := []zap.Field{zap.String("kind", string(req.kind)), zap.Float64("new", req.price), zap.Float64("price", currentPrice)}
			if current != nil {
				fields = append(fields, zap.Float64("current", *current))
			}
			log.Warn("风控拒绝更新条件单", fields...)
			return nil, nil
		}
	}

	// 3. 逐个撤销旧单；订单已不存在视为成功
	for _, req := range requests {
		for _, old := range resting[req.kind] {
			cancelCtx, cancel := r.callCtx(ctx)
			err := r.gateway.CancelConditionalOrder(cancelCtx, old)
			cancel()
			switch {
			case err == nil:
				log.Debug("已撤销旧条件单", zap.Int64("order_id", old.OrderID), zap.Float64("trigger", old.TriggerPrice))
			case exchange.IsOrderNotFound(err):
				log.Info("旧条件单已不存在，跳过", zap.Int64("order_id", old.OrderID))
			default:
				metrics.IncOrderError("cancel_conditional")
				log.Warn("撤销旧条件单失败，继续挂新单", zap.Int64("order_id", old.OrderID), zap.Error(err))
			}
		}
	}

	// 4. 每种条件单独立挂出
	var placed []models.ConditionalOrder
	var errs error
	for _, req := range requests {
		placeCtx, cancel := r.callCtx(ctx)
		order, err := r.gateway.PlaceConditionalOrder(placeCtx, symbol, positionSide.CloseSide(), positionSide, req.kind, req.price)
		cancel()
		if err != nil {
			metrics.IncOrderError("place_conditional")
			log.Error("挂条件单失败", zap.String("kind", string(req.kind)), zap.Float64("trigger", req.price), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("挂 %s %s 失败: %w", symbol, req.kind, err))
			continue
		}
		metrics.IncOrder(string(req.kind), string(positionSide.CloseSide()))
		log.Info("条件单已挂出", zap.String("kind", string(req.kind)), zap.Float64("trigger", order.TriggerPrice), zap.Int64("order_id", order.OrderID))
		placed = append(placed, *order)
	}
	if len(placed) == 0 {
		return nil, errs
	}
	return placed, errs
}

func (r *Reconciler) normalize(ctx context.Context, symbol string, price float64) float64 {
	if r.prices == nil {
		return price
	}
	return r.prices.NormalizePrice(ctx, symbol, price)
}

func (r *Reconciler) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func triggerPrices(orders []models.ConditionalOrder) []float64 {
	out := make([]float64, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.TriggerPrice)
	}
	return out
}
