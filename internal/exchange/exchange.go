package exchange

import (
	"context"
	"errors"

	"binance-perp-guard-go/internal/models"
)

// ErrOrderNotFound 表示要撤销的订单已经不存在 (已触发或已被撤销)，调用方应视为成功
var ErrOrderNotFound = errors.New("order does not exist")

// Gateway 定义了引擎需要的所有交易所操作。
// 实盘 (BinanceGateway) 和模拟盘 (PaperGateway) 都实现这个接口，引擎可以在两者之间切换。
// 所有调用都可能返回网络错误或交易所拒绝 (*models.Error)，不会在这一层被吞掉。
type Gateway interface {
	SymbolRules(ctx context.Context, symbol string) (*models.SymbolRules, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	// Position 返回该交易对的非零持仓，没有持仓时返回 (nil, nil)
	Position(ctx context.Context, symbol string) (*models.Position, error)
	// Positions 返回账户下所有非零持仓
	Positions(ctx context.Context) ([]models.Position, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, positionSide models.PositionSide, qty float64) (*models.OrderResult, error)
	PlaceConditionalOrder(ctx context.Context, symbol string, side models.Side, positionSide models.PositionSide, kind models.ConditionalKind, triggerPrice float64) (*models.ConditionalOrder, error)
	OpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	// OpenConditionalOrders 返回挂着的止损/止盈单，symbol 为空时返回全部交易对
	OpenConditionalOrders(ctx context.Context, symbol string) ([]models.ConditionalOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelConditionalOrder(ctx context.Context, order models.ConditionalOrder) error
}

// IsOrderNotFound 判断撤单错误是否属于"订单已不存在"的竞态
func IsOrderNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}

const (
	orderTypeMarket     = "MARKET"
	orderTypeStopMarket = "STOP_MARKET"
	orderTypeTakeProfit = "TAKE_PROFIT_MARKET"
)

// conditionalKindOf 把交易所订单类型映射为条件单种类
func conditionalKindOf(orderType string) (models.ConditionalKind, bool) {
	switch orderType {
	case orderTypeStopMarket, "STOP":
		return models.StopLoss, true
	case orderTypeTakeProfit, "TAKE_PROFIT":
		return models.TakeProfit, true
	}
	return "", false
}

func orderTypeOf(kind models.ConditionalKind) string {
	if kind == models.TakeProfit {
		return orderTypeTakeProfit
	}
	return orderTypeStopMarket
}

// pickPosition 从双向持仓里选出一个非零持仓，多空同时存在时优先多单
func pickPosition(positions []models.Position, symbol string) *models.Position {
	var short *models.Position
	for i := range positions {
		p := &positions[i]
		if p.Symbol != symbol || p.Size == 0 {
			continue
		}
		if p.Size > 0 {
			return p
		}
		if short == nil {
			short = p
		}
	}
	return short
}
