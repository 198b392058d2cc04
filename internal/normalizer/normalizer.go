package normalizer

import (
	"context"

	"binance-perp-guard-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// noisePlaces 在向上取整前先抹掉浮点运算带来的尾差，例如 0.1+0.2
const noisePlaces = 10

// RulesSource 提供交易对的量化规则
type RulesSource interface {
	SymbolRules(ctx context.Context, symbol string) (*models.SymbolRules, error)
}

// Normalizer 把任意数量/价格修正为交易所可接受的值
type Normalizer struct {
	rules  RulesSource
	logger *zap.Logger
}

// New 创建 Normalizer
func New(rules RulesSource, logger *zap.Logger) *Normalizer {
	return &Normalizer{rules: rules, logger: logger}
}

// NormalizeQuantity 修正下单数量；拿不到规则时原样返回
func (n *Normalizer) NormalizeQuantity(ctx context.Context, symbol string, rawQty, markPrice float64) float64 {
	rules, err := n.rules.SymbolRules(ctx, symbol)
	if err != nil || rules == nil {
		n.logger.Warn("无法获取交易规则，数量按原值提交",
			zap.String("symbol", symbol), zap.Float64("qty", rawQty), zap.Error(err))
		return rawQty
	}
	qty := Quantity(*rules, rawQty, markPrice)
	if qty != rawQty {
		n.logger.Debug("数量已修正", zap.String("symbol", symbol),
			zap.Float64("raw", rawQty), zap.Float64("normalized", qty))
	}
	return qty
}

// NormalizePrice 修正价格；拿不到规则时原样返回
func (n *Normalizer) NormalizePrice(ctx context.Context, symbol string, rawPrice float64) float64 {
	rules, err := n.rules.SymbolRules(ctx, symbol)
	if err != nil || rules == nil {
		n.logger.Warn("无法获取交易规则，价格按原值提交",
			zap.String("symbol", symbol), zap.Float64("price", rawPrice), zap.Error(err))
		return rawPrice
	}
	return Price(*rules, rawPrice)
}

// Quantity 按规则修正数量:
// 向上取整到步长 -> 不低于最小数量 -> 名义价值不足时按 ceil(minNotional/mark/step)*step 重算
func Quantity(rules models.SymbolRules, rawQty, markPrice float64) float64 {
	if rawQty <= 0 {
		return 0
	}
	qty := decimal.NewFromFloat(rawQty).Round(noisePlaces)
	step := decimal.NewFromFloat(rules.StepSize)
	minQty := decimal.NewFromFloat(rules.MinQty)

	if step.IsPositive() {
		qty = ceilToStep(qty, step)
	}
	if qty.LessThan(minQty) {
		qty = minQty
	}

	if rules.MinNotional > 0 && markPrice > 0 {
		mark := decimal.NewFromFloat(markPrice)
		minNotional := decimal.NewFromFloat(rules.MinNotional)
		if qty.Mul(mark).LessThan(minNotional) {
			need := minNotional.Div(mark)
			if step.IsPositive() {
				qty = ceilToStep(need, step)
			} else {
				qty = need
			}
		}
	}

	if step.IsPositive() {
		qty = qty.Round(decimalPlaces(step))
	}
	return qty.InexactFloat64()
}

// Price 按规则修正价格: 向下取整到 tick，再夹到 [minPrice, maxPrice]，小数位与 tick 一致
func Price(rules models.SymbolRules, rawPrice float64) float64 {
	price := decimal.NewFromFloat(rawPrice).Round(noisePlaces)
	tick := decimal.NewFromFloat(rules.TickSize)

	if tick.IsPositive() {
		price = price.Div(tick).Floor().Mul(tick)
	}
	if rules.MinPrice > 0 {
		if minPrice := decimal.NewFromFloat(rules.MinPrice); price.LessThan(minPrice) {
			price = minPrice
		}
	}
	if rules.MaxPrice > 0 {
		if maxPrice := decimal.NewFromFloat(rules.MaxPrice); price.GreaterThan(maxPrice) {
			price = maxPrice
		}
	}
	if tick.IsPositive() {
		price = price.Truncate(decimalPlaces(tick))
	}
	return price.InexactFloat64()
}

func ceilToStep(v, step decimal.Decimal) decimal.Decimal {
	return v.Div(step).Ceil().Mul(step)
}

// decimalPlaces 返回步长/tick 隐含的小数位数，例如 0.001 -> 3, 1 -> 0
func decimalPlaces(step decimal.Decimal) int32 {
	if exp := step.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}
