package risk

import "binance-perp-guard-go/internal/models"

// ValidateStopLoss 判断新止损是否只收紧风险、从不放宽。
// 多单: newSL < price 且 price-newSL <= price-currentSL；空单对称。
// currentSL 为 nil 时只校验止损在价格的哪一侧。
func ValidateStopLoss(side models.PositionSide, price float64, currentSL *float64, newSL float64) bool {
	switch side {
	case models.Long:
		if newSL >= price {
			return false
		}
		if currentSL == nil {
			return true
		}
		return price-newSL <= price-*currentSL
	case models.Short:
		if newSL <= price {
			return false
		}
		if currentSL == nil {
			return true
		}
		return newSL-price <= *currentSL-price
	}
	return false
}

// ValidateTakeProfit 判断新止盈是否没有被拉近。
// 多单: newTP > price 且 newTP >= currentTP；空单: newTP < price 且 newTP <= currentTP。
func ValidateTakeProfit(side models.PositionSide, price float64, currentTP *float64, newTP float64) bool {
	switch side {
	case models.Long:
		if newTP <= price {
			return false
		}
		return currentTP == nil || newTP >= *currentTP
	case models.Short:
		if newTP >= price {
			return false
		}
		return currentTP == nil || newTP <= *currentTP
	}
	return false
}

// MostProtective 从多个挂着的同类条件单里选出当前生效的那个价位。
// 多单止损取最高、空单止损取最低；多单止盈取最低、空单止盈取最高。
func MostProtective(side models.PositionSide, kind models.ConditionalKind, prices []float64) *float64 {
	if len(prices) == 0 {
		return nil
	}
	pickMax := (kind == models.StopLoss) == (side == models.Long)
	best := prices[0]
	for _, p := range prices[1:] {
		if (pickMax && p > best) || (!pickMax && p < best) {
			best = p
		}
	}
	return &best
}
