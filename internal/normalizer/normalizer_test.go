package normalizer

import (
	"context"
	"errors"
	"testing"

	"binance-perp-guard-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type stubRules struct {
	rules map[string]*models.SymbolRules
	err   error
	calls int
}

func (s *stubRules) SymbolRules(_ context.Context, symbol string) (*models.SymbolRules, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.rules[symbol], nil
}

var ethRules = models.SymbolRules{
	Symbol:      "ETHUSDT",
	StepSize:    0.01,
	MinQty:      0.01,
	MinNotional: 20,
	TickSize:    0.01,
	MinPrice:    0.1,
	MaxPrice:    100000,
}

func TestQuantity_RoundsUpToStep(t *testing.T) {
	assert.Equal(t, 0.5, Quantity(ethRules, 0.5, 2000))
	assert.Equal(t, 0.51, Quantity(ethRules, 0.501, 2000))
	assert.Equal(t, 1.24, Quantity(ethRules, 1.231, 2000))
}

func TestQuantity_AbsorbsFloatNoise(t *testing.T) {
	rules := models.SymbolRules{StepSize: 0.1, MinQty: 0.1}
	// 0.1+0.2 = 0.30000000000000004 不应被进位到 0.4
	assert.Equal(t, 0.3, Quantity(rules, 0.1+0.2, 0))
}

func TestQuantity_FloorsAtMinQty(t *testing.T) {
	rules := models.SymbolRules{StepSize: 0.001, MinQty: 0.005}
	assert.Equal(t, 0.005, Quantity(rules, 0.0001, 0))
}

func TestQuantity_RaisesToMinNotional(t *testing.T) {
	// 0.01 * 2000 = 20 刚好满足; 0.005 -> 0.01
	assert.Equal(t, 0.01, Quantity(ethRules, 0.005, 2000))

	rules := models.SymbolRules{StepSize: 0.001, MinQty: 0.001, MinNotional: 100}
	// 100 / 30000 = 0.00333.. -> 0.004
	assert.Equal(t, 0.004, Quantity(rules, 0.001, 30000))
}

func TestQuantity_NonPositive(t *testing.T) {
	assert.Equal(t, 0.0, Quantity(ethRules, 0, 2000))
	assert.Equal(t, 0.0, Quantity(ethRules, -1, 2000))
}

func TestQuantity_Properties(t *testing.T) {
	rulesSet := []models.SymbolRules{
		ethRules,
		{StepSize: 0.001, MinQty: 0.001, MinNotional: 100},
		{StepSize: 1, MinQty: 1, MinNotional: 5},
		{StepSize: 0.1, MinQty: 0.1, MinNotional: 5},
	}
	raws := []float64{0.0001, 0.0033, 0.01, 0.123456, 0.5, 1.999, 3.3333333, 17.05, 250.5}
	marks := []float64{0.0123, 0.5, 1.7, 63.21, 2000, 30000}

	for _, rules := range rulesSet {
		step := decimal.NewFromFloat(rules.StepSize)
		minNotional := decimal.NewFromFloat(rules.MinNotional)
		for _, raw := range raws {
			for _, mark := range marks {
				qty := Quantity(rules, raw, mark)
				d := decimal.NewFromFloat(qty)

				assert.False(t, d.IsNegative())
				assert.True(t, d.Div(step).IsInteger(), "qty %v not a multiple of step %v", qty, rules.StepSize)
				assert.True(t, d.GreaterThanOrEqual(decimal.NewFromFloat(rules.MinQty)))
				assert.True(t, d.Mul(decimal.NewFromFloat(mark)).GreaterThanOrEqual(minNotional),
					"qty %v * mark %v below min notional %v", qty, mark, rules.MinNotional)
			}
		}
	}
}

func TestPrice_FloorsToTick(t *testing.T) {
	assert.Equal(t, 2000.12, Price(ethRules, 2000.129))
	assert.Equal(t, 2000.0, Price(ethRules, 2000.0))

	rules := models.SymbolRules{TickSize: 0.1}
	assert.Equal(t, 52000.1, Price(rules, 52000.19))
	assert.Equal(t, 0.3, Price(rules, 0.1+0.2))
}

func TestPrice_ClampsToBounds(t *testing.T) {
	assert.Equal(t, 0.1, Price(ethRules, 0.05))
	assert.Equal(t, 100000.0, Price(ethRules, 250000))
}

func TestPrice_MatchesTickDecimals(t *testing.T) {
	rules := models.SymbolRules{TickSize: 0.0001}
	price := Price(rules, 1.234567)
	assert.Equal(t, 1.2345, price)
	assert.Equal(t, int32(4), -decimal.NewFromFloat(price).Exponent())
}

func TestDecimalPlaces(t *testing.T) {
	assert.Equal(t, int32(3), decimalPlaces(decimal.NewFromFloat(0.001)))
	assert.Equal(t, int32(1), decimalPlaces(decimal.NewFromFloat(0.1)))
	assert.Equal(t, int32(0), decimalPlaces(decimal.NewFromFloat(1)))
	assert.Equal(t, int32(0), decimalPlaces(decimal.NewFromFloat(10)))
}

func TestNormalizer_UsesRulesSource(t *testing.T) {
	src := &stubRules{rules: map[string]*models.SymbolRules{"ETHUSDT": &ethRules}}
	n := New(src, zap.NewNop())
	ctx := context.Background()

	// 1000 USDT / 2000 = 0.5
	assert.Equal(t, 0.5, n.NormalizeQuantity(ctx, "ETHUSDT", 1000.0/2000.0, 2000))
	assert.Equal(t, 1999.99, n.NormalizePrice(ctx, "ETHUSDT", 1999.999))
	assert.Equal(t, 2, src.calls)
}

func TestNormalizer_RulesUnavailableReturnsRaw(t *testing.T) {
	src := &stubRules{err: errors.New("exchange down")}
	n := New(src, zap.NewNop())
	ctx := context.Background()

	assert.Equal(t, 0.123456, n.NormalizeQuantity(ctx, "ETHUSDT", 0.123456, 2000))
	assert.Equal(t, 1999.999, n.NormalizePrice(ctx, "ETHUSDT", 1999.999))

	missing := &stubRules{rules: map[string]*models.SymbolRules{}}
	n = New(missing, zap.NewNop())
	assert.Equal(t, 0.7, n.NormalizeQuantity(ctx, "NOPEUSDT", 0.7, 1))
}
