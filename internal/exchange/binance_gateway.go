package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"binance-perp-guard-go/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// 撤单时表示"订单不存在"的交易所错误码
const (
	codeUnknownOrder  = -2011
	codeOrderNotExist = -2013
)

const clientOrderPrefix = "pg-"

// RulesCache 是交易规则的持久化缓存，由 persistence.Store 实现
type RulesCache interface {
	SaveSymbolRules(ctx context.Context, rules models.SymbolRules) error
	LoadSymbolRules(ctx context.Context, symbol string) (*models.SymbolRules, error)
}

// BinanceGateway 通过 go-binance 与币安 U 本位合约 (双向持仓模式) 交互
type BinanceGateway struct {
	client  *futures.Client
	cache   RulesCache
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.RWMutex
	rules   map[string]models.SymbolRules
	fetchMu sync.Mutex
}

// NewBinanceGateway 创建网关。baseURL 为空时使用 go-binance 默认地址
func NewBinanceGateway(apiKey, secretKey, baseURL string, timeout time.Duration, cache RulesCache, logger *zap.Logger) *BinanceGateway {
	client := futures.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return newBinanceGateway(client, timeout, cache, logger)
}

func newBinanceGateway(client *futures.Client, timeout time.Duration, cache RulesCache, logger *zap.Logger) *BinanceGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BinanceGateway{
		client:  client,
		cache:   cache,
		timeout: timeout,
		logger:  logger,
		rules:   make(map[string]models.SymbolRules),
	}
}

// Client 返回底层的 go-binance 客户端，供行情下载复用
func (g *BinanceGateway) Client() *futures.Client {
	return g.client
}

func (g *BinanceGateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

// SymbolRules 依次从内存、持久化缓存、exchangeInfo 读取交易规则
func (g *BinanceGateway) SymbolRules(ctx context.Context, symbol string) (*models.SymbolRules, error) {
	if rules, ok := g.cachedRules(symbol); ok {
		return &rules, nil
	}

	if g.cache != nil {
		rules, err := g.cache.LoadSymbolRules(ctx, symbol)
		if err != nil {
			g.logger.Warn("读取交易规则缓存失败", zap.String("symbol", symbol), zap.Error(err))
		} else if rules != nil {
			g.storeRules(*rules)
			return rules, nil
		}
	}

	g.fetchMu.Lock()
	defer g.fetchMu.Unlock()
	// 等锁期间可能已经被别的 goroutine 拉取过
	if rules, ok := g.cachedRules(symbol); ok {
		return &rules, nil
	}
	if err := g.refreshRules(ctx); err != nil {
		return nil, err
	}
	rules, ok := g.cachedRules(symbol)
	if !ok {
		return nil, fmt.Errorf("未找到交易对 %s 的交易规则", symbol)
	}
	return &rules, nil
}

func (g *BinanceGateway) cachedRules(symbol string) (models.SymbolRules, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rules, ok := g.rules[symbol]
	return rules, ok
}

func (g *BinanceGateway) storeRules(rules models.SymbolRules) {
	g.mu.Lock()
	g.rules[rules.Symbol] = rules
	g.mu.Unlock()
}

// refreshRules 拉取 exchangeInfo 并缓存所有交易对的规则
func (g *BinanceGateway) refreshRules(ctx context.Context) error {
	tctx, cancel := g.withTimeout(ctx)
	defer cancel()

	info, err := g.client.NewExchangeInfoService().Do(tctx)
	if err != nil {
		return translateError("获取 exchangeInfo", err)
	}

	for _, s := range info.Symbols {
		rules := parseSymbolRules(s.Symbol, s.Filters)
		g.storeRules(rules)
		if g.cache != nil {
			if err := g.cache.SaveSymbolRules(ctx, rules); err != nil {
				g.logger.Warn("保存交易规则缓存失败", zap.String("symbol", s.Symbol), zap.Error(err))
			}
		}
	}
	g.logger.Info("交易规则已刷新", zap.Int("symbols", len(info.Symbols)))
	return nil
}

// parseSymbolRules 从 exchangeInfo 的 filters 中提取 LOT_SIZE / PRICE_FILTER / MIN_NOTIONAL
func parseSymbolRules(symbol string, filters []map[string]interface{}) models.SymbolRules {
	rules := models.SymbolRules{Symbol: symbol}
	for _, f := range filters {
		switch f["filterType"] {
		case "LOT_SIZE":
			rules.StepSize = cast.ToFloat64(f["stepSize"])
			rules.MinQty = cast.ToFloat64(f["minQty"])
		case "PRICE_FILTER":
			rules.TickSize = cast.ToFloat64(f["tickSize"])
			rules.MinPrice = cast.ToFloat64(f["minPrice"])
			rules.MaxPrice = cast.ToFloat64(f["maxPrice"])
		case "MIN_NOTIONAL":
			rules.MinNotional = cast.ToFloat64(f["notional"])
		}
	}
	return rules
}

// MarkPrice 获取标记价格
func (g *BinanceGateway) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	tctx, cancel := g.withTimeout(ctx)
	defer cancel()

	res, err := g.client.NewPremiumIndexService().Symbol(symbol).Do(tctx)
	if err != nil {
		return 0, translateError("获取标记价格 "+symbol, err)
	}
	for _, p := range res {
		if p.Symbol == symbol || p.Symbol == "" {
			return strconv.ParseFloat(p.MarkPrice, 64)
		}
	}
	return 0, fmt.Errorf("未返回 %s 的标记价格", symbol)
}

// Positions 获取所有非零持仓
func (g *BinanceGateway) Positions(ctx context.Context) ([]models.Position, error) {
	tctx, cancel := g.withTimeout(ctx)
	defer cancel()

	res, err := g.client.NewGetPositionRiskService().Do(tctx)
	if err != nil {
		return nil, translateError("获取持仓", err)
	}

	var positions []models.Position
	for _, p := range res {
		size, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if size == 0 {
			continue
		}
		// 双向持仓模式下空单数量本身就是负数，这里再按 positionSide 兜底一次
		if string(p.PositionSide) == string(models.Short) && size > 0 {
			size = -size
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		leverage, _ := strconv.Atoi(p.Leverage)
		positions = append(positions, models.Position{
			Symbol:        p.Symbol,
			Size:          size,
			EntryPrice:    entry,
			MarkPrice:     mark,
			UnrealizedPnL: pnl,
			Leverage:      leverage,
		})
	}
	return positions, nil
}

// Position 获取单个交易对的持仓，没有持仓时返回 nil
func (g *BinanceGateway) Position(ctx context.Context, symbol string) (*models.Position, error) {
	positions, err := g.Positions(ctx)
	if err != nil {
		return nil, err
	}
	return pickPosition(positions, symbol), nil
}

// PlaceMarketOrder 提交市价单
func (g *BinanceGateway) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, positionSide models.PositionSide, qty float64) (*models.OrderResult, error) {
	tctx, cancel := g.withTimeout(ctx)
	defer cancel()

	clientID := newClientOrderID()
	res, err := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		PositionSide(futures.PositionSideType(positionSide)).
		Type(futures.OrderTypeMarket).
		Quantity(formatFloat(qty)).
		NewClientOrderID(clientID).
		Do(tctx)
	if err != nil {
		return nil, translateError(fmt.Sprintf("市价单 %s %s %s", symbol, side, positionSide), err)
	}

	avg, _ := strconv.ParseFloat(res.AvgPrice, 64)
	executed, _ := strconv.ParseFloat(res.ExecutedQuantity, 64)
	if executed == 0 {
		executed = qty
	}
	g.logger.Info("市价单已提交",
		zap.String("symbol", symbol), zap.String("side", string(side)),
		zap.String("positionSide", string(positionSide)), zap.Float64("qty", qty),
		zap.Int64("orderId", res.OrderID), zap.String("status", string(res.Status)))

	return &models.OrderResult{
		Symbol:        symbol,
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Side:          side,
		PositionSide:  positionSide,
		Quantity:      executed,
		AvgPrice:      avg,
		Status:        string(res.Status),
	}, nil
}

// PlaceConditionalOrder 挂出以标记价格触发、全部平仓的止损/止盈单
func (g *BinanceGateway) PlaceConditionalOrder(ctx context.Context, symbol string, side models.Side, positionSide models.PositionSide, kind models.ConditionalKind, triggerPrice float64) (*models.ConditionalOrder, error) {
	tctx, cancel := g.withTimeout(ctx)
	defer cancel()

	clientID := newClientOrderID()
	res, err := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		PositionSide(futures.PositionSideType(positionSide)).
		Type(futures.OrderType(orderTypeOf(kind))).
		StopPrice(formatFloat(triggerPrice)).
		ClosePosition(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		TimeInForce(futures.TimeInForceTypeGTC).
		NewClientOrderID(clientID).
		Do(tctx)
	if err != nil {
		return nil, translateError(fmt.Sprintf("条件单 %s %s %s", symbol, kind, positionSide), err)
	}

	g.logger.Info("条件单已挂出",
		zap.String("symbol", symbol), zap.String("kind", string(kind)),
		zap.String("positionSide", string(positionSide)), zap.Float64("trigger", triggerPrice),
		zap.Int64("orderId", res.OrderID))

	return &models.ConditionalOrder{
		Symbol:        symbol,
		PositionSide:  positionSide,
		Kind:          kind,
		TriggerPrice:  triggerPrice,
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
	}, nil
}

func (g *BinanceGateway) listOpenOrders(ctx context.Context, symbol string) ([]*futures.Order, error) {
	tctx, cancel := g.withTimeout(ctx)
	defer cancel()

	svc := g.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	res, err := svc.Do(tctx)
	if err != nil {
		return nil, translateError("获取挂单 "+symbol, err)
	}
	return res, nil
}

// OpenOrders 获取普通挂单 (不含止损/止盈单)
func (g *BinanceGateway) OpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	res, err := g.listOpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	var orders []models.Order
	for _, o := range res {
		if _, ok := conditionalKindOf(string(o.Type)); ok {
			continue
		}
		price, _ := strconv.ParseFloat(o.Price, 64)
		stop, _ := strconv.ParseFloat(o.StopPrice, 64)
		qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
		orders = append(orders, models.Order{
			Symbol:        o.Symbol,
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Side:          models.Side(o.Side),
			PositionSide:  models.PositionSide(o.PositionSide),
			Type:          string(o.Type),
			Status:        string(o.Status),
			Price:         price,
			StopPrice:     stop,
			OrigQty:       qty,
		})
	}
	return orders, nil
}

// OpenConditionalOrders 从交易所实时读取挂着的止损/止盈单
func (g *BinanceGateway) OpenConditionalOrders(ctx context.Context, symbol string) ([]models.ConditionalOrder, error) {
	res, err := g.listOpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	var orders []models.ConditionalOrder
	for _, o := range res {
		kind, ok := conditionalKindOf(string(o.Type))
		if !ok {
			continue
		}
		stop, _ := strconv.ParseFloat(o.StopPrice, 64)
		orders = append(orders, models.ConditionalOrder{
			Symbol:        o.Symbol,
			PositionSide:  models.PositionSide(o.PositionSide),
			Kind:          kind,
			TriggerPrice:  stop,
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
		})
	}
	return orders, nil
}

// CancelOrder 撤单；订单已不存在时返回包装了 ErrOrderNotFound 的错误
func (g *BinanceGateway) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	tctx, cancel := g.withTimeout(ctx)
	defer cancel()

	_, err := g.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(tctx)
	if err != nil {
		return translateError(fmt.Sprintf("撤单 %s #%d", symbol, orderID), err)
	}
	return nil
}

// CancelConditionalOrder 撤销止损/止盈单
func (g *BinanceGateway) CancelConditionalOrder(ctx context.Context, order models.ConditionalOrder) error {
	return g.CancelOrder(ctx, order.Symbol, order.OrderID)
}

// StartUserStream 创建用户数据流 listenKey
func (g *BinanceGateway) StartUserStream(ctx context.Context) (string, error) {
	tctx, cancel := g.withTimeout(ctx)
	defer cancel()

	key, err := g.client.NewStartUserStreamService().Do(tctx)
	if err != nil {
		return "", translateError("创建 listenKey", err)
	}
	return key, nil
}

// KeepaliveUserStream 延长 listenKey 的有效期
func (g *BinanceGateway) KeepaliveUserStream(ctx context.Context, listenKey string) error {
	tctx, cancel := g.withTimeout(ctx)
	defer cancel()

	if err := g.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(tctx); err != nil {
		return translateError("保持 listenKey 存活", err)
	}
	return nil
}

// translateError 把 go-binance 的错误转换成 *models.Error，撤单竞态额外包装 ErrOrderNotFound
func translateError(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		binanceErr := &models.Error{Code: int(apiErr.Code), Msg: apiErr.Message}
		if binanceErr.Code == codeUnknownOrder || binanceErr.Code == codeOrderNotExist {
			return fmt.Errorf("%s: %w: %w", op, ErrOrderNotFound, binanceErr)
		}
		return fmt.Errorf("%s: %w", op, binanceErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// newClientOrderID 生成不超过 36 个字符的客户端订单号
func newClientOrderID() string {
	id := uuid.New()
	return clientOrderPrefix + base62.EncodeToString(id[:])
}

// IsOwnOrder 判断订单是否由本程序创建
func IsOwnOrder(clientOrderID string) bool {
	return strings.HasPrefix(clientOrderID, clientOrderPrefix)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
