package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"crypto-futures-trader/internal/exchange"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderRequest 是交给网关的单笔订单
type OrderRequest struct {
	Symbol        string
	Side          futures.SideType
	Type          futures.OrderType
	Quantity      string
	StopPrice     string // 仅条件单
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult 是网关返回的成交摘要
type OrderResult struct {
	OrderID     string
	AvgPrice    float64
	ExecutedQty float64
	UpdateTime  time.Time
}

// Gateway 把下单动作和具体 SDK 隔开
type Gateway interface {
	ChangeLeverage(ctx context.Context, symbol string, leverage int) error
	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelAll(ctx context.Context, symbol string) error
	// PositionAmount 交易所上的持仓数量，多为正、空为负
	PositionAmount(ctx context.Context, symbol string) (float64, error)
}

// RulesSource 返回交易对的下单精度
type RulesSource interface {
	SymbolRules(ctx context.Context) (map[string]exchange.SymbolRules, error)
}

const (
	orderTypeStopMarket       = futures.OrderType("STOP_MARKET")
	orderTypeTakeProfitMarket = futures.OrderType("TAKE_PROFIT_MARKET")
)

// BinanceExecutor 在 USDT 本位合约上执行开平仓
type BinanceExecutor struct {
	gw     Gateway
	rules  RulesSource
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]exchange.SymbolRules
}

// NewBinanceExecutor rules 可以为 nil，此时不做精度截断
func NewBinanceExecutor(gw Gateway, rules RulesSource, logger *zap.Logger) *BinanceExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BinanceExecutor{
		gw:     gw,
		rules:  rules,
		logger: logger.With(zap.String("component", "binance_executor")),
	}
}

// PlaceOrder 设置杠杆 -> 市价开仓 -> 挂 reduce-only 止损和止盈
// 止损止盈按成交价重新计算，保持计划中的距离
func (e *BinanceExecutor) PlaceOrder(ctx context.Context, plan model.OrderPlan) (model.Fill, error) {
	rules := e.symbolRules(ctx, plan.Symbol)

	qty := roundDown(plan.Quantity, rules.StepSize)
	if qty.Sign() <= 0 || (rules.MinQty > 0 && qty.LessThan(decimal.NewFromFloat(rules.MinQty))) {
		return model.Fill{}, fmt.Errorf("%w: %s quantity %v below lot size", ErrExchangeRejected, plan.Symbol, plan.Quantity)
	}

	// 交易所上已有仓位 (上次没有平干净) 时不再加仓
	held, err := e.gw.PositionAmount(ctx, plan.Symbol)
	if err != nil {
		return model.Fill{}, classify(ctx, "position check", err)
	}
	if held != 0 {
		return model.Fill{}, fmt.Errorf("%w: %s already holds %v on exchange", ErrExchangeRejected, plan.Symbol, held)
	}

	if err := e.gw.ChangeLeverage(ctx, plan.Symbol, plan.Leverage); err != nil {
		return model.Fill{}, classify(ctx, "change leverage", err)
	}

	entrySide := sideFor(plan.Side)
	res, err := e.gw.CreateOrder(ctx, OrderRequest{
		Symbol:        plan.Symbol,
		Side:          entrySide,
		Type:          futures.OrderTypeMarket,
		Quantity:      qty.String(),
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return model.Fill{}, classify(ctx, "market entry", err)
	}

	fill := model.Fill{
		Symbol:   plan.Symbol,
		OrderID:  res.OrderID,
		Price:    res.AvgPrice,
		Quantity: res.ExecutedQty,
		Time:     res.UpdateTime,
	}
	if fill.Price <= 0 {
		fill.Price = plan.EntryPrice
	}
	if fill.Quantity <= 0 {
		fill.Quantity = qty.InexactFloat64()
	}

	sign := plan.Side.Sign()
	stop := fill.Price - sign*plan.StopDistance
	target := fill.Price + sign*plan.TargetDistance
	exitSide := sideFor(plan.Side.Opposite())
	filledQty := roundDown(fill.Quantity, rules.StepSize).String()

	brackets := []OrderRequest{
		{Symbol: plan.Symbol, Side: exitSide, Type: orderTypeStopMarket, Quantity: filledQty,
			StopPrice: roundNearest(stop, rules.TickSize).String(), ReduceOnly: true, ClientOrderID: uuid.NewString()},
		{Symbol: plan.Symbol, Side: exitSide, Type: orderTypeTakeProfitMarket, Quantity: filledQty,
			StopPrice: roundNearest(target, rules.TickSize).String(), ReduceOnly: true, ClientOrderID: uuid.NewString()},
	}
	for _, req := range brackets {
		if p, _ := decimal.NewFromString(req.StopPrice); p.Sign() <= 0 {
			e.logger.Error("Bracket price not positive, order skipped",
				zap.String("symbol", plan.Symbol), zap.String("type", string(req.Type)), zap.String("stop_price", req.StopPrice))
			continue
		}
		if _, err := e.gw.CreateOrder(ctx, req); err != nil {
			// 持仓已经存在，账本按 K 线判定止损止盈后由 Release 平掉
			e.logger.Error("Failed to place bracket order",
				zap.String("symbol", plan.Symbol), zap.String("type", string(req.Type)), zap.Error(err))
		}
	}

	e.logger.Info("Order filled",
		zap.String("symbol", plan.Symbol), zap.String("side", plan.Side.String()),
		zap.Float64("price", fill.Price), zap.Float64("qty", fill.Quantity), zap.String("order_id", fill.OrderID))
	return fill, nil
}

// ClosePosition 撤掉挂单后市价 reduce-only 平仓
func (e *BinanceExecutor) ClosePosition(ctx context.Context, pos model.Position, reason model.CloseReason) (model.Fill, error) {
	if err := e.gw.CancelAll(ctx, pos.Symbol); err != nil {
		e.logger.Warn("Failed to cancel open orders", zap.String("symbol", pos.Symbol), zap.Error(err))
	}

	rules := e.symbolRules(ctx, pos.Symbol)
	qty := roundDown(pos.Quantity, rules.StepSize)
	res, err := e.gw.CreateOrder(ctx, OrderRequest{
		Symbol:        pos.Symbol,
		Side:          sideFor(pos.Side.Opposite()),
		Type:          futures.OrderTypeMarket,
		Quantity:      qty.String(),
		ReduceOnly:    true,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return model.Fill{}, classify(ctx, "market exit", err)
	}

	e.logger.Info("Position closed on exchange",
		zap.String("symbol", pos.Symbol), zap.String("reason", string(reason)), zap.Float64("price", res.AvgPrice))
	return model.Fill{
		Symbol:   pos.Symbol,
		OrderID:  res.OrderID,
		Price:    res.AvgPrice,
		Quantity: res.ExecutedQty,
		Time:     res.UpdateTime,
	}, nil
}

// Release 撤掉另一张条件单，交易所仍有仓位 (条件单没挂上或只成交了一部分) 时市价平掉
func (e *BinanceExecutor) Release(ctx context.Context, pos model.Position) error {
	if err := e.gw.CancelAll(ctx, pos.Symbol); err != nil {
		e.logger.Warn("Failed to cancel open orders", zap.String("symbol", pos.Symbol), zap.Error(err))
	}

	amt, err := e.gw.PositionAmount(ctx, pos.Symbol)
	if err != nil {
		return classify(ctx, "position check", err)
	}
	rules := e.symbolRules(ctx, pos.Symbol)
	qty := roundDown(math.Abs(amt), rules.StepSize)
	if qty.Sign() <= 0 {
		return nil
	}

	side := futures.SideTypeSell
	if amt < 0 {
		side = futures.SideTypeBuy
	}
	res, err := e.gw.CreateOrder(ctx, OrderRequest{
		Symbol:        pos.Symbol,
		Side:          side,
		Type:          futures.OrderTypeMarket,
		Quantity:      qty.String(),
		ReduceOnly:    true,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return classify(ctx, "release exit", err)
	}
	e.logger.Warn("Leftover exchange position closed",
		zap.String("symbol", pos.Symbol), zap.String("qty", qty.String()), zap.Float64("price", res.AvgPrice))
	return nil
}

// symbolRules 首次使用时加载并缓存，失败时返回空规则
// 并发下单时只加载一次
func (e *BinanceExecutor) symbolRules(ctx context.Context, symbol string) exchange.SymbolRules {
	if e.rules == nil {
		return exchange.SymbolRules{Symbol: symbol}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cache == nil {
		all, err := e.rules.SymbolRules(ctx)
		if err != nil {
			e.logger.Warn("Failed to load symbol rules", zap.Error(err))
			return exchange.SymbolRules{Symbol: symbol}
		}
		e.cache = all
	}
	return e.cache[symbol]
}

// classify 把底层错误映射为拒单或超时
func classify(ctx context.Context, op string, err error) error {
	switch {
	case exchange.IsAPIError(err):
		return fmt.Errorf("%w: %s: %v", ErrExchangeRejected, op, err)
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		return fmt.Errorf("%w: %s: %v", ErrExchangeTimeout, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func sideFor(d model.Direction) futures.SideType {
	if d == model.DirShort {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

// roundDown 按步长向下取整，step<=0 时原样返回
func roundDown(v, step float64) decimal.Decimal {
	d := decimal.NewFromFloat(v)
	if step <= 0 {
		return d
	}
	s := decimal.NewFromFloat(step)
	return d.Div(s).Floor().Mul(s)
}

// roundNearest 按最小价格变动四舍五入
func roundNearest(v, tick float64) decimal.Decimal {
	d := decimal.NewFromFloat(v)
	if tick <= 0 {
		return d
	}
	t := decimal.NewFromFloat(tick)
	return d.Div(t).Round(0).Mul(t)
}

// FuturesGateway 基于 go-binance 的网关实现，请求经过 BinanceFutures 的限流和重试
type FuturesGateway struct {
	api *exchange.BinanceFutures
}

func NewFuturesGateway(api *exchange.BinanceFutures) *FuturesGateway {
	return &FuturesGateway{api: api}
}

func (g *FuturesGateway) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	return g.api.Do(ctx, "change_leverage", func(ctx context.Context) error {
		_, err := g.api.Client().NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
		return err
	})
}

// CreateOrder 下单不做网络重试，避免重复开仓
func (g *FuturesGateway) CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	svc := g.api.Client().NewCreateOrderService().
		Symbol(req.Symbol).
		Side(req.Side).
		Type(req.Type).
		Quantity(req.Quantity).
		NewClientOrderID(req.ClientOrderID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.StopPrice != "" {
		svc = svc.StopPrice(req.StopPrice).WorkingType(futures.WorkingTypeMarkPrice)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return OrderResult{}, err
	}

	avg, _ := service.StringToFloat(resp.AvgPrice)
	qty, _ := service.StringToFloat(resp.ExecutedQuantity)
	return OrderResult{
		OrderID:     fmt.Sprintf("%d", resp.OrderID),
		AvgPrice:    avg,
		ExecutedQty: qty,
		UpdateTime:  time.UnixMilli(resp.UpdateTime).UTC(),
	}, nil
}

// PositionAmount 单向持仓模式下 positionAmt 带符号
func (g *FuturesGateway) PositionAmount(ctx context.Context, symbol string) (float64, error) {
	var amt float64
	err := g.api.Do(ctx, "position_risk", func(ctx context.Context) error {
		risks, err := g.api.Client().NewGetPositionRiskService().Symbol(symbol).Do(ctx)
		if err != nil {
			return err
		}
		amt = 0
		for _, r := range risks {
			if r.Symbol != symbol {
				continue
			}
			v, err := service.StringToFloat(r.PositionAmt)
			if err != nil {
				return fmt.Errorf("parse positionAmt %q: %w", r.PositionAmt, err)
			}
			amt += v
		}
		return nil
	})
	return amt, err
}

func (g *FuturesGateway) CancelAll(ctx context.Context, symbol string) error {
	return g.api.Do(ctx, "cancel_all", func(ctx context.Context) error {
		return g.api.Client().NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
	})
}
