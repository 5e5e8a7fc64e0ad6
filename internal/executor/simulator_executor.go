package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crypto-futures-trader/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SimulatorConfig 模拟器配置
type SimulatorConfig struct {
	InitialCapital float64 // 初始资金
	FeeRate        float64 // 交易手续费率 (例如 0.0004)
	Slippage       float64 // 成交滑点比例 (例如 0.0005)，对开平仓均不利
}

// simPosition 记录模拟器内部的保证金占用
type simPosition struct {
	side     model.Direction
	size     float64
	avgPrice float64
	margin   float64
}

// SimulatorExecutor 纸面交易执行器：按最新价格立即成交，维护一个资产视图
type SimulatorExecutor struct {
	cfg    SimulatorConfig
	logger *zap.Logger
	now    func() time.Time

	mu sync.RWMutex

	balance   float64 // 账户余额 (包含已实现盈亏)
	maxEquity float64 // 历史最高账户净值
	lastPrice map[string]float64
	positions map[string]*simPosition
}

// NewSimulatorExecutor 构造函数
func NewSimulatorExecutor(cfg SimulatorConfig, logger *zap.Logger) *SimulatorExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulatorExecutor{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "simulator")),
		now:       time.Now,
		balance:   cfg.InitialCapital,
		maxEquity: cfg.InitialCapital,
		lastPrice: make(map[string]float64),
		positions: make(map[string]*simPosition),
	}
}

// UpdatePrice 维护最新价格，并刷新最高净值
func (e *SimulatorExecutor) UpdatePrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastPrice[symbol] = price
	if eq := e.equityLocked(); eq > e.maxEquity {
		e.maxEquity = eq
	}
}

// PlaceOrder 模拟市价开仓
func (e *SimulatorExecutor) PlaceOrder(ctx context.Context, plan model.OrderPlan) (model.Fill, error) {
	if err := ctx.Err(); err != nil {
		return model.Fill{}, fmt.Errorf("%w: %v", ErrExchangeTimeout, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.positions[plan.Symbol]; ok {
		return model.Fill{}, fmt.Errorf("%w: %s already has a simulated position", ErrExchangeRejected, plan.Symbol)
	}

	price, ok := e.lastPrice[plan.Symbol]
	if !ok {
		price = plan.EntryPrice
	}
	if price <= 0 {
		return model.Fill{}, fmt.Errorf("%w: %s", ErrNoPrice, plan.Symbol)
	}
	price = e.slip(price, plan.Side)

	leverage := float64(max(plan.Leverage, 1))
	requiredMargin := plan.Quantity * price / leverage
	fee := plan.Quantity * price * e.cfg.FeeRate
	if e.balance < requiredMargin+fee {
		e.logger.Info("Sim rejected: insufficient balance",
			zap.String("symbol", plan.Symbol), zap.Float64("need", requiredMargin+fee), zap.Float64("have", e.balance))
		return model.Fill{}, fmt.Errorf("%w: insufficient margin", ErrExchangeRejected)
	}

	e.balance -= requiredMargin + fee
	e.positions[plan.Symbol] = &simPosition{
		side:     plan.Side,
		size:     plan.Quantity,
		avgPrice: price,
		margin:   requiredMargin,
	}

	fill := model.Fill{
		Symbol:   plan.Symbol,
		OrderID:  "sim-" + uuid.NewString(),
		Price:    price,
		Quantity: plan.Quantity,
		Time:     e.now(),
	}
	e.logger.Info("Sim order filled (open)",
		zap.String("symbol", plan.Symbol), zap.String("side", plan.Side.String()),
		zap.Float64("qty", plan.Quantity), zap.Float64("price", price), zap.Float64("fee", fee))
	return fill, nil
}

// ClosePosition 模拟市价平仓，释放保证金
func (e *SimulatorExecutor) ClosePosition(ctx context.Context, pos model.Position, reason model.CloseReason) (model.Fill, error) {
	if err := ctx.Err(); err != nil {
		return model.Fill{}, fmt.Errorf("%w: %v", ErrExchangeTimeout, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	price, ok := e.lastPrice[pos.Symbol]
	if !ok {
		price = pos.EntryPrice
	}
	if price <= 0 {
		return model.Fill{}, fmt.Errorf("%w: %s", ErrNoPrice, pos.Symbol)
	}
	price = e.slip(price, pos.Side.Opposite())

	if sp, ok := e.positions[pos.Symbol]; ok {
		pnl := (price - sp.avgPrice) * sp.size * sp.side.Sign()
		fee := sp.size * price * e.cfg.FeeRate
		e.balance += sp.margin + pnl - fee
		delete(e.positions, pos.Symbol)

		e.logger.Info("Sim position closed",
			zap.String("symbol", pos.Symbol), zap.String("reason", string(reason)),
			zap.Float64("price", price), zap.Float64("pnl", pnl), zap.Float64("balance", e.balance))
	}

	return model.Fill{
		Symbol:   pos.Symbol,
		OrderID:  "sim-" + uuid.NewString(),
		Price:    price,
		Quantity: pos.Quantity,
		Time:     e.now(),
	}, nil
}

// Settle 同步账本在交易所侧完成的平仓 (止损止盈由账本按 K 线判定)
func (e *SimulatorExecutor) Settle(pos model.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sp, ok := e.positions[pos.Symbol]
	if !ok {
		return
	}
	pnl := (pos.ExitPrice - sp.avgPrice) * sp.size * sp.side.Sign()
	fee := sp.size * pos.ExitPrice * e.cfg.FeeRate
	e.balance += sp.margin + pnl - fee
	delete(e.positions, pos.Symbol)
}

// Release 模拟盘没有挂单，直接按账本平仓价结算
func (e *SimulatorExecutor) Release(_ context.Context, pos model.Position) error {
	e.Settle(pos)
	return nil
}

// slip 让成交价对下单方向不利
func (e *SimulatorExecutor) slip(price float64, side model.Direction) float64 {
	return price * (1 + side.Sign()*e.cfg.Slippage)
}

// equityLocked 净值 = 余额 + 占用保证金 + 浮动盈亏
func (e *SimulatorExecutor) equityLocked() float64 {
	eq := e.balance
	for symbol, sp := range e.positions {
		eq += sp.margin
		if price, ok := e.lastPrice[symbol]; ok {
			eq += (price - sp.avgPrice) * sp.size * sp.side.Sign()
		}
	}
	return eq
}

// Balance 返回可用余额
func (e *SimulatorExecutor) Balance() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance
}

// Equity 返回当前净值
func (e *SimulatorExecutor) Equity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.equityLocked()
}

// MaxEquity 返回账户历史上的最高净值
func (e *SimulatorExecutor) MaxEquity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.maxEquity
}
