package executor

import (
	"context"
	"errors"

	"crypto-futures-trader/internal/model"
)

var (
	// ErrExchangeRejected 交易所明确拒单，不重试，释放名额
	ErrExchangeRejected = errors.New("executor: order rejected by exchange")
	// ErrExchangeTimeout 在超时内没有拿到成交确认
	ErrExchangeTimeout = errors.New("executor: order confirmation timed out")
	// ErrNoPrice 模拟器还没有该交易对的价格
	ErrNoPrice = errors.New("executor: no price for symbol")
)

// Executor 是交易执行器的通用接口，负责与交易所通信
type Executor interface {
	// PlaceOrder 市价开仓并挂上止损止盈，返回实际成交
	PlaceOrder(ctx context.Context, plan model.OrderPlan) (model.Fill, error)

	// ClosePosition 市价平仓 (reduce-only)，返回实际成交
	ClosePosition(ctx context.Context, pos model.Position, reason model.CloseReason) (model.Fill, error)

	// Release 账本按 K 线判定平仓后同步交易所一侧：
	// 撤掉残留的止损止盈单，仓位还在就 reduce-only 市价平掉
	Release(ctx context.Context, pos model.Position) error
}

// PriceFeed 由调用方在每个周期推送最新收盘价
type PriceFeed interface {
	UpdatePrice(symbol string, price float64)
}
