package risk

import (
	"errors"
	"fmt"
	"math"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/pkg/ta"
)

// 拒绝原因，调用方跳过该交易对，不下单
var (
	ErrSignalIsNone        = errors.New("risk: signal is not an entry")
	ErrZeroATR             = errors.New("risk: atr is zero or undefined")
	ErrVolatilityOutOfBand = errors.New("risk: volatility out of band")
	ErrInvalidBracket      = errors.New("risk: invalid stop-loss/take-profit bracket")
)

// AccountConfig 账户级参数
type AccountConfig struct {
	PositionSizeUSDT float64 // 固定名义金额
	Leverage         int
}

// Manager 把信号转换成下单计划
type Manager struct {
	account AccountConfig
}

func NewManager(account AccountConfig) *Manager {
	if account.Leverage < 1 {
		account.Leverage = 1
	}
	return &Manager{account: account}
}

func (m *Manager) Account() AccountConfig {
	return m.account
}

// Plan 计算入场价、数量和 ATR 止损止盈
// 数量 = POSITION_SIZE_USDT ÷ 入场价 ÷ 杠杆，不随权益变化
func (m *Manager) Plan(sig model.Signal, vec model.IndicatorVector, bracket model.Bracket) (model.OrderPlan, error) {
	if !sig.Direction.IsEntry() {
		return model.OrderPlan{}, fmt.Errorf("%w: %s %s", ErrSignalIsNone, sig.Symbol, sig.Direction)
	}

	atr := vec.Get(ta.KeyATR)
	if math.IsNaN(atr) || math.IsInf(atr, 0) || atr <= 0 {
		return model.OrderPlan{}, fmt.Errorf("%w: %s atr=%v", ErrZeroATR, sig.Symbol, atr)
	}

	entry := vec.Close
	if entry <= 0 {
		return model.OrderPlan{}, fmt.Errorf("%w: %s entry price %v", ErrInvalidBracket, sig.Symbol, entry)
	}

	ratio := model.VolatilityRatio(atr, entry)
	if !bracket.InBand(ratio) {
		return model.OrderPlan{}, fmt.Errorf("%w: %s ratio %.4f%% not in [%.4f, %.4f]",
			ErrVolatilityOutOfBand, sig.Symbol, ratio, bracket.MinVolatility, bracket.MaxVolatility)
	}

	stopDistance := atr * bracket.StopLossATR
	targetDistance := atr * bracket.TakeProfitATR
	if stopDistance <= 0 || targetDistance <= 0 {
		return model.OrderPlan{}, fmt.Errorf("%w: %s multipliers sl=%v tp=%v", ErrInvalidBracket, sig.Symbol, bracket.StopLossATR, bracket.TakeProfitATR)
	}

	sign := sig.Direction.Sign()
	stopLoss := entry - sign*stopDistance
	takeProfit := entry + sign*targetDistance

	// 止损止盈必须在入场价两侧，且都为正价格
	if stopLoss <= 0 || takeProfit <= 0 {
		return model.OrderPlan{}, fmt.Errorf("%w: %s sl=%v tp=%v", ErrInvalidBracket, sig.Symbol, stopLoss, takeProfit)
	}

	leverage := m.account.Leverage
	quantity := m.account.PositionSizeUSDT / entry / float64(leverage)

	return model.OrderPlan{
		Symbol:          sig.Symbol,
		Side:            sig.Direction,
		EntryPrice:      entry,
		Quantity:        quantity,
		StopLossPrice:   stopLoss,
		TakeProfitPrice: takeProfit,
		Leverage:        leverage,
		Notional:        quantity * entry,
		ATR:             atr,
		StopDistance:    stopDistance,
		TargetDistance:  targetDistance,
		SignalTime:      sig.Timestamp,
		Reason:          sig.Reason,
	}, nil
}

// Rebase 按实际成交价重新计算止损止盈，保持 ATR 距离不变
func Rebase(side model.Direction, fillPrice, stopDistance, targetDistance float64) (stopLoss, takeProfit float64) {
	sign := side.Sign()
	return fillPrice - sign*stopDistance, fillPrice + sign*targetDistance
}
