package strategy

import (
	"time"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/pkg/ta"
)

// Kind 标识策略变体，集合是封闭的
type Kind string

const (
	KindEMACrossover     Kind = "ema_crossover"
	KindMeanReversion    Kind = "mean_reversion"
	KindMomentumScalping Kind = "momentum_scalping"
)

// Strategy 是所有策略变体的统一契约
// decide 未导出，外部包无法实现新的变体
type Strategy interface {
	Kind() Kind
	// Indicators 返回该策略需要的指标参数，交给 ta.Pipeline
	Indicators() ta.Params
	// Bracket 返回策略级的止损止盈倍数和波动率区间
	Bracket() model.Bracket
	// Evaluate 纯函数：相同的向量和状态得到相同的信号
	Evaluate(vec model.IndicatorVector, prior SymbolState) model.Signal

	decide(vec model.IndicatorVector) (model.Direction, string, float64)
}

// SymbolState 是某个交易对上一次发出信号的记录
type SymbolState struct {
	LastSignalAt  time.Time
	LastDirection model.Direction
}
