package strategy

import (
	"fmt"
	"math"
	"strings"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
	"crypto-futures-trader/pkg/ta"
)

// New 根据 STRATEGY_NAME 构造策略，未知名称或参数缺失返回配置错误
func New(cfg service.StrategyConfig) (Strategy, error) {
	if cfg.ATRPeriod <= 0 {
		return nil, fmt.Errorf("%w: ATR_PERIOD must be positive", service.ErrConfiguration)
	}

	switch ParseKind(cfg.Name) {
	case KindEMACrossover:
		return newEMACrossover(cfg)
	case KindMeanReversion:
		return newMeanReversion(cfg)
	case KindMomentumScalping:
		return newMomentumScalping(cfg)
	}
	return nil, fmt.Errorf("%w: unknown strategy %q", service.ErrConfiguration, cfg.Name)
}

// ParseKind 解析策略名称，兼容旧名称
func ParseKind(name string) Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ema_crossover", "simple_ema_crossover", "crossover":
		return KindEMACrossover
	case "mean_reversion", "bollinger_stochrsi":
		return KindMeanReversion
	case "momentum_scalping", "scalping":
		return KindMomentumScalping
	}
	return ""
}

// evaluate 是所有变体共用的决策流程：
// 1. 同一根 K 线已经出过信号 -> NONE
// 2. 变体自己的规则
// 3. 开仓信号需要波动率落在区间内
func evaluate(s Strategy, vec model.IndicatorVector, prior SymbolState) model.Signal {
	sig := model.Signal{
		Symbol:    vec.Symbol,
		Timestamp: vec.OpenTime,
		Direction: model.DirNone,
		Price:     vec.Close,
	}

	if !prior.LastSignalAt.IsZero() && !vec.OpenTime.After(prior.LastSignalAt) {
		sig.Reason = "signal already emitted for this candle"
		return sig
	}

	dir, reason, strength := s.decide(vec)
	if !dir.IsEntry() {
		sig.Reason = reason
		return sig
	}

	b := s.Bracket()
	ratio := model.VolatilityRatio(vec.Get(ta.KeyATR), vec.Close)
	if !b.InBand(ratio) {
		sig.Reason = fmt.Sprintf("%s filtered: volatility %.4f%% outside [%.4f, %.4f]", reason, ratio, b.MinVolatility, b.MaxVolatility)
		return sig
	}

	sig.Direction = dir
	sig.Reason = reason
	sig.Strength = strength
	return sig
}

// missingIndicator 返回第一个缺失的指标名
func missingIndicator(vec model.IndicatorVector, names ...string) string {
	for _, name := range names {
		if !vec.Has(name) {
			return name
		}
	}
	return ""
}

func validateBracket(prefix string, b model.Bracket) error {
	if b.StopLossATR <= 0 || b.TakeProfitATR <= 0 {
		return fmt.Errorf("%w: %s_ATR_SL_MULTIPLIER and %s_ATR_TP_MULTIPLIER must be positive", service.ErrConfiguration, prefix, prefix)
	}
	if b.MinVolatility < 0 || b.MaxVolatility < b.MinVolatility || math.IsNaN(b.MaxVolatility) {
		return fmt.Errorf("%w: %s volatility band [%v, %v] is invalid", service.ErrConfiguration, prefix, b.MinVolatility, b.MaxVolatility)
	}
	return nil
}

func validateEMAPair(prefix string, fast, slow int) error {
	if fast <= 0 || slow <= 0 {
		return fmt.Errorf("%w: %s EMA periods must be positive", service.ErrConfiguration, prefix)
	}
	if fast >= slow {
		return fmt.Errorf("%w: %s fast EMA (%d) must be shorter than slow EMA (%d)", service.ErrConfiguration, prefix, fast, slow)
	}
	return nil
}
