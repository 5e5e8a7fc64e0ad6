package strategy

import (
	"math"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
	"crypto-futures-trader/pkg/ta"
)

// EMACrossover 快慢 EMA 交叉
// 用上一根和当前 K 线 (fast-slow) 的符号变化确认交叉，fast 一直在上方时不会重复触发
type EMACrossover struct {
	params  ta.Params
	bracket model.Bracket
}

func newEMACrossover(cfg service.StrategyConfig) (*EMACrossover, error) {
	c := cfg.Crossover
	if err := validateEMAPair("CROSSOVER", c.FastEMA, c.SlowEMA); err != nil {
		return nil, err
	}
	b := model.Bracket{
		StopLossATR:   c.SLMultiplier,
		TakeProfitATR: c.TPMultiplier,
		MinVolatility: c.MinVolatility,
		MaxVolatility: c.MaxVolatility,
	}
	if err := validateBracket("CROSSOVER", b); err != nil {
		return nil, err
	}
	return &EMACrossover{
		params: ta.Params{
			EMAFast: c.FastEMA,
			EMASlow: c.SlowEMA,
			ATR:     cfg.ATRPeriod,
			Warmup:  cfg.Warmup,
		},
		bracket: b,
	}, nil
}

func (s *EMACrossover) Kind() Kind             { return KindEMACrossover }
func (s *EMACrossover) Indicators() ta.Params  { return s.params }
func (s *EMACrossover) Bracket() model.Bracket { return s.bracket }

func (s *EMACrossover) Evaluate(vec model.IndicatorVector, prior SymbolState) model.Signal {
	return evaluate(s, vec, prior)
}

func (s *EMACrossover) decide(vec model.IndicatorVector) (model.Direction, string, float64) {
	if name := missingIndicator(vec, ta.KeyEMAFast, ta.KeyEMASlow, ta.KeyEMAFastPrev, ta.KeyEMASlowPrev); name != "" {
		return model.DirNone, "missing indicator " + name, 0
	}

	prevDiff := vec.Get(ta.KeyEMAFastPrev) - vec.Get(ta.KeyEMASlowPrev)
	diff := vec.Get(ta.KeyEMAFast) - vec.Get(ta.KeyEMASlow)

	strength := 0.0
	if vec.Close > 0 {
		strength = math.Abs(diff) / vec.Close * 100
	}

	switch {
	case prevDiff <= 0 && diff > 0:
		return model.DirLong, "fast EMA crossed above slow EMA", strength
	case prevDiff >= 0 && diff < 0:
		return model.DirShort, "fast EMA crossed below slow EMA", strength
	}
	return model.DirNone, "no crossover", 0
}
