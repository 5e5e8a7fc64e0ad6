package strategy

import (
	"fmt"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
	"crypto-futures-trader/pkg/ta"
)

// RSI 回调区间宽度
const pullbackBand = 5.0

// MomentumScalping 顺势回调：EMA 定方向，RSI 回调到指定区间，成交量高于均量确认
type MomentumScalping struct {
	params        ta.Params
	bracket       model.Bracket
	pullbackLong  float64
	pullbackShort float64
}

func newMomentumScalping(cfg service.StrategyConfig) (*MomentumScalping, error) {
	c := cfg.Scalping
	if err := validateEMAPair("SCALPING", c.FastEMA, c.SlowEMA); err != nil {
		return nil, err
	}
	if c.RSIPeriod <= 0 || c.VolumeMAPeriod <= 0 {
		return nil, fmt.Errorf("%w: SCALPING_RSI_PERIOD and SCALPING_VOLUME_MA_PERIOD must be positive", service.ErrConfiguration)
	}
	b := model.Bracket{
		StopLossATR:   c.SLMultiplier,
		TakeProfitATR: c.TPMultiplier,
		MinVolatility: c.MinVolatility,
		MaxVolatility: c.MaxVolatility,
	}
	if err := validateBracket("SCALPING", b); err != nil {
		return nil, err
	}
	return &MomentumScalping{
		params: ta.Params{
			EMAFast:   c.FastEMA,
			EMASlow:   c.SlowEMA,
			RSI:       c.RSIPeriod,
			VolumeSMA: c.VolumeMAPeriod,
			ATR:       cfg.ATRPeriod,
			Warmup:    cfg.Warmup,
		},
		bracket:       b,
		pullbackLong:  c.RSIPullbackLong,
		pullbackShort: c.RSIPullbackShort,
	}, nil
}

func (s *MomentumScalping) Kind() Kind             { return KindMomentumScalping }
func (s *MomentumScalping) Indicators() ta.Params  { return s.params }
func (s *MomentumScalping) Bracket() model.Bracket { return s.bracket }

func (s *MomentumScalping) Evaluate(vec model.IndicatorVector, prior SymbolState) model.Signal {
	return evaluate(s, vec, prior)
}

func (s *MomentumScalping) decide(vec model.IndicatorVector) (model.Direction, string, float64) {
	if name := missingIndicator(vec, ta.KeyEMAFast, ta.KeyEMASlow, ta.KeyRSI, ta.KeyVolumeSMA); name != "" {
		return model.DirNone, "missing indicator " + name, 0
	}

	fast, slow := vec.Get(ta.KeyEMAFast), vec.Get(ta.KeyEMASlow)
	rsi := vec.Get(ta.KeyRSI)
	volumeSMA := vec.Get(ta.KeyVolumeSMA)

	if vec.Volume <= volumeSMA {
		return model.DirNone, "volume not confirmed", 0
	}
	strength := vec.Volume / volumeSMA

	if fast > slow && rsi >= s.pullbackLong && rsi < s.pullbackLong+pullbackBand {
		return model.DirLong, "uptrend pullback with volume", strength
	}
	if fast < slow && rsi > s.pullbackShort-pullbackBand && rsi <= s.pullbackShort {
		return model.DirShort, "downtrend pullback with volume", strength
	}
	return model.DirNone, "no pullback entry", 0
}
