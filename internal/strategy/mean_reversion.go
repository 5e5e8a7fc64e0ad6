package strategy

import (
	"fmt"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
	"crypto-futures-trader/pkg/ta"
)

// MeanReversion 布林带 + StochRSI
// 超卖区 %K 上穿 %D 且收盘在中轨下方做多，反之做空；可选趋势 EMA 过滤
type MeanReversion struct {
	params     ta.Params
	bracket    model.Bracket
	oversold   float64
	overbought float64
	trend      bool
}

func newMeanReversion(cfg service.StrategyConfig) (*MeanReversion, error) {
	c := cfg.MeanReversion
	if c.BollingerPeriod <= 0 || c.StochRSIPeriod <= 0 || c.StochK <= 0 || c.StochD <= 0 {
		return nil, fmt.Errorf("%w: MEAN_REVERSION bollinger/stoch rsi periods must be positive", service.ErrConfiguration)
	}
	if c.Oversold >= c.Overbought {
		return nil, fmt.Errorf("%w: MEAN_REVERSION oversold (%v) must be below overbought (%v)", service.ErrConfiguration, c.Oversold, c.Overbought)
	}
	trend := c.TrendFastEMA > 0 || c.TrendSlowEMA > 0
	if trend {
		if err := validateEMAPair("MEAN_REVERSION_TREND", c.TrendFastEMA, c.TrendSlowEMA); err != nil {
			return nil, err
		}
	}
	b := model.Bracket{
		StopLossATR:   c.SLMultiplier,
		TakeProfitATR: c.TPMultiplier,
		MinVolatility: c.MinVolatility,
		MaxVolatility: c.MaxVolatility,
	}
	if err := validateBracket("MEAN_REVERSION", b); err != nil {
		return nil, err
	}

	stdDev := c.BollingerStdDev
	if stdDev <= 0 {
		stdDev = 2
	}
	return &MeanReversion{
		params: ta.Params{
			ATR:             cfg.ATRPeriod,
			BollingerPeriod: c.BollingerPeriod,
			BollingerStdDev: stdDev,
			StochRSIPeriod:  c.StochRSIPeriod,
			StochK:          c.StochK,
			StochD:          c.StochD,
			TrendFast:       c.TrendFastEMA,
			TrendSlow:       c.TrendSlowEMA,
			Warmup:          cfg.Warmup,
		},
		bracket:    b,
		oversold:   c.Oversold,
		overbought: c.Overbought,
		trend:      trend,
	}, nil
}

func (s *MeanReversion) Kind() Kind             { return KindMeanReversion }
func (s *MeanReversion) Indicators() ta.Params  { return s.params }
func (s *MeanReversion) Bracket() model.Bracket { return s.bracket }

func (s *MeanReversion) Evaluate(vec model.IndicatorVector, prior SymbolState) model.Signal {
	return evaluate(s, vec, prior)
}

func (s *MeanReversion) decide(vec model.IndicatorVector) (model.Direction, string, float64) {
	names := []string{ta.KeyStochRSIK, ta.KeyStochRSID, ta.KeyStochRSIKPrev, ta.KeyStochRSIDPrev, ta.KeyBollMiddle}
	if s.trend {
		names = append(names, ta.KeyTrendFast, ta.KeyTrendSlow)
	}
	if name := missingIndicator(vec, names...); name != "" {
		return model.DirNone, "missing indicator " + name, 0
	}

	allowLong, allowShort := true, true
	if s.trend {
		fast, slow := vec.Get(ta.KeyTrendFast), vec.Get(ta.KeyTrendSlow)
		allowLong = fast > slow
		allowShort = fast < slow
	}

	k, d := vec.Get(ta.KeyStochRSIK), vec.Get(ta.KeyStochRSID)
	kPrev, dPrev := vec.Get(ta.KeyStochRSIKPrev), vec.Get(ta.KeyStochRSIDPrev)
	middle := vec.Get(ta.KeyBollMiddle)

	if allowLong && k < s.oversold && kPrev < dPrev && k > d && vec.Close < middle {
		return model.DirLong, "stoch rsi bullish cross in oversold zone below bollinger middle", s.oversold - k
	}
	if allowShort && k > s.overbought && kPrev > dPrev && k < d && vec.Close > middle {
		return model.DirShort, "stoch rsi bearish cross in overbought zone above bollinger middle", k - s.overbought
	}
	return model.DirNone, "no reversion setup", 0
}
