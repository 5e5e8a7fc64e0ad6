package strategy

import (
	"sync"
	"testing"
	"time"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
	"crypto-futures-trader/pkg/ta"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var candleT = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testConfig(name string) service.StrategyConfig {
	return service.StrategyConfig{
		Name:      name,
		ATRPeriod: 14,
		Warmup:    2,
		Crossover: service.CrossoverConfig{
			FastEMA: 9, SlowEMA: 21,
			SLMultiplier: 1.5, TPMultiplier: 4.0,
			MinVolatility: 1.0, MaxVolatility: 4.0,
		},
		MeanReversion: service.MeanReversionConfig{
			TrendFastEMA: 50, TrendSlowEMA: 100,
			StochRSIPeriod: 14, StochK: 3, StochD: 3,
			Oversold: 20, Overbought: 80,
			BollingerPeriod: 20, BollingerStdDev: 2,
			SLMultiplier: 1.5, TPMultiplier: 2,
			MinVolatility: 0.1, MaxVolatility: 5,
		},
		Scalping: service.ScalpingConfig{
			FastEMA: 9, SlowEMA: 21, RSIPeriod: 14,
			RSIPullbackLong: 40, RSIPullbackShort: 60,
			VolumeMAPeriod: 20,
			SLMultiplier: 1, TPMultiplier: 1.5,
			MinVolatility: 0.1, MaxVolatility: 5,
		},
	}
}

func crossVector(fastPrev, slowPrev, fast, slow, atr, close float64) model.IndicatorVector {
	return model.IndicatorVector{
		Symbol:   "BTCUSDT",
		OpenTime: candleT,
		Close:    close,
		Values: map[string]float64{
			ta.KeyEMAFastPrev: fastPrev,
			ta.KeyEMASlowPrev: slowPrev,
			ta.KeyEMAFast:     fast,
			ta.KeyEMASlow:     slow,
			ta.KeyATR:         atr,
		},
	}
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	_, err := New(testConfig("grid"))
	require.ErrorIs(t, err, service.ErrConfiguration)

	cfg := testConfig("ema_crossover")
	cfg.Crossover.FastEMA = 30
	_, err = New(cfg)
	require.ErrorIs(t, err, service.ErrConfiguration)

	cfg = testConfig("ema_crossover")
	cfg.Crossover.MinVolatility = 5
	_, err = New(cfg)
	require.ErrorIs(t, err, service.ErrConfiguration)
}

func TestNewKinds(t *testing.T) {
	cases := map[string]Kind{
		"ema_crossover":        KindEMACrossover,
		"simple_ema_crossover": KindEMACrossover,
		"mean_reversion":       KindMeanReversion,
		"momentum_scalping":    KindMomentumScalping,
	}
	for name, kind := range cases {
		s, err := New(testConfig(name))
		require.NoError(t, err, name)
		assert.Equal(t, kind, s.Kind())
		assert.Equal(t, 14, s.Indicators().ATR)
	}
}

func TestEMACrossoverEmitsLongInsideBand(t *testing.T) {
	s, err := New(testConfig("ema_crossover"))
	require.NoError(t, err)

	// ATR/price = 10/500 = 2.0%
	sig := s.Evaluate(crossVector(99, 100, 101, 100, 10, 500), SymbolState{})
	assert.Equal(t, model.DirLong, sig.Direction)
	assert.Equal(t, candleT, sig.Timestamp)
	assert.Equal(t, 500.0, sig.Price)
}

func TestEMACrossoverEmitsShort(t *testing.T) {
	s, err := New(testConfig("ema_crossover"))
	require.NoError(t, err)

	sig := s.Evaluate(crossVector(101, 100, 99, 100, 10, 500), SymbolState{})
	assert.Equal(t, model.DirShort, sig.Direction)
}

func TestEMACrossoverNeedsSignChange(t *testing.T) {
	s, err := New(testConfig("ema_crossover"))
	require.NoError(t, err)

	// fast 一直在 slow 上方，不算交叉
	sig := s.Evaluate(crossVector(102, 100, 103, 100, 10, 500), SymbolState{})
	assert.Equal(t, model.DirNone, sig.Direction)

	// 上一根相等，本根在上方，算交叉
	sig = s.Evaluate(crossVector(100, 100, 101, 100, 10, 500), SymbolState{})
	assert.Equal(t, model.DirLong, sig.Direction)
}

func TestEMACrossoverOutsideBandIsNone(t *testing.T) {
	s, err := New(testConfig("ema_crossover"))
	require.NoError(t, err)

	// ATR/price = 0.5%
	sig := s.Evaluate(crossVector(99, 100, 101, 100, 2.5, 500), SymbolState{})
	assert.Equal(t, model.DirNone, sig.Direction)
	assert.Contains(t, sig.Reason, "volatility")

	// ATR 为 0
	sig = s.Evaluate(crossVector(99, 100, 101, 100, 0, 500), SymbolState{})
	assert.Equal(t, model.DirNone, sig.Direction)
}

func TestDuplicateSignalSuppressed(t *testing.T) {
	s, err := New(testConfig("ema_crossover"))
	require.NoError(t, err)
	state := NewEngineState()

	vec := crossVector(99, 100, 101, 100, 10, 500)
	first := s.Evaluate(vec, state.Get("BTCUSDT"))
	require.Equal(t, model.DirLong, first.Direction)
	state.Record(first)

	second := s.Evaluate(vec, state.Get("BTCUSDT"))
	assert.Equal(t, model.DirNone, second.Direction)

	// 下一根 K 线可以再次出信号
	vec.OpenTime = candleT.Add(time.Minute)
	third := s.Evaluate(vec, state.Get("BTCUSDT"))
	assert.Equal(t, model.DirLong, third.Direction)
}

func TestMissingIndicatorsAreNone(t *testing.T) {
	s, err := New(testConfig("ema_crossover"))
	require.NoError(t, err)

	sig := s.Evaluate(model.IndicatorVector{Symbol: "X", OpenTime: candleT, Close: 1}, SymbolState{})
	assert.Equal(t, model.DirNone, sig.Direction)
	assert.Contains(t, sig.Reason, "missing indicator")
}

func TestMeanReversion(t *testing.T) {
	s, err := New(testConfig("mean_reversion"))
	require.NoError(t, err)

	base := func() model.IndicatorVector {
		return model.IndicatorVector{
			Symbol:   "ETHUSDT",
			OpenTime: candleT,
			Close:    95,
			Values: map[string]float64{
				ta.KeyStochRSIKPrev: 8,
				ta.KeyStochRSIDPrev: 12,
				ta.KeyStochRSIK:     15,
				ta.KeyStochRSID:     11,
				ta.KeyBollMiddle:    100,
				ta.KeyTrendFast:     105,
				ta.KeyTrendSlow:     100,
				ta.KeyATR:           1,
			},
		}
	}

	long := base()
	assert.Equal(t, model.DirLong, s.Evaluate(long, SymbolState{}).Direction)

	// 趋势向下时不做多
	down := base()
	down.Values[ta.KeyTrendFast] = 90
	assert.Equal(t, model.DirNone, s.Evaluate(down, SymbolState{}).Direction)

	// 收盘在中轨上方
	above := base()
	above.Close = 101
	assert.Equal(t, model.DirNone, s.Evaluate(above, SymbolState{}).Direction)

	short := model.IndicatorVector{
		Symbol:   "ETHUSDT",
		OpenTime: candleT,
		Close:    105,
		Values: map[string]float64{
			ta.KeyStochRSIKPrev: 92,
			ta.KeyStochRSIDPrev: 88,
			ta.KeyStochRSIK:     85,
			ta.KeyStochRSID:     89,
			ta.KeyBollMiddle:    100,
			ta.KeyTrendFast:     95,
			ta.KeyTrendSlow:     100,
			ta.KeyATR:           1,
		},
	}
	assert.Equal(t, model.DirShort, s.Evaluate(short, SymbolState{}).Direction)
}

func TestMomentumScalping(t *testing.T) {
	s, err := New(testConfig("momentum_scalping"))
	require.NoError(t, err)

	vec := model.IndicatorVector{
		Symbol:   "SOLUSDT",
		OpenTime: candleT,
		Close:    100,
		Volume:   1500,
		Values: map[string]float64{
			ta.KeyEMAFast:   101,
			ta.KeyEMASlow:   100,
			ta.KeyRSI:       42,
			ta.KeyVolumeSMA: 1000,
			ta.KeyATR:       0.5,
		},
	}
	sig := s.Evaluate(vec, SymbolState{})
	assert.Equal(t, model.DirLong, sig.Direction)
	assert.InDelta(t, 1.5, sig.Strength, 1e-9)

	// RSI 超出回调区间
	vec.Values[ta.KeyRSI] = 45
	assert.Equal(t, model.DirNone, s.Evaluate(vec, SymbolState{}).Direction)

	// 成交量不足
	vec.Values[ta.KeyRSI] = 42
	vec.Volume = 900
	assert.Equal(t, model.DirNone, s.Evaluate(vec, SymbolState{}).Direction)

	vec.Volume = 1500
	vec.Values[ta.KeyEMAFast] = 99
	vec.Values[ta.KeyRSI] = 58
	assert.Equal(t, model.DirShort, s.Evaluate(vec, SymbolState{}).Direction)
}

func TestEngineStateConcurrentRecord(t *testing.T) {
	state := NewEngineState()
	symbols := []string{"A", "B", "C", "D"}

	var wg sync.WaitGroup
	for _, sym := range symbols {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(sym string, i int) {
				defer wg.Done()
				state.Record(model.Signal{Symbol: sym, Direction: model.DirLong, Timestamp: candleT.Add(time.Duration(i) * time.Minute)})
			}(sym, i)
		}
	}
	wg.Wait()

	assert.Equal(t, len(symbols), state.Len())
	for _, sym := range symbols {
		// 只保留最新的时间
		assert.Equal(t, candleT.Add(49*time.Minute), state.Get(sym).LastSignalAt)
	}

	state.Record(model.Signal{Symbol: "E", Direction: model.DirNone, Timestamp: candleT})
	assert.Equal(t, len(symbols), state.Len())

	state.Forget("A")
	assert.True(t, state.Get("A").LastSignalAt.IsZero())
}
