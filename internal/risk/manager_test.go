package risk

import (
	"math"
	"testing"
	"time"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/pkg/ta"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bracket = model.Bracket{StopLossATR: 1.5, TakeProfitATR: 4.0, MinVolatility: 1.0, MaxVolatility: 4.0}

func vector(close, atr float64) model.IndicatorVector {
	return model.IndicatorVector{
		Symbol:   "BTCUSDT",
		OpenTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Close:    close,
		Values:   map[string]float64{ta.KeyATR: atr},
	}
}

func signal(dir model.Direction) model.Signal {
	return model.Signal{Symbol: "BTCUSDT", Direction: dir}
}

func TestPlanLongBracket(t *testing.T) {
	m := NewManager(AccountConfig{PositionSizeUSDT: 100, Leverage: 10})

	plan, err := m.Plan(signal(model.DirLong), vector(1000, 10), bracket)
	require.NoError(t, err)

	assert.Equal(t, model.DirLong, plan.Side)
	assert.InDelta(t, 985, plan.StopLossPrice, 1e-9)
	assert.InDelta(t, 1040, plan.TakeProfitPrice, 1e-9)
	// 100 / 1000 / 10
	assert.InDelta(t, 0.01, plan.Quantity, 1e-12)
	assert.Equal(t, 10, plan.Leverage)
	assert.InDelta(t, 15, plan.StopDistance, 1e-9)
	assert.InDelta(t, 40, plan.TargetDistance, 1e-9)
}

func TestPlanShortBracket(t *testing.T) {
	m := NewManager(AccountConfig{PositionSizeUSDT: 100, Leverage: 1})

	plan, err := m.Plan(signal(model.DirShort), vector(1000, 10), bracket)
	require.NoError(t, err)

	assert.InDelta(t, 1015, plan.StopLossPrice, 1e-9)
	assert.InDelta(t, 960, plan.TakeProfitPrice, 1e-9)
	assert.Less(t, plan.TakeProfitPrice, plan.EntryPrice)
	assert.Greater(t, plan.StopLossPrice, plan.EntryPrice)
	assert.InDelta(t, 0.1, plan.Quantity, 1e-12)
}

func TestPlanRejections(t *testing.T) {
	m := NewManager(AccountConfig{PositionSizeUSDT: 100, Leverage: 5})

	cases := []struct {
		name string
		sig  model.Signal
		vec  model.IndicatorVector
		want error
	}{
		{"none signal", signal(model.DirNone), vector(1000, 10), ErrSignalIsNone},
		{"exit signal", signal(model.DirExit), vector(1000, 10), ErrSignalIsNone},
		{"zero atr", signal(model.DirLong), vector(1000, 0), ErrZeroATR},
		{"nan atr", signal(model.DirLong), vector(1000, math.NaN()), ErrZeroATR},
		{"missing atr", signal(model.DirLong), model.IndicatorVector{Symbol: "BTCUSDT", Close: 1000}, ErrZeroATR},
		// ATR/price = 0.5%
		{"below band", signal(model.DirLong), vector(1000, 5), ErrVolatilityOutOfBand},
		{"above band", signal(model.DirShort), vector(1000, 41), ErrVolatilityOutOfBand},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Plan(tc.sig, tc.vec, bracket)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPlanOnlyInsideBand(t *testing.T) {
	m := NewManager(AccountConfig{PositionSizeUSDT: 50, Leverage: 3})

	// 在区间内外扫描，只有区间内才出计划
	for atr := 1.0; atr <= 60; atr += 0.5 {
		ratio := atr / 1000 * 100
		_, err := m.Plan(signal(model.DirLong), vector(1000, atr), bracket)
		if ratio >= bracket.MinVolatility && ratio <= bracket.MaxVolatility {
			assert.NoError(t, err, "atr=%v", atr)
		} else {
			assert.ErrorIs(t, err, ErrVolatilityOutOfBand, "atr=%v", atr)
		}
	}
}

func TestRebase(t *testing.T) {
	sl, tp := Rebase(model.DirLong, 1002, 15, 40)
	assert.InDelta(t, 987, sl, 1e-9)
	assert.InDelta(t, 1042, tp, 1e-9)

	sl, tp = Rebase(model.DirShort, 998, 15, 40)
	assert.InDelta(t, 1013, sl, 1e-9)
	assert.InDelta(t, 958, tp, 1e-9)
}
