package model

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandleWindowKeepsOrderAndLimit(t *testing.T) {
	w := NewCandleWindow(3)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		ok := w.Push(Candle{Symbol: "BTCUSDT", OpenTime: base.Add(time.Duration(i) * time.Minute), Close: float64(i)})
		require.True(t, ok)
	}

	// 重复或倒序的 K 线被丢弃
	assert.False(t, w.Push(Candle{Symbol: "BTCUSDT", OpenTime: base.Add(4 * time.Minute)}))
	assert.False(t, w.Push(Candle{Symbol: "BTCUSDT", OpenTime: base}))

	got := w.Window("BTCUSDT")
	require.Len(t, got, 3)
	assert.Equal(t, 2.0, got[0].Close)
	assert.Equal(t, 4.0, got[2].Close)

	// 返回的是副本
	got[0].Close = 100
	assert.Equal(t, 2.0, w.Window("BTCUSDT")[0].Close)

	last, ok := w.Last("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 4.0, last.Close)

	_, ok = w.Last("ETHUSDT")
	assert.False(t, ok)
}

func TestBracketInBandIsInclusive(t *testing.T) {
	b := Bracket{MinVolatility: 1.0, MaxVolatility: 4.0}

	assert.True(t, b.InBand(1.0))
	assert.True(t, b.InBand(4.0))
	assert.True(t, b.InBand(2.0))
	assert.False(t, b.InBand(0.5))
	assert.False(t, b.InBand(4.01))
	assert.False(t, b.InBand(math.NaN()))

	assert.InDelta(t, 2.0, VolatilityRatio(10, 500), 1e-9)
	assert.True(t, math.IsNaN(VolatilityRatio(10, 0)))
}

func TestDirectionHelpers(t *testing.T) {
	assert.Equal(t, DirShort, DirLong.Opposite())
	assert.Equal(t, DirLong, DirShort.Opposite())
	assert.Equal(t, DirNone, DirExit.Opposite())
	assert.Equal(t, -1.0, DirShort.Sign())
	assert.True(t, DirLong.IsEntry())
	assert.False(t, DirExit.IsEntry())
}

func TestNewTradeRecordPercent(t *testing.T) {
	p := Position{
		Symbol:      "ETHUSDT",
		Side:        DirLong,
		EntryPrice:  2000,
		Quantity:    0.5,
		Leverage:    10,
		ExitPrice:   2100,
		RealizedPnL: 50,
		CloseReason: CloseTakeProfit,
	}
	rec := NewTradeRecord(p)
	// 保证金 = 2000*0.5/10 = 100
	assert.InDelta(t, 50.0, rec.PnLPercent, 1e-9)
	assert.Equal(t, CloseTakeProfit, rec.ExitReason)
}
