package backtest

import (
	"math"
	"testing"
	"time"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/risk"
	"crypto-futures-trader/internal/service"
	"crypto-futures-trader/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func candle(symbol string, i int, o, h, l, c float64) model.Candle {
	open := start.Add(time.Duration(i) * time.Hour)
	return model.Candle{
		Symbol: symbol, Interval: "1h",
		OpenTime: open, CloseTime: open.Add(time.Hour - time.Millisecond),
		Open: o, High: h, Low: l, Close: c, Volume: 1000,
	}
}

// stopOutSeries 缓慢下跌后大阳线触发做多，下一根开盘成交，再下一根跌破止损
func stopOutSeries(symbol string) []model.Candle {
	var out []model.Candle
	for i := 0; i < 30; i++ {
		c := 160 - 0.5*float64(i)
		out = append(out, candle(symbol, i, c+0.5, c+1, c-1, c))
	}
	return append(out,
		candle(symbol, 30, 145.5, 166, 145, 165),
		candle(symbol, 31, 165.2, 166, 164, 165.5),
		candle(symbol, 32, 165.5, 165.6, 159, 160),
		candle(symbol, 33, 160, 161, 158, 159),
	)
}

func newDriver(t *testing.T, minVol, maxVol float64) *Driver {
	t.Helper()
	strat, err := strategy.New(service.StrategyConfig{
		Name:      "ema_crossover",
		ATRPeriod: 14,
		Warmup:    2,
		Crossover: service.CrossoverConfig{
			FastEMA: 5, SlowEMA: 20,
			SLMultiplier: 1.5, TPMultiplier: 3,
			MinVolatility: minVol, MaxVolatility: maxVol,
		},
	})
	require.NoError(t, err)
	return NewDriver(Config{
		Strategy:       strat,
		Account:        risk.AccountConfig{PositionSizeUSDT: 100, Leverage: 10},
		MaxOpen:        3,
		InitialCapital: 1000,
		WindowSize:     100,
	})
}

func TestLongStoppedOut(t *testing.T) {
	res, err := newDriver(t, 0.5, 5).Run(stopOutSeries("BTCUSDT"))
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, model.DirLong, trade.Side)
	assert.Equal(t, model.CloseStopLoss, trade.ExitReason)
	// 下一根开盘价成交
	assert.Equal(t, 165.2, trade.EntryPrice)
	assert.Equal(t, start.Add(31*time.Hour), trade.EntryTime)
	assert.Less(t, trade.ExitPrice, trade.EntryPrice)
	assert.Greater(t, trade.ExitPrice, 159.0)
	assert.Less(t, trade.RealizedPnL, 0.0)

	assert.Equal(t, 1, res.Summary.Losses)
	assert.Equal(t, 0.0, res.Summary.WinRate)
	assert.InDelta(t, 1000+trade.RealizedPnL, res.Summary.FinalCapital, 1e-9)
	assert.Greater(t, res.Summary.MaxDrawdown, 0.0)
	assert.Len(t, res.Equity, 34)
}

func TestOutOfBandProducesNoTrades(t *testing.T) {
	res, err := newDriver(t, 0.1, 1.0).Run(stopOutSeries("BTCUSDT"))
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Equal(t, 1000.0, res.Summary.FinalCapital)
}

func TestRunIsDeterministic(t *testing.T) {
	series := [][]model.Candle{stopOutSeries("ETHUSDT"), stopOutSeries("BTCUSDT")}

	a, err := newDriver(t, 0.5, 5).Run(series...)
	require.NoError(t, err)
	b, err := newDriver(t, 0.5, 5).Run(series...)
	require.NoError(t, err)

	ja, err := a.LedgerJSON()
	require.NoError(t, err)
	jb, err := b.LedgerJSON()
	require.NoError(t, err)
	assert.Equal(t, ja, jb)
	assert.Equal(t, a.Equity, b.Equity)
	require.Len(t, a.Trades, 2)
	// 同一时间按交易对名称排序
	assert.Equal(t, "BTCUSDT", a.Trades[0].Symbol)
}

func TestOpenPositionClosedManuallyAtEnd(t *testing.T) {
	series := stopOutSeries("BTCUSDT")[:32]
	res, err := newDriver(t, 0.5, 5).Run(series)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, model.CloseManual, res.Trades[0].ExitReason)
	assert.Equal(t, 165.5, res.Trades[0].ExitPrice)
}

func TestPendingEntryWithoutNextCandleIsDropped(t *testing.T) {
	series := stopOutSeries("BTCUSDT")[:31]
	res, err := newDriver(t, 0.5, 5).Run(series)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)

	js, err := res.LedgerJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"open":[],"closed":[]}`, string(js))
}

func TestRunRejectsBadSeries(t *testing.T) {
	_, err := newDriver(t, 0.5, 5).Run()
	require.ErrorIs(t, err, ErrEmptySeries)

	s := stopOutSeries("BTCUSDT")
	s[5], s[6] = s[6], s[5]
	_, err = newDriver(t, 0.5, 5).Run(s)
	require.Error(t, err)
}

func TestSummarize(t *testing.T) {
	trades := []model.TradeRecord{{RealizedPnL: 30}, {RealizedPnL: -10}, {RealizedPnL: 10}}
	equity := []EquityPoint{{Equity: 1030}, {Equity: 1020}, {Equity: 990}, {Equity: 1030}}

	s := Summarize(1000, trades, equity)
	assert.Equal(t, 3, s.Trades)
	assert.InDelta(t, 66.666, s.WinRate, 1e-2)
	assert.InDelta(t, 4.0, s.ProfitFactor, 1e-9)
	assert.InDelta(t, 20, s.AvgWin, 1e-9)
	assert.InDelta(t, -10, s.AvgLoss, 1e-9)
	assert.InDelta(t, 40, s.MaxDrawdown, 1e-9)
	assert.InDelta(t, 40.0/1030*100, s.MaxDrawdownPct, 1e-9)
	assert.Contains(t, s.String(), "BACKTEST RESULTS")

	onlyWins := Summarize(1000, []model.TradeRecord{{RealizedPnL: 5}}, nil)
	assert.True(t, math.IsInf(onlyWins.ProfitFactor, 1))
}
