package ledger

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/risk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var openedAt = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func longPlan(symbol string) model.OrderPlan {
	return model.OrderPlan{
		Symbol:          symbol,
		Side:            model.DirLong,
		EntryPrice:      1000,
		Quantity:        0.01,
		StopLossPrice:   985,
		TakeProfitPrice: 1040,
		StopDistance:    15,
		TargetDistance:  40,
		Leverage:        10,
	}
}

func openLong(t *testing.T, l *Ledger, symbol string) model.Position {
	t.Helper()
	_, err := l.TryOpen(longPlan(symbol), openedAt)
	require.NoError(t, err)
	pos, err := l.Confirm(symbol, model.Fill{Symbol: symbol, Price: 1000, Quantity: 0.01, Time: openedAt})
	require.NoError(t, err)
	return pos
}

func candle(high, low float64) model.Candle {
	return model.Candle{
		Symbol:    "BTCUSDT",
		OpenTime:  openedAt.Add(time.Minute),
		CloseTime: openedAt.Add(2*time.Minute - time.Millisecond),
		High:      high,
		Low:       low,
	}
}

func TestTryOpenDuplicateAndCapacity(t *testing.T) {
	l := New(2, 0)

	_, err := l.TryOpen(longPlan("BTCUSDT"), openedAt)
	require.NoError(t, err)

	_, err = l.TryOpen(longPlan("BTCUSDT"), openedAt)
	require.ErrorIs(t, err, ErrDuplicateSymbol)

	_, err = l.TryOpen(longPlan("ETHUSDT"), openedAt)
	require.NoError(t, err)

	// 挂起的持仓也占名额
	_, err = l.TryOpen(longPlan("SOLUSDT"), openedAt)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	require.True(t, l.Discard("ETHUSDT"))
	_, err = l.TryOpen(longPlan("SOLUSDT"), openedAt)
	require.NoError(t, err)
}

func TestTryOpenConcurrentNeverExceedsCap(t *testing.T) {
	const maxOpen = 5
	l := New(maxOpen, 0)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// 20 个交易对，每个 5 次竞争
			symbol := fmt.Sprintf("SYM%02dUSDT", i%20)
			if _, err := l.TryOpen(longPlan(symbol), openedAt); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, maxOpen, accepted)
	assert.Equal(t, maxOpen, l.ActiveCount())

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		symbol := fmt.Sprintf("SYM%02dUSDT", i)
		if pos, ok := l.Get(symbol); ok {
			assert.False(t, seen[pos.Symbol])
			seen[pos.Symbol] = true
		}
	}
	assert.Len(t, seen, maxOpen)
}

func TestConfirmRebasesBracketOnFill(t *testing.T) {
	l := New(3, 0)
	_, err := l.TryOpen(longPlan("BTCUSDT"), openedAt)
	require.NoError(t, err)

	pos, err := l.Confirm("BTCUSDT", model.Fill{Price: 1002, Quantity: 0.0099, OrderID: "abc", Time: openedAt.Add(time.Second)})
	require.NoError(t, err)

	assert.Equal(t, model.StatusOpen, pos.Status)
	assert.InDelta(t, 987, pos.StopLossPrice, 1e-9)
	assert.InDelta(t, 1042, pos.TakeProfitPrice, 1e-9)
	assert.Equal(t, "abc", pos.OrderID)

	// 已经 OPEN 的不能再确认或丢弃
	_, err = l.Confirm("BTCUSDT", model.Fill{Price: 1000, Quantity: 1})
	require.ErrorIs(t, err, ErrInvalidState)
	assert.False(t, l.Discard("BTCUSDT"))

	_, err = l.Confirm("ETHUSDT", model.Fill{Price: 1000, Quantity: 1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConfirmRejectsNonPositiveRebasedBracket(t *testing.T) {
	l := New(3, 0)
	_, err := l.TryOpen(longPlan("BTCUSDT"), openedAt)
	require.NoError(t, err)

	// 止损距离 15，成交在 10 会让止损变成负数
	_, err = l.Confirm("BTCUSDT", model.Fill{Price: 10, Quantity: 0.01})
	require.ErrorIs(t, err, risk.ErrInvalidBracket)

	pos, ok := l.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, model.StatusPending, pos.Status)
	assert.Equal(t, 985.0, pos.StopLossPrice)
	assert.True(t, l.Discard("BTCUSDT"))
}

func TestCheckTriggersStopLossPriority(t *testing.T) {
	l := New(3, 0)
	openLong(t, l, "BTCUSDT")

	// 同一根 K 线既触及止损又触及止盈
	closed, ok := l.CheckTriggers("BTCUSDT", candle(1050, 980))
	require.True(t, ok)
	assert.Equal(t, model.CloseStopLoss, closed.CloseReason)
	assert.Equal(t, 985.0, closed.ExitPrice)
	assert.InDelta(t, -0.15, closed.RealizedPnL, 1e-9)
	assert.Equal(t, model.StatusClosed, closed.Status)

	_, ok = l.Get("BTCUSDT")
	assert.False(t, ok)
}

func TestCheckTriggersTakeProfitAndNoop(t *testing.T) {
	l := New(3, 0)
	openLong(t, l, "BTCUSDT")

	_, ok := l.CheckTriggers("BTCUSDT", candle(1030, 990))
	assert.False(t, ok)

	closed, ok := l.CheckTriggers("BTCUSDT", candle(1045, 1001))
	require.True(t, ok)
	assert.Equal(t, model.CloseTakeProfit, closed.CloseReason)
	assert.InDelta(t, 0.4, closed.RealizedPnL, 1e-9)
}

func TestCheckTriggersShort(t *testing.T) {
	l := New(3, 0)
	plan := model.OrderPlan{
		Symbol: "BTCUSDT", Side: model.DirShort, EntryPrice: 1000, Quantity: 0.1,
		StopLossPrice: 1015, TakeProfitPrice: 960, StopDistance: 15, TargetDistance: 40, Leverage: 1,
	}
	_, err := l.TryOpen(plan, openedAt)
	require.NoError(t, err)
	_, err = l.Confirm("BTCUSDT", model.Fill{Price: 1000, Quantity: 0.1, Time: openedAt})
	require.NoError(t, err)

	closed, ok := l.CheckTriggers("BTCUSDT", candle(1020, 950))
	require.True(t, ok)
	assert.Equal(t, model.CloseStopLoss, closed.CloseReason)
	assert.InDelta(t, -1.5, closed.RealizedPnL, 1e-9)
}

func TestCheckTriggersIgnoresPendingAndOldCandles(t *testing.T) {
	l := New(3, 0)
	_, err := l.TryOpen(longPlan("BTCUSDT"), openedAt)
	require.NoError(t, err)

	_, ok := l.CheckTriggers("BTCUSDT", candle(2000, 1))
	assert.False(t, ok)

	_, err = l.Confirm("BTCUSDT", model.Fill{Price: 1000, Quantity: 0.01, Time: openedAt})
	require.NoError(t, err)

	old := model.Candle{
		OpenTime:  openedAt.Add(-2 * time.Minute),
		CloseTime: openedAt.Add(-time.Minute),
		High:      2000,
		Low:       1,
	}
	_, ok = l.CheckTriggers("BTCUSDT", old)
	assert.False(t, ok)
}

func TestCloseWithFeesAndMonotonic(t *testing.T) {
	l := New(3, 0.001)
	openLong(t, l, "BTCUSDT")

	closed, err := l.Close("BTCUSDT", 1010, model.CloseSignalExit, openedAt.Add(time.Hour))
	require.NoError(t, err)

	// 毛利 0.1，手续费 (10 + 10.1) * 0.001
	assert.InDelta(t, 0.1-0.0201, closed.RealizedPnL, 1e-12)
	assert.InDelta(t, 0.0201, closed.Fees, 1e-12)
	assert.Equal(t, model.CloseSignalExit, closed.CloseReason)

	// 平仓后不能再次平仓
	_, err = l.Close("BTCUSDT", 1020, model.CloseManual, openedAt.Add(2*time.Hour))
	require.ErrorIs(t, err, ErrNotFound)

	history := l.Closed()
	require.Len(t, history, 1)
	assert.Equal(t, 1010.0, history[0].ExitPrice)
	assert.InDelta(t, 0.0799, l.RealizedPnL(), 1e-12)

	// 同一交易对可以重新开仓，ID 递增
	again := openLong(t, l, "BTCUSDT")
	assert.Equal(t, int64(2), again.ID)
}

func TestClosePendingIsInvalid(t *testing.T) {
	l := New(3, 0)
	_, err := l.TryOpen(longPlan("BTCUSDT"), openedAt)
	require.NoError(t, err)

	_, err = l.Close("BTCUSDT", 1000, model.CloseManual, openedAt)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestUnrealizedPnL(t *testing.T) {
	l := New(3, 0)
	openLong(t, l, "BTCUSDT")
	openLong(t, l, "ETHUSDT")

	pnl := l.UnrealizedPnL(map[string]float64{"BTCUSDT": 1100, "ETHUSDT": 900})
	assert.InDelta(t, 0, pnl, 1e-9)

	pnl = l.UnrealizedPnL(map[string]float64{"BTCUSDT": 1100})
	assert.InDelta(t, 1, pnl, 1e-9)
}

func TestRestoreAndSnapshot(t *testing.T) {
	l := New(3, 0)
	openLong(t, l, "BTCUSDT")
	openLong(t, l, "ETHUSDT")
	_, err := l.Close("ETHUSDT", 1010, model.CloseManual, openedAt.Add(time.Hour))
	require.NoError(t, err)

	a, err := l.MarshalJSON()
	require.NoError(t, err)
	b, err := l.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	restored := New(3, 0)
	require.NoError(t, restored.Restore(l.Open()))
	assert.Equal(t, 1, restored.ActiveCount())

	pos, ok := restored.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, model.StatusOpen, pos.Status)

	// 新持仓 ID 接着恢复的最大 ID
	next, err := restored.TryOpen(longPlan("SOLUSDT"), openedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.ID)

	require.ErrorIs(t, restored.Restore(nil), ErrInvalidState)
}
