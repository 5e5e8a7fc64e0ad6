package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testClient(retries int) *BinanceFutures {
	b := NewBinanceFutures(Options{RequestsPerSecond: 1000, MaxRetries: retries}, zap.NewNop())
	b.minBackoff = time.Millisecond
	b.maxBackoff = 2 * time.Millisecond
	return b
}

func TestDoRetriesTransientErrors(t *testing.T) {
	b := testClient(3)

	calls := 0
	err := b.Do(context.Background(), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryAPIErrors(t *testing.T) {
	b := testClient(3)

	calls := 0
	err := b.Do(context.Background(), "order", func(context.Context) error {
		calls++
		return &common.APIError{Code: -2019, Message: "Margin is insufficient."}
	})
	require.Error(t, err)
	assert.True(t, IsAPIError(err))
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	b := testClient(2)

	calls := 0
	err := b.Do(context.Background(), "klines", func(context.Context) error {
		calls++
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "klines")
	assert.Equal(t, 3, calls)
}

func TestConvertKlinesDropsUnclosedCandle(t *testing.T) {
	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	klines := []*futures.Kline{
		{OpenTime: open.UnixMilli(), CloseTime: open.Add(time.Minute).UnixMilli() - 1, Open: "1", High: "2", Low: "0.5", Close: "1.5", Volume: "10"},
		{OpenTime: open.Add(time.Minute).UnixMilli(), CloseTime: open.Add(2*time.Minute).UnixMilli() - 1, Open: "1.5", High: "2", Low: "1", Close: "1.8", Volume: "12"},
	}
	now := open.Add(90 * time.Second)

	candles, err := ConvertKlines("BTCUSDT", "1m", klines, now)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 1.5, candles[0].Close)
	assert.Equal(t, open, candles[0].OpenTime)
	assert.Equal(t, "BTCUSDT", candles[0].Symbol)

	klines[0].Close = "abc"
	_, err = ConvertKlines("BTCUSDT", "1m", klines, now)
	require.Error(t, err)
}

func TestParseSymbolRules(t *testing.T) {
	symbols := []futures.Symbol{
		{
			Symbol: "BTCUSDT", Status: "TRADING", ContractType: futures.ContractType("PERPETUAL"), QuoteAsset: "USDT",
			Filters: []map[string]interface{}{
				{"filterType": "PRICE_FILTER", "tickSize": "0.10"},
				{"filterType": "LOT_SIZE", "stepSize": "0.001", "minQty": "0.001"},
			},
		},
		{Symbol: "BTCUSDT_240628", Status: "TRADING", ContractType: futures.ContractType("CURRENT_QUARTER")},
		{Symbol: "OLDUSDT", Status: "SETTLING", ContractType: futures.ContractType("PERPETUAL")},
	}

	rules := ParseSymbolRules(symbols)
	require.Len(t, rules, 1)
	assert.Equal(t, 0.1, rules["BTCUSDT"].TickSize)
	assert.Equal(t, 0.001, rules["BTCUSDT"].StepSize)
	assert.Equal(t, 0.001, rules["BTCUSDT"].MinQty)
}
