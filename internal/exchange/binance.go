package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MarketData 是决策核心依赖的行情接口
type MarketData interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error)
}

// SymbolRules 是下单精度约束
type SymbolRules struct {
	Symbol   string
	TickSize float64
	StepSize float64
	MinQty   float64
}

// Options 构造 BinanceFutures 的参数
type Options struct {
	APIKey            string
	SecretKey         string
	Testnet           bool
	RequestsPerSecond float64
	MaxRetries        int
}

// BinanceFutures 封装 USDT 本位合约 REST 接口
// 限流和网络错误重试都在这一层完成，核心逻辑只看到最终结果
type BinanceFutures struct {
	client     *futures.Client
	limiter    *rate.Limiter
	maxRetries int
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewBinanceFutures 初始化客户端
func NewBinanceFutures(opts Options, logger *zap.Logger) *BinanceFutures {
	if opts.Testnet {
		// 包级开关，需在 NewClient 之前设置
		futures.UseTestnet = true
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BinanceFutures{
		client:     futures.NewClient(opts.APIKey, opts.SecretKey),
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		maxRetries: max(opts.MaxRetries, 0),
		minBackoff: 200 * time.Millisecond,
		maxBackoff: 5 * time.Second,
		logger:     logger.With(zap.String("component", "binance")),
		now:        time.Now,
	}
}

// Client 返回底层客户端，供下单执行器复用
func (b *BinanceFutures) Client() *futures.Client {
	return b.client
}

// IsAPIError 判断是否为交易所业务错误 (不重试)
func IsAPIError(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr)
}

// Do 限流 + 指数退避重试，交易所明确拒绝的错误直接返回
func (b *BinanceFutures) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	bo := &backoff.Backoff{
		Min:    b.minBackoff,
		Max:    b.maxBackoff,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsAPIError(lastErr) || ctx.Err() != nil || attempt == b.maxRetries {
			break
		}

		wait := bo.Duration()
		b.logger.Warn("Binance request failed, retrying",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

// Candles 拉取 K 线并丢弃尚未收盘的最后一根
func (b *BinanceFutures) Candles(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	var klines []*futures.Kline
	err := b.Do(ctx, "klines", func(ctx context.Context) error {
		var err error
		klines, err = b.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ConvertKlines(symbol, interval, klines, b.now())
}

// ConvertKlines 转换为内部 K 线，CloseTime 晚于 now 的视为未收盘
func ConvertKlines(symbol, interval string, klines []*futures.Kline, now time.Time) ([]model.Candle, error) {
	out := make([]model.Candle, 0, len(klines))
	for _, k := range klines {
		if k == nil {
			continue
		}
		closeTime := time.UnixMilli(k.CloseTime).UTC()
		if closeTime.After(now) {
			continue
		}

		c := model.Candle{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
			CloseTime: closeTime,
		}
		var err error
		if c.Open, err = service.StringToFloat(k.Open); err != nil {
			return nil, fmt.Errorf("kline open %q: %w", k.Open, err)
		}
		if c.High, err = service.StringToFloat(k.High); err != nil {
			return nil, fmt.Errorf("kline high %q: %w", k.High, err)
		}
		if c.Low, err = service.StringToFloat(k.Low); err != nil {
			return nil, fmt.Errorf("kline low %q: %w", k.Low, err)
		}
		if c.Close, err = service.StringToFloat(k.Close); err != nil {
			return nil, fmt.Errorf("kline close %q: %w", k.Close, err)
		}
		if c.Volume, err = service.StringToFloat(k.Volume); err != nil {
			return nil, fmt.Errorf("kline volume %q: %w", k.Volume, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Tickers24h 拉取全部交易对的 24h 统计
func (b *BinanceFutures) Tickers24h(ctx context.Context) ([]model.Ticker24h, error) {
	var stats []*futures.PriceChangeStats
	err := b.Do(ctx, "ticker_24hr", func(ctx context.Context) error {
		var err error
		stats, err = b.client.NewListPriceChangeStatsService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := b.now()
	out := make([]model.Ticker24h, 0, len(stats))
	for _, s := range stats {
		if s == nil {
			continue
		}
		quoteVolume, err := strconv.ParseFloat(s.QuoteVolume, 64)
		if err != nil {
			continue
		}
		last, _ := strconv.ParseFloat(s.LastPrice, 64)
		out = append(out, model.Ticker24h{
			Symbol:      s.Symbol,
			LastPrice:   last,
			QuoteVolume: quoteVolume,
			EventTime:   now,
		})
	}
	return out, nil
}

// TradableSymbols 返回永续、TRADING 状态的交易对
func (b *BinanceFutures) TradableSymbols(ctx context.Context) (map[string]bool, error) {
	rules, err := b.SymbolRules(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rules))
	for symbol := range rules {
		out[symbol] = true
	}
	return out, nil
}

// SymbolRules 从交易所信息解析 tickSize / stepSize，只保留可交易的永续合约
func (b *BinanceFutures) SymbolRules(ctx context.Context) (map[string]SymbolRules, error) {
	var info *futures.ExchangeInfo
	err := b.Do(ctx, "exchange_info", func(ctx context.Context) error {
		var err error
		info, err = b.client.NewExchangeInfoService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ParseSymbolRules(info.Symbols), nil
}

// ParseSymbolRules 过滤 PERPETUAL + TRADING，并解析精度
func ParseSymbolRules(symbols []futures.Symbol) map[string]SymbolRules {
	out := make(map[string]SymbolRules, len(symbols))
	for _, s := range symbols {
		if s.Status != "TRADING" || string(s.ContractType) != "PERPETUAL" {
			continue
		}

		r := SymbolRules{Symbol: s.Symbol, TickSize: 0.01, StepSize: 0.001}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				r.TickSize = parseFilterValue(f["tickSize"], r.TickSize)
			case "LOT_SIZE":
				r.StepSize = parseFilterValue(f["stepSize"], r.StepSize)
				r.MinQty = parseFilterValue(f["minQty"], r.MinQty)
			}
		}
		out[s.Symbol] = r
	}
	return out
}

func parseFilterValue(v interface{}, fallback float64) float64 {
	s, ok := v.(string)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}
