package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// ErrStaleTickers 缓存为空或太久没有更新
var ErrStaleTickers = errors.New("api: ticker stream stale")

// BinanceTickerData 适配 Binance !ticker@arr 流中的单个 24hrTicker
type BinanceTickerData struct {
	EventType   string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	LastPrice   string `json:"c"`
	QuoteVolume string `json:"q"`
}

// ParseTickerArray 解析一条 !ticker@arr 消息，无法解析的条目跳过
func ParseTickerArray(message []byte) ([]model.Ticker24h, error) {
	var raw []BinanceTickerData
	if err := json.Unmarshal(message, &raw); err != nil {
		return nil, fmt.Errorf("decode ticker array: %w", err)
	}

	out := make([]model.Ticker24h, 0, len(raw))
	for _, t := range raw {
		if t.Symbol == "" {
			continue
		}
		price, err := service.StringToFloat(t.LastPrice)
		if err != nil {
			continue
		}
		quoteVolume, err := service.StringToFloat(t.QuoteVolume)
		if err != nil {
			continue
		}
		out = append(out, model.Ticker24h{
			Symbol:      t.Symbol,
			LastPrice:   price,
			QuoteVolume: quoteVolume,
			EventTime:   time.UnixMilli(t.EventTime).UTC(),
		})
	}
	return out, nil
}

// TickerCache 保存每个交易对最新的 24h 统计
type TickerCache struct {
	mu         sync.RWMutex
	tickers    map[string]model.Ticker24h
	updatedAt  time.Time
	staleAfter time.Duration
	now        func() time.Time
}

func NewTickerCache(staleAfter time.Duration) *TickerCache {
	return &TickerCache{
		tickers:    make(map[string]model.Ticker24h),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Apply 合并一批更新 (流只推送有变化的交易对)
func (c *TickerCache) Apply(batch []model.Ticker24h) {
	if len(batch) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range batch {
		c.tickers[t.Symbol] = t
	}
	c.updatedAt = c.now()
}

// Tickers24h 实现 universe.TickerSource
func (c *TickerCache) Tickers24h(context.Context) ([]model.Ticker24h, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.tickers) == 0 {
		return nil, fmt.Errorf("%w: no data yet", ErrStaleTickers)
	}
	if age := c.now().Sub(c.updatedAt); c.staleAfter > 0 && age > c.staleAfter {
		return nil, fmt.Errorf("%w: last update %s ago", ErrStaleTickers, age.Truncate(time.Second))
	}

	out := make([]model.Ticker24h, 0, len(c.tickers))
	for _, t := range c.tickers {
		out = append(out, t)
	}
	return out, nil
}

// Connector 维护到 Binance 合约全市场 ticker 流的连接
type Connector struct {
	wsURL  string
	cache  *TickerCache
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewConnector wsURL 例如 wss://fstream.binance.com/ws/!ticker@arr
func NewConnector(wsURL string, cache *TickerCache, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		wsURL:  wsURL,
		cache:  cache,
		dialer: websocket.DefaultDialer,
		logger: logger.With(zap.String("component", "ticker_stream")),
	}
}

// Run 阻塞直到 ctx 取消，断线后指数退避重连
func (c *Connector) Run(ctx context.Context) {
	bo := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}

	for ctx.Err() == nil {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := bo.Duration()
		c.logger.Warn("Ticker stream disconnected, reconnecting", zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// session 建立一次连接并持续读取，返回断开原因
func (c *Connector) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.wsURL, err)
	}
	defer conn.Close()
	c.logger.Info("Ticker stream connected", zap.String("url", c.wsURL))

	// ctx 取消时关闭连接，让 ReadMessage 返回
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		batch, err := ParseTickerArray(message)
		if err != nil {
			c.logger.Debug("Skipping undecodable ticker message", zap.Error(err))
			continue
		}
		c.cache.Apply(batch)
	}
}
