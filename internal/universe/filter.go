package universe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"crypto-futures-trader/internal/model"

	"go.uber.org/zap"
)

// ErrNoTickers 所有行情来源都不可用
var ErrNoTickers = errors.New("universe: no ticker source available")

// Filter 按 24h 成交额阈值和 TopN 排名筛选交易对
type Filter struct {
	MinQuoteVolume float64
	TopN           int
	QuoteAsset     string // 例如 "USDT"，为空表示不限制
}

// Select 成交额降序，相同时按交易对名称升序，取前 TopN 个
// eligible 为 nil 表示不做合约类型过滤
func (f Filter) Select(tickers []model.Ticker24h, eligible map[string]bool) []string {
	best := make(map[string]model.Ticker24h, len(tickers))
	for _, t := range tickers {
		if t.Symbol == "" {
			continue
		}
		if f.QuoteAsset != "" && !strings.HasSuffix(t.Symbol, f.QuoteAsset) {
			continue
		}
		if eligible != nil && !eligible[t.Symbol] {
			continue
		}
		if t.QuoteVolume < f.MinQuoteVolume {
			continue
		}
		if prev, ok := best[t.Symbol]; !ok || t.QuoteVolume > prev.QuoteVolume {
			best[t.Symbol] = t
		}
	}

	ranked := make([]model.Ticker24h, 0, len(best))
	for _, t := range best {
		ranked = append(ranked, t)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].QuoteVolume != ranked[j].QuoteVolume {
			return ranked[i].QuoteVolume > ranked[j].QuoteVolume
		}
		return ranked[i].Symbol < ranked[j].Symbol
	})

	if f.TopN > 0 && len(ranked) > f.TopN {
		ranked = ranked[:f.TopN]
	}

	out := make([]string, len(ranked))
	for i, t := range ranked {
		out[i] = t.Symbol
	}
	return out
}

// TickerSource 提供 24h 统计
type TickerSource interface {
	Tickers24h(ctx context.Context) ([]model.Ticker24h, error)
}

// SymbolSource 提供可交易的交易对 (永续、TRADING 状态)
type SymbolSource interface {
	TradableSymbols(ctx context.Context) (map[string]bool, error)
}

// Scanner 组合行情来源和过滤器，输出每个周期的候选交易对
type Scanner struct {
	filter   Filter
	sources  []TickerSource // 按顺序尝试，例如 websocket 缓存 -> REST
	symbols  SymbolSource
	fallback string
	logger   *zap.Logger

	mu          sync.Mutex
	eligible    map[string]bool
	eligibleAt  time.Time
	eligibleTTL time.Duration
	now         func() time.Time
}

// NewScanner symbols 可以为 nil；fallback 是所有来源都失败时使用的默认交易对
func NewScanner(filter Filter, symbols SymbolSource, fallback string, logger *zap.Logger, sources ...TickerSource) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		filter:      filter,
		sources:     sources,
		symbols:     symbols,
		fallback:    fallback,
		logger:      logger.With(zap.String("component", "universe")),
		eligibleTTL: time.Hour,
		now:         time.Now,
	}
}

// Candidates 返回本周期参与决策的交易对
func (s *Scanner) Candidates(ctx context.Context) ([]string, error) {
	tickers, err := s.tickers(ctx)
	if err != nil {
		if s.fallback != "" {
			s.logger.Warn("Ticker sources failed, using default symbol", zap.String("symbol", s.fallback), zap.Error(err))
			return []string{s.fallback}, nil
		}
		return nil, err
	}

	selected := s.filter.Select(tickers, s.tradable(ctx))
	if len(selected) == 0 && s.fallback != "" {
		s.logger.Info("No symbol passed the volume filter, using default symbol", zap.String("symbol", s.fallback))
		return []string{s.fallback}, nil
	}
	return selected, nil
}

func (s *Scanner) tickers(ctx context.Context) ([]model.Ticker24h, error) {
	var errs []error
	for _, src := range s.sources {
		tickers, err := src.Tickers24h(ctx)
		if err == nil && len(tickers) > 0 {
			return tickers, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil, ErrNoTickers
	}
	return nil, fmt.Errorf("%w: %w", ErrNoTickers, errors.Join(errs...))
}

// tradable 缓存交易所信息，失败时沿用旧值；从未成功过则不过滤
func (s *Scanner) tradable(ctx context.Context) map[string]bool {
	if s.symbols == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.eligible != nil && s.now().Sub(s.eligibleAt) < s.eligibleTTL {
		return s.eligible
	}
	eligible, err := s.symbols.TradableSymbols(ctx)
	if err != nil {
		s.logger.Warn("Failed to refresh tradable symbols", zap.Error(err))
		return s.eligible
	}
	s.eligible = eligible
	s.eligibleAt = s.now()
	return eligible
}
