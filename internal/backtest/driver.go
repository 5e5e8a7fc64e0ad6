package backtest

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"crypto-futures-trader/internal/ledger"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/risk"
	"crypto-futures-trader/internal/strategy"
	"crypto-futures-trader/pkg/ta"

	"go.uber.org/zap"
)

// ErrEmptySeries 没有可回放的 K 线
var ErrEmptySeries = errors.New("backtest: empty series")

// Config 回测参数
type Config struct {
	Strategy       strategy.Strategy
	Account        risk.AccountConfig
	MaxOpen        int
	FeeRate        float64
	InitialCapital float64
	// 指标窗口长度，与实盘的 STRATEGY_KLINE_LIMIT 保持一致
	WindowSize int
	Logger     *zap.Logger
}

// EquityPoint 每个时间点的账户净值
type EquityPoint struct {
	Time   time.Time
	Equity float64
}

// Result 回测输出
type Result struct {
	Trades  []model.TradeRecord
	Equity  []EquityPoint
	Summary Summary

	ledger *ledger.Ledger
}

// LedgerJSON 账本快照，同样的输入得到完全相同的字节
func (r *Result) LedgerJSON() ([]byte, error) {
	return r.ledger.MarshalJSON()
}

// pending 是等待下一根 K 线开盘成交的动作
type pending struct {
	exit  bool
	entry *model.OrderPlan
	// entry 已经在账本中占位
	reserved bool
}

// Driver 单线程回放历史 K 线，复用实盘的指标、策略、风控和账本
// 成交价为信号下一根 K 线的开盘价，不依赖系统时钟
type Driver struct {
	cfg      Config
	pipeline *ta.Pipeline
	risk     *risk.Manager
	logger   *zap.Logger
}

func NewDriver(cfg Config) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 1
	}
	pipeline := ta.NewPipeline(cfg.Strategy.Indicators())
	if cfg.WindowSize < pipeline.Lookback() {
		cfg.WindowSize = pipeline.Lookback()
	}
	return &Driver{
		cfg:      cfg,
		pipeline: pipeline,
		risk:     risk.NewManager(cfg.Account),
		logger:   cfg.Logger.With(zap.String("component", "backtest")),
	}
}

// Run 按 (OpenTime, Symbol) 合并所有交易对的 K 线后顺序回放
func (d *Driver) Run(series ...[]model.Candle) (*Result, error) {
	events, err := merge(series)
	if err != nil {
		return nil, err
	}

	book := ledger.New(d.cfg.MaxOpen, d.cfg.FeeRate)
	state := strategy.NewEngineState()
	windows := model.NewCandleWindow(d.cfg.WindowSize)
	queued := make(map[string]*pending)
	lastClose := make(map[string]float64)

	res := &Result{ledger: book}

	for i, c := range events {
		d.fillPending(book, queued, c)

		if _, ok := book.CheckTriggers(c.Symbol, c); ok {
			d.logger.Debug("Trigger hit", zap.String("symbol", c.Symbol), zap.Time("at", c.OpenTime))
		}

		windows.Push(c)
		lastClose[c.Symbol] = c.Close

		d.evaluate(book, state, queued, windows.Window(c.Symbol))

		// 同一时间点的所有交易对处理完后记录净值
		if i == len(events)-1 || !events[i+1].OpenTime.Equal(c.OpenTime) {
			res.Equity = append(res.Equity, EquityPoint{
				Time:   c.OpenTime,
				Equity: d.cfg.InitialCapital + book.RealizedPnL() + book.UnrealizedPnL(lastClose),
			})
		}
	}

	// 没有下一根 K 线可成交的挂单直接作废，剩余持仓按最后收盘价平仓
	for _, symbol := range sortedKeys(queued) {
		if queued[symbol].reserved {
			book.Discard(symbol)
		}
	}
	for _, pos := range book.Open() {
		last, _ := windows.Last(pos.Symbol)
		if _, err := book.Close(pos.Symbol, last.Close, model.CloseManual, last.EndTime()); err != nil {
			return nil, fmt.Errorf("backtest: close %s: %w", pos.Symbol, err)
		}
	}

	for _, pos := range book.Closed() {
		res.Trades = append(res.Trades, model.NewTradeRecord(pos))
	}
	if n := len(res.Equity); n > 0 {
		// 最后一个点反映收尾平仓后的权益
		res.Equity[n-1].Equity = d.cfg.InitialCapital + book.RealizedPnL()
	}
	res.Summary = Summarize(d.cfg.InitialCapital, res.Trades, res.Equity)
	return res, nil
}

// fillPending 在当前 K 线开盘价执行上一根 K 线留下的动作：先平仓，再开仓
func (d *Driver) fillPending(book *ledger.Ledger, queued map[string]*pending, c model.Candle) {
	p, ok := queued[c.Symbol]
	if !ok {
		return
	}
	delete(queued, c.Symbol)

	if p.exit {
		if _, err := book.Close(c.Symbol, c.Open, model.CloseSignalExit, c.OpenTime); err != nil {
			d.logger.Debug("Signal exit skipped", zap.String("symbol", c.Symbol), zap.Error(err))
		}
	}
	if p.entry == nil {
		return
	}
	if !p.reserved {
		if _, err := book.TryOpen(*p.entry, c.OpenTime); err != nil {
			return
		}
	}
	fill := model.Fill{Symbol: c.Symbol, Price: c.Open, Quantity: p.entry.Quantity, Time: c.OpenTime}
	if _, err := book.Confirm(c.Symbol, fill); err != nil {
		book.Discard(c.Symbol)
	}
}

// evaluate 与实盘相同的决策路径，成交推迟到下一根 K 线
func (d *Driver) evaluate(book *ledger.Ledger, state *strategy.EngineState, queued map[string]*pending, window []model.Candle) {
	if len(window) < d.pipeline.Lookback() {
		return
	}
	vec, err := d.pipeline.Compute(window)
	if err != nil {
		return
	}
	sig := d.cfg.Strategy.Evaluate(vec, state.Get(vec.Symbol))
	if sig.Direction == model.DirNone {
		return
	}
	state.Record(sig)

	p := &pending{}
	pos, held := book.Get(vec.Symbol)
	if held && pos.Status == model.StatusOpen &&
		(sig.Direction == model.DirExit || sig.Direction == pos.Side.Opposite()) {
		p.exit = true
	}

	if sig.Direction.IsEntry() {
		plan, err := d.risk.Plan(sig, vec, d.cfg.Strategy.Bracket())
		if err == nil {
			p.entry = &plan
			if !p.exit {
				// 普通开仓在信号时刻占位，反手要等平仓后再占位
				if _, err := book.TryOpen(plan, vec.OpenTime); err != nil {
					p.entry = nil
				} else {
					p.reserved = true
				}
			}
		}
	}

	if p.exit || p.entry != nil {
		queued[vec.Symbol] = p
	}
}

// merge 校验并合并多条序列
func merge(series [][]model.Candle) ([]model.Candle, error) {
	var events []model.Candle
	for _, s := range series {
		for i := 1; i < len(s); i++ {
			if s[i].Symbol != s[0].Symbol {
				return nil, fmt.Errorf("backtest: series mixes %s and %s", s[0].Symbol, s[i].Symbol)
			}
			if !s[i].OpenTime.After(s[i-1].OpenTime) {
				return nil, fmt.Errorf("backtest: %s open time not increasing at index %d", s[0].Symbol, i)
			}
		}
		events = append(events, s...)
	}
	if len(events) == 0 {
		return nil, ErrEmptySeries
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].OpenTime.Equal(events[j].OpenTime) {
			return events[i].OpenTime.Before(events[j].OpenTime)
		}
		return events[i].Symbol < events[j].Symbol
	})
	return events, nil
}

func sortedKeys(m map[string]*pending) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
