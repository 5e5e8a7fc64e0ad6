package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"crypto-futures-trader/internal/exchange"
	"crypto-futures-trader/internal/executor"
	"crypto-futures-trader/internal/journal"
	"crypto-futures-trader/internal/ledger"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/notify"
	"crypto-futures-trader/internal/risk"
	"crypto-futures-trader/internal/strategy"
	"crypto-futures-trader/pkg/ta"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Universe 提供每个周期的候选交易对
type Universe interface {
	Candidates(ctx context.Context) ([]string, error)
}

// StateSaver 持久化 OPEN 持仓
type StateSaver interface {
	Save(positions []model.Position, at time.Time) error
}

// Options 决策周期参数
type Options struct {
	Interval     string
	KlineLimit   int
	Concurrency  int
	OrderTimeout time.Duration
}

// Deps 协调器依赖，Journal / State / Notifier 可以为空
type Deps struct {
	Universe Universe
	Market   exchange.MarketData
	Strategy strategy.Strategy
	Risk     *risk.Manager
	Ledger   *ledger.Ledger
	Executor executor.Executor
	State    *strategy.EngineState
	Notifier notify.Notifier
	Journal  journal.Recorder
	Store    StateSaver
	Logger   *zap.Logger
}

// CycleReport 单个周期的统计
type CycleReport struct {
	Symbols  int
	Signals  int64
	Opened   int64
	Closed   int64
	Skipped  int64
	Failures int64
	Duration time.Duration
}

// Coordinator 执行一个完整的决策周期
type Coordinator struct {
	opts     Options
	deps     Deps
	pipeline *ta.Pipeline
	logger   *zap.Logger
	now      func() time.Time
}

// NewCoordinator 指标参数取自策略
func NewCoordinator(opts Options, deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.State == nil {
		deps.State = strategy.NewEngineState()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.OrderTimeout <= 0 {
		opts.OrderTimeout = 10 * time.Second
	}

	pipeline := ta.NewPipeline(deps.Strategy.Indicators())
	// 拉取的 K 线至少覆盖指标回看长度
	if opts.KlineLimit < pipeline.Lookback() {
		opts.KlineLimit = pipeline.Lookback()
	}

	return &Coordinator{
		opts:     opts,
		deps:     deps,
		pipeline: pipeline,
		logger:   deps.Logger.With(zap.String("component", "coordinator")),
		now:      time.Now,
	}
}

// RunCycle 扫描候选交易对 (以及已有持仓) 并逐个评估
// 单个交易对的错误只记录，不影响其他交易对
func (c *Coordinator) RunCycle(ctx context.Context) (CycleReport, error) {
	start := c.now()
	var report CycleReport

	candidates, err := c.deps.Universe.Candidates(ctx)
	if err != nil {
		c.logger.Error("Universe scan failed, evaluating held positions only", zap.Error(err))
	}
	symbols := c.withHeld(candidates)
	report.Symbols = len(symbols)

	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			if err := c.processSymbol(ctx, symbol, &report); err != nil {
				atomic.AddInt64(&report.Failures, 1)
				c.logger.Warn("Symbol evaluation failed", zap.String("symbol", symbol), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	c.persist()
	report.Duration = c.now().Sub(start)
	c.logger.Info("Decision cycle finished",
		zap.Int("symbols", report.Symbols),
		zap.Int64("signals", report.Signals),
		zap.Int64("opened", report.Opened),
		zap.Int64("closed", report.Closed),
		zap.Int64("failures", report.Failures),
		zap.Int("active", c.deps.Ledger.ActiveCount()),
		zap.Duration("took", report.Duration))
	return report, nil
}

// withHeld 合并候选和已有持仓，去重排序
func (c *Coordinator) withHeld(candidates []string) []string {
	set := make(map[string]struct{}, len(candidates))
	for _, s := range candidates {
		set[s] = struct{}{}
	}
	for _, p := range c.deps.Ledger.Open() {
		set[p.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) processSymbol(ctx context.Context, symbol string, report *CycleReport) error {
	candles, err := c.deps.Market.Candles(ctx, symbol, c.opts.Interval, c.opts.KlineLimit)
	if err != nil {
		return fmt.Errorf("fetch candles: %w", err)
	}
	if len(candles) == 0 {
		atomic.AddInt64(&report.Skipped, 1)
		return nil
	}
	last := candles[len(candles)-1]

	if feed, ok := c.deps.Executor.(executor.PriceFeed); ok {
		feed.UpdatePrice(symbol, last.Close)
	}

	// 1. 先用最新收盘 K 线检查止损止盈
	if closed, ok := c.deps.Ledger.CheckTriggers(symbol, last); ok {
		atomic.AddInt64(&report.Closed, 1)
		c.release(ctx, closed)
		c.onClosed(ctx, closed)
	}

	// 2. 指标 + 策略
	vec, err := c.pipeline.Compute(candles)
	if errors.Is(err, ta.ErrInsufficientData) {
		atomic.AddInt64(&report.Skipped, 1)
		c.logger.Debug("Not enough candles", zap.String("symbol", symbol), zap.Int("have", len(candles)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("indicators: %w", err)
	}

	sig := c.deps.Strategy.Evaluate(vec, c.deps.State.Get(symbol))
	if sig.Direction == model.DirNone {
		return nil
	}
	c.deps.State.Record(sig)
	atomic.AddInt64(&report.Signals, 1)
	c.logger.Info(sig.String())

	// 3. 反向信号先平仓
	if pos, ok := c.deps.Ledger.Get(symbol); ok && pos.Status == model.StatusOpen {
		if sig.Direction == model.DirExit || sig.Direction == pos.Side.Opposite() {
			if err := c.exit(ctx, pos, vec.Close); err != nil {
				return err
			}
			atomic.AddInt64(&report.Closed, 1)
		}
	}
	if !sig.Direction.IsEntry() {
		return nil
	}

	// 4. 风控 -> 占位 -> 下单
	plan, err := c.deps.Risk.Plan(sig, vec, c.deps.Strategy.Bracket())
	if err != nil {
		c.logger.Info("Signal rejected by risk manager", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	if _, err := c.deps.Ledger.TryOpen(plan, c.now()); err != nil {
		if errors.Is(err, ledger.ErrCapacityExceeded) || errors.Is(err, ledger.ErrDuplicateSymbol) {
			c.logger.Debug("Entry skipped", zap.String("symbol", symbol), zap.Error(err))
			return nil
		}
		return err
	}

	orderCtx, cancel := context.WithTimeout(ctx, c.opts.OrderTimeout)
	defer cancel()
	// 只要拿到成交就入账，哪怕已经超过 ORDER_TIMEOUT
	fill, err := c.deps.Executor.PlaceOrder(orderCtx, plan)
	if err != nil {
		c.deps.Ledger.Discard(symbol)
		c.logger.Warn("Order failed, plan discarded", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}

	pos, err := c.deps.Ledger.Confirm(symbol, fill)
	if err != nil {
		// 交易所已经成交但账本无法接管，先平掉再释放名额
		c.flatten(ctx, plan, fill)
		c.deps.Ledger.Discard(symbol)
		return fmt.Errorf("confirm fill: %w", err)
	}
	atomic.AddInt64(&report.Opened, 1)
	c.logger.Info("Position opened",
		zap.String("symbol", symbol), zap.String("side", pos.Side.String()),
		zap.Float64("entry", pos.EntryPrice), zap.Float64("sl", pos.StopLossPrice), zap.Float64("tp", pos.TakeProfitPrice))
	c.deps.Notifier.Notify(notify.OpenedMessage(pos))
	return nil
}

// exit 反向信号平仓，成交价缺失时按收盘价记账
func (c *Coordinator) exit(ctx context.Context, pos model.Position, fallback float64) error {
	orderCtx, cancel := context.WithTimeout(ctx, c.opts.OrderTimeout)
	defer cancel()

	fill, err := c.deps.Executor.ClosePosition(orderCtx, pos, model.CloseSignalExit)
	if err != nil {
		return fmt.Errorf("signal exit %s: %w", pos.Symbol, err)
	}
	price := fill.Price
	if price <= 0 {
		price = fallback
	}
	closed, err := c.deps.Ledger.Close(pos.Symbol, price, model.CloseSignalExit, c.now())
	if err != nil {
		return fmt.Errorf("signal exit %s: %w", pos.Symbol, err)
	}
	c.onClosed(ctx, closed)
	return nil
}

// release 账本按 K 线平仓后让执行器清理交易所一侧
func (c *Coordinator) release(ctx context.Context, pos model.Position) {
	releaseCtx, cancel := context.WithTimeout(ctx, c.opts.OrderTimeout)
	defer cancel()
	if err := c.deps.Executor.Release(releaseCtx, pos); err != nil {
		c.logger.Error("Failed to release exchange position after trigger",
			zap.String("symbol", pos.Symbol), zap.String("reason", string(pos.CloseReason)), zap.Error(err))
	}
}

func (c *Coordinator) flatten(ctx context.Context, plan model.OrderPlan, fill model.Fill) {
	closeCtx, cancel := context.WithTimeout(ctx, c.opts.OrderTimeout)
	defer cancel()
	pos := model.Position{
		Symbol:     plan.Symbol,
		Side:       plan.Side,
		EntryPrice: fill.Price,
		Quantity:   fill.Quantity,
		Status:     model.StatusOpen,
	}
	if _, err := c.deps.Executor.ClosePosition(closeCtx, pos, model.CloseManual); err != nil {
		c.logger.Error("Failed to flatten unconfirmed fill", zap.String("symbol", plan.Symbol), zap.Error(err))
	}
}

func (c *Coordinator) onClosed(ctx context.Context, pos model.Position) {
	c.logger.Info("Position closed",
		zap.String("symbol", pos.Symbol), zap.String("reason", string(pos.CloseReason)),
		zap.Float64("exit", pos.ExitPrice), zap.Float64("pnl", pos.RealizedPnL))
	c.deps.Notifier.Notify(notify.ClosedMessage(pos))

	if c.deps.Journal != nil {
		if err := c.deps.Journal.Record(ctx, model.NewTradeRecord(pos)); err != nil {
			c.logger.Error("Failed to write trade journal", zap.String("symbol", pos.Symbol), zap.Error(err))
		}
	}
}

func (c *Coordinator) persist() {
	if c.deps.Store == nil {
		return
	}
	if err := c.deps.Store.Save(c.deps.Ledger.Open(), c.now()); err != nil {
		c.logger.Error("Failed to persist positions", zap.Error(err))
	}
}
