package backtest

import (
	"context"
	"fmt"
	"sort"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
	"crypto-futures-trader/internal/strategy"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Grid EMA 交叉策略的参数网格
type Grid struct {
	FastEMA      []int
	SlowEMA      []int
	SLMultiplier []float64
	TPMultiplier []float64
}

// DefaultGrid 快线 5..22 步长 3，慢线 21..56 步长 5
func DefaultGrid() Grid {
	g := Grid{
		SLMultiplier: []float64{1.0, 1.5, 2.0, 2.5},
		TPMultiplier: []float64{1.5, 2.0, 3.0, 4.0},
	}
	for p := 5; p < 25; p += 3 {
		g.FastEMA = append(g.FastEMA, p)
	}
	for p := 21; p < 61; p += 5 {
		g.SlowEMA = append(g.SlowEMA, p)
	}
	return g
}

// Params 一组待测试的参数
type Params struct {
	FastEMA      int
	SlowEMA      int
	SLMultiplier float64
	TPMultiplier float64
}

func (p Params) String() string {
	return fmt.Sprintf("fast=%d slow=%d sl=%.2f tp=%.2f", p.FastEMA, p.SlowEMA, p.SLMultiplier, p.TPMultiplier)
}

// Combinations 按网格顺序展开，跳过慢线不长于快线的组合
func (g Grid) Combinations() []Params {
	var out []Params
	for _, fast := range g.FastEMA {
		for _, slow := range g.SlowEMA {
			if slow <= fast {
				continue
			}
			for _, sl := range g.SLMultiplier {
				for _, tp := range g.TPMultiplier {
					out = append(out, Params{FastEMA: fast, SlowEMA: slow, SLMultiplier: sl, TPMultiplier: tp})
				}
			}
		}
	}
	return out
}

// Trial 一组参数的回测结果
type Trial struct {
	Params  Params
	Summary Summary
}

// OptimizeConfig Strategy 作为基准配置，网格只覆盖 Crossover 的周期和倍数
// Backtest.Strategy 会被忽略
type OptimizeConfig struct {
	Strategy    service.StrategyConfig
	Backtest    Config
	Concurrency int
}

// Optimize 对每组参数跑一次回测，结果按利润因子降序，再按净盈亏降序
// 相同时保持网格顺序，所以同样的输入得到同样的排名；没有成交的组合不参与排名
func Optimize(ctx context.Context, cfg OptimizeConfig, grid Grid, series ...[]model.Candle) ([]Trial, error) {
	combos := grid.Combinations()
	if len(combos) == 0 {
		return nil, fmt.Errorf("backtest: parameter grid is empty")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	logger := cfg.Backtest.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	results := make([]*Trial, len(combos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i, p := range combos {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sc := cfg.Strategy
			sc.Name = string(strategy.KindEMACrossover)
			sc.Crossover.FastEMA = p.FastEMA
			sc.Crossover.SlowEMA = p.SlowEMA
			sc.Crossover.SLMultiplier = p.SLMultiplier
			sc.Crossover.TPMultiplier = p.TPMultiplier

			strat, err := strategy.New(sc)
			if err != nil {
				return fmt.Errorf("backtest: %s: %w", p, err)
			}
			bc := cfg.Backtest
			bc.Strategy = strat
			// 单次回测日志太多，只保留汇总
			bc.Logger = zap.NewNop()

			res, err := NewDriver(bc).Run(series...)
			if err != nil {
				return fmt.Errorf("backtest: %s: %w", p, err)
			}
			if res.Summary.Trades > 0 {
				results[i] = &Trial{Params: p, Summary: res.Summary}
			}
			logger.Debug("Parameter set tested", zap.Stringer("params", p), zap.Int("trades", res.Summary.Trades))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	trials := make([]Trial, 0, len(results))
	for _, t := range results {
		if t != nil {
			trials = append(trials, *t)
		}
	}
	sort.SliceStable(trials, func(i, j int) bool {
		a, b := trials[i].Summary, trials[j].Summary
		if a.ProfitFactor != b.ProfitFactor {
			return a.ProfitFactor > b.ProfitFactor
		}
		return a.NetPnL > b.NetPnL
	})
	logger.Info("Optimization finished", zap.Int("combinations", len(combos)), zap.Int("with_trades", len(trials)))
	return trials, nil
}

// Reliable 成交笔数不少于 minTrades 的结果，按净盈亏降序
func Reliable(trials []Trial, minTrades int) []Trial {
	var out []Trial
	for _, t := range trials {
		if t.Summary.Trades >= minTrades {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Summary.NetPnL > out[j].Summary.NetPnL
	})
	return out
}
