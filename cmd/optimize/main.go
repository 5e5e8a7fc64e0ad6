package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"crypto-futures-trader/internal/backtest"
	"crypto-futures-trader/internal/history"
	"crypto-futures-trader/internal/risk"
	"crypto-futures-trader/internal/service"

	"go.uber.org/zap"
)

// 用法:
//
//	optimize -data data/BTCUSDT_1h.csv -top 10 -min-trades 50
//
// 网格固定为快线 5..22、慢线 21..56、止损 1.0..2.5、止盈 1.5..4.0 倍 ATR
func main() {
	configPath := flag.String("config", "config", "directory containing config.yaml")
	data := flag.String("data", "", "candle CSV file")
	symbol := flag.String("symbol", "", "symbol of the data file, defaults to file name prefix")
	top := flag.Int("top", 10, "number of results to print per ranking")
	minTrades := flag.Int("min-trades", 50, "minimum trades for the net pnl ranking")
	workers := flag.Int("workers", runtime.NumCPU(), "parallel backtests")
	flag.Parse()

	cfg, err := service.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	service.InitLogger(cfg.LogLevel)
	defer service.Logger.Sync()
	logger := service.Logger

	if *data == "" {
		logger.Fatal("No data file given, use -data")
	}
	name := strings.ToUpper(*symbol)
	if name == "" {
		base := strings.TrimSuffix(filepath.Base(*data), filepath.Ext(*data))
		name, _, _ = strings.Cut(strings.ToUpper(base), "_")
	}

	step, err := service.ParseIntervalDuration(cfg.Strategy.KlineInterval)
	if err != nil {
		logger.Fatal("Invalid kline interval", zap.String("interval", cfg.Strategy.KlineInterval), zap.Error(err))
	}
	candles, err := history.LoadFile(*data, name, cfg.Strategy.KlineInterval, step)
	if err != nil {
		logger.Fatal("Failed to load candles", zap.String("file", *data), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	grid := backtest.DefaultGrid()
	logger.Info("Optimization started",
		zap.String("symbol", name), zap.Int("candles", len(candles)), zap.Int("combinations", len(grid.Combinations())))

	trials, err := backtest.Optimize(ctx, backtest.OptimizeConfig{
		Strategy: cfg.Strategy,
		Backtest: backtest.Config{
			Account: risk.AccountConfig{
				PositionSizeUSDT: cfg.Risk.PositionSizeUSDT,
				Leverage:         cfg.Risk.Leverage,
			},
			MaxOpen:        cfg.Risk.MaxConcurrentPositions,
			FeeRate:        cfg.Risk.FeeRate,
			InitialCapital: cfg.BacktestInitialCapital,
			WindowSize:     cfg.Strategy.KlineLimit,
			Logger:         logger,
		},
		Concurrency: *workers,
	}, grid, candles)
	if err != nil {
		logger.Fatal("Optimization failed", zap.Error(err))
	}

	printRanking(fmt.Sprintf("TOP %d RESULTS (SORTED BY PROFIT FACTOR)", *top), trials, *top)
	if reliable := backtest.Reliable(trials, *minTrades); len(reliable) > 0 {
		printRanking(fmt.Sprintf("TOP %d RELIABLE RESULTS (TRADES >= %d, SORTED BY NET PNL)", *top, *minTrades), reliable, *top)
	} else {
		logger.Warn("No parameter set reached the trade threshold", zap.Int("min_trades", *minTrades))
	}
}

func printRanking(title string, trials []backtest.Trial, n int) {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println(title)
	fmt.Println(strings.Repeat("=", 80))
	for i, t := range trials {
		if i >= n {
			break
		}
		fmt.Printf("#%-3d PF %6.2f  Net %10.2f USDT  Trades %4d  Win %6.2f%%  MaxDD %6.2f%%  %s\n",
			i+1, t.Summary.ProfitFactor, t.Summary.NetPnL, t.Summary.Trades, t.Summary.WinRate, t.Summary.MaxDrawdownPct, t.Params)
	}
}
