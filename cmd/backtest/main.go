package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"crypto-futures-trader/internal/backtest"
	"crypto-futures-trader/internal/history"
	"crypto-futures-trader/internal/journal"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/risk"
	"crypto-futures-trader/internal/service"
	"crypto-futures-trader/internal/strategy"

	"go.uber.org/zap"
)

// 用法:
//
//	backtest -data data/BTCUSDT_1h.csv,data/ETHUSDT_1h.csv -out trades.csv
//
// 交易对默认取文件名第一个 "_" 之前的部分
func main() {
	configPath := flag.String("config", "config", "directory containing config.yaml")
	data := flag.String("data", "", "comma separated candle CSV files")
	symbols := flag.String("symbols", "", "comma separated symbols matching -data, defaults to file name prefix")
	capital := flag.Float64("capital", 0, "initial capital override (USDT)")
	out := flag.String("out", "", "write closed trades to this CSV file")
	ledgerOut := flag.String("ledger", "", "write the final ledger snapshot to this JSON file")
	flag.Parse()

	cfg, err := service.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	service.InitLogger(cfg.LogLevel)
	defer service.Logger.Sync()
	logger := service.Logger

	files := splitList(*data)
	if len(files) == 0 {
		logger.Fatal("No data files given, use -data")
	}
	names := splitList(*symbols)
	if len(names) > 0 && len(names) != len(files) {
		logger.Fatal("Symbol count does not match data file count",
			zap.Int("files", len(files)), zap.Int("symbols", len(names)))
	}

	step, err := service.ParseIntervalDuration(cfg.Strategy.KlineInterval)
	if err != nil {
		logger.Fatal("Invalid kline interval", zap.String("interval", cfg.Strategy.KlineInterval), zap.Error(err))
	}

	series := make([][]model.Candle, 0, len(files))
	for i, path := range files {
		symbol := symbolFromPath(path)
		if len(names) > 0 {
			symbol = strings.ToUpper(names[i])
		}
		candles, err := history.LoadFile(path, symbol, cfg.Strategy.KlineInterval, step)
		if err != nil {
			logger.Fatal("Failed to load candles", zap.String("file", path), zap.Error(err))
		}
		logger.Info("Loaded candles", zap.String("symbol", symbol), zap.Int("count", len(candles)))
		series = append(series, candles)
	}

	strat, err := strategy.New(cfg.Strategy)
	if err != nil {
		logger.Fatal("Invalid strategy configuration", zap.Error(err))
	}

	initial := cfg.BacktestInitialCapital
	if *capital > 0 {
		initial = *capital
	}

	res, err := backtest.NewDriver(backtest.Config{
		Strategy: strat,
		Account: risk.AccountConfig{
			PositionSizeUSDT: cfg.Risk.PositionSizeUSDT,
			Leverage:         cfg.Risk.Leverage,
		},
		MaxOpen:        cfg.Risk.MaxConcurrentPositions,
		FeeRate:        cfg.Risk.FeeRate,
		InitialCapital: initial,
		WindowSize:     cfg.Strategy.KlineLimit,
		Logger:         logger,
	}).Run(series...)
	if err != nil {
		logger.Fatal("Backtest failed", zap.Error(err))
	}

	fmt.Print(res.Summary.String())

	if *out != "" {
		j := journal.NewCSVJournal(*out)
		for _, rec := range res.Trades {
			if err := j.Record(context.Background(), rec); err != nil {
				logger.Fatal("Failed to write trade", zap.String("file", *out), zap.Error(err))
			}
		}
		logger.Info("Trades written", zap.String("file", *out), zap.Int("count", len(res.Trades)))
	}

	if *ledgerOut != "" {
		js, err := res.LedgerJSON()
		if err != nil {
			logger.Fatal("Failed to encode ledger", zap.Error(err))
		}
		if err := os.WriteFile(*ledgerOut, js, 0o644); err != nil {
			logger.Fatal("Failed to write ledger", zap.String("file", *ledgerOut), zap.Error(err))
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// symbolFromPath data/btcusdt_1h.csv -> BTCUSDT
func symbolFromPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if i := strings.Index(base, "_"); i > 0 {
		base = base[:i]
	}
	return strings.ToUpper(base)
}
