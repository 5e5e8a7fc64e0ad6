package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crypto-futures-trader/internal/api"
	"crypto-futures-trader/internal/engine"
	"crypto-futures-trader/internal/exchange"
	"crypto-futures-trader/internal/executor"
	"crypto-futures-trader/internal/journal"
	"crypto-futures-trader/internal/ledger"
	"crypto-futures-trader/internal/notify"
	"crypto-futures-trader/internal/risk"
	"crypto-futures-trader/internal/service"
	"crypto-futures-trader/internal/state"
	"crypto-futures-trader/internal/strategy"
	"crypto-futures-trader/internal/universe"

	pyroscope "github.com/grafana/pyroscope-go"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config", "directory containing config.yaml")
	flag.Parse()

	cfg, err := service.LoadConfig(*configPath)
	if err != nil {
		// 配置错误只在启动时致命
		log.Fatalf("startup: %v", err)
	}

	service.InitLogger(cfg.LogLevel)
	defer service.Logger.Sync()
	logger := service.Logger

	if cfg.PyroscopeAddress != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "crypto-futures-trader",
			ServerAddress:   cfg.PyroscopeAddress,
			Tags:            map[string]string{"mode": cfg.TradingMode},
			Logger:          logger.Sugar(),
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logger.Warn("Pyroscope profiler not started", zap.Error(err))
		} else {
			defer func() { _ = profiler.Stop() }()
		}
	}

	strat, err := strategy.New(cfg.Strategy)
	if err != nil {
		logger.Fatal("Invalid strategy configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 交易所行情 (REST) + 全市场 ticker 流
	binance := exchange.NewBinanceFutures(exchange.Options{
		APIKey:            cfg.Exchange.APIKey,
		SecretKey:         cfg.Exchange.SecretKey,
		Testnet:           cfg.TradingMode == service.ModeTestnet,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		MaxRetries:        cfg.Exchange.MaxRetries,
	}, logger)

	tickerCache := api.NewTickerCache(2 * time.Minute)
	go api.NewConnector(cfg.Exchange.WSURL, tickerCache, logger).Run(ctx)

	scanner := universe.NewScanner(universe.Filter{
		MinQuoteVolume: cfg.Universe.MinQuoteVolume,
		TopN:           cfg.Universe.TopN,
		QuoteAsset:     cfg.Universe.QuoteAsset,
	}, binance, cfg.Universe.DefaultSymbol, logger, tickerCache, binance)

	// 2. 执行器
	var exec executor.Executor
	switch cfg.TradingMode {
	case service.ModePaper:
		exec = executor.NewSimulatorExecutor(executor.SimulatorConfig{
			InitialCapital: cfg.BacktestInitialCapital,
			FeeRate:        cfg.Risk.FeeRate,
		}, logger)
	default:
		exec = executor.NewBinanceExecutor(executor.NewFuturesGateway(binance), binance, logger)
	}

	// 3. 账本，从状态文件恢复
	book := ledger.New(cfg.Risk.MaxConcurrentPositions, cfg.Risk.FeeRate)
	store := state.NewFileStore(cfg.StateFilePath)
	if positions, err := store.Load(); err != nil {
		logger.Error("Failed to load saved positions, starting empty", zap.Error(err))
	} else if err := book.Restore(positions); err != nil {
		logger.Error("Failed to restore positions", zap.Error(err))
	} else if len(positions) > 0 {
		logger.Info("Restored open positions", zap.Int("count", len(positions)))
	}

	// 4. 交易日志 + 通知
	recorders := journal.Multi{journal.NewCSVJournal(cfg.TradeJournalPath)}
	if cfg.TradeJournalDSN != "" {
		pg, err := journal.OpenPostgres(journal.PostgresOption{ConnString: cfg.TradeJournalDSN})
		if err != nil {
			logger.Error("Postgres trade journal disabled", zap.Error(err))
		} else {
			defer pg.Close()
			recorders = append(recorders, pg)
		}
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, logger)
		if err != nil {
			logger.Warn("Telegram notifications disabled", zap.Error(err))
		} else {
			notifier = tg
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				tg.Close(closeCtx)
			}()
		}
	}

	coord := engine.NewCoordinator(engine.Options{
		Interval:     cfg.Strategy.KlineInterval,
		KlineLimit:   cfg.Strategy.KlineLimit,
		Concurrency:  cfg.Engine.ScanConcurrency,
		OrderTimeout: cfg.Engine.OrderTimeout,
	}, engine.Deps{
		Universe: scanner,
		Market:   binance,
		Strategy: strat,
		Risk: risk.NewManager(risk.AccountConfig{
			PositionSizeUSDT: cfg.Risk.PositionSizeUSDT,
			Leverage:         cfg.Risk.Leverage,
		}),
		Ledger:   book,
		Executor: exec,
		State:    strategy.NewEngineState(),
		Notifier: notifier,
		Journal:  recorders,
		Store:    store,
		Logger:   logger,
	})

	logger.Info("Trader starting",
		zap.String("mode", cfg.TradingMode),
		zap.String("strategy", string(strat.Kind())),
		zap.String("interval", cfg.Strategy.KlineInterval),
		zap.Int("max_positions", cfg.Risk.MaxConcurrentPositions))
	notifier.Notify("Trader started in " + cfg.TradingMode + " mode with " + string(strat.Kind()))

	engine.NewEngine(coord, cfg.Engine.LoopInterval, logger).Run(ctx)

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Shutdown", zap.Error(err))
	}
	logger.Info("Trader stopped", zap.Float64("realized_pnl", book.RealizedPnL()))
}
