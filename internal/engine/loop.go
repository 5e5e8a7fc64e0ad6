package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Cycler 执行一个决策周期
type Cycler interface {
	RunCycle(ctx context.Context) (CycleReport, error)
}

// Engine 按固定间隔驱动决策周期
// 上一个周期未结束时跳过本次 tick，不排队
type Engine struct {
	cycler   Cycler
	interval time.Duration
	logger   *zap.Logger

	running atomic.Bool
	missed  atomic.Int64
	wg      sync.WaitGroup
}

func NewEngine(cycler Cycler, interval time.Duration, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cycler:   cycler,
		interval: interval,
		logger:   logger.With(zap.String("component", "engine")),
	}
}

// Run 阻塞直到 ctx 取消，返回前等待进行中的周期结束
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("Engine loop started", zap.Duration("interval", e.interval))

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			e.logger.Info("Engine loop stopped", zap.Int64("missed_ticks", e.missed.Load()))
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		e.missed.Add(1)
		e.logger.Warn("Previous cycle still running, missed tick")
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.running.Store(false)

		if _, err := e.cycler.RunCycle(ctx); err != nil {
			e.logger.Error("Decision cycle failed", zap.Error(err))
		}
	}()
}

// Missed 返回被跳过的 tick 数
func (e *Engine) Missed() int64 {
	return e.missed.Load()
}
