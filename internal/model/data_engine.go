package model

import (
	"sync"
)

// CandleWindow 按交易对维护最近 N 根已收盘 K 线 (FIFO)
// 回测驱动和实时引擎都用它作为指标计算的输入窗口
type CandleWindow struct {
	mu      sync.RWMutex
	limit   int
	windows map[string][]Candle
}

// NewCandleWindow 创建窗口，limit<=0 表示不截断
func NewCandleWindow(limit int) *CandleWindow {
	return &CandleWindow{
		limit:   limit,
		windows: make(map[string][]Candle),
	}
}

// Push 追加一根 K 线。OpenTime 不严格递增的 K 线被忽略并返回 false
func (w *CandleWindow) Push(c Candle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	series := w.windows[c.Symbol]
	if n := len(series); n > 0 && !c.OpenTime.After(series[n-1].OpenTime) {
		return false
	}

	series = append(series, c)
	// 保持历史长度
	if w.limit > 0 && len(series) > w.limit {
		series = series[len(series)-w.limit:]
	}
	w.windows[c.Symbol] = series
	return true
}

// Window 返回窗口副本，调用方可以随意修改
func (w *CandleWindow) Window(symbol string) []Candle {
	w.mu.RLock()
	defer w.mu.RUnlock()

	series := w.windows[symbol]
	out := make([]Candle, len(series))
	copy(out, series)
	return out
}

// Last 返回最新一根 K 线
func (w *CandleWindow) Last(symbol string) (Candle, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	series := w.windows[symbol]
	if len(series) == 0 {
		return Candle{}, false
	}
	return series[len(series)-1], true
}
