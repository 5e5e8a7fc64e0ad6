package strategy

import (
	"sync"

	"crypto-futures-trader/internal/model"
)

// EngineState 按交易对记录最近一次信号，用于同一根 K 线内的去重
// 由执行协调器或回测驱动持有并显式传入，不是全局变量
type EngineState struct {
	mu      sync.RWMutex
	symbols map[string]SymbolState
}

// NewEngineState 初始化为空状态
func NewEngineState() *EngineState {
	return &EngineState{symbols: make(map[string]SymbolState)}
}

// Get 返回某个交易对的状态，不存在时返回零值
func (s *EngineState) Get(symbol string) SymbolState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.symbols[symbol]
}

// Record 记录一个非 NONE 信号，时间不前进的信号被忽略
func (s *EngineState) Record(sig model.Signal) {
	if sig.Direction == model.DirNone {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.symbols[sig.Symbol]
	if !prev.LastSignalAt.IsZero() && !sig.Timestamp.After(prev.LastSignalAt) {
		return
	}
	s.symbols[sig.Symbol] = SymbolState{
		LastSignalAt:  sig.Timestamp,
		LastDirection: sig.Direction,
	}
}

// Forget 删除某个交易对的状态
func (s *EngineState) Forget(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.symbols, symbol)
}

// Len 返回已记录的交易对数量
func (s *EngineState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.symbols)
}
