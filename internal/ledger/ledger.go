package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/risk"
)

var (
	// ErrCapacityExceeded 已达到 MAX_CONCURRENT_POSITIONS，属于正常情况
	ErrCapacityExceeded = errors.New("ledger: capacity exceeded")
	// ErrDuplicateSymbol 该交易对已有持仓或挂起的开仓
	ErrDuplicateSymbol = errors.New("ledger: duplicate symbol")
	// ErrNotFound 没有该交易对的 PENDING/OPEN 持仓
	ErrNotFound = errors.New("ledger: position not found")
	// ErrInvalidState 状态不允许该操作，例如确认已经 OPEN 的持仓
	ErrInvalidState = errors.New("ledger: invalid position state")
)

// Ledger 是持仓的唯一所有者
// 所有读写都在同一把锁下，tryOpen 的检查和插入是原子的
type Ledger struct {
	mu      sync.Mutex
	maxOpen int
	feeRate float64

	seq    int64
	active map[string]*model.Position // PENDING 或 OPEN
	closed []model.Position           // 按平仓顺序
}

// New 创建账本，feeRate 为单边费率，0 表示不计手续费
func New(maxOpen int, feeRate float64) *Ledger {
	return &Ledger{
		maxOpen: maxOpen,
		feeRate: feeRate,
		active:  make(map[string]*model.Position),
	}
}

// TryOpen 占用一个名额并创建 PENDING 持仓
// PENDING 同样计入并发上限，避免两个交易对同时越过上限
func (l *Ledger) TryOpen(plan model.OrderPlan, at time.Time) (model.Position, error) {
	if !plan.Side.IsEntry() {
		return model.Position{}, fmt.Errorf("%w: side %s", ErrInvalidState, plan.Side)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.active[plan.Symbol]; ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrDuplicateSymbol, plan.Symbol)
	}
	if len(l.active) >= l.maxOpen {
		return model.Position{}, fmt.Errorf("%w: %d/%d", ErrCapacityExceeded, len(l.active), l.maxOpen)
	}

	l.seq++
	pos := &model.Position{
		ID:              l.seq,
		Symbol:          plan.Symbol,
		Side:            plan.Side,
		EntryPrice:      plan.EntryPrice,
		Quantity:        plan.Quantity,
		StopLossPrice:   plan.StopLossPrice,
		TakeProfitPrice: plan.TakeProfitPrice,
		StopDistance:    plan.StopDistance,
		TargetDistance:  plan.TargetDistance,
		Leverage:        plan.Leverage,
		EntryReason:     plan.Reason,
		OpenedAt:        at,
		Status:          model.StatusPending,
	}
	l.active[plan.Symbol] = pos
	return *pos, nil
}

// Confirm 收到成交确认后把 PENDING 转为 OPEN
// 止损止盈按成交价重新计算，保持原有 ATR 距离
func (l *Ledger) Confirm(symbol string, fill model.Fill) (model.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.active[symbol]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	if pos.Status != model.StatusPending {
		return model.Position{}, fmt.Errorf("%w: %s is %s", ErrInvalidState, symbol, pos.Status)
	}
	if fill.Price <= 0 || fill.Quantity <= 0 {
		return model.Position{}, fmt.Errorf("%w: %s fill price=%v qty=%v", ErrInvalidState, symbol, fill.Price, fill.Quantity)
	}

	stop, target := pos.StopLossPrice, pos.TakeProfitPrice
	if pos.StopDistance > 0 && pos.TargetDistance > 0 {
		stop, target = risk.Rebase(pos.Side, fill.Price, pos.StopDistance, pos.TargetDistance)
	}
	// 成交价偏离太多时止损或止盈可能落到 0 以下，保持 PENDING 交给调用方处理
	if stop <= 0 || target <= 0 {
		return model.Position{}, fmt.Errorf("%w: %s fill %v gives sl=%v tp=%v", risk.ErrInvalidBracket, symbol, fill.Price, stop, target)
	}

	pos.EntryPrice = fill.Price
	pos.Quantity = fill.Quantity
	pos.OrderID = fill.OrderID
	if !fill.Time.IsZero() {
		pos.OpenedAt = fill.Time
	}
	pos.StopLossPrice, pos.TakeProfitPrice = stop, target
	pos.Status = model.StatusOpen
	return *pos, nil
}

// Discard 释放 PENDING 名额 (交易所拒单或超时)
func (l *Ledger) Discard(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.active[symbol]
	if !ok || pos.Status != model.StatusPending {
		return false
	}
	delete(l.active, symbol)
	return true
}

// CheckTriggers 用 K 线高低点检查止损止盈
// 同一根 K 线同时穿越时止损优先 (无法从 OHLC 得知盘中路径，按最坏情况处理)
func (l *Ledger) CheckTriggers(symbol string, c model.Candle) (model.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.active[symbol]
	if !ok || pos.Status != model.StatusOpen {
		return model.Position{}, false
	}
	// 开仓之前已经结束的 K 线不参与判断
	if c.EndTime().Before(pos.OpenedAt) {
		return model.Position{}, false
	}

	var (
		hitSL, hitTP bool
	)
	switch pos.Side {
	case model.DirLong:
		hitSL = c.Low <= pos.StopLossPrice
		hitTP = c.High >= pos.TakeProfitPrice
	case model.DirShort:
		hitSL = c.High >= pos.StopLossPrice
		hitTP = c.Low <= pos.TakeProfitPrice
	}

	at := c.EndTime()
	switch {
	case hitSL:
		return l.closeLocked(pos, pos.StopLossPrice, model.CloseStopLoss, at), true
	case hitTP:
		return l.closeLocked(pos, pos.TakeProfitPrice, model.CloseTakeProfit, at), true
	}
	return model.Position{}, false
}

// Close 按给定价格平仓
func (l *Ledger) Close(symbol string, price float64, reason model.CloseReason, at time.Time) (model.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.active[symbol]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	if pos.Status != model.StatusOpen {
		return model.Position{}, fmt.Errorf("%w: %s is %s", ErrInvalidState, symbol, pos.Status)
	}
	if price <= 0 {
		return model.Position{}, fmt.Errorf("%w: %s exit price %v", ErrInvalidState, symbol, price)
	}
	return l.closeLocked(pos, price, reason, at), nil
}

// closeLocked 计算已实现盈亏并归档，调用方持有锁
func (l *Ledger) closeLocked(pos *model.Position, price float64, reason model.CloseReason, at time.Time) model.Position {
	gross := (price - pos.EntryPrice) * pos.Quantity * pos.Side.Sign()
	fees := (pos.EntryPrice*pos.Quantity + price*pos.Quantity) * l.feeRate

	pos.ExitPrice = price
	pos.ClosedAt = at
	pos.CloseReason = reason
	pos.Fees = fees
	pos.RealizedPnL = gross - fees
	pos.Status = model.StatusClosed

	delete(l.active, pos.Symbol)
	l.closed = append(l.closed, *pos)
	return *pos
}

// Get 返回活跃 (PENDING/OPEN) 持仓
func (l *Ledger) Get(symbol string) (model.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.active[symbol]
	if !ok {
		return model.Position{}, false
	}
	return *pos, true
}

// Open 返回 OPEN 持仓，按开仓顺序
func (l *Ledger) Open() []model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.Position, 0, len(l.active))
	for _, pos := range l.active {
		if pos.Status == model.StatusOpen {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Closed 返回已平仓记录的副本
func (l *Ledger) Closed() []model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.Position, len(l.closed))
	copy(out, l.closed)
	return out
}

// ActiveCount 返回 PENDING + OPEN 数量
func (l *Ledger) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// RealizedPnL 累计已实现盈亏
func (l *Ledger) RealizedPnL() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := 0.0
	for _, pos := range l.closed {
		total += pos.RealizedPnL
	}
	return total
}

// UnrealizedPnL 按最新价格计算浮动盈亏，缺价格的持仓不计
func (l *Ledger) UnrealizedPnL(prices map[string]float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := 0.0
	for symbol, pos := range l.active {
		if price, ok := prices[symbol]; ok {
			total += pos.UnrealizedPnL(price)
		}
	}
	return total
}

// Restore 从状态文件恢复 OPEN 持仓，只能在空账本上调用
func (l *Ledger) Restore(positions []model.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.active) > 0 || len(l.closed) > 0 {
		return fmt.Errorf("%w: restore into non-empty ledger", ErrInvalidState)
	}
	for _, p := range positions {
		if p.Status != model.StatusOpen {
			continue
		}
		if _, ok := l.active[p.Symbol]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateSymbol, p.Symbol)
		}
		pos := p
		l.active[p.Symbol] = &pos
		if p.ID > l.seq {
			l.seq = p.ID
		}
	}
	return nil
}

// snapshot 是账本的序列化形式
type snapshot struct {
	Open   []model.Position `json:"open"`
	Closed []model.Position `json:"closed"`
}

// MarshalJSON 输出确定性的账本快照：OPEN 按 ID 排序，已平仓按平仓顺序
func (l *Ledger) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshot{Open: l.Open(), Closed: l.Closed()})
}
