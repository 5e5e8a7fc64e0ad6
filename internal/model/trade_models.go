package model

import (
	"fmt"
	"time"
)

// Direction 定义了信号方向，同时用作持仓方向 (LONG/SHORT)
type Direction string

const (
	DirNone  Direction = "NONE"
	DirLong  Direction = "LONG"  // 多
	DirShort Direction = "SHORT" // 空
	DirExit  Direction = "EXIT"  // 平仓
)

func (d Direction) String() string {
	return string(d)
}

// IsEntry 判断是否为开仓方向
func (d Direction) IsEntry() bool {
	return d == DirLong || d == DirShort
}

// Opposite 返回反向，非开仓方向返回 DirNone
func (d Direction) Opposite() Direction {
	switch d {
	case DirLong:
		return DirShort
	case DirShort:
		return DirLong
	}
	return DirNone
}

// Sign 多头为 1，空头为 -1
func (d Direction) Sign() float64 {
	switch d {
	case DirLong:
		return 1
	case DirShort:
		return -1
	}
	return 0
}

// Signal 是策略层的输出，每个交易对每个决策周期最多一个
type Signal struct {
	Symbol    string
	Timestamp time.Time // 产生信号的 K 线开盘时间
	Direction Direction
	Price     float64 // 信号 K 线收盘价
	Strength  float64
	Reason    string
}

func (s Signal) String() string {
	return fmt.Sprintf("SIGNAL [%s | %s] @ %.4f | %s", s.Symbol, s.Direction, s.Price, s.Reason)
}

// OrderPlan 是风控层给出的具体下单计划
type OrderPlan struct {
	Symbol          string
	Side            Direction
	EntryPrice      float64
	Quantity        float64 // POSITION_SIZE_USDT ÷ EntryPrice ÷ Leverage
	StopLossPrice   float64
	TakeProfitPrice float64
	Leverage        int
	Notional        float64
	ATR             float64
	StopDistance    float64 // ATR × 止损倍数
	TargetDistance  float64 // ATR × 止盈倍数
	SignalTime      time.Time
	Reason          string
}

// Fill 是交易所 (或模拟器) 返回的成交确认
type Fill struct {
	Symbol   string
	OrderID  string
	Price    float64
	Quantity float64
	Time     time.Time
}

type PositionStatus string

const (
	StatusPending PositionStatus = "PENDING" // 已占用名额，等待成交确认
	StatusOpen    PositionStatus = "OPEN"
	StatusClosed  PositionStatus = "CLOSED"
)

type CloseReason string

const (
	CloseNone       CloseReason = ""
	CloseStopLoss   CloseReason = "SL_HIT"
	CloseTakeProfit CloseReason = "TP_HIT"
	CloseManual     CloseReason = "MANUAL"
	CloseSignalExit CloseReason = "SIGNAL_EXIT"
)

// Position 由 PositionLedger 独占管理
type Position struct {
	ID              int64          `json:"id"`
	Symbol          string         `json:"symbol"`
	Side            Direction      `json:"side"`
	EntryPrice      float64        `json:"entry_price"`
	Quantity        float64        `json:"quantity"`
	StopLossPrice   float64        `json:"stop_loss_price"`
	TakeProfitPrice float64        `json:"take_profit_price"`
	StopDistance    float64        `json:"stop_distance"`
	TargetDistance  float64        `json:"target_distance"`
	Leverage        int            `json:"leverage"`
	OrderID         string         `json:"order_id,omitempty"`
	EntryReason     string         `json:"entry_reason,omitempty"`
	OpenedAt        time.Time      `json:"opened_at"`
	Status          PositionStatus `json:"status"`
	CloseReason     CloseReason    `json:"close_reason,omitempty"`
	ExitPrice       float64        `json:"exit_price,omitempty"`
	ClosedAt        time.Time      `json:"closed_at,omitzero"`
	Fees            float64        `json:"fees,omitempty"`
	RealizedPnL     float64        `json:"realized_pnl"`
}

// UnrealizedPnL 按给定价格计算浮动盈亏
func (p Position) UnrealizedPnL(price float64) float64 {
	if p.Status != StatusOpen {
		return 0
	}
	return (price - p.EntryPrice) * p.Quantity * p.Side.Sign()
}

// TradeRecord 记录一次完整的开仓和平仓交易
type TradeRecord struct {
	EntryTime   time.Time
	ExitTime    time.Time
	Symbol      string
	Side        Direction
	EntryPrice  float64
	ExitPrice   float64
	Quantity    float64
	Leverage    int
	RealizedPnL float64 // 扣除手续费后
	PnLPercent  float64 // 相对保证金的收益率
	Fees        float64
	EntryReason string
	ExitReason  CloseReason
}

// NewTradeRecord 由已平仓的 Position 构造交易记录
func NewTradeRecord(p Position) TradeRecord {
	rec := TradeRecord{
		EntryTime:   p.OpenedAt,
		ExitTime:    p.ClosedAt,
		Symbol:      p.Symbol,
		Side:        p.Side,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   p.ExitPrice,
		Quantity:    p.Quantity,
		Leverage:    p.Leverage,
		RealizedPnL: p.RealizedPnL,
		Fees:        p.Fees,
		EntryReason: p.EntryReason,
		ExitReason:  p.CloseReason,
	}
	leverage := float64(p.Leverage)
	if leverage <= 0 {
		leverage = 1
	}
	margin := p.EntryPrice * p.Quantity / leverage
	if margin > 0 {
		rec.PnLPercent = p.RealizedPnL / margin * 100
	}
	return rec
}
