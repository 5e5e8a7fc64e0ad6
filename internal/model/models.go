package model

import (
	"math"
	"time"
)

// Candle 代表一根已收盘的 K 线
type Candle struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"` // 周期，例如 "1m", "5m", "1h"
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`

	// 仅历史数据文件提供，可能为 0
	OpenInterest float64 `json:"open_interest,omitempty"`
	FundingRate  float64 `json:"funding_rate,omitempty"`
}

// EndTime 返回 K 线结束时间，CloseTime 缺失时退化为 OpenTime
func (c Candle) EndTime() time.Time {
	if c.CloseTime.IsZero() {
		return c.OpenTime
	}
	return c.CloseTime
}

// Ticker24h 是 24 小时滚动统计，用于筛选交易对
type Ticker24h struct {
	Symbol      string
	LastPrice   float64
	QuoteVolume float64 // 24h 成交额 (USDT)
	EventTime   time.Time
}

// IndicatorVector 是某根 K 线收盘时的指标快照
// 每次窗口前进都重新计算，不做增量修补
type IndicatorVector struct {
	Symbol   string
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Values   map[string]float64
}

// Get 返回指标值，不存在时返回 NaN
func (v IndicatorVector) Get(name string) float64 {
	val, ok := v.Values[name]
	if !ok {
		return math.NaN()
	}
	return val
}

// Has 判断指标存在且为有限值
func (v IndicatorVector) Has(name string) bool {
	val, ok := v.Values[name]
	return ok && !math.IsNaN(val) && !math.IsInf(val, 0)
}

// VolatilityRatio 返回 ATR 占价格的百分比，例如 ATR=10, price=500 -> 2.0
func VolatilityRatio(atr, price float64) float64 {
	if price <= 0 {
		return math.NaN()
	}
	return atr / price * 100
}

// Bracket 是策略级的止损止盈倍数与波动率区间
type Bracket struct {
	StopLossATR   float64 // 止损 = ATR × StopLossATR
	TakeProfitATR float64 // 止盈 = ATR × TakeProfitATR
	MinVolatility float64 // 百分比，闭区间
	MaxVolatility float64
}

// InBand 判断波动率是否落在 [Min, Max] 内
func (b Bracket) InBand(ratio float64) bool {
	if math.IsNaN(ratio) {
		return false
	}
	return ratio >= b.MinVolatility && ratio <= b.MaxVolatility
}
