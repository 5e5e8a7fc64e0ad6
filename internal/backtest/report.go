package backtest

import (
	"fmt"
	"math"
	"strings"

	"crypto-futures-trader/internal/model"
)

// Summary 回测统计
type Summary struct {
	InitialCapital float64
	FinalCapital   float64
	NetPnL         float64
	NetPnLPercent  float64
	Trades         int
	Wins           int
	Losses         int
	WinRate        float64 // 百分比
	ProfitFactor   float64 // 总盈利 / 总亏损，没有亏损时为 +Inf
	AvgWin         float64
	AvgLoss        float64
	PeakEquity     float64
	MaxDrawdown    float64
	MaxDrawdownPct float64
}

// Summarize 从交易记录和净值曲线计算统计
func Summarize(initial float64, trades []model.TradeRecord, equity []EquityPoint) Summary {
	s := Summary{InitialCapital: initial, Trades: len(trades)}

	var grossWin, grossLoss float64
	for _, t := range trades {
		s.NetPnL += t.RealizedPnL
		switch {
		case t.RealizedPnL > 0:
			s.Wins++
			grossWin += t.RealizedPnL
		case t.RealizedPnL < 0:
			s.Losses++
			grossLoss += -t.RealizedPnL
		}
	}
	s.FinalCapital = initial + s.NetPnL
	if initial > 0 {
		s.NetPnLPercent = s.NetPnL / initial * 100
	}
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades) * 100
	}
	if s.Wins > 0 {
		s.AvgWin = grossWin / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = -grossLoss / float64(s.Losses)
	}
	switch {
	case grossLoss > 0:
		s.ProfitFactor = grossWin / grossLoss
	case grossWin > 0:
		s.ProfitFactor = math.Inf(1)
	}

	// 回撤按净值曲线计算
	s.PeakEquity = initial
	for _, p := range equity {
		if p.Equity > s.PeakEquity {
			s.PeakEquity = p.Equity
		}
		dd := s.PeakEquity - p.Equity
		if dd > s.MaxDrawdown {
			s.MaxDrawdown = dd
			if s.PeakEquity > 0 {
				s.MaxDrawdownPct = dd / s.PeakEquity * 100
			}
		}
	}
	return s
}

// String 输出人类可读的报告
func (s Summary) String() string {
	var b strings.Builder
	b.WriteString("========== BACKTEST RESULTS ==========\n")
	fmt.Fprintf(&b, "Initial capital : %.2f USDT\n", s.InitialCapital)
	fmt.Fprintf(&b, "Final capital   : %.2f USDT\n", s.FinalCapital)
	fmt.Fprintf(&b, "Net PnL         : %.2f USDT (%.2f%%)\n", s.NetPnL, s.NetPnLPercent)
	fmt.Fprintf(&b, "Peak equity     : %.2f USDT\n", s.PeakEquity)
	fmt.Fprintf(&b, "Max drawdown    : %.2f USDT (%.2f%%)\n", s.MaxDrawdown, s.MaxDrawdownPct)
	fmt.Fprintf(&b, "Trades          : %d (win %d / loss %d)\n", s.Trades, s.Wins, s.Losses)
	fmt.Fprintf(&b, "Win rate        : %.2f%%\n", s.WinRate)
	fmt.Fprintf(&b, "Profit factor   : %.2f\n", s.ProfitFactor)
	fmt.Fprintf(&b, "Avg win / loss  : %.4f / %.4f USDT\n", s.AvgWin, s.AvgLoss)
	return b.String()
}
