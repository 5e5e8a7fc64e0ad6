package ta

import (
	"errors"
	"fmt"
	"math"

	"crypto-futures-trader/internal/model"

	"github.com/markcheno/go-talib"
)

var (
	// ErrInsufficientData 窗口长度不足，调用方应跳过该交易对
	ErrInsufficientData = errors.New("ta: insufficient data")
	// ErrInvalidWindow 窗口混入了其他交易对或时间不递增
	ErrInvalidWindow = errors.New("ta: invalid candle window")
)

// 指标名称
const (
	KeyEMAFast       = "ema_fast"
	KeyEMASlow       = "ema_slow"
	KeyEMAFastPrev   = "ema_fast_prev"
	KeyEMASlowPrev   = "ema_slow_prev"
	KeyATR           = "atr"
	KeyBollUpper     = "boll_upper"
	KeyBollMiddle    = "boll_middle"
	KeyBollLower     = "boll_lower"
	KeyStochRSIK     = "stoch_rsi_k"
	KeyStochRSID     = "stoch_rsi_d"
	KeyStochRSIKPrev = "stoch_rsi_k_prev"
	KeyStochRSIDPrev = "stoch_rsi_d_prev"
	KeyRSI           = "rsi"
	KeyVolumeSMA     = "volume_sma"
	KeyTrendFast     = "trend_ema_fast"
	KeyTrendSlow     = "trend_ema_slow"
)

// Params 描述需要计算哪些指标，周期为 0 表示不计算
type Params struct {
	EMAFast int
	EMASlow int
	ATR     int

	BollingerPeriod int
	BollingerStdDev float64

	StochRSIPeriod int
	StochK         int
	StochD         int

	RSI       int
	VolumeSMA int

	TrendFast int
	TrendSlow int

	// 额外预留的 K 线数，让 EMA/RSI 这类递推指标收敛
	Warmup int
}

// Lookback 返回计算所有指标所需的最少 K 线数 N
func (p Params) Lookback() int {
	need := 0
	take := func(n int) {
		if n > need {
			need = n
		}
	}

	// 交叉判断需要上一根 K 线的值，所以多留一根
	if p.EMAFast > 0 {
		take(p.EMAFast + 1)
	}
	if p.EMASlow > 0 {
		take(p.EMASlow + 1)
	}
	// talib ATR 的首个有效值在下标 period 处
	if p.ATR > 0 {
		take(p.ATR + 1)
	}
	if p.BollingerPeriod > 0 {
		take(p.BollingerPeriod)
	}
	if p.StochRSIPeriod > 0 {
		take(p.StochRSIPeriod + p.stochK() + p.stochD() + 1)
	}
	if p.RSI > 0 {
		take(p.RSI + 1)
	}
	if p.VolumeSMA > 0 {
		take(p.VolumeSMA)
	}
	if p.TrendFast > 0 {
		take(p.TrendFast)
	}
	if p.TrendSlow > 0 {
		take(p.TrendSlow)
	}

	if need == 0 {
		return 0
	}
	return need + p.Warmup
}

func (p Params) stochK() int {
	if p.StochK <= 0 {
		return 3
	}
	return p.StochK
}

func (p Params) stochD() int {
	if p.StochD <= 0 {
		return 3
	}
	return p.StochD
}

// Merge 合并两组参数，同一指标取非零值 (a 优先)
func Merge(a, b Params) Params {
	pick := func(x, y int) int {
		if x != 0 {
			return x
		}
		return y
	}
	out := Params{
		EMAFast:         pick(a.EMAFast, b.EMAFast),
		EMASlow:         pick(a.EMASlow, b.EMASlow),
		ATR:             pick(a.ATR, b.ATR),
		BollingerPeriod: pick(a.BollingerPeriod, b.BollingerPeriod),
		BollingerStdDev: a.BollingerStdDev,
		StochRSIPeriod:  pick(a.StochRSIPeriod, b.StochRSIPeriod),
		StochK:          pick(a.StochK, b.StochK),
		StochD:          pick(a.StochD, b.StochD),
		RSI:             pick(a.RSI, b.RSI),
		VolumeSMA:       pick(a.VolumeSMA, b.VolumeSMA),
		TrendFast:       pick(a.TrendFast, b.TrendFast),
		TrendSlow:       pick(a.TrendSlow, b.TrendSlow),
		Warmup:          max(a.Warmup, b.Warmup),
	}
	if out.BollingerStdDev == 0 {
		out.BollingerStdDev = b.BollingerStdDev
	}
	return out
}

// Pipeline 负责把 K 线窗口转换成指标向量
// 无状态，可以被多个 goroutine 同时调用
type Pipeline struct {
	params Params
}

// NewPipeline 初始化技术指标流水线
func NewPipeline(params Params) *Pipeline {
	if params.BollingerPeriod > 0 && params.BollingerStdDev == 0 {
		params.BollingerStdDev = 2
	}
	return &Pipeline{params: params}
}

func (p *Pipeline) Params() Params {
	return p.params
}

// Lookback 返回所需最少 K 线数
func (p *Pipeline) Lookback() int {
	return p.params.Lookback()
}

// Compute 以窗口最后一根 K 线为基准计算指标
// 相同窗口永远得到相同结果
func (p *Pipeline) Compute(window []model.Candle) (model.IndicatorVector, error) {
	need := p.Lookback()
	if len(window) == 0 || len(window) < need {
		return model.IndicatorVector{}, fmt.Errorf("%w: have %d candles, need %d", ErrInsufficientData, len(window), need)
	}
	if err := validateWindow(window); err != nil {
		return model.IndicatorVector{}, err
	}

	n := len(window)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range window {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	last := window[n-1]
	values := make(map[string]float64, 16)
	cfg := p.params

	// --- 均线 (EMA 快/慢) ---
	if cfg.EMAFast > 0 {
		ema := talib.Ema(closes, cfg.EMAFast)
		values[KeyEMAFast] = ema[n-1]
		values[KeyEMAFastPrev] = ema[n-2]
	}
	if cfg.EMASlow > 0 {
		ema := talib.Ema(closes, cfg.EMASlow)
		values[KeyEMASlow] = ema[n-1]
		values[KeyEMASlowPrev] = ema[n-2]
	}

	// --- 平均真实波动范围 (ATR) ---
	// 注意：talib ATR 需要 High, Low, Previous Close
	if cfg.ATR > 0 {
		atr := talib.Atr(highs, lows, closes, cfg.ATR)
		values[KeyATR] = atr[n-1]
	}

	// --- 布林带 ---
	if cfg.BollingerPeriod > 0 {
		upper, middle, lower := talib.BBands(closes, cfg.BollingerPeriod, cfg.BollingerStdDev, cfg.BollingerStdDev, talib.SMA)
		values[KeyBollUpper] = upper[n-1]
		values[KeyBollMiddle] = middle[n-1]
		values[KeyBollLower] = lower[n-1]
	}

	// --- 随机 RSI ---
	if cfg.StochRSIPeriod > 0 {
		k, d := talib.StochRsi(closes, cfg.StochRSIPeriod, cfg.stochK(), cfg.stochD(), talib.SMA)
		values[KeyStochRSIK] = k[n-1]
		values[KeyStochRSID] = d[n-1]
		values[KeyStochRSIKPrev] = k[n-2]
		values[KeyStochRSIDPrev] = d[n-2]
	}

	// --- 相对强弱指数 (RSI) ---
	if cfg.RSI > 0 {
		rsi := talib.Rsi(closes, cfg.RSI)
		values[KeyRSI] = rsi[n-1]
	}

	// --- 成交量均线 ---
	if cfg.VolumeSMA > 0 {
		sma := talib.Sma(volumes, cfg.VolumeSMA)
		values[KeyVolumeSMA] = sma[n-1]
	}

	// --- 趋势过滤 EMA ---
	if cfg.TrendFast > 0 {
		values[KeyTrendFast] = talib.Ema(closes, cfg.TrendFast)[n-1]
	}
	if cfg.TrendSlow > 0 {
		values[KeyTrendSlow] = talib.Ema(closes, cfg.TrendSlow)[n-1]
	}

	for name, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return model.IndicatorVector{}, fmt.Errorf("%w: %s is not finite", ErrInsufficientData, name)
		}
	}

	return model.IndicatorVector{
		Symbol:   last.Symbol,
		OpenTime: last.OpenTime,
		Open:     last.Open,
		High:     last.High,
		Low:      last.Low,
		Close:    last.Close,
		Volume:   last.Volume,
		Values:   values,
	}, nil
}

func validateWindow(window []model.Candle) error {
	symbol := window[0].Symbol
	for i := 1; i < len(window); i++ {
		if window[i].Symbol != symbol {
			return fmt.Errorf("%w: mixed symbols %s and %s", ErrInvalidWindow, symbol, window[i].Symbol)
		}
		if !window[i].OpenTime.After(window[i-1].OpenTime) {
			return fmt.Errorf("%w: open time not increasing at index %d", ErrInvalidWindow, i)
		}
	}
	return nil
}
