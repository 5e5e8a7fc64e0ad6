// internal/service/config.go
package service

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrConfiguration 只在启动阶段致命
var ErrConfiguration = errors.New("configuration error")

// 交易模式
const (
	ModePaper   = "paper"
	ModeTestnet = "testnet"
	ModeLive    = "live"
)

// ExchangeConfig 定义了交易所的连接信息
type ExchangeConfig struct {
	APIKey    string
	SecretKey string
	WSURL     string
	// 每秒请求数上限 (REST)
	RequestsPerSecond float64
	MaxRetries        int
}

// UniverseConfig 定义了交易对筛选参数
type UniverseConfig struct {
	DefaultSymbol  string
	TopN           int
	MinQuoteVolume float64
	QuoteAsset     string
}

// RiskConfig 定义了仓位与杠杆
type RiskConfig struct {
	MaxConcurrentPositions int
	PositionSizeUSDT       float64
	Leverage               int
	FeeRate                float64 // 单边手续费率，0 表示不计
}

// CrossoverConfig EMA 交叉策略参数
type CrossoverConfig struct {
	FastEMA       int
	SlowEMA       int
	SLMultiplier  float64
	TPMultiplier  float64
	MinVolatility float64
	MaxVolatility float64
}

// MeanReversionConfig 布林带 + StochRSI 均值回归策略参数
type MeanReversionConfig struct {
	TrendFastEMA    int // 趋势过滤，0 表示关闭
	TrendSlowEMA    int
	StochRSIPeriod  int
	StochK          int
	StochD          int
	Oversold        float64
	Overbought      float64
	BollingerPeriod int
	BollingerStdDev float64
	SLMultiplier    float64
	TPMultiplier    float64
	MinVolatility   float64
	MaxVolatility   float64
}

// ScalpingConfig 动量剥头皮策略参数
type ScalpingConfig struct {
	FastEMA          int
	SlowEMA          int
	RSIPeriod        int
	RSIPullbackLong  float64
	RSIPullbackShort float64
	VolumeMAPeriod   int
	SLMultiplier     float64
	TPMultiplier     float64
	MinVolatility    float64
	MaxVolatility    float64
}

// StrategyConfig 定义了策略启动参数
type StrategyConfig struct {
	Name          string
	KlineInterval string
	KlineLimit    int
	ATRPeriod     int
	Warmup        int

	Crossover     CrossoverConfig
	MeanReversion MeanReversionConfig
	Scalping      ScalpingConfig
}

// EngineConfig 决策循环参数
type EngineConfig struct {
	LoopInterval    time.Duration
	ScanConcurrency int
	OrderTimeout    time.Duration
}

// Config 是进程级配置
type Config struct {
	TradingMode string
	LogLevel    string

	Exchange ExchangeConfig
	Universe UniverseConfig
	Risk     RiskConfig
	Strategy StrategyConfig
	Engine   EngineConfig

	TelegramToken  string
	TelegramChatID int64

	StateFilePath    string
	TradeJournalPath string
	TradeJournalDSN  string

	PyroscopeAddress string

	BacktestInitialCapital float64
}

// setDefaults 为所有可识别的键设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("TRADING_MODE", ModePaper)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("BINANCE_WS_URL", "wss://fstream.binance.com/ws/!ticker@arr")
	v.SetDefault("BINANCE_REQUESTS_PER_SECOND", 10)
	v.SetDefault("BINANCE_MAX_RETRIES", 3)

	v.SetDefault("DEFAULT_TRADING_SYMBOL", "BTCUSDT")
	v.SetDefault("ENGINE_LOOP_INTERVAL_SECONDS", 60)
	v.SetDefault("SCAN_TOP_N_SYMBOLS", 150)
	v.SetDefault("MIN_24H_QUOTE_VOLUME", 50_000_000)
	v.SetDefault("QUOTE_ASSET", "USDT")
	v.SetDefault("SCAN_CONCURRENCY", 8)
	v.SetDefault("ORDER_TIMEOUT_SECONDS", 10)

	v.SetDefault("MAX_CONCURRENT_POSITIONS", 5)
	v.SetDefault("POSITION_SIZE_USDT", 100)
	v.SetDefault("LEVERAGE", 10)
	v.SetDefault("FEE_RATE", 0)

	v.SetDefault("STRATEGY_NAME", "ema_crossover")
	v.SetDefault("STRATEGY_KLINE_INTERVAL", "15m")
	v.SetDefault("STRATEGY_KLINE_LIMIT", 200)
	v.SetDefault("ATR_PERIOD", 14)
	v.SetDefault("INDICATOR_WARMUP", 10)

	v.SetDefault("CROSSOVER_FAST_EMA_PERIOD", 9)
	v.SetDefault("CROSSOVER_SLOW_EMA_PERIOD", 21)
	v.SetDefault("CROSSOVER_ATR_SL_MULTIPLIER", 1.5)
	v.SetDefault("CROSSOVER_ATR_TP_MULTIPLIER", 3.0)
	v.SetDefault("CROSSOVER_MIN_VOLATILITY", 0.2)
	v.SetDefault("CROSSOVER_MAX_VOLATILITY", 5.0)

	v.SetDefault("MEAN_REVERSION_TREND_FAST_EMA_PERIOD", 50)
	v.SetDefault("MEAN_REVERSION_TREND_SLOW_EMA_PERIOD", 100)
	v.SetDefault("MEAN_REVERSION_STOCH_RSI_PERIOD", 14)
	v.SetDefault("MEAN_REVERSION_STOCH_RSI_K", 3)
	v.SetDefault("MEAN_REVERSION_STOCH_RSI_D", 3)
	v.SetDefault("MEAN_REVERSION_STOCH_RSI_OVERSOLD", 20)
	v.SetDefault("MEAN_REVERSION_STOCH_RSI_OVERBOUGHT", 80)
	v.SetDefault("MEAN_REVERSION_BOLLINGER_PERIOD", 20)
	v.SetDefault("MEAN_REVERSION_BOLLINGER_STD_DEV", 2.0)
	v.SetDefault("MEAN_REVERSION_ATR_SL_MULTIPLIER", 1.5)
	v.SetDefault("MEAN_REVERSION_ATR_TP_MULTIPLIER", 2.0)
	v.SetDefault("MEAN_REVERSION_MIN_VOLATILITY", 0.2)
	v.SetDefault("MEAN_REVERSION_MAX_VOLATILITY", 5.0)

	v.SetDefault("SCALPING_FAST_EMA_PERIOD", 9)
	v.SetDefault("SCALPING_SLOW_EMA_PERIOD", 21)
	v.SetDefault("SCALPING_RSI_PERIOD", 14)
	v.SetDefault("SCALPING_RSI_PULLBACK_LEVEL_LONG", 40)
	v.SetDefault("SCALPING_RSI_PULLBACK_LEVEL_SHORT", 60)
	v.SetDefault("SCALPING_VOLUME_MA_PERIOD", 20)
	v.SetDefault("SCALPING_ATR_SL_MULTIPLIER", 1.0)
	v.SetDefault("SCALPING_ATR_TP_MULTIPLIER", 1.5)
	v.SetDefault("SCALPING_MIN_VOLATILITY", 0.05)
	v.SetDefault("SCALPING_MAX_VOLATILITY", 3.0)

	v.SetDefault("TELEGRAM_BOT_TOKEN", "")
	v.SetDefault("TELEGRAM_CHAT_ID", 0)
	v.SetDefault("STATE_FILE_PATH", "data/open_positions.json")
	v.SetDefault("TRADE_JOURNAL_PATH", "data/trade_history.csv")
	v.SetDefault("TRADE_JOURNAL_DSN", "")
	v.SetDefault("PYROSCOPE_SERVER_ADDRESS", "")
	v.SetDefault("BACKTEST_INITIAL_CAPITAL", 1000)
}

// LoadConfig 读取 .env、config/config.yaml 和环境变量，环境变量优先
func LoadConfig(configPath string) (*Config, error) {
	// .env 不存在不算错误
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: load .env: %v", ErrConfiguration, err)
	}

	v := viper.New()
	v.SetConfigName("config") // 文件名是 config
	v.SetConfigType("yaml")   // 文件类型是 yaml
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config file: %v", ErrConfiguration, err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	mode := strings.ToLower(v.GetString("TRADING_MODE"))

	apiKey := v.GetString("BINANCE_API_KEY")
	secret := v.GetString("BINANCE_API_SECRET")
	// 兼容按模式区分的密钥，例如 BINANCE_TESTNET_API_KEY
	if modeKey := v.GetString("BINANCE_" + strings.ToUpper(mode) + "_API_KEY"); modeKey != "" {
		apiKey = modeKey
	}
	if modeSecret := v.GetString("BINANCE_" + strings.ToUpper(mode) + "_API_SECRET"); modeSecret != "" {
		secret = modeSecret
	}

	return &Config{
		TradingMode: mode,
		LogLevel:    v.GetString("LOG_LEVEL"),
		Exchange: ExchangeConfig{
			APIKey:            apiKey,
			SecretKey:         secret,
			WSURL:             v.GetString("BINANCE_WS_URL"),
			RequestsPerSecond: v.GetFloat64("BINANCE_REQUESTS_PER_SECOND"),
			MaxRetries:        v.GetInt("BINANCE_MAX_RETRIES"),
		},
		Universe: UniverseConfig{
			DefaultSymbol:  strings.ToUpper(v.GetString("DEFAULT_TRADING_SYMBOL")),
			TopN:           v.GetInt("SCAN_TOP_N_SYMBOLS"),
			MinQuoteVolume: v.GetFloat64("MIN_24H_QUOTE_VOLUME"),
			QuoteAsset:     strings.ToUpper(v.GetString("QUOTE_ASSET")),
		},
		Risk: RiskConfig{
			MaxConcurrentPositions: v.GetInt("MAX_CONCURRENT_POSITIONS"),
			PositionSizeUSDT:       v.GetFloat64("POSITION_SIZE_USDT"),
			Leverage:               v.GetInt("LEVERAGE"),
			FeeRate:                v.GetFloat64("FEE_RATE"),
		},
		Strategy: StrategyConfig{
			Name:          strings.ToLower(v.GetString("STRATEGY_NAME")),
			KlineInterval: v.GetString("STRATEGY_KLINE_INTERVAL"),
			KlineLimit:    v.GetInt("STRATEGY_KLINE_LIMIT"),
			ATRPeriod:     v.GetInt("ATR_PERIOD"),
			Warmup:        v.GetInt("INDICATOR_WARMUP"),
			Crossover: CrossoverConfig{
				FastEMA:       v.GetInt("CROSSOVER_FAST_EMA_PERIOD"),
				SlowEMA:       v.GetInt("CROSSOVER_SLOW_EMA_PERIOD"),
				SLMultiplier:  v.GetFloat64("CROSSOVER_ATR_SL_MULTIPLIER"),
				TPMultiplier:  v.GetFloat64("CROSSOVER_ATR_TP_MULTIPLIER"),
				MinVolatility: v.GetFloat64("CROSSOVER_MIN_VOLATILITY"),
				MaxVolatility: v.GetFloat64("CROSSOVER_MAX_VOLATILITY"),
			},
			MeanReversion: MeanReversionConfig{
				TrendFastEMA:    v.GetInt("MEAN_REVERSION_TREND_FAST_EMA_PERIOD"),
				TrendSlowEMA:    v.GetInt("MEAN_REVERSION_TREND_SLOW_EMA_PERIOD"),
				StochRSIPeriod:  v.GetInt("MEAN_REVERSION_STOCH_RSI_PERIOD"),
				StochK:          v.GetInt("MEAN_REVERSION_STOCH_RSI_K"),
				StochD:          v.GetInt("MEAN_REVERSION_STOCH_RSI_D"),
				Oversold:        v.GetFloat64("MEAN_REVERSION_STOCH_RSI_OVERSOLD"),
				Overbought:      v.GetFloat64("MEAN_REVERSION_STOCH_RSI_OVERBOUGHT"),
				BollingerPeriod: v.GetInt("MEAN_REVERSION_BOLLINGER_PERIOD"),
				BollingerStdDev: v.GetFloat64("MEAN_REVERSION_BOLLINGER_STD_DEV"),
				SLMultiplier:    v.GetFloat64("MEAN_REVERSION_ATR_SL_MULTIPLIER"),
				TPMultiplier:    v.GetFloat64("MEAN_REVERSION_ATR_TP_MULTIPLIER"),
				MinVolatility:   v.GetFloat64("MEAN_REVERSION_MIN_VOLATILITY"),
				MaxVolatility:   v.GetFloat64("MEAN_REVERSION_MAX_VOLATILITY"),
			},
			Scalping: ScalpingConfig{
				FastEMA:          v.GetInt("SCALPING_FAST_EMA_PERIOD"),
				SlowEMA:          v.GetInt("SCALPING_SLOW_EMA_PERIOD"),
				RSIPeriod:        v.GetInt("SCALPING_RSI_PERIOD"),
				RSIPullbackLong:  v.GetFloat64("SCALPING_RSI_PULLBACK_LEVEL_LONG"),
				RSIPullbackShort: v.GetFloat64("SCALPING_RSI_PULLBACK_LEVEL_SHORT"),
				VolumeMAPeriod:   v.GetInt("SCALPING_VOLUME_MA_PERIOD"),
				SLMultiplier:     v.GetFloat64("SCALPING_ATR_SL_MULTIPLIER"),
				TPMultiplier:     v.GetFloat64("SCALPING_ATR_TP_MULTIPLIER"),
				MinVolatility:    v.GetFloat64("SCALPING_MIN_VOLATILITY"),
				MaxVolatility:    v.GetFloat64("SCALPING_MAX_VOLATILITY"),
			},
		},
		Engine: EngineConfig{
			LoopInterval:    time.Duration(v.GetInt("ENGINE_LOOP_INTERVAL_SECONDS")) * time.Second,
			ScanConcurrency: v.GetInt("SCAN_CONCURRENCY"),
			OrderTimeout:    time.Duration(v.GetInt("ORDER_TIMEOUT_SECONDS")) * time.Second,
		},
		TelegramToken:          v.GetString("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:         v.GetInt64("TELEGRAM_CHAT_ID"),
		StateFilePath:          v.GetString("STATE_FILE_PATH"),
		TradeJournalPath:       v.GetString("TRADE_JOURNAL_PATH"),
		TradeJournalDSN:        v.GetString("TRADE_JOURNAL_DSN"),
		PyroscopeAddress:       v.GetString("PYROSCOPE_SERVER_ADDRESS"),
		BacktestInitialCapital: v.GetFloat64("BACKTEST_INITIAL_CAPITAL"),
	}
}

// Validate 检查启动必需的参数
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.TradingMode {
	case ModePaper:
	case ModeTestnet, ModeLive:
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
			add("BINANCE_API_KEY/BINANCE_API_SECRET required in %s mode", c.TradingMode)
		}
	default:
		add("unknown TRADING_MODE %q", c.TradingMode)
	}

	if c.Engine.LoopInterval <= 0 {
		add("ENGINE_LOOP_INTERVAL_SECONDS must be positive")
	}
	if c.Engine.ScanConcurrency <= 0 {
		add("SCAN_CONCURRENCY must be positive")
	}
	if c.Universe.TopN <= 0 {
		add("SCAN_TOP_N_SYMBOLS must be positive")
	}
	if c.Universe.MinQuoteVolume < 0 {
		add("MIN_24H_QUOTE_VOLUME must not be negative")
	}
	if c.Risk.MaxConcurrentPositions <= 0 {
		add("MAX_CONCURRENT_POSITIONS must be positive")
	}
	if c.Risk.PositionSizeUSDT <= 0 {
		add("POSITION_SIZE_USDT must be positive")
	}
	if c.Risk.Leverage < 1 {
		add("LEVERAGE must be >= 1")
	}
	if c.Risk.FeeRate < 0 {
		add("FEE_RATE must not be negative")
	}
	if _, err := ParseIntervalDuration(c.Strategy.KlineInterval); err != nil {
		add("STRATEGY_KLINE_INTERVAL: %v", err)
	}
	if c.Strategy.KlineLimit <= 0 {
		add("STRATEGY_KLINE_LIMIT must be positive")
	}
	if c.Strategy.ATRPeriod <= 0 {
		add("ATR_PERIOD must be positive")
	}
	if c.Strategy.Warmup < 0 {
		add("INDICATOR_WARMUP must not be negative")
	}
	if c.Strategy.Name == "" {
		add("STRATEGY_NAME is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}
