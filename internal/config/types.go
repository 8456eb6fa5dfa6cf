package config

import "strings"

// Config 是 smartbtc 的主配置载体，启动时构建一次，之后只读。
type Config struct {
	App       AppConfig       `toml:"app"`
	Trading   TradingConfig   `toml:"trading"`
	Binance   BinanceConfig   `toml:"binance"`
	Risk      RiskConfig      `toml:"risk"`
	Signal    SignalConfig    `toml:"signal"`
	Predictor PredictorConfig `toml:"predictor"`
	Telegram  TelegramConfig  `toml:"telegram"`
}

type AppConfig struct {
	LogLevel  string `toml:"log_level"`
	LogPath   string `toml:"log_path"`
	DataDir   string `toml:"data_dir"`
	ResultDB  string `toml:"result_db"`
	LiveDB    string `toml:"live_db"`
	HTTPAddr  string `toml:"http_addr"`
	ReportDir string `toml:"report_dir"`
}

// TradingConfig 描述交易标的与撮合模拟参数。
type TradingConfig struct {
	Symbol           string  `toml:"symbol"`
	Timeframe        string  `toml:"timeframe"`
	SlippageBaseRate float64 `toml:"slippage_base_rate"`
}

type BinanceConfig struct {
	APIKey         string  `toml:"api_key"`
	APISecret      string  `toml:"api_secret"`
	CommissionRate float64 `toml:"commission_rate"`
	RESTBase       string  `toml:"rest_base"`
}

// RiskConfig 控制回撤熔断与单笔风险敞口。
type RiskConfig struct {
	InitialBalance     float64 `toml:"initial_balance"`
	SLATRMultiplier    float64 `toml:"sl_atr_multiplier"`
	TPATRMultiplier    float64 `toml:"tp_atr_multiplier"`
	MaxDrawdownPct     float64 `toml:"max_drawdown_pct"`
	MaxPositionRiskPct float64 `toml:"max_position_risk_pct"`
	PauseLogPath       string  `toml:"pause_log_path"`
}

// SignalConfig 汇总信号融合所需的指标参数与阈值。
type SignalConfig struct {
	RSIPeriod     int     `toml:"rsi_period"`
	RSILow        float64 `toml:"rsi_low"`
	RSIHigh       float64 `toml:"rsi_high"`
	MAPeriod      int     `toml:"ma_period"`
	ShortMA       int     `toml:"ma_short"`
	LongMA        int     `toml:"ma_long"`
	ADXPeriod     int     `toml:"adx_period"`
	ATRPeriod     int     `toml:"atr_period"`
	MinConfidence float64 `toml:"min_confidence"`
	VolumeWeight  float64 `toml:"volume_weight"`
}

// PredictorConfig 描述方向预测器的滚动训练窗口与学习参数。
type PredictorConfig struct {
	WindowSize      int     `toml:"window_size"`
	RetrainInterval int     `toml:"retrain_interval"`
	LearningRate    float64 `toml:"learning_rate"`
	Epochs          int     `toml:"epochs"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// WarmupBars 返回回测主循环的起始偏移：预测器窗口加指标余量。
func (c *Config) WarmupBars() int {
	return c.Predictor.WindowSize + 20
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
