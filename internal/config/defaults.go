package config

import "strings"

// 默认值常量
const (
	defaultAppLogLevel  = "info"
	defaultAppDataDir   = "data/historical"
	defaultAppResultDB  = "data/backtest/results.db"
	defaultAppLiveDB    = "data/live/trades.db"
	defaultAppHTTPAddr  = ":9985"
	defaultAppReportDir = "reports"

	defaultTradingSymbol   = "BTCUSDT"
	defaultTradingTF       = "4h"
	defaultTradingSlippage = 0.0005

	defaultBinanceCommission = 0.00075
	defaultBinanceREST       = "https://api.binance.com"

	defaultRiskInitialBalance = 10000.0
	defaultRiskSLMultiplier   = 2.0
	defaultRiskTPMultiplier   = 3.0
	defaultRiskMaxDrawdown    = 0.20
	defaultRiskPositionRisk   = 0.02
	defaultRiskPauseLog       = "logs/drawdown_monitor.log"

	defaultSignalRSIPeriod  = 14
	defaultSignalRSILow     = 40.0
	defaultSignalRSIHigh    = 60.0
	defaultSignalMAPeriod   = 20
	defaultSignalShortMA    = 10
	defaultSignalLongMA     = 30
	defaultSignalADXPeriod  = 14
	defaultSignalATRPeriod  = 14
	defaultSignalMinConf    = 0.2
	defaultSignalVolumeWt   = 0.12
	defaultPredictorWindow  = 180
	defaultPredictorRetrain = 42
	defaultPredictorLR      = 0.05
	defaultPredictorEpochs  = 200
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	c.Binance.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Signal.applyDefaults(keys)
	c.Predictor.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.data_dir", &a.DataDir, defaultAppDataDir),
		stringFieldDefault("app.result_db", &a.ResultDB, defaultAppResultDB),
		stringFieldDefault("app.live_db", &a.LiveDB, defaultAppLiveDB),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.report_dir", &a.ReportDir, defaultAppReportDir),
	)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("trading.symbol", &t.Symbol, defaultTradingSymbol),
		stringFieldDefault("trading.timeframe", &t.Timeframe, defaultTradingTF),
		fieldDefault{
			key:   "trading.slippage_base_rate",
			need:  func() bool { return t.SlippageBaseRate <= 0 },
			apply: func() { t.SlippageBaseRate = defaultTradingSlippage },
		},
	)
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
}

func (b *BinanceConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("binance.rest_base", &b.RESTBase, defaultBinanceREST),
		fieldDefault{
			key:   "binance.commission_rate",
			need:  func() bool { return b.CommissionRate <= 0 },
			apply: func() { b.CommissionRate = defaultBinanceCommission },
		},
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("risk.pause_log_path", &r.PauseLogPath, defaultRiskPauseLog),
		fieldDefault{
			key:   "risk.initial_balance",
			need:  func() bool { return r.InitialBalance <= 0 },
			apply: func() { r.InitialBalance = defaultRiskInitialBalance },
		},
		fieldDefault{
			key:   "risk.sl_atr_multiplier",
			need:  func() bool { return r.SLATRMultiplier <= 0 },
			apply: func() { r.SLATRMultiplier = defaultRiskSLMultiplier },
		},
		fieldDefault{
			key:   "risk.tp_atr_multiplier",
			need:  func() bool { return r.TPATRMultiplier <= 0 },
			apply: func() { r.TPATRMultiplier = defaultRiskTPMultiplier },
		},
		fieldDefault{
			key:   "risk.max_drawdown_pct",
			need:  func() bool { return r.MaxDrawdownPct <= 0 || r.MaxDrawdownPct >= 1 },
			apply: func() { r.MaxDrawdownPct = defaultRiskMaxDrawdown },
		},
		fieldDefault{
			key:   "risk.max_position_risk_pct",
			need:  func() bool { return r.MaxPositionRiskPct <= 0 || r.MaxPositionRiskPct >= 1 },
			apply: func() { r.MaxPositionRiskPct = defaultRiskPositionRisk },
		},
	)
}

func (s *SignalConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("signal.rsi_period", &s.RSIPeriod, defaultSignalRSIPeriod),
		intFieldDefault("signal.ma_period", &s.MAPeriod, defaultSignalMAPeriod),
		intFieldDefault("signal.ma_short", &s.ShortMA, defaultSignalShortMA),
		intFieldDefault("signal.ma_long", &s.LongMA, defaultSignalLongMA),
		intFieldDefault("signal.adx_period", &s.ADXPeriod, defaultSignalADXPeriod),
		intFieldDefault("signal.atr_period", &s.ATRPeriod, defaultSignalATRPeriod),
		fieldDefault{
			key:   "signal.rsi_low",
			need:  func() bool { return s.RSILow <= 0 },
			apply: func() { s.RSILow = defaultSignalRSILow },
		},
		fieldDefault{
			key:   "signal.rsi_high",
			need:  func() bool { return s.RSIHigh <= 0 },
			apply: func() { s.RSIHigh = defaultSignalRSIHigh },
		},
		fieldDefault{
			key:   "signal.min_confidence",
			need:  func() bool { return s.MinConfidence <= 0 },
			apply: func() { s.MinConfidence = defaultSignalMinConf },
		},
		fieldDefault{
			key:   "signal.volume_weight",
			need:  func() bool { return s.VolumeWeight <= 0 },
			apply: func() { s.VolumeWeight = defaultSignalVolumeWt },
		},
	)
}

func (p *PredictorConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("predictor.window_size", &p.WindowSize, defaultPredictorWindow),
		intFieldDefault("predictor.retrain_interval", &p.RetrainInterval, defaultPredictorRetrain),
		intFieldDefault("predictor.epochs", &p.Epochs, defaultPredictorEpochs),
		fieldDefault{
			key:   "predictor.learning_rate",
			need:  func() bool { return p.LearningRate <= 0 },
			apply: func() { p.LearningRate = defaultPredictorLR },
		},
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
