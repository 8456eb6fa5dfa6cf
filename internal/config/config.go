package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load 读取 YAML 配置文件并应用默认值。
// 文件不存在时不报错,返回全默认配置。
func Load(path string) (*Config, error) {
	var cfg Config
	setKeys := make(keySet)
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v := viper.New()
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
			}
			if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
				dc.TagName = "toml"
				dc.WeaklyTypedInput = true
			}); err != nil {
				return nil, fmt.Errorf("parsing config failed: %w", err)
			}
			collectSettingsKeys(v.AllSettings(), setKeys)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file failed (%s): %w", path, err)
		}
	}
	cfg.applyDefaults(setKeys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Trading.Symbol == "" {
		return fmt.Errorf("trading.symbol cannot be empty")
	}
	if cfg.Signal.ShortMA >= cfg.Signal.LongMA {
		return fmt.Errorf("signal.ma_short (%d) must be less than signal.ma_long (%d)",
			cfg.Signal.ShortMA, cfg.Signal.LongMA)
	}
	if cfg.Signal.RSILow >= cfg.Signal.RSIHigh {
		return fmt.Errorf("signal.rsi_low (%.1f) must be less than signal.rsi_high (%.1f)",
			cfg.Signal.RSILow, cfg.Signal.RSIHigh)
	}
	if cfg.Predictor.WindowSize < cfg.Signal.LongMA+cfg.Signal.ADXPeriod {
		return fmt.Errorf("predictor.window_size (%d) too small for indicator warmup",
			cfg.Predictor.WindowSize)
	}
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.BotToken) == "" {
		return fmt.Errorf("telegram.bot_token required when telegram.enabled")
	}
	return nil
}

// WriteDefault 在 path 写出一份带默认值的起始配置。
// 已存在的文件不会被覆盖。
func WriteDefault(path string) error {
	if path == "" {
		return fmt.Errorf("config path cannot be empty")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	cfg := Config{}
	cfg.applyDefaults(make(keySet))
	out, err := yaml.Marshal(defaultConfigTree(&cfg))
	if err != nil {
		return fmt.Errorf("marshaling default config failed: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir failed: %w", err)
		}
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("writing default config failed: %w", err)
	}
	return nil
}

// defaultConfigTree 手工展开成分组字典,写出的文件按节组织。
func defaultConfigTree(cfg *Config) map[string]any {
	return map[string]any{
		"app": map[string]any{
			"log_level":  cfg.App.LogLevel,
			"log_path":   cfg.App.LogPath,
			"data_dir":   cfg.App.DataDir,
			"result_db":  cfg.App.ResultDB,
			"live_db":    cfg.App.LiveDB,
			"http_addr":  cfg.App.HTTPAddr,
			"report_dir": cfg.App.ReportDir,
		},
		"trading": map[string]any{
			"symbol":             cfg.Trading.Symbol,
			"timeframe":          cfg.Trading.Timeframe,
			"slippage_base_rate": cfg.Trading.SlippageBaseRate,
		},
		"binance": map[string]any{
			"api_key":         cfg.Binance.APIKey,
			"api_secret":      cfg.Binance.APISecret,
			"commission_rate": cfg.Binance.CommissionRate,
			"rest_base":       cfg.Binance.RESTBase,
		},
		"risk": map[string]any{
			"initial_balance":       cfg.Risk.InitialBalance,
			"sl_atr_multiplier":     cfg.Risk.SLATRMultiplier,
			"tp_atr_multiplier":     cfg.Risk.TPATRMultiplier,
			"max_drawdown_pct":      cfg.Risk.MaxDrawdownPct,
			"max_position_risk_pct": cfg.Risk.MaxPositionRiskPct,
			"pause_log_path":        cfg.Risk.PauseLogPath,
		},
		"signal": map[string]any{
			"rsi_period":     cfg.Signal.RSIPeriod,
			"rsi_low":        cfg.Signal.RSILow,
			"rsi_high":       cfg.Signal.RSIHigh,
			"ma_period":      cfg.Signal.MAPeriod,
			"ma_short":       cfg.Signal.ShortMA,
			"ma_long":        cfg.Signal.LongMA,
			"adx_period":     cfg.Signal.ADXPeriod,
			"atr_period":     cfg.Signal.ATRPeriod,
			"min_confidence": cfg.Signal.MinConfidence,
			"volume_weight":  cfg.Signal.VolumeWeight,
		},
		"predictor": map[string]any{
			"window_size":      cfg.Predictor.WindowSize,
			"retrain_interval": cfg.Predictor.RetrainInterval,
			"learning_rate":    cfg.Predictor.LearningRate,
			"epochs":           cfg.Predictor.Epochs,
		},
		"telegram": map[string]any{
			"enabled":   cfg.Telegram.Enabled,
			"bot_token": cfg.Telegram.BotToken,
			"chat_id":   cfg.Telegram.ChatID,
		},
	}
}

func collectSettingsKeys(settings map[string]any, dest keySet) {
	if dest == nil || len(settings) == 0 {
		return
	}
	flattenConfigKeys("", settings, dest)
}

func flattenConfigKeys(prefix string, node any, dest keySet) {
	switch val := node.(type) {
	case map[string]any:
		for k, v := range val {
			next := strings.ToLower(strings.TrimSpace(k))
			if next == "" {
				continue
			}
			if prefix != "" {
				next = prefix + "." + next
			}
			flattenConfigKeys(next, v, dest)
		}
	case []any:
		if prefix != "" {
			dest.mark(prefix)
		}
		for _, item := range val {
			flattenConfigKeys(prefix, item, dest)
		}
	default:
		if prefix != "" {
			dest.mark(prefix)
		}
	}
}
