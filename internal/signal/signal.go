package signal

import (
	"math"

	"github.com/captainpan007/smartbtc-v1/internal/analysis/pattern"
	"github.com/captainpan007/smartbtc-v1/internal/regime"
	"github.com/captainpan007/smartbtc-v1/internal/strategy"
)

// Signal 融合后的交易信号。
type Signal struct {
	Symbol     string          `json:"symbol"`
	Time       int64           `json:"time"`
	Action     strategy.Action `json:"action"`
	Confidence float64         `json:"confidence"`
	Strategy   string          `json:"structure"`
	Meta       Meta            `json:"meta"`
}

// Meta 信号生成时的证据快照,随信号入库供复盘。
type Meta struct {
	State               regime.State      `json:"market_state"`
	RSI                 float64           `json:"rsi"`
	ADX                 float64           `json:"adx"`
	HammerDetected      bool              `json:"hammer_detected"`
	DojiDetected        bool              `json:"doji_detected"`
	EngulfingDetected   bool              `json:"engulfing_detected"`
	EngulfingType       pattern.Direction `json:"engulfing_type,omitempty"`
	VolumeSpike         bool              `json:"volume_spike"`
	PredictorUp         bool              `json:"predictor_up"`
	PredictorConfidence float64           `json:"predictor_confidence"`
	PredictorUsed       bool              `json:"predictor_used"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
