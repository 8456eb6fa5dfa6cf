package strategy

import (
	"math"

	"github.com/captainpan007/smartbtc-v1/internal/analysis/indicator"
	"github.com/captainpan007/smartbtc-v1/internal/market"
)

// Action 策略建议方向。
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Advice 策略在单根 K 线上的原始建议,置信度后续由信号融合叠加。
type Advice struct {
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
}

// Strategy 在滑动窗口末根收盘时给出建议,无建议返回 nil。
type Strategy interface {
	Name() string
	Check(window market.Series, snap indicator.Snapshot) *Advice
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
