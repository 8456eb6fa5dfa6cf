package strategy

import (
	"github.com/captainpan007/smartbtc-v1/internal/analysis/indicator"
	"github.com/captainpan007/smartbtc-v1/internal/market"
)

// TrendFollowing 趋势跟踪:均线金叉/死叉、MACD 交叉或 10 根突破
// 任一条件触发,固定置信度 0.5。
type TrendFollowing struct {
	ShortMA   int
	LongMA    int
	ADXPeriod int
}

func NewTrendFollowing(shortMA, longMA, adxPeriod int) *TrendFollowing {
	return &TrendFollowing{ShortMA: shortMA, LongMA: longMA, ADXPeriod: adxPeriod}
}

func (t *TrendFollowing) Name() string { return "trend_following" }

const (
	breakoutLookback = 10
	trendConfidence  = 0.5
)

func (t *TrendFollowing) Check(window market.Series, snap indicator.Snapshot) *Advice {
	if len(window) < t.LongMA+t.ADXPeriod+2 {
		return nil
	}

	goldenCross := snap.PrevShortMA < snap.PrevLongMA && snap.ShortMA > snap.LongMA
	deathCross := snap.PrevShortMA > snap.PrevLongMA && snap.ShortMA < snap.LongMA
	macdBull := snap.PrevMACD < snap.PrevMACDSignal && snap.MACD > snap.MACDSignal
	macdBear := snap.PrevMACD > snap.PrevMACDSignal && snap.MACD < snap.MACDSignal

	prevHigh, prevLow := recentRange(window, breakoutLookback)

	if goldenCross || macdBull || snap.Close > prevHigh {
		return &Advice{Action: ActionBuy, Confidence: trendConfidence}
	}
	if deathCross || macdBear || snap.Close < prevLow {
		return &Advice{Action: ActionSell, Confidence: trendConfidence}
	}
	return nil
}

// recentRange 取末根之前 lookback-1 根的最高价与最低价。
func recentRange(window market.Series, lookback int) (float64, float64) {
	start := len(window) - lookback
	if start < 0 {
		start = 0
	}
	tail := window[start : len(window)-1]
	high := tail[0].High
	low := tail[0].Low
	for _, c := range tail[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	return high, low
}
