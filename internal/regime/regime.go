package regime

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"github.com/captainpan007/smartbtc-v1/internal/logger"
	"github.com/captainpan007/smartbtc-v1/internal/market"
)

// State 市场状态分类。
type State string

const (
	StateTrending State = "trending"
	StateRanging  State = "ranging"
	StateNeutral  State = "neutral"
	StateUnknown  State = "unknown"
)

// 状态打分权重与阈值。
const (
	adxWeight         = 0.3
	atrWeight         = 0.2
	bbWeight          = 0.2
	volumeWeight      = 0.1
	volatilityWeight  = 0.1
	volumeTrendWeight = 0.1

	trendingThreshold = 0.7
	rangingThreshold  = 0.005

	bbPeriod       = 20
	volLookback    = 20
	stdDevPeriod   = 20
	volumeTrendLag = 5
)

// Detector 基于 ADX/ATR/布林带宽/成交量的加权打分识别市场状态。
type Detector struct {
	ADXPeriod int
	ATRWindow int
}

func NewDetector(adxPeriod, atrWindow int) *Detector {
	if adxPeriod <= 0 {
		adxPeriod = 14
	}
	if atrWindow <= 0 {
		atrWindow = 14
	}
	return &Detector{ADXPeriod: adxPeriod, ATRWindow: atrWindow}
}

// Detect 返回窗口末根的市场状态。数据不足或任一分量无法计算时
// 返回 unknown,绝不让半算出来的分数流出去。
func (d *Detector) Detect(window market.Series) State {
	if len(window) < d.ATRWindow+10 {
		return StateUnknown
	}
	score, err := d.score(window)
	if err != nil {
		logger.Warnf("market state score failed: %v", err)
		return StateUnknown
	}
	switch {
	case score > trendingThreshold:
		return StateTrending
	case score < rangingThreshold:
		return StateRanging
	default:
		return StateNeutral
	}
}

func (d *Detector) score(window market.Series) (float64, error) {
	closes := window.Closes()
	highs := window.Highs()
	lows := window.Lows()
	vols := window.Volumes()
	n := len(window)

	adx := lastFinite(talib.Adx(highs, lows, closes, d.ADXPeriod))
	if adx <= 0 {
		return 0, fmt.Errorf("adx not available")
	}

	atr := lastFinite(talib.Atr(highs, lows, closes, d.ATRWindow))
	closePrice := closes[n-1]
	if atr <= 0 || closePrice <= 0 {
		return 0, fmt.Errorf("atr not available")
	}
	atrRatio := atr / closePrice

	upper, middle, lower := talib.BBands(closes, bbPeriod, 2.0, 2.0, talib.SMA)
	bbWidth := make([]float64, n)
	for i := range bbWidth {
		if middle[i] != 0 {
			bbWidth[i] = (upper[i] - lower[i]) / middle[i]
		}
	}
	currentBB := bbWidth[n-1]
	avgBB, err := trailingMean(bbWidth, volLookback)
	if err != nil || avgBB <= 0 {
		return 0, fmt.Errorf("bollinger width not available")
	}

	avgVolume, err := trailingMean(vols, volLookback)
	if err != nil || avgVolume <= 0 {
		return 0, fmt.Errorf("volume average not available")
	}
	volumeSpike := vols[n-1] > 2*avgVolume

	stddev := talib.StdDev(closes, stdDevPeriod, 1.0)
	volatility := lastFinite(stddev)
	avgVolatility, err := trailingMean(stddev, volLookback)
	if err != nil || avgVolatility <= 0 || volatility <= 0 {
		return 0, fmt.Errorf("volatility not available")
	}

	refVolume := vols[n-volumeTrendLag]
	if refVolume <= 0 {
		return 0, fmt.Errorf("volume trend not available")
	}
	volumeTrend := (vols[n-1] - refVolume) / refVolume

	spike := 0.0
	if volumeSpike {
		spike = 1.0
	}
	score := adxWeight*(adx/100) +
		atrWeight*(atrRatio/0.02) +
		bbWeight*(currentBB/avgBB) +
		volumeWeight*spike +
		volatilityWeight*(volatility/avgVolatility) +
		volumeTrendWeight*math.Max(0, volumeTrend)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, fmt.Errorf("score not finite")
	}
	return score, nil
}

// trailingMean 取末 lookback 个值中去掉最后一个的均值。
func trailingMean(series []float64, lookback int) (float64, error) {
	if len(series) < lookback {
		return 0, fmt.Errorf("series too short for lookback %d", lookback)
	}
	tail := series[len(series)-lookback : len(series)-1]
	sum := 0.0
	for _, v := range tail {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("non-finite value in trailing window")
		}
		sum += v
	}
	return sum / float64(len(tail)), nil
}

func lastFinite(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return 0
}
