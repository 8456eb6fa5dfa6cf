package indicator

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"github.com/captainpan007/smartbtc-v1/internal/market"
)

// Params 描述信号计算所需的指标参数。
type Params struct {
	RSIPeriod int
	MAPeriod  int
	ShortMA   int
	LongMA    int
	ADXPeriod int
	ATRPeriod int
}

// Snapshot 单根 K 线收盘时刻的指标切片。
// Prev* 字段取上一根收盘,供交叉判定使用。
type Snapshot struct {
	Close  float64
	Volume float64

	RSI     float64
	PrevRSI float64

	MA          float64
	ShortMA     float64
	LongMA      float64
	PrevShortMA float64
	PrevLongMA  float64

	ATR float64
	ADX float64

	MACD           float64
	MACDSignal     float64
	PrevMACD       float64
	PrevMACDSignal float64

	BBUpper  float64
	BBMiddle float64
	BBLower  float64
}

// BBWidth 布林带相对宽度,(upper-lower)/middle。
func (s Snapshot) BBWidth() float64 {
	if s.BBMiddle == 0 {
		return 0
	}
	return (s.BBUpper - s.BBLower) / s.BBMiddle
}

// MinBars 返回计算完整快照所需的最少 K 线数。
func (p Params) MinBars() int {
	n := p.LongMA
	if p.MAPeriod > n {
		n = p.MAPeriod
	}
	if v := p.ADXPeriod * 2; v > n {
		n = v
	}
	// MACD 慢线 26 + 信号 9
	if 35 > n {
		n = 35
	}
	return n + 2
}

// Compute 在给定窗口上计算指标快照,窗口末根即当前 K 线。
func Compute(window market.Series, p Params) (Snapshot, error) {
	if len(window) < p.MinBars() {
		return Snapshot{}, fmt.Errorf("indicator window too short: %d < %d", len(window), p.MinBars())
	}
	closes := window.Closes()
	highs := window.Highs()
	lows := window.Lows()

	snap := Snapshot{
		Close:  closes[len(closes)-1],
		Volume: window[len(window)-1].Volume,
	}

	rsi := talib.Rsi(closes, p.RSIPeriod)
	snap.RSI, snap.PrevRSI = lastTwo(rsi)

	snap.MA = lastValid(talib.Sma(closes, p.MAPeriod))
	snap.ShortMA, snap.PrevShortMA = lastTwo(talib.Sma(closes, p.ShortMA))
	snap.LongMA, snap.PrevLongMA = lastTwo(talib.Sma(closes, p.LongMA))

	snap.ATR = lastValid(talib.Atr(highs, lows, closes, p.ATRPeriod))
	snap.ADX = lastValid(talib.Adx(highs, lows, closes, p.ADXPeriod))

	macd, signal, _ := talib.Macd(closes, 12, 26, 9)
	snap.MACD, snap.PrevMACD = lastTwo(macd)
	snap.MACDSignal, snap.PrevMACDSignal = lastTwo(signal)

	upper, middle, lower := talib.BBands(closes, p.MAPeriod, 2.0, 2.0, talib.SMA)
	snap.BBUpper = lastValid(upper)
	snap.BBMiddle = lastValid(middle)
	snap.BBLower = lastValid(lower)

	if !snap.valid() {
		return Snapshot{}, fmt.Errorf("indicator snapshot contains invalid values")
	}
	return snap, nil
}

// ATRValue 单独计算窗口末根的 ATR,供止损与滑点估算使用。
func ATRValue(window market.Series, period int) (float64, error) {
	if period <= 0 {
		period = 14
	}
	if len(window) < period+1 {
		return 0, fmt.Errorf("atr window too short: %d < %d", len(window), period+1)
	}
	v := lastValid(talib.Atr(window.Highs(), window.Lows(), window.Closes(), period))
	if v <= 0 {
		return 0, fmt.Errorf("atr not available")
	}
	return v, nil
}

func (s Snapshot) valid() bool {
	for _, v := range []float64{s.Close, s.RSI, s.MA, s.ShortMA, s.LongMA, s.ATR, s.BBMiddle} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return false
		}
	}
	return !math.IsNaN(s.MACD) && !math.IsNaN(s.ADX)
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return 0
}

// lastTwo 返回序列末两个有效值 (最新, 上一个)。
func lastTwo(series []float64) (float64, float64) {
	var vals [2]float64
	n := 0
	for i := len(series) - 1; i >= 0 && n < 2; i-- {
		v := series[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		vals[n] = v
		n++
	}
	return vals[0], vals[1]
}
