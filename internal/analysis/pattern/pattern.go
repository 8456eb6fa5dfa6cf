package pattern

import (
	"github.com/captainpan007/smartbtc-v1/internal/market"
)

// Direction 吞没形态方向。
type Direction string

const (
	DirectionNone    Direction = ""
	DirectionBullish Direction = "bullish"
	DirectionBearish Direction = "bearish"
)

const (
	trendLookback  = 5
	trendThreshold = 0.02
	dojiBodyRatio  = 0.05
)

// IsHammer 判断窗口末根是否为锤头线。
// 形态条件:下影 > 2 倍实体,上影 < 实体,实体非零;同时要求最近
// 几根收盘处于短期下跌中,孤立的锤头不算。
func IsHammer(window market.Series) bool {
	if len(window) < trendLookback {
		return false
	}
	c := window[len(window)-1]
	body := abs(c.Close - c.Open)
	lowerShadow := min(c.Open, c.Close) - c.Low
	upperShadow := c.High - max(c.Open, c.Close)
	if body <= 0 || lowerShadow <= 2*body || upperShadow >= body {
		return false
	}
	return LocalTrend(window) < -trendThreshold
}

// IsDoji 判断窗口末根是否为十字星(实体小于振幅的 5%)。
func IsDoji(window market.Series) bool {
	if len(window) == 0 {
		return false
	}
	c := window[len(window)-1]
	rng := c.High - c.Low
	return rng > 0 && abs(c.Close-c.Open) < dojiBodyRatio*rng
}

// Engulfing 判断窗口末两根是否构成吞没形态,返回方向。
func Engulfing(window market.Series) (bool, Direction) {
	if len(window) < 2 {
		return false, DirectionNone
	}
	prev := window[len(window)-2]
	cur := window[len(window)-1]
	switch {
	case prev.Close < prev.Open && cur.Close > cur.Open &&
		cur.Open <= prev.Close && cur.Close >= prev.Open:
		return true, DirectionBullish
	case prev.Close > prev.Open && cur.Close < cur.Open &&
		cur.Open >= prev.Close && cur.Close <= prev.Open:
		return true, DirectionBearish
	}
	return false, DirectionNone
}

// LocalTrend 返回倒数第 5 根到倒数第 2 根收盘的涨跌幅之和。
// 末根不计入,避免形态 K 线自身影响趋势判定。
func LocalTrend(window market.Series) float64 {
	if len(window) < trendLookback {
		return 0
	}
	closes := window.Closes()
	tail := closes[len(closes)-trendLookback : len(closes)-1]
	sum := 0.0
	for i := 1; i < len(tail); i++ {
		if tail[i-1] != 0 {
			sum += (tail[i] - tail[i-1]) / tail[i-1]
		}
	}
	return sum
}

// IsDowntrend 最近收盘合计跌幅超过 2%。
func IsDowntrend(window market.Series) bool {
	return LocalTrend(window) < -trendThreshold
}

// IsUptrend 最近收盘合计涨幅超过 2%。
func IsUptrend(window market.Series) bool {
	return LocalTrend(window) > trendThreshold
}

// IsVolumeSpike 末根成交量超过前 19 根均量的 1.1 倍。
func IsVolumeSpike(window market.Series) bool {
	const lookback = 20
	if len(window) < lookback {
		return false
	}
	vols := window.Volumes()
	tail := vols[len(vols)-lookback : len(vols)-1]
	sum := 0.0
	for _, v := range tail {
		sum += v
	}
	avg := sum / float64(len(tail))
	return vols[len(vols)-1] > 1.1*avg
}

// Detector 形态判定函数,只读取窗口内的数据。
type Detector func(window market.Series) bool

// UpProbability 统计历史上该形态出现后 horizon 根内收涨的比例。
// 对每个位置 i 只用 [0,i] 的前缀窗口判定形态,再看 i+horizon 的
// 收盘相对 i 的涨跌,保证统计本身不偷看未来。样本为空返回 0。
func UpProbability(window market.Series, detect Detector, horizon int) float64 {
	if horizon <= 0 {
		horizon = 5
	}
	if len(window) < horizon+1 {
		return 0
	}
	closes := window.Closes()
	occurred := 0
	up := 0
	for i := 0; i < len(window)-horizon; i++ {
		if !detect(window[:i+1]) {
			continue
		}
		occurred++
		if closes[i] != 0 && (closes[i+horizon]-closes[i])/closes[i] > 0 {
			up++
		}
	}
	if occurred == 0 {
		return 0
	}
	return float64(up) / float64(occurred)
}

// DownProbability 同 UpProbability,但统计 horizon 根内收跌的比例。
// 无样本同样返回 0,空样本不会被当成必跌。
func DownProbability(window market.Series, detect Detector, horizon int) float64 {
	if horizon <= 0 {
		horizon = 5
	}
	if len(window) < horizon+1 {
		return 0
	}
	closes := window.Closes()
	occurred := 0
	down := 0
	for i := 0; i < len(window)-horizon; i++ {
		if !detect(window[:i+1]) {
			continue
		}
		occurred++
		if closes[i] != 0 && (closes[i+horizon]-closes[i])/closes[i] < 0 {
			down++
		}
	}
	if occurred == 0 {
		return 0
	}
	return float64(down) / float64(occurred)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
