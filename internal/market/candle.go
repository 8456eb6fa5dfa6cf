package market

import (
	"fmt"
	"time"
)

// Candle 单根 K 线,时间戳为 Unix 毫秒。
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

func (c Candle) Time() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

// Series 按 open_time 升序排列的 K 线序列。
type Series []Candle

func (s Series) Opens() []float64   { return column(s, func(c Candle) float64 { return c.Open }) }
func (s Series) Highs() []float64   { return column(s, func(c Candle) float64 { return c.High }) }
func (s Series) Lows() []float64    { return column(s, func(c Candle) float64 { return c.Low }) }
func (s Series) Closes() []float64  { return column(s, func(c Candle) float64 { return c.Close }) }
func (s Series) Volumes() []float64 { return column(s, func(c Candle) float64 { return c.Volume }) }

func column(s Series, pick func(Candle) float64) []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = pick(c)
	}
	return out
}

// Validate 校验序列可用于回放:时间严格递增,价格为正,高低覆盖开收。
func (s Series) Validate() error {
	for i, c := range s {
		if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
			return fmt.Errorf("bar %d: non-positive price", i)
		}
		if c.High < c.Low {
			return fmt.Errorf("bar %d: high %.8f below low %.8f", i, c.High, c.Low)
		}
		if c.High < c.Open || c.High < c.Close || c.Low > c.Open || c.Low > c.Close {
			return fmt.Errorf("bar %d: open/close outside high-low range", i)
		}
		if c.Volume < 0 {
			return fmt.Errorf("bar %d: negative volume", i)
		}
		if i > 0 && c.OpenTime <= s[i-1].OpenTime {
			return fmt.Errorf("bar %d: open_time %d not after previous %d", i, c.OpenTime, s[i-1].OpenTime)
		}
	}
	return nil
}

// Split 按比例切成前后两段,用于样本内/样本外划分。
func (s Series) Split(ratio float64) (Series, Series) {
	if ratio <= 0 {
		return nil, s
	}
	if ratio >= 1 {
		return s, nil
	}
	cut := int(float64(len(s)) * ratio)
	return s[:cut], s[cut:]
}

// SplitN 切成 n 段近似等长的连续子序列,余数并入最后一段。
func (s Series) SplitN(n int) []Series {
	if n <= 0 || len(s) == 0 {
		return nil
	}
	if n > len(s) {
		n = len(s)
	}
	per := len(s) / n
	parts := make([]Series, 0, n)
	for i := 0; i < n; i++ {
		lo := i * per
		hi := lo + per
		if i == n-1 {
			hi = len(s)
		}
		parts = append(parts, s[lo:hi])
	}
	return parts
}
