package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/captainpan007/smartbtc-v1/internal/market"
)

func defaultParams() Params {
	return Params{RSIPeriod: 14, MAPeriod: 20, ShortMA: 10, LongMA: 30, ADXPeriod: 14, ATRPeriod: 14}
}

func trendingSeries(n int, step float64) market.Series {
	s := make(market.Series, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		wave := 0.5 * math.Sin(float64(i)/3)
		open := price + wave
		close := price + step + wave
		s = append(s, market.Candle{
			OpenTime: int64(1700000000000 + i*14400000),
			Open:     open,
			High:     math.Max(open, close) + 1,
			Low:      math.Min(open, close) - 1,
			Close:    close,
			Volume:   1000 + 10*float64(i%7),
		})
		price += step
	}
	return s
}

func TestComputeRejectsShortWindow(t *testing.T) {
	_, err := Compute(trendingSeries(10, 1), defaultParams())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too short")
}

func TestComputeOnUptrend(t *testing.T) {
	snap, err := Compute(trendingSeries(120, 1), defaultParams())
	require.NoError(t, err)

	assert.Greater(t, snap.RSI, 50.0, "rising closes keep RSI above midline")
	assert.Greater(t, snap.ShortMA, snap.LongMA, "short MA leads in an uptrend")
	assert.Greater(t, snap.ATR, 0.0)
	assert.Greater(t, snap.ADX, 0.0)
	assert.Greater(t, snap.BBUpper, snap.BBMiddle)
	assert.Greater(t, snap.BBMiddle, snap.BBLower)
	assert.Greater(t, snap.BBWidth(), 0.0)
	assert.Greater(t, snap.Close, snap.MA)
}

func TestComputeTracksPreviousBar(t *testing.T) {
	series := trendingSeries(120, 1)
	cur, err := Compute(series, defaultParams())
	require.NoError(t, err)
	prev, err := Compute(series[:len(series)-1], defaultParams())
	require.NoError(t, err)

	assert.InDelta(t, prev.ShortMA, cur.PrevShortMA, 1e-6)
	assert.InDelta(t, prev.LongMA, cur.PrevLongMA, 1e-6)
}

func TestATRValue(t *testing.T) {
	v, err := ATRValue(trendingSeries(60, 1), 14)
	require.NoError(t, err)
	assert.Greater(t, v, 0.0)

	_, err = ATRValue(trendingSeries(5, 1), 14)
	require.Error(t, err)
}
