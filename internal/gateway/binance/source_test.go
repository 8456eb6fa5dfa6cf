package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/captainpan007/smartbtc-v1/internal/market"
)

func klineRow(openTime int64, price float64) string {
	closeTime := openTime + 4*time.Hour.Milliseconds() - 1
	return fmt.Sprintf(`[%d,"%.2f","%.2f","%.2f","%.2f","120.5",%d,"12050.0",42,"60.0","6000.0","0"]`,
		openTime, price, price*1.01, price*0.99, price, closeTime)
}

func TestFetchRangeParsesKlines(t *testing.T) {
	base := time.Now().Add(-48 * time.Hour).Truncate(4 * time.Hour).UnixMilli()
	payload := "[" + klineRow(base, 100) + "," + klineRow(base+4*time.Hour.Milliseconds(), 101) + "]"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "4h", r.URL.Query().Get("interval"))
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	src := NewSource(srv.URL)
	candles, err := src.FetchRange(context.Background(), "btcusdt", "4h", base, base+9*time.Hour.Milliseconds())
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, base, candles[0].OpenTime)
	assert.InDelta(t, 100.0, candles[0].Close, 1e-9)
	assert.InDelta(t, 120.5, candles[0].Volume, 1e-9)
	assert.EqualValues(t, 42, candles[0].Trades)
	assert.NoError(t, candles.Validate())
}

func TestFetchRangeRejectsUnknownInterval(t *testing.T) {
	src := NewSource("")
	_, err := src.FetchRange(context.Background(), "BTCUSDT", "7h", 1, 2)
	assert.Error(t, err)
}

func TestFetchRangeSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	src := NewSource(srv.URL)
	_, err := src.FetchRange(context.Background(), "NOPEUSDT", "4h", 1, time.Now().UnixMilli())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=400")
}

func TestDropUnclosed(t *testing.T) {
	now := time.Now().UnixMilli()
	interval := 4 * time.Hour
	closed := market.Candle{OpenTime: now - 2*interval.Milliseconds(), CloseTime: now - interval.Milliseconds() - 1}
	open := market.Candle{OpenTime: now - interval.Milliseconds() + 1000}

	trimmed := dropUnclosed(market.Series{closed, open}, interval)
	require.Len(t, trimmed, 1)
	assert.Equal(t, closed.OpenTime, trimmed[0].OpenTime)

	kept := dropUnclosed(market.Series{closed}, interval)
	assert.Len(t, kept, 1)
}

func TestIntervalDuration(t *testing.T) {
	d, ok := IntervalDuration("4H")
	require.True(t, ok)
	assert.Equal(t, 4*time.Hour, d)
	_, ok = IntervalDuration("9m")
	assert.False(t, ok)
}
