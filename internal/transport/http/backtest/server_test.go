package backtesthttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/captainpan007/smartbtc-v1/internal/backtest"
	"github.com/captainpan007/smartbtc-v1/internal/config"
	"github.com/captainpan007/smartbtc-v1/internal/market"
)

func newTestServer(t *testing.T) (*Server, *backtest.ResultStore) {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	results, err := backtest.NewResultStore(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { results.Close() })

	engine, err := backtest.NewEngine(backtest.EngineConfig{
		Config:      cfg,
		ResultStore: results,
	})
	require.NoError(t, err)

	srv, err := NewServer(Config{
		Addr:      ":0",
		Engine:    engine,
		Results:   results,
		ReportDir: t.TempDir(),
	})
	require.NoError(t, err)
	return srv, results
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestListRunsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/backtest/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Runs []backtest.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Runs)
}

func TestRunDetailNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/backtest/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunDetailAndTrades(t *testing.T) {
	srv, results := newTestServer(t)
	ctx := context.Background()

	run := backtest.Run{
		ID: "run-http", Symbol: "BTCUSDT", Timeframe: "4h",
		Status: backtest.RunStatusDone, InitialBalance: 10000, FinalBalance: 10100,
	}
	require.NoError(t, results.InsertRun(ctx, run))
	_, err := results.InsertTrade(ctx, &backtest.Trade{
		RunID: "run-http", Action: "sell", Reason: backtest.ExitSignal, Price: 101, Amount: 1, PnL: 100,
	})
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodGet, "/api/backtest/runs/run-http", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Run backtest.Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "BTCUSDT", detail.Run.Symbol)

	rec = doRequest(t, srv, http.MethodGet, "/api/backtest/runs/run-http/trades", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var trades struct {
		Trades []backtest.Trade `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades.Trades, 1)
	assert.Equal(t, backtest.ExitSignal, trades.Trades[0].Reason)
}

func TestRunStartValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	// symbol 缺失被 binding 拦下
	rec := doRequest(t, srv, http.MethodPost, "/api/backtest/runs", `{"timeframe":"4h"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 没配行情存储也没给 CSV,提交失败
	rec = doRequest(t, srv, http.MethodPost, "/api/backtest/runs", `{"symbol":"BTCUSDT"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCandlesUnavailableWithoutStore(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/backtest/candles?symbol=BTCUSDT&timeframe=4h", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type fakeFetcher struct {
	series market.Series
	err    error
}

func (f *fakeFetcher) FetchRange(ctx context.Context, symbol, interval string, startTS, endTS int64) (market.Series, error) {
	return f.series, f.err
}

func TestFetchSavesCandles(t *testing.T) {
	srv, _ := newTestServer(t)
	candles, err := market.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { candles.Close() })
	srv.candles = candles

	base := int64(1700000000000)
	series := make(market.Series, 0, 3)
	for i := 0; i < 3; i++ {
		ts := base + int64(i)*4*3600*1000
		series = append(series, market.Candle{
			OpenTime: ts, Open: 100, High: 101, Low: 99, Close: 100.5,
			Volume: 10, CloseTime: ts + 4*3600*1000 - 1,
		})
	}
	srv.fetcher = &fakeFetcher{series: series}

	body := `{"symbol":"BTCUSDT","timeframe":"4h","start_ts":1700000000000}`
	rec := doRequest(t, srv, http.MethodPost, "/api/backtest/fetch", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Fetched int `json:"fetched"`
		Saved   int `json:"saved"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Fetched)
	assert.Equal(t, 3, resp.Saved)

	loaded, err := candles.Load(context.Background(), "BTCUSDT", "4h", 0, 0)
	require.NoError(t, err)
	assert.Len(t, loaded, 3)
}

func TestFetchUnavailableWithoutFetcher(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/backtest/fetch", `{"symbol":"BTCUSDT","timeframe":"4h","start_ts":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReportRequiresFinishedRun(t *testing.T) {
	srv, results := newTestServer(t)
	run := backtest.Run{ID: "run-p", Symbol: "BTCUSDT", Timeframe: "4h", Status: backtest.RunStatusRunning}
	require.NoError(t, results.InsertRun(context.Background(), run))

	rec := doRequest(t, srv, http.MethodPost, "/api/backtest/runs/run-p/report", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}
