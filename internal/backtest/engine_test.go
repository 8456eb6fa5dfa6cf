package backtest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/captainpan007/smartbtc-v1/internal/exec"
	"github.com/captainpan007/smartbtc-v1/internal/market"
	"github.com/captainpan007/smartbtc-v1/internal/risk"
	"github.com/captainpan007/smartbtc-v1/internal/signal"
	"github.com/captainpan007/smartbtc-v1/internal/strategy"
)

type stubSignals struct {
	buyAt int64
	err   error
	calls int
}

func (s *stubSignals) Generate(window market.Series) (*signal.Signal, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	last := window[len(window)-1]
	if last.OpenTime == s.buyAt {
		return &signal.Signal{
			Symbol:     "BTCUSDT",
			Time:       last.OpenTime,
			Action:     strategy.ActionBuy,
			Confidence: 0.5,
		}, nil
	}
	return nil, nil
}

type stubTrainer struct {
	calls int
	err   error
}

func (s *stubTrainer) Train(market.Series) error {
	s.calls++
	return s.err
}

func flatSeries(n int, price float64) market.Series {
	candles := make(market.Series, n)
	for i := range candles {
		open := int64(i+1) * 3_600_000
		candles[i] = market.Candle{
			OpenTime:  open,
			CloseTime: open + 3_599_999,
			Open:      price,
			High:      price * 1.006,
			Low:       price * 0.994,
			Close:     price,
			Volume:    100,
			Trades:    10,
		}
	}
	return candles
}

func newTestRunner(t *testing.T, cfg RunConfig) (*runner, *ResultStore) {
	t.Helper()
	store, err := NewResultStore(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	riskCtl, err := risk.NewController(risk.Options{
		InitialBalance:     cfg.InitialBalance,
		SLATRMultiplier:    cfg.SLATRMultiplier,
		TPATRMultiplier:    cfg.TPATRMultiplier,
		MaxDrawdownPct:     cfg.MaxDrawdownPct,
		MaxPositionRiskPct: cfg.MaxPositionRiskPct,
		AuditLogPath:       filepath.Join(t.TempDir(), "audit.log"),
	})
	require.NoError(t, err)

	return &runner{
		cfg:       cfg,
		results:   store,
		riskCtl:   riskCtl,
		sim:       exec.NewSimulator(cfg.CommissionRate, cfg.SlippageBaseRate),
		gen:       &stubSignals{},
		pred:      &stubTrainer{},
		atrPeriod: 14,
		warmup:    cfg.WindowSize + 20,
	}, store
}

func testRunConfig() RunConfig {
	return RunConfig{
		Symbol:             "BTCUSDT",
		Timeframe:          "4h",
		InitialBalance:     10000,
		CommissionRate:     0.00075,
		SlippageBaseRate:   0.0005,
		SLATRMultiplier:    2.0,
		TPATRMultiplier:    3.0,
		MaxDrawdownPct:     0.20,
		MaxPositionRiskPct: 0.02,
		WindowSize:         20,
		RetrainInterval:    10,
	}
}

func TestStopLossCheckedBeforeTakeProfit(t *testing.T) {
	r, store := newTestRunner(t, testRunConfig())
	candles := flatSeries(60, 100)
	r.sim.UpdateWindow(candles)

	// 建立持仓
	fill, err := r.sim.Execute(exec.Order{
		Symbol: "BTCUSDT", Action: strategy.ActionBuy, Price: 100, Amount: 1, Time: candles[40].OpenTime,
	})
	require.NoError(t, err)
	require.NotNil(t, fill)
	r.position = &positionState{
		amount: fill.Amount, entryPrice: fill.Price,
		stopLoss: 95, takeProfit: 110, entryTime: candles[40].OpenTime,
	}
	r.peakEquity = r.cfg.InitialBalance

	// 同一根 K 线同时穿越止损与止盈,止损优先
	bar := market.Candle{
		OpenTime: candles[41].OpenTime, Open: 100, High: 111, Low: 94, Close: 100, Volume: 100,
	}
	exited := r.checkExits(context.Background(), "run-1", bar)
	assert.True(t, exited)
	assert.Nil(t, r.position)
	assert.Equal(t, 1, r.stats.StopLossExits)
	assert.Equal(t, 0, r.stats.TakeProfitExits)
	assert.Equal(t, 1, r.stats.Trades)
	assert.Equal(t, 1, r.stats.Losses)

	trades, err := store.ListTrades(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "sell", trades[0].Action)
	assert.Equal(t, ExitStopLoss, trades[0].Reason)
	assert.Less(t, trades[0].PnL, 0.0)
}

func TestTakeProfitExit(t *testing.T) {
	r, _ := newTestRunner(t, testRunConfig())
	candles := flatSeries(60, 100)
	r.sim.UpdateWindow(candles)

	fill, err := r.sim.Execute(exec.Order{
		Symbol: "BTCUSDT", Action: strategy.ActionBuy, Price: 100, Amount: 1, Time: candles[40].OpenTime,
	})
	require.NoError(t, err)
	r.position = &positionState{
		amount: fill.Amount, entryPrice: fill.Price,
		stopLoss: 95, takeProfit: 110, entryTime: candles[40].OpenTime,
	}
	r.peakEquity = r.cfg.InitialBalance

	bar := market.Candle{
		OpenTime: candles[41].OpenTime, Open: 100, High: 112, Low: 99, Close: 111, Volume: 100,
	}
	exited := r.checkExits(context.Background(), "run-2", bar)
	assert.True(t, exited)
	assert.Equal(t, 1, r.stats.TakeProfitExits)
	assert.Equal(t, 1, r.stats.Wins)
	assert.Greater(t, r.riskCtl.Balance(), r.cfg.InitialBalance)
}

func TestPausedWithoutPositionSkipsSignalGeneration(t *testing.T) {
	r, _ := newTestRunner(t, testRunConfig())
	gen := &stubSignals{buyAt: 999}
	r.gen = gen

	// 打穿回撤阈值触发闸断
	r.riskCtl.UpdateBalance(-3000)
	require.True(t, r.riskCtl.Paused())

	candles := flatSeries(60, 100)
	r.processSignal(context.Background(), "run-3", candles, candles[len(candles)-1])
	assert.Equal(t, 0, gen.calls)
}

func TestPausedStillAllowsStopLossExit(t *testing.T) {
	r, store := newTestRunner(t, testRunConfig())
	candles := flatSeries(60, 100)
	r.sim.UpdateWindow(candles)

	fill, err := r.sim.Execute(exec.Order{
		Symbol: "BTCUSDT", Action: strategy.ActionBuy, Price: 100, Amount: 1, Time: candles[40].OpenTime,
	})
	require.NoError(t, err)
	r.position = &positionState{
		amount: fill.Amount, entryPrice: fill.Price,
		stopLoss: 95, takeProfit: 110, entryTime: candles[40].OpenTime,
	}
	r.peakEquity = r.cfg.InitialBalance

	r.riskCtl.UpdateBalance(-3000)
	require.True(t, r.riskCtl.Paused())

	// 持仓期间闸断不妨碍止损退出
	bar := market.Candle{
		OpenTime: candles[41].OpenTime, Open: 100, High: 101, Low: 94, Close: 95, Volume: 100,
	}
	exited := r.checkExits(context.Background(), "run-4", bar)
	assert.True(t, exited)
	assert.Nil(t, r.position)

	trades, err := store.ListTrades(context.Background(), "run-4")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, ExitStopLoss, trades[0].Reason)
}

func TestRunOpensAndForceClosesAtEndOfData(t *testing.T) {
	cfg := testRunConfig()
	r, store := newTestRunner(t, cfg)
	candles := flatSeries(60, 100)

	// 预热刚过就买入;价格走平,止损止盈都不会触发
	buyBar := candles[r.warmup+1]
	gen := &stubSignals{buyAt: buyBar.OpenTime}
	r.gen = gen
	trainerStub := &stubTrainer{}
	r.pred = trainerStub

	stats, err := r.run(context.Background(), "run-5", candles)
	require.NoError(t, err)

	assert.Equal(t, len(candles)-r.warmup, stats.BarsProcessed)
	assert.Equal(t, 1, stats.Trades)
	assert.Equal(t, 0, stats.StopLossExits+stats.TakeProfitExits+stats.SignalExits)
	assert.Greater(t, trainerStub.calls, 1)

	trades, err := store.ListTrades(context.Background(), "run-5")
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "buy", trades[0].Action)
	assert.Equal(t, "sell", trades[1].Action)
	assert.Equal(t, ExitEndOfData, trades[1].Reason)
	assert.Equal(t, candles[len(candles)-1].OpenTime, trades[1].Time)

	// 平价平仓,净损失只剩滑点加手续费
	assert.Less(t, stats.FinalBalance, cfg.InitialBalance)
	assert.InDelta(t, cfg.InitialBalance, stats.FinalBalance, cfg.InitialBalance*0.01)

	points, err := store.ListEquity(context.Background(), "run-5")
	require.NoError(t, err)
	assert.Len(t, points, stats.BarsProcessed)
}

func TestRunToleratesSignalErrors(t *testing.T) {
	r, store := newTestRunner(t, testRunConfig())
	r.gen = &stubSignals{err: errors.New("indicator window too small")}
	candles := flatSeries(50, 100)

	stats, err := r.run(context.Background(), "run-6", candles)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Trades)
	assert.Equal(t, len(candles)-r.warmup, stats.BarsProcessed)

	trades, err := store.ListTrades(context.Background(), "run-6")
	require.NoError(t, err)
	assert.Empty(t, trades)
}

type panicSignals struct {
	calls int
}

func (s *panicSignals) Generate(market.Series) (*signal.Signal, error) {
	s.calls++
	panic("indicator blow-up")
}

func TestRunContainsPerBarPanics(t *testing.T) {
	r, store := newTestRunner(t, testRunConfig())
	gen := &panicSignals{}
	r.gen = gen
	candles := flatSeries(50, 100)

	stats, err := r.run(context.Background(), "run-9", candles)
	require.NoError(t, err)
	assert.Equal(t, len(candles)-r.warmup, stats.BarsProcessed)
	assert.Equal(t, len(candles)-r.warmup, gen.calls)
	assert.Equal(t, 0, stats.Trades)

	trades, err := store.ListTrades(context.Background(), "run-9")
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestRunRejectsShortSeries(t *testing.T) {
	r, _ := newTestRunner(t, testRunConfig())
	_, err := r.run(context.Background(), "run-7", flatSeries(r.warmup, 100))
	assert.Error(t, err)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	r, _ := newTestRunner(t, testRunConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.run(ctx, "run-8", flatSeries(60, 100))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPartitionSeries(t *testing.T) {
	candles := flatSeries(100, 100)
	segments := partitionSeries(candles, 20, 4)
	require.Len(t, segments, 4)
	for i, seg := range segments {
		assert.GreaterOrEqual(t, len(seg), 40, "segment %d", i)
	}
	// 各段回放区间首尾相接
	assert.Equal(t, candles[20].OpenTime, segments[0][20].OpenTime)
	assert.Equal(t, candles[len(candles)-1].OpenTime, segments[3][len(segments[3])-1].OpenTime)

	// 数据太少时退化
	assert.Nil(t, partitionSeries(candles[:20], 20, 2))
	short := partitionSeries(candles[:23], 20, 8)
	assert.Len(t, short, 3)
}
