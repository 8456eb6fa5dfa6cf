package live

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/captainpan007/smartbtc-v1/internal/gateway/binance"
	"github.com/captainpan007/smartbtc-v1/internal/market"
	"github.com/captainpan007/smartbtc-v1/internal/risk"
	"github.com/captainpan007/smartbtc-v1/internal/signal"
	"github.com/captainpan007/smartbtc-v1/internal/store/model"
	"github.com/captainpan007/smartbtc-v1/internal/strategy"
)

type fakeSource struct {
	window market.Series
	calls  int
}

func (f *fakeSource) FetchLatest(_ context.Context, _, _ string, _ int) (market.Series, error) {
	f.calls++
	return f.window, nil
}

type fakeBroker struct {
	orders  []string
	balance float64
	err     error
}

func (f *fakeBroker) MarketOrder(_ context.Context, symbol string, action strategy.Action, qty float64) (*binance.OrderResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.orders = append(f.orders, string(action))
	price := 100.0
	return &binance.OrderResult{OrderID: int64(len(f.orders)), Symbol: symbol, Action: action, Amount: qty, AvgPrice: price, Status: "FILLED"}, nil
}

func (f *fakeBroker) FreeBalance(context.Context, string) (float64, error) {
	return f.balance, nil
}

type fakeSignals struct {
	sig *signal.Signal
}

func (f *fakeSignals) Generate(market.Series) (*signal.Signal, error) {
	return f.sig, nil
}

type memStore struct {
	active *model.LiveTradeModel
	closed []string
	failed []string
	ops    []string
}

func (m *memStore) OpenTrade(_ context.Context, trade *model.LiveTradeModel) error {
	trade.ID = 1
	trade.Status = model.LiveTradeStatusOpen
	m.active = trade
	return nil
}

func (m *memStore) ConfirmTradeFill(_ context.Context, _ int64, fillPrice, amount float64, orderID int64) error {
	if m.active != nil {
		m.active.EntryPrice = fillPrice
		m.active.Amount = amount
		m.active.OrderID = orderID
	}
	return nil
}

func (m *memStore) CloseTrade(_ context.Context, _ int64, _ float64, reason string, _ float64) error {
	m.closed = append(m.closed, reason)
	m.active = nil
	return nil
}

func (m *memStore) MarkTradeFailed(_ context.Context, _ int64, reason string) error {
	m.failed = append(m.failed, reason)
	m.active = nil
	return nil
}

func (m *memStore) ActiveTrade(context.Context, string) (*model.LiveTradeModel, error) {
	return m.active, nil
}

func (m *memStore) LogOperation(_ context.Context, kind, _, _ string, _ []byte) error {
	m.ops = append(m.ops, kind)
	return nil
}

type memNotifier struct {
	messages []string
}

func (m *memNotifier) SendText(text string) error {
	m.messages = append(m.messages, text)
	return nil
}

func liveWindow(n int, price float64) market.Series {
	candles := make(market.Series, n)
	for i := range candles {
		open := int64(i+1) * 3_600_000
		candles[i] = market.Candle{
			OpenTime: open, CloseTime: open + 3_599_999,
			Open: price, High: price * 1.006, Low: price * 0.994, Close: price, Volume: 100,
		}
	}
	return candles
}

func newTestRunner(t *testing.T, src marketSource, brk orderBroker, sigs signalSource, store tradeStore) (*Runner, *risk.Controller, *memNotifier) {
	t.Helper()
	riskCtl, err := risk.NewController(risk.Options{
		InitialBalance:     10000,
		SLATRMultiplier:    2.0,
		TPATRMultiplier:    3.0,
		MaxDrawdownPct:     0.20,
		MaxPositionRiskPct: 0.02,
		AuditLogPath:       filepath.Join(t.TempDir(), "audit.log"),
	})
	require.NoError(t, err)
	notifier := &memNotifier{}
	runner, err := NewRunner(Config{
		Symbol:    "BTCUSDT",
		Timeframe: "4h",
		Source:    src,
		Broker:    brk,
		Signals:   sigs,
		Risk:      riskCtl,
		Store:     store,
		Notifier:  notifier,
	})
	require.NoError(t, err)
	return runner, riskCtl, notifier
}

func TestStepEntersOnBuySignal(t *testing.T) {
	src := &fakeSource{window: liveWindow(120, 100)}
	brk := &fakeBroker{balance: 10000}
	store := &memStore{}
	sigs := &fakeSignals{sig: &signal.Signal{Symbol: "BTCUSDT", Action: strategy.ActionBuy, Confidence: 0.5}}
	runner, _, notifier := newTestRunner(t, src, brk, sigs, store)

	require.NoError(t, runner.step(context.Background()))

	require.NotNil(t, store.active)
	assert.Positive(t, store.active.Amount)
	assert.Positive(t, store.active.StopLoss)
	assert.Greater(t, store.active.TakeProfit, store.active.StopLoss)
	assert.Equal(t, []string{"buy"}, brk.orders)
	assert.Positive(t, store.active.OrderID)
	assert.Contains(t, store.ops, model.OperationSignal)
	assert.Contains(t, store.ops, model.OperationOrder)
	require.NotEmpty(t, notifier.messages)
	assert.Contains(t, notifier.messages[0], "BUY")
}

func TestStepMarksTradeFailedOnRejectedOrder(t *testing.T) {
	src := &fakeSource{window: liveWindow(120, 100)}
	brk := &fakeBroker{balance: 10000, err: errors.New("insufficient balance")}
	store := &memStore{}
	sigs := &fakeSignals{sig: &signal.Signal{Symbol: "BTCUSDT", Action: strategy.ActionBuy, Confidence: 0.5}}
	runner, _, notifier := newTestRunner(t, src, brk, sigs, store)

	err := runner.step(context.Background())
	require.Error(t, err)

	assert.Nil(t, store.active)
	require.Len(t, store.failed, 1)
	assert.Contains(t, store.failed[0], "order rejected")
	assert.Empty(t, brk.orders)
	require.NotEmpty(t, notifier.messages)
	assert.Contains(t, notifier.messages[0], "BUY failed")
}

func TestStepStopLossClosesPosition(t *testing.T) {
	src := &fakeSource{window: liveWindow(120, 94)}
	brk := &fakeBroker{balance: 10000}
	store := &memStore{active: &model.LiveTradeModel{
		ID: 7, Symbol: "BTCUSDT", Side: "buy", Amount: 1,
		EntryPrice: 100, StopLoss: 95, TakeProfit: 110,
		Status: model.LiveTradeStatusOpen,
	}}
	sigs := &fakeSignals{}
	runner, riskCtl, _ := newTestRunner(t, src, brk, sigs, store)

	require.NoError(t, runner.step(context.Background()))

	assert.Nil(t, store.active)
	assert.Equal(t, []string{"stop_loss"}, store.closed)
	assert.Equal(t, []string{"sell"}, brk.orders)
	assert.Equal(t, riskCtl.Balance(), 10000.0)
}

func TestStepSellSignalExits(t *testing.T) {
	src := &fakeSource{window: liveWindow(120, 104)}
	brk := &fakeBroker{balance: 10000}
	store := &memStore{active: &model.LiveTradeModel{
		ID: 3, Symbol: "BTCUSDT", Side: "buy", Amount: 2,
		EntryPrice: 98, StopLoss: 90, TakeProfit: 120,
		Status: model.LiveTradeStatusOpen,
	}}
	sigs := &fakeSignals{sig: &signal.Signal{Symbol: "BTCUSDT", Action: strategy.ActionSell, Confidence: 0.4}}
	runner, riskCtl, _ := newTestRunner(t, src, brk, sigs, store)

	require.NoError(t, runner.step(context.Background()))

	assert.Equal(t, []string{"signal"}, store.closed)
	// 成交价 100,入场 98,数量 2
	assert.InDelta(t, 10004, riskCtl.Balance(), 1e-9)
}

func TestStepPausedIdlesWithoutPosition(t *testing.T) {
	src := &fakeSource{window: liveWindow(120, 100)}
	brk := &fakeBroker{balance: 10000}
	store := &memStore{}
	sigs := &fakeSignals{sig: &signal.Signal{Action: strategy.ActionBuy, Confidence: 0.9}}
	runner, riskCtl, _ := newTestRunner(t, src, brk, sigs, store)

	riskCtl.UpdateBalance(-3000)
	require.True(t, riskCtl.Paused())

	require.NoError(t, runner.step(context.Background()))
	assert.Zero(t, src.calls)
	assert.Empty(t, brk.orders)
}

func TestStepSkipsOnThinData(t *testing.T) {
	src := &fakeSource{window: liveWindow(50, 100)}
	brk := &fakeBroker{balance: 10000}
	store := &memStore{}
	sigs := &fakeSignals{sig: &signal.Signal{Action: strategy.ActionBuy, Confidence: 0.9}}
	runner, _, _ := newTestRunner(t, src, brk, sigs, store)

	require.NoError(t, runner.step(context.Background()))
	assert.Empty(t, brk.orders)
	assert.Nil(t, store.active)
}

type fakeTrainer struct {
	calls int
}

func (f *fakeTrainer) Train(market.Series) error {
	f.calls++
	return nil
}

func TestStepRetrainsOnSchedule(t *testing.T) {
	src := &fakeSource{window: liveWindow(120, 100)}
	brk := &fakeBroker{balance: 10000}
	store := &memStore{}
	sigs := &fakeSignals{}
	runner, _, _ := newTestRunner(t, src, brk, sigs, store)
	tr := &fakeTrainer{}
	runner.cfg.Trainer = tr
	runner.cfg.RetrainEvery = 2

	require.NoError(t, runner.step(context.Background()))
	require.NoError(t, runner.step(context.Background()))
	require.NoError(t, runner.step(context.Background()))

	assert.Equal(t, 1, tr.calls)
	assert.Contains(t, store.ops, model.OperationRetrain)
}

func TestPauseTransitionAudited(t *testing.T) {
	src := &fakeSource{window: liveWindow(120, 100)}
	brk := &fakeBroker{balance: 10000}
	store := &memStore{}
	sigs := &fakeSignals{}
	runner, riskCtl, notifier := newTestRunner(t, src, brk, sigs, store)

	require.NoError(t, runner.step(context.Background()))
	assert.NotContains(t, store.ops, model.OperationPause)

	riskCtl.UpdateBalance(-3000)
	require.True(t, riskCtl.Paused())
	require.NoError(t, runner.step(context.Background()))
	assert.Contains(t, store.ops, model.OperationPause)
	require.NotEmpty(t, notifier.messages)
	assert.Contains(t, notifier.messages[len(notifier.messages)-1], "paused")

	// 翻转只记一次
	require.NoError(t, runner.step(context.Background()))
	pauses := 0
	for _, op := range store.ops {
		if op == model.OperationPause {
			pauses++
		}
	}
	assert.Equal(t, 1, pauses)
}

func TestRunLogsHeartbeat(t *testing.T) {
	src := &fakeSource{window: liveWindow(120, 100)}
	brk := &fakeBroker{balance: 10000}
	store := &memStore{}
	sigs := &fakeSignals{}
	runner, _, _ := newTestRunner(t, src, brk, sigs, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := runner.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, store.ops, model.OperationHeartbeat)
}

func TestQuoteAsset(t *testing.T) {
	assert.Equal(t, "USDT", quoteAsset("BTCUSDT"))
	assert.Equal(t, "BTC", quoteAsset("ETHBTC"))
	assert.Equal(t, "USDT", quoteAsset("UNKNOWN"))
}

func TestNewRunnerRejectsBadTimeframe(t *testing.T) {
	_, err := NewRunner(Config{
		Symbol: "BTCUSDT", Timeframe: "7h",
		Source: &fakeSource{}, Broker: &fakeBroker{}, Signals: &fakeSignals{},
		Risk: nil, Store: &memStore{},
	})
	assert.Error(t, err)
}
