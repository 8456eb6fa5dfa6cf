package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/captainpan007/smartbtc-v1/internal/store/model"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	store, err := NewSqliteStore(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenAndCloseTrade(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	trade := &model.LiveTradeModel{
		Symbol:     "BTCUSDT",
		Side:       "buy",
		Amount:     0.5,
		EntryPrice: 43000,
		StopLoss:   42000,
		TakeProfit: 44500,
		SignalJSON: []byte(`{"action":"buy","confidence":0.62}`),
	}
	require.NoError(t, store.OpenTrade(ctx, trade))
	require.Positive(t, trade.ID)

	active, err := store.ActiveTrade(ctx, "btcusdt")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, trade.ID, active.ID)
	assert.Equal(t, model.LiveTradeStatusOpen, active.Status)

	require.NoError(t, store.CloseTrade(ctx, trade.ID, 44500, "take_profit", 742.5))

	active, err = store.ActiveTrade(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, active)

	trades, err := store.ListTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, model.LiveTradeStatusClosed, trades[0].Status)
	assert.Equal(t, "take_profit", trades[0].ExitReason)
	assert.InDelta(t, 742.5, trades[0].PnL, 1e-9)
	assert.Positive(t, trades[0].ClosedAtUnix)
}

func TestConfirmTradeFill(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	trade := &model.LiveTradeModel{Symbol: "BTCUSDT", Side: "buy", Amount: 0.5, EntryPrice: 43000}
	require.NoError(t, store.OpenTrade(ctx, trade))

	require.NoError(t, store.ConfirmTradeFill(ctx, trade.ID, 43012.5, 0.498, 778899))

	active, err := store.ActiveTrade(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 43012.5, active.EntryPrice)
	assert.Equal(t, 0.498, active.Amount)
	assert.Equal(t, int64(778899), active.OrderID)

	// 只能回填未平仓记录
	require.NoError(t, store.CloseTrade(ctx, trade.ID, 44000, "signal", 491.75))
	assert.Error(t, store.ConfirmTradeFill(ctx, trade.ID, 43100, 0.5, 1))
}

func TestCloseTradeRequiresOpenStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.CloseTrade(ctx, 999, 100, "signal", 0)
	assert.Error(t, err)

	trade := &model.LiveTradeModel{Symbol: "BTCUSDT", Side: "buy", Amount: 1, EntryPrice: 100}
	require.NoError(t, store.OpenTrade(ctx, trade))
	require.NoError(t, store.CloseTrade(ctx, trade.ID, 101, "signal", 1))
	// 已平仓的不能再平一次
	assert.Error(t, store.CloseTrade(ctx, trade.ID, 102, "signal", 2))
}

func TestMarkTradeFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	trade := &model.LiveTradeModel{Symbol: "BTCUSDT", Side: "buy", Amount: 1, EntryPrice: 100}
	require.NoError(t, store.OpenTrade(ctx, trade))
	require.NoError(t, store.MarkTradeFailed(ctx, trade.ID, "order rejected"))

	active, err := store.ActiveTrade(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestOperationLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.LogOperation(ctx, model.OperationSignal, "BTCUSDT", "buy confidence=0.62", []byte(`{"action":"buy"}`)))
	require.NoError(t, store.LogOperation(ctx, model.OperationPause, "BTCUSDT", "max drawdown exceeded", nil))

	ops, err := store.ListOperations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	kinds := []string{ops[0].Kind, ops[1].Kind}
	assert.Contains(t, kinds, model.OperationSignal)
	assert.Contains(t, kinds, model.OperationPause)
}
