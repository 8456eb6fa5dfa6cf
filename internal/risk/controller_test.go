package risk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/captainpan007/smartbtc-v1/internal/strategy"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	c, err := NewController(Options{
		InitialBalance:     10000,
		SLATRMultiplier:    2.0,
		TPATRMultiplier:    3.0,
		MaxDrawdownPct:     0.20,
		MaxPositionRiskPct: 0.02,
		AuditLogPath:       filepath.Join(t.TempDir(), "drawdown_monitor.log"),
	})
	require.NoError(t, err)
	return c
}

func TestPositionSizing(t *testing.T) {
	c := newTestController(t)
	// 余额 10000,单笔风险 2% = 200,止损距离 2 → 100 个单位
	size := c.PositionSize(100, 98)
	assert.InDelta(t, 100.0, size, 1e-9)

	assert.Zero(t, c.PositionSize(100, 100), "zero stop distance")
	assert.Zero(t, c.PositionSize(0, 98), "invalid entry")
}

func TestStopLevels(t *testing.T) {
	c := newTestController(t)
	sl, tp, err := c.StopLevels(100, 1.5, strategy.ActionBuy)
	require.NoError(t, err)
	assert.InDelta(t, 97.0, sl, 1e-9)
	assert.InDelta(t, 104.5, tp, 1e-9)

	sl, tp, err = c.StopLevels(100, 1.5, strategy.ActionSell)
	require.NoError(t, err)
	assert.InDelta(t, 103.0, sl, 1e-9)
	assert.InDelta(t, 95.5, tp, 1e-9)

	_, _, err = c.StopLevels(100, 0, strategy.ActionBuy)
	require.Error(t, err)
}

func TestDrawdownTripsPauseAndLatches(t *testing.T) {
	c := newTestController(t)
	// 先抬到 11000 峰值
	c.UpdateBalance(1000)
	assert.False(t, c.Paused())
	assert.InDelta(t, 11000, c.Peak(), 1e-9)

	// 跌到 8790:回撤 ≈ 20.1% > 20%
	c.UpdateBalance(-2210)
	assert.True(t, c.Paused())
	require.Error(t, c.ValidateTrade(0.1, 100))

	// 回升也不会自动解除
	c.UpdateBalance(3000)
	assert.True(t, c.Paused(), "pause is a one-way latch")
}

func TestResetPause(t *testing.T) {
	c := newTestController(t)
	c.UpdateBalance(-2500) // 25% 回撤
	require.True(t, c.Paused())

	c.ResetPause()
	assert.False(t, c.Paused())
	// 峰值重置为当前余额
	assert.InDelta(t, 7500, c.Peak(), 1e-9)
	assert.InDelta(t, 0.0, c.Drawdown(), 1e-9)
	require.NoError(t, c.ValidateTrade(0.1, 100))
}

func TestValidateTradeNotionalCap(t *testing.T) {
	c := newTestController(t)
	// 10000 × 0.99 = 9900 上限
	require.NoError(t, c.ValidateTrade(99, 100))
	require.Error(t, c.ValidateTrade(100, 100))
}

func TestAuditLogWritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "drawdown_monitor.log")
	c, err := NewController(Options{
		InitialBalance:     1000,
		SLATRMultiplier:    2.0,
		TPATRMultiplier:    3.0,
		MaxDrawdownPct:     0.20,
		MaxPositionRiskPct: 0.02,
		AuditLogPath:       path,
	})
	require.NoError(t, err)

	c.UpdateBalance(-210)
	require.True(t, c.Paused())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Max drawdown exceeded")

	c.ResetPause()
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Trading resumed manually")
}

func TestSetBalanceKeepsPeak(t *testing.T) {
	c := newTestController(t)
	c.SetBalance(9000)
	assert.InDelta(t, 10000, c.Peak(), 1e-9, "peak only rises")
	c.SetBalance(12000)
	assert.InDelta(t, 12000, c.Peak(), 1e-9)
	assert.False(t, c.Paused(), "SetBalance does not trip the latch")
}
