package risk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/captainpan007/smartbtc-v1/internal/logger"
	"github.com/captainpan007/smartbtc-v1/internal/pkg/trading"
	"github.com/captainpan007/smartbtc-v1/internal/strategy"
)

const quantityPlaces = 6

// Controller 账户级风控:跟踪余额与峰值,回撤越限后单向闸断开仓,
// 并负责止损止盈价与仓位大小的计算。
type Controller struct {
	SLATRMultiplier    float64
	TPATRMultiplier    float64
	MaxDrawdownPct     float64
	MaxPositionRiskPct float64

	mu             sync.Mutex
	initialBalance float64
	currentBalance float64
	peakBalance    float64
	paused         bool
	auditPath      string
}

// Options 控制器初始参数。
type Options struct {
	InitialBalance     float64
	SLATRMultiplier    float64
	TPATRMultiplier    float64
	MaxDrawdownPct     float64
	MaxPositionRiskPct float64
	AuditLogPath       string
}

func NewController(opts Options) (*Controller, error) {
	if opts.InitialBalance <= 0 {
		return nil, fmt.Errorf("risk: initial balance must be positive")
	}
	if opts.MaxDrawdownPct <= 0 || opts.MaxDrawdownPct >= 1 {
		return nil, fmt.Errorf("risk: max drawdown pct must be in (0,1)")
	}
	if opts.MaxPositionRiskPct <= 0 || opts.MaxPositionRiskPct >= 1 {
		return nil, fmt.Errorf("risk: max position risk pct must be in (0,1)")
	}
	if opts.AuditLogPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.AuditLogPath), 0o755); err != nil {
			return nil, fmt.Errorf("risk: creating audit log dir failed: %w", err)
		}
	}
	return &Controller{
		SLATRMultiplier:    opts.SLATRMultiplier,
		TPATRMultiplier:    opts.TPATRMultiplier,
		MaxDrawdownPct:     opts.MaxDrawdownPct,
		MaxPositionRiskPct: opts.MaxPositionRiskPct,
		initialBalance:     opts.InitialBalance,
		currentBalance:     opts.InitialBalance,
		peakBalance:        opts.InitialBalance,
		auditPath:          opts.AuditLogPath,
	}, nil
}

func (c *Controller) Balance() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentBalance
}

func (c *Controller) Peak() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peakBalance
}

func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Drawdown 当前相对峰值的回撤比例。
func (c *Controller) Drawdown() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drawdownLocked()
}

func (c *Controller) drawdownLocked() float64 {
	if c.peakBalance <= 0 {
		return 0
	}
	return 1 - c.currentBalance/c.peakBalance
}

// UpdateBalance 按单笔盈亏更新余额,随后检查回撤闸。
func (c *Controller) UpdateBalance(pnl float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentBalance += pnl
	if c.currentBalance > c.peakBalance {
		c.peakBalance = c.currentBalance
	}
	c.checkDrawdownLocked()
}

// SetBalance 直接设置余额(如回测启动时),峰值只升不降。
func (c *Controller) SetBalance(balance float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentBalance = balance
	if balance > c.peakBalance {
		c.peakBalance = balance
	}
}

func (c *Controller) checkDrawdownLocked() {
	dd := c.drawdownLocked()
	if dd <= c.MaxDrawdownPct || c.paused {
		return
	}
	c.paused = true
	msg := fmt.Sprintf("[ALERT] Max drawdown exceeded! Drawdown: %.2f%%, Balance: %.2f. Trading paused.",
		dd*100, c.currentBalance)
	logger.Warnf("%s", msg)
	c.appendAuditLocked(msg)
}

// ResetPause 手动恢复交易,峰值重置为当前余额避免立即再次触发。
func (c *Controller) ResetPause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	c.peakBalance = c.currentBalance
	msg := fmt.Sprintf("[INFO] Trading resumed manually. Peak balance reset to %.2f", c.peakBalance)
	logger.Infof("%s", msg)
	c.appendAuditLocked(msg)
}

func (c *Controller) appendAuditLocked(msg string) {
	if c.auditPath == "" {
		return
	}
	f, err := os.OpenFile(c.auditPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Errorf("risk audit log open failed: %v", err)
		return
	}
	defer f.Close()
	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), msg)
	if _, err := f.WriteString(line); err != nil {
		logger.Errorf("risk audit log write failed: %v", err)
	}
}

// StopLevels 按 ATR 倍数计算止损止盈价。
func (c *Controller) StopLevels(entry, atr float64, action strategy.Action) (stopLoss, takeProfit float64, err error) {
	if atr <= 0 {
		return 0, 0, fmt.Errorf("risk: atr must be positive")
	}
	switch action {
	case strategy.ActionBuy:
		return entry - c.SLATRMultiplier*atr, entry + c.TPATRMultiplier*atr, nil
	case strategy.ActionSell:
		return entry + c.SLATRMultiplier*atr, entry - c.TPATRMultiplier*atr, nil
	default:
		return 0, 0, fmt.Errorf("risk: unsupported action %q", action)
	}
}

// PositionSize 由单笔风险上限和止损距离推出仓位数量,
// 截断到 6 位小数。无法计算时返回 0。
func (c *Controller) PositionSize(entry, stopLoss float64) float64 {
	if entry <= 0 {
		return 0
	}
	riskPerUnit := entry - stopLoss
	if riskPerUnit < 0 {
		riskPerUnit = -riskPerUnit
	}
	if riskPerUnit == 0 {
		return 0
	}
	c.mu.Lock()
	balance := c.currentBalance
	c.mu.Unlock()
	totalRisk := balance * c.MaxPositionRiskPct
	size := trading.TruncateQuantity(totalRisk/riskPerUnit, quantityPlaces)
	logger.Debugf("position sizing: balance=%.2f risk=%.2f per_unit=%.4f size=%.6f",
		balance, totalRisk, riskPerUnit, size)
	return size
}

// ValidateTrade 开仓前最后一道检查:交易未被闸断,且名义金额
// 不超过可用余额的 99%(给滑点和手续费留余地)。
func (c *Controller) ValidateTrade(size, entry float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return fmt.Errorf("risk: trading paused after max drawdown")
	}
	notional := size * entry
	if notional > c.currentBalance*0.99 {
		return fmt.Errorf("risk: insufficient balance, need ~%.2f, have %.2f", notional, c.currentBalance)
	}
	return nil
}
