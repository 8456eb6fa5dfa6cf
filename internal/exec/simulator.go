// Package exec simulates order execution with slippage and commission.
package exec

import (
	"fmt"

	"github.com/captainpan007/smartbtc-v1/internal/analysis/indicator"
	"github.com/captainpan007/smartbtc-v1/internal/logger"
	"github.com/captainpan007/smartbtc-v1/internal/market"
	"github.com/captainpan007/smartbtc-v1/internal/pkg/trading"
	"github.com/captainpan007/smartbtc-v1/internal/strategy"
)

const (
	atrPeriod     = 14
	highVolRatio  = 0.02
	lowVolRatio   = 0.005
	dustThreshold = 1e-9
)

// Order 提交给执行器的订单,Price 为信号触发价。
type Order struct {
	Symbol string          `json:"symbol"`
	Action strategy.Action `json:"action"`
	Price  float64         `json:"price"`
	Amount float64         `json:"amount"`
	Time   int64           `json:"timestamp"`
}

// Fill 模拟成交回报。买入时 PnL 恒为 0,卖出时为本次平仓盈亏。
type Fill struct {
	Symbol        string          `json:"symbol"`
	Action        strategy.Action `json:"action"`
	Price         float64         `json:"price"`
	Amount        float64         `json:"amount"`
	Commission    float64         `json:"commission"`
	Slippage      float64         `json:"slippage"`
	PnL           float64         `json:"pnl"`
	Time          int64           `json:"timestamp"`
	Holdings      float64         `json:"holdings"`
	AvgEntryPrice float64         `json:"avg_entry_price"`
}

// Simulator 单资产现货执行模拟器,内部维护持仓数量与 VWAP 成本。
type Simulator struct {
	CommissionRate   float64
	BaseSlippageRate float64

	window   market.Series
	holdings float64
	avgEntry float64
}

func NewSimulator(commissionRate, baseSlippageRate float64) *Simulator {
	if commissionRate <= 0 {
		commissionRate = 0.00075
	}
	if baseSlippageRate <= 0 {
		baseSlippageRate = 0.0005
	}
	return &Simulator{CommissionRate: commissionRate, BaseSlippageRate: baseSlippageRate}
}

// UpdateWindow 更新用于动态滑点估算的行情窗口。
func (s *Simulator) UpdateWindow(window market.Series) {
	s.window = window
}

func (s *Simulator) Holdings() float64      { return s.holdings }
func (s *Simulator) AvgEntryPrice() float64 { return s.avgEntry }

// DynamicSlippage 按波动率分档返回滑点金额:ATR 占价格超过 2% 时
// 翻倍,低于 0.5% 时减半,无法计算时退回基础费率。
func (s *Simulator) DynamicSlippage(price float64) float64 {
	if price <= 0 {
		return 0
	}
	rate := s.BaseSlippageRate
	if len(s.window) > 0 {
		if atr, err := indicator.ATRValue(s.window, atrPeriod); err == nil {
			ratio := atr / price
			switch {
			case ratio > highVolRatio:
				rate = s.BaseSlippageRate * 2
			case ratio < lowVolRatio:
				rate = s.BaseSlippageRate * 0.5
			}
		}
	}
	return price * rate
}

// Execute 模拟执行订单。买入数量非正或卖出无持仓等良性情况返回
// (nil, nil),未知方向返回错误。
func (s *Simulator) Execute(order Order) (*Fill, error) {
	switch order.Action {
	case strategy.ActionBuy:
		return s.buy(order), nil
	case strategy.ActionSell:
		return s.sell(order), nil
	default:
		return nil, fmt.Errorf("exec: unknown action %q", order.Action)
	}
}

func (s *Simulator) buy(order Order) *Fill {
	if order.Amount <= 0 {
		logger.Debugf("buy amount is zero or negative, skipping")
		return nil
	}
	slippage := s.DynamicSlippage(order.Price)
	execPrice := order.Price + slippage
	commission := order.Amount * execPrice * s.CommissionRate

	newCost := s.avgEntry*s.holdings + execPrice*order.Amount
	s.holdings += order.Amount
	if s.holdings > 0 {
		s.avgEntry = newCost / s.holdings
	} else {
		s.avgEntry = 0
	}

	logger.Infof("SIM BUY %.6f %s @ %.2f (signal %.2f, slippage %.4f, commission %.4f), holdings=%.6f avg=%.2f",
		order.Amount, order.Symbol, execPrice, order.Price, slippage, commission, s.holdings, s.avgEntry)

	return &Fill{
		Symbol:        order.Symbol,
		Action:        strategy.ActionBuy,
		Price:         execPrice,
		Amount:        order.Amount,
		Commission:    commission,
		Slippage:      slippage,
		PnL:           0,
		Time:          order.Time,
		Holdings:      s.holdings,
		AvgEntryPrice: s.avgEntry,
	}
}

func (s *Simulator) sell(order Order) *Fill {
	if s.holdings <= 0 {
		logger.Debugf("no holdings to sell %s", order.Symbol)
		return nil
	}
	amount := trading.CapSellAmount(order.Amount, s.holdings)
	if amount <= 0 {
		logger.Debugf("sell amount is zero or negative, skipping")
		return nil
	}
	slippage := s.DynamicSlippage(order.Price)
	execPrice := order.Price - slippage
	commission := amount * execPrice * s.CommissionRate
	pnl := (execPrice-s.avgEntry)*amount - commission

	s.holdings -= amount
	if s.holdings < dustThreshold {
		s.holdings = 0
		s.avgEntry = 0
	}

	logger.Infof("SIM SELL %.6f %s @ %.2f (signal %.2f, slippage %.4f, commission %.4f), pnl=%.2f holdings=%.6f",
		amount, order.Symbol, execPrice, order.Price, slippage, commission, pnl, s.holdings)

	return &Fill{
		Symbol:        order.Symbol,
		Action:        strategy.ActionSell,
		Price:         execPrice,
		Amount:        amount,
		Commission:    commission,
		Slippage:      slippage,
		PnL:           pnl,
		Time:          order.Time,
		Holdings:      s.holdings,
		AvgEntryPrice: s.avgEntry,
	}
}
