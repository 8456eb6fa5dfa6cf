package report

import (
	"math"

	"github.com/captainpan007/smartbtc-v1/internal/backtest"
)

// Metrics 绩效汇总。ProfitFactor 在没有亏损单时为 +Inf。
type Metrics struct {
	TotalTrades    int     `json:"total_trades"`
	WinRate        float64 `json:"win_rate"`
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"`
	ProfitFactor   float64 `json:"profit_factor"`
	NetProfit      float64 `json:"net_profit"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	TotalFees      float64 `json:"total_fees"`
}

// Compute 从成交与资金曲线求绩效指标,只统计平仓单的盈亏。
func Compute(trades []backtest.Trade, equity []backtest.EquityPoint) Metrics {
	var m Metrics
	var winSum, lossSum float64
	var wins, losses int
	for _, t := range trades {
		m.TotalFees += t.Commission
		if t.Action != "sell" {
			continue
		}
		m.TotalTrades++
		m.NetProfit += t.PnL
		switch {
		case t.PnL > 0:
			wins++
			winSum += t.PnL
		case t.PnL < 0:
			losses++
			lossSum += t.PnL
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(wins) / float64(m.TotalTrades) * 100
	}
	if wins > 0 {
		m.AvgWin = winSum / float64(wins)
	}
	if losses > 0 {
		m.AvgLoss = lossSum / float64(losses)
	}
	if m.AvgLoss != 0 {
		m.ProfitFactor = math.Abs(m.AvgWin / m.AvgLoss)
	} else if m.AvgWin > 0 {
		m.ProfitFactor = math.Inf(1)
	}
	for _, p := range equity {
		if p.Drawdown > m.MaxDrawdownPct {
			m.MaxDrawdownPct = p.Drawdown
		}
	}
	m.WinRate = round2(m.WinRate)
	m.AvgWin = round2(m.AvgWin)
	m.AvgLoss = round2(m.AvgLoss)
	m.NetProfit = round2(m.NetProfit)
	if !math.IsInf(m.ProfitFactor, 1) {
		m.ProfitFactor = round2(m.ProfitFactor)
	}
	return m
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
