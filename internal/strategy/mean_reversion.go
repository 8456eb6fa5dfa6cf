package strategy

import (
	"math"

	"github.com/captainpan007/smartbtc-v1/internal/analysis/indicator"
	"github.com/captainpan007/smartbtc-v1/internal/market"
)

// MeanReversion 均值回归:RSI 进入超卖/超买区,或价格偏离均线
// 超过 3% 时逆势建仓。
type MeanReversion struct {
	RSIPeriod int
	RSILow    float64
	RSIHigh   float64
	MAPeriod  int
}

func NewMeanReversion(rsiPeriod int, rsiLow, rsiHigh float64, maPeriod int) *MeanReversion {
	return &MeanReversion{RSIPeriod: rsiPeriod, RSILow: rsiLow, RSIHigh: rsiHigh, MAPeriod: maPeriod}
}

func (m *MeanReversion) Name() string { return "mean_reversion" }

const deviationThreshold = 0.03

func (m *MeanReversion) Check(window market.Series, snap indicator.Snapshot) *Advice {
	if len(window) < m.RSIPeriod {
		return nil
	}
	if math.IsNaN(snap.RSI) || snap.MA <= 0 {
		return nil
	}
	deviation := (snap.Close - snap.MA) / snap.MA

	if snap.RSI < m.RSILow || deviation < -deviationThreshold {
		conf := math.Min(1.0, (m.RSILow-snap.RSI)/20+0.5)
		return &Advice{Action: ActionBuy, Confidence: round2(conf)}
	}
	if snap.RSI > m.RSIHigh || deviation > deviationThreshold {
		conf := math.Min(1.0, (snap.RSI-m.RSIHigh)/20+0.5)
		return &Advice{Action: ActionSell, Confidence: round2(conf)}
	}
	return nil
}
