package signal

import (
	"errors"
	"fmt"

	"github.com/captainpan007/smartbtc-v1/internal/analysis/indicator"
	"github.com/captainpan007/smartbtc-v1/internal/analysis/pattern"
	"github.com/captainpan007/smartbtc-v1/internal/logger"
	"github.com/captainpan007/smartbtc-v1/internal/market"
	"github.com/captainpan007/smartbtc-v1/internal/predictor"
	"github.com/captainpan007/smartbtc-v1/internal/regime"
	"github.com/captainpan007/smartbtc-v1/internal/strategy"
)

// 形态增强与概率门槛。
const (
	hammerBonus      = 0.4
	dojiBonus        = 0.2
	engulfingBonus   = 0.4
	probabilityFloor = 0.1
	patternHorizon   = 5
)

// StrategySelector 为当前窗口挑选策略,返回 nil 表示本根不交易。
type StrategySelector interface {
	Select(window market.Series) (strategy.Strategy, regime.State)
}

// DirectionPredictor 方向预测边界,未训练时返回 predictor.ErrNotTrained。
type DirectionPredictor interface {
	Predict(window market.Series) (predictor.Prediction, error)
}

// Generator 把策略建议、K 线形态、成交量与方向预测融合成最终信号。
type Generator struct {
	Symbol        string
	Params        indicator.Params
	MinConfidence float64
	VolumeWeight  float64

	switcher  StrategySelector
	predictor DirectionPredictor
}

func NewGenerator(symbol string, params indicator.Params, minConfidence, volumeWeight float64,
	switcher StrategySelector, pred DirectionPredictor) *Generator {
	if minConfidence <= 0 {
		minConfidence = 0.2
	}
	if volumeWeight <= 0 {
		volumeWeight = 0.12
	}
	return &Generator{
		Symbol:        symbol,
		Params:        params,
		MinConfidence: minConfidence,
		VolumeWeight:  volumeWeight,
		switcher:      switcher,
		predictor:     pred,
	}
}

// Generate 在窗口末根收盘时生成信号。无信号返回 (nil, nil),
// 数据不足以计算指标时返回错误。
func (g *Generator) Generate(window market.Series) (*Signal, error) {
	if len(window) == 0 {
		return nil, fmt.Errorf("signal: empty window")
	}
	snap, err := indicator.Compute(window, g.Params)
	if err != nil {
		return nil, err
	}

	strat, state := g.switcher.Select(window)
	if strat == nil {
		return nil, nil
	}
	advice := strat.Check(window, snap)
	if advice == nil {
		logger.Debugf("no advice from strategy %s (state=%s)", strat.Name(), state)
		return nil, nil
	}

	isHammer := pattern.IsHammer(window)
	isDoji := pattern.IsDoji(window)
	isEngulfing, engulfDir := pattern.Engulfing(window)
	downtrend := pattern.IsDowntrend(window)
	uptrend := pattern.IsUptrend(window)
	volumeSpike := pattern.IsVolumeSpike(window)

	patternConfidence := 0.0
	switch advice.Action {
	case strategy.ActionBuy:
		hammerProb := pattern.UpProbability(window, pattern.IsHammer, patternHorizon)
		dojiProb := pattern.UpProbability(window, pattern.IsDoji, patternHorizon)
		if isHammer && downtrend && volumeSpike && hammerProb > probabilityFloor {
			patternConfidence = hammerBonus
		} else if isDoji && downtrend && volumeSpike && dojiProb > probabilityFloor {
			patternConfidence = dojiBonus
		}
	case strategy.ActionSell:
		// 统计熊市吞没之后下跌的比例
		downProb := pattern.DownProbability(window, func(w market.Series) bool {
			ok, dir := pattern.Engulfing(w)
			return ok && dir == pattern.DirectionBearish
		}, patternHorizon)
		if isEngulfing && engulfDir == pattern.DirectionBearish && uptrend && volumeSpike && downProb > probabilityFloor {
			patternConfidence = engulfingBonus
		}
	}

	volumeConfidence := 0.0
	if volumeSpike {
		volumeConfidence = g.VolumeWeight
	}

	meta := Meta{
		State:             state,
		RSI:               snap.RSI,
		ADX:               snap.ADX,
		HammerDetected:    isHammer,
		DojiDetected:      isDoji,
		EngulfingDetected: isEngulfing,
		EngulfingType:     engulfDir,
		VolumeSpike:       volumeSpike,
	}

	total := patternConfidence + volumeConfidence
	pred, err := g.predictor.Predict(window)
	switch {
	case err == nil:
		meta.PredictorUsed = true
		meta.PredictorUp = pred.Up
		meta.PredictorConfidence = pred.Confidence
		// 方向一致才叠加预测置信度
		if (pred.Up && advice.Action == strategy.ActionBuy) ||
			(!pred.Up && advice.Action == strategy.ActionSell) {
			total += pred.Confidence
		}
	case errors.Is(err, predictor.ErrNotTrained):
		// 模型未就绪时仅靠形态与成交量
	default:
		logger.Warnf("predictor unavailable on this bar: %v", err)
	}

	if total < g.MinConfidence {
		return nil, nil
	}

	return &Signal{
		Symbol:     g.Symbol,
		Time:       window[len(window)-1].OpenTime,
		Action:     advice.Action,
		Confidence: round2(total),
		Strategy:   strat.Name(),
		Meta:       meta,
	}, nil
}
