package regime

import (
	"github.com/captainpan007/smartbtc-v1/internal/logger"
	"github.com/captainpan007/smartbtc-v1/internal/market"
	"github.com/captainpan007/smartbtc-v1/internal/strategy"
)

// Switcher 根据市场状态切换策略。neutral 视为过渡态,沿用上一个
// 明确状态对应的策略,避免来回抖动。
type Switcher struct {
	detector       *Detector
	meanReversion  strategy.Strategy
	trendFollowing strategy.Strategy
	previous       State
}

func NewSwitcher(detector *Detector, meanReversion, trendFollowing strategy.Strategy) *Switcher {
	return &Switcher{
		detector:       detector,
		meanReversion:  meanReversion,
		trendFollowing: trendFollowing,
		previous:       StateNeutral,
	}
}

// Select 返回当前窗口应使用的策略与识别到的状态。
// 状态为 unknown 或无可沿用策略时返回 nil。
func (s *Switcher) Select(window market.Series) (strategy.Strategy, State) {
	state := s.detector.Detect(window)

	if state == StateNeutral {
		switch s.previous {
		case StateRanging:
			return s.meanReversion, state
		case StateTrending:
			return s.trendFollowing, state
		default:
			return nil, state
		}
	}

	s.previous = state
	switch state {
	case StateRanging:
		return s.meanReversion, state
	case StateTrending:
		return s.trendFollowing, state
	default:
		logger.Debugf("market state %s, no strategy selected", state)
		return nil, state
	}
}

// Previous 返回最近一次明确的市场状态。
func (s *Switcher) Previous() State { return s.previous }
