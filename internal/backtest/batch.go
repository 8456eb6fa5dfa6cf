package backtest

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/captainpan007/smartbtc-v1/internal/logger"
	"github.com/captainpan007/smartbtc-v1/internal/market"
)

// RunPartitioned 把同一段历史切成若干连续分段并行回放,
// 用于观察策略在不同市况片段上的表现分布。每个分段自带
// 预热前缀,分段之间的回放状态互不影响。
func (e *Engine) RunPartitioned(req RunRequest, partitions int) ([]Run, error) {
	if partitions < 1 {
		return nil, fmt.Errorf("partitions must be >= 1, got %d", partitions)
	}
	base, candles, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	warmup := base.Config.WindowSize + 20
	segments := partitionSeries(candles, warmup, partitions)
	if len(segments) == 0 {
		return nil, fmt.Errorf("not enough data for %d partitions (have %d bars, warmup %d)", partitions, len(candles), warmup)
	}
	if len(segments) < partitions {
		logger.Warnf("only %d of %d requested partitions have enough bars", len(segments), partitions)
	}

	runs := make([]Run, len(segments))
	g, ctx := errgroup.WithContext(e.ctx())
	g.SetLimit(cap(e.sem))
	var mu sync.Mutex
	for idx, seg := range segments {
		run := base
		run.ID = uuid.NewString()
		run.StartTS = seg[0].OpenTime
		run.EndTS = seg[len(seg)-1].OpenTime
		run.Config.StartTS = run.StartTS
		run.Config.EndTS = run.EndTS
		run.Config.Notes = fmt.Sprintf("partition %d/%d", idx+1, len(segments))
		if err := e.results.InsertRun(ctx, run); err != nil {
			return nil, err
		}
		runs[idx] = run

		idx, seg, run := idx, seg, run
		g.Go(func() error {
			e.execute(run, seg)
			final, err := e.results.GetRun(ctx, run.ID)
			if err != nil {
				return err
			}
			mu.Lock()
			runs[idx] = final
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return runs, nil
}

// partitionSeries 按分段数切分回放区间,每段前面补上预热 K 线。
// 可回放的 K 线(预热之后)均分到各段;尾段吃掉余数。
func partitionSeries(candles market.Series, warmup, partitions int) []market.Series {
	playable := len(candles) - warmup
	if playable <= 0 {
		return nil
	}
	per := playable / partitions
	if per < 1 {
		partitions = playable
		per = 1
	}
	segments := make([]market.Series, 0, partitions)
	for p := 0; p < partitions; p++ {
		lo := warmup + p*per
		hi := lo + per
		if p == partitions-1 {
			hi = len(candles)
		}
		segments = append(segments, candles[lo-warmup:hi])
	}
	return segments
}
