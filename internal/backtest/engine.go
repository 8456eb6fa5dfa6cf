package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/captainpan007/smartbtc-v1/internal/analysis/indicator"
	"github.com/captainpan007/smartbtc-v1/internal/config"
	"github.com/captainpan007/smartbtc-v1/internal/exec"
	"github.com/captainpan007/smartbtc-v1/internal/logger"
	"github.com/captainpan007/smartbtc-v1/internal/market"
	"github.com/captainpan007/smartbtc-v1/internal/predictor"
	"github.com/captainpan007/smartbtc-v1/internal/regime"
	"github.com/captainpan007/smartbtc-v1/internal/risk"
	"github.com/captainpan007/smartbtc-v1/internal/signal"
	"github.com/captainpan007/smartbtc-v1/internal/strategy"
)

// Notifier 运行完成后推送摘要(Telegram 等)。
type Notifier interface {
	SendText(text string) error
}

// signalSource 按当前窗口产出交易信号。
type signalSource interface {
	Generate(window market.Series) (*signal.Signal, error)
}

// trainer 滚动重训的方向预测器。
type trainer interface {
	Train(window market.Series) error
}

// EngineConfig 引擎依赖。
type EngineConfig struct {
	Config        *config.Config
	CandleStore   *market.Store
	ResultStore   *ResultStore
	Notifier      Notifier
	MaxConcurrent int
}

// Engine 把历史 K 线与信号管线推演为资金曲线。
type Engine struct {
	cfg     *config.Config
	candles *market.Store
	results *ResultStore
	notifer Notifier

	sem     chan struct{}
	baseCtx context.Context
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.ResultStore == nil {
		return nil, fmt.Errorf("result store cannot be nil")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Engine{
		cfg:     cfg.Config,
		candles: cfg.CandleStore,
		results: cfg.ResultStore,
		notifer: cfg.Notifier,
		sem:     make(chan struct{}, maxConcurrent),
		baseCtx: context.Background(),
	}, nil
}

func (e *Engine) SetContext(ctx context.Context) {
	if ctx != nil {
		e.baseCtx = ctx
	}
}

func (e *Engine) ctx() context.Context {
	if e.baseCtx != nil {
		return e.baseCtx
	}
	return context.Background()
}

// StartRun 创建回测任务并立即返回,模拟过程在后台进行。
func (e *Engine) StartRun(req RunRequest) (Run, error) {
	run, candles, err := e.prepare(req)
	if err != nil {
		return Run{}, err
	}
	if err := e.results.InsertRun(e.ctx(), run); err != nil {
		return Run{}, err
	}
	go func() {
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		e.execute(run, candles)
	}()
	return run, nil
}

// RunSync 同步执行一次回测,CLI 使用。
func (e *Engine) RunSync(req RunRequest) (Run, error) {
	run, candles, err := e.prepare(req)
	if err != nil {
		return Run{}, err
	}
	if err := e.results.InsertRun(e.ctx(), run); err != nil {
		return Run{}, err
	}
	e.execute(run, candles)
	return e.results.GetRun(e.ctx(), run.ID)
}

func (e *Engine) prepare(req RunRequest) (Run, market.Series, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		symbol = e.cfg.Trading.Symbol
	}
	timeframe := req.Timeframe
	if timeframe == "" {
		timeframe = e.cfg.Trading.Timeframe
	}
	initialBalance := req.InitialBalance
	if initialBalance <= 0 {
		initialBalance = e.cfg.Risk.InitialBalance
	}

	warmup := e.cfg.WarmupBars()
	var candles market.Series
	var err error
	if req.CSVPath != "" {
		candles, err = market.LoadCSV(req.CSVPath, warmup+1)
	} else {
		if e.candles == nil {
			return Run{}, nil, fmt.Errorf("no candle store configured and no csv path given")
		}
		candles, err = e.candles.Load(e.ctx(), symbol, timeframe, req.StartTS, req.EndTS)
	}
	if err != nil {
		return Run{}, nil, err
	}
	if len(candles) <= warmup {
		return Run{}, nil, fmt.Errorf("insufficient data: have %d bars, warmup needs %d", len(candles), warmup)
	}

	runCfg := RunConfig{
		Symbol:             symbol,
		Timeframe:          timeframe,
		StartTS:            candles[0].OpenTime,
		EndTS:              candles[len(candles)-1].OpenTime,
		InitialBalance:     initialBalance,
		CommissionRate:     e.cfg.Binance.CommissionRate,
		SlippageBaseRate:   e.cfg.Trading.SlippageBaseRate,
		SLATRMultiplier:    e.cfg.Risk.SLATRMultiplier,
		TPATRMultiplier:    e.cfg.Risk.TPATRMultiplier,
		MaxDrawdownPct:     e.cfg.Risk.MaxDrawdownPct,
		MaxPositionRiskPct: e.cfg.Risk.MaxPositionRiskPct,
		WindowSize:         e.cfg.Predictor.WindowSize,
		RetrainInterval:    e.cfg.Predictor.RetrainInterval,
	}
	run := Run{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		Timeframe:      timeframe,
		Status:         RunStatusPending,
		StartTS:        runCfg.StartTS,
		EndTS:          runCfg.EndTS,
		InitialBalance: initialBalance,
		FinalBalance:   initialBalance,
		Config:         runCfg,
		Stats:          RunStats{FinalBalance: initialBalance},
	}
	return run, candles, nil
}

func (e *Engine) execute(run Run, candles market.Series) {
	ctx := e.ctx()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("run %s panic: %v", run.ID, rec)
			debug.PrintStack()
			_ = e.results.UpdateRunStatus(ctx, run.ID, RunStatusFailed, fmt.Sprintf("panic: %v", rec))
		}
	}()
	_ = e.results.UpdateRunStatus(ctx, run.ID, RunStatusRunning, "initializing pipeline")

	r, err := e.newRunner(run.Config)
	if err != nil {
		logger.Errorf("run %s setup failed: %v", run.ID, err)
		_ = e.results.UpdateRunStatus(ctx, run.ID, RunStatusFailed, err.Error())
		return
	}
	stats, err := r.run(ctx, run.ID, candles)
	if err != nil {
		logger.Errorf("run %s failed: %v", run.ID, err)
		_ = e.results.UpdateRunStatus(ctx, run.ID, RunStatusFailed, err.Error())
		return
	}
	if err := e.results.UpdateRunSummary(ctx, run.ID, RunStatusDone, stats, "completed"); err != nil {
		logger.Errorf("run %s summary write failed: %v", run.ID, err)
		return
	}
	e.notify(run, stats)
}

func (e *Engine) notify(run Run, stats RunStats) {
	if e.notifer == nil {
		return
	}
	text := fmt.Sprintf("Backtest %s %s done\nBalance: %.2f → %.2f (%.2f%%)\nTrades: %d, WinRate: %.1f%%, MaxDD: %.1f%%",
		run.Symbol, run.Timeframe, run.InitialBalance, stats.FinalBalance,
		stats.ReturnPct, stats.Trades, stats.WinRate*100, stats.MaxDrawdownPct*100)
	if err := e.notifer.SendText(text); err != nil {
		logger.Warnf("run %s notification failed: %v", run.ID, err)
	}
}

// newRunner 为单次回放装配整条管线。
func (e *Engine) newRunner(cfg RunConfig) (*runner, error) {
	riskCtl, err := risk.NewController(risk.Options{
		InitialBalance:     cfg.InitialBalance,
		SLATRMultiplier:    cfg.SLATRMultiplier,
		TPATRMultiplier:    cfg.TPATRMultiplier,
		MaxDrawdownPct:     cfg.MaxDrawdownPct,
		MaxPositionRiskPct: cfg.MaxPositionRiskPct,
		AuditLogPath:       e.cfg.Risk.PauseLogPath,
	})
	if err != nil {
		return nil, err
	}

	sigCfg := e.cfg.Signal
	params := indicator.Params{
		RSIPeriod: sigCfg.RSIPeriod,
		MAPeriod:  sigCfg.MAPeriod,
		ShortMA:   sigCfg.ShortMA,
		LongMA:    sigCfg.LongMA,
		ADXPeriod: sigCfg.ADXPeriod,
		ATRPeriod: sigCfg.ATRPeriod,
	}
	pred := predictor.New(cfg.WindowSize, e.cfg.Predictor.LearningRate, e.cfg.Predictor.Epochs)
	switcher := regime.NewSwitcher(
		regime.NewDetector(sigCfg.ADXPeriod, sigCfg.ATRPeriod),
		strategy.NewMeanReversion(sigCfg.RSIPeriod, sigCfg.RSILow, sigCfg.RSIHigh, sigCfg.MAPeriod),
		strategy.NewTrendFollowing(sigCfg.ShortMA, sigCfg.LongMA, sigCfg.ADXPeriod),
	)
	gen := signal.NewGenerator(cfg.Symbol, params, sigCfg.MinConfidence, sigCfg.VolumeWeight, switcher, pred)

	return &runner{
		cfg:       cfg,
		results:   e.results,
		riskCtl:   riskCtl,
		sim:       exec.NewSimulator(cfg.CommissionRate, cfg.SlippageBaseRate),
		gen:       gen,
		pred:      pred,
		atrPeriod: sigCfg.ATRPeriod,
		warmup:    cfg.WindowSize + 20,
	}, nil
}

// positionState 当前唯一持仓及其退出价位。
type positionState struct {
	amount     float64
	entryPrice float64
	stopLoss   float64
	takeProfit float64
	entryTime  int64
}

type runner struct {
	cfg       RunConfig
	results   *ResultStore
	riskCtl   *risk.Controller
	sim       *exec.Simulator
	gen       signalSource
	pred      trainer
	atrPeriod int
	warmup    int

	position   *positionState
	stats      RunStats
	peakEquity float64
}

func (r *runner) run(ctx context.Context, runID string, candles market.Series) (RunStats, error) {
	if err := candles.Validate(); err != nil {
		return RunStats{}, fmt.Errorf("candle series invalid: %w", err)
	}
	if len(candles) <= r.warmup {
		return RunStats{}, fmt.Errorf("insufficient data: have %d bars, warmup needs %d", len(candles), r.warmup)
	}

	// 初始训练只用回放起点之前的数据
	if err := r.pred.Train(candles[:r.warmup]); err != nil {
		logger.Warnf("run %s initial model training failed: %v", runID, err)
	}

	r.peakEquity = r.cfg.InitialBalance
	progressStep := len(candles) / 20
	if progressStep < 10 {
		progressStep = 10
	}

	for i := r.warmup; i < len(candles); i++ {
		select {
		case <-ctx.Done():
			return RunStats{}, ctx.Err()
		default:
		}
		r.stats.BarsProcessed++
		r.processBar(ctx, runID, candles, i)

		if (i-r.warmup+1)%progressStep == 0 {
			done := i - r.warmup + 1
			total := len(candles) - r.warmup
			msg := fmt.Sprintf("processing %d/%d (%.1f%%)", done, total, float64(done)/float64(total)*100)
			_ = r.results.UpdateRunStatus(ctx, runID, RunStatusRunning, msg)
		}
	}

	// 数据耗尽时强制平掉残留仓位,避免统计里挂着未实现盈亏
	if r.position != nil {
		last := candles[len(candles)-1]
		r.closePosition(ctx, runID, last.Close, last.OpenTime, ExitEndOfData, nil)
	}

	return r.finalStats(), nil
}

// processBar 处理单根 K 线。组件 panic 只作废当前 K 线,回放继续。
func (r *runner) processBar(ctx context.Context, runID string, candles market.Series, i int) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("run %s bar %d panic: %v", runID, i, rec)
		}
	}()

	window := candles[:i+1]
	bar := candles[i]
	r.sim.UpdateWindow(window)

	exited := r.checkExits(ctx, runID, bar)
	if !exited {
		r.processSignal(ctx, runID, window, bar)
	}

	// 滚动重训:按固定间隔,失败不致命
	if i > r.warmup && i%r.cfg.RetrainInterval == 0 {
		if err := r.pred.Train(window); err != nil {
			logger.Warnf("run %s model retrain at bar %d failed: %v", runID, i, err)
		}
	}

	r.recordEquity(ctx, runID, bar)
}

// checkExits 先查止损再查止盈,触发价成交;退出的 K 线不再生成信号。
func (r *runner) checkExits(ctx context.Context, runID string, bar market.Candle) bool {
	pos := r.position
	if pos == nil {
		return false
	}
	switch {
	case bar.Low <= pos.stopLoss:
		logger.Infof("run %s stop loss triggered at %.2f", runID, pos.stopLoss)
		r.closePosition(ctx, runID, pos.stopLoss, bar.OpenTime, ExitStopLoss, nil)
		return true
	case bar.High >= pos.takeProfit:
		logger.Infof("run %s take profit triggered at %.2f", runID, pos.takeProfit)
		r.closePosition(ctx, runID, pos.takeProfit, bar.OpenTime, ExitTakeProfit, nil)
		return true
	}
	return false
}

func (r *runner) processSignal(ctx context.Context, runID string, window market.Series, bar market.Candle) {
	// 闸断且无持仓时不再生成信号;有持仓时继续,给平仓信号留路
	if r.riskCtl.Paused() && r.position == nil {
		return
	}

	sig, err := r.gen.Generate(window)
	if err != nil {
		logger.Warnf("run %s signal generation failed at %d: %v", runID, bar.OpenTime, err)
		return
	}
	if sig == nil {
		return
	}

	switch sig.Action {
	case strategy.ActionBuy:
		if r.position != nil {
			return
		}
		if r.riskCtl.Paused() {
			logger.Infof("run %s trading paused, skipping buy signal", runID)
			return
		}
		r.openPosition(ctx, runID, window, bar, sig)
	case strategy.ActionSell:
		if r.position == nil {
			return
		}
		r.closePosition(ctx, runID, bar.Close, bar.OpenTime, ExitSignal, sig)
	}
}

// openPosition 买入准入链:ATR → 止损止盈 → 仓位 → 风控验证,
// 任一环失败记录原因后放弃本次入场。
func (r *runner) openPosition(ctx context.Context, runID string, window market.Series, bar market.Candle, sig *signal.Signal) {
	atr, err := indicator.ATRValue(window, r.atrPeriod)
	if err != nil {
		logger.Warnf("run %s buy skipped, atr unavailable: %v", runID, err)
		return
	}
	stopLoss, takeProfit, err := r.riskCtl.StopLevels(bar.Close, atr, strategy.ActionBuy)
	if err != nil || stopLoss <= 0 || takeProfit <= stopLoss {
		logger.Warnf("run %s buy skipped, invalid stop levels (sl=%.2f tp=%.2f)", runID, stopLoss, takeProfit)
		return
	}
	size := r.riskCtl.PositionSize(bar.Close, stopLoss)
	if size <= 0 {
		logger.Warnf("run %s buy skipped, position size is zero", runID)
		return
	}
	if err := r.riskCtl.ValidateTrade(size, bar.Close); err != nil {
		logger.Warnf("run %s buy skipped: %v", runID, err)
		return
	}

	fill, err := r.sim.Execute(exec.Order{
		Symbol: r.cfg.Symbol,
		Action: strategy.ActionBuy,
		Price:  bar.Close,
		Amount: size,
		Time:   bar.OpenTime,
	})
	if err != nil || fill == nil || fill.Amount <= 0 {
		logger.Warnf("run %s buy execution failed: %v", runID, err)
		return
	}

	r.position = &positionState{
		amount:     fill.Amount,
		entryPrice: fill.Price,
		stopLoss:   stopLoss,
		takeProfit: takeProfit,
		entryTime:  bar.OpenTime,
	}
	r.recordTrade(ctx, runID, fill, "", sig)
}

func (r *runner) closePosition(ctx context.Context, runID string, price float64, ts int64, reason string, sig *signal.Signal) {
	pos := r.position
	if pos == nil {
		return
	}
	fill, err := r.sim.Execute(exec.Order{
		Symbol: r.cfg.Symbol,
		Action: strategy.ActionSell,
		Price:  price,
		Amount: pos.amount,
		Time:   ts,
	})
	// 无论成交与否都认为已尝试退出,避免死循环挂单
	r.position = nil
	if err != nil || fill == nil {
		logger.Errorf("run %s exit (%s) execution failed: %v", runID, reason, err)
		return
	}

	r.riskCtl.UpdateBalance(fill.PnL)
	r.stats.Trades++
	if fill.PnL > 0 {
		r.stats.Wins++
	} else {
		r.stats.Losses++
	}
	switch reason {
	case ExitStopLoss:
		r.stats.StopLossExits++
	case ExitTakeProfit:
		r.stats.TakeProfitExits++
	case ExitSignal:
		r.stats.SignalExits++
	}
	r.recordTrade(ctx, runID, fill, reason, sig)
}

func (r *runner) recordTrade(ctx context.Context, runID string, fill *exec.Fill, reason string, sig *signal.Signal) {
	r.stats.TotalCommission += fill.Commission
	r.stats.TotalSlippage += fill.Slippage * fill.Amount

	var sigRaw json.RawMessage
	if sig != nil {
		if raw, err := json.Marshal(sig); err == nil {
			sigRaw = raw
		}
	}
	trade := Trade{
		RunID:        runID,
		Action:       string(fill.Action),
		Reason:       reason,
		Price:        fill.Price,
		Amount:       fill.Amount,
		Commission:   fill.Commission,
		Slippage:     fill.Slippage,
		PnL:          fill.PnL,
		BalanceAfter: r.riskCtl.Balance(),
		Time:         fill.Time,
		Signal:       sigRaw,
	}
	if _, err := r.results.InsertTrade(ctx, &trade); err != nil {
		logger.Warnf("run %s trade insert failed: %v", runID, err)
	}
}

func (r *runner) recordEquity(ctx context.Context, runID string, bar market.Candle) {
	equity := r.riskCtl.Balance() + r.sim.Holdings()*bar.Close
	if equity > r.peakEquity {
		r.peakEquity = equity
	}
	drawdown := 0.0
	if r.peakEquity > 0 {
		drawdown = 1 - equity/r.peakEquity
	}
	if drawdown > r.stats.MaxDrawdownPct {
		r.stats.MaxDrawdownPct = drawdown
	}
	point := EquityPoint{
		RunID:    runID,
		TS:       bar.OpenTime,
		Equity:   equity,
		Balance:  r.riskCtl.Balance(),
		Drawdown: drawdown,
		Position: r.sim.Holdings(),
	}
	if err := r.results.InsertEquityPoint(ctx, &point); err != nil {
		logger.Warnf("run %s equity insert failed: %v", runID, err)
	}
}

func (r *runner) finalStats() RunStats {
	stats := r.stats
	stats.FinalBalance = r.riskCtl.Balance()
	stats.Profit = stats.FinalBalance - r.cfg.InitialBalance
	if r.cfg.InitialBalance > 0 {
		stats.ReturnPct = stats.Profit / r.cfg.InitialBalance * 100
	}
	if stats.Trades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.Trades)
	}
	stats.TradingPaused = r.riskCtl.Paused()
	stats.EquityPeak = r.peakEquity
	stats.FinishedAt = time.Now().UTC()
	return stats
}
