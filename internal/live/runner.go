// Package live 驱动实盘循环:按周期拉取行情、生成信号、经风控后下单,
// 持仓与操作审计写入本地库。
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/captainpan007/smartbtc-v1/internal/analysis/indicator"
	"github.com/captainpan007/smartbtc-v1/internal/gateway/binance"
	"github.com/captainpan007/smartbtc-v1/internal/logger"
	"github.com/captainpan007/smartbtc-v1/internal/market"
	"github.com/captainpan007/smartbtc-v1/internal/risk"
	"github.com/captainpan007/smartbtc-v1/internal/signal"
	"github.com/captainpan007/smartbtc-v1/internal/store/model"
	"github.com/captainpan007/smartbtc-v1/internal/strategy"
)

const (
	fetchLimit  = 200
	minBars     = 100
	minWaitSecs = 10
)

type marketSource interface {
	FetchLatest(ctx context.Context, symbol, interval string, limit int) (market.Series, error)
}

type orderBroker interface {
	MarketOrder(ctx context.Context, symbol string, action strategy.Action, quantity float64) (*binance.OrderResult, error)
	FreeBalance(ctx context.Context, asset string) (float64, error)
}

type signalSource interface {
	Generate(window market.Series) (*signal.Signal, error)
}

type tradeStore interface {
	OpenTrade(ctx context.Context, trade *model.LiveTradeModel) error
	ConfirmTradeFill(ctx context.Context, id int64, fillPrice, amount float64, orderID int64) error
	CloseTrade(ctx context.Context, id int64, exitPrice float64, reason string, pnl float64) error
	MarkTradeFailed(ctx context.Context, id int64, reason string) error
	ActiveTrade(ctx context.Context, symbol string) (*model.LiveTradeModel, error)
	LogOperation(ctx context.Context, kind, symbol, detail string, payload []byte) error
}

type trainer interface {
	Train(window market.Series) error
}

type textNotifier interface {
	SendText(text string) error
}

// Config 实盘循环的依赖与参数。
type Config struct {
	Symbol    string
	Timeframe string
	ATRPeriod int

	// RetrainEvery 为 0 或 Trainer 为空时不做在线重训。
	RetrainEvery int

	Source   marketSource
	Broker   orderBroker
	Signals  signalSource
	Trainer  trainer
	Risk     *risk.Controller
	Store    tradeStore
	Notifier textNotifier
}

type Runner struct {
	cfg      Config
	interval time.Duration

	cycles     int
	pausedSeen bool
	pausedLast bool
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Source == nil || cfg.Broker == nil || cfg.Signals == nil {
		return nil, fmt.Errorf("source, broker and signals are required")
	}
	if cfg.Risk == nil || cfg.Store == nil {
		return nil, fmt.Errorf("risk controller and trade store are required")
	}
	cfg.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval, ok := binance.IntervalDuration(cfg.Timeframe)
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %q", cfg.Timeframe)
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 14
	}
	return &Runner{cfg: cfg, interval: interval}, nil
}

// Run 启动主循环,直到 ctx 取消。
func (r *Runner) Run(ctx context.Context) error {
	r.syncBalance(ctx)
	logger.Infof("live loop started: %s %s, cycle %s", r.cfg.Symbol, r.cfg.Timeframe, r.interval)

	for {
		start := time.Now()
		if err := r.step(ctx); err != nil {
			logger.Errorf("live cycle failed: %v", err)
			r.notify(fmt.Sprintf("❌ live cycle failed: %v", err))
		} else {
			r.logOperation(ctx, model.OperationHeartbeat, "cycle completed", nil)
		}
		wait := r.interval - time.Since(start)
		if wait < minWaitSecs*time.Second {
			wait = minWaitSecs * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// syncBalance 用交易所余额初始化风控基准,失败时沿用配置里的初始资金。
func (r *Runner) syncBalance(ctx context.Context) {
	quote := quoteAsset(r.cfg.Symbol)
	balance, err := r.cfg.Broker.FreeBalance(ctx, quote)
	if err != nil || balance <= 0 {
		logger.Warnf("could not fetch %s balance (%v), keeping configured default", quote, err)
		r.notify(fmt.Sprintf("⚠️ could not fetch %s balance, using configured default", quote))
		return
	}
	r.cfg.Risk.SetBalance(balance)
	logger.Infof("initial balance from exchange: %.2f %s", balance, quote)
}

// step 执行一个交易周期。
func (r *Runner) step(ctx context.Context) error {
	r.cycles++
	r.auditPauseTransition(ctx)

	active, err := r.cfg.Store.ActiveTrade(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("load active trade: %w", err)
	}

	// 熔断且无持仓,本周期什么都不做
	if r.cfg.Risk.Paused() && active == nil {
		logger.Infof("trading paused by drawdown guard, idle cycle")
		return nil
	}

	window, err := r.cfg.Source.FetchLatest(ctx, r.cfg.Symbol, r.cfg.Timeframe, fetchLimit)
	if err != nil {
		return fmt.Errorf("fetch candles: %w", err)
	}
	if len(window) < minBars {
		logger.Warnf("data insufficient (need %d, got %d), skipping cycle", minBars, len(window))
		return nil
	}
	last := window[len(window)-1]

	// 在线重训:按周期间隔,失败不致命
	if r.cfg.Trainer != nil && r.cfg.RetrainEvery > 0 && r.cycles%r.cfg.RetrainEvery == 0 {
		if err := r.cfg.Trainer.Train(window); err != nil {
			logger.Warnf("model retrain failed: %v", err)
		} else {
			r.logOperation(ctx, model.OperationRetrain, fmt.Sprintf("retrained on %d bars", len(window)), nil)
		}
	}

	// 先处理持仓的止损止盈,触发后本周期不再生成信号
	if active != nil {
		if exited, err := r.checkProtectiveExit(ctx, active, last); err != nil {
			return err
		} else if exited {
			return nil
		}
	}

	sig, err := r.cfg.Signals.Generate(window)
	if err != nil {
		return fmt.Errorf("generate signal: %w", err)
	}
	if sig == nil {
		logger.Debugf("no signal this cycle")
		return nil
	}
	r.logSignal(ctx, sig)

	switch sig.Action {
	case strategy.ActionBuy:
		if active != nil {
			logger.Infof("buy signal ignored, position already open")
			return nil
		}
		if r.cfg.Risk.Paused() {
			logger.Infof("buy signal ignored, trading paused")
			return nil
		}
		return r.enter(ctx, window, last, sig)
	case strategy.ActionSell:
		if active == nil {
			logger.Infof("sell signal ignored, no open position")
			return nil
		}
		return r.exit(ctx, active, last.Close, "signal")
	}
	return nil
}

// checkProtectiveExit 用最新收盘价核对止损止盈。
func (r *Runner) checkProtectiveExit(ctx context.Context, active *model.LiveTradeModel, last market.Candle) (bool, error) {
	switch {
	case active.StopLoss > 0 && last.Close <= active.StopLoss:
		logger.Infof("stop loss hit at %.2f (level %.2f)", last.Close, active.StopLoss)
		return true, r.exit(ctx, active, last.Close, "stop_loss")
	case active.TakeProfit > 0 && last.Close >= active.TakeProfit:
		logger.Infof("take profit hit at %.2f (level %.2f)", last.Close, active.TakeProfit)
		return true, r.exit(ctx, active, last.Close, "take_profit")
	}
	return false, nil
}

func (r *Runner) enter(ctx context.Context, window market.Series, last market.Candle, sig *signal.Signal) error {
	atr, err := indicator.ATRValue(window, r.cfg.ATRPeriod)
	if err != nil {
		return fmt.Errorf("atr unavailable: %w", err)
	}
	stopLoss, takeProfit, err := r.cfg.Risk.StopLevels(last.Close, atr, strategy.ActionBuy)
	if err != nil {
		return fmt.Errorf("stop levels: %w", err)
	}
	size := r.cfg.Risk.PositionSize(last.Close, stopLoss)
	if size <= 0 {
		logger.Infof("calculated order size is zero, skipping entry")
		return nil
	}
	if err := r.cfg.Risk.ValidateTrade(size, last.Close); err != nil {
		logger.Warnf("trade validation failed: %v", err)
		return nil
	}

	// 先落库再下单,下单被拒时把记录标记为 failed 而不是悬空
	trade := &model.LiveTradeModel{
		Symbol:     r.cfg.Symbol,
		Side:       string(strategy.ActionBuy),
		Amount:     size,
		EntryPrice: last.Close,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	}
	if raw, err := json.Marshal(sig); err == nil {
		trade.SignalJSON = raw
	}
	if err := r.cfg.Store.OpenTrade(ctx, trade); err != nil {
		return fmt.Errorf("persist open trade: %w", err)
	}

	res, err := r.cfg.Broker.MarketOrder(ctx, r.cfg.Symbol, strategy.ActionBuy, size)
	if err != nil {
		if markErr := r.cfg.Store.MarkTradeFailed(ctx, trade.ID, fmt.Sprintf("order rejected: %v", err)); markErr != nil {
			logger.Errorf("mark trade %d failed: %v", trade.ID, markErr)
		}
		r.notify(fmt.Sprintf("⚠️ live BUY failed: %v", err))
		return fmt.Errorf("market buy: %w", err)
	}
	if err := r.cfg.Store.ConfirmTradeFill(ctx, trade.ID, res.AvgPrice, res.Amount, res.OrderID); err != nil {
		logger.Errorf("confirm fill for trade %d failed: %v", trade.ID, err)
	}
	r.logOperation(ctx, model.OperationOrder,
		fmt.Sprintf("BUY %.6f @ %.2f (sl %.2f, tp %.2f)", res.Amount, res.AvgPrice, stopLoss, takeProfit), nil)
	r.notify(fmt.Sprintf("✅ Live BUY %s: %.6f @ %.2f (SL %.2f / TP %.2f)",
		r.cfg.Symbol, res.Amount, res.AvgPrice, stopLoss, takeProfit))
	return nil
}

func (r *Runner) exit(ctx context.Context, active *model.LiveTradeModel, price float64, reason string) error {
	res, err := r.cfg.Broker.MarketOrder(ctx, r.cfg.Symbol, strategy.ActionSell, active.Amount)
	if err != nil {
		r.notify(fmt.Sprintf("⚠️ live SELL failed: %v", err))
		return fmt.Errorf("market sell: %w", err)
	}
	fillPrice := res.AvgPrice
	if fillPrice <= 0 {
		fillPrice = price
	}
	pnl := (fillPrice - active.EntryPrice) * res.Amount
	if err := r.cfg.Store.CloseTrade(ctx, active.ID, fillPrice, reason, pnl); err != nil {
		return fmt.Errorf("persist close trade: %w", err)
	}
	r.cfg.Risk.UpdateBalance(pnl)
	r.logOperation(ctx, model.OperationExit,
		fmt.Sprintf("SELL %.6f @ %.2f (%s, pnl %.2f)", res.Amount, fillPrice, reason, pnl), nil)
	r.notify(fmt.Sprintf("✅ Live SELL %s: %.6f @ %.2f (%s, PnL %.2f)",
		r.cfg.Symbol, res.Amount, fillPrice, reason, pnl))
	return nil
}

// auditPauseTransition 把熔断状态变化写入审计并推送,只在翻转时记录。
func (r *Runner) auditPauseTransition(ctx context.Context) {
	paused := r.cfg.Risk.Paused()
	if r.pausedSeen && paused == r.pausedLast {
		return
	}
	if r.pausedSeen {
		if paused {
			r.logOperation(ctx, model.OperationPause, "drawdown guard tripped, entries suspended", nil)
			r.notify(fmt.Sprintf("⛔ %s trading paused by drawdown guard", r.cfg.Symbol))
		} else {
			r.logOperation(ctx, model.OperationResume, "trading resumed", nil)
			r.notify(fmt.Sprintf("▶️ %s trading resumed", r.cfg.Symbol))
		}
	}
	r.pausedSeen = true
	r.pausedLast = paused
}

func (r *Runner) logSignal(ctx context.Context, sig *signal.Signal) {
	raw, err := json.Marshal(sig)
	if err != nil {
		raw = nil
	}
	detail := fmt.Sprintf("%s confidence=%.2f strategy=%s", sig.Action, sig.Confidence, sig.Strategy)
	r.logOperation(ctx, model.OperationSignal, detail, raw)
}

func (r *Runner) logOperation(ctx context.Context, kind, detail string, payload []byte) {
	if err := r.cfg.Store.LogOperation(ctx, kind, r.cfg.Symbol, detail, payload); err != nil {
		logger.Warnf("operation log failed: %v", err)
	}
}

func (r *Runner) notify(text string) {
	if r.cfg.Notifier == nil {
		return
	}
	if err := r.cfg.Notifier.SendText(text); err != nil {
		logger.Warnf("notification failed: %v", err)
	}
}

// quoteAsset 从交易对推断计价币。
func quoteAsset(symbol string) string {
	for _, quote := range []string{"USDT", "FDUSD", "USDC", "BUSD", "BTC", "ETH", "BNB"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return quote
		}
	}
	return "USDT"
}
