package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/captainpan007/smartbtc-v1/internal/analysis/indicator"
	"github.com/captainpan007/smartbtc-v1/internal/backtest"
	"github.com/captainpan007/smartbtc-v1/internal/config"
	"github.com/captainpan007/smartbtc-v1/internal/gateway/binance"
	"github.com/captainpan007/smartbtc-v1/internal/gateway/notifier"
	"github.com/captainpan007/smartbtc-v1/internal/live"
	"github.com/captainpan007/smartbtc-v1/internal/logger"
	"github.com/captainpan007/smartbtc-v1/internal/market"
	"github.com/captainpan007/smartbtc-v1/internal/predictor"
	"github.com/captainpan007/smartbtc-v1/internal/regime"
	"github.com/captainpan007/smartbtc-v1/internal/report"
	"github.com/captainpan007/smartbtc-v1/internal/risk"
	"github.com/captainpan007/smartbtc-v1/internal/signal"
	storesqlite "github.com/captainpan007/smartbtc-v1/internal/store/sqlite"
	"github.com/captainpan007/smartbtc-v1/internal/strategy"
	backtesthttp "github.com/captainpan007/smartbtc-v1/internal/transport/http/backtest"
)

const usage = `smartbtc <command> [flags]

Commands:
  backtest     回放历史行情并输出绩效
  live         实盘循环
  fetch        从交易所拉取历史 K 线
  report       为已完成的回测生成报表
  serve        启动回测 HTTP API
  init-config  生成默认配置文件
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "backtest":
		err = runBacktest(args)
	case "live":
		err = runLive(args)
	case "fetch":
		err = runFetch(args)
	case "report":
		err = runReport(args)
	case "serve":
		err = runServe(args)
	case "init-config":
		err = runInitConfig(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s 失败: %v", cmd, err)
	}
}

func loadConfig(path string) (*config.Config, func(), error) {
	if path == "" {
		path = os.Getenv("SMARTBTC_CONFIG")
	}
	if path == "" {
		path = "configs/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("读取配置失败: %w", err)
	}
	cleanup, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志文件失败: %w", err)
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功 (%s %s)", cfg.Trading.Symbol, cfg.Trading.Timeframe)
	return cfg, cleanup, nil
}

func setupLogOutput(path string) (func(), error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return func() {}, nil
	}
	if dir := filepath.Dir(trimmed); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return func() { file.Close() }, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func buildNotifier(cfg *config.Config) notifier.TextNotifier {
	if cfg.Telegram.Enabled {
		return notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	}
	return notifier.Nop{}
}

func runBacktest(args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	cfgPath := fs.String("config", "", "配置文件路径")
	csvPath := fs.String("csv", "", "历史数据 CSV,留空则读行情库")
	startTS := fs.Int64("start", 0, "起始毫秒时间戳")
	endTS := fs.Int64("end", 0, "结束毫秒时间戳")
	partitions := fs.Int("partitions", 1, "分段并行数")
	tradeLog := fs.String("trade-log", "", "成交记录 CSV 输出路径")
	fs.Parse(args)

	cfg, cleanup, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	defer cleanup()

	results, err := backtest.NewResultStore(cfg.App.ResultDB)
	if err != nil {
		return err
	}
	defer results.Close()

	var candleStore *market.Store
	if *csvPath == "" {
		if candleStore, err = market.NewStore(cfg.App.DataDir); err != nil {
			return err
		}
		defer candleStore.Close()
	}

	engine, err := backtest.NewEngine(backtest.EngineConfig{
		Config:        cfg,
		CandleStore:   candleStore,
		ResultStore:   results,
		Notifier:      buildNotifier(cfg),
		MaxConcurrent: *partitions,
	})
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	engine.SetContext(ctx)

	req := backtest.RunRequest{
		Symbol:    cfg.Trading.Symbol,
		Timeframe: cfg.Trading.Timeframe,
		StartTS:   *startTS,
		EndTS:     *endTS,
		CSVPath:   *csvPath,
	}

	if *partitions > 1 {
		runs, err := engine.RunPartitioned(req, *partitions)
		if err != nil {
			return err
		}
		for _, run := range runs {
			printRunSummary(run)
		}
		return nil
	}

	run, err := engine.RunSync(req)
	if err != nil {
		return err
	}
	printRunSummary(run)

	if *tradeLog != "" {
		trades, err := results.ListTrades(ctx, run.ID)
		if err != nil {
			return err
		}
		if err := backtest.ExportTradeLog(*tradeLog, trades); err != nil {
			return err
		}
		logger.Infof("trade log written to %s", *tradeLog)
	}
	return nil
}

func printRunSummary(run backtest.Run) {
	fmt.Printf("run %s [%s]: balance %.2f -> %.2f (%.2f%%), trades %d, win %.1f%%, maxDD %.1f%%\n",
		run.ID, run.Status, run.InitialBalance, run.FinalBalance, run.ReturnPct,
		run.Stats.Trades, run.WinRate*100, run.MaxDrawdownPct*100)
}

func runLive(args []string) error {
	fs := flag.NewFlagSet("live", flag.ExitOnError)
	cfgPath := fs.String("config", "", "配置文件路径")
	fs.Parse(args)

	cfg, cleanup, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	defer cleanup()

	tradeStore, err := storesqlite.NewSqliteStore(cfg.App.LiveDB)
	if err != nil {
		return err
	}
	defer tradeStore.Close()

	riskCtl, err := risk.NewController(risk.Options{
		InitialBalance:     cfg.Risk.InitialBalance,
		SLATRMultiplier:    cfg.Risk.SLATRMultiplier,
		TPATRMultiplier:    cfg.Risk.TPATRMultiplier,
		MaxDrawdownPct:     cfg.Risk.MaxDrawdownPct,
		MaxPositionRiskPct: cfg.Risk.MaxPositionRiskPct,
		AuditLogPath:       cfg.Risk.PauseLogPath,
	})
	if err != nil {
		return err
	}

	gen, pred := buildGenerator(cfg)
	runner, err := live.NewRunner(live.Config{
		Symbol:       cfg.Trading.Symbol,
		Timeframe:    cfg.Trading.Timeframe,
		ATRPeriod:    cfg.Signal.ATRPeriod,
		RetrainEvery: cfg.Predictor.RetrainInterval,
		Source:       binance.NewSource(cfg.Binance.RESTBase),
		Broker:       binance.NewBroker(cfg.Binance.APIKey, cfg.Binance.APISecret, cfg.Binance.RESTBase),
		Signals:      gen,
		Trainer:      pred,
		Risk:         riskCtl,
		Store:        tradeStore,
		Notifier:     buildNotifier(cfg),
	})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func buildGenerator(cfg *config.Config) (*signal.Generator, *predictor.Predictor) {
	sigCfg := cfg.Signal
	params := indicator.Params{
		RSIPeriod: sigCfg.RSIPeriod,
		MAPeriod:  sigCfg.MAPeriod,
		ShortMA:   sigCfg.ShortMA,
		LongMA:    sigCfg.LongMA,
		ADXPeriod: sigCfg.ADXPeriod,
		ATRPeriod: sigCfg.ATRPeriod,
	}
	switcher := regime.NewSwitcher(
		regime.NewDetector(sigCfg.ADXPeriod, sigCfg.ATRPeriod),
		strategy.NewMeanReversion(sigCfg.RSIPeriod, sigCfg.RSILow, sigCfg.RSIHigh, sigCfg.MAPeriod),
		strategy.NewTrendFollowing(sigCfg.ShortMA, sigCfg.LongMA, sigCfg.ADXPeriod),
	)
	pred := predictor.New(cfg.Predictor.WindowSize, cfg.Predictor.LearningRate, cfg.Predictor.Epochs)
	return signal.NewGenerator(cfg.Trading.Symbol, params, sigCfg.MinConfidence, sigCfg.VolumeWeight, switcher, pred), pred
}

func runFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	cfgPath := fs.String("config", "", "配置文件路径")
	days := fs.Int("days", 365, "拉取最近多少天")
	startTS := fs.Int64("start", 0, "起始毫秒时间戳,覆盖 -days")
	endTS := fs.Int64("end", 0, "结束毫秒时间戳")
	csvOut := fs.String("csv", "", "同时导出 CSV 的路径")
	splitN := fs.Int("split", 0, "把 CSV 切成 N 份分段导出")
	fs.Parse(args)

	cfg, cleanup, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	start := *startTS
	if start == 0 {
		start = time.Now().AddDate(0, 0, -*days).UnixMilli()
	}
	source := binance.NewSource(cfg.Binance.RESTBase)
	candles, err := source.FetchRange(ctx, cfg.Trading.Symbol, cfg.Trading.Timeframe, start, *endTS)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		return fmt.Errorf("no candles fetched")
	}

	candleStore, err := market.NewStore(cfg.App.DataDir)
	if err != nil {
		return err
	}
	defer candleStore.Close()
	saved, err := candleStore.Save(ctx, cfg.Trading.Symbol, cfg.Trading.Timeframe, candles)
	if err != nil {
		return err
	}
	logger.Infof("saved %d candles to %s", saved, cfg.App.DataDir)

	if *csvOut != "" {
		if err := market.WriteCSV(*csvOut, candles); err != nil {
			return err
		}
		logger.Infof("csv written to %s", *csvOut)
		if *splitN > 1 {
			ext := filepath.Ext(*csvOut)
			base := strings.TrimSuffix(*csvOut, ext)
			for i, part := range candles.SplitN(*splitN) {
				partPath := fmt.Sprintf("%s_part%d%s", base, i+1, ext)
				if err := market.WriteCSV(partPath, part); err != nil {
					return err
				}
				logger.Infof("csv part written to %s (%d bars)", partPath, len(part))
			}
		}
	}
	return nil
}

func runReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	cfgPath := fs.String("config", "", "配置文件路径")
	runID := fs.String("run", "", "回测 run ID")
	fs.Parse(args)
	if *runID == "" {
		return fmt.Errorf("-run 必填")
	}

	cfg, cleanup, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	defer cleanup()

	results, err := backtest.NewResultStore(cfg.App.ResultDB)
	if err != nil {
		return err
	}
	defer results.Close()

	ctx, cancel := signalContext()
	defer cancel()

	run, err := results.GetRun(ctx, *runID)
	if err != nil {
		return err
	}
	trades, err := results.ListTrades(ctx, run.ID)
	if err != nil {
		return err
	}
	equity, err := results.ListEquity(ctx, run.ID)
	if err != nil {
		return err
	}
	res, err := report.Generate(ctx, cfg.App.ReportDir, run, trades, equity)
	if err != nil {
		return err
	}
	raw, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(raw))
	return nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "", "配置文件路径")
	addr := fs.String("addr", "", "监听地址,默认取配置")
	fs.Parse(args)

	cfg, cleanup, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	defer cleanup()

	results, err := backtest.NewResultStore(cfg.App.ResultDB)
	if err != nil {
		return err
	}
	defer results.Close()

	candleStore, err := market.NewStore(cfg.App.DataDir)
	if err != nil {
		return err
	}
	defer candleStore.Close()

	engine, err := backtest.NewEngine(backtest.EngineConfig{
		Config:        cfg,
		CandleStore:   candleStore,
		ResultStore:   results,
		Notifier:      buildNotifier(cfg),
		MaxConcurrent: 2,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	engine.SetContext(ctx)

	listen := *addr
	if listen == "" {
		listen = cfg.App.HTTPAddr
	}
	srv, err := backtesthttp.NewServer(backtesthttp.Config{
		Addr:      listen,
		Engine:    engine,
		Results:   results,
		Candles:   candleStore,
		Fetcher:   binance.NewSource(cfg.Binance.RESTBase),
		ReportDir: cfg.App.ReportDir,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	logger.Infof("http api listening on %s", listen)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runInitConfig(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	out := fs.String("out", "configs/config.yaml", "输出路径")
	fs.Parse(args)

	if err := config.WriteDefault(*out); err != nil {
		return err
	}
	fmt.Printf("default config written to %s\n", *out)
	return nil
}
